package state

import (
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/leapstack-labs/econmix/pkg/core"
)

// RecordFit stores a fit and its fixed effects in one transaction. ID and
// CreatedAt are filled in when empty.
func (s *SQLiteStore) RecordFit(fit *core.FitRecord) (err error) {
	if s.db == nil {
		return errNotOpened
	}
	if fit.ID == "" {
		fit.ID = generateID()
	}
	if fit.CreatedAt.IsZero() {
		fit.CreatedAt = time.Now().UTC()
	}
	s.logger.Debug("recording fit",
		slog.String("run_id", fit.RunID),
		slog.String("name", fit.Name),
		slog.String("status", string(fit.Status)),
	)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var errVal *string
	if fit.Error != "" {
		errVal = &fit.Error
	}
	if _, err = tx.Exec(
		`INSERT INTO fits (id, run_id, name, formula, status, row_count, error, execution_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fit.ID, fit.RunID, fit.Name, fit.Formula, string(fit.Status), fit.Rows, errVal, fit.ExecutionMS, fit.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to record fit: %w", err)
	}

	for i, fe := range fit.FixedEffects {
		if _, err = tx.Exec(
			`INSERT INTO fixed_effects (fit_id, position, effect, estimate, stderr, z_value, p_value, significant)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			fit.ID, i, fe.Effect,
			nullable(fe.Estimate), nullable(fe.StdErr), nullable(fe.ZValue), nullable(fe.PValue),
			fe.Significant,
		); err != nil {
			return fmt.Errorf("failed to record fixed effect %q: %w", fe.Effect, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit fit: %w", err)
	}
	return nil
}

// GetFitsForRun returns the fits of a run in recording order. Fixed effects
// are not loaded; use GetFixedEffects.
func (s *SQLiteStore) GetFitsForRun(runID string) ([]*core.FitRecord, error) {
	if s.db == nil {
		return nil, errNotOpened
	}
	rows, err := s.db.Query(
		`SELECT id, run_id, name, formula, status, row_count, error, execution_ms, created_at
		 FROM fits WHERE run_id = ? ORDER BY rowid`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get fits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var fits []*core.FitRecord
	for rows.Next() {
		var (
			f      core.FitRecord
			status string
			errMsg sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.RunID, &f.Name, &f.Formula, &status, &f.Rows, &errMsg, &f.ExecutionMS, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fit: %w", err)
		}
		f.Status = core.FitStatus(status)
		f.Error = errMsg.String
		fits = append(fits, &f)
	}
	return fits, rows.Err()
}

// GetFixedEffects returns a fit's fixed effects in engine order. Values that
// were NaN when recorded come back as NaN.
func (s *SQLiteStore) GetFixedEffects(fitID string) ([]core.FixedEffectRecord, error) {
	if s.db == nil {
		return nil, errNotOpened
	}
	rows, err := s.db.Query(
		`SELECT effect, estimate, stderr, z_value, p_value, significant
		 FROM fixed_effects WHERE fit_id = ? ORDER BY position`, fitID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get fixed effects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []core.FixedEffectRecord
	for rows.Next() {
		var (
			r             core.FixedEffectRecord
			est, se, z, p sql.NullFloat64
		)
		if err := rows.Scan(&r.Effect, &est, &se, &z, &p, &r.Significant); err != nil {
			return nil, fmt.Errorf("failed to scan fixed effect: %w", err)
		}
		r.Estimate, r.StdErr, r.ZValue, r.PValue = orNaN(est), orNaN(se), orNaN(z), orNaN(p)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: !math.IsNaN(f) && !math.IsInf(f, 0)}
}

func orNaN(f sql.NullFloat64) float64 {
	if !f.Valid {
		return math.NaN()
	}
	return f.Float64
}
