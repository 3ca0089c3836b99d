package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/econmix/internal/cli/output"
	"github.com/leapstack-labs/econmix/internal/state"
	"github.com/leapstack-labs/econmix/pkg/core"
)

// NewRunsCommand creates the runs command.
func NewRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "Show recorded pipeline runs",
		Long: `Without arguments, list the most recent runs. With a run ID, show the
model fits recorded for that run and their fixed effects.`,
		Example: `  econmix runs --limit 5
  econmix runs 3f2a9c1e-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := NewCommandContext(cmd)
			store, err := c.OpenStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if len(args) == 1 {
				return showRun(c.Renderer, store, args[0])
			}
			return listRuns(c.Renderer, store, limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", state.DefaultListLimit, "Maximum number of runs to list")
	return cmd
}

func runDuration(run *core.Run) string {
	if run.CompletedAt == nil {
		return ""
	}
	return run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
}

func listRuns(r *output.Renderer, store core.Store, limit int) error {
	runs, err := store.ListRuns(limit)
	if err != nil {
		return err
	}
	if r.EffectiveMode() == output.ModeJSON {
		if runs == nil {
			runs = []*core.Run{}
		}
		return r.JSON(runs)
	}

	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, []string{
			run.ID,
			run.Pipeline,
			formatStatus(string(run.Status)),
			formatTime(run.StartedAt),
			runDuration(run),
			run.Error,
		})
	}
	r.Table([]string{"id", "pipeline", "status", "started", "duration", "error"}, rows)
	return nil
}

type fitJSON struct {
	*core.FitRecord
	FixedEffects []fixedEffectJSON `json:"fixed_effects"`
}

type fixedEffectJSON struct {
	Effect      string   `json:"effect"`
	Estimate    *float64 `json:"estimate"`
	StdErr      *float64 `json:"std_err"`
	ZValue      *float64 `json:"z_value"`
	PValue      *float64 `json:"p_value"`
	Significant bool     `json:"significant"`
}

func finite(f float64) *float64 {
	if !isFinite(f) {
		return nil
	}
	return &f
}

func showRun(r *output.Renderer, store core.Store, id string) error {
	run, err := store.GetRun(id)
	if err != nil {
		return err
	}
	fits, err := store.GetFitsForRun(id)
	if err != nil {
		return err
	}
	effects := make([][]core.FixedEffectRecord, len(fits))
	for i, f := range fits {
		if effects[i], err = store.GetFixedEffects(f.ID); err != nil {
			return err
		}
	}

	if r.EffectiveMode() == output.ModeJSON {
		out := struct {
			Run  *core.Run `json:"run"`
			Fits []fitJSON `json:"fits"`
		}{Run: run, Fits: make([]fitJSON, 0, len(fits))}
		for i, f := range fits {
			fj := fitJSON{FitRecord: f, FixedEffects: make([]fixedEffectJSON, 0, len(effects[i]))}
			for _, fe := range effects[i] {
				fj.FixedEffects = append(fj.FixedEffects, fixedEffectJSON{
					Effect:      fe.Effect,
					Estimate:    finite(fe.Estimate),
					StdErr:      finite(fe.StdErr),
					ZValue:      finite(fe.ZValue),
					PValue:      finite(fe.PValue),
					Significant: fe.Significant,
				})
			}
			out.Fits = append(out.Fits, fj)
		}
		return r.JSON(out)
	}

	styles := r.Styles()
	r.Header(fmt.Sprintf("Run %s", run.ID))
	r.Printf("  %s: %s\n", styles.Bold.Render("Pipeline"), run.Pipeline)
	r.Printf("  %s: %s\n", styles.Bold.Render("Status"), formatStatus(string(run.Status)))
	r.Printf("  %s: %s\n", styles.Bold.Render("Started"), formatTime(run.StartedAt))
	if d := runDuration(run); d != "" {
		r.Printf("  %s: %s\n", styles.Bold.Render("Duration"), d)
	}
	if run.Error != "" {
		r.Printf("  %s: %s\n", styles.Bold.Render("Error"), styles.Error.Render(run.Error))
	}
	r.Println("")

	if len(fits) == 0 {
		r.Println(styles.Muted.Render("No model fits recorded for this run."))
		return nil
	}
	for i, f := range fits {
		r.Println(styles.Header2.Render(fmt.Sprintf("%s (%s, %d rows, %dms)", f.Name, f.Status, f.Rows, f.ExecutionMS)))
		r.Println(f.Formula)
		if f.Error != "" {
			r.Println(styles.Error.Render(f.Error))
		}
		rows := make([][]string, 0, len(effects[i]))
		for _, fe := range effects[i] {
			rows = append(rows, []string{
				fe.Effect,
				formatStat(fe.Estimate),
				formatStat(fe.StdErr),
				formatStat(fe.ZValue),
				formatStat(fe.PValue),
				strconv.FormatBool(fe.Significant),
			})
		}
		r.Table([]string{"effect", "estimate", "std_err", "z_value", "p_value", "significant"}, rows)
		r.Println("")
	}
	return nil
}
