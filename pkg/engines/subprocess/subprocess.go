// Package subprocess runs model fits in a child process.
//
// The child is started once per fit as
//
//	<command> <args...> <script> <data.csv> <formula> <groups> <result.json>
//
// and must exit 0 after writing the result document described in
// pkg/engine. The default command is julia with an embedded MixedModels.jl
// worker script. Import this package with a blank identifier to register
// the engine:
//
//	import _ "github.com/leapstack-labs/econmix/pkg/engines/subprocess"
package subprocess

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/leapstack-labs/econmix/pkg/engine"
)

// Name is the registered engine type.
const Name = "julia"

// DefaultCommand is used when the configuration names no command.
const DefaultCommand = "julia"

const stderrTail = 4096

//go:embed mixed_model.jl
var workerScript []byte

// WorkerScript returns the embedded worker script.
func WorkerScript() []byte {
	out := make([]byte, len(workerScript))
	copy(out, workerScript)
	return out
}

// Engine is an engine.Engine backed by a child process per fit.
type Engine struct {
	cfg    engine.Config
	logger *slog.Logger

	command string
	script  string
	workDir string
	seq     atomic.Int64
}

// New creates an engine from cfg. Nothing is started until Initialize.
func New(cfg engine.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{cfg: cfg, logger: logger.With("engine", Name)}
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return Name }

// Initialize resolves the command, creates a private work directory and
// writes the embedded worker script there unless a script is configured.
func (e *Engine) Initialize(_ context.Context) error {
	command := e.cfg.Command
	if command == "" {
		command = DefaultCommand
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return fmt.Errorf("engine command %q not found: %w", command, err)
	}
	e.command = path

	dir, err := os.MkdirTemp("", "econmix-engine-*")
	if err != nil {
		return fmt.Errorf("failed to create engine work dir: %w", err)
	}
	e.workDir = dir

	if e.cfg.Script != "" {
		if _, err := os.Stat(e.cfg.Script); err != nil {
			return fmt.Errorf("engine script: %w", err)
		}
		e.script = e.cfg.Script
	} else {
		e.script = filepath.Join(dir, "mixed_model.jl")
		if err := os.WriteFile(e.script, workerScript, 0o600); err != nil {
			return fmt.Errorf("failed to write worker script: %w", err)
		}
	}

	e.logger.Debug("engine initialized", "command", e.command, "script", e.script)
	return nil
}

// Fit runs one child process. Cancelling ctx kills the child.
func (e *Engine) Fit(ctx context.Context, req engine.FitRequest) (*engine.FitResult, error) {
	if e.workDir == "" {
		return nil, errors.New("engine not initialized")
	}

	resultPath := filepath.Join(e.workDir, fmt.Sprintf("result-%d.json", e.seq.Add(1)))
	defer func() { _ = os.Remove(resultPath) }()

	args := make([]string, 0, len(e.cfg.Args)+5)
	args = append(args, e.cfg.Args...)
	args = append(args, e.script, req.DataPath, req.Formula, strings.Join(req.Groups, ","), resultPath)

	cmd := exec.CommandContext(ctx, e.command, args...) //nolint:gosec // command comes from configuration
	cmd.WaitDelay = 5 * time.Second
	stderr := &tailBuffer{limit: stderrTail}
	cmd.Stderr = stderr
	cmd.Stdout = stderr

	start := time.Now()
	e.logger.Debug("starting fit", "formula", req.Formula, "data", req.DataPath)
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("worker interrupted: %w", ctxErr)
		}
		return nil, &WorkerError{Err: err, Stderr: stderr.String()}
	}
	e.logger.Debug("fit finished", "duration", time.Since(start))

	res, err := engine.ReadResultFile(resultPath)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Shutdown removes the work directory.
func (e *Engine) Shutdown() error {
	if e.workDir == "" {
		return nil
	}
	dir := e.workDir
	e.workDir = ""
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove engine work dir: %w", err)
	}
	return nil
}

// WorkerError is returned when the child process exits unsuccessfully.
type WorkerError struct {
	Err    error
	Stderr string
}

func (e *WorkerError) Error() string {
	tail := strings.TrimSpace(e.Stderr)
	if tail == "" {
		return fmt.Sprintf("worker failed: %v", e.Err)
	}
	return fmt.Sprintf("worker failed: %v\n%s", e.Err, tail)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

var _ engine.Engine = (*Engine)(nil)
