package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/leapstack-labs/econmix/internal/mixedmodel"
	"github.com/leapstack-labs/econmix/pkg/adapter"
	"github.com/leapstack-labs/econmix/pkg/core"
)

// DefaultName is the pipeline made of every registered pipeline.
const DefaultName = "__default__"

// Env carries the dependencies pipeline builders wire into their nodes.
type Env struct {
	// Warehouse opens the warehouse the rollup runs in. The caller closes
	// the returned adapter.
	Warehouse func(ctx context.Context) (adapter.Adapter, error)
	// Batch fits mixed models.
	Batch *mixedmodel.Batch
	// Store records fits against the current run when set.
	Store      core.Store
	StagingDir string
	Logger     *slog.Logger
}

func (e *Env) logger() *slog.Logger {
	if e == nil || e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}

// Builder creates a pipeline bound to env.
type Builder func(env *Env) *Pipeline

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Builder)
	order      []string
)

// Register adds a pipeline builder. Registration order defines the node
// order of the default pipeline.
func Register(name string, b Builder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; !exists {
		order = append(order, name)
	}
	registry[name] = b
}

// IsRegistered reports whether a pipeline name is known. The default
// pipeline is always known.
func IsRegistered(name string) bool {
	if name == DefaultName {
		return true
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

// List returns the registered pipeline names, sorted, followed by the
// default pipeline.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry)+1)
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return append(names, DefaultName)
}

// Build creates the named pipeline. DefaultName, or an empty name, builds
// the sum of all registered pipelines.
func Build(name string, env *Env) (*Pipeline, error) {
	if name == "" || name == DefaultName {
		registryMu.RLock()
		names := append([]string(nil), order...)
		registryMu.RUnlock()

		parts := make([]*Pipeline, 0, len(names))
		for _, n := range names {
			p, err := Build(n, env)
			if err != nil {
				return nil, err
			}
			parts = append(parts, p)
		}
		return Sum(DefaultName, parts...), nil
	}

	registryMu.RLock()
	b, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, &UnknownPipelineError{Name: name, Available: List()}
	}
	p := b(env)
	p.Name = name
	return p, nil
}

// UnknownPipelineError is returned when an unknown pipeline is requested.
type UnknownPipelineError struct {
	Name      string
	Available []string
}

func (e *UnknownPipelineError) Error() string {
	return fmt.Sprintf("unknown pipeline %q\nAvailable pipelines: %v\nHint: Run 'econmix pipelines' to list them", e.Name, e.Available)
}
