package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/econmix/internal/dag"
	"github.com/leapstack-labs/econmix/internal/testutil"
	"github.com/leapstack-labs/econmix/pkg/core"
)

// recorder builds nodes that log their execution order.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) node(name string, inputs, outputs []string) Node {
	return Node{
		Name:    name,
		Inputs:  inputs,
		Outputs: outputs,
		Func: func(_ context.Context, in map[string]any) (map[string]any, error) {
			r.mu.Lock()
			r.order = append(r.order, name)
			r.mu.Unlock()
			out := make(map[string]any, len(outputs))
			for _, o := range outputs {
				out[o] = fmt.Sprintf("%s(%d)", name, len(in))
			}
			return out, nil
		},
	}
}

func (r *recorder) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func seeded(t *testing.T, values map[string]any) *Catalog {
	t.Helper()
	c := NewCatalog(nil, t.TempDir())
	for k, v := range values {
		require.NoError(t, c.Save(k, v))
	}
	return c
}

func TestPipeline_Graph(t *testing.T) {
	rec := &recorder{}
	p := New("p",
		rec.node("model", []string{"features", "params:model"}, []string{"results"}),
		rec.node("features", []string{"rolled"}, []string{"features"}),
		rec.node("rollup", []string{"raw"}, []string{"rolled"}),
	)
	g, err := p.Graph()
	require.NoError(t, err)

	order, err := g.TopologicalSort()
	require.NoError(t, err)
	assert.Equal(t, []string{"rollup", "features", "model"}, order)
	assert.Equal(t, []string{"raw"}, p.FreeInputs())
	assert.Equal(t, []string{"results", "features", "rolled"}, p.Outputs())
}

func TestPipeline_GraphErrors(t *testing.T) {
	rec := &recorder{}
	tests := []struct {
		name string
		p    *Pipeline
		want string
	}{
		{
			name: "cycle",
			p: New("p",
				rec.node("a", []string{"y"}, []string{"x"}),
				rec.node("b", []string{"x"}, []string{"y"}),
			),
			want: "cycle detected",
		},
		{
			name: "self dependency",
			p:    New("p", rec.node("a", []string{"x"}, []string{"x"})),
			want: "cycle detected",
		},
		{
			name: "duplicate output",
			p: New("p",
				rec.node("a", nil, []string{"x"}),
				rec.node("b", nil, []string{"x"}),
			),
			want: `dataset "x" is produced by both`,
		},
		{
			name: "duplicate node",
			p:    New("p", rec.node("a", nil, nil), rec.node("a", nil, nil)),
			want: `duplicate node "a"`,
		},
		{
			name: "missing function",
			p:    New("p", Node{Name: "a"}),
			want: "has no function",
		},
		{
			name: "writes parameters",
			p:    New("p", rec.node("a", nil, []string{"params:x"})),
			want: "cannot write parameters",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.p.Graph()
			assert.ErrorContains(t, err, tt.want)
		})
	}

	_, err := New("p",
		rec.node("a", []string{"y"}, []string{"x"}),
		rec.node("b", []string{"x"}, []string{"y"}),
	).Graph()
	var cyc *dag.CycleError
	assert.True(t, errors.As(err, &cyc))
}

func TestSum_DeduplicatesNodes(t *testing.T) {
	rec := &recorder{}
	a := New("a", rec.node("n1", nil, []string{"x"}))
	b := New("b", rec.node("n1", nil, []string{"x"}), rec.node("n2", []string{"x"}, nil))

	s := Sum("all", a, b)
	require.Len(t, s.Nodes, 2)
	assert.Equal(t, "n1", s.Nodes[0].Name)
	assert.Equal(t, "n2", s.Nodes[1].Name)
}

func TestRunner_RunsInDependencyOrder(t *testing.T) {
	rec := &recorder{}
	p := New("p",
		rec.node("model", []string{"features", "params:model"}, []string{"results"}),
		rec.node("features", []string{"rolled", "params:fe"}, []string{"features"}),
		rec.node("rollup", []string{"raw"}, []string{"rolled"}),
	)
	cat := seeded(t, map[string]any{"raw": "raw-data"})
	r := NewRunner(cat,
		WithParams(map[string]any{"model": map[string]any{"target": "y"}, "fe": nil}),
		WithRunnerLogger(testutil.NewTestLogger(t)),
	)

	summary, err := r.Run(context.Background(), p, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"rollup", "features", "model"}, rec.ran())
	require.Len(t, summary.Nodes, 3)
	assert.Equal(t, "model", summary.Nodes[2].Name)
	assert.Empty(t, summary.RunID)

	v, err := cat.Load("results")
	require.NoError(t, err)
	assert.Equal(t, "model(2)", v)
}

func TestRunner_MissingInputsFailFast(t *testing.T) {
	rec := &recorder{}
	p := New("p",
		rec.node("first", nil, []string{"a"}),
		rec.node("second", []string{"a", "missing"}, []string{"b"}),
	)
	r := NewRunner(seeded(t, nil))

	_, err := r.Run(context.Background(), p, RunOptions{})
	var missing *MissingInputError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "second", missing.Node)
	assert.Equal(t, "missing", missing.Input)
	assert.Empty(t, rec.ran(), "no node may run when an input is missing")

	p = New("p", rec.node("first", []string{"params:absent"}, nil))
	_, err = r.Run(context.Background(), p, RunOptions{})
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "params:absent", missing.Input)
}

func TestRunner_ResolvesParameters(t *testing.T) {
	params := map[string]any{
		"feature_engineering": map[string]any{"loess_frac": 0.5},
		"dotted.key":          1,
	}
	r := NewRunner(seeded(t, nil), WithParams(params))

	v, err := r.resolve("params:feature_engineering.loess_frac")
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)

	v, err = r.resolve("params:dotted.key")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = r.resolve(AllParams)
	require.NoError(t, err)
	assert.Equal(t, params, v)

	_, err = r.resolve("params:feature_engineering.loess_frac.deeper")
	assert.Error(t, err)
}

func TestRunner_SelectsNodes(t *testing.T) {
	build := func(rec *recorder) *Pipeline {
		return New("p",
			rec.node("a", []string{"raw"}, []string{"x"}),
			rec.node("b", []string{"x"}, []string{"y"}),
			rec.node("c", []string{"y"}, []string{"z"}),
			rec.node("d", []string{"raw"}, []string{"w"}),
		)
	}
	tests := []struct {
		name string
		opts RunOptions
		want []string
	}{
		{"all", RunOptions{}, []string{"a", "d", "b", "c"}},
		{"from", RunOptions{FromNodes: []string{"b"}}, []string{"b", "c"}},
		{"to", RunOptions{ToNodes: []string{"b"}}, []string{"a", "b"}},
		{"from and to", RunOptions{FromNodes: []string{"a"}, ToNodes: []string{"b"}}, []string{"a", "b"}},
		{"only", RunOptions{Nodes: []string{"d"}}, []string{"d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			// Intermediate datasets exist so partial runs can load them.
			cat := seeded(t, map[string]any{"raw": 1, "x": 2, "y": 3})
			_, err := NewRunner(cat).Run(context.Background(), build(rec), tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.ran())
		})
	}

	_, err := NewRunner(seeded(t, nil)).Plan(build(&recorder{}), RunOptions{FromNodes: []string{"nope"}})
	assert.ErrorContains(t, err, `no node "nope"`)
}

func TestRunner_NodeFailure(t *testing.T) {
	boom := errors.New("boom")
	rec := &recorder{}
	p := New("p",
		Node{Name: "bad", Outputs: []string{"x"}, Func: func(context.Context, map[string]any) (map[string]any, error) {
			return nil, boom
		}},
		rec.node("after", []string{"x"}, nil),
	)
	store := newMemStore()
	summary, err := NewRunner(seeded(t, nil), WithStore(store)).Run(context.Background(), p, RunOptions{})

	var nodeErr *NodeError
	require.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, "bad", nodeErr.Node)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, rec.ran())

	run, getErr := store.GetRun(summary.RunID)
	require.NoError(t, getErr)
	assert.Equal(t, core.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "boom")
}

func TestRunner_MissingOutput(t *testing.T) {
	p := New("p", Node{Name: "lazy", Outputs: []string{"x"}, Func: func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	}})
	_, err := NewRunner(seeded(t, nil)).Run(context.Background(), p, RunOptions{})
	assert.ErrorContains(t, err, `output "x" was not returned`)
}

func TestRunner_RecordsRunID(t *testing.T) {
	var seen string
	p := New("p", Node{Name: "n", Func: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		seen, _ = RunIDFromContext(ctx)
		return nil, nil
	}})
	store := newMemStore()
	summary, err := NewRunner(seeded(t, nil), WithStore(store)).Run(context.Background(), p, RunOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, summary.RunID, seen)

	run, err := store.GetRun(summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCompleted, run.Status)
	assert.Equal(t, "p", run.Pipeline)
}

func TestInput(t *testing.T) {
	in := map[string]any{"n": 3}
	v, err := Input[int](in, "n")
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	_, err = Input[string](in, "n")
	assert.ErrorContains(t, err, "has type int")
	_, err = Input[int](in, "missing")
	assert.ErrorContains(t, err, "not provided")
}

// memStore is an in-memory core.Store.
type memStore struct {
	mu   sync.Mutex
	runs map[string]*core.Run
	fits []*core.FitRecord
	seq  int
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[string]*core.Run)}
}

func (s *memStore) Open(string) error { return nil }
func (s *memStore) Close() error { return nil }
func (s *memStore) InitSchema() error { return nil }

func (s *memStore) CreateRun(pipeline string) (*core.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	run := &core.Run{ID: fmt.Sprintf("run-%d", s.seq), Pipeline: pipeline, Status: core.RunStatusRunning, StartedAt: time.Now()}
	s.runs[run.ID] = run
	return run, nil
}

func (s *memStore) GetRun(id string) (*core.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %q not found", id)
	}
	return run, nil
}

func (s *memStore) CompleteRun(id string, status core.RunStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %q not found", id)
	}
	now := time.Now()
	run.Status, run.Error, run.CompletedAt = status, errMsg, &now
	return nil
}

func (s *memStore) ListRuns(int) ([]*core.Run, error) { return nil, nil }

func (s *memStore) RecordFit(fit *core.FitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	fit.ID = fmt.Sprintf("fit-%d", s.seq)
	s.fits = append(s.fits, fit)
	return nil
}

func (s *memStore) GetFitsForRun(runID string) ([]*core.FitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.FitRecord
	for _, f := range s.fits {
		if f.RunID == runID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *memStore) GetFixedEffects(string) ([]core.FixedEffectRecord, error) { return nil, nil }

var _ core.Store = (*memStore)(nil)
