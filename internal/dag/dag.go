// Package dag provides the dependency graph the pipeline runner orders nodes
// with. It supports cycle detection, topological sorting, execution levels
// and upstream/downstream selection.
package dag

import (
	"fmt"
	"slices"
	"strings"
)

// CycleError reports a dependency cycle. Path starts and ends on the same
// node.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "cycle detected: " + strings.Join(e.Path, " -> ")
}

// Graph is a directed graph of uniquely named nodes carrying values of
// type T. Edges point from a dependency to its dependent. Iteration order
// follows insertion order, so results are deterministic.
type Graph[T any] struct {
	order    []string
	values   map[string]T
	children map[string][]string
	parents  map[string][]string
}

// New creates an empty graph.
func New[T any]() *Graph[T] {
	return &Graph[T]{
		values:   make(map[string]T),
		children: make(map[string][]string),
		parents:  make(map[string][]string),
	}
}

// AddNode adds a node, or replaces the value of an existing one.
func (g *Graph[T]) AddNode(id string, v T) {
	if _, exists := g.values[id]; !exists {
		g.order = append(g.order, id)
	}
	g.values[id] = v
}

// AddEdge records that child depends on parent.
func (g *Graph[T]) AddEdge(parent, child string) error {
	if _, ok := g.values[parent]; !ok {
		return fmt.Errorf("parent node %q does not exist", parent)
	}
	if _, ok := g.values[child]; !ok {
		return fmt.Errorf("child node %q does not exist", child)
	}
	if parent == child {
		return &CycleError{Path: []string{parent, child}}
	}
	if !slices.Contains(g.children[parent], child) {
		g.children[parent] = append(g.children[parent], child)
	}
	if !slices.Contains(g.parents[child], parent) {
		g.parents[child] = append(g.parents[child], parent)
	}
	return nil
}

// Node returns the value stored for id.
func (g *Graph[T]) Node(id string) (T, bool) {
	v, ok := g.values[id]
	return v, ok
}

// Nodes returns node IDs in insertion order.
func (g *Graph[T]) Nodes() []string {
	return slices.Clone(g.order)
}

// Parents returns the direct dependencies of id.
func (g *Graph[T]) Parents(id string) []string {
	return slices.Clone(g.parents[id])
}

// Children returns the direct dependents of id.
func (g *Graph[T]) Children(id string) []string {
	return slices.Clone(g.children[id])
}

// Len returns the number of nodes.
func (g *Graph[T]) Len() int {
	return len(g.order)
}

// EdgeCount returns the number of edges.
func (g *Graph[T]) EdgeCount() int {
	n := 0
	for _, c := range g.children {
		n += len(c)
	}
	return n
}

// FindCycle returns a cycle if the graph has one.
func (g *Graph[T]) FindCycle() *CycleError {
	const (
		unvisited = iota
		active
		done
	)
	state := make(map[string]int, len(g.order))
	var stack []string

	var visit func(id string) *CycleError
	visit = func(id string) *CycleError {
		state[id] = active
		stack = append(stack, id)
		for _, c := range g.children[id] {
			switch state[c] {
			case active:
				start := slices.Index(stack, c)
				path := append(slices.Clone(stack[start:]), c)
				return &CycleError{Path: path}
			case unvisited:
				if err := visit(c); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range g.order {
		if state[id] == unvisited {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// TopologicalSort returns node IDs with every dependency before its
// dependents. Among ready nodes, insertion order wins.
func (g *Graph[T]) TopologicalSort() ([]string, error) {
	levels, err := g.Levels()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, l := range levels {
		out = append(out, l...)
	}
	return out, nil
}

// Levels groups nodes by depth: level 0 has no dependencies and every node
// in level N depends only on nodes in earlier levels. Nodes within a level
// keep insertion order.
func (g *Graph[T]) Levels() ([][]string, error) {
	if cyc := g.FindCycle(); cyc != nil {
		return nil, cyc
	}
	depth := make(map[string]int, len(g.order))
	var depthOf func(id string) int
	depthOf = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		d := 0
		for _, p := range g.parents[id] {
			d = max(d, depthOf(p)+1)
		}
		depth[id] = d
		return d
	}

	var levels [][]string
	for _, id := range g.order {
		d := depthOf(id)
		for len(levels) <= d {
			levels = append(levels, nil)
		}
	}
	for _, id := range g.order {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels, nil
}

// Upstream returns ids and everything they transitively depend on, in
// insertion order.
func (g *Graph[T]) Upstream(ids ...string) []string {
	return g.reach(ids, g.parents)
}

// Downstream returns ids and everything that transitively depends on them,
// in insertion order.
func (g *Graph[T]) Downstream(ids ...string) []string {
	return g.reach(ids, g.children)
}

func (g *Graph[T]) reach(ids []string, next map[string][]string) []string {
	seen := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		for _, n := range next[id] {
			walk(n)
		}
	}
	for _, id := range ids {
		if _, ok := g.values[id]; ok {
			walk(id)
		}
	}
	var out []string
	for _, id := range g.order {
		if seen[id] {
			out = append(out, id)
		}
	}
	return out
}

// Subgraph returns a graph holding only ids and the edges between them.
func (g *Graph[T]) Subgraph(ids []string) *Graph[T] {
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	sub := New[T]()
	for _, id := range g.order {
		if keep[id] {
			sub.AddNode(id, g.values[id])
		}
	}
	for _, id := range sub.order {
		for _, c := range g.children[id] {
			if keep[c] {
				_ = sub.AddEdge(id, c)
			}
		}
	}
	return sub
}
