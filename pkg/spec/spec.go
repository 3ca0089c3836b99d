// Package spec defines the canonical model specification for hierarchical
// mixed-effects models and the parsers that normalise the accepted
// configuration formats into it.
//
// Two input formats are supported:
//
//   - flat: lvl1..lvlN, fe_lvl{i}_var and re_lvl{i}_var keys, optionally
//     namespaced ("mixed_modeling.lvl1" or a nested mixed_modeling
//     mapping). Fixed effects become var*level terms and each named level
//     gets one correlated random term with an intercept.
//   - hierarchical: hierarchy_levels plus a model_specification section with
//     dependent_variable, main_effects, interactions and random_effects
//     (uncorrelated intercepts and slopes, correlated groups).
//
// Both produce a ModelSpecification, which is the only thing the formula
// compiler and the fit orchestrator consume.
package spec

import (
	"fmt"
	"slices"

	"github.com/leapstack-labs/econmix/pkg/core"
)

// Version is the version of the canonical ModelSpecification layout.
const Version = 1

// DefaultTarget is the dependent variable used when none is configured.
const DefaultTarget = "log_total_volume"

// Interaction operators.
const (
	// OpInteraction emits only the interaction term (a:b).
	OpInteraction = ":"
	// OpProduct emits main effects plus interaction (a*b).
	OpProduct = "*"
)

// FixedTerm is one fixed-effect term. An empty WithLevel is a main effect.
type FixedTerm struct {
	Measure   string
	WithLevel string
}

// Slope is an uncorrelated random slope of Measure within ByLevel.
type Slope struct {
	Measure string
	ByLevel string
}

// Uncorrelated holds random terms estimated without covariance.
type Uncorrelated struct {
	Intercepts []string
	Slopes     []Slope
}

// CorrelatedGroup is a single random term for one grouping level whose
// slopes (and optional intercept) share an estimated covariance matrix.
type CorrelatedGroup struct {
	ByLevel       string
	WithIntercept bool
	Measures      []string
}

// Empty reports whether the group produces no term.
func (g CorrelatedGroup) Empty() bool {
	return g.ByLevel == "" || (!g.WithIntercept && len(g.Measures) == 0)
}

// RandomEffects groups the uncorrelated and correlated random terms.
type RandomEffects struct {
	Uncorrelated Uncorrelated
	Correlated   []CorrelatedGroup
}

// ModelSpecification is the canonical description of a hierarchical model.
type ModelSpecification struct {
	Version int
	// Format records which input format the specification was parsed from.
	Format              Format
	Target              string
	HierarchyLevels     []string
	FixedEffects        []FixedTerm
	InteractionOperator string
	RandomEffects       RandomEffects
}

// Validate checks the invariants the formula compiler relies on.
func (s *ModelSpecification) Validate() error {
	if s.Target == "" {
		return &core.SpecificationError{Field: "target", Reason: "dependent variable is empty"}
	}
	switch s.InteractionOperator {
	case OpInteraction, OpProduct:
	default:
		return &core.SpecificationError{
			Field:  "interaction_operator",
			Reason: fmt.Sprintf("unsupported operator %q (want %q or %q)", s.InteractionOperator, OpInteraction, OpProduct),
		}
	}
	for i, t := range s.FixedEffects {
		if t.Measure == "" {
			return &core.SpecificationError{Field: fmt.Sprintf("fixed_effects[%d]", i), Reason: "measure is empty"}
		}
	}
	for i, sl := range s.RandomEffects.Uncorrelated.Slopes {
		if sl.Measure == "" || sl.ByLevel == "" {
			return &core.SpecificationError{
				Field:  fmt.Sprintf("random_effects.uncorrelated.slopes[%d]", i),
				Reason: "slope needs both measure and by_level",
			}
		}
	}
	return nil
}

// GroupingColumns returns the categorical columns used as grouping factors.
// The primary level comes first, followed by the hierarchy levels and then
// any random-effect level not already listed, in first-appearance order.
func (s *ModelSpecification) GroupingColumns() []string {
	var out []string
	add := func(c string) {
		if c != "" && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	add(s.PrimaryLevel())
	for _, l := range s.HierarchyLevels {
		add(l)
	}
	for _, l := range s.RandomLevels() {
		add(l)
	}
	return out
}

// RandomLevels returns the grouping levels that carry at least one random
// term, in the order the terms appear in the compiled formula.
func (s *ModelSpecification) RandomLevels() []string {
	var out []string
	add := func(c string) {
		if c != "" && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	for _, l := range s.RandomEffects.Uncorrelated.Intercepts {
		add(l)
	}
	for _, sl := range s.RandomEffects.Uncorrelated.Slopes {
		add(sl.ByLevel)
	}
	for _, g := range s.RandomEffects.Correlated {
		if !g.Empty() {
			add(g.ByLevel)
		}
	}
	return out
}

// PrimaryLevel returns the grouping column random-effect tables are keyed
// and sorted by: the outermost hierarchy level that carries a random term,
// otherwise the first random-effect level. Without random terms it falls back
// to the outermost hierarchy level, and it is "" for a specification without
// groups.
func (s *ModelSpecification) PrimaryLevel() string {
	random := s.RandomLevels()
	for _, l := range s.HierarchyLevels {
		if slices.Contains(random, l) {
			return l
		}
	}
	if len(random) > 0 {
		return random[0]
	}
	for _, l := range s.HierarchyLevels {
		if l != "" {
			return l
		}
	}
	return ""
}

// ReferencedColumns returns every dataset column the specification needs:
// target, grouping columns, fixed-effect measures and levels, and random
// slope measures. Order is first appearance; duplicates are removed.
func (s *ModelSpecification) ReferencedColumns() []string {
	out := []string{s.Target}
	add := func(c string) {
		if c != "" && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	for _, c := range s.GroupingColumns() {
		add(c)
	}
	for _, t := range s.FixedEffects {
		add(t.Measure)
		add(t.WithLevel)
	}
	for _, sl := range s.RandomEffects.Uncorrelated.Slopes {
		add(sl.Measure)
	}
	for _, g := range s.RandomEffects.Correlated {
		for _, m := range g.Measures {
			add(m)
		}
	}
	return out
}

// addCorrelated merges g into the specification's correlated groups. Entries
// for an existing level extend that group: measures are appended without
// duplicates and the intercept is kept if either side asks for it.
func (s *ModelSpecification) addCorrelated(g CorrelatedGroup) {
	for i := range s.RandomEffects.Correlated {
		existing := &s.RandomEffects.Correlated[i]
		if existing.ByLevel != g.ByLevel {
			continue
		}
		existing.WithIntercept = existing.WithIntercept || g.WithIntercept
		for _, m := range g.Measures {
			if !slices.Contains(existing.Measures, m) {
				existing.Measures = append(existing.Measures, m)
			}
		}
		return
	}
	var measures []string
	for _, m := range g.Measures {
		if !slices.Contains(measures, m) {
			measures = append(measures, m)
		}
	}
	g.Measures = measures
	s.RandomEffects.Correlated = append(s.RandomEffects.Correlated, g)
}
