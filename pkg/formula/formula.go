// Package formula compiles a model specification into the formula grammar
// used by mixed-model engines (lme4 / MixedModels.jl style).
//
// The output is deterministic: terms appear in declaration order and nothing
// is sorted or cached.
package formula

import (
	"strings"

	"github.com/leapstack-labs/econmix/pkg/spec"
)

// Formula is a compiled model formula such as
// "log_vol ~ log_price + (1+log_price|ppg)".
type Formula string

func (f Formula) String() string { return string(f) }

// Target returns the left-hand side of the formula.
func (f Formula) Target() string {
	lhs, _, _ := strings.Cut(string(f), "~")
	return strings.TrimSpace(lhs)
}

const termSep = " + "

// Compile builds the formula for s. The specification is validated first, so
// an empty target or unsupported operator is reported as a
// core.SpecificationError.
func Compile(s *spec.ModelSpecification) (Formula, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}

	fixed := strings.Join(FixedTerms(s), termSep)
	random := strings.Join(RandomTerms(s), termSep)

	var rhs string
	switch {
	case fixed != "" && random != "":
		rhs = fixed + termSep + random
	case fixed != "":
		rhs = fixed
	case random != "":
		rhs = random
	default:
		rhs = "1"
	}
	return Formula(s.Target + " ~ " + rhs), nil
}

// FixedTerms returns the fixed-effect terms in declaration order.
func FixedTerms(s *spec.ModelSpecification) []string {
	terms := make([]string, 0, len(s.FixedEffects))
	for _, t := range s.FixedEffects {
		if t.WithLevel == "" {
			terms = append(terms, t.Measure)
			continue
		}
		terms = append(terms, t.Measure+s.InteractionOperator+t.WithLevel)
	}
	return terms
}

// RandomTerms returns the random-effect terms: uncorrelated intercepts, then
// uncorrelated slopes, then one term per correlated group.
func RandomTerms(s *spec.ModelSpecification) []string {
	re := s.RandomEffects
	var terms []string
	for _, level := range re.Uncorrelated.Intercepts {
		terms = append(terms, randomTerm(true, nil, level))
	}
	for _, sl := range re.Uncorrelated.Slopes {
		terms = append(terms, randomTerm(false, []string{sl.Measure}, sl.ByLevel))
	}
	for _, g := range re.Correlated {
		if g.Empty() {
			continue
		}
		terms = append(terms, randomTerm(g.WithIntercept, g.Measures, g.ByLevel))
	}
	return terms
}

func randomTerm(intercept bool, measures []string, level string) string {
	var b strings.Builder
	b.WriteByte('(')
	if intercept {
		b.WriteByte('1')
	} else {
		b.WriteByte('0')
	}
	for _, m := range measures {
		b.WriteByte('+')
		b.WriteString(m)
	}
	b.WriteByte('|')
	b.WriteString(level)
	b.WriteByte(')')
	return b.String()
}
