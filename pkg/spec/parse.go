package spec

import (
	"fmt"
	"maps"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"

	"github.com/leapstack-labs/econmix/pkg/core"
)

// Format identifies the configuration convention a specification uses.
type Format int

// Supported formats.
const (
	FormatUnknown Format = iota
	FormatFlat
	FormatHierarchical
)

func (f Format) String() string {
	switch f {
	case FormatFlat:
		return "flat"
	case FormatHierarchical:
		return "hierarchical"
	default:
		return "unknown"
	}
}

// ParseFormat converts a spec_format value to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "flat", "legacy":
		return FormatFlat, nil
	case "hierarchical", "nested":
		return FormatHierarchical, nil
	default:
		return FormatUnknown, &core.SpecificationError{Field: "spec_format", Reason: fmt.Sprintf("unknown format %q", s)}
	}
}

var flatKeyPattern = regexp.MustCompile(`^(lvl|fe_lvl|re_lvl)(\d+)(_var)?$`)

// DetectFormat reports the format of params. An explicit spec_format key
// wins; otherwise any lvl{i}, fe_lvl{i}_var or re_lvl{i}_var key selects the
// flat format. Flat keys may be namespaced with a dotted prefix
// ("mixed_modeling.lvl1") or nested one level under a mapping.
func DetectFormat(params map[string]any) (Format, error) {
	params = flattenNamespaces(params)
	if raw, ok := params["spec_format"]; ok {
		s, ok := raw.(string)
		if !ok {
			return FormatUnknown, &core.SpecificationError{Field: "spec_format", Reason: "must be a string"}
		}
		return ParseFormat(s)
	}
	for k := range params {
		if flatKeyPattern.MatchString(baseKey(k)) {
			return FormatFlat, nil
		}
	}
	return FormatHierarchical, nil
}

// Parse normalises params into a validated ModelSpecification.
func Parse(params map[string]any) (*ModelSpecification, error) {
	params = flattenNamespaces(params)
	format, err := DetectFormat(params)
	if err != nil {
		return nil, err
	}

	var s *ModelSpecification
	switch format {
	case FormatFlat:
		s, err = parseFlat(params)
	default:
		s, err = parseHierarchical(params)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// flattenNamespaces rewrites every nested mapping that holds flat-format
// keys into dotted keys, so "mixed_modeling: {lvl1: ppg}" reads the same as
// "mixed_modeling.lvl1: ppg". params is returned unchanged when nothing is
// nested.
func flattenNamespaces(params map[string]any) map[string]any {
	var out map[string]any
	for k, v := range params {
		sub, ok := v.(map[string]any)
		if !ok || !hasFlatKey(sub) {
			continue
		}
		if out == nil {
			out = maps.Clone(params)
		}
		delete(out, k)
		for sk, sv := range sub {
			out[k+"."+sk] = sv
		}
	}
	if out == nil {
		return params
	}
	return out
}

func hasFlatKey(m map[string]any) bool {
	for k := range m {
		if flatKeyPattern.MatchString(baseKey(k)) {
			return true
		}
	}
	return false
}

// baseKey strips a dotted namespace prefix.
func baseKey(k string) string {
	if i := strings.LastIndex(k, "."); i >= 0 {
		return k[i+1:]
	}
	return k
}

func parseFlat(params map[string]any) (*ModelSpecification, error) {
	s := &ModelSpecification{
		Version:             Version,
		Format:              FormatFlat,
		Target:              DefaultTarget,
		InteractionOperator: OpProduct,
	}

	type flatLevel struct {
		name     string
		fixed    []string
		random   []string
		hasFixed bool
	}
	levels := map[int]*flatLevel{}
	level := func(i int) *flatLevel {
		if levels[i] == nil {
			levels[i] = &flatLevel{}
		}
		return levels[i]
	}

	for k, v := range params {
		key := baseKey(k)
		switch key {
		case "target":
			t, err := stringValue(k, v)
			if err != nil {
				return nil, err
			}
			s.Target = t
			continue
		case "interaction_operator":
			op, err := stringValue(k, v)
			if err != nil {
				return nil, err
			}
			s.InteractionOperator = op
			continue
		}

		m := flatKeyPattern.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		idx, _ := strconv.Atoi(m[2])
		switch {
		case m[1] == "lvl" && m[3] == "":
			name, err := stringValue(k, v)
			if err != nil {
				return nil, err
			}
			level(idx).name = name
		case m[1] == "fe_lvl" && m[3] != "":
			vars, err := stringList(k, v)
			if err != nil {
				return nil, err
			}
			level(idx).fixed = vars
		case m[1] == "re_lvl" && m[3] != "":
			vars, err := stringList(k, v)
			if err != nil {
				return nil, err
			}
			level(idx).random = vars
		}
	}

	order := make([]int, 0, len(levels))
	for i := range levels {
		order = append(order, i)
	}
	sort.Ints(order)

	for _, i := range order {
		if l := levels[i]; l.name != "" {
			s.HierarchyLevels = append(s.HierarchyLevels, l.name)
		}
	}
	for _, i := range order {
		l := levels[i]
		for _, v := range l.fixed {
			s.FixedEffects = append(s.FixedEffects, FixedTerm{Measure: v, WithLevel: l.name})
		}
	}
	for _, i := range order {
		l := levels[i]
		if l.name == "" {
			continue
		}
		s.addCorrelated(CorrelatedGroup{ByLevel: l.name, WithIntercept: true, Measures: l.random})
	}
	return s, nil
}

type hierarchicalDoc struct {
	HierarchyLevels     []string `mapstructure:"hierarchy_levels"`
	InteractionOperator string   `mapstructure:"interaction_operator"`
}

type modelSection struct {
	DependentVariable   *string            `mapstructure:"dependent_variable"`
	Target              *string            `mapstructure:"target"`
	MainEffects         []string           `mapstructure:"main_effects"`
	Interactions        []interactionEntry `mapstructure:"interactions"`
	InteractionOperator string             `mapstructure:"interaction_operator"`
	RandomEffects       randomSection      `mapstructure:"random_effects"`
}

type interactionEntry struct {
	Measure   string `mapstructure:"measure"`
	WithLevel string `mapstructure:"with_level"`
}

type randomSection struct {
	Uncorrelated uncorrelatedSection `mapstructure:"uncorrelated"`
	Correlated   []correlatedEntry   `mapstructure:"correlated"`
}

type uncorrelatedSection struct {
	Intercepts []string     `mapstructure:"intercepts"`
	Slopes     []slopeEntry `mapstructure:"slopes"`
}

type slopeEntry struct {
	Measure string `mapstructure:"measure"`
	ByLevel string `mapstructure:"by_level"`
}

type correlatedEntry struct {
	Measure       string   `mapstructure:"measure"`
	Measures      []string `mapstructure:"measures"`
	ByLevel       string   `mapstructure:"by_level"`
	WithIntercept *bool    `mapstructure:"with_intercept"`
}

func parseHierarchical(params map[string]any) (*ModelSpecification, error) {
	var doc hierarchicalDoc
	if err := decode(params, &doc); err != nil {
		return nil, err
	}

	// The model section may be nested under model_specification or sit at
	// the top level next to hierarchy_levels.
	sectionSrc := params
	if raw, ok := params["model_specification"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, &core.SpecificationError{Field: "model_specification", Reason: "must be a mapping"}
		}
		sectionSrc = m
	}
	var sec modelSection
	if err := decode(sectionSrc, &sec); err != nil {
		return nil, err
	}

	s := &ModelSpecification{
		Version:             Version,
		Format:              FormatHierarchical,
		Target:              DefaultTarget,
		InteractionOperator: OpInteraction,
	}

	switch {
	case sec.DependentVariable != nil:
		s.Target = *sec.DependentVariable
	case sec.Target != nil:
		s.Target = *sec.Target
	default:
		if raw, ok := params["target"]; ok {
			t, err := stringValue("target", raw)
			if err != nil {
				return nil, err
			}
			s.Target = t
		}
	}

	switch {
	case sec.InteractionOperator != "":
		s.InteractionOperator = sec.InteractionOperator
	case doc.InteractionOperator != "":
		s.InteractionOperator = doc.InteractionOperator
	}

	for _, l := range doc.HierarchyLevels {
		if l != "" {
			s.HierarchyLevels = append(s.HierarchyLevels, l)
		}
	}
	for _, m := range sec.MainEffects {
		if m != "" {
			s.FixedEffects = append(s.FixedEffects, FixedTerm{Measure: m})
		}
	}
	for _, it := range sec.Interactions {
		if it.Measure == "" {
			continue
		}
		s.FixedEffects = append(s.FixedEffects, FixedTerm{Measure: it.Measure, WithLevel: it.WithLevel})
	}

	for _, l := range sec.RandomEffects.Uncorrelated.Intercepts {
		if l != "" {
			s.RandomEffects.Uncorrelated.Intercepts = append(s.RandomEffects.Uncorrelated.Intercepts, l)
		}
	}
	for _, sl := range sec.RandomEffects.Uncorrelated.Slopes {
		s.RandomEffects.Uncorrelated.Slopes = append(s.RandomEffects.Uncorrelated.Slopes, Slope(sl))
	}
	for _, c := range sec.RandomEffects.Correlated {
		if c.ByLevel == "" {
			continue
		}
		withIntercept := true
		if c.WithIntercept != nil {
			withIntercept = *c.WithIntercept
		}
		var measures []string
		if c.Measure != "" {
			measures = append(measures, c.Measure)
		}
		for _, m := range c.Measures {
			if m != "" {
				measures = append(measures, m)
			}
		}
		s.addCorrelated(CorrelatedGroup{ByLevel: c.ByLevel, WithIntercept: withIntercept, Measures: measures})
	}
	return s, nil
}

func decode(input any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(input); err != nil {
		return &core.SpecificationError{Reason: err.Error()}
	}
	return nil
}

func stringValue(key string, v any) (string, error) {
	if v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &core.SpecificationError{Field: key, Reason: fmt.Sprintf("must be a string, got %T", v)}
	}
	return s, nil
}

func stringList(key string, v any) ([]string, error) {
	var out []string
	if err := mapstructure.WeakDecode(v, &out); err != nil {
		return nil, &core.SpecificationError{Field: key, Reason: err.Error()}
	}
	filtered := out[:0]
	for _, s := range out {
		if s != "" {
			filtered = append(filtered, s)
		}
	}
	return filtered, nil
}

// Named is a specification together with the name it was configured under.
type Named struct {
	Name string
	Spec *ModelSpecification
}

// ParseModels parses a parameter block that holds either one specification
// or a models mapping of name to specification. Named models are returned
// sorted by name; a single specification is named "default".
func ParseModels(params map[string]any) ([]Named, error) {
	raw, ok := params["models"]
	if !ok {
		s, err := Parse(params)
		if err != nil {
			return nil, err
		}
		return []Named{{Name: "default", Spec: s}}, nil
	}

	models, ok := raw.(map[string]any)
	if !ok {
		return nil, &core.SpecificationError{Field: "models", Reason: "must be a mapping of name to specification"}
	}
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Named, 0, len(names))
	for _, name := range names {
		m, ok := models[name].(map[string]any)
		if !ok {
			return nil, &core.SpecificationError{Field: "models." + name, Reason: "must be a mapping"}
		}
		s, err := Parse(m)
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", name, err)
		}
		out = append(out, Named{Name: name, Spec: s})
	}
	return out, nil
}

// LoadParams reads a YAML parameters file. When key is non-empty the
// mapping stored under key is returned instead of the whole document.
func LoadParams(path, key string) (map[string]any, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user-supplied parameters file
	if err != nil {
		return nil, fmt.Errorf("failed to read parameters %s: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse parameters %s: %w", path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if key == "" {
		return doc, nil
	}
	sub, ok := doc[key]
	if !ok {
		return nil, fmt.Errorf("parameters %s: key %q not found", path, key)
	}
	m, ok := sub.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("parameters %s: key %q is not a mapping", path, key)
	}
	return m, nil
}
