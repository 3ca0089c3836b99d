// Package testutil provides test utilities for CLI testing.
package testutil

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/leapstack-labs/econmix/internal/cli/output"
)

// Parameters is a single hierarchical model keyed under mixed_modelling.
const Parameters = `mixed_modelling:
  hierarchy_levels: [ppg_id, retailer_id]
  model_specification:
    dependent_variable: log_total_volume
    main_effects: [log_avg_price]
    random_effects:
      correlated:
        - by_level: ppg_id
`

// Features is a feature table matching Parameters.
const Features = `ppg_id,retailer_id,log_total_volume,log_avg_price
P1,R1,3.2,0.9
P1,R2,3.4,0.8
P2,R1,2.1,1.2
P2,R2,2.3,1.1
`

// Formula is the formula Parameters compiles to.
const Formula = "log_total_volume ~ log_avg_price + (1|ppg_id)"

// SetupTestProject creates a temporary project with a config file using
// engine, a parameters file and a feature table at features.csv.
func SetupTestProject(t *testing.T, engine string) string {
	t.Helper()

	tmpDir := t.TempDir()
	files := map[string]string{
		"econmix.yaml":        "engine:\n  type: " + engine + "\nstate_path: state/econmix.db\n",
		"conf/parameters.yml": Parameters,
		"features.csv":        Features,
	}
	for name, body := range files {
		WriteFile(t, filepath.Join(tmpDir, name), body)
	}
	return tmpDir
}

// WriteFile writes body to path, creating parent directories.
func WriteFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// TestRenderer wraps a Renderer for testing with captured output buffers.
type TestRenderer struct {
	*output.Renderer
	Out    *bytes.Buffer
	ErrOut *bytes.Buffer
}

// NewTestRenderer creates a test renderer with the given mode and TTY state.
func NewTestRenderer(mode output.Mode, isTTY bool) *TestRenderer {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &TestRenderer{
		Renderer: output.NewRendererWithTTY(out, errOut, isTTY, mode),
		Out:      out,
		ErrOut:   errOut,
	}
}

// NewTestRendererText creates a test renderer in text mode (simulated TTY).
func NewTestRendererText() *TestRenderer {
	return NewTestRenderer(output.ModeText, true)
}

// NewTestRendererMarkdown creates a test renderer in markdown mode.
func NewTestRendererMarkdown() *TestRenderer {
	return NewTestRenderer(output.ModeMarkdown, false)
}

// NewTestRendererJSON creates a test renderer in JSON mode.
func NewTestRendererJSON() *TestRenderer {
	return NewTestRenderer(output.ModeJSON, false)
}

// Output returns the stdout output.
func (tr *TestRenderer) Output() string {
	return tr.Out.String()
}

// ErrorOutput returns the stderr output.
func (tr *TestRenderer) ErrorOutput() string {
	return tr.ErrOut.String()
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// AssertNoANSI checks that s contains no ANSI escape codes.
func AssertNoANSI(t *testing.T, s string) {
	t.Helper()
	if ansiPattern.MatchString(s) {
		t.Errorf("string contains ANSI escape codes: %q", s)
	}
}

// AssertValidMarkdown checks for unclosed code fences and empty headers.
func AssertValidMarkdown(t *testing.T, md string) {
	t.Helper()

	if n := strings.Count(md, "```"); n%2 != 0 {
		t.Errorf("unbalanced code fences in markdown: found %d occurrences", n)
	}
	for i, line := range strings.Split(md, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") && strings.TrimLeft(trimmed, "# ") == "" {
			t.Errorf("empty header at line %d: %q", i+1, line)
		}
	}
}
