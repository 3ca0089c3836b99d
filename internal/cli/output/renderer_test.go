package output

import (
	"bytes"
	"encoding/json"
	"math"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/econmix/pkg/dataset"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func newTestRenderer(mode Mode, isTTY bool) (*Renderer, *bytes.Buffer, *bytes.Buffer) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	return NewRendererWithTTY(out, errOut, isTTY, mode), out, errOut
}

func TestEffectiveMode(t *testing.T) {
	tests := []struct {
		mode  Mode
		isTTY bool
		want  Mode
	}{
		{ModeAuto, true, ModeText},
		{ModeAuto, false, ModeMarkdown},
		{"", false, ModeMarkdown},
		{ModeJSON, true, ModeJSON},
		{ModeText, false, ModeText},
	}
	for _, tt := range tests {
		r, _, _ := newTestRenderer(tt.mode, tt.isTTY)
		assert.Equal(t, tt.want, r.EffectiveMode(), "mode=%q tty=%v", tt.mode, tt.isTTY)
	}
}

func TestNewRendererDetectsNonTerminal(t *testing.T) {
	r := NewRenderer(&bytes.Buffer{}, &bytes.Buffer{}, ModeAuto)
	assert.False(t, r.IsTTY())
}

func TestTableMarkdown(t *testing.T) {
	r, out, _ := newTestRenderer(ModeAuto, false)
	r.Table([]string{"effect", "estimate"}, [][]string{{"(Intercept)", "1.5"}, {"log_avg_price", "-0.8"}})

	s := out.String()
	assert.Contains(t, s, "| effect | estimate |")
	assert.Contains(t, s, "| (Intercept) | 1.5 |")
	assert.False(t, ansiPattern.MatchString(s))
}

func TestTableText(t *testing.T) {
	r, out, _ := newTestRenderer(ModeText, false)
	r.Table([]string{"name"}, [][]string{{"a"}, {"b"}})
	assert.Contains(t, out.String(), "NAME")
	assert.Contains(t, out.String(), "(2 rows)")

	out.Reset()
	r.Table([]string{"name"}, nil)
	assert.Equal(t, "(0 rows)\n", out.String())
}

func TestDatasetJSON(t *testing.T) {
	d, err := dataset.FromRecords([]string{"effect", "p_value"}, [][]any{
		{"(Intercept)", 0.01},
		{"log_avg_price", math.NaN()},
		{"extra", 0.5},
	})
	require.NoError(t, err)

	r, out, _ := newTestRenderer(ModeJSON, false)
	require.NoError(t, r.Dataset(d, 2))

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "(Intercept)", rows[0]["effect"])
	assert.Nil(t, rows[1]["p_value"])
}

func TestDatasetTruncates(t *testing.T) {
	d, err := dataset.FromRecords([]string{"x"}, [][]any{{1.0}, {2.0}, {3.0}})
	require.NoError(t, err)

	r, out, _ := newTestRenderer(ModeMarkdown, false)
	require.NoError(t, r.Dataset(d, 1))
	assert.Contains(t, out.String(), "| 1 |")
	assert.NotContains(t, out.String(), "| 3 |")
	assert.Contains(t, out.String(), "... 2 more rows")
}

func TestMessages(t *testing.T) {
	r, out, errOut := newTestRenderer(ModeText, false)
	r.Success("done")
	r.Warning("careful")
	r.Error("broken")
	r.Header("Fixed effects")

	assert.Contains(t, out.String(), "✓ done")
	assert.Contains(t, out.String(), "Fixed effects")
	assert.Contains(t, errOut.String(), "! careful")
	assert.Contains(t, errOut.String(), "✗ broken")
	assert.False(t, ansiPattern.MatchString(out.String()+errOut.String()))
}

func TestNoColorOnTerminal(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	r, out, _ := newTestRenderer(ModeText, true)
	r.Println(r.Styles().Error.Render("broken"))
	assert.Equal(t, "broken\n", out.String())
}
