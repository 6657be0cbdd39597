package auditdiff

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestMarkdown_Golden(t *testing.T) {
	stored := map[string]any{
		"des_payload": map[string]any{
			"governance": map[string]any{"gate": "CAUTION", "drs": 0.42},
			"rule_trace": []any{"R1", "R2"},
		},
		"rendered": "# Report | A",
	}
	recomputed := map[string]any{
		"des_payload": map[string]any{
			"governance": map[string]any{"gate": "NORMAL", "drs": 0.42},
			"rule_trace": []any{"R1"},
			"context":    map[string]any{"note": "new"},
		},
		"rendered": "# Report | B",
	}

	md := Markdown(Diff(stored, recomputed), "")
	newGoldie(t).Assert(t, "markdown_diffs", []byte(md))
}

func TestMarkdown_NoDiffs(t *testing.T) {
	md := Markdown(nil, "Replay")
	assert.Equal(t, "# Replay\n\n✅ No differences.\n", md)
}

func TestMarkdown_Truncates(t *testing.T) {
	items := make([]Item, 0, 600)
	for i := 0; i < 600; i++ {
		items = append(items, Item{Path: fmt.Sprintf("/%d", i), Kind: KindValue, A: i, B: i + 1})
	}

	md := Markdown(items, "")
	assert.Contains(t, md, "- Total diffs: **600**")
	assert.Contains(t, md, "| `/499` |")
	assert.NotContains(t, md, "| `/500` |")
	assert.True(t, strings.HasSuffix(md, "> Truncated. Showing first 500 diffs of 600.\n"))
}

func TestMarkdown_LongCell(t *testing.T) {
	long := strings.Repeat("x", 300)
	md := Markdown([]Item{{Path: "/k", Kind: KindValue, A: long, B: "y"}}, "")

	want := "`\"" + strings.Repeat("x", 116) + "...`"
	assert.Contains(t, md, want)
}

func TestToMaps(t *testing.T) {
	got := ToMaps([]Item{{Path: "/a", Kind: KindMissing, A: 1}})
	assert.Equal(t, []map[string]any{{"path": "/a", "kind": "missing", "a": 1, "b": nil}}, got)
}
