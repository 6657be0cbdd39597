package auditdiff

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// MaxMarkdownRows caps the table rendered by Markdown.
	MaxMarkdownRows = 500

	maxCellLen = 120
)

// DefaultTitle heads Markdown output when no title is given.
const DefaultTitle = "Audit Diff"

// Markdown renders items as a Markdown table. Only the first
// MaxMarkdownRows rows are shown; a notice reports the truncation.
func Markdown(items []Item, title string) string {
	if title == "" {
		title = DefaultTitle
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	if len(items) == 0 {
		b.WriteString("✅ No differences.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "- Total diffs: **%d**\n\n", len(items))
	b.WriteString("| Path | Kind | A | B |\n")
	b.WriteString("|---|---|---|---|\n")
	for i, it := range items {
		if i == MaxMarkdownRows {
			break
		}
		fmt.Fprintf(&b, "| `%s` | %s | `%s` | `%s` |\n",
			escapeCell(it.Path), it.Kind, cell(it.A), cell(it.B))
	}
	if len(items) > MaxMarkdownRows {
		fmt.Fprintf(&b, "\n> Truncated. Showing first %d diffs of %d.\n", MaxMarkdownRows, len(items))
	}
	return b.String()
}

// ToMaps converts items to plain maps for JSON output.
func ToMaps(items []Item) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		out = append(out, map[string]any{
			"path": it.Path,
			"kind": string(it.Kind),
			"a":    it.A,
			"b":    it.B,
		})
	}
	return out
}

// cell renders a value as compact JSON, cut to maxCellLen runes.
func cell(v any) string {
	s := render(v)
	if r := []rune(s); len(r) > maxCellLen {
		s = string(r[:maxCellLen-3]) + "..."
	}
	return escapeCell(s)
}

func render(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "`", "'")
}
