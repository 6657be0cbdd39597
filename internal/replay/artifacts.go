package replay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/happyfish020/MarketMonitor-sub001/internal/auditdiff"
)

// Artifact file names written by WriteArtifacts.
const (
	StoredFile     = "stored.json"
	RecomputedFile = "recomputed.json"
	DiffFile       = "diff.md"
	DiffsFile      = "diffs.json"
	SummaryFile    = "summary.json"
)

// Summary is the content of summary.json. Fields are declared in key order
// so the encoded object is sorted.
type Summary struct {
	DiffCount     int      `json:"diff_count"`
	EngineVersion string   `json:"engine_version"`
	Kind          string   `json:"kind"`
	OutDir        string   `json:"out_dir"`
	RunID         string   `json:"run_id"`
	SchemaVersion string   `json:"schema_version"`
	TradeDate     string   `json:"trade_date"`
	Warnings      []string `json:"warnings"`
}

// NewSummary describes res as written to outDir.
func NewSummary(res *Result, outDir string) Summary {
	warnings := res.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	return Summary{
		DiffCount:     len(res.Diffs),
		EngineVersion: res.EngineVersion,
		Kind:          res.Kind,
		OutDir:        outDir,
		RunID:         res.RunID,
		SchemaVersion: res.SchemaVersion,
		TradeDate:     res.TradeDate,
		Warnings:      warnings,
	}
}

// WriteArtifacts writes the replay outputs into dir, creating it if needed.
// stored.json and recomputed.json are written only when the dump exists.
func WriteArtifacts(dir string, res *Result) (Summary, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Summary{}, fmt.Errorf("resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return Summary{}, fmt.Errorf("create %s: %w", abs, err)
	}

	if res.Stored != nil {
		if err := writeJSON(filepath.Join(abs, StoredFile), res.Stored); err != nil {
			return Summary{}, err
		}
	}
	if res.Recomputed != nil {
		if err := writeJSON(filepath.Join(abs, RecomputedFile), res.Recomputed); err != nil {
			return Summary{}, err
		}
	}

	md := auditdiff.Markdown(res.Diffs, "")
	if err := os.WriteFile(filepath.Join(abs, DiffFile), []byte(md), 0o644); err != nil {
		return Summary{}, fmt.Errorf("write %s: %w", DiffFile, err)
	}
	if err := writeJSON(filepath.Join(abs, DiffsFile), auditdiff.ToMaps(res.Diffs)); err != nil {
		return Summary{}, err
	}

	summary := NewSummary(res, abs)
	if err := writeJSON(filepath.Join(abs, SummaryFile), summary); err != nil {
		return Summary{}, err
	}
	return summary, nil
}

// EncodeJSON renders v indented by two spaces without HTML escaping.
// Map keys come out sorted.
func EncodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSON(path string, v any) error {
	data, err := EncodeJSON(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
