// Package render rebuilds report text from a persisted evidence payload.
// It is the reporting-side Builder that replay uses in recompute mode.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/happyfish020/MarketMonitor-sub001/internal/canon"
	"github.com/happyfish020/MarketMonitor-sub001/internal/runstore"
)

var (
	// ErrNoEvidence: the run has no evidence payload to render from.
	ErrNoEvidence = errors.New("missing des_payload for rerender (need L2 decision evidence snapshot)")

	// ErrGateMissing: governance.gate is absent and cannot be recovered.
	ErrGateMissing = errors.New("gate missing for rerender: expected des_payload.governance.gate, gate_decision.gate or report_meta.gate")
)

// Builder matches replay.Builder. It loads the block specs (defaults when
// blockSpecsPath is empty), repairs a missing gate and renders Markdown.
// It returns {des_payload, rendered}.
func Builder(_ context.Context, payload *runstore.RunPayload, blockSpecsPath string) (runstore.ReportDump, error) {
	specs := DefaultBlockSpecs()
	if blockSpecsPath != "" {
		var err error
		if specs, err = LoadBlockSpecs(blockSpecsPath); err != nil {
			return nil, err
		}
	}

	des, err := evidenceOf(payload)
	if err != nil {
		return nil, err
	}
	if err := RepairGate(payload, des); err != nil {
		return nil, err
	}

	rendered, err := Render(payload.Kind, payload.TradeDate, des, specs)
	if err != nil {
		return nil, err
	}
	return runstore.ReportDump{"des_payload": des, "rendered": rendered}, nil
}

// evidenceOf returns a private copy of the stored evidence, preferring the
// L2 dump over SlotsFinal.
func evidenceOf(payload *runstore.RunPayload) (map[string]any, error) {
	var src map[string]any
	if des, ok := payload.ReportDump["des_payload"].(map[string]any); ok {
		src = des
	} else if payload.SlotsFinal != nil {
		src = payload.SlotsFinal
	} else {
		return nil, ErrNoEvidence
	}

	copied, err := canon.Normalize(src)
	if err != nil {
		return nil, fmt.Errorf("copy des_payload: %w", err)
	}
	return copied.(map[string]any), nil
}

// RepairGate fills des.governance.gate when it is missing, first from the
// L1 gate decision (gate or code), then from report_meta (gate or
// gate_code).
func RepairGate(payload *runstore.RunPayload, des map[string]any) error {
	gov, ok := des["governance"].(map[string]any)
	if !ok {
		gov = map[string]any{}
		des["governance"] = gov
	}
	if hasGate(gov["gate"]) {
		return nil
	}

	if g := firstString(payload.GateDecision, "gate", "code"); g != "" {
		gov["gate"] = g
		return nil
	}
	meta, _ := payload.ReportDump["report_meta"].(map[string]any)
	if g := firstString(meta, "gate", "gate_code"); g != "" {
		gov["gate"] = g
		return nil
	}
	return ErrGateMissing
}

func hasGate(v any) bool {
	switch g := v.(type) {
	case nil:
		return false
	case string:
		return g != ""
	default:
		return true
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// Render produces the Markdown report for des. Output depends only on its
// arguments.
func Render(kind, tradeDate string, des map[string]any, specs BlockSpecs) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s Report %s\n", kind, tradeDate)
	if gov, ok := des["governance"].(map[string]any); ok {
		if g, ok := gov["gate"].(string); ok {
			fmt.Fprintf(&b, "\n**Gate:** %s\n", g)
		}
	}

	for _, block := range specs.Blocks {
		title := block.Title
		if title == "" {
			title = block.Key
		}
		fmt.Fprintf(&b, "\n## %s\n\n", title)

		v, found := Lookup(des, block.Path)
		if !found {
			b.WriteString("_(missing)_\n")
			continue
		}
		if text, ok := v.(string); ok {
			b.WriteString(text + "\n")
			continue
		}

		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return "", fmt.Errorf("render block %s: %w", block.Key, err)
		}
		b.WriteString("```json\n")
		b.Write(buf.Bytes())
		b.WriteString("```\n")
	}
	return b.String(), nil
}

// Lookup resolves an RFC 6901 JSON pointer against doc.
func Lookup(doc any, pointer string) (any, bool) {
	if pointer == "" {
		return doc, true
	}
	cur := doc
	for _, tok := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		tok = strings.ReplaceAll(strings.ReplaceAll(tok, "~1", "/"), "~0", "~")
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[tok]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(tok)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}
