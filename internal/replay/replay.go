// Package replay reloads a persisted run and either returns its stored
// report dump or rebuilds the dump and diffs it against what was stored.
package replay

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/happyfish020/MarketMonitor-sub001/internal/auditdiff"
	"github.com/happyfish020/MarketMonitor-sub001/internal/runstore"
)

// Mode selects what Run does after loading the payload.
type Mode string

const (
	// ModeStored returns the persisted dump only.
	ModeStored Mode = "stored"
	// ModeRecompute rebuilds the dump with the Builder and diffs it.
	ModeRecompute Mode = "recompute"
)

// DefaultFloatAtol is the numeric tolerance used by DefaultOptions.
const DefaultFloatAtol = 1e-8

// Warnings attached to a Result when an artifact is absent.
const (
	WarnMissingStored   = "missing:stored_report_dump"
	WarnEmptyRecomputed = "empty:recomputed_report_dump"
)

var (
	// ErrInvalidMode: Options.Mode is neither stored nor recompute.
	ErrInvalidMode = errors.New("invalid replay mode")

	// ErrBuilderRequired: recompute was requested without a Builder.
	ErrBuilderRequired = errors.New("builder is required for mode=recompute")
)

// Loader is the part of runstore.Store replay needs.
type Loader interface {
	LoadRun(ctx context.Context, runID string) (*runstore.RunPayload, error)
}

// Builder rebuilds a report dump from a persisted payload. It belongs to the
// reporting layer; a nil dump with a nil error means nothing was produced.
type Builder func(ctx context.Context, payload *runstore.RunPayload, blockSpecsPath string) (runstore.ReportDump, error)

// Options configures Run.
type Options struct {
	Mode           Mode
	Builder        Builder
	BlockSpecsPath string
	FloatAtol      float64
	IgnoreGlobs    []string
	Logger         zerolog.Logger // zero value discards
}

// DefaultOptions returns recompute mode with the default tolerance.
func DefaultOptions() Options {
	return Options{Mode: ModeRecompute, FloatAtol: DefaultFloatAtol, Logger: zerolog.Nop()}
}

// Result is the outcome of one replay.
type Result struct {
	RunID         string
	TradeDate     string
	Kind          string
	SchemaVersion string
	EngineVersion string

	Stored     runstore.ReportDump
	Recomputed runstore.ReportDump

	Diffs    []auditdiff.Item
	Warnings []string
}

// Run replays runID. An invalid mode fails before anything is loaded;
// missing artifacts become warnings rather than errors.
func Run(ctx context.Context, loader Loader, runID string, opts Options) (*Result, error) {
	switch opts.Mode {
	case ModeStored, ModeRecompute:
	default:
		return nil, fmt.Errorf("%w: %q (expected stored|recompute)", ErrInvalidMode, opts.Mode)
	}
	if opts.Mode == ModeRecompute && opts.Builder == nil {
		return nil, ErrBuilderRequired
	}

	payload, err := loader.LoadRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", runID, err)
	}

	res := &Result{
		RunID:         payload.RunID,
		TradeDate:     payload.TradeDate,
		Kind:          payload.Kind,
		SchemaVersion: payload.SchemaVersion,
		EngineVersion: payload.EngineVersion,
		Stored:        cloneDump(payload.ReportDump),
		Warnings:      []string{},
	}
	if res.Stored == nil {
		res.Warnings = append(res.Warnings, WarnMissingStored)
	}

	if opts.Mode == ModeStored {
		return res, nil
	}

	recomputed, err := opts.Builder(ctx, payload, opts.BlockSpecsPath)
	if err != nil {
		return nil, fmt.Errorf("replay %s: rebuild: %w", runID, err)
	}
	if recomputed == nil {
		res.Warnings = append(res.Warnings, WarnEmptyRecomputed)
	} else {
		defaultRunID(recomputed, payload.RunID)
		res.Recomputed = recomputed
	}

	if res.Stored != nil && res.Recomputed != nil {
		res.Diffs = auditdiff.Diff(res.Stored, res.Recomputed,
			auditdiff.WithFloatAtol(opts.FloatAtol),
			auditdiff.WithIgnore(opts.IgnoreGlobs...),
		)
	}

	opts.Logger.Debug().
		Str("run_id", res.RunID).
		Int("diffs", len(res.Diffs)).
		Strs("warnings", res.Warnings).
		Msg("replay finished")
	return res, nil
}

// defaultRunID makes sure dump.report_meta.run_id is set, keeping any value
// the builder already wrote.
func defaultRunID(dump runstore.ReportDump, runID string) {
	meta, ok := dump["report_meta"].(map[string]any)
	if !ok {
		meta = map[string]any{}
		dump["report_meta"] = meta
	}
	if _, set := meta["run_id"]; !set {
		meta["run_id"] = runID
	}
}

// cloneDump deep-copies the JSON containers of d so a builder repairing the
// payload in place cannot alter the stored side of the diff.
func cloneDump(d runstore.ReportDump) runstore.ReportDump {
	if d == nil {
		return nil
	}
	return cloneValue(d).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
