package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/happyfish020/MarketMonitor-sub001/internal/render"
	"github.com/happyfish020/MarketMonitor-sub001/internal/replay"
	"github.com/happyfish020/MarketMonitor-sub001/internal/runstore"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	RunID      string
	Mode       string
	OutDir     string // defaults to <replay.out_dir>/<run_id>
	BlockSpecs string
	FloatAtol  float64
	Ignore     []string
	FailOnDiff bool
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a persisted run and diff the report dump",
		Long: `Load one run from the store and compare its published report dump with a
freshly rebuilt one.

In stored mode only the persisted dump is written out. In recompute mode the
dump is rebuilt from the run's L1 records and evidence snapshot and every
difference is listed in diff.md and diffs.json.

Exit codes:
  0 - Replay finished (diffs are reported, not fatal)
  1 - Diffs found and --fail-on-diff set
  2 - Command error (run not found, bad flags, database errors)

Examples:
  urisk replay --run-id 0192f6c4-... --mode stored
  urisk replay --run-id 0192f6c4-... --out out/replay/today --ignore '/rendered'
  urisk replay --run-id 0192f6c4-... --format json --fail-on-diff`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "run id to replay (required)")
	cmd.Flags().StringVar(&opts.Mode, "mode", string(replay.ModeRecompute), "replay mode (stored|recompute)")
	cmd.Flags().StringVar(&opts.OutDir, "out", "", "artifact directory (default <replay.out_dir>/<run-id>)")
	cmd.Flags().StringVar(&opts.BlockSpecs, "block-specs", "", "block specs YAML for the recompute builder")
	cmd.Flags().Float64Var(&opts.FloatAtol, "float-atol", replay.DefaultFloatAtol, "absolute tolerance for numeric diffs")
	cmd.Flags().StringArrayVar(&opts.Ignore, "ignore", nil, "glob of diff paths to ignore (repeatable)")
	cmd.Flags().BoolVar(&opts.FailOnDiff, "fail-on-diff", false, "exit 1 when diffs are found")

	return cmd
}

func runReplay(ctx context.Context, opts *ReplayOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	out := opts.formatter(cmd)

	runID := strings.TrimSpace(opts.RunID)
	if runID == "" {
		return out.Fail(&ExitError{Code: ExitCommandError, ErrCode: ErrCodeInvalidInput, Message: "--run-id is required"}, nil)
	}

	cfg, err := opts.setup(cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(asExit(err), nil)
	}
	// Config supplies defaults for flags the user left alone.
	if !cmd.Flags().Changed("float-atol") {
		opts.FloatAtol = cfg.Replay.FloatAtol
	}
	if !cmd.Flags().Changed("ignore") {
		opts.Ignore = cfg.Replay.Ignore
	}
	if opts.BlockSpecs == "" {
		opts.BlockSpecs = cfg.Replay.BlockSpecs
	}
	outDir := opts.OutDir
	if outDir == "" {
		outDir = filepath.Join(cfg.Replay.OutDir, runID)
	}

	db, err := opts.openDB(cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(asExit(err), nil)
	}
	defer db.Close()

	rs, err := runstore.New(ctx, db)
	if err != nil {
		return out.Fail(classify("inspect schema", err), nil)
	}

	ropts := replay.Options{
		Mode:           replay.Mode(opts.Mode),
		Builder:        render.Builder,
		BlockSpecsPath: opts.BlockSpecs,
		FloatAtol:      opts.FloatAtol,
		IgnoreGlobs:    opts.Ignore,
		Logger:         opts.logger,
	}
	res, err := replay.Run(ctx, rs, runID, ropts)
	if err != nil {
		return out.Fail(classify("replay failed", err), map[string]string{"run_id": runID})
	}

	summary, err := replay.WriteArtifacts(outDir, res)
	if err != nil {
		e := WrapExitError(ExitCommandError, "write artifacts", err)
		e.ErrCode = ErrCodeWriteFailed
		return out.Fail(e, map[string]string{"out_dir": outDir})
	}
	out.VerboseLog("artifacts written to %s", summary.OutDir)

	if opts.Format == "json" {
		if err := out.Success(summary); err != nil {
			return err
		}
	} else {
		writeReplayText(out, summary)
	}

	if opts.FailOnDiff && summary.DiffCount > 0 {
		if opts.Format != "json" {
			fmt.Fprintf(out.Writer, "✗ %d diff(s) found, see %s\n", summary.DiffCount, filepath.Join(summary.OutDir, replay.DiffFile))
		}
		return &ExitError{
			Code:    ExitFailure,
			ErrCode: ErrCodeDiffs,
			Message: fmt.Sprintf("replay found %d diff(s)", summary.DiffCount),
		}
	}
	return nil
}

func writeReplayText(out *OutputFormatter, s replay.Summary) {
	w := out.Writer
	fmt.Fprintf(w, "Replay: %s (%s %s)\n", s.RunID, s.Kind, s.TradeDate)
	fmt.Fprintf(w, "  Schema: %s\n", s.SchemaVersion)
	if s.EngineVersion != "" {
		fmt.Fprintf(w, "  Engine: %s\n", s.EngineVersion)
	}
	fmt.Fprintf(w, "  Diffs: %d\n", s.DiffCount)
	for _, warning := range s.Warnings {
		fmt.Fprintf(w, "  Warning: %s\n", warning)
	}
	fmt.Fprintf(w, "  Output: %s\n", s.OutDir)
}
