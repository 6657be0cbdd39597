package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/happyfish020/MarketMonitor-sub001/internal/canon"
	"github.com/happyfish020/MarketMonitor-sub001/internal/regime"
	"github.com/happyfish020/MarketMonitor-sub001/internal/store"
)

// PublishOptions holds flags for the publish command.
type PublishOptions struct {
	*RootOptions
	TradeDate     string
	Kind          string
	ReportFile    string
	EvidenceFile  string
	MetaFile      string
	EngineVersion string
	RunID         string
	NoRegime      bool
}

// PublishResult is the JSON payload of the publish command.
type PublishResult struct {
	TradeDate  string `json:"trade_date"`
	Kind       string `json:"kind"`
	RunID      string `json:"run_id,omitempty"`
	ReportHash string `json:"report_hash"`
	DESHash    string `json:"des_hash"`
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PublishOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a report and evidence snapshot from files",
		Long: `Atomically publish one (trade date, report kind): the rendered report text,
the decision evidence snapshot, their link and a CREATED audit row.

Publishing is append-only. A key that is already published is rejected.
After the commit the regime hook records REGIME_SHIFT and REGIME_STATS.

Exit codes:
  0 - Published
  2 - Command error (already published, invalid evidence, unreadable files)

Examples:
  urisk publish --trade-date 2025-12-19 --kind EOD \
    --report report.md --evidence des.json --engine-version v12.3
  urisk publish --trade-date 2025-12-19 --kind EOD \
    --report report.md --evidence des.json --run-id 0192f6c4-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.TradeDate, "trade-date", "", "trade date (required)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "report kind (required)")
	cmd.Flags().StringVar(&opts.ReportFile, "report", "", "rendered report text file (required)")
	cmd.Flags().StringVar(&opts.EvidenceFile, "evidence", "", "evidence snapshot JSON file (required)")
	cmd.Flags().StringVar(&opts.MetaFile, "meta", "", "optional report meta JSON file")
	cmd.Flags().StringVar(&opts.EngineVersion, "engine-version", "", "engine version (default from config)")
	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "L1 run this publish belongs to")
	cmd.Flags().BoolVar(&opts.NoRegime, "no-regime", false, "skip the regime audit hook")

	return cmd
}

func runPublish(ctx context.Context, opts *PublishOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	out := opts.formatter(cmd)

	if opts.TradeDate == "" || opts.Kind == "" || opts.ReportFile == "" || opts.EvidenceFile == "" {
		return out.Fail(&ExitError{
			Code:    ExitCommandError,
			ErrCode: ErrCodeInvalidInput,
			Message: "--trade-date, --kind, --report and --evidence are required",
		}, nil)
	}

	cfg, err := opts.setup(cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(asExit(err), nil)
	}
	engineVersion := opts.EngineVersion
	if engineVersion == "" {
		engineVersion = cfg.EngineVersion
	}

	req := store.PublishRequest{
		TradeDate:     opts.TradeDate,
		ReportKind:    opts.Kind,
		EngineVersion: engineVersion,
	}
	text, err := os.ReadFile(opts.ReportFile)
	if err != nil {
		return out.Fail(invalidInput("read report", err), nil)
	}
	req.ReportText = string(text)
	if req.Evidence, err = readObject(opts.EvidenceFile); err != nil {
		return out.Fail(invalidInput("read evidence", err), nil)
	}
	if opts.MetaFile != "" {
		if req.Meta, err = readObject(opts.MetaFile); err != nil {
			return out.Fail(invalidInput("read meta", err), nil)
		}
	}
	if opts.RunID != "" {
		if req.Meta == nil {
			req.Meta = map[string]any{}
		}
		req.Meta["run_id"] = opts.RunID
	}

	db, err := opts.openDB(cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(asExit(err), nil)
	}
	defer db.Close()

	storeOpts := []store.Option{store.WithLogger(opts.logger)}
	if !opts.NoRegime {
		storeOpts = append(storeOpts, store.WithHooks(regime.NewHook(regime.WithLogger(opts.logger))))
	}
	reportHash, desHash, err := store.NewPublisher(db, storeOpts...).Publish(ctx, req)
	if err != nil {
		return out.Fail(classify("publish failed", err), map[string]string{
			"trade_date":  req.TradeDate,
			"report_kind": req.ReportKind,
		})
	}

	res := PublishResult{
		TradeDate:  req.TradeDate,
		Kind:       req.ReportKind,
		RunID:      req.RunID(),
		ReportHash: reportHash,
		DESHash:    desHash,
	}
	if opts.Format == "json" {
		return out.Success(res)
	}
	fmt.Fprintf(out.Writer, "✓ Published %s %s\n", res.TradeDate, res.Kind)
	fmt.Fprintf(out.Writer, "  report_hash: %s\n", res.ReportHash)
	fmt.Fprintf(out.Writer, "  des_hash:    %s\n", res.DESHash)
	return nil
}

// readObject reads a JSON object, keeping numbers exactly as written.
func readObject(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	v, err := canon.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: expected a JSON object, got %T", path, v)
	}
	return obj, nil
}

func invalidInput(message string, err error) *ExitError {
	return &ExitError{Code: ExitCommandError, ErrCode: ErrCodeInvalidInput, Message: message, Err: err}
}
