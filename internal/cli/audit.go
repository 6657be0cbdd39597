package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/happyfish020/MarketMonitor-sub001/internal/store"
)

// AuditOptions holds flags for the audit command.
type AuditOptions struct {
	*RootOptions
	TradeDate string
	Kind      string
	Event     string
	Limit     int
}

// AuditEntry is one persistence_audit row as printed by the CLI.
type AuditEntry struct {
	ID         int64  `json:"id"`
	TradeDate  string `json:"trade_date"`
	ReportKind string `json:"report_kind"`
	Event      string `json:"event"`
	Note       string `json:"note,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// AuditResult is the JSON payload of the audit command.
type AuditResult struct {
	Events []AuditEntry `json:"events"`
	Total  int          `json:"total"`
}

// ChainResult is the JSON payload of audit verify-chain.
type ChainResult struct {
	ReportKind string `json:"report_kind"`
	Links      int    `json:"links"`
	L1Checked  int    `json:"l1_checked"`
	Head       string `json:"head,omitempty"`
}

// NewAuditCommand creates the audit command and its verify-chain subcommand.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List persistence audit events",
		Long: `List persistence_audit rows in write order.

Events: CREATED, FAILED, AUDIT_HASH, RUN_FAILED, REGIME_SHIFT, REGIME_STATS.

Examples:
  urisk audit --trade-date 2025-12-19
  urisk audit --kind EOD --event AUDIT_HASH --format json
  urisk audit verify-chain --kind EOD`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.TradeDate, "trade-date", "", "only events for this trade date")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "only events for this report kind")
	cmd.Flags().StringVar(&opts.Event, "event", "", "only events of this type")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of events (0 = all)")

	cmd.AddCommand(newVerifyChainCommand(rootOpts))

	return cmd
}

func runAudit(ctx context.Context, opts *AuditOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	out := opts.formatter(cmd)

	db, err := opts.openDB(cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(asExit(err), nil)
	}
	defer db.Close()

	records, err := store.NewAuditLog(db).Events(ctx, store.AuditFilter{
		TradeDate:  opts.TradeDate,
		ReportKind: opts.Kind,
		Event:      store.AuditEvent(opts.Event),
		Limit:      opts.Limit,
	})
	if err != nil {
		return out.Fail(classify("list audit events", err), nil)
	}

	entries := make([]AuditEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, AuditEntry{
			ID:         rec.ID,
			TradeDate:  rec.TradeDate,
			ReportKind: rec.ReportKind,
			Event:      string(rec.Event),
			Note:       rec.Note,
			CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	if opts.Format == "json" {
		return out.Success(AuditResult{Events: entries, Total: len(entries)})
	}

	if len(entries) == 0 {
		fmt.Fprintln(out.Writer, "No audit events found.")
		return nil
	}
	tw := tabwriter.NewWriter(out.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTRADE_DATE\tKIND\tEVENT\tCREATED_AT")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", e.ID, e.TradeDate, e.ReportKind, e.Event, e.CreatedAt)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if opts.Verbose {
		for _, e := range entries {
			if e.Note != "" {
				fmt.Fprintf(out.Writer, "\n[%d] %s\n", e.ID, e.Note)
			}
		}
	}
	return nil
}

func newVerifyChainCommand(rootOpts *RootOptions) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "verify-chain",
		Short: "Verify the AUDIT_HASH chain of a report kind",
		Long: `Recompute every AUDIT_HASH link of one report kind in write order, checking
each audit_hash, its prev_audit_hash and, for runs still stored, the L1 hash.

Exit codes:
  0 - Chain verified (an empty chain verifies)
  1 - A link failed verification
  2 - Command error`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerifyChain(cmd.Context(), rootOpts, cmd, kind)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "report kind (required)")

	return cmd
}

func runVerifyChain(ctx context.Context, opts *RootOptions, cmd *cobra.Command, kind string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	out := opts.formatter(cmd)

	if kind == "" {
		return out.Fail(&ExitError{Code: ExitCommandError, ErrCode: ErrCodeInvalidInput, Message: "--kind is required"}, nil)
	}

	db, err := opts.openDB(cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(asExit(err), nil)
	}
	defer db.Close()

	report, err := store.NewAuditLog(db).VerifyChain(ctx, kind)
	if err != nil {
		return out.Fail(classify("audit chain verification failed", err), map[string]string{"report_kind": kind})
	}

	res := ChainResult{
		ReportKind: report.ReportKind,
		Links:      report.Links,
		L1Checked:  report.L1Checked,
		Head:       report.Head,
	}
	if opts.Format == "json" {
		return out.Success(res)
	}
	fmt.Fprintf(out.Writer, "✓ %s chain verified: %d link(s), %d L1 rollup(s) re-hashed\n",
		res.ReportKind, res.Links, res.L1Checked)
	if res.Head != "" {
		fmt.Fprintf(out.Writer, "  Head: %s\n", res.Head)
	}
	return nil
}
