package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/happyfish020/MarketMonitor-sub001/internal/runstore"
)

// RunsOptions holds flags for the runs command.
type RunsOptions struct {
	*RootOptions
	TradeDate string
	Kind      string
	Limit     int
}

// RunsResult is the JSON payload of the runs command.
type RunsResult struct {
	Runs  []runstore.RunSummary `json:"runs"`
	Total int                   `json:"total"`
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List persisted L1 runs",
		Long: `List runs newest first, optionally narrowed to one trade date or report kind.

Examples:
  urisk runs
  urisk runs --trade-date 2025-12-19 --kind EOD
  urisk runs --limit 5 --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuns(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.TradeDate, "trade-date", "", "only runs for this trade date")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "only runs of this report kind")
	cmd.Flags().IntVar(&opts.Limit, "limit", runstore.DefaultFindLimit, "maximum number of runs")

	return cmd
}

func runRuns(ctx context.Context, opts *RunsOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	out := opts.formatter(cmd)

	db, err := opts.openDB(cmd.ErrOrStderr())
	if err != nil {
		return out.Fail(asExit(err), nil)
	}
	defer db.Close()

	rs, err := runstore.New(ctx, db)
	if err != nil {
		return out.Fail(classify("inspect schema", err), nil)
	}
	runs, err := rs.FindRuns(ctx, runstore.RunFilter{
		TradeDate: opts.TradeDate,
		Kind:      opts.Kind,
		Limit:     opts.Limit,
	})
	if err != nil {
		return out.Fail(classify("find runs", err), nil)
	}

	if opts.Format == "json" {
		if runs == nil {
			runs = []runstore.RunSummary{}
		}
		return out.Success(RunsResult{Runs: runs, Total: len(runs)})
	}

	if len(runs) == 0 {
		fmt.Fprintln(out.Writer, "No runs found.")
		return nil
	}
	tw := tabwriter.NewWriter(out.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN_ID\tTRADE_DATE\tKIND\tSTATUS\tSTARTED_AT")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.RunID, r.TradeDate, r.ReportKind, deref(r.Status), deref(r.StartedAt))
	}
	return tw.Flush()
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
