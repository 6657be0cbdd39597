package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/happyfish020/MarketMonitor-sub001/internal/config"
	"github.com/happyfish020/MarketMonitor-sub001/internal/logging"
	"github.com/happyfish020/MarketMonitor-sub001/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	Config   string // YAML config file; empty means defaults plus environment
	Database string // overrides database.path
	LogLevel string // overrides log.level

	// LoadOptions are passed to config.Load. Tests use them to isolate the
	// command from the process environment.
	LoadOptions []config.LoadOption

	cfg    *config.Config
	logger zerolog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the urisk CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "urisk",
		Short: "urisk - UnifiedRisk persistence and replay",
		Long: "Inspect, verify and replay the append-only UnifiedRisk store: " +
			"L1 run records, L2 published reports and the persistence audit trail.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if _, err := opts.setup(cmd.ErrOrStderr()); err != nil {
				return opts.formatter(cmd).Fail(asExit(err), nil)
			}
			return nil
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	})

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to the SQLite database (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")

	// Add subcommands
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewRunsCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))
	cmd.AddCommand(NewPublishCommand(opts))

	return cmd
}

// Execute runs the root command against os.Args.
func Execute() error {
	cmd := NewRootCommand()
	err := cmd.Execute()
	if err == nil {
		return nil
	}
	// Errors with a code were already written by the command's formatter.
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.ErrCode != "" {
		return err
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	if exitErr == nil {
		// cobra's own errors (unknown command, bad arguments) are usage errors.
		return WrapExitError(ExitCommandError, "urisk", err)
	}
	return err
}

// setup loads the configuration once and applies flag overrides. Commands
// call it themselves so they also work without the root pre-run.
func (o *RootOptions) setup(logOut io.Writer) (*config.Config, error) {
	if o.cfg != nil {
		return o.cfg, nil
	}

	cfg, err := config.Load(o.Config, o.LoadOptions...)
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, ErrCode: ErrCodeInvalidInput, Message: "load config", Err: err}
	}
	if o.Database != "" {
		cfg.Database.Path = o.Database
	}
	if o.LogLevel != "" {
		if !logging.ValidLevel(o.LogLevel) {
			return nil, &ExitError{
				Code:    ExitCommandError,
				ErrCode: ErrCodeInvalidInput,
				Message: fmt.Sprintf("invalid log level %q", o.LogLevel),
			}
		}
		cfg.Log.Level = o.LogLevel
	}

	o.cfg = cfg
	o.logger = logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Out: logOut})
	return cfg, nil
}

// openDB opens the configured database with the configured busy timeout.
func (o *RootOptions) openDB(logOut io.Writer) (*sql.DB, error) {
	cfg, err := o.setup(logOut)
	if err != nil {
		return nil, err
	}
	db, err := store.OpenWithTimeout(cfg.Database.Path, cfg.Database.BusyTimeoutMS)
	if err != nil {
		e := WrapExitError(ExitCommandError, "open database "+cfg.Database.Path, err)
		e.ErrCode = ErrCodeDatabase
		return nil, e
	}
	o.logger.Debug().Str("path", cfg.Database.Path).Msg("database opened")
	return db, nil
}

// formatter builds the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
