package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/happyfish020/MarketMonitor-sub001/internal/replay"
	"github.com/happyfish020/MarketMonitor-sub001/internal/runstore"
	"github.com/happyfish020/MarketMonitor-sub001/internal/store"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Verification failure (tampered rows, diffs with --fail-on-diff)
	ExitCommandError = 2 // Command error (bad flags, missing run, database errors)
)

// Error codes reported in JSON error responses.
const (
	ErrCodeGeneric          = "E001" // Generic/unknown error
	ErrCodeDatabase         = "E002" // Database open or query failure
	ErrCodeInvalidInput     = "E003" // Bad flag or input file
	ErrCodeNotFound         = "E005" // Run or row not found
	ErrCodeWriteFailed      = "E007" // Artifact write error
	ErrCodeTampered         = "E101" // Stored hash does not match recomputed hash
	ErrCodeDiffs            = "E102" // Replay found differences
	ErrCodeAlreadyPublished = "E103" // L2 key already published
	ErrCodeInvalidPayload   = "E104" // Evidence or report rejected
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	ErrCode string // JSON error code; ErrCodeGeneric when empty
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// classify wraps err with the exit and error codes its cause implies:
// tampering is a verification failure, everything else a command error.
func classify(message string, err error) *ExitError {
	e := WrapExitError(ExitCommandError, message, err)
	switch {
	case errors.Is(err, store.ErrTampered):
		e.Code, e.ErrCode = ExitFailure, ErrCodeTampered
	case errors.Is(err, store.ErrAlreadyPublished):
		e.ErrCode = ErrCodeAlreadyPublished
	case errors.Is(err, store.ErrInvalidPayload):
		e.ErrCode = ErrCodeInvalidPayload
	case errors.Is(err, runstore.ErrRunNotFound), errors.Is(err, store.ErrRunNotFound):
		e.ErrCode = ErrCodeNotFound
	case errors.Is(err, runstore.ErrInvalidRunID), errors.Is(err, replay.ErrInvalidMode),
		errors.Is(err, replay.ErrBuilderRequired):
		e.ErrCode = ErrCodeInvalidInput
	case errors.Is(err, store.ErrStorage):
		e.ErrCode = ErrCodeDatabase
	}
	return e
}

// asExit returns err as an *ExitError, classifying plain errors.
func asExit(err error) *ExitError {
	var e *ExitError
	if errors.As(err, &e) {
		return e
	}
	return classify("command failed", err)
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E001", "E002", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
// Text output prints data with %v unless it implements fmt.Stringer.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return f.encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	// Human-readable error
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail reports err through Error and returns it for the command to exit
// with. JSON output always carries a body, even on failure.
func (f *OutputFormatter) Fail(err *ExitError, details any) error {
	if err.ErrCode == "" {
		err.ErrCode = ErrCodeGeneric
	}
	if outErr := f.Error(err.ErrCode, err.Error(), details); outErr != nil {
		return outErr
	}
	return err
}

func (f *OutputFormatter) encode(v any) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
