package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/happyfish020/MarketMonitor-sub001/internal/canon"
)

// Kind categorizes persistence errors.
type Kind string

const (
	// KindAlreadyPublished: an L2 insert hit the append-only key.
	KindAlreadyPublished Kind = "ALREADY_PUBLISHED"

	// KindTampered: a stored hash no longer matches its recomputation.
	KindTampered Kind = "TAMPERED"

	// KindInvalidPayload: input rejected before any write.
	KindInvalidPayload Kind = "INVALID_PAYLOAD"

	// KindAlreadyRecorded: an L1 child row already exists for its slot.
	KindAlreadyRecorded Kind = "ALREADY_RECORDED"

	// KindRunNotFound: the operation requires a run that does not exist.
	KindRunNotFound Kind = "RUN_NOT_FOUND"

	// KindInvalidTransition: the run state machine forbids the requested
	// status change, including COMPLETED without a published L2 record.
	KindInvalidTransition Kind = "INVALID_TRANSITION"

	// KindStorage: any other storage failure; the cause is chained.
	KindStorage Kind = "STORAGE"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrAlreadyPublished  = errors.New("already published")
	ErrTampered          = errors.New("tampered")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrAlreadyRecorded   = errors.New("already recorded")
	ErrRunNotFound       = errors.New("run not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrStorage           = errors.New("storage failure")
)

var sentinels = map[Kind]error{
	KindAlreadyPublished:  ErrAlreadyPublished,
	KindTampered:          ErrTampered,
	KindInvalidPayload:    ErrInvalidPayload,
	KindAlreadyRecorded:   ErrAlreadyRecorded,
	KindRunNotFound:       ErrRunNotFound,
	KindInvalidTransition: ErrInvalidTransition,
	KindStorage:           ErrStorage,
}

// Error is the single persistence error type. Every error leaving this
// package is an *Error; Kind says which variant it is and the remaining
// fields are populated as the variant requires.
type Error struct {
	Kind       Kind
	Op         string // operation that failed, e.g. "publish"
	Entity     string // report, des, link, audit_hash, snapshot_raw, ...
	TradeDate  string
	ReportKind string
	RunID      string
	Reason     string
	Err        error // chained cause (Storage), may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	switch e.Kind {
	case KindAlreadyPublished:
		fmt.Fprintf(&b, ": %s/%s already published", e.TradeDate, e.ReportKind)
	case KindTampered:
		fmt.Fprintf(&b, ": %s hash mismatch for %s/%s", e.Entity, e.TradeDate, e.ReportKind)
	case KindInvalidPayload:
		fmt.Fprintf(&b, ": invalid %s payload", e.Entity)
	case KindAlreadyRecorded:
		fmt.Fprintf(&b, ": %s already recorded for run %s", e.Entity, e.RunID)
	case KindRunNotFound:
		fmt.Fprintf(&b, ": run %s not found", e.RunID)
	case KindInvalidTransition:
		fmt.Fprintf(&b, ": run %s", e.RunID)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the chained cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of e's Kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// AlreadyPublished reports an append-only key collision.
func AlreadyPublished(tradeDate, reportKind string) *Error {
	return &Error{Kind: KindAlreadyPublished, TradeDate: tradeDate, ReportKind: reportKind}
}

// Tampered reports a hash mismatch on entity.
func Tampered(entity, tradeDate, reportKind string) *Error {
	return &Error{Kind: KindTampered, Entity: entity, TradeDate: tradeDate, ReportKind: reportKind}
}

// InvalidPayload reports input rejected before any write.
func InvalidPayload(entity, reason string) *Error {
	return &Error{Kind: KindInvalidPayload, Entity: entity, Reason: reason}
}

// AlreadyRecorded reports a duplicate L1 child row.
func AlreadyRecorded(entity, runID string) *Error {
	return &Error{Kind: KindAlreadyRecorded, Entity: entity, RunID: runID}
}

// RunNotFound reports an operation on an unknown run.
func RunNotFound(runID string) *Error {
	return &Error{Kind: KindRunNotFound, RunID: runID}
}

// InvalidTransition reports a forbidden run status change.
func InvalidTransition(runID, reason string) *Error {
	return &Error{Kind: KindInvalidTransition, RunID: runID, Reason: reason}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when
// err carries none.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err carries an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// wrap returns taxonomy errors unchanged (filling in Op if unset) and
// turns anything else into a Storage error with the cause chained.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		if pe.Op == "" {
			pe.Op = op
		}
		return pe
	}
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// storageError builds a Storage error with a reason and no cause.
func storageError(op, reason string) *Error {
	return &Error{Kind: KindStorage, Op: op, Reason: reason}
}

// invalidFromCanon maps a canonicalization failure to InvalidPayload.
func invalidFromCanon(entity string, err error) error {
	if errors.Is(err, canon.ErrNotCanonical) {
		return &Error{Kind: KindInvalidPayload, Entity: entity, Reason: "not serializable", Err: err}
	}
	return err
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY
// constraint failure from SQLite.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
