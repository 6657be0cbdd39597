package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/happyfish020/MarketMonitor-sub001/internal/canon"
)

// timeLayout is how every created_at / started_at / finished_at column is
// written: UTC, second precision.
const timeLayout = time.RFC3339

// RunIDGenerator produces run ids for StartRun.
type RunIDGenerator interface {
	Generate() string
}

type uuidV7 struct{}

// Generate returns a time-ordered UUIDv7 string.
func (uuidV7) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// options are shared by every component in this package.
type options struct {
	now    func() time.Time
	runIDs RunIDGenerator
	logger zerolog.Logger
	hooks  []PostPublishHook
}

// Option configures a store component.
type Option func(*options)

// WithClock overrides the wall clock used for timestamp columns.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRunIDs overrides run id generation.
func WithRunIDs(gen RunIDGenerator) Option {
	return func(o *options) { o.runIDs = gen }
}

// WithLogger sets the logger used for swallowed best-effort failures.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHooks registers post-publish hooks (Publisher only).
func WithHooks(hooks ...PostPublishHook) Option {
	return func(o *options) { o.hooks = append(o.hooks, hooks...) }
}

func buildOptions(opts []Option) options {
	o := options{
		now:    time.Now,
		runIDs: uuidV7{},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) timestamp() string {
	return o.now().UTC().Format(timeLayout)
}

// marshalJSON converts a payload to canonical JSON TEXT for storage.
// Failures surface as InvalidPayload naming entity.
func marshalJSON(entity string, v any) (string, error) {
	s, err := canon.CanonicalString(v)
	if err != nil {
		return "", invalidFromCanon(entity, err)
	}
	return s, nil
}

// marshalOptionalJSON is marshalJSON with nil mapped to SQL NULL.
func marshalOptionalJSON(entity string, v map[string]any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	s, err := marshalJSON(entity, v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}

var errNotObject = errors.New("stored JSON is not an object")

// decodeObject parses stored JSON that must be an object.
func decodeObject(data string) (map[string]any, error) {
	v, err := canon.Decode([]byte(data))
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errNotObject
	}
	return obj, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
