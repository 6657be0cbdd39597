package regime

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/happyfish020/MarketMonitor-sub001/internal/canon"
	"github.com/happyfish020/MarketMonitor-sub001/internal/store"
)

const (
	// DefaultLookback is how many earlier trading days feed the history.
	DefaultLookback = 20

	statsWindow = 10
	distWindow  = 20
)

// Day is one entry of the stage history.
type Day struct {
	TradeDate string
	Stage     Stage
	Signals   Signals
}

// Hook records REGIME_SHIFT and REGIME_STATS after each publish. It is a
// store.PostPublishHook and runs in the unit of work the publisher opens
// for it, after the publish itself has committed.
type Hook struct {
	lookback int
	logger   zerolog.Logger
}

// HookOption configures a Hook.
type HookOption func(*Hook)

// WithLookback overrides DefaultLookback.
func WithLookback(n int) HookOption {
	return func(h *Hook) {
		if n > 0 {
			h.lookback = n
		}
	}
}

// WithLogger sets the hook logger.
func WithLogger(l zerolog.Logger) HookOption {
	return func(h *Hook) { h.logger = l }
}

// NewHook creates a regime hook.
func NewHook(opts ...HookOption) *Hook {
	h := &Hook{lookback: DefaultLookback, logger: zerolog.Nop()}
	for _, o := range opts {
		o(h)
	}
	return h
}

var _ store.PostPublishHook = (*Hook)(nil)

// Name implements store.PostPublishHook.
func (h *Hook) Name() string { return "regime" }

// AfterPublish implements store.PostPublishHook.
func (h *Hook) AfterPublish(ctx context.Context, uow *store.UnitOfWork, pub store.Published) error {
	hist, err := h.History(ctx, uow.Q(), pub.ReportKind, pub.TradeDate)
	if err != nil {
		return err
	}
	if len(hist) == 0 || hist[len(hist)-1].TradeDate != pub.TradeDate {
		return fmt.Errorf("regime: evidence for %s/%s not found", pub.TradeDate, pub.ReportKind)
	}

	if note, ok := ShiftNote(hist); ok {
		if err := h.record(ctx, uow, pub, store.EventRegimeShift, note); err != nil {
			return err
		}
	}
	return h.record(ctx, uow, pub, store.EventRegimeStats, StatsNote(hist))
}

func (h *Hook) record(ctx context.Context, uow *store.UnitOfWork, pub store.Published, event store.AuditEvent, note map[string]any) error {
	s, err := canon.CanonicalString(note)
	if err != nil {
		return fmt.Errorf("regime: encode %s note: %w", event, err)
	}
	h.logger.Debug().
		Str("trade_date", pub.TradeDate).
		Str("report_kind", pub.ReportKind).
		Str("event", string(event)).
		Msg("recording regime audit")
	return uow.RecordAudit(ctx, pub.TradeDate, pub.ReportKind, event, s)
}

// History returns up to lookback earlier days plus tradeDate itself,
// oldest first. Payloads that fail to decode classify as UNKNOWN.
func (h *Hook) History(ctx context.Context, q store.DBTX, reportKind, tradeDate string) ([]Day, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT trade_date, des_payload_json FROM (
			SELECT trade_date, des_payload_json FROM decision_evidence_snapshot
			WHERE report_kind = ? AND trade_date < ?
			ORDER BY trade_date DESC
			LIMIT ?
		)
		UNION ALL
		SELECT trade_date, des_payload_json FROM decision_evidence_snapshot
		WHERE report_kind = ? AND trade_date = ?
		ORDER BY trade_date ASC
	`, reportKind, tradeDate, h.lookback, reportKind, tradeDate)
	if err != nil {
		return nil, fmt.Errorf("regime: load history: %w", err)
	}
	defer rows.Close()

	var hist []Day
	for rows.Next() {
		var day, payloadJSON string
		if err := rows.Scan(&day, &payloadJSON); err != nil {
			return nil, fmt.Errorf("regime: scan history: %w", err)
		}
		payload := map[string]any{}
		if v, err := canon.Decode([]byte(payloadJSON)); err == nil {
			if m, ok := v.(map[string]any); ok {
				payload = m
			}
		}
		stage, sig := Classify(payload)
		hist = append(hist, Day{TradeDate: day, Stage: stage, Signals: sig})
	}
	return hist, rows.Err()
}

// ShiftNote builds the REGIME_SHIFT note when the last two days differ in
// stage.
func ShiftNote(hist []Day) (map[string]any, bool) {
	if len(hist) < 2 {
		return nil, false
	}
	prev, cur := hist[len(hist)-2], hist[len(hist)-1]
	if prev.Stage == cur.Stage {
		return nil, false
	}

	shift := DescribeShift(prev.Stage, cur.Stage, prev.Signals, cur.Signals)
	reason := make([]any, len(shift.Reason))
	for i, r := range shift.Reason {
		reason[i] = r
	}
	return map[string]any{
		"from":       string(prev.Stage),
		"to":         string(cur.Stage),
		"shift_type": shift.Type,
		"severity":   shift.Severity,
		"reason":     reason,
		"prev":       dayFields(prev),
		"curr":       dayFields(cur),
	}, true
}

// StatsNote builds the REGIME_STATS note: the last 10 stages, the current
// run of consecutive S5 days and the 20-day stage distribution.
func StatsNote(hist []Day) map[string]any {
	last := make([]any, 0, statsWindow)
	for _, d := range tail(hist, statsWindow) {
		last = append(last, map[string]any{"trade_date": d.TradeDate, "stage": string(d.Stage)})
	}

	dist := map[string]any{}
	for _, d := range tail(hist, distWindow) {
		n, _ := dist[string(d.Stage)].(int)
		dist[string(d.Stage)] = n + 1
	}

	consecutiveS5 := 0
	for i := len(hist) - 1; i >= 0 && hist[i].Stage == StageS5; i-- {
		consecutiveS5++
	}

	asOf := ""
	if len(hist) > 0 {
		asOf = hist[len(hist)-1].TradeDate
	}
	return map[string]any{
		"last_10d":               last,
		"consecutive_s5_days":    consecutiveS5,
		"stage_distribution_20d": dist,
		"asof_trade_date":        asOf,
	}
}

func dayFields(d Day) map[string]any {
	f := d.Signals.Fields()
	f["trade_date"] = d.TradeDate
	return f
}

func tail(hist []Day, n int) []Day {
	if len(hist) <= n {
		return hist
	}
	return hist[len(hist)-n:]
}
