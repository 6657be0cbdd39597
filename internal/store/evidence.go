package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/happyfish020/MarketMonitor-sub001/internal/canon"
)

//go:embed evidence.cue
var evidenceCUE string

// evidenceContract is the compiled #DecisionEvidence definition.
// cue.Context is not safe for concurrent use, so every evaluation holds mu.
type evidenceContract struct {
	mu       sync.Mutex
	ctx      *cue.Context
	def      cue.Value
	required []string
}

var loadContract = sync.OnceValues(func() (*evidenceContract, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(evidenceCUE, cue.Filename("evidence.cue"))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile evidence contract: %w", err)
	}
	def := v.LookupPath(cue.ParsePath("#DecisionEvidence"))
	if !def.Exists() {
		return nil, errors.New("evidence contract: #DecisionEvidence not defined")
	}

	iter, err := def.Fields()
	if err != nil {
		return nil, fmt.Errorf("evidence contract fields: %w", err)
	}
	var required []string
	for iter.Next() {
		required = append(required, iter.Selector().Unquoted())
	}
	return &evidenceContract{ctx: ctx, def: def, required: required}, nil
})

// RequiredEvidenceKeys lists the mandatory top-level evidence keys in
// reporting order.
func RequiredEvidenceKeys() []string {
	c, err := loadContract()
	if err != nil {
		return nil
	}
	return append([]string(nil), c.required...)
}

// check validates canonical payload JSON against the contract. It returns
// the rejection reason, or "" when the payload is acceptable.
func (c *evidenceContract) check(payloadJSON string, payload map[string]any) string {
	var missing []string
	for _, k := range c.required {
		if _, ok := payload[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return "missing_top_keys:" + strings.Join(missing, ",")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Canonical JSON is valid CUE, so the payload compiles as a literal.
	val := c.ctx.CompileString(payloadJSON)
	if err := val.Err(); err != nil {
		return "contract: " + err.Error()
	}
	if err := c.def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return "contract: " + err.Error()
	}
	return ""
}

// EvidenceSnapshot is one decision-evidence record, immutable once written.
type EvidenceSnapshot struct {
	TradeDate     string
	ReportKind    string
	EngineVersion string
	Payload       map[string]any
	PayloadJSON   string // canonical text exactly as stored
	DESHash       string
	CreatedAt     time.Time
}

// EvidenceStore reads and writes decision_evidence_snapshot rows.
type EvidenceStore struct {
	db   DBTX
	opts options
}

// NewEvidenceStore creates an evidence store over db.
func NewEvidenceStore(db DBTX, opts ...Option) *EvidenceStore {
	return &EvidenceStore{db: db, opts: buildOptions(opts)}
}

// SaveEvidence validates and inserts the evidence payload for the key and
// returns its des_hash. The payload is rejected before any write when a
// mandatory top-level key is missing.
func (s *EvidenceStore) SaveEvidence(ctx context.Context, tradeDate, reportKind, engineVersion string, payload map[string]any) (string, error) {
	const op = "save evidence"

	if payload == nil {
		return "", InvalidPayload("des", "payload is not an object")
	}
	payloadJSON, err := marshalJSON("des", payload)
	if err != nil {
		return "", wrap(op, err)
	}

	contract, err := loadContract()
	if err != nil {
		return "", wrap(op, err)
	}
	if reason := contract.check(payloadJSON, payload); reason != "" {
		return "", InvalidPayload("des", reason)
	}

	hash, err := canon.EvidenceHash(tradeDate, reportKind, engineVersion, payloadJSON)
	if err != nil {
		return "", wrap(op, invalidFromCanon("des", err))
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decision_evidence_snapshot
		(trade_date, report_kind, engine_version, des_payload_json, des_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		tradeDate,
		reportKind,
		engineVersion,
		payloadJSON,
		hash,
		s.opts.timestamp(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", AlreadyPublished(tradeDate, reportKind)
		}
		return "", wrap(op, err)
	}

	return hash, nil
}

// GetEvidence returns the evidence for the key, or nil when absent.
func (s *EvidenceStore) GetEvidence(ctx context.Context, tradeDate, reportKind string) (*EvidenceSnapshot, error) {
	const op = "get evidence"

	var (
		snap      EvidenceSnapshot
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT trade_date, report_kind, engine_version, des_payload_json, des_hash, created_at
		FROM decision_evidence_snapshot
		WHERE trade_date = ? AND report_kind = ?
	`, tradeDate, reportKind).Scan(
		&snap.TradeDate,
		&snap.ReportKind,
		&snap.EngineVersion,
		&snap.PayloadJSON,
		&snap.DESHash,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(op, err)
	}

	payload, err := decodeObject(snap.PayloadJSON)
	if err != nil {
		return nil, wrap(op, fmt.Errorf("decode des_payload_json for %s/%s: %w", tradeDate, reportKind, err))
	}
	snap.Payload = payload
	snap.CreatedAt = parseTime(createdAt)

	return &snap, nil
}

// VerifyEvidence recomputes des_hash from the stored raw fields.
// It returns false when the evidence does not exist and a Tampered error
// when the stored hash no longer matches.
func (s *EvidenceStore) VerifyEvidence(ctx context.Context, tradeDate, reportKind string) (bool, error) {
	const op = "verify evidence"

	var engineVersion, payloadJSON, storedHash string
	err := s.db.QueryRowContext(ctx, `
		SELECT engine_version, des_payload_json, des_hash
		FROM decision_evidence_snapshot
		WHERE trade_date = ? AND report_kind = ?
	`, tradeDate, reportKind).Scan(&engineVersion, &payloadJSON, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrap(op, err)
	}

	recomputed, err := canon.EvidenceHash(tradeDate, reportKind, engineVersion, payloadJSON)
	if err != nil {
		return false, wrap(op, err)
	}
	if recomputed != storedHash {
		tampered := Tampered("des", tradeDate, reportKind)
		tampered.Op = op
		return false, tampered
	}
	return true, nil
}
