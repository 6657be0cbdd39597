package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ContentHash computes the lower-case hex SHA-256 of v's canonical JSON.
// Identities never carry a domain prefix: the hashed dict names its own fields.
func ContentHash(v any) (string, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(data), nil
}

// HashBytes is SHA-256 over already-canonical bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalString is MarshalCanonical returned as a string, the form every
// JSON column is stored in.
func CanonicalString(v any) (string, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReportHash is the identity of a stored report artifact.
// metaJSON is the canonical meta string exactly as stored, or nil.
func ReportHash(tradeDate, reportKind, contentText string, metaJSON *string) (string, error) {
	var meta any
	if metaJSON != nil {
		meta = *metaJSON
	}
	h, err := ContentHash(map[string]any{
		"trade_date":   tradeDate,
		"report_kind":  reportKind,
		"content_text": contentText,
		"meta_json":    meta,
	})
	if err != nil {
		return "", fmt.Errorf("ReportHash: %w", err)
	}
	return h, nil
}

// EvidenceHash is the identity of a decision-evidence snapshot.
func EvidenceHash(tradeDate, reportKind, engineVersion, desPayloadJSON string) (string, error) {
	h, err := ContentHash(map[string]any{
		"trade_date":       tradeDate,
		"report_kind":      reportKind,
		"engine_version":   engineVersion,
		"des_payload_json": desPayloadJSON,
	})
	if err != nil {
		return "", fmt.Errorf("EvidenceHash: %w", err)
	}
	return h, nil
}

// AuditInput is the semantic content of one AUDIT_HASH chain link.
type AuditInput struct {
	RunID         string
	TradeDate     string
	ReportKind    string
	L1Hash        string
	ReportHash    string
	DESHash       string
	PrevAuditHash string // empty for the first link
}

// Fields returns the dict hashed into the audit hash. The same dict (plus
// audit_hash) is stored as the AUDIT_HASH note.
func (in AuditInput) Fields() map[string]any {
	var prev any
	if in.PrevAuditHash != "" {
		prev = in.PrevAuditHash
	}
	return map[string]any{
		"run_id":          in.RunID,
		"trade_date":      in.TradeDate,
		"report_kind":     in.ReportKind,
		"l1_hash":         in.L1Hash,
		"report_hash":     in.ReportHash,
		"des_hash":        in.DESHash,
		"prev_audit_hash": prev,
	}
}

// AuditHash chains one run's L1 hash onto the previous link.
func AuditHash(in AuditInput) (string, error) {
	h, err := ContentHash(in.Fields())
	if err != nil {
		return "", fmt.Errorf("AuditHash: %w", err)
	}
	return h, nil
}
