package canon

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentHashDeterminism(t *testing.T) {
	a := map[string]any{"x": 1, "y": []any{"a", 2.5}}
	b := map[string]any{"y": []any{"a", 2.5}, "x": 1.0}

	h1, err := ContentHash(a)
	require.NoError(t, err)
	h2, err := ContentHash(b)
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "key order and integral float form must not change the hash")
	assert.Len(t, h1, 64, "SHA-256 hex is 64 characters")
}

func TestContentHashKnownVector(t *testing.T) {
	// sha256("{}")
	h, err := ContentHash(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a", h)
}

func TestContentHashRejectsNaN(t *testing.T) {
	_, err := ContentHash(map[string]any{"x": math.NaN()})
	assert.ErrorIs(t, err, ErrNotCanonical)
}

func TestReportHashChangesWithInput(t *testing.T) {
	meta := `{"run_id":"r1"}`

	base, err := ReportHash("2025-01-02", "EOD", "text", &meta)
	require.NoError(t, err)

	noMeta, err := ReportHash("2025-01-02", "EOD", "text", nil)
	require.NoError(t, err)
	otherText, err := ReportHash("2025-01-02", "EOD", "text!", &meta)
	require.NoError(t, err)
	otherDay, err := ReportHash("2025-01-03", "EOD", "text", &meta)
	require.NoError(t, err)
	otherKind, err := ReportHash("2025-01-02", "PRE_OPEN", "text", &meta)
	require.NoError(t, err)

	assert.NotEqual(t, base, noMeta)
	assert.NotEqual(t, base, otherText)
	assert.NotEqual(t, base, otherDay)
	assert.NotEqual(t, base, otherKind)
}

func TestEvidenceHashIncludesEngineVersion(t *testing.T) {
	h1, err := EvidenceHash("2025-01-02", "EOD", "v1", `{"a":1}`)
	require.NoError(t, err)
	h2, err := EvidenceHash("2025-01-02", "EOD", "v2", `{"a":1}`)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestAuditHashChains(t *testing.T) {
	in := AuditInput{
		RunID:      "run-1",
		TradeDate:  "2025-01-02",
		ReportKind: "EOD",
		L1Hash:     "l1",
		ReportHash: "r",
		DESHash:    "d",
	}

	first, err := AuditHash(in)
	require.NoError(t, err)
	assert.Nil(t, in.Fields()["prev_audit_hash"], "first link has a null predecessor")

	in.PrevAuditHash = first
	second, err := AuditHash(in)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, first, in.Fields()["prev_audit_hash"])
}
