package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequiredEvidenceKeys(t *testing.T) {
	assert.Equal(t, []string{"context", "factors", "structure", "governance", "rule_trace"}, RequiredEvidenceKeys())
}

func TestSaveEvidence_RoundTrip(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	evidence := NewEvidenceStore(db, testOpts()...)

	payload := validEvidence()
	payload["governance"] = map[string]any{"gate": "CAUTION", "drs": 0.42}
	payload["report_meta"] = map[string]any{"run_id": "r1"}

	hash, err := evidence.SaveEvidence(ctx, "2025-12-27", "EOD", "v1", payload)
	require.NoError(t, err)
	assert.Len(t, hash, 64)

	snap, err := evidence.GetEvidence(ctx, "2025-12-27", "EOD")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "v1", snap.EngineVersion)
	assert.Equal(t, hash, snap.DESHash)

	gov, ok := snap.Payload["governance"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "CAUTION", gov["gate"])
	assert.Equal(t, json.Number("0.42"), gov["drs"])
}

func TestSaveEvidence_MissingKeys(t *testing.T) {
	tests := []struct {
		name   string
		drop   []string
		reason string
	}{
		{"one missing", []string{"rule_trace"}, "missing_top_keys:rule_trace"},
		{"two missing in contract order", []string{"rule_trace", "factors"}, "missing_top_keys:factors,rule_trace"},
		{"all missing", []string{"context", "factors", "structure", "governance", "rule_trace"},
			"missing_top_keys:context,factors,structure,governance,rule_trace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, _ := openTestDB(t)
			payload := validEvidence()
			for _, k := range tt.drop {
				delete(payload, k)
			}

			_, err := NewEvidenceStore(db).SaveEvidence(context.Background(), "2025-12-27", "EOD", "v1", payload)
			require.ErrorIs(t, err, ErrInvalidPayload)

			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, "des", pe.Entity)
			assert.Equal(t, tt.reason, pe.Reason)
			assert.Equal(t, 0, countRows(t, db, "SELECT COUNT(*) FROM decision_evidence_snapshot"))
		})
	}
}

func TestSaveEvidence_NullValuesSatisfyContract(t *testing.T) {
	db, _ := openTestDB(t)
	payload := map[string]any{
		"context":    nil,
		"factors":    []any{},
		"structure":  "opaque",
		"governance": 1,
		"rule_trace": nil,
	}

	_, err := NewEvidenceStore(db).SaveEvidence(context.Background(), "2025-12-27", "EOD", "v1", payload)
	assert.NoError(t, err)
}

func TestSaveEvidence_NilPayload(t *testing.T) {
	db, _ := openTestDB(t)

	_, err := NewEvidenceStore(db).SaveEvidence(context.Background(), "2025-12-27", "EOD", "v1", nil)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestSaveEvidence_AppendOnly(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	evidence := NewEvidenceStore(db)

	first := validEvidence()
	first["context"] = map[string]any{"v": 1}
	_, err := evidence.SaveEvidence(ctx, "2025-12-27", "EOD", "v1", first)
	require.NoError(t, err)

	second := validEvidence()
	second["context"] = map[string]any{"v": 2}
	_, err = evidence.SaveEvidence(ctx, "2025-12-27", "EOD", "v2", second)
	require.ErrorIs(t, err, ErrAlreadyPublished)

	snap, err := evidence.GetEvidence(ctx, "2025-12-27", "EOD")
	require.NoError(t, err)
	assert.Equal(t, "v1", snap.EngineVersion)
	assert.Equal(t, map[string]any{"v": json.Number("1")}, snap.Payload["context"])
}

func TestGetEvidence_NonObjectPayloadIsStorageError(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	evidence := NewEvidenceStore(db)

	_, err := evidence.SaveEvidence(ctx, "2025-12-27", "EOD", "v1", validEvidence())
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE decision_evidence_snapshot SET des_payload_json = '[1,2]'`)
	require.NoError(t, err)

	snap, err := evidence.GetEvidence(ctx, "2025-12-27", "EOD")
	assert.Nil(t, snap)
	assert.ErrorIs(t, err, ErrStorage)
}

func TestVerifyEvidence(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	evidence := NewEvidenceStore(db)

	ok, err := evidence.VerifyEvidence(ctx, "2025-12-27", "EOD")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = evidence.SaveEvidence(ctx, "2025-12-27", "EOD", "v1", validEvidence())
	require.NoError(t, err)

	ok, err = evidence.VerifyEvidence(ctx, "2025-12-27", "EOD")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = db.Exec(`UPDATE decision_evidence_snapshot SET engine_version = 'v9'`)
	require.NoError(t, err)

	ok, err = evidence.VerifyEvidence(ctx, "2025-12-27", "EOD")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrTampered)
}

func TestEvidenceIsSeparateIdentityFromReport(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	_, err := NewEvidenceStore(db).SaveEvidence(ctx, "2025-12-27", "EOD", "v1", validEvidence())
	require.NoError(t, err)

	// Same key space, separate table: a report for the key is still writable.
	_, err = NewReportStore(db).SaveReport(ctx, "2025-12-27", "EOD", "# Demo", nil)
	assert.NoError(t, err)
}
