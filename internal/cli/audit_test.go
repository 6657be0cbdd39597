package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedTwoDays(t *testing.T) string {
	t.Helper()
	db, path := newTestDB(t)
	opts := testOpts()
	seedRun(t, db, opts, "2025-12-26")
	seedRun(t, db, opts, "2025-12-27")
	return path
}

func TestAudit_ListFiltered(t *testing.T) {
	path := seedTwoDays(t)

	stdout, _, err := execute(t, "audit", "--db", path, "--event", "AUDIT_HASH", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Data AuditResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	require.Equal(t, 2, resp.Data.Total)
	for _, e := range resp.Data.Events {
		assert.Equal(t, "AUDIT_HASH", e.Event)
		assert.Equal(t, "EOD", e.ReportKind)
		assert.Contains(t, e.Note, "audit_hash")
	}
	assert.Equal(t, "2025-12-26", resp.Data.Events[0].TradeDate, "write order")

	stdout, _, err = execute(t, "audit", "--db", path, "--trade-date", "2025-12-27", "--event", "CREATED", "--format", "json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	require.Equal(t, 1, resp.Data.Total)
	assert.Equal(t, "2025-12-27", resp.Data.Events[0].TradeDate)
}

func TestAudit_Text(t *testing.T) {
	path := seedTwoDays(t)

	stdout, _, err := execute(t, "audit", "--db", path, "--event", "CREATED")
	require.NoError(t, err)
	assert.Contains(t, stdout, "TRADE_DATE")
	assert.Contains(t, stdout, "CREATED")

	_, emptyPath := newTestDB(t)
	stdout, _, err = execute(t, "audit", "--db", emptyPath)
	require.NoError(t, err)
	assert.Equal(t, "No audit events found.\n", stdout)
}

func TestAuditVerifyChain_OK(t *testing.T) {
	path := seedTwoDays(t)

	stdout, _, err := execute(t, "audit", "verify-chain", "--db", path, "--kind", "EOD", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   ChainResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "EOD", resp.Data.ReportKind)
	assert.Equal(t, 2, resp.Data.Links)
	assert.Equal(t, 2, resp.Data.L1Checked)
	assert.Len(t, resp.Data.Head, 64)
}

func TestAuditVerifyChain_EmptyChainVerifies(t *testing.T) {
	_, path := newTestDB(t)

	stdout, _, err := execute(t, "audit", "verify-chain", "--db", path, "--kind", "EOD")
	require.NoError(t, err)
	assert.Contains(t, stdout, "EOD chain verified: 0 link(s)")
}

func TestAuditVerifyChain_DetectsL1Tamper(t *testing.T) {
	db, path := newTestDB(t)
	opts := testOpts()
	seedRun(t, db, opts, "2025-12-26")
	seedRun(t, db, opts, "2025-12-27")

	_, err := db.Exec(`UPDATE snapshot_raw SET payload_json = '{"close":1}' WHERE run_id = 'run-0001'`)
	require.NoError(t, err)

	stdout, _, err := execute(t, "audit", "verify-chain", "--db", path, "--kind", "EOD", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, stdout, `"code": "E101"`)
	assert.Contains(t, stdout, "l1_hash mismatch")
}

func TestAuditVerifyChain_RequiresKind(t *testing.T) {
	_, path := newTestDB(t)

	_, _, err := execute(t, "audit", "verify-chain", "--db", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
