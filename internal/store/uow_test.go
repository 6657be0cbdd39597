package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnitOfWork_BeginTwiceFails(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	uow, err := NewUnitOfWork(ctx, db)
	require.NoError(t, err)
	defer uow.Close()

	require.NoError(t, uow.BeginImmediate(ctx))
	assert.True(t, uow.Active())

	err = uow.BeginImmediate(ctx)
	require.ErrorIs(t, err, ErrStorage)
	assert.Contains(t, err.Error(), "transaction already active")
	assert.True(t, uow.Active(), "the first transaction stays open")
}

func TestUnitOfWork_CommitAndRollbackAreNoOpsWhenInactive(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	uow, err := NewUnitOfWork(ctx, db)
	require.NoError(t, err)
	defer uow.Close()

	assert.NoError(t, uow.Commit(ctx))
	uow.Rollback(ctx)
	assert.NoError(t, uow.Commit(ctx))
	assert.False(t, uow.Active())
}

func TestUnitOfWork_RecordAuditDoesNotCommit(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	uow, err := NewUnitOfWork(ctx, db, testOpts()...)
	require.NoError(t, err)

	require.NoError(t, uow.BeginImmediate(ctx))
	require.NoError(t, uow.RecordAudit(ctx, "2025-12-27", "EOD", EventCreated, "note"))
	assert.Equal(t, 1, countRows(t, uow.Q(), "SELECT COUNT(*) FROM persistence_audit"))

	uow.Rollback(ctx)
	require.NoError(t, uow.Close())

	assert.Equal(t, 0, countRows(t, db, "SELECT COUNT(*) FROM persistence_audit"))
}

func TestUnitOfWork_CommitPersists(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	uow, err := NewUnitOfWork(ctx, db)
	require.NoError(t, err)
	require.NoError(t, uow.BeginImmediate(ctx))
	require.NoError(t, uow.RecordAudit(ctx, "2025-12-27", "EOD", EventFailed, ""))
	require.NoError(t, uow.Commit(ctx))
	require.NoError(t, uow.Close())

	assert.Equal(t, 1, countRows(t, db, "SELECT COUNT(*) FROM persistence_audit WHERE note IS NULL"))
}

func TestUnitOfWork_CloseRollsBackOpenTransaction(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	uow, err := NewUnitOfWork(ctx, db)
	require.NoError(t, err)
	require.NoError(t, uow.BeginImmediate(ctx))
	require.NoError(t, uow.RecordAudit(ctx, "2025-12-27", "EOD", EventCreated, "x"))
	require.NoError(t, uow.Close())

	assert.Equal(t, 0, countRows(t, db, "SELECT COUNT(*) FROM persistence_audit"))
}

func TestRecordAudit_SingleVersionPerDay(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	write := func(event AuditEvent, tradeDate, note string) {
		uow, err := NewUnitOfWork(ctx, db)
		require.NoError(t, err)
		defer uow.Close()
		require.NoError(t, uow.BeginImmediate(ctx))
		require.NoError(t, uow.RecordAudit(ctx, tradeDate, "EOD", event, note))
		require.NoError(t, uow.Commit(ctx))
	}

	write(EventRegimeStats, "2025-12-27", "first")
	write(EventRegimeStats, "2025-12-27", "second")
	write(EventRegimeStats, "2025-12-28", "next day")
	write(EventCreated, "2025-12-27", "a")
	write(EventCreated, "2025-12-27", "b")

	log := NewAuditLog(db)
	stats, err := log.Events(ctx, AuditFilter{TradeDate: "2025-12-27", Event: EventRegimeStats})
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "second", stats[0].Note)

	created, err := log.Events(ctx, AuditFilter{TradeDate: "2025-12-27", Event: EventCreated})
	require.NoError(t, err)
	assert.Len(t, created, 2, "ordinary events stay additive")

	allStats, err := log.Events(ctx, AuditFilter{Event: EventRegimeStats})
	require.NoError(t, err)
	assert.Len(t, allStats, 2)
}

func TestSingleVersionPerDay(t *testing.T) {
	assert.True(t, SingleVersionPerDay(EventRegimeShift))
	assert.True(t, SingleVersionPerDay(EventRegimeStats))
	assert.False(t, SingleVersionPerDay(EventCreated))
	assert.False(t, SingleVersionPerDay(EventAuditHash))
}
