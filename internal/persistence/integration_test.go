package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"StreamPay/internal/core"
	"StreamPay/internal/persistence"
	"StreamPay/internal/testutil"
)

func TestPersistenceWorker_WritesAndReadsBack(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	c, persistChan := newCore()
	mustProcess(t, c, streamingCommands()...)
	outputs := drain(persistChan)

	in := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)

	var flushed []persistence.Batch
	w := persistence.NewPersistenceWorker(db, in, 4, 50*time.Millisecond, nil, zerolog.Nop())
	w.OnFlushed = func(b []persistence.Batch) { flushed = append(flushed, b...) }
	require.NoError(t, w.Run(ctx))
	require.Len(t, flushed, len(outputs))

	last, err := w.GetWriter().LastSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(6), last)

	sm := persistence.NewSnapshotManager(db)
	rows, err := sm.LoadEventsFrom(ctx, 5, 100)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "DepositAndCreate", rows[0].EventType)
	require.Equal(t, "rejected", rows[1].Outcome)
	require.Equal(t, uint32(3), rows[1].ErrorCode)
	require.Equal(t, outputs[4].Envelope.StateHash[:], rows[0].StateHash)

	keys, err := w.GetWriter().RecentIdempotencyKeys(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []string{
		"DepositAndCreate:" + outputs[4].Envelope.IdempotencyKey,
		"StreamWithdraw:" + outputs[5].Envelope.IdempotencyKey,
	}, keys)

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate("StreamWithdraw", outputs[5].Envelope.IdempotencyKey)
	require.NoError(t, err)
	require.True(t, dup)
	dup, err = checker.IsDuplicate("Deposit", outputs[5].Envelope.IdempotencyKey)
	require.NoError(t, err)
	require.False(t, dup)
}

func TestSnapshotManager_SaveAndLoadLatest(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	sm := persistence.NewSnapshotManager(db)

	none, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.Nil(t, none)

	c, _ := newCore()
	mustProcess(t, c, streamingCommands()[:4]...)
	early := persistence.NewSnapshotData(c.CreateSnapshotState())
	_, err = sm.SaveSnapshot(ctx, early)
	require.NoError(t, err)

	mustProcess(t, c, streamingCommands()[4:]...)
	late := persistence.NewSnapshotData(c.CreateSnapshotState())
	size, err := sm.SaveSnapshot(ctx, late)
	require.NoError(t, err)
	require.Positive(t, size)
	require.NoError(t, sm.MarkVerified(ctx, late.Sequence))

	got, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, late.Sequence, got.Sequence)
	require.Equal(t, late.StateHash, got.StateHash)

	state, err := got.State()
	require.NoError(t, err)
	require.Equal(t, c.GetStateHash(), state.StateHash)
}

func TestMigrator_Status(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	m := persistence.NewMigrator(db, testutil.MigrationsDir(), zerolog.Nop())
	status, err := m.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, status, 2)
	for _, s := range status {
		require.True(t, s.Applied, s.File)
		require.False(t, s.Modified, s.File)
	}

	// A second Up is a no-op.
	require.NoError(t, m.Up(context.Background()))
}
