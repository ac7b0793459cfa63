package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/signal-coordinator/internal/db/conf"
)

func newTestStorage(t *testing.T) *Default {
	t.Helper()
	cfg, cleanup := conf.NewTestConfig(t)
	t.Cleanup(cleanup)

	storage, err := New(*cfg)
	require.NoError(t, err)
	return storage
}

func testPosition(id string) Position {
	return Position{
		ID:            id,
		Instrument:    "BTCUSDT",
		Status:        PositionOpen,
		EntryTime:     time.Now().UTC().Truncate(time.Microsecond),
		EntryPrice:    50000,
		Lots:          5,
		InitialStop:   49500,
		CurrentStop:   49500,
		HighWaterMark: 50000,
		IsPyramidBase: true,
	}
}

func TestPostgresPositionVersionedUpsert(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	pos := testPosition("p1")
	require.NoError(t, storage.SavePosition(ctx, &pos))
	assert.Equal(t, int64(1), pos.Version)

	pos.CurrentStop = 49800
	require.NoError(t, storage.SavePosition(ctx, &pos))
	assert.Equal(t, int64(2), pos.Version)

	t.Run("stale version rejected", func(t *testing.T) {
		stale := pos
		stale.Version = 1
		stale.CurrentStop = 49999
		err := storage.SavePosition(ctx, &stale)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrVersionConflict)

		current, err := storage.GetPosition(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 49800.0, current.CurrentStop, "stale write must not be applied")
	})

	t.Run("duplicate insert rejected", func(t *testing.T) {
		dup := testPosition("p1")
		err := storage.SavePosition(ctx, &dup)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrVersionConflict)
	})
}

func TestPostgresCrashRecoveryRoundTrip(t *testing.T) {
	cfg, cleanup := conf.NewTestConfig(t)
	t.Cleanup(cleanup)

	ctx := context.Background()
	first, err := New(*cfg)
	require.NoError(t, err)

	var saved []Position
	for _, id := range []string{"p1", "p2", "p3"} {
		pos := testPosition(id)
		require.NoError(t, first.SavePosition(ctx, &pos))
		pos.CurrentStop = 49700
		require.NoError(t, first.SavePosition(ctx, &pos))
		saved = append(saved, pos)
	}
	require.NoError(t, first.SavePortfolioState(ctx, &PortfolioState{
		InitialCapital: 100000,
		TotalRisk:      3 * (50000 - 49700) * 5,
		TotalMargin:    3 * 50000 * 5,
	}))

	// A new storage on the same database simulates a fresh process after
	// a crash.
	second, err := New(*cfg)
	require.NoError(t, err)

	recovered, err := second.GetOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, recovered, len(saved))

	byID := make(map[string]Position, len(recovered))
	for _, pos := range recovered {
		byID[pos.ID] = pos
	}
	for _, want := range saved {
		got, ok := byID[want.ID]
		require.True(t, ok, "position %s must survive the restart", want.ID)
		assert.Equal(t, want.EntryPrice, got.EntryPrice)
		assert.Equal(t, want.CurrentStop, got.CurrentStop)
		assert.Equal(t, want.Version, got.Version)
	}

	ps, err := second.GetPortfolioState(ctx)
	require.NoError(t, err)
	require.NotNil(t, ps)
	assert.Equal(t, 100000.0, ps.InitialCapital)
}

func TestPostgresPortfolioStateSingleton(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	state := PortfolioState{InitialCapital: 100000}
	require.NoError(t, storage.SavePortfolioState(ctx, &state))
	assert.Equal(t, int64(1), state.Version)

	dup := PortfolioState{InitialCapital: 50000}
	err := storage.SavePortfolioState(ctx, &dup)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVersionConflict, "only one aggregate row may exist")
}

func TestPostgresPyramidingUpsert(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	pos := testPosition("base-1")
	require.NoError(t, storage.SavePosition(ctx, &pos))

	baseID := pos.ID
	require.NoError(t, storage.SavePyramidingState(ctx, PyramidingState{
		Instrument:     "BTCUSDT",
		LastEntryPrice: 50000,
		BasePositionID: &baseID,
	}))
	require.NoError(t, storage.SavePyramidingState(ctx, PyramidingState{
		Instrument:     "BTCUSDT",
		LastEntryPrice: 50400,
		BasePositionID: &baseID,
	}))

	states, err := storage.GetPyramidingStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, 50400.0, states[0].LastEntryPrice)

	t.Run("base reference cleared keeps the record", func(t *testing.T) {
		require.NoError(t, storage.SavePyramidingState(ctx, PyramidingState{
			Instrument:     "BTCUSDT",
			LastEntryPrice: 50400,
		}))
		states, err := storage.GetPyramidingStates(ctx)
		require.NoError(t, err)
		require.Len(t, states, 1)
		assert.Nil(t, states[0].BasePositionID)
	})
}

func TestPostgresSignalLogUniqueConstraint(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	entry := SignalLogEntry{
		Fingerprint: "fp-abc",
		Instrument:  "BTCUSDT",
		SignalType:  "BASE_ENTRY",
		Label:       "long-1",
		Price:       50000,
		SignalTime:  time.Now(),
		InstanceID:  "a",
		Outcome:     "executed",
	}
	require.NoError(t, storage.InsertSignalLog(ctx, entry))

	entry.InstanceID = "b"
	err := storage.InsertSignalLog(ctx, entry)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateSignal)

	seen, err := storage.HasSignal(ctx, "fp-abc")
	require.NoError(t, err)
	assert.True(t, seen)

	t.Run("retention delete", func(t *testing.T) {
		deleted, err := storage.DeleteSignalLogBefore(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)
	})
}

func TestPostgresInstanceMetadata(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	now := time.Now()
	for _, id := range []string{"a", "b"} {
		require.NoError(t, storage.UpsertInstance(ctx, InstanceMetadata{
			InstanceID:    id,
			StartedAt:     now,
			LastHeartbeat: now,
			Status:        InstanceRecovering,
		}))
	}

	require.NoError(t, storage.UpdateInstanceStatus(ctx, "a", InstanceActive))
	assert.ErrorIs(t, storage.UpdateInstanceStatus(ctx, "nope", InstanceActive), ErrNotFound)

	require.NoError(t, storage.SetInstanceLeader(ctx, "a", true))
	leader, err := storage.GetLeaderInstance(ctx)
	require.NoError(t, err)
	require.NotNil(t, leader)
	assert.Equal(t, "a", leader.InstanceID)

	t.Run("leadership moves atomically", func(t *testing.T) {
		require.NoError(t, storage.SetInstanceLeader(ctx, "b", true))
		leader, err := storage.GetLeaderInstance(ctx)
		require.NoError(t, err)
		require.NotNil(t, leader)
		assert.Equal(t, "b", leader.InstanceID, "old leader flag must be cleared in the same transaction")
	})

	require.NoError(t, storage.DeleteInstance(ctx, "b"))
	leader, err = storage.GetLeaderInstance(ctx)
	require.NoError(t, err)
	assert.Nil(t, leader)
}

func TestPostgresWithTxRollback(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	pos := testPosition("p1")
	err := storage.WithTx(ctx, 0, func(ctx context.Context) error {
		if err := storage.SavePosition(ctx, &pos); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	got, err := storage.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, got, "rolled-back write must not be visible")
}
