package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/signal-coordinator/internal/db"
	"github.com/amirphl/signal-coordinator/internal/signal"
)

func openPosition(id string) *db.Position {
	return &db.Position{
		ID:            id,
		Instrument:    "BTCUSDT",
		Status:        db.PositionOpen,
		EntryTime:     time.Now(),
		EntryPrice:    50000,
		Lots:          5,
		InitialStop:   49500,
		CurrentStop:   49500,
		HighWaterMark: 50000,
		IsPyramidBase: true,
	}
}

func TestSavePositionVersionMonotonicity(t *testing.T) {
	m := New(db.NewMemory())
	ctx := context.Background()

	pos := openPosition("p1")
	require.NoError(t, m.SavePosition(ctx, pos))
	assert.Equal(t, int64(1), pos.Version)

	for i := int64(2); i <= 5; i++ {
		pos.UnrealizedPnL += 10
		require.NoError(t, m.SavePosition(ctx, pos))
		assert.Equal(t, i, pos.Version, "each successful write bumps the version by exactly one")
	}
}

func TestSavePositionStaleVersionRejected(t *testing.T) {
	storage := db.NewMemory()
	m := New(storage)
	ctx := context.Background()

	pos := openPosition("p1")
	require.NoError(t, m.SavePosition(ctx, pos))

	stale := *pos
	require.NoError(t, m.SavePosition(ctx, pos)) // now at version 2

	stale.UnrealizedPnL = 999
	err := storage.SavePosition(ctx, &stale)
	require.Error(t, err)
	assert.ErrorIs(t, err, db.ErrVersionConflict)

	// The conflicting write must not have been applied.
	current, err := m.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.NotEqual(t, 999.0, current.UnrealizedPnL)
}

func TestUpdatePositionRetriesConflicts(t *testing.T) {
	storage := db.NewMemory()
	m := New(storage)
	ctx := context.Background()

	pos := openPosition("p1")
	require.NoError(t, m.SavePosition(ctx, pos))

	// A second manager on the same store writes behind m's back, making
	// m's cached version stale.
	other := New(storage)
	require.NoError(t, other.UpdatePosition(ctx, "p1", func(p *db.Position) error {
		p.UnrealizedPnL = 50
		return nil
	}))

	require.NoError(t, m.UpdatePosition(ctx, "p1", func(p *db.Position) error {
		p.RealizedPnL = 25
		return nil
	}))

	final, err := m.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, final.UnrealizedPnL, "concurrent write survives")
	assert.Equal(t, 25.0, final.RealizedPnL)
}

func TestTrailingStopRatchet(t *testing.T) {
	m := New(db.NewMemory())
	ctx := context.Background()

	pos := openPosition("p1")
	require.NoError(t, m.SavePosition(ctx, pos))

	// Stop moves up.
	require.NoError(t, m.UpdatePosition(ctx, "p1", func(p *db.Position) error {
		p.CurrentStop = 49800
		return nil
	}))

	// A lower stop is clamped, never applied.
	require.NoError(t, m.UpdatePosition(ctx, "p1", func(p *db.Position) error {
		p.CurrentStop = 49600
		return nil
	}))

	final, err := m.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 49800.0, final.CurrentStop, "current stop must be non-decreasing")
}

func TestTrailingStopRatchetSurvivesRestart(t *testing.T) {
	storage := db.NewMemory()
	ctx := context.Background()

	m := New(storage)
	pos := openPosition("p1")
	require.NoError(t, m.SavePosition(ctx, pos))
	require.NoError(t, m.UpdatePosition(ctx, "p1", func(p *db.Position) error {
		p.CurrentStop = 49800
		return nil
	}))

	// A fresh manager on the same store has a cold cache; the ratchet
	// must hold against the stored row, not just in-process history.
	restarted := New(storage)
	lower := *pos
	lower.Version = 2
	lower.CurrentStop = 49600
	require.NoError(t, restarted.SavePosition(ctx, &lower))

	final, err := restarted.GetPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 49800.0, final.CurrentStop, "stop must not regress across a restart")
}

func TestUpdatePortfolioState(t *testing.T) {
	m := New(db.NewMemory())
	ctx := context.Background()

	require.NoError(t, m.SavePortfolioState(ctx, &db.PortfolioState{InitialCapital: 100000}))

	require.NoError(t, m.UpdatePortfolioState(ctx, func(ps *db.PortfolioState) error {
		ps.TotalRisk += 2500
		ps.TotalMargin += 250000
		return nil
	}))

	ps, err := m.GetPortfolioState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2500.0, ps.TotalRisk)
	assert.Equal(t, int64(2), ps.Version)
}

func TestConnectionRetryBackoff(t *testing.T) {
	storage := db.NewMemory()
	m := New(storage)
	ctx := context.Background()

	storage.FailNext = errors.New("connection reset")
	pos := openPosition("p1")
	require.NoError(t, m.SavePosition(ctx, pos), "transient failure is retried")
}

func TestSignalLogDedup(t *testing.T) {
	m := New(db.NewMemory())
	ctx := context.Background()

	sig := signal.Signal{
		Instrument:    "BTCUSDT",
		Type:          signal.BaseEntry,
		Label:         "long-1",
		Price:         50000,
		Stop:          49500,
		Timestamp:     time.Now(),
		SuggestedLots: 5,
	}
	fp := sig.Fingerprint()

	seen, err := m.CheckDuplicateSignal(ctx, fp)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, m.LogSignal(ctx, sig, fp, "a", "executed"))

	seen, err = m.CheckDuplicateSignal(ctx, fp)
	require.NoError(t, err)
	assert.True(t, seen)

	err = m.LogSignal(ctx, sig, fp, "b", "executed")
	require.Error(t, err)
	assert.ErrorIs(t, err, db.ErrDuplicateSignal, "unique constraint is the last dedup layer")
}

func TestCleanupSignalLog(t *testing.T) {
	storage := db.NewMemory()
	m := New(storage)
	ctx := context.Background()

	sig := signal.Signal{
		Instrument:    "BTCUSDT",
		Type:          signal.BaseEntry,
		Label:         "long-1",
		Price:         50000,
		Stop:          49500,
		Timestamp:     time.Now(),
		SuggestedLots: 5,
	}
	require.NoError(t, m.LogSignal(ctx, sig, sig.Fingerprint(), "a", "executed"))

	deleted, err := m.CleanupSignalLog(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
