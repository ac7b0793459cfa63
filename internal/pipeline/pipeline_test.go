package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/signal-coordinator/internal/broker"
	"github.com/amirphl/signal-coordinator/internal/coordinator"
	"github.com/amirphl/signal-coordinator/internal/db"
	"github.com/amirphl/signal-coordinator/internal/executor"
	"github.com/amirphl/signal-coordinator/internal/lease"
	"github.com/amirphl/signal-coordinator/internal/recovery"
	"github.com/amirphl/signal-coordinator/internal/signal"
	"github.com/amirphl/signal-coordinator/internal/state"
	"github.com/amirphl/signal-coordinator/internal/validator"
)

type instantClock struct{ now time.Time }

func (c *instantClock) Now() time.Time { return c.now }

func (c *instantClock) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.now = c.now.Add(d)
	return nil
}

type harness struct {
	store    *lease.MemoryStore
	storage  *db.MemoryStorage
	stateMgr *state.Manager
	coord    *coordinator.Coordinator
	rec      *recovery.Manager
	mock     *broker.MockBroker
	pipe     *Pipeline
}

func newHarness(t *testing.T, instanceID string) *harness {
	t.Helper()

	store := lease.NewMemoryStore()
	storage := db.NewMemory()
	return newHarnessOn(t, instanceID, store, storage)
}

func newHarnessOn(t *testing.T, instanceID string, store *lease.MemoryStore, storage *db.MemoryStorage) *harness {
	t.Helper()
	ctx := context.Background()

	stateMgr := state.New(storage)
	if ps, err := storage.GetPortfolioState(ctx); err == nil && ps == nil {
		require.NoError(t, stateMgr.SavePortfolioState(ctx, &db.PortfolioState{InitialCapital: 100000}))
	}

	coord := coordinator.New(store, storage, instanceID, coordinator.Options{
		RetryAttempts: 2,
		RetryBase:     time.Millisecond,
	})

	mock := broker.NewMockBroker()
	mock.FillAfter = 1

	rec := recovery.New(stateMgr, mock, instanceID, false)
	_, err := rec.Run(ctx)
	require.NoError(t, err)

	val := validator.New(validator.Config{
		BaseEntryDivergenceCap:   0.01,
		PyramidDivergenceCap:     0.003,
		ExitAdverseDivergenceCap: 0.002,
		RiskIncreaseShrink:       0.10,
		RiskIncreaseReject:       0.50,
		MinPyramidExcursionATR:   0.5,
	})

	strategy := executor.NewSimple(mock, time.Second, 5*time.Second)
	strategy.Clock = &instantClock{now: time.Now()}

	pipe := New(signal.NewCache(10*time.Minute), coord, stateMgr, rec, val, mock, strategy)
	return &harness{
		store:    store,
		storage:  storage,
		stateMgr: stateMgr,
		coord:    coord,
		rec:      rec,
		mock:     mock,
		pipe:     pipe,
	}
}

func baseEntry(ts time.Time) signal.Signal {
	return signal.Signal{
		Instrument:    "BTCUSDT",
		Type:          signal.BaseEntry,
		Label:         "long-1",
		Price:         50000,
		Stop:          49500,
		ATR:           100,
		Timestamp:     ts,
		SuggestedLots: 5,
	}
}

func TestHandleBaseEntryExecuted(t *testing.T) {
	h := newHarness(t, "a")
	h.mock.Quote = 50050
	ctx := context.Background()

	res, err := h.pipe.Handle(ctx, baseEntry(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, res.Outcome)
	assert.Equal(t, 5, res.Execution.FilledLots)

	open, err := h.storage.GetOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 50050.0, open[0].EntryPrice)
	assert.Equal(t, 49500.0, open[0].CurrentStop)
	assert.True(t, open[0].IsPyramidBase)

	ps, err := h.storage.GetPortfolioState(ctx)
	require.NoError(t, err)
	assert.InDelta(t, (50050-49500)*5, ps.TotalRisk, 0.001)
	assert.InDelta(t, 50050*5, ps.TotalMargin, 0.001)

	pyr, err := h.storage.GetPyramidingStates(ctx)
	require.NoError(t, err)
	require.Len(t, pyr, 1)
	assert.Equal(t, 50050.0, pyr[0].LastEntryPrice)
	require.NotNil(t, pyr[0].BasePositionID)
	assert.Equal(t, open[0].ID, *pyr[0].BasePositionID)

	seen, err := h.storage.HasSignal(ctx, res.Fingerprint)
	require.NoError(t, err)
	assert.True(t, seen, "outcome must land in the durable log")

	// The lock is released after processing.
	_, held, err := h.store.Get(ctx, "coord:lock:"+res.Fingerprint)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestHandleDuplicateLayers(t *testing.T) {
	h := newHarness(t, "a")
	h.mock.Quote = 50050
	ctx := context.Background()
	sig := baseEntry(time.Now())

	res, err := h.pipe.Handle(ctx, sig)
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, res.Outcome)

	t.Run("in-process cache", func(t *testing.T) {
		res, err := h.pipe.Handle(ctx, sig)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, res.Outcome)
	})

	t.Run("durable log catches a fresh instance", func(t *testing.T) {
		// A second instance on the same stores has a cold cache; the
		// durable log still rejects the redelivery.
		peer := newHarnessOn(t, "b", h.store, h.storage)
		peer.mock.Quote = 50050

		res, err := peer.pipe.Handle(ctx, sig)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, res.Outcome)

		open, err := h.storage.GetOpenPositions(ctx)
		require.NoError(t, err)
		assert.Len(t, open, 1, "exactly one execution across instances")
	})
}

func TestHandleLockHeldByPeer(t *testing.T) {
	h := newHarness(t, "a")
	h.mock.Quote = 50050
	ctx := context.Background()
	sig := baseEntry(time.Now())

	// A peer already holds the per-signal lock.
	peer := coordinator.New(h.store, h.storage, "b", coordinator.Options{})
	require.NoError(t, h.storage.UpsertInstance(ctx, db.InstanceMetadata{InstanceID: "b", Status: db.InstanceActive}))
	require.True(t, peer.AcquireSignalLock(ctx, sig.Fingerprint()))

	res, err := h.pipe.Handle(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedLock, res.Outcome)

	open, err := h.storage.GetOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestHandleWhileRecovering(t *testing.T) {
	store := lease.NewMemoryStore()
	storage := db.NewMemory()
	ctx := context.Background()

	stateMgr := state.New(storage)
	require.NoError(t, stateMgr.SavePortfolioState(ctx, &db.PortfolioState{InitialCapital: 100000}))

	coord := coordinator.New(store, storage, "a", coordinator.Options{})
	mock := broker.NewMockBroker()
	rec := recovery.New(stateMgr, mock, "a", false) // Run never called

	val := validator.New(validator.Config{BaseEntryDivergenceCap: 0.01})
	strategy := executor.NewSimple(mock, time.Second, 5*time.Second)
	pipe := New(signal.NewCache(10*time.Minute), coord, stateMgr, rec, val, mock, strategy)

	res, err := pipe.Handle(ctx, baseEntry(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedRecovery, res.Outcome)
}

func TestHandleStage2Rejection(t *testing.T) {
	h := newHarness(t, "a")
	h.mock.Quote = 50600 // 1.2% above the signal, over the base-entry cap
	ctx := context.Background()

	sig := baseEntry(time.Now())
	sig.Stop = 45000 // wide stop keeps the risk increase moderate

	res, err := h.pipe.Handle(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejectedPrefix+validator.ReasonDivergenceExceeded, res.Outcome)

	open, err := h.storage.GetOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open, "rejected signals must not touch positions")

	seen, err := h.storage.HasSignal(ctx, res.Fingerprint)
	require.NoError(t, err)
	assert.True(t, seen, "rejections are logged too")
}

func TestHandleQuoteRetriesTransientFailure(t *testing.T) {
	h := newHarness(t, "a")
	h.mock.Quote = 50050
	h.mock.QuoteErrs = []error{errors.New("gateway timeout")}
	ctx := context.Background()

	res, err := h.pipe.Handle(ctx, baseEntry(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, res.Outcome, "a single failed quote attempt is retried")
}

func TestHandleQuoteOutageDoesNotConsumeSignal(t *testing.T) {
	h := newHarness(t, "a")
	h.mock.Quote = 50050
	h.mock.QuoteErr = errors.New("exchange unreachable")
	ctx := context.Background()
	sig := baseEntry(time.Now())

	res, err := h.pipe.Handle(ctx, sig)
	require.NoError(t, err)
	require.Equal(t, OutcomeQuoteUnavailable, res.Outcome)

	seen, err := h.storage.HasSignal(ctx, res.Fingerprint)
	require.NoError(t, err)
	assert.False(t, seen, "a transient outage must leave no dedup trace")

	// The outage clears and the source retransmits the same signal.
	h.mock.QuoteErr = nil
	res, err = h.pipe.Handle(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, res.Outcome)

	open, err := h.storage.GetOpenPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1, "the retransmission must open the position")
}

func TestHandleStaleSignal(t *testing.T) {
	h := newHarness(t, "a")
	h.mock.Quote = 50050

	res, err := h.pipe.Handle(context.Background(), baseEntry(time.Now().Add(-70*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejectedPrefix+validator.ReasonStaleSignal, res.Outcome)
}

func TestHandleExitClosesPositions(t *testing.T) {
	h := newHarness(t, "a")
	h.mock.Quote = 50050
	ctx := context.Background()

	res, err := h.pipe.Handle(ctx, baseEntry(time.Now()))
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, res.Outcome)

	h.mock.Quote = 52000
	exit := signal.Signal{
		Instrument: "BTCUSDT",
		Type:       signal.Exit,
		Label:      "long-1",
		Price:      52000,
		Timestamp:  time.Now(),
	}

	res, err = h.pipe.Handle(ctx, exit)
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, res.Outcome)
	assert.Equal(t, 5, res.Execution.FilledLots)

	open, err := h.storage.GetOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open, "exit flattens the instrument")

	ps, err := h.storage.GetPortfolioState(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0, ps.TotalRisk, 0.001)
	assert.InDelta(t, 0, ps.TotalMargin, 0.001)
	assert.InDelta(t, (52000-50050)*5, ps.ClosedEquity, 0.001)

	pyr, err := h.storage.GetPyramidingStates(ctx)
	require.NoError(t, err)
	require.Len(t, pyr, 1)
	assert.Nil(t, pyr[0].BasePositionID, "base reference cleared on close")
}

func TestHandleExitWithNoPosition(t *testing.T) {
	h := newHarness(t, "a")
	h.mock.Quote = 52000

	exit := signal.Signal{
		Instrument: "BTCUSDT",
		Type:       signal.Exit,
		Label:      "long-1",
		Price:      52000,
		Timestamp:  time.Now(),
	}
	res, err := h.pipe.Handle(context.Background(), exit)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoPosition, res.Outcome)
}

func TestHandlePyramidAfterBase(t *testing.T) {
	h := newHarness(t, "a")
	h.mock.Quote = 50050
	ctx := context.Background()

	res, err := h.pipe.Handle(ctx, baseEntry(time.Now()))
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, res.Outcome)

	basePositions, err := h.storage.GetOpenPositions(ctx)
	require.NoError(t, err)
	baseID := basePositions[0].ID

	// Favorable excursion beyond 0.5 ATR, pyramid divergence inside cap.
	h.mock.Quote = 50210
	pyramid := signal.Signal{
		Instrument:    "BTCUSDT",
		Type:          signal.Pyramid,
		Label:         "long-1",
		Price:         50200,
		Stop:          49900,
		ATR:           100,
		Timestamp:     time.Now(),
		SuggestedLots: 3,
	}

	res, err = h.pipe.Handle(ctx, pyramid)
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, res.Outcome)

	open, err := h.storage.GetOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)

	pyr, err := h.storage.GetPyramidingStates(ctx)
	require.NoError(t, err)
	require.Len(t, pyr, 1)
	assert.Equal(t, 50210.0, pyr[0].LastEntryPrice)
	require.NotNil(t, pyr[0].BasePositionID)
	assert.Equal(t, baseID, *pyr[0].BasePositionID, "pyramid keeps the original base reference")
}
