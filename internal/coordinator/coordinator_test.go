package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/signal-coordinator/internal/db"
	"github.com/amirphl/signal-coordinator/internal/lease"
)

func fastOpts() Options {
	return Options{
		LeaderTTL:     10 * time.Second,
		HeartbeatTTL:  15 * time.Second,
		SignalLockTTL: 30 * time.Second,
		RetryAttempts: 2,
		RetryBase:     time.Millisecond,
	}
}

func registered(t *testing.T, storage *db.MemoryStorage, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, storage.UpsertInstance(context.Background(), db.InstanceMetadata{
			InstanceID: id,
			StartedAt:  time.Now(),
			Status:     db.InstanceActive,
		}))
	}
}

func TestSignalLockAtMostOne(t *testing.T) {
	store := lease.NewMemoryStore()
	storage := db.NewMemory()
	ctx := context.Background()

	const instances = 8
	ids := make([]string, instances)
	coords := make([]*Coordinator, instances)
	for i := range coords {
		ids[i] = string(rune('a' + i))
		coords[i] = New(store, storage, ids[i], fastOpts())
	}
	registered(t, storage, ids...)

	const fp = "abcdef0123456789"
	var wg sync.WaitGroup
	granted := make(chan string, instances)
	for _, c := range coords {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			if c.AcquireSignalLock(ctx, fp) {
				granted <- c.InstanceID()
			}
		}(c)
	}
	wg.Wait()
	close(granted)

	var winners []string
	for id := range granted {
		winners = append(winners, id)
	}
	require.Len(t, winners, 1, "exactly one instance must win the signal lock")
}

func TestSignalLockReleaseOwnership(t *testing.T) {
	store := lease.NewMemoryStore()
	storage := db.NewMemory()
	ctx := context.Background()

	a := New(store, storage, "a", fastOpts())
	b := New(store, storage, "b", fastOpts())
	registered(t, storage, "a", "b")

	const fp = "lock-ownership"
	require.True(t, a.AcquireSignalLock(ctx, fp))
	assert.False(t, b.AcquireSignalLock(ctx, fp))

	// Only the owner can release.
	assert.False(t, b.ReleaseSignalLock(ctx, fp))
	assert.True(t, a.ReleaseSignalLock(ctx, fp))
	assert.True(t, b.AcquireSignalLock(ctx, fp))
}

func TestLeaderElectionSingleWinner(t *testing.T) {
	store := lease.NewMemoryStore()
	storage := db.NewMemory()
	ctx := context.Background()

	a := New(store, storage, "a", fastOpts())
	b := New(store, storage, "b", fastOpts())
	registered(t, storage, "a", "b")

	require.True(t, a.TryBecomeLeader(ctx))
	assert.False(t, b.TryBecomeLeader(ctx))
	assert.True(t, a.IsLeader())
	assert.False(t, b.IsLeader())

	leader, err := storage.GetLeaderInstance(ctx)
	require.NoError(t, err)
	require.NotNil(t, leader)
	assert.Equal(t, "a", leader.InstanceID)
}

func TestLeaderLeaseExpiryLiveness(t *testing.T) {
	store := lease.NewMemoryStore()
	storage := db.NewMemory()
	ctx := context.Background()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	opts := fastOpts()
	a := New(store, storage, "a", opts)
	b := New(store, storage, "b", opts)
	registered(t, storage, "a", "b")

	require.True(t, a.TryBecomeLeader(ctx))
	assert.False(t, b.TryBecomeLeader(ctx))

	// Leader a stops renewing; once the TTL passes, b wins the next poll.
	now = now.Add(opts.LeaderTTL + time.Second)
	require.True(t, b.TryBecomeLeader(ctx))
	assert.True(t, b.IsLeader())

	// a's renewal now fails and clears its local flag.
	assert.False(t, a.RenewLeadership(ctx))
	assert.False(t, a.IsLeader())
}

func TestRenewalKeepsLeadership(t *testing.T) {
	store := lease.NewMemoryStore()
	storage := db.NewMemory()
	ctx := context.Background()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	opts := fastOpts()
	a := New(store, storage, "a", opts)
	b := New(store, storage, "b", opts)
	registered(t, storage, "a", "b")

	require.True(t, a.TryBecomeLeader(ctx))
	for range 5 {
		now = now.Add(opts.LeaderTTL / 2)
		require.True(t, a.RenewLeadership(ctx))
		assert.False(t, b.TryBecomeLeader(ctx))
	}
}

func TestFallbackMode(t *testing.T) {
	store := lease.NewMemoryStore()
	storage := db.NewMemory()
	ctx := context.Background()

	c := New(store, storage, "a", fastOpts())
	registered(t, storage, "a")

	store.Fail = true
	assert.True(t, c.AcquireSignalLock(ctx, "fp-1"), "fallback grants locks unconditionally")
	assert.True(t, c.InFallback())
	assert.False(t, c.IsLeader(), "leadership is suspended in fallback")
	assert.False(t, c.TryBecomeLeader(ctx))

	// Store recovers; the next acquisition probes, clears fallback and
	// goes through the real lock again.
	store.Fail = false
	assert.True(t, c.AcquireSignalLock(ctx, "fp-2"))
	assert.False(t, c.InFallback())

	other := New(store, storage, "b", fastOpts())
	registered(t, storage, "b")
	assert.False(t, other.AcquireSignalLock(ctx, "fp-2"), "real locking resumed after fallback cleared")
}

func TestDetectSplitBrain(t *testing.T) {
	store := lease.NewMemoryStore()
	storage := db.NewMemory()
	ctx := context.Background()

	a := New(store, storage, "a", fastOpts())
	b := New(store, storage, "b", fastOpts())
	registered(t, storage, "a", "b")

	require.True(t, a.TryBecomeLeader(ctx))
	require.False(t, b.TryBecomeLeader(ctx), "lease already held by a")

	t.Run("agreement is not split brain", func(t *testing.T) {
		detected, report, err := a.DetectSplitBrain(ctx)
		require.NoError(t, err)
		assert.False(t, detected)
		assert.Equal(t, "a", report.LeaseLeader)
		assert.Equal(t, "a", report.DurableLeader)
	})

	t.Run("claimant self-demotes on mismatch", func(t *testing.T) {
		// Simulate a stale durable record pointing at b while the lease
		// names a.
		require.NoError(t, storage.SetInstanceLeader(ctx, "b", true))

		detected, report, err := a.DetectSplitBrain(ctx)
		require.NoError(t, err)
		assert.True(t, detected)
		assert.True(t, report.Demoted)
		assert.False(t, a.IsLeader())

		// a released the lease on demotion; the next election settles it.
		_, held, getErr := store.Get(ctx, "coord:leader")
		require.NoError(t, getErr)
		assert.False(t, held)
	})

	t.Run("bystander does not demote", func(t *testing.T) {
		c := New(store, storage, "c", fastOpts())
		registered(t, storage, "c")
		require.True(t, a.TryBecomeLeader(ctx))
		require.NoError(t, storage.SetInstanceLeader(ctx, "b", true))

		detected, report, err := c.DetectSplitBrain(ctx)
		require.NoError(t, err)
		assert.True(t, detected)
		assert.False(t, report.Demoted)
		assert.True(t, a.IsLeader(), "bystander check must not demote the lease holder")
	})
}

func TestHeartbeatAndAliveInstances(t *testing.T) {
	store := lease.NewMemoryStore()
	storage := db.NewMemory()
	ctx := context.Background()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	opts := fastOpts()
	a := New(store, storage, "a", opts)
	b := New(store, storage, "b", opts)
	registered(t, storage, "a", "b")

	require.NoError(t, a.Heartbeat(ctx))
	require.NoError(t, b.Heartbeat(ctx))

	alive, err := a.GetAliveInstances(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, alive)

	// b stops heartbeating and its key expires.
	now = now.Add(opts.HeartbeatTTL / 2)
	require.NoError(t, a.Heartbeat(ctx))
	now = now.Add(opts.HeartbeatTTL/2 + time.Second)

	alive, err = a.GetAliveInstances(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a"}, alive)
}
