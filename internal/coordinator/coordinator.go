// Package coordinator
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/amirphl/signal-coordinator/internal/db"
	"github.com/amirphl/signal-coordinator/internal/lease"
	"github.com/amirphl/signal-coordinator/internal/utils"
)

const (
	leaderKey       = "coord:leader"
	heartbeatPrefix = "coord:heartbeat:"
	lockPrefix      = "coord:lock:"
)

var fallbackTransitions = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "coordinator_fallback_transitions_total",
	Help: "Times the coordinator entered degraded fallback mode",
})

func init() {
	prometheus.MustRegister(fallbackTransitions)
}

// Options tunes coordination timing. Zero values fall back to the
// defaults below.
type Options struct {
	LeaderTTL     time.Duration
	HeartbeatTTL  time.Duration
	SignalLockTTL time.Duration
	RetryAttempts int
	RetryBase     time.Duration
}

func (o *Options) fill() {
	if o.LeaderTTL == 0 {
		o.LeaderTTL = 10 * time.Second
	}
	if o.HeartbeatTTL == 0 {
		o.HeartbeatTTL = 15 * time.Second
	}
	if o.SignalLockTTL == 0 {
		o.SignalLockTTL = 30 * time.Second
	}
	if o.RetryAttempts == 0 {
		o.RetryAttempts = 3
	}
	if o.RetryBase == 0 {
		o.RetryBase = 100 * time.Millisecond
	}
}

// Coordinator provides leader election, per-signal locks, liveness
// heartbeats and split-brain detection over the lease store. Leadership
// state is per Coordinator value, never package-global, so tests can run
// several simulated instances in one process.
type Coordinator struct {
	store      lease.Store
	storage    db.Storage
	instanceID string
	opts       Options

	mu       sync.Mutex
	isLeader bool
	fallback bool
}

func New(store lease.Store, storage db.Storage, instanceID string, opts Options) *Coordinator {
	opts.fill()
	return &Coordinator{
		store:      store,
		storage:    storage,
		instanceID: instanceID,
		opts:       opts,
	}
}

func (c *Coordinator) InstanceID() string { return c.instanceID }

// IsLeader reports the local leadership flag. Background maintenance runs
// only while this returns true.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLeader
}

// InFallback reports whether the coordinator is running degraded with an
// unreachable lease store.
func (c *Coordinator) InFallback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fallback
}

// withRetries retries fn for transient lease-store failures only.
// Ownership results are definitive and pass straight through. Exhausting
// the budget flips the coordinator into fallback mode.
func (c *Coordinator) withRetries(ctx context.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.RetryBase

	var err error
	for attempt := 1; attempt <= c.opts.RetryAttempts; attempt++ {
		err = fn()
		if err == nil {
			c.clearFallback()
			return nil
		}
		if !errors.Is(err, lease.ErrUnavailable) {
			return err
		}
		if attempt < c.opts.RetryAttempts {
			sleep := bo.NextBackOff()
			utils.GetLogger().Printf("Coordinator | %s attempt %d/%d failed: %v. Backing off for %v",
				op, attempt, c.opts.RetryAttempts, err, sleep)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
		}
	}

	c.enterFallback(op, err)
	return err
}

func (c *Coordinator) enterFallback(op string, err error) {
	c.mu.Lock()
	already := c.fallback
	c.fallback = true
	c.isLeader = false
	c.mu.Unlock()
	if !already {
		fallbackTransitions.Inc()
		utils.GetLogger().Printf("Coordinator | CRITICAL: lease store unreachable (%s: %v), entering fallback mode: signal locks granted unconditionally, leadership suspended", op, err)
	}
}

func (c *Coordinator) clearFallback() {
	c.mu.Lock()
	was := c.fallback
	c.fallback = false
	c.mu.Unlock()
	if was {
		utils.GetLogger().Printf("Coordinator | lease store reachable again, leaving fallback mode")
	}
}

// TryBecomeLeader atomically creates the leader lease if absent. On
// success the local flag is set and the durable leader record updated.
func (c *Coordinator) TryBecomeLeader(ctx context.Context) bool {
	var won bool
	err := c.withRetries(ctx, "TryBecomeLeader", func() error {
		var err error
		won, err = c.store.SetIfAbsent(ctx, leaderKey, c.instanceID, c.opts.LeaderTTL)
		return err
	})
	if err != nil || !won {
		return false
	}

	c.mu.Lock()
	c.isLeader = true
	c.mu.Unlock()

	if err := c.storage.SetInstanceLeader(ctx, c.instanceID, true); err != nil {
		utils.GetLogger().Printf("Coordinator | failed to record leadership for %s: %v", c.instanceID, err)
	}
	utils.GetLogger().Printf("Coordinator | instance %s became leader", c.instanceID)
	return true
}

// RenewLeadership extends the lease only while this instance still owns
// it. Losing ownership clears the local flag immediately.
func (c *Coordinator) RenewLeadership(ctx context.Context) bool {
	if !c.IsLeader() {
		return false
	}

	var renewed bool
	err := c.withRetries(ctx, "RenewLeadership", func() error {
		var err error
		renewed, err = c.store.ExtendIfOwner(ctx, leaderKey, c.instanceID, c.opts.LeaderTTL)
		return err
	})
	if err != nil || !renewed {
		c.mu.Lock()
		c.isLeader = false
		c.mu.Unlock()
		if err == nil {
			utils.GetLogger().Printf("Coordinator | instance %s lost leadership on renewal", c.instanceID)
			if dbErr := c.storage.SetInstanceLeader(ctx, c.instanceID, false); dbErr != nil {
				utils.GetLogger().Printf("Coordinator | failed to clear leadership record for %s: %v", c.instanceID, dbErr)
			}
		}
		return false
	}
	return true
}

// Heartbeat refreshes this instance's liveness key. Independent of
// leadership; peers use its absence to detect a dead instance.
func (c *Coordinator) Heartbeat(ctx context.Context) error {
	key := heartbeatPrefix + c.instanceID
	return c.withRetries(ctx, "Heartbeat", func() error {
		ok, err := c.store.ExtendIfOwner(ctx, key, c.instanceID, c.opts.HeartbeatTTL)
		if err != nil {
			return err
		}
		if !ok {
			// Key expired or never existed; recreate it.
			_, err = c.store.SetIfAbsent(ctx, key, c.instanceID, c.opts.HeartbeatTTL)
			return err
		}
		return nil
	})
}

// AcquireSignalLock takes the distributed per-signal lock. In fallback
// mode locks are granted unconditionally under the single-instance
// assumption; the durable log's unique constraint remains the backstop.
func (c *Coordinator) AcquireSignalLock(ctx context.Context, fingerprint string) bool {
	if c.InFallback() {
		if c.probeFallback(ctx) {
			return c.AcquireSignalLock(ctx, fingerprint)
		}
		utils.GetLogger().Printf("Coordinator | fallback mode: granting signal lock %s unconditionally", shortFP(fingerprint))
		return true
	}

	var acquired bool
	err := c.withRetries(ctx, "AcquireSignalLock", func() error {
		var err error
		acquired, err = c.store.SetIfAbsent(ctx, lockPrefix+fingerprint, c.instanceID, c.opts.SignalLockTTL)
		return err
	})
	if err != nil {
		// Retry budget exhausted: fallback mode was just entered.
		return true
	}
	return acquired
}

// ReleaseSignalLock releases the lock only if this instance owns it.
func (c *Coordinator) ReleaseSignalLock(ctx context.Context, fingerprint string) bool {
	if c.InFallback() {
		return true
	}

	var released bool
	err := c.withRetries(ctx, "ReleaseSignalLock", func() error {
		var err error
		released, err = c.store.DeleteIfOwner(ctx, lockPrefix+fingerprint, c.instanceID)
		return err
	})
	if err != nil {
		return false
	}
	if !released {
		utils.GetLogger().Printf("Coordinator | signal lock %s not owned by %s on release", shortFP(fingerprint), c.instanceID)
	}
	return released
}

// probeFallback tests whether the lease store recovered. A successful
// call clears fallback mode via withRetries.
func (c *Coordinator) probeFallback(ctx context.Context) bool {
	_, _, err := c.store.Get(ctx, leaderKey)
	if err != nil {
		return false
	}
	c.clearFallback()
	return true
}

// SplitBrainReport carries the concrete inputs of a split-brain decision.
type SplitBrainReport struct {
	LeaseLeader   string
	DurableLeader string
	Demoted       bool
}

func (r SplitBrainReport) String() string {
	return fmt.Sprintf("lease leader %q, durable leader %q, demoted=%v", r.LeaseLeader, r.DurableLeader, r.Demoted)
}

// DetectSplitBrain compares the lease store's current leader with the
// durable store's last-recorded leader. On mismatch every claimant
// self-demotes; the next election round settles ownership cleanly.
func (c *Coordinator) DetectSplitBrain(ctx context.Context) (bool, SplitBrainReport, error) {
	var report SplitBrainReport

	var leaseLeader string
	err := c.withRetries(ctx, "DetectSplitBrain", func() error {
		v, _, err := c.store.Get(ctx, leaderKey)
		leaseLeader = v
		return err
	})
	if err != nil {
		return false, report, fmt.Errorf("reading lease leader: %w", err)
	}
	report.LeaseLeader = leaseLeader

	durable, err := c.storage.GetLeaderInstance(ctx)
	if err != nil {
		return false, report, fmt.Errorf("reading durable leader: %w", err)
	}
	if durable != nil {
		report.DurableLeader = durable.InstanceID
	}

	if report.DurableLeader == "" || report.LeaseLeader == "" || report.DurableLeader == report.LeaseLeader {
		return false, report, nil
	}

	// Two claimants. If this instance is either of them, demote self.
	if c.instanceID == report.LeaseLeader || c.instanceID == report.DurableLeader {
		c.Demote(ctx)
		report.Demoted = true
	}
	utils.GetLogger().Printf("Coordinator | CRITICAL: split brain detected: %s", report)
	return true, report, nil
}

// Demote clears the local leadership flag, releases the lease if held and
// clears the durable leader record.
func (c *Coordinator) Demote(ctx context.Context) {
	c.mu.Lock()
	c.isLeader = false
	c.mu.Unlock()

	if _, err := c.store.DeleteIfOwner(ctx, leaderKey, c.instanceID); err != nil {
		utils.GetLogger().Printf("Coordinator | failed to release leader lease on demotion: %v", err)
	}
	if err := c.storage.SetInstanceLeader(ctx, c.instanceID, false); err != nil {
		utils.GetLogger().Printf("Coordinator | failed to clear durable leader record on demotion: %v", err)
	}
}

// GetAliveInstances scans liveness keys. Recovery uses it to distinguish
// locks held by dead peers (safe to let expire) from live ones.
func (c *Coordinator) GetAliveInstances(ctx context.Context) ([]string, error) {
	var alive []string
	err := c.withRetries(ctx, "GetAliveInstances", func() error {
		entries, err := c.store.ScanPrefix(ctx, heartbeatPrefix)
		if err != nil {
			return err
		}
		alive = alive[:0]
		for key := range entries {
			alive = append(alive, strings.TrimPrefix(key, heartbeatPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return alive, nil
}

// ListSignalLocks scans the per-signal lock keys and reports fingerprint
// to holding instance.
func (c *Coordinator) ListSignalLocks(ctx context.Context) (map[string]string, error) {
	var locks map[string]string
	err := c.withRetries(ctx, "ListSignalLocks", func() error {
		entries, err := c.store.ScanPrefix(ctx, lockPrefix)
		if err != nil {
			return err
		}
		locks = make(map[string]string, len(entries))
		for key, holder := range entries {
			locks[strings.TrimPrefix(key, lockPrefix)] = holder
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return locks, nil
}

func shortFP(fingerprint string) string {
	if len(fingerprint) > 12 {
		return fingerprint[:12]
	}
	return fingerprint
}
