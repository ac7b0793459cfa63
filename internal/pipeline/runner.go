package pipeline

import (
	"context"
	"time"

	"github.com/amirphl/signal-coordinator/internal/coordinator"
	"github.com/amirphl/signal-coordinator/internal/state"
	"github.com/amirphl/signal-coordinator/internal/utils"
)

// RunnerOptions tunes the background loops.
type RunnerOptions struct {
	ElectionPollInterval time.Duration
	LeaderRenewInterval  time.Duration
	HeartbeatInterval    time.Duration
	CleanupInterval      time.Duration
	SignalLogRetention   time.Duration
}

func (o *RunnerOptions) fill() {
	if o.ElectionPollInterval == 0 {
		o.ElectionPollInterval = 5 * time.Second
	}
	if o.LeaderRenewInterval == 0 {
		o.LeaderRenewInterval = 3 * time.Second
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.CleanupInterval == 0 {
		o.CleanupInterval = time.Hour
	}
	if o.SignalLogRetention == 0 {
		o.SignalLogRetention = 30 * 24 * time.Hour
	}
}

// Runner owns the background coordination loops: election polling, lease
// renewal, heartbeats, split-brain checks and leader-only maintenance.
type Runner struct {
	coord *coordinator.Coordinator
	state *state.Manager
	opts  RunnerOptions
}

func NewRunner(coord *coordinator.Coordinator, st *state.Manager, opts RunnerOptions) *Runner {
	opts.fill()
	return &Runner{coord: coord, state: st, opts: opts}
}

// Run blocks until ctx is cancelled. On exit it demotes and removes the
// instance record so peers take over promptly.
func (r *Runner) Run(ctx context.Context) {
	election := time.NewTicker(r.opts.ElectionPollInterval)
	defer election.Stop()
	renew := time.NewTicker(r.opts.LeaderRenewInterval)
	defer renew.Stop()
	heartbeat := time.NewTicker(r.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	cleanup := time.NewTicker(r.opts.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return

		case <-election.C:
			if r.coord.IsLeader() {
				r.checkSplitBrain(ctx)
				continue
			}
			if r.coord.TryBecomeLeader(ctx) {
				utils.GetLogger().Printf("Runner | won election, running leader duties")
			}

		case <-renew.C:
			if r.coord.IsLeader() && !r.coord.RenewLeadership(ctx) {
				utils.GetLogger().Printf("Runner | leadership lost, standing by for next election")
			}

		case <-heartbeat.C:
			if err := r.coord.Heartbeat(ctx); err != nil {
				utils.GetLogger().Printf("Runner | lease heartbeat failed: %v", err)
			}
			if err := r.state.TouchHeartbeat(ctx, r.coord.InstanceID()); err != nil {
				utils.GetLogger().Printf("Runner | durable heartbeat failed: %v", err)
			}

		case <-cleanup.C:
			if !r.coord.IsLeader() {
				continue
			}
			deleted, err := r.state.CleanupSignalLog(ctx, r.opts.SignalLogRetention)
			if err != nil {
				utils.GetLogger().Printf("Runner | signal log cleanup failed: %v", err)
				continue
			}
			if deleted > 0 {
				utils.GetLogger().Printf("Runner | signal log cleanup removed %d entries", deleted)
			}
		}
	}
}

func (r *Runner) checkSplitBrain(ctx context.Context) {
	detected, report, err := r.coord.DetectSplitBrain(ctx)
	if err != nil {
		utils.GetLogger().Printf("Runner | split-brain check failed: %v", err)
		return
	}
	if detected {
		utils.GetLogger().Printf("Runner | split-brain resolved by demotion: %s", report)
	}
}

// shutdown uses a fresh context: the run context is already cancelled.
func (r *Runner) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r.coord.Demote(ctx)
	if err := r.state.RemoveInstance(ctx, r.coord.InstanceID()); err != nil {
		utils.GetLogger().Printf("Runner | failed to remove instance record: %v", err)
	}
	utils.GetLogger().Printf("Runner | instance %s shut down cleanly", r.coord.InstanceID())
}
