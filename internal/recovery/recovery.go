// Package recovery
package recovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/amirphl/signal-coordinator/internal/broker"
	"github.com/amirphl/signal-coordinator/internal/db"
	"github.com/amirphl/signal-coordinator/internal/state"
	"github.com/amirphl/signal-coordinator/internal/utils"
)

// Epsilon is the financial tolerance for aggregate reconciliation, in
// currency units.
const Epsilon = 0.01

// Halting failure classes. Both cause a non-zero process exit: this
// system prefers a visible crash to silently wrong risk accounting.
var (
	ErrValidationFailed = errors.New("recovery validation failed")
	ErrDataCorrupt      = errors.New("recovery data corrupt")
)

// Snapshot is the reconstructed in-memory state handed to the signal
// pipeline after a successful recovery.
type Snapshot struct {
	Positions  []db.Position
	Portfolio  *db.PortfolioState
	Pyramiding map[string]db.PyramidingState
	// RunningPnL per instrument, realized plus unrealized over open
	// positions; stage-1 condition validation reads it.
	RunningPnL map[string]float64
	// StaleLocks lists signal-lock fingerprints held by instances with no
	// live heartbeat. They are never reclaimed here; the lease TTL does
	// that.
	StaleLocks []string
	// Degraded is set when the store was unreachable and recovery
	// continued with empty state.
	Degraded bool
}

// PeerView reports which peers are alive and which signal locks are held.
// The coordinator implements it.
type PeerView interface {
	GetAliveInstances(ctx context.Context) ([]string, error)
	ListSignalLocks(ctx context.Context) (map[string]string, error)
}

// ReconcileResult classifies recovered positions against the broker's
// live list.
type ReconcileResult struct {
	Matched    []string
	Orphaned   []string // in store, not at broker: critical, never auto-deleted
	Missing    []string // at broker, not in store: critical
	Mismatched []string // quantity differs
}

// Manager runs the startup state machine: recovering -> active | crashed.
type Manager struct {
	// Peers is optional; when set, recovery reports locks held by dead
	// instances.
	Peers PeerView

	state      *state.Manager
	broker     broker.Broker // nil disables reconciliation
	instanceID string
	reconcile  bool

	mu     sync.Mutex
	status string
}

func New(st *state.Manager, b broker.Broker, instanceID string, reconcile bool) *Manager {
	return &Manager{
		state:      st,
		broker:     b,
		instanceID: instanceID,
		reconcile:  reconcile,
		status:     db.InstanceRecovering,
	}
}

// Status reports the current lifecycle status.
func (m *Manager) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsActive gates the signal pipeline: signals are only processed once
// recovery has completed.
func (m *Manager) IsActive() bool {
	return m.Status() == db.InstanceActive
}

func (m *Manager) setStatus(ctx context.Context, status string) {
	m.mu.Lock()
	m.status = status
	m.mu.Unlock()
	if err := m.state.PublishStatus(ctx, m.instanceID, status); err != nil {
		utils.GetLogger().Printf("Recovery | failed to publish status %s for %s: %v", status, m.instanceID, err)
	}
}

// Run executes the recovery sequence. It is called once at process start
// and may be called again on demand; each run starts from recovering.
func (m *Manager) Run(ctx context.Context) (*Snapshot, error) {
	// Publish recovering first so peers exclude this instance from
	// leadership while state is being rebuilt.
	if err := m.state.RegisterInstance(ctx, db.InstanceMetadata{
		InstanceID:    m.instanceID,
		StartedAt:     time.Now(),
		LastHeartbeat: time.Now(),
		Status:        db.InstanceRecovering,
	}); err != nil {
		utils.GetLogger().Printf("Recovery | CRITICAL: cannot register instance %s: %v", m.instanceID, err)
	}
	m.mu.Lock()
	m.status = db.InstanceRecovering
	m.mu.Unlock()

	snapshot, err := m.load(ctx)
	if err != nil {
		// Dependency unavailable: availability is favored over
		// consistency, but this risks under-tracking live broker
		// positions and is flagged accordingly.
		utils.GetLogger().Printf("Recovery | CRITICAL: durable store unreachable (%v), continuing with empty state", err)
		snapshot = &Snapshot{
			Pyramiding: make(map[string]db.PyramidingState),
			RunningPnL: make(map[string]float64),
			Degraded:   true,
		}
		m.setStatus(ctx, db.InstanceActive)
		return snapshot, nil
	}

	if err := m.validate(snapshot); err != nil {
		m.setStatus(ctx, db.InstanceCrashed)
		return nil, err
	}

	if m.reconcile && m.broker != nil {
		result, err := m.reconcileBroker(ctx, snapshot)
		if err != nil {
			utils.GetLogger().Printf("Recovery | broker reconciliation unavailable: %v", err)
		} else {
			m.logReconciliation(result)
		}
	}

	if m.Peers != nil {
		stale, err := m.observePeerLocks(ctx)
		if err != nil {
			utils.GetLogger().Printf("Recovery | peer lock observation unavailable: %v", err)
		} else {
			snapshot.StaleLocks = stale
		}
	}

	m.setStatus(ctx, db.InstanceActive)
	utils.GetLogger().Printf("Recovery | instance %s active: %d open positions recovered", m.instanceID, len(snapshot.Positions))
	return snapshot, nil
}

func (m *Manager) load(ctx context.Context) (*Snapshot, error) {
	positions, err := m.state.GetAllOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading open positions: %w", err)
	}

	portfolio, err := m.state.GetPortfolioState(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading portfolio state: %w", err)
	}

	pyramiding, err := m.state.GetPyramidingStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading pyramiding state: %w", err)
	}

	snapshot := &Snapshot{
		Positions:  positions,
		Portfolio:  portfolio,
		Pyramiding: make(map[string]db.PyramidingState, len(pyramiding)),
		RunningPnL: make(map[string]float64),
	}
	for _, ps := range pyramiding {
		snapshot.Pyramiding[ps.Instrument] = ps
	}
	for _, pos := range positions {
		snapshot.RunningPnL[pos.Instrument] += pos.RealizedPnL + pos.UnrealizedPnL
	}
	return snapshot, nil
}

// validate checks structural integrity of every record and reconciles
// per-position risk and margin sums against the stored aggregate.
func (m *Manager) validate(snapshot *Snapshot) error {
	var riskSum, marginSum float64
	for _, pos := range snapshot.Positions {
		if err := pos.Validate(); err != nil {
			utils.GetLogger().Printf("Recovery | CRITICAL: corrupt position record: %v", err)
			return fmt.Errorf("position %s: %v: %w", pos.ID, err, ErrDataCorrupt)
		}
		riskSum += pos.RiskContribution()
		marginSum += pos.MarginContribution()
	}

	if snapshot.Portfolio == nil {
		if len(snapshot.Positions) > 0 {
			utils.GetLogger().Printf("Recovery | CRITICAL: %d open positions but no portfolio aggregate", len(snapshot.Positions))
			return fmt.Errorf("open positions without portfolio aggregate: %w", ErrDataCorrupt)
		}
		return nil
	}

	if err := snapshot.Portfolio.Validate(); err != nil {
		utils.GetLogger().Printf("Recovery | CRITICAL: corrupt portfolio aggregate: %v", err)
		return fmt.Errorf("portfolio aggregate: %v: %w", err, ErrDataCorrupt)
	}

	if diff := math.Abs(riskSum - snapshot.Portfolio.TotalRisk); diff > Epsilon {
		utils.GetLogger().Printf("Recovery | CRITICAL: risk sum %.4f vs aggregate %.4f (diff %.4f > %.2f)",
			riskSum, snapshot.Portfolio.TotalRisk, diff, Epsilon)
		return fmt.Errorf("risk sum %.4f vs aggregate %.4f: %w", riskSum, snapshot.Portfolio.TotalRisk, ErrValidationFailed)
	}
	if diff := math.Abs(marginSum - snapshot.Portfolio.TotalMargin); diff > Epsilon {
		utils.GetLogger().Printf("Recovery | CRITICAL: margin sum %.4f vs aggregate %.4f (diff %.4f > %.2f)",
			marginSum, snapshot.Portfolio.TotalMargin, diff, Epsilon)
		return fmt.Errorf("margin sum %.4f vs aggregate %.4f: %w", marginSum, snapshot.Portfolio.TotalMargin, ErrValidationFailed)
	}

	return nil
}

// observePeerLocks reports signal locks whose holder has no live
// heartbeat. Dead-peer locks are left to expire by TTL, never stolen.
func (m *Manager) observePeerLocks(ctx context.Context) ([]string, error) {
	alive, err := m.Peers.GetAliveInstances(ctx)
	if err != nil {
		return nil, err
	}
	locks, err := m.Peers.ListSignalLocks(ctx)
	if err != nil {
		return nil, err
	}

	live := make(map[string]bool, len(alive))
	for _, id := range alive {
		live[id] = true
	}

	var stale []string
	for fingerprint, holder := range locks {
		if !live[holder] {
			utils.GetLogger().Printf("Recovery | signal lock %s held by dead instance %s, leaving it to expire", fingerprint, holder)
			stale = append(stale, fingerprint)
		}
	}
	return stale, nil
}

// reconcileBroker classifies each instrument against the broker's live
// position list. Discrepancies are logged, never auto-repaired.
func (m *Manager) reconcileBroker(ctx context.Context, snapshot *Snapshot) (ReconcileResult, error) {
	var result ReconcileResult

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	brokerPositions, err := m.broker.GetPositions(ctx)
	if err != nil {
		return result, fmt.Errorf("fetching broker positions: %w", err)
	}

	brokerLots := make(map[string]int, len(brokerPositions))
	for _, bp := range brokerPositions {
		brokerLots[bp.Instrument] += bp.Lots
	}

	storeLots := make(map[string]int)
	for _, pos := range snapshot.Positions {
		storeLots[pos.Instrument] += pos.Lots
	}

	for instrument, lots := range storeLots {
		atBroker, ok := brokerLots[instrument]
		switch {
		case !ok:
			result.Orphaned = append(result.Orphaned, instrument)
		case atBroker != lots:
			result.Mismatched = append(result.Mismatched, instrument)
		default:
			result.Matched = append(result.Matched, instrument)
		}
	}
	for instrument := range brokerLots {
		if _, ok := storeLots[instrument]; !ok {
			result.Missing = append(result.Missing, instrument)
		}
	}

	return result, nil
}

func (m *Manager) logReconciliation(result ReconcileResult) {
	for _, instrument := range result.Orphaned {
		utils.GetLogger().Printf("Recovery | CRITICAL: position for %s in store but not at broker (orphaned, not auto-deleted)", instrument)
	}
	for _, instrument := range result.Missing {
		utils.GetLogger().Printf("Recovery | CRITICAL: position for %s at broker but not in store (untracked)", instrument)
	}
	for _, instrument := range result.Mismatched {
		utils.GetLogger().Printf("Recovery | CRITICAL: quantity mismatch for %s between store and broker", instrument)
	}
	utils.GetLogger().Printf("Recovery | reconciliation: %d matched, %d orphaned, %d missing, %d mismatched",
		len(result.Matched), len(result.Orphaned), len(result.Missing), len(result.Mismatched))
}
