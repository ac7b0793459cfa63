// Package state
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/amirphl/signal-coordinator/internal/db"
	"github.com/amirphl/signal-coordinator/internal/signal"
	"github.com/amirphl/signal-coordinator/internal/utils"
)

const (
	connRetryAttempts     = 3
	conflictRetryAttempts = 3
)

// Manager provides cached, versioned access to positions and portfolio
// aggregates on top of the durable store. It is safe for concurrent use.
type Manager struct {
	storage db.Storage

	mu        sync.RWMutex
	positions map[string]db.Position
}

func New(storage db.Storage) *Manager {
	return &Manager{
		storage:   storage,
		positions: make(map[string]db.Position),
	}
}

// withBackoff retries fn for connection-level failures. Version conflicts
// and duplicate signals are definitive and returned immediately.
func (m *Manager) withBackoff(ctx context.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond

	var err error
	for attempt := 1; attempt <= connRetryAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, db.ErrVersionConflict) || errors.Is(err, db.ErrDuplicateSignal) || errors.Is(err, db.ErrNotFound) {
			return err
		}
		if attempt < connRetryAttempts {
			sleep := bo.NextBackOff()
			utils.GetLogger().Printf("State | %s attempt %d/%d failed: %v. Backing off for %v",
				op, attempt, connRetryAttempts, err, sleep)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
		}
	}
	return err
}

// SavePosition performs the versioned upsert and refreshes the cache. The
// trailing-stop ratchet is enforced here: a long position's current stop
// never decreases, a lower incoming stop is clamped to the stored one.
func (m *Manager) SavePosition(ctx context.Context, pos *db.Position) error {
	m.mu.RLock()
	cached, ok := m.positions[pos.ID]
	m.mu.RUnlock()
	if !ok && pos.Version > 0 {
		// Cold cache on an existing row (fresh process): the ratchet must
		// hold against the stored stop, not only what this process saw.
		stored, err := m.fetchPosition(ctx, pos.ID)
		if err != nil {
			return err
		}
		if stored != nil {
			cached, ok = *stored, true
		}
	}
	if ok && pos.CurrentStop < cached.CurrentStop {
		utils.GetLogger().Printf("State | position %s stop %f below ratchet %f, keeping stored stop",
			pos.ID, pos.CurrentStop, cached.CurrentStop)
		pos.CurrentStop = cached.CurrentStop
	}

	err := m.withBackoff(ctx, "SavePosition", func() error {
		return m.storage.SavePosition(ctx, pos)
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.positions[pos.ID] = *pos
	m.mu.Unlock()
	return nil
}

// UpdatePosition runs a read-modify-write cycle, retrying the whole cycle
// a bounded number of times on version conflicts.
func (m *Manager) UpdatePosition(ctx context.Context, id string, mutate func(*db.Position) error) error {
	var lastErr error
	for attempt := 1; attempt <= conflictRetryAttempts; attempt++ {
		pos, err := m.fetchPosition(ctx, id)
		if err != nil {
			return err
		}
		if pos == nil {
			return fmt.Errorf("position %s: %w", id, db.ErrNotFound)
		}

		if err := mutate(pos); err != nil {
			return err
		}

		lastErr = m.SavePosition(ctx, pos)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, db.ErrVersionConflict) {
			return lastErr
		}
		m.invalidate(id)
		utils.GetLogger().Printf("State | position %s version conflict, retrying cycle %d/%d", id, attempt, conflictRetryAttempts)
	}
	return lastErr
}

// GetPosition reads through the in-process cache.
func (m *Manager) GetPosition(ctx context.Context, id string) (*db.Position, error) {
	m.mu.RLock()
	if pos, ok := m.positions[id]; ok {
		m.mu.RUnlock()
		cp := pos
		return &cp, nil
	}
	m.mu.RUnlock()
	return m.fetchPosition(ctx, id)
}

func (m *Manager) fetchPosition(ctx context.Context, id string) (*db.Position, error) {
	var pos *db.Position
	err := m.withBackoff(ctx, "GetPosition", func() error {
		var err error
		pos, err = m.storage.GetPosition(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if pos != nil {
		m.mu.Lock()
		m.positions[pos.ID] = *pos
		m.mu.Unlock()
	}
	return pos, nil
}

// GetAllOpenPositions always reads the store and repopulates the cache;
// recovery depends on this being authoritative.
func (m *Manager) GetAllOpenPositions(ctx context.Context) ([]db.Position, error) {
	var positions []db.Position
	err := m.withBackoff(ctx, "GetAllOpenPositions", func() error {
		var err error
		positions, err = m.storage.GetOpenPositions(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	for _, pos := range positions {
		m.positions[pos.ID] = pos
	}
	m.mu.Unlock()
	return positions, nil
}

func (m *Manager) invalidate(id string) {
	m.mu.Lock()
	delete(m.positions, id)
	m.mu.Unlock()
}

func (m *Manager) SavePortfolioState(ctx context.Context, state *db.PortfolioState) error {
	return m.withBackoff(ctx, "SavePortfolioState", func() error {
		return m.storage.SavePortfolioState(ctx, state)
	})
}

// UpdatePortfolioState runs a read-modify-write cycle on the singleton
// aggregate with bounded conflict retries.
func (m *Manager) UpdatePortfolioState(ctx context.Context, mutate func(*db.PortfolioState) error) error {
	var lastErr error
	for attempt := 1; attempt <= conflictRetryAttempts; attempt++ {
		state, err := m.GetPortfolioState(ctx)
		if err != nil {
			return err
		}
		if state == nil {
			return fmt.Errorf("portfolio state: %w", db.ErrNotFound)
		}

		if err := mutate(state); err != nil {
			return err
		}

		lastErr = m.SavePortfolioState(ctx, state)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, db.ErrVersionConflict) {
			return lastErr
		}
		utils.GetLogger().Printf("State | portfolio version conflict, retrying cycle %d/%d", attempt, conflictRetryAttempts)
	}
	return lastErr
}

func (m *Manager) GetPortfolioState(ctx context.Context) (*db.PortfolioState, error) {
	var state *db.PortfolioState
	err := m.withBackoff(ctx, "GetPortfolioState", func() error {
		var err error
		state, err = m.storage.GetPortfolioState(ctx)
		return err
	})
	return state, err
}

func (m *Manager) SavePyramidingState(ctx context.Context, instrument string, lastPrice float64, basePositionID *string) error {
	return m.withBackoff(ctx, "SavePyramidingState", func() error {
		return m.storage.SavePyramidingState(ctx, db.PyramidingState{
			Instrument:     instrument,
			LastEntryPrice: lastPrice,
			BasePositionID: basePositionID,
		})
	})
}

func (m *Manager) GetPyramidingStates(ctx context.Context) ([]db.PyramidingState, error) {
	var states []db.PyramidingState
	err := m.withBackoff(ctx, "GetPyramidingStates", func() error {
		var err error
		states, err = m.storage.GetPyramidingStates(ctx)
		return err
	})
	return states, err
}

// CheckDuplicateSignal is the durable-store layer of deduplication.
func (m *Manager) CheckDuplicateSignal(ctx context.Context, fingerprint string) (bool, error) {
	var seen bool
	err := m.withBackoff(ctx, "CheckDuplicateSignal", func() error {
		var err error
		seen, err = m.storage.HasSignal(ctx, fingerprint)
		return err
	})
	return seen, err
}

// LogSignal writes the audit/dedup record. A concurrent insert of the
// same fingerprint surfaces db.ErrDuplicateSignal from the store's unique
// constraint.
func (m *Manager) LogSignal(ctx context.Context, sig signal.Signal, fingerprint, instanceID, outcome string) error {
	return m.withBackoff(ctx, "LogSignal", func() error {
		return m.storage.InsertSignalLog(ctx, db.SignalLogEntry{
			Fingerprint: fingerprint,
			Instrument:  sig.Instrument,
			SignalType:  string(sig.Type),
			Label:       sig.Label,
			Price:       sig.Price,
			SignalTime:  sig.Timestamp,
			InstanceID:  instanceID,
			Outcome:     outcome,
		})
	})
}

// CleanupSignalLog removes entries older than the retention window.
// Leader-only maintenance duty.
func (m *Manager) CleanupSignalLog(ctx context.Context, retention time.Duration) (int64, error) {
	var deleted int64
	err := m.withBackoff(ctx, "CleanupSignalLog", func() error {
		var err error
		deleted, err = m.storage.DeleteSignalLogBefore(ctx, time.Now().Add(-retention))
		return err
	})
	return deleted, err
}

// WithTransaction executes fn inside a store transaction. Callers doing
// multi-row sequences that must not be observed half-applied pass
// sql.LevelSerializable.
func (m *Manager) WithTransaction(ctx context.Context, isolation sql.IsolationLevel, fn func(ctx context.Context) error) error {
	return m.storage.WithTx(ctx, isolation, fn)
}

// RegisterInstance publishes this instance's metadata row.
func (m *Manager) RegisterInstance(ctx context.Context, meta db.InstanceMetadata) error {
	return m.withBackoff(ctx, "RegisterInstance", func() error {
		return m.storage.UpsertInstance(ctx, meta)
	})
}

// PublishStatus moves the instance through its lifecycle.
func (m *Manager) PublishStatus(ctx context.Context, instanceID, status string) error {
	return m.withBackoff(ctx, "PublishStatus", func() error {
		return m.storage.UpdateInstanceStatus(ctx, instanceID, status)
	})
}

func (m *Manager) TouchHeartbeat(ctx context.Context, instanceID string) error {
	return m.withBackoff(ctx, "TouchHeartbeat", func() error {
		return m.storage.TouchInstanceHeartbeat(ctx, instanceID, time.Now())
	})
}

func (m *Manager) RemoveInstance(ctx context.Context, instanceID string) error {
	return m.withBackoff(ctx, "RemoveInstance", func() error {
		return m.storage.DeleteInstance(ctx, instanceID)
	})
}
