package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStorage is the in-process Storage used by tests. Transactions are
// not simulated; each call is individually atomic under the mutex.
type MemoryStorage struct {
	mu sync.RWMutex

	positions  map[string]Position
	portfolio  *PortfolioState
	pyramiding map[string]PyramidingState
	signalLog  map[string]SignalLogEntry
	instances  map[string]InstanceMetadata

	// FailNext makes the next call of any kind return the given error,
	// letting tests exercise connection-retry paths.
	FailNext error
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		positions:  make(map[string]Position),
		pyramiding: make(map[string]PyramidingState),
		signalLog:  make(map[string]SignalLogEntry),
		instances:  make(map[string]InstanceMetadata),
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

func (m *MemoryStorage) failNext() error {
	if err := m.FailNext; err != nil {
		m.FailNext = nil
		return err
	}
	return nil
}

func (m *MemoryStorage) SavePosition(ctx context.Context, pos *Position) error {
	if err := pos.Validate(); err != nil {
		return fmt.Errorf("invalid position %s: %w", pos.ID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}

	now := time.Now()
	stored, exists := m.positions[pos.ID]
	if pos.Version == 0 {
		if exists {
			return fmt.Errorf("position %s already exists: %w", pos.ID, ErrVersionConflict)
		}
		pos.Version = 1
		pos.CreatedAt = now
		pos.UpdatedAt = now
		m.positions[pos.ID] = *pos
		return nil
	}

	if !exists || stored.Version != pos.Version {
		return fmt.Errorf("position %s at version %d: %w", pos.ID, pos.Version, ErrVersionConflict)
	}
	pos.Version++
	pos.UpdatedAt = now
	pos.CreatedAt = stored.CreatedAt
	m.positions[pos.ID] = *pos
	return nil
}

func (m *MemoryStorage) GetPosition(ctx context.Context, id string) (*Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if pos, ok := m.positions[id]; ok {
		cp := pos
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStorage) GetOpenPositions(ctx context.Context) ([]Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Position
	for _, pos := range m.positions {
		if pos.Status == PositionOpen || pos.Status == PositionPartial {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out, nil
}

func (m *MemoryStorage) SavePortfolioState(ctx context.Context, state *PortfolioState) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("invalid portfolio state: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}

	now := time.Now()
	if state.Version == 0 {
		if m.portfolio != nil {
			return fmt.Errorf("portfolio state already exists: %w", ErrVersionConflict)
		}
		state.Version = 1
		state.UpdatedAt = now
		cp := *state
		m.portfolio = &cp
		return nil
	}

	if m.portfolio == nil || m.portfolio.Version != state.Version {
		return fmt.Errorf("portfolio state at version %d: %w", state.Version, ErrVersionConflict)
	}
	state.Version++
	state.UpdatedAt = now
	cp := *state
	m.portfolio = &cp
	return nil
}

func (m *MemoryStorage) GetPortfolioState(ctx context.Context) (*PortfolioState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.portfolio == nil {
		return nil, nil
	}
	cp := *m.portfolio
	return &cp, nil
}

func (m *MemoryStorage) SavePyramidingState(ctx context.Context, ps PyramidingState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	ps.UpdatedAt = time.Now()
	m.pyramiding[ps.Instrument] = ps
	return nil
}

func (m *MemoryStorage) GetPyramidingStates(ctx context.Context) ([]PyramidingState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []PyramidingState
	for _, ps := range m.pyramiding {
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}

func (m *MemoryStorage) HasSignal(ctx context.Context, fingerprint string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.signalLog[fingerprint]
	return ok, nil
}

func (m *MemoryStorage) InsertSignalLog(ctx context.Context, entry SignalLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	if stored, ok := m.signalLog[entry.Fingerprint]; ok {
		stored.IsDuplicate = true
		m.signalLog[entry.Fingerprint] = stored
		return fmt.Errorf("signal %s: %w", entry.Fingerprint, ErrDuplicateSignal)
	}
	entry.CreatedAt = time.Now()
	m.signalLog[entry.Fingerprint] = entry
	return nil
}

func (m *MemoryStorage) DeleteSignalLogBefore(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for fp, entry := range m.signalLog {
		if entry.CreatedAt.Before(before) {
			delete(m.signalLog, fp)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStorage) UpsertInstance(ctx context.Context, meta InstanceMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	m.instances[meta.InstanceID] = meta
	return nil
}

func (m *MemoryStorage) UpdateInstanceStatus(ctx context.Context, instanceID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.instances[instanceID]
	if !ok {
		return fmt.Errorf("instance %s: %w", instanceID, ErrNotFound)
	}
	meta.Status = status
	m.instances[instanceID] = meta
	return nil
}

func (m *MemoryStorage) SetInstanceLeader(ctx context.Context, instanceID string, isLeader bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if isLeader {
		for id, meta := range m.instances {
			if id != instanceID && meta.IsLeader {
				meta.IsLeader = false
				m.instances[id] = meta
			}
		}
	}
	meta, ok := m.instances[instanceID]
	if !ok {
		return fmt.Errorf("instance %s: %w", instanceID, ErrNotFound)
	}
	meta.IsLeader = isLeader
	m.instances[instanceID] = meta
	return nil
}

func (m *MemoryStorage) TouchInstanceHeartbeat(ctx context.Context, instanceID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.instances[instanceID]
	if !ok {
		return fmt.Errorf("instance %s: %w", instanceID, ErrNotFound)
	}
	meta.LastHeartbeat = at
	m.instances[instanceID] = meta
	return nil
}

func (m *MemoryStorage) GetLeaderInstance(ctx context.Context) (*InstanceMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, meta := range m.instances {
		if meta.IsLeader {
			cp := meta
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) DeleteInstance(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, instanceID)
	return nil
}

// WithTx runs fn directly; the in-memory store has no transactions.
func (m *MemoryStorage) WithTx(ctx context.Context, isolation sql.IsolationLevel, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
