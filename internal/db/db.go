// Package db
package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Sentinel errors classifying store failures. Version conflicts and
// duplicate signals are definitive; everything else is treated as a
// connectivity problem by the retry layer above.
var (
	ErrVersionConflict = errors.New("version conflict")
	ErrDuplicateSignal = errors.New("duplicate signal")
	ErrNotFound        = errors.New("not found")
)

// Storage is the interface for all persistent storage.
type Storage interface {
	GetDB() *sql.DB

	SavePosition(ctx context.Context, pos *Position) error
	GetPosition(ctx context.Context, id string) (*Position, error)
	GetOpenPositions(ctx context.Context) ([]Position, error)

	SavePortfolioState(ctx context.Context, state *PortfolioState) error
	GetPortfolioState(ctx context.Context) (*PortfolioState, error)

	SavePyramidingState(ctx context.Context, ps PyramidingState) error
	GetPyramidingStates(ctx context.Context) ([]PyramidingState, error)

	HasSignal(ctx context.Context, fingerprint string) (bool, error)
	InsertSignalLog(ctx context.Context, entry SignalLogEntry) error
	DeleteSignalLogBefore(ctx context.Context, before time.Time) (int64, error)

	UpsertInstance(ctx context.Context, meta InstanceMetadata) error
	UpdateInstanceStatus(ctx context.Context, instanceID, status string) error
	SetInstanceLeader(ctx context.Context, instanceID string, isLeader bool) error
	TouchInstanceHeartbeat(ctx context.Context, instanceID string, at time.Time) error
	GetLeaderInstance(ctx context.Context) (*InstanceMetadata, error)
	DeleteInstance(ctx context.Context, instanceID string) error

	WithTx(ctx context.Context, isolation sql.IsolationLevel, fn func(ctx context.Context) error) error
}

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}
