package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/amirphl/signal-coordinator/internal/db/conf"
)

const uniqueViolation = "23505"

type Default struct {
	db *sql.DB
}

func New(c conf.Config) (*Default, error) {
	return &Default{db: c.DB}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

// executeWithTransaction executes a function with proper transaction management.
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

// WithTx runs fn inside a transaction at the requested isolation level and
// places the transaction in the context so nested store calls join it.
// Read-committed suffices for single-row versioned updates; callers doing
// multi-row sequences that must not be observed half-applied request
// sql.LevelSerializable explicitly.
func (p *Default) WithTx(ctx context.Context, isolation sql.IsolationLevel, fn func(ctx context.Context) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(ctx)
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: isolation})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(WithTransaction(ctx, tx)); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// SavePosition performs a versioned upsert: insert when new, otherwise
// update only while the caller's version matches the stored row. On
// success the position's Version is incremented in place.
func (p *Default) SavePosition(ctx context.Context, pos *Position) error {
	if err := pos.Validate(); err != nil {
		return fmt.Errorf("invalid position %s: %w", pos.ID, err)
	}

	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		now := time.Now()

		if pos.Version == 0 {
			err := tx.QueryRowContext(ctx, `
				INSERT INTO positions (
					id, instrument, status, entry_time, entry_price, lots,
					initial_stop, current_stop, high_water_mark,
					unrealized_pnl, realized_pnl, is_pyramid_base, version,
					created_at, updated_at
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,1,$13,$13)
				RETURNING version`,
				pos.ID, pos.Instrument, pos.Status, pos.EntryTime, pos.EntryPrice, pos.Lots,
				pos.InitialStop, pos.CurrentStop, pos.HighWaterMark,
				pos.UnrealizedPnL, pos.RealizedPnL, pos.IsPyramidBase, now).Scan(&pos.Version)
			if err != nil {
				if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
					return fmt.Errorf("position %s already exists: %w", pos.ID, ErrVersionConflict)
				}
				return fmt.Errorf("failed to insert position %s: %w", pos.ID, err)
			}
			pos.UpdatedAt = now
			return nil
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE positions SET
				status=$1, entry_price=$2, lots=$3, current_stop=$4,
				high_water_mark=$5, unrealized_pnl=$6, realized_pnl=$7,
				is_pyramid_base=$8, version=version+1, updated_at=$9
			WHERE id=$10 AND version=$11`,
			pos.Status, pos.EntryPrice, pos.Lots, pos.CurrentStop,
			pos.HighWaterMark, pos.UnrealizedPnL, pos.RealizedPnL,
			pos.IsPyramidBase, now, pos.ID, pos.Version)
		if err != nil {
			return fmt.Errorf("failed to update position %s: %w", pos.ID, err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return fmt.Errorf("position %s at version %d: %w", pos.ID, pos.Version, ErrVersionConflict)
		}

		pos.Version++
		pos.UpdatedAt = now
		return nil
	})
}

const positionColumns = `id, instrument, status, entry_time, entry_price, lots,
	initial_stop, current_stop, high_water_mark, unrealized_pnl, realized_pnl,
	is_pyramid_base, version, created_at, updated_at`

func scanPosition(rows *sql.Rows) (Position, error) {
	var pos Position
	err := rows.Scan(
		&pos.ID, &pos.Instrument, &pos.Status, &pos.EntryTime, &pos.EntryPrice, &pos.Lots,
		&pos.InitialStop, &pos.CurrentStop, &pos.HighWaterMark, &pos.UnrealizedPnL, &pos.RealizedPnL,
		&pos.IsPyramidBase, &pos.Version, &pos.CreatedAt, &pos.UpdatedAt)
	if err != nil {
		return Position{}, fmt.Errorf("failed to scan position: %w", err)
	}
	pos.EntryTime = pos.EntryTime.UTC()
	pos.CreatedAt = pos.CreatedAt.UTC()
	pos.UpdatedAt = pos.UpdatedAt.UTC()
	return pos, nil
}

func (p *Default) GetPosition(ctx context.Context, id string) (*Position, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT `+positionColumns+` FROM positions WHERE id=$1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query position %s: %w", id, err)
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	if rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		return &pos, nil
	}

	return nil, nil
}

func (p *Default) GetOpenPositions(ctx context.Context) ([]Position, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE status IN ('open', 'partial')
		ORDER BY entry_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}

	return positions, nil
}

// SavePortfolioState applies the same versioned-upsert discipline to the
// singleton aggregate row.
func (p *Default) SavePortfolioState(ctx context.Context, state *PortfolioState) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("invalid portfolio state: %w", err)
	}

	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		now := time.Now()

		if state.Version == 0 {
			err := tx.QueryRowContext(ctx, `
				INSERT INTO portfolio_state (
					id, initial_capital, closed_equity, total_risk,
					total_volatility, total_margin, version, updated_at
				) VALUES (1,$1,$2,$3,$4,$5,1,$6)
				RETURNING version`,
				state.InitialCapital, state.ClosedEquity, state.TotalRisk,
				state.TotalVolatility, state.TotalMargin, now).Scan(&state.Version)
			if err != nil {
				if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
					return fmt.Errorf("portfolio state already exists: %w", ErrVersionConflict)
				}
				return fmt.Errorf("failed to insert portfolio state: %w", err)
			}
			state.UpdatedAt = now
			return nil
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE portfolio_state SET
				initial_capital=$1, closed_equity=$2, total_risk=$3,
				total_volatility=$4, total_margin=$5, version=version+1, updated_at=$6
			WHERE id=1 AND version=$7`,
			state.InitialCapital, state.ClosedEquity, state.TotalRisk,
			state.TotalVolatility, state.TotalMargin, now, state.Version)
		if err != nil {
			return fmt.Errorf("failed to update portfolio state: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return fmt.Errorf("portfolio state at version %d: %w", state.Version, ErrVersionConflict)
		}

		state.Version++
		state.UpdatedAt = now
		return nil
	})
}

func (p *Default) GetPortfolioState(ctx context.Context) (*PortfolioState, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT initial_capital, closed_equity, total_risk, total_volatility,
			total_margin, version, updated_at
		FROM portfolio_state WHERE id=1`)
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolio state: %w", err)
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	var state PortfolioState
	if rows.Next() {
		if err := rows.Scan(&state.InitialCapital, &state.ClosedEquity, &state.TotalRisk,
			&state.TotalVolatility, &state.TotalMargin, &state.Version, &state.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio state: %w", err)
		}
		state.UpdatedAt = state.UpdatedAt.UTC()
		return &state, nil
	}

	return nil, nil
}

func (p *Default) SavePyramidingState(ctx context.Context, ps PyramidingState) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pyramiding_state (instrument, last_entry_price, base_position_id, updated_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (instrument) DO UPDATE SET
				last_entry_price=EXCLUDED.last_entry_price,
				base_position_id=EXCLUDED.base_position_id,
				updated_at=EXCLUDED.updated_at`,
			ps.Instrument, ps.LastEntryPrice, ps.BasePositionID, time.Now())
		if err != nil {
			return fmt.Errorf("failed to save pyramiding state for %s: %w", ps.Instrument, err)
		}
		return nil
	})
}

func (p *Default) GetPyramidingStates(ctx context.Context) ([]PyramidingState, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT instrument, last_entry_price, base_position_id, updated_at
		FROM pyramiding_state ORDER BY instrument ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pyramiding state: %w", err)
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	var states []PyramidingState
	for rows.Next() {
		var ps PyramidingState
		if err := rows.Scan(&ps.Instrument, &ps.LastEntryPrice, &ps.BasePositionID, &ps.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pyramiding state: %w", err)
		}
		ps.UpdatedAt = ps.UpdatedAt.UTC()
		states = append(states, ps)
	}

	return states, nil
}

func (p *Default) HasSignal(ctx context.Context, fingerprint string) (bool, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT 1 FROM signal_log WHERE fingerprint=$1 LIMIT 1`, fingerprint)
	if err != nil {
		return false, fmt.Errorf("failed to query signal log: %w", err)
	}
	if rows == nil {
		return false, nil
	}
	defer rows.Close()

	return rows.Next(), nil
}

// InsertSignalLog writes the durable dedup record. The unique constraint on
// fingerprint rejects a concurrent insert of the same signal atomically;
// on that rejection the original row is flagged is_duplicate and
// ErrDuplicateSignal is returned.
func (p *Default) InsertSignalLog(ctx context.Context, entry SignalLogEntry) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO signal_log (fingerprint, instrument, signal_type, label, price, signal_time, instance_id, outcome, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			entry.Fingerprint, entry.Instrument, entry.SignalType, entry.Label,
			entry.Price, entry.SignalTime, entry.InstanceID, entry.Outcome, time.Now())
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
				if _, flagErr := tx.ExecContext(ctx,
					`UPDATE signal_log SET is_duplicate=TRUE WHERE fingerprint=$1`, entry.Fingerprint); flagErr != nil {
					return fmt.Errorf("failed to flag duplicate signal %s: %w", entry.Fingerprint, flagErr)
				}
				return fmt.Errorf("signal %s: %w", entry.Fingerprint, ErrDuplicateSignal)
			}
			return fmt.Errorf("failed to insert signal log %s: %w", entry.Fingerprint, err)
		}
		return nil
	})
}

func (p *Default) DeleteSignalLogBefore(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM signal_log WHERE created_at < $1`, before)
		if err != nil {
			return fmt.Errorf("failed to delete signal log entries: %w", err)
		}
		deleted, _ = result.RowsAffected()
		return nil
	})
	return deleted, err
}

func (p *Default) UpsertInstance(ctx context.Context, meta InstanceMetadata) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO instance_metadata (instance_id, started_at, last_heartbeat, status, is_leader)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (instance_id) DO UPDATE SET
				started_at=EXCLUDED.started_at,
				last_heartbeat=EXCLUDED.last_heartbeat,
				status=EXCLUDED.status,
				is_leader=EXCLUDED.is_leader`,
			meta.InstanceID, meta.StartedAt, meta.LastHeartbeat, meta.Status, meta.IsLeader)
		if err != nil {
			return fmt.Errorf("failed to upsert instance %s: %w", meta.InstanceID, err)
		}
		return nil
	})
}

func (p *Default) UpdateInstanceStatus(ctx context.Context, instanceID, status string) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE instance_metadata SET status=$1 WHERE instance_id=$2`, status, instanceID)
		if err != nil {
			return fmt.Errorf("failed to update instance %s status: %w", instanceID, err)
		}
		rowsAffected, _ := result.RowsAffected()
		if rowsAffected == 0 {
			return fmt.Errorf("instance %s: %w", instanceID, ErrNotFound)
		}
		return nil
	})
}

func (p *Default) SetInstanceLeader(ctx context.Context, instanceID string, isLeader bool) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		if isLeader {
			// Exactly one durable leader record at a time.
			if _, err := tx.ExecContext(ctx,
				`UPDATE instance_metadata SET is_leader=FALSE WHERE instance_id != $1`, instanceID); err != nil {
				return fmt.Errorf("failed to clear leader flags: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE instance_metadata SET is_leader=$1 WHERE instance_id=$2`, isLeader, instanceID)
		if err != nil {
			return fmt.Errorf("failed to set leader flag for %s: %w", instanceID, err)
		}
		return nil
	})
}

func (p *Default) TouchInstanceHeartbeat(ctx context.Context, instanceID string, at time.Time) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE instance_metadata SET last_heartbeat=$1 WHERE instance_id=$2`, at, instanceID)
		if err != nil {
			return fmt.Errorf("failed to touch heartbeat for %s: %w", instanceID, err)
		}
		return nil
	})
}

// GetLeaderInstance reads the durable leader record with a direct query,
// never through any cache. Split-brain detection depends on this read
// being fresh.
func (p *Default) GetLeaderInstance(ctx context.Context) (*InstanceMetadata, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT instance_id, started_at, last_heartbeat, status, is_leader
		FROM instance_metadata WHERE is_leader=TRUE LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to query leader instance: %w", err)
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	var meta InstanceMetadata
	if rows.Next() {
		if err := rows.Scan(&meta.InstanceID, &meta.StartedAt, &meta.LastHeartbeat, &meta.Status, &meta.IsLeader); err != nil {
			return nil, fmt.Errorf("failed to scan leader instance: %w", err)
		}
		meta.StartedAt = meta.StartedAt.UTC()
		meta.LastHeartbeat = meta.LastHeartbeat.UTC()
		return &meta, nil
	}

	return nil, nil
}

func (p *Default) DeleteInstance(ctx context.Context, instanceID string) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM instance_metadata WHERE instance_id=$1`, instanceID)
		if err != nil {
			return fmt.Errorf("failed to delete instance %s: %w", instanceID, err)
		}
		return nil
	})
}
