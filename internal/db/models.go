package db

import (
	"fmt"
	"time"
)

// Position lifecycle statuses.
const (
	PositionOpen    = "open"
	PositionPartial = "partial"
	PositionClosed  = "closed"
)

// Instance lifecycle statuses.
const (
	InstanceRecovering = "recovering"
	InstanceActive     = "active"
	InstanceCrashed    = "crashed"
	InstanceStandby    = "standby"
)

// Position is one open or closed trade leg grouping. Mutated only through
// the versioned upsert; the version column detects concurrent writers.
type Position struct {
	ID            string    `json:"id"`
	Instrument    string    `json:"instrument"`
	Status        string    `json:"status"`
	EntryTime     time.Time `json:"entry_time"`
	EntryPrice    float64   `json:"entry_price"`
	Lots          int       `json:"lots"`
	InitialStop   float64   `json:"initial_stop"`
	CurrentStop   float64   `json:"current_stop"`
	HighWaterMark float64   `json:"high_water_mark"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	RealizedPnL   float64   `json:"realized_pnl"`
	IsPyramidBase bool      `json:"is_pyramid_base"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Validate checks structural integrity of a persisted position. Recovery
// treats a violation as data corruption, not as a retryable condition.
func (p Position) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("position missing id")
	}
	if p.Instrument == "" {
		return fmt.Errorf("position %s missing instrument", p.ID)
	}
	switch p.Status {
	case PositionOpen, PositionPartial, PositionClosed:
	default:
		return fmt.Errorf("position %s has invalid status %q", p.ID, p.Status)
	}
	if p.EntryPrice <= 0 {
		return fmt.Errorf("position %s has non-positive entry price %f", p.ID, p.EntryPrice)
	}
	if p.Lots < 0 {
		return fmt.Errorf("position %s has negative lots %d", p.ID, p.Lots)
	}
	if p.Status != PositionClosed && p.Lots == 0 {
		return fmt.Errorf("position %s is %s with zero lots", p.ID, p.Status)
	}
	if p.InitialStop <= 0 || p.CurrentStop <= 0 {
		return fmt.Errorf("position %s has non-positive stop", p.ID)
	}
	return nil
}

// RiskContribution is the currency amount at risk between entry and the
// current stop.
func (p Position) RiskContribution() float64 {
	return (p.EntryPrice - p.CurrentStop) * float64(p.Lots)
}

// MarginContribution approximates the margin the position consumes.
func (p Position) MarginContribution() float64 {
	return p.EntryPrice * float64(p.Lots)
}

// PortfolioState is the singleton aggregate row.
type PortfolioState struct {
	InitialCapital  float64   `json:"initial_capital"`
	ClosedEquity    float64   `json:"closed_equity"`
	TotalRisk       float64   `json:"total_risk"`
	TotalVolatility float64   `json:"total_volatility"`
	TotalMargin     float64   `json:"total_margin"`
	Version         int64     `json:"version"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (s PortfolioState) Validate() error {
	if s.InitialCapital <= 0 {
		return fmt.Errorf("portfolio state has non-positive initial capital %f", s.InitialCapital)
	}
	if s.TotalRisk < 0 || s.TotalMargin < 0 {
		return fmt.Errorf("portfolio state has negative totals (risk %f, margin %f)", s.TotalRisk, s.TotalMargin)
	}
	return nil
}

// PyramidingState tracks the last pyramid add per instrument. The base
// reference is cleared, not deleted, when the base position closes.
type PyramidingState struct {
	Instrument     string    `json:"instrument"`
	LastEntryPrice float64   `json:"last_entry_price"`
	BasePositionID *string   `json:"base_position_id"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SignalLogEntry is the durable dedup/audit record. Immutable once
// written except for the is_duplicate flag.
type SignalLogEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Instrument  string    `json:"instrument"`
	SignalType  string    `json:"signal_type"`
	Label       string    `json:"label"`
	Price       float64   `json:"price"`
	SignalTime  time.Time `json:"signal_time"`
	InstanceID  string    `json:"instance_id"`
	Outcome     string    `json:"outcome"`
	IsDuplicate bool      `json:"is_duplicate"`
	CreatedAt   time.Time `json:"created_at"`
}

// InstanceMetadata is one row per running process instance.
type InstanceMetadata struct {
	InstanceID    string    `json:"instance_id"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Status        string    `json:"status"`
	IsLeader      bool      `json:"is_leader"`
}
