// Package signal
package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Type is the closed set of signal kinds accepted at the boundary.
type Type string

const (
	BaseEntry Type = "BASE_ENTRY"
	Pyramid   Type = "PYRAMID"
	Exit      Type = "EXIT"
)

// Signal is one trading instruction received from the signal source.
type Signal struct {
	Instrument    string    `json:"instrument" yaml:"instrument"`
	Type          Type      `json:"type" yaml:"type"`
	Label         string    `json:"label" yaml:"label"`
	Price         float64   `json:"price" yaml:"price"`
	Stop          float64   `json:"stop" yaml:"stop"`
	ATR           float64   `json:"atr" yaml:"atr"`
	Timestamp     time.Time `json:"timestamp" yaml:"timestamp"`
	SuggestedLots int       `json:"suggested_lots" yaml:"suggested_lots"`
}

// Validate rejects unknown types and missing required fields at the
// boundary so the rest of the pipeline only ever sees well-formed signals.
func (s Signal) Validate() error {
	switch s.Type {
	case BaseEntry, Pyramid, Exit:
	default:
		return fmt.Errorf("unknown signal type %q", s.Type)
	}
	if s.Instrument == "" {
		return fmt.Errorf("signal missing instrument")
	}
	if s.Label == "" {
		return fmt.Errorf("signal missing position label")
	}
	if s.Price <= 0 {
		return fmt.Errorf("signal for %s has non-positive price %f", s.Instrument, s.Price)
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("signal for %s missing timestamp", s.Instrument)
	}
	if s.Type != Exit {
		if s.Stop <= 0 {
			return fmt.Errorf("entry signal for %s has non-positive stop %f", s.Instrument, s.Stop)
		}
		if s.SuggestedLots < 1 {
			return fmt.Errorf("entry signal for %s has lots %d", s.Instrument, s.SuggestedLots)
		}
	}
	return nil
}

// Age returns how old the signal is relative to now.
func (s Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// Fingerprint derives the deduplication key. The timestamp is truncated to
// whole seconds so retransmissions of the same signal hash identically.
func (s Signal) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", s.Instrument, s.Type, s.Label, s.Timestamp.UTC().Unix())
	return hex.EncodeToString(h.Sum(nil))
}
