// Package validator
package validator

import (
	"fmt"
	"math"
	"time"

	"github.com/amirphl/signal-coordinator/internal/signal"
)

// Action is the validator's verdict.
type Action string

const (
	Accept         Action = "accept"
	AcceptAdjusted Action = "accept_adjusted"
	Reject         Action = "reject"
)

// Stable reason codes; every rejection carries one plus the numeric
// inputs that drove it.
const (
	ReasonOK                 = "ok"
	ReasonStaleSignal        = "stale_signal"
	ReasonConditionNotMet    = "condition_not_met"
	ReasonNegativeRunningPnL = "negative_running_pnl"
	ReasonDivergenceExceeded = "divergence_exceeded"
	ReasonRiskIncreaseSevere = "risk_increase_severe"
	ReasonStopBreached       = "stop_breached"
	ReasonExitAdverse        = "exit_adverse_divergence"
)

// Age tiers.
type AgeTier string

const (
	TierFresh           AgeTier = "fresh"            // < 10s
	TierSlightlyDelayed AgeTier = "slightly_delayed" // 10-30s, flagged
	TierDelayed         AgeTier = "delayed"          // 30-60s, stage-2 caps halved
	TierStale           AgeTier = "stale"            // >= 60s, rejected
)

const (
	freshLimit   = 10 * time.Second
	delayedLimit = 30 * time.Second
	staleLimit   = 60 * time.Second
)

// TierFor buckets a signal age.
func TierFor(age time.Duration) AgeTier {
	switch {
	case age < freshLimit:
		return TierFresh
	case age < delayedLimit:
		return TierSlightlyDelayed
	case age < staleLimit:
		return TierDelayed
	default:
		return TierStale
	}
}

// Decision is the structured validation outcome. Never a bare boolean:
// the numeric inputs are retained so the verdict can be reconstructed
// after the fact.
type Decision struct {
	Action          Action
	Reason          string
	Detail          string
	Lots            int
	SignalAge       time.Duration
	AgeTier         AgeTier
	DivergencePct   float64
	RiskIncreasePct float64
}

func (d Decision) Accepted() bool { return d.Action != Reject }

// ConditionInput is the state stage 1 needs: pyramiding progress and the
// instrument's running P&L, both as of signal receipt.
type ConditionInput struct {
	HasPyramidState bool
	LastEntryPrice  float64
	RunningPnL      float64
}

// Config holds the divergence and risk thresholds. Fractions, not
// percentages: 0.01 is one percent.
type Config struct {
	BaseEntryDivergenceCap   float64
	PyramidDivergenceCap     float64
	ExitAdverseDivergenceCap float64
	RiskIncreaseShrink       float64 // above this, shrink lots
	RiskIncreaseReject       float64 // above this, reject outright
	MinPyramidExcursionATR   float64 // pyramid adds need this much favorable excursion, in ATR units
}

// Validator is stateless given its inputs; both stages are pure decisions.
type Validator struct {
	cfg Config
}

func New(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateCondition is stage 1. It re-derives the strategy precondition
// using the signal's own price, never a fresh quote: network delay must
// not retroactively invalidate a decision that was correct when made.
func (v *Validator) ValidateCondition(sig signal.Signal, cond ConditionInput, now time.Time) Decision {
	age := sig.Age(now)
	tier := TierFor(age)

	d := Decision{
		Action:    Accept,
		Reason:    ReasonOK,
		Lots:      sig.SuggestedLots,
		SignalAge: age,
		AgeTier:   tier,
	}

	if tier == TierStale {
		d.Action = Reject
		d.Reason = ReasonStaleSignal
		d.Detail = fmt.Sprintf("signal age %.1fs >= %.0fs", age.Seconds(), staleLimit.Seconds())
		return d
	}

	switch sig.Type {
	case signal.Pyramid:
		if cond.RunningPnL < 0 {
			d.Action = Reject
			d.Reason = ReasonNegativeRunningPnL
			d.Detail = fmt.Sprintf("running pnl %.2f < 0 for %s", cond.RunningPnL, sig.Instrument)
			return d
		}
		if cond.HasPyramidState && sig.ATR > 0 {
			excursion := sig.Price - cond.LastEntryPrice
			required := v.cfg.MinPyramidExcursionATR * sig.ATR
			if excursion < required {
				d.Action = Reject
				d.Reason = ReasonConditionNotMet
				d.Detail = fmt.Sprintf("excursion %.2f below required %.2f (%.2f ATR)", excursion, required, v.cfg.MinPyramidExcursionATR)
				return d
			}
		}

	case signal.BaseEntry, signal.Exit:
		// No strategy precondition beyond freshness.
	}

	return d
}

// ValidateExecution is stage 2, against a freshly fetched quote.
func (v *Validator) ValidateExecution(sig signal.Signal, quote float64, stage1 Decision) Decision {
	divergence := (quote - sig.Price) / sig.Price

	d := Decision{
		Action:        Accept,
		Reason:        ReasonOK,
		Lots:          stage1.Lots,
		SignalAge:     stage1.SignalAge,
		AgeTier:       stage1.AgeTier,
		DivergencePct: divergence * 100,
	}

	if stage1.AgeTier == TierStale {
		d.Action = Reject
		d.Reason = ReasonStaleSignal
		d.Detail = fmt.Sprintf("signal age %.1fs >= %.0fs", stage1.SignalAge.Seconds(), staleLimit.Seconds())
		return d
	}

	if sig.Type == signal.Exit {
		return v.validateExit(sig, divergence, d)
	}
	return v.validateEntry(sig, quote, divergence, d)
}

func (v *Validator) validateEntry(sig signal.Signal, quote, divergence float64, d Decision) Decision {
	divCap := v.cfg.BaseEntryDivergenceCap
	if sig.Type == signal.Pyramid {
		// Pyramids must not chase price; tighter cap than a fresh entry.
		divCap = v.cfg.PyramidDivergenceCap
	}
	if d.AgeTier == TierDelayed {
		divCap /= 2
	}

	originalRisk := sig.Price - sig.Stop
	executionRisk := quote - sig.Stop
	if originalRisk <= 0 || executionRisk <= 0 {
		d.Action = Reject
		d.Reason = ReasonStopBreached
		d.Detail = fmt.Sprintf("quote %.2f at or below stop %.2f", quote, sig.Stop)
		return d
	}

	// Delta over the base, so an increase landing exactly on a threshold
	// compares exactly.
	riskIncrease := (executionRisk - originalRisk) / originalRisk
	d.RiskIncreasePct = riskIncrease * 100

	if riskIncrease > v.cfg.RiskIncreaseReject {
		d.Action = Reject
		d.Reason = ReasonRiskIncreaseSevere
		d.Detail = fmt.Sprintf("risk increase %.1f%% above cap %.1f%% (signal %.2f, quote %.2f, stop %.2f)",
			riskIncrease*100, v.cfg.RiskIncreaseReject*100, sig.Price, quote, sig.Stop)
		return d
	}

	if divergence > divCap {
		d.Action = Reject
		d.Reason = ReasonDivergenceExceeded
		d.Detail = fmt.Sprintf("divergence %.3f%% above cap %.3f%% (signal %.2f, quote %.2f)",
			divergence*100, divCap*100, sig.Price, quote)
		return d
	}

	if riskIncrease > v.cfg.RiskIncreaseShrink {
		// Preserve constant currency risk: shrink lots proportionally,
		// rounding down, never below one lot.
		adjusted := int(math.Floor(float64(d.Lots) * originalRisk / executionRisk))
		if adjusted < 1 {
			adjusted = 1
		}
		if adjusted < d.Lots {
			d.Action = AcceptAdjusted
			d.Detail = fmt.Sprintf("lots reduced %d -> %d to hold currency risk (risk increase %.1f%%)",
				d.Lots, adjusted, riskIncrease*100)
			d.Lots = adjusted
		}
	}

	return d
}

// validateExit uses inverted, asymmetric logic: a divergence that improves
// the exit is always accepted; an adverse one only below a small cap, so a
// stale exit cannot lock in an unexpectedly bad fill.
func (v *Validator) validateExit(sig signal.Signal, divergence float64, d Decision) Decision {
	if divergence >= 0 {
		return d
	}

	adverse := -divergence
	if adverse > v.cfg.ExitAdverseDivergenceCap {
		d.Action = Reject
		d.Reason = ReasonExitAdverse
		d.Detail = fmt.Sprintf("adverse exit divergence %.3f%% above cap %.3f%% (signal %.2f)",
			adverse*100, v.cfg.ExitAdverseDivergenceCap*100, sig.Price)
	}
	return d
}
