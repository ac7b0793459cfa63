// Package pipeline wires signal intake through deduplication,
// coordination, validation, execution and persistence.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/amirphl/signal-coordinator/internal/broker"
	"github.com/amirphl/signal-coordinator/internal/coordinator"
	"github.com/amirphl/signal-coordinator/internal/db"
	"github.com/amirphl/signal-coordinator/internal/executor"
	"github.com/amirphl/signal-coordinator/internal/recovery"
	"github.com/amirphl/signal-coordinator/internal/signal"
	"github.com/amirphl/signal-coordinator/internal/state"
	"github.com/amirphl/signal-coordinator/internal/utils"
	"github.com/amirphl/signal-coordinator/internal/validator"
)

// Signal outcomes recorded in the durable log.
const (
	OutcomeExecuted         = "executed"
	OutcomeExecutedAdjusted = "executed_adjusted"
	OutcomeNoFill           = "no_fill"
	OutcomeDuplicate        = "duplicate"
	OutcomeSkippedLock      = "skipped_lock_held"
	OutcomeSkippedRecovery  = "skipped_recovering"
	OutcomeInvalid          = "invalid"
	OutcomeNoPosition       = "no_open_position"
	OutcomeQuoteUnavailable = "quote_unavailable"
	OutcomeRejectedPrefix   = "rejected_" // suffixed with the validator reason
)

var signalOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "pipeline_signal_outcomes_total",
	Help: "Processed signals by outcome",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(signalOutcomes)
}

// Result summarizes what the pipeline did with one signal.
type Result struct {
	Fingerprint string
	Outcome     string
	Decision    validator.Decision
	Execution   executor.ExecutionResult
}

// Pipeline processes signals one at a time per fingerprint; the
// distributed lock serializes concurrent deliveries across instances.
type Pipeline struct {
	cache     *signal.Cache
	coord     *coordinator.Coordinator
	state     *state.Manager
	recovery  *recovery.Manager
	validator *validator.Validator
	broker    broker.Broker
	strategy  executor.Strategy
}

func New(cache *signal.Cache, coord *coordinator.Coordinator, st *state.Manager, rec *recovery.Manager, val *validator.Validator, b broker.Broker, strategy executor.Strategy) *Pipeline {
	return &Pipeline{
		cache:     cache,
		coord:     coord,
		state:     st,
		recovery:  rec,
		validator: val,
		broker:    b,
		strategy:  strategy,
	}
}

// Handle runs one signal through the full flow. Errors are returned only
// for infrastructure failures; rejections and skips are Results.
func (p *Pipeline) Handle(ctx context.Context, sig signal.Signal) (Result, error) {
	res, err := p.handle(ctx, sig)
	if res.Outcome != "" {
		signalOutcomes.WithLabelValues(res.Outcome).Inc()
	}
	return res, err
}

func (p *Pipeline) handle(ctx context.Context, sig signal.Signal) (Result, error) {
	res := Result{}

	if err := sig.Validate(); err != nil {
		utils.GetLogger().Printf("Pipeline | dropping malformed signal: %v", err)
		res.Outcome = OutcomeInvalid
		return res, nil
	}
	fp := sig.Fingerprint()
	res.Fingerprint = fp

	// Layer 1: in-process cache. Cheapest check first.
	if p.cache.Seen(fp, time.Now()) {
		utils.GetLogger().Printf("Pipeline | signal %s already seen in process, dropping", shortFP(fp))
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	// Layer 2: distributed lock. Losing the race means a peer owns this
	// signal; there is nothing to log, the peer will.
	if !p.coord.AcquireSignalLock(ctx, fp) {
		// The peer owns this signal; keep no cache claim on it here in
		// case a retransmission lands on this instance later.
		p.cache.Forget(fp)
		utils.GetLogger().Printf("Pipeline | signal %s locked by another instance, skipping", shortFP(fp))
		res.Outcome = OutcomeSkippedLock
		return res, nil
	}
	defer p.coord.ReleaseSignalLock(ctx, fp)

	if !p.recovery.IsActive() {
		p.cache.Forget(fp)
		utils.GetLogger().Printf("Pipeline | instance %s (recovery not complete), dropping signal %s",
			p.recovery.Status(), shortFP(fp))
		res.Outcome = OutcomeSkippedRecovery
		return res, nil
	}

	// Layer 3: durable log. Catches redelivery across restarts and
	// cache/lock expiry.
	seen, err := p.state.CheckDuplicateSignal(ctx, fp)
	if err != nil {
		return res, fmt.Errorf("checking duplicate signal: %w", err)
	}
	if seen {
		utils.GetLogger().Printf("Pipeline | signal %s already in durable log, dropping", shortFP(fp))
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	res, err = p.process(ctx, sig, res)
	if err != nil {
		// Infrastructure failure, not a verdict on the signal. Unmark the
		// cache so a retransmission is processed rather than dropped.
		p.cache.Forget(fp)
		return res, err
	}
	if res.Outcome == OutcomeQuoteUnavailable {
		// Same rule: leave no dedup trace for a transient outage.
		p.cache.Forget(fp)
		utils.GetLogger().Printf("Pipeline | signal %s not consumed, awaiting retransmission", shortFP(fp))
		return res, nil
	}

	if logErr := p.state.LogSignal(ctx, sig, fp, p.coord.InstanceID(), res.Outcome); logErr != nil {
		if errors.Is(logErr, db.ErrDuplicateSignal) {
			// A peer slipped in between the check and the insert; the
			// unique constraint is exactly the backstop for that.
			utils.GetLogger().Printf("Pipeline | signal %s logged concurrently by a peer", shortFP(fp))
		} else {
			utils.GetLogger().Printf("Pipeline | failed to log signal %s: %v", shortFP(fp), logErr)
		}
	}
	return res, nil
}

func (p *Pipeline) process(ctx context.Context, sig signal.Signal, res Result) (Result, error) {
	cond, pyramid, openLots, err := p.conditionInput(ctx, sig.Instrument)
	if err != nil {
		return res, fmt.Errorf("loading condition input: %w", err)
	}
	if sig.Type == signal.Exit && openLots == 0 {
		utils.GetLogger().Printf("Pipeline | exit signal for %s with no open position, dropping", sig.Instrument)
		res.Outcome = OutcomeNoPosition
		return res, nil
	}

	stage1 := p.validator.ValidateCondition(sig, cond, time.Now())
	res.Decision = stage1
	if !stage1.Accepted() {
		utils.GetLogger().Printf("Pipeline | signal %s rejected at stage 1: %s (%s)", shortFP(res.Fingerprint), stage1.Reason, stage1.Detail)
		res.Outcome = OutcomeRejectedPrefix + stage1.Reason
		return res, nil
	}
	if stage1.AgeTier == validator.TierSlightlyDelayed || stage1.AgeTier == validator.TierDelayed {
		utils.GetLogger().Printf("Pipeline | signal %s is %s (age %.1fs)", shortFP(res.Fingerprint), stage1.AgeTier, stage1.SignalAge.Seconds())
	}

	quote, err := p.fetchQuote(ctx, sig.Instrument)
	if err != nil {
		utils.GetLogger().Printf("Pipeline | quote for %s unavailable: %v", sig.Instrument, err)
		res.Outcome = OutcomeQuoteUnavailable
		return res, nil
	}

	stage2 := p.validator.ValidateExecution(sig, quote, stage1)
	res.Decision = stage2
	if !stage2.Accepted() {
		utils.GetLogger().Printf("Pipeline | signal %s rejected at stage 2: %s (%s)", shortFP(res.Fingerprint), stage2.Reason, stage2.Detail)
		res.Outcome = OutcomeRejectedPrefix + stage2.Reason
		return res, nil
	}

	lots := stage2.Lots
	if sig.Type == signal.Exit {
		// Exits flatten the instrument; quantity comes from the book,
		// not the signal.
		lots = openLots
	}

	exec, err := p.strategy.Execute(ctx, sig, lots, quote)
	res.Execution = exec
	if err != nil && !broker.IsRejection(err) {
		return res, fmt.Errorf("executing signal: %w", err)
	}
	if !exec.Filled() {
		utils.GetLogger().Printf("Pipeline | signal %s not filled: %s", shortFP(res.Fingerprint), exec.Outcome)
		res.Outcome = OutcomeNoFill
		return res, nil
	}

	switch sig.Type {
	case signal.Exit:
		err = p.applyExit(ctx, sig, exec)
	default:
		err = p.applyEntry(ctx, sig, exec, pyramid)
	}
	if err != nil {
		return res, fmt.Errorf("persisting fill for %s: %w", sig.Instrument, err)
	}

	if stage2.Action == validator.AcceptAdjusted {
		res.Outcome = OutcomeExecutedAdjusted
	} else {
		res.Outcome = OutcomeExecuted
	}
	utils.GetLogger().Printf("Pipeline | signal %s %s: %d/%d lots at %.2f (slippage %.3f%%)",
		shortFP(res.Fingerprint), res.Outcome, exec.FilledLots, exec.RequestedLots, exec.AvgFillPrice, exec.SlippagePct)
	return res, nil
}

const quoteRetryAttempts = 3

// fetchQuote retries the broker quote a few times: a blip on the market
// data endpoint must not burn a validated signal.
func (p *Pipeline) fetchQuote(ctx context.Context, instrument string) (float64, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond

	var quote float64
	var err error
	for attempt := 1; attempt <= quoteRetryAttempts; attempt++ {
		quote, err = p.broker.GetQuote(ctx, instrument)
		if err == nil {
			return quote, nil
		}
		if attempt < quoteRetryAttempts {
			sleep := bo.NextBackOff()
			utils.GetLogger().Printf("Pipeline | quote for %s attempt %d/%d failed: %v. Backing off for %v",
				instrument, attempt, quoteRetryAttempts, err, sleep)
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(sleep):
			}
		}
	}
	return 0, err
}

// conditionInput assembles the stage-1 state for one instrument: running
// P&L and total lots over its open positions, plus the pyramiding
// progress record.
func (p *Pipeline) conditionInput(ctx context.Context, instrument string) (validator.ConditionInput, *db.PyramidingState, int, error) {
	var cond validator.ConditionInput
	var openLots int

	positions, err := p.state.GetAllOpenPositions(ctx)
	if err != nil {
		return cond, nil, 0, err
	}
	for _, pos := range positions {
		if pos.Instrument == instrument {
			cond.RunningPnL += pos.RealizedPnL + pos.UnrealizedPnL
			openLots += pos.Lots
		}
	}

	states, err := p.state.GetPyramidingStates(ctx)
	if err != nil {
		return cond, nil, 0, err
	}
	for i := range states {
		if states[i].Instrument == instrument {
			cond.HasPyramidState = true
			cond.LastEntryPrice = states[i].LastEntryPrice
			return cond, &states[i], openLots, nil
		}
	}
	return cond, nil, openLots, nil
}

// applyEntry records a filled entry: a new position row, the portfolio
// aggregate deltas and the pyramiding progress, in one transaction.
func (p *Pipeline) applyEntry(ctx context.Context, sig signal.Signal, exec executor.ExecutionResult, pyramid *db.PyramidingState) error {
	pos := &db.Position{
		ID:            uuid.NewString(),
		Instrument:    sig.Instrument,
		Status:        db.PositionOpen,
		EntryTime:     time.Now(),
		EntryPrice:    exec.AvgFillPrice,
		Lots:          exec.FilledLots,
		InitialStop:   sig.Stop,
		CurrentStop:   sig.Stop,
		HighWaterMark: exec.AvgFillPrice,
		IsPyramidBase: sig.Type == signal.BaseEntry,
	}

	return p.state.WithTransaction(ctx, sql.LevelSerializable, func(ctx context.Context) error {
		if err := p.state.SavePosition(ctx, pos); err != nil {
			return err
		}

		if err := p.state.UpdatePortfolioState(ctx, func(ps *db.PortfolioState) error {
			ps.TotalRisk += pos.RiskContribution()
			ps.TotalMargin += pos.MarginContribution()
			return nil
		}); err != nil {
			return err
		}

		baseID := pos.ID
		if sig.Type == signal.Pyramid && pyramid != nil && pyramid.BasePositionID != nil {
			baseID = *pyramid.BasePositionID
		}
		return p.state.SavePyramidingState(ctx, sig.Instrument, exec.AvgFillPrice, &baseID)
	})
}

// applyExit closes the instrument's open positions oldest first, up to the
// filled quantity. Closing and the aggregate update must not be observed
// half-applied, hence the serializable transaction.
func (p *Pipeline) applyExit(ctx context.Context, sig signal.Signal, exec executor.ExecutionResult) error {
	return p.state.WithTransaction(ctx, sql.LevelSerializable, func(ctx context.Context) error {
		open, err := p.state.GetAllOpenPositions(ctx)
		if err != nil {
			return err
		}
		var positions []db.Position
		for _, pos := range open {
			if pos.Instrument == sig.Instrument {
				positions = append(positions, pos)
			}
		}
		sort.Slice(positions, func(i, j int) bool {
			return positions[i].EntryTime.Before(positions[j].EntryTime)
		})

		remaining := exec.FilledLots
		var riskDelta, marginDelta, realizedDelta float64
		allClosed := len(positions) > 0

		for i := range positions {
			if remaining == 0 {
				allClosed = false
				break
			}
			id := positions[i].ID
			closing := 0
			if err := p.state.UpdatePosition(ctx, id, func(pos *db.Position) error {
				closing = pos.Lots
				if closing > remaining {
					closing = remaining
				}
				realized := (exec.AvgFillPrice - pos.EntryPrice) * float64(closing)
				riskDelta += (pos.EntryPrice - pos.CurrentStop) * float64(closing)
				marginDelta += pos.EntryPrice * float64(closing)
				realizedDelta += realized

				pos.Lots -= closing
				pos.RealizedPnL += realized
				if pos.Lots == 0 {
					pos.Status = db.PositionClosed
					pos.UnrealizedPnL = 0
				} else {
					pos.Status = db.PositionPartial
				}
				return nil
			}); err != nil {
				return err
			}
			remaining -= closing
			if closing < positions[i].Lots {
				allClosed = false
			}
		}

		if err := p.state.UpdatePortfolioState(ctx, func(ps *db.PortfolioState) error {
			ps.TotalRisk -= riskDelta
			ps.TotalMargin -= marginDelta
			ps.ClosedEquity += realizedDelta
			return nil
		}); err != nil {
			return err
		}

		if allClosed {
			// The base reference is cleared, not the whole record.
			return p.state.SavePyramidingState(ctx, sig.Instrument, exec.AvgFillPrice, nil)
		}
		return nil
	})
}

func shortFP(fingerprint string) string {
	if len(fingerprint) > 12 {
		return fingerprint[:12]
	}
	return fingerprint
}
