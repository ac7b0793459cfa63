package executor

import (
	"context"
	"time"

	"github.com/amirphl/signal-coordinator/internal/broker"
	"github.com/amirphl/signal-coordinator/internal/signal"
	"github.com/amirphl/signal-coordinator/internal/utils"
)

// Progressive starts at the validated price and steps toward the market
// after each unfilled window, bounded by an attempt count and a hard
// slippage ceiling measured against the original signal price. Once the
// ceiling would be breached it aborts rather than chase further.
type Progressive struct {
	Broker        broker.Broker
	Clock         Clock
	PollInterval  time.Duration
	AttemptWindow time.Duration
	StepPercent   float64 // price step per attempt, percent of signal price
	MaxAttempts   int
	MaxSlipPct    float64 // hard ceiling vs the signal price, percent
}

func NewProgressive(b broker.Broker, pollInterval, attemptWindow time.Duration, stepPercent float64, maxAttempts int, maxSlipPct float64) *Progressive {
	return &Progressive{
		Broker:        b,
		Clock:         RealClock,
		PollInterval:  pollInterval,
		AttemptWindow: attemptWindow,
		StepPercent:   stepPercent,
		MaxAttempts:   maxAttempts,
		MaxSlipPct:    maxSlipPct,
	}
}

func (p *Progressive) Name() string { return "progressive" }

func (p *Progressive) Execute(ctx context.Context, sig signal.Signal, lots int, limitPrice float64) (ExecutionResult, error) {
	result := ExecutionResult{Strategy: p.Name(), RequestedLots: lots}

	side := sideFor(sig)
	step := sig.Price * p.StepPercent / 100
	if side == "sell" {
		step = -step
	}
	// The ceiling is tracked as an offset from the signal price, computed
	// the same way as the step, so a step landing exactly on the ceiling
	// compares exactly.
	maxOffset := sig.Price * p.MaxSlipPct / 100

	price := limitPrice
	remaining := lots
	var filledLots int
	var filledNotional float64

	finish := func(outcome string) ExecutionResult {
		result.FilledLots = filledLots
		if filledLots > 0 {
			result.AvgFillPrice = filledNotional / float64(filledLots)
			result.SlippagePct = slippagePct(sig, result.AvgFillPrice)
		}
		result.Outcome = outcome
		return result
	}

	for attempt := 1; attempt <= p.MaxAttempts && remaining > 0; attempt++ {
		result.Attempts = attempt

		order, err := placeWithRetry(ctx, p.Broker, p.Clock, broker.OrderRequest{
			Instrument: sig.Instrument,
			Side:       side,
			Type:       "limit",
			Price:      price,
			Lots:       remaining,
		})
		if err != nil {
			if broker.IsRejection(err) {
				return finish(OutcomeRejected), err
			}
			return finish(outcomeForFill(filledLots, lots, OutcomeNoFill)), err
		}
		result.OrderID = order.OrderID

		final, err := pollOrder(ctx, p.Broker, p.Clock, order.OrderID, p.PollInterval, p.AttemptWindow)
		if err != nil {
			cancelRemainder(ctx, p.Broker, order.OrderID)
			return finish(outcomeForFill(filledLots, lots, OutcomeNoFill)), err
		}

		if final.FilledLots > 0 {
			filledLots += final.FilledLots
			filledNotional += final.AvgPrice * float64(final.FilledLots)
			remaining -= final.FilledLots
		}
		if remaining == 0 {
			return finish(OutcomeFilled), nil
		}
		cancelRemainder(ctx, p.Broker, order.OrderID)

		next := price + step
		offset := next - sig.Price
		if side == "sell" {
			offset = sig.Price - next
		}
		if offset > maxOffset {
			utils.GetLogger().Printf("Executor | progressive: next price %.2f would breach slippage ceiling (signal %.2f, max %.2f%%), aborting",
				next, sig.Price, p.MaxSlipPct)
			return finish(outcomeForFill(filledLots, lots, OutcomeSlippageAbort)), nil
		}
		price = next
		utils.GetLogger().Printf("Executor | progressive: attempt %d unfilled (%d/%d lots), stepping price to %.2f",
			attempt, filledLots, lots, price)
	}

	return finish(outcomeForFill(filledLots, lots, OutcomeNoFill)), nil
}

func outcomeForFill(filled, requested int, empty string) string {
	switch {
	case filled == requested:
		return OutcomeFilled
	case filled > 0:
		return OutcomePartialFill
	default:
		return empty
	}
}
