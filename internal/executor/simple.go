package executor

import (
	"context"
	"time"

	"github.com/amirphl/signal-coordinator/internal/broker"
	"github.com/amirphl/signal-coordinator/internal/signal"
	"github.com/amirphl/signal-coordinator/internal/utils"
)

// Simple places one limit order and polls it to a fixed timeout. Unmet
// orders are cancelled and reported as no-fill.
type Simple struct {
	Broker       broker.Broker
	Clock        Clock
	PollInterval time.Duration
	Timeout      time.Duration
}

func NewSimple(b broker.Broker, pollInterval, timeout time.Duration) *Simple {
	return &Simple{
		Broker:       b,
		Clock:        RealClock,
		PollInterval: pollInterval,
		Timeout:      timeout,
	}
}

func (s *Simple) Name() string { return "simple" }

func (s *Simple) Execute(ctx context.Context, sig signal.Signal, lots int, limitPrice float64) (ExecutionResult, error) {
	result := ExecutionResult{Strategy: s.Name(), RequestedLots: lots, Attempts: 1}

	order, err := placeWithRetry(ctx, s.Broker, s.Clock, broker.OrderRequest{
		Instrument: sig.Instrument,
		Side:       sideFor(sig),
		Type:       "limit",
		Price:      limitPrice,
		Lots:       lots,
	})
	if err != nil {
		if broker.IsRejection(err) {
			result.Outcome = OutcomeRejected
			return result, err
		}
		result.Outcome = OutcomeNoFill
		return result, err
	}
	result.OrderID = order.OrderID

	final, err := pollOrder(ctx, s.Broker, s.Clock, order.OrderID, s.PollInterval, s.Timeout)
	if err != nil {
		cancelRemainder(ctx, s.Broker, order.OrderID)
		result.Outcome = OutcomeNoFill
		return result, err
	}

	if final.FilledLots < lots {
		cancelRemainder(ctx, s.Broker, order.OrderID)
	}

	result.FilledLots = final.FilledLots
	result.AvgFillPrice = final.AvgPrice
	result.SlippagePct = slippagePct(sig, final.AvgPrice)

	switch {
	case final.FilledLots == lots:
		result.Outcome = OutcomeFilled
	case final.FilledLots > 0:
		result.Outcome = OutcomePartialFill
		utils.GetLogger().Printf("Executor | simple: order %s partial fill %d/%d lots, remainder cancelled",
			order.OrderID, final.FilledLots, lots)
	default:
		result.Outcome = OutcomeNoFill
		utils.GetLogger().Printf("Executor | simple: order %s unfilled after %v, cancelled", order.OrderID, s.Timeout)
	}

	return result, nil
}
