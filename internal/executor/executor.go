// Package executor
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/amirphl/signal-coordinator/internal/broker"
	"github.com/amirphl/signal-coordinator/internal/signal"
	"github.com/amirphl/signal-coordinator/internal/utils"
)

const placeRetryAttempts = 3

// Execution outcomes.
const (
	OutcomeFilled        = "filled"
	OutcomePartialFill   = "partial_fill"
	OutcomeNoFill        = "no_fill"
	OutcomeSlippageAbort = "slippage_abort"
	OutcomeRejected      = "rejected"
)

// ExecutionResult reports what actually happened at the broker. Partial
// fills are explicit: the remainder is cancelled, never left resting.
type ExecutionResult struct {
	Strategy      string
	OrderID       string
	RequestedLots int
	FilledLots    int
	AvgFillPrice  float64
	SlippagePct   float64 // realized, measured against the signal price
	Attempts      int
	Outcome       string
}

func (r ExecutionResult) Filled() bool {
	return r.Outcome == OutcomeFilled || r.Outcome == OutcomePartialFill
}

// Strategy drives the broker to a fill for a validated signal.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, sig signal.Signal, lots int, limitPrice float64) (ExecutionResult, error)
}

// Clock abstracts waiting so polling loops are testable with a virtual
// clock instead of literal sleeps.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// sideFor maps signal type to order side; the pipeline is long-only.
func sideFor(sig signal.Signal) string {
	if sig.Type == signal.Exit {
		return "sell"
	}
	return "buy"
}

// slippagePct is the relative fill deviation, signed so an adverse fill is
// positive for buys and for sells alike.
func slippagePct(sig signal.Signal, avgFill float64) float64 {
	if avgFill == 0 {
		return 0
	}
	pct := (avgFill - sig.Price) / sig.Price * 100
	if sideFor(sig) == "sell" {
		pct = -pct
	}
	return pct
}

// placeWithRetry retries transient broker failures with exponential
// backoff. Definitive rejections are returned immediately.
func placeWithRetry(ctx context.Context, b broker.Broker, clock Clock, req broker.OrderRequest) (broker.Order, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond

	var order broker.Order
	var err error
	for attempt := 1; attempt <= placeRetryAttempts; attempt++ {
		order, err = b.PlaceOrder(ctx, req)
		if err == nil {
			return order, nil
		}
		if broker.IsRejection(err) {
			return broker.Order{}, err
		}
		if attempt < placeRetryAttempts {
			sleep := bo.NextBackOff()
			utils.GetLogger().Printf("Executor | place order attempt %d/%d failed: %v. Backing off for %v",
				attempt, placeRetryAttempts, err, sleep)
			if sleepErr := clock.Sleep(ctx, sleep); sleepErr != nil {
				return broker.Order{}, sleepErr
			}
		}
	}
	return broker.Order{}, fmt.Errorf("placing order after %d attempts: %w", placeRetryAttempts, err)
}

// pollOrder polls order status until it fills, the window elapses or the
// context is cancelled. Returns the last observed order.
func pollOrder(ctx context.Context, b broker.Broker, clock Clock, orderID string, interval, window time.Duration) (broker.Order, error) {
	deadline := clock.Now().Add(window)
	var last broker.Order
	for {
		order, err := b.GetOrderStatus(ctx, orderID)
		if err != nil {
			utils.GetLogger().Printf("Executor | order %s status check failed: %v", orderID, err)
		} else {
			last = order
			if order.Status == broker.StatusFilled || order.Status == broker.StatusCanceled || order.Status == broker.StatusRejected {
				return last, nil
			}
		}

		if !clock.Now().Add(interval).After(deadline) {
			if err := clock.Sleep(ctx, interval); err != nil {
				return last, err
			}
			continue
		}
		return last, nil
	}
}

// cancelRemainder cancels whatever is still resting on the book.
func cancelRemainder(ctx context.Context, b broker.Broker, orderID string) {
	if err := b.CancelOrder(ctx, orderID); err != nil {
		utils.GetLogger().Printf("Executor | failed to cancel order %s: %v", orderID, err)
	}
}
