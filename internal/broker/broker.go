// Package broker
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Order statuses as reported by the broker.
const (
	StatusNew             = "NEW"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCanceled        = "CANCELED"
	StatusRejected        = "REJECTED"
)

// ErrModifyNotSupported is returned by brokers that cannot amend a resting
// order in place; callers cancel and re-place instead.
var ErrModifyNotSupported = errors.New("modify order not supported")

// RejectionError is a definitive broker rejection (bad parameters,
// insufficient margin). Never retried.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("order rejected (%s): %s", e.Code, e.Message)
}

// IsRejection reports whether err is a definitive rejection rather than a
// transient connectivity failure.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}

// OrderRequest represents a new order to be submitted.
type OrderRequest struct {
	Instrument string
	Side       string // "buy" or "sell"
	Type       string // "limit" or "market"
	Price      float64
	Lots       int
}

// Order represents the broker's view of an order.
type Order struct {
	OrderID    string
	Instrument string
	Side       string
	Type       string
	Price      float64
	Lots       int
	FilledLots int
	AvgPrice   float64
	Status     string
	Timestamp  time.Time
	UpdatedAt  time.Time
}

// BrokerPosition is one live position as the broker reports it; used only
// for recovery reconciliation.
type BrokerPosition struct {
	Instrument string
	Lots       int
	AvgPrice   float64
}

// Broker is the external order/quote dependency. Every method is an
// unreliable remote call; call sites bound it with contexts and retries.
type Broker interface {
	Name() string
	GetQuote(ctx context.Context, instrument string) (float64, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	ModifyOrder(ctx context.Context, orderID string, price float64) (Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (Order, error)
	GetPositions(ctx context.Context) ([]BrokerPosition, error)
}
