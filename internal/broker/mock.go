package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockBroker is a scripted in-memory broker for tests. Orders fill after a
// configurable number of status polls, fully or partially.
type MockBroker struct {
	mu sync.Mutex

	Quote        float64
	QuoteErr     error
	QuoteErrs    []error // consumed one per call before QuoteErr applies
	PlaceErr     error
	PlaceErrs    []error // consumed one per call before PlaceErr applies
	FillAfter    int     // status polls before the order fills
	FillLots     int     // lots filled when it fills; 0 means fill fully
	Positions    []BrokerPosition
	PositionsErr error

	orders  map[string]*mockOrder
	placed  []OrderRequest
	cancels []string
}

type mockOrder struct {
	order Order
	polls int
}

func NewMockBroker() *MockBroker {
	return &MockBroker{orders: make(map[string]*mockOrder)}
}

func (m *MockBroker) Name() string { return "mock" }

func (m *MockBroker) GetQuote(ctx context.Context, instrument string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.QuoteErrs) > 0 {
		err := m.QuoteErrs[0]
		m.QuoteErrs = m.QuoteErrs[1:]
		if err != nil {
			return 0, err
		}
	} else if m.QuoteErr != nil {
		return 0, m.QuoteErr
	}
	return m.Quote, nil
}

func (m *MockBroker) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.PlaceErrs) > 0 {
		err := m.PlaceErrs[0]
		m.PlaceErrs = m.PlaceErrs[1:]
		if err != nil {
			return Order{}, err
		}
	} else if m.PlaceErr != nil {
		return Order{}, m.PlaceErr
	}

	now := time.Now()
	o := Order{
		OrderID:    uuid.NewString(),
		Instrument: req.Instrument,
		Side:       req.Side,
		Type:       req.Type,
		Price:      req.Price,
		Lots:       req.Lots,
		Status:     StatusNew,
		Timestamp:  now,
		UpdatedAt:  now,
	}
	m.orders[o.OrderID] = &mockOrder{order: o}
	m.placed = append(m.placed, req)
	return o, nil
}

func (m *MockBroker) ModifyOrder(ctx context.Context, orderID string, price float64) (Order, error) {
	return Order{}, ErrModifyNotSupported
}

func (m *MockBroker) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mo, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if mo.order.Status == StatusNew || mo.order.Status == StatusPartiallyFilled {
		mo.order.Status = StatusCanceled
	}
	m.cancels = append(m.cancels, orderID)
	return nil
}

func (m *MockBroker) GetOrderStatus(ctx context.Context, orderID string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mo, ok := m.orders[orderID]
	if !ok {
		return Order{}, fmt.Errorf("unknown order %s", orderID)
	}
	if mo.order.Status == StatusNew {
		mo.polls++
		if mo.polls >= m.FillAfter {
			filled := m.FillLots
			if filled <= 0 || filled > mo.order.Lots {
				filled = mo.order.Lots
			}
			mo.order.FilledLots = filled
			mo.order.AvgPrice = mo.order.Price
			if filled == mo.order.Lots {
				mo.order.Status = StatusFilled
			} else {
				mo.order.Status = StatusPartiallyFilled
			}
			mo.order.UpdatedAt = time.Now()
		}
	}
	return mo.order, nil
}

func (m *MockBroker) GetPositions(ctx context.Context) ([]BrokerPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PositionsErr != nil {
		return nil, m.PositionsErr
	}
	return append([]BrokerPosition(nil), m.Positions...), nil
}

// PlacedOrders returns every order request seen so far.
func (m *MockBroker) PlacedOrders() []OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OrderRequest(nil), m.placed...)
}

// CanceledOrders returns ids of canceled orders in order of cancellation.
func (m *MockBroker) CanceledOrders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancels...)
}
