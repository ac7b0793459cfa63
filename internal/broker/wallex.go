package broker

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	wallex "github.com/wallexchange/wallex-go"

	"github.com/amirphl/signal-coordinator/internal/utils"
)

// WallexBroker adapts the Wallex exchange client to the Broker interface.
type WallexBroker struct {
	client *wallex.Client

	// LotSize converts whole lots to exchange quantity units.
	LotSize float64
}

func NewWallexBroker(apiKey string, lotSize float64) *WallexBroker {
	return &WallexBroker{
		client:  wallex.New(wallex.ClientOptions{APIKey: apiKey}),
		LotSize: lotSize,
	}
}

func (w *WallexBroker) Name() string { return "wallex" }

func (w *WallexBroker) GetQuote(ctx context.Context, instrument string) (float64, error) {
	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Broker | %s GetQuote timeout", w.Name())
		return 0, ctx.Err()

	default:
		trades, err := w.client.MarketTrades(normalizeSymbol(instrument))
		if err != nil {
			return 0, fmt.Errorf("fetching quote for %s: %w", instrument, err)
		}
		if len(trades) == 0 {
			return 0, fmt.Errorf("no trades found for %s", instrument)
		}
		price, _ := strconv.ParseFloat(string(trades[0].Price), 64)
		if price <= 0 {
			return 0, fmt.Errorf("invalid quote %f for %s", price, instrument)
		}
		return price, nil
	}
}

func (w *WallexBroker) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Broker | %s PlaceOrder timeout", w.Name())
		return Order{}, ctx.Err()

	default:
		price := strconv.FormatFloat(req.Price, 'f', 8, 64)
		qty := strconv.FormatFloat(float64(req.Lots)*w.LotSize, 'f', 8, 64)

		params := &wallex.OrderParams{
			Symbol:   normalizeSymbol(req.Instrument),
			Type:     strings.ToUpper(req.Type),
			Side:     strings.ToUpper(req.Side),
			Price:    wallex.Number(price),
			Quantity: wallex.Number(qty),
		}
		resp, err := w.client.PlaceOrder(params)
		if err != nil {
			return Order{}, classifyOrderError(err)
		}

		return Order{
			OrderID:    resp.ClientOrderID,
			Instrument: req.Instrument,
			Side:       req.Side,
			Type:       req.Type,
			Price:      req.Price,
			Lots:       req.Lots,
			FilledLots: w.toLots(numberValue(resp.ExecutedQty)),
			AvgPrice:   numberValue(resp.ExecutedPrice),
			Status:     strings.ToUpper(resp.Status),
			Timestamp:  resp.CreatedAt.UTC(),
			UpdatedAt:  resp.CreatedAt.UTC(),
		}, nil
	}
}

// ModifyOrder is not supported by the Wallex API; the executor cancels and
// re-places instead.
func (w *WallexBroker) ModifyOrder(ctx context.Context, orderID string, price float64) (Order, error) {
	return Order{}, ErrModifyNotSupported
}

func (w *WallexBroker) CancelOrder(ctx context.Context, orderID string) error {
	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Broker | %s CancelOrder timeout", w.Name())
		return ctx.Err()

	default:
		return w.client.CancelOrder(orderID)
	}
}

func (w *WallexBroker) GetOrderStatus(ctx context.Context, orderID string) (Order, error) {
	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Broker | %s GetOrderStatus timeout", w.Name())
		return Order{}, ctx.Err()

	default:
		resp, err := w.client.Order(orderID)
		if err != nil {
			return Order{}, fmt.Errorf("fetching order %s: %w", orderID, err)
		}

		return Order{
			OrderID:    resp.ClientOrderID,
			Instrument: resp.Symbol,
			Side:       strings.ToLower(resp.Side),
			Type:       strings.ToLower(resp.Type),
			Price:      numberValue(&resp.Price),
			Lots:       w.toLots(numberValue(&resp.OrigQty)),
			FilledLots: w.toLots(numberValue(resp.ExecutedQty)),
			AvgPrice:   numberValue(resp.ExecutedPrice),
			Status:     strings.ToUpper(resp.Status),
			Timestamp:  resp.CreatedAt.UTC(),
			UpdatedAt:  resp.CreatedAt.UTC(),
		}, nil
	}
}

// GetPositions derives spot "positions" from non-fiat balances. Used only
// by recovery reconciliation.
func (w *WallexBroker) GetPositions(ctx context.Context) ([]BrokerPosition, error) {
	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Broker | %s GetPositions timeout", w.Name())
		return nil, ctx.Err()

	default:
		balances, err := w.client.Balances()
		if err != nil {
			return nil, fmt.Errorf("fetching balances: %w", err)
		}

		var positions []BrokerPosition
		for asset, b := range balances {
			if b == nil || b.Fiat {
				continue
			}
			total := numberValue(&b.Value) + numberValue(&b.Locked)
			lots := w.toLots(total)
			if lots == 0 {
				continue
			}
			positions = append(positions, BrokerPosition{
				Instrument: asset,
				Lots:       lots,
			})
		}
		return positions, nil
	}
}

func (w *WallexBroker) toLots(qty float64) int {
	if w.LotSize <= 0 {
		return int(math.Round(qty))
	}
	return int(math.Round(qty / w.LotSize))
}

func normalizeSymbol(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(symbol), "-", "")
}

// classifyOrderError maps obvious parameter/margin failures to definitive
// rejections so the executor does not retry them.
func classifyOrderError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"insufficient", "invalid", "min notional", "forbidden"} {
		if strings.Contains(msg, marker) {
			return &RejectionError{Code: "broker_reject", Message: err.Error()}
		}
	}
	return fmt.Errorf("placing order: %w", err)
}

func numberValue(n *wallex.Number) float64 {
	if n == nil {
		return 0
	}
	out, _ := strconv.ParseFloat(string(*n), 64)
	return out
}
