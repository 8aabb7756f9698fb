package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ordergate/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// legRef routes a trade-update stream event back to the status channel of
// the placement that created the leg.
type legRef struct {
	kind domain.LegKind
	ch   chan<- domain.OrderStatusUpdate
}

// AlpacaBroker implements the Broker interface using the Alpaca brokerage
// API. One bracket-class order submission creates the three linked legs;
// leg status transitions arrive on the account's trade-update stream and
// are dispatched to the per-placement channels.
type AlpacaBroker struct {
	client   *alpaca.Client
	clientID int
	log      *slog.Logger

	mu           sync.Mutex
	legs         map[string]legRef                       // alpaca order ID -> leg
	pending      map[chan<- domain.OrderStatusUpdate]int // channel -> legs not yet terminal
	streamCancel context.CancelFunc
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoint.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string, clientID int) *AlpacaBroker {
	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		clientID: clientID,
		legs:     make(map[string]legRef),
		pending:  make(map[chan<- domain.OrderStatusUpdate]int),
		log:      slog.Default().With("broker", "alpaca"),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// Connect verifies the credentials and starts the trade-update stream
// dispatcher. The stream lives until Close.
func (b *AlpacaBroker) Connect(_ context.Context) error {
	acct, err := b.client.GetAccount()
	if err != nil {
		return fmt.Errorf("verifying alpaca account: %w", err)
	}
	b.log.Info("connected to alpaca", "account", acct.AccountNumber, "status", acct.Status)

	streamCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.streamCancel = cancel
	b.mu.Unlock()

	go func() {
		err := b.client.StreamTradeUpdates(streamCtx, b.dispatchTradeUpdate, alpaca.StreamTradeUpdatesRequest{})
		if err != nil && streamCtx.Err() == nil {
			b.log.Error("trade-update stream ended", "error", err)
		}
	}()

	return nil
}

func (b *AlpacaBroker) dispatchTradeUpdate(u alpaca.TradeUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ref, ok := b.legs[u.Order.ID]
	if !ok {
		return
	}

	update := domain.OrderStatusUpdate{
		OrderID:   u.Order.ID,
		Kind:      ref.kind,
		Status:    alpacaEventStatus(u.Event),
		FilledQty: u.Order.FilledQty.InexactFloat64(),
		At:        u.At,
	}

	select {
	case ref.ch <- update:
	default:
		b.log.Warn("status subscriber too slow, dropping update", "orderID", u.Order.ID)
	}

	// Once every leg of a placement has reached a terminal state, no
	// further updates can arrive and the channel is closed.
	if terminalStatus(update.Status) {
		delete(b.legs, u.Order.ID)
		b.pending[ref.ch]--
		if b.pending[ref.ch] <= 0 {
			delete(b.pending, ref.ch)
			close(ref.ch)
		}
	}
}

func terminalStatus(s domain.OrderStatus) bool {
	switch s {
	case domain.OrderStatusFilled, domain.OrderStatusCancelled, domain.OrderStatusRejected:
		return true
	}
	return false
}

// PlaceBracketOrder submits one bracket-class order: the entry plus its
// take-profit and stop-loss legs, linked by the brokerage. Simulate logs
// and echoes the legs without submitting.
func (b *AlpacaBroker) PlaceBracketOrder(_ context.Context, cmd domain.BracketOrderCommand, updates chan<- domain.OrderStatusUpdate) (*domain.BracketOrder, error) {
	qty := decimal.NewFromFloat(cmd.Quantity)
	limit := decimal.NewFromFloat(cmd.LimitPrice)
	takeProfit := decimal.NewFromFloat(cmd.TakeProfitPrice)
	stopLoss := decimal.NewFromFloat(cmd.StopLossPrice)

	clientOrderID := fmt.Sprintf("og-%d-%s", b.clientID, uuid.NewString()[:8])

	if cmd.Simulate {
		bracket := &domain.BracketOrder{
			GroupID:    clientOrderID,
			Entry:      domain.Leg{Kind: domain.LegEntry, Status: domain.OrderStatusSimulated},
			TakeProfit: domain.Leg{Kind: domain.LegTakeProfit, Status: domain.OrderStatusSimulated},
			StopLoss:   domain.Leg{Kind: domain.LegStopLoss, Status: domain.OrderStatusSimulated},
		}
		if updates != nil {
			for _, leg := range bracket.Legs() {
				updates <- domain.OrderStatusUpdate{Kind: leg.Kind, Status: leg.Status, At: time.Now()}
			}
			close(updates)
		}
		return bracket, nil
	}

	order, err := b.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        cmd.Ticker,
		Qty:           &qty,
		Side:          alpaca.Buy,
		Type:          alpaca.Limit,
		TimeInForce:   alpaca.Day,
		LimitPrice:    &limit,
		ClientOrderID: clientOrderID,
		OrderClass:    alpaca.Bracket,
		TakeProfit:    &alpaca.TakeProfit{LimitPrice: &takeProfit},
		StopLoss:      &alpaca.StopLoss{StopPrice: &stopLoss},
	})
	if err != nil {
		return nil, fmt.Errorf("placing bracket order for %s: %w", cmd.Ticker, err)
	}

	bracket := &domain.BracketOrder{
		GroupID: clientOrderID,
		Entry:   domain.Leg{OrderID: order.ID, Kind: domain.LegEntry, Status: domain.OrderStatusSubmitted},
	}
	for _, leg := range order.Legs {
		switch leg.Type {
		case alpaca.Limit:
			bracket.TakeProfit = domain.Leg{OrderID: leg.ID, Kind: domain.LegTakeProfit, Status: domain.OrderStatusSubmitted}
		case alpaca.Stop:
			bracket.StopLoss = domain.Leg{OrderID: leg.ID, Kind: domain.LegStopLoss, Status: domain.OrderStatusSubmitted}
		}
	}

	if updates != nil {
		b.mu.Lock()
		for _, leg := range bracket.Legs() {
			if leg.OrderID != "" {
				b.legs[leg.OrderID] = legRef{kind: leg.Kind, ch: updates}
				b.pending[updates]++
			}
		}
		registered := b.pending[updates]
		b.mu.Unlock()

		// Nothing to stream for: the caller would otherwise wait on a
		// channel no dispatch will ever close.
		if registered == 0 {
			close(updates)
		}
	}

	return bracket, nil
}

// OpenOrders returns all working orders, brackets nested into their legs.
func (b *AlpacaBroker) OpenOrders(_ context.Context) ([]domain.Order, error) {
	alpacaOrders, err := b.client.GetOrders(alpaca.GetOrdersRequest{Status: "open", Nested: true})
	if err != nil {
		return nil, fmt.Errorf("listing open orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(alpacaOrders))
	for _, o := range alpacaOrders {
		order := domain.Order{
			ID:        o.ID,
			Ticker:    o.Symbol,
			Side:      string(o.Side),
			Status:    alpacaOrderStatus(o.Status),
			CreatedAt: o.CreatedAt,
		}
		if o.Qty != nil {
			order.Qty = o.Qty.InexactFloat64()
		}
		if o.LimitPrice != nil {
			order.LimitPrice = o.LimitPrice.InexactFloat64()
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// Positions returns all current positions held at the brokerage.
func (b *AlpacaBroker) Positions(_ context.Context) ([]domain.Position, error) {
	alpacaPositions, err := b.client.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}

	positions := make([]domain.Position, 0, len(alpacaPositions))
	for _, p := range alpacaPositions {
		pos := domain.Position{
			Ticker:  p.Symbol,
			Qty:     p.Qty.InexactFloat64(),
			AvgCost: p.AvgEntryPrice.InexactFloat64(),
		}
		if p.MarketValue != nil {
			pos.MarketValue = p.MarketValue.InexactFloat64()
		}
		if p.UnrealizedPL != nil {
			pos.UnrealizedPL = p.UnrealizedPL.InexactFloat64()
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// AccountValues builds the ledger from the account snapshot; unrealized
// P&L is the sum over open positions.
func (b *AlpacaBroker) AccountValues(ctx context.Context) ([]domain.AccountValue, error) {
	acct, err := b.client.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("reading account: %w", err)
	}

	positions, err := b.Positions(ctx)
	if err != nil {
		return nil, err
	}
	var unrealized float64
	for _, p := range positions {
		unrealized += p.UnrealizedPL
	}

	return []domain.AccountValue{
		{Key: KeyAvailableFunds, Value: acct.Cash.InexactFloat64()},
		{Key: KeyBuyingPower, Value: acct.BuyingPower.InexactFloat64()},
		{Key: KeyEquityWithLoan, Value: acct.Equity.InexactFloat64()},
		{Key: KeyUnrealizedPnL, Value: unrealized},
	}, nil
}

// Close stops the trade-update stream and closes every pending status
// channel.
func (b *AlpacaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.streamCancel != nil {
		b.streamCancel()
		b.streamCancel = nil
	}

	for ch := range b.pending {
		close(ch)
		delete(b.pending, ch)
	}
	for id := range b.legs {
		delete(b.legs, id)
	}
	return nil
}

func alpacaEventStatus(event string) domain.OrderStatus {
	switch event {
	case "new", "pending_new":
		return domain.OrderStatusSubmitted
	case "fill":
		return domain.OrderStatusFilled
	case "canceled", "pending_cancel":
		return domain.OrderStatusCancelled
	case "rejected":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusAccepted
	}
}

func alpacaOrderStatus(status string) domain.OrderStatus {
	switch status {
	case "new", "pending_new", "accepted":
		return domain.OrderStatusSubmitted
	case "filled", "partially_filled":
		return domain.OrderStatusFilled
	case "canceled", "pending_cancel", "expired":
		return domain.OrderStatusCancelled
	case "rejected":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusAccepted
	}
}
