package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ordergate/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker implements the Broker interface in memory, without
// external API calls. It records every bracket submission and is the fake
// used by the gateway's tests and by broker.kind=simulator.
type SimulatorBroker struct {
	mu       sync.Mutex
	nextID   int
	orders   map[string]*domain.Order
	groups   map[string]string // leg order ID -> group ID
	commands []domain.BracketOrderCommand
	values   []domain.AccountValue
}

// NewSimulatorBroker creates a SimulatorBroker with an empty order book
// and a seeded account-value ledger.
func NewSimulatorBroker() *SimulatorBroker {
	return &SimulatorBroker{
		orders: make(map[string]*domain.Order),
		groups: make(map[string]string),
		values: []domain.AccountValue{
			{Key: KeyAvailableFunds, Value: 100000},
			{Key: KeyBuyingPower, Value: 200000},
			{Key: KeyEquityWithLoan, Value: 100000},
			{Key: KeyUnrealizedPnL, Value: 0},
		},
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// PlaceBracketOrder records three linked leg submissions sharing one group
// ID, emits a status update per leg, and closes the updates channel.
func (b *SimulatorBroker) PlaceBracketOrder(_ context.Context, cmd domain.BracketOrderCommand, updates chan<- domain.OrderStatusUpdate) (*domain.BracketOrder, error) {
	b.mu.Lock()

	status := domain.OrderStatusSubmitted
	if cmd.Simulate {
		status = domain.OrderStatusSimulated
	}

	groupID := uuid.NewString()
	bracket := &domain.BracketOrder{GroupID: groupID}

	legs := []struct {
		kind  domain.LegKind
		side  string
		price float64
	}{
		{domain.LegEntry, "buy", cmd.LimitPrice},
		{domain.LegTakeProfit, "sell", cmd.TakeProfitPrice},
		{domain.LegStopLoss, "sell", cmd.StopLossPrice},
	}

	emitted := make([]domain.OrderStatusUpdate, 0, len(legs))
	for _, l := range legs {
		b.nextID++
		id := fmt.Sprintf("%d", b.nextID)

		leg := domain.Leg{OrderID: id, Kind: l.kind, Status: status}
		switch l.kind {
		case domain.LegEntry:
			bracket.Entry = leg
		case domain.LegTakeProfit:
			bracket.TakeProfit = leg
		case domain.LegStopLoss:
			bracket.StopLoss = leg
		}

		// Simulated what-if legs never reach the order book.
		if !cmd.Simulate {
			b.orders[id] = &domain.Order{
				ID:         id,
				Ticker:     cmd.Ticker,
				Side:       l.side,
				Qty:        cmd.Quantity,
				LimitPrice: l.price,
				Status:     status,
				CreatedAt:  time.Now(),
			}
			b.groups[id] = groupID
		}

		emitted = append(emitted, domain.OrderStatusUpdate{
			OrderID: id,
			Kind:    l.kind,
			Status:  status,
			At:      time.Now(),
		})
	}

	b.commands = append(b.commands, cmd)
	b.mu.Unlock()

	if updates != nil {
		for _, u := range emitted {
			updates <- u
		}
		close(updates)
	}

	return bracket, nil
}

// CancelOrder cancels the given leg and, through the group link, every
// other leg of the same bracket.
func (b *SimulatorBroker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	groupID, ok := b.groups[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	for id, gid := range b.groups {
		if gid == groupID {
			b.orders[id].Status = domain.OrderStatusCancelled
		}
	}
	return nil
}

// OpenOrders returns all recorded orders that are still working.
func (b *SimulatorBroker) OpenOrders(_ context.Context) ([]domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	orders := make([]domain.Order, 0, len(b.orders))
	for _, o := range b.orders {
		if o.Status == domain.OrderStatusSubmitted || o.Status == domain.OrderStatusAccepted {
			orders = append(orders, *o)
		}
	}
	return orders, nil
}

// Positions returns no positions: the simulator never fills.
func (b *SimulatorBroker) Positions(_ context.Context) ([]domain.Position, error) {
	return nil, nil
}

// AccountValues returns the seeded ledger.
func (b *SimulatorBroker) AccountValues(_ context.Context) ([]domain.AccountValue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.AccountValue(nil), b.values...), nil
}

// Close is a no-op.
func (b *SimulatorBroker) Close() error {
	return nil
}

// Commands returns every bracket-order command placed so far.
func (b *SimulatorBroker) Commands() []domain.BracketOrderCommand {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.BracketOrderCommand(nil), b.commands...)
}

// SetAccountValue overrides or appends one ledger entry.
func (b *SimulatorBroker) SetAccountValue(key string, value float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.values {
		if b.values[i].Key == key {
			b.values[i].Value = value
			return
		}
	}
	b.values = append(b.values, domain.AccountValue{Key: key, Value: value})
}
