// Package broker defines the Broker interface the gateway places orders
// through, and provides implementations for the IB client-portal gateway,
// the Alpaca API, and an in-memory simulator.
package broker

import (
	"context"
	"errors"
	"fmt"

	"ordergate/internal/config"
	"ordergate/internal/domain"
)

// ErrAccountValueNotFound is returned when the account-value ledger has no
// entry for a requested metric key.
var ErrAccountValueNotFound = errors.New("account value not found")

// Canonical account-value ledger keys.
const (
	KeyUnrealizedPnL  = "UnrealizedPnL"
	KeyAvailableFunds = "AvailableFunds"
	KeyBuyingPower    = "BuyingPower"
	KeyEquityWithLoan = "EquityWithLoanValue"
)

// Broker abstracts brokerage operations for bracket-order execution and
// account inspection.
type Broker interface {
	// Name returns the broker identifier (e.g. "ibkr", "simulator").
	Name() string

	// PlaceBracketOrder submits three linked orders (entry, take-profit,
	// stop-loss) for the command. Status transitions of each leg are sent
	// on updates; the implementation closes the channel once no further
	// updates will be delivered for this placement.
	PlaceBracketOrder(ctx context.Context, cmd domain.BracketOrderCommand, updates chan<- domain.OrderStatusUpdate) (*domain.BracketOrder, error)

	// OpenOrders returns all working orders at the brokerage.
	OpenOrders(ctx context.Context) ([]domain.Order, error)

	// Positions returns all current positions held at the brokerage.
	Positions(ctx context.Context) ([]domain.Position, error)

	// AccountValues returns the account-value ledger used to resolve
	// account metrics.
	AccountValues(ctx context.Context) ([]domain.AccountValue, error)

	// Close releases the brokerage connection.
	Close() error
}

// New constructs the broker selected by configuration.
func New(cfg *config.Config) (Broker, error) {
	switch cfg.Broker.Kind {
	case "ibkr":
		return NewIBKRBroker(cfg.IBKR.APIAddr, cfg.IBKR.APIPort, cfg.Broker.Account, cfg.ResolvedClientID()), nil
	case "alpaca":
		return NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL, cfg.ResolvedClientID()), nil
	case "simulator":
		return NewSimulatorBroker(), nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
}

// ---------------------------------------------------------------------------
// Account metrics
// ---------------------------------------------------------------------------

// UnrealizedPnL resolves the account's unrealized profit and loss.
func UnrealizedPnL(ctx context.Context, b Broker) (float64, error) {
	return accountMetric(ctx, b, KeyUnrealizedPnL)
}

// AvailableFunds resolves the account's available funds.
func AvailableFunds(ctx context.Context, b Broker) (float64, error) {
	return accountMetric(ctx, b, KeyAvailableFunds)
}

// BuyingPower resolves the account's buying power.
func BuyingPower(ctx context.Context, b Broker) (float64, error) {
	return accountMetric(ctx, b, KeyBuyingPower)
}

// EquityWithLoan resolves the account's equity with loan value.
func EquityWithLoan(ctx context.Context, b Broker) (float64, error) {
	return accountMetric(ctx, b, KeyEquityWithLoan)
}

func accountMetric(ctx context.Context, b Broker, key string) (float64, error) {
	values, err := b.AccountValues(ctx)
	if err != nil {
		return 0, err
	}
	return searchAccountValues(values, key)
}

// searchAccountValues scans the ledger for the metric key.
func searchAccountValues(values []domain.AccountValue, key string) (float64, error) {
	for _, av := range values {
		if av.Key == key {
			return av.Value, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrAccountValueNotFound, key)
}
