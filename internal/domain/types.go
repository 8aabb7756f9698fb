// Package domain defines the value types shared across the gateway: the
// translated bracket-order command, broker-side order and position
// snapshots, and order status updates.
package domain

import "time"

// LegKind identifies one leg of a bracket order.
type LegKind string

const (
	LegEntry      LegKind = "entry"
	LegTakeProfit LegKind = "take_profit"
	LegStopLoss   LegKind = "stop_loss"
)

// OrderStatus is the lifecycle state of a single order leg.
type OrderStatus string

const (
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusAccepted  OrderStatus = "accepted"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusSimulated OrderStatus = "simulated"
)

// BracketOrderCommand is the fully-specified output of the order
// translator. Currency always comes from configuration, never from the
// inbound payload. The command is a value type and is not mutated after
// construction.
type BracketOrderCommand struct {
	Ticker          string
	Currency        string
	Quantity        float64
	LimitPrice      float64
	TakeProfitPrice float64
	StopLossPrice   float64
	Simulate        bool
}

// Leg is one of the three linked orders submitted for a bracket.
type Leg struct {
	OrderID string
	Kind    LegKind
	Status  OrderStatus
}

// BracketOrder is the broker's record of a placed bracket: three legs
// sharing a group ID so that a fill or cancel of one propagates to the
// others.
type BracketOrder struct {
	GroupID    string
	Entry      Leg
	TakeProfit Leg
	StopLoss   Leg
}

// Legs returns the three legs in submission order.
func (b *BracketOrder) Legs() []Leg {
	return []Leg{b.Entry, b.TakeProfit, b.StopLoss}
}

// OrderStatusUpdate is one element of the status stream emitted while a
// placed order's legs move through their lifecycle.
type OrderStatusUpdate struct {
	OrderID   string
	Kind      LegKind
	Status    OrderStatus
	FilledQty float64
	At        time.Time
}

// Order is a broker-side snapshot of a working order.
type Order struct {
	ID         string
	Ticker     string
	Side       string
	Qty        float64
	LimitPrice float64
	Status     OrderStatus
	CreatedAt  time.Time
}

// Position is a broker-side snapshot of a held position.
type Position struct {
	Ticker       string
	Qty          float64
	AvgCost      float64
	MarketValue  float64
	UnrealizedPL float64
}

// AccountValue is one entry of the brokerage account-value ledger.
// Account metrics are resolved by scanning a list of these entries for a
// matching key.
type AccountValue struct {
	Key   string
	Value float64
}
