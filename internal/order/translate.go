// Package order implements the inbound order-request validator and
// translator: it walks the fixed schema of a flow-merchant notification
// and produces a fully-specified bracket-order command, or rejects with a
// diagnostic naming the first missing field.
package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ordergate/internal/domain"
)

// Markers the notification attributes must carry before the payload body
// is inspected.
const (
	TypeMarker   = "net.revanchist.flowmerchant.IBKROrder"
	SourceMarker = "/api/flow_merchant"
)

// ValidationError reports the first structural problem found in an
// inbound envelope. Message doubles as the operator-facing diagnostic and
// is returned verbatim to the caller.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func missing(field string) *ValidationError {
	return &ValidationError{Field: field, Message: "missing " + field}
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

// Envelope is the inbound notification. Attributes decode eagerly; the
// data subtree stays raw until the attribute markers have been checked,
// keeping the validation order observable.
type Envelope struct {
	Attributes *Attributes     `json:"attributes"`
	Data       json.RawMessage `json:"data"`
}

// Attributes identify the notification's type and originating path.
type Attributes struct {
	Type   string `json:"type"`
	Source string `json:"source"`
}

// Each level decodes its children as raw JSON so presence checks run in
// the fixed order before any deeper subtree is parsed: a wrong-typed
// field cannot pre-empt an earlier missing-field diagnostic.
type payloadData struct {
	Orders json.RawMessage `json:"orders"`
	DryRun bool            `json:"dry_run"`
}

type payloadOrders struct {
	MarketOrder     json.RawMessage `json:"market_order"`
	StopLossOrder   json.RawMessage `json:"stop_loss_order"`
	TakeProfitOrder json.RawMessage `json:"take_profit_order"`
}

// Optional-field decode: a nil pointer means the key was absent, which is
// how the translator distinguishes "missing" from "zero".
type marketOrderSpec struct {
	Ticker     *string  `json:"ticker"`
	Contracts  *float64 `json:"contracts"`
	LimitPrice *float64 `json:"limit_price"`
}

type stopLossOrderSpec struct {
	StopLossPrice *float64 `json:"stop_loss_price"`
}

type takeProfitOrderSpec struct {
	TakeProfitPrice *float64 `json:"take_profit_price"`
}

// ---------------------------------------------------------------------------
// Translation
// ---------------------------------------------------------------------------

// Translate walks the fixed required-field schema of the envelope, in
// order, stopping at the first failure. On success it returns a
// BracketOrderCommand with the currency injected from configuration; any
// currency present in the payload is ignored. Failures are returned as
// *ValidationError.
func Translate(env *Envelope, currency string) (domain.BracketOrderCommand, error) {
	var cmd domain.BracketOrderCommand

	if env.Attributes == nil || !strings.Contains(env.Attributes.Type, TypeMarker) {
		return cmd, &ValidationError{Field: "attributes.type", Message: "invalid attribute type"}
	}
	if !strings.Contains(env.Attributes.Source, SourceMarker) {
		return cmd, &ValidationError{Field: "attributes.source", Message: "invalid attribute source"}
	}

	if absent(env.Data) {
		return cmd, missing("data")
	}

	var data payloadData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return cmd, typeMismatch(err, "data")
	}

	if absent(data.Orders) {
		return cmd, missing("orders")
	}
	var orders payloadOrders
	if err := json.Unmarshal(data.Orders, &orders); err != nil {
		return cmd, typeMismatch(err, "orders")
	}

	if absent(orders.MarketOrder) {
		return cmd, missing("market_order")
	}
	if absent(orders.StopLossOrder) {
		return cmd, missing("stop_loss_order")
	}
	if absent(orders.TakeProfitOrder) {
		return cmd, missing("take_profit_order")
	}

	var market marketOrderSpec
	if err := json.Unmarshal(orders.MarketOrder, &market); err != nil {
		return cmd, typeMismatch(err, "market_order")
	}
	if market.Ticker == nil {
		return cmd, missing("ticker")
	}
	if market.Contracts == nil {
		return cmd, missing("contracts")
	}
	if market.LimitPrice == nil {
		return cmd, missing("limit_price")
	}

	var stopLoss stopLossOrderSpec
	if err := json.Unmarshal(orders.StopLossOrder, &stopLoss); err != nil {
		return cmd, typeMismatch(err, "stop_loss_order")
	}
	if stopLoss.StopLossPrice == nil {
		return cmd, missing("stop_loss_price")
	}

	var takeProfit takeProfitOrderSpec
	if err := json.Unmarshal(orders.TakeProfitOrder, &takeProfit); err != nil {
		return cmd, typeMismatch(err, "take_profit_order")
	}
	if takeProfit.TakeProfitPrice == nil {
		return cmd, missing("take_profit_price")
	}

	cmd = domain.BracketOrderCommand{
		Ticker:          *market.Ticker,
		Currency:        currency,
		Quantity:        *market.Contracts,
		LimitPrice:      *market.LimitPrice,
		TakeProfitPrice: *takeProfit.TakeProfitPrice,
		StopLossPrice:   *stopLoss.StopLossPrice,
		Simulate:        data.DryRun,
	}
	return cmd, nil
}

// absent reports a child key that was missing or explicitly null.
func absent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// typeMismatch converts a decode error into a diagnostic distinct from
// "missing": the field exists but carries the wrong JSON type. When the
// decoder cannot name the offending field, the enclosing one is used.
func typeMismatch(err error, field string) *ValidationError {
	var te *json.UnmarshalTypeError
	if errors.As(err, &te) && te.Field != "" {
		field = te.Field
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("invalid type for %s", field),
	}
}
