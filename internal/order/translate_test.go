package order

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

const validBody = `{
	"attributes": {
		"type": "net.revanchist.flowmerchant.IBKROrder",
		"source": "/api/flow_merchant"
	},
	"data": {
		"orders": {
			"market_order": {"ticker": "AAPL", "contracts": 10, "limit_price": 150.0},
			"stop_loss_order": {"stop_loss_price": 145.0},
			"take_profit_order": {"take_profit_price": 160.0}
		}
	}
}`

func decodeEnvelope(t *testing.T, body string) *Envelope {
	t.Helper()
	env := &Envelope{}
	if err := json.Unmarshal([]byte(body), env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	return env
}

func TestTranslateValid(t *testing.T) {
	env := decodeEnvelope(t, validBody)

	cmd, err := Translate(env, "USD")
	if err != nil {
		t.Fatalf("Translate() returned error: %v", err)
	}

	if cmd.Ticker != "AAPL" {
		t.Errorf("cmd.Ticker = %q, want %q", cmd.Ticker, "AAPL")
	}
	if cmd.Currency != "USD" {
		t.Errorf("cmd.Currency = %q, want %q", cmd.Currency, "USD")
	}
	if cmd.Quantity != 10 {
		t.Errorf("cmd.Quantity = %v, want %v", cmd.Quantity, 10.0)
	}
	if cmd.LimitPrice != 150.0 {
		t.Errorf("cmd.LimitPrice = %v, want %v", cmd.LimitPrice, 150.0)
	}
	if cmd.TakeProfitPrice != 160.0 {
		t.Errorf("cmd.TakeProfitPrice = %v, want %v", cmd.TakeProfitPrice, 160.0)
	}
	if cmd.StopLossPrice != 145.0 {
		t.Errorf("cmd.StopLossPrice = %v, want %v", cmd.StopLossPrice, 145.0)
	}
	if cmd.Simulate {
		t.Error("cmd.Simulate = true, want false")
	}
}

// The currency always comes from configuration, never from the payload.
func TestTranslateCurrencyFromConfig(t *testing.T) {
	body := strings.Replace(validBody,
		`"ticker": "AAPL"`,
		`"ticker": "AAPL", "currency": "EUR"`, 1)
	env := decodeEnvelope(t, body)

	cmd, err := Translate(env, "JPY")
	if err != nil {
		t.Fatalf("Translate() returned error: %v", err)
	}
	if cmd.Currency != "JPY" {
		t.Errorf("cmd.Currency = %q, want %q", cmd.Currency, "JPY")
	}
}

func TestTranslateDryRun(t *testing.T) {
	body := strings.Replace(validBody, `"orders"`, `"dry_run": true, "orders"`, 1)
	env := decodeEnvelope(t, body)

	cmd, err := Translate(env, "USD")
	if err != nil {
		t.Fatalf("Translate() returned error: %v", err)
	}
	if !cmd.Simulate {
		t.Error("cmd.Simulate = false, want true")
	}
}

// The markers are substring matches: extra namespacing around them passes.
func TestTranslateMarkerSubstrings(t *testing.T) {
	body := strings.Replace(validBody,
		`"net.revanchist.flowmerchant.IBKROrder"`,
		`"v2:net.revanchist.flowmerchant.IBKROrder:prod"`, 1)
	body = strings.Replace(body,
		`"/api/flow_merchant"`,
		`"https://example.com/api/flow_merchant"`, 1)
	env := decodeEnvelope(t, body)

	if _, err := Translate(env, "USD"); err != nil {
		t.Fatalf("Translate() returned error: %v", err)
	}
}

func TestTranslateFirstFailureWins(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantMessage string
	}{
		{
			name:        "missing attributes entirely",
			body:        `{"data": {}}`,
			wantMessage: "invalid attribute type",
		},
		{
			name: "wrong attribute type",
			body: strings.Replace(validBody,
				"net.revanchist.flowmerchant.IBKROrder", "net.revanchist.flowmerchant.AlpacaOrder", 1),
			wantMessage: "invalid attribute type",
		},
		{
			name: "wrong attribute source",
			body: strings.Replace(validBody,
				"/api/flow_merchant", "/other/path", 1),
			wantMessage: "invalid attribute source",
		},
		{
			name: "missing data",
			body: `{"attributes": {"type": "net.revanchist.flowmerchant.IBKROrder",
				"source": "/api/flow_merchant"}}`,
			wantMessage: "missing data",
		},
		{
			name: "null data",
			body: `{"attributes": {"type": "net.revanchist.flowmerchant.IBKROrder",
				"source": "/api/flow_merchant"}, "data": null}`,
			wantMessage: "missing data",
		},
		{
			name: "missing orders",
			body: `{"attributes": {"type": "net.revanchist.flowmerchant.IBKROrder",
				"source": "/api/flow_merchant"}, "data": {}}`,
			wantMessage: "missing orders",
		},
		{
			name: "missing market_order",
			body: `{"attributes": {"type": "net.revanchist.flowmerchant.IBKROrder",
				"source": "/api/flow_merchant"}, "data": {"orders": {}}}`,
			wantMessage: "missing market_order",
		},
		{
			// The market_order presence check runs before any sibling
			// subtree is parsed, so a wrong-typed sibling cannot pre-empt it.
			name: "missing market_order beside wrong-typed sibling",
			body: `{"attributes": {"type": "net.revanchist.flowmerchant.IBKROrder",
				"source": "/api/flow_merchant"},
				"data": {"orders": {"take_profit_order": 5}}}`,
			wantMessage: "missing market_order",
		},
		{
			name: "missing stop_loss_order",
			body: `{"attributes": {"type": "net.revanchist.flowmerchant.IBKROrder",
				"source": "/api/flow_merchant"},
				"data": {"orders": {"market_order": {}}}}`,
			wantMessage: "missing stop_loss_order",
		},
		{
			name: "missing take_profit_order",
			body: `{"attributes": {"type": "net.revanchist.flowmerchant.IBKROrder",
				"source": "/api/flow_merchant"},
				"data": {"orders": {"market_order": {}, "stop_loss_order": {}}}}`,
			wantMessage: "missing take_profit_order",
		},
		{
			name: "missing ticker",
			body: `{"attributes": {"type": "net.revanchist.flowmerchant.IBKROrder",
				"source": "/api/flow_merchant"},
				"data": {"orders": {"market_order": {},
					"stop_loss_order": {}, "take_profit_order": {}}}}`,
			wantMessage: "missing ticker",
		},
		{
			name: "missing contracts",
			body: `{"attributes": {"type": "net.revanchist.flowmerchant.IBKROrder",
				"source": "/api/flow_merchant"},
				"data": {"orders": {"market_order": {"ticker": "AAPL"},
					"stop_loss_order": {}, "take_profit_order": {}}}}`,
			wantMessage: "missing contracts",
		},
		{
			name: "missing limit_price",
			body: `{"attributes": {"type": "net.revanchist.flowmerchant.IBKROrder",
				"source": "/api/flow_merchant"},
				"data": {"orders": {"market_order": {"ticker": "AAPL", "contracts": 10},
					"stop_loss_order": {}, "take_profit_order": {}}}}`,
			wantMessage: "missing limit_price",
		},
		{
			// stop_loss_price is checked before take_profit_price: with both
			// absent, the reported failure is always the stop loss.
			name: "missing stop_loss_price and take_profit_price",
			body: `{"attributes": {"type": "net.revanchist.flowmerchant.IBKROrder",
				"source": "/api/flow_merchant"},
				"data": {"orders": {"market_order": {"ticker": "AAPL", "contracts": 10, "limit_price": 150.0},
					"stop_loss_order": {}, "take_profit_order": {}}}}`,
			wantMessage: "missing stop_loss_price",
		},
		{
			name: "missing take_profit_price",
			body: `{"attributes": {"type": "net.revanchist.flowmerchant.IBKROrder",
				"source": "/api/flow_merchant"},
				"data": {"orders": {"market_order": {"ticker": "AAPL", "contracts": 10, "limit_price": 150.0},
					"stop_loss_order": {"stop_loss_price": 145.0}, "take_profit_order": {}}}}`,
			wantMessage: "missing take_profit_price",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := decodeEnvelope(t, tt.body)

			_, err := Translate(env, "USD")
			if err == nil {
				t.Fatal("Translate() succeeded, want validation failure")
			}

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Translate() error type = %T, want *ValidationError", err)
			}
			if verr.Message != tt.wantMessage {
				t.Errorf("message = %q, want %q", verr.Message, tt.wantMessage)
			}
		})
	}
}

// A wrong attribute type short-circuits before the rest of the payload is
// inspected, even if the body is otherwise broken.
func TestTranslateStopsAtAttributeType(t *testing.T) {
	body := `{"attributes": {"type": "bogus", "source": "bogus"},
		"data": {"orders": {"market_order": "not-an-object"}}}`
	env := decodeEnvelope(t, body)

	_, err := Translate(env, "USD")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Translate() error type = %T, want *ValidationError", err)
	}
	if verr.Message != "invalid attribute type" {
		t.Errorf("message = %q, want %q", verr.Message, "invalid attribute type")
	}
}

// A field that is present but carries the wrong JSON type gets a
// type-mismatch diagnostic, not a "missing" one.
func TestTranslateTypeMismatch(t *testing.T) {
	body := strings.Replace(validBody, `"limit_price": 150.0`, `"limit_price": "150.0"`, 1)
	env := decodeEnvelope(t, body)

	_, err := Translate(env, "USD")
	if err == nil {
		t.Fatal("Translate() succeeded with non-numeric limit_price")
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Translate() error type = %T, want *ValidationError", err)
	}
	if strings.Contains(verr.Message, "missing") {
		t.Errorf("message = %q, want a type diagnostic, not a missing-field one", verr.Message)
	}
	if !strings.Contains(verr.Message, "limit_price") {
		t.Errorf("message = %q, want mention of limit_price", verr.Message)
	}
}

// A subtree that is present but not an object names the subtree itself
// in the diagnostic.
func TestTranslateSubtreeTypeMismatch(t *testing.T) {
	body := strings.Replace(validBody, `{"stop_loss_price": 145.0}`, `"not-an-object"`, 1)
	env := decodeEnvelope(t, body)

	_, err := Translate(env, "USD")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Translate() error type = %T, want *ValidationError", err)
	}
	if verr.Message != "invalid type for stop_loss_order" {
		t.Errorf("message = %q, want %q", verr.Message, "invalid type for stop_loss_order")
	}
}
