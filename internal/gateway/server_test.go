package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ordergate/internal/broker"
	"ordergate/internal/config"
	"ordergate/internal/domain"
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

type fakeFence struct {
	allow bool
	err   error
}

func (f *fakeFence) Allows(string) (bool, error) {
	return f.allow, f.err
}

type failingBroker struct {
	*broker.SimulatorBroker
}

func (b *failingBroker) PlaceBracketOrder(context.Context, domain.BracketOrderCommand, chan<- domain.OrderStatusUpdate) (*domain.BracketOrder, error) {
	return nil, errors.New("gateway connection lost")
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.Server{GatewayPassword: "correct-secret"},
		Broker: config.Broker{Kind: "simulator", OrderCurrency: "USD"},
	}
}

// serve runs one request through the full handler chain.
func serve(s *Server, method, path, remoteAddr, password, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = remoteAddr
	if password != "" {
		req.Header.Set(HeaderGatewayPassword, password)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name       string
		fence      GeoFence
		remoteAddr string
		wantCode   int
		wantBody   string
	}{
		{"loopback bypasses lookup", &fakeFence{err: errors.New("must not be called")}, "127.0.0.1:9999", http.StatusOK, "ok"},
		{"allowed caller", &fakeFence{allow: true}, "203.0.113.10:9999", http.StatusOK, "ok"},
		{"disallowed caller", &fakeFence{}, "203.0.113.10:9999", http.StatusNotFound, "not found"},
		{"lookup failure denies", &fakeFence{err: errors.New("corrupt database")}, "203.0.113.10:9999", http.StatusNotFound, "not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(testConfig(), tt.fence, broker.NewSimulatorBroker())
			rec := serve(s, http.MethodGet, "/healthz", tt.remoteAddr, "", "")
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if got := rec.Body.String(); got != tt.wantBody {
				t.Errorf("body = %q, want %q", got, tt.wantBody)
			}
		})
	}
}

// The gateway strips the port before consulting the fence.
func TestCallerAddrStripsPort(t *testing.T) {
	var seen string
	fence := fenceFunc(func(addr string) (bool, error) {
		seen = addr
		return true, nil
	})
	s := NewServer(testConfig(), fence, broker.NewSimulatorBroker())

	serve(s, http.MethodGet, "/healthz", "203.0.113.10:9999", "", "")
	if seen != "203.0.113.10" {
		t.Errorf("fence consulted with %q, want %q", seen, "203.0.113.10")
	}
}

type fenceFunc func(string) (bool, error)

func (f fenceFunc) Allows(addr string) (bool, error) {
	return f(addr)
}

func TestOrdersValid(t *testing.T) {
	sim := broker.NewSimulatorBroker()
	s := NewServer(testConfig(), &fakeFence{allow: true}, sim)

	rec := serve(s, http.MethodPost, "/orders", "127.0.0.1:9999", "correct-secret", validBody)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if got := rec.Body.String(); got != "order-placed" {
		t.Errorf("body = %q, want %q", got, "order-placed")
	}

	commands := sim.Commands()
	if len(commands) != 1 {
		t.Fatalf("broker received %d commands, want 1", len(commands))
	}
	cmd := commands[0]
	if cmd.Ticker != "AAPL" || cmd.Quantity != 10 {
		t.Errorf("broker received %+v, want ticker AAPL quantity 10", cmd)
	}
	if cmd.Currency != "USD" {
		t.Errorf("cmd.Currency = %q, want USD (from config)", cmd.Currency)
	}
}

func TestOrdersSecretRequired(t *testing.T) {
	// Loopback passes the geofence but still needs the secret: the
	// failure is 401, never 404.
	s := NewServer(testConfig(), &fakeFence{allow: false}, broker.NewSimulatorBroker())

	rec := serve(s, http.MethodPost, "/orders", "127.0.0.1:9999", "", validBody)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if got := rec.Body.String(); got != "unauthorized" {
		t.Errorf("body = %q, want %q", got, "unauthorized")
	}

	rec = serve(s, http.MethodPost, "/orders", "127.0.0.1:9999", "wrong-secret", validBody)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status with wrong secret = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestOrdersGeofencePrecedesSecret(t *testing.T) {
	// A disallowed region gets 404 even with the correct secret.
	sim := broker.NewSimulatorBroker()
	s := NewServer(testConfig(), &fakeFence{allow: false}, sim)

	rec := serve(s, http.MethodPost, "/orders", "203.0.113.10:9999", "correct-secret", validBody)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if len(sim.Commands()) != 0 {
		t.Error("broker was called for a geofenced request")
	}
}

func TestOrdersGeofenceLookupFailureDenies(t *testing.T) {
	s := NewServer(testConfig(), &fakeFence{err: errors.New("corrupt database")}, broker.NewSimulatorBroker())

	rec := serve(s, http.MethodPost, "/orders", "203.0.113.10:9999", "correct-secret", validBody)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestOrdersValidationFailures(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantBody string
	}{
		{
			"wrong source",
			strings.Replace(validBody, "/api/flow_merchant", "/other/path", 1),
			"invalid attribute source",
		},
		{
			"wrong type",
			strings.Replace(validBody, "net.revanchist.flowmerchant.IBKROrder", "some.other.Order", 1),
			"invalid attribute type",
		},
		{
			"missing stop_loss_price",
			strings.Replace(validBody, `{"stop_loss_price": 145.0}`, `{}`, 1),
			"missing stop_loss_price",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := broker.NewSimulatorBroker()
			s := NewServer(testConfig(), &fakeFence{allow: true}, sim)

			rec := serve(s, http.MethodPost, "/orders", "127.0.0.1:9999", "correct-secret", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if got := rec.Body.String(); got != tt.wantBody {
				t.Errorf("body = %q, want %q", got, tt.wantBody)
			}
			if len(sim.Commands()) != 0 {
				t.Error("broker was called for a rejected payload")
			}
		})
	}
}

func TestOrdersMalformedJSON(t *testing.T) {
	s := NewServer(testConfig(), &fakeFence{allow: true}, broker.NewSimulatorBroker())

	rec := serve(s, http.MethodPost, "/orders", "127.0.0.1:9999", "correct-secret", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestOrdersBrokerFailure(t *testing.T) {
	// Broker faults surface as an opaque 500, never the internal error.
	b := &failingBroker{broker.NewSimulatorBroker()}
	s := NewServer(testConfig(), &fakeFence{allow: true}, b)

	rec := serve(s, http.MethodPost, "/orders", "127.0.0.1:9999", "correct-secret", validBody)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if got := rec.Body.String(); got != "order-placement-error" {
		t.Errorf("body = %q, want %q", got, "order-placement-error")
	}
	if strings.Contains(rec.Body.String(), "connection lost") {
		t.Error("internal error detail leaked to the caller")
	}
}

func TestAccount(t *testing.T) {
	sim := broker.NewSimulatorBroker()
	sim.SetAccountValue("UnrealizedPnL", -12.5)
	s := NewServer(testConfig(), &fakeFence{allow: true}, sim)

	rec := serve(s, http.MethodGet, "/account", "127.0.0.1:9999", "correct-secret", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusOK, rec.Body.String())
	}

	var snap map[string]float64
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decoding account response: %v", err)
	}
	if snap["unrealized_pnl"] != -12.5 {
		t.Errorf("unrealized_pnl = %v, want -12.5", snap["unrealized_pnl"])
	}
	if snap["buying_power"] != 200000 {
		t.Errorf("buying_power = %v, want 200000", snap["buying_power"])
	}

	// Same guard as /orders.
	rec = serve(s, http.MethodGet, "/account", "127.0.0.1:9999", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status without secret = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}
