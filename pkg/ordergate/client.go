// Package ordergate provides a Go client for the order-gateway API.
package ordergate

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// headerGatewayPassword carries the shared secret on every guarded call.
const headerGatewayPassword = "X-Gateway-Password"

// Client talks to a running order gateway.
type Client struct {
	baseURL         string
	gatewayPassword string
	httpClient      *http.Client
}

// Option adjusts a Client at construction time.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithInsecureTLS skips certificate verification, for gateways serving a
// self-signed certificate.
func WithInsecureTLS() Option {
	return func(c *Client) {
		c.httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
}

// NewClient creates a gateway API client.
func NewClient(baseURL, gatewayPassword string, opts ...Option) *Client {
	c := &Client{
		baseURL:         baseURL,
		gatewayPassword: gatewayPassword,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ---------------------------------------------------------------------------
// Order payload
// ---------------------------------------------------------------------------

// Markers the gateway requires on every order envelope.
const (
	TypeMarker   = "net.revanchist.flowmerchant.IBKROrder"
	SourceMarker = "/api/flow_merchant"
)

// OrderRequest describes one bracket order to submit.
type OrderRequest struct {
	Ticker          string
	Contracts       float64
	LimitPrice      float64
	TakeProfitPrice float64
	StopLossPrice   float64
	Simulate        bool
}

type envelope struct {
	Attributes attributes `json:"attributes"`
	Data       data       `json:"data"`
}

type attributes struct {
	Type   string `json:"type"`
	Source string `json:"source"`
}

type data struct {
	Orders orders `json:"orders"`
	DryRun bool   `json:"dry_run,omitempty"`
}

type orders struct {
	MarketOrder     marketOrder     `json:"market_order"`
	StopLossOrder   stopLossOrder   `json:"stop_loss_order"`
	TakeProfitOrder takeProfitOrder `json:"take_profit_order"`
}

type marketOrder struct {
	Ticker     string  `json:"ticker"`
	Contracts  float64 `json:"contracts"`
	LimitPrice float64 `json:"limit_price"`
}

type stopLossOrder struct {
	StopLossPrice float64 `json:"stop_loss_price"`
}

type takeProfitOrder struct {
	TakeProfitPrice float64 `json:"take_profit_price"`
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Body)
}

// Health reports whether the gateway answers its health probe. The probe
// is geofenced: a denied caller sees the same failure as a gateway that
// is down.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return &APIError{StatusCode: res.StatusCode, Body: string(body)}
	}
	return nil
}

// SubmitOrder sends one bracket order through the gateway.
func (c *Client) SubmitOrder(ctx context.Context, order OrderRequest) error {
	env := envelope{
		Attributes: attributes{Type: TypeMarker, Source: SourceMarker},
		Data: data{
			Orders: orders{
				MarketOrder: marketOrder{
					Ticker:     order.Ticker,
					Contracts:  order.Contracts,
					LimitPrice: order.LimitPrice,
				},
				StopLossOrder:   stopLossOrder{StopLossPrice: order.StopLossPrice},
				TakeProfitOrder: takeProfitOrder{TakeProfitPrice: order.TakeProfitPrice},
			},
			DryRun: order.Simulate,
		},
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerGatewayPassword, c.gatewayPassword)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("submitting order: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return &APIError{StatusCode: res.StatusCode, Body: string(body)}
	}
	return nil
}

// Account is the gateway's account snapshot.
type Account struct {
	UnrealizedPnL  float64 `json:"unrealized_pnl"`
	AvailableFunds float64 `json:"available_funds"`
	BuyingPower    float64 `json:"buying_power"`
	EquityWithLoan float64 `json:"equity_with_loan"`
	OpenOrders     int     `json:"open_orders"`
	Positions      int     `json:"positions"`
}

// GetAccount retrieves the brokerage account snapshot.
func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/account", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerGatewayPassword, c.gatewayPassword)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return nil, &APIError{StatusCode: res.StatusCode, Body: string(body)}
	}

	account := &Account{}
	if err := json.NewDecoder(res.Body).Decode(account); err != nil {
		return nil, fmt.Errorf("decoding account: %w", err)
	}
	return account, nil
}
