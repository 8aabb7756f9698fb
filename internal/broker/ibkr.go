package broker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"ordergate/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*IBKRBroker)(nil)

// IBKRBroker implements the Broker interface against a local IB
// client-portal gateway's REST API. The gateway serves a self-signed
// certificate on localhost, so certificate verification is disabled for
// this client.
type IBKRBroker struct {
	baseURL    string
	account    string
	clientID   int
	httpClient *http.Client
	log        *slog.Logger
}

// NewIBKRBroker creates an IBKRBroker talking to the client-portal
// gateway at addr:port.
func NewIBKRBroker(addr string, port int, account string, clientID int) *IBKRBroker {
	return &IBKRBroker{
		baseURL:  fmt.Sprintf("https://%s:%d/v1/api", addr, port),
		account:  account,
		clientID: clientID,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		log: slog.Default().With("broker", "ibkr"),
	}
}

// Name returns "ibkr".
func (b *IBKRBroker) Name() string {
	return "ibkr"
}

// Connect verifies that the gateway is reachable and holds an
// authenticated brokerage session.
func (b *IBKRBroker) Connect(ctx context.Context) error {
	var status struct {
		Authenticated bool `json:"authenticated"`
		Connected     bool `json:"connected"`
	}
	if err := b.do(ctx, http.MethodPost, "/iserver/auth/status", nil, &status); err != nil {
		return fmt.Errorf("querying gateway auth status: %w", err)
	}
	if !status.Connected || !status.Authenticated {
		return fmt.Errorf("gateway session not ready: connected=%v authenticated=%v", status.Connected, status.Authenticated)
	}
	b.log.Info("connected to client-portal gateway", "account", b.account)
	return nil
}

// ---------------------------------------------------------------------------
// Order placement
// ---------------------------------------------------------------------------

type ibkrOrderTicket struct {
	AcctID     string  `json:"acctId"`
	ConID      int64   `json:"conid"`
	COID       string  `json:"cOID,omitempty"`
	ParentID   string  `json:"parentId,omitempty"`
	OrderType  string  `json:"orderType"`
	Side       string  `json:"side"`
	TIF        string  `json:"tif"`
	Quantity   float64 `json:"quantity"`
	Price      float64 `json:"price"`
	IsSingleGr bool    `json:"isSingleGroup"`
}

type ibkrOrderReply struct {
	OrderID     string `json:"order_id"`
	OrderStatus string `json:"order_status"`
	LocalID     string `json:"local_order_id"`
}

// PlaceBracketOrder submits a parent limit order with linked take-profit
// and stop-loss children, tied together through the parent's client order
// id. Simulate routes the ticket through the gateway's what-if endpoint,
// which validates without committing capital.
func (b *IBKRBroker) PlaceBracketOrder(ctx context.Context, cmd domain.BracketOrderCommand, updates chan<- domain.OrderStatusUpdate) (*domain.BracketOrder, error) {
	conID, err := b.searchConID(ctx, cmd.Ticker, cmd.Currency)
	if err != nil {
		return nil, err
	}

	parentID := fmt.Sprintf("og-%d-%s", b.clientID, uuid.NewString()[:8])
	tickets := []ibkrOrderTicket{
		{
			AcctID: b.account, ConID: conID, COID: parentID,
			OrderType: "LMT", Side: "BUY", TIF: "DAY",
			Quantity: cmd.Quantity, Price: cmd.LimitPrice, IsSingleGr: true,
		},
		{
			AcctID: b.account, ConID: conID, ParentID: parentID,
			OrderType: "LMT", Side: "SELL", TIF: "GTC",
			Quantity: cmd.Quantity, Price: cmd.TakeProfitPrice, IsSingleGr: true,
		},
		{
			AcctID: b.account, ConID: conID, ParentID: parentID,
			OrderType: "STP", Side: "SELL", TIF: "GTC",
			Quantity: cmd.Quantity, Price: cmd.StopLossPrice, IsSingleGr: true,
		},
	}

	path := fmt.Sprintf("/iserver/account/%s/orders", url.PathEscape(b.account))
	status := domain.OrderStatusSubmitted
	if cmd.Simulate {
		path += "/whatif"
		status = domain.OrderStatusSimulated
	}

	var replies []ibkrOrderReply
	body := map[string][]ibkrOrderTicket{"orders": tickets}
	if err := b.do(ctx, http.MethodPost, path, body, &replies); err != nil {
		return nil, fmt.Errorf("placing bracket order for %s: %w", cmd.Ticker, err)
	}

	bracket := &domain.BracketOrder{GroupID: parentID}
	kinds := []domain.LegKind{domain.LegEntry, domain.LegTakeProfit, domain.LegStopLoss}
	for i, kind := range kinds {
		leg := domain.Leg{Kind: kind, Status: status}
		if i < len(replies) {
			leg.OrderID = replies[i].OrderID
		}
		switch kind {
		case domain.LegEntry:
			bracket.Entry = leg
		case domain.LegTakeProfit:
			bracket.TakeProfit = leg
		case domain.LegStopLoss:
			bracket.StopLoss = leg
		}
	}

	if updates != nil {
		for _, leg := range bracket.Legs() {
			updates <- domain.OrderStatusUpdate{
				OrderID: leg.OrderID,
				Kind:    leg.Kind,
				Status:  leg.Status,
				At:      time.Now(),
			}
		}
		close(updates)
	}

	return bracket, nil
}

// searchConID resolves a ticker to the gateway's numeric contract id.
func (b *IBKRBroker) searchConID(ctx context.Context, ticker, currency string) (int64, error) {
	var results []struct {
		ConID       int64  `json:"conid"`
		Symbol      string `json:"symbol"`
		Description string `json:"description"`
	}
	body := map[string]any{"symbol": ticker, "secType": "STK", "name": false}
	if err := b.do(ctx, http.MethodPost, "/iserver/secdef/search", body, &results); err != nil {
		return 0, fmt.Errorf("resolving contract for %s/%s: %w", ticker, currency, err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("no contract found for %s", ticker)
	}
	return results[0].ConID, nil
}

// ---------------------------------------------------------------------------
// Account inspection
// ---------------------------------------------------------------------------

// OpenOrders returns the gateway's working orders.
func (b *IBKRBroker) OpenOrders(ctx context.Context) ([]domain.Order, error) {
	var resp struct {
		Orders []struct {
			OrderID     int64   `json:"orderId"`
			Ticker      string  `json:"ticker"`
			Side        string  `json:"side"`
			RemainingQt float64 `json:"remainingQuantity"`
			Price       float64 `json:"price"`
			Status      string  `json:"status"`
		} `json:"orders"`
	}
	if err := b.do(ctx, http.MethodGet, "/iserver/account/orders", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing open orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		orders = append(orders, domain.Order{
			ID:         fmt.Sprintf("%d", o.OrderID),
			Ticker:     o.Ticker,
			Side:       o.Side,
			Qty:        o.RemainingQt,
			LimitPrice: o.Price,
			Status:     ibkrStatus(o.Status),
		})
	}
	return orders, nil
}

// Positions returns the account's portfolio positions.
func (b *IBKRBroker) Positions(ctx context.Context) ([]domain.Position, error) {
	var resp []struct {
		ContractDesc string  `json:"contractDesc"`
		Position     float64 `json:"position"`
		AvgCost      float64 `json:"avgCost"`
		MktValue     float64 `json:"mktValue"`
		UnrealizedPL float64 `json:"unrealizedPnl"`
	}
	path := fmt.Sprintf("/portfolio/%s/positions/0", url.PathEscape(b.account))
	if err := b.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}

	positions := make([]domain.Position, 0, len(resp))
	for _, p := range resp {
		positions = append(positions, domain.Position{
			Ticker:       p.ContractDesc,
			Qty:          p.Position,
			AvgCost:      p.AvgCost,
			MarketValue:  p.MktValue,
			UnrealizedPL: p.UnrealizedPL,
		})
	}
	return positions, nil
}

// AccountValues reads the portfolio summary ledger. Known gateway keys
// are normalized to the canonical metric names; everything else passes
// through untouched.
func (b *IBKRBroker) AccountValues(ctx context.Context) ([]domain.AccountValue, error) {
	var summary map[string]struct {
		Amount float64 `json:"amount"`
	}
	path := fmt.Sprintf("/portfolio/%s/summary", url.PathEscape(b.account))
	if err := b.do(ctx, http.MethodGet, path, nil, &summary); err != nil {
		return nil, fmt.Errorf("reading account summary: %w", err)
	}

	canonical := map[string]string{
		"unrealizedpnl":       KeyUnrealizedPnL,
		"availablefunds":      KeyAvailableFunds,
		"buyingpower":         KeyBuyingPower,
		"equitywithloanvalue": KeyEquityWithLoan,
	}

	values := make([]domain.AccountValue, 0, len(summary))
	for key, entry := range summary {
		if name, ok := canonical[key]; ok {
			key = name
		}
		values = append(values, domain.AccountValue{Key: key, Value: entry.Amount})
	}
	return values, nil
}

// ibkrStatus maps a gateway order status onto the domain lifecycle.
func ibkrStatus(s string) domain.OrderStatus {
	switch strings.ToLower(s) {
	case "pendingsubmit", "presubmitted", "submitted":
		return domain.OrderStatusSubmitted
	case "filled":
		return domain.OrderStatusFilled
	case "cancelled", "pendingcancel":
		return domain.OrderStatusCancelled
	case "inactive":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusAccepted
	}
}

// Close drops idle gateway connections.
func (b *IBKRBroker) Close() error {
	b.httpClient.CloseIdleConnections()
	return nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// do issues one JSON request against the gateway and decodes the response
// into out (when out is non-nil).
func (b *IBKRBroker) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("%s %s: http %s: %s", method, path, res.Status, detail)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}
