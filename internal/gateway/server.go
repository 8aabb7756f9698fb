// Package gateway provides the HTTPS endpoint layer: the access guard
// (geofence + shared secret) and the routes composing guard, translator,
// and broker into responses.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"ordergate/internal/broker"
	"ordergate/internal/config"
	"ordergate/internal/domain"
	"ordergate/internal/geofence"
	"ordergate/internal/order"
)

// HeaderGatewayPassword is the request header callers must use to present
// the shared secret.
const HeaderGatewayPassword = "X-Gateway-Password"

// brokerCallTimeout bounds the broker leg of an order request,
// consistent with the broker connection's own configured timeout.
const brokerCallTimeout = 10 * time.Second

// GeoFence is the caller-location predicate the guard consults.
type GeoFence interface {
	Allows(addr string) (bool, error)
}

// Server hosts the gateway's HTTP endpoints.
type Server struct {
	cfg    *config.Config
	fence  GeoFence
	broker broker.Broker
	log    *slog.Logger
}

// NewServer creates a Server wired with the given dependencies.
func NewServer(cfg *config.Config, fence GeoFence, b broker.Broker) *Server {
	return &Server{
		cfg:    cfg,
		fence:  fence,
		broker: b,
		log:    slog.Default().With("component", "gateway"),
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /orders", s.handleOrders)
	mux.HandleFunc("GET /account", s.handleAccount)
	return mux
}

// ---------------------------------------------------------------------------
// Access guard
// ---------------------------------------------------------------------------

// inGeofence applies the location gate. Loopback callers pass without
// consulting the fence at all. A lookup failure is an explicit deny with
// the cause logged, never a pass-through or a crash.
func (s *Server) inGeofence(logger *slog.Logger, r *http.Request) bool {
	addr := callerAddr(r)
	if geofence.IsLoopback(addr) {
		return true
	}
	ok, err := s.fence.Allows(addr)
	if err != nil {
		logger.Error("geofence lookup failed, denying", "addr", addr, "error", err)
		return false
	}
	if !ok {
		logger.Warn("caller outside geofence", "addr", addr)
	}
	return ok
}

// authorized checks the shared-secret header. Missing header and
// mismatched value are the same failure.
func (s *Server) authorized(r *http.Request) bool {
	return r.Header.Get(HeaderGatewayPassword) == s.cfg.Server.GatewayPassword
}

func callerAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.log.Debug("health check", "addr", callerAddr(r))
	if !s.inGeofence(s.log, r) {
		respondText(w, http.StatusNotFound, "not found")
		return
	}
	respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	logger := s.log.With("requestID", uuid.NewString())

	// Geofence first, then secret: a disallowed region never learns the
	// endpoint exists, even with valid credentials.
	if !s.inGeofence(logger, r) {
		respondText(w, http.StatusNotFound, "not found")
		return
	}
	if !s.authorized(r) {
		logger.Warn("bad or missing gateway password", "addr", callerAddr(r))
		respondText(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	env := &order.Envelope{}
	if err := json.NewDecoder(r.Body).Decode(env); err != nil {
		logger.Error("undecodable order payload", "error", err)
		respondText(w, http.StatusBadRequest, "bad request")
		return
	}
	logger.Info("received order from flow merchant")

	cmd, err := order.Translate(env, s.cfg.Broker.OrderCurrency)
	if err != nil {
		attrType := ""
		if env.Attributes != nil {
			attrType = env.Attributes.Type
		}
		var verr *order.ValidationError
		if errors.As(err, &verr) {
			logger.Error("rejected order payload", "attributeType", attrType, "field", verr.Field, "reason", verr.Message)
			respondText(w, http.StatusBadRequest, verr.Message)
			return
		}
		logger.Error("rejected order payload", "attributeType", attrType, "error", err)
		respondText(w, http.StatusBadRequest, "bad request")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), brokerCallTimeout)
	defer cancel()

	updates := make(chan domain.OrderStatusUpdate, 16)
	go func() {
		for u := range updates {
			logger.Info("trade status update", "orderID", u.OrderID, "leg", u.Kind, "status", u.Status, "filledQty", u.FilledQty)
		}
	}()

	bracket, err := s.broker.PlaceBracketOrder(ctx, cmd, updates)
	if err != nil {
		// The broker owns the channel only after a successful placement.
		close(updates)
		logger.Error("error on order placement", "ticker", cmd.Ticker, "error", err)
		respondText(w, http.StatusInternalServerError, "order-placement-error")
		return
	}

	logger.Info("bracket order placed", "ticker", cmd.Ticker, "quantity", cmd.Quantity, "group", bracket.GroupID)
	respondText(w, http.StatusOK, "order-placed")
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	logger := s.log.With("requestID", uuid.NewString())

	if !s.inGeofence(logger, r) {
		respondText(w, http.StatusNotFound, "not found")
		return
	}
	if !s.authorized(r) {
		respondText(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), brokerCallTimeout)
	defer cancel()

	snapshot, err := s.accountSnapshot(ctx)
	if err != nil {
		logger.Error("error reading account", "error", err)
		respondText(w, http.StatusInternalServerError, "account-query-error")
		return
	}
	writeJSON(w, snapshot)
}

type accountSnapshot struct {
	UnrealizedPnL  float64 `json:"unrealized_pnl"`
	AvailableFunds float64 `json:"available_funds"`
	BuyingPower    float64 `json:"buying_power"`
	EquityWithLoan float64 `json:"equity_with_loan"`
	OpenOrders     int     `json:"open_orders"`
	Positions      int     `json:"positions"`
}

func (s *Server) accountSnapshot(ctx context.Context) (*accountSnapshot, error) {
	snap := &accountSnapshot{}

	var err error
	if snap.UnrealizedPnL, err = broker.UnrealizedPnL(ctx, s.broker); err != nil {
		return nil, err
	}
	if snap.AvailableFunds, err = broker.AvailableFunds(ctx, s.broker); err != nil {
		return nil, err
	}
	if snap.BuyingPower, err = broker.BuyingPower(ctx, s.broker); err != nil {
		return nil, err
	}
	if snap.EquityWithLoan, err = broker.EquityWithLoan(ctx, s.broker); err != nil {
		return nil, err
	}

	orders, err := s.broker.OpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	snap.OpenOrders = len(orders)

	positions, err := s.broker.Positions(ctx)
	if err != nil {
		return nil, err
	}
	snap.Positions = len(positions)

	return snap, nil
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

func respondText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(text))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}
