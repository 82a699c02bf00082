package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"exitguard/breaker"
	"exitguard/config"
	"exitguard/engine"
	"exitguard/gateway"
	"exitguard/guard"
	"exitguard/notify"
	"exitguard/store"
)

// stubGateway returns a fixed venue snapshot; the API tests never
// mutate the book.
type stubGateway struct{}

func (stubGateway) ListPositions(context.Context, string) ([]gateway.Position, error) {
	return []gateway.Position{{
		Symbol:        "BTCUSDT",
		Side:          gateway.Long,
		Quantity:      decimal.NewFromInt(3),
		AvgEntryPrice: decimal.NewFromInt(100),
		MarkPrice:     decimal.NewFromInt(101),
		StopPrice:     decimal.NewFromInt(95),
	}}, nil
}

func (stubGateway) ListOpenOrders(context.Context, string) ([]gateway.Order, error) {
	return nil, nil
}

func (stubGateway) CreateOrder(context.Context, gateway.CreateOrderRequest) (string, error) {
	return "", gateway.Unsupported("create_order", "stub")
}

func (stubGateway) CancelOrder(context.Context, string, string) error {
	return gateway.Unsupported("cancel_order", "stub")
}

func (stubGateway) AmendOrder(context.Context, gateway.AmendOrderRequest) error {
	return gateway.Unsupported("amend_order", "stub")
}

func (stubGateway) SetTradingStop(context.Context, string, int, decimal.Decimal) error {
	return gateway.Unsupported("set_trading_stop", "stub")
}

func (stubGateway) InstrumentFilters(context.Context, string) (gateway.Filters, error) {
	return gateway.Filters{
		TickSize: decimal.RequireFromString("0.5"),
		QtyStep:  decimal.NewFromInt(1),
		MinQty:   decimal.NewFromInt(1),
	}, nil
}

func (stubGateway) Equity(context.Context, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(10000), nil
}

func (stubGateway) Klines(context.Context, string, string, int) ([]gateway.Kline, error) {
	return nil, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := store.NewFromDB(db)
	require.NoError(t, err)

	cfg := &config.Config{
		Category:     "linear",
		AccountScope: "MAIN",
		PollInterval: 8 * time.Second,
		RungCount:    3,
		QtySplit:     config.SplitEqual,
		SpacingMode:  config.SpacingEqualR,
		RStart:       0.5,
		RStep:        0.5,
		PriceTolBps:  6,
		TagPrefix:    "XG",
		Strategy:     "exit",
		IncludeLongs: true,
		SLOffsetBps:  180,
	}
	gw := stubGateway{}
	brk := breaker.New(s.Breaker(), notify.Nop{}, nil, "MAIN", time.Minute)
	grd := guard.New(gw, s.Session(), brk, guard.Config{
		AccountScope:   "MAIN",
		RiskPct:        0.20,
		EquityCacheTTL: 15 * time.Second,
	})
	eng := engine.New(cfg, gw, grd, brk, s.Action(), notify.Nop{})
	return NewServer(eng, grd, brk, s.Action(), 0)
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestStatusReportsAllComponents(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Contains(t, resp, "engine")
	require.Contains(t, resp, "guard")
	require.Contains(t, resp, "breaker")
}

func TestBreakerEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, http.MethodPost, "/api/breaker/on", `{"reason":"maintenance","ttl_seconds":600}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, s.brk.Active())

	w = doRequest(s, http.MethodPost, "/api/breaker/extend", `{"ttl_seconds":1200}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(s, http.MethodPost, "/api/breaker/off", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, s.brk.Active())

	// extending an inactive breaker is a client error
	w = doRequest(s, http.MethodPost, "/api/breaker/extend", `{"ttl_seconds":600}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBreakerOnDefaultsReason(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(s, http.MethodPost, "/api/breaker/on", "")
	require.Equal(t, http.StatusOK, w.Code)

	state, err := s.brk.Status()
	require.NoError(t, err)
	require.Equal(t, "manual", state.Reason)
	require.Equal(t, breaker.SourceAPI, state.Source)
}

func TestPlanEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, http.MethodGet, "/api/plan/BTCUSDT", "")
	require.Equal(t, http.StatusOK, w.Code)
	var plan struct {
		Rungs []struct {
			Index int `json:"Index"`
		} `json:"Rungs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &plan))
	require.Len(t, plan.Rungs, 3)

	w = doRequest(s, http.MethodGet, "/api/plan/DOGEUSDT", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestActionsEndpoint(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.actions.Record(store.Action{Symbol: "BTCUSDT", Kind: "create", Detail: "R1"}))

	w := doRequest(s, http.MethodGet, "/api/actions?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "BTCUSDT")

	w = doRequest(s, http.MethodGet, "/api/actions?limit=abc", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "go_goroutines")
}
