package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/shopspring/decimal"

	"exitguard/logger"
)

// Bybit retCodes that are worth an immediate retry.
var transientRetCodes = map[int]bool{
	10002: true, // request not processed in time
	10006: true, // rate limit
	10016: true, // internal server error
}

// BybitGateway implements Gateway against Bybit v5 USDT perpetuals.
// Authenticated endpoints go through the official SDK; public market
// data is fetched from the plain REST API.
type BybitGateway struct {
	client  *bybit.Client
	httpc   *http.Client
	baseURL string
}

// NewBybitGateway builds the gateway for mainnet.
func NewBybitGateway(apiKey, apiSecret string) *BybitGateway {
	client := bybit.NewBybitHttpClient(apiKey, apiSecret, bybit.WithBaseURL(bybit.MAINNET))
	logger.Info("Bybit gateway initialized")
	return &BybitGateway{
		client:  client,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		baseURL: "https://api.bybit.com",
	}
}

// call runs one authed SDK request and normalizes the error taxonomy.
func (b *BybitGateway) call(op string, fn func() (*bybit.ServerResponse, error)) (map[string]interface{}, error) {
	result, err := fn()
	if err != nil {
		return nil, Transient(op, err)
	}
	if result.RetCode != 0 {
		if transientRetCodes[result.RetCode] {
			return nil, &Error{Kind: KindTransient, Op: op, Code: result.RetCode, Msg: result.RetMsg}
		}
		return nil, Rejected(op, result.RetCode, result.RetMsg)
	}
	data, ok := result.Result.(map[string]interface{})
	if !ok {
		return nil, Rejected(op, 0, "unexpected result shape")
	}
	return data, nil
}

func resultList(data map[string]interface{}) []map[string]interface{} {
	raw, _ := data["list"].([]interface{})
	out := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

func str(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func decOf(m map[string]interface{}, key string) decimal.Decimal {
	s := str(m, key)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (b *BybitGateway) ListPositions(ctx context.Context, category string) ([]Position, error) {
	params := map[string]interface{}{
		"category":   category,
		"settleCoin": "USDT",
	}
	data, err := b.call("list_positions",
		func() (*bybit.ServerResponse, error) {
			return b.client.NewUtaBybitServiceWithParams(params).GetPositionList(ctx)
		})
	if err != nil {
		return nil, err
	}

	var out []Position
	for _, p := range resultList(data) {
		qty := decOf(p, "size")
		if qty.Sign() <= 0 {
			continue
		}
		side := Long
		if str(p, "side") == SideSell {
			side = Short
		}
		idx := 0
		if v, ok := p["positionIdx"].(float64); ok {
			idx = int(v)
		}
		out = append(out, Position{
			Symbol:        str(p, "symbol"),
			Side:          side,
			Quantity:      qty,
			AvgEntryPrice: decOf(p, "avgPrice"),
			MarkPrice:     decOf(p, "markPrice"),
			StopPrice:     decOf(p, "stopLoss"),
			PositionIdx:   idx,
		})
	}
	return out, nil
}

func (b *BybitGateway) ListOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
	}
	data, err := b.call("list_open_orders",
		func() (*bybit.ServerResponse, error) {
			return b.client.NewUtaBybitServiceWithParams(params).GetOpenOrders(ctx)
		})
	if err != nil {
		return nil, err
	}

	var out []Order
	for _, o := range resultList(data) {
		reduceOnly, _ := o["reduceOnly"].(bool)
		if !reduceOnly {
			// the field is a string on some API versions
			reduceOnly = str(o, "reduceOnly") == "true" || str(o, "reduceOnly") == "1"
		}
		out = append(out, Order{
			OrderID:      str(o, "orderId"),
			ClientID:     str(o, "orderLinkId"),
			Symbol:       str(o, "symbol"),
			Side:         str(o, "side"),
			Type:         str(o, "orderType"),
			Price:        decOf(o, "price"),
			TriggerPrice: decOf(o, "triggerPrice"),
			Quantity:     decOf(o, "qty"),
			ReduceOnly:   reduceOnly,
			TimeInForce:  str(o, "timeInForce"),
		})
	}
	return out, nil
}

func (b *BybitGateway) CreateOrder(ctx context.Context, req CreateOrderRequest) (string, error) {
	params := map[string]interface{}{
		"category":    "linear",
		"symbol":      req.Symbol,
		"side":        req.Side,
		"orderType":   req.Type,
		"qty":         req.Quantity.String(),
		"reduceOnly":  req.ReduceOnly,
		"positionIdx": 0,
	}
	if req.Type == TypeLimit {
		params["price"] = req.Price.String()
	}
	if req.ClientID != "" {
		params["orderLinkId"] = req.ClientID
	}
	if req.TimeInForce != "" {
		params["timeInForce"] = req.TimeInForce
	}
	data, err := b.call("create_order",
		func() (*bybit.ServerResponse, error) {
			return b.client.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
		})
	if err != nil {
		return "", err
	}
	return str(data, "orderId"), nil
}

func (b *BybitGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}
	_, err := b.call("cancel_order",
		func() (*bybit.ServerResponse, error) {
			return b.client.NewUtaBybitServiceWithParams(params).CancelOrder(ctx)
		})
	return err
}

func (b *BybitGateway) AmendOrder(ctx context.Context, req AmendOrderRequest) error {
	params := map[string]interface{}{
		"category": "linear",
		"symbol":   req.Symbol,
		"orderId":  req.OrderID,
	}
	if req.Price.Sign() > 0 {
		params["price"] = req.Price.String()
	}
	if req.Quantity.Sign() > 0 {
		params["qty"] = req.Quantity.String()
	}
	_, err := b.call("amend_order",
		func() (*bybit.ServerResponse, error) {
			return b.client.NewUtaBybitServiceWithParams(params).AmendOrder(ctx)
		})
	return err
}

func (b *BybitGateway) SetTradingStop(ctx context.Context, symbol string, positionIdx int, stopPrice decimal.Decimal) error {
	params := map[string]interface{}{
		"category":    "linear",
		"symbol":      symbol,
		"stopLoss":    stopPrice.String(),
		"tpslMode":    "Full",
		"slTriggerBy": "MarkPrice",
		"positionIdx": positionIdx,
	}
	_, err := b.call("set_trading_stop",
		func() (*bybit.ServerResponse, error) {
			return b.client.NewUtaBybitServiceWithParams(params).SetPositionTradingStop(ctx)
		})
	return err
}

func (b *BybitGateway) Equity(ctx context.Context, accountScope string) (decimal.Decimal, error) {
	params := map[string]interface{}{
		"accountType": "UNIFIED",
	}
	data, err := b.call("equity",
		func() (*bybit.ServerResponse, error) {
			return b.client.NewUtaBybitServiceWithParams(params).GetAccountWallet(ctx)
		})
	if err != nil {
		return decimal.Zero, err
	}
	list := resultList(data)
	if len(list) == 0 {
		return decimal.Zero, Rejected("equity", 0, "no wallet in response")
	}
	eq := decOf(list[0], "totalEquity")
	if eq.IsZero() {
		eq = decOf(list[0], "totalWalletBalance")
	}
	return eq, nil
}

// --- public market data ------------------------------------------------

func (b *BybitGateway) getPublic(ctx context.Context, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return Transient(op, err)
	}
	resp, err := b.httpc.Do(req)
	if err != nil {
		return Transient(op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Transient(op, err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Transient(op, fmt.Errorf("http %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return Rejected(op, resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return Rejected(op, 0, "unparseable response: "+err.Error())
	}
	return nil
}

func (b *BybitGateway) InstrumentFilters(ctx context.Context, symbol string) (Filters, error) {
	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				LotSizeFilter struct {
					QtyStep     string `json:"qtyStep"`
					MinOrderQty string `json:"minOrderQty"`
				} `json:"lotSizeFilter"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	path := "/v5/market/instruments-info?category=linear&symbol=" + symbol
	if err := b.getPublic(ctx, "instrument_filters", path, &result); err != nil {
		return Filters{}, err
	}
	if result.RetCode != 0 || len(result.Result.List) == 0 {
		return Filters{}, Rejected("instrument_filters", result.RetCode,
			fmt.Sprintf("no instrument info for %s: %s", symbol, result.RetMsg))
	}

	inst := result.Result.List[0]
	tick, err := decimal.NewFromString(inst.PriceFilter.TickSize)
	if err != nil || tick.Sign() <= 0 {
		return Filters{}, Rejected("instrument_filters", 0, "bad tickSize for "+symbol)
	}
	step, err := decimal.NewFromString(inst.LotSizeFilter.QtyStep)
	if err != nil || step.Sign() <= 0 {
		return Filters{}, Rejected("instrument_filters", 0, "bad qtyStep for "+symbol)
	}
	minQty, err := decimal.NewFromString(inst.LotSizeFilter.MinOrderQty)
	if err != nil {
		minQty = decimal.Zero
	}
	return Filters{TickSize: tick, QtyStep: step, MinQty: minQty}, nil
}

func (b *BybitGateway) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	if limit <= 0 {
		limit = 200
	}
	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/v5/market/kline?category=linear&symbol=%s&interval=%s&limit=%d",
		symbol, interval, limit)
	if err := b.getPublic(ctx, "klines", path, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, Rejected("klines", result.RetCode, result.RetMsg)
	}

	out := make([]Kline, 0, len(result.Result.List))
	for _, row := range result.Result.List {
		// [startTime, open, high, low, close, volume, turnover]
		if len(row) < 5 {
			continue
		}
		ms, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		k := Kline{Start: time.UnixMilli(ms).UTC()}
		if k.Open, err = decimal.NewFromString(row[1]); err != nil {
			continue
		}
		if k.High, err = decimal.NewFromString(row[2]); err != nil {
			continue
		}
		if k.Low, err = decimal.NewFromString(row[3]); err != nil {
			continue
		}
		if k.Close, err = decimal.NewFromString(row[4]); err != nil {
			continue
		}
		out = append(out, k)
	}
	// venue returns newest first; callers want oldest first
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}
