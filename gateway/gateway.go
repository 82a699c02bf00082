// Package gateway defines the exchange access layer: the Gateway
// interface the reconciliation engine consumes, the typed error
// taxonomy, and the retry policy applied to transient failures.
package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	Long  PositionSide = "Long"
	Short PositionSide = "Short"
)

// Order sides and types as the venue names them.
const (
	SideBuy  = "Buy"
	SideSell = "Sell"

	TypeLimit  = "Limit"
	TypeMarket = "Market"

	TIFGoodTillCancel = "GTC"
	TIFPostOnly       = "PostOnly"
)

// Position is a venue-reported open position. The engine only reads
// positions; it never opens or flattens them.
type Position struct {
	Symbol        string
	Side          PositionSide
	Quantity      decimal.Decimal // always >= 0
	AvgEntryPrice decimal.Decimal
	MarkPrice     decimal.Decimal
	StopPrice     decimal.Decimal // zero when the venue reports no stop
	PositionIdx   int             // venue position index (hedge mode)
}

// Order is a venue-reported working order.
type Order struct {
	OrderID      string
	ClientID     string // client-supplied identifier, carries the ownership tag
	Symbol       string
	Side         string
	Type         string
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
	Quantity     decimal.Decimal
	ReduceOnly   bool
	TimeInForce  string
}

// CreateOrderRequest is a new order submission.
type CreateOrderRequest struct {
	Symbol      string
	Side        string
	Type        string
	Quantity    decimal.Decimal
	Price       decimal.Decimal // ignored for market orders
	ReduceOnly  bool
	ClientID    string
	TimeInForce string
}

// AmendOrderRequest modifies an existing order in place. Zero fields
// are left unchanged. Venues without atomic amend return an
// Unsupported error and callers fall back to cancel+create.
type AmendOrderRequest struct {
	Symbol   string
	OrderID  string
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Filters are the per-symbol trading filters the planner rounds to.
type Filters struct {
	TickSize decimal.Decimal
	QtyStep  decimal.Decimal
	MinQty   decimal.Decimal
}

// Kline is one historical candle, oldest-first when returned in a slice.
type Kline struct {
	Start time.Time
	Open  decimal.Decimal
	High  decimal.Decimal
	Low   decimal.Decimal
	Close decimal.Decimal
}

// Gateway is the narrow venue interface the core consumes. Every
// method may fail with a *Error; callers classify with IsTransient /
// IsRejected / IsUnsupported.
type Gateway interface {
	// ListPositions returns all open positions (quantity > 0) in a category.
	ListPositions(ctx context.Context, category string) ([]Position, error)

	// ListOpenOrders returns working orders for one symbol.
	ListOpenOrders(ctx context.Context, symbol string) ([]Order, error)

	// CreateOrder submits an order and returns the venue order id.
	CreateOrder(ctx context.Context, req CreateOrderRequest) (string, error)

	// CancelOrder cancels a working order.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// AmendOrder modifies a working order, when the venue supports it.
	AmendOrder(ctx context.Context, req AmendOrderRequest) error

	// SetTradingStop sets the position's protective stop price.
	SetTradingStop(ctx context.Context, symbol string, positionIdx int, stopPrice decimal.Decimal) error

	// InstrumentFilters returns tick size, quantity step and minimum quantity.
	InstrumentFilters(ctx context.Context, symbol string) (Filters, error)

	// Equity returns account equity in the base asset.
	Equity(ctx context.Context, accountScope string) (decimal.Decimal, error)

	// Klines returns up to limit recent candles, oldest first.
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
}

// OppositeSide returns the order side that reduces a position.
func OppositeSide(side PositionSide) string {
	if side == Long {
		return SideSell
	}
	return SideBuy
}
