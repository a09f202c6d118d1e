package exchange

import (
	"context"
	"errors"

	"dcabot/internal/market"
)

// ErrNotImplemented is returned by exchange adapters that are registered
// but not wired to a live API yet.
var ErrNotImplemented = errors.New("exchange: operation not implemented")

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order types.
const (
	TypeMarket           = "MARKET"
	TypeLimit            = "LIMIT"
	TypeStopMarket       = "STOP_MARKET"
	TypeTakeProfitMarket = "TAKE_PROFIT_MARKET"
)

// Order statuses as reported by the venue.
const (
	StatusNew             = "NEW"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCanceled        = "CANCELED"
	StatusRejected        = "REJECTED"
	StatusExpired         = "EXPIRED"
)

// PlaceOrderParams describes one order submission.
type PlaceOrderParams struct {
	Symbol       string
	Side         string
	Type         string
	Quantity     float64
	Price        float64 // limit price, ignored for market orders
	StopPrice    float64 // trigger price for stop/take-profit market orders
	ReduceOnly   bool
	PositionSide string // futures hedge-mode side, empty for one-way
	Futures      bool
}

// Order is the venue's view of an order.
type Order struct {
	OrderID     int64
	Symbol      string
	Side        string
	Type        string
	Status      string
	Price       float64
	OrigQty     float64
	ExecutedQty float64
	AvgPrice    float64
}

// Filled reports whether the order is fully executed.
func (o *Order) Filled() bool { return o != nil && o.Status == StatusFilled }

// Position is a futures position snapshot.
type Position struct {
	Symbol     string
	Amount     float64 // signed, negative for shorts
	EntryPrice float64
	MarkPrice  float64
	Leverage   int
}

// Exchange is the venue abstraction the engine trades through.
type Exchange interface {
	Name() string

	// Market data.
	Klines(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int) ([]market.Bar, error)
	TickerPrice(ctx context.Context, symbol string, futures bool) (float64, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)

	// Account.
	Balance(ctx context.Context, asset string, futures bool) (float64, error)

	// Orders.
	PlaceOrder(ctx context.Context, p PlaceOrderParams) (*Order, error)
	OrderStatus(ctx context.Context, symbol string, orderID int64, futures bool) (*Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64, futures bool) error
	CancelAllOrders(ctx context.Context, symbol string, futures bool) error
	OpenOrders(ctx context.Context, symbol string, futures bool) ([]Order, error)

	// Futures account controls.
	PositionRisk(ctx context.Context, symbol string) (*Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol, mode string) error
}
