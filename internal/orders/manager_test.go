package orders

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcabot/internal/exchange"
	"dcabot/internal/market"
	"dcabot/internal/strategy"
)

type staticPrices map[string]float64

func (p staticPrices) Price(symbol string) (float64, bool) {
	v, ok := p[symbol]
	return v, ok
}

// fakeExchange is a scriptable venue for order manager tests.
type fakeExchange struct {
	balances     map[string]float64
	position     exchange.Position
	placed       []exchange.PlaceOrderParams
	statuses     map[int64]*exchange.Order
	nextID       int64
	cancelled    []int64
	cancelAll    int
	markPrice    float64
	markPriceErr error
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		balances: map[string]float64{},
		statuses: map[int64]*exchange.Order{},
		nextID:   100,
	}
}

func (f *fakeExchange) Name() string { return "Fake" }

func (f *fakeExchange) Klines(context.Context, string, string, int64, int64, int) ([]market.Bar, error) {
	return nil, nil
}

func (f *fakeExchange) TickerPrice(context.Context, string, bool) (float64, error) {
	return 0, nil
}

func (f *fakeExchange) MarkPrice(context.Context, string) (float64, error) {
	return f.markPrice, f.markPriceErr
}

func (f *fakeExchange) Balance(_ context.Context, asset string, _ bool) (float64, error) {
	return f.balances[asset], nil
}

func (f *fakeExchange) PlaceOrder(_ context.Context, p exchange.PlaceOrderParams) (*exchange.Order, error) {
	f.placed = append(f.placed, p)
	f.nextID++
	order := &exchange.Order{OrderID: f.nextID, Symbol: p.Symbol, Side: p.Side, Type: p.Type, Status: exchange.StatusNew}
	if _, scripted := f.statuses[f.nextID]; !scripted {
		f.statuses[f.nextID] = &exchange.Order{
			OrderID:     f.nextID,
			Symbol:      p.Symbol,
			Status:      exchange.StatusFilled,
			ExecutedQty: p.Quantity,
			AvgPrice:    100.0,
		}
	}
	return order, nil
}

func (f *fakeExchange) OrderStatus(_ context.Context, _ string, orderID int64, _ bool) (*exchange.Order, error) {
	if o, ok := f.statuses[orderID]; ok {
		return o, nil
	}
	return &exchange.Order{OrderID: orderID, Status: exchange.StatusNew}, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, _ string, orderID int64, _ bool) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeExchange) CancelAllOrders(context.Context, string, bool) error {
	f.cancelAll++
	return nil
}

func (f *fakeExchange) OpenOrders(context.Context, string, bool) ([]exchange.Order, error) {
	return nil, nil
}

func (f *fakeExchange) PositionRisk(context.Context, string) (*exchange.Position, error) {
	return &f.position, nil
}

func (f *fakeExchange) SetLeverage(context.Context, string, int) error { return nil }

func (f *fakeExchange) SetMarginMode(context.Context, string, string) error { return nil }

func TestEntrySizeFixedMode(t *testing.T) {
	m := NewManager(staticPrices{"BTCUSDT": 100.0})
	ex := newFakeExchange()
	ex.balances["USDT"] = 1000

	s := strategy.DefaultSettings()
	size, err := m.EntrySizeUSDT(context.Background(), ex, "BTCUSDT", s, false, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 25.0, size)
}

func TestEntrySizeFallsBackToMarkPrice(t *testing.T) {
	m := NewManager(staticPrices{})
	ex := newFakeExchange()
	ex.balances["USDT"] = 1000
	ex.markPrice = 100.0

	s := strategy.DefaultSettings()
	size, err := m.EntrySizeUSDT(context.Background(), ex, "BTCUSDT", s, true, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 25.0, size, "sizing uses the mark price when the feed is empty")
}

func TestEntrySizeSkippedWhenNoPriceAnywhere(t *testing.T) {
	m := NewManager(staticPrices{})
	ex := newFakeExchange()
	ex.balances["USDT"] = 1000
	ex.markPriceErr = exchange.ErrNotImplemented

	s := strategy.DefaultSettings()
	size, err := m.EntrySizeUSDT(context.Background(), ex, "BTCUSDT", s, false, 1, 0)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestEntrySizeExposureCap(t *testing.T) {
	m := NewManager(staticPrices{"BTCUSDT": 100.0})
	ex := newFakeExchange()
	ex.balances["USDT"] = 1000

	s := strategy.DefaultSettings()
	s.MaxTotalExposurePct = 30 // cap at 300 USDT

	size, err := m.EntrySizeUSDT(context.Background(), ex, "BTCUSDT", s, false, 1, 290)
	require.NoError(t, err)
	assert.Zero(t, size, "entry over the exposure cap must be skipped")
}

func TestEntrySizeRiskBased(t *testing.T) {
	m := NewManager(staticPrices{"BTCUSDT": 100.0})
	ex := newFakeExchange()
	ex.balances["USDT"] = 1000

	s := strategy.DefaultSettings()
	s.PositionSizeMode = strategy.SizeRiskBased
	s.RiskPerTradePct = 1.0 // risk 10 USDT
	s.SafetyStepPct = 2.0   // stop distance 2 USDT
	s.MaxTotalExposurePct = 100

	size, err := m.EntrySizeUSDT(context.Background(), ex, "BTCUSDT", s, false, 1, 0)
	require.NoError(t, err)
	// qty = 10/2 = 5, notional = 500
	assert.InDelta(t, 500.0, size, 1e-9)
}

func TestEntrySizeRiskBasedStopFloor(t *testing.T) {
	m := NewManager(staticPrices{"BTCUSDT": 100.0})
	ex := newFakeExchange()
	ex.balances["USDT"] = 1000

	s := strategy.DefaultSettings()
	s.PositionSizeMode = strategy.SizeRiskBased
	s.RiskPerTradePct = 1.0
	s.SafetyStepPct = 0.01 // below the 0.1% floor
	s.MaxTotalExposurePct = 100000

	size, err := m.EntrySizeUSDT(context.Background(), ex, "BTCUSDT", s, false, 1, 0)
	require.NoError(t, err)
	// stop distance floored at 0.1 USDT, qty = 100, notional = 10000
	assert.InDelta(t, 10000.0, size, 1e-6)
}

func TestOpenSpotMarketRoundsQty(t *testing.T) {
	m := NewManager(staticPrices{"BTCUSDT": 300.0})
	ex := newFakeExchange()

	fill, err := m.OpenSpot(context.Background(), ex, "BTCUSDT", exchange.SideBuy, 100.0, true, 30)
	require.NoError(t, err)
	require.NotNil(t, fill)

	require.Len(t, ex.placed, 1)
	assert.Equal(t, exchange.TypeMarket, ex.placed[0].Type)
	assert.Equal(t, 0.333333, ex.placed[0].Quantity, "spot quantity rounds to 6 decimals")
	assert.Equal(t, 100.0, fill.Price)
	assert.Empty(t, m.ActiveOrders(), "fill clears the active order registry")
}

func TestOpenSpotLimitTimeoutCancels(t *testing.T) {
	m := NewManager(staticPrices{"BTCUSDT": 100.0})
	ex := newFakeExchange()
	// Script the next order to stay NEW forever.
	ex.statuses[101] = &exchange.Order{OrderID: 101, Status: exchange.StatusNew}

	fill, err := m.OpenSpot(context.Background(), ex, "BTCUSDT", exchange.SideBuy, 100.0, false, 1)
	require.NoError(t, err)
	assert.Nil(t, fill)
	assert.Equal(t, []int64{101}, ex.cancelled)
}

func TestOpenFuturesShortSellsAndRounds(t *testing.T) {
	m := NewManager(staticPrices{"ETHUSDT": 3000.0})
	ex := newFakeExchange()

	fill, err := m.OpenFutures(context.Background(), ex, "ETHUSDT", "SHORT", 100.0, true, 30)
	require.NoError(t, err)
	require.NotNil(t, fill)

	require.Len(t, ex.placed, 1)
	assert.Equal(t, exchange.SideSell, ex.placed[0].Side)
	assert.True(t, ex.placed[0].Futures)
	assert.Equal(t, 0.0333, ex.placed[0].Quantity, "futures quantity rounds to 4 decimals")
}

func TestOpenFuturesUsesMarkPriceWhenFeedEmpty(t *testing.T) {
	m := NewManager(staticPrices{})
	ex := newFakeExchange()
	ex.markPrice = 3000.0

	fill, err := m.OpenFutures(context.Background(), ex, "ETHUSDT", "LONG", 100.0, true, 30)
	require.NoError(t, err)
	require.NotNil(t, fill)

	require.Len(t, ex.placed, 1)
	assert.Equal(t, 0.0333, ex.placed[0].Quantity)
}

func TestCloseFuturesDerivesSideFromPosition(t *testing.T) {
	m := NewManager(staticPrices{"BTCUSDT": 100.0})
	ex := newFakeExchange()
	ex.position = exchange.Position{Symbol: "BTCUSDT", Amount: -0.5}

	closed, err := m.CloseFutures(context.Background(), ex, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, closed)

	require.Len(t, ex.placed, 1)
	assert.Equal(t, exchange.SideBuy, ex.placed[0].Side, "short closes with a buy")
	assert.True(t, ex.placed[0].ReduceOnly)
	assert.Equal(t, 0.5, closed.Qty)
}

func TestCloseFuturesNoPosition(t *testing.T) {
	m := NewManager(staticPrices{})
	ex := newFakeExchange()

	closed, err := m.CloseFutures(context.Background(), ex, "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, closed)
	assert.Empty(t, ex.placed)
}

func TestSetFuturesProtectionPlacesTPAndSL(t *testing.T) {
	m := NewManager(staticPrices{})
	ex := newFakeExchange()

	m.SetFuturesProtection(context.Background(), ex, "BTCUSDT", "LONG", 1.0, 110.0, true, 95.0, true)

	assert.Equal(t, 1, ex.cancelAll, "existing protection cancelled first")
	require.Len(t, ex.placed, 2)
	assert.Equal(t, exchange.TypeTakeProfitMarket, ex.placed[0].Type)
	assert.Equal(t, 110.0, ex.placed[0].StopPrice)
	assert.Equal(t, exchange.TypeStopMarket, ex.placed[1].Type)
	assert.Equal(t, 95.0, ex.placed[1].StopPrice)
	for _, p := range ex.placed {
		assert.Equal(t, exchange.SideSell, p.Side)
		assert.True(t, p.ReduceOnly)
	}
}

func TestSetFuturesProtectionDisabled(t *testing.T) {
	m := NewManager(staticPrices{})
	ex := newFakeExchange()

	m.SetFuturesProtection(context.Background(), ex, "BTCUSDT", "LONG", 1.0, 110.0, false, 0, false)
	assert.Empty(t, ex.placed)
	assert.Zero(t, ex.cancelAll)
}

func TestClosePositionNowSpotUsesBaseBalance(t *testing.T) {
	m := NewManager(staticPrices{"BTCUSDT": 100.0})
	ex := newFakeExchange()
	ex.balances["BTC"] = 0.1234567

	ok := m.ClosePositionNow(context.Background(), ex, "BTCUSDT", strategy.ModeSpot)
	assert.True(t, ok)

	require.Len(t, ex.placed, 1)
	assert.Equal(t, exchange.SideSell, ex.placed[0].Side)
	assert.Equal(t, 0.123457, ex.placed[0].Quantity)
}

func TestClosePositionNowSpotNothingToClose(t *testing.T) {
	m := NewManager(staticPrices{})
	ex := newFakeExchange()

	ok := m.ClosePositionNow(context.Background(), ex, "BTCUSDT", strategy.ModeSpot)
	assert.False(t, ok)
	assert.Empty(t, ex.placed)
}
