package orders

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"dcabot/internal/exchange"
	"dcabot/internal/strategy"
)

// Quantity precision per market. Binance LOT_SIZE filters are tighter for
// some symbols; these are the safe defaults the engine trades with.
const (
	spotQtyDecimals    = 6
	futuresQtyDecimals = 4
)

// PriceSource supplies the latest market price for a symbol.
type PriceSource interface {
	Price(symbol string) (float64, bool)
}

// Fill is the result of an entry order.
type Fill struct {
	Qty     float64
	Price   float64
	OrderID int64
}

// Close is the result of an exit order.
type Close struct {
	Qty       float64
	ExitPrice float64
}

type activeOrder struct {
	symbol  string
	orderID int64
	futures bool
}

// Manager executes the position lifecycle against an exchange and tracks
// in-flight limit orders so they can be cancelled on timeout or shutdown.
type Manager struct {
	prices PriceSource

	mu     sync.Mutex
	active map[string]activeOrder
}

// NewManager creates an order manager reading prices from the feed.
func NewManager(prices PriceSource) *Manager {
	return &Manager{
		prices: prices,
		active: make(map[string]activeOrder),
	}
}

func roundQty(qty float64, decimals int32) float64 {
	v, _ := decimal.NewFromFloat(qty).Round(decimals).Float64()
	return v
}

// resolvePrice reads the feed price and falls back to the venue's mark
// price when the feed has nothing for the symbol yet. Returns 0 when
// neither source can price it.
func (m *Manager) resolvePrice(ctx context.Context, ex exchange.Exchange, symbol string) float64 {
	price, ok := m.prices.Price(symbol)
	if ok && price > 0 {
		return price
	}
	mark, err := ex.MarkPrice(ctx, symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Mark price fallback failed")
		return 0
	}
	return mark
}

// ConfigureFutures applies margin mode then leverage for a symbol.
func (m *Manager) ConfigureFutures(ctx context.Context, ex exchange.Exchange, symbol string, leverage int, marginMode string) error {
	if err := ex.SetMarginMode(ctx, symbol, marginMode); err != nil {
		return err
	}
	return ex.SetLeverage(ctx, symbol, leverage)
}

// EntrySizeUSDT computes the notional for the next base order. A zero
// return with nil error means the entry is skipped (no price, no balance,
// or the exposure cap would be breached).
func (m *Manager) EntrySizeUSDT(
	ctx context.Context,
	ex exchange.Exchange,
	symbol string,
	settings strategy.Settings,
	isFutures bool,
	leverage int,
	currentExposureUSDT float64,
) (float64, error) {
	price := m.resolvePrice(ctx, ex, symbol)
	if price <= 0 {
		log.Warn().Str("symbol", symbol).Msg("Position size skipped: no current price")
		return 0, nil
	}

	balance, err := ex.Balance(ctx, "USDT", isFutures)
	if err != nil {
		return 0, err
	}
	if balance <= 0 {
		log.Warn().Str("symbol", symbol).Msg("Position size skipped: balance unavailable")
		return 0, nil
	}

	maxExposure := balance * (settings.MaxTotalExposurePct / 100.0)

	var notional float64
	if settings.PositionSizeMode == strategy.SizeRiskBased {
		riskAmount := balance * (settings.RiskPerTradePct / 100.0)
		stopDistance := price * (settings.SafetyStepPct / 100.0)
		if floor := price * 0.001; stopDistance < floor {
			stopDistance = floor
		}
		qty := riskAmount / stopDistance
		notional = qty * price
		if isFutures && leverage > 1 {
			notional *= float64(leverage)
		}
		log.Info().
			Float64("balance", balance).
			Float64("risk_pct", settings.RiskPerTradePct).
			Float64("notional", notional).
			Int("leverage", leverage).
			Msg("💰 Position size calculated")
	} else {
		notional = settings.BaseOrderSizeUSDT
	}

	if currentExposureUSDT+notional > maxExposure {
		log.Warn().Str("symbol", symbol).Msg("Max exposure reached")
		return 0, nil
	}
	return notional, nil
}

// OpenSpot places a spot entry and waits for the fill. Limit orders are
// watched for timeoutSec and cancelled when unfilled. A nil Fill with nil
// error means the entry did not happen.
func (m *Manager) OpenSpot(
	ctx context.Context,
	ex exchange.Exchange,
	pair, side string,
	usdtAmount float64,
	useMarket bool,
	timeoutSec int,
) (*Fill, error) {
	price, ok := m.prices.Price(pair)
	if !ok || price <= 0 {
		log.Warn().Str("pair", pair).Msg("Open spot skipped: no current price")
		return nil, nil
	}

	qty := roundQty(usdtAmount/price, spotQtyDecimals)
	if qty <= 0 {
		return nil, nil
	}

	params := exchange.PlaceOrderParams{
		Symbol:   pair,
		Side:     side,
		Type:     exchange.TypeMarket,
		Quantity: qty,
	}
	if !useMarket {
		params.Type = exchange.TypeLimit
		params.Price = price
	}

	order, err := ex.PlaceOrder(ctx, params)
	if err != nil {
		log.Error().Err(err).Str("pair", pair).Msg("Failed to place spot order")
		return nil, nil
	}
	if order.OrderID == 0 {
		return nil, nil
	}

	m.track(pair, order.OrderID, false)

	if !useMarket {
		if !m.monitorFill(ctx, ex, pair, order.OrderID, false, timeoutSec) {
			log.Warn().Str("pair", pair).Msg("⏱️ Order watchdog triggered")
			m.CancelOpenOrder(ctx, ex, pair)
			return nil, nil
		}
	}

	status, err := ex.OrderStatus(ctx, pair, order.OrderID, false)
	m.untrack(pair)
	if err != nil {
		return nil, err
	}

	executedQty := status.ExecutedQty
	if executedQty <= 0 {
		executedQty = qty
	}
	entryPrice := status.AvgPrice
	if entryPrice <= 0 {
		entryPrice = price
	}
	return &Fill{Qty: executedQty, Price: entryPrice, OrderID: order.OrderID}, nil
}

// CloseSpot sells the full quantity at market.
func (m *Manager) CloseSpot(ctx context.Context, ex exchange.Exchange, pair string, qty float64) (*Close, error) {
	if qty <= 0 {
		return nil, nil
	}

	order, err := ex.PlaceOrder(ctx, exchange.PlaceOrderParams{
		Symbol:   pair,
		Side:     exchange.SideSell,
		Type:     exchange.TypeMarket,
		Quantity: qty,
	})
	if err != nil {
		log.Error().Err(err).Str("pair", pair).Msg("Failed to close spot position")
		return nil, nil
	}

	status, err := ex.OrderStatus(ctx, pair, order.OrderID, false)
	if err != nil {
		return nil, err
	}
	executedQty := status.ExecutedQty
	if executedQty <= 0 {
		executedQty = qty
	}
	exitPrice := status.AvgPrice
	if exitPrice <= 0 {
		exitPrice, _ = m.prices.Price(pair)
	}
	log.Info().Str("pair", pair).Float64("exit", exitPrice).Msg("✅ Position closed (spot)")
	return &Close{Qty: executedQty, ExitPrice: exitPrice}, nil
}

// OpenFutures places a futures entry in the given direction.
func (m *Manager) OpenFutures(
	ctx context.Context,
	ex exchange.Exchange,
	symbol, direction string,
	usdtAmount float64,
	useMarket bool,
	timeoutSec int,
) (*Fill, error) {
	price := m.resolvePrice(ctx, ex, symbol)
	if price <= 0 {
		log.Warn().Str("symbol", symbol).Msg("Open futures skipped: no current price")
		return nil, nil
	}

	qty := roundQty(usdtAmount/price, futuresQtyDecimals)
	if qty <= 0 {
		return nil, nil
	}

	side := exchange.SideBuy
	if strings.EqualFold(direction, "SHORT") {
		side = exchange.SideSell
	}

	params := exchange.PlaceOrderParams{
		Symbol:   symbol,
		Side:     side,
		Type:     exchange.TypeMarket,
		Quantity: qty,
		Futures:  true,
	}
	if !useMarket {
		params.Type = exchange.TypeLimit
		params.Price = price
	}

	order, err := ex.PlaceOrder(ctx, params)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Failed to place futures order")
		return nil, nil
	}
	if order.OrderID == 0 {
		return nil, nil
	}

	m.track(symbol, order.OrderID, true)

	if !useMarket {
		if !m.monitorFill(ctx, ex, symbol, order.OrderID, true, timeoutSec) {
			log.Warn().Str("symbol", symbol).Msg("⏱️ Order watchdog triggered")
			m.CancelOpenOrder(ctx, ex, symbol)
			return nil, nil
		}
	}

	status, err := ex.OrderStatus(ctx, symbol, order.OrderID, true)
	m.untrack(symbol)
	if err != nil {
		return nil, err
	}

	executedQty := status.ExecutedQty
	if executedQty <= 0 {
		executedQty = qty
	}
	avgPrice := status.AvgPrice
	if avgPrice <= 0 {
		avgPrice = price
	}
	return &Fill{Qty: executedQty, Price: avgPrice, OrderID: order.OrderID}, nil
}

// CloseFutures flattens the current futures position with a reduce-only
// market order. Returns nil when there is no position.
func (m *Manager) CloseFutures(ctx context.Context, ex exchange.Exchange, symbol string) (*Close, error) {
	pos, err := ex.PositionRisk(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if pos.Amount == 0 {
		return nil, nil
	}

	qty := pos.Amount
	side := exchange.SideSell
	if qty < 0 {
		qty = -qty
		side = exchange.SideBuy
	}

	order, err := ex.PlaceOrder(ctx, exchange.PlaceOrderParams{
		Symbol:     symbol,
		Side:       side,
		Type:       exchange.TypeMarket,
		Quantity:   qty,
		ReduceOnly: true,
		Futures:    true,
	})
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Failed to close futures position")
		return nil, nil
	}

	status, err := ex.OrderStatus(ctx, symbol, order.OrderID, true)
	if err != nil {
		return nil, err
	}
	exitPrice := status.AvgPrice
	if exitPrice <= 0 {
		exitPrice, _ = m.prices.Price(symbol)
	}
	log.Info().Str("symbol", symbol).Float64("exit", exitPrice).Msg("✅ Position closed (futures)")
	return &Close{Qty: qty, ExitPrice: exitPrice}, nil
}

// SetFuturesProtection replaces the exchange-side TP (and optionally SL)
// for the whole position. Existing protection is cancelled first.
func (m *Manager) SetFuturesProtection(
	ctx context.Context,
	ex exchange.Exchange,
	symbol, direction string,
	qty, tpPrice float64,
	slEnabled bool,
	slPrice float64,
	protectionEnabled bool,
) {
	if !protectionEnabled || qty <= 0 {
		return
	}

	closeSide := exchange.SideSell
	if strings.EqualFold(direction, "SHORT") {
		closeSide = exchange.SideBuy
	}

	if err := ex.CancelAllOrders(ctx, symbol, true); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Protection orders error")
		return
	}

	_, err := ex.PlaceOrder(ctx, exchange.PlaceOrderParams{
		Symbol:     symbol,
		Side:       closeSide,
		Type:       exchange.TypeTakeProfitMarket,
		Quantity:   qty,
		StopPrice:  tpPrice,
		ReduceOnly: true,
		Futures:    true,
	})
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Protection orders error")
		return
	}
	log.Info().Float64("tp", tpPrice).Msg("🎯 TP set")

	if slEnabled && slPrice > 0 {
		_, err = ex.PlaceOrder(ctx, exchange.PlaceOrderParams{
			Symbol:     symbol,
			Side:       closeSide,
			Type:       exchange.TypeStopMarket,
			Quantity:   qty,
			StopPrice:  slPrice,
			ReduceOnly: true,
			Futures:    true,
		})
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("Protection orders error")
			return
		}
		log.Info().Float64("sl", slPrice).Msg("🛑 SL set")
	} else {
		log.Info().Msg("SL disabled")
	}
}

// CancelFuturesProtection drops all open orders on a futures symbol.
func (m *Manager) CancelFuturesProtection(ctx context.Context, ex exchange.Exchange, symbol string) {
	if err := ex.CancelAllOrders(ctx, symbol, true); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Protection cancel error")
		return
	}
	log.Info().Str("symbol", symbol).Msg("Protection cancelled")
}

// CancelAllForPair cancels every open order for the pair on its market.
func (m *Manager) CancelAllForPair(ctx context.Context, ex exchange.Exchange, pair, mode string) {
	log.Info().Str("pair", pair).Msg("Cancel orders requested")
	futures := strings.EqualFold(mode, strategy.ModeFutures)
	if err := ex.CancelAllOrders(ctx, pair, futures); err != nil {
		log.Error().Err(err).Str("pair", pair).Msg("Failed to cancel all orders")
	}
}

// ClosePositionNow force-flattens a pair: cancel open orders, then market
// out of whatever the venue reports. Reports whether anything was closed.
func (m *Manager) ClosePositionNow(ctx context.Context, ex exchange.Exchange, pair, mode string) bool {
	log.Info().Str("pair", pair).Msg("Close position requested")
	m.CancelAllForPair(ctx, ex, pair, mode)

	if strings.EqualFold(mode, strategy.ModeFutures) {
		pos, err := ex.PositionRisk(ctx, pair)
		if err != nil {
			log.Error().Err(err).Str("pair", pair).Msg("Failed to close futures position now")
			return false
		}
		if pos.Amount == 0 {
			log.Info().Msg("No open futures position")
			return false
		}

		qty := pos.Amount
		side := exchange.SideSell
		if qty < 0 {
			qty = -qty
			side = exchange.SideBuy
		}
		_, err = ex.PlaceOrder(ctx, exchange.PlaceOrderParams{
			Symbol:     pair,
			Side:       side,
			Type:       exchange.TypeMarket,
			Quantity:   qty,
			ReduceOnly: true,
			Futures:    true,
		})
		if err != nil {
			log.Error().Err(err).Str("pair", pair).Msg("Failed to close futures position now")
			return false
		}
		log.Info().Str("pair", pair).Msg("✅ Closed position now")
		return true
	}

	baseAsset := strings.TrimSuffix(strings.ToUpper(pair), "USDT")
	balance, err := ex.Balance(ctx, baseAsset, false)
	if err != nil {
		log.Error().Err(err).Str("pair", pair).Msg("Failed to close spot position now")
		return false
	}
	qty := roundQty(balance, spotQtyDecimals)
	if qty <= 0 {
		log.Info().Msg("No spot position to close")
		return false
	}
	_, err = ex.PlaceOrder(ctx, exchange.PlaceOrderParams{
		Symbol:   pair,
		Side:     exchange.SideSell,
		Type:     exchange.TypeMarket,
		Quantity: qty,
	})
	if err != nil {
		log.Error().Err(err).Str("pair", pair).Msg("Failed to close spot position now")
		return false
	}
	log.Info().Str("pair", pair).Msg("✅ Closed position now")
	return true
}

// CancelOpenOrder cancels the tracked in-flight order for a symbol.
func (m *Manager) CancelOpenOrder(ctx context.Context, ex exchange.Exchange, symbol string) {
	m.mu.Lock()
	info, ok := m.active[symbol]
	delete(m.active, symbol)
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := ex.CancelOrder(ctx, info.symbol, info.orderID, info.futures); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Failed to cancel order")
		return
	}
	log.Info().Int64("order_id", info.orderID).Str("symbol", symbol).Msg("Order cancelled")
}

// ActiveOrders lists symbols with a tracked in-flight order.
func (m *Manager) ActiveOrders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for symbol := range m.active {
		out = append(out, symbol)
	}
	return out
}

func (m *Manager) track(symbol string, orderID int64, futures bool) {
	m.mu.Lock()
	m.active[symbol] = activeOrder{symbol: symbol, orderID: orderID, futures: futures}
	m.mu.Unlock()
}

func (m *Manager) untrack(symbol string) {
	m.mu.Lock()
	delete(m.active, symbol)
	m.mu.Unlock()
}

// monitorFill polls order status once per second until filled or timeout.
func (m *Manager) monitorFill(ctx context.Context, ex exchange.Exchange, symbol string, orderID int64, futures bool, timeoutSec int) bool {
	for elapsed := 0; elapsed < timeoutSec; elapsed++ {
		status, err := ex.OrderStatus(ctx, symbol, orderID, futures)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Int64("order_id", orderID).Msg("Order monitor error")
		} else if status.Filled() {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
	return false
}
