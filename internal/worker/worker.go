package worker

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"dcabot/internal/exchange"
	"dcabot/internal/market"
	"dcabot/internal/orders"
	"dcabot/internal/strategy"
)

const positionSyncInterval = 30 * time.Second

// MarketData is the feed surface a worker reads from.
type MarketData interface {
	Price(symbol string) (float64, bool)
	Candles(symbol string) []market.Candle
	CandleVersion(symbol string) int64
}

// Callbacks route worker events to the bot manager.
type Callbacks struct {
	TradeClosed func(pair string, pnl float64, mode, direction string)
	PriceUpdate func(pair string, price float64)
	Exposure    func() float64
	SaveRuntime func(pair string)
}

// Runtime is the persisted snapshot of a worker's position state. JSON
// keys match the runtime_json layout.
type Runtime struct {
	IsRunning        bool    `json:"is_running"`
	PositionOpen     bool    `json:"position_open"`
	Direction        string  `json:"direction"`
	AveragePrice     float64 `json:"average_price"`
	TotalQty         float64 `json:"total_qty"`
	TotalCost        float64 `json:"total_cost"`
	SafetyOrdersUsed int     `json:"safety_orders_used"`
	TakeProfitPrice  float64 `json:"take_profit_price"`
	BreakEvenArmed   bool    `json:"break_even_armed"`
	BreakEvenPrice   float64 `json:"break_even_price"`
	EntryPrice       float64 `json:"entry_price"`
	LastEntryTime    float64 `json:"last_entry_time"`
	CooldownUntil    float64 `json:"cooldown_until"`
	LastKnownPrice   float64 `json:"last_known_price"`
	NeedsResync      bool    `json:"needs_resync"`
}

// Config wires one worker to its collaborators.
type Config struct {
	Pair         string
	Mode         string
	ExchangeName string
	Exchange     exchange.Exchange
	Market       MarketData
	Orders       *orders.Manager
	Settings     strategy.Settings
	Callbacks    Callbacks
}

// Worker is an independent state machine for one trading pair.
type Worker struct {
	pair         string
	exchangeName string
	ex           exchange.Exchange
	md           MarketData
	om           *orders.Manager
	cb           Callbacks

	clock func() time.Time

	mu       sync.Mutex
	mode     string
	settings strategy.Settings
	engine   *strategy.Engine

	running           bool
	candles           []market.Candle
	lastCandleVersion int64

	positionOpen    bool
	orderInProgress bool
	direction       string
	entryPrice      float64
	takeProfitPrice float64
	stopLossPrice   float64

	safetyOrdersUsed      int
	totalQty              float64
	totalCost             float64
	averagePrice          float64
	lastOrderUSDT         float64
	safetyOrderInProgress bool

	breakEvenArmed bool
	breakEvenPrice float64

	futuresLeverage   int
	futuresMarginMode string
	lastPositionSync  time.Time
	pendingSettings   *strategy.Settings
	lastCloseTime     time.Time
	lastClosePrice    float64
	needsResync       bool
}

// New creates a stopped worker.
func New(cfg Config) *Worker {
	return &Worker{
		pair:         strings.ToUpper(cfg.Pair),
		mode:         cfg.Mode,
		exchangeName: cfg.ExchangeName,
		ex:           cfg.Exchange,
		md:           cfg.Market,
		om:           cfg.Orders,
		cb:           cfg.Callbacks,
		settings:     cfg.Settings,
		engine:       strategy.NewEngine(cfg.Settings),
		direction:    "LONG",
		clock:        time.Now,
	}
}

// Pair returns the worker's uppercased symbol.
func (w *Worker) Pair() string { return w.pair }

// ExchangeName returns the venue this worker trades on.
func (w *Worker) ExchangeName() string { return w.exchangeName }

// Mode returns Spot or Futures.
func (w *Worker) Mode() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// SetMode switches the worker's market mode.
func (w *Worker) SetMode(mode string) {
	w.mu.Lock()
	w.mode = mode
	w.mu.Unlock()
}

// Running reports whether the loop flag is set.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// PositionOpen reports whether a position is locally open.
func (w *Worker) PositionOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.positionOpen
}

// TotalCost returns the open position's cost basis in USDT.
func (w *Worker) TotalCost() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.positionOpen {
		return 0
	}
	return w.totalCost
}

// Direction returns LONG or SHORT.
func (w *Worker) Direction() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.direction
}

// Settings returns a copy of the active strategy settings.
func (w *Worker) Settings() strategy.Settings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.settings
}

// UpdateSettings swaps the strategy settings. With a position open the
// update is deferred until the position closes.
func (w *Worker) UpdateSettings(s strategy.Settings) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.positionOpen {
		w.pendingSettings = &s
		return
	}
	w.settings = s
	w.engine = strategy.NewEngine(s)
}

// RuntimeState snapshots the position state for persistence.
func (w *Worker) RuntimeState() Runtime {
	w.mu.Lock()
	defer w.mu.Unlock()

	lastClose := 0.0
	if !w.lastCloseTime.IsZero() {
		lastClose = float64(w.lastCloseTime.UnixMilli()) / 1000.0
	}
	return Runtime{
		IsRunning:        w.running,
		PositionOpen:     w.positionOpen,
		Direction:        w.direction,
		AveragePrice:     w.averagePrice,
		TotalQty:         w.totalQty,
		TotalCost:        w.totalCost,
		SafetyOrdersUsed: w.safetyOrdersUsed,
		TakeProfitPrice:  w.takeProfitPrice,
		BreakEvenArmed:   w.breakEvenArmed,
		BreakEvenPrice:   w.breakEvenPrice,
		EntryPrice:       w.entryPrice,
		LastEntryTime:    lastClose,
		CooldownUntil:    lastClose + w.settings.CooldownMinutes*60.0,
		NeedsResync:      w.needsResync,
	}
}

// ApplyRuntime restores a persisted snapshot and flags the worker for a
// resync against the exchange.
func (w *Worker) ApplyRuntime(r Runtime) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.running = r.IsRunning
	w.positionOpen = r.PositionOpen
	if r.Direction != "" {
		w.direction = strings.ToUpper(r.Direction)
	}
	w.averagePrice = r.AveragePrice
	w.totalQty = r.TotalQty
	w.totalCost = r.TotalCost
	w.safetyOrdersUsed = r.SafetyOrdersUsed
	w.takeProfitPrice = r.TakeProfitPrice
	w.breakEvenArmed = r.BreakEvenArmed
	w.breakEvenPrice = r.BreakEvenPrice
	w.entryPrice = r.EntryPrice
	if r.LastEntryTime > 0 {
		w.lastCloseTime = time.UnixMilli(int64(r.LastEntryTime * 1000))
	}
	w.needsResync = true
}

// Start sets the running flag.
func (w *Worker) Start() {
	w.mu.Lock()
	w.running = true
	w.mu.Unlock()
	log.Info().Str("pair", w.pair).Str("mode", w.Mode()).Str("exchange", w.exchangeName).Msg("▶️ Pair started")
	w.notifyRuntime()
}

// Stop clears the running flag; the loop exits on its next check.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	log.Info().Str("pair", w.pair).Msg("⏹️ Pair stop requested")
	w.notifyRuntime()
}

// Run drives the 1 Hz loop until cancellation or Stop.
func (w *Worker) Run(ctx context.Context) {
	w.Start()
	defer log.Info().Str("pair", w.pair).Msg("Pair stopped")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if !w.Running() {
			return
		}
		w.Tick(ctx)

		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
			return
		case <-ticker.C:
		}
	}
}

// Tick executes one loop iteration. Exposed so tests can drive the state
// machine deterministically.
func (w *Worker) Tick(ctx context.Context) {
	w.syncLatestCandles()
	w.processClosedCandle(ctx)
	w.processDCA(ctx)
	w.checkBreakEven(ctx)
	w.checkTakeProfit(ctx)
	w.periodicPositionSync(ctx)

	if price, ok := w.md.Price(w.pair); ok && w.cb.PriceUpdate != nil {
		w.cb.PriceUpdate(w.pair, price)
	}
}

func (w *Worker) notifyRuntime() {
	if w.cb.SaveRuntime != nil {
		w.cb.SaveRuntime(w.pair)
	}
}

func (w *Worker) syncLatestCandles() {
	cache := w.md.Candles(w.pair)
	if len(cache) == 0 {
		return
	}
	w.mu.Lock()
	w.candles = cache
	w.mu.Unlock()
}

func (w *Worker) processClosedCandle(ctx context.Context) {
	version := w.md.CandleVersion(w.pair)

	w.mu.Lock()
	if version == 0 || version == w.lastCandleVersion {
		w.mu.Unlock()
		return
	}
	w.lastCandleVersion = version

	if len(w.candles) < w.settings.MinCandles() {
		w.mu.Unlock()
		return
	}
	candles := w.candles
	engine := w.engine
	w.mu.Unlock()

	signal := engine.Signal(candles)
	if signal != strategy.None {
		report := engine.LastReport.LongText()
		if signal == strategy.Short {
			report = engine.LastReport.ShortText()
		}
		log.Info().Str("pair", w.pair).Str("signal", string(signal)).Str("report", report).Msg("📊 Signal")
	}

	if signal != strategy.Long {
		return
	}

	w.mu.Lock()
	busy := w.positionOpen || w.orderInProgress
	w.mu.Unlock()
	if busy || w.isEntryBlocked() {
		return
	}
	w.openInitialPosition(ctx)
}

func (w *Worker) isEntryBlocked() bool {
	w.mu.Lock()
	cooldown := time.Duration(w.settings.CooldownMinutes * 60 * float64(time.Second))
	lastCloseTime := w.lastCloseTime
	lastClosePrice := w.lastClosePrice
	threshold := w.settings.AntiReentryPct
	w.mu.Unlock()

	if cooldown > 0 && !lastCloseTime.IsZero() && w.clock().Sub(lastCloseTime) < cooldown {
		log.Info().Str("pair", w.pair).Msg("Cooldown active, skipping entry")
		return true
	}

	if price, ok := w.md.Price(w.pair); ok && lastClosePrice > 0 {
		deltaPct := math.Abs(price-lastClosePrice) / lastClosePrice * 100.0
		if deltaPct < threshold {
			log.Info().Str("pair", w.pair).Msg("Anti re-entry active, skipping entry")
			return true
		}
	}
	return false
}

func (w *Worker) isFutures() bool {
	return w.settings.EnableFutures && strings.EqualFold(w.mode, strategy.ModeFutures)
}

func (w *Worker) isPaper() bool {
	return w.settings.RunMode == strategy.RunPaper
}

func (w *Worker) openInitialPosition(ctx context.Context) {
	w.mu.Lock()
	if w.positionOpen || w.orderInProgress || w.settings.RunMode == strategy.RunBacktest {
		w.mu.Unlock()
		return
	}
	futures := w.isFutures()
	paper := w.isPaper()
	settings := w.settings
	if futures {
		w.direction = strings.ToUpper(settings.FuturesPositionSide)
	} else {
		w.direction = "LONG"
	}
	w.mu.Unlock()

	if futures && !paper {
		w.ensureFuturesConfig(ctx)
	}

	var baseUSDT float64
	if paper {
		// Paper trading never touches the exchange: fixed notional sizing.
		baseUSDT = settings.BaseOrderSizeUSDT
	} else {
		exposure := 0.0
		if w.cb.Exposure != nil {
			exposure = w.cb.Exposure()
		}
		leverage := 1
		if futures {
			leverage = settings.Leverage
		}
		size, err := w.om.EntrySizeUSDT(ctx, w.ex, w.pair, settings, futures, leverage, exposure)
		if err != nil {
			log.Error().Err(err).Str("pair", w.pair).Msg("Entry sizing failed")
			return
		}
		baseUSDT = size
	}
	if baseUSDT <= 0 {
		return
	}
	w.openOrderWithUSDT(ctx, baseUSDT)
}

func (w *Worker) ensureFuturesConfig(ctx context.Context) {
	w.mu.Lock()
	marginMode := "Isolated"
	if strings.EqualFold(w.settings.MarginMode, "cross") {
		marginMode = "Cross"
	}
	leverage := w.settings.Leverage
	changed := w.futuresMarginMode != marginMode || w.futuresLeverage != leverage
	w.mu.Unlock()

	if !changed {
		return
	}
	if err := w.om.ConfigureFutures(ctx, w.ex, w.pair, leverage, marginMode); err != nil {
		log.Error().Err(err).Str("pair", w.pair).Msg("Failed to configure futures")
		return
	}
	w.mu.Lock()
	w.futuresMarginMode = marginMode
	w.futuresLeverage = leverage
	w.mu.Unlock()
	log.Info().Str("pair", w.pair).Int("leverage", leverage).Str("margin", marginMode).Msg("⚙️ Futures config applied")
}

func (w *Worker) openOrderWithUSDT(ctx context.Context, usdtAmount float64) {
	w.mu.Lock()
	if w.orderInProgress {
		w.mu.Unlock()
		return
	}
	w.orderInProgress = true
	w.lastOrderUSDT = usdtAmount
	futures := w.isFutures()
	paper := w.isPaper()
	settings := w.settings
	direction := w.direction
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.orderInProgress = false
		w.mu.Unlock()
	}()

	var qty, price float64
	switch {
	case paper:
		current, ok := w.md.Price(w.pair)
		if !ok || current <= 0 {
			return
		}
		qty = usdtAmount / current
		price = current
		log.Info().Str("pair", w.pair).Float64("qty", qty).Float64("price", price).Msg("📝 Paper order filled")
	case futures:
		fill, err := w.om.OpenFutures(ctx, w.ex, w.pair, direction, usdtAmount, settings.UseMarketOrder, settings.OrderTimeoutSec)
		if err != nil || fill == nil {
			return
		}
		qty = fill.Qty
		price = fill.Price
	default:
		fill, err := w.om.OpenSpot(ctx, w.ex, w.pair, exchange.SideBuy, usdtAmount, settings.UseMarketOrder, settings.OrderTimeoutSec)
		if err != nil || fill == nil {
			return
		}
		qty = fill.Qty
		price = fill.Price
	}

	commission := settings.CommissionPct / 100.0 * qty * price

	w.mu.Lock()
	w.positionOpen = true
	if w.entryPrice == 0 {
		w.entryPrice = price
	}
	w.totalQty += qty
	w.totalCost += qty*price + commission
	w.averagePrice = w.totalCost / w.totalQty
	w.recalculateTP()
	w.recalculateSL()
	w.breakEvenPrice = w.averagePrice
	w.mu.Unlock()

	if futures && !paper && settings.ProtectionOrdersOnExchange {
		w.RefreshProtection(ctx)
	}
	w.notifyRuntime()
}

// recalculateTP and recalculateSL require w.mu held.
func (w *Worker) recalculateTP() {
	if w.direction == "LONG" {
		w.takeProfitPrice = w.averagePrice * (1 + w.settings.TakeProfitPct/100.0)
	} else {
		w.takeProfitPrice = w.averagePrice * (1 - w.settings.TakeProfitPct/100.0)
	}
}

func (w *Worker) recalculateSL() {
	if w.direction == "LONG" {
		w.stopLossPrice = w.averagePrice * (1 - w.settings.StopLossPct/100.0)
	} else {
		w.stopLossPrice = w.averagePrice * (1 + w.settings.StopLossPct/100.0)
	}
}

// isSLActive requires w.mu held.
func (w *Worker) isSLActive() bool {
	switch w.settings.StopLossMode {
	case strategy.StopLossAlways:
		return true
	case strategy.StopLossAfterLastSafety:
		active := w.safetyOrdersUsed >= w.settings.SafetyOrdersCount
		if !active {
			log.Debug().Str("pair", w.pair).Msg("SL not active yet (safety remaining)")
		}
		return active
	default:
		return false
	}
}

// RefreshProtection re-arms the exchange-side TP/SL for the position.
func (w *Worker) RefreshProtection(ctx context.Context) {
	w.mu.Lock()
	if !w.isFutures() || !w.positionOpen {
		w.mu.Unlock()
		return
	}
	w.recalculateTP()
	slActive := w.isSLActive()
	w.recalculateSL()
	direction := w.direction
	qty := w.totalQty
	tp := w.takeProfitPrice
	sl := w.stopLossPrice
	enabled := w.settings.ProtectionOrdersOnExchange
	slMode := w.settings.StopLossMode
	w.mu.Unlock()

	w.om.SetFuturesProtection(ctx, w.ex, w.pair, direction, qty, tp, slActive, sl, enabled)
	if slMode == strategy.StopLossAfterLastSafety && slActive {
		log.Warn().Str("pair", w.pair).Float64("sl", sl).Msg("🚨 Emergency SL activated (last safety used)")
	}
	log.Debug().Str("pair", w.pair).Msg("Protection refreshed")
}

// CancelProtection drops exchange-side protection orders.
func (w *Worker) CancelProtection(ctx context.Context) {
	if !w.isFuturesLocked() {
		return
	}
	w.om.CancelFuturesProtection(ctx, w.ex, w.pair)
}

func (w *Worker) isFuturesLocked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isFutures()
}

func (w *Worker) processDCA(ctx context.Context) {
	w.mu.Lock()
	if !w.positionOpen || w.safetyOrderInProgress || w.orderInProgress {
		w.mu.Unlock()
		return
	}
	if w.safetyOrdersUsed >= w.settings.SafetyOrdersCount {
		w.mu.Unlock()
		return
	}
	avg := w.averagePrice
	direction := w.direction
	step := w.settings.SafetyStepPct / 100.0
	multiplier := w.settings.VolumeMultiplier
	lastUSDT := w.lastOrderUSDT
	w.mu.Unlock()

	price, ok := w.md.Price(w.pair)
	if !ok || avg <= 0 {
		return
	}

	shouldPlace := price <= avg*(1-step)
	if direction == "SHORT" {
		shouldPlace = price >= avg*(1+step)
	}
	if !shouldPlace {
		return
	}

	w.mu.Lock()
	if w.safetyOrderInProgress {
		w.mu.Unlock()
		return
	}
	w.safetyOrderInProgress = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.safetyOrderInProgress = false
		w.mu.Unlock()
	}()

	safetyUSDT := lastUSDT * multiplier
	w.openOrderWithUSDT(ctx, safetyUSDT)

	w.mu.Lock()
	if !w.positionOpen {
		w.mu.Unlock()
		return
	}
	w.lastOrderUSDT = safetyUSDT
	w.safetyOrdersUsed++
	w.breakEvenPrice = w.averagePrice
	used := w.safetyOrdersUsed
	newAvg := w.averagePrice
	newTP := w.takeProfitPrice
	futures := w.isFutures()
	paper := w.isPaper()
	protection := w.settings.ProtectionOrdersOnExchange
	w.mu.Unlock()

	log.Info().Str("pair", w.pair).Int("safety", used).
		Float64("avg", newAvg).Float64("tp", newTP).Msg("🪜 Safety order placed")

	if futures && !paper && protection {
		w.RefreshProtection(ctx)
	}
	w.notifyRuntime()
}

func (w *Worker) checkBreakEven(ctx context.Context) {
	w.mu.Lock()
	if !w.isFutures() || !w.positionOpen {
		w.mu.Unlock()
		return
	}
	avg := w.averagePrice
	direction := w.direction
	armed := w.breakEvenArmed
	bePrice := w.breakEvenPrice
	threshold := w.settings.BreakEvenAfterPercent
	w.mu.Unlock()

	price, ok := w.md.Price(w.pair)
	if !ok {
		return
	}

	if !armed {
		profitPct := (price - avg) / avg * 100
		if direction == "SHORT" {
			profitPct = (avg - price) / avg * 100
		}
		if profitPct >= threshold {
			w.mu.Lock()
			w.breakEvenArmed = true
			w.breakEvenPrice = w.averagePrice
			w.mu.Unlock()
			log.Info().Str("pair", w.pair).Float64("threshold", threshold).Msg("🔒 Break-even armed")
		}
		return
	}

	triggered := direction == "LONG" && price <= bePrice ||
		direction == "SHORT" && price >= bePrice
	if triggered {
		log.Info().Str("pair", w.pair).Msg("Break-even triggered, closing position")
		w.closePosition(ctx, "BREAK_EVEN")
	}
}

func (w *Worker) checkTakeProfit(ctx context.Context) {
	w.mu.Lock()
	if !w.positionOpen || w.takeProfitPrice == 0 {
		w.mu.Unlock()
		return
	}
	tp := w.takeProfitPrice
	direction := w.direction
	w.mu.Unlock()

	price, ok := w.md.Price(w.pair)
	if !ok {
		return
	}

	if direction == "LONG" && price >= tp || direction == "SHORT" && price <= tp {
		w.closePosition(ctx, "TP")
	}
}

// periodicPositionSync reconciles local state with the venue every 30s.
// Spot has no position endpoint and paper mode never talks to the
// exchange, so both are skipped.
func (w *Worker) periodicPositionSync(ctx context.Context) {
	w.mu.Lock()
	if !w.isFutures() || w.isPaper() {
		w.mu.Unlock()
		return
	}
	now := w.clock()
	if now.Sub(w.lastPositionSync) < positionSyncInterval {
		w.mu.Unlock()
		return
	}
	w.lastPositionSync = now
	w.mu.Unlock()

	pos, err := w.ex.PositionRisk(ctx, w.pair)
	if err != nil {
		log.Error().Err(err).Str("pair", w.pair).Msg("Position sync failed")
		return
	}

	realQty := math.Abs(pos.Amount)

	w.mu.Lock()
	if w.positionOpen && realQty == 0 {
		log.Warn().Str("pair", w.pair).Msg("Local position exists, but exchange has none. Resetting state")
		w.resetPositionState()
		w.mu.Unlock()
		w.notifyRuntime()
		return
	}

	if w.positionOpen && math.Abs(realQty-w.totalQty) > 1e-6 {
		entry := pos.EntryPrice
		if entry == 0 {
			entry = w.averagePrice
		}
		w.totalQty = realQty
		w.averagePrice = entry
		w.totalCost = w.averagePrice * w.totalQty
		w.recalculateTP()
		w.mu.Unlock()
		log.Info().Str("pair", w.pair).Msg("Position resynced")
		w.notifyRuntime()
		return
	}
	w.mu.Unlock()
}

// CancelActiveOrder cancels the in-flight entry order if any.
func (w *Worker) CancelActiveOrder(ctx context.Context) {
	w.om.CancelOpenOrder(ctx, w.ex, w.pair)
}

// CancelAllOrders cancels every open order for the pair.
func (w *Worker) CancelAllOrders(ctx context.Context) {
	w.om.CancelAllForPair(ctx, w.ex, w.pair, w.Mode())
}

// ClosePositionNow force-flattens the pair and reports a zero-PnL trade.
func (w *Worker) ClosePositionNow(ctx context.Context) {
	w.mu.Lock()
	mode := w.mode
	direction := w.direction
	paper := w.isPaper()
	open := w.positionOpen
	w.mu.Unlock()

	if paper {
		if !open {
			log.Info().Str("pair", w.pair).Msg("No open position")
			return
		}
	} else if !w.om.ClosePositionNow(ctx, w.ex, w.pair, mode) {
		log.Info().Str("pair", w.pair).Msg("No open position")
		return
	}

	if w.cb.TradeClosed != nil {
		w.cb.TradeClosed(w.pair, 0.0, mode, direction)
	}

	w.mu.Lock()
	w.lastCloseTime = w.clock()
	if price, ok := w.md.Price(w.pair); ok {
		w.lastClosePrice = price
	} else {
		w.lastClosePrice = 0
	}
	w.resetPositionState()
	w.mu.Unlock()
	w.notifyRuntime()
}

func (w *Worker) closePosition(ctx context.Context, reason string) {
	w.mu.Lock()
	mode := w.mode
	direction := w.direction
	paper := w.isPaper()
	futures := w.isFutures()
	totalQty := w.totalQty
	totalCost := w.totalCost
	avg := w.averagePrice
	commissionPct := w.settings.CommissionPct
	w.mu.Unlock()

	var exitPrice, qty float64
	switch {
	case paper:
		price, ok := w.md.Price(w.pair)
		if !ok {
			return
		}
		exitPrice = price
		qty = totalQty
		log.Info().Str("pair", w.pair).Str("reason", reason).Msg("📝 Paper position closed")
	case futures:
		w.CancelProtection(ctx)
		closed, err := w.om.CloseFutures(ctx, w.ex, w.pair)
		if err != nil || closed == nil {
			return
		}
		exitPrice = closed.ExitPrice
		qty = closed.Qty
	default:
		closed, err := w.om.CloseSpot(ctx, w.ex, w.pair, totalQty)
		if err != nil || closed == nil {
			return
		}
		exitPrice = closed.ExitPrice
		qty = closed.Qty
	}

	exitCommission := commissionPct / 100.0 * qty * exitPrice
	gross := exitPrice * qty
	if direction == "SHORT" {
		gross = (2*avg - exitPrice) * qty
	}
	pnl := (gross - exitCommission) - totalCost

	log.Info().Str("pair", w.pair).Str("reason", reason).Float64("pnl", pnl).Msg("💰 Position closed")
	if w.cb.TradeClosed != nil {
		w.cb.TradeClosed(w.pair, pnl, mode, direction)
	}

	w.mu.Lock()
	w.lastCloseTime = w.clock()
	w.lastClosePrice = exitPrice
	w.resetPositionState()
	if w.pendingSettings != nil {
		w.settings = *w.pendingSettings
		w.engine = strategy.NewEngine(w.settings)
		w.pendingSettings = nil
		log.Info().Str("pair", w.pair).Msg("Strategy updated")
	}
	w.mu.Unlock()
	w.notifyRuntime()
}

// resetPositionState requires w.mu held.
func (w *Worker) resetPositionState() {
	w.positionOpen = false
	w.orderInProgress = false
	w.entryPrice = 0
	w.takeProfitPrice = 0
	w.stopLossPrice = 0
	w.safetyOrdersUsed = 0
	w.totalQty = 0
	w.totalCost = 0
	w.averagePrice = 0
	w.lastOrderUSDT = 0
	w.safetyOrderInProgress = false
	w.breakEvenArmed = false
	w.breakEvenPrice = 0
}

// Resync pulls the venue's view of the position and adopts it. Used on
// startup for Live pairs restored from persisted state.
func (w *Worker) Resync(ctx context.Context) {
	w.mu.Lock()
	if w.settings.RunMode != strategy.RunLive {
		w.mu.Unlock()
		return
	}
	futures := w.isFutures()
	protection := w.settings.ProtectionOrdersOnExchange
	w.mu.Unlock()

	log.Info().Str("pair", w.pair).Msg("Resync started")
	defer func() {
		w.notifyRuntime()
		log.Info().Str("pair", w.pair).Msg("Resync complete")
	}()

	if futures {
		pos, err := w.ex.PositionRisk(ctx, w.pair)
		if err != nil {
			log.Error().Err(err).Str("pair", w.pair).Msg("Resync error")
			return
		}
		amount := math.Abs(pos.Amount)
		w.mu.Lock()
		if amount > 0 {
			w.positionOpen = true
			w.totalQty = amount
			w.averagePrice = pos.EntryPrice
			w.totalCost = pos.EntryPrice * amount
			w.entryPrice = pos.EntryPrice
			if pos.Amount > 0 {
				w.direction = "LONG"
			} else {
				w.direction = "SHORT"
			}
			w.recalculateTP()
			w.recalculateSL()
			w.mu.Unlock()
			if protection {
				w.RefreshProtection(ctx)
			}
			return
		}
		if w.positionOpen {
			w.resetPositionState()
			log.Info().Str("pair", w.pair).Msg("Resync: no position on exchange, local reset")
		}
		w.mu.Unlock()
		return
	}

	baseAsset := strings.TrimSuffix(w.pair, "USDT")
	balance, err := w.ex.Balance(ctx, baseAsset, false)
	if err != nil {
		log.Error().Err(err).Str("pair", w.pair).Msg("Resync error")
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if balance > 0 {
		price, _ := w.md.Price(w.pair)
		// Best effort when fills happened externally: the ticker stands
		// in for the unknown cost basis.
		w.positionOpen = true
		w.totalQty = balance
		w.averagePrice = price
		w.totalCost = price * balance
		w.entryPrice = price
		w.direction = "LONG"
		w.recalculateTP()
		return
	}
	if w.positionOpen {
		w.resetPositionState()
		log.Info().Str("pair", w.pair).Msg("Resync: no position on exchange, local reset")
	}
}
