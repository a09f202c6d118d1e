package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"dcabot/internal/backtest"
	"dcabot/internal/exchange"
	"dcabot/internal/feed"
	"dcabot/internal/orders"
	"dcabot/internal/risk"
	"dcabot/internal/storage"
	"dcabot/internal/strategy"
	"dcabot/internal/worker"
)

const (
	runtimeSaveDebounce  = time.Second
	snapshotInterval     = 15 * time.Second
	activePairsWarnLimit = 15
)

// Notifier receives trade and safety events, typically a Telegram bot.
type Notifier interface {
	TradeClosed(pair string, pnl float64, mode, direction string)
	RiskStop(consecutiveLosses int)
}

// PairStats accumulates per-pair results across the process lifetime.
type PairStats struct {
	Exchange   string  `json:"exchange"`
	Mode       string  `json:"mode"`
	Direction  string  `json:"direction"`
	Trades     int     `json:"trades"`
	WinTrades  int     `json:"win_trades"`
	LossTrades int     `json:"loss_trades"`
	PnlUSDT    float64 `json:"pnl_usdt"`
}

// pairConfig is the persisted config document: the strategy settings plus
// identity fields written alongside them.
type pairConfig struct {
	strategy.Settings
	PairName     string `json:"pair_name"`
	ExchangeName string `json:"exchange_name"`
	Mode         string `json:"mode"`
	Direction    string `json:"direction"`
}

// appStateDoc is the persisted singleton app state.
type appStateDoc struct {
	AutoResumeRunningPairs bool                            `json:"auto_resume_running_pairs"`
	Credentials            map[string]exchange.Credentials `json:"credentials"`
}

type pairTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Config wires the manager to its collaborators. Market defaults to Feed;
// tests inject a fake. NewExchange defaults to the venue registry.
type Config struct {
	Store       *storage.Store
	Feed        *feed.Feed
	Market      worker.MarketData
	Notifier    Notifier
	NewExchange func(name string, creds exchange.Credentials) (exchange.Exchange, error)
}

// Manager owns the pair workers, their persistence, the shared risk
// tracker, and the feed subscriptions.
type Manager struct {
	store       *storage.Store
	feed        *feed.Feed
	md          worker.MarketData
	notifier    Notifier
	risk        *risk.Manager
	orders      *orders.Manager
	newExchange func(string, exchange.Credentials) (exchange.Exchange, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	workers      map[string]*worker.Worker
	tasks        map[string]*pairTask
	stats        map[string]*PairStats
	exchanges    map[string]exchange.Exchange
	creds        map[string]exchange.Credentials
	autoResume   bool
	lastPrices   map[string]float64
	dirty        map[string]struct{}
	flushPending bool
}

// New builds a manager. Background tasks start in Initialize.
func New(cfg Config) *Manager {
	md := cfg.Market
	if md == nil {
		md = cfg.Feed
	}
	factory := cfg.NewExchange
	if factory == nil {
		factory = exchange.New
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:       cfg.Store,
		feed:        cfg.Feed,
		md:          md,
		notifier:    cfg.Notifier,
		risk:        risk.NewManager(),
		orders:      orders.NewManager(md),
		newExchange: factory,
		ctx:         ctx,
		cancel:      cancel,
		workers:     make(map[string]*worker.Worker),
		tasks:       make(map[string]*pairTask),
		stats:       make(map[string]*PairStats),
		exchanges:   make(map[string]exchange.Exchange),
		creds:       make(map[string]exchange.Credentials),
		lastPrices:  make(map[string]float64),
		dirty:       make(map[string]struct{}),
	}
}

func isBinance(name string) bool {
	return name == "" || strings.EqualFold(name, "binance")
}

func normalizeExchange(name string) string {
	if name == "" {
		return "binance"
	}
	return strings.ToLower(name)
}

// exchangeForLocked returns the cached venue adapter, m.mu held.
func (m *Manager) exchangeForLocked(name string) (exchange.Exchange, error) {
	key := normalizeExchange(name)
	if ex, ok := m.exchanges[key]; ok {
		return ex, nil
	}
	ex, err := m.newExchange(key, m.creds[key])
	if err != nil {
		return nil, err
	}
	m.exchanges[key] = ex
	return ex, nil
}

// Initialize loads the persisted app state and pairs, restores their
// runtime, and starts the background snapshot task.
func (m *Manager) Initialize(ctx context.Context) error {
	var st appStateDoc
	found, err := m.store.LoadAppState(&st)
	if err != nil {
		return fmt.Errorf("load app state: %w", err)
	}
	if found {
		m.mu.Lock()
		m.autoResume = st.AutoResumeRunningPairs
		for name, c := range st.Credentials {
			m.creds[normalizeExchange(name)] = c
		}
		m.mu.Unlock()
	}

	records, err := m.store.LoadAllPairs()
	if err != nil {
		return fmt.Errorf("load pairs: %w", err)
	}
	for _, rec := range records {
		var cfg pairConfig
		if err := json.Unmarshal([]byte(rec.ConfigJSON), &cfg); err != nil {
			log.Warn().Err(err).Str("pair", rec.PairID).Msg("Skipping pair with bad config")
			continue
		}
		if err := m.AddPair(ctx, rec.PairID, cfg.ExchangeName, cfg.Settings); err != nil {
			log.Warn().Err(err).Str("pair", rec.PairID).Msg("Failed to restore pair")
			continue
		}

		w := m.workerFor(rec.PairID)
		var rt worker.Runtime
		restored := false
		if rec.RuntimeJSON != "" && rec.RuntimeJSON != "{}" {
			if err := json.Unmarshal([]byte(rec.RuntimeJSON), &rt); err != nil {
				log.Warn().Err(err).Str("pair", rec.PairID).Msg("Bad runtime snapshot, starting clean")
			} else {
				w.ApplyRuntime(rt)
				restored = true
			}
		}
		if cfg.Settings.RunMode == strategy.RunLive {
			w.Resync(ctx)
		}
		if m.AutoResume() && restored && rt.IsRunning {
			if err := m.StartPair(rec.PairID); err != nil {
				log.Warn().Err(err).Str("pair", rec.PairID).Msg("Auto-resume failed")
			}
		}
	}
	log.Info().Int("pairs", len(records)).Msg("🤖 Bot manager initialized")

	m.wg.Add(1)
	go m.snapshotLoop()
	return nil
}

func (m *Manager) snapshotLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			for _, pair := range m.Pairs() {
				m.saveRuntime(pair)
			}
		}
	}
}

func (m *Manager) workerFor(pair string) *worker.Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workers[strings.ToUpper(pair)]
}

// Pairs lists the managed pair symbols.
func (m *Manager) Pairs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	pairs := make([]string, 0, len(m.workers))
	for p := range m.workers {
		pairs = append(pairs, p)
	}
	return pairs
}

// AddPair registers a new pair with the given settings and persists its
// configuration. The pair stays stopped until StartPair. Adding an
// already-known pair is a no-op.
func (m *Manager) AddPair(ctx context.Context, pairName, exchangeName string, settings strategy.Settings) error {
	pair := strings.ToUpper(pairName)

	mode := strategy.ModeSpot
	if settings.EnableFutures {
		mode = strategy.ModeFutures
	}
	settings.Mode = mode

	direction := "LONG"
	if settings.EnableFutures && strings.EqualFold(settings.FuturesPositionSide, "Short") {
		direction = "SHORT"
	}

	m.mu.Lock()
	if _, exists := m.workers[pair]; exists {
		m.mu.Unlock()
		return nil
	}
	ex, err := m.exchangeForLocked(exchangeName)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	w := worker.New(worker.Config{
		Pair:         pair,
		Mode:         mode,
		ExchangeName: normalizeExchange(exchangeName),
		Exchange:     ex,
		Market:       m.md,
		Orders:       m.orders,
		Settings:     settings,
		Callbacks: worker.Callbacks{
			TradeClosed: m.recordTrade,
			PriceUpdate: m.notePrice,
			Exposure:    m.TotalExposure,
			SaveRuntime: m.ScheduleRuntimeSave,
		},
	})
	m.workers[pair] = w
	if _, ok := m.stats[pair]; !ok {
		m.stats[pair] = &PairStats{
			Exchange:  normalizeExchange(exchangeName),
			Mode:      mode,
			Direction: direction,
		}
	}
	m.mu.Unlock()

	if m.feed != nil && isBinance(exchangeName) {
		m.feed.Subscribe(pair, settings.Timeframe)
	}

	if err := m.savePairConfig(pair); err != nil {
		log.Error().Err(err).Str("pair", pair).Msg("Failed to persist pair config")
	}
	m.ScheduleRuntimeSave(pair)
	log.Info().Str("pair", pair).Str("exchange", normalizeExchange(exchangeName)).Str("mode", mode).Msg("➕ Pair added")
	return nil
}

// StartPair launches the pair's trading loop. Idempotent for an already
// running pair.
func (m *Manager) StartPair(pairName string) error {
	pair := strings.ToUpper(pairName)

	m.mu.Lock()
	w, ok := m.workers[pair]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown pair %s", pair)
	}
	if !isBinance(w.ExchangeName()) {
		m.mu.Unlock()
		return fmt.Errorf("trading on %s is not supported yet", w.ExchangeName())
	}
	if w.Settings().RunMode == strategy.RunBacktest {
		m.mu.Unlock()
		return fmt.Errorf("pair %s is in backtest mode", pair)
	}
	if _, running := m.tasks[pair]; running {
		m.mu.Unlock()
		return nil
	}

	pctx, cancel := context.WithCancel(m.ctx)
	task := &pairTask{cancel: cancel, done: make(chan struct{})}
	m.tasks[pair] = task
	active := len(m.tasks)
	m.mu.Unlock()

	if active > activePairsWarnLimit {
		log.Warn().Int("active", active).Msg("⚠️ Many active pairs, one shared market feed")
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(task.done)
		w.Run(pctx)
		m.mu.Lock()
		if m.tasks[pair] == task {
			delete(m.tasks, pair)
		}
		m.mu.Unlock()
		m.ScheduleRuntimeSave(pair)
	}()
	return nil
}

// StopPair asks the pair's loop to exit. It does not wait for the loop,
// so it is safe to call from worker callbacks.
func (m *Manager) StopPair(pairName string) error {
	pair := strings.ToUpper(pairName)

	m.mu.Lock()
	w, ok := m.workers[pair]
	task := m.tasks[pair]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown pair %s", pair)
	}

	w.Stop()
	if task != nil {
		task.cancel()
	}
	m.ScheduleRuntimeSave(pair)
	return nil
}

// StopAllPairs stops every running pair.
func (m *Manager) StopAllPairs() {
	for _, pair := range m.Pairs() {
		if err := m.StopPair(pair); err != nil {
			log.Error().Err(err).Str("pair", pair).Msg("Stop failed")
		}
	}
}

// RemovePair stops and forgets a pair, dropping its persisted state.
func (m *Manager) RemovePair(pairName string) error {
	pair := strings.ToUpper(pairName)

	m.mu.Lock()
	w, ok := m.workers[pair]
	task := m.tasks[pair]
	if ok {
		delete(m.workers, pair)
		delete(m.tasks, pair)
		delete(m.stats, pair)
		delete(m.dirty, pair)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown pair %s", pair)
	}

	w.Stop()
	if task != nil {
		task.cancel()
	}
	if m.feed != nil && isBinance(w.ExchangeName()) {
		m.feed.Unsubscribe(pair)
	}
	if err := m.store.DeletePair(pair); err != nil {
		log.Error().Err(err).Str("pair", pair).Msg("Failed to delete pair state")
	}
	log.Info().Str("pair", pair).Msg("➖ Pair removed")
	return nil
}

// UpdatePairSettings swaps a pair's strategy settings and persists the
// submitted config. The worker defers the swap while a position is open,
// so persistence works from the submitted settings, not the worker's.
func (m *Manager) UpdatePairSettings(pairName string, settings strategy.Settings) error {
	pair := strings.ToUpper(pairName)
	w := m.workerFor(pair)
	if w == nil {
		return fmt.Errorf("unknown pair %s", pair)
	}

	mode := strategy.ModeSpot
	if settings.EnableFutures {
		mode = strategy.ModeFutures
	}
	settings.Mode = mode

	direction := "LONG"
	if settings.EnableFutures && strings.EqualFold(settings.FuturesPositionSide, "Short") {
		direction = "SHORT"
	}
	m.mu.Lock()
	if st := m.stats[pair]; st != nil {
		st.Mode = mode
		st.Direction = direction
	}
	m.mu.Unlock()

	w.SetMode(mode)
	w.UpdateSettings(settings)
	return m.savePairConfigWith(w, settings)
}

func (m *Manager) recordTrade(pair string, pnl float64, mode, direction string) {
	m.mu.Lock()
	st, ok := m.stats[pair]
	if !ok {
		st = &PairStats{Exchange: "binance"}
		m.stats[pair] = st
	}
	st.Trades++
	if pnl >= 0 {
		st.WinTrades++
	} else {
		st.LossTrades++
	}
	st.PnlUSDT += pnl
	st.Mode = mode
	st.Direction = direction
	m.mu.Unlock()

	m.ScheduleRuntimeSave(pair)
	if m.notifier != nil {
		m.notifier.TradeClosed(pair, pnl, mode, direction)
	}

	if m.risk.RegisterTradeResult(pnl) {
		losses := m.risk.ConsecutiveLosses()
		log.Error().Int("losses", losses).Msg("🛑 Consecutive loss limit hit, stopping all pairs")
		m.StopAllPairs()
		if m.notifier != nil {
			m.notifier.RiskStop(losses)
		}
	}
}

func (m *Manager) notePrice(pair string, price float64) {
	m.mu.Lock()
	m.lastPrices[pair] = price
	m.mu.Unlock()
}

// TotalExposure sums the cost basis of every open position in USDT.
func (m *Manager) TotalExposure() float64 {
	m.mu.Lock()
	workers := make([]*worker.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	total := 0.0
	for _, w := range workers {
		total += w.TotalCost()
	}
	return total
}

// ScheduleRuntimeSave marks a pair dirty; a debounced flush writes all
// dirty pairs at once shortly after.
func (m *Manager) ScheduleRuntimeSave(pairName string) {
	pair := strings.ToUpper(pairName)

	m.mu.Lock()
	m.dirty[pair] = struct{}{}
	if m.flushPending {
		m.mu.Unlock()
		return
	}
	m.flushPending = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-time.After(runtimeSaveDebounce):
		case <-m.ctx.Done():
		}
		m.flushDirty()
	}()
}

func (m *Manager) flushDirty() {
	m.mu.Lock()
	pairs := make([]string, 0, len(m.dirty))
	for p := range m.dirty {
		pairs = append(pairs, p)
	}
	m.dirty = make(map[string]struct{})
	m.flushPending = false
	m.mu.Unlock()

	for _, pair := range pairs {
		m.saveRuntime(pair)
	}
}

func (m *Manager) taskRunning(pair string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[pair]
	return ok
}

func (m *Manager) saveRuntime(pair string) {
	w := m.workerFor(pair)
	if w == nil {
		return
	}
	rt := w.RuntimeState()
	// The loop's liveness, not the worker flag, decides is_running: a
	// restored snapshot may carry the flag without a loop behind it.
	rt.IsRunning = m.taskRunning(pair)
	if price, ok := m.md.Price(pair); ok {
		rt.LastKnownPrice = price
	} else {
		m.mu.Lock()
		rt.LastKnownPrice = m.lastPrices[pair]
		m.mu.Unlock()
	}
	if err := m.store.SavePairRuntime(pair, rt); err != nil {
		log.Error().Err(err).Str("pair", pair).Msg("Failed to persist runtime")
	}
}

func (m *Manager) savePairConfig(pair string) error {
	w := m.workerFor(pair)
	if w == nil {
		return fmt.Errorf("unknown pair %s", pair)
	}
	return m.savePairConfigWith(w, w.Settings())
}

func (m *Manager) savePairConfigWith(w *worker.Worker, settings strategy.Settings) error {
	pair := w.Pair()
	m.mu.Lock()
	st := m.stats[pair]
	direction := "LONG"
	if st != nil {
		direction = st.Direction
	}
	m.mu.Unlock()

	doc := pairConfig{
		Settings:     settings,
		PairName:     pair,
		ExchangeName: w.ExchangeName(),
		Mode:         w.Mode(),
		Direction:    direction,
	}
	return m.store.SavePairConfig(pair, doc)
}

func (m *Manager) saveAppState() {
	m.mu.Lock()
	doc := appStateDoc{
		AutoResumeRunningPairs: m.autoResume,
		Credentials:            make(map[string]exchange.Credentials, len(m.creds)),
	}
	for name, c := range m.creds {
		doc.Credentials[name] = c
	}
	m.mu.Unlock()

	if err := m.store.SaveAppState(doc); err != nil {
		log.Error().Err(err).Msg("Failed to persist app state")
	}
}

// AutoResume reports whether stopped-with-the-process pairs restart on boot.
func (m *Manager) AutoResume() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoResume
}

// SetAutoResume toggles auto-resume and persists the app state.
func (m *Manager) SetAutoResume(enabled bool) {
	m.mu.Lock()
	m.autoResume = enabled
	m.mu.Unlock()
	m.saveAppState()
}

// SetExchangeCredentials stores venue keys, drops the cached adapter so
// the next use picks them up, and persists the app state.
func (m *Manager) SetExchangeCredentials(name string, creds exchange.Credentials) {
	key := normalizeExchange(name)
	m.mu.Lock()
	m.creds[key] = creds
	delete(m.exchanges, key)
	m.mu.Unlock()
	m.saveAppState()
	log.Info().Str("exchange", key).Msg("🔑 Exchange credentials updated")
}

// Statistics returns a copy of the per-pair accumulated results.
func (m *Manager) Statistics() map[string]PairStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]PairStats, len(m.stats))
	for pair, st := range m.stats {
		out[pair] = *st
	}
	return out
}

// RiskState exposes the shared consecutive-loss counter.
func (m *Manager) RiskState() *risk.Manager { return m.risk }

// CheckExchangeConnection verifies the venue's credentials with a signed
// balance request. Only Binance is wired for trading today.
func (m *Manager) CheckExchangeConnection(ctx context.Context, name string) error {
	if !isBinance(name) {
		return fmt.Errorf("%s is not implemented yet", normalizeExchange(name))
	}
	m.mu.Lock()
	ex, err := m.exchangeForLocked(name)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if _, err := ex.Balance(ctx, "USDT", false); err != nil {
		return fmt.Errorf("exchange connection check: %w", err)
	}
	return nil
}

// ResyncPair pulls the venue's view of a Live pair's position.
func (m *Manager) ResyncPair(ctx context.Context, pairName string) error {
	w := m.workerFor(pairName)
	if w == nil {
		return fmt.Errorf("unknown pair %s", strings.ToUpper(pairName))
	}
	w.Resync(ctx)
	return nil
}

// ClosePairNow market-flattens one pair's open position.
func (m *Manager) ClosePairNow(ctx context.Context, pairName string) error {
	w := m.workerFor(pairName)
	if w == nil {
		return fmt.Errorf("unknown pair %s", strings.ToUpper(pairName))
	}
	w.ClosePositionNow(ctx)
	return nil
}

// CancelPairOrders cancels every open order for one pair.
func (m *Manager) CancelPairOrders(ctx context.Context, pairName string) error {
	w := m.workerFor(pairName)
	if w == nil {
		return fmt.Errorf("unknown pair %s", strings.ToUpper(pairName))
	}
	w.CancelAllOrders(ctx)
	return nil
}

// RefreshPairProtection re-places the exchange-side TP/SL orders.
func (m *Manager) RefreshPairProtection(ctx context.Context, pairName string) error {
	w := m.workerFor(pairName)
	if w == nil {
		return fmt.Errorf("unknown pair %s", strings.ToUpper(pairName))
	}
	w.RefreshProtection(ctx)
	return nil
}

// CancelPairProtection removes the exchange-side TP/SL orders.
func (m *Manager) CancelPairProtection(ctx context.Context, pairName string) error {
	w := m.workerFor(pairName)
	if w == nil {
		return fmt.Errorf("unknown pair %s", strings.ToUpper(pairName))
	}
	w.CancelProtection(ctx)
	return nil
}

// ApplyOptimizerResult overlays a grid-search winner onto a pair's
// settings and switches the pair to Live.
func (m *Manager) ApplyOptimizerResult(pairName string, result backtest.OptimizationResult) error {
	w := m.workerFor(pairName)
	if w == nil {
		return fmt.Errorf("unknown pair %s", strings.ToUpper(pairName))
	}
	settings, err := backtest.ApplyParams(w.Settings(), result.Params)
	if err != nil {
		return err
	}
	settings.RunMode = strategy.RunLive
	return m.UpdatePairSettings(pairName, settings)
}

// EmergencyStop cancels each pair's tracked in-flight order and stops
// them all. Open positions and their protective TP/SL orders are left
// untouched.
func (m *Manager) EmergencyStop(ctx context.Context) {
	log.Warn().Strs("in_flight", m.orders.ActiveOrders()).Msg("🚨 Emergency stop")
	m.mu.Lock()
	workers := make([]*worker.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.CancelActiveOrder(ctx)
	}
	m.StopAllPairs()
}

// CloseAllPositionsNow market-flattens every open position.
func (m *Manager) CloseAllPositionsNow(ctx context.Context) {
	m.mu.Lock()
	workers := make([]*worker.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.ClosePositionNow(ctx)
	}
}

// RunBacktest replays a pair's strategy over Binance history.
func (m *Manager) RunBacktest(ctx context.Context, pairName, startDate, endDate string, settings strategy.Settings) (backtest.Report, error) {
	m.mu.Lock()
	ex, err := m.exchangeForLocked("binance")
	m.mu.Unlock()
	if err != nil {
		return backtest.Report{}, err
	}
	source, ok := ex.(backtest.KlineSource)
	if !ok {
		return backtest.Report{}, fmt.Errorf("exchange does not serve historical klines")
	}

	engine := backtest.NewEngine(source)
	if err := engine.LoadHistoricalData(ctx, pairName, settings.Timeframe, startDate, endDate); err != nil {
		return backtest.Report{}, err
	}
	return engine.Run(settings)
}

// RunOptimization grid-searches parameter ranges over Binance history and
// returns the results ranked best first.
func (m *Manager) RunOptimization(ctx context.Context, pairName, startDate, endDate string, base strategy.Settings, ranges map[string][]any) ([]backtest.OptimizationResult, error) {
	m.mu.Lock()
	ex, err := m.exchangeForLocked("binance")
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	source, ok := ex.(backtest.KlineSource)
	if !ok {
		return nil, fmt.Errorf("exchange does not serve historical klines")
	}

	engine := backtest.NewEngine(source)
	if err := engine.LoadHistoricalData(ctx, pairName, base.Timeframe, startDate, endDate); err != nil {
		return nil, err
	}
	return backtest.NewOptimizer(engine.Bars(), base).Run(ranges)
}

// Shutdown stops all pairs, flushes pending saves, and tears down the
// background tasks and the feed.
func (m *Manager) Shutdown() {
	log.Info().Msg("Shutting down bot manager")
	m.StopAllPairs()
	m.cancel()
	m.wg.Wait()
	m.flushDirty()
	for _, pair := range m.Pairs() {
		if err := m.savePairConfig(pair); err != nil {
			log.Error().Err(err).Str("pair", pair).Msg("Failed to persist pair config")
		}
		m.saveRuntime(pair)
	}
	m.saveAppState()
	if m.feed != nil {
		m.feed.Stop()
	}
	log.Info().Msg("👋 Bot manager stopped")
}
