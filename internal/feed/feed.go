package feed

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"dcabot/internal/market"
)

const (
	// DefaultURL is the production Binance combined stream endpoint.
	DefaultURL = "wss://stream.binance.com:9443/ws"

	maxCandles     = 200
	reconnectDelay = 3 * time.Second
)

// Feed multiplexes miniTicker and kline streams for every subscribed pair
// over a single websocket connection.
type Feed struct {
	url string

	mu            sync.RWMutex
	conn          *websocket.Conn
	prices        map[string]float64
	candles       map[string][]market.Candle
	versions      map[string]int64
	subscriptions map[string]string // pair -> timeframe

	// The websocket allows a single writer. Subscribe and Unsubscribe
	// write from caller goroutines while run() writes after each
	// reconnect, so control-frame writes are serialized separately.
	writeMu sync.Mutex

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a feed against the given websocket endpoint. An empty url
// selects the production endpoint.
func New(url string) *Feed {
	if url == "" {
		url = DefaultURL
	}
	return &Feed{
		url:           url,
		prices:        make(map[string]float64),
		candles:       make(map[string][]market.Candle),
		versions:      make(map[string]int64),
		subscriptions: make(map[string]string),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the connection loop.
func (f *Feed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	f.wg.Add(1)
	go f.run()
	log.Info().Str("url", f.url).Msg("📡 Market feed started")
}

// Stop closes the connection and waits for the loop to exit.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stopCh)
	if f.conn != nil {
		f.conn.Close()
	}
	f.mu.Unlock()

	f.wg.Wait()
	log.Info().Msg("📡 Market feed stopped")
}

// Subscribe adds a pair's miniTicker and kline streams.
func (f *Feed) Subscribe(pair, timeframe string) {
	pair = strings.ToUpper(pair)
	if timeframe == "" {
		timeframe = "1m"
	}

	f.mu.Lock()
	f.subscriptions[pair] = timeframe
	conn := f.conn
	f.mu.Unlock()

	log.Info().Str("pair", pair).Str("timeframe", timeframe).Msg("🔔 Pair subscribed")
	if conn != nil {
		f.syncSubscriptions(conn, "", "")
	}
}

// Unsubscribe removes a pair's streams and drops its caches.
func (f *Feed) Unsubscribe(pair string) {
	pair = strings.ToUpper(pair)

	f.mu.Lock()
	timeframe, ok := f.subscriptions[pair]
	if ok {
		delete(f.subscriptions, pair)
		delete(f.prices, pair)
		delete(f.candles, pair)
		delete(f.versions, pair)
	}
	conn := f.conn
	f.mu.Unlock()

	if !ok {
		return
	}
	log.Info().Str("pair", pair).Msg("🔕 Pair unsubscribed")
	if conn != nil {
		f.syncSubscriptions(conn, pair, timeframe)
	}
}

// Price returns the last miniTicker close for a pair.
func (f *Feed) Price(pair string) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[strings.ToUpper(pair)]
	return p, ok
}

// Candles returns a copy of the closed-candle window for a pair.
func (f *Feed) Candles(pair string) []market.Candle {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cached := f.candles[strings.ToUpper(pair)]
	out := make([]market.Candle, len(cached))
	copy(out, cached)
	return out
}

// CandleVersion increments once per closed candle for a pair.
func (f *Feed) CandleVersion(pair string) int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.versions[strings.ToUpper(pair)]
}

// SeedCandles preloads the candle window from REST history. The version
// counter is bumped so workers pick the frame up on their next tick.
func (f *Feed) SeedCandles(pair string, candles []market.Candle) {
	pair = strings.ToUpper(pair)
	if len(candles) > maxCandles {
		candles = candles[len(candles)-maxCandles:]
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.candles[pair] = append([]market.Candle(nil), candles...)
	f.versions[pair]++
}

func (f *Feed) run() {
	defer f.wg.Done()

	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.Dial(f.url, nil)
		if err != nil {
			log.Error().Err(err).Msg("Market feed dial failed, retrying")
			f.sleep(reconnectDelay)
			continue
		}

		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		log.Info().Msg("🔌 Market feed connected")

		f.syncSubscriptions(conn, "", "")
		f.readMessages(conn)

		f.mu.Lock()
		f.conn = nil
		stopped := !f.running
		f.mu.Unlock()
		conn.Close()

		if stopped {
			return
		}
		log.Warn().Msg("Market feed disconnected, reconnecting in 3s")
		f.sleep(reconnectDelay)
	}
}

func (f *Feed) sleep(d time.Duration) {
	select {
	case <-f.stopCh:
	case <-time.After(d):
	}
}

type controlFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

func (f *Feed) writeFrame(conn *websocket.Conn, frame controlFrame) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

// syncSubscriptions sends an UNSUBSCRIBE for the removed pair if any, then
// a SUBSCRIBE enumerating every active stream.
func (f *Feed) syncSubscriptions(conn *websocket.Conn, removedPair, removedTimeframe string) {
	if removedPair != "" {
		frame := controlFrame{
			Method: "UNSUBSCRIBE",
			Params: []string{
				strings.ToLower(removedPair) + "@miniTicker",
				strings.ToLower(removedPair) + "@kline_" + removedTimeframe,
			},
			ID: 2,
		}
		if err := f.writeFrame(conn, frame); err != nil {
			log.Error().Err(err).Msg("Failed to send unsubscribe")
			return
		}
	}

	f.mu.RLock()
	pairs := make([]string, 0, len(f.subscriptions))
	for pair := range f.subscriptions {
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)

	params := make([]string, 0, len(pairs)*2)
	for _, pair := range pairs {
		tf := f.subscriptions[pair]
		params = append(params, strings.ToLower(pair)+"@miniTicker")
		params = append(params, strings.ToLower(pair)+"@kline_"+tf)
	}
	f.mu.RUnlock()

	if len(params) == 0 {
		return
	}
	frame := controlFrame{Method: "SUBSCRIBE", Params: params, ID: 1}
	if err := f.writeFrame(conn, frame); err != nil {
		log.Error().Err(err).Msg("Failed to send subscribe")
	}
}

type streamEvent struct {
	Event  string `json:"e"`
	Symbol string `json:"s"`
	Close  string `json:"c"`
	Kline  struct {
		Open   string `json:"o"`
		High   string `json:"h"`
		Low    string `json:"l"`
		Close  string `json:"c"`
		Volume string `json:"v"`
		Closed bool   `json:"x"`
	} `json:"k"`
}

func (f *Feed) readMessages(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var event streamEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			continue
		}

		switch event.Event {
		case "24hrMiniTicker", "miniTicker":
			f.handleMiniTicker(event)
		case "kline":
			f.handleKline(event)
		}
	}
}

func parsePrice(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

func (f *Feed) handleMiniTicker(event streamEvent) {
	if event.Symbol == "" {
		return
	}
	price, ok := parsePrice(event.Close)
	if !ok {
		return
	}
	f.mu.Lock()
	f.prices[event.Symbol] = price
	f.mu.Unlock()
}

// handleKline records closed candles only, capping the window at 200.
func (f *Feed) handleKline(event streamEvent) {
	if event.Symbol == "" || !event.Kline.Closed {
		return
	}

	open, ok1 := parsePrice(event.Kline.Open)
	high, ok2 := parsePrice(event.Kline.High)
	low, ok3 := parsePrice(event.Kline.Low)
	closePrice, ok4 := parsePrice(event.Kline.Close)
	volume, ok5 := parsePrice(event.Kline.Volume)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return
	}

	candle := market.Candle{Open: open, High: high, Low: low, Close: closePrice, Volume: volume}

	f.mu.Lock()
	window := append(f.candles[event.Symbol], candle)
	if len(window) > maxCandles {
		window = window[len(window)-maxCandles:]
	}
	f.candles[event.Symbol] = window
	f.versions[event.Symbol]++
	f.mu.Unlock()
}
