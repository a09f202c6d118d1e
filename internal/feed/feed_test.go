package feed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcabot/internal/market"
)

// wsServer is a minimal stream endpoint that records control frames and
// lets tests push events to the most recent connection.
type wsServer struct {
	*httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []controlFrame
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{}
	upgrader := websocket.Upgrader{}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		for {
			var frame controlFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, frame)
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.Server.Close)
	return s
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsServer) frames() []controlFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]controlFrame, len(s.received))
	copy(out, s.received)
	return out
}

func (s *wsServer) push(t *testing.T, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func (s *wsServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func (s *wsServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSubscribeSendsFullStreamSet(t *testing.T) {
	server := newWSServer(t)
	f := New(server.wsURL())
	f.Start()
	defer f.Stop()

	f.Subscribe("btcusdt", "1m")
	f.Subscribe("ETHUSDT", "5m")

	waitFor(t, func() bool {
		for _, fr := range server.frames() {
			if fr.Method == "SUBSCRIBE" && len(fr.Params) == 4 {
				return true
			}
		}
		return false
	}, "expected a SUBSCRIBE enumerating both pairs")

	var last controlFrame
	for _, fr := range server.frames() {
		if fr.Method == "SUBSCRIBE" && len(fr.Params) == 4 {
			last = fr
		}
	}
	assert.Equal(t, []string{
		"btcusdt@miniTicker", "btcusdt@kline_1m",
		"ethusdt@miniTicker", "ethusdt@kline_5m",
	}, last.Params)
}

func TestPriceAndCandleUpdates(t *testing.T) {
	server := newWSServer(t)
	f := New(server.wsURL())
	f.Start()
	defer f.Stop()

	f.Subscribe("BTCUSDT", "1m")
	waitFor(t, func() bool { return server.connCount() > 0 }, "no connection")

	server.push(t, map[string]any{"e": "24hrMiniTicker", "s": "BTCUSDT", "c": "50123.45"})
	waitFor(t, func() bool {
		p, ok := f.Price("BTCUSDT")
		return ok && p == 50123.45
	}, "miniTicker price not cached")

	// Open (unclosed) kline must be ignored.
	server.push(t, map[string]any{
		"e": "kline", "s": "BTCUSDT",
		"k": map[string]any{"o": "1", "h": "2", "l": "0.5", "c": "1.5", "v": "10", "x": false},
	})
	server.push(t, map[string]any{
		"e": "kline", "s": "BTCUSDT",
		"k": map[string]any{"o": "100", "h": "110", "l": "95", "c": "105", "v": "1234", "x": true},
	})

	waitFor(t, func() bool { return f.CandleVersion("BTCUSDT") == 1 }, "closed kline not recorded")
	candles := f.Candles("BTCUSDT")
	require.Len(t, candles, 1)
	assert.Equal(t, market.Candle{Open: 100, High: 110, Low: 95, Close: 105, Volume: 1234}, candles[0])
}

func TestReconnectResubscribes(t *testing.T) {
	server := newWSServer(t)
	f := New(server.wsURL())
	f.Start()
	defer f.Stop()

	f.Subscribe("BTCUSDT", "1m")
	waitFor(t, func() bool { return server.connCount() == 1 }, "no initial connection")

	server.dropConnections()
	waitFor(t, func() bool { return server.connCount() == 2 }, "no reconnect")

	waitFor(t, func() bool {
		subscribes := 0
		for _, fr := range server.frames() {
			if fr.Method == "SUBSCRIBE" {
				subscribes++
			}
		}
		return subscribes >= 2
	}, "no resubscribe after reconnect")
}

func TestUnsubscribeDropsCachesAndSendsFrame(t *testing.T) {
	server := newWSServer(t)
	f := New(server.wsURL())
	f.Start()
	defer f.Stop()

	f.Subscribe("BTCUSDT", "1m")
	waitFor(t, func() bool { return server.connCount() > 0 }, "no connection")

	server.push(t, map[string]any{"e": "24hrMiniTicker", "s": "BTCUSDT", "c": "100"})
	waitFor(t, func() bool { _, ok := f.Price("BTCUSDT"); return ok }, "price not cached")

	f.Unsubscribe("BTCUSDT")
	_, ok := f.Price("BTCUSDT")
	assert.False(t, ok)
	assert.Empty(t, f.Candles("BTCUSDT"))

	waitFor(t, func() bool {
		for _, fr := range server.frames() {
			if fr.Method == "UNSUBSCRIBE" {
				return true
			}
		}
		return false
	}, "no UNSUBSCRIBE frame")

	frames := server.frames()
	var unsub controlFrame
	for _, fr := range frames {
		if fr.Method == "UNSUBSCRIBE" {
			unsub = fr
		}
	}
	assert.Equal(t, []string{"btcusdt@miniTicker", "btcusdt@kline_1m"}, unsub.Params)
}

func TestConcurrentSubscribeDuringReconnects(t *testing.T) {
	server := newWSServer(t)
	f := New(server.wsURL())
	f.Start()
	defer f.Stop()

	f.Subscribe("BTCUSDT", "1m")
	waitFor(t, func() bool { return server.connCount() == 1 }, "no initial connection")

	// Hammer the socket with subscription churn from several goroutines
	// while the connection is dropped underneath them, so caller-side
	// control frames race the post-reconnect sync.
	pairs := []string{"ETHUSDT", "XRPUSDT", "ADAUSDT", "SOLUSDT"}
	var wg sync.WaitGroup
	for _, pair := range pairs {
		wg.Add(1)
		go func(pair string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				f.Subscribe(pair, "1m")
				f.Unsubscribe(pair)
			}
		}(pair)
	}
	server.dropConnections()
	wg.Wait()

	waitFor(t, func() bool { return server.connCount() >= 2 }, "no reconnect")
	waitFor(t, func() bool {
		for _, fr := range server.frames() {
			if fr.Method == "SUBSCRIBE" && len(fr.Params) >= 2 {
				return true
			}
		}
		return false
	}, "no subscribe after churn")

	// The surviving subscription still works end to end. Pushes retry in
	// case the latest server conn raced another drop.
	raw, err := json.Marshal(map[string]any{"e": "24hrMiniTicker", "s": "BTCUSDT", "c": "42000"})
	require.NoError(t, err)
	waitFor(t, func() bool {
		server.mu.Lock()
		conn := server.conns[len(server.conns)-1]
		server.mu.Unlock()
		if conn.WriteMessage(websocket.TextMessage, raw) != nil {
			return false
		}
		p, ok := f.Price("BTCUSDT")
		return ok && p == 42000
	}, "price not cached after reconnect churn")
}

func TestSeedCandlesBumpsVersion(t *testing.T) {
	f := New("ws://unused")
	seed := []market.Candle{{Close: 1}, {Close: 2}}
	f.SeedCandles("btcusdt", seed)

	assert.Equal(t, int64(1), f.CandleVersion("BTCUSDT"))
	assert.Len(t, f.Candles("BTCUSDT"), 2)
}

func TestCandleWindowCap(t *testing.T) {
	f := New("ws://unused")
	big := make([]market.Candle, maxCandles+50)
	for i := range big {
		big[i].Close = float64(i)
	}
	f.SeedCandles("BTCUSDT", big)

	candles := f.Candles("BTCUSDT")
	require.Len(t, candles, maxCandles)
	assert.Equal(t, float64(len(big)-1), candles[len(candles)-1].Close)
}
