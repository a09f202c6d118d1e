package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"dcabot/internal/market"
)

const (
	binanceSpotURL           = "https://api.binance.com"
	binanceFuturesURL        = "https://fapi.binance.com"
	binanceSpotTestnetURL    = "https://testnet.binance.vision"
	binanceFuturesTestnetURL = "https://testnet.binancefuture.com"

	recvWindowMs = 5000
)

// Binance is a signed REST client for the spot and USDT-M futures APIs.
type Binance struct {
	apiKey     string
	apiSecret  string
	spotURL    string
	futuresURL string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewBinance creates a client for the production endpoints.
func NewBinance(apiKey, apiSecret string, testnet bool) *Binance {
	b := &Binance{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		spotURL:    binanceSpotURL,
		futuresURL: binanceFuturesURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(8), 16),
	}
	if testnet {
		b.spotURL = binanceSpotTestnetURL
		b.futuresURL = binanceFuturesTestnetURL
	}
	return b
}

// Name identifies the venue.
func (b *Binance) Name() string { return "Binance" }

func (b *Binance) baseURL(futures bool) string {
	if futures {
		return b.futuresURL
	}
	return b.spotURL
}

// apiError is Binance's {"code":-XXXX,"msg":"..."} error payload.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("binance api error %d: %s", e.Code, e.Msg)
}

func (b *Binance) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(b.apiSecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (b *Binance) request(ctx context.Context, method, base, path string, params url.Values, signed bool) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.Itoa(recvWindowMs))
	}
	query := params.Encode()
	if signed {
		query += "&signature=" + b.sign(query)
	}

	reqURL := base + path
	if query != "" {
		reqURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if b.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Msg != "" {
			return nil, &apiErr
		}
		return nil, fmt.Errorf("binance %s %s: status %d: %s", method, path, resp.StatusCode, string(body))
	}
	return body, nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// Klines fetches spot candlesticks. startTime/endTime of 0 are omitted.
func (b *Binance) Klines(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int) ([]market.Bar, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if startTime > 0 {
		params.Set("startTime", strconv.FormatInt(startTime, 10))
	}
	if endTime > 0 {
		params.Set("endTime", strconv.FormatInt(endTime, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	body, err := b.request(ctx, http.MethodGet, b.spotURL, "/api/v3/klines", params, false)
	if err != nil {
		return nil, err
	}

	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance klines decode: %w", err)
	}

	bars := make([]market.Bar, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		var openTime int64
		var o, h, l, c, v string
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			continue
		}
		json.Unmarshal(row[1], &o)
		json.Unmarshal(row[2], &h)
		json.Unmarshal(row[3], &l)
		json.Unmarshal(row[4], &c)
		json.Unmarshal(row[5], &v)
		bars = append(bars, market.Bar{
			OpenTime: openTime,
			Candle: market.Candle{
				Open:   parseFloat(o),
				High:   parseFloat(h),
				Low:    parseFloat(l),
				Close:  parseFloat(c),
				Volume: parseFloat(v),
			},
		})
	}
	return bars, nil
}

// TickerPrice returns the latest trade price for a symbol.
func (b *Binance) TickerPrice(ctx context.Context, symbol string, futures bool) (float64, error) {
	path := "/api/v3/ticker/price"
	if futures {
		path = "/fapi/v1/ticker/price"
	}
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := b.request(ctx, http.MethodGet, b.baseURL(futures), path, params, false)
	if err != nil {
		return 0, err
	}
	var out struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("binance ticker decode: %w", err)
	}
	return parseFloat(out.Price), nil
}

// MarkPrice returns the futures mark price from the premium index.
func (b *Binance) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := b.request(ctx, http.MethodGet, b.futuresURL, "/fapi/v1/premiumIndex", params, false)
	if err != nil {
		return 0, err
	}
	var out struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("binance mark price decode: %w", err)
	}
	return parseFloat(out.MarkPrice), nil
}

// Balance returns the free balance of one asset.
func (b *Binance) Balance(ctx context.Context, asset string, futures bool) (float64, error) {
	if futures {
		body, err := b.request(ctx, http.MethodGet, b.futuresURL, "/fapi/v2/balance", nil, true)
		if err != nil {
			return 0, err
		}
		var rows []struct {
			Asset   string `json:"asset"`
			Balance string `json:"availableBalance"`
		}
		if err := json.Unmarshal(body, &rows); err != nil {
			return 0, fmt.Errorf("binance futures balance decode: %w", err)
		}
		for _, r := range rows {
			if r.Asset == asset {
				return parseFloat(r.Balance), nil
			}
		}
		return 0, nil
	}

	body, err := b.request(ctx, http.MethodGet, b.spotURL, "/api/v3/account", nil, true)
	if err != nil {
		return 0, err
	}
	var out struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("binance account decode: %w", err)
	}
	for _, bal := range out.Balances {
		if bal.Asset == asset {
			return parseFloat(bal.Free), nil
		}
	}
	return 0, nil
}

type orderResponse struct {
	OrderID             int64  `json:"orderId"`
	Symbol              string `json:"symbol"`
	Side                string `json:"side"`
	Type                string `json:"type"`
	Status              string `json:"status"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	AvgPrice            string `json:"avgPrice"`
}

func (r *orderResponse) toOrder() *Order {
	o := &Order{
		OrderID:     r.OrderID,
		Symbol:      r.Symbol,
		Side:        r.Side,
		Type:        r.Type,
		Status:      r.Status,
		Price:       parseFloat(r.Price),
		OrigQty:     parseFloat(r.OrigQty),
		ExecutedQty: parseFloat(r.ExecutedQty),
		AvgPrice:    parseFloat(r.AvgPrice),
	}
	// Spot has no avgPrice field; derive it from the quote turnover.
	if o.AvgPrice == 0 && o.ExecutedQty > 0 {
		o.AvgPrice = parseFloat(r.CummulativeQuoteQty) / o.ExecutedQty
	}
	return o
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// PlaceOrder submits a new order.
func (b *Binance) PlaceOrder(ctx context.Context, p PlaceOrderParams) (*Order, error) {
	path := "/api/v3/order"
	if p.Futures {
		path = "/fapi/v1/order"
	}

	params := url.Values{}
	params.Set("symbol", p.Symbol)
	params.Set("side", p.Side)
	params.Set("type", p.Type)
	if p.Quantity > 0 {
		params.Set("quantity", formatQty(p.Quantity))
	}
	if p.Type == TypeLimit {
		params.Set("price", formatQty(p.Price))
		params.Set("timeInForce", "GTC")
	}
	if p.Type == TypeStopMarket || p.Type == TypeTakeProfitMarket {
		params.Set("stopPrice", formatQty(p.StopPrice))
		params.Set("workingType", "MARK_PRICE")
		if p.Quantity == 0 {
			params.Set("closePosition", "true")
		}
	}
	if p.Futures {
		if p.ReduceOnly {
			params.Set("reduceOnly", "true")
		}
		if p.PositionSide != "" {
			params.Set("positionSide", p.PositionSide)
		}
	}

	body, err := b.request(ctx, http.MethodPost, b.baseURL(p.Futures), path, params, true)
	if err != nil {
		return nil, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binance order decode: %w", err)
	}
	log.Debug().Str("symbol", p.Symbol).Str("side", p.Side).Str("type", p.Type).
		Int64("order_id", resp.OrderID).Msg("📤 Order placed")
	return resp.toOrder(), nil
}

// OrderStatus fetches the current state of an order.
func (b *Binance) OrderStatus(ctx context.Context, symbol string, orderID int64, futures bool) (*Order, error) {
	path := "/api/v3/order"
	if futures {
		path = "/fapi/v1/order"
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	body, err := b.request(ctx, http.MethodGet, b.baseURL(futures), path, params, true)
	if err != nil {
		return nil, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binance order decode: %w", err)
	}
	return resp.toOrder(), nil
}

// CancelOrder cancels an open order.
func (b *Binance) CancelOrder(ctx context.Context, symbol string, orderID int64, futures bool) error {
	path := "/api/v3/order"
	if futures {
		path = "/fapi/v1/order"
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	_, err := b.request(ctx, http.MethodDelete, b.baseURL(futures), path, params, true)
	return err
}

// CancelAllOrders cancels every open order on a symbol. Binance answers
// with an error when there is nothing to cancel, which callers treat as
// a no-op.
func (b *Binance) CancelAllOrders(ctx context.Context, symbol string, futures bool) error {
	path := "/api/v3/openOrders"
	if futures {
		path = "/fapi/v1/allOpenOrders"
	}
	params := url.Values{}
	params.Set("symbol", symbol)

	_, err := b.request(ctx, http.MethodDelete, b.baseURL(futures), path, params, true)
	var apiErr *apiError
	if err != nil && errors.As(err, &apiErr) && apiErr.Code == -2011 {
		// "Unknown order sent" means there was nothing open.
		return nil
	}
	return err
}

// OpenOrders lists the symbol's open orders.
func (b *Binance) OpenOrders(ctx context.Context, symbol string, futures bool) ([]Order, error) {
	path := "/api/v3/openOrders"
	if futures {
		path = "/fapi/v1/openOrders"
	}
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := b.request(ctx, http.MethodGet, b.baseURL(futures), path, params, true)
	if err != nil {
		return nil, err
	}
	var rows []orderResponse
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("binance open orders decode: %w", err)
	}
	orders := make([]Order, 0, len(rows))
	for i := range rows {
		orders = append(orders, *rows[i].toOrder())
	}
	return orders, nil
}

// PositionRisk reads the futures position for a symbol.
func (b *Binance) PositionRisk(ctx context.Context, symbol string) (*Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := b.request(ctx, http.MethodGet, b.futuresURL, "/fapi/v2/positionRisk", params, true)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
		EntryPrice  string `json:"entryPrice"`
		MarkPrice   string `json:"markPrice"`
		Leverage    string `json:"leverage"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("binance position decode: %w", err)
	}
	for _, r := range rows {
		if r.Symbol == symbol {
			return &Position{
				Symbol:     r.Symbol,
				Amount:     parseFloat(r.PositionAmt),
				EntryPrice: parseFloat(r.EntryPrice),
				MarkPrice:  parseFloat(r.MarkPrice),
				Leverage:   int(parseFloat(r.Leverage)),
			}, nil
		}
	}
	return &Position{Symbol: symbol}, nil
}

// SetLeverage sets the futures leverage for a symbol.
func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))

	_, err := b.request(ctx, http.MethodPost, b.futuresURL, "/fapi/v1/leverage", params, true)
	return err
}

// SetMarginMode switches between CROSSED and ISOLATED margin. Binance
// rejects a no-op switch with "No need to change", which is not a failure.
func (b *Binance) SetMarginMode(ctx context.Context, symbol, mode string) error {
	marginType := "CROSSED"
	if strings.EqualFold(mode, "Isolated") {
		marginType = "ISOLATED"
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", marginType)

	_, err := b.request(ctx, http.MethodPost, b.futuresURL, "/fapi/v1/marginType", params, true)
	var apiErr *apiError
	if err != nil && errors.As(err, &apiErr) && strings.Contains(apiErr.Msg, "No need to change") {
		return nil
	}
	return err
}
