package backtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"dcabot/internal/indicators"
	"dcabot/internal/market"
	"dcabot/internal/strategy"
)

const klinePageLimit = 1000

// KlineSource supplies historical candles, typically the Binance client.
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int) ([]market.Bar, error)
}

// Report summarizes one simulation run.
type Report struct {
	TotalTrades   int     `json:"total_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalProfit   float64 `json:"total_profit"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	AverageProfit float64 `json:"average_profit"`
	AverageLoss   float64 `json:"average_loss"`
	ProfitFactor  float64 `json:"profit_factor"`
}

type position struct {
	direction        string
	totalQty         float64
	totalCost        float64
	averagePrice     float64
	lastOrderUSDT    float64
	safetyOrdersUsed int
	breakEvenArmed   bool
}

// Engine replays the entry, DCA, break-even, and take-profit rules over
// historical candles without touching an exchange.
type Engine struct {
	source KlineSource

	bars         []market.Bar
	equityCurve  []float64
	tradeResults []float64
}

// NewEngine creates an engine fetching history from source.
func NewEngine(source KlineSource) *Engine {
	return &Engine{source: source}
}

// SetBars injects a pre-loaded candle series, bypassing the fetch. The
// optimizer shares one download across all combinations this way.
func (e *Engine) SetBars(bars []market.Bar) {
	e.bars = bars
}

// Bars returns the loaded candle series.
func (e *Engine) Bars() []market.Bar { return e.bars }

// EquityCurve returns the cumulative pnl after each candle of the last run.
func (e *Engine) EquityCurve() []float64 { return e.equityCurve }

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// LoadHistoricalData pages through klines between two ISO dates.
func (e *Engine) LoadHistoricalData(ctx context.Context, symbol, timeframe, startDate, endDate string) error {
	start, err := parseDate(startDate)
	if err != nil {
		return err
	}
	end, err := parseDate(endDate)
	if err != nil {
		return err
	}

	startMs := start.UnixMilli()
	endMs := end.UnixMilli()
	symbol = strings.ToUpper(symbol)

	var bars []market.Bar
	for {
		page, err := e.source.Klines(ctx, symbol, timeframe, startMs, endMs, klinePageLimit)
		if err != nil {
			return fmt.Errorf("load historical data: %w", err)
		}
		if len(page) == 0 {
			break
		}
		bars = append(bars, page...)
		lastOpen := page[len(page)-1].OpenTime
		if len(page) < klinePageLimit || lastOpen >= endMs {
			break
		}
		startMs = lastOpen + 1
	}

	e.bars = bars
	log.Info().Str("symbol", symbol).Int("candles", len(bars)).Msg("📥 Historical data loaded")
	return nil
}

// Run simulates the strategy over the loaded candles.
func (e *Engine) Run(settings strategy.Settings) (Report, error) {
	if len(e.bars) == 0 {
		return Report{}, errors.New("historical data is not loaded")
	}

	closes := make([]float64, len(e.bars))
	highs := make([]float64, len(e.bars))
	lows := make([]float64, len(e.bars))
	for i, b := range e.bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
	}

	// Indicators need a full warmup window before their values are usable.
	warmup := settings.EMAPeriod
	if w := settings.RSIPeriod + 1; w > warmup {
		warmup = w
	}
	if w := 2*settings.ADXPeriod + 1; w > warmup {
		warmup = w
	}

	var pos *position
	e.equityCurve = []float64{0.0}
	e.tradeResults = nil
	cumulativePnl := 0.0

	for i := range e.bars {
		if i+1 < warmup {
			e.equityCurve = append(e.equityCurve, cumulativePnl)
			continue
		}

		price := closes[i]
		rsi := indicators.RSI(closes[:i+1], settings.RSIPeriod)
		ema := indicators.EMA(closes[:i+1], settings.EMAPeriod)
		adx := indicators.ADX(highs[:i+1], lows[:i+1], closes[:i+1], settings.ADXPeriod)

		signal := strategy.None
		switch {
		case rsi < settings.RSILevel && price > ema && adx > 20:
			signal = strategy.Long
		case rsi > settings.RSILevel && price < ema && adx > 20:
			signal = strategy.Short
		}

		if pos == nil && signal != strategy.None {
			direction := string(signal)
			if settings.EnableFutures {
				direction = strings.ToUpper(settings.FuturesPositionSide)
			}
			pos = openPosition(direction, settings.BaseOrderSizeUSDT, price)
			e.equityCurve = append(e.equityCurve, cumulativePnl)
			continue
		}
		if pos == nil {
			e.equityCurve = append(e.equityCurve, cumulativePnl)
			continue
		}

		// DCA
		step := settings.SafetyStepPct / 100.0
		trigger := price <= pos.averagePrice*(1-step)
		if pos.direction == "SHORT" {
			trigger = price >= pos.averagePrice*(1+step)
		}
		if trigger && pos.safetyOrdersUsed < settings.SafetyOrdersCount {
			nextUSDT := pos.lastOrderUSDT * settings.VolumeMultiplier
			added := openPosition(pos.direction, nextUSDT, price)
			pos.totalQty += added.totalQty
			pos.totalCost += added.totalCost
			pos.averagePrice = pos.totalCost / pos.totalQty
			pos.lastOrderUSDT = nextUSDT
			pos.safetyOrdersUsed++
		}

		// Break-even, futures only.
		if settings.EnableFutures && !pos.breakEvenArmed {
			gainPct := (price - pos.averagePrice) / pos.averagePrice * 100.0
			if pos.direction == "SHORT" {
				gainPct = (pos.averagePrice - price) / pos.averagePrice * 100.0
			}
			if gainPct >= settings.BreakEvenAfterPercent {
				pos.breakEvenArmed = true
			}
		}
		if settings.EnableFutures && pos.breakEvenArmed {
			hit := pos.direction == "LONG" && price <= pos.averagePrice ||
				pos.direction == "SHORT" && price >= pos.averagePrice
			if hit {
				pnl := closePosition(pos, price, settings.CommissionPct)
				cumulativePnl += pnl
				e.tradeResults = append(e.tradeResults, pnl)
				pos = nil
				e.equityCurve = append(e.equityCurve, cumulativePnl)
				continue
			}
		}

		// Take profit.
		tp := pos.averagePrice * (1 + settings.TakeProfitPct/100.0)
		hitTP := price >= tp
		if pos.direction == "SHORT" {
			tp = pos.averagePrice * (1 - settings.TakeProfitPct/100.0)
			hitTP = price <= tp
		}
		if hitTP {
			pnl := closePosition(pos, price, settings.CommissionPct)
			cumulativePnl += pnl
			e.tradeResults = append(e.tradeResults, pnl)
			pos = nil
		}

		e.equityCurve = append(e.equityCurve, cumulativePnl)
	}

	report := e.report()
	log.Info().Int("trades", report.TotalTrades).Float64("profit", report.TotalProfit).Msg("🧪 Backtest complete")
	return report, nil
}

func openPosition(direction string, usdtAmount, price float64) *position {
	qty := usdtAmount / price
	return &position{
		direction:     strings.ToUpper(direction),
		totalQty:      qty,
		totalCost:     qty * price,
		averagePrice:  price,
		lastOrderUSDT: usdtAmount,
	}
}

func closePosition(pos *position, exitPrice, commissionPct float64) float64 {
	qty := pos.totalQty
	commission := commissionPct / 100.0 * qty * exitPrice
	gross := qty * exitPrice
	if pos.direction == "SHORT" {
		gross = qty * (2*pos.averagePrice - exitPrice)
	}
	return (gross - commission) - pos.totalCost
}

func (e *Engine) report() Report {
	var wins, losses []float64
	total := 0.0
	for _, pnl := range e.tradeResults {
		total += pnl
		if pnl > 0 {
			wins = append(wins, pnl)
		} else if pnl < 0 {
			losses = append(losses, pnl)
		}
	}

	r := Report{
		TotalTrades: len(e.tradeResults),
		TotalProfit: total,
	}
	if len(e.tradeResults) > 0 {
		r.WinRate = float64(len(wins)) / float64(len(e.tradeResults)) * 100.0
	}

	grossProfit, grossLoss := 0.0, 0.0
	for _, w := range wins {
		grossProfit += w
	}
	for _, l := range losses {
		grossLoss += -l
	}
	if len(wins) > 0 {
		r.AverageProfit = grossProfit / float64(len(wins))
	}
	if len(losses) > 0 {
		r.AverageLoss = -grossLoss / float64(len(losses))
	}
	if grossLoss > 0 {
		r.ProfitFactor = grossProfit / grossLoss
	}

	peak := 0.0
	first := true
	for _, equity := range e.equityCurve {
		if first || equity > peak {
			peak = equity
			first = false
		}
		if dd := peak - equity; dd > r.MaxDrawdown {
			r.MaxDrawdown = dd
		}
	}
	return r
}
