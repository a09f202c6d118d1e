package strategy

import (
	"strings"

	"dcabot/internal/indicators"
	"dcabot/internal/market"
)

// Direction of a trade signal.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
	None  Direction = ""
)

// Position sizing modes.
const (
	SizeFixed     = "Fixed"
	SizeRiskBased = "Risk-based"
)

// Stop-loss activation modes.
const (
	StopLossOff             = "Off"
	StopLossAlways          = "Always"
	StopLossAfterLastSafety = "After Last Safety"
)

// Run modes.
const (
	RunLive     = "Live"
	RunPaper    = "Paper"
	RunBacktest = "Backtest"
)

// Market modes.
const (
	ModeSpot    = "Spot"
	ModeFutures = "Futures"
)

// Settings holds the full per-pair strategy configuration. JSON tags match
// the persisted config_json layout.
type Settings struct {
	RSIPeriod int     `json:"rsi_period"`
	RSILevel  float64 `json:"rsi_level"`
	EMAPeriod int     `json:"ema_period"`
	ADXPeriod int     `json:"adx_period"`
	Timeframe string  `json:"timeframe"`

	TakeProfitPct     float64 `json:"take_profit_pct"`
	BaseOrderSizeUSDT float64 `json:"base_order_size_usdt"`
	OrderTimeoutSec   int     `json:"order_timeout_sec"`
	UseMarketOrder    bool    `json:"use_market_order"`

	SafetyStepPct     float64 `json:"safety_step_pct"`
	SafetyOrdersCount int     `json:"safety_orders_count"`
	VolumeMultiplier  float64 `json:"volume_multiplier"`
	CommissionPct     float64 `json:"commission_pct"`

	EnableFutures         bool    `json:"enable_futures"`
	Leverage              int     `json:"leverage"`
	MarginMode            string  `json:"margin_mode"` // Cross / Isolated
	BreakEvenAfterPercent float64 `json:"break_even_after_percent"`
	FuturesPositionSide   string  `json:"futures_position_side"` // Long / Short
	Mode                  string  `json:"mode"`                  // Spot / Futures
	CooldownMinutes       float64 `json:"cooldown_minutes"`
	AntiReentryPct        float64 `json:"anti_reentry_threshold_pct"`
	RunMode               string  `json:"run_mode"` // Live / Paper / Backtest

	UseRSI                bool    `json:"use_rsi"`
	UseEMATrendFilter     bool    `json:"use_ema_trend_filter"`
	UseADXFilter          bool    `json:"use_adx_filter"`
	UseVolumeFilter       bool    `json:"use_volume_filter"`
	UseATRFilter          bool    `json:"use_atr_filter"`
	ADXThreshold          float64 `json:"adx_threshold"`
	VolumeSpikeMultiplier float64 `json:"volume_spike_multiplier"`
	ATRMinValue           float64 `json:"atr_min_value"`

	PositionSizeMode           string  `json:"position_size_mode"` // Fixed / Risk-based
	RiskPerTradePct            float64 `json:"risk_per_trade_pct"`
	MaxTotalExposurePct        float64 `json:"max_total_exposure_pct"`
	ProtectionOrdersOnExchange bool    `json:"protection_orders_on_exchange"`
	StopLossMode               string  `json:"stop_loss_mode"` // Off / Always / After Last Safety
	StopLossPct                float64 `json:"stop_loss_pct"`
	AutoResumeRunningPairs     bool    `json:"auto_resume_running_pairs"`
}

// DefaultSettings mirrors the stock configuration shown in the UI.
func DefaultSettings() Settings {
	return Settings{
		RSIPeriod: 14,
		RSILevel:  30.0,
		EMAPeriod: 200,
		ADXPeriod: 14,
		Timeframe: "1m",

		TakeProfitPct:     1.0,
		BaseOrderSizeUSDT: 25.0,
		OrderTimeoutSec:   30,
		UseMarketOrder:    true,

		SafetyStepPct:     2.0,
		SafetyOrdersCount: 3,
		VolumeMultiplier:  1.5,
		CommissionPct:     0.1,

		Leverage:              5,
		MarginMode:            "Cross",
		BreakEvenAfterPercent: 0.3,
		FuturesPositionSide:   "Long",
		Mode:                  ModeSpot,
		AntiReentryPct:        0.2,
		RunMode:               RunLive,

		UseRSI:                true,
		UseEMATrendFilter:     true,
		UseADXFilter:          true,
		ADXThreshold:          20.0,
		VolumeSpikeMultiplier: 1.5,

		PositionSizeMode:           SizeFixed,
		RiskPerTradePct:            1.0,
		MaxTotalExposurePct:        30.0,
		ProtectionOrdersOnExchange: true,
		StopLossMode:               StopLossOff,
		StopLossPct:                1.0,
	}
}

// IsFutures reports whether the settings describe a futures pair.
func (s Settings) IsFutures() bool {
	return s.EnableFutures && strings.EqualFold(s.Mode, ModeFutures)
}

// MinCandles is the history required before signals can be evaluated.
func (s Settings) MinCandles() int {
	n := s.EMAPeriod
	if s.RSIPeriod > n {
		n = s.RSIPeriod
	}
	if s.ADXPeriod > n {
		n = s.ADXPeriod
	}
	return n
}

// Check is the outcome of one filter: passed, failed, or nil when disabled.
type Check struct {
	Name   string
	Passed *bool
}

// Report carries the per-filter diagnostics of the last evaluation.
type Report struct {
	Long  []Check
	Short []Check
}

func formatChecks(checks []Check) string {
	parts := make([]string, 0, len(checks))
	for _, c := range checks {
		switch {
		case c.Passed == nil:
			parts = append(parts, c.Name+" -")
		case *c.Passed:
			parts = append(parts, c.Name+" ✔")
		default:
			parts = append(parts, c.Name+" ✘")
		}
	}
	return strings.Join(parts, " ")
}

// LongText renders the LONG-side filter diagnostics for logging.
func (r Report) LongText() string { return formatChecks(r.Long) }

// ShortText renders the SHORT-side filter diagnostics for logging.
func (r Report) ShortText() string { return formatChecks(r.Short) }

// Engine evaluates the enabled condition filters against a candle frame.
type Engine struct {
	settings   Settings
	LastReport Report
}

// NewEngine creates a condition engine bound to one settings snapshot.
func NewEngine(settings Settings) *Engine {
	return &Engine{settings: settings}
}

// Signal evaluates both directions on the frame. LONG wins when both pass;
// with every filter disabled the result is None.
func (e *Engine) Signal(candles []market.Candle) Direction {
	if len(candles) == 0 {
		return None
	}

	longOK, longChecks := e.evaluate(candles, Long)
	shortOK, shortChecks := e.evaluate(candles, Short)
	e.LastReport = Report{Long: longChecks, Short: shortChecks}

	if longOK {
		return Long
	}
	if shortOK {
		return Short
	}
	return None
}

func (e *Engine) evaluate(candles []market.Candle, dir Direction) (bool, []Check) {
	s := e.settings
	checks := []Check{
		{Name: "RSI"},
		{Name: "EMA"},
		{Name: "ADX"},
		{Name: "Volume"},
		{Name: "ATR"},
	}

	if s.UseRSI {
		checks[0].Passed = boolPtr(e.checkRSI(candles, dir))
	}
	if s.UseEMATrendFilter {
		checks[1].Passed = boolPtr(e.checkEMATrend(candles, dir))
	}
	if s.UseADXFilter {
		checks[2].Passed = boolPtr(e.checkADX(candles))
	}
	if s.UseVolumeFilter {
		checks[3].Passed = boolPtr(e.checkVolumeSpike(candles))
	}
	if s.UseATRFilter {
		checks[4].Passed = boolPtr(e.checkATR(candles))
	}

	enabled := 0
	for _, c := range checks {
		if c.Passed == nil {
			continue
		}
		enabled++
		if !*c.Passed {
			return false, checks
		}
	}
	return enabled > 0, checks
}

func (e *Engine) checkRSI(candles []market.Candle, dir Direction) bool {
	rsi := indicators.RSI(market.Closes(candles), e.settings.RSIPeriod)
	if dir == Long {
		return rsi < e.settings.RSILevel
	}
	return rsi > e.settings.RSILevel
}

func (e *Engine) checkEMATrend(candles []market.Candle, dir Direction) bool {
	ema := indicators.EMA(market.Closes(candles), e.settings.EMAPeriod)
	last := candles[len(candles)-1].Close
	if dir == Long {
		return last > ema
	}
	return last < ema
}

func (e *Engine) checkADX(candles []market.Candle) bool {
	adx := indicators.ADX(market.Highs(candles), market.Lows(candles), market.Closes(candles), e.settings.ADXPeriod)
	return adx > e.settings.ADXThreshold
}

func (e *Engine) checkVolumeSpike(candles []market.Candle) bool {
	if len(candles) < 2 {
		return false
	}
	volumes := market.Volumes(candles)
	current := volumes[len(volumes)-1]
	prev := volumes[:len(volumes)-1]
	if len(prev) > 20 {
		prev = prev[len(prev)-20:]
	}
	avg := indicators.Mean(prev)
	if avg <= 0 {
		return false
	}
	return current > avg*e.settings.VolumeSpikeMultiplier
}

func (e *Engine) checkATR(candles []market.Candle) bool {
	// The ATR filter reuses the ADX period rather than carrying its own.
	atr := indicators.ATR(market.Highs(candles), market.Lows(candles), market.Closes(candles), e.settings.ADXPeriod)
	return atr > e.settings.ATRMinValue
}

func boolPtr(b bool) *bool { return &b }
