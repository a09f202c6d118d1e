package backtest

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"dcabot/internal/market"
	"dcabot/internal/strategy"
)

const maxParallelBacktests = 4

// OptimizationResult is one grid cell outcome.
type OptimizationResult struct {
	Index        int            `json:"index"`
	Params       map[string]any `json:"params"`
	TotalProfit  float64        `json:"total_profit"`
	WinRate      float64        `json:"win_rate"`
	MaxDrawdown  float64        `json:"max_drawdown"`
	ProfitFactor float64        `json:"profit_factor"`
	TotalTrades  int            `json:"total_trades"`
}

// Optimizer runs a backtest per parameter combination over a shared
// candle series and ranks the outcomes.
type Optimizer struct {
	bars []market.Bar
	base strategy.Settings
}

// NewOptimizer builds an optimizer over pre-loaded candles.
func NewOptimizer(bars []market.Bar, base strategy.Settings) *Optimizer {
	return &Optimizer{bars: bars, base: base}
}

// buildGrid expands parameter ranges into the cartesian product of
// combinations. Keys are iterated in sorted order so runs are repeatable.
func buildGrid(ranges map[string][]any) []map[string]any {
	if len(ranges) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ranges))
	for k := range ranges {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	combos := []map[string]any{{}}
	for _, key := range keys {
		values := ranges[key]
		next := make([]map[string]any, 0, len(combos)*len(values))
		for _, combo := range combos {
			for _, v := range values {
				extended := make(map[string]any, len(combo)+1)
				for ck, cv := range combo {
					extended[ck] = cv
				}
				extended[key] = v
				next = append(next, extended)
			}
		}
		combos = next
	}
	return combos
}

// ApplyParams overlays one combination onto the base settings. Parameter
// names are the settings JSON keys, so the round-trip handles the mapping.
func ApplyParams(base strategy.Settings, params map[string]any) (strategy.Settings, error) {
	raw, err := json.Marshal(base)
	if err != nil {
		return base, err
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return base, err
	}
	for k, v := range params {
		if _, ok := asMap[k]; !ok {
			return base, fmt.Errorf("unknown parameter %q", k)
		}
		asMap[k] = v
	}
	merged, err := json.Marshal(asMap)
	if err != nil {
		return base, err
	}
	out := base
	if err := json.Unmarshal(merged, &out); err != nil {
		return base, err
	}
	return out, nil
}

// Run executes the grid search, at most four backtests in flight at once.
// Results come back ranked best first.
func (o *Optimizer) Run(ranges map[string][]any) ([]OptimizationResult, error) {
	grid := buildGrid(ranges)
	if len(grid) == 0 {
		return nil, fmt.Errorf("parameter ranges are empty")
	}
	log.Info().Int("combinations", len(grid)).Msg("🔬 Starting grid search")

	results := make([]OptimizationResult, len(grid))
	errs := make([]error, len(grid))
	sem := make(chan struct{}, maxParallelBacktests)

	var wg sync.WaitGroup
	var mu sync.Mutex
	completed := 0
	for i, params := range grid {
		wg.Add(1)
		go func(i int, params map[string]any) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			settings, err := ApplyParams(o.base, params)
			if err != nil {
				errs[i] = err
				return
			}
			engine := NewEngine(nil)
			engine.SetBars(o.bars)
			report, err := engine.Run(settings)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = OptimizationResult{
				Index:        i + 1,
				Params:       params,
				TotalProfit:  report.TotalProfit,
				WinRate:      report.WinRate,
				MaxDrawdown:  report.MaxDrawdown,
				ProfitFactor: report.ProfitFactor,
				TotalTrades:  report.TotalTrades,
			}

			mu.Lock()
			completed++
			if completed%10 == 0 {
				log.Info().Int("done", completed).Int("total", len(grid)).Msg("🔬 Grid search progress")
			}
			mu.Unlock()
		}(i, params)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	Rank(results)
	return results, nil
}

// Rank sorts results best first: highest profit factor, then lowest
// drawdown, then highest total profit.
func Rank(results []OptimizationResult) {
	sort.SliceStable(results, func(a, b int) bool {
		ra, rb := results[a], results[b]
		if ra.ProfitFactor != rb.ProfitFactor {
			return ra.ProfitFactor > rb.ProfitFactor
		}
		if ra.MaxDrawdown != rb.MaxDrawdown {
			return ra.MaxDrawdown < rb.MaxDrawdown
		}
		return ra.TotalProfit > rb.TotalProfit
	})
}

// TopN returns the best n results, or nil when n is not positive.
func TopN(results []OptimizationResult, n int) []OptimizationResult {
	if n <= 0 {
		return nil
	}
	if n > len(results) {
		n = len(results)
	}
	return results[:n]
}
