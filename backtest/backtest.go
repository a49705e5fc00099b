// Package backtest runs an agent's actual Docker container against
// replayed historical market data, parses its trade stream from stdout,
// and computes performance metrics from the realized trades.
//
// The protocol is deliberately simple: start the container with the
// backtest environment, wait for it to exit on its own, force-remove it
// unconditionally, and treat stdout as a stream of JSON lines of which
// only recognized trade actions count.
package backtest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/relvacode/iso8601"

	"github.com/fortline/verifier/core"
	"github.com/fortline/verifier/core/market"
)

// Side is the direction of a Trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade is a single executed buy/sell or fill event, parsed from one JSON
// object per line on the agent's stdout.
type Trade struct {
	Timestamp      time.Time
	Pair           string
	Side           Side
	Price          float64
	Amount         float64
	PnL            *float64
	StrategySignal string
}

// tradeActions is the closed set of action values that mark a stdout line
// as a trade rather than log noise.
var tradeActions = map[string]bool{
	"arbitrage_buy":      true,
	"arbitrage_sell":     true,
	"momentum_entry":     true,
	"momentum_exit":      true,
	"market_making_fill": true,
}

// Metrics is the performance summary of a backtest, derived
// deterministically from a trade sequence and a matching price series.
type Metrics struct {
	TotalReturn        float64
	AnnualizedReturn   float64
	Sharpe             float64
	Sortino            float64
	MaxDrawdown        float64 // nonpositive
	Calmar             float64
	WinRate            float64
	ProfitFactor       float64 // +Inf when total losses are zero
	TotalTrades        int
	AvgTradeDuration   time.Duration
	RiskAdjustedReturn float64
}

// RegimeAggregate is the per-regime performance bucket in a Backtest Result.
type RegimeAggregate struct {
	Trades           int
	PnL              float64
	Hours            float64
	AnnualizedReturn float64
}

// DataQuality is the coverage aggregate attached to a Backtest Result.
type DataQuality struct {
	TotalHours float64
	Missing    float64
	Coverage   float64
}

// Result is the complete output of one backtest run.
type Result struct {
	AgentID           string
	Start, End        string
	InitialCapital    float64
	FinalCapital      float64
	Metrics           Metrics
	RegimePerformance map[string]RegimeAggregate
	Trades            []Trade // truncated to the first 100
	StrategyType      string
	DataQuality       DataQuality
	Warning           string // set when the run was cut short but trades were still captured
}

// Runner starts an agent image as a container with the declared backtest
// environment, waits for it to finish (or times out), and returns its
// stdout and exit status. Implementations wrap a container engine client
// (e.g. Docker); ContainerRunner below is the production implementation.
type Runner interface {
	// ImageExists reports whether ref is present locally.
	ImageExists(ctx context.Context, ref string) (bool, error)
	// Run starts ref with env, waits up to maxWait for it to exit on its
	// own, stops it if still running, force-removes it in all cases, and
	// returns the captured stdout, the container's exit code (-1 when it
	// had to be force-stopped), and whether the deadline forced the stop.
	Run(ctx context.Context, ref string, env map[string]string, maxWait time.Duration) (stdout []byte, exitCode int, timedOut bool, err error)
}

// Params configures a single backtest run.
type Params struct {
	AgentImage     string
	Start, End     string
	StrategyType   string // hint; empty triggers DetectStrategyType
	InitialCapital float64
	BacktestMode   bool // true caps maxWait at 30s; false allows up to 300s
	Timeout        time.Duration
}

// DetectStrategyType guesses a strategy from the image name as a cheap
// prior; the trade-stream classification in package strategy remains
// authoritative.
func DetectStrategyType(agentImage string) string {
	lower := strings.ToLower(agentImage)
	switch {
	case strings.Contains(lower, "arbitrage"):
		return "arbitrage"
	case strings.Contains(lower, "momentum"):
		return "momentum"
	case strings.Contains(lower, "market") && strings.Contains(lower, "maker"):
		return "market_making"
	default:
		return "arbitrage"
	}
}

// Run executes the container backtest protocol.
func Run(ctx context.Context, p Params, runner Runner, store *market.Store) (*Result, error) {
	exists, err := runner.ImageExists(ctx, p.AgentImage)
	if err != nil || !exists {
		return nil, core.NewError(core.KindImageNotFound, "backtest", fmt.Errorf("image %q not found locally", p.AgentImage))
	}

	strategyType := p.StrategyType
	if strategyType == "" {
		strategyType = DetectStrategyType(p.AgentImage)
	}

	initialCapital := p.InitialCapital
	if initialCapital == 0 {
		initialCapital = 100000.0
	}

	env := map[string]string{
		"BACKTEST_MODE":   "true",
		"START_DATE":      p.Start,
		"END_DATE":        p.End,
		"INITIAL_CAPITAL": fmt.Sprintf("%g", initialCapital),
		"REPLAY_SPEED":    "max",
	}

	maxWait := 300 * time.Second
	if p.BacktestMode {
		maxWait = 30 * time.Second
	}
	if p.Timeout > 0 && p.Timeout < maxWait {
		maxWait = p.Timeout
	}

	stdout, exitCode, timedOut, err := runner.Run(ctx, p.AgentImage, env, maxWait)
	if err != nil {
		slog.Error("backtest container run failed", "image", p.AgentImage, "error", err)
		return nil, core.NewError(core.KindBacktestFailed, "backtest", err)
	}
	if timedOut {
		slog.Warn("backtest container force-stopped at deadline", "image", p.AgentImage, "max_wait", maxWait)
	} else if exitCode != 0 {
		slog.Warn("backtest container exited abnormally", "image", p.AgentImage, "exit_code", exitCode)
	}

	trades := parseTrades(stdout)
	if len(trades) == 0 {
		return nil, core.NewError(core.KindAgentProducedNoTrades, "backtest", fmt.Errorf("agent produced no trades"))
	}

	finalCapital := initialCapital
	for _, t := range trades {
		if t.PnL != nil {
			finalCapital += *t.PnL
		}
	}

	var priceSeries []market.Candle
	if store != nil {
		start, sErr := time.Parse("2006-01-02", p.Start)
		end, eErr := time.Parse("2006-01-02", p.End)
		if sErr == nil && eErr == nil {
			if candles, mErr := store.Fetch(ctx, []string{"BTCUSDT"}, start, end, market.Interval1h); mErr == nil {
				priceSeries = candles["BTCUSDT"]
			}
		}
	}

	metrics := computeMetrics(trades, initialCapital, finalCapital, len(priceSeries))

	result := &Result{
		AgentID:           p.AgentImage,
		Start:             p.Start,
		End:               p.End,
		InitialCapital:    initialCapital,
		FinalCapital:      finalCapital,
		Metrics:           metrics,
		RegimePerformance: aggregateByRegime(store, trades, priceSeries, initialCapital),
		Trades:            truncate(trades, 100),
		StrategyType:      strategyType,
		DataQuality: DataQuality{
			TotalHours: float64(len(priceSeries)),
			Coverage:   1.0,
		},
	}
	switch {
	case timedOut:
		result.Warning = "agent did not exit on its own within the backtest deadline; trades reflect whatever was captured before the forced stop"
	case exitCode != 0:
		result.Warning = fmt.Sprintf("agent exited with status %d; trades reflect whatever was captured before the crash", exitCode)
	}
	return result, nil
}

func truncate(trades []Trade, n int) []Trade {
	if len(trades) <= n {
		return trades
	}
	return trades[:n]
}

// parseTrades scans stdout line by line: each line is parsed as JSON, and
// a line is a trade iff its action matches tradeActions.
// Malformed lines and non-trade actions are silently skipped.
func parseTrades(stdout []byte) []Trade {
	var trades []Trade
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}
		action, _ := raw["action"].(string)
		if !tradeActions[action] {
			continue
		}
		trade, ok := parseTrade(raw, action)
		if !ok {
			continue
		}
		trades = append(trades, trade)
	}
	return trades
}

func parseTrade(raw map[string]any, action string) (Trade, bool) {
	tsStr, _ := raw["timestamp"].(string)
	ts, err := iso8601.ParseString(tsStr)
	if err != nil {
		return Trade{}, false
	}
	symbol, _ := raw["symbol"].(string)
	sideStr, _ := raw["side"].(string)
	price, _ := raw["price"].(float64)
	amount, _ := raw["amount"].(float64)

	t := Trade{
		Timestamp: ts,
		Pair:      symbol + "/USDT",
		Side:      Side(sideStr),
		Price:     price,
		Amount:    amount,
	}
	if pnl, ok := raw["pnl"].(float64); ok {
		t.PnL = &pnl
	}
	if reason, ok := raw["reason"].(string); ok {
		t.StrategySignal = reason
	} else {
		t.StrategySignal = action
	}
	return t, true
}

// aggregateByRegime buckets trades and price-series hours by the named
// market regime window each timestamp falls in, rather than a single
// synthetic bucket. Trades and
// candles whose timestamp matches no registered regime fall into
// "unclassified". When store is nil (no market data wired) everything
// falls into "unclassified", the same degrade-to-one-bucket behavior as
// before store/regime wiring existed.
func aggregateByRegime(store *market.Store, trades []Trade, priceSeries []market.Candle, initialCapital float64) map[string]RegimeAggregate {
	const unclassified = "unclassified"

	pnlByRegime := map[string]float64{}
	tradesByRegime := map[string]int{}
	hoursByRegime := map[string]float64{}

	classify := func(t time.Time) string {
		if store == nil {
			return unclassified
		}
		if name := store.ClassifyRegime(t); name != "" {
			return name
		}
		return unclassified
	}

	for _, t := range trades {
		name := classify(t.Timestamp)
		tradesByRegime[name]++
		if t.PnL != nil {
			pnlByRegime[name] += *t.PnL
		}
	}
	for _, c := range priceSeries {
		hoursByRegime[classify(c.Timestamp)]++
	}

	names := map[string]bool{}
	for name := range tradesByRegime {
		names[name] = true
	}
	for name := range hoursByRegime {
		names[name] = true
	}
	if len(names) == 0 {
		names[unclassified] = true
	}

	out := make(map[string]RegimeAggregate, len(names))
	for name := range names {
		hours := hoursByRegime[name]
		pnl := pnlByRegime[name]
		years := hours / 8760.0
		annualizedReturn := 0.0
		if years > 0 && initialCapital > 0 {
			annualizedReturn = math.Pow(1+pnl/initialCapital, 1/years) - 1
		}
		out[name] = RegimeAggregate{
			Trades:           tradesByRegime[name],
			PnL:              pnl,
			Hours:            hours,
			AnnualizedReturn: annualizedReturn,
		}
	}
	return out
}

// computeMetrics derives Metrics from a trade sequence. Numeric policy:
// annualized return uses ACT/365 years = hours/8760; profit factor is +Inf
// when total losses are zero.
func computeMetrics(trades []Trade, initialCapital, finalCapital float64, priceHours int) Metrics {
	totalReturn := (finalCapital - initialCapital) / initialCapital

	years := float64(priceHours) / 8760.0
	if years <= 0 {
		years = 1
	}
	annualizedReturn := math.Pow(1+totalReturn, 1/years) - 1

	var winning []Trade
	var totalProfit, totalLoss float64
	for _, t := range trades {
		if t.PnL == nil {
			continue
		}
		if *t.PnL > 0 {
			winning = append(winning, t)
			totalProfit += *t.PnL
		} else if *t.PnL < 0 {
			totalLoss += -*t.PnL
		}
	}
	winRate := 0.0
	if len(trades) > 0 {
		winRate = float64(len(winning)) / float64(len(trades))
	}
	profitFactor := math.Inf(1)
	if totalLoss > 0 {
		profitFactor = totalProfit / totalLoss
	}

	returns := tradeReturns(trades, initialCapital)
	sharpe := sharpeRatio(returns, years)
	sortino := sortinoRatio(returns, years)

	var avgDuration time.Duration
	if len(trades) > 1 {
		var total time.Duration
		for i := 1; i < len(trades); i++ {
			total += trades[i].Timestamp.Sub(trades[i-1].Timestamp)
		}
		avgDuration = total / time.Duration(len(trades)-1)
	}

	maxDrawdown := maxDrawdownFromTrades(trades, initialCapital)
	calmar := 0.0
	if maxDrawdown < 0 && annualizedReturn > 0 {
		calmar = annualizedReturn / math.Abs(maxDrawdown)
	}

	return Metrics{
		TotalReturn:        totalReturn,
		AnnualizedReturn:   annualizedReturn,
		Sharpe:             sharpe,
		Sortino:            sortino,
		MaxDrawdown:        maxDrawdown,
		Calmar:             calmar,
		WinRate:            winRate,
		ProfitFactor:       profitFactor,
		TotalTrades:        len(trades),
		AvgTradeDuration:   avgDuration,
		RiskAdjustedReturn: sharpe * winRate,
	}
}

// tradeReturns is each trade's realized PnL as a fraction of initial
// capital; trades with no PnL contribute no data point, matching the
// backtester invariant that they don't move final capital either.
func tradeReturns(trades []Trade, initialCapital float64) []float64 {
	if initialCapital == 0 {
		return nil
	}
	var out []float64
	for _, t := range trades {
		if t.PnL != nil {
			out = append(out, *t.PnL/initialCapital)
		}
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64, m float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)-1))
}

// downsideDeviation is the stddev of below-zero returns only, the
// denominator of the Sortino ratio.
func downsideDeviation(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sumSq float64
	for _, x := range xs {
		if x < 0 {
			sumSq += x * x
		}
	}
	return math.Sqrt(sumSq / float64(len(xs)-1))
}

// sharpeRatio annualizes the dispersion of realized per-trade returns by
// the trade frequency implied by years (years = hours/8760),
// rather than assuming a fixed volatility constant.
func sharpeRatio(returns []float64, years float64) float64 {
	if len(returns) < 2 || years <= 0 {
		return 0
	}
	m := mean(returns)
	sd := stddev(returns, m)
	if sd == 0 {
		return 0
	}
	tradesPerYear := float64(len(returns)) / years
	return (m / sd) * math.Sqrt(tradesPerYear)
}

// sortinoRatio is sharpeRatio with downside-only dispersion in the
// denominator; when there is no downside at all it falls back to the
// Sharpe ratio rather than dividing by zero.
func sortinoRatio(returns []float64, years float64) float64 {
	if len(returns) < 2 || years <= 0 {
		return 0
	}
	dd := downsideDeviation(returns)
	if dd == 0 {
		return sharpeRatio(returns, years)
	}
	m := mean(returns)
	tradesPerYear := float64(len(returns)) / years
	return (m / dd) * math.Sqrt(tradesPerYear)
}

// maxDrawdownFromTrades walks the realized-PnL equity curve in stdout
// order and returns the largest peak-to-trough drawdown as a nonpositive
// fraction of the peak; the result is always nonpositive.
func maxDrawdownFromTrades(trades []Trade, initialCapital float64) float64 {
	if initialCapital == 0 {
		return 0
	}
	equity := initialCapital
	peak := initialCapital
	maxDD := 0.0
	for _, t := range trades {
		if t.PnL == nil {
			continue
		}
		equity += *t.PnL
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			dd := (equity - peak) / peak
			if dd < maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}
