// Package strategy classifies a trade stream against a declared strategy
// type and scores how faithfully the agent executed it.
//
// Classification works from trade-stream regularities: arbitrage trades
// pair up buy/sell near-simultaneously, momentum trades show directional
// runs, market-making quotes both sides continuously.
package strategy

import (
	"math"
	"time"

	"github.com/fortline/verifier/backtest"
)

// Status is a strategy verification verdict.
type Status string

const (
	StatusVerified Status = "verified"
	StatusPartial  Status = "partial"
	StatusFailed   Status = "failed"
)

// RegimeResult is the per-regime slice of a Strategy Verification.
type RegimeResult struct {
	Regime        string
	Effectiveness float64
	PnL           float64 // realized PnL summed over the regime's trades
	Trades        int
}

// Result is the outcome of verifying one trade stream.
type Result struct {
	DetectedStrategy    string
	VerificationStatus  Status
	Effectiveness       float64 // ∈[0,100]
	Risk                float64 // ∈[0,100]
	PerformanceByRegime map[string]RegimeResult
}

// verificationThresholds maps a declared strategy to the minimum
// effectiveness score that counts as "verified" vs merely "partial".
var verificationThresholds = map[string]struct{ verified, partial float64 }{
	"arbitrage":     {verified: 70, partial: 40},
	"momentum":      {verified: 65, partial: 35},
	"market_making": {verified: 60, partial: 30},
}

// Verify classifies trades against declaredStrategy. An empty
// declaredStrategy falls back to DetectFromTrades.
func Verify(declaredStrategy string, trades []backtest.Trade, regimeByTrade map[int]string) Result {
	detected := declaredStrategy
	if detected == "" {
		detected = DetectFromTrades(trades)
	}

	effectiveness := scoreEffectiveness(detected, trades)
	risk := scoreRisk(trades)

	thresholds, ok := verificationThresholds[detected]
	if !ok {
		thresholds = struct{ verified, partial float64 }{verified: 70, partial: 40}
	}
	status := StatusFailed
	switch {
	case effectiveness >= thresholds.verified:
		status = StatusVerified
	case effectiveness >= thresholds.partial:
		status = StatusPartial
	}

	byRegime := map[string]RegimeResult{}
	if len(trades) > 0 {
		tradesByRegime := map[string][]backtest.Trade{}
		for i, t := range trades {
			regime := "unknown"
			if regimeByTrade != nil {
				if r, ok := regimeByTrade[i]; ok {
					regime = r
				}
			}
			tradesByRegime[regime] = append(tradesByRegime[regime], t)
		}
		for regime, regimeTrades := range tradesByRegime {
			var pnl float64
			for _, t := range regimeTrades {
				if t.PnL != nil {
					pnl += *t.PnL
				}
			}
			byRegime[regime] = RegimeResult{
				Regime:        regime,
				Effectiveness: scoreEffectiveness(detected, regimeTrades),
				PnL:           pnl,
				Trades:        len(regimeTrades),
			}
		}
	}

	return Result{
		DetectedStrategy:    detected,
		VerificationStatus:  status,
		Effectiveness:       clamp(effectiveness, 0, 100),
		Risk:                clamp(risk, 0, 100),
		PerformanceByRegime: byRegime,
	}
}

// DetectFromTrades classifies a trade stream by its structural signature,
// independent of any declared or image-name-derived hint.
func DetectFromTrades(trades []backtest.Trade) string {
	if len(trades) == 0 {
		return "unknown"
	}
	if isArbitrageLike(trades) {
		return "arbitrage"
	}
	if isMarketMakingLike(trades) {
		return "market_making"
	}
	return "momentum"
}

// isArbitrageLike reports whether trades pair up buy/sell near-simultaneously
// in roughly equal counts, the signature of capturing a price discrepancy
// rather than riding a directional move.
func isArbitrageLike(trades []backtest.Trade) bool {
	buys, sells := 0, 0
	for _, t := range trades {
		switch t.Side {
		case backtest.SideBuy:
			buys++
		case backtest.SideSell:
			sells++
		}
	}
	if buys == 0 || sells == 0 {
		return false
	}
	ratio := float64(buys) / float64(sells)
	balanced := ratio > 0.7 && ratio < 1.43
	return balanced && medianInterval(trades) < 10*time.Minute
}

// isMarketMakingLike reports whether trades show many small, rapidly
// alternating fills on both sides, the signature of continuous two-sided
// quoting rather than a handful of directional entries.
func isMarketMakingLike(trades []backtest.Trade) bool {
	if len(trades) < 20 {
		return false
	}
	alternations := 0
	for i := 1; i < len(trades); i++ {
		if trades[i].Side != trades[i-1].Side {
			alternations++
		}
	}
	alternationRate := float64(alternations) / float64(len(trades)-1)
	return alternationRate > 0.5 && medianInterval(trades) < time.Minute
}

func medianInterval(trades []backtest.Trade) time.Duration {
	if len(trades) < 2 {
		return 0
	}
	intervals := make([]time.Duration, 0, len(trades)-1)
	for i := 1; i < len(trades); i++ {
		intervals = append(intervals, trades[i].Timestamp.Sub(trades[i-1].Timestamp))
	}
	sortDurations(intervals)
	return intervals[len(intervals)/2]
}

func sortDurations(d []time.Duration) {
	for i := 1; i < len(d); i++ {
		for j := i; j > 0 && d[j] < d[j-1]; j-- {
			d[j], d[j-1] = d[j-1], d[j]
		}
	}
}

// scoreEffectiveness rewards the structural signature matching the
// declared strategy: profitability alone does not verify a strategy, a
// lucky momentum bet executed as a single trade should not pass as a
// verified arbitrage strategy.
func scoreEffectiveness(declared string, trades []backtest.Trade) float64 {
	if len(trades) == 0 {
		return 0
	}
	var structural float64
	switch declared {
	case "arbitrage":
		structural = boolScore(isArbitrageLike(trades))
	case "market_making":
		structural = boolScore(isMarketMakingLike(trades))
	case "momentum":
		structural = boolScore(!isArbitrageLike(trades) && !isMarketMakingLike(trades))
	default:
		structural = 50
	}

	var wins int
	var totalPnL float64
	for _, t := range trades {
		if t.PnL != nil {
			totalPnL += *t.PnL
			if *t.PnL > 0 {
				wins++
			}
		}
	}
	winRate := float64(wins) / float64(len(trades))
	profitability := clamp(50+winRate*50, 0, 100)
	if totalPnL < 0 {
		profitability = clamp(profitability-20, 0, 100)
	}

	return 0.6*structural + 0.4*profitability
}

func boolScore(b bool) float64 {
	if b {
		return 100
	}
	return 20
}

// scoreRisk derives a risk score from loss concentration: the largest
// single realized loss relative to the average trade notional
// (|amount*price|), times 20, clamped to [0,100]. An outsized loss raises
// risk even when average profitability is positive. Trade-size variance
// and return volatility are not measured.
func scoreRisk(trades []backtest.Trade) float64 {
	if len(trades) == 0 {
		return 100
	}
	var maxLoss, totalAbsAmount float64
	for _, t := range trades {
		totalAbsAmount += math.Abs(t.Amount * t.Price)
		if t.PnL != nil && *t.PnL < maxLoss {
			maxLoss = *t.PnL
		}
	}
	avgNotional := totalAbsAmount / float64(len(trades))
	if avgNotional == 0 {
		return 50
	}
	concentration := math.Abs(maxLoss) / avgNotional
	return clamp(concentration*20, 0, 100)
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
