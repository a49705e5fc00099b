package strategy

import (
	"testing"
	"time"

	"github.com/fortline/verifier/backtest"
)

func pnl(v float64) *float64 { return &v }

func arbitrageTrades(n int) []backtest.Trade {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	trades := make([]backtest.Trade, 0, n*2)
	for i := 0; i < n; i++ {
		t := base.Add(time.Duration(i) * time.Minute)
		trades = append(trades,
			backtest.Trade{Timestamp: t, Side: backtest.SideBuy, Price: 100, Amount: 1, PnL: pnl(0)},
			backtest.Trade{Timestamp: t.Add(30 * time.Second), Side: backtest.SideSell, Price: 100.5, Amount: 1, PnL: pnl(5)},
		)
	}
	return trades
}

func momentumTrades(n int) []backtest.Trade {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	trades := make([]backtest.Trade, 0, n)
	for i := 0; i < n; i++ {
		trades = append(trades, backtest.Trade{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Side:      backtest.SideBuy,
			Price:     100 + float64(i),
			Amount:    1,
			PnL:       pnl(8),
		})
	}
	return trades
}

func TestDetectFromTrades_Arbitrage(t *testing.T) {
	if got := DetectFromTrades(arbitrageTrades(10)); got != "arbitrage" {
		t.Errorf("expected arbitrage, got %q", got)
	}
}

func TestDetectFromTrades_Momentum(t *testing.T) {
	if got := DetectFromTrades(momentumTrades(10)); got != "momentum" {
		t.Errorf("expected momentum, got %q", got)
	}
}

func TestDetectFromTrades_EmptyIsUnknown(t *testing.T) {
	if got := DetectFromTrades(nil); got != "unknown" {
		t.Errorf("expected unknown for no trades, got %q", got)
	}
}

func TestVerify_MatchingStructureVerifies(t *testing.T) {
	result := Verify("arbitrage", arbitrageTrades(10), nil)
	if result.VerificationStatus != StatusVerified {
		t.Errorf("expected verified status for matching structure, got %v (effectiveness=%v)", result.VerificationStatus, result.Effectiveness)
	}
}

func TestVerify_MismatchedStructureDoesNotVerify(t *testing.T) {
	result := Verify("market_making", momentumTrades(5), nil)
	if result.VerificationStatus == StatusVerified {
		t.Errorf("expected non-verified status for mismatched structure, got %v", result.VerificationStatus)
	}
}

func TestVerify_BuildsPerformanceByRegime(t *testing.T) {
	trades := arbitrageTrades(4)
	regimes := map[int]string{0: "bull", 1: "bull", 2: "bear", 3: "bear"}
	result := Verify("arbitrage", trades, regimes)
	if len(result.PerformanceByRegime) == 0 {
		t.Fatal("expected non-empty per-regime breakdown")
	}
}

func TestVerify_EffectivenessAndRiskAreClamped(t *testing.T) {
	result := Verify("arbitrage", arbitrageTrades(20), nil)
	if result.Effectiveness < 0 || result.Effectiveness > 100 {
		t.Errorf("effectiveness out of range: %v", result.Effectiveness)
	}
	if result.Risk < 0 || result.Risk > 100 {
		t.Errorf("risk out of range: %v", result.Risk)
	}
}
