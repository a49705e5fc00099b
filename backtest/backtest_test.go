package backtest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fortline/verifier/core/market"
)

type fakeMarketSource struct{}

func (fakeMarketSource) FetchDay(ctx context.Context, symbol string, interval market.Interval, day time.Time) ([]market.Candle, error) {
	return []market.Candle{{
		Timestamp: day.Add(time.Hour),
		Symbol:    symbol,
		Interval:  interval,
		Open:      60000, High: 60500, Low: 59800, Close: 60200, Volume: 5,
	}}, nil
}

type fakeRunner struct {
	exists    bool
	existsErr error
	stdout    []byte
	exitCode  int
	timedOut  bool
	runErr    error
}

func (f fakeRunner) ImageExists(ctx context.Context, ref string) (bool, error) {
	return f.exists, f.existsErr
}

func (f fakeRunner) Run(ctx context.Context, ref string, env map[string]string, maxWait time.Duration) ([]byte, int, bool, error) {
	return f.stdout, f.exitCode, f.timedOut, f.runErr
}

func tradeLine(action, symbol, side string, price, amount, pnl float64, ts string) string {
	return fmt.Sprintf(`{"action":%q,"symbol":%q,"side":%q,"price":%g,"amount":%g,"pnl":%g,"timestamp":%q}`,
		action, symbol, side, price, amount, pnl, ts)
}

func TestRun_MissingImageIsFatal(t *testing.T) {
	_, err := Run(context.Background(), Params{AgentImage: "missing:latest"}, fakeRunner{exists: false}, nil)
	if err == nil {
		t.Fatal("expected error for missing image")
	}
}

func TestRun_NoTradesIsFatal(t *testing.T) {
	_, err := Run(context.Background(), Params{AgentImage: "agent:latest", Start: "2024-05-01", End: "2024-05-02"},
		fakeRunner{exists: true, stdout: []byte("{\"log\":\"starting up\"}\n")}, nil)
	if err == nil {
		t.Fatal("expected error when agent produces no trades")
	}
}

func TestRun_ParsesTradesAndComputesFinalCapital(t *testing.T) {
	stdout := tradeLine("arbitrage_buy", "BTC", "buy", 60000, 0.1, 150, "2024-05-01T00:00:00Z") + "\n" +
		"not json at all\n" +
		tradeLine("arbitrage_sell", "BTC", "sell", 60200, 0.1, -50, "2024-05-01T01:00:00Z") + "\n" +
		`{"action":"unrelated_noise"}` + "\n"

	result, err := Run(context.Background(), Params{
		AgentImage:     "agent:latest",
		Start:          "2024-05-01",
		End:            "2024-05-02",
		InitialCapital: 100000,
	}, fakeRunner{exists: true, stdout: []byte(stdout)}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Metrics.TotalTrades != 2 {
		t.Fatalf("expected 2 trades parsed (noise lines skipped), got %d", result.Metrics.TotalTrades)
	}
	wantFinal := 100000.0 + 150 - 50
	if result.FinalCapital != wantFinal {
		t.Errorf("final capital = %v, want %v", result.FinalCapital, wantFinal)
	}
}

func TestRun_TimeoutIsReportedAsWarningNotError(t *testing.T) {
	stdout := tradeLine("momentum_entry", "ETH", "buy", 3000, 1, 10, "2024-05-01T00:00:00Z")
	result, err := Run(context.Background(), Params{
		AgentImage: "agent:latest", Start: "2024-05-01", End: "2024-05-02", BacktestMode: true,
	}, fakeRunner{exists: true, stdout: []byte(stdout), timedOut: true}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Warning == "" {
		t.Error("expected a warning to be set when the container had to be force-stopped")
	}
}

func TestRun_NonZeroExitIsReportedAsWarningNotError(t *testing.T) {
	stdout := tradeLine("momentum_entry", "ETH", "buy", 3000, 1, 10, "2024-05-01T00:00:00Z")
	result, err := Run(context.Background(), Params{
		AgentImage: "agent:latest", Start: "2024-05-01", End: "2024-05-02", BacktestMode: true,
	}, fakeRunner{exists: true, stdout: []byte(stdout), exitCode: 137}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Warning == "" {
		t.Error("expected a warning to be set when the container exited non-zero")
	}
	if result.Metrics.TotalTrades != 1 {
		t.Errorf("expected the captured trade to survive the crash, got %d trades", result.Metrics.TotalTrades)
	}
}

func TestRun_ProfitFactorIsInfiniteWithNoLosses(t *testing.T) {
	stdout := tradeLine("arbitrage_buy", "BTC", "buy", 100, 1, 10, "2024-05-01T00:00:00Z") + "\n" +
		tradeLine("arbitrage_sell", "BTC", "sell", 101, 1, 5, "2024-05-01T01:00:00Z")
	result, err := Run(context.Background(), Params{
		AgentImage: "agent:latest", Start: "2024-05-01", End: "2024-05-02",
	}, fakeRunner{exists: true, stdout: []byte(stdout)}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !isInf(result.Metrics.ProfitFactor) {
		t.Errorf("expected +Inf profit factor with zero losses, got %v", result.Metrics.ProfitFactor)
	}
}

func isInf(f float64) bool { return f > 1e300 }

func TestRun_RunnerErrorIsWrapped(t *testing.T) {
	_, err := Run(context.Background(), Params{AgentImage: "agent:latest", Start: "2024-05-01", End: "2024-05-02"},
		fakeRunner{exists: true, runErr: errors.New("daemon unreachable")}, nil)
	if err == nil {
		t.Fatal("expected wrapped runner error")
	}
}

func TestRun_AggregatesByRealRegimeWindow(t *testing.T) {
	store := market.NewStore(t.TempDir(), fakeMarketSource{})
	store.RegisterRegime(market.Regime{
		Name:  "bull",
		Start: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC),
	})

	stdout := tradeLine("arbitrage_buy", "BTC", "buy", 60000, 0.1, 150, "2024-05-01T00:00:00Z") + "\n" +
		tradeLine("arbitrage_sell", "BTC", "sell", 60200, 0.1, -50, "2024-05-01T01:00:00Z")

	result, err := Run(context.Background(), Params{
		AgentImage:     "agent:latest",
		Start:          "2024-05-01",
		End:            "2024-05-02",
		InitialCapital: 100000,
	}, fakeRunner{exists: true, stdout: []byte(stdout)}, store)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	agg, ok := result.RegimePerformance["bull"]
	if !ok {
		t.Fatalf("expected a %q regime bucket, got %v", "bull", result.RegimePerformance)
	}
	if agg.Trades != 2 {
		t.Errorf("expected 2 trades in the bull regime bucket, got %d", agg.Trades)
	}
	if _, stillSideways := result.RegimePerformance["sideways"]; stillSideways {
		t.Error("expected no hardcoded sideways bucket once a real regime is registered")
	}
}

func TestRun_MaxDrawdownReflectsEquityCurve(t *testing.T) {
	// +1000, -4000, +500: equity dips from 101000 to 97000 before recovering.
	stdout := tradeLine("arbitrage_buy", "BTC", "buy", 100, 1, 1000, "2024-05-01T00:00:00Z") + "\n" +
		tradeLine("arbitrage_sell", "BTC", "sell", 100, 1, -4000, "2024-05-01T01:00:00Z") + "\n" +
		tradeLine("arbitrage_buy", "BTC", "buy", 100, 1, 500, "2024-05-01T02:00:00Z")

	result, err := Run(context.Background(), Params{
		AgentImage: "agent:latest", Start: "2024-05-01", End: "2024-05-02", InitialCapital: 100000,
	}, fakeRunner{exists: true, stdout: []byte(stdout)}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	wantDD := (97000.0 - 101000.0) / 101000.0
	if diff := result.Metrics.MaxDrawdown - wantDD; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("MaxDrawdown = %v, want %v", result.Metrics.MaxDrawdown, wantDD)
	}
	if result.Metrics.MaxDrawdown > 0 {
		t.Error("MaxDrawdown must be nonpositive")
	}
}

func TestDetectStrategyType(t *testing.T) {
	cases := map[string]string{
		"registry.example.com/arbitrage-bot:v1": "arbitrage",
		"my-momentum-trader:latest":              "momentum",
		"market-maker-agent:v2":                  "market_making",
		"unknown-agent:latest":                   "arbitrage",
	}
	for image, want := range cases {
		if got := DetectStrategyType(image); got != want {
			t.Errorf("DetectStrategyType(%q) = %q, want %q", image, got, want)
		}
	}
}
