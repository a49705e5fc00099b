package market

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeSource struct {
	unavailable map[string]bool
}

func (f fakeSource) FetchDay(ctx context.Context, symbol string, interval Interval, day time.Time) ([]Candle, error) {
	key := symbol + "/" + day.Format("2006-01-02")
	if f.unavailable[key] {
		return nil, errors.New("source unavailable for this day")
	}
	return []Candle{{
		Timestamp: day.Add(time.Hour),
		Symbol:    symbol,
		Interval:  interval,
		Open:      100, High: 105, Low: 99, Close: 102, Volume: 10,
	}}, nil
}

func TestFetch_ComposesDaysAndClipsRange(t *testing.T) {
	store := NewStore(t.TempDir(), fakeSource{})
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 5, 4, 0, 0, 0, 0, time.UTC)

	out, err := store.Fetch(context.Background(), []string{"BTCUSDT"}, start, end, Interval1h)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	candles := out["BTCUSDT"]
	if len(candles) != 3 {
		t.Fatalf("expected 3 candles (one per day), got %d", len(candles))
	}
	for i := 1; i < len(candles); i++ {
		if !candles[i].Timestamp.After(candles[i-1].Timestamp) {
			t.Error("expected strictly increasing timestamps")
		}
	}
}

func TestFetch_RejectsUnrecognizedInterval(t *testing.T) {
	store := NewStore(t.TempDir(), fakeSource{})
	_, err := store.Fetch(context.Background(), []string{"BTCUSDT"},
		time.Now().Add(-time.Hour), time.Now(), Interval("3m"))
	if err == nil {
		t.Error("expected error for unrecognized interval")
	}
}

func TestFetch_InsufficientDataBelowHalfCoverage(t *testing.T) {
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	unavailable := map[string]bool{}
	for d := 0; d < 8; d++ {
		day := start.AddDate(0, 0, d)
		unavailable["BTCUSDT/"+day.Format("2006-01-02")] = true
	}
	store := NewStore(t.TempDir(), fakeSource{unavailable: unavailable})
	end := start.AddDate(0, 0, 10)

	_, err := store.Fetch(context.Background(), []string{"BTCUSDT"}, start, end, Interval1h)
	if err == nil {
		t.Fatal("expected insufficient-data error when coverage < 0.5")
	}
}

func TestFetch_CachesAcrossCalls(t *testing.T) {
	calls := 0
	src := countingSource{fakeSource{}, &calls}
	store := NewStore(t.TempDir(), src)
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)

	if _, err := store.Fetch(context.Background(), []string{"BTCUSDT"}, start, end, Interval1h); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if _, err := store.Fetch(context.Background(), []string{"BTCUSDT"}, start, end, Interval1h); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected source to be called once (cached on second fetch), got %d", calls)
	}
}

type countingSource struct {
	fakeSource
	calls *int
}

func (c countingSource) FetchDay(ctx context.Context, symbol string, interval Interval, day time.Time) ([]Candle, error) {
	*c.calls++
	return c.fakeSource.FetchDay(ctx, symbol, interval, day)
}

func TestRegime_RegisterAndLookup(t *testing.T) {
	store := NewStore(t.TempDir(), fakeSource{})
	store.RegisterRegime(Regime{Name: "bull-2024", Description: "steady uptrend"})

	r, ok := store.Regime("bull-2024")
	if !ok {
		t.Fatal("expected regime to be found")
	}
	if r.Description != "steady uptrend" {
		t.Errorf("unexpected regime: %+v", r)
	}

	if _, ok := store.Regime("unknown"); ok {
		t.Error("expected unknown regime to not be found")
	}
}
