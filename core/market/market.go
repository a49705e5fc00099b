// Package market fetches OHLCV candles from an upstream provider in
// day-sized archives, caches them on disk by (symbol, interval, day), and
// composes range queries over the cached days.
package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/fortline/verifier/core"
)

// Interval is a recognized candle interval.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

var recognizedIntervals = map[Interval]bool{
	Interval1m: true, Interval5m: true, Interval15m: true,
	Interval30m: true, Interval1h: true, Interval4h: true, Interval1d: true,
}

// Candle is one OHLCV bar.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Interval  Interval  `json:"interval"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Regime is a named historical window (bull, bear, volatile, sideways)
// used to label test conditions.
type Regime struct {
	Name               string
	Start              time.Time
	End                time.Time
	Description        string
	ExpectedPriceRange [2]float64
}

// CoverageStats summarizes data availability for a requested window.
type CoverageStats struct {
	TotalDays   int
	MissingDays int
	Coverage    float64 // ∈[0,1]
}

// Source fetches one day of candle data from upstream for (symbol, interval,
// day). Implementations wrap an exchange REST API or similar; day is
// truncated to UTC midnight.
type Source interface {
	FetchDay(ctx context.Context, symbol string, interval Interval, day time.Time) ([]Candle, error)
}

// Store is the Market Data Store. It is single-writer-per-(symbol,interval,
// day): each day-file is published via temp-file-then-rename so readers
// never observe a partial write.
type Store struct {
	cacheDir string
	source   Source
	regimes  map[string]Regime
	hotCache *hotRangeCache // optional; nil disables the Redis front cache

	locks   map[string]*sync.Mutex // per (symbol,interval,day) key
	locksMu sync.Mutex
}

// NewStore constructs a Store backed by cacheDir, fetching misses from
// source.
func NewStore(cacheDir string, source Source) *Store {
	return &Store{
		cacheDir: cacheDir,
		source:   source,
		regimes:  map[string]Regime{},
		locks:    map[string]*sync.Mutex{},
	}
}

// WithHotCache attaches an optional Redis-backed front cache for recently
// touched day files (the disk day-file cache remains canonical; this only
// shortcuts repeated reads of a hot range, e.g. the most recent
// backtest window being replayed across several agents in a batch).
func (s *Store) WithHotCache(c *hotRangeCache) *Store {
	s.hotCache = c
	return s
}

// RegisterRegime adds a named market regime window, retrievable via Regime.
func (s *Store) RegisterRegime(r Regime) {
	s.regimes = copyRegimes(s.regimes)
	s.regimes[r.Name] = r
}

func copyRegimes(in map[string]Regime) map[string]Regime {
	out := make(map[string]Regime, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Regime looks up a named market regime window.
func (s *Store) Regime(name string) (Regime, bool) {
	r, ok := s.regimes[name]
	return r, ok
}

// Regimes returns every registered Market Regime, keyed by name.
func (s *Store) Regimes() map[string]Regime {
	return copyRegimes(s.regimes)
}

// ClassifyRegime returns the name of the registered regime whose window
// contains t, or "" if t falls in none of them. Used by the backtester and
// strategy verifier to label trades and candles against real named regime
// windows rather than a single synthetic bucket.
func (s *Store) ClassifyRegime(t time.Time) string {
	for name, r := range s.regimes {
		if !t.Before(r.Start) && t.Before(r.End) {
			return name
		}
	}
	return ""
}

// DefaultRegimes returns the canonical named windows from the glossary
// (bull, bear, volatile, sideways), with fixed historical dates so lookups
// are reproducible across runs. Callers register the ones relevant to their
// deployment via RegisterRegime; none are registered automatically by
// NewStore, since a Store with no Source configured (e.g. in unit tests)
// should not silently gain regimes nobody asked for.
func DefaultRegimes() []Regime {
	return []Regime{
		{
			Name:               "bull",
			Start:              time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			End:                time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
			Description:        "sustained uptrend",
			ExpectedPriceRange: [2]float64{40000, 73000},
		},
		{
			Name:               "bear",
			Start:              time.Date(2022, 5, 1, 0, 0, 0, 0, time.UTC),
			End:                time.Date(2022, 7, 15, 0, 0, 0, 0, time.UTC),
			Description:        "sustained downtrend",
			ExpectedPriceRange: [2]float64{17000, 32000},
		},
		{
			Name:               "volatile",
			Start:              time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
			End:                time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC),
			Description:        "high-volatility chop",
			ExpectedPriceRange: [2]float64{60000, 73000},
		},
		{
			Name:               "sideways",
			Start:              time.Date(2023, 9, 1, 0, 0, 0, 0, time.UTC),
			End:                time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC),
			Description:        "range-bound consolidation",
			ExpectedPriceRange: [2]float64{25000, 29000},
		},
	}
}

// Fetch composes a [start,end) range query for each symbol by concatenating
// cached (or freshly fetched) day files and clipping to the requested
// window. It returns *core.Error{Kind: KindInsufficientData} when coverage
// for a symbol drops below 0.5; lesser gaps are returned
// with the partial data plus nil error, upper layers degrading data quality
// rather than failing.
func (s *Store) Fetch(ctx context.Context, symbols []string, start, end time.Time, interval Interval) (map[string][]Candle, error) {
	if !recognizedIntervals[interval] {
		return nil, core.NewError(core.KindInvalidInput, "market.fetch", fmt.Errorf("unrecognized interval %q", interval))
	}
	if !end.After(start) {
		return nil, core.NewError(core.KindInvalidInput, "market.fetch", fmt.Errorf("end must be after start"))
	}

	out := make(map[string][]Candle, len(symbols))
	for _, symbol := range symbols {
		candles, stats, err := s.fetchSymbol(ctx, symbol, interval, start, end)
		if err != nil {
			return nil, err
		}
		if stats.Coverage < 0.5 {
			return nil, core.NewError(core.KindInsufficientData, "market.fetch",
				fmt.Errorf("coverage %.2f for %s below 0.5 over requested window", stats.Coverage, symbol))
		}
		out[symbol] = candles
	}
	return out, nil
}

func (s *Store) fetchSymbol(ctx context.Context, symbol string, interval Interval, start, end time.Time) ([]Candle, CoverageStats, error) {
	days := daysBetween(start, end)
	var all []Candle
	missing := 0

	for _, day := range days {
		dayCandles, err := s.dayFile(ctx, symbol, interval, day)
		if err != nil {
			// SourceUnavailable for this day: treat as a data-quality
			// reduction, not a fatal error.
			missing++
			continue
		}
		all = append(all, dayCandles...)
	}

	clipped := make([]Candle, 0, len(all))
	for _, c := range all {
		if !c.Timestamp.Before(start) && c.Timestamp.Before(end) {
			clipped = append(clipped, c)
		}
	}
	sort.Slice(clipped, func(i, j int) bool { return clipped[i].Timestamp.Before(clipped[j].Timestamp) })

	stats := CoverageStats{
		TotalDays:   len(days),
		MissingDays: missing,
	}
	if len(days) > 0 {
		stats.Coverage = float64(len(days)-missing) / float64(len(days))
	} else {
		stats.Coverage = 1
	}
	return clipped, stats, nil
}

// dayFile returns the cached candles for one day, fetching and publishing
// them if not already cached. Single-writer-per-key via a per-key mutex.
// The Redis hot-range cache (if configured) is consulted before the disk
// day-file and refreshed after a disk read or a fresh upstream fetch, so a
// repeated range query over a recently-touched day avoids disk entirely.
func (s *Store) dayFile(ctx context.Context, symbol string, interval Interval, day time.Time) ([]Candle, error) {
	key := dayKey(symbol, interval, day)
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	if s.hotCache != nil {
		if candles, ok := s.hotCache.get(ctx, key); ok {
			return candles, nil
		}
	}

	path := s.dayPath(symbol, interval, day)
	if data, err := os.ReadFile(path); err == nil {
		if candles, decErr := decodeDayFile(data); decErr == nil {
			s.hotCache.put(ctx, key, candles)
			return candles, nil
		}
	}

	if s.source == nil {
		return nil, fmt.Errorf("market: no source configured, and no cache for %s", key)
	}
	candles, err := s.source.FetchDay(ctx, symbol, interval, day)
	if err != nil {
		return nil, fmt.Errorf("market: source unavailable for %s: %w", key, err)
	}
	if err := s.publishDay(path, candles); err != nil {
		return nil, err
	}
	s.hotCache.put(ctx, key, candles)
	return candles, nil
}

// publishDay writes a day's candles atomically (temp file + rename) as a
// gzip-compressed JSON array, so a reader never observes a partially
// written day file and cold storage stays compact across the symbol/
// interval/day fan-out a multi-year backtest range can touch.
func (s *Store) publishDay(path string, candles []Candle) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("market: creating cache dir %s: %w", dir, err)
	}
	data, err := encodeDayFile(candles)
	if err != nil {
		return fmt.Errorf("market: encoding day file: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".day-*.tmp")
	if err != nil {
		return fmt.Errorf("market: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("market: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("market: publishing day file: %w", err)
	}
	return nil
}

// encodeDayFile gzip-compresses the JSON-marshaled candle slice.
func encodeDayFile(candles []Candle) ([]byte, error) {
	raw, err := json.Marshal(candles)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeDayFile reverses encodeDayFile. Day files written before gzip
// framing was introduced (bare JSON) are still readable: a failed gzip
// header check falls back to parsing data directly as JSON.
func decodeDayFile(data []byte) ([]Candle, error) {
	var candles []Candle
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		if jsonErr := json.Unmarshal(data, &candles); jsonErr == nil {
			return candles, nil
		}
		return nil, err
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &candles); err != nil {
		return nil, err
	}
	return candles, nil
}

func (s *Store) keyLock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	return mu
}

func (s *Store) dayPath(symbol string, interval Interval, day time.Time) string {
	return filepath.Join(s.cacheDir, symbol, string(interval), day.Format("2006-01-02")+".json")
}

func dayKey(symbol string, interval Interval, day time.Time) string {
	return symbol + "/" + string(interval) + "/" + day.Format("2006-01-02")
}

func daysBetween(start, end time.Time) []time.Time {
	var days []time.Time
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	last := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	// end is exclusive: a range ending exactly at midnight does not touch
	// that day.
	if last.Equal(end) {
		last = last.AddDate(0, 0, -1)
	}
	for !day.After(last) {
		days = append(days, day)
		day = day.AddDate(0, 0, 1)
	}
	return days
}

// Summary lists every cached (symbol, interval, day) file under the cache
// directory as a path relative to it, sorted; it computes no coverage
// figures.
func (s *Store) Summary() ([]string, error) {
	var entries []string
	err := filepath.WalkDir(s.cacheDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d == nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(s.cacheDir, path)
		if relErr == nil {
			entries = append(entries, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("market: summarizing cache: %w", err)
	}
	sort.Strings(entries)
	return entries, nil
}
