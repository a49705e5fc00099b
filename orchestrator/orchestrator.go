// Package orchestrator runs per-agent verification pipelines: four fan-out
// stages followed by two sequential stages, multiplexed in batch mode under
// global per-stage concurrency limits.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fortline/verifier/attestation"
	"github.com/fortline/verifier/backtest"
	"github.com/fortline/verifier/core"
	"github.com/fortline/verifier/core/market"
	"github.com/fortline/verifier/fortscore"
	"github.com/fortline/verifier/judge"
	"github.com/fortline/verifier/scanner"
	"github.com/fortline/verifier/strategy"
)

// Stage deadlines.
const (
	ScanDeadline         = 120 * time.Second
	TEEDeadline          = 30 * time.Second
	BacktestModeDeadline = 30 * time.Second
	BacktestFullDeadline = 300 * time.Second
	LLMDeadline          = 30 * time.Second
)

// semaphore is a simple counting semaphore backed by a buffered channel,
// shared globally across every agent pipeline in a batch.
type semaphore chan struct{}

func newSemaphore(n int) semaphore {
	if n <= 0 {
		n = 1
	}
	return make(semaphore, n)
}

func (s semaphore) acquire(ctx context.Context) error {
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s semaphore) release() { <-s }

// Semaphores bundles the four global per-stage limits — the only mechanism
// for global concurrency control; no stage spawns unbounded parallelism
// internally.
type Semaphores struct {
	scan     semaphore
	tee      semaphore
	backtest semaphore
	llm      semaphore
}

// NewSemaphores builds a Semaphores set from ResourceLimits.
func NewSemaphores(limits core.ResourceLimits) *Semaphores {
	return &Semaphores{
		scan:     newSemaphore(limits.MaxConcurrentScans),
		tee:      newSemaphore(limits.MaxConcurrentTEE),
		backtest: newSemaphore(limits.MaxConcurrentBacktests),
		llm:      newSemaphore(limits.MaxConcurrentLLM),
	}
}

// Dependencies bundles the per-stage collaborators a pipeline needs.
// Fields may be nil to skip the corresponding stage (e.g. LLM disabled).
type Dependencies struct {
	VulnSource     scanner.VulnerabilitySource
	Attestation    *attestation.Validator
	BacktestRunner backtest.Runner
	Market         *market.Store // consulted by the backtester for replay data and regime windows
	JudgePrimary   judge.Provider
	JudgeSecondary judge.Provider
	Ensemble       judge.EnsembleConfig
	BacktestMode   bool
}

// Params configures a single agent's verification.
type Params struct {
	Image          string
	Tier           string
	EnableLLM      bool
	EnableBacktest bool
	Start, End     string
	Quote          attestation.Quote
	CodeHash       string
}

// AgentResult is one agent's complete pipeline output — the scoring inputs
// plus the raw stage outputs, for audit persistence and JSON rendering.
type AgentResult struct {
	Image         string
	Scan          *scanner.Report
	Attestation   *attestation.Result
	Backtest      *backtest.Result
	Strategy      *strategy.Result
	LLM           *judge.Result
	FortScore     fortscore.Record
	StageErrors   map[string]error // keyed by stage name: "scan","tee","backtest","llm"
	Failed        bool             // true only if no Fort Score could be produced at all
	FailureReason error
}

// RunAgent executes one agent's pipeline: four stages (scan, attestation,
// backtest, LLM) fan out concurrently, each gated by its global semaphore;
// scan, backtest and LLM also run under their stage deadline, while
// attestation validation runs synchronously with no deadline of its own.
// Strategy verification and fort scoring run sequentially afterward over
// the completed (or failed) stage outputs.
// Stage failures never abort the pipeline — they are recorded in
// StageErrors and degrade the corresponding Fort Score category — except
// the fatal kinds (ImageNotFound, AgentProducedNoTrades), which abort
// immediately with Failed set and no Fort Score.
func RunAgent(ctx context.Context, p Params, deps Dependencies, sems *Semaphores) AgentResult {
	result := AgentResult{Image: p.Image, StageErrors: map[string]error{}}

	g, gCtx := errgroup.WithContext(ctx)
	var mu sync.Mutex

	// Closed once the scan stage has recorded its outcome, so the LLM stage
	// builds its context from the completed image report instead of racing
	// the scanner.
	scanDone := make(chan struct{})

	if deps.VulnSource == nil {
		close(scanDone)
	} else {
		g.Go(func() error {
			defer close(scanDone)
			if err := sems.scan.acquire(gCtx); err != nil {
				mu.Lock()
				result.StageErrors["scan"] = err
				mu.Unlock()
				return nil
			}
			defer sems.scan.release()

			stageCtx, cancel := context.WithTimeout(gCtx, ScanDeadline)
			defer cancel()
			report, err := scanner.Scan(stageCtx, p.Image, deps.VulnSource)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if verr, ok := err.(*core.Error); ok && verr.Fatal() {
					slog.Error("pipeline aborted", "stage", "scan", "image", p.Image, "error", err)
					result.Failed = true
					result.FailureReason = err
					return err
				}
				slog.Warn("stage degraded", "stage", "scan", "image", p.Image, "error", err)
				result.StageErrors["scan"] = err
				return nil
			}
			result.Scan = report
			return nil
		})
	}

	if deps.Attestation != nil {
		g.Go(func() error {
			if err := sems.tee.acquire(gCtx); err != nil {
				mu.Lock()
				result.StageErrors["tee"] = err
				mu.Unlock()
				return nil
			}
			defer sems.tee.release()

			res := deps.Attestation.Validate(p.Quote, p.CodeHash)

			mu.Lock()
			result.Attestation = &res
			mu.Unlock()
			return nil
		})
	}

	if p.EnableBacktest && deps.BacktestRunner != nil {
		g.Go(func() error {
			if err := sems.backtest.acquire(gCtx); err != nil {
				mu.Lock()
				result.StageErrors["backtest"] = err
				mu.Unlock()
				return nil
			}
			defer sems.backtest.release()

			deadline := BacktestFullDeadline
			if deps.BacktestMode {
				deadline = BacktestModeDeadline
			}
			stageCtx, cancel := context.WithTimeout(gCtx, deadline)
			defer cancel()

			bt, err := backtest.Run(stageCtx, backtest.Params{
				AgentImage:   p.Image,
				Start:        p.Start,
				End:          p.End,
				BacktestMode: deps.BacktestMode,
			}, deps.BacktestRunner, deps.Market)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if verr, ok := err.(*core.Error); ok && verr.Fatal() {
					slog.Error("pipeline aborted", "stage", "backtest", "image", p.Image, "error", err)
					result.Failed = true
					result.FailureReason = err
					return err
				}
				slog.Warn("stage degraded", "stage", "backtest", "image", p.Image, "error", err)
				result.StageErrors["backtest"] = err
				return nil
			}
			result.Backtest = bt
			return nil
		})
	}

	if p.EnableLLM && deps.JudgePrimary != nil {
		g.Go(func() error {
			select {
			case <-scanDone:
			case <-gCtx.Done():
				mu.Lock()
				result.StageErrors["llm"] = gCtx.Err()
				mu.Unlock()
				return nil
			}
			if err := sems.llm.acquire(gCtx); err != nil {
				mu.Lock()
				result.StageErrors["llm"] = err
				mu.Unlock()
				return nil
			}
			defer sems.llm.release()

			stageCtx, cancel := context.WithTimeout(gCtx, LLMDeadline)
			defer cancel()

			mu.Lock()
			report := result.Scan
			mu.Unlock()

			llmResult := judge.EvaluateEnsemble(stageCtx, report, deps.JudgePrimary, deps.JudgeSecondary, deps.Ensemble)

			mu.Lock()
			result.LLM = &llmResult
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait() // fan-out failures are recorded as values; only the fatal kinds propagate, and are handled below

	if result.Failed {
		return result
	}

	var strategyResult *strategy.Result
	if result.Backtest != nil {
		trades := tradesOf(result.Backtest)
		sr := strategy.Verify(result.Backtest.StrategyType, trades, regimeByTrade(deps.Market, trades))
		strategyResult = &sr
		result.Strategy = &sr
	}

	result.FortScore = fortscore.Evaluate(fortscore.Inputs{
		Scan:        result.Scan,
		Attestation: result.Attestation,
		Strategy:    strategyResult,
		LLM:         result.LLM,
		Behavior:    behaviorFromStageErrors(result.StageErrors),
	})

	return result
}

func tradesOf(r *backtest.Result) []backtest.Trade {
	if r == nil {
		return nil
	}
	return r.Trades
}

// regimeByTrade labels each trade with the named market regime window its
// timestamp falls in, so the strategy verifier's per-regime breakdown (and
// the regime-consistency bonus) reflect real regime windows instead of a
// single synthetic bucket. Returns nil when no market store is
// wired, in which case strategy.Verify falls back to "unknown".
func regimeByTrade(store *market.Store, trades []backtest.Trade) map[int]string {
	if store == nil {
		return nil
	}
	byTrade := make(map[int]string, len(trades))
	for i, t := range trades {
		if name := store.ClassifyRegime(t.Timestamp); name != "" {
			byTrade[i] = name
		}
	}
	return byTrade
}

// behaviorFromStageErrors derives a conservative BehaviorTelemetry from
// stage outcomes when no dedicated telemetry source is wired: any stage
// failure counts as an elevated error rate.
func behaviorFromStageErrors(stageErrors map[string]error) fortscore.BehaviorTelemetry {
	failed := len(stageErrors)
	errorRate := 0.0
	if failed > 0 {
		errorRate = float64(failed) / 4.0
	}
	return fortscore.BehaviorTelemetry{
		ThroughputOK: failed == 0,
		LatencyOK:    failed == 0,
		ErrorRate:    errorRate,
	}
}

// BatchResult aggregates RunAgent across a batch.
type BatchResult struct {
	Total            int
	Successful       int
	Failed           int
	AverageFortScore float64
	ProcessingTime   time.Duration
	Results          []AgentResult
	Failures         []AgentResult
}

// RunBatch runs every image's pipeline under the shared Semaphores. A crash
// in one agent's pipeline never cancels or starves siblings:
// each agent runs in its own errgroup-free goroutine group, so RunAgent's
// internal cancellation never reaches outside that agent's subtree.
func RunBatch(ctx context.Context, images []string, paramsFor func(image string) Params, deps Dependencies, limits core.ResourceLimits) BatchResult {
	sems := NewSemaphores(limits)
	start := time.Now()

	results := make([]AgentResult, len(images))
	var wg sync.WaitGroup
	for i, image := range images {
		i, image := i, image
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = RunAgent(ctx, paramsFor(image), deps, sems)
		}()
	}
	wg.Wait()

	batch := BatchResult{Total: len(images), ProcessingTime: time.Since(start)}
	var scoreSum int
	for _, r := range results {
		if r.Failed {
			batch.Failed++
			batch.Failures = append(batch.Failures, r)
			continue
		}
		batch.Successful++
		scoreSum += r.FortScore.Score
		batch.Results = append(batch.Results, r)
	}
	if batch.Successful > 0 {
		batch.AverageFortScore = float64(scoreSum) / float64(batch.Successful)
	}
	slog.Info("batch complete", "total", batch.Total, "successful", batch.Successful,
		"failed", batch.Failed, "average_fort_score", batch.AverageFortScore,
		"duration", batch.ProcessingTime)
	recordBatch(batch)
	return batch
}
