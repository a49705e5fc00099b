package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortline/verifier/core"
	"github.com/fortline/verifier/judge"
	"github.com/fortline/verifier/registry/oci"
	"github.com/fortline/verifier/scanner"
)

type staticVulnSource struct {
	vulns []scanner.Vulnerability
}

func (s staticVulnSource) Inspect(ctx context.Context, ref oci.Reference) ([]scanner.Layer, int64, []scanner.Vulnerability, error) {
	return nil, 0, s.vulns, nil
}

type notFoundVulnSource struct{}

func (notFoundVulnSource) Inspect(ctx context.Context, ref oci.Reference) ([]scanner.Layer, int64, []scanner.Vulnerability, error) {
	return nil, 0, nil, errors.New("scanner backend down")
}

type fakeBacktestRunner struct {
	exists bool
	stdout []byte
}

func (f fakeBacktestRunner) ImageExists(ctx context.Context, ref string) (bool, error) {
	return f.exists, nil
}

func (f fakeBacktestRunner) Run(ctx context.Context, ref string, env map[string]string, maxWait time.Duration) ([]byte, int, bool, error) {
	return f.stdout, 0, false, nil
}

type fakeJudgeProvider struct{}

func (fakeJudgeProvider) Complete(ctx context.Context, messages []judge.Message) (*judge.Response, error) {
	return nil, errors.New("no LLM configured in this test")
}

func TestRunAgent_MissingImageFailsWholePipeline(t *testing.T) {
	sems := NewSemaphores(core.DefaultResourceLimits())
	deps := Dependencies{
		BacktestRunner: fakeBacktestRunner{exists: false},
	}
	result := RunAgent(context.Background(), Params{Image: "missing:latest", EnableBacktest: true}, deps, sems)
	if !result.Failed {
		t.Fatal("expected pipeline to fail when the image cannot be found")
	}
}

func TestRunAgent_DegradesOnScannerFailureAndStillProducesScore(t *testing.T) {
	sems := NewSemaphores(core.DefaultResourceLimits())
	deps := Dependencies{VulnSource: notFoundVulnSource{}}
	result := RunAgent(context.Background(), Params{Image: "agent:latest"}, deps, sems)
	if result.Failed {
		t.Fatal("a scanner-local failure should degrade, not fail, the pipeline")
	}
	if result.FortScore.Score == 0 && result.FortScore.Verdict == "" {
		t.Error("expected a Fort Score to still be produced")
	}
}

func TestRunAgent_NoTradesFailsWholePipeline(t *testing.T) {
	sems := NewSemaphores(core.DefaultResourceLimits())
	deps := Dependencies{
		BacktestRunner: fakeBacktestRunner{exists: true, stdout: []byte(`{"log":"starting up"}` + "\n")},
	}
	result := RunAgent(context.Background(), Params{
		Image: "agent:latest", EnableBacktest: true, Start: "2024-05-01", End: "2024-05-02",
	}, deps, sems)
	if !result.Failed {
		t.Fatal("expected AgentProducedNoTrades to fail the whole pipeline, per spec scenario: zero trades produced")
	}
	if result.FortScore.Verdict != "" {
		t.Error("expected no Fort Score to be produced when the agent emits no trades")
	}
}

func TestRunAgent_RunsStrategyAfterBacktest(t *testing.T) {
	sems := NewSemaphores(core.DefaultResourceLimits())
	stdout := `{"action":"arbitrage_buy","symbol":"BTC","side":"buy","price":100,"amount":1,"pnl":5,"timestamp":"2024-05-01T00:00:00Z"}` + "\n" +
		`{"action":"arbitrage_sell","symbol":"BTC","side":"sell","price":101,"amount":1,"pnl":3,"timestamp":"2024-05-01T00:01:00Z"}`
	deps := Dependencies{
		BacktestRunner: fakeBacktestRunner{exists: true, stdout: []byte(stdout)},
	}
	result := RunAgent(context.Background(), Params{
		Image: "agent:latest", EnableBacktest: true, Start: "2024-05-01", End: "2024-05-02",
	}, deps, sems)
	if result.Strategy == nil {
		t.Fatal("expected strategy verification to run after a successful backtest")
	}
}

func TestRunBatch_RunsEachAgentIndependently(t *testing.T) {
	sems := core.DefaultResourceLimits()
	var calls int32
	deps := Dependencies{
		VulnSource: staticVulnSource{},
	}
	images := []string{"good-a:latest", "good-b:latest"}
	batch := RunBatch(context.Background(), images, func(image string) Params {
		atomic.AddInt32(&calls, 1)
		return Params{Image: image}
	}, deps, sems)

	if batch.Total != 2 {
		t.Fatalf("expected total=2, got %d", batch.Total)
	}
	if batch.Successful != 2 {
		t.Errorf("expected both agents to succeed independently, got successful=%d failed=%d", batch.Successful, batch.Failed)
	}
	if calls != 2 {
		t.Errorf("expected paramsFor called once per image, got %d", calls)
	}
}

func TestSemaphore_BoundsConcurrency(t *testing.T) {
	sem := newSemaphore(2)
	ctx := context.Background()
	if err := sem.acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if err := sem.acquire(ctx); err != nil {
		t.Fatal(err)
	}
	acquired := make(chan struct{})
	go func() {
		_ = sem.acquire(context.Background())
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("expected third acquire to block while two are held")
	case <-time.After(50 * time.Millisecond):
	}
	sem.release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("expected third acquire to unblock after a release")
	}
}
