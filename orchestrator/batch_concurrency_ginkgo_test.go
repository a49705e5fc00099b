package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fortline/verifier/core"
)

// trackingBacktestRunner records the peak number of concurrently in-flight
// Run calls, to assert that no more than max_concurrent_backtests
// containers ever run at once.
type trackingBacktestRunner struct {
	inFlight int32
	peak     int32
	hold     time.Duration
}

func (r *trackingBacktestRunner) ImageExists(ctx context.Context, ref string) (bool, error) {
	return true, nil
}

func (r *trackingBacktestRunner) Run(ctx context.Context, ref string, env map[string]string, maxWait time.Duration) ([]byte, int, bool, error) {
	cur := atomic.AddInt32(&r.inFlight, 1)
	defer atomic.AddInt32(&r.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&r.peak)
		if cur <= peak || atomic.CompareAndSwapInt32(&r.peak, peak, cur) {
			break
		}
	}
	time.Sleep(r.hold)
	trade := `{"action":"arbitrage_buy","symbol":"BTC","side":"buy","price":100,"amount":1,"pnl":1,"timestamp":"2024-05-01T00:00:00Z"}`
	return []byte(trade), 0, false, nil
}

var _ = Describe("batch backtest concurrency", func() {
	It("never runs more containers at once than max_concurrent_backtests allows", func() {
		runner := &trackingBacktestRunner{hold: 30 * time.Millisecond}
		limits := core.ResourceLimits{
			MaxConcurrentScans:     16,
			MaxConcurrentTEE:       10,
			MaxConcurrentBacktests: 3,
			MaxConcurrentLLM:       6,
		}
		deps := Dependencies{BacktestRunner: runner}

		images := make([]string, 10)
		for i := range images {
			images[i] = "agent-" + string(rune('a'+i)) + ":latest"
		}

		batch := RunBatch(context.Background(), images, func(image string) Params {
			return Params{Image: image, EnableBacktest: true, Start: "2024-05-01", End: "2024-05-02"}
		}, deps, limits)

		Expect(batch.Total).To(Equal(10))
		Expect(atomic.LoadInt32(&runner.peak)).To(BeNumerically("<=", 3))
	})

	It("keeps one agent's verdict independent of its siblings in the same batch", func() {
		goodRunner := &trackingBacktestRunner{hold: time.Millisecond}
		limits := core.DefaultResourceLimits()
		deps := Dependencies{BacktestRunner: goodRunner}

		images := []string{"good:latest", "missing:latest", "good-2:latest"}
		batch := RunBatch(context.Background(), images, func(image string) Params {
			p := Params{Image: image, EnableBacktest: true, Start: "2024-05-01", End: "2024-05-02"}
			if image == "missing:latest" {
				// this one agent skips its backtest stage entirely, so its
				// pipeline differs from its siblings' while they share one runner.
				p.EnableBacktest = false
			}
			return p
		}, deps, limits)

		Expect(batch.Total).To(Equal(3))
		Expect(batch.Successful).To(Equal(3))
	})
})
