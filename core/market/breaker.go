package market

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSource wraps a Source in a circuit breaker so a flaky upstream
// exchange does not turn every cache-miss day into a long hung request
// across a whole batch verification — once the upstream starts failing
// repeatedly, the breaker opens and FetchDay fails fast, which the Store
// already treats as an unavailable source for that day.
type BreakerSource struct {
	inner   Source
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerSource wraps inner with a circuit breaker named for logging.
func NewBreakerSource(inner Source, name string) *BreakerSource {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &BreakerSource{inner: inner, breaker: cb}
}

// FetchDay implements Source, routing through the circuit breaker.
func (b *BreakerSource) FetchDay(ctx context.Context, symbol string, interval Interval, day time.Time) ([]Candle, error) {
	out, err := b.breaker.Execute(func() (any, error) {
		return b.inner.FetchDay(ctx, symbol, interval, day)
	})
	if err != nil {
		return nil, fmt.Errorf("market: breaker %s: %w", b.breaker.Name(), err)
	}
	return out.([]Candle), nil
}
