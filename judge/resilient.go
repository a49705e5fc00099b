package judge

import (
	"context"
	"fmt"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ResilientProvider wraps a Provider with token-bucket call pacing and
// circuit breaking, so a misbehaving upstream fails fast instead of
// serializing every verification behind timeouts.
type ResilientProvider struct {
	inner   Provider
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewResilientProvider wraps inner with a token-bucket limiter (ratePerSec,
// burst) and a circuit breaker named name that opens after
// consecutiveFailures.
func NewResilientProvider(inner Provider, name string, ratePerSec float64, burst int, consecutiveFailures uint32) *ResilientProvider {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		},
	})
	return &ResilientProvider{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		breaker: breaker,
	}
}

// Complete waits for a rate-limiter token, then runs the call through the
// circuit breaker; an open breaker fails fast without invoking the
// underlying provider.
func (p *ResilientProvider) Complete(ctx context.Context, messages []Message) (*Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("judge: rate limiter: %w", err)
	}
	result, err := p.breaker.Execute(func() (any, error) {
		return p.inner.Complete(ctx, messages)
	})
	if err != nil {
		return nil, fmt.Errorf("judge: provider call: %w", err)
	}
	return result.(*Response), nil
}
