// Package ratelimit provides the injectable pacing capability the batch
// orchestrator uses between external calls. The delays exist to respect
// upstream API quotas, not for correctness, so tests inject a no-op.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter paces calls per provider.
type Limiter interface {
	// Acquire blocks until the provider's budget allows another call, or
	// the context is done.
	Acquire(ctx context.Context, provider string) error
}

// PerProvider is a Limiter backed by one token bucket per provider.
type PerProvider struct {
	limiters map[string]*rate.Limiter
}

// New builds a PerProvider limiter from requests-per-second budgets.
// Fractional budgets express inter-call delays (0.5 = one call every 2s).
// Providers absent from the map are unthrottled.
func New(perSecond map[string]float64) *PerProvider {
	limiters := make(map[string]*rate.Limiter, len(perSecond))
	for provider, rps := range perSecond {
		if rps <= 0 {
			continue
		}
		limiters[provider] = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &PerProvider{limiters: limiters}
}

func (p *PerProvider) Acquire(ctx context.Context, provider string) error {
	l, ok := p.limiters[provider]
	if !ok {
		return ctx.Err()
	}
	return l.Wait(ctx)
}

// Nop is a zero-delay Limiter for tests.
type Nop struct{}

func (Nop) Acquire(ctx context.Context, provider string) error { return ctx.Err() }
