package provider

import (
	"context"
	"fmt"

	"dingbridge/internal/domain"

	"golang.org/x/time/rate"
)

// RateLimited throttles Chat calls to a provider with a token bucket.
type RateLimited struct {
	next    domain.Provider
	limiter *rate.Limiter
}

// NewRateLimited wraps p with a limiter allowing ratePerMinute calls and
// bursts of maxBurst. Non-positive values fall back to 30/min and 10.
func NewRateLimited(p domain.Provider, ratePerMinute float64, maxBurst int) *RateLimited {
	if ratePerMinute <= 0 {
		ratePerMinute = 30
	}
	if maxBurst <= 0 {
		maxBurst = 10
	}
	return &RateLimited{
		next:    p,
		limiter: rate.NewLimiter(rate.Limit(ratePerMinute/60.0), maxBurst),
	}
}

func (r *RateLimited) Name() string { return r.next.Name() }

// Chat waits for a token, or for ctx to end, before calling the provider.
func (r *RateLimited) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: rate limit: %w", r.next.Name(), err)
	}
	return r.next.Chat(ctx, req)
}
