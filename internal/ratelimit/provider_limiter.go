package ratelimit

import (
	"context"
	"time"

	"github.com/plotline/plotline/internal/config"
)

// ProviderLimiter paces outbound geocoding calls per provider id, honoring
// each provider's configured rate and burst.
type ProviderLimiter struct {
	bucket *TokenBucket
}

func NewProviderLimiter(bucket *TokenBucket) *ProviderLimiter {
	return &ProviderLimiter{bucket: bucket}
}

// Wait blocks until the provider's bucket yields a token or ctx is done.
// Providers without a configured rate are never throttled.
func (p *ProviderLimiter) Wait(ctx context.Context, provider config.ProviderConfig) error {
	if p == nil || p.bucket == nil || provider.Rate <= 0 || provider.Burst <= 0 {
		return nil
	}
	key := "plotline:geocode:rate:" + provider.ID
	for {
		res, err := p.bucket.Allow(ctx, key, provider.Rate, provider.Burst)
		if err != nil {
			// Redis trouble must not stall the pipeline.
			return nil
		}
		if res.Allowed {
			return nil
		}
		wait := res.RetryAfter
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
