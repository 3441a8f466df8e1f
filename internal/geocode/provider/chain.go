package provider

import (
	"context"
	"errors"
	"time"

	"github.com/plotline/plotline/internal/config"
	geocodedomain "github.com/plotline/plotline/internal/geocode/domain"
	obsmetrics "github.com/plotline/plotline/internal/observability/metrics"
	"github.com/plotline/plotline/internal/ratelimit"
	"go.uber.org/zap"
)

// Chain runs the configured providers against one address. Candidate
// selection and ordering are pure; only the calls themselves do I/O.
type Chain struct {
	log     *zap.Logger
	limiter *ratelimit.ProviderLimiter
}

func NewChain(log *zap.Logger, limiter *ratelimit.ProviderLimiter) *Chain {
	return &Chain{log: log.Named("geocode.chain"), limiter: limiter}
}

// Candidates filters and orders providers for one lookup. Priority keeps
// the configured order; tag strategy first drops providers missing any
// required tag, then keeps configured order within the survivors.
func Candidates(providers []geocodedomain.Provider, strategy string, requiredTags []string) []geocodedomain.Provider {
	if strategy != config.StrategyTag || len(requiredTags) == 0 {
		return providers
	}
	var out []geocodedomain.Provider
	for _, p := range providers {
		if hasAllTags(p.Tags(), requiredTags) {
			out = append(out, p)
		}
	}
	return out
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, tag := range have {
		set[tag] = true
	}
	for _, tag := range want {
		if !set[tag] {
			return false
		}
	}
	return true
}

// Resolve tries candidates in order. With fallback disabled the first
// failure stops the chain; otherwise each failure advances to the next
// candidate. Exhaustion returns the last provider error.
func (c *Chain) Resolve(ctx context.Context, candidates []config.ProviderConfig, providers []geocodedomain.Provider, fallback bool, address string) (*geocodedomain.Result, error) {
	if len(providers) == 0 {
		return nil, geocodedomain.ErrNoResult
	}

	byID := make(map[string]config.ProviderConfig, len(candidates))
	for _, cfg := range candidates {
		byID[cfg.ID] = cfg
	}

	var lastErr error
	for _, p := range providers {
		if err := c.limiter.Wait(ctx, byID[p.ID()]); err != nil {
			return nil, err
		}

		started := time.Now()
		result, err := p.Geocode(ctx, address)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		obsmetrics.Worker().ObserveProviderLatency(p.ID(), outcome, time.Since(started))
		if err == nil {
			obsmetrics.Worker().IncGeocodeLookup(obsmetrics.GeocodeResultProviderOK, p.ID())
			return result, nil
		}

		obsmetrics.Worker().IncGeocodeLookup(obsmetrics.GeocodeResultProviderFail, p.ID())
		c.log.Warn("provider failed",
			zap.String("provider", p.ID()),
			zap.Error(err),
		)
		lastErr = err
		if errors.Is(err, context.Canceled) || !fallback {
			break
		}
	}
	if lastErr == nil {
		lastErr = geocodedomain.ErrNoResult
	}
	return nil, lastErr
}
