package service

import (
	"context"
	"strings"
	"sync"

	"github.com/plotline/plotline/internal/config"
	geocodedomain "github.com/plotline/plotline/internal/geocode/domain"
	"github.com/plotline/plotline/internal/geocode/provider"
	geocoderepo "github.com/plotline/plotline/internal/geocode/repository"
	obsmetrics "github.com/plotline/plotline/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log    *zap.Logger
	Holder *config.ImportConfigHolder
	Cache  *geocoderepo.CacheRepository
	Chain  *provider.Chain
}

// Service resolves free-text addresses through the shared cache and the
// provider chain. Provider clients are rebuilt lazily when the hot-reloaded
// config changes.
type Service struct {
	log    *zap.Logger
	holder *config.ImportConfigHolder
	cache  *geocoderepo.CacheRepository
	chain  *provider.Chain

	mu        sync.Mutex
	providers map[string]*provider.HTTPProvider
}

func New(p Params) *Service {
	return &Service{
		log:       p.Log.Named("geocode.service"),
		holder:    p.Holder,
		cache:     p.Cache,
		chain:     p.Chain,
		providers: make(map[string]*provider.HTTPProvider),
	}
}

// NormalizeAddress trims and collapses internal whitespace. Case is
// preserved, so "Berlin" and "berlin" cache separately.
func NormalizeAddress(address string) string {
	return strings.Join(strings.Fields(address), " ")
}

// Lookup resolves one address: cache first, then the provider chain. A hit
// never touches a provider. Successful chain results are written back with
// the configured TTL.
func (s *Service) Lookup(ctx context.Context, address string) (*geocodedomain.Result, error) {
	cfg := s.holder.Get().Geocoding
	if !cfg.Enabled {
		obsmetrics.Worker().IncGeocodeLookup(obsmetrics.GeocodeResultDisabled, "")
		return nil, geocodedomain.ErrDisabled
	}

	normalized := NormalizeAddress(address)
	if normalized == "" {
		return nil, geocodedomain.ErrNoResult
	}

	if cfg.CacheEnabled {
		entry, err := s.cache.Lookup(ctx, normalized)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			obsmetrics.Worker().IncGeocodeLookup(obsmetrics.GeocodeResultCacheHit, entry.ProviderID)
			result := entry.Result()
			return &result, nil
		}
	}

	candidates := provider.Candidates(s.providersFor(cfg), cfg.Strategy, cfg.RequiredTags)
	result, err := s.chain.Resolve(ctx, cfg.Providers, candidates, cfg.FallbackEnabled, normalized)
	if err != nil {
		return nil, err
	}

	if cfg.CacheEnabled {
		if _, err := s.cache.Store(ctx, normalized, *result, cfg.CacheTTL()); err != nil {
			// A failed write only costs the next lookup a provider call.
			s.log.Warn("cache write failed", zap.String("address", normalized), zap.Error(err))
		}
	}
	return result, nil
}

func (s *Service) providersFor(cfg config.GeocodingConfig) []geocodedomain.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[string]bool, len(cfg.Providers))
	out := make([]geocodedomain.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		live[pc.ID] = true
		if _, ok := s.providers[pc.ID]; !ok {
			s.providers[pc.ID] = provider.NewHTTP(pc)
		}
		out = append(out, s.providers[pc.ID])
	}
	for id := range s.providers {
		if !live[id] {
			delete(s.providers, id)
		}
	}
	return out
}
