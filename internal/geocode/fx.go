package geocode

import (
	"github.com/plotline/plotline/internal/cache"
	"github.com/plotline/plotline/internal/geocode/provider"
	"github.com/plotline/plotline/internal/geocode/repository"
	"github.com/plotline/plotline/internal/geocode/service"
	"go.uber.org/fx"
)

var Module = fx.Module("geocode",
	fx.Provide(
		repository.New,
		provider.NewChain,
		service.New,
		service.NewCacheInstance,
	),
	fx.Invoke(registerCache),
)

func registerCache(registry *cache.Registry, instance *service.CacheInstance) {
	registry.Register(service.CacheName, instance)
}
