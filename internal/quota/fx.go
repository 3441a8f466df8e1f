package quota

import (
	"github.com/plotline/plotline/internal/quota/repository"
	"github.com/plotline/plotline/internal/quota/service"
	"go.uber.org/fx"
)

var Module = fx.Module("quota",
	fx.Provide(
		repository.New,
		service.New,
	),
)
