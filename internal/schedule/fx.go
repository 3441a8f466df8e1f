package schedule

import (
	"github.com/plotline/plotline/internal/schedule/repository"
	"github.com/plotline/plotline/internal/schedule/service"
	"go.uber.org/fx"
)

var Module = fx.Module("schedule",
	fx.Provide(
		repository.New,
		service.New,
	),
)
