package importjob

import (
	"github.com/plotline/plotline/internal/importjob/repository"
	"github.com/plotline/plotline/internal/importjob/runner"
	"github.com/plotline/plotline/internal/importjob/service"
	"go.uber.org/fx"
)

var Module = fx.Module("importjob",
	fx.Provide(
		repository.New,
		runner.New,
		service.New,
	),
)
