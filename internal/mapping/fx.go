package mapping

import (
	"github.com/plotline/plotline/internal/mapping/service"
	"go.uber.org/fx"
)

var Module = fx.Module("mapping",
	fx.Provide(service.New),
)
