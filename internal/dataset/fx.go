package dataset

import (
	"github.com/plotline/plotline/internal/dataset/service"
	"github.com/plotline/plotline/internal/dataset/storage"
	"go.uber.org/fx"
)

var Module = fx.Module("dataset",
	fx.Provide(
		storage.New,
		service.New,
	),
)
