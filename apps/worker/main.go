package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/plotline/plotline/internal/cache"
	"github.com/plotline/plotline/internal/clock"
	"github.com/plotline/plotline/internal/config"
	"github.com/plotline/plotline/internal/dataset"
	"github.com/plotline/plotline/internal/geocode"
	"github.com/plotline/plotline/internal/importjob"
	"github.com/plotline/plotline/internal/mapping"
	"github.com/plotline/plotline/internal/observability"
	"github.com/plotline/plotline/internal/quota"
	"github.com/plotline/plotline/internal/ratelimit"
	"github.com/plotline/plotline/internal/schedule"
	"github.com/plotline/plotline/internal/worker"
	"github.com/plotline/plotline/pkg/db"
	"go.uber.org/fx"
)

// A worker-only process: claims jobs, sweeps schedules and housekeeping,
// serves no HTTP. Scale these horizontally; the claim guard keeps every
// job on exactly one of them.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,
		ratelimit.Module,

		quota.Module,
		dataset.Module,
		mapping.Module,
		geocode.Module,
		importjob.Module,
		schedule.Module,

		worker.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
