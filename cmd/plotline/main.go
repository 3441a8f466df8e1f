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
	"github.com/plotline/plotline/internal/server"
	"github.com/plotline/plotline/internal/worker"
	"github.com/plotline/plotline/pkg/db"
	"go.uber.org/fx"
)

// The monolith runs the HTTP API and the polling worker in one process.
// Deployments that want dedicated workers run apps/worker alongside it.
func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,
		ratelimit.Module,

		// Functional domains
		quota.Module,
		dataset.Module,
		mapping.Module,
		geocode.Module,
		importjob.Module,
		schedule.Module,

		worker.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
