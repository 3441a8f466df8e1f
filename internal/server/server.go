// Package server exposes the import pipeline over HTTP: dataset uploads,
// mapping storage, job control, schedules, and the cache admin surface.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/plotline/plotline/internal/cache"
	"github.com/plotline/plotline/internal/clock"
	"github.com/plotline/plotline/internal/config"
	datasetservice "github.com/plotline/plotline/internal/dataset/service"
	jobservice "github.com/plotline/plotline/internal/importjob/service"
	mappingservice "github.com/plotline/plotline/internal/mapping/service"
	"github.com/plotline/plotline/internal/observability"
	scheduleservice "github.com/plotline/plotline/internal/schedule/service"
	userdomain "github.com/plotline/plotline/internal/user/domain"
	"github.com/plotline/plotline/internal/worker"
	"github.com/plotline/plotline/pkg/repository"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type Server struct {
	engine    *gin.Engine
	log       *zap.Logger
	clock     clock.Clock
	genID     *snowflake.Node
	users     repository.Repository[userdomain.User]
	datasets  *datasetservice.Service
	mappings  *mappingservice.Service
	jobs      *jobservice.Service
	schedules *scheduleservice.Service
	caches    *cache.Registry
	worker    *worker.Worker
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	GenID     *snowflake.Node
	Datasets  *datasetservice.Service
	Mappings  *mappingservice.Service
	Jobs      *jobservice.Service
	Schedules *scheduleservice.Service
	Caches    *cache.Registry
	Worker    *worker.Worker
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:    p.Gin,
		log:       p.Log.Named("server"),
		clock:     p.Clock,
		genID:     p.GenID,
		users:     repository.ProvideStore[userdomain.User](p.DB),
		datasets:  p.Datasets,
		mappings:  p.Mappings,
		jobs:      p.Jobs,
		schedules: p.Schedules,
		caches:    p.Caches,
		worker:    p.Worker,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1", s.AuthRequired())

	v1.POST("/datasets", s.UploadDataset)
	v1.GET("/datasets/:id", s.GetDataset)

	v1.POST("/mappings", s.CreateMapping)

	v1.POST("/jobs", s.CreateJob)
	v1.POST("/jobs/run", s.RunJobs)
	v1.GET("/jobs/:id", s.GetJob)
	v1.POST("/jobs/:id/cancel", s.CancelJob)

	v1.POST("/schedules", s.CreateSchedule)
	v1.DELETE("/schedules/:id", s.DeleteSchedule)
	v1.POST("/imports/:schedule_id/trigger", s.TriggerImport)

	caches := v1.Group("/caches", AdminRequired())
	caches.POST("/cleanup", s.CleanupCaches)
	caches.GET("/:cache/keys", s.ListCacheKeys)
	caches.GET("/:cache/entries/:key", s.GetCacheEntry)
	caches.PUT("/:cache/entries/:key", s.PutCacheEntry)
	caches.DELETE("/:cache/entries/:key", s.DeleteCacheEntry)
}

func run(lc fx.Lifecycle, cfg config.Config, engine *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: engine,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
