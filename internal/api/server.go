package api

import (
	"log/slog"
	"net/http"
	"time"

	"ugc/server/internal/auth"
	"ugc/server/internal/batch"
	"ugc/server/internal/events"
	"ugc/server/internal/history"
	"ugc/server/internal/job"
	"ugc/server/internal/provider"
	"ugc/server/internal/store"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Deps struct {
	Auth         *auth.Service
	Store        *store.MemoryStore
	Jobs         *job.Service
	Batches      *batch.Processor
	History      *history.Tracker
	Providers    *provider.Registry
	Hub          *events.Hub
	Logger       *slog.Logger
	CORSOrigins  []string
	PollInterval time.Duration
}

type Server struct {
	auth      *auth.Service
	store     *store.MemoryStore
	jobs      *job.Service
	batches   *batch.Processor
	history   *history.Tracker
	providers *provider.Registry
	hub       *events.Hub
	log       *slog.Logger

	corsOrigins  []string
	pollInterval time.Duration
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Hub == nil {
		d.Hub = events.NewHub()
	}
	return &Server{
		auth:         d.Auth,
		store:        d.Store,
		jobs:         d.Jobs,
		batches:      d.Batches,
		history:      d.History,
		providers:    d.Providers,
		hub:          d.Hub,
		log:          d.Logger,
		corsOrigins:  d.CORSOrigins,
		pollInterval: d.PollInterval,
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(TraceMiddleware())
	r.Use(RequestLogMiddleware(s.log))
	r.Use(corsMiddleware(s.corsOrigins))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.GET("/healthz", func(c *gin.Context) {
		writeData(c, http.StatusOK, gin.H{"status": "ok"})
	})

	v1.POST("/auth/register", s.register)
	v1.POST("/auth/login", s.login)
	v1.POST("/auth/refresh", s.refresh)

	authed := v1.Group("")
	authed.Use(AuthMiddleware(s.auth))
	{
		authed.GET("/client/bootstrap", s.clientBootstrap)
		authed.GET("/providers", s.listProviders)
		authed.POST("/auth/logout", s.logout)
		authed.GET("/me", s.me)

		authed.POST("/generations", s.createGeneration)
		authed.GET("/generations", s.listGenerations)
		authed.GET("/generations/:job_id", s.getGeneration)
		authed.POST("/generations/:job_id/cancel", s.cancelGeneration)
		authed.GET("/generations/:job_id/events", s.streamGenerationEvents)

		authed.GET("/history", s.listHistory)
		authed.GET("/history/stats", s.historyStats)
		authed.POST("/history/:item_id/favorite", s.toggleFavorite)
		authed.DELETE("/history/:item_id", s.removeHistoryItem)

		authed.POST("/batches", s.createBatch)
		authed.GET("/batches", s.listBatches)
		authed.GET("/batches/:batch_id", s.getBatch)
		authed.POST("/batches/:batch_id/cancel", s.cancelBatch)
		authed.DELETE("/batches/:batch_id", s.removeBatch)
	}

	return r
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	if len(origins) > 0 {
		cfg.AllowOrigins = origins
	} else {
		cfg.AllowOrigins = []string{"http://localhost:3000"}
	}
	cfg.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Idempotency-Key", "X-Trace-Id", "Last-Event-ID"}
	cfg.ExposeHeaders = []string{"X-Trace-Id"}
	cfg.AllowCredentials = true
	cfg.MaxAge = 12 * time.Hour
	return cors.New(cfg)
}
