package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"strategy-core/internal/engine"
	"strategy-core/internal/events"
	"strategy-core/internal/monitor"
	"strategy-core/pkg/db"
	"strategy-core/pkg/logger"
)

// Options configure the HTTP surface.
type Options struct {
	JWTSecret      string
	AuthDisabled   bool
	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
	RequestTimeout time.Duration
}

// Server wires HTTP endpoints around the engine service.
type Server struct {
	Router  *gin.Engine
	Engine  engine.Service
	Bus     *events.Bus
	DB      *db.Database
	Metrics *monitor.Metrics
	Log     *zap.Logger

	opts Options
}

func NewServer(svc engine.Service, bus *events.Bus, database *db.Database, metrics *monitor.Metrics, log *zap.Logger, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	log = logger.OrNop(log).Named("api")

	r := gin.New()
	// Middleware stack (order matters!)
	r.Use(RecoveryMiddleware(log))
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log, metrics))
	r.Use(RateLimitMiddleware(newLimiterStore(opts.RateLimitRPS, opts.RateLimitBurst), log))
	r.Use(TimeoutMiddleware(opts.RequestTimeout))
	r.Use(CORSMiddleware(opts.CORSOrigins))

	s := &Server{
		Router:  r,
		Engine:  svc,
		Bus:     bus,
		DB:      database,
		Metrics: metrics,
		Log:     log,
		opts:    opts,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/metrics", s.getMetrics)
		api.GET("/metrics/prom", s.getPromMetrics)

		protected := api.Group("")
		if !s.opts.AuthDisabled {
			protected.Use(AuthMiddleware(s.opts.JWTSecret))
		}
		{
			protected.GET("/strategies", s.listStrategies)
			protected.POST("/strategies", s.createStrategy)
			protected.GET("/strategies/:id", s.getStrategy)
			protected.DELETE("/strategies/:id", s.deleteStrategy)
			protected.POST("/strategies/:id/start", s.startRun)

			protected.GET("/runs", s.listRuns)
			protected.GET("/runs/:id", s.getRun)
			protected.POST("/runs/:id/stop", s.stopRun)
			protected.POST("/runs/:id/tick", s.tickRun)
			protected.GET("/runs/:id/positions", s.listPositions)

			protected.GET("/market/:symbol/latest", s.getLatest)
			protected.GET("/market/:symbol/range", s.getRange)
			protected.POST("/market/check", s.checkConditions)
			protected.POST("/market/cache/clear", s.clearCache)

			protected.GET("/system/status", s.getSystemStatus)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	if s.DB != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.DB.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "db": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Handler exposes the router for an http.Server.
func (s *Server) Handler() http.Handler { return s.Router }
