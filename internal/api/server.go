package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/dig-os/digd/internal/logger"
	"github.com/dig-os/digd/internal/metrics"
	"github.com/dig-os/digd/internal/mission"
	"github.com/dig-os/digd/internal/policy"
	"github.com/dig-os/digd/internal/reservation"
	"github.com/dig-os/digd/internal/scheduler"
	"github.com/dig-os/digd/internal/telemetry"
)

const (
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 15 * time.Second
)

// Server is the control API gateway: a stateless facade over the collector,
// policy engine, reservation manager, catalog and scheduler, consumed by
// the desktop shell and the ML worker.
type Server struct {
	collector    telemetry.Collector
	policyEngine *policy.Engine
	reservations *reservation.Manager
	catalog      *mission.Catalog
	sched        *scheduler.Scheduler
	metrics      *metrics.Metrics

	engine     *gin.Engine
	httpServer *http.Server
}

func NewServer(
	addr string,
	collector telemetry.Collector,
	policyEngine *policy.Engine,
	reservations *reservation.Manager,
	catalog *mission.Catalog,
	sched *scheduler.Scheduler,
	m *metrics.Metrics,
	debug bool,
) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	engine.Use(cors.New(corsConfig))

	s := &Server{
		collector:    collector,
		policyEngine: policyEngine,
		reservations: reservations,
		catalog:      catalog,
		sched:        sched,
		metrics:      m,
		engine:       engine,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      engine,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}

	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := s.engine.Group("/api/v1")
	v1.GET("/telemetry", s.handleTelemetry)
	v1.GET("/runtime", s.handleRuntime)
	v1.GET("/missions", s.handleListMissions)
	v1.POST("/missions", s.handleSubmitMission)
	v1.GET("/missions/:id", s.handleGetMission)
	v1.DELETE("/missions/:id", s.handleCancelMission)
	v1.POST("/mode", s.handleSetMode)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves the control API until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info().Str("addr", s.httpServer.Addr).Msg("Control API listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
