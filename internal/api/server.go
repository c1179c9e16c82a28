package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/miradorstack/mirador-causal/internal/activity"
	"github.com/miradorstack/mirador-causal/internal/config"
	"github.com/miradorstack/mirador-causal/internal/detector"
	"github.com/miradorstack/mirador-causal/internal/engine"
	"github.com/miradorstack/mirador-causal/internal/repo"
	"github.com/miradorstack/mirador-causal/internal/store"
	"github.com/miradorstack/mirador-causal/internal/trainer"
)

// Server exposes the engine's ingestion and query surface over HTTP.
type Server struct {
	cfg      config.ServerConfig
	logger   *slog.Logger
	store    store.Store
	buffer   *repo.SignalBuffer
	detector *detector.Detector
	runner   *engine.Runner
	trainer  *trainer.Trainer
	feed     *activity.Feed

	router     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer wires the HTTP routes to the engine components.
func NewServer(
	cfg config.ServerConfig,
	logger *slog.Logger,
	st store.Store,
	buffer *repo.SignalBuffer,
	det *detector.Detector,
	runner *engine.Runner,
	tr *trainer.Trainer,
	feed *activity.Feed,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	server := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		buffer:   buffer,
		detector: det,
		runner:   runner,
		trainer:  tr,
		feed:     feed,
		router:   router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The stream carries no credentials and feeds dashboards on
			// other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	server.setupMiddleware()
	server.setupRoutes()
	return server
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.requestLogger())
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		ingest := v1.Group("/ingest")
		{
			ingest.POST("/metrics", s.handleIngestMetrics)
			ingest.POST("/logs", s.handleIngestLogs)
			ingest.POST("/changes", s.handleIngestChanges)
		}

		incidents := v1.Group("/incidents")
		{
			incidents.GET("", s.handleListIncidents)
			incidents.GET("/:id", s.handleGetIncident)
			incidents.GET("/:id/anomalies", s.handleListAnomalies)
			incidents.GET("/:id/suspects", s.handleListSuspects)
			incidents.POST("/:id/suspects/:suspectId/label", s.handleLabelSuspect)
			incidents.POST("/:id/rerun", s.handleRerun)
		}

		v1.POST("/train", s.handleTrain)
		v1.GET("/activity", s.handleActivity)
		v1.GET("/activity/stream", s.handleActivityStream)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(started))
	}
}

// Start serves until ctx is cancelled, then drains within the graceful
// timeout.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
