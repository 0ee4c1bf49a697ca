// Package adminapi provides a read-only REST surface for observing a
// running forwarder: liveness, runtime statistics, and Prometheus
// exposition. It never mutates forwarder state.
package adminapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/guidoreina/tcpforwarder-go/internal/adminapi/handlers"
	"github.com/guidoreina/tcpforwarder-go/internal/adminapi/middleware"
	"github.com/guidoreina/tcpforwarder-go/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Server is the admin HTTP server.
type Server struct {
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// New builds an admin server listening on addr, reporting on a forwarder
// with numWorkers workers whose metrics are registered against reg.
func New(addr string, reg *prometheus.Registry, logger *slog.Logger, m *metrics.Metrics, numWorkers int) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.SlogRequestLogger(logger))

	h := handlers.New(logger, m, numWorkers)
	RegisterRoutes(engine, h, reg)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{logger: logger, engine: engine, httpServer: httpServer}
}

func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
