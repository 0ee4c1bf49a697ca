// Package handlers implements the admin API's read-only endpoint
// handlers: liveness and runtime statistics. Prometheus exposition is
// served by promhttp directly, wired in the adminapi package's routes.
package handlers

import (
	"log/slog"
	"time"

	"github.com/guidoreina/tcpforwarder-go/internal/metrics"
)

// Handler holds the dependencies the admin endpoints read from. It never
// mutates forwarder state: the admin API is observation-only.
type Handler struct {
	logger     *slog.Logger
	metrics    *metrics.Metrics
	numWorkers int
	startTime  time.Time
}

// New builds a Handler reporting on a forwarder with numWorkers workers.
func New(logger *slog.Logger, m *metrics.Metrics, numWorkers int) *Handler {
	return &Handler{
		logger: logger, metrics: m, numWorkers: numWorkers,
		startTime: time.Now(),
	}
}
