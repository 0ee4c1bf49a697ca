package adminapi

import (
	"github.com/gin-gonic/gin"
	"github.com/guidoreina/tcpforwarder-go/internal/adminapi/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes wires the admin API's three read-only endpoints.
func RegisterRoutes(r *gin.Engine, h *handlers.Handler, reg *prometheus.Registry) {
	r.GET("/healthz", h.Health)
	r.GET("/stats", h.Stats)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
}
