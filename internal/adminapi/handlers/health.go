package handlers

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/guidoreina/tcpforwarder-go/internal/adminapi/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Health reports liveness. A forwarder that can still answer this request
// has a running process, nothing more; it does not imply any worker is
// actually forwarding traffic.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, models.StatusResponse{Status: "ok"})
}

// Stats reports host-wide CPU/memory, forwarder-wide byte and connection
// counters, and each worker's connection pool partition sizes.
func (h *Handler) Stats(c *gin.Context) {
	uptime := time.Since(h.startTime)

	memStats := models.MemoryStats{}
	if vmStat, err := mem.VirtualMemory(); err == nil {
		memStats.TotalMB = float64(vmStat.Total) / 1024 / 1024
		memStats.FreeMB = float64(vmStat.Available) / 1024 / 1024
		memStats.UsedMB = float64(vmStat.Used) / 1024 / 1024
		memStats.UsedPercent = vmStat.UsedPercent
	}

	cpuStats := models.CPUStats{NumCPU: runtime.NumCPU()}
	if cpuPercent, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		cpuStats.UsedPercent = cpuPercent[0]
		cpuStats.IdlePercent = 100.0 - cpuPercent[0]
	}

	resp := models.ServerStatsResponse{
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		StartTime:     h.startTime,
		CPU:           cpuStats,
		Memory:        memStats,
		Forwarding:    h.forwardingStats(),
		Pools:         h.poolStats(),
	}

	c.JSON(http.StatusOK, resp)
}

// forwardingStats reads the current values straight out of the
// Prometheus collectors, the same testutil.ToFloat64 trick the ecosystem
// uses in assertions, applied here to avoid keeping a second, divergent
// copy of the same counters just for JSON.
func (h *Handler) forwardingStats() models.ForwardingStats {
	if h.metrics == nil {
		return models.ForwardingStats{}
	}

	var dropped float64
	reasons := []string{
		"pool_exhausted", "epoll_register_failed", "no_upstream_available",
		"client_hangup", "upstream_hangup", "client_read_error", "client_closed",
		"upstream_backpressure", "upstream_connect_failed", "upstream_write_error",
	}
	for _, reason := range reasons {
		dropped += testutil.ToFloat64(h.metrics.ClientsDropped.WithLabelValues(reason))
	}

	return models.ForwardingStats{
		BytesForwarded:          uint64(testutil.ToFloat64(h.metrics.BytesForwarded)),
		ClientsAccepted:         uint64(testutil.ToFloat64(h.metrics.ClientsAccepted)),
		ClientsDropped:          uint64(dropped),
		UpstreamConnectFailures: uint64(testutil.ToFloat64(h.metrics.UpstreamConnectFailures)),
	}
}

func (h *Handler) poolStats() []models.WorkerPoolStats {
	if h.metrics == nil {
		return nil
	}

	pools := make([]models.WorkerPoolStats, h.numWorkers)
	for i := 0; i < h.numWorkers; i++ {
		label := strconv.Itoa(i)
		pools[i] = models.WorkerPoolStats{
			Worker:    i,
			Free:      int(testutil.ToFloat64(h.metrics.PoolFree.WithLabelValues(label))),
			InUse:     int(testutil.ToFloat64(h.metrics.PoolInUse.WithLabelValues(label))),
			Deferred:  int(testutil.ToFloat64(h.metrics.PoolDeferred.WithLabelValues(label))),
			Allocated: int(testutil.ToFloat64(h.metrics.PoolAllocated.WithLabelValues(label))),
		}
	}
	return pools
}
