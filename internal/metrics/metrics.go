// Package metrics declares the Prometheus collectors the forwarder
// exposes on its admin API's /metrics endpoint.
package metrics

import (
	"strconv"

	"github.com/guidoreina/tcpforwarder-go/internal/connpool"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector a worker's event loop reports into.
// One Metrics is shared by all workers; per-worker series are
// distinguished by a "worker" label.
type Metrics struct {
	BytesForwarded          prometheus.Counter
	ClientsAccepted         prometheus.Counter
	ClientsDropped          *prometheus.CounterVec
	UpstreamConnectFailures prometheus.Counter

	PoolFree      *prometheus.GaugeVec
	PoolInUse     *prometheus.GaugeVec
	PoolDeferred  *prometheus.GaugeVec
	PoolAllocated *prometheus.GaugeVec
}

// New builds and registers the collector set against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BytesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tcpforwarder",
			Name:      "bytes_forwarded_total",
			Help:      "Bytes read from clients and fanned out to upstream servers.",
		}),
		ClientsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tcpforwarder",
			Name:      "clients_accepted_total",
			Help:      "Client connections accepted across all workers.",
		}),
		ClientsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tcpforwarder",
			Name:      "clients_dropped_total",
			Help:      "Client or upstream connections torn down, by reason.",
		}, []string{"reason"}),
		UpstreamConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tcpforwarder",
			Name:      "upstream_connect_failures_total",
			Help:      "Failed attempts to connect to an upstream server.",
		}),
		PoolFree: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tcpforwarder",
			Name:      "pool_free_records",
			Help:      "Connection records currently on a worker's free list.",
		}, []string{"worker"}),
		PoolInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tcpforwarder",
			Name:      "pool_in_use_records",
			Help:      "Connection records currently in use by a worker.",
		}, []string{"worker"}),
		PoolDeferred: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tcpforwarder",
			Name:      "pool_deferred_records",
			Help:      "Connection records awaiting the next ReleaseTemporary.",
		}, []string{"worker"}),
		PoolAllocated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tcpforwarder",
			Name:      "pool_allocated_records",
			Help:      "Connection records a worker's arena has ever allocated.",
		}, []string{"worker"}),
	}

	reg.MustRegister(
		m.BytesForwarded, m.ClientsAccepted, m.ClientsDropped, m.UpstreamConnectFailures,
		m.PoolFree, m.PoolInUse, m.PoolDeferred, m.PoolAllocated,
	)
	return m
}

// ReportPoolStats mirrors a worker's pool partition sizes into the gauge
// set, labeled by its index.
func (m *Metrics) ReportPoolStats(workerIndex int, s connpool.Stats) {
	label := strconv.Itoa(workerIndex)
	m.PoolFree.WithLabelValues(label).Set(float64(s.Free))
	m.PoolInUse.WithLabelValues(label).Set(float64(s.InUse))
	m.PoolDeferred.WithLabelValues(label).Set(float64(s.Deferred))
	m.PoolAllocated.WithLabelValues(label).Set(float64(s.Allocated))
}
