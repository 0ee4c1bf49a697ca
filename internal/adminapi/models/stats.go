package models

import "time"

// CPUStats contains system CPU statistics.
type CPUStats struct {
	NumCPU      int     `json:"num_cpu"`
	UsedPercent float64 `json:"used_percent"`
	IdlePercent float64 `json:"idle_percent"`
}

// MemoryStats contains host-wide memory statistics.
type MemoryStats struct {
	TotalMB     float64 `json:"total_mb"`
	FreeMB      float64 `json:"free_mb"`
	UsedMB      float64 `json:"used_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// WorkerPoolStats mirrors one worker's connpool partition sizes.
type WorkerPoolStats struct {
	Worker    int `json:"worker"`
	Free      int `json:"free"`
	InUse     int `json:"in_use"`
	Deferred  int `json:"deferred"`
	Allocated int `json:"allocated"`
}

// ForwardingStats contains forwarder-wide byte and connection counters.
type ForwardingStats struct {
	BytesForwarded          uint64 `json:"bytes_forwarded"`
	ClientsAccepted         uint64 `json:"clients_accepted"`
	ClientsDropped          uint64 `json:"clients_dropped"`
	UpstreamConnectFailures uint64 `json:"upstream_connect_failures"`
}

// ServerStatsResponse contains the admin API's runtime statistics.
type ServerStatsResponse struct {
	Uptime        string            `json:"uptime"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	StartTime     time.Time         `json:"start_time"`
	CPU           CPUStats          `json:"cpu"`
	Memory        MemoryStats       `json:"memory"`
	Forwarding    ForwardingStats   `json:"forwarding"`
	Pools         []WorkerPoolStats `json:"pools"`
}
