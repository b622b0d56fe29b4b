package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/teststand-core/internal/acquisition"
)

// TelemetryResponse is the latest poller snapshot with its counters.
type TelemetryResponse struct {
	Snapshot   acquisition.Snapshot `json:"snapshot"`
	Stats      acquisition.Stats    `json:"stats"`
	IntervalMS int64                `json:"interval_ms"`
	Simulated  bool                 `json:"simulated"`
}

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	MQTT          MQTTMetrics      `json:"mqtt"`
	Acquisition   *AcqMetrics      `json:"acquisition,omitempty"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// AcqMetrics contains poller counters.
type AcqMetrics struct {
	Running     bool   `json:"running"`
	Ticks       uint64 `json:"ticks"`
	FailedReads uint64 `json:"failed_reads"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"version":   s.version,
		"simulated": s.generator.Simulated(),
	}
	if s.poller != nil {
		resp["acquisition_running"] = s.poller.Running()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleTelemetry returns the latest snapshot. It does no I/O.
func (s *Server) handleTelemetry(w http.ResponseWriter, _ *http.Request) {
	if s.poller == nil {
		writeUnavailable(w, "acquisition not configured")
		return
	}
	writeJSON(w, http.StatusOK, TelemetryResponse{
		Snapshot:   s.poller.Data(),
		Stats:      s.poller.Stats(),
		IntervalMS: s.poller.Interval().Milliseconds(),
		Simulated:  s.generator.Simulated(),
	})
}

// handleSystemMetrics returns runtime and component statistics as JSON.
// Prometheus scrapes the separate metrics endpoint.
func (s *Server) handleSystemMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
	}

	if s.mqtt != nil {
		metrics.MQTT = MQTTMetrics{Connected: s.mqtt.IsConnected()}
	}

	if s.poller != nil {
		st := s.poller.Stats()
		metrics.Acquisition = &AcqMetrics{
			Running:     st.Running,
			Ticks:       st.Ticks,
			FailedReads: st.FailedReads,
		}
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
