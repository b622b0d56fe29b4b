package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/teststand-core/internal/acquisition"
	"github.com/nerrad567/teststand-core/internal/infrastructure/mqtt"
)

// DefaultHealthInterval is how often health is republished.
const DefaultHealthInterval = 30 * time.Second

// HealthStatus represents the operational status of a component.
type HealthStatus string

const (
	// HealthHealthy indicates the component is operating normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the component is running with errors.
	HealthDegraded HealthStatus = "degraded"

	// HealthSimulation indicates the component is backed by the simulator.
	HealthSimulation HealthStatus = "simulation"

	// HealthStopping indicates the core is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is the retained payload on a component's health topic.
type HealthMessage struct {
	Component     string       `json:"component"`
	Status        HealthStatus `json:"status"`
	Reason        string       `json:"reason,omitempty"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Timestamp     time.Time    `json:"timestamp"`
}

// HealthSource evaluates a component's current status.
type HealthSource interface {
	Health() (HealthStatus, string)
}

// HealthSourceFunc adapts a function to HealthSource.
type HealthSourceFunc func() (HealthStatus, string)

// Health calls f().
func (f HealthSourceFunc) Health() (HealthStatus, string) { return f() }

// PollerHealth derives RF generator health from the poller's last tick.
// A simulated generator always reports HealthSimulation.
func PollerHealth(stats func() acquisition.Stats, simulated bool) HealthSource {
	return HealthSourceFunc(func() (HealthStatus, string) {
		if simulated {
			return HealthSimulation, "running against the built-in simulator"
		}
		s := stats()
		switch {
		case !s.Running:
			return HealthDegraded, "acquisition stopped"
		case s.LastErrors > 0:
			return HealthDegraded, fmt.Sprintf("%d reads failed in last tick", s.LastErrors)
		default:
			return HealthHealthy, ""
		}
	})
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	// Component names the health topic, e.g. "rf_generator".
	Component string

	// Version is the core software version.
	Version string

	// Interval is how often to publish. Default: DefaultHealthInterval.
	Interval time.Duration

	Publisher Publisher
	Source    HealthSource
}

// HealthReporter periodically publishes one component's health, retained,
// at QoS 1.
type HealthReporter struct {
	component string
	version   string
	topic     string
	startTime time.Time
	interval  time.Duration
	publisher Publisher
	source    HealthSource

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter creates a new health reporter. Call Start to begin
// reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}

	return &HealthReporter{
		component: cfg.Component,
		version:   cfg.Version,
		topic:     mqtt.Topics{}.Health(cfg.Component),
		startTime: time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		source:    cfg.Source,
		done:      make(chan struct{}),
	}
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// Start publishes the current status immediately and then every interval
// until Stop is called or ctx is cancelled.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		if err := h.publish(HealthStopping, ""); err != nil {
			h.logError("failed to publish stopping health", err)
		}
	})
}

// PublishNow publishes the current status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := HealthHealthy, ""
	if h.source != nil {
		status, reason = h.source.Health()
	}
	return h.publish(status, reason)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}

	payload, err := json.Marshal(HealthMessage{
		Component:     h.component,
		Status:        status,
		Reason:        reason,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	return h.publisher.Publish(h.topic, payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "component", h.component, "error", err)
	}
}
