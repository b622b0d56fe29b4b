// Package metrics exposes instrument and acquisition metrics to Prometheus.
//
// Collectors live on a private registry so tests and multiple instances do
// not collide on the global one.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/teststand-core/internal/acquisition"
	"github.com/nerrad567/teststand-core/internal/instrument"
	"github.com/nerrad567/teststand-core/internal/instrument/hvps"
	"github.com/nerrad567/teststand-core/internal/instrument/vrg"
	"github.com/nerrad567/teststand-core/internal/transport"
)

const namespace = "teststand"

// Exchange result label values.
const (
	ResultOK        = "ok"
	ResultTimeout   = "timeout"
	ResultRejected  = "rejected"
	ResultInvalid   = "invalid"
	ResultLinkError = "link_error"
	ResultError     = "error"
)

// Metrics holds every collector and the registry they are registered on.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	exchanges        *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
	pollTicks        *prometheus.CounterVec

	forwardWatts   prometheus.Gauge
	reflectedWatts prometheus.Gauge
	absorbedWatts  prometheus.Gauge
	frequencyMHz   prometheus.Gauge
}

var (
	_ instrument.Observer = (*Metrics)(nil)
	_ acquisition.Sink    = (*Metrics)(nil)
)

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Instrument request/reply exchanges by outcome.",
		}, []string{"device", "command", "result"}),
		exchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Time from write to parsed reply.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		}, []string{"device"}),
		pollTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_total",
			Help:      "Acquisition ticks, split by whether every read succeeded.",
		}, []string{"result"}),
		forwardWatts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rf_forward_watts",
			Help:      "Last forward power reading.",
		}),
		reflectedWatts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rf_reflected_watts",
			Help:      "Last reflected power reading.",
		}),
		absorbedWatts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rf_absorbed_watts",
			Help:      "Last absorbed power reading.",
		}),
		frequencyMHz: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rf_frequency_mhz",
			Help:      "Last output frequency reading.",
		}),
	}

	m.registry.MustRegister(
		m.exchanges,
		m.exchangeDuration,
		m.pollTicks,
		m.forwardWatts,
		m.reflectedWatts,
		m.absorbedWatts,
		m.frequencyMHz,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveExchange counts one exchange and records its duration.
func (m *Metrics) ObserveExchange(device, command string, elapsed time.Duration, err error) {
	m.exchanges.WithLabelValues(device, command, Result(err)).Inc()
	m.exchangeDuration.WithLabelValues(device).Observe(elapsed.Seconds())
}

// HandleSnapshot updates the RF gauges from a poller snapshot.
func (m *Metrics) HandleSnapshot(s acquisition.Snapshot) {
	result := ResultOK
	if s.Errors > 0 {
		result = ResultError
	}
	m.pollTicks.WithLabelValues(result).Inc()

	m.forwardWatts.Set(float64(s.ForwardPower))
	m.reflectedWatts.Set(float64(s.ReflectedPower))
	m.absorbedWatts.Set(s.AbsorbedPower)
	m.frequencyMHz.Set(s.FrequencyMHz)
}

// Result maps an exchange error to its result label.
func Result(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, transport.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ResultTimeout
	case errors.Is(err, hvps.ErrNAK):
		return ResultRejected
	case errors.Is(err, vrg.ErrOutOfRange), errors.Is(err, vrg.ErrInvalidValue),
		errors.Is(err, hvps.ErrInvalidChannel), errors.Is(err, hvps.ErrInvalidParameter):
		return ResultInvalid
	case errors.Is(err, transport.ErrClosed), errors.Is(err, transport.ErrConnectionFailed),
		errors.Is(err, transport.ErrNotConnected):
		return ResultLinkError
	default:
		return ResultError
	}
}
