package telemetry

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/teststand-core/internal/acquisition"
	"github.com/nerrad567/teststand-core/internal/infrastructure/mqtt"
)

// Publisher is the outbound side of the MQTT client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// RFMessage is the payload on the RF telemetry topic.
type RFMessage struct {
	Site      string `json:"site"`
	Simulated bool   `json:"simulated"`
	acquisition.Snapshot
}

// PublisherStats holds publish counters.
type PublisherStats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// SnapshotPublisher publishes poller snapshots. It implements
// acquisition.Sink.
//
// Snapshots arriving while the broker is disconnected are dropped; the next
// tick carries fresh values anyway.
type SnapshotPublisher struct {
	pub       Publisher
	topic     string
	site      string
	qos       byte
	simulated atomic.Bool

	logger   Logger
	loggerMu sync.RWMutex

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

var _ acquisition.Sink = (*SnapshotPublisher)(nil)

// NewSnapshotPublisher creates a publisher for site's RF telemetry topic.
func NewSnapshotPublisher(pub Publisher, site string, qos byte) *SnapshotPublisher {
	return &SnapshotPublisher{
		pub:   pub,
		topic: mqtt.Topics{}.RFTelemetry(site),
		site:  site,
		qos:   qos,
	}
}

// SetLogger sets the logger for the publisher.
func (p *SnapshotPublisher) SetLogger(logger Logger) {
	p.loggerMu.Lock()
	defer p.loggerMu.Unlock()
	p.logger = logger
}

// SetSimulated marks subsequent messages as coming from the simulator.
func (p *SnapshotPublisher) SetSimulated(v bool) {
	p.simulated.Store(v)
}

// Topic returns the topic snapshots are published to.
func (p *SnapshotPublisher) Topic() string {
	return p.topic
}

// HandleSnapshot publishes s.
func (p *SnapshotPublisher) HandleSnapshot(s acquisition.Snapshot) {
	if !p.pub.IsConnected() {
		p.dropped.Add(1)
		return
	}

	payload, err := json.Marshal(RFMessage{
		Site:      p.site,
		Simulated: p.simulated.Load(),
		Snapshot:  s,
	})
	if err != nil {
		p.failed.Add(1)
		p.log("encoding snapshot failed", err)
		return
	}

	if err := p.pub.Publish(p.topic, payload, p.qos, false); err != nil {
		p.failed.Add(1)
		p.log("publishing snapshot failed", err)
		return
	}
	p.published.Add(1)
}

// Stats returns publish counters.
func (p *SnapshotPublisher) Stats() PublisherStats {
	return PublisherStats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *SnapshotPublisher) log(msg string, err error) {
	p.loggerMu.RLock()
	logger := p.logger
	p.loggerMu.RUnlock()
	if logger != nil {
		logger.Warn(msg, "topic", p.topic, "error", err)
	}
}
