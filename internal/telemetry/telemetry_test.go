package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/teststand-core/internal/acquisition"
)

type publishedMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// fakePublisher records every publish.
type fakePublisher struct {
	mu        sync.Mutex
	messages  []publishedMessage
	connected bool
	err       error
}

func (f *fakePublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, publishedMessage{topic, payload, qos, retained})
	return nil
}

func (f *fakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePublisher) all() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedMessage(nil), f.messages...)
}

func TestSnapshotPublisher(t *testing.T) {
	pub := &fakePublisher{connected: true}
	p := NewSnapshotPublisher(pub, "bench-a", 1)
	p.SetSimulated(true)

	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p.HandleSnapshot(acquisition.Snapshot{Timestamp: ts, ForwardPower: 800, ReflectedPower: 12, AbsorbedPower: 788, FrequencyMHz: 40.68})

	msgs := pub.all()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.topic != "teststand/telemetry/rf/bench-a" || m.qos != 1 || m.retained {
		t.Errorf("publish = topic %q qos %d retained %v", m.topic, m.qos, m.retained)
	}

	var body map[string]any
	if err := json.Unmarshal(m.payload, &body); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if body["site"] != "bench-a" || body["simulated"] != true || body["forward_power_w"] != float64(800) || body["frequency_mhz"] != 40.68 {
		t.Errorf("payload = %s", m.payload)
	}

	if got := p.Stats(); got.Published != 1 {
		t.Errorf("Stats() = %+v", got)
	}
}

func TestSnapshotPublisher_DisconnectedAndFailures(t *testing.T) {
	pub := &fakePublisher{}
	p := NewSnapshotPublisher(pub, "bench-a", 0)

	p.HandleSnapshot(acquisition.Snapshot{})
	if len(pub.all()) != 0 {
		t.Error("published while disconnected")
	}

	pub.mu.Lock()
	pub.connected = true
	pub.err = errors.New("broker gone")
	pub.mu.Unlock()
	p.HandleSnapshot(acquisition.Snapshot{})

	got := p.Stats()
	if got.Dropped != 1 || got.Failed != 1 || got.Published != 0 {
		t.Errorf("Stats() = %+v, want 1 dropped 1 failed", got)
	}
}

func TestPollerHealth(t *testing.T) {
	tests := []struct {
		name      string
		stats     acquisition.Stats
		simulated bool
		want      HealthStatus
	}{
		{"healthy", acquisition.Stats{Running: true}, false, HealthHealthy},
		{"read errors", acquisition.Stats{Running: true, LastErrors: 2}, false, HealthDegraded},
		{"stopped", acquisition.Stats{}, false, HealthDegraded},
		{"simulated", acquisition.Stats{Running: true, LastErrors: 4}, true, HealthSimulation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := PollerHealth(func() acquisition.Stats { return tt.stats }, tt.simulated)
			status, reason := src.Health()
			if status != tt.want {
				t.Errorf("Health() = %s (%s), want %s", status, reason, tt.want)
			}
			if status != HealthHealthy && reason == "" {
				t.Error("non-healthy status without reason")
			}
		})
	}
}

func TestHealthReporter_PublishesAndStops(t *testing.T) {
	pub := &fakePublisher{connected: true}
	h := NewHealthReporter(HealthReporterConfig{
		Component: "rf_generator",
		Version:   "1.2.3",
		Interval:  5 * time.Millisecond,
		Publisher: pub,
		Source: HealthSourceFunc(func() (HealthStatus, string) {
			return HealthDegraded, "1 reads failed in last tick"
		}),
	})

	h.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.all()) < 3 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	h.Stop()
	h.Stop()

	msgs := pub.all()
	if len(msgs) < 4 {
		t.Fatalf("published %d messages, want at least 3 periodic and 1 final", len(msgs))
	}

	var first HealthMessage
	if err := json.Unmarshal(msgs[0].payload, &first); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if msgs[0].topic != "teststand/health/rf_generator" || !msgs[0].retained || msgs[0].qos != 1 {
		t.Errorf("publish = %+v", msgs[0])
	}
	if first.Status != HealthDegraded || first.Component != "rf_generator" || first.Version != "1.2.3" {
		t.Errorf("first message = %+v", first)
	}

	var last HealthMessage
	if err := json.Unmarshal(msgs[len(msgs)-1].payload, &last); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if last.Status != HealthStopping {
		t.Errorf("final status = %s, want stopping", last.Status)
	}

	// Stop ran exactly once.
	stopping := 0
	for _, m := range msgs {
		var hm HealthMessage
		if json.Unmarshal(m.payload, &hm) == nil && hm.Status == HealthStopping {
			stopping++
		}
	}
	if stopping != 1 {
		t.Errorf("stopping published %d times, want 1", stopping)
	}
}

func TestHealthReporter_DefaultsAndNilSource(t *testing.T) {
	pub := &fakePublisher{connected: true}
	h := NewHealthReporter(HealthReporterConfig{Component: "hvps", Publisher: pub})

	if h.interval != DefaultHealthInterval {
		t.Errorf("interval = %v, want %v", h.interval, DefaultHealthInterval)
	}
	if err := h.PublishNow(); err != nil {
		t.Fatalf("PublishNow() error = %v", err)
	}

	var msg HealthMessage
	if err := json.Unmarshal(pub.all()[0].payload, &msg); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if msg.Status != HealthHealthy {
		t.Errorf("status = %s, want healthy", msg.Status)
	}
}
