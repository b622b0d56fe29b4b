package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/nerrad567/teststand-core/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "teststand-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func TestTopicBuilders(t *testing.T) {
	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"RFTelemetry", Topics{}.RFTelemetry("bench-a"), "teststand/telemetry/rf/bench-a"},
		{"Health", Topics{}.Health("rf_generator"), "teststand/health/rf_generator"},
		{"SystemStatus", Topics{}.SystemStatus(), "teststand/system/status"},
		{"AllTelemetry", Topics{}.AllTelemetry(), "teststand/telemetry/#"},
		{"AllHealth", Topics{}.AllHealth(), "teststand/health/+"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.expected)
			}
		})
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.MQTTAuthConfig{Username: "stand", Password: "secret"}

	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want tcp://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != "teststand-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "stand" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q", opts.Username, opts.Password)
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect = false")
	}
	if opts.TLSConfig != nil && opts.TLSConfig.MinVersion != 0 {
		t.Error("TLS configured without broker.tls")
	}

	if !opts.WillEnabled || opts.WillTopic != "teststand/system/status" || !opts.WillRetained || opts.WillQos != 1 {
		t.Errorf("LWT = enabled:%v topic:%q retained:%v qos:%d", opts.WillEnabled, opts.WillTopic, opts.WillRetained, opts.WillQos)
	}
	var will StatusMessage
	if err := json.Unmarshal(opts.WillPayload, &will); err != nil {
		t.Fatalf("LWT payload: %v", err)
	}
	if will.Status != StatusOffline || will.Reason != "unexpected_disconnect" || will.ClientID != "teststand-test" {
		t.Errorf("LWT payload = %+v", will)
	}
}

func TestBuildClientOptions_TLS(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883

	opts := buildClientOptions(cfg)
	if opts.Servers[0].String() != "ssl://127.0.0.1:8883" {
		t.Errorf("Servers = %v, want ssl://127.0.0.1:8883", opts.Servers)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Error("TLS minimum version not set")
	}
}

func TestStatusPayload(t *testing.T) {
	var msg StatusMessage
	if err := json.Unmarshal(statusPayload(StatusOnline, "core", ""), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Status != StatusOnline || msg.ClientID != "core" || msg.Timestamp == "" {
		t.Errorf("payload = %+v", msg)
	}
	if strings.Contains(string(statusPayload(StatusOnline, "core", "")), "reason") {
		t.Error("empty reason should be omitted")
	}
}

func TestPublish_Validation(t *testing.T) {
	c := &Client{cfg: testConfig()}

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		want    error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"invalid qos", "teststand/x", []byte("x"), 3, ErrInvalidQoS},
		{"oversized payload", "teststand/x", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
		{"not connected", "teststand/x", nil, 1, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Publish(tt.topic, tt.payload, tt.qos, false); !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPublishJSON_EncodeError(t *testing.T) {
	c := &Client{cfg: testConfig()}
	if err := c.PublishJSON("teststand/x", make(chan int), false); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("PublishJSON(chan) error = %v, want ErrPublishFailed", err)
	}
	if err := c.PublishRetained("teststand/x", []byte("{}")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishRetained() error = %v, want ErrNotConnected", err)
	}
}

func TestQoS_Clamped(t *testing.T) {
	for _, tt := range []struct {
		cfg  int
		want byte
	}{{-1, 0}, {0, 0}, {1, 1}, {2, 2}, {5, 2}} {
		c := &Client{cfg: config.MQTTConfig{QoS: tt.cfg}}
		if got := c.QoS(); got != tt.want {
			t.Errorf("QoS(%d) = %d, want %d", tt.cfg, got, tt.want)
		}
	}
}

func TestHealthCheck_Disconnected(t *testing.T) {
	c := &Client{cfg: testConfig()}

	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v, want context.Canceled", err)
	}
}

func TestCloseNil(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true on unconnected client")
	}
}
