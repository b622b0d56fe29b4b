package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/teststand-core/internal/acquisition"
	"github.com/nerrad567/teststand-core/internal/audit"
	"github.com/nerrad567/teststand-core/internal/infrastructure/config"
	"github.com/nerrad567/teststand-core/internal/infrastructure/database"
	"github.com/nerrad567/teststand-core/internal/infrastructure/logging"
	"github.com/nerrad567/teststand-core/internal/instrument/hvps"
	"github.com/nerrad567/teststand-core/internal/instrument/vrg"
	"github.com/nerrad567/teststand-core/internal/rfgen"
	"github.com/nerrad567/teststand-core/internal/transport"
	"github.com/nerrad567/teststand-core/migrations"
)

// supplyPort answers HVPS commands: it echoes sets, rejects a 25 kV beam
// voltage with NAK2 and answers a few reads.
type supplyPort struct {
	mu   sync.Mutex
	next string
}

func (p *supplyPort) WriteLine(_ context.Context, line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cmd := strings.TrimSpace(line)
	switch cmd {
	case "STBMT+25000":
		p.next = "NAK2"
	case "RDEXV":
		p.next = "-00050"
	case "RDEXC":
		p.next = "00012"
	case "RDSTA":
		p.next = "HV1 SL0"
	default:
		p.next = cmd
	}
	return nil
}

func (p *supplyPort) WriteRaw(ctx context.Context, b []byte) error {
	return p.WriteLine(ctx, string(b))
}

func (p *supplyPort) ReadLine(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next, nil
}

func (p *supplyPort) Close() error { return nil }

var _ transport.Port = (*supplyPort)(nil)

type testEnv struct {
	handler  http.Handler
	sim      *vrg.Simulator
	gen      *rfgen.Generator
	recorder *audit.Recorder
	stopRec  context.CancelFunc
}

// newTestEnv wires a server to the simulated generator, a fake supply and
// a SQLite audit trail.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	gen, sim, err := rfgen.OpenSimulated(ctx)
	if err != nil {
		t.Fatalf("OpenSimulated() error = %v", err)
	}
	t.Cleanup(func() { gen.Close() }) //nolint:errcheck // Test cleanup

	supply, err := hvps.New(hvps.DeviceHVPS, &supplyPort{}, []hvps.Channel{hvps.ChannelBM, hvps.ChannelEX, hvps.ChannelSL})
	if err != nil {
		t.Fatalf("hvps.New() error = %v", err)
	}

	poller, err := acquisition.New(gen, acquisition.Config{Interval: time.Second})
	if err != nil {
		t.Fatalf("acquisition.New() error = %v", err)
	}

	db, err := database.Open(ctx, database.Config{Path: filepath.Join(t.TempDir(), "api.db"), WALMode: true, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	repo := audit.NewSQLiteRepository(db.DB)
	rec := audit.NewRecorder(repo, audit.SourceAPI)
	recCtx, stopRec := context.WithCancel(ctx)
	go rec.Run(recCtx)
	t.Cleanup(stopRec)

	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	srv, err := New(Deps{
		Logger:    log,
		Generator: gen,
		Poller:    poller,
		Supply:    supply,
		Audit:     rec,
		AuditRepo: repo,
		DB:        db,
		Metrics:   http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("# metrics\n")) }), //nolint:errcheck // Test handler
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	return &testEnv{handler: srv.Handler(), sim: sim, gen: gen, recorder: rec, stopRec: stopRec}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

// flushAudit stops the recorder and waits until every queued entry is written.
func (e *testEnv) flushAudit() {
	e.stopRec()
	<-e.recorder.Done()
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) Error {
	t.Helper()
	var apiErr Error
	if err := json.NewDecoder(rr.Body).Decode(&apiErr); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return apiErr
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger error = nil")
	}
	log := logging.New(config.LoggingConfig{Level: "error"}, "test")
	if _, err := New(Deps{Logger: log}); err == nil {
		t.Error("New() without generator error = nil")
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/v1/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["simulated"] != true {
		t.Errorf("health = %v", body)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

func TestSetPowerAndEnable(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPut, "/api/v1/rf/power", SetPowerRequest{Watts: ptr(800)})
	if rr.Code != http.StatusOK {
		t.Fatalf("set power status = %d, body %s", rr.Code, rr.Body)
	}
	var resp RFResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.PowerSetting != 800 {
		t.Errorf("PowerSetting = %d, want 800", resp.PowerSetting)
	}
	if resp.TuneRange.Max == 0 {
		t.Error("TuneRange not populated")
	}

	rr = env.do(t, http.MethodPost, "/api/v1/rf/enable", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("enable status = %d, body %s", rr.Code, rr.Body)
	}
	if !env.sim.Enabled() || !env.gen.State().Enabled {
		t.Error("generator not enabled")
	}

	rr = env.do(t, http.MethodPost, "/api/v1/rf/disable", nil)
	if rr.Code != http.StatusOK || env.sim.Enabled() {
		t.Errorf("disable status = %d, sim enabled = %v", rr.Code, env.sim.Enabled())
	}
}

func TestRFValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"power above max", http.MethodPut, "/api/v1/rf/power", SetPowerRequest{Watts: ptr(2000)}, http.StatusBadRequest, ErrCodeValidation},
		{"power missing", http.MethodPut, "/api/v1/rf/power", map[string]any{}, http.StatusBadRequest, ErrCodeValidation},
		{"frequency outside tune range", http.MethodPut, "/api/v1/rf/frequency", SetFrequencyRequest{MHz: ptr(50.0)}, http.StatusBadRequest, ErrCodeValidation},
		{"bad json", http.MethodPut, "/api/v1/rf/frequency", "{", http.StatusBadRequest, ErrCodeBadRequest},
		{"unknown power mode", http.MethodPut, "/api/v1/rf/power-mode", SetPowerModeRequest{Mode: "reverse"}, http.StatusBadRequest, ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(env.sim.Commands())
			rr := env.do(t, tt.method, tt.path, tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.wantCode, rr.Body)
			}
			if got := decodeError(t, rr); got.Code != tt.wantErr {
				t.Errorf("code = %q, want %q", got.Code, tt.wantErr)
			}
			if after := len(env.sim.Commands()); after != before {
				t.Errorf("rejected request sent %d frames to the generator", after-before)
			}
		})
	}
}

func TestSetFrequency(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPut, "/api/v1/rf/frequency", SetFrequencyRequest{MHz: ptr(40.0)})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}
	if got := env.gen.State().FrequencyMHz; got != 40.0 {
		t.Errorf("FrequencyMHz = %v, want 40", got)
	}
}

func TestRFNoReply(t *testing.T) {
	env := newTestEnv(t)
	env.sim.SetSilent(true)

	rr := env.do(t, http.MethodPost, "/api/v1/rf/enable", nil)
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rr.Code)
	}
	if env.gen.State().Enabled {
		t.Error("cached state changed on failed command")
	}
}

func TestTelemetry(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/v1/telemetry", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp TelemetryResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Simulated || resp.Stats.Running {
		t.Errorf("telemetry = %+v, want simulated and not running", resp)
	}
}

func TestHVPS(t *testing.T) {
	env := newTestEnv(t)

	t.Run("set voltage", func(t *testing.T) {
		rr := env.do(t, http.MethodPut, "/api/v1/hvps/channels/ex/voltage", SetVoltageRequest{Voltage: "-00050"})
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
		}
	})

	t.Run("read voltage", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/v1/hvps/channels/EX/voltage", nil)
		var got ChannelReading
		if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Channel != hvps.ChannelEX || got.Voltage != "-00050" {
			t.Errorf("reading = %+v", got)
		}
	})

	t.Run("read current", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/v1/hvps/channels/EX/current", nil)
		var got ChannelReading
		if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Current != "00012" {
			t.Errorf("reading = %+v", got)
		}
	})

	t.Run("rejected by supply", func(t *testing.T) {
		rr := env.do(t, http.MethodPut, "/api/v1/hvps/channels/BM/voltage", SetVoltageRequest{Voltage: "+25000"})
		if rr.Code != http.StatusBadGateway {
			t.Fatalf("status = %d, want 502", rr.Code)
		}
		if got := decodeError(t, rr); got.Code != ErrCodeDeviceRejected {
			t.Errorf("code = %q", got.Code)
		}
	})

	t.Run("unknown channel", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/v1/hvps/channels/ZZ/voltage", nil)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rr.Code)
		}
	})

	t.Run("uninstalled channel", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/v1/hvps/channels/L1/voltage", nil)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rr.Code)
		}
	})

	t.Run("high voltage on", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/v1/hvps/high-voltage/on", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
		}
	})

	t.Run("bad switch state", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/v1/hvps/high-voltage/maybe", nil)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rr.Code)
		}
	})

	t.Run("state", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/v1/hvps/state", nil)
		var got HVPSStateResponse
		if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.State != "HV1 SL0" || len(got.Channels) != 3 {
			t.Errorf("state = %+v", got)
		}
	})
}

func TestHVPSNotConfigured(t *testing.T) {
	gen, _, err := rfgen.OpenSimulated(context.Background())
	if err != nil {
		t.Fatalf("OpenSimulated() error = %v", err)
	}
	defer gen.Close() //nolint:errcheck // Test cleanup

	srv, err := New(Deps{
		Logger:    logging.New(config.LoggingConfig{Level: "error"}, "test"),
		Generator: gen,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, path := range []string{"/api/v1/hvps/state", "/api/v1/telemetry", "/api/v1/audit"} {
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, rr.Code)
		}
	}
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPut, "/api/v1/rf/power", SetPowerRequest{Watts: ptr(300)})
	env.do(t, http.MethodPut, "/api/v1/hvps/channels/BM/voltage", SetVoltageRequest{Voltage: "+25000"})
	env.do(t, http.MethodGet, "/api/v1/rf", nil)
	env.flushAudit()

	rr := env.do(t, http.MethodGet, "/api/v1/audit", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var result audit.ListResult
	if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Total != 2 {
		t.Fatalf("Total = %d, want 2 (reads are not audited)", result.Total)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/audit?outcome=failure", nil)
	if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Total != 1 || result.Entries[0].Entity != "hvps/BM" {
		t.Errorf("failures = %+v", result.Entries)
	}
	if result.Entries[0].RequestID == "" {
		t.Error("RequestID not recorded")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "# metrics") {
		t.Errorf("metrics status = %d body %q", rr.Code, rr.Body)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/system/metrics", nil)
	var sm SystemMetrics
	if err := json.NewDecoder(rr.Body).Decode(&sm); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sm.Version != "test" || sm.Database == nil || sm.Acquisition == nil {
		t.Errorf("system metrics = %+v", sm)
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/rf", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Error("Access-Control-Allow-Origin not echoed")
	}
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		header string
		want   func(string) bool
	}{
		{"client id honoured", "bench-42", func(id string) bool { return id == "bench-42" }},
		{"generated when absent", "", func(id string) bool { return strings.HasPrefix(id, "req-") }},
		{"oversized id replaced", strings.Repeat("x", 65), func(id string) bool { return strings.HasPrefix(id, "req-") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
			if tt.header != "" {
				req.Header.Set("X-Request-ID", tt.header)
			}
			rr := httptest.NewRecorder()
			env.handler.ServeHTTP(rr, req)

			if got := rr.Header().Get("X-Request-ID"); !tt.want(got) {
				t.Errorf("X-Request-ID = %q", got)
			}
		})
	}
}

func TestClassifyInstrumentError(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
	}{
		{vrg.ErrOutOfRange, http.StatusBadRequest},
		{hvps.ErrInvalidParameter, http.StatusBadRequest},
		{&hvps.NAKError{Code: "NAK3", Reason: "x"}, http.StatusBadGateway},
		{vrg.ErrMalformedReply, http.StatusBadGateway},
		{transport.ErrTimeout, http.StatusGatewayTimeout},
		{transport.ErrClosed, http.StatusServiceUnavailable},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := classifyInstrumentError(tt.err); got != tt.wantCode {
			t.Errorf("classify(%v) = %d, want %d", tt.err, got, tt.wantCode)
		}
	}
}

func ptr[T any](v T) *T { return &v }
