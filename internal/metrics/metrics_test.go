package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/teststand-core/internal/acquisition"
	"github.com/nerrad567/teststand-core/internal/instrument/hvps"
	"github.com/nerrad567/teststand-core/internal/instrument/vrg"
	"github.com/nerrad567/teststand-core/internal/transport"
)

func TestResult(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ResultOK},
		{"no reply", fmt.Errorf("%w: %w", vrg.ErrNoReply, transport.ErrTimeout), ResultTimeout},
		{"context deadline", context.DeadlineExceeded, ResultTimeout},
		{"nak", &hvps.NAKError{Code: "NAK2", Reason: "Invalid Parameter"}, ResultRejected},
		{"out of range", fmt.Errorf("%w: 50 MHz", vrg.ErrOutOfRange), ResultInvalid},
		{"bad channel", hvps.ErrInvalidChannel, ResultInvalid},
		{"closed", transport.ErrClosed, ResultLinkError},
		{"malformed", vrg.ErrMalformedReply, ResultError},
		{"other", errors.New("boom"), ResultError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Result(tt.err); got != tt.want {
				t.Errorf("Result(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestObserveExchange(t *testing.T) {
	m := New()

	m.ObserveExchange("VRG", "set_power", 20*time.Millisecond, nil)
	m.ObserveExchange("VRG", "set_power", 30*time.Millisecond, nil)
	m.ObserveExchange("VRG", "read_forward_power", 2*time.Second, vrg.ErrNoReply)
	m.ObserveExchange("HVPS", "set_voltage", 10*time.Millisecond, &hvps.NAKError{Code: "NAK1"})

	if got := testutil.ToFloat64(m.exchanges.WithLabelValues("VRG", "set_power", ResultOK)); got != 2 {
		t.Errorf("VRG set_power ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.exchanges.WithLabelValues("HVPS", "set_voltage", ResultRejected)); got != 1 {
		t.Errorf("HVPS set_voltage rejected = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.exchanges); got != 3 {
		t.Errorf("exchange series = %d, want 3", got)
	}
	if got := testutil.CollectAndCount(m.exchangeDuration); got != 2 {
		t.Errorf("duration series = %d, want 2", got)
	}
}

func TestHandleSnapshot(t *testing.T) {
	m := New()

	m.HandleSnapshot(acquisition.Snapshot{ForwardPower: 800, ReflectedPower: 12, AbsorbedPower: 788, FrequencyMHz: 40.68})
	m.HandleSnapshot(acquisition.Snapshot{ForwardPower: 810, ReflectedPower: 12, AbsorbedPower: 798, FrequencyMHz: 40.68, Errors: 1})

	if got := testutil.ToFloat64(m.forwardWatts); got != 810 {
		t.Errorf("forward watts = %v, want 810", got)
	}
	if got := testutil.ToFloat64(m.frequencyMHz); got != 40.68 {
		t.Errorf("frequency = %v, want 40.68", got)
	}
	if got := testutil.ToFloat64(m.pollTicks.WithLabelValues(ResultOK)); got != 1 {
		t.Errorf("ok ticks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.pollTicks.WithLabelValues(ResultError)); got != 1 {
		t.Errorf("error ticks = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveExchange("VRG", "enable", time.Millisecond, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`teststand_exchanges_total{command="enable",device="VRG",result="ok"} 1`,
		"teststand_rf_forward_watts",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestNew_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.ObserveExchange("VRG", "enable", time.Millisecond, nil)
	if got := testutil.CollectAndCount(b.exchanges); got != 0 {
		t.Errorf("second instance saw %d series", got)
	}
}
