package rfgen

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/teststand-core/internal/instrument"
	"github.com/nerrad567/teststand-core/internal/instrument/vrg"
	"github.com/nerrad567/teststand-core/internal/transport"
)

// Config holds generator connection configuration.
type Config struct {
	// Device is the device type tag, e.g. "VRG".
	Device string

	// Resource is the link address: "ASRL3::INSTR", "/dev/ttyUSB0",
	// "TCPIP::host::port::SOCKET" or "host:port".
	Resource string

	// Timeout bounds each reply. Default: transport.DefaultTimeout.
	Timeout time.Duration

	// BaudRate for serial links. Default: transport.DefaultBaudRate.
	BaudRate int
}

// DeviceState is the last known value of every generator quantity.
type DeviceState struct {
	Device         string    `json:"device"`
	Simulated      bool      `json:"simulated"`
	Enabled        bool      `json:"enabled"`
	FrequencyMHz   float64   `json:"frequency_mhz"`
	PowerSetting   int       `json:"power_setting_w"`
	ForwardPower   int       `json:"forward_power_w"`
	ReflectedPower int       `json:"reflected_power_w"`
	AbsorbedPower  float64   `json:"absorbed_power_w"`
	PowerMode      string    `json:"power_mode,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Generator owns the link to one RF generator.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Each operation holds the facade lock for one write/read exchange.
//   - The lock is never held while sleeping or calling hooks.
type Generator struct {
	mu     sync.Mutex
	dev    Device
	state  DeviceState
	closed bool

	hookMu   sync.RWMutex
	logger   instrument.Logger
	observer instrument.Observer
}

// Open connects to the generator described by cfg.
//
// The device type is validated before the link is opened. After connecting,
// the tune range is read once; it bounds every later SetFrequency.
//
// Parameters:
//   - ctx: Context for cancellation (bounds connecting and the first reads)
//   - cfg: Connection configuration
//
// Returns:
//   - *Generator: Connected generator ready for use
//   - error: ErrUnknownDevice, or a transport/protocol error
func Open(ctx context.Context, cfg Config) (*Generator, error) {
	kind, err := ParseDeviceType(cfg.Device)
	if err != nil {
		return nil, err
	}

	conn, err := transport.Open(ctx, transport.Config{
		Address:  cfg.Resource,
		Timeout:  cfg.Timeout,
		BaudRate: cfg.BaudRate,
	})
	if err != nil {
		return nil, err
	}

	g, err := New(ctx, string(kind), conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return g, nil
}

// OpenSimulated returns a generator backed by an in-process VRG simulator.
func OpenSimulated(ctx context.Context) (*Generator, *vrg.Simulator, error) {
	sim := vrg.NewSimulator()
	g, err := New(ctx, string(DeviceVRG), sim)
	if err != nil {
		return nil, nil, err
	}
	g.state.Simulated = true
	return g, sim, nil
}

// New wraps an open port with the driver for device and loads the tune
// range. The port is not closed on error.
func New(ctx context.Context, device string, port transport.Port) (*Generator, error) {
	kind, err := ParseDeviceType(device)
	if err != nil {
		return nil, err
	}

	dev := drivers[kind](port)
	if _, err := dev.LoadTuneRange(ctx); err != nil {
		return nil, fmt.Errorf("rfgen: load tune range: %w", err)
	}

	return &Generator{
		dev:      dev,
		state:    DeviceState{Device: string(kind)},
		logger:   instrument.NopLogger{},
		observer: instrument.NopObserver{},
	}, nil
}

// SetLogger sets the logger for the generator.
func (g *Generator) SetLogger(logger instrument.Logger) {
	g.hookMu.Lock()
	defer g.hookMu.Unlock()
	if logger == nil {
		logger = instrument.NopLogger{}
	}
	g.logger = logger
}

// SetObserver sets the exchange observer for the generator.
func (g *Generator) SetObserver(observer instrument.Observer) {
	g.hookMu.Lock()
	defer g.hookMu.Unlock()
	if observer == nil {
		observer = instrument.NopObserver{}
	}
	g.observer = observer
}

// State returns a copy of the cached device state. It does no I/O but
// waits for any exchange in progress.
func (g *Generator) State() DeviceState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Simulated reports whether the generator is backed by the simulator.
func (g *Generator) Simulated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Simulated
}

// TuneRange returns the frequency limits read at open time.
func (g *Generator) TuneRange() vrg.TuneRange {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dev.TuneRange()
}

// Ping sends the liveness probe and returns the reply.
func (g *Generator) Ping(ctx context.Context) (string, error) {
	var reply string
	err := g.do("ping", func(d Device) (err error) {
		reply, err = d.Ping(ctx)
		return err
	})
	return reply, err
}

// Enable turns the RF output on.
func (g *Generator) Enable(ctx context.Context) error {
	return g.do("enable", func(d Device) error {
		if err := d.EnableRF(ctx); err != nil {
			return err
		}
		g.state.Enabled = true
		return nil
	})
}

// Disable turns the RF output off.
func (g *Generator) Disable(ctx context.Context) error {
	return g.do("disable", func(d Device) error {
		if err := d.DisableRF(ctx); err != nil {
			return err
		}
		g.state.Enabled = false
		return nil
	})
}

// Frequency reads the output frequency in MHz.
func (g *Generator) Frequency(ctx context.Context) (float64, error) {
	var v float64
	err := g.do("read_frequency", func(d Device) (err error) {
		if v, err = d.ReadFrequency(ctx); err == nil {
			g.state.FrequencyMHz = v
			g.touch()
		}
		return err
	})
	return v, err
}

// PowerSetting reads the power setpoint in watts.
func (g *Generator) PowerSetting(ctx context.Context) (int, error) {
	var v int
	err := g.do("read_power_setting", func(d Device) (err error) {
		if v, err = d.ReadPowerSetting(ctx); err == nil {
			g.state.PowerSetting = v
			g.touch()
		}
		return err
	})
	return v, err
}

// ForwardPower reads the forward power in watts.
func (g *Generator) ForwardPower(ctx context.Context) (int, error) {
	var v int
	err := g.do("read_forward_power", func(d Device) (err error) {
		if v, err = d.ReadForwardPower(ctx); err == nil {
			g.state.ForwardPower = v
			g.touch()
		}
		return err
	})
	return v, err
}

// ReflectedPower reads the reflected power in watts.
func (g *Generator) ReflectedPower(ctx context.Context) (int, error) {
	var v int
	err := g.do("read_reflected_power", func(d Device) (err error) {
		if v, err = d.ReadReflectedPower(ctx); err == nil {
			g.state.ReflectedPower = v
			g.touch()
		}
		return err
	})
	return v, err
}

// AbsorbedPower reads the absorbed power in watts.
func (g *Generator) AbsorbedPower(ctx context.Context) (float64, error) {
	var v float64
	err := g.do("read_absorbed_power", func(d Device) (err error) {
		if v, err = d.ReadAbsorbedPower(ctx); err == nil {
			g.state.AbsorbedPower = v
			g.touch()
		}
		return err
	})
	return v, err
}

// FactoryInfo reads the serial number and usage counters.
func (g *Generator) FactoryInfo(ctx context.Context) (vrg.FactoryInfo, error) {
	var info vrg.FactoryInfo
	err := g.do("read_factory_info", func(d Device) (err error) {
		info, err = d.ReadFactoryInfo(ctx)
		return err
	})
	return info, err
}

// SetFrequency tunes the output to mhz. Values outside TuneRange fail with
// vrg.ErrOutOfRange before anything is sent. The cache holds the frequency
// as sent, rounded to whole kHz.
func (g *Generator) SetFrequency(ctx context.Context, mhz float64) error {
	return g.do("set_frequency", func(d Device) error {
		if err := d.SetFrequency(ctx, mhz); err != nil {
			return err
		}
		g.state.FrequencyMHz = vrg.QuantizeMHz(mhz)
		g.touch()
		return nil
	})
}

// SetPower changes the power setpoint in watts (0-1000).
func (g *Generator) SetPower(ctx context.Context, watts int) error {
	return g.do("set_power", func(d Device) error {
		if err := d.SetPower(ctx, watts); err != nil {
			return err
		}
		g.state.PowerSetting = watts
		g.touch()
		return nil
	})
}

// SetPowerMode selects forward or absorbed power regulation.
func (g *Generator) SetPowerMode(ctx context.Context, mode vrg.PowerMode) error {
	return g.do("set_power_mode", func(d Device) error {
		if err := d.SetPowerMode(ctx, mode); err != nil {
			return err
		}
		g.state.PowerMode = mode.String()
		return nil
	})
}

// AutoTune starts a wide impedance-matching sweep. The generator adjusts its
// own frequency; read Frequency afterwards for the result.
func (g *Generator) AutoTune(ctx context.Context) error {
	return g.do("autotune", func(d Device) error { return d.Autotune(ctx) })
}

// NarrowAutoTune starts a sweep around the current frequency.
func (g *Generator) NarrowAutoTune(ctx context.Context) error {
	return g.do("narrow_autotune", func(d Device) error { return d.NarrowAutotune(ctx) })
}

// Close releases the link. Stop any poller using the generator first.
// Calling Close more than once is safe.
func (g *Generator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	return g.dev.Close()
}

// touch stamps the cached state. Caller holds g.mu.
func (g *Generator) touch() {
	g.state.UpdatedAt = time.Now()
}

// do runs fn under the facade lock and reports the exchange to the hooks
// after the lock is released.
func (g *Generator) do(command string, fn func(Device) error) error {
	start := time.Now()

	g.mu.Lock()
	var err error
	if g.closed {
		err = transport.ErrClosed
	} else {
		err = fn(g.dev)
	}
	device := g.state.Device
	g.mu.Unlock()

	g.hookMu.RLock()
	logger, observer := g.logger, g.observer
	g.hookMu.RUnlock()

	observer.ObserveExchange(device, command, time.Since(start), err)
	if err != nil {
		logger.Debug("rf command failed", "command", command, "error", err)
	}
	return err
}
