package hvps

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/teststand-core/internal/instrument"
	"github.com/nerrad567/teststand-core/internal/transport"
)

// DeviceHVPS is the device kind tag of the supported supply.
const DeviceHVPS = "HVPS"

// defaultTimeout matches the supply's slowest documented reply time.
const defaultTimeout = 5 * time.Second

var supportedDevices = map[string]bool{
	DeviceHVPS: true,
}

// Config holds supply connection configuration.
type Config struct {
	// Device is the device kind tag. Only "HVPS" is supported.
	Device string

	// Address is "host:port" or "TCPIP::host::port::SOCKET".
	Address string

	// Timeout bounds each reply. Default: 5 seconds.
	Timeout time.Duration

	// Channels lists the installed channels. Empty means all.
	Channels []string
}

// Supply owns the link to one HVPS. Each operation holds the supply lock
// for a single command/reply exchange, so concurrent callers never
// interleave frames.
//
// Every reply is checked with CheckReply; a rejected command returns a
// *NAKError.
type Supply struct {
	mu     sync.Mutex
	codec  *Codec
	device string

	hookMu   sync.RWMutex
	logger   instrument.Logger
	observer instrument.Observer
}

// Open validates cfg, connects to the supply and returns a ready Supply.
func Open(ctx context.Context, cfg Config) (*Supply, error) {
	if !supportedDevices[strings.ToUpper(cfg.Device)] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, cfg.Device)
	}
	channels, err := ParseChannels(cfg.Channels)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	conn, err := transport.Open(ctx, transport.Config{
		Address:        cfg.Address,
		Timeout:        cfg.Timeout,
		ConnectTimeout: cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return New(cfg.Device, conn, channels)
}

// New wraps an open port. device must be a supported kind tag.
func New(device string, port transport.Port, channels []Channel) (*Supply, error) {
	device = strings.ToUpper(device)
	if !supportedDevices[device] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, device)
	}
	return &Supply{
		codec:    NewCodec(port, channels),
		device:   device,
		logger:   instrument.NopLogger{},
		observer: instrument.NopObserver{},
	}, nil
}

// SetLogger sets the logger for the supply.
func (s *Supply) SetLogger(logger instrument.Logger) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	if logger == nil {
		logger = instrument.NopLogger{}
	}
	s.logger = logger
}

// SetObserver sets the exchange observer for the supply.
func (s *Supply) SetObserver(observer instrument.Observer) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	if observer == nil {
		observer = instrument.NopObserver{}
	}
	s.observer = observer
}

// Device returns the device kind tag.
func (s *Supply) Device() string {
	return s.device
}

// Channels returns the installed channels.
func (s *Supply) Channels() []Channel {
	return s.codec.Channels()
}

// SetVoltage sets the voltage of ch, e.g. SetVoltage(ctx, ChannelEX, "-50").
func (s *Supply) SetVoltage(ctx context.Context, ch Channel, voltage string) error {
	_, err := s.do("set_voltage", func() (string, error) { return s.codec.SetVoltage(ctx, ch, voltage) })
	return err
}

// GetVoltage returns the raw voltage reading of ch.
func (s *Supply) GetVoltage(ctx context.Context, ch Channel) (string, error) {
	return s.do("get_voltage", func() (string, error) { return s.codec.GetVoltage(ctx, ch) })
}

// GetCurrent returns the raw current reading of ch.
func (s *Supply) GetCurrent(ctx context.Context, ch Channel) (string, error) {
	return s.do("get_current", func() (string, error) { return s.codec.GetCurrent(ctx, ch) })
}

// SetSolenoidCurrent sets the solenoid current in amps. It is a no-op on
// units without a solenoid, and nothing is observed for it.
func (s *Supply) SetSolenoidCurrent(ctx context.Context, amps float64) error {
	if !s.codec.Occupied(ChannelSL) {
		return nil
	}
	_, err := s.do("set_solenoid_current", func() (string, error) { return s.codec.SetSolenoidCurrent(ctx, amps) })
	return err
}

// EnableHighVoltage switches the outputs on.
func (s *Supply) EnableHighVoltage(ctx context.Context) error {
	_, err := s.do("enable_high_voltage", func() (string, error) { return s.codec.EnableHighVoltage(ctx) })
	return err
}

// DisableHighVoltage switches the outputs off.
func (s *Supply) DisableHighVoltage(ctx context.Context) error {
	_, err := s.do("disable_high_voltage", func() (string, error) { return s.codec.DisableHighVoltage(ctx) })
	return err
}

// EnableSolenoidCurrent switches the solenoid supply on.
func (s *Supply) EnableSolenoidCurrent(ctx context.Context) error {
	_, err := s.do("enable_solenoid_current", func() (string, error) { return s.codec.EnableSolenoidCurrent(ctx) })
	return err
}

// DisableSolenoidCurrent switches the solenoid supply off.
func (s *Supply) DisableSolenoidCurrent(ctx context.Context) error {
	_, err := s.do("disable_solenoid_current", func() (string, error) { return s.codec.DisableSolenoidCurrent(ctx) })
	return err
}

// EnableWobble turns on wobble for ch with amplitude 0-999.
func (s *Supply) EnableWobble(ctx context.Context, ch Channel, amplitude int) error {
	_, err := s.do("enable_wobble", func() (string, error) { return s.codec.EnableWobble(ctx, ch, amplitude) })
	return err
}

// DisableWobble turns off wobble for ch.
func (s *Supply) DisableWobble(ctx context.Context, ch Channel) error {
	_, err := s.do("disable_wobble", func() (string, error) { return s.codec.DisableWobble(ctx, ch) })
	return err
}

// GetState returns the raw status reply.
func (s *Supply) GetState(ctx context.Context) (string, error) {
	return s.do("get_state", func() (string, error) { return s.codec.GetState(ctx) })
}

// Close closes the link. Operations after Close fail with
// transport.ErrClosed.
func (s *Supply) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codec.Close()
}

// do runs one exchange under the supply lock, applies CheckReply and
// reports the outcome to the observer.
func (s *Supply) do(command string, exchange func() (string, error)) (string, error) {
	start := time.Now()

	s.mu.Lock()
	reply, err := exchange()
	s.mu.Unlock()

	if err == nil {
		err = CheckReply(reply)
	}

	s.hookMu.RLock()
	logger, observer := s.logger, s.observer
	s.hookMu.RUnlock()

	observer.ObserveExchange(s.device, command, time.Since(start), err)
	if err != nil {
		logger.Warn("hvps command failed", "command", command, "error", err)
		return "", err
	}
	logger.Debug("hvps command", "command", command, "reply", reply)
	return reply, nil
}
