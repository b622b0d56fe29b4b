package vrg

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/teststand-core/internal/transport"
)

// Command mnemonics.
const (
	CmdReadFrequency      = "RQ"
	CmdReadPowerSetting   = "RO"
	CmdReadForwardPower   = "RF"
	CmdReadReflectedPower = "RR"
	CmdReadAbsorbedPower  = "RB"
	CmdReadMinTuneFreq    = "R1"
	CmdReadMaxTuneFreq    = "R2"
	CmdReadFactoryInfo    = "RI"
	CmdSetFrequency       = "SF"
	CmdSetPower           = "SP"
	CmdSetPowerMode       = "PM"
	CmdEnableRF           = "ER"
	CmdDisableRF          = "DR"
	CmdAutotune           = "TW"
	CmdNarrowAutotune     = "TT"
	CmdPing               = "!"
)

const (
	// MaxPowerSetting is the highest power setpoint in watts.
	MaxPowerSetting = 1000

	// maxFrequencyKHz is the largest value the 5-digit SF field can carry.
	maxFrequencyKHz = 99999

	// narrowAutotuneAckWait bounds the wait for a TT acknowledgement,
	// which some firmware never sends.
	narrowAutotuneAckWait = 250 * time.Millisecond
)

// PowerMode selects which quantity the power setpoint regulates.
type PowerMode int

const (
	// PowerModeForward regulates forward power.
	PowerModeForward PowerMode = 0

	// PowerModeAbsorbed regulates absorbed (forward minus reflected) power.
	PowerModeAbsorbed PowerMode = 1
)

// String returns the mode name.
func (m PowerMode) String() string {
	switch m {
	case PowerModeForward:
		return "forward"
	case PowerModeAbsorbed:
		return "absorbed"
	default:
		return "PowerMode(" + strconv.Itoa(int(m)) + ")"
	}
}

// ParsePowerMode converts "forward" or "absorbed" to a PowerMode.
func ParsePowerMode(s string) (PowerMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "forward":
		return PowerModeForward, nil
	case "absorbed":
		return PowerModeAbsorbed, nil
	default:
		return 0, fmt.Errorf("%w: power mode %q (want forward or absorbed)", ErrInvalidValue, s)
	}
}

// TuneRange is the frequency window, in MHz, the generator accepts.
type TuneRange struct {
	Min float64 `json:"min_mhz"`
	Max float64 `json:"max_mhz"`
}

// Contains reports whether mhz lies inside the range (inclusive).
func (r TuneRange) Contains(mhz float64) bool {
	return r.Min <= mhz && mhz <= r.Max
}

// FactoryInfo is the generator's identity and usage counters.
type FactoryInfo struct {
	SerialNumber   string `json:"serial_number"`
	Reboots        int    `json:"reboots"`
	OperatingHours int    `json:"operating_hours"`
	EnabledHours   int    `json:"enabled_hours"`
}

// Codec encodes VRG commands onto a transport.Port and decodes the replies.
//
// Reads that get no reply return the zero value together with an error
// wrapping ErrNoReply, so callers can treat the result as a degraded
// reading or as a failure.
type Codec struct {
	port transport.Port
	tune TuneRange
}

// NewCodec returns a Codec bound to port. Call LoadTuneRange before
// SetFrequency.
func NewCodec(port transport.Port) *Codec {
	return &Codec{port: port}
}

// TuneRange returns the cached tune range.
func (c *Codec) TuneRange() TuneRange {
	return c.tune
}

// LoadTuneRange reads the tune limits (R1/R2) and caches them. Every later
// SetFrequency is checked against this range.
func (c *Codec) LoadTuneRange(ctx context.Context) (TuneRange, error) {
	lo, err := c.ReadMinTuneFreq(ctx)
	if err != nil {
		return TuneRange{}, err
	}
	hi, err := c.ReadMaxTuneFreq(ctx)
	if err != nil {
		return TuneRange{}, err
	}
	if lo > hi {
		return TuneRange{}, fmt.Errorf("%w: tune range [%.3f, %.3f] MHz is inverted", ErrMalformedReply, lo, hi)
	}
	c.tune = TuneRange{Min: lo, Max: hi}
	return c.tune, nil
}

// Ping sends the unterminated liveness probe and returns the reply.
func (c *Codec) Ping(ctx context.Context) (string, error) {
	if err := c.port.WriteRaw(ctx, []byte(CmdPing)); err != nil {
		return "", fmt.Errorf("vrg: %s: %w", CmdPing, err)
	}
	reply, err := c.port.ReadLine(ctx)
	if err != nil {
		return "", readError(CmdPing, err)
	}
	return strings.TrimSpace(reply), nil
}

// ReadFrequency returns the output frequency in MHz.
func (c *Codec) ReadFrequency(ctx context.Context) (float64, error) {
	return c.readKHz(ctx, CmdReadFrequency)
}

// ReadMinTuneFreq returns the lower tune limit in MHz.
func (c *Codec) ReadMinTuneFreq(ctx context.Context) (float64, error) {
	return c.readKHz(ctx, CmdReadMinTuneFreq)
}

// ReadMaxTuneFreq returns the upper tune limit in MHz.
func (c *Codec) ReadMaxTuneFreq(ctx context.Context) (float64, error) {
	return c.readKHz(ctx, CmdReadMaxTuneFreq)
}

// ReadPowerSetting returns the power setpoint in watts.
func (c *Codec) ReadPowerSetting(ctx context.Context) (int, error) {
	return c.readInt(ctx, CmdReadPowerSetting)
}

// ReadForwardPower returns the measured forward power in watts.
func (c *Codec) ReadForwardPower(ctx context.Context) (int, error) {
	return c.readInt(ctx, CmdReadForwardPower)
}

// ReadReflectedPower returns the measured reflected power in watts.
func (c *Codec) ReadReflectedPower(ctx context.Context) (int, error) {
	return c.readInt(ctx, CmdReadReflectedPower)
}

// ReadAbsorbedPower returns the absorbed power in watts. Unlike the other
// power readings it carries a decimal fraction.
func (c *Codec) ReadAbsorbedPower(ctx context.Context) (float64, error) {
	reply, err := c.exchange(ctx, CmdReadAbsorbedPower)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(field(reply, CmdReadAbsorbedPower), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s reply %q", ErrMalformedReply, CmdReadAbsorbedPower, reply)
	}
	return v, nil
}

// ReadFactoryInfo returns the serial number and usage counters.
// The reply is whitespace separated: "RI607 00171 022426 017180 ...".
func (c *Codec) ReadFactoryInfo(ctx context.Context) (FactoryInfo, error) {
	reply, err := c.exchange(ctx, CmdReadFactoryInfo)
	if err != nil {
		return FactoryInfo{}, err
	}
	return parseFactoryInfo(reply)
}

func parseFactoryInfo(reply string) (FactoryInfo, error) {
	fields := strings.Fields(reply)
	if len(fields) < 4 {
		return FactoryInfo{}, fmt.Errorf("%w: %s reply %q has %d fields", ErrMalformedReply, CmdReadFactoryInfo, reply, len(fields))
	}

	var counters [3]int
	for i := range counters {
		n, err := strconv.Atoi(fields[i+1])
		if err != nil {
			return FactoryInfo{}, fmt.Errorf("%w: %s reply %q", ErrMalformedReply, CmdReadFactoryInfo, reply)
		}
		counters[i] = n
	}

	return FactoryInfo{
		SerialNumber:   strings.TrimPrefix(fields[0], CmdReadFactoryInfo),
		Reboots:        counters[0],
		OperatingHours: counters[1],
		EnabledHours:   counters[2],
	}, nil
}

// SetFrequency tunes the output to mhz. The value must be finite and inside
// the cached tune range; it is sent as whole kHz, rounded to nearest.
func (c *Codec) SetFrequency(ctx context.Context, mhz float64) error {
	if math.IsNaN(mhz) || math.IsInf(mhz, 0) {
		return fmt.Errorf("%w: frequency %v", ErrInvalidValue, mhz)
	}
	if !c.tune.Contains(mhz) {
		return fmt.Errorf("%w: frequency %.3f MHz, must be between %.3f and %.3f MHz",
			ErrOutOfRange, mhz, c.tune.Min, c.tune.Max)
	}
	khz := int(math.Round(mhz * 1000))
	if khz < 0 || khz > maxFrequencyKHz {
		return fmt.Errorf("%w: frequency %d kHz does not fit the %s field", ErrOutOfRange, khz, CmdSetFrequency)
	}
	_, err := c.exchange(ctx, EncodeSetFrequency(khz))
	return err
}

// SetPower changes the power setpoint. watts must be in [0, MaxPowerSetting].
func (c *Codec) SetPower(ctx context.Context, watts int) error {
	if watts < 0 || watts > MaxPowerSetting {
		return fmt.Errorf("%w: power %d W, must be between 0 and %d W", ErrOutOfRange, watts, MaxPowerSetting)
	}
	_, err := c.exchange(ctx, EncodeSetPower(watts))
	return err
}

// SetPowerMode selects forward or absorbed power regulation.
func (c *Codec) SetPowerMode(ctx context.Context, mode PowerMode) error {
	if mode != PowerModeForward && mode != PowerModeAbsorbed {
		return fmt.Errorf("%w: %s", ErrInvalidValue, mode)
	}
	_, err := c.exchange(ctx, CmdSetPowerMode+strconv.Itoa(int(mode)))
	return err
}

// EnableRF turns the RF output on.
func (c *Codec) EnableRF(ctx context.Context) error {
	_, err := c.exchange(ctx, CmdEnableRF)
	return err
}

// DisableRF turns the RF output off.
func (c *Codec) DisableRF(ctx context.Context) error {
	_, err := c.exchange(ctx, CmdDisableRF)
	return err
}

// Autotune starts a wide impedance-matching sweep.
func (c *Codec) Autotune(ctx context.Context) error {
	_, err := c.exchange(ctx, CmdAutotune)
	return err
}

// NarrowAutotune starts a sweep around the current frequency. Some firmware
// does not acknowledge TT, so the reply is awaited only briefly and a
// missing one is not an error. A late acknowledgement is discarded by the
// transport before the next command.
func (c *Codec) NarrowAutotune(ctx context.Context) error {
	if err := c.port.WriteLine(ctx, CmdNarrowAutotune); err != nil {
		return fmt.Errorf("vrg: %s: %w", CmdNarrowAutotune, err)
	}

	ackCtx, cancel := context.WithTimeout(ctx, narrowAutotuneAckWait)
	defer cancel()
	if _, err := c.port.ReadLine(ackCtx); err != nil {
		if errors.Is(err, transport.ErrTimeout) && ctx.Err() == nil {
			return nil
		}
		return readError(CmdNarrowAutotune, err)
	}
	return nil
}

// Close closes the underlying port.
func (c *Codec) Close() error {
	return c.port.Close()
}

// QuantizeMHz rounds mhz to the whole kHz SetFrequency actually sends.
func QuantizeMHz(mhz float64) float64 {
	return math.Round(mhz*1000) / 1000
}

// EncodeSetPower renders the SP frame for watts ("SP0800").
func EncodeSetPower(watts int) string {
	return fmt.Sprintf("%s%04d", CmdSetPower, watts)
}

// EncodeSetFrequency renders the SF frame for khz ("SF40650").
func EncodeSetFrequency(khz int) string {
	return fmt.Sprintf("%s%05d", CmdSetFrequency, khz)
}

// DecodeInt parses an integer reply such as "RO0800" for mnemonic.
func DecodeInt(reply, mnemonic string) (int, error) {
	v, err := strconv.Atoi(field(reply, mnemonic))
	if err != nil {
		return 0, fmt.Errorf("%w: %s reply %q", ErrMalformedReply, mnemonic, reply)
	}
	return v, nil
}

func (c *Codec) readInt(ctx context.Context, mnemonic string) (int, error) {
	reply, err := c.exchange(ctx, mnemonic)
	if err != nil {
		return 0, err
	}
	return DecodeInt(reply, mnemonic)
}

func (c *Codec) readKHz(ctx context.Context, mnemonic string) (float64, error) {
	khz, err := c.readInt(ctx, mnemonic)
	if err != nil {
		return 0, err
	}
	return float64(khz) / 1000, nil
}

// exchange performs one write and one read.
func (c *Codec) exchange(ctx context.Context, cmd string) (string, error) {
	if err := c.port.WriteLine(ctx, cmd); err != nil {
		return "", fmt.Errorf("vrg: %s: %w", cmd, err)
	}
	reply, err := c.port.ReadLine(ctx)
	if err != nil {
		return "", readError(cmd, err)
	}
	return reply, nil
}

func readError(cmd string, err error) error {
	if errors.Is(err, transport.ErrTimeout) {
		return fmt.Errorf("%w: %s: %w", ErrNoReply, cmd, err)
	}
	return fmt.Errorf("vrg: %s: %w", cmd, err)
}

// field strips whitespace and the echoed mnemonic from a reply.
func field(reply, mnemonic string) string {
	s := strings.TrimSpace(reply)
	s = strings.TrimPrefix(s, mnemonic)
	return strings.TrimSpace(s)
}
