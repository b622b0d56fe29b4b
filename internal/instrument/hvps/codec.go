package hvps

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/nerrad567/teststand-core/internal/transport"
)

// Channel is a two-letter HVPS output token.
type Channel string

// Output channels.
const (
	ChannelBM Channel = "BM"
	ChannelEX Channel = "EX"
	ChannelL1 Channel = "L1"
	ChannelL2 Channel = "L2"
	ChannelL3 Channel = "L3"
	ChannelL4 Channel = "L4"
	ChannelSL Channel = "SL" // solenoid, current only
)

// AllChannels lists every channel in front-panel order.
var AllChannels = []Channel{ChannelBM, ChannelEX, ChannelL1, ChannelL2, ChannelL3, ChannelL4, ChannelSL}

// ParseChannel validates a channel token. Matching is case-insensitive.
func ParseChannel(s string) (Channel, error) {
	ch := Channel(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllChannels {
		if ch == known {
			return ch, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidChannel, s)
}

// ParseChannels validates a list of channel tokens, dropping duplicates.
func ParseChannels(tokens []string) ([]Channel, error) {
	seen := make(map[Channel]bool, len(tokens))
	out := make([]Channel, 0, len(tokens))
	for _, tok := range tokens {
		ch, err := ParseChannel(tok)
		if err != nil {
			return nil, err
		}
		if !seen[ch] {
			seen[ch] = true
			out = append(out, ch)
		}
	}
	return out, nil
}

// Fixed commands.
const (
	CmdHighVoltageOn  = "STHV1"
	CmdHighVoltageOff = "STHV0"
	CmdSolenoidOn     = "STSL1"
	CmdSolenoidOff    = "STSL0"
	CmdReadState      = "RDSTA"
)

const (
	voltageWidth         = 5
	maxWobbleAmplitude   = 999
	solenoidCurrentLimit = 99.99
)

// Codec composes HVPS commands for a set of installed channels and
// performs one write/read exchange per command. It does no locking.
type Codec struct {
	port     transport.Port
	channels []Channel
	occupied map[Channel]bool
}

// NewCodec returns a Codec for the given installed channels. An empty list
// means every channel is installed.
func NewCodec(port transport.Port, channels []Channel) *Codec {
	if len(channels) == 0 {
		channels = AllChannels
	}
	c := &Codec{
		port:     port,
		channels: append([]Channel(nil), channels...),
		occupied: make(map[Channel]bool, len(channels)),
	}
	for _, ch := range channels {
		c.occupied[ch] = true
	}
	return c
}

// Channels returns the installed channels.
func (c *Codec) Channels() []Channel {
	return append([]Channel(nil), c.channels...)
}

// Occupied reports whether ch is installed.
func (c *Codec) Occupied(ch Channel) bool {
	return c.occupied[ch]
}

// SetVoltage sets the voltage of ch. voltage is an optionally signed
// digit string ("-50", "+00100", "250"); the sign defaults to "+".
func (c *Codec) SetVoltage(ctx context.Context, ch Channel, voltage string) (string, error) {
	if err := c.requireOccupied(ch); err != nil {
		return "", err
	}
	if ch == ChannelSL {
		return "", fmt.Errorf("%w: %s has no voltage setting, use the solenoid current", ErrInvalidChannel, ch)
	}
	cmd, err := EncodeSetVoltage(ch, voltage)
	if err != nil {
		return "", err
	}
	return c.Send(ctx, cmd)
}

// GetVoltage reads the voltage of ch.
func (c *Codec) GetVoltage(ctx context.Context, ch Channel) (string, error) {
	if err := c.requireOccupied(ch); err != nil {
		return "", err
	}
	return c.Send(ctx, "RD"+string(ch)+"V")
}

// GetCurrent reads the current of ch.
func (c *Codec) GetCurrent(ctx context.Context, ch Channel) (string, error) {
	if err := c.requireOccupied(ch); err != nil {
		return "", err
	}
	return c.Send(ctx, "RD"+string(ch)+"C")
}

// SetSolenoidCurrent sets the solenoid current in amps. When no solenoid is
// installed the call does nothing and sends nothing.
func (c *Codec) SetSolenoidCurrent(ctx context.Context, amps float64) (string, error) {
	if !c.occupied[ChannelSL] {
		return "", nil
	}
	cmd, err := EncodeSetSolenoidCurrent(amps)
	if err != nil {
		return "", err
	}
	return c.Send(ctx, cmd)
}

// EnableWobble turns on voltage wobble for ch with the given amplitude.
func (c *Codec) EnableWobble(ctx context.Context, ch Channel, amplitude int) (string, error) {
	if err := c.requireWobble(ch); err != nil {
		return "", err
	}
	if amplitude < 0 || amplitude > maxWobbleAmplitude {
		return "", fmt.Errorf("%w: wobble amplitude %d, must be between 0 and %d", ErrInvalidParameter, amplitude, maxWobbleAmplitude)
	}
	return c.Send(ctx, fmt.Sprintf("ST%sWE1A%03d", ch, amplitude))
}

// DisableWobble turns off voltage wobble for ch.
func (c *Codec) DisableWobble(ctx context.Context, ch Channel) (string, error) {
	if err := c.requireWobble(ch); err != nil {
		return "", err
	}
	return c.Send(ctx, fmt.Sprintf("ST%sWEA0000", ch))
}

// EnableHighVoltage switches the outputs on.
func (c *Codec) EnableHighVoltage(ctx context.Context) (string, error) {
	return c.Send(ctx, CmdHighVoltageOn)
}

// DisableHighVoltage switches the outputs off.
func (c *Codec) DisableHighVoltage(ctx context.Context) (string, error) {
	return c.Send(ctx, CmdHighVoltageOff)
}

// EnableSolenoidCurrent switches the solenoid supply on.
func (c *Codec) EnableSolenoidCurrent(ctx context.Context) (string, error) {
	return c.Send(ctx, CmdSolenoidOn)
}

// DisableSolenoidCurrent switches the solenoid supply off.
func (c *Codec) DisableSolenoidCurrent(ctx context.Context) (string, error) {
	return c.Send(ctx, CmdSolenoidOff)
}

// GetState returns the raw RDSTA status reply.
func (c *Codec) GetState(ctx context.Context) (string, error) {
	return c.Send(ctx, CmdReadState)
}

// Send writes cmd (newline appended if absent) and returns the trimmed
// reply. NAK replies are returned as-is; see CheckReply.
func (c *Codec) Send(ctx context.Context, cmd string) (string, error) {
	if err := c.port.WriteLine(ctx, cmd); err != nil {
		return "", fmt.Errorf("hvps: %s: %w", strings.TrimSpace(cmd), err)
	}
	reply, err := c.port.ReadLine(ctx)
	if err != nil {
		return "", fmt.Errorf("hvps: %s: %w", strings.TrimSpace(cmd), err)
	}
	return strings.TrimSpace(reply), nil
}

// Close closes the underlying port.
func (c *Codec) Close() error {
	return c.port.Close()
}

func (c *Codec) requireOccupied(ch Channel) error {
	if !c.occupied[ch] {
		return fmt.Errorf("%w: %q is not installed (have %v)", ErrInvalidChannel, ch, c.channels)
	}
	return nil
}

func (c *Codec) requireWobble(ch Channel) error {
	if ch == ChannelBM || ch == ChannelSL {
		return fmt.Errorf("%w: %s does not support wobble", ErrInvalidChannel, ch)
	}
	return c.requireOccupied(ch)
}

// EncodeSetVoltage renders the voltage command for ch: "ST{ch}T" followed by
// the sign and the digits zero-padded to width 5.
func EncodeSetVoltage(ch Channel, voltage string) (string, error) {
	v := strings.TrimSpace(voltage)
	sign := "+"
	if v != "" && (v[0] == '+' || v[0] == '-') {
		sign, v = v[:1], v[1:]
	}
	if v == "" || len(v) > voltageWidth || strings.TrimLeft(v, "0123456789") != "" {
		return "", fmt.Errorf("%w: voltage %q, want an optional sign and up to %d digits", ErrInvalidParameter, voltage, voltageWidth)
	}
	return "ST" + string(ch) + "T" + sign + strings.Repeat("0", voltageWidth-len(v)) + v, nil
}

// EncodeSetSolenoidCurrent renders the solenoid current command with two
// decimal places ("STSLT001.50").
func EncodeSetSolenoidCurrent(amps float64) (string, error) {
	if math.IsNaN(amps) || amps < 0 || amps > solenoidCurrentLimit {
		return "", fmt.Errorf("%w: solenoid current %v A, must be between 0 and %.2f A", ErrInvalidParameter, amps, solenoidCurrentLimit)
	}
	return fmt.Sprintf("STSLT00%.2f", amps), nil
}

// CheckReply maps a NAK reply to a *NAKError. NAK and NAK0 mean "no error"
// and return nil, as does any reply that is not a NAK.
func CheckReply(reply string) error {
	code := strings.ToUpper(strings.TrimSpace(reply))
	if !strings.HasPrefix(code, "NAK") {
		return nil
	}
	reason, ok := nakReasons[code]
	if !ok {
		return &NAKError{Code: code, Reason: "Unknown"}
	}
	if code == "NAK" || code == "NAK0" {
		return nil
	}
	return &NAKError{Code: code, Reason: reason}
}
