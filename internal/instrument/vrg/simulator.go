package vrg

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/nerrad567/teststand-core/internal/transport"
)

// Simulator defaults.
const (
	SimMinTuneKHz   = 25000
	SimMaxTuneKHz   = 42000
	SimResonanceKHz = 40680

	// simDetuneSpanKHz is the detuning at which half the forward power is
	// reflected.
	simDetuneSpanKHz = 2000

	simFactoryInfo = "RI607 00171 022426 017180 00000 00000"
)

// Ensure Simulator implements transport.Port.
var _ transport.Port = (*Simulator)(nil)

// Simulator is an in-process VRG. It answers the full command set the Codec
// uses, models forward/reflected power from the detuning between the output
// frequency and a fixed load resonance, and can be told to go silent.
//
// Simulator is safe for concurrent use.
type Simulator struct {
	mu sync.Mutex

	freqKHz   int
	powerW    int
	mode      PowerMode
	enabled   bool
	silent    bool
	closed    bool
	pending   []string
	commands  []string
	resonance int
}

// NewSimulator returns a simulator tuned to the resonance with RF off.
func NewSimulator() *Simulator {
	return &Simulator{
		freqKHz:   SimResonanceKHz,
		resonance: SimResonanceKHz,
	}
}

// SetSilent makes the simulator stop (or resume) answering commands.
func (s *Simulator) SetSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// SetResonance moves the load resonance, detuning the current output.
func (s *Simulator) SetResonance(khz int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resonance = khz
}

// Commands returns every frame received so far, in order.
func (s *Simulator) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

// Enabled reports whether RF output is on.
func (s *Simulator) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// WriteLine handles one command frame.
func (s *Simulator) WriteLine(ctx context.Context, line string) error {
	return s.WriteRaw(ctx, []byte(line))
}

// WriteRaw handles one frame; a trailing newline is optional.
func (s *Simulator) WriteRaw(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrTimeout, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return transport.ErrClosed
	}

	cmd := strings.TrimSpace(string(p))
	s.commands = append(s.commands, cmd)
	s.pending = s.pending[:0]
	if s.silent {
		return nil
	}
	s.pending = append(s.pending, s.handle(cmd))
	return nil
}

// ReadLine returns the reply to the last command. It fails with
// transport.ErrTimeout when no reply is queued.
func (s *Simulator) ReadLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", transport.ErrTimeout, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", transport.ErrClosed
	}
	if len(s.pending) == 0 {
		return "", fmt.Errorf("%w: simulator has no reply pending", transport.ErrTimeout)
	}
	reply := s.pending[0]
	s.pending = s.pending[1:]
	return reply, nil
}

// Close marks the simulator closed.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// handle returns the reply for cmd. Caller holds s.mu.
func (s *Simulator) handle(cmd string) string {
	switch {
	case cmd == CmdPing:
		return CmdPing
	case cmd == CmdReadFrequency:
		return fmt.Sprintf("%s%05d", cmd, s.freqKHz)
	case cmd == CmdReadMinTuneFreq:
		return fmt.Sprintf("%s%05d", cmd, SimMinTuneKHz)
	case cmd == CmdReadMaxTuneFreq:
		return fmt.Sprintf("%s%05d", cmd, SimMaxTuneKHz)
	case cmd == CmdReadPowerSetting:
		return fmt.Sprintf("%s%04d", cmd, s.powerW)
	case cmd == CmdReadForwardPower:
		fwd, _ := s.powers()
		return fmt.Sprintf("%s%04d", cmd, fwd)
	case cmd == CmdReadReflectedPower:
		_, refl := s.powers()
		return fmt.Sprintf("%s%04d", cmd, refl)
	case cmd == CmdReadAbsorbedPower:
		fwd, refl := s.powers()
		return fmt.Sprintf("%s%06.1f", cmd, float64(fwd-refl))
	case cmd == CmdReadFactoryInfo:
		return simFactoryInfo
	case cmd == CmdEnableRF:
		s.enabled = true
		return cmd
	case cmd == CmdDisableRF:
		s.enabled = false
		return cmd
	case cmd == CmdAutotune, cmd == CmdNarrowAutotune:
		s.freqKHz = min(max(s.resonance, SimMinTuneKHz), SimMaxTuneKHz)
		return cmd
	case strings.HasPrefix(cmd, CmdSetFrequency):
		khz, err := strconv.Atoi(cmd[len(CmdSetFrequency):])
		if err != nil || khz < SimMinTuneKHz || khz > SimMaxTuneKHz {
			return "??"
		}
		s.freqKHz = khz
		return cmd
	case strings.HasPrefix(cmd, CmdSetPower):
		w, err := strconv.Atoi(cmd[len(CmdSetPower):])
		if err != nil || w < 0 || w > MaxPowerSetting {
			return "??"
		}
		s.powerW = w
		return cmd
	case cmd == CmdSetPowerMode+"0":
		s.mode = PowerModeForward
		return cmd
	case cmd == CmdSetPowerMode+"1":
		s.mode = PowerModeAbsorbed
		return cmd
	default:
		return "??"
	}
}

// powers returns forward and reflected watts. Caller holds s.mu.
func (s *Simulator) powers() (fwd, refl int) {
	if !s.enabled || s.powerW == 0 {
		return 0, 0
	}
	detune := math.Abs(float64(s.freqKHz - s.resonance))
	ratio := math.Min(0.5, 0.5*detune/simDetuneSpanKHz)

	if s.mode == PowerModeAbsorbed {
		fwd = int(math.Round(float64(s.powerW) / (1 - ratio)))
		fwd = min(fwd, MaxPowerSetting)
		return fwd, fwd - min(s.powerW, fwd)
	}
	fwd = s.powerW
	return fwd, int(math.Round(float64(fwd) * ratio))
}
