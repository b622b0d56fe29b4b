package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the acquisition cadence used by the control UI.
const DefaultInterval = time.Second

// ErrInvalidInterval is returned when the polling interval is not positive.
var ErrInvalidInterval = errors.New("acquisition: interval must be positive")

// Source is the read side of an RF generator facade.
type Source interface {
	Enable(ctx context.Context) error
	ForwardPower(ctx context.Context) (int, error)
	ReflectedPower(ctx context.Context) (int, error)
	AbsorbedPower(ctx context.Context) (float64, error)
	Frequency(ctx context.Context) (float64, error)
}

// Snapshot is one point-in-time telemetry reading. Values that failed to
// read in the producing tick carry over from the previous snapshot.
type Snapshot struct {
	Timestamp      time.Time `json:"timestamp"`
	ForwardPower   int       `json:"forward_power_w"`
	ReflectedPower int       `json:"reflected_power_w"`
	AbsorbedPower  float64   `json:"absorbed_power_w"`
	FrequencyMHz   float64   `json:"frequency_mhz"`

	// Errors is the number of reads that failed in the producing tick.
	Errors int `json:"errors"`
}

// Sink receives every snapshot after it is published.
type Sink interface {
	HandleSnapshot(Snapshot)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Snapshot)

// HandleSnapshot calls f(s).
func (f SinkFunc) HandleSnapshot(s Snapshot) { f(s) }

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config holds poller configuration.
type Config struct {
	// Interval is the pause between the end of one tick and the start of
	// the next. Must be positive.
	Interval time.Duration

	// SkipEnable disables the Enable call Start normally makes.
	SkipEnable bool
}

// Stats holds operational statistics.
type Stats struct {
	Running     bool      `json:"running"`
	Ticks       uint64    `json:"ticks"`
	FailedReads uint64    `json:"failed_reads"`
	LastTick    time.Time `json:"last_tick"`
	LastErrors  int       `json:"last_errors"`
}

// run is one loop instance.
type run struct {
	stop chan struct{}
	done chan struct{}
}

// Poller periodically refreshes telemetry from a Source.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Only one loop is ever running; only one read is ever in flight.
type Poller struct {
	source Source
	cfg    Config

	// lifecycle serialises Start and Stop. Start holds it across Enable so
	// a concurrent Stop cannot return first; readers never take it.
	lifecycle sync.Mutex

	mu      sync.Mutex
	current *run
	last    *run

	snapshot atomic.Pointer[Snapshot]

	sinksMu sync.RWMutex
	sinks   []Sink

	logger   Logger
	loggerMu sync.RWMutex

	ticks       atomic.Uint64
	failedReads atomic.Uint64
	lastTick    atomic.Int64
	lastErrors  atomic.Int64
}

// New creates a stopped Poller for source.
func New(source Source, cfg Config) (*Poller, error) {
	if source == nil {
		return nil, errors.New("acquisition: nil source")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidInterval, cfg.Interval)
	}
	p := &Poller{source: source, cfg: cfg}
	p.snapshot.Store(&Snapshot{})
	return p, nil
}

// SetLogger sets the logger for the poller.
func (p *Poller) SetLogger(logger Logger) {
	p.loggerMu.Lock()
	defer p.loggerMu.Unlock()
	p.logger = logger
}

// AddSink registers s to receive every future snapshot.
func (p *Poller) AddSink(s Sink) {
	p.sinksMu.Lock()
	defer p.sinksMu.Unlock()
	p.sinks = append(p.sinks, s)
}

// Interval returns the configured polling interval.
func (p *Poller) Interval() time.Duration {
	return p.cfg.Interval
}

// Start launches the acquisition loop and enables RF output. Calling Start
// on a running poller does nothing.
//
// The loop stops when Stop is called or ctx is cancelled. An error from
// enabling the output is returned, but the loop keeps running so readings
// stay fresh.
func (p *Poller) Start(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	if p.current != nil {
		p.mu.Unlock()
		return nil
	}
	r := &run{stop: make(chan struct{}), done: make(chan struct{})}
	p.current = r
	p.mu.Unlock()

	go p.loop(ctx, r)

	if p.cfg.SkipEnable {
		return nil
	}
	if err := p.source.Enable(ctx); err != nil {
		p.logWarn("enable on start failed", "error", err)
		return fmt.Errorf("acquisition: enable: %w", err)
	}
	return nil
}

// Stop signals the loop to exit and waits for it. When Stop returns the
// poller makes no further calls on its Source. Calling Stop on a stopped
// poller does nothing.
func (p *Poller) Stop() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	r := p.current
	if r != nil {
		p.current = nil
		p.last = r
		close(r.stop)
	} else {
		r = p.last
	}
	p.mu.Unlock()

	if r != nil {
		<-r.done
	}
}

// Running reports whether the loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

// Data returns the latest snapshot. Before the first tick completes it
// returns the zero Snapshot.
func (p *Poller) Data() Snapshot {
	return *p.snapshot.Load()
}

// Stats returns operational statistics.
func (p *Poller) Stats() Stats {
	s := Stats{
		Running:     p.Running(),
		Ticks:       p.ticks.Load(),
		FailedReads: p.failedReads.Load(),
		LastErrors:  int(p.lastErrors.Load()),
	}
	if ts := p.lastTick.Load(); ts != 0 {
		s.LastTick = time.Unix(0, ts)
	}
	return s
}

func (p *Poller) loop(ctx context.Context, r *run) {
	defer close(r.done)
	defer func() {
		p.mu.Lock()
		if p.current == r {
			p.current = nil
			p.last = r
		}
		p.mu.Unlock()
	}()

	for {
		if !p.tick(ctx, r.stop) {
			return
		}

		timer := time.NewTimer(p.cfg.Interval)
		select {
		case <-r.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// tick reads all four quantities and publishes a snapshot. It returns false
// if the loop was asked to stop part way through.
func (p *Poller) tick(ctx context.Context, stop <-chan struct{}) bool {
	prev := p.Data()
	next := prev
	next.Errors = 0

	reads := []struct {
		name string
		read func() error
	}{
		{"forward_power", func() error {
			v, err := p.source.ForwardPower(ctx)
			if err == nil {
				next.ForwardPower = v
			}
			return err
		}},
		{"reflected_power", func() error {
			v, err := p.source.ReflectedPower(ctx)
			if err == nil {
				next.ReflectedPower = v
			}
			return err
		}},
		{"absorbed_power", func() error {
			v, err := p.source.AbsorbedPower(ctx)
			if err == nil {
				next.AbsorbedPower = v
			}
			return err
		}},
		{"frequency", func() error {
			v, err := p.source.Frequency(ctx)
			if err == nil {
				next.FrequencyMHz = v
			}
			return err
		}},
	}

	for _, rd := range reads {
		select {
		case <-stop:
			return false
		case <-ctx.Done():
			return false
		default:
		}
		if err := rd.read(); err != nil {
			next.Errors++
			p.failedReads.Add(1)
			p.logWarn("telemetry read failed", "quantity", rd.name, "error", err)
		}
	}

	next.Timestamp = time.Now()
	p.snapshot.Store(&next)
	p.ticks.Add(1)
	p.lastTick.Store(next.Timestamp.UnixNano())
	p.lastErrors.Store(int64(next.Errors))

	p.notify(next)
	return true
}

func (p *Poller) notify(s Snapshot) {
	p.sinksMu.RLock()
	sinks := make([]Sink, len(p.sinks))
	copy(sinks, p.sinks)
	p.sinksMu.RUnlock()

	for _, sink := range sinks {
		p.deliver(sink, s)
	}
}

// deliver calls one sink, recovering a panic so a faulty sink cannot kill
// the loop.
func (p *Poller) deliver(sink Sink, s Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			p.logError("snapshot sink panicked", "panic", r)
		}
	}()
	sink.HandleSnapshot(s)
}

func (p *Poller) logWarn(msg string, keysAndValues ...any) {
	p.loggerMu.RLock()
	logger := p.logger
	p.loggerMu.RUnlock()
	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (p *Poller) logError(msg string, keysAndValues ...any) {
	p.loggerMu.RLock()
	logger := p.logger
	p.loggerMu.RUnlock()
	if logger != nil {
		logger.Error(msg, keysAndValues...)
	}
}
