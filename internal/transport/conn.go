package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// Default link parameters.
const (
	// DefaultTimeout bounds a single reply read.
	DefaultTimeout = 2 * time.Second

	// DefaultConnectTimeout bounds TCP dialing.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultBaudRate is used for serial links when none is configured.
	DefaultBaudRate = 9600

	// serialPollInterval is the read timeout programmed into the serial
	// driver. ReadLine loops over short driver reads until its own deadline.
	serialPollInterval = 100 * time.Millisecond

	// readChunkSize is the buffer size for a single read from the link.
	readChunkSize = 256

	// maxLineLength guards against a peer that never sends a terminator.
	maxLineLength = 4096
)

// Port is a line-framed, half-duplex instrument link.
type Port interface {
	// WriteLine sends line followed by a newline (added only if absent).
	WriteLine(ctx context.Context, line string) error

	// WriteRaw sends p as-is, with no framing.
	WriteRaw(ctx context.Context, p []byte) error

	// ReadLine returns the next newline-terminated line with the
	// terminator (and any carriage return) removed.
	ReadLine(ctx context.Context) (string, error)

	// Close releases the link. Further operations return ErrClosed.
	Close() error
}

// Config holds link configuration.
type Config struct {
	// Address is an instrument resource string. See ParseAddress.
	Address string

	// Timeout bounds each ReadLine. Default: 2 seconds.
	Timeout time.Duration

	// ConnectTimeout bounds TCP dialing. Default: 5 seconds.
	ConnectTimeout time.Duration

	// BaudRate for serial links. Default: 9600 (8N1).
	BaudRate int
}

// Ensure Conn implements Port.
var _ Port = (*Conn)(nil)

// Conn is a Port over a serial device or TCP socket.
type Conn struct {
	addr    Address
	rw      io.ReadWriteCloser
	timeout time.Duration

	// setReadDeadline/setWriteDeadline are nil for serial links, where the
	// driver enforces a per-read timeout instead.
	setReadDeadline  func(time.Time) error
	setWriteDeadline func(time.Time) error

	// flushInput discards bytes buffered by the OS before a new command is
	// written. Nil when the link cannot do this.
	flushInput func() error

	// redial replaces a TCP socket that may still hold a late reply.
	// Nil for serial links and wrapped streams, which are drained instead.
	redial func(ctx context.Context) (net.Conn, error)

	// stale is set when a read ended without a complete reply. The peer
	// may still answer, so the next write resynchronises first.
	stale bool

	// mu guards rw against Close while a redial swaps the socket.
	mu      sync.Mutex
	pending []byte
	closed  atomic.Bool
}

// Open connects to cfg.Address, choosing the serial or TCP link from the
// resource string.
//
// Parameters:
//   - ctx: Context for cancellation (bounds TCP dialing)
//   - cfg: Link configuration
//
// Returns:
//   - *Conn: Open link ready for use
//   - error: Wraps ErrInvalidAddress or ErrConnectionFailed
func Open(ctx context.Context, cfg Config) (*Conn, error) {
	addr, err := ParseAddress(cfg.Address)
	if err != nil {
		return nil, err
	}
	cfg = withDefaults(cfg)

	switch addr.Kind {
	case KindSerial:
		return openSerial(addr, cfg)
	case KindTCP:
		return dialTCP(ctx, addr, cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported link %q", ErrInvalidAddress, addr.Kind)
	}
}

// NewConn wraps an already-open stream. Deadlines are applied when rw is a
// net.Conn; any other stream relies on its own read timeout.
func NewConn(rw io.ReadWriteCloser, timeout time.Duration) *Conn {
	c := &Conn{
		addr:    Address{Kind: KindTCP, Target: "stream"},
		rw:      rw,
		timeout: timeout,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if nc, ok := rw.(net.Conn); ok {
		c.addr.Target = nc.RemoteAddr().String()
		c.setReadDeadline = nc.SetReadDeadline
		c.setWriteDeadline = nc.SetWriteDeadline
	}
	return c
}

func withDefaults(cfg Config) Config {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	return cfg
}

func openSerial(addr Address, cfg Config) (*Conn, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(addr.Target, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrConnectionFailed, addr.Target, err)
	}
	if err := port.SetReadTimeout(serialPollInterval); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: set read timeout: %w", ErrConnectionFailed, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: reset input buffer: %w", ErrConnectionFailed, err)
	}

	return &Conn{
		addr:       addr,
		rw:         port,
		timeout:    cfg.Timeout,
		flushInput: port.ResetInputBuffer,
	}, nil
}

func dialTCP(ctx context.Context, addr Address, cfg Config) (*Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	redial := func(ctx context.Context) (net.Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		var dialer net.Dialer
		return dialer.DialContext(dialCtx, "tcp", addr.Target)
	}

	nc, err := redial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, addr.Target, err)
	}

	return &Conn{
		addr:             addr,
		rw:               nc,
		timeout:          cfg.Timeout,
		setReadDeadline:  nc.SetReadDeadline,
		setWriteDeadline: nc.SetWriteDeadline,
		redial:           redial,
	}, nil
}

// Address returns the link the Conn was opened on.
func (c *Conn) Address() Address {
	return c.addr
}

// WriteLine sends line terminated by a single newline.
func (c *Conn) WriteLine(ctx context.Context, line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	return c.WriteRaw(ctx, []byte(line))
}

// WriteRaw sends p without framing. Any unread input left over from a
// previous exchange is discarded first so the next ReadLine sees only the
// reply to this write. After a failed read the link is resynchronised
// before writing: TCP links reconnect, other links drain the late reply.
func (c *Conn) WriteRaw(ctx context.Context, p []byte) error {
	if err := c.check(ctx); err != nil {
		return err
	}

	if c.stale {
		if err := c.resync(ctx); err != nil {
			return err
		}
	}

	c.pending = c.pending[:0]
	if c.flushInput != nil {
		if err := c.flushInput(); err != nil {
			return fmt.Errorf("%w: flush input: %w", ErrConnectionFailed, err)
		}
	}

	if c.setWriteDeadline != nil {
		if err := c.setWriteDeadline(c.deadline(ctx)); err != nil {
			return fmt.Errorf("%w: set write deadline: %w", ErrConnectionFailed, err)
		}
	}

	if _, err := c.rw.Write(p); err != nil {
		return c.ioError("write", err)
	}
	return nil
}

// ReadLine reads one reply line. It returns an error wrapping ErrTimeout
// when no terminator arrives before the deadline (the sooner of the link
// timeout and ctx's deadline). A partial line is discarded on timeout.
func (c *Conn) ReadLine(ctx context.Context) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}

	deadline := c.deadline(ctx)
	if c.setReadDeadline != nil {
		if err := c.setReadDeadline(deadline); err != nil {
			return "", fmt.Errorf("%w: set read deadline: %w", ErrConnectionFailed, err)
		}
	}

	buf := make([]byte, readChunkSize)
	for {
		if i := bytes.IndexByte(c.pending, '\n'); i >= 0 {
			line := string(bytes.TrimRight(c.pending[:i], "\r"))
			c.pending = append(c.pending[:0], c.pending[i+1:]...)
			return line, nil
		}
		if len(c.pending) > maxLineLength {
			c.pending = c.pending[:0]
			c.stale = true
			return "", fmt.Errorf("%w: more than %d bytes without terminator", ErrFrameTooLong, maxLineLength)
		}
		if err := ctx.Err(); err != nil {
			c.pending = c.pending[:0]
			c.stale = true
			return "", fmt.Errorf("%w: %w", ErrTimeout, err)
		}

		n, err := c.rw.Read(buf)
		if n > 0 {
			c.pending = append(c.pending, buf[:n]...)
			continue
		}
		if err != nil {
			c.pending = c.pending[:0]
			c.stale = true
			return "", c.ioError("read", err)
		}

		// A serial driver returns (0, nil) when its read timeout elapses.
		if !time.Now().Before(deadline) {
			c.pending = c.pending[:0]
			c.stale = true
			return "", fmt.Errorf("%w: no reply from %s within %s", ErrTimeout, c.addr.Target, c.timeout)
		}
	}
}

// resync discards whatever a previous, timed-out exchange may still
// deliver. A dialed TCP link is replaced with a fresh socket; anything
// else is read until one late line arrives or the link timeout passes.
func (c *Conn) resync(ctx context.Context) error {
	if c.redial != nil {
		nc, err := c.redial(ctx)
		if err != nil {
			return fmt.Errorf("%w: redial %s: %w", ErrConnectionFailed, c.addr.Target, err)
		}

		c.mu.Lock()
		if c.closed.Load() {
			c.mu.Unlock()
			nc.Close() //nolint:errcheck // Link closed while redialing
			return ErrClosed
		}
		old := c.rw
		c.rw = nc
		c.setReadDeadline = nc.SetReadDeadline
		c.setWriteDeadline = nc.SetWriteDeadline
		c.mu.Unlock()

		old.Close() //nolint:errcheck // Stale socket is discarded
		c.stale = false
		return nil
	}

	if err := c.drain(); err != nil {
		return err
	}
	c.stale = false
	return nil
}

func (c *Conn) drain() error {
	deadline := time.Now().Add(c.timeout)
	if c.setReadDeadline != nil {
		if err := c.setReadDeadline(deadline); err != nil {
			return fmt.Errorf("%w: set read deadline: %w", ErrConnectionFailed, err)
		}
	}

	buf := make([]byte, readChunkSize)
	for time.Now().Before(deadline) {
		n, err := c.rw.Read(buf)
		if n > 0 && bytes.IndexByte(buf[:n], '\n') >= 0 {
			break
		}
		if err != nil {
			if ioErr := c.ioError("drain", err); !errors.Is(ioErr, ErrTimeout) {
				return ioErr
			}
			break
		}
	}

	if c.flushInput != nil {
		if err := c.flushInput(); err != nil {
			return fmt.Errorf("%w: flush input: %w", ErrConnectionFailed, err)
		}
	}
	return nil
}

// Close releases the link. It is safe to call more than once.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	rw := c.rw
	c.mu.Unlock()
	if rw == nil {
		return nil
	}
	if err := rw.Close(); err != nil {
		return fmt.Errorf("transport: close %s: %w", c.addr.Target, err)
	}
	return nil
}

func (c *Conn) check(ctx context.Context) error {
	if c == nil || c.rw == nil {
		return ErrNotConnected
	}
	if c.closed.Load() {
		return ErrClosed
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrTimeout, err)
		}
	}
	return nil
}

// deadline returns the sooner of now+timeout and ctx's deadline.
func (c *Conn) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.timeout)
	if ctx != nil {
		if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
			d = cd
		}
	}
	return d
}

func (c *Conn) ioError(op string, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %s %s: %w", ErrTimeout, op, c.addr.Target, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s %s: %w", ErrTimeout, op, c.addr.Target, err)
	}
	if c.closed.Load() || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %s %s", ErrClosed, op, c.addr.Target)
	}
	return fmt.Errorf("%w: %s %s: %w", ErrConnectionFailed, op, c.addr.Target, err)
}
