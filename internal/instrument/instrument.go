// Package instrument holds the hooks shared by the instrument facades.
//
// Facades log through Logger and report every request/reply exchange to an
// Observer. Both are optional; the zero configuration discards everything.
package instrument

import "time"

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Observer receives one call per completed exchange.
//
// device is the device kind ("VRG", "HVPS"), command a stable operation
// name such as "set_power", err the outcome (nil on success).
type Observer interface {
	ObserveExchange(device, command string, elapsed time.Duration, err error)
}

// NopLogger discards all log output.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}

// NopObserver discards all observations.
type NopObserver struct{}

func (NopObserver) ObserveExchange(string, string, time.Duration, error) {}
