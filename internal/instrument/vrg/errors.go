package vrg

import "errors"

// Domain errors for the VRG protocol.
var (
	// ErrOutOfRange is returned when a setpoint lies outside the limits the
	// generator declares. Nothing is written to the link.
	ErrOutOfRange = errors.New("vrg: value out of range")

	// ErrInvalidValue is returned for setpoints that are not finite numbers.
	ErrInvalidValue = errors.New("vrg: invalid value")

	// ErrMalformedReply is returned when a reply cannot be parsed.
	ErrMalformedReply = errors.New("vrg: malformed reply")

	// ErrNoReply is returned when the generator does not answer in time.
	// It always wraps transport.ErrTimeout as well.
	ErrNoReply = errors.New("vrg: no reply")
)
