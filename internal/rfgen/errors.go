package rfgen

import "errors"

// Domain errors for the rfgen package.
var (
	// ErrUnknownDevice is returned when the device type tag is not in the
	// supported set.
	ErrUnknownDevice = errors.New("rfgen: unknown device type")
)
