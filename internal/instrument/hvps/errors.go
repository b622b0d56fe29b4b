package hvps

import (
	"errors"
	"fmt"
)

// Domain errors for the HVPS package.
var (
	// ErrInvalidChannel is returned when a channel is unknown, not
	// installed, or does not support the requested operation.
	ErrInvalidChannel = errors.New("hvps: invalid channel")

	// ErrInvalidParameter is returned when a voltage, current or amplitude
	// cannot be encoded. Nothing is written to the link.
	ErrInvalidParameter = errors.New("hvps: invalid parameter")

	// ErrNAK is wrapped by every *NAKError.
	ErrNAK = errors.New("hvps: command rejected")

	// ErrUnknownDevice is returned when the device kind tag is not one this
	// package supports.
	ErrUnknownDevice = errors.New("hvps: unknown device type")
)

// NAK reply codes and their meaning.
var nakReasons = map[string]string{
	"NAK":  "No Error",
	"NAK0": "No Error",
	"NAK1": "Invalid Command",
	"NAK2": "Invalid Parameter",
	"NAK3": "Session Expired",
	"NAK4": "Time Out",
}

// NAKError is a rejection reported by the supply.
type NAKError struct {
	Code   string
	Reason string
}

func (e *NAKError) Error() string {
	return fmt.Sprintf("hvps: %s: %s", e.Code, e.Reason)
}

// Unwrap returns ErrNAK so callers can match with errors.Is.
func (e *NAKError) Unwrap() error {
	return ErrNAK
}
