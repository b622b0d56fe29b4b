package transport

import "errors"

// Domain errors for the transport package.
var (
	// ErrNotConnected is returned when an operation is attempted on a link
	// that was never opened.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrConnectionFailed is returned when opening a link fails or when an
	// established link reports an I/O error.
	ErrConnectionFailed = errors.New("transport: connection failed")

	// ErrTimeout is returned when no complete reply arrives before the read
	// deadline.
	ErrTimeout = errors.New("transport: operation timed out")

	// ErrClosed is returned when an operation is attempted after Close.
	ErrClosed = errors.New("transport: connection closed")

	// ErrInvalidAddress is returned when a resource string cannot be mapped
	// to a serial device or a TCP endpoint.
	ErrInvalidAddress = errors.New("transport: invalid address")

	// ErrFrameTooLong is returned when the peer sends more than
	// maxLineLength bytes without a line terminator.
	ErrFrameTooLong = errors.New("transport: frame too long")
)
