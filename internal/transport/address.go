package transport

import (
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"
)

// Kind identifies the physical link type behind an address.
type Kind string

const (
	// KindSerial is a local serial device.
	KindSerial Kind = "serial"

	// KindTCP is a raw TCP socket.
	KindTCP Kind = "tcp"
)

// Address is a parsed instrument resource.
type Address struct {
	Kind Kind

	// Target is the serial device path (KindSerial) or host:port (KindTCP).
	Target string
}

// String returns the dialable target.
func (a Address) String() string {
	return string(a.Kind) + "://" + a.Target
}

// ParseAddress maps an instrument resource string to a link.
//
// Accepted forms:
//   - "ASRL3::INSTR" → serial port 3 (COM3 on Windows, /dev/ttyS3 elsewhere)
//   - "ASRL/dev/ttyUSB0::INSTR" → serial device /dev/ttyUSB0
//   - "COM3", "/dev/ttyUSB0" → serial device as given
//   - "TCPIP::192.168.1.20::4001::SOCKET" or "TCPIP0::host::port::SOCKET" → TCP
//   - "192.168.1.20:4001" → TCP
func ParseAddress(resource string) (Address, error) {
	s := strings.TrimSpace(resource)
	if s == "" {
		return Address{}, fmt.Errorf("%w: empty resource", ErrInvalidAddress)
	}
	upper := strings.ToUpper(s)

	switch {
	case strings.HasPrefix(upper, "ASRL"):
		if !strings.HasSuffix(upper, "::INSTR") || len(s) <= len("ASRL::INSTR") {
			return Address{}, fmt.Errorf("%w: %q (expected ASRL<port>::INSTR)", ErrInvalidAddress, resource)
		}
		body := s[len("ASRL") : len(s)-len("::INSTR")]
		return Address{Kind: KindSerial, Target: serialDevice(body)}, nil

	case strings.HasPrefix(upper, "TCPIP"):
		parts := strings.Split(s, "::")
		if len(parts) != 4 || !strings.EqualFold(parts[3], "SOCKET") {
			return Address{}, fmt.Errorf("%w: %q (expected TCPIP::<host>::<port>::SOCKET)", ErrInvalidAddress, resource)
		}
		if err := validatePort(parts[2]); err != nil {
			return Address{}, fmt.Errorf("%w: %q: %w", ErrInvalidAddress, resource, err)
		}
		return Address{Kind: KindTCP, Target: net.JoinHostPort(parts[1], parts[2])}, nil

	case strings.HasPrefix(upper, "COM"), strings.HasPrefix(s, "/"):
		return Address{Kind: KindSerial, Target: s}, nil
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil || host == "" {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, resource)
	}
	if err := validatePort(port); err != nil {
		return Address{}, fmt.Errorf("%w: %q: %w", ErrInvalidAddress, resource, err)
	}
	return Address{Kind: KindTCP, Target: s}, nil
}

// serialDevice turns the body of an ASRL resource into an OS device name.
// A bare port number follows the VISA numbering convention.
func serialDevice(body string) string {
	if _, err := strconv.Atoi(body); err != nil {
		return body
	}
	if runtime.GOOS == "windows" {
		return "COM" + body
	}
	return "/dev/ttyS" + body
}

func validatePort(p string) error {
	n, err := strconv.Atoi(p)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("port %q out of range", p)
	}
	return nil
}
