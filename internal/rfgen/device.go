package rfgen

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nerrad567/teststand-core/internal/instrument/vrg"
	"github.com/nerrad567/teststand-core/internal/transport"
)

// DeviceType identifies a generator protocol.
type DeviceType string

// DeviceVRG is the VRG RF generator.
const DeviceVRG DeviceType = "VRG"

// Device is the command set a generator driver implements.
type Device interface {
	LoadTuneRange(ctx context.Context) (vrg.TuneRange, error)
	TuneRange() vrg.TuneRange
	Ping(ctx context.Context) (string, error)

	ReadFrequency(ctx context.Context) (float64, error)
	ReadPowerSetting(ctx context.Context) (int, error)
	ReadForwardPower(ctx context.Context) (int, error)
	ReadReflectedPower(ctx context.Context) (int, error)
	ReadAbsorbedPower(ctx context.Context) (float64, error)
	ReadFactoryInfo(ctx context.Context) (vrg.FactoryInfo, error)

	SetFrequency(ctx context.Context, mhz float64) error
	SetPower(ctx context.Context, watts int) error
	SetPowerMode(ctx context.Context, mode vrg.PowerMode) error
	EnableRF(ctx context.Context) error
	DisableRF(ctx context.Context) error
	Autotune(ctx context.Context) error
	NarrowAutotune(ctx context.Context) error

	Close() error
}

// Ensure the VRG codec implements Device.
var _ Device = (*vrg.Codec)(nil)

// drivers maps each supported device type to its protocol driver.
var drivers = map[DeviceType]func(transport.Port) Device{
	DeviceVRG: func(p transport.Port) Device { return vrg.NewCodec(p) },
}

// ParseDeviceType validates a device tag. Matching is case-insensitive.
func ParseDeviceType(tag string) (DeviceType, error) {
	t := DeviceType(strings.ToUpper(strings.TrimSpace(tag)))
	if _, ok := drivers[t]; !ok {
		return "", fmt.Errorf("%w: %q (accepted: %s)", ErrUnknownDevice, tag, strings.Join(SupportedDevices(), ", "))
	}
	return t, nil
}

// SupportedDevices lists the accepted device tags.
func SupportedDevices() []string {
	out := make([]string, 0, len(drivers))
	for t := range drivers {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}
