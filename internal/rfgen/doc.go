// Package rfgen provides Generator, the facade that owns the link to an RF
// power generator.
//
// A Generator is the only component that talks to the generator. Every
// operation holds the facade lock for exactly one request/reply exchange,
// so the telemetry poller and control requests can share one Generator
// without interleaving frames on the wire. Getters refresh a cached
// DeviceState that callers can read without touching the device.
//
// The protocol driver is chosen from a closed set of device types at
// construction; unknown types fail with ErrUnknownDevice.
package rfgen
