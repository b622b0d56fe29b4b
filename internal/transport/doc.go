// Package transport provides the byte-stream links used to talk to lab
// instruments: serial ports (USB/RS-232 adapters, VISA ASRL resources) and
// raw TCP sockets (terminal servers, Ethernet-attached supplies).
//
// Both link types are exposed as a *Conn that frames traffic as
// newline-terminated ASCII lines. Every read is bounded by a deadline, so a
// silent device surfaces as ErrTimeout instead of blocking forever.
//
// A Conn is not safe for concurrent use. Instrument facades own exactly one
// Conn and serialise access to it with their own lock.
package transport
