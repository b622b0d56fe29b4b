// Package vrg implements the command protocol of the VRG RF power generator.
//
// The generator speaks newline-terminated ASCII. Each command is a
// two-letter mnemonic optionally followed by a fixed-width, zero-padded
// numeric field, and every reply echoes the mnemonic:
//
//	→ RQ          ← RQ40650       (frequency, kHz)
//	→ RF          ← RF0800        (forward power, W)
//	→ RB          ← RB0000.1      (absorbed power, W)
//	→ SP0800      ← SP0800        (set power, W)
//	→ SF40650     ← SF40650       (set frequency, kHz)
//
// The protocol is strictly half-duplex: every write is followed by exactly
// one read before the next command. A Codec does no locking of its own; the
// owning facade serialises access.
//
// Simulator is an in-memory transport.Port that answers this protocol. It
// backs simulation mode and the package tests.
package vrg
