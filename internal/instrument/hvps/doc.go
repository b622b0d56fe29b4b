// Package hvps implements the command protocol of the multi-channel
// high-voltage power supply and the Supply facade that owns its link.
//
// Commands are newline-terminated ASCII sent over TCP. Channel-qualified
// commands embed a two-letter channel token:
//
//	STEXT-00050     set EX voltage (signed, 5 digits)
//	RDL1V / RDL1C   read L1 voltage / current
//	STSLT001.50     set solenoid current (A, two decimals)
//	STL2WE1A120     enable L2 wobble, amplitude 120
//	STHV1 / STHV0   high voltage on / off
//
// The supply rejects commands with a NAK code; see CheckReply.
package hvps
