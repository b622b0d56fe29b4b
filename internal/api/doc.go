// Package api provides the HTTP control and status API for the test stand.
//
// It exposes the RF generator, the HVPS, the acquisition poller and the
// command audit trail to operator tooling. Every instrument call goes
// through the device facades, so API requests and the poller share one
// serialised link per instrument.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
//
// # Routes
//
// All JSON routes live under /api/v1:
//   - GET  /health, /system/metrics, /telemetry
//   - GET  /rf, /rf/factory-info
//   - PUT  /rf/frequency, /rf/power, /rf/power-mode
//   - POST /rf/enable, /rf/disable, /rf/autotune
//   - GET  /hvps/state, /hvps/channels/{channel}/voltage, /hvps/channels/{channel}/current
//   - PUT  /hvps/channels/{channel}/voltage, /hvps/solenoid/current
//   - POST /hvps/high-voltage/{on|off}, /hvps/solenoid/{on|off}
//   - GET  /audit
//
// Prometheus exposition is served outside /api/v1 at the configured path.
//
// # Errors
//
// Failures use the Error envelope. Bad input (out-of-range setpoints,
// unknown channels, malformed voltage strings) is a 400 validation_error
// and never reaches the instrument. A command the HVPS rejects is a 502.
// A missing reply is a 504 and a closed link is a 503.
//
// # Auditing
//
// Every command route records an audit entry with its outcome and the
// request ID. Reads are not audited.
package api
