// Package telemetry fans acquisition snapshots and component health out
// over MQTT.
//
// The SnapshotPublisher is registered as a sink on the acquisition poller
// and publishes each snapshot to teststand/telemetry/rf/{site}. One
// HealthReporter per component publishes a retained status every 30 s to
// teststand/health/{component}.
//
// Snapshots are not stored: subscribers that need history record it
// themselves.
package telemetry
