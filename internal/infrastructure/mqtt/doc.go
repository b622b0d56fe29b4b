// Package mqtt provides the MQTT publisher used for test stand telemetry.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Topics
//
//	teststand/telemetry/rf/{site}   RF snapshots, one per poll tick
//	teststand/health/{component}    retained component health
//	teststand/system/status         retained online/offline, also the LWT
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.PublishJSON(mqtt.Topics{}.RFTelemetry("bench-a"), snapshot, false)
package mqtt
