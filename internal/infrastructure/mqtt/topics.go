package mqtt

import "fmt"

// Topic prefixes for the test stand hierarchy.
const (
	// TopicPrefix is the root of every test stand topic.
	TopicPrefix = "teststand"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "teststand/system"
)

// Topics provides builders for test stand MQTT topics.
// Using these helpers keeps topic naming consistent across publishers
// and the dashboards that subscribe to them.
//
//	topic := mqtt.Topics{}.RFTelemetry("bench-a")
//	// Returns: "teststand/telemetry/rf/bench-a"
type Topics struct{}

// RFTelemetry returns the topic carrying RF generator snapshots for a site.
//
// Example: teststand/telemetry/rf/bench-a
func (Topics) RFTelemetry(site string) string {
	return fmt.Sprintf("%s/telemetry/rf/%s", TopicPrefix, site)
}

// Health returns the retained health topic for one component.
//
// Example: teststand/health/rf_generator
func (Topics) Health(component string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, component)
}

// SystemStatus returns the online/offline status topic used for the LWT.
//
// Example: teststand/system/status
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// AllTelemetry returns a wildcard matching every telemetry topic.
func (Topics) AllTelemetry() string {
	return TopicPrefix + "/telemetry/#"
}

// AllHealth returns a wildcard matching every health topic.
func (Topics) AllHealth() string {
	return TopicPrefix + "/health/+"
}
