package mqtt

import "fmt"

// TopicPrefix is the root namespace for all topics TasmoLink publishes
// about itself. Tasmota device traffic (cmnd/stat/tele) lives outside this
// namespace and is handled by the bridge package.
const TopicPrefix = "tasmolink"

// Topics provides type-safe construction of TasmoLink's own topic namespace.
//
// Using this instead of string concatenation prevents typos and keeps the
// topic structure discoverable in one place.
//
// Topic structure:
//
//	tasmolink/system/status              - Service online/offline (retained, LWT)
//	tasmolink/device/{id}/state          - Last known capability values (retained)
//	tasmolink/device/{id}/availability   - available | unavailable (retained)
//	tasmolink/event/{type}               - Lifecycle events (device_added, ...)
//	tasmolink/discovery/status           - Discovery session progress
//
// Usage:
//
//	topic := mqtt.Topics{}.DeviceAvailability(dev.ID)
//	client.PublishRetained(topic, []byte("available"))
type Topics struct{}

// SystemStatus returns the service status topic.
// Carries the LWT and graceful shutdown messages.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// DeviceState returns the retained state topic for a device.
func (Topics) DeviceState(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/state", TopicPrefix, deviceID)
}

// DeviceAvailability returns the retained availability topic for a device.
func (Topics) DeviceAvailability(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/availability", TopicPrefix, deviceID)
}

// Event returns the topic for a service-level event type.
// Event types: device_added, device_available, device_unavailable,
// discovery_started, discovery_finished.
func (Topics) Event(eventType string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefix, eventType)
}

// DiscoveryStatus returns the discovery session progress topic.
func (Topics) DiscoveryStatus() string {
	return TopicPrefix + "/discovery/status"
}

// AllDeviceStates returns a wildcard pattern matching all device state topics.
func (Topics) AllDeviceStates() string {
	return TopicPrefix + "/device/+/state"
}

// AllDeviceAvailability returns a wildcard pattern matching all device
// availability topics.
func (Topics) AllDeviceAvailability() string {
	return TopicPrefix + "/device/+/availability"
}

// AllEvents returns a wildcard pattern matching all service events.
func (Topics) AllEvents() string {
	return TopicPrefix + "/event/+"
}
