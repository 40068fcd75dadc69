package tasmota

import "strings"

// Tasmota topic prefixes.
const (
	PrefixCommand   = "cmnd"
	PrefixStatus    = "stat"
	PrefixTelemetry = "tele"
)

// Message kinds (the trailing topic segment).
const (
	KindState    = "STATE"
	KindSensor   = "SENSOR"
	KindResult   = "RESULT"
	KindLWT      = "LWT"
	KindStatus11 = "STATUS11"

	// KindPowerPrefix covers relay state echoes: POWER, POWER1, POWER2...
	KindPowerPrefix = "POWER"
)

// OfflinePayload is the LWT payload Tasmota publishes when a device drops
// off the broker.
const OfflinePayload = "Offline"

// Address is the decoded addressing of an inbound message.
//
// Tasmota supports two topic orderings: the default
// {prefix}/{deviceTopic}/{kind} and the swapped
// {deviceTopic}/{prefix}/{kind} (FullTopic = "%topic%/%prefix%/").
// Which ordering a device uses is discovered at pairing time and persisted
// in its settings.
type Address struct {
	// Prefix is "stat" or "tele".
	Prefix string

	// DeviceTopic is the device-identifying segment.
	DeviceTopic string

	// Kind is the final topic segment (STATE, SENSOR, RESULT, STATUS11,
	// LWT, POWER<n>...).
	Kind string

	// Swapped is true when the device topic preceded the prefix.
	Swapped bool
}

// ParseAddress splits an inbound topic and resolves which segment
// identifies the device. Returns false for topics that carry neither a
// stat nor a tele prefix in the first two segments; those are not Tasmota
// report topics and must be dropped.
func ParseAddress(topic string) (Address, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return Address{}, false
	}

	switch {
	case isReportPrefix(parts[0]):
		return Address{
			Prefix:      parts[0],
			DeviceTopic: parts[1],
			Kind:        parts[len(parts)-1],
		}, true
	case isReportPrefix(parts[1]):
		return Address{
			Prefix:      parts[1],
			DeviceTopic: parts[0],
			Kind:        parts[len(parts)-1],
			Swapped:     true,
		}, true
	}
	return Address{}, false
}

func isReportPrefix(s string) bool {
	return s == PrefixStatus || s == PrefixTelemetry
}

// CommandTopic builds the outbound command topic for a device, honouring
// its swapped-prefix setting.
func CommandTopic(deviceTopic string, swapped bool, command string) string {
	if swapped {
		return deviceTopic + "/" + PrefixCommand + "/" + command
	}
	return PrefixCommand + "/" + deviceTopic + "/" + command
}

// SubscriptionFilters returns the wildcard filters the bridge subscribes
// to. Both topic orderings are covered for both report prefixes.
func SubscriptionFilters() []string {
	return []string{
		PrefixStatus + "/#",
		PrefixTelemetry + "/#",
		"+/" + PrefixStatus + "/#",
		"+/" + PrefixTelemetry + "/#",
	}
}

// Broadcast is one outbound discovery request.
type Broadcast struct {
	Topic   string
	Payload string
}

// DiscoveryBroadcasts returns the status requests sent at the start of a
// pairing session. Tasmota firmware responds to the group topics "sonoffs"
// (legacy) and "tasmotas"; both orderings are requested so devices with
// swapped prefixes answer too. Payload "0" requests the full status dump.
func DiscoveryBroadcasts() []Broadcast {
	return []Broadcast{
		{Topic: PrefixCommand + "/sonoffs/Status", Payload: "0"},
		{Topic: PrefixCommand + "/tasmotas/Status", Payload: "0"},
		{Topic: "sonoffs/" + PrefixCommand + "/Status", Payload: "0"},
		{Topic: "tasmotas/" + PrefixCommand + "/Status", Payload: "0"},
	}
}
