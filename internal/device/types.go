package device

import "time"

// Device represents a Tasmota device known to TasmoLink.
// This matches the database schema in migrations/20260215_100000_create_devices.up.sql.
type Device struct {
	// Identity
	ID   string `json:"id"`
	Name string `json:"name"`

	// Profile classifies what kind of device this is (single relay,
	// dimmable light, sensor, ...). It determines which commands the
	// device accepts.
	Profile Profile `json:"profile"`

	// Settings holds the MQTT addressing and hardware details captured
	// at discovery time.
	Settings Settings `json:"settings"`

	// Capabilities and per-capability presentation options.
	Capabilities      []Capability                    `json:"capabilities"`
	CapabilityOptions map[Capability]CapabilityOption `json:"capability_options,omitempty"`

	// Current state: last known value per capability.
	State State `json:"state"`

	// Availability lifecycle state.
	Availability Availability `json:"availability"`
	LastSeen     *time.Time   `json:"last_seen,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Settings holds the addressing and hardware details of a Tasmota device.
// Synthesised from the device's Status 0 response during discovery.
type Settings struct {
	// MQTTTopic is the device's topic token (the Topic setting on the
	// device, e.g. "kitchen_plug").
	MQTTTopic string `json:"mqtt_topic"`

	// SwapPrefixTopic is true when the device's FullTopic places the
	// topic before the prefix (%topic%/%prefix%/ instead of the default
	// %prefix%/%topic%/).
	SwapPrefixTopic bool `json:"swap_prefix_topic"`

	// RelayCount is the number of relays reported by the device.
	RelayCount int `json:"relay_count"`

	// Module is the Tasmota module/hardware name (e.g. "Sonoff Basic").
	Module string `json:"module,omitempty"`

	// FirmwareVersion is the Tasmota firmware version string.
	FirmwareVersion string `json:"firmware_version,omitempty"`

	// Network details from StatusNET.
	IPAddress  string `json:"ip_address,omitempty"`
	MACAddress string `json:"mac_address,omitempty"`

	// ZigbeeShortAddr is set for devices paired through a Zigbee bridge
	// (e.g. "0x4A3B"). Empty for wired devices.
	ZigbeeShortAddr string `json:"zigbee_short_addr,omitempty"`

	// PollIntervalMinutes overrides the bridge's status poll cadence for
	// this device. Zero keeps the bridge default.
	PollIntervalMinutes int `json:"poll_interval_minutes,omitempty"`

	// AnswerTimeoutSeconds overrides the bridge's answer window for this
	// device. Zero keeps the bridge default.
	AnswerTimeoutSeconds int `json:"answer_timeout_seconds,omitempty"`
}

// CapabilityOption holds presentation details for a capability, derived
// from the telemetry template that matched during classification.
type CapabilityOption struct {
	// Caption is the human-readable label (e.g. "Temperature (SI7021)").
	Caption string `json:"caption,omitempty"`

	// Units is the display unit (e.g. "°C", "W", "%").
	Units string `json:"units,omitempty"`
}

// State holds the last known capability values as a JSON map.
//
// Examples:
//   - Plug: {"onoff": true, "measure_power": 23.5}
//   - Sensor: {"measure_temperature": 21.5, "measure_humidity": 48.2}
type State map[string]any

// DeepCopy creates a complete independent copy of the Device.
// All map and slice fields are cloned so modifications to the copy
// do not affect the original. This is essential for cache isolation.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d // Shallow copy of value fields (Settings has only scalars)

	cpy.State = deepCopyMap(d.State)

	if d.Capabilities != nil {
		cpy.Capabilities = make([]Capability, len(d.Capabilities))
		copy(cpy.Capabilities, d.Capabilities)
	}

	if d.CapabilityOptions != nil {
		cpy.CapabilityOptions = make(map[Capability]CapabilityOption, len(d.CapabilityOptions))
		for k, v := range d.CapabilityOptions {
			cpy.CapabilityOptions[k] = v
		}
	}

	if d.LastSeen != nil {
		seen := *d.LastSeen
		cpy.LastSeen = &seen
	}

	return &cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		// Primitives (string, bool, int, float64, etc.) are safe to copy by value
		return v
	}
}

// Profile classifies a device by what it fundamentally is.
// The profile determines the command surface: a single relay takes
// on/off, a dimmable light additionally takes a level, and so on.
type Profile string

// Profile constants.
const (
	ProfileSingleRelay   Profile = "single_relay"
	ProfileMultiRelay    Profile = "multi_relay"
	ProfileDimmableLight Profile = "dimmable_light"
	ProfileColorLight    Profile = "color_light"
	ProfileFanController Profile = "fan_controller"
	ProfileShutter       Profile = "shutter"
	ProfileGenericSensor Profile = "generic_sensor"
	ProfileZigbeeBridge  Profile = "zigbee_bridge"
)

// AllProfiles returns all valid profile values.
func AllProfiles() []Profile {
	return []Profile{
		ProfileSingleRelay, ProfileMultiRelay, ProfileDimmableLight,
		ProfileColorLight, ProfileFanController, ProfileShutter,
		ProfileGenericSensor, ProfileZigbeeBridge,
	}
}

// Availability represents where a device is in its lifecycle.
//
// Transitions:
//
//	init -> available       (all relay states observed)
//	available <-> unavailable (answer deadline missed / message received)
type Availability string

// Availability constants.
const (
	// AvailabilityInit is the state of a freshly added device that has
	// not yet reported all of its relay states.
	AvailabilityInit Availability = "init"

	// AvailabilityAvailable means the device is responding.
	AvailabilityAvailable Availability = "available"

	// AvailabilityUnavailable means the device missed its answer deadline
	// or published an LWT Offline message.
	AvailabilityUnavailable Availability = "unavailable"
)

// AllAvailabilities returns all valid availability values.
func AllAvailabilities() []Availability {
	return []Availability{
		AvailabilityInit, AvailabilityAvailable, AvailabilityUnavailable,
	}
}

// Capability represents a single controllable or observable aspect of a
// device. Multi-channel devices use dotted sub-capabilities ("onoff.2"
// for relay 2).
type Capability string

// Control capabilities.
const (
	CapOnOff               Capability = "onoff"
	CapDim                 Capability = "dim"
	CapLightTemperature    Capability = "light_temperature"
	CapLightHue            Capability = "light_hue"
	CapLightSaturation     Capability = "light_saturation"
	CapFanSpeed            Capability = "fan_speed"
	CapWindowCoveringSet   Capability = "windowcoverings_set"
	CapWindowCoveringState Capability = "windowcoverings_state"
)

// Measurement capabilities.
const (
	CapMeasureTemperature    Capability = "measure_temperature"
	CapMeasureHumidity       Capability = "measure_humidity"
	CapMeasurePressure       Capability = "measure_pressure"
	CapMeasurePower          Capability = "measure_power"
	CapMeasurePowerFactor    Capability = "measure_power_factor"
	CapMeasureApparentPower  Capability = "measure_apparent_power"
	CapMeasureReactivePower  Capability = "measure_power_reactive"
	CapMeterPower            Capability = "meter_power"
	CapMeterEnergyToday      Capability = "meter_energy_today"
	CapMeterEnergyYesterday  Capability = "meter_energy_yesterday"
	CapMeasureVoltage        Capability = "measure_voltage"
	CapMeasureCurrent        Capability = "measure_current"
	CapMeasureFrequency      Capability = "measure_frequency"
	CapMeasureLuminance      Capability = "measure_luminance"
	CapMeasureCO2            Capability = "measure_co2"
	CapMeasureTVOC           Capability = "measure_tvoc"
	CapMeasureParticulates   Capability = "measure_particulate_matter"
	CapMeasureUltraviolet    Capability = "measure_ultraviolet"
	CapMeasureAnalog         Capability = "measure_analog"
	CapMeasureBattery        Capability = "measure_battery"
	CapMeasureSignalStrength Capability = "measure_signal_strength"
	CapSensorSwitch          Capability = "sensor_switch"
	CapSensorCounter         Capability = "sensor_counter"
)

// Alarm capabilities.
const (
	CapAlarmMotion  Capability = "alarm_motion"
	CapAlarmContact Capability = "alarm_contact"
	CapAlarmWater   Capability = "alarm_water"
	CapAlarmSmoke   Capability = "alarm_smoke"
)

// AllCapabilities returns all valid base capability values.
// Sub-capabilities ("onoff.2") validate against their base.
func AllCapabilities() []Capability {
	return []Capability{
		// Control
		CapOnOff, CapDim, CapLightTemperature, CapLightHue,
		CapLightSaturation, CapFanSpeed, CapWindowCoveringSet,
		CapWindowCoveringState,
		// Measurement
		CapMeasureTemperature, CapMeasureHumidity, CapMeasurePressure,
		CapMeasurePower, CapMeasurePowerFactor, CapMeasureApparentPower,
		CapMeasureReactivePower, CapMeterPower, CapMeterEnergyToday,
		CapMeterEnergyYesterday, CapMeasureVoltage, CapMeasureCurrent,
		CapMeasureFrequency, CapMeasureLuminance, CapMeasureCO2,
		CapMeasureTVOC, CapMeasureParticulates, CapMeasureUltraviolet,
		CapMeasureAnalog, CapMeasureBattery, CapMeasureSignalStrength,
		CapSensorSwitch, CapSensorCounter,
		// Alarm
		CapAlarmMotion, CapAlarmContact, CapAlarmWater, CapAlarmSmoke,
	}
}

// Base returns the base capability for a possibly dotted sub-capability.
// "onoff.2" -> "onoff"; "measure_temperature" -> "measure_temperature".
func (c Capability) Base() Capability {
	for i := 0; i < len(c); i++ {
		if c[i] == '.' {
			return c[:i]
		}
	}
	return c
}
