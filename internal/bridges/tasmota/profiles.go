package tasmota

import (
	"strconv"
	"strings"

	"github.com/tasmolink/tasmolink/internal/device"
)

// zigbeeBridgeModule is the Tasmota module number of the ZBBridge.
const zigbeeBridgeModule = 75

// BuildDescriptor folds a discovery candidate's accumulated status
// messages into a device record. Returns nil when the candidate cannot be
// identified (no MQTT client id) or when it offers no capability beyond
// the baseline signal-strength reading.
//
// messages maps status message kind ("Status", "StatusMQT", "StatusSNS",
// "StatusSTS", "StatusFWR"...) to the accumulated list of payloads
// received for that kind across request rounds; the first payload of each
// kind is authoritative.
func BuildDescriptor(deviceTopic string, swapped bool, messages map[string][]any, classifier *Classifier) *device.Device {
	statusMQT := firstObject(messages, "StatusMQT")
	if statusMQT == nil {
		return nil
	}
	id, ok := statusMQT["MqttClient"].(string)
	if !ok || id == "" {
		return nil
	}

	dev := &device.Device{
		ID:   id,
		Name: deviceTopic,
		Settings: device.Settings{
			MQTTTopic:       deviceTopic,
			SwapPrefixTopic: swapped,
		},
		Capabilities:      []device.Capability{device.CapMeasureSignalStrength},
		CapabilityOptions: make(map[device.Capability]device.CapabilityOption),
		Availability:      device.AvailabilityInit,
	}

	isZigbeeBridge := false
	if status := firstObject(messages, "Status"); status != nil {
		if name, ok := status["DeviceName"].(string); ok && name != "" {
			dev.Name = name
		} else if names, ok := status["FriendlyName"].([]any); ok && len(names) > 0 {
			if name, ok := names[0].(string); ok && name != "" {
				dev.Name = name
			}
		}
		if module, ok := toFloat(status["Module"]); ok && int(module) == zigbeeBridgeModule {
			isZigbeeBridge = true
		}
	}

	if fwr := firstObject(messages, "StatusFWR"); fwr != nil {
		if hw, ok := fwr["Hardware"].(string); ok {
			dev.Settings.Module = hw
		}
		if version, ok := fwr["Version"].(string); ok {
			dev.Settings.FirmwareVersion = version
		}
	}

	shutters, hasSensors := collectSensorCapabilities(dev, firstObject(messages, "StatusSNS"), classifier)

	sts := firstObject(messages, "StatusSTS")
	relays := 0
	if sts != nil && shutters == 0 {
		relays = countPowerKeys(sts)
		for i := 1; i <= relays; i++ {
			capID := device.Capability("onoff." + strconv.Itoa(i))
			dev.Capabilities = append(dev.Capabilities, capID)
			dev.CapabilityOptions[capID] = device.CapabilityOption{Caption: "Switch " + strconv.Itoa(i)}
		}
	}
	dev.Settings.RelayCount = relays

	hasDimmer, hasCT, hasColor, hasFan := false, false, false, false
	if sts != nil && relays == 1 {
		_, hasDimmer = sts["Dimmer"]
		_, hasCT = sts["CT"]
		_, hasColor = sts["HSBColor"]
		_, hasFan = sts["FanSpeed"]

		if hasDimmer {
			dev.Capabilities = append(dev.Capabilities, device.CapDim)
		}
		if hasCT {
			dev.Capabilities = append(dev.Capabilities, device.CapLightTemperature)
		}
		if hasColor {
			dev.Capabilities = append(dev.Capabilities, device.CapLightHue, device.CapLightSaturation)
		}
		if hasFan {
			dev.Capabilities = append(dev.Capabilities, device.CapFanSpeed)
		}
	}

	if shutters > 0 {
		// Only the first shutter is controllable.
		dev.Capabilities = append(dev.Capabilities,
			device.CapWindowCoveringState, device.CapWindowCoveringSet)
	}

	dev.Profile = selectProfile(profileSignals{
		zigbeeBridge: isZigbeeBridge,
		shutters:     shutters,
		relays:       relays,
		dimmer:       hasDimmer,
		color:        hasColor || hasCT,
		fan:          hasFan,
		sensors:      hasSensors,
	})

	// Candidates offering nothing beyond the baseline reading are noise:
	// some unrelated firmware answers the group status request too.
	if len(dev.Capabilities) <= 1 {
		return nil
	}
	return dev
}

// collectSensorCapabilities classifies every leaf of the StatusSNS
// payload and appends the recognized capabilities. Returns the number of
// shutter groups seen and whether any generic sensor matched.
func collectSensorCapabilities(dev *device.Device, sns map[string]any, classifier *Classifier) (shutters int, hasSensors bool) {
	if sns == nil {
		return 0, false
	}

	// A shutter reports several leaves (Position, Direction, Target...)
	// under one group; count groups, not leaves.
	shutterGroups := make(map[string]struct{})

	WalkLeaves(sns, func(path []string, _ any) {
		sensor := derivedSensor(path)
		cls := classifier.ClassifyFresh(TableWired, path, sensor)
		if cls == nil {
			if strings.HasPrefix(sensor, "Shutter") {
				shutterGroups[sensor] = struct{}{}
			}
			return
		}

		capID := device.Capability(strings.TrimSuffix(cls.Capability, "."))
		dev.Capabilities = append(dev.Capabilities, capID)
		opt := device.CapabilityOption{Caption: cls.Caption}
		if units := ResolveUnits(cls, sns); units != "" {
			opt.Units = units
		}
		dev.CapabilityOptions[capID] = opt
		hasSensors = true
	})

	return len(shutterGroups), hasSensors
}

// countPowerKeys counts relay state keys (POWER, POWER1, POWER2...) in a
// StatusSTS payload.
func countPowerKeys(sts map[string]any) int {
	count := 0
	for key := range sts {
		if strings.HasPrefix(key, "POWER") {
			count++
		}
	}
	return count
}

type profileSignals struct {
	zigbeeBridge bool
	shutters     int
	relays       int
	dimmer       bool
	color        bool
	fan          bool
	sensors      bool
}

// selectProfile picks the device profile from structural signals, most
// specific first.
func selectProfile(sig profileSignals) device.Profile {
	switch {
	case sig.zigbeeBridge:
		return device.ProfileZigbeeBridge
	case sig.shutters > 0:
		return device.ProfileShutter
	case sig.fan:
		return device.ProfileFanController
	case sig.color:
		return device.ProfileColorLight
	case sig.dimmer:
		return device.ProfileDimmableLight
	case sig.relays > 1:
		return device.ProfileMultiRelay
	case sig.relays == 1:
		return device.ProfileSingleRelay
	default:
		return device.ProfileGenericSensor
	}
}

// firstObject returns the first accumulated payload of a message kind
// when it is a JSON object.
func firstObject(messages map[string][]any, kind string) map[string]any {
	list, ok := messages[kind]
	if !ok || len(list) == 0 {
		return nil
	}
	obj, _ := list[0].(map[string]any)
	return obj
}

