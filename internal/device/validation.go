package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Validation constants.
const (
	maxNameLength = 100

	// maxCapabilities bounds the capability list. The largest real
	// devices (8-relay boards with sensors) stay well under this.
	maxCapabilities = 50

	// maxStateKeys bounds the state map to prevent a misbehaving device
	// flooding the registry with keys.
	maxStateKeys = 100
)

// Pre-computed validation sets for O(1) lookups.
var (
	validProfiles       map[Profile]struct{}
	validCapabilities   map[Capability]struct{}
	validAvailabilities map[Availability]struct{}
)

func init() {
	validProfiles = make(map[Profile]struct{}, len(AllProfiles()))
	for _, p := range AllProfiles() {
		validProfiles[p] = struct{}{}
	}

	validCapabilities = make(map[Capability]struct{}, len(AllCapabilities()))
	for _, c := range AllCapabilities() {
		validCapabilities[c] = struct{}{}
	}

	validAvailabilities = make(map[Availability]struct{}, len(AllAvailabilities()))
	for _, a := range AllAvailabilities() {
		validAvailabilities[a] = struct{}{}
	}
}

// ValidateDevice performs comprehensive validation on a device.
// Returns an error describing the first validation failure found.
func ValidateDevice(d *Device) error {
	if d == nil {
		return ErrInvalidDevice
	}

	if err := ValidateName(d.Name); err != nil {
		return err
	}

	if _, ok := validProfiles[d.Profile]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidProfile, d.Profile)
	}

	if _, ok := validAvailabilities[d.Availability]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidAvailability, d.Availability)
	}

	if err := ValidateSettings(d.Settings); err != nil {
		return err
	}

	if len(d.Capabilities) > maxCapabilities {
		return fmt.Errorf("%w: too many capabilities (%d)", ErrInvalidDevice, len(d.Capabilities))
	}
	for _, c := range d.Capabilities {
		if err := ValidateCapability(c); err != nil {
			return err
		}
	}

	if len(d.State) > maxStateKeys {
		return fmt.Errorf("%w: too many state keys (%d)", ErrInvalidDevice, len(d.State))
	}

	return nil
}

// ValidateName checks a device name is non-empty and within length limits.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

// ValidateSettings checks the required addressing fields are present.
func ValidateSettings(s Settings) error {
	if s.MQTTTopic == "" {
		return fmt.Errorf("%w: mqtt_topic is empty", ErrInvalidSettings)
	}
	if strings.ContainsAny(s.MQTTTopic, "+#/") {
		return fmt.Errorf("%w: mqtt_topic %q contains reserved characters", ErrInvalidSettings, s.MQTTTopic)
	}
	if s.RelayCount < 0 {
		return fmt.Errorf("%w: negative relay_count", ErrInvalidSettings)
	}
	if s.PollIntervalMinutes < 0 {
		return fmt.Errorf("%w: negative poll_interval_minutes", ErrInvalidSettings)
	}
	if s.AnswerTimeoutSeconds < 0 {
		return fmt.Errorf("%w: negative answer_timeout_seconds", ErrInvalidSettings)
	}
	return nil
}

// ValidateCapability checks a capability identifier.
// Dotted sub-capabilities validate their base against the known set; the
// suffix may be a relay channel ("onoff.2") or a sensor qualifier assigned
// during discovery ("measure_temperature.AM2301",
// "measure_pressure.see_level.BMP280"). Every suffix segment must be
// non-empty.
func ValidateCapability(c Capability) error {
	base, suffix, dotted := strings.Cut(string(c), ".")
	if _, ok := validCapabilities[Capability(base)]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidCapability, c)
	}
	if dotted {
		for _, seg := range strings.Split(suffix, ".") {
			if seg == "" {
				return fmt.Errorf("%w: %q has an empty suffix segment", ErrInvalidCapability, c)
			}
		}
	}
	return nil
}

// GenerateID creates a new UUID for a device.
func GenerateID() string {
	return uuid.New().String()
}
