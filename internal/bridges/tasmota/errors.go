package tasmota

import "errors"

// Sentinel errors for the tasmota bridge. Use errors.Is to check.
var (
	// ErrClientUnavailable indicates the MQTT client is not connected.
	// Discovery fails fast on this; regular polling simply skips the
	// request and lets the watchdog fire on schedule.
	ErrClientUnavailable = errors.New("mqtt client unavailable")

	// ErrNoTraffic indicates a discovery session ended without receiving
	// a single message on the status topics. Usually a broker or
	// firmware-configuration problem rather than an absence of devices.
	ErrNoTraffic = errors.New("no mqtt traffic received")

	// ErrNoNewDevices indicates a discovery session saw traffic but every
	// responding device is already registered (or produced no usable
	// capabilities).
	ErrNoNewDevices = errors.New("no new devices found")

	// ErrSessionActive indicates a discovery session is already running.
	// Only one session may run at a time.
	ErrSessionActive = errors.New("discovery session already active")

	// ErrSessionClosed indicates an operation on a finished or cancelled
	// discovery session.
	ErrSessionClosed = errors.New("discovery session closed")

	// ErrDeviceNotFound indicates a bridge operation referenced a device
	// the bridge is not managing.
	ErrDeviceNotFound = errors.New("device not managed by bridge")

	// ErrInvalidRelay indicates a relay command for a channel the device
	// does not have.
	ErrInvalidRelay = errors.New("invalid relay index")
)
