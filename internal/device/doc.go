// Package device defines the device domain model and registry for TasmoLink.
//
// A Device is a Tasmota unit on the MQTT bus: its addressing settings,
// profile, capabilities, last known state, and availability. Devices are
// created by discovery (or manually through the API), persisted in SQLite,
// and resolved by the bridge on every inbound message.
//
// # Architecture
//
// Three layers, from bottom up:
//
//	Repository        - persistence interface
//	SQLiteRepository  - SQLite implementation (JSON columns for settings/state)
//	Registry          - cached facade used by the bridge and API
//
// The Registry keeps a full in-memory cache keyed by ID and by MQTT topic,
// refreshed at startup. Topic lookups happen on every inbound message and
// never hit the database once the cache is warm.
//
// # Cache Isolation
//
// Every device handed out by the Registry is a deep copy. Callers can
// mutate returned devices freely; only CreateDevice/UpdateDevice/
// SetDeviceState/SetAvailability write back.
//
// # Profiles and Capabilities
//
// A Profile says what a device fundamentally is (single_relay,
// dimmable_light, ...) and determines its command surface. Capabilities
// are the individual controllable or observable aspects ("onoff",
// "measure_temperature"); multi-channel devices use dotted
// sub-capabilities ("onoff.2" for relay 2).
package device
