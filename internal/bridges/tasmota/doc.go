// Package tasmota bridges Tasmota-firmware devices on an MQTT broker into
// the TasmoLink device registry.
//
// The package is organised around a small set of cooperating pieces:
//
//   - Topic codec (topics.go): parses the Tasmota topic grammar, including
//     the swapped-prefix convention where the device token precedes the
//     stat/tele prefix, and builds outbound cmnd topics.
//   - Tree walker (walk.go): depth-first traversal of decoded JSON
//     telemetry, visiting every leaf with its full key path.
//   - Classifier (tables.go, classify.go): maps telemetry field paths to
//     typed capabilities via declarative template tables (one for wired
//     Tasmota sensors, one for Zigbee sensors bridged through a Tasmota
//     Zigbee gateway). Results are memoized per table and dotted path.
//   - Lifecycle (lifecycle.go): the per-device init/available/unavailable
//     state machine with answer-deadline watchdog and poll scheduling.
//   - Bridge (bridge.go): owns the MQTT subscriptions, routes inbound
//     messages to the owning device, applies classified values to the
//     registry, and runs the shared watchdog tick.
//   - Discovery (discovery.go, profiles.go): bounded pairing sessions that
//     broadcast status requests, accumulate candidate telemetry until the
//     candidate set goes quiet, and synthesize device descriptors.
//
// Thread Safety: the bridge and discovery sessions are safe for concurrent
// use. Per-device lifecycle state is serialized behind a per-device mutex;
// the classifier cache is guarded by an RWMutex and is append-only.
package tasmota
