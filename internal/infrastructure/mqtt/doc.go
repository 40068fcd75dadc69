// Package mqtt provides MQTT client connectivity for TasmoLink.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// MQTT is both the transport to Tasmota devices and the bus TasmoLink
// publishes its own state on:
//
//	Tasmota devices ↔ MQTT Broker ↔ TasmoLink ↔ consumers (dashboards, automations)
//
// Device traffic uses Tasmota's cmnd/stat/tele topic grammar, handled by
// the tasmota bridge package. This package owns the tasmolink/* namespace
// (service status, device availability, events).
//
// # Security Considerations
//
//   - TLS is recommended for non-local brokers (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to all stat messages
//	err = client.Subscribe("stat/#", 1,
//	    func(topic string, payload []byte) error {
//	        return bridge.Route(topic, payload)
//	    })
//
//	// Send a command
//	client.PublishString("cmnd/kitchen_plug/Power1", "ON", 1, false)
package mqtt
