package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteCapabilityMetric records a classified telemetry value for a device
// capability.
//
// This is the primary method for recording device telemetry. The write is
// non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - deviceID: Device identifier
//   - capability: Capability the value maps to (e.g., "measure_temperature")
//   - sensorPath: Dotted path in the telemetry payload (e.g., "SI7021.Temperature")
//   - value: The numeric value to record
//
// Example:
//
//	client.WriteCapabilityMetric(dev.ID, "measure_temperature", "SI7021.Temperature", 21.5)
func (c *Client) WriteCapabilityMetric(deviceID, capability, sensorPath string, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"telemetry",
		map[string]string{
			"device_id":  deviceID,
			"capability": capability,
			"sensor":     sensorPath,
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteEnergyMetric records an energy consumption measurement from a
// Tasmota ENERGY block.
//
// Parameters:
//   - deviceID: Device identifier
//   - powerWatts: Current power draw in watts
//   - energyKWh: Cumulative energy consumption in kWh (use 0 if unknown)
func (c *Client) WriteEnergyMetric(deviceID string, powerWatts float64, energyKWh float64) {
	if !c.IsConnected() {
		return
	}

	fields := map[string]interface{}{
		"power_watts": powerWatts,
	}
	if energyKWh > 0 {
		fields["energy_kwh"] = energyKWh
	}

	point := write.NewPoint(
		"energy",
		map[string]string{
			"device_id": deviceID,
		},
		fields,
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteAvailabilityEvent records a device availability transition.
//
// Useful for tracking flaky devices: a dashboard query over this
// measurement shows which devices keep dropping off.
//
// Parameters:
//   - deviceID: Device identifier
//   - available: true for available, false for unavailable
func (c *Client) WriteAvailabilityEvent(deviceID string, available bool) {
	if !c.IsConnected() {
		return
	}

	value := 0
	if available {
		value = 1
	}

	point := write.NewPoint(
		"availability",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"available": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., replayed data).
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
