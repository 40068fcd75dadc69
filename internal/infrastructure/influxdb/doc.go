// Package influxdb provides time-series storage for device telemetry.
//
// SQLite holds the current picture of each device; InfluxDB holds history.
// Every classified telemetry value (temperature, humidity, power draw)
// is written here so dashboards can graph trends over time.
//
// # Measurements
//
//   - telemetry: classified sensor values, tagged by device, capability, sensor path
//   - energy: power and cumulative energy from Tasmota ENERGY blocks
//   - availability: device online/offline transitions
//
// # Write Semantics
//
// Writes are non-blocking and batched. Points are buffered and flushed
// on a timer or when the batch fills. Write failures surface through the
// SetOnError callback, not as return values, so telemetry recording never
// slows down message processing.
//
// InfluxDB is optional: when disabled in config, Connect returns
// ErrDisabled and the bridge simply skips history recording.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without history
//	}
//	defer client.Close()
//
//	client.WriteCapabilityMetric(dev.ID, "measure_temperature", "SI7021.Temperature", 21.5)
package influxdb
