package tasmota

import "math"

// Table selects a capability-template table. Wired Tasmota sensors and
// Zigbee sensors bridged through a Tasmota Zigbee gateway report different
// field vocabularies, so each device class classifies against its own
// table (and its own cache partition).
type Table string

// Known tables.
const (
	TableWired  Table = "wired"
	TableZigbee Table = "zigbee"
)

// Converter converts a raw telemetry value to its typed capability value.
// The second return is false when the raw value has an unusable type.
type Converter func(raw any) (any, bool)

// Units describes how a capability's display unit is resolved.
type Units struct {
	// Default unit when the telemetry does not carry one.
	Default string

	// SourceField, when non-empty, names a top-level telemetry field that
	// overrides the default (Tasmota reports "TempUnit": "C"/"F").
	SourceField string

	// Template formats the resolved unit; {value} is the placeholder.
	Template string
}

// variant is one candidate within a template group. Variants are tried in
// order; the first whose sensorFilter accepts the context wins, so more
// specific filters must precede the wildcard.
type variant struct {
	// sensorFilter is "*" (wildcard), an exact sensor name ("ENERGY"),
	// or a family prefix matched against "<filter>-..." sensor names.
	sensorFilter string

	// caption is the display name template; empty means no caption.
	// capability is the capability identity template. Both accept the
	// {index} and {sensor} placeholders.
	caption    string
	capability string

	convert Converter
	units   *Units
	icon    string
}

// Unit templates shared across the wired table.
var (
	temperatureUnits = &Units{Default: "C", SourceField: "TempUnit", Template: "°{value}"}
	pressureUnits    = &Units{Default: "hPa", SourceField: "PressureUnit", Template: "{value}"}
)

func plainUnits(def string) *Units {
	return &Units{Default: def, Template: "{value}"}
}

// wiredTemplates classifies telemetry from wired Tasmota sensors. Field
// names follow Tasmota's SENSOR/STATUS8 vocabulary; the energy family is
// special-cased so readings under the ENERGY sensor map to the unsuffixed
// capability while any other sensor reporting the same field gets a
// sensor-qualified one.
var wiredTemplates = map[string][]variant{
	"Temperature": {
		{sensorFilter: "*", caption: "Temperature ({sensor})", capability: "measure_temperature.{sensor}", units: temperatureUnits},
	},
	"Humidity": {
		{sensorFilter: "*", caption: "Humidity ({sensor})", capability: "measure_humidity.{sensor}", units: plainUnits("%")},
	},
	"DewPoint": {
		{sensorFilter: "*", caption: "Dew point ({sensor})", capability: "measure_temperature.dew_point.{sensor}", units: temperatureUnits},
	},
	"Pressure": {
		{sensorFilter: "*", caption: "Pressure ({sensor})", capability: "measure_pressure.{sensor}", units: pressureUnits},
	},
	"SeaPressure": {
		{sensorFilter: "*", caption: "Sea level pressure ({sensor})", capability: "measure_pressure.see_level.{sensor}", units: pressureUnits},
	},
	"CarbonDioxide": {
		{sensorFilter: "*", caption: "Carbon dioxide ({sensor})", capability: "measure_co2.{sensor}", units: plainUnits("ppm")},
	},
	"eCO2": {
		{sensorFilter: "*", caption: "Equivalent CO₂ ({sensor})", capability: "measure_co2.eco2.{sensor}", units: plainUnits("ppm")},
	},
	"TVOC": {
		{sensorFilter: "*", caption: "TVOC ({sensor})", capability: "measure_tvoc.{sensor}", units: plainUnits("ppb")},
	},
	"Illuminance": {
		{sensorFilter: "*", caption: "Illuminance ({sensor})", capability: "measure_luminance.{sensor}", units: plainUnits("lx")},
	},
	"UvLevel": {
		{sensorFilter: "*", caption: "UV index ({sensor})", capability: "measure_ultraviolet.{sensor}"},
	},
	"Frequency": {
		{sensorFilter: "*", caption: "Frequency ({sensor})", capability: "measure_frequency.{sensor}", units: plainUnits("Hz")},
	},

	// Particulate matter families (PMS/SDS style sensors).
	"CF1": {
		{sensorFilter: "*", caption: "CF1 ({sensor})", capability: "measure_particulate_matter.cf1.{sensor}", units: plainUnits("µg/m³")},
	},
	"CF2.5": {
		{sensorFilter: "*", caption: "CF2.5 ({sensor})", capability: "measure_particulate_matter.cf2_5.{sensor}", units: plainUnits("µg/m³")},
	},
	"CF10": {
		{sensorFilter: "*", caption: "CF10 ({sensor})", capability: "measure_particulate_matter.cf10.{sensor}", units: plainUnits("µg/m³")},
	},
	"PM1": {
		{sensorFilter: "*", caption: "PM1 ({sensor})", capability: "measure_particulate_matter.pm1.{sensor}", units: plainUnits("ppd")},
	},
	"PM2.5": {
		{sensorFilter: "*", caption: "PM2.5 ({sensor})", capability: "measure_particulate_matter.pm2_5.{sensor}", units: plainUnits("ppd")},
	},
	"PM10": {
		{sensorFilter: "*", caption: "PM10 ({sensor})", capability: "measure_particulate_matter.pm10.{sensor}", units: plainUnits("ppd")},
	},
	"PB0.3": {
		{sensorFilter: "*", caption: "PB0.3 ({sensor})", capability: "measure_particulate_matter.pb0_3.{sensor}", units: plainUnits("ppd")},
	},
	"PB0.5": {
		{sensorFilter: "*", caption: "PB0.5 ({sensor})", capability: "measure_particulate_matter.pb0_5.{sensor}", units: plainUnits("ppd")},
	},
	"PB1": {
		{sensorFilter: "*", caption: "PB1 ({sensor})", capability: "measure_particulate_matter.pb1.{sensor}", units: plainUnits("ppd")},
	},
	"PB2.5": {
		{sensorFilter: "*", caption: "PB2.5 ({sensor})", capability: "measure_particulate_matter.pb2_5.{sensor}", units: plainUnits("ppd")},
	},
	"PB5": {
		{sensorFilter: "*", caption: "PB5 ({sensor})", capability: "measure_particulate_matter.pb5.{sensor}", units: plainUnits("ppd")},
	},
	"PB10": {
		{sensorFilter: "*", caption: "PB10 ({sensor})", capability: "measure_particulate_matter.pb10.{sensor}", units: plainUnits("ppd")},
	},

	// Energy family: the ENERGY sensor owns the unsuffixed capability.
	"Voltage": {
		{sensorFilter: "ENERGY", caption: "Voltage", capability: "measure_voltage", units: plainUnits("V")},
		{sensorFilter: "*", caption: "Voltage ({sensor})", capability: "measure_voltage.{sensor}", units: plainUnits("V")},
	},
	"Current": {
		{sensorFilter: "ENERGY", caption: "Current", capability: "measure_current", units: plainUnits("A")},
		{sensorFilter: "*", caption: "Current ({sensor})", capability: "measure_current.{sensor}", units: plainUnits("A")},
	},
	"Power": {
		{sensorFilter: "ENERGY", caption: "Power", capability: "measure_power", units: plainUnits("W")},
		{sensorFilter: "*", caption: "Power ({sensor})", capability: "measure_power.{sensor}", units: plainUnits("W")},
	},
	"Factor": {
		{sensorFilter: "ENERGY", caption: "Power factor", capability: "measure_power_factor"},
		{sensorFilter: "*", caption: "Power factor ({sensor})", capability: "measure_power_factor.{sensor}"},
	},
	"ApparentPower": {
		{sensorFilter: "ENERGY", caption: "Apparent power", capability: "measure_apparent_power", units: plainUnits("VA")},
		{sensorFilter: "*", caption: "Apparent power ({sensor})", capability: "measure_apparent_power.{sensor}", units: plainUnits("VA")},
	},
	"ReactivePower": {
		{sensorFilter: "ENERGY", caption: "Reactive power", capability: "measure_power_reactive", units: plainUnits("VAr")},
		{sensorFilter: "*", caption: "Reactive power ({sensor})", capability: "measure_power_reactive.{sensor}", units: plainUnits("VAr")},
	},
	"Total": {
		{sensorFilter: "ENERGY", caption: "Power meter", capability: "meter_power", units: plainUnits("kWh")},
		{sensorFilter: "*", caption: "Power meter ({sensor})", capability: "meter_power.{sensor}", units: plainUnits("kWh")},
	},
	"Today": {
		{sensorFilter: "ENERGY", caption: "Power meter today", capability: "meter_energy_today", units: plainUnits("kWh")},
		{sensorFilter: "*", caption: "Power meter today ({sensor})", capability: "meter_energy_today.{sensor}", units: plainUnits("kWh")},
	},
	"Yesterday": {
		{sensorFilter: "ENERGY", caption: "Power meter yesterday", capability: "meter_energy_yesterday", units: plainUnits("kWh")},
		{sensorFilter: "*", caption: "Power meter yesterday ({sensor})", capability: "meter_energy_yesterday.{sensor}", units: plainUnits("kWh")},
	},

	// Indexed inputs: analog channels A0..An, switch inputs Switch1..n,
	// pulse counters C1..n.
	"A": {
		{sensorFilter: "*", caption: "Analog {index} ({sensor})", capability: "measure_analog.{sensor}.{index}"},
	},
	"Switch": {
		{sensorFilter: "*", caption: "Switch {index}", capability: "sensor_switch.{index}", convert: convertOnOff},
	},
	"C": {
		{sensorFilter: "COUNTER", caption: "Counter {index}", capability: "sensor_counter.{index}"},
	},
}

// zigbeeTemplates classifies per-device telemetry reported by a Tasmota
// Zigbee bridge (ZbReceived payloads). Zigbee sensors are single-purpose,
// so capabilities are unsuffixed and several carry icon hints used at
// pairing time.
var zigbeeTemplates = map[string][]variant{
	"Temperature": {
		{sensorFilter: "*", capability: "measure_temperature", icon: "temperature"},
	},
	"Humidity": {
		{sensorFilter: "*", capability: "measure_humidity"},
	},
	"Pressure": {
		{sensorFilter: "*", capability: "measure_pressure"},
	},
	"BatteryPercentage": {
		{sensorFilter: "*", capability: "measure_battery"},
	},
	"LinkQuality": {
		{sensorFilter: "*", capability: "measure_signal_strength", convert: convertLinkQuality},
	},
	// IAS zone report carried under the raw cluster key.
	"0500<00": {
		{sensorFilter: "*", capability: "alarm_water", convert: convertWaterAlarm, icon: "water_leak"},
	},
	"Illuminance": {
		{sensorFilter: "*", capability: "measure_luminance"},
	},
	"Occupancy": {
		{sensorFilter: "*", capability: "alarm_motion", convert: convertBinary, icon: "motion_sensor"},
	},
	"Contact": {
		{sensorFilter: "*", capability: "alarm_contact", convert: convertBinary, icon: "door_sensor"},
	},
}

func templatesFor(table Table) map[string][]variant {
	switch table {
	case TableWired:
		return wiredTemplates
	case TableZigbee:
		return zigbeeTemplates
	}
	return nil
}

// convertOnOff maps Tasmota's "ON"/"OFF" strings to bool.
func convertOnOff(raw any) (any, bool) {
	s, ok := raw.(string)
	if !ok {
		return nil, false
	}
	return s == "ON", true
}

// convertLinkQuality maps the Zigbee LQI range 0..254 to a percentage.
func convertLinkQuality(raw any) (any, bool) {
	f, ok := toFloat(raw)
	if !ok {
		return nil, false
	}
	return math.Ceil(f * 100 / 254), true
}

// convertWaterAlarm matches the IAS zone payload signalling a wet sensor.
func convertWaterAlarm(raw any) (any, bool) {
	s, ok := raw.(string)
	if !ok {
		return nil, false
	}
	return s == "010000FF0000", true
}

// convertBinary maps 0/1 reports (numeric or string) to bool.
func convertBinary(raw any) (any, bool) {
	switch v := raw.(type) {
	case string:
		return v == "1", true
	case float64:
		return v == 1, true
	case bool:
		return v, true
	}
	return nil, false
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
