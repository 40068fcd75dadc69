package tasmota

import (
	"regexp"
	"strings"
	"sync"
)

// suffixPattern splits a field name into a base name and trailing numeric
// index ("Switch2" -> "Switch", "2"). The name group is greedy, so only
// the final digit is captured when the digits run longer ("C12" -> "C1",
// "2"); lookup then fails unless "C1" is itself a table key. That is the
// established matching behaviour and table keys are chosen around it.
var suffixPattern = regexp.MustCompile(`^(.+)([0-9]+)$`)

// unknownSensor is the context used when a path is too short to carry a
// sensor name.
const unknownSensor = "unknown"

// Classification is the result of classifying one telemetry field path.
type Classification struct {
	// Capability is the instantiated capability identity
	// ("measure_temperature.AM2301", "sensor_switch.2").
	Capability string

	// Caption is the instantiated display name; may be empty.
	Caption string

	// Convert converts raw values for this field; nil means use as-is.
	Convert Converter

	// Units describes display-unit resolution; nil means unitless.
	Units *Units

	// Icon is a pairing-time icon hint; may be empty.
	Icon string

	// Cached reports whether this result was served from the memo cache.
	Cached bool
}

// Classifier maps telemetry field paths to capabilities using the
// declarative template tables. Results are memoized per (table, dotted
// path), negative results included, since the same paths recur on every
// message from a device class.
//
// Thread Safety: safe for concurrent use. The cache is append-only;
// entries are never invalidated.
type Classifier struct {
	mu    sync.RWMutex
	cache map[Table]map[string]*Classification
}

// NewClassifier creates a classifier with empty cache partitions for the
// known tables.
func NewClassifier() *Classifier {
	return &Classifier{
		cache: map[Table]map[string]*Classification{
			TableWired:  make(map[string]*Classification),
			TableZigbee: make(map[string]*Classification),
		},
	}
}

// Classify resolves a field path against a table, deriving the sensor
// context from the path (the leaf's parent key, or "unknown" for paths
// shorter than two segments). Returns nil when the field matches nothing;
// that outcome is cached too.
func (c *Classifier) Classify(table Table, path []string) *Classification {
	return c.classify(table, path, derivedSensor(path), true)
}

// ClassifyFresh resolves a field path with an explicit sensor context and
// no cache interaction. Discovery uses this: during pairing the same path
// may be evaluated under different candidate contexts, so cached results
// would leak across candidates.
func (c *Classifier) ClassifyFresh(table Table, path []string, sensor string) *Classification {
	if sensor == "" {
		sensor = derivedSensor(path)
	}
	return c.classify(table, path, sensor, false)
}

// CacheSize returns the number of memoized entries for a table, negative
// results included.
func (c *Classifier) CacheSize(table Table) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache[table])
}

func derivedSensor(path []string) string {
	if len(path) >= 2 {
		return path[len(path)-2]
	}
	return unknownSensor
}

func (c *Classifier) classify(table Table, path []string, sensor string, useCache bool) *Classification {
	if len(path) == 0 {
		return nil
	}
	templates := templatesFor(table)
	if templates == nil {
		return nil
	}

	key := strings.Join(path, ".")

	if useCache {
		c.mu.RLock()
		cached, hit := c.cache[table][key]
		c.mu.RUnlock()
		if hit {
			if cached == nil {
				return nil
			}
			out := *cached
			out.Cached = true
			return &out
		}
	}

	result := match(templates, path[len(path)-1], sensor)

	if useCache {
		c.mu.Lock()
		// A concurrent miss may have stored the same entry; overwriting
		// with an identical value is harmless.
		c.cache[table][key] = result
		c.mu.Unlock()
	}

	if result == nil {
		return nil
	}
	out := *result
	return &out
}

// match resolves one field name against the template groups and
// instantiates the first variant whose filter accepts the sensor context.
func match(templates map[string][]variant, field, sensor string) *Classification {
	group, index := field, ""
	variants, ok := templates[group]
	if !ok {
		m := suffixPattern.FindStringSubmatch(field)
		if m == nil {
			return nil
		}
		group, index = m[1], m[2]
		if variants, ok = templates[group]; !ok {
			return nil
		}
	}

	for i := range variants {
		v := &variants[i]
		if !filterAccepts(v.sensorFilter, sensor) {
			continue
		}
		return &Classification{
			Capability: instantiate(v.capability, group, index, sensor),
			Caption:    instantiate(v.caption, group, index, sensor),
			Convert:    v.convert,
			Units:      v.units,
			Icon:       v.icon,
		}
	}
	return nil
}

// filterAccepts implements the sensor-filter precedence: wildcard, exact
// match, or family match ("DS18B20" under filter "DS18B20" exactly,
// "DS18B20-1" under family prefix "DS18B20").
func filterAccepts(filter, sensor string) bool {
	if filter == "*" || filter == sensor {
		return true
	}
	return strings.HasPrefix(sensor, filter+"-")
}

func instantiate(template, name, index, sensor string) string {
	if template == "" {
		return ""
	}
	out := strings.ReplaceAll(template, "{index}", index)
	out = strings.ReplaceAll(out, "{sensor}", sensor)
	return strings.ReplaceAll(out, "{name}", name)
}

// ResolveUnits produces the display unit for a classification, reading
// the unit override field from the message root when the table names one
// (Tasmota reports "TempUnit" and "PressureUnit" alongside sensor data).
func ResolveUnits(cls *Classification, root map[string]any) string {
	if cls == nil || cls.Units == nil {
		return ""
	}
	unit := cls.Units.Default
	if cls.Units.SourceField != "" && root != nil {
		if v, ok := root[cls.Units.SourceField].(string); ok {
			unit = v
		}
	}
	if cls.Units.Template == "" {
		return unit
	}
	return strings.ReplaceAll(cls.Units.Template, "{value}", unit)
}
