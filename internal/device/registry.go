package device

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry provides device management with caching and thread safety.
// It wraps a Repository and adds an in-memory cache for fast lookups.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by cache-invalidating CRUD operations. The bridge resolves a device
// on every inbound MQTT message, so topic lookups must not hit SQLite.
//
// All public methods are thread-safe.
type Registry struct {
	repo  Repository
	cache map[string]*Device // Cached devices by ID

	// byTopic maps MQTT topic -> device ID for directly addressed
	// devices. Zigbee leaves share their bridge's topic and are kept
	// out of the index; the bridge routes them by short address.
	byTopic map[string]string
	cacheMu sync.RWMutex       // Protects cache and byTopic
	logger  Logger
}

// NewRegistry creates a new device registry.
// The repository is used for persistence; the registry adds caching.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:    repo,
		cache:   make(map[string]*Device),
		byTopic: make(map[string]string),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all devices from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*Device, len(devices))
	r.byTopic = make(map[string]string, len(devices))
	for i := range devices {
		d := devices[i]
		r.cache[d.ID] = d.DeepCopy()
		if d.Settings.ZigbeeShortAddr == "" {
			r.byTopic[d.Settings.MQTTTopic] = d.ID
		}
	}

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// GetDevice retrieves a device by ID.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()

	if ok {
		return cached.DeepCopy(), nil
	}

	// Fall back to repository (might be a new device not yet cached)
	device, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[device.ID] = device.DeepCopy()
	if device.Settings.ZigbeeShortAddr == "" {
		r.byTopic[device.Settings.MQTTTopic] = device.ID
	}
	r.cacheMu.Unlock()

	return device, nil
}

// GetDeviceByTopic retrieves a device by its MQTT topic token.
// Returns ErrDeviceNotFound if no device uses the topic.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) GetDeviceByTopic(ctx context.Context, topic string) (*Device, error) {
	r.cacheMu.RLock()
	id, ok := r.byTopic[topic]
	var cached *Device
	if ok {
		cached = r.cache[id]
	}
	r.cacheMu.RUnlock()

	if cached != nil {
		return cached.DeepCopy(), nil
	}

	device, err := r.repo.GetByTopic(ctx, topic)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[device.ID] = device.DeepCopy()
	if device.Settings.ZigbeeShortAddr == "" {
		r.byTopic[device.Settings.MQTTTopic] = device.ID
	}
	r.cacheMu.Unlock()

	return device, nil
}

// ListDevices retrieves all devices.
// The returned devices are deep copies; callers can safely modify them.
func (r *Registry) ListDevices(ctx context.Context) ([]Device, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	if len(r.cache) > 0 {
		devices := make([]Device, 0, len(r.cache))
		for _, d := range r.cache {
			devices = append(devices, *d.DeepCopy())
		}
		return devices, nil
	}

	return r.repo.List(ctx)
}

// GetDevicesByProfile retrieves all devices with a specific profile.
// The returned devices are deep copies; callers can safely modify them.
func (r *Registry) GetDevicesByProfile(ctx context.Context, profile Profile) ([]Device, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	if len(r.cache) > 0 {
		var devices []Device
		for _, d := range r.cache {
			if d.Profile == profile {
				devices = append(devices, *d.DeepCopy())
			}
		}
		return devices, nil
	}

	return r.repo.ListByProfile(ctx, profile)
}

// GetDevicesByAvailability retrieves all devices in an availability state.
// The returned devices are deep copies; callers can safely modify them.
func (r *Registry) GetDevicesByAvailability(ctx context.Context, availability Availability) ([]Device, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	if len(r.cache) > 0 {
		var devices []Device
		for _, d := range r.cache {
			if d.Availability == availability {
				devices = append(devices, *d.DeepCopy())
			}
		}
		return devices, nil
	}

	return r.repo.ListByAvailability(ctx, availability)
}

// GetDevicesByCapability retrieves all devices that have a specific capability.
// The returned devices are deep copies; callers can safely modify them.
func (r *Registry) GetDevicesByCapability(_ context.Context, capability Capability) ([]Device, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	var devices []Device
	for _, d := range r.cache {
		for _, c := range d.Capabilities {
			if c == capability {
				devices = append(devices, *d.DeepCopy())
				break
			}
		}
	}
	return devices, nil
}

// CreateDevice creates a new device.
// It validates the device, generates an ID if needed, and persists it.
func (r *Registry) CreateDevice(ctx context.Context, device *Device) error {
	if device.ID == "" {
		device.ID = GenerateID()
	}
	if device.Availability == "" {
		device.Availability = AvailabilityInit
	}

	if err := ValidateDevice(device); err != nil {
		return err
	}

	// Two directly addressed devices sharing a topic would shadow each
	// other in the router. Zigbee leaves legitimately share their
	// bridge's topic; for them the short address must be unique.
	r.cacheMu.RLock()
	var conflict error
	if device.Settings.ZigbeeShortAddr != "" {
		if r.zigbeeAddrTakenLocked(device.Settings.ZigbeeShortAddr, device.ID) {
			conflict = fmt.Errorf("%w: zigbee address %q in use", ErrDeviceExists, device.Settings.ZigbeeShortAddr)
		}
	} else if _, taken := r.byTopic[device.Settings.MQTTTopic]; taken {
		conflict = fmt.Errorf("%w: topic %q in use", ErrDeviceExists, device.Settings.MQTTTopic)
	}
	r.cacheMu.RUnlock()
	if conflict != nil {
		return conflict
	}

	if err := r.repo.Create(ctx, device); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[device.ID] = device.DeepCopy()
	if device.Settings.ZigbeeShortAddr == "" {
		r.byTopic[device.Settings.MQTTTopic] = device.ID
	}
	r.cacheMu.Unlock()

	r.logger.Info("device created",
		"id", device.ID,
		"name", device.Name,
		"profile", device.Profile,
		"topic", device.Settings.MQTTTopic)
	return nil
}

// UpdateDevice updates an existing device.
// It validates the device and persists the changes.
func (r *Registry) UpdateDevice(ctx context.Context, device *Device) error {
	if err := ValidateDevice(device); err != nil {
		return err
	}

	existing, err := r.GetDevice(ctx, device.ID)
	if err != nil {
		return err
	}

	// Same uniqueness rules as CreateDevice, excluding the device
	// itself: an update must not steal another device's topic or
	// zigbee address.
	r.cacheMu.RLock()
	var conflict error
	if device.Settings.ZigbeeShortAddr != "" {
		if r.zigbeeAddrTakenLocked(device.Settings.ZigbeeShortAddr, device.ID) {
			conflict = fmt.Errorf("%w: zigbee address %q in use", ErrDeviceExists, device.Settings.ZigbeeShortAddr)
		}
	} else if owner, taken := r.byTopic[device.Settings.MQTTTopic]; taken && owner != device.ID {
		conflict = fmt.Errorf("%w: topic %q in use", ErrDeviceExists, device.Settings.MQTTTopic)
	}
	r.cacheMu.RUnlock()
	if conflict != nil {
		return conflict
	}

	if err := r.repo.Update(ctx, device); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if existing.Settings.ZigbeeShortAddr == "" {
		delete(r.byTopic, existing.Settings.MQTTTopic)
	}
	r.cache[device.ID] = device.DeepCopy()
	if device.Settings.ZigbeeShortAddr == "" {
		r.byTopic[device.Settings.MQTTTopic] = device.ID
	}
	r.cacheMu.Unlock()

	r.logger.Info("device updated", "id", device.ID, "name", device.Name)
	return nil
}

// zigbeeAddrTakenLocked reports whether another cached device already
// claims the zigbee short address. Caller holds cacheMu.
func (r *Registry) zigbeeAddrTakenLocked(addr, selfID string) bool {
	for id, d := range r.cache {
		if id != selfID && d.Settings.ZigbeeShortAddr == addr {
			return true
		}
	}
	return false
}

// DeleteDevice removes a device.
func (r *Registry) DeleteDevice(ctx context.Context, id string) error {
	r.cacheMu.RLock()
	cached := r.cache[id]
	r.cacheMu.RUnlock()

	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	// Deleting a zigbee leaf must not drop its bridge's topic mapping.
	if cached != nil && cached.Settings.ZigbeeShortAddr == "" {
		delete(r.byTopic, cached.Settings.MQTTTopic)
	}
	r.cacheMu.Unlock()

	r.logger.Info("device deleted", "id", id)
	return nil
}

// SetDeviceState merges state values into a device's state.
// This is optimised for frequent updates from the bridge.
func (r *Registry) SetDeviceState(ctx context.Context, id string, state State) error {
	if err := r.repo.UpdateState(ctx, id, state); err != nil {
		return err
	}

	// Update cache using deep copy to prevent race conditions
	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		updated := cached.DeepCopy()
		if updated.State == nil {
			updated.State = State{}
		}
		for k, v := range state {
			updated.State[k] = deepCopyValue(v)
		}
		r.cache[id] = updated
	}
	r.cacheMu.Unlock()

	r.logger.Debug("device state updated", "id", id)
	return nil
}

// SetAvailability updates the availability state of a device.
func (r *Registry) SetAvailability(ctx context.Context, id string, availability Availability) error {
	now := time.Now().UTC()
	if err := r.repo.UpdateAvailability(ctx, id, availability, now); err != nil {
		return err
	}

	// Update cache using deep copy to prevent race conditions
	r.cacheMu.Lock()
	if cached, ok := r.cache[id]; ok {
		updated := cached.DeepCopy()
		updated.Availability = availability
		updated.LastSeen = &now
		r.cache[id] = updated
	}
	r.cacheMu.Unlock()

	r.logger.Debug("device availability updated", "id", id, "availability", availability)
	return nil
}

// GetDeviceCount returns the number of cached devices.
func (r *Registry) GetDeviceCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// Stats returns registry statistics for monitoring.
type Stats struct {
	TotalDevices   int                  `json:"total_devices"`
	ByProfile      map[Profile]int      `json:"by_profile"`
	ByAvailability map[Availability]int `json:"by_availability"`
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	stats := Stats{
		TotalDevices:   len(r.cache),
		ByProfile:      make(map[Profile]int),
		ByAvailability: make(map[Availability]int),
	}

	for _, d := range r.cache {
		stats.ByProfile[d.Profile]++
		stats.ByAvailability[d.Availability]++
	}

	return stats
}
