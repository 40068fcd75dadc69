package tasmota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tasmolink/tasmolink/internal/device"
	"github.com/tasmolink/tasmolink/internal/infrastructure/mqtt"
)

// Relay command payloads accepted by SendRelayCommand.
const (
	RelayOn     = "ON"
	RelayOff    = "OFF"
	RelayToggle = "TOGGLE"
)

// Outbound command names.
const (
	commandStatus      = "Status"
	commandSetOption59 = "SetOption59"

	// statusStateRequest asks for the STATUS11 (StatusSTS) block, which
	// carries the relay states used for availability qualification.
	statusStateRequest = "11"
)

// MQTTClient is the subset of the MQTT client the bridge uses.
// Satisfied by *mqtt.Client; mocked in tests.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// PublishString sends a string payload to a topic.
	PublishString(topic string, payload string, qos byte, retained bool) error

	// Subscribe registers a handler for a topic filter.
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error

	// IsConnected reports whether the broker connection is up.
	IsConnected() bool
}

// DeviceStore persists device records and their state.
// Satisfied by *device.Registry.
type DeviceStore interface {
	ListDevices(ctx context.Context) ([]device.Device, error)
	GetDevice(ctx context.Context, id string) (*device.Device, error)
	CreateDevice(ctx context.Context, dev *device.Device) error
	SetDeviceState(ctx context.Context, id string, state device.State) error
	SetAvailability(ctx context.Context, id string, availability device.Availability) error
}

// TelemetryRecorder records numeric capability updates and availability
// edges for history. Optional; satisfied by *influxdb.Client.
type TelemetryRecorder interface {
	WriteCapabilityMetric(deviceID, capability, sensorPath string, value float64)
	WriteEnergyMetric(deviceID string, powerWatts float64, energyKWh float64)
	WriteAvailabilityEvent(deviceID string, available bool)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options holds configuration for creating a bridge.
type Options struct {
	// MQTT is the broker client. Required.
	MQTT MQTTClient

	// Store persists device records. Required.
	Store DeviceStore

	// Telemetry records capability history. Optional.
	Telemetry TelemetryRecorder

	// Logger is optional structured logging.
	Logger Logger

	// PollInterval is the default per-device status poll cadence.
	PollInterval time.Duration

	// AnswerTimeout is the per-request answer window. Zero keeps the
	// 40-second default.
	AnswerTimeout time.Duration

	// WatchdogInterval is the shared lifecycle tick cadence. Zero keeps
	// the 30-second default.
	WatchdogInterval time.Duration

	// DiscoveryPoll and DiscoveryTimeout configure pairing sessions.
	DiscoveryPoll    time.Duration
	DiscoveryTimeout time.Duration
}

// deviceRuntime couples a device record snapshot with its lifecycle
// machine. The snapshot is immutable; settings changes replace the whole
// runtime.
type deviceRuntime struct {
	dev       *device.Device
	lifecycle *Lifecycle
}

// Bridge routes Tasmota MQTT traffic to managed devices: it resolves each
// message's addressing, dispatches it to the owning device, applies
// telemetry classification and state updates, drives availability
// lifecycles, and hosts discovery sessions.
//
// Thread Safety: all methods are safe for concurrent use.
type Bridge struct {
	mqttClient MQTTClient
	store      DeviceStore
	telemetry  TelemetryRecorder
	classifier *Classifier
	topics     mqtt.Topics

	pollInterval     time.Duration
	answerTimeout    time.Duration
	watchdogInterval time.Duration
	discoveryPoll    time.Duration
	discoveryTimeout time.Duration

	// Managed devices, indexed by id, topic and Zigbee short address.
	runtimeMu sync.RWMutex
	runtimes  map[string]*deviceRuntime
	byTopic   map[string]string
	byZigbee  map[string]string

	// At most one discovery session at a time.
	sessionMu sync.Mutex
	session   *Session

	messagesHandled atomic.Uint64
	stateUpdates    atomic.Uint64
	commandsSent    atomic.Uint64
	droppedMessages atomic.Uint64

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	// Logger
	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a new bridge instance. Call Start() to begin routing.
func NewBridge(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("device store is required")
	}

	if opts.WatchdogInterval <= 0 {
		opts.WatchdogInterval = watchdogInterval
	}
	if opts.AnswerTimeout <= 0 {
		opts.AnswerTimeout = defaultAnswerTimeout
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	return &Bridge{
		mqttClient:       opts.MQTT,
		store:            opts.Store,
		telemetry:        opts.Telemetry,
		classifier:       NewClassifier(),
		pollInterval:     opts.PollInterval,
		answerTimeout:    opts.AnswerTimeout,
		watchdogInterval: opts.WatchdogInterval,
		discoveryPoll:    opts.DiscoveryPoll,
		discoveryTimeout: opts.DiscoveryTimeout,
		runtimes:         make(map[string]*deviceRuntime),
		byTopic:          make(map[string]string),
		byZigbee:         make(map[string]string),
		done:             make(chan struct{}),
		ctx:              ctx,
		ctxCancel:        ctxCancel,
		logger:           opts.Logger,
	}, nil
}

// Start loads the managed devices, subscribes to the report topic filters
// and starts the lifecycle watchdog.
func (b *Bridge) Start(ctx context.Context) error {
	b.ReloadDevices(ctx)

	for _, filter := range SubscriptionFilters() {
		if err := b.mqttClient.Subscribe(filter, 0, b.handleMessage); err != nil {
			return fmt.Errorf("subscribe to %s: %w", filter, err)
		}
	}

	b.wg.Add(1)
	go b.watchdog()

	b.runtimeMu.RLock()
	deviceCount := len(b.runtimes)
	b.runtimeMu.RUnlock()

	b.logInfo("bridge started", "devices", deviceCount)
	return nil
}

// Stop gracefully shuts down the bridge. Any active discovery session is
// cancelled.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.ctxCancel()

		b.sessionMu.Lock()
		if b.session != nil {
			b.session.Cancel()
		}
		b.sessionMu.Unlock()

		b.wg.Wait()
		b.logInfo("bridge stopped")
	})
}

// ReloadDevices rebuilds the runtime table from the device store. Known
// devices whose addressing is unchanged keep their lifecycle; changed or
// new devices start over in the init stage and receive the registration
// nudge and an immediate status poll.
func (b *Bridge) ReloadDevices(ctx context.Context) {
	devices, err := b.store.ListDevices(ctx)
	if err != nil {
		b.logError("failed to load devices", err)
		return
	}

	runtimes := make(map[string]*deviceRuntime, len(devices))
	byTopic := make(map[string]string, len(devices))
	byZigbee := make(map[string]string)
	var fresh []*deviceRuntime

	b.runtimeMu.Lock()
	for i := range devices {
		dev := devices[i]
		rt, ok := b.runtimes[dev.ID]
		if !ok || rt.dev.Settings.MQTTTopic != dev.Settings.MQTTTopic ||
			rt.dev.Settings.SwapPrefixTopic != dev.Settings.SwapPrefixTopic {
			rt = b.newRuntime(&dev)
			fresh = append(fresh, rt)
		} else {
			// Addressing unchanged: keep the lifecycle, refresh the record.
			// A new runtime value is built so concurrent handlers never see
			// a record mutate under them. Timing overrides apply without a
			// re-init.
			rt = &deviceRuntime{dev: dev.DeepCopy(), lifecycle: rt.lifecycle}
			rt.lifecycle.SetTimings(b.effectivePollInterval(&dev), b.effectiveAnswerTimeout(&dev))
		}
		runtimes[dev.ID] = rt
		if dev.Settings.ZigbeeShortAddr != "" {
			byZigbee[dev.Settings.ZigbeeShortAddr] = dev.ID
		} else {
			byTopic[dev.Settings.MQTTTopic] = dev.ID
		}
	}
	b.runtimes = runtimes
	b.byTopic = byTopic
	b.byZigbee = byZigbee
	b.runtimeMu.Unlock()

	for _, rt := range fresh {
		// Zigbee leaf devices are reached through their bridge; they take
		// no direct commands.
		if rt.dev.Settings.ZigbeeShortAddr != "" {
			continue
		}
		b.nudgeDevice(rt)
	}

	b.logDebug("devices reloaded", "count", len(runtimes), "fresh", len(fresh))
}

// effectivePollInterval resolves the device's poll cadence: the per-device
// override when set, the bridge default otherwise.
func (b *Bridge) effectivePollInterval(dev *device.Device) time.Duration {
	if m := dev.Settings.PollIntervalMinutes; m > 0 {
		return time.Duration(m) * time.Minute
	}
	return b.pollInterval
}

// effectiveAnswerTimeout resolves the device's answer window the same way.
func (b *Bridge) effectiveAnswerTimeout(dev *device.Device) time.Duration {
	if s := dev.Settings.AnswerTimeoutSeconds; s > 0 {
		return time.Duration(s) * time.Second
	}
	return b.answerTimeout
}

// newRuntime builds a runtime for one device record. The lifecycle's
// change callback persists availability and publishes connectivity events.
func (b *Bridge) newRuntime(dev *device.Device) *deviceRuntime {
	cpy := dev.DeepCopy()
	rt := &deviceRuntime{dev: cpy}
	rt.lifecycle = NewLifecycle(LifecycleConfig{
		PollInterval:  b.effectivePollInterval(dev),
		AnswerTimeout: b.effectiveAnswerTimeout(dev),
		OnChange: func(oldStage, newStage Stage) {
			b.onStageChange(cpy.ID, oldStage, newStage)
		},
	})
	return rt
}

// onStageChange persists every availability transition. Connectivity
// events are published only for available/unavailable edges; the initial
// init -> available transition is silent.
func (b *Bridge) onStageChange(deviceID string, oldStage, newStage Stage) {
	availability := map[Stage]device.Availability{
		StageInit:        device.AvailabilityInit,
		StageAvailable:   device.AvailabilityAvailable,
		StageUnavailable: device.AvailabilityUnavailable,
	}[newStage]

	if err := b.store.SetAvailability(b.ctx, deviceID, availability); err != nil {
		b.logError("failed to persist availability", err)
	}

	if oldStage == StageInit || newStage == StageInit {
		return
	}

	available := newStage == StageAvailable
	payload, _ := json.Marshal(map[string]any{
		"device_id": deviceID,
		"available": available,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err := b.mqttClient.Publish(b.topics.DeviceAvailability(deviceID), payload, 0, true); err != nil {
		b.logError("failed to publish availability event", err)
	}
	if b.telemetry != nil {
		b.telemetry.WriteAvailabilityEvent(deviceID, available)
	}
	b.logInfo("device availability changed", "device_id", deviceID, "available", available)
}

// handleMessage is the MQTT handler for all report topic filters. Each
// message is processed in isolation: faults are logged and the message is
// dropped without affecting other devices.
func (b *Bridge) handleMessage(topic string, payload []byte) error {
	b.messagesHandled.Add(1)

	addr, ok := ParseAddress(topic)
	if !ok {
		b.droppedMessages.Add(1)
		return nil
	}

	// An active pairing session sees a copy of every status message.
	b.sessionMu.Lock()
	session := b.session
	b.sessionMu.Unlock()
	if session != nil && session.Active() {
		session.Collect(addr, payload)
	}

	b.runtimeMu.RLock()
	id, known := b.byTopic[addr.DeviceTopic]
	rt := b.runtimes[id]
	b.runtimeMu.RUnlock()
	if !known || rt == nil {
		b.droppedMessages.Add(1)
		b.logDebug("message for unmanaged topic", "topic", topic)
		return nil
	}

	// A known topic in the wrong prefix position belongs to a different
	// device configuration; deliver nothing.
	if rt.dev.Settings.SwapPrefixTopic != addr.Swapped {
		b.droppedMessages.Add(1)
		return nil
	}

	if addr.Kind == KindLWT {
		if string(payload) == OfflinePayload {
			rt.lifecycle.MarkOffline()
		}
		return nil
	}

	rt.lifecycle.NoteMessage()

	switch {
	case strings.HasPrefix(addr.Kind, KindPowerPrefix):
		b.handleRelayEcho(rt, addr.Kind, payload)
	case addr.Kind == KindState || addr.Kind == KindResult:
		if body := decodeObject(payload); body != nil {
			b.handleStatePayload(rt, body)
		}
	case addr.Kind == KindStatus11:
		if body := decodeObject(payload); body != nil {
			if sts, ok := body["StatusSTS"].(map[string]any); ok {
				b.handleStatePayload(rt, sts)
			}
		}
	case addr.Kind == KindSensor:
		if body := decodeObject(payload); body != nil {
			if zb, ok := body["ZbReceived"].(map[string]any); ok {
				b.handleZigbeeReport(rt, zb)
			} else {
				b.handleSensorPayload(rt, body)
			}
		}
	}
	return nil
}

// handleRelayEcho processes stat/{t}/POWER<n> messages carrying a raw
// ON/OFF payload.
func (b *Bridge) handleRelayEcho(rt *deviceRuntime, kind string, payload []byte) {
	index := strings.TrimPrefix(kind, KindPowerPrefix)
	if index == "" {
		index = "1"
	}
	on := string(payload) == RelayOn

	b.maybeQualify(rt, map[string]any{kind: string(payload)})
	b.applyState(rt, device.State{relayCapability(index): on})

	event, _ := json.Marshal(map[string]any{
		"device_id": rt.dev.ID,
		"relay":     index,
		"on":        on,
	})
	if err := b.mqttClient.Publish(b.topics.Event("relay"), event, 0, false); err != nil {
		b.logError("failed to publish relay event", err)
	}
}

// handleStatePayload processes STATE/RESULT objects and the StatusSTS
// block of a STATUS11 reply.
func (b *Bridge) handleStatePayload(rt *deviceRuntime, body map[string]any) {
	b.maybeQualify(rt, body)

	delta := device.State{}
	for key, value := range body {
		if strings.HasPrefix(key, KindPowerPrefix) {
			index := strings.TrimPrefix(key, KindPowerPrefix)
			if index == "" {
				index = "1"
			}
			delta[relayCapability(index)] = value == RelayOn
		}
	}

	if f, ok := toFloat(body["Dimmer"]); ok {
		delta[string(device.CapDim)] = f / 100
	}
	if f, ok := toFloat(body["CT"]); ok {
		delta[string(device.CapLightTemperature)] = normalizeColorTemp(f)
	}
	if hsb, ok := body["HSBColor"].(string); ok {
		if hue, sat, ok := parseHSB(hsb); ok {
			delta[string(device.CapLightHue)] = hue
			delta[string(device.CapLightSaturation)] = sat
		}
	}
	if f, ok := toFloat(body["FanSpeed"]); ok {
		delta[string(device.CapFanSpeed)] = f
	}
	if wifi, ok := body["Wifi"].(map[string]any); ok {
		if f, ok := toFloat(wifi["RSSI"]); ok {
			delta[string(device.CapMeasureSignalStrength)] = f
		}
	}

	b.applyState(rt, delta)
}

// handleSensorPayload classifies every leaf of a tele SENSOR object and
// applies the recognized readings.
func (b *Bridge) handleSensorPayload(rt *deviceRuntime, body map[string]any) {
	b.maybeQualify(rt, body)

	delta := device.State{}
	b.classifyInto(delta, rt.dev.ID, TableWired, body)
	b.collectShutterState(delta, body)

	if energy, ok := body["ENERGY"].(map[string]any); ok && b.telemetry != nil {
		power, okP := toFloat(energy["Power"])
		total, okT := toFloat(energy["Total"])
		if okP && okT {
			b.telemetry.WriteEnergyMetric(rt.dev.ID, power, total)
		}
	}

	b.applyState(rt, delta)
}

// handleZigbeeReport dispatches a ZbReceived block from a Zigbee bridge
// device to the leaf devices it carries readings for.
func (b *Bridge) handleZigbeeReport(bridgeRT *deviceRuntime, zb map[string]any) {
	bridgeRT.lifecycle.MarkAvailable()

	for shortAddr, raw := range zb {
		report, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		b.runtimeMu.RLock()
		id, known := b.byZigbee[shortAddr]
		rt := b.runtimes[id]
		b.runtimeMu.RUnlock()
		if !known || rt == nil {
			b.droppedMessages.Add(1)
			b.logDebug("report for unknown zigbee device", "short_addr", shortAddr)
			continue
		}

		rt.lifecycle.NoteMessage()
		rt.lifecycle.MarkAvailable()

		delta := device.State{}
		b.classifyInto(delta, rt.dev.ID, TableZigbee, report)
		b.applyState(rt, delta)
	}
}

// classifyInto walks a telemetry object, classifies each leaf against the
// given table and stores converted readings in delta. Numeric readings are
// recorded to the telemetry history.
func (b *Bridge) classifyInto(delta device.State, deviceID string, table Table, body map[string]any) {
	WalkLeaves(body, func(path []string, value any) {
		cls := b.classifier.Classify(table, path)
		if cls == nil {
			return
		}

		converted := value
		if cls.Convert != nil {
			v, ok := cls.Convert(value)
			if !ok {
				b.logDebug("unconvertible reading",
					"device_id", deviceID, "path", strings.Join(path, "."))
				return
			}
			converted = v
		}

		capID := strings.TrimSuffix(cls.Capability, ".")
		delta[capID] = converted

		if b.telemetry != nil {
			if f, ok := toFloat(converted); ok {
				b.telemetry.WriteCapabilityMetric(deviceID, capID, strings.Join(path, "."), f)
			}
		}
	})
}

// collectShutterState extracts Shutter<n> position groups, which sit
// outside the generic template tables.
func (b *Bridge) collectShutterState(delta device.State, body map[string]any) {
	for key, raw := range body {
		if !strings.HasPrefix(key, "Shutter") {
			continue
		}
		group, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if f, ok := toFloat(group["Position"]); ok {
			delta[string(device.CapWindowCoveringSet)] = f / 100
		}
		if f, ok := toFloat(group["Direction"]); ok {
			delta[string(device.CapWindowCoveringState)] = shutterDirection(f)
		}
	}
}

// maybeQualify promotes a device out of init/unavailable. Relay devices
// qualify only when a payload reports every declared relay; devices
// without relays qualify on any report.
func (b *Bridge) maybeQualify(rt *deviceRuntime, body map[string]any) {
	relays := rt.dev.Settings.RelayCount
	if relays == 0 {
		rt.lifecycle.MarkAvailable()
		return
	}

	for i := 1; i <= relays; i++ {
		key := KindPowerPrefix + strconv.Itoa(i)
		if _, ok := body[key]; ok {
			continue
		}
		if i == 1 {
			if _, ok := body[KindPowerPrefix]; ok {
				continue
			}
		}
		return
	}
	rt.lifecycle.MarkAvailable()
}

// applyState persists a state delta and publishes the corresponding state
// event.
func (b *Bridge) applyState(rt *deviceRuntime, delta device.State) {
	if len(delta) == 0 {
		return
	}
	b.stateUpdates.Add(1)

	if err := b.store.SetDeviceState(b.ctx, rt.dev.ID, delta); err != nil {
		b.logError("failed to persist state", err)
	}

	payload, err := json.Marshal(delta)
	if err != nil {
		b.logError("failed to encode state event", err)
		return
	}
	if err := b.mqttClient.Publish(b.topics.DeviceState(rt.dev.ID), payload, 0, false); err != nil {
		b.logError("failed to publish state event", err)
	}
}

// SendRelayCommand publishes a POWER<relay> command for a managed device.
// action must be ON, OFF or TOGGLE.
func (b *Bridge) SendRelayCommand(ctx context.Context, deviceID string, relay int, action string) error {
	action = strings.ToUpper(action)
	if action != RelayOn && action != RelayOff && action != RelayToggle {
		return fmt.Errorf("unsupported relay action %q", action)
	}

	b.runtimeMu.RLock()
	rt := b.runtimes[deviceID]
	b.runtimeMu.RUnlock()
	if rt == nil {
		return ErrDeviceNotFound
	}
	if relay < 1 || relay > rt.dev.Settings.RelayCount {
		return fmt.Errorf("%w: relay %d of %d", ErrInvalidRelay, relay, rt.dev.Settings.RelayCount)
	}

	topic := CommandTopic(rt.dev.Settings.MQTTTopic, rt.dev.Settings.SwapPrefixTopic,
		KindPowerPrefix+strconv.Itoa(relay))
	if err := b.mqttClient.PublishString(topic, action, 0, false); err != nil {
		return fmt.Errorf("publish relay command: %w", err)
	}

	rt.lifecycle.NoteRequest()
	b.commandsSent.Add(1)
	b.logDebug("relay command sent", "device_id", deviceID, "relay", relay, "action", action)
	return nil
}

// StartDiscovery opens a pairing session. Fails when the broker is not
// connected or another session is still active. One broadcast round goes
// out here; the session then runs until its candidate set quiesces, its
// timeout expires or CancelDiscovery is called.
func (b *Bridge) StartDiscovery(ctx context.Context) (*Session, error) {
	if !b.mqttClient.IsConnected() {
		return nil, ErrClientUnavailable
	}

	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()
	if b.session != nil && b.session.Active() {
		return nil, ErrSessionActive
	}

	devices, err := b.store.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	exclude := make([]string, 0, len(devices))
	for _, dev := range devices {
		if dev.Settings.MQTTTopic != "" {
			exclude = append(exclude, dev.Settings.MQTTTopic)
		}
	}

	session := newSession(sessionConfig{
		poll:       b.discoveryPoll,
		timeout:    b.discoveryTimeout,
		exclude:    exclude,
		classifier: b.classifier,
	})

	for _, br := range DiscoveryBroadcasts() {
		if err := b.mqttClient.PublishString(br.Topic, br.Payload, 0, false); err != nil {
			session.Cancel()
			return nil, fmt.Errorf("publish discovery broadcast: %w", err)
		}
	}

	b.session = session
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		session.run()
	}()

	b.logInfo("discovery session started", "session_id", session.ID())
	return session, nil
}

// DiscoverySession returns the current session, or nil when none was ever
// started.
func (b *Bridge) DiscoverySession() *Session {
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()
	return b.session
}

// CancelDiscovery aborts the active session.
func (b *Bridge) CancelDiscovery() error {
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()
	if b.session == nil || !b.session.Active() {
		return ErrSessionClosed
	}
	b.session.Cancel()
	b.logInfo("discovery session cancelled", "session_id", b.session.ID())
	return nil
}

// AdoptDiscoveredDevices persists the finished session's descriptors and
// brings the new devices under management. Descriptors whose topic is
// already registered are skipped.
func (b *Bridge) AdoptDiscoveredDevices(ctx context.Context) ([]device.Device, error) {
	b.sessionMu.Lock()
	session := b.session
	b.sessionMu.Unlock()
	if session == nil {
		return nil, ErrSessionClosed
	}

	results, err := session.Results()
	if err != nil && !errors.Is(err, ErrNoNewDevices) {
		return nil, err
	}

	var adopted []device.Device
	for _, dev := range results {
		if err := b.store.CreateDevice(ctx, dev); err != nil {
			if errors.Is(err, device.ErrDeviceExists) {
				continue
			}
			b.logError("failed to register discovered device", err)
			continue
		}
		adopted = append(adopted, *dev.DeepCopy())
	}

	if len(adopted) > 0 {
		b.ReloadDevices(ctx)
	}
	b.logInfo("discovery results adopted", "count", len(adopted))
	return adopted, nil
}

// watchdog drives all device lifecycles on a shared tick.
func (b *Bridge) watchdog() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.checkDevices()
		}
	}
}

// checkDevices evaluates every device's answer deadline and poll schedule.
// Stage transitions are handled by the lifecycle change callback.
func (b *Bridge) checkDevices() {
	b.runtimeMu.RLock()
	runtimes := make([]*deviceRuntime, 0, len(b.runtimes))
	for _, rt := range b.runtimes {
		if rt.dev.Settings.ZigbeeShortAddr != "" {
			continue
		}
		runtimes = append(runtimes, rt)
	}
	b.runtimeMu.RUnlock()

	for _, rt := range runtimes {
		_, pollDue := rt.lifecycle.CheckStatus()
		if pollDue {
			b.pollDevice(rt)
		}
	}
}

// pollDevice requests the device's relay state block and arms the answer
// deadline.
func (b *Bridge) pollDevice(rt *deviceRuntime) {
	topic := CommandTopic(rt.dev.Settings.MQTTTopic, rt.dev.Settings.SwapPrefixTopic, commandStatus)
	if err := b.mqttClient.PublishString(topic, statusStateRequest, 0, false); err != nil {
		b.logError("failed to publish status poll", err)
		return
	}
	rt.lifecycle.NoteRequest()
}

// nudgeDevice runs the registration sequence for a newly managed device:
// SetOption59 so the device publishes tele STATE on power changes, then an
// immediate status poll.
func (b *Bridge) nudgeDevice(rt *deviceRuntime) {
	topic := CommandTopic(rt.dev.Settings.MQTTTopic, rt.dev.Settings.SwapPrefixTopic, commandSetOption59)
	if err := b.mqttClient.PublishString(topic, "1", 0, false); err != nil {
		b.logError("failed to publish registration nudge", err)
	}
	b.pollDevice(rt)
}

// SetLogger sets the logger for bridge operations.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}

// logDebug logs a debug message if logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

// BridgeMetrics contains metrics data for the API metrics endpoint.
type BridgeMetrics struct {
	Connected       bool
	DevicesManaged  int
	MessagesHandled uint64
	StateUpdates    uint64
	CommandsSent    uint64
	DroppedMessages uint64
	DiscoveryActive bool
}

// GetMetrics returns current bridge metrics.
func (b *Bridge) GetMetrics() BridgeMetrics {
	b.runtimeMu.RLock()
	deviceCount := len(b.runtimes)
	b.runtimeMu.RUnlock()

	b.sessionMu.Lock()
	discoveryActive := b.session != nil && b.session.Active()
	b.sessionMu.Unlock()

	return BridgeMetrics{
		Connected:       b.mqttClient.IsConnected(),
		DevicesManaged:  deviceCount,
		MessagesHandled: b.messagesHandled.Load(),
		StateUpdates:    b.stateUpdates.Load(),
		CommandsSent:    b.commandsSent.Load(),
		DroppedMessages: b.droppedMessages.Load(),
		DiscoveryActive: discoveryActive,
	}
}

// relayCapability builds the per-relay state key.
func relayCapability(index string) string {
	return string(device.CapOnOff) + "." + index
}

// normalizeColorTemp maps Tasmota's mired range 153..500 onto 0..1.
func normalizeColorTemp(mired float64) float64 {
	v := (mired - 153) / (500 - 153)
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// parseHSB splits Tasmota's "hue,sat,bri" triple into normalized hue and
// saturation.
func parseHSB(s string) (hue, sat float64, ok bool) {
	parts := strings.Split(s, ",")
	if len(parts) < 2 {
		return 0, 0, false
	}
	h, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, 0, false
	}
	sa, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, 0, false
	}
	return h / 359, sa / 100, true
}

// shutterDirection maps Tasmota's Direction report to a movement state.
func shutterDirection(d float64) string {
	switch {
	case d > 0:
		return "up"
	case d < 0:
		return "down"
	}
	return "idle"
}

// decodeObject parses a JSON object payload; nil for anything else.
func decodeObject(payload []byte) map[string]any {
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil
	}
	return body
}
