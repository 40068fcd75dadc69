package tasmota

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tasmolink/tasmolink/internal/device"
	"github.com/tasmolink/tasmolink/internal/infrastructure/mqtt"
)

type publishRecord struct {
	topic    string
	payload  string
	retained bool
}

type mockMQTT struct {
	mu            sync.Mutex
	connected     bool
	published     []publishRecord
	subscriptions []string
	publishErr    error
}

func newMockMQTT() *mockMQTT {
	return &mockMQTT{connected: true}
}

func (m *mockMQTT) Publish(topic string, payload []byte, _ byte, retained bool) error {
	return m.PublishString(topic, string(payload), 0, retained)
}

func (m *mockMQTT) PublishString(topic string, payload string, _ byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, publishRecord{topic: topic, payload: payload, retained: retained})
	return nil
}

func (m *mockMQTT) Subscribe(topic string, _ byte, _ mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, topic)
	return nil
}

func (m *mockMQTT) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// publishedTo returns the payloads published to one topic.
func (m *mockMQTT) publishedTo(topic string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, p := range m.published {
		if p.topic == topic {
			out = append(out, p.payload)
		}
	}
	return out
}

type stateWrite struct {
	id    string
	state device.State
}

type mockStore struct {
	mu           sync.Mutex
	devices      map[string]*device.Device
	stateWrites  []stateWrite
	availability map[string][]device.Availability
}

func newMockStore(devices ...*device.Device) *mockStore {
	s := &mockStore{
		devices:      make(map[string]*device.Device),
		availability: make(map[string][]device.Availability),
	}
	for _, d := range devices {
		s.devices[d.ID] = d.DeepCopy()
	}
	return s
}

func (s *mockStore) ListDevices(context.Context) ([]device.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]device.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, *d.DeepCopy())
	}
	return out, nil
}

func (s *mockStore) GetDevice(_ context.Context, id string) (*device.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, device.ErrDeviceNotFound
	}
	return d.DeepCopy(), nil
}

func (s *mockStore) CreateDevice(_ context.Context, dev *device.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.devices {
		if existing.Settings.MQTTTopic == dev.Settings.MQTTTopic {
			return device.ErrDeviceExists
		}
	}
	s.devices[dev.ID] = dev.DeepCopy()
	return nil
}

func (s *mockStore) SetDeviceState(_ context.Context, id string, state device.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateWrites = append(s.stateWrites, stateWrite{id: id, state: state})
	return nil
}

func (s *mockStore) SetAvailability(_ context.Context, id string, availability device.Availability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.availability[id] = append(s.availability[id], availability)
	return nil
}

// lastState returns the most recent state write for a device.
func (s *mockStore) lastState(id string) device.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.stateWrites) - 1; i >= 0; i-- {
		if s.stateWrites[i].id == id {
			return s.stateWrites[i].state
		}
	}
	return nil
}

func (s *mockStore) lastAvailability(id string) device.Availability {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.availability[id]
	if len(hist) == 0 {
		return ""
	}
	return hist[len(hist)-1]
}

type capabilityWrite struct {
	deviceID   string
	capability string
	sensorPath string
	value      float64
}

type mockTelemetry struct {
	mu           sync.Mutex
	capabilities []capabilityWrite
	energy       []string
	events       []string
}

func (m *mockTelemetry) WriteCapabilityMetric(deviceID, capability, sensorPath string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capabilities = append(m.capabilities, capabilityWrite{deviceID, capability, sensorPath, value})
}

func (m *mockTelemetry) WriteEnergyMetric(deviceID string, _, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.energy = append(m.energy, deviceID)
}

func (m *mockTelemetry) WriteAvailabilityEvent(deviceID string, available bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := "online"
	if !available {
		state = "offline"
	}
	m.events = append(m.events, deviceID+":"+state)
}

func relayDevice(id, topic string, relays int) *device.Device {
	dev := &device.Device{
		ID:      id,
		Name:    id,
		Profile: device.ProfileSingleRelay,
		Settings: device.Settings{
			MQTTTopic:  topic,
			RelayCount: relays,
		},
		Availability: device.AvailabilityInit,
	}
	if relays > 1 {
		dev.Profile = device.ProfileMultiRelay
	}
	return dev
}

func sensorDevice(id, topic string) *device.Device {
	return &device.Device{
		ID:           id,
		Name:         id,
		Profile:      device.ProfileGenericSensor,
		Settings:     device.Settings{MQTTTopic: topic},
		Availability: device.AvailabilityInit,
	}
}

func newTestBridge(t *testing.T, devices ...*device.Device) (*Bridge, *mockMQTT, *mockStore, *mockTelemetry) {
	t.Helper()

	client := newMockMQTT()
	store := newMockStore(devices...)
	telemetry := &mockTelemetry{}

	b, err := NewBridge(Options{
		MQTT:             client,
		Store:            store,
		Telemetry:        telemetry,
		WatchdogInterval: time.Hour,
		DiscoveryPoll:    time.Hour,
		DiscoveryTimeout: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	b.ReloadDevices(context.Background())
	t.Cleanup(b.Stop)
	return b, client, store, telemetry
}

func TestNewBridgeValidation(t *testing.T) {
	if _, err := NewBridge(Options{Store: newMockStore()}); err == nil {
		t.Error("missing MQTT client accepted")
	}
	if _, err := NewBridge(Options{MQTT: newMockMQTT()}); err == nil {
		t.Error("missing store accepted")
	}
}

func TestBridgeStartSubscribesAndNudges(t *testing.T) {
	client := newMockMQTT()
	store := newMockStore(relayDevice("dev1", "plug1", 1))
	b, err := NewBridge(Options{
		MQTT:             client,
		Store:            store,
		WatchdogInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	client.mu.Lock()
	subs := len(client.subscriptions)
	client.mu.Unlock()
	if subs != len(SubscriptionFilters()) {
		t.Errorf("got %d subscriptions, want %d", subs, len(SubscriptionFilters()))
	}

	if got := client.publishedTo("cmnd/plug1/SetOption59"); len(got) != 1 || got[0] != "1" {
		t.Errorf("SetOption59 nudge = %v", got)
	}
	if got := client.publishedTo("cmnd/plug1/Status"); len(got) != 1 || got[0] != "11" {
		t.Errorf("initial status poll = %v", got)
	}
}

func TestBridgePerDeviceTimings(t *testing.T) {
	plain := relayDevice("dev-plain", "plug_plain", 1)
	custom := relayDevice("dev-custom", "plug_custom", 1)
	custom.Settings.PollIntervalMinutes = 2
	custom.Settings.AnswerTimeoutSeconds = 90

	client := newMockMQTT()
	store := newMockStore(plain, custom)
	b, err := NewBridge(Options{
		MQTT:             client,
		Store:            store,
		PollInterval:     5 * time.Minute,
		AnswerTimeout:    40 * time.Second,
		WatchdogInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	b.ReloadDevices(context.Background())
	t.Cleanup(b.Stop)

	lifecycleOf := func(id string) *Lifecycle {
		t.Helper()
		b.runtimeMu.RLock()
		defer b.runtimeMu.RUnlock()
		rt, ok := b.runtimes[id]
		if !ok {
			t.Fatalf("no runtime for %s", id)
		}
		return rt.lifecycle
	}

	if lc := lifecycleOf("dev-plain"); lc.pollInterval != 5*time.Minute || lc.answerTimeout != 40*time.Second {
		t.Errorf("plain timings = %v/%v, want bridge defaults", lc.pollInterval, lc.answerTimeout)
	}
	if lc := lifecycleOf("dev-custom"); lc.pollInterval != 2*time.Minute || lc.answerTimeout != 90*time.Second {
		t.Errorf("custom timings = %v/%v, want 2m/1m30s", lc.pollInterval, lc.answerTimeout)
	}

	// Changing only the timings keeps the lifecycle (no re-init) but
	// applies the new cadence on reload.
	before := lifecycleOf("dev-custom")
	store.mu.Lock()
	store.devices["dev-custom"].Settings.PollIntervalMinutes = 7
	store.mu.Unlock()
	b.ReloadDevices(context.Background())

	after := lifecycleOf("dev-custom")
	if after != before {
		t.Error("timing change rebuilt the lifecycle")
	}
	if after.pollInterval != 7*time.Minute {
		t.Errorf("pollInterval after reload = %v, want 7m", after.pollInterval)
	}
}

func TestBridgeRelayEchoQualifiesDevice(t *testing.T) {
	b, client, store, _ := newTestBridge(t, relayDevice("dev1", "plug1", 1))

	if err := b.handleMessage("stat/plug1/RESULT", []byte(`{"POWER":"ON"}`)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	state := store.lastState("dev1")
	if state == nil {
		t.Fatal("no state write recorded")
	}
	if on, ok := state["onoff.1"].(bool); !ok || !on {
		t.Errorf("onoff.1 = %v, want true", state["onoff.1"])
	}
	if got := store.lastAvailability("dev1"); got != device.AvailabilityAvailable {
		t.Errorf("availability = %q, want available", got)
	}

	// The init -> available edge is silent: no connectivity event.
	if got := client.publishedTo(mqtt.Topics{}.DeviceAvailability("dev1")); len(got) != 0 {
		t.Errorf("availability event published on init edge: %v", got)
	}
}

func TestBridgePartialRelayReportDoesNotQualify(t *testing.T) {
	b, _, store, _ := newTestBridge(t, relayDevice("dev4", "strip", 4))

	if err := b.handleMessage("stat/strip/RESULT", []byte(`{"POWER2":"ON"}`)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	if got := store.lastAvailability("dev4"); got != "" {
		t.Errorf("partial relay report qualified the device: %q", got)
	}
	state := store.lastState("dev4")
	if on, ok := state["onoff.2"].(bool); !ok || !on {
		t.Errorf("onoff.2 = %v, want true", state["onoff.2"])
	}
}

func TestBridgeSwapGate(t *testing.T) {
	dev := relayDevice("dev1", "plug1", 1)
	dev.Settings.SwapPrefixTopic = true
	b, _, store, _ := newTestBridge(t, dev)

	// Normal-prefix form for a swapped device: dropped.
	if err := b.handleMessage("stat/plug1/RESULT", []byte(`{"POWER":"ON"}`)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if state := store.lastState("dev1"); state != nil {
		t.Errorf("state written through the wrong topic form: %v", state)
	}
	if m := b.GetMetrics(); m.DroppedMessages == 0 {
		t.Error("dropped message not counted")
	}

	// The swapped form is delivered.
	if err := b.handleMessage("plug1/stat/RESULT", []byte(`{"POWER":"ON"}`)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if state := store.lastState("dev1"); state == nil {
		t.Error("swapped form not delivered")
	}
}

func TestBridgeLWTOffline(t *testing.T) {
	b, client, store, telemetry := newTestBridge(t, relayDevice("dev1", "plug1", 1))

	// Qualify first, then drop.
	_ = b.handleMessage("stat/plug1/RESULT", []byte(`{"POWER":"ON"}`))
	_ = b.handleMessage("tele/plug1/LWT", []byte("Offline"))

	if got := store.lastAvailability("dev1"); got != device.AvailabilityUnavailable {
		t.Errorf("availability = %q, want unavailable", got)
	}

	events := client.publishedTo(mqtt.Topics{}.DeviceAvailability("dev1"))
	if len(events) != 1 || !strings.Contains(events[0], `"available":false`) {
		t.Errorf("availability events = %v", events)
	}

	telemetry.mu.Lock()
	defer telemetry.mu.Unlock()
	if len(telemetry.events) != 1 || telemetry.events[0] != "dev1:offline" {
		t.Errorf("telemetry events = %v", telemetry.events)
	}
}

func TestBridgeSensorTelemetry(t *testing.T) {
	b, _, store, telemetry := newTestBridge(t, sensorDevice("th1", "sensor_node"))

	payload := `{"Time":"2026-03-01T10:00:00","AM2301":{"Temperature":21.3,"Humidity":48.7},"TempUnit":"C"}`
	if err := b.handleMessage("tele/sensor_node/SENSOR", []byte(payload)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	state := store.lastState("th1")
	if state == nil {
		t.Fatal("no state write recorded")
	}
	if got, ok := state["measure_temperature.AM2301"].(float64); !ok || got != 21.3 {
		t.Errorf("temperature = %v", state["measure_temperature.AM2301"])
	}
	if got, ok := state["measure_humidity.AM2301"].(float64); !ok || got != 48.7 {
		t.Errorf("humidity = %v", state["measure_humidity.AM2301"])
	}

	// Any telemetry qualifies a relay-less device.
	if got := store.lastAvailability("th1"); got != device.AvailabilityAvailable {
		t.Errorf("availability = %q, want available", got)
	}

	telemetry.mu.Lock()
	defer telemetry.mu.Unlock()
	var paths []string
	for _, w := range telemetry.capabilities {
		paths = append(paths, w.sensorPath)
	}
	if len(telemetry.capabilities) != 2 {
		t.Errorf("capability metrics = %v", paths)
	}
}

func TestBridgeEnergyMetric(t *testing.T) {
	b, _, _, telemetry := newTestBridge(t, sensorDevice("plug", "power_plug"))

	payload := `{"ENERGY":{"Power":23.5,"Total":142.7,"Voltage":231,"Current":0.1}}`
	if err := b.handleMessage("tele/power_plug/SENSOR", []byte(payload)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	telemetry.mu.Lock()
	defer telemetry.mu.Unlock()
	if len(telemetry.energy) != 1 || telemetry.energy[0] != "plug" {
		t.Errorf("energy writes = %v", telemetry.energy)
	}
}

func TestBridgeZigbeeReport(t *testing.T) {
	bridgeDev := &device.Device{
		ID:           "zb_bridge",
		Name:         "zb_bridge",
		Profile:      device.ProfileZigbeeBridge,
		Settings:     device.Settings{MQTTTopic: "zbbridge"},
		Availability: device.AvailabilityInit,
	}
	leaf := &device.Device{
		ID:      "zb_leaf",
		Name:    "zb_leaf",
		Profile: device.ProfileGenericSensor,
		Settings: device.Settings{
			MQTTTopic:       "zbbridge",
			ZigbeeShortAddr: "0x4A3B",
		},
		Availability: device.AvailabilityInit,
	}
	// Same topic: create the runtime table by hand through the store.
	b, _, store, _ := newTestBridge(t, bridgeDev)
	store.mu.Lock()
	store.devices[leaf.ID] = leaf
	store.mu.Unlock()
	b.ReloadDevices(context.Background())

	payload := `{"ZbReceived":{"0x4A3B":{"Device":"0x4A3B","Temperature":19.5,"LinkQuality":127}}}`
	if err := b.handleMessage("tele/zbbridge/SENSOR", []byte(payload)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	state := store.lastState("zb_leaf")
	if state == nil {
		t.Fatal("no state write for the zigbee leaf")
	}
	if got, ok := state["measure_temperature"].(float64); !ok || got != 19.5 {
		t.Errorf("temperature = %v", state["measure_temperature"])
	}
	if got, ok := state["measure_signal_strength"].(float64); !ok || got != 50 {
		t.Errorf("link quality = %v, want 50", state["measure_signal_strength"])
	}
	if got := store.lastAvailability("zb_leaf"); got != device.AvailabilityAvailable {
		t.Errorf("leaf availability = %q, want available", got)
	}
}

func TestSendRelayCommand(t *testing.T) {
	b, client, _, _ := newTestBridge(t, relayDevice("dev1", "plug1", 2))

	if err := b.SendRelayCommand(context.Background(), "dev1", 2, "toggle"); err != nil {
		t.Fatalf("SendRelayCommand: %v", err)
	}
	if got := client.publishedTo("cmnd/plug1/POWER2"); len(got) != 1 || got[0] != "TOGGLE" {
		t.Errorf("relay command = %v", got)
	}

	if err := b.SendRelayCommand(context.Background(), "dev1", 3, RelayOn); !errors.Is(err, ErrInvalidRelay) {
		t.Errorf("relay out of range: err = %v, want ErrInvalidRelay", err)
	}
	if err := b.SendRelayCommand(context.Background(), "ghost", 1, RelayOn); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("unknown device: err = %v, want ErrDeviceNotFound", err)
	}
	if err := b.SendRelayCommand(context.Background(), "dev1", 1, "BLINK"); err == nil {
		t.Error("unsupported action accepted")
	}
}

func TestStartDiscoveryRequiresConnection(t *testing.T) {
	b, client, _, _ := newTestBridge(t)
	client.mu.Lock()
	client.connected = false
	client.mu.Unlock()

	if _, err := b.StartDiscovery(context.Background()); !errors.Is(err, ErrClientUnavailable) {
		t.Errorf("err = %v, want ErrClientUnavailable", err)
	}
}

func TestStartDiscoverySingleSession(t *testing.T) {
	b, client, _, _ := newTestBridge(t)

	session, err := b.StartDiscovery(context.Background())
	if err != nil {
		t.Fatalf("StartDiscovery: %v", err)
	}

	// The initial broadcast round went out on all four forms.
	for _, br := range DiscoveryBroadcasts() {
		if got := client.publishedTo(br.Topic); len(got) == 0 {
			t.Errorf("no broadcast on %s", br.Topic)
		}
	}

	if _, err := b.StartDiscovery(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second session: err = %v, want ErrSessionActive", err)
	}

	session.Cancel()
	if _, err := b.StartDiscovery(context.Background()); err != nil {
		t.Errorf("session after cancel: %v", err)
	}
}

func TestAdoptDiscoveredDevices(t *testing.T) {
	b, _, store, _ := newTestBridge(t, relayDevice("known", "known_plug", 1))

	session, err := b.StartDiscovery(context.Background())
	if err != nil {
		t.Fatalf("StartDiscovery: %v", err)
	}

	// A new device answers; the known topic's answers are excluded.
	_ = b.handleMessage("stat/new_plug/STATUS6", []byte(`{"StatusMQT":{"MqttClient":"DVES_NEW"}}`))
	_ = b.handleMessage("stat/new_plug/STATUS11", []byte(`{"StatusSTS":{"POWER":"ON"}}`))
	_ = b.handleMessage("stat/known_plug/STATUS6", []byte(`{"StatusMQT":{"MqttClient":"DVES_KNOWN"}}`))

	session.tick()
	if !session.tick() {
		t.Fatal("session did not quiesce")
	}

	adopted, err := b.AdoptDiscoveredDevices(context.Background())
	if err != nil {
		t.Fatalf("AdoptDiscoveredDevices: %v", err)
	}
	if len(adopted) != 1 || adopted[0].ID != "DVES_NEW" {
		t.Fatalf("adopted = %+v", adopted)
	}

	if _, err := store.GetDevice(context.Background(), "DVES_NEW"); err != nil {
		t.Errorf("adopted device not persisted: %v", err)
	}

	// The new device came under management.
	if err := b.SendRelayCommand(context.Background(), "DVES_NEW", 1, RelayOn); err != nil {
		t.Errorf("adopted device not managed: %v", err)
	}
}

func TestAdoptWithoutSession(t *testing.T) {
	b, _, _, _ := newTestBridge(t)
	if _, err := b.AdoptDiscoveredDevices(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}
}

func TestBridgeMetrics(t *testing.T) {
	b, _, _, _ := newTestBridge(t, relayDevice("dev1", "plug1", 1))

	_ = b.handleMessage("stat/plug1/RESULT", []byte(`{"POWER":"ON"}`))
	_ = b.handleMessage("stat/ghost/RESULT", []byte(`{"POWER":"ON"}`))
	_ = b.SendRelayCommand(context.Background(), "dev1", 1, RelayOff)

	m := b.GetMetrics()
	if !m.Connected {
		t.Error("Connected = false")
	}
	if m.DevicesManaged != 1 {
		t.Errorf("DevicesManaged = %d, want 1", m.DevicesManaged)
	}
	if m.MessagesHandled != 2 {
		t.Errorf("MessagesHandled = %d, want 2", m.MessagesHandled)
	}
	if m.StateUpdates != 1 {
		t.Errorf("StateUpdates = %d, want 1", m.StateUpdates)
	}
	if m.CommandsSent != 1 {
		t.Errorf("CommandsSent = %d, want 1", m.CommandsSent)
	}
	if m.DroppedMessages != 1 {
		t.Errorf("DroppedMessages = %d, want 1", m.DroppedMessages)
	}
}
