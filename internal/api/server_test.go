package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tasmolink/tasmolink/internal/bridges/tasmota"
	"github.com/tasmolink/tasmolink/internal/device"
	"github.com/tasmolink/tasmolink/internal/infrastructure/config"
	"github.com/tasmolink/tasmolink/internal/infrastructure/logging"
	"github.com/tasmolink/tasmolink/internal/infrastructure/mqtt"
)

// memRepository is an in-memory device.Repository for API tests.
type memRepository struct {
	mu      sync.Mutex
	devices map[string]*device.Device
}

func newMemRepository() *memRepository {
	return &memRepository{devices: make(map[string]*device.Device)}
}

func (m *memRepository) GetByID(_ context.Context, id string) (*device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[id]
	if !ok {
		return nil, device.ErrDeviceNotFound
	}
	return dev.DeepCopy(), nil
}

func (m *memRepository) GetByTopic(_ context.Context, topic string) (*device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dev := range m.devices {
		if dev.Settings.MQTTTopic == topic {
			return dev.DeepCopy(), nil
		}
	}
	return nil, device.ErrDeviceNotFound
}

func (m *memRepository) List(_ context.Context) ([]device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]device.Device, 0, len(m.devices))
	for _, dev := range m.devices {
		out = append(out, *dev.DeepCopy())
	}
	return out, nil
}

func (m *memRepository) ListByProfile(ctx context.Context, profile device.Profile) ([]device.Device, error) {
	all, _ := m.List(ctx)
	out := make([]device.Device, 0)
	for _, dev := range all {
		if dev.Profile == profile {
			out = append(out, dev)
		}
	}
	return out, nil
}

func (m *memRepository) ListByAvailability(ctx context.Context, availability device.Availability) ([]device.Device, error) {
	all, _ := m.List(ctx)
	out := make([]device.Device, 0)
	for _, dev := range all {
		if dev.Availability == availability {
			out = append(out, dev)
		}
	}
	return out, nil
}

func (m *memRepository) Create(_ context.Context, dev *device.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[dev.ID]; ok {
		return device.ErrDeviceExists
	}
	m.devices[dev.ID] = dev.DeepCopy()
	return nil
}

func (m *memRepository) Update(_ context.Context, dev *device.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[dev.ID]; !ok {
		return device.ErrDeviceNotFound
	}
	m.devices[dev.ID] = dev.DeepCopy()
	return nil
}

func (m *memRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[id]; !ok {
		return device.ErrDeviceNotFound
	}
	delete(m.devices, id)
	return nil
}

func (m *memRepository) UpdateState(_ context.Context, id string, state device.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[id]
	if !ok {
		return device.ErrDeviceNotFound
	}
	if dev.State == nil {
		dev.State = make(device.State)
	}
	for k, v := range state {
		dev.State[k] = v
	}
	return nil
}

func (m *memRepository) UpdateAvailability(_ context.Context, id string, availability device.Availability, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[id]
	if !ok {
		return device.ErrDeviceNotFound
	}
	dev.Availability = availability
	dev.LastSeen = &lastSeen
	return nil
}

// apiMockMQTT implements tasmota.MQTTClient for API tests.
type apiMockMQTT struct {
	mu        sync.Mutex
	published []apiPublish
	connected bool
}

type apiPublish struct {
	topic   string
	payload string
}

func (m *apiMockMQTT) Publish(topic string, payload []byte, _ byte, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, apiPublish{topic: topic, payload: string(payload)})
	return nil
}

func (m *apiMockMQTT) PublishString(topic, payload string, _ byte, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, apiPublish{topic: topic, payload: payload})
	return nil
}

func (m *apiMockMQTT) Subscribe(string, byte, mqtt.MessageHandler) error {
	return nil
}

func (m *apiMockMQTT) IsConnected() bool { return m.connected }

// publishedTo returns the payloads published to a topic.
func (m *apiMockMQTT) publishedTo(topic string) []string {
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

// testEnv bundles a router backed by a real registry and bridge.
type testEnv struct {
	handler  http.Handler
	registry *device.Registry
	bridge   *tasmota.Bridge
	mqtt     *apiMockMQTT
}

func quietLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"}, "test")
}

func newTestEnv(t *testing.T, devices ...*device.Device) *testEnv {
	t.Helper()

	repo := newMemRepository()
	registry := device.NewRegistry(repo)
	for _, dev := range devices {
		if err := registry.CreateDevice(context.Background(), dev); err != nil {
			t.Fatalf("seeding device %s: %v", dev.Name, err)
		}
	}

	client := &apiMockMQTT{connected: true}
	bridge, err := tasmota.NewBridge(tasmota.Options{
		MQTT:             client,
		Store:            registry,
		PollInterval:     time.Hour,
		AnswerTimeout:    time.Hour,
		WatchdogInterval: time.Hour,
		DiscoveryPoll:    time.Hour,
		DiscoveryTimeout: time.Hour,
	})
	if err != nil {
		t.Fatalf("creating bridge: %v", err)
	}
	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("starting bridge: %v", err)
	}
	t.Cleanup(bridge.Stop)

	srv, err := New(Deps{
		Logger:   quietLogger(),
		Registry: registry,
		Bridge:   bridge,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}

	return &testEnv{
		handler:  srv.buildRouter(),
		registry: registry,
		bridge:   bridge,
		mqtt:     client,
	}
}

// newTestEnvNoBridge builds a router without a bridge, as when MQTT is
// disabled.
func newTestEnvNoBridge(t *testing.T, devices ...*device.Device) *testEnv {
	t.Helper()

	repo := newMemRepository()
	registry := device.NewRegistry(repo)
	for _, dev := range devices {
		if err := registry.CreateDevice(context.Background(), dev); err != nil {
			t.Fatalf("seeding device %s: %v", dev.Name, err)
		}
	}

	srv, err := New(Deps{
		Logger:   quietLogger(),
		Registry: registry,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}
	return &testEnv{handler: srv.buildRouter(), registry: registry}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshalling request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return body
}

func testRelayDevice(id, topic string, relays int) *device.Device {
	caps := []device.Capability{device.CapMeasureSignalStrength}
	for i := 1; i <= relays; i++ {
		caps = append(caps, device.Capability(fmt.Sprintf("%s.%d", device.CapOnOff, i)))
	}
	profile := device.ProfileSingleRelay
	if relays > 1 {
		profile = device.ProfileMultiRelay
	}
	return &device.Device{
		ID:           id,
		Name:         "Device " + id,
		Profile:      profile,
		Settings:     device.Settings{MQTTTopic: topic, RelayCount: relays},
		Capabilities: caps,
		Availability: device.AvailabilityAvailable,
	}
}

func testSensorDevice(id, topic string) *device.Device {
	return &device.Device{
		ID:      id,
		Name:    "Sensor " + id,
		Profile: device.ProfileGenericSensor,
		Settings: device.Settings{
			MQTTTopic: topic,
		},
		Capabilities: []device.Capability{
			device.CapMeasureSignalStrength,
			device.Capability(string(device.CapMeasureTemperature) + ".AM2301"),
		},
		Availability: device.AvailabilityInit,
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, testRelayDevice("dev1", "plug1", 1))

	rec := env.do(t, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if body["version"] != "test" {
		t.Errorf("version = %v, want test", body["version"])
	}
	if body["devices"] != float64(1) {
		t.Errorf("devices = %v, want 1", body["devices"])
	}
	if body["mqtt_connected"] != true {
		t.Errorf("mqtt_connected = %v, want true", body["mqtt_connected"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, testRelayDevice("dev1", "plug1", 1))

	rec := env.do(t, http.MethodGet, "/api/v1/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := decodeBody(t, rec)
	bridgeMetrics, ok := body["bridge"].(map[string]any)
	if !ok {
		t.Fatalf("bridge metrics missing: %v", body)
	}
	if bridgeMetrics["devices_managed"] != float64(1) {
		t.Errorf("devices_managed = %v, want 1", bridgeMetrics["devices_managed"])
	}
	if _, ok := body["registry"]; !ok {
		t.Error("registry stats missing")
	}
}

func TestListDevices(t *testing.T) {
	env := newTestEnv(t,
		testRelayDevice("dev1", "plug1", 1),
		testSensorDevice("dev2", "sensor1"),
	)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"all", "/api/v1/devices/", 2},
		{"by profile", "/api/v1/devices/?profile=single_relay", 1},
		{"by profile no match", "/api/v1/devices/?profile=shutter", 0},
		{"by availability", "/api/v1/devices/?availability=init", 1},
		{"by capability", "/api/v1/devices/?capability=measure_temperature.AM2301", 1},
		{"by capability no match", "/api/v1/devices/?capability=dim", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tt.path, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			body := decodeBody(t, rec)
			if body["count"] != float64(tt.want) {
				t.Errorf("count = %v, want %d", body["count"], tt.want)
			}
		})
	}
}

func TestGetDevice(t *testing.T) {
	env := newTestEnv(t, testRelayDevice("dev1", "plug1", 1))

	rec := env.do(t, http.MethodGet, "/api/v1/devices/dev1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["id"] != "dev1" {
		t.Errorf("id = %v, want dev1", body["id"])
	}

	rec = env.do(t, http.MethodGet, "/api/v1/devices/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want 404", rec.Code)
	}
}

func TestCreateDevice(t *testing.T) {
	env := newTestEnv(t)

	payload := map[string]any{
		"name":    "New Plug",
		"profile": "single_relay",
		"settings": map[string]any{
			"mqtt_topic":  "new_plug",
			"relay_count": 1,
		},
		"capabilities": []string{"onoff.1"},
	}

	rec := env.do(t, http.MethodPost, "/api/v1/devices/", payload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatal("created device has no id")
	}

	// The new device must come under bridge management immediately.
	cmd := env.do(t, http.MethodPost, "/api/v1/devices/"+id+"/relays/1",
		map[string]any{"action": "ON"})
	if cmd.Code != http.StatusAccepted {
		t.Fatalf("relay command after create = %d, want 202: %s", cmd.Code, cmd.Body.String())
	}

	// Duplicate topic conflicts.
	rec = env.do(t, http.MethodPost, "/api/v1/devices/", payload)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate topic status = %d, want 409", rec.Code)
	}
}

func TestCreateDeviceValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed json", "{not json", http.StatusBadRequest},
		{
			"missing name",
			map[string]any{
				"profile":  "single_relay",
				"settings": map[string]any{"mqtt_topic": "p1"},
			},
			http.StatusBadRequest,
		},
		{
			"bad profile",
			map[string]any{
				"name":     "Plug",
				"profile":  "toaster",
				"settings": map[string]any{"mqtt_topic": "p1"},
			},
			http.StatusBadRequest,
		},
		{
			"bad capability",
			map[string]any{
				"name":         "Plug",
				"profile":      "single_relay",
				"settings":     map[string]any{"mqtt_topic": "p1"},
				"capabilities": []string{"levitate"},
			},
			http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/devices/", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestUpdateDevice(t *testing.T) {
	env := newTestEnv(t, testRelayDevice("dev1", "plug1", 1))

	rec := env.do(t, http.MethodPatch, "/api/v1/devices/dev1",
		map[string]any{"name": "Renamed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	dev, err := env.registry.GetDevice(context.Background(), "dev1")
	if err != nil {
		t.Fatalf("getting device: %v", err)
	}
	if dev.Name != "Renamed" {
		t.Errorf("name = %q, want Renamed", dev.Name)
	}

	rec = env.do(t, http.MethodPatch, "/api/v1/devices/nope",
		map[string]any{"name": "x"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want 404", rec.Code)
	}

	rec = env.do(t, http.MethodPatch, "/api/v1/devices/dev1",
		map[string]any{"name": ""})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty name status = %d, want 400", rec.Code)
	}
}

func TestUpdateDeviceTopicConflict(t *testing.T) {
	env := newTestEnv(t,
		testRelayDevice("dev1", "plug1", 1),
		testRelayDevice("dev2", "plug2", 1))

	rec := env.do(t, http.MethodPatch, "/api/v1/devices/dev2",
		map[string]any{"settings": map[string]any{"mqtt_topic": "plug1", "relay_count": 1}})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}

	// The conflicting update must leave the device untouched.
	dev, err := env.registry.GetDevice(context.Background(), "dev2")
	if err != nil {
		t.Fatalf("getting device: %v", err)
	}
	if dev.Settings.MQTTTopic != "plug2" {
		t.Errorf("topic = %q, want plug2", dev.Settings.MQTTTopic)
	}
}

func TestDeleteDevice(t *testing.T) {
	env := newTestEnv(t, testRelayDevice("dev1", "plug1", 1))

	rec := env.do(t, http.MethodDelete, "/api/v1/devices/dev1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/devices/dev1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("deleted device status = %d, want 404", rec.Code)
	}

	// The bridge must no longer accept commands for it.
	rec = env.do(t, http.MethodPost, "/api/v1/devices/dev1/relays/1",
		map[string]any{"action": "ON"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("relay command after delete = %d, want 404", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, "/api/v1/devices/dev1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("double delete status = %d, want 404", rec.Code)
	}
}

func TestDeviceStats(t *testing.T) {
	env := newTestEnv(t,
		testRelayDevice("dev1", "plug1", 1),
		testSensorDevice("dev2", "sensor1"),
	)

	rec := env.do(t, http.MethodGet, "/api/v1/devices/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["total_devices"] != float64(2) {
		t.Errorf("total_devices = %v, want 2", body["total_devices"])
	}
}

func TestGetDeviceState(t *testing.T) {
	dev := testRelayDevice("dev1", "plug1", 1)
	dev.State = device.State{"onoff.1": true}
	env := newTestEnv(t, dev)

	rec := env.do(t, http.MethodGet, "/api/v1/devices/dev1/state", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["device_id"] != "dev1" {
		t.Errorf("device_id = %v, want dev1", body["device_id"])
	}
	state, ok := body["state"].(map[string]any)
	if !ok || state["onoff.1"] != true {
		t.Errorf("state = %v, want onoff.1 true", body["state"])
	}
	if body["availability"] != "available" {
		t.Errorf("availability = %v, want available", body["availability"])
	}
}

func TestRelayCommand(t *testing.T) {
	env := newTestEnv(t, testRelayDevice("dev1", "plug1", 2))

	rec := env.do(t, http.MethodPost, "/api/v1/devices/dev1/relays/2",
		map[string]any{"action": "toggle"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	payloads := env.mqtt.publishedTo("cmnd/plug1/POWER2")
	if len(payloads) != 1 || payloads[0] != "TOGGLE" {
		t.Errorf("published = %v, want [TOGGLE]", payloads)
	}

	body := decodeBody(t, rec)
	if body["action"] != "TOGGLE" {
		t.Errorf("action = %v, want TOGGLE", body["action"])
	}
}

func TestRelayCommandErrors(t *testing.T) {
	env := newTestEnv(t, testRelayDevice("dev1", "plug1", 2))

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"non-numeric relay", "/api/v1/devices/dev1/relays/abc", map[string]any{"action": "ON"}, http.StatusBadRequest},
		{"relay zero", "/api/v1/devices/dev1/relays/0", map[string]any{"action": "ON"}, http.StatusBadRequest},
		{"relay out of range", "/api/v1/devices/dev1/relays/3", map[string]any{"action": "ON"}, http.StatusBadRequest},
		{"unknown device", "/api/v1/devices/nope/relays/1", map[string]any{"action": "ON"}, http.StatusNotFound},
		{"bad action", "/api/v1/devices/dev1/relays/1", map[string]any{"action": "BLINK"}, http.StatusBadRequest},
		{"malformed body", "/api/v1/devices/dev1/relays/1", "{", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestBridgelessEndpoints(t *testing.T) {
	env := newTestEnvNoBridge(t, testRelayDevice("dev1", "plug1", 1))

	// Registry reads still work.
	rec := env.do(t, http.MethodGet, "/api/v1/devices/", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("list status = %d, want 200", rec.Code)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"relay command", http.MethodPost, "/api/v1/devices/dev1/relays/1", map[string]any{"action": "ON"}},
		{"discovery start", http.MethodPost, "/api/v1/discovery/start", nil},
		{"discovery cancel", http.MethodPost, "/api/v1/discovery/cancel", nil},
		{"discovery status", http.MethodGet, "/api/v1/discovery/status", nil},
		{"discovery adopt", http.MethodPost, "/api/v1/discovery/adopt", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			if rec.Code != http.StatusServiceUnavailable {
				t.Errorf("status = %d, want 503", rec.Code)
			}
		})
	}
}

func TestDiscoveryLifecycle(t *testing.T) {
	env := newTestEnv(t)

	// No session yet.
	rec := env.do(t, http.MethodGet, "/api/v1/discovery/status", nil)
	body := decodeBody(t, rec)
	if body["active"] != false {
		t.Fatalf("initial status active = %v, want false", body["active"])
	}

	rec = env.do(t, http.MethodPost, "/api/v1/discovery/start", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	body = decodeBody(t, rec)
	sessionID, _ := body["session_id"].(string)
	if sessionID == "" {
		t.Fatal("start response has no session_id")
	}

	// The start broadcast goes out on the all-devices topic.
	if got := env.mqtt.publishedTo("cmnd/tasmotas/Status"); len(got) == 0 {
		t.Error("no Status broadcast published on start")
	}

	// Second start conflicts.
	rec = env.do(t, http.MethodPost, "/api/v1/discovery/start", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second start status = %d, want 409", rec.Code)
	}

	// Adopting a running session conflicts.
	rec = env.do(t, http.MethodPost, "/api/v1/discovery/adopt", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("adopt while active status = %d, want 409", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/discovery/status", nil)
	body = decodeBody(t, rec)
	if body["active"] != true || body["session_id"] != sessionID {
		t.Errorf("status = %v, want active session %s", body, sessionID)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/discovery/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/discovery/status", nil)
	body = decodeBody(t, rec)
	if body["active"] != false || body["outcome"] != "cancelled" {
		t.Errorf("status after cancel = %v, want cancelled", body)
	}

	// Cancelled session cannot be cancelled again or adopted.
	rec = env.do(t, http.MethodPost, "/api/v1/discovery/cancel", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("double cancel status = %d, want 404", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/v1/discovery/adopt", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("adopt after cancel status = %d, want 404", rec.Code)
	}

	// A new session can start once the previous one is closed.
	rec = env.do(t, http.MethodPost, "/api/v1/discovery/start", nil)
	if rec.Code != http.StatusAccepted {
		t.Errorf("restart status = %d, want 202", rec.Code)
	}
	body = decodeBody(t, rec)
	if body["session_id"] == sessionID {
		t.Error("restarted session reused the old session id")
	}
}

func TestDiscoveryStartRequiresConnection(t *testing.T) {
	env := newTestEnv(t)
	env.mqtt.mu.Lock()
	env.mqtt.connected = false
	env.mqtt.mu.Unlock()

	rec := env.do(t, http.MethodPost, "/api/v1/discovery/start", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnvNoBridge(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("X-Request-ID = %q, want abc-123", got)
	}

	rec2 := env.do(t, http.MethodGet, "/api/v1/health", nil)
	if rec2.Header().Get("X-Request-ID") == "" {
		t.Error("generated X-Request-ID missing from response")
	}
}

func TestErrorResponseShape(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/devices/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var apiErr Error
	if err := json.Unmarshal(rec.Body.Bytes(), &apiErr); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Code != ErrCodeNotFound {
		t.Errorf("error = %+v, want 404/not_found", apiErr)
	}
}
