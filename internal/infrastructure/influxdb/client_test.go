package influxdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tasmolink/tasmolink/internal/infrastructure/config"
)

// TestConnectDisabled verifies that a disabled config short-circuits.
func TestConnectDisabled(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() with disabled config error = %v, want ErrDisabled", err)
	}
}

// TestConnectUnreachable verifies connection failure handling.
func TestConnectUnreachable(t *testing.T) {
	cfg := config.InfluxDBConfig{
		Enabled: true,
		URL:     "http://127.0.0.1:19999",
		Token:   "test-token",
		Org:     "tasmolink",
		Bucket:  "telemetry",
	}

	_, err := Connect(cfg)
	if err == nil {
		t.Fatal("Connect() to unreachable server should fail")
	}
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

// TestIsConnectedInitialState verifies the zero value is disconnected.
func TestIsConnectedInitialState(t *testing.T) {
	c := &Client{}
	if c.IsConnected() {
		t.Error("IsConnected() on zero client should be false")
	}
}

// TestCloseNil verifies Close on an unconnected client is safe.
func TestCloseNil(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
}

// TestHealthCheckDisconnected verifies health check reports disconnection.
func TestHealthCheckDisconnected(t *testing.T) {
	c := &Client{}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

// TestWritesDropWhenDisconnected verifies write helpers are no-ops when
// disconnected rather than panicking on the nil write API.
func TestWritesDropWhenDisconnected(t *testing.T) {
	c := &Client{}

	// None of these should panic
	c.WriteCapabilityMetric("dev-1", "measure_temperature", "SI7021.Temperature", 21.5)
	c.WriteEnergyMetric("dev-1", 23.0, 1.2)
	c.WriteAvailabilityEvent("dev-1", true)
	c.WritePoint("custom", map[string]string{"a": "b"}, map[string]interface{}{"v": 1})
	c.WritePointWithTime("custom", nil, map[string]interface{}{"v": 1}, time.Now())
	c.Flush()
}

// TestSetOnError verifies the error callback is stored.
func TestSetOnError(t *testing.T) {
	c := &Client{}

	called := false
	c.SetOnError(func(error) { called = true })

	c.mu.RLock()
	callback := c.onError
	c.mu.RUnlock()

	if callback == nil {
		t.Fatal("SetOnError() did not store callback")
	}
	callback(errors.New("test"))
	if !called {
		t.Error("stored callback was not invoked")
	}
}
