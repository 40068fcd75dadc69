//go:build integration

package mqtt

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tasmolink/tasmolink/internal/infrastructure/config"
)

// Integration tests for MQTT connection behaviour.
// These tests require a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func integrationConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "tasmolink-integration-test",
			TLS:      false,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// TestIntegration_Connect verifies connection establishment and teardown.
func TestIntegration_Connect(t *testing.T) {
	cfg := integrationConfig()

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close(), want false")
	}
}

// TestIntegration_PublishSubscribeRoundtrip verifies message delivery.
func TestIntegration_PublishSubscribeRoundtrip(t *testing.T) {
	pubCfg := integrationConfig()
	pubCfg.Broker.ClientID = "tasmolink-int-pub"
	subCfg := integrationConfig()
	subCfg.Broker.ClientID = "tasmolink-int-sub"

	pub, err := Connect(pubCfg)
	if err != nil {
		t.Fatalf("Connect() pub error = %v", err)
	}
	defer pub.Close()

	sub, err := Connect(subCfg)
	if err != nil {
		t.Fatalf("Connect() sub error = %v", err)
	}
	defer sub.Close()

	topic := "tasmolink/test/roundtrip"
	received := make(chan []byte, 1)

	err = sub.Subscribe(topic, 1, func(_ string, payload []byte) error {
		received <- payload
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	want := []byte(`{"POWER":"ON"}`)
	if err := pub.Publish(topic, want, 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if string(got) != string(want) {
			t.Errorf("received %s, want %s", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not received within timeout")
	}
}

// TestIntegration_WildcardSubscription verifies + wildcard matching across
// multiple device topics.
func TestIntegration_WildcardSubscription(t *testing.T) {
	pubCfg := integrationConfig()
	pubCfg.Broker.ClientID = "tasmolink-int-wild-pub"
	subCfg := integrationConfig()
	subCfg.Broker.ClientID = "tasmolink-int-wild-sub"

	pub, err := Connect(pubCfg)
	if err != nil {
		t.Fatalf("Connect() pub error = %v", err)
	}
	defer pub.Close()

	sub, err := Connect(subCfg)
	if err != nil {
		t.Fatalf("Connect() sub error = %v", err)
	}
	defer sub.Close()

	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)

	err = sub.Subscribe("stat/+/POWER", 1, func(_ string, _ []byte) error {
		count.Add(1)
		wg.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	topics := []string{
		"stat/kitchen_plug/POWER",
		"stat/hall_light/POWER",
		"stat/garage_door/POWER",
	}
	for _, topic := range topics {
		if err := pub.PublishString(topic, "ON", 1, false); err != nil {
			t.Fatalf("Publish(%s) error = %v", topic, err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if count.Load() != 3 {
			t.Errorf("received %d messages, want 3", count.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("received %d of 3 messages within timeout", count.Load())
	}
}

// TestIntegration_SubscriptionTracking verifies subscriptions are tracked
// for restoration on reconnect.
func TestIntegration_SubscriptionTracking(t *testing.T) {
	cfg := integrationConfig()
	cfg.Broker.ClientID = "tasmolink-int-sub-track"

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	handler := func(string, []byte) error { return nil }
	topics := []string{"stat/#", "tele/#", "+/stat/#", "+/tele/#"}

	for _, topic := range topics {
		if err := client.Subscribe(topic, 1, handler); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
	}

	if client.SubscriptionCount() != len(topics) {
		t.Errorf("SubscriptionCount() = %d, want %d", client.SubscriptionCount(), len(topics))
	}

	if err := client.Unsubscribe("stat/#"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if client.HasSubscription("stat/#") {
		t.Error("HasSubscription(stat/#) = true after Unsubscribe")
	}
}
