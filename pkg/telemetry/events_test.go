package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByLevel(EventLevelWarning))

	if err := ep.PublishInvocationStarted("t", "inv-1", "1", "r"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := ep.PublishRoleMiss("t", "222222222222"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("Expected 1 event past the level filter, got %d", len(got))
	}
	if got[0].Type != EventTypeRoleMiss {
		t.Errorf("Expected %s, got %s", EventTypeRoleMiss, got[0].Type)
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Error("Expected ID and timestamp to be filled in")
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 100, MaxBatchSize: 10, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var mu sync.Mutex
	var ids []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		ids = append(ids, e.InvocationID)
		mu.Unlock()
	}, FilterByType(EventTypeInvocationFinished))

	for _, id := range []string{"a", "b", "c"} {
		if err := ep.PublishInvocationFinished("t", id, "", "", "completed", ""); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Errorf("Expected events delivered in order [a b c], got %v", ids)
	}

	if err := ep.PublishSkipped("t", "late"); err == nil {
		t.Error("Expected publish after shutdown to fail")
	}
}

func TestEventPublisherDisabled(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{})
	called := false
	ep.Subscribe(func(Event) { called = true }, nil)

	if err := ep.PublishSkipped("t", "x"); err != nil {
		t.Fatalf("Expected disabled publish to succeed, got %v", err)
	}
	if called {
		t.Error("Expected no delivery when events are disabled")
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected no shutdown error, got %v", err)
	}

	var nilEP *EventPublisher
	if err := nilEP.Publish(Event{}); err != nil {
		t.Errorf("Expected nil publisher to ignore events, got %v", err)
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.RecordDispatch("t", "dispatched", 2)
	m.RecordLoopSuppressed("t")
	if m.Registry() != nil {
		t.Error("Expected nil registry for nil metrics")
	}

	disabled, _ := NewMetrics(MetricsConfig{})
	disabled.RecordPoll("t")
	if disabled.NewMetricsServer() != nil {
		t.Error("Expected no server when metrics are disabled")
	}
}

func TestMetricsRecord(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.RecordInvocationStarted("t", "a")
	m.RecordInvocationFinished("t", "completed", time.Second, true)
	m.RecordActionMetrics("t", map[string]float64{"snapshots": 2, "bad": -1})

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{"test_invocations_started_total", "test_invocation_duration_seconds", "test_action_metric_total"} {
		if !found[name] {
			t.Errorf("Expected metric %s to be gathered", name)
		}
	}
	if m.NewMetricsServer() != nil {
		t.Error("Expected no server without a listen address")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to be valid, got %v", err)
	}

	cfg.Logging.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected invalid log level to fail validation")
	}

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "zipkin"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected unsupported exporter to fail validation")
	}
}
