package metrics

import (
	"sync"
	"testing"

	"github.com/KOPOData2025/Hana1QLiving-sub002/logger"
)

func TestRegisterAndEmit(t *testing.T) {
	var mu sync.Mutex
	var received []Metric

	id := RegisterMetricHandler(func(m Metric) {
		mu.Lock()
		received = append(received, m)
		mu.Unlock()
	})
	defer UnregisterMetricHandler(id)

	if id == 0 {
		t.Fatal("registered handler must receive a non-zero id")
	}

	EmitMetric(nil, "gateway", "broadcasts", 42, "", logger.Fields{"kind": "PRICE"})

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 metric, got %d", len(received))
	}
	m := received[0]
	if m.Component != "gateway" || m.Name != "broadcasts" {
		t.Errorf("unexpected metric identity %s/%s", m.Component, m.Name)
	}
	if m.Type != "counter" {
		t.Errorf("empty type must default to counter, got %q", m.Type)
	}
	if m.Fields["kind"] != "PRICE" {
		t.Errorf("unexpected fields %v", m.Fields)
	}
}

func TestEmitCopiesFields(t *testing.T) {
	var mu sync.Mutex
	var got logger.Fields

	id := RegisterMetricHandler(func(m Metric) {
		mu.Lock()
		got = m.Fields
		mu.Unlock()
	})
	defer UnregisterMetricHandler(id)

	fields := logger.Fields{"kind": "PRICE"}
	EmitMetric(nil, "gateway", "broadcasts", 1, "counter", fields)
	fields["kind"] = "QUOTE"

	mu.Lock()
	defer mu.Unlock()
	if got["kind"] != "PRICE" {
		t.Errorf("handler must see a copy of the fields, got %v", got)
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	var mu sync.Mutex
	count := 0

	id := RegisterMetricHandler(func(Metric) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	EmitMetric(nil, "gateway", "broadcasts", 1, "counter", nil)
	UnregisterMetricHandler(id)
	EmitMetric(nil, "gateway", "broadcasts", 1, "counter", nil)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected exactly 1 delivery, got %d", count)
	}
}

func TestEmitIgnoresInvalidInput(t *testing.T) {
	if id := RegisterMetricHandler(nil); id != 0 {
		t.Errorf("nil handler must not register, got id %d", id)
	}

	// An unnamed metric is dropped without panicking.
	EmitMetric(nil, "gateway", "", 1, "counter", nil)
	UnregisterMetricHandler(0)
}
