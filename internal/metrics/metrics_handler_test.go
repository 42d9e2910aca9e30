package metrics

import (
	"testing"
	"time"

	"bookflow/logger"
)

func resetMetricHandlers() {
	handlersMu.Lock()
	handlers.Store(nil)
	handlersMu.Unlock()
}

func TestRegisterMetricHandlerReturnsUniqueIDs(t *testing.T) {
	resetMetricHandlers()

	id := RegisterMetricHandler(func(Metric) {})
	if id == 0 {
		t.Fatalf("expected non-zero handler id")
	}
	second := RegisterMetricHandler(func(Metric) {})
	if second == 0 || second == id {
		t.Fatalf("expected unique handler id")
	}
}

func TestRegisterMetricHandlerNil(t *testing.T) {
	resetMetricHandlers()

	if id := RegisterMetricHandler(nil); id != 0 {
		t.Fatalf("expected zero id for nil handler, got %d", id)
	}
}

func TestEmitMetricDispatchesToHandlers(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) { events <- m })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	fields := logger.Fields{"pair": "BTC_USDC", "unit": "count"}
	EmitMetric(logger.Logger(), "reconciler", "diffs_applied", 3, "gauge", fields)

	select {
	case event := <-events:
		if event.Component != "reconciler" || event.Name != "diffs_applied" || event.Type != "gauge" {
			t.Fatalf("unexpected event: %+v", event)
		}
		if event.Pair != "BTC_USDC" {
			t.Fatalf("pair not lifted from fields: %+v", event)
		}
		if _, ok := fields["metric"]; ok {
			t.Fatalf("original fields mutated: %v", fields)
		}
		if _, ok := event.Fields["metric"]; ok {
			t.Fatalf("event fields should not contain metric key: %v", event.Fields)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked")
	}
}

func TestEmitMetricDefaultType(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) { events <- m })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	EmitMetric(nil, "order_book", "updates", 7, "", logger.Fields{"unit": "count"})

	select {
	case event := <-events:
		if event.Type != "counter" {
			t.Fatalf("expected default metric type to be counter, got %s", event.Type)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked for default type")
	}
}

func TestEmitMetricWithoutName(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) { events <- m })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	EmitMetric(nil, "component", "", 1, "counter", nil)

	select {
	case <-events:
		t.Fatal("handler should not receive metrics without a name")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnregisterKeepsOtherHandlers(t *testing.T) {
	resetMetricHandlers()

	var first, second int
	id := RegisterMetricHandler(func(Metric) { first++ })
	keep := RegisterMetricHandler(func(Metric) { second++ })
	t.Cleanup(func() { UnregisterMetricHandler(keep) })
	UnregisterMetricHandler(id)

	EmitMetric(nil, "pool", "pairs", 2, "gauge", nil)
	if first != 0 || second != 1 {
		t.Fatalf("unexpected handler calls: first=%d second=%d", first, second)
	}
}

func TestUnregisterMetricHandler(t *testing.T) {
	resetMetricHandlers()

	calls := 0
	id := RegisterMetricHandler(func(Metric) { calls++ })
	UnregisterMetricHandler(id)

	EmitMetric(nil, "component", "name", 1, "counter", nil)
	if calls != 0 {
		t.Fatalf("unregistered handler invoked %d times", calls)
	}
}
