package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bookflow/logger"
)

// Metric is one structured metric event. Pair is lifted out of Fields when
// the emitter tagged the event with a trading pair.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Pair      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// MetricHandler receives every emitted Metric on the emitting goroutine and
// must not block.
type MetricHandler func(Metric)

type MetricHandlerID uint64

type registeredHandler struct {
	id MetricHandlerID
	fn MetricHandler
}

var (
	// handlersMu serialises writers; readers load the current slice.
	handlersMu    sync.Mutex
	handlers      atomic.Pointer[[]registeredHandler]
	lastHandlerID atomic.Uint64
)

// RegisterMetricHandler returns 0 for a nil handler.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}
	id := MetricHandlerID(lastHandlerID.Add(1))

	handlersMu.Lock()
	defer handlersMu.Unlock()
	next := append(currentHandlers(), registeredHandler{id: id, fn: handler})
	handlers.Store(&next)
	return id
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}
	handlersMu.Lock()
	defer handlersMu.Unlock()

	current := currentHandlers()
	next := make([]registeredHandler, 0, len(current))
	for _, h := range current {
		if h.id != id {
			next = append(next, h)
		}
	}
	handlers.Store(&next)
}

// currentHandlers returns a copy safe to append to.
func currentHandlers() []registeredHandler {
	p := handlers.Load()
	if p == nil {
		return nil
	}
	return append([]registeredHandler(nil), (*p)...)
}

func recordMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" {
		return Metric{}, false
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	metric := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    make(logger.Fields, len(fields)),
	}
	for k, v := range fields {
		metric.Fields[k] = v
	}
	if pair, ok := fields["pair"]; ok {
		metric.Pair = fmt.Sprint(pair)
	}

	log.WithComponent(component).WithFields(fields).WithFields(logger.Fields{
		"metric":      name,
		"metric_type": metricType,
		"value":       value,
	}).Debug("metric")

	if p := handlers.Load(); p != nil {
		for _, h := range *p {
			h.fn(metric)
		}
	}
	return metric, true
}
