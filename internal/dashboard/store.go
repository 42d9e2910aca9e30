package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"bookflow/internal/metrics"
)

const defaultHistory = 200

// history keeps the last limit items appended to it.
type history[T any] struct {
	mu    sync.RWMutex
	items []T
	next  int
	full  bool
}

func newHistory[T any](limit int) *history[T] {
	if limit <= 0 {
		limit = defaultHistory
	}
	return &history[T]{items: make([]T, limit)}
}

func (h *history[T]) add(item T) {
	h.mu.Lock()
	h.items[h.next] = item
	h.next = (h.next + 1) % len(h.items)
	if h.next == 0 {
		h.full = true
	}
	h.mu.Unlock()
}

// list returns the retained items oldest first, keeping those keep accepts.
func (h *history[T]) list(keep func(T) bool) []T {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ordered := h.items[:h.next]
	if h.full {
		ordered = append(append([]T(nil), h.items[h.next:]...), h.items[:h.next]...)
	}
	out := make([]T, 0, len(ordered))
	for _, item := range ordered {
		if keep == nil || keep(item) {
			out = append(out, item)
		}
	}
	return out
}

// recordFilter selects history entries by component and pair; empty fields
// match everything.
type recordFilter struct {
	Component string
	Pair      string
}

func (f recordFilter) match(component, pair string) bool {
	return (f.Component == "" || f.Component == component) && (f.Pair == "" || f.Pair == pair)
}

type metricStore struct {
	*history[metrics.Metric]
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{newHistory[metrics.Metric](limit)}
}

func (s *metricStore) handle(m metrics.Metric) { s.add(m) }

func (s *metricStore) snapshot(f recordFilter) []metrics.Metric {
	return s.list(func(m metrics.Metric) bool { return f.match(m.Component, m.Pair) })
}

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     logrus.Level           `json:"-"`
	Component string                 `json:"component,omitempty"`
	Pair      string                 `json:"pair,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook retaining recent entries for the dashboard.
type logStore struct {
	*history[logRecord]
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	s := &logStore{history: newHistory[logRecord](limit)}
	s.enabled.Store(true)
	return s
}

func (s *logStore) Levels() []logrus.Level { return logrus.AllLevels }

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level,
		Message:   entry.Message,
		Fields:    make(map[string]interface{}, len(entry.Data)),
	}
	for k, v := range entry.Data {
		switch k {
		case "component":
			record.Component = fmt.Sprint(v)
			continue
		case "pair":
			record.Pair = fmt.Sprint(v)
		}
		switch val := v.(type) {
		case error:
			record.Fields[k] = val.Error()
		case fmt.Stringer:
			record.Fields[k] = val.String()
		default:
			record.Fields[k] = val
		}
	}

	s.add(record)
	return nil
}

// snapshot returns entries at level or more severe that match f.
func (s *logStore) snapshot(f recordFilter, level logrus.Level) []logRecord {
	return s.list(func(r logRecord) bool {
		return r.Level <= level && f.match(r.Component, r.Pair)
	})
}

func (s *logStore) close() { s.enabled.Store(false) }
