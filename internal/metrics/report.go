package metrics

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"bookflow/logger"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var channels sync.Map // map[string]*channelStat

// RecordChannelMessage counts one message of size bytes on the named channel,
// e.g. "orderbook_ws" or "snapshot_rest".
func RecordChannelMessage(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// ReportSource adds process specific fields, such as book states, to the report.
type ReportSource func() logger.Fields

// StartReport logs a runtime report every interval until ctx is done.
func StartReport(ctx context.Context, log *logger.Log, interval time.Duration, sources ...ReportSource) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log, sources)
			}
		}
	}()
}

func channelSnapshot() map[string]map[string]int64 {
	out := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		out[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})
	return out
}

func logReport(log *logger.Log, sources []ReportSource) logger.Fields {
	cpuPct := 0.0
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	memoryMB := int64(0)
	if vm, err := mem.VirtualMemory(); err == nil {
		memoryMB = int64(vm.Used) / 1024 / 1024
	}
	var bytesSent, bytesRecv uint64
	if io, err := gnet.IOCounters(false); err == nil && len(io) > 0 {
		bytesSent = io[0].BytesSent
		bytesRecv = io[0].BytesRecv
	}

	var warns, errs int64
	for _, c := range logger.ComponentCounts() {
		warns += c.Warns
		errs += c.Errors
	}

	fields := logger.Fields{
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      memoryMB,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
		"warns":          warns,
		"errors":         errs,
		"channels":       channelSnapshot(),
	}
	for _, src := range sources {
		if src == nil {
			continue
		}
		for k, v := range src() {
			fields[k] = v
		}
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	EmitMetric(log, "report", "cpu_percent", cpuPct, "gauge", logger.Fields{"unit": "percent"})
	EmitMetric(log, "report", "memory_mb", memoryMB, "gauge", logger.Fields{"unit": "megabytes"})
	EmitMetric(log, "report", "goroutines", runtime.NumGoroutine(), "gauge", nil)
	for _, key := range []string{"reseeds", "reconnects", "live_books"} {
		if v, ok := fields[key]; ok {
			EmitMetric(log, "report", key, v, "gauge", nil)
		}
	}
	return fields
}
