// Package channel holds the bounded queues between the reconcilers and the
// sink writers.
package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
)

// Sink accepts engine output without blocking. A false return means the
// event was dropped.
type Sink interface {
	PublishDiff(models.Diff) bool
	PublishSnapshot(models.Snapshot) bool
	PublishTrade(models.TradeEvent) bool
}

type ChannelStats struct {
	DiffSent        int64
	DiffDropped     int64
	SnapshotSent    int64
	SnapshotDropped int64
	TradeSent       int64
	TradeDropped    int64
}

// Channels is a Sink backed by three buffered channels, drained by one writer.
type Channels struct {
	Name      string
	Diffs     chan models.Diff
	Snapshots chan models.Snapshot
	Trades    chan models.TradeEvent

	mu     sync.RWMutex
	closed bool
	log    *logger.Log

	diffSent, diffDropped         atomic.Int64
	snapshotSent, snapshotDropped atomic.Int64
	tradeSent, tradeDropped       atomic.Int64
}

func NewChannels(name string, diffBuffer, snapshotBuffer, tradeBuffer int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Name:      name,
		Diffs:     make(chan models.Diff, diffBuffer),
		Snapshots: make(chan models.Snapshot, snapshotBuffer),
		Trades:    make(chan models.TradeEvent, tradeBuffer),
		log:       log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"name":            name,
		"diff_buffer":     diffBuffer,
		"snapshot_buffer": snapshotBuffer,
		"trade_buffer":    tradeBuffer,
	}).Info("channels initialized")

	return c
}

// Close closes the queues. Publishing after Close drops the event.
func (c *Channels) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.Diffs)
	close(c.Snapshots)
	close(c.Trades)
	c.log.WithComponent("channels").WithField("name", c.Name).Info("channels closed")
}

func (c *Channels) PublishDiff(d models.Diff) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.Diffs <- d:
		c.diffSent.Add(1)
		return true
	default:
		c.diffDropped.Add(1)
		metrics.EmitDropMetric(c.log, metrics.DropMetricDiffQueue, d.Pair.String(), c.Name)
		return false
	}
}

func (c *Channels) PublishSnapshot(s models.Snapshot) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.Snapshots <- s:
		c.snapshotSent.Add(1)
		return true
	default:
		c.snapshotDropped.Add(1)
		metrics.EmitDropMetric(c.log, metrics.DropMetricSnapshotQueue, s.Pair.String(), c.Name)
		return false
	}
}

func (c *Channels) PublishTrade(t models.TradeEvent) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.Trades <- t:
		c.tradeSent.Add(1)
		return true
	default:
		c.tradeDropped.Add(1)
		metrics.EmitDropMetric(c.log, metrics.DropMetricTradeQueue, t.Pair.String(), c.Name)
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	return ChannelStats{
		DiffSent:        c.diffSent.Load(),
		DiffDropped:     c.diffDropped.Load(),
		SnapshotSent:    c.snapshotSent.Load(),
		SnapshotDropped: c.snapshotDropped.Load(),
		TradeSent:       c.tradeSent.Load(),
		TradeDropped:    c.tradeDropped.Load(),
	}
}

// StartMetricsReporting emits queue depths every interval until ctx is done.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.reportMetrics()
			}
		}
	}()
}

func (c *Channels) reportMetrics() {
	fields := logger.Fields{"queue": c.Name}
	metrics.EmitMetric(c.log, "channels", "diff_queue_len", len(c.Diffs), "gauge", fields)
	metrics.EmitMetric(c.log, "channels", "snapshot_queue_len", len(c.Snapshots), "gauge", fields)
	metrics.EmitMetric(c.log, "channels", "trade_queue_len", len(c.Trades), "gauge", fields)

	stats := c.GetStats()
	c.log.WithComponent("channels").WithFields(logger.Fields{
		"name":             c.Name,
		"diff_sent":        stats.DiffSent,
		"diff_dropped":     stats.DiffDropped,
		"snapshot_sent":    stats.SnapshotSent,
		"snapshot_dropped": stats.SnapshotDropped,
		"trade_sent":       stats.TradeSent,
		"trade_dropped":    stats.TradeDropped,
	}).Debug("channel stats")
}
