package pipeline

import (
	"context"
	"time"

	"bookflow/internal/channel"
	"bookflow/internal/metrics"
	"bookflow/logger"
)

type PublisherConfig struct {
	Depth         int
	Interval      time.Duration
	InitialPacing time.Duration
	Pacing        time.Duration
	FailurePause  time.Duration
}

// SnapshotPublisher fetches a snapshot of every active pair once at start and
// then at every multiple of Interval, and hands each one to the sink whatever
// the state of the pair's reconciler.
type SnapshotPublisher struct {
	cfg     PublisherConfig
	lister  PairLister
	fetcher SnapshotFetcher
	sink    channel.Sink
	now     func() time.Time
	log     *logger.Log
}

func NewSnapshotPublisher(cfg PublisherConfig, lister PairLister, fetcher SnapshotFetcher, sink channel.Sink) *SnapshotPublisher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if sink == nil {
		sink = channel.Discard{}
	}
	return &SnapshotPublisher{
		cfg:     cfg,
		lister:  lister,
		fetcher: fetcher,
		sink:    sink,
		now:     time.Now,
		log:     logger.GetLogger(),
	}
}

func (p *SnapshotPublisher) Run(ctx context.Context) error {
	log := p.log.WithComponent("snapshot_publisher")
	log.WithFields(logger.Fields{
		"interval": p.cfg.Interval.String(),
		"depth":    p.cfg.Depth,
	}).Info("snapshot publisher started")

	if err := p.pass(ctx, p.cfg.InitialPacing); err != nil {
		return err
	}
	for {
		next := nextAligned(p.now(), p.cfg.Interval)
		if err := sleepCtx(ctx, next.Sub(p.now())); err != nil {
			return err
		}
		if err := p.pass(ctx, p.cfg.Pacing); err != nil {
			return err
		}
	}
}

// pass publishes one snapshot per active pair with pacing between pairs. It
// returns an error only when ctx is done.
func (p *SnapshotPublisher) pass(ctx context.Context, pacing time.Duration) error {
	log := p.log.WithComponent("snapshot_publisher")
	start := time.Now()

	pairs, err := p.lister.ActivePairs(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithError(err).Warn("listing pairs failed; pass skipped")
		return nil
	}

	published := 0
	failed := false
	for i, pair := range pairs {
		// a failure already waited failure_pause
		if i > 0 && !failed {
			if err := sleepCtx(ctx, pacing); err != nil {
				return err
			}
		}
		failed = false

		snap, err := p.fetcher.FetchSnapshot(ctx, pair, p.cfg.Depth)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.SnapshotFailures.WithLabelValues(pair.String(), sourcePublish).Inc()
			log.WithError(err).WithField("pair", pair).Error("snapshot fetch failed")
			if err := sleepCtx(ctx, p.cfg.FailurePause); err != nil {
				return err
			}
			failed = true
			continue
		}
		metrics.SnapshotFetches.WithLabelValues(pair.String(), sourcePublish).Inc()
		if p.sink.PublishSnapshot(snap) {
			published++
		}
	}

	logger.LogPerformanceEntry(log, "snapshot_publisher", "pass", time.Since(start), logger.Fields{
		"pairs":     len(pairs),
		"published": published,
	})
	return nil
}

// nextAligned returns the first multiple of interval strictly after now.
func nextAligned(now time.Time, interval time.Duration) time.Time {
	return now.Truncate(interval).Add(interval)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
