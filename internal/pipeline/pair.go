// Package pipeline wires the per-pair reconcilers to the exchange streams and
// runs the periodic snapshot publisher.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"bookflow/internal/channel"
	"bookflow/internal/metrics"
	"bookflow/internal/supervisor"
	"bookflow/logger"
	"bookflow/models"
	"bookflow/processor"
	"bookflow/reader/ripio"
)

const (
	sourceSeed    = "seed"
	sourcePublish = "publish"
)

// SnapshotFetcher is implemented by ripio.Client.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, pair models.TradingPair, depth int) (models.Snapshot, error)
}

type PairConfig struct {
	Stream           ripio.StreamConfig
	Trades           bool
	Depth            int
	ReconnectBackoff time.Duration
	FailurePause     time.Duration
	Reconciler       processor.ReconcilerConfig
}

func (c PairConfig) withDefaults() PairConfig {
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 5 * time.Second
	}
	if c.FailurePause <= 0 {
		c.FailurePause = 5 * time.Second
	}
	return c
}

// PairPipeline keeps the book of one pair: a reconciler, a seeder answering
// its reseed requests, and supervised diff and trade streams.
type PairPipeline struct {
	pair       models.TradingPair
	cfg        PairConfig
	fetcher    SnapshotFetcher
	sink       channel.Sink
	reconciler *processor.Reconciler
	diffs      *ripio.StreamConsumer
	trades     *ripio.StreamConsumer
	log        *logger.Log
}

func NewPairPipeline(pair models.TradingPair, cfg PairConfig, fetcher SnapshotFetcher, sink channel.Sink) *PairPipeline {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = channel.Discard{}
	}
	rec := processor.NewReconciler(pair, cfg.Reconciler, sink)

	p := &PairPipeline{
		pair:       pair,
		cfg:        cfg,
		fetcher:    fetcher,
		sink:       sink,
		reconciler: rec,
		log:        logger.GetLogger(),
	}

	p.diffs = ripio.NewStreamConsumer(cfg.Stream, ripio.StreamOrderbook, pair, ripio.NewDiffHandler(pair, rec))
	// a fresh connection may have missed diffs; the book is rebuilt from a
	// snapshot taken after the handshake
	p.diffs.OnConnect(func(ctx context.Context) {
		if err := rec.MarkStale(ctx, "stream connected"); err != nil && ctx.Err() == nil {
			p.log.WithComponent("pair_pipeline").WithPair(pair).WithError(err).Warn("reseed on connect failed")
		}
	})
	if cfg.Trades {
		p.trades = ripio.NewStreamConsumer(cfg.Stream, ripio.StreamTrades, pair, ripio.NewTradeHandler(pair, sink))
	}
	return p
}

func (p *PairPipeline) Pair() models.TradingPair { return p.pair }

func (p *PairPipeline) Reconciler() *processor.Reconciler { return p.reconciler }

// Run blocks until ctx is done. If any part stops early the others are
// cancelled too.
func (p *PairPipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := p.log.WithComponent("pair_pipeline").WithPair(p.pair)
	log.Info("pair pipeline started")

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).WithField("task", name).Error("pair task stopped")
			}
		}()
	}

	start("reconciler", p.reconciler.Run)
	start("seeder", p.runSeeder)
	start("diff_stream", func(ctx context.Context) error {
		return p.supervise(ripio.StreamOrderbook, true).Run(ctx, p.diffs.Consume)
	})
	if p.trades != nil {
		start("trade_stream", func(ctx context.Context) error {
			return p.supervise(ripio.StreamTrades, false).Run(ctx, p.trades.Consume)
		})
	}

	<-ctx.Done()
	wg.Wait()
	log.Info("pair pipeline stopped")
	return nil
}

func (p *PairPipeline) supervise(kind ripio.StreamKind, markStale bool) *supervisor.Supervisor {
	name := string(kind) + "_" + p.pair.Topic()
	return supervisor.New(name, backoff.NewConstantBackOff(p.cfg.ReconnectBackoff), func(ctx context.Context, res supervisor.Result) {
		metrics.StreamReconnects.WithLabelValues(p.pair.String(), string(kind)).Inc()
		if !markStale {
			return
		}
		if err := p.reconciler.MarkStale(ctx, res.Err.Error()); err != nil && ctx.Err() == nil {
			p.log.WithComponent("pair_pipeline").WithPair(p.pair).WithError(err).Warn("mark stale failed")
		}
	})
}

// runSeeder answers reseed requests until ctx is done.
func (p *PairPipeline) runSeeder(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.reconciler.SeedRequests():
		}
		if err := p.seed(ctx); err != nil {
			return err
		}
	}
}

// seed fetches snapshots until one is applied, pausing failure_pause between
// failed attempts. A snapshot superseded by a later MarkStale is dropped; that
// MarkStale already queued the next seed request. It returns an error only
// when ctx is done or the reconciler stopped.
func (p *PairPipeline) seed(ctx context.Context) error {
	pair := p.pair.String()
	log := p.log.WithComponent("seeder").WithPair(p.pair)

	op := func() error {
		epoch := p.reconciler.Epoch()
		snap, err := p.fetcher.FetchSnapshot(ctx, p.pair, p.cfg.Depth)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			metrics.SnapshotFailures.WithLabelValues(pair, sourceSeed).Inc()
			return err
		}
		metrics.SnapshotFetches.WithLabelValues(pair, sourceSeed).Inc()

		err = p.reconciler.Seed(ctx, epoch, snap)
		switch {
		case err == nil, errors.Is(err, processor.ErrSnapshotNotNewer):
			return nil
		case errors.Is(err, processor.ErrSnapshotSuperseded):
			log.WithField("sequence_id", snap.SequenceID).Debug("snapshot predates the current session; refetching")
			return nil
		case errors.Is(err, processor.ErrReconcilerStopped), ctx.Err() != nil:
			return backoff.Permanent(err)
		default:
			return err
		}
	}
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait.String()).Warn("snapshot seed failed")
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(p.cfg.FailurePause), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// View returns the reconciled book at depth.
func (p *PairPipeline) View(depth int) models.BookView {
	return p.reconciler.View(depth)
}
