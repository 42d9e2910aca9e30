package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"bookflow/internal/channel"
	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
)

// PairLister returns the pairs that should be followed. symbols.Catalog
// implements it.
type PairLister interface {
	ActivePairs(ctx context.Context) ([]models.TradingPair, error)
}

type poolEntry struct {
	runner runner
	cancel context.CancelFunc
	done   chan struct{}
}

// Pool runs one PairPipeline per active pair.
type Pool struct {
	cfg     PairConfig
	fetcher SnapshotFetcher
	sink    channel.Sink
	log     *logger.Log

	mu      sync.RWMutex
	entries map[models.TradingPair]*poolEntry

	newPipeline func(models.TradingPair) runner
}

type runner interface {
	Run(ctx context.Context) error
	View(depth int) models.BookView
}

func NewPool(cfg PairConfig, fetcher SnapshotFetcher, sink channel.Sink) *Pool {
	p := &Pool{
		cfg:     cfg,
		fetcher: fetcher,
		sink:    sink,
		log:     logger.GetLogger(),
		entries: make(map[models.TradingPair]*poolEntry),
	}
	p.newPipeline = func(pair models.TradingPair) runner {
		return NewPairPipeline(pair, p.cfg, p.fetcher, p.sink)
	}
	return p
}

// Sync starts pipelines for new pairs and stops the ones no longer listed.
// Removed pipelines are joined before Sync returns.
func (p *Pool) Sync(ctx context.Context, pairs []models.TradingPair) {
	want := make(map[models.TradingPair]struct{}, len(pairs))
	for _, pair := range pairs {
		want[pair] = struct{}{}
	}

	p.mu.Lock()
	var removed []*poolEntry
	var removedPairs []models.TradingPair
	for pair, e := range p.entries {
		if _, ok := want[pair]; !ok {
			e.cancel()
			removed = append(removed, e)
			removedPairs = append(removedPairs, pair)
			delete(p.entries, pair)
		}
	}
	var added []models.TradingPair
	for _, pair := range pairs {
		if _, ok := p.entries[pair]; ok {
			continue
		}
		p.entries[pair] = p.start(ctx, pair)
		added = append(added, pair)
	}
	p.mu.Unlock()

	for _, e := range removed {
		<-e.done
	}
	for _, pair := range removedPairs {
		metrics.ForgetPair(pair.String())
	}

	if len(added) > 0 || len(removedPairs) > 0 {
		p.log.WithComponent("pool").WithFields(logger.Fields{
			"added":   added,
			"removed": removedPairs,
			"active":  len(pairs),
		}).Info("pair set updated")
	}
}

func (p *Pool) start(ctx context.Context, pair models.TradingPair) *poolEntry {
	runCtx, cancel := context.WithCancel(ctx)
	e := &poolEntry{runner: p.newPipeline(pair), cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(e.done)
		_ = e.runner.Run(runCtx)
	}()
	return e
}

// Watch lists active pairs every interval and syncs the pool until ctx is
// done. A failed listing keeps the current set.
func (p *Pool) Watch(ctx context.Context, lister PairLister, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	log := p.log.WithComponent("pool")

	refresh := func() {
		pairs, err := lister.ActivePairs(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("Error getting active exchange information. Check network connection.")
			}
			return
		}
		p.Sync(ctx, pairs)
	}

	refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.Stop()
			return ctx.Err()
		case <-ticker.C:
			refresh()
		}
	}
}

// Stop cancels and joins every pipeline.
func (p *Pool) Stop() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[models.TradingPair]*poolEntry)
	p.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	for _, e := range entries {
		<-e.done
	}
}

// Pairs returns the followed pairs in name order.
func (p *Pool) Pairs() []models.TradingPair {
	p.mu.RLock()
	out := make([]models.TradingPair, 0, len(p.entries))
	for pair := range p.entries {
		out = append(out, pair)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Book returns the reconciled book of pair, or false when the pair is not
// followed.
func (p *Pool) Book(pair models.TradingPair, depth int) (models.BookView, bool) {
	p.mu.RLock()
	e, ok := p.entries[pair]
	p.mu.RUnlock()
	if !ok {
		return models.BookView{}, false
	}
	return e.runner.View(depth), true
}

// Books returns every followed book at depth.
func (p *Pool) Books(depth int) []models.BookView {
	pairs := p.Pairs()
	out := make([]models.BookView, 0, len(pairs))
	for _, pair := range pairs {
		if v, ok := p.Book(pair, depth); ok {
			out = append(out, v)
		}
	}
	return out
}

// LiveCount reports how many books are live, for the runtime report.
func (p *Pool) LiveCount() int {
	n := 0
	for _, v := range p.Books(1) {
		if v.State == models.BookLive {
			n++
		}
	}
	return n
}
