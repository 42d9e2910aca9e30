package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"

	"bookflow/internal/channel"
	"bookflow/internal/metrics"
	"bookflow/internal/orderbook"
	"bookflow/logger"
	"bookflow/models"
)

var (
	// ErrStaleDiff marks a diff whose sequence id is not newer than the book.
	ErrStaleDiff = errors.New("diff is not newer than the book")
	// ErrSnapshotNotNewer is returned by Seed when a live book is already at
	// or past the snapshot's sequence id.
	ErrSnapshotNotNewer = errors.New("snapshot is not newer than the live book")
	// ErrSnapshotSuperseded is returned by Seed when the book was marked stale
	// after the snapshot was requested.
	ErrSnapshotSuperseded = errors.New("snapshot requested before the book was last marked stale")
	// ErrReconcilerStopped is returned once Run has exited.
	ErrReconcilerStopped = errors.New("reconciler stopped")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("reconciler already running")
)

const (
	defaultPendingBuffer = 1000
	defaultIntakeBuffer  = 1024
)

type ReconcilerConfig struct {
	PendingBuffer int
	IntakeBuffer  int
}

type controlEvent struct {
	snapshot *models.Snapshot
	epoch    uint64
	reason   string
	done     chan error
}

// ReconcilerStats are running totals for one pair.
type ReconcilerStats struct {
	Applied    int64
	Discarded  int64
	Overflow   int64
	Dropped    int64
	Reseeds    int64
	Superseded int64
}

// Reconciler merges snapshots and diffs of one pair into a consistent book.
// Run is the only goroutine that mutates the book; Submit, Seed and MarkStale
// hand events to it.
type Reconciler struct {
	pair models.TradingPair
	sink channel.Sink
	log  *logger.Log
	now  func() time.Time

	intake   chan models.Diff
	control  chan controlEvent
	seedReq  chan struct{}
	stopped  chan struct{}
	overflow atomic.Bool
	running  atomic.Bool
	// epoch advances on every markStale
	epoch atomic.Uint64

	pending    deque.Deque[models.Diff]
	pendingCap int

	// guarded by mu; written only by Run
	mu        sync.RWMutex
	book      *orderbook.Book
	state     models.BookState
	seq       int64
	updatedAt time.Time

	applied, discarded, overflowed, dropped, reseeds, superseded atomic.Int64
}

func NewReconciler(pair models.TradingPair, cfg ReconcilerConfig, sink channel.Sink) *Reconciler {
	if cfg.PendingBuffer <= 0 {
		cfg.PendingBuffer = defaultPendingBuffer
	}
	if cfg.IntakeBuffer <= 0 {
		cfg.IntakeBuffer = defaultIntakeBuffer
	}
	if sink == nil {
		sink = channel.Discard{}
	}

	r := &Reconciler{
		pair:       pair,
		sink:       sink,
		log:        logger.GetLogger(),
		now:        time.Now,
		intake:     make(chan models.Diff, cfg.IntakeBuffer),
		control:    make(chan controlEvent),
		seedReq:    make(chan struct{}, 1),
		stopped:    make(chan struct{}),
		pendingCap: cfg.PendingBuffer,
		book:       orderbook.New(),
		state:      models.BookUnseeded,
	}
	r.requestSeed()
	r.publishGauges()
	return r
}

func (r *Reconciler) Pair() models.TradingPair { return r.pair }

// SeedRequests delivers a signal whenever the book needs a fresh snapshot.
// Requests coalesce while nobody is reading.
func (r *Reconciler) SeedRequests() <-chan struct{} { return r.seedReq }

// Submit queues a diff without blocking. When the intake is full the diff is
// dropped and the book is marked stale on the next turn of Run.
func (r *Reconciler) Submit(d models.Diff) bool {
	select {
	case r.intake <- d:
		return true
	default:
		r.overflow.Store(true)
		r.dropped.Add(1)
		metrics.EmitDropMetric(r.log, metrics.DropMetricIntake, r.pair.String(), "reconciler")
		return false
	}
}

// Epoch identifies the current stream session. Read it before fetching a
// snapshot and pass it to Seed.
func (r *Reconciler) Epoch() uint64 { return r.epoch.Load() }

// Seed hands a snapshot to Run and waits for it to be applied. A snapshot
// whose epoch is older than the book's is rejected with ErrSnapshotSuperseded:
// it may predate diffs the current session never received.
func (r *Reconciler) Seed(ctx context.Context, epoch uint64, snap models.Snapshot) error {
	return r.sendControl(ctx, controlEvent{snapshot: &snap, epoch: epoch})
}

// MarkStale invalidates the book and requests a reseed.
func (r *Reconciler) MarkStale(ctx context.Context, reason string) error {
	return r.sendControl(ctx, controlEvent{reason: reason})
}

func (r *Reconciler) sendControl(ctx context.Context, ev controlEvent) error {
	ev.done = make(chan error, 1)
	select {
	case r.control <- ev:
	case <-r.stopped:
		return ErrReconcilerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ev.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run applies events in arrival order until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(r.stopped)

	log := r.log.WithComponent("reconciler").WithPair(r.pair)
	log.Info("reconciler started")
	defer log.Info("reconciler stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-r.control:
			ev.done <- r.handleControl(ev)
		case d := <-r.intake:
			r.handleDiff(d)
		}

		if r.overflow.Swap(false) {
			r.markStale("intake overflow")
		}
	}
}

func (r *Reconciler) handleControl(ev controlEvent) error {
	if ev.snapshot != nil {
		if current := r.epoch.Load(); ev.epoch != current {
			r.superseded.Add(1)
			r.log.WithComponent("reconciler").WithFields(logger.Fields{
				"pair":        r.pair,
				"sequence_id": ev.snapshot.SequenceID,
				"epoch":       ev.epoch,
				"book_epoch":  current,
			}).Debug("snapshot superseded; refetch pending")
			return ErrSnapshotSuperseded
		}
		return r.applySnapshot(*ev.snapshot)
	}
	r.markStale(ev.reason)
	return nil
}

func (r *Reconciler) handleDiff(d models.Diff) {
	if r.state != models.BookLive {
		r.bufferDiff(d)
		return
	}
	if err := r.applyDiff(d); err != nil && !errors.Is(err, ErrStaleDiff) {
		r.log.WithComponent("reconciler").WithPair(r.pair).WithError(err).Warn("diff not applied")
	}
}

func (r *Reconciler) bufferDiff(d models.Diff) {
	r.pending.PushBack(d)
	for r.pending.Len() > r.pendingCap {
		evicted := r.pending.PopFront()
		r.overflowed.Add(1)
		metrics.PendingOverflow.WithLabelValues(r.pair.String()).Inc()
		r.log.WithComponent("reconciler").WithFields(logger.Fields{
			"pair":        r.pair,
			"sequence_id": evicted.SequenceID,
		}).Debug("pending buffer full; oldest diff evicted")
	}
	metrics.PendingDiffs.WithLabelValues(r.pair.String()).Set(float64(r.pending.Len()))
}

// applyDiff sets each level of d on a live book. Gaps in sequence ids are
// accepted.
func (r *Reconciler) applyDiff(d models.Diff) error {
	if d.SequenceID <= r.seq {
		r.discarded.Add(1)
		metrics.DiffsDiscarded.WithLabelValues(r.pair.String()).Inc()
		r.log.WithComponent("reconciler").WithFields(logger.Fields{
			"pair":        r.pair,
			"sequence_id": d.SequenceID,
			"book_id":     r.seq,
		}).Debug("sequence anomaly; diff discarded")
		return fmt.Errorf("%w: %d <= %d", ErrStaleDiff, d.SequenceID, r.seq)
	}

	r.mu.Lock()
	r.book.Apply(models.SideBid, d.Bids)
	r.book.Apply(models.SideAsk, d.Asks)
	r.seq = d.SequenceID
	r.updatedAt = r.now()
	r.mu.Unlock()

	r.applied.Add(1)
	metrics.DiffsApplied.WithLabelValues(r.pair.String()).Inc()
	metrics.SequenceID.WithLabelValues(r.pair.String()).Set(float64(d.SequenceID))
	r.sink.PublishDiff(d)
	return nil
}

func (r *Reconciler) applySnapshot(snap models.Snapshot) error {
	log := r.log.WithComponent("reconciler").WithFields(logger.Fields{
		"pair":        r.pair,
		"sequence_id": snap.SequenceID,
		"state":       r.state.String(),
	})

	if r.state == models.BookLive && snap.SequenceID <= r.seq {
		log.WithField("book_id", r.seq).Debug("snapshot not newer than live book; discarded")
		return ErrSnapshotNotNewer
	}

	wasLive := r.state == models.BookLive
	r.mu.Lock()
	r.book.Replace(snap.Bids, snap.Asks)
	r.seq = snap.SequenceID
	r.state = models.BookLive
	r.updatedAt = r.now()
	r.mu.Unlock()

	if !wasLive {
		r.reseeds.Add(1)
		metrics.Reseeds.WithLabelValues(r.pair.String()).Inc()
	}
	r.sink.PublishSnapshot(snap)

	replayed := r.replayPending()
	r.publishGauges()
	log.WithField("replayed", replayed).Info("book seeded")
	return nil
}

// replayPending applies buffered diffs in ascending sequence order. Diffs at
// or below the book's sequence id are dropped.
func (r *Reconciler) replayPending() int {
	n := r.pending.Len()
	if n == 0 {
		return 0
	}
	diffs := make([]models.Diff, 0, n)
	for r.pending.Len() > 0 {
		diffs = append(diffs, r.pending.PopFront())
	}
	sort.SliceStable(diffs, func(i, j int) bool { return diffs[i].SequenceID < diffs[j].SequenceID })

	replayed := 0
	for _, d := range diffs {
		if err := r.applyDiff(d); err == nil {
			replayed++
		}
	}
	return replayed
}

func (r *Reconciler) markStale(reason string) {
	r.epoch.Add(1)
	r.pending.Clear()
	if r.state == models.BookLive {
		r.mu.Lock()
		r.state = models.BookStale
		r.mu.Unlock()
	}
	r.requestSeed()
	r.publishGauges()

	r.log.WithComponent("reconciler").WithFields(logger.Fields{
		"pair":   r.pair,
		"reason": reason,
		"state":  r.state.String(),
	}).Warn("book marked stale; reseed requested")
}

func (r *Reconciler) requestSeed() {
	select {
	case r.seedReq <- struct{}{}:
	default:
	}
}

func (r *Reconciler) publishGauges() {
	pair := r.pair.String()
	metrics.ReconcilerState.WithLabelValues(pair).Set(float64(r.state))
	metrics.SequenceID.WithLabelValues(pair).Set(float64(r.seq))
	metrics.PendingDiffs.WithLabelValues(pair).Set(float64(r.pending.Len()))
}

// View returns a copy of the book with at most depth levels per side.
func (r *Reconciler) View(depth int) models.BookView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return models.BookView{
		Pair:       r.pair,
		State:      r.state,
		SequenceID: r.seq,
		Bids:       r.book.Bids(depth),
		Asks:       r.book.Asks(depth),
		UpdatedAt:  r.updatedAt,
	}
}

func (r *Reconciler) State() models.BookState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Reconciler) Stats() ReconcilerStats {
	return ReconcilerStats{
		Applied:    r.applied.Load(),
		Discarded:  r.discarded.Load(),
		Overflow:   r.overflowed.Load(),
		Dropped:    r.dropped.Load(),
		Reseeds:    r.reseeds.Load(),
		Superseded: r.superseded.Load(),
	}
}
