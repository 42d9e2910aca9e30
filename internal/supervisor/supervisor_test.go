package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRetriesUntilCancelled(t *testing.T) {
	var mu sync.Mutex
	var results []Result
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("boom")
	s := New("orderbook", backoff.NewConstantBackOff(time.Millisecond), func(_ context.Context, r Result) {
		mu.Lock()
		results = append(results, r)
		if len(results) == 3 {
			cancel()
		}
		mu.Unlock()
	})

	err := s.Run(ctx, func(context.Context) error { return boom })
	require.ErrorIs(t, err, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, i+1, r.Attempt)
		assert.Equal(t, "orderbook", r.Stream)
		assert.ErrorIs(t, r.Err, boom)
	}
}

func TestRunRecoversPanics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Result, 1)
	s := New("trades", backoff.NewConstantBackOff(time.Hour), func(_ context.Context, r Result) {
		got <- r
		cancel()
	})

	err := s.Run(ctx, func(context.Context) error { panic("decode exploded") })
	require.ErrorIs(t, err, context.Canceled)

	r := <-got
	assert.ErrorIs(t, r.Err, ErrPanic)
	assert.Contains(t, r.Err.Error(), "decode exploded")
}

func TestRunCancellationIsNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	failures := 0
	s := New("orderbook", backoff.NewConstantBackOff(time.Millisecond), func(context.Context, Result) { failures++ })

	err := s.Run(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, failures)
}

func TestRunCleanExitIsReportedAsFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Result, 1)
	s := New("orderbook", backoff.NewConstantBackOff(time.Hour), func(_ context.Context, r Result) {
		got <- r
		cancel()
	})
	_ = s.Run(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, (<-got).Err, ErrAttemptEnded)
}

func TestRunWaitIsCancellable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New("orderbook", backoff.NewConstantBackOff(time.Hour), nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, func(context.Context) error { return errors.New("fail") }) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("backoff wait ignored cancellation")
	}
}

func TestRunStopsWhenBackoffGivesUp(t *testing.T) {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
	s := New("orderbook", b, nil)

	calls := 0
	err := s.Run(context.Background(), func(context.Context) error {
		calls++
		return errors.New("fail")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}
