package dashboard

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookflow/logger"
)

// stubSamplers replaces the collectors for the duration of the test.
func stubSamplers(t *testing.T, procErr error) *atomic.Int32 {
	t.Helper()
	origCPU, origMem, origProc := hostCPUFn, hostMemoryFn, processFn
	t.Cleanup(func() {
		hostCPUFn, hostMemoryFn, processFn = origCPU, origMem, origProc
	})

	calls := &atomic.Int32{}
	hostCPUFn = func(ctx context.Context, interval time.Duration) (float64, error) {
		calls.Add(1)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(interval):
		}
		return 42.5, nil
	}
	hostMemoryFn = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 2048, UsedPercent: 50}, nil
	}
	processFn = func(context.Context) (float64, uint64, error) {
		return 3.5, 512, procErr
	}
	return calls
}

func TestResourceSamplerCollectsSamples(t *testing.T) {
	stubSamplers(t, nil)
	sampler := newResourceSampler(3, 5*time.Millisecond, logger.Logger())

	sampler.start(context.Background())
	require.Eventually(t, func() bool { return len(sampler.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	sampler.stop()

	samples := sampler.snapshot()
	require.Len(t, samples, 3)
	latest := samples[len(samples)-1]
	assert.Equal(t, 42.5, latest.HostCPU)
	assert.Equal(t, 50.0, latest.HostMemoryPct)
	assert.Equal(t, uint64(512), latest.ProcessRSS)
	assert.Equal(t, 3.5, latest.ProcessCPU)
	assert.Positive(t, latest.Goroutines)
}

func TestResourceSamplerSkipsFailedSamples(t *testing.T) {
	calls := stubSamplers(t, errors.New("no such process"))
	sampler := newResourceSampler(3, 2*time.Millisecond, logger.Logger())

	sampler.start(context.Background())
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 2*time.Millisecond)
	sampler.stop()

	assert.Empty(t, sampler.snapshot())
}

func TestResourceSamplerStopIsIdempotent(t *testing.T) {
	stubSamplers(t, nil)
	sampler := newResourceSampler(3, time.Millisecond, logger.Logger())

	sampler.stop()
	sampler.start(context.Background())
	sampler.start(context.Background())
	sampler.stop()
	sampler.stop()
}
