package dashboard

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"bookflow/logger"
)

// resourceSample is one reading of host and process usage.
type resourceSample struct {
	Timestamp     time.Time
	HostCPU       float64
	HostMemoryPct float64
	MemoryTotal   uint64
	ProcessCPU    float64
	ProcessRSS    uint64
	Goroutines    int
}

// sampleFuncs are swapped out in tests.
var (
	hostCPUFn = func(ctx context.Context, interval time.Duration) (float64, error) {
		pct, err := cpu.PercentWithContext(ctx, interval, false)
		if err != nil || len(pct) == 0 {
			return 0, err
		}
		return pct[0], nil
	}
	hostMemoryFn = mem.VirtualMemoryWithContext
	processFn    = func(ctx context.Context) (cpuPct float64, rss uint64, err error) {
		proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
		if err != nil {
			return 0, 0, err
		}
		if cpuPct, err = proc.CPUPercentWithContext(ctx); err != nil {
			return 0, 0, err
		}
		info, err := proc.MemoryInfoWithContext(ctx)
		if err != nil {
			return 0, 0, err
		}
		return cpuPct, info.RSS, nil
	}
)

// resourceSampler records a sample every interval until stopped.
type resourceSampler struct {
	samples  *history[resourceSample]
	interval time.Duration
	log      *logger.Entry

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newResourceSampler(limit int, interval time.Duration, log *logger.Log) *resourceSampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &resourceSampler{
		samples:  newHistory[resourceSample](limit),
		interval: interval,
		log:      log.WithComponent("resource_sampler"),
	}
}

func (s *resourceSampler) start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

func (s *resourceSampler) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *resourceSampler) snapshot() []resourceSample {
	return s.samples.list(nil)
}

// run blocks in the host CPU reading, which spans one interval.
func (s *resourceSampler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for ctx.Err() == nil {
		sample, err := s.sample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.WithError(err).Debug("resource sample failed")
			if !sleepOrDone(ctx, s.interval) {
				return
			}
			continue
		}
		s.samples.add(sample)
	}
}

func (s *resourceSampler) sample(ctx context.Context) (resourceSample, error) {
	hostCPU, err := hostCPUFn(ctx, s.interval)
	if err != nil {
		return resourceSample{}, err
	}
	vm, err := hostMemoryFn(ctx)
	if err != nil {
		return resourceSample{}, err
	}
	procCPU, rss, err := processFn(ctx)
	if err != nil {
		return resourceSample{}, err
	}
	return resourceSample{
		Timestamp:     time.Now(),
		HostCPU:       hostCPU,
		HostMemoryPct: vm.UsedPercent,
		MemoryTotal:   vm.Total,
		ProcessCPU:    procCPU,
		ProcessRSS:    rss,
		Goroutines:    runtime.NumGoroutine(),
	}, nil
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
