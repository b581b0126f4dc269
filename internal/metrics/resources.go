package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// DefaultSampleInterval is used when a Sampler is created with a zero interval.
const DefaultSampleInterval = 5 * time.Second

var (
	resourceCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "CPU usage of the supervised child.",
		}, []string{"id"},
	)
	resourceRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "memory_rss_bytes",
			Help:      "Resident set size of the supervised child.",
		}, []string{"id"},
	)
	resourceThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "threads",
			Help:      "Thread count of the supervised child.",
		}, []string{"id"},
	)
)

func forgetResources(id string) {
	resourceCPU.DeleteLabelValues(id)
	resourceRSS.DeleteLabelValues(id)
	resourceThreads.DeleteLabelValues(id)
}

// Resources is one sample of a child's OS-level usage.
type Resources struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	SampledAt  time.Time `json:"sampled_at"`
}

// Sampler periodically samples CPU and memory of running children.
type Sampler struct {
	interval time.Duration
	log      *slog.Logger

	mu      sync.RWMutex
	latest  map[string]Resources
	handles map[string]*gopsproc.Process

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewSampler(interval time.Duration, log *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{
		interval: interval,
		log:      log,
		latest:   make(map[string]Resources),
		handles:  make(map[string]*gopsproc.Process),
		stopCh:   make(chan struct{}),
	}
}

// Start samples pids() every interval until ctx ends or Stop is called.
func (s *Sampler) Start(ctx context.Context, pids func() map[string]int32) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Collect(pids())
			}
		}
	}()
}

func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Get returns the latest sample for id.
func (s *Sampler) Get(id string) (Resources, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.latest[id]
	return r, ok
}

// Collect takes one sample of every pid and drops ids no longer present.
func (s *Sampler) Collect(pids map[string]int32) {
	now := time.Now()
	results := make(map[string]Resources, len(pids))
	for id, pid := range pids {
		if pid <= 0 {
			continue
		}
		r, err := s.sample(id, pid, now)
		if err != nil {
			s.log.Debug("resource sample failed", "id", id, "pid", pid, "error", err)
			continue
		}
		results[id] = r
	}

	s.mu.Lock()
	for id := range s.latest {
		if _, ok := results[id]; !ok {
			delete(s.latest, id)
			delete(s.handles, id)
			if regOK.Load() {
				forgetResources(id)
			}
		}
	}
	for id, r := range results {
		s.latest[id] = r
		if regOK.Load() {
			resourceCPU.WithLabelValues(id).Set(r.CPUPercent)
			resourceRSS.WithLabelValues(id).Set(float64(r.MemoryRSS))
			resourceThreads.WithLabelValues(id).Set(float64(r.NumThreads))
		}
	}
	s.mu.Unlock()
}

// sample reuses the gopsutil handle across ticks so CPU percent is measured
// between consecutive samples rather than over the whole process lifetime.
func (s *Sampler) sample(id string, pid int32, at time.Time) (Resources, error) {
	s.mu.Lock()
	h := s.handles[id]
	if h == nil || h.Pid != pid {
		var err error
		h, err = gopsproc.NewProcess(pid)
		if err != nil {
			s.mu.Unlock()
			return Resources{}, fmt.Errorf("open process handle: %w", err)
		}
		s.handles[id] = h
	}
	s.mu.Unlock()

	mem, err := h.MemoryInfo()
	if err != nil {
		return Resources{}, fmt.Errorf("memory info: %w", err)
	}
	cpu, err := h.Percent(0)
	if err != nil {
		cpu = 0
	}
	threads, err := h.NumThreads()
	if err != nil {
		threads = 0
	}
	r := Resources{
		PID:        pid,
		CPUPercent: cpu,
		MemoryRSS:  mem.RSS,
		MemoryVMS:  mem.VMS,
		NumThreads: threads,
		SampledAt:  at,
	}
	if fds, err := h.NumFDs(); err == nil {
		r.NumFDs = fds
	}
	return r, nil
}
