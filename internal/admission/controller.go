// Package admission implements the closed-loop write admission controller
// described in spec.md §4.E: a ring buffer of recent commit latencies feeds
// an approximate p99, which drives an integer current_limit on in-flight
// writes. Writes over the limit are rejected outright rather than queued.
package admission

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arkiliandb/eventcore/pkg/types"
)

// Config controls the controller's target and bounds.
type Config struct {
	// TargetP99Ms is the p99 commit latency the controller steers toward.
	TargetP99Ms int

	// HardCap is the upper bound on current_limit.
	HardCap int

	// MinLimit is the lower bound on current_limit (default: 1).
	MinLimit int

	// SampleWindow is how many recent completions feed the p99 estimate.
	SampleWindow int

	// Tick is how often the limit is reevaluated in the background, in
	// addition to the every-Nth-completion check On Release performs.
	Tick time.Duration

	// EvaluateEveryN re-evaluates the limit after every N-th completion, in
	// addition to the periodic tick.
	EvaluateEveryN int
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		TargetP99Ms:    100,
		HardCap:        256,
		MinLimit:       1,
		SampleWindow:   512,
		Tick:           time.Second,
		EvaluateEveryN: 50,
	}
}

// Controller is the admission gate every write passes through before it
// reaches the writer. Callers call Acquire before submitting a commit and
// Release (with the observed latency) once it completes.
type Controller struct {
	cfg Config

	currentLimit atomic.Int32
	inFlight     atomic.Int32

	accepted    atomic.Int64
	rejected    atomic.Int64
	adjustments atomic.Int64

	mu        sync.Mutex
	samples   []time.Duration
	head      int
	full      bool
	sinceEval int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Controller starting at half the hard cap and runs its
// periodic reevaluation tick until Close is called.
func New(cfg Config) *Controller {
	if cfg.MinLimit <= 0 {
		cfg.MinLimit = 1
	}
	if cfg.HardCap <= 0 {
		cfg.HardCap = 256
	}
	if cfg.SampleWindow <= 0 {
		cfg.SampleWindow = 512
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.EvaluateEveryN <= 0 {
		cfg.EvaluateEveryN = 50
	}

	c := &Controller{
		cfg:     cfg,
		samples: make([]time.Duration, cfg.SampleWindow),
		stopCh:  make(chan struct{}),
	}
	start := cfg.HardCap / 2
	if start < cfg.MinLimit {
		start = cfg.MinLimit
	}
	c.currentLimit.Store(int32(start))

	c.wg.Add(1)
	go c.tickLoop()
	return c
}

// Close stops the background reevaluation tick.
func (c *Controller) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Acquire admits or rejects a write attempt. On acceptance, the caller must
// call Release exactly once with the observed commit latency.
func (c *Controller) Acquire() error {
	limit := c.currentLimit.Load()
	inFlight := c.inFlight.Add(1)
	if inFlight > limit {
		c.inFlight.Add(-1)
		c.rejected.Add(1)
		return &types.Overloaded{CurrentLimit: int(limit), InFlight: int(inFlight - 1)}
	}
	c.accepted.Add(1)
	return nil
}

// Release records a completed write's latency and may trigger a limit
// reevaluation.
func (c *Controller) Release(latency time.Duration) {
	c.inFlight.Add(-1)

	c.mu.Lock()
	c.samples[c.head] = latency
	c.head = (c.head + 1) % len(c.samples)
	if c.head == 0 {
		c.full = true
	}
	c.sinceEval++
	evaluate := c.sinceEval >= c.cfg.EvaluateEveryN
	if evaluate {
		c.sinceEval = 0
	}
	c.mu.Unlock()

	if evaluate {
		c.adjust()
	}
}

// ObservedP99Ms returns the approximate p99 commit latency over the current
// sample window, in milliseconds.
func (c *Controller) ObservedP99Ms() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.p99Locked()
}

func (c *Controller) p99Locked() float64 {
	n := c.head
	if c.full {
		n = len(c.samples)
	}
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	if c.full {
		copy(sorted, c.samples)
	} else {
		copy(sorted, c.samples[:n])
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := (n * 99) / 100
	if idx >= n {
		idx = n - 1
	}
	return float64(sorted[idx]) / float64(time.Millisecond)
}

func (c *Controller) tickLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.adjust()
		}
	}
}

// adjust implements the three-way decision from spec.md §4.E: back off when
// latency is running hot and rejections aren't already doing the work,
// ramp up when there's headroom and demand to use it, otherwise hold.
func (c *Controller) adjust() {
	c.mu.Lock()
	p99 := c.p99Locked()
	c.mu.Unlock()

	if p99 == 0 {
		return
	}

	target := float64(c.cfg.TargetP99Ms)
	current := c.currentLimit.Load()
	inFlight := c.inFlight.Load()
	rate := c.RejectionRate()

	switch {
	case p99 > target*1.1 && rate < 0.20:
		next := current - 1
		if next < int32(c.cfg.MinLimit) {
			next = int32(c.cfg.MinLimit)
		}
		if next != current {
			c.currentLimit.Store(next)
			c.adjustments.Add(1)
		}
	case p99 < target*0.7 && float64(inFlight) >= float64(current)*0.9:
		next := current + 1
		if next > int32(c.cfg.HardCap) {
			next = int32(c.cfg.HardCap)
		}
		if next != current {
			c.currentLimit.Store(next)
			c.adjustments.Add(1)
		}
	}
}

// RejectionRate returns the fraction of admission attempts rejected since
// the controller started.
func (c *Controller) RejectionRate() float64 {
	accepted := c.accepted.Load()
	rejected := c.rejected.Load()
	total := accepted + rejected
	if total == 0 {
		return 0
	}
	return float64(rejected) / float64(total)
}

// Metrics is a point-in-time snapshot for observability, matching the
// fields spec.md §4.E requires exposed.
type Metrics struct {
	CurrentLimit     int
	ObservedP99Ms    float64
	RequestsAccepted int64
	RequestsRejected int64
	RejectionRate    float64
	Adjustments      int64
}

// Snapshot returns the current metrics.
func (c *Controller) Snapshot() Metrics {
	return Metrics{
		CurrentLimit:     int(c.currentLimit.Load()),
		ObservedP99Ms:    c.ObservedP99Ms(),
		RequestsAccepted: c.accepted.Load(),
		RequestsRejected: c.rejected.Load(),
		RejectionRate:    c.RejectionRate(),
		Adjustments:      c.adjustments.Load(),
	}
}

// CurrentLimit returns the current in-flight write budget.
func (c *Controller) CurrentLimit() int {
	return int(c.currentLimit.Load())
}
