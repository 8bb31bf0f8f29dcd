// Package concurrency implements the adaptive global admission limit
// for copy/verification work (C11, spec §4.11). It generalizes the
// teacher's fixed worker-count semaphore (ivoronin-dupedog/internal/
// scanner/scanner.go's walkerSem) into a value that moves within
// [1, max] based on rolling p95 latency and resource pressure signals,
// and layers a circuit breaker (sony/gobreaker, from jordigilh-
// kubernaut's stack) on top so sustained pressure drops the limit
// straight to its floor of 1 rather than grinding down one step per
// evaluation.
package concurrency

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/johnnywatts/forker/internal/metrics"
)

// Signals is one sample of the resource pressure inputs the controller
// reacts to (spec §4.11: "rolling p95 copy latency and two resource
// signals").
type Signals struct {
	CopyLatency   time.Duration
	MemoryPercent float64 // process-wide committed memory, 0-100
	DiskIOPS      float64 // recent estimate
}

// Config parameterizes the controller's thresholds.
type Config struct {
	Max                 int
	LatencyThreshold    time.Duration
	MemoryWatermark     float64 // percent
	DiskIOPSWatermark   float64
	EvaluationInterval  time.Duration
	LatencyWindow       int // number of samples retained for the p95 estimate
}

// DefaultConfig returns the values named in spec §4.11.
func DefaultConfig(max int) Config {
	return Config{
		Max:                max,
		LatencyThreshold:   30 * time.Second,
		MemoryWatermark:    85,
		DiskIOPSWatermark:  0, // unset: disk pressure not gating by default
		EvaluationInterval: 30 * time.Second,
		LatencyWindow:      128,
	}
}

// Controller holds the current admission limit and a circuit breaker
// that trips the limit to its floor under sustained pressure. In-flight
// copies are never preempted when the limit drops (I12) — the limit
// only gates new admissions.
type Controller struct {
	cfg     Config
	mu      sync.Mutex
	cond    *sync.Cond
	current int // admission limit, in [1, cfg.Max]
	inFlight int // admitted and not yet released
	samples []time.Duration

	breaker *gobreaker.CircuitBreaker[struct{}]
}

// New constructs a Controller starting at cfg.Max.
func New(cfg Config) *Controller {
	c := &Controller{cfg: cfg, current: cfg.Max}
	c.cond = sync.NewCond(&c.mu)
	c.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "copy-admission",
		MaxRequests: 1,
		Interval:    cfg.EvaluationInterval,
		Timeout:     cfg.EvaluationInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	metrics.ConcurrencyLimit.Set(float64(c.current))
	return c
}

// Admit blocks until an admission slot is available under the current
// limit, or ctx is cancelled. A drop in the limit never evicts
// already-admitted work (I12): Admit only gates new entrants.
func (c *Controller) Admit(ctx context.Context) error {
	// Wake the waiter on cancellation too: cond.Wait only returns on
	// Broadcast/Signal, which ctx.Done() alone would never trigger.
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.inFlight >= c.current {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.cond.Wait()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.inFlight++
	return nil
}

// Release returns an admission slot after a copy/verify finishes and
// wakes every waiter; those still over the limit go back to waiting.
func (c *Controller) Release() {
	c.mu.Lock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

// RecordLatency feeds one completed copy's duration into the rolling
// window the p95 estimate is computed from.
func (c *Controller) RecordLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, d)
	if len(c.samples) > c.cfg.LatencyWindow {
		c.samples = c.samples[len(c.samples)-c.cfg.LatencyWindow:]
	}
}

func (c *Controller) p95Locked() time.Duration {
	if len(c.samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), c.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

var errResourcePressure = errors.New("resource pressure")

// Evaluate applies one AIMD step given the latest resource signals, per
// spec §4.11's decrement/increment rule. Every call is also routed
// through the circuit breaker so a single pressure sample only costs
// the controller its usual one-step decrement, but once
// ReadyToTrip's run of consecutive pressure samples opens the breaker,
// Execute itself starts refusing the call (returning gobreaker's own
// open-state error without even invoking the function) — at that point
// Evaluate floors the limit outright rather than decrementing it one
// more step, until the breaker's timeout lets a trial call back through.
func (c *Controller) Evaluate(signals Signals) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	p95 := c.p95Locked()
	pressure := p95 > c.cfg.LatencyThreshold || signals.MemoryPercent > c.cfg.MemoryWatermark ||
		(c.cfg.DiskIOPSWatermark > 0 && signals.DiskIOPS > c.cfg.DiskIOPSWatermark)

	_, breakerErr := c.breaker.Execute(func() (struct{}, error) {
		if pressure {
			return struct{}{}, errResourcePressure
		}
		return struct{}{}, nil
	})

	switch {
	case errors.Is(breakerErr, gobreaker.ErrOpenState), errors.Is(breakerErr, gobreaker.ErrTooManyRequests):
		c.current = 1
	case pressure:
		if c.current > 1 {
			c.current--
		}
	case c.current < c.cfg.Max:
		c.current++
	}

	metrics.ConcurrencyLimit.Set(float64(c.current))
	c.cond.Broadcast()
	return c.current
}

// Current returns the controller's current admission limit.
func (c *Controller) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// EvaluationInterval reports how often the caller should invoke
// Evaluate, per the configured cadence.
func (c *Controller) EvaluationInterval() time.Duration {
	return c.cfg.EvaluationInterval
}
