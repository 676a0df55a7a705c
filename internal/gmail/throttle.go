package gmail

import (
	"context"
	"math"
	"sync"
	"time"
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// realClock implements Clock using the standard time package.
type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

const (
	emaAlpha = 0.3

	minDelay = 50 * time.Millisecond
	maxDelay = 5 * time.Second

	baseConcurrency = 20

	defaultBackoff = 60 * time.Second

	// A 429-free half minute earns back one msg/s of target.
	recoveryWindow = 30 * time.Second
)

// ThrottleStats is a point-in-time snapshot for health reporting.
type ThrottleStats struct {
	TargetPerSec   float64 `json:"target_per_sec"`
	Concurrency    int     `json:"concurrency"`
	DelayMs        int64   `json:"delay_ms"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	RateLimitCount int     `json:"rate_limit_count"`
	InBackoff      bool    `json:"in_backoff"`
}

// Throttle paces Gmail batch requests so the emitted rate stays under the
// per-user quota. Delay is the fine knob, concurrency the coarse one: a slow
// network widens the pipe, a fast one inserts pauses. The controller is
// asymmetric because a single 429 costs a minute of dead time plus a target
// reduction, so it widens easily and narrows slowly.
type Throttle struct {
	mu    sync.Mutex
	clock Clock

	target         float64 // configured msg/sec
	minTarget      float64
	maxConcurrency int

	emaLatency      float64 // ms
	delay           time.Duration
	concurrency     int
	backoffUntil    time.Time
	rateLimitCount  int
	lastRateLimit   time.Time
	lastRecovery    time.Time
	effectiveTarget float64
}

// NewThrottle creates a throttle for the given target rate and concurrency
// ceiling.
func NewThrottle(targetPerSec float64, maxConcurrency int) *Throttle {
	return newThrottle(realClock{}, targetPerSec, maxConcurrency)
}

// NewThrottleWithClock is NewThrottle with an injected clock. Tests use it
// to elapse delays and backoff windows without sleeping.
func NewThrottleWithClock(clk Clock, targetPerSec float64, maxConcurrency int) *Throttle {
	return newThrottle(clk, targetPerSec, maxConcurrency)
}

func newThrottle(clk Clock, targetPerSec float64, maxConcurrency int) *Throttle {
	if targetPerSec <= 0 {
		targetPerSec = 47
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 40
	}
	minTarget := 30.0
	if minTarget > targetPerSec {
		minTarget = targetPerSec
	}
	return &Throttle{
		clock:           clk,
		target:          targetPerSec,
		minTarget:       minTarget,
		maxConcurrency:  maxConcurrency,
		delay:           100 * time.Millisecond,
		concurrency:     baseConcurrency,
		effectiveTarget: targetPerSec,
	}
}

// Wait blocks for the remaining backoff if a 429 is being served, otherwise
// for the current inter-batch delay.
func (t *Throttle) Wait(ctx context.Context) error {
	t.mu.Lock()
	now := t.clock.Now()
	d := t.delay
	if now.Before(t.backoffUntil) {
		d = t.backoffUntil.Sub(now)
	}
	t.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.clock.After(d):
		return nil
	}
}

// Concurrency returns the number of batches the caller may keep in flight.
func (t *Throttle) Concurrency() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.concurrency
}

// OnBatchComplete feeds one batch's measured latency into the model and
// recomputes the (delay, concurrency) pair.
func (t *Throttle) OnBatchComplete(latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	latencyMs := float64(latency.Milliseconds())
	if t.emaLatency == 0 {
		t.emaLatency = latencyMs
	} else {
		t.emaLatency = emaAlpha*latencyMs + (1-emaAlpha)*t.emaLatency
	}

	// cycleTarget is how long one full round of `concurrency` batches may
	// take while staying at the effective rate.
	cycleTarget := float64(t.concurrency) * 1000 / t.effectiveTarget
	required := time.Duration(cycleTarget-t.emaLatency) * time.Millisecond

	if required >= minDelay {
		if required > maxDelay {
			required = maxDelay
		}
		t.delay = required
		if t.concurrency > baseConcurrency && required > 50*time.Millisecond {
			t.concurrency -= 2
			if t.concurrency < baseConcurrency {
				t.concurrency = baseConcurrency
			}
		}
	} else {
		// Latency alone already paces us; widen the pipe instead.
		t.delay = minDelay
		want := int(math.Ceil(t.effectiveTarget * t.emaLatency / 1000))
		if want > t.maxConcurrency {
			want = t.maxConcurrency
		}
		if t.concurrency < want {
			t.concurrency += 5
			if t.concurrency > want {
				t.concurrency = want
			}
		}
	}

	t.recoverLocked()
}

// recoverLocked restores the effective target after quiet periods. One
// msg/s is earned back per full 30s window elapsed since the last 429 (or
// the last recovery step), counted as floor(elapsed/window): a single hit
// that drops 47 to 42 is back at 44 one minute later.
func (t *Throttle) recoverLocked() {
	if t.rateLimitCount == 0 {
		return
	}
	now := t.clock.Now()
	since := t.lastRateLimit
	if t.lastRecovery.After(since) {
		since = t.lastRecovery
	}
	elapsed := now.Sub(since)
	if now.Sub(t.lastRateLimit) < recoveryWindow {
		return
	}
	steps := float64(int(elapsed / recoveryWindow))
	if steps <= 0 {
		return
	}
	t.effectiveTarget += steps
	t.lastRecovery = now
	if t.effectiveTarget >= t.target {
		t.effectiveTarget = t.target
		t.rateLimitCount = 0
	}
}

// OnRateLimit records a 429. retryAfterSec of zero applies the default
// 60 second backoff.
func (t *Throttle) OnRateLimit(retryAfterSec int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	backoff := defaultBackoff
	if retryAfterSec > 0 {
		backoff = time.Duration(retryAfterSec) * time.Second
	}
	now := t.clock.Now()
	t.backoffUntil = now.Add(backoff)
	t.rateLimitCount++
	t.lastRateLimit = now

	t.effectiveTarget -= 5
	if t.effectiveTarget < t.minTarget {
		t.effectiveTarget = t.minTarget
	}

	t.concurrency -= 5
	if t.concurrency < baseConcurrency {
		t.concurrency = baseConcurrency
	}

	t.delay = t.delay*2 + 100*time.Millisecond
	if t.delay > maxDelay {
		t.delay = maxDelay
	}
}

// OnError nudges the delay up on non-quota failures.
func (t *Throttle) OnError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delay = time.Duration(float64(t.delay) * 1.2)
	if t.delay > maxDelay {
		t.delay = maxDelay
	}
}

// Stats returns a snapshot for the health endpoint.
func (t *Throttle) Stats() ThrottleStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ThrottleStats{
		TargetPerSec:   t.effectiveTarget,
		Concurrency:    t.concurrency,
		DelayMs:        t.delay.Milliseconds(),
		AvgLatencyMs:   math.Round(t.emaLatency*10) / 10,
		RateLimitCount: t.rateLimitCount,
		InBackoff:      t.clock.Now().Before(t.backoffUntil),
	}
}
