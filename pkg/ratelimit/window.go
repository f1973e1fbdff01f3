package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limiting.
var (
	acquiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admin_export_ratelimit_acquires_total",
		Help: "Total number of admitted calls by limiter backend",
	}, []string{"backend"})

	acquireWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "admin_export_ratelimit_wait_seconds",
		Help:    "Time callers spent waiting for a rate limit slot",
		Buckets: []float64{0, 0.01, 0.1, 1, 5, 30, 60, 300},
	}, []string{"backend"})
)

// slowWait is the wait above which an admission is logged at warn level.
const slowWait = time.Second

// admitGuard pads every window so a caller that returns from Acquire a
// little after its admission was logged still lands outside the window of
// the call N places before it.
const admitGuard = time.Millisecond

// Window is an in-memory sliding-log limiter.
//
// Callers take turns in arrival order. The caller holding the turn reads
// the clock under the lock and is admitted only when fewer than Limit
// admissions lie within the trailing Period (plus a small guard); the
// admission time written to the log is that reading, taken after any
// sleep. Any interval of length Period therefore holds at most Limit
// admissions, however late a timer fires.
type Window struct {
	turn   chan struct{} // held by the caller at the head of the queue
	mu     sync.Mutex
	limit  int
	period time.Duration
	ring   []time.Time // last `limit` admissions, oldest at next when full
	next   int
	count  int
	now    func() time.Time
	logger zerolog.Logger
}

// NewWindow creates an in-memory limiter admitting limit calls per period.
func NewWindow(limit int, period time.Duration, logger zerolog.Logger) (*Window, error) {
	if limit <= 0 || period <= 0 {
		return nil, fmt.Errorf("%w (limit=%d, period=%s)", ErrInvalidLimit, limit, period)
	}
	return &Window{
		turn:   make(chan struct{}, 1),
		limit:  limit,
		period: period,
		ring:   make([]time.Time, limit),
		now:    time.Now,
		logger: logger,
	}, nil
}

// Acquire blocks until a slot is available.
// A cancelled wait consumes no slot.
func (w *Window) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	select {
	case w.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-w.turn }()

	warned := false
	for {
		wait := w.admit()
		if wait <= 0 {
			break
		}

		if !warned && wait > slowWait {
			warned = true
			w.logger.Warn().
				Dur("wait", wait).
				Int("limit", w.limit).
				Dur("period", w.period).
				Msg("Rate limit window full - waiting for slot")
		}

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}

	acquiresTotal.WithLabelValues("memory").Inc()
	acquireWaitSeconds.WithLabelValues("memory").Observe(time.Since(start).Seconds())
	return nil
}

// admit records an admission at the current time and returns 0, or
// returns how long to wait before trying again without recording one.
func (w *Window) admit() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if w.count == w.limit {
		if wait := w.ring[w.next].Add(w.period + admitGuard).Sub(now); wait > 0 {
			return wait
		}
	} else {
		w.count++
	}

	w.ring[w.next] = now
	w.next = (w.next + 1) % w.limit
	return 0
}

// State returns a snapshot of the admission window.
func (w *Window) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	state := State{Limit: w.limit, Period: w.period, NextSlotAt: now}

	for i := 0; i < w.count; i++ {
		if w.ring[i].Add(w.period).After(now) {
			state.InWindow++
		}
	}

	if w.count == w.limit {
		if earliest := w.ring[w.next].Add(w.period + admitGuard); earliest.After(now) {
			state.NextSlotAt = earliest
		}
	}
	return state
}
