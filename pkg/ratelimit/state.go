// Package ratelimit enforces a ceiling of N calls per rolling window W
// across all callers of the admin API.
//
// Two implementations satisfy Limiter: Window keeps the admission log in
// memory and RedisWindow shares it between processes through a Redis
// sorted set.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Defaults for the organization admin API.
const (
	// DefaultLimit is the number of calls admitted per window.
	DefaultLimit = 500

	// DefaultPeriod is the length of the rolling window.
	DefaultPeriod = 300 * time.Second
)

// ErrInvalidLimit is returned when a limiter is built with a non-positive
// limit or period.
var ErrInvalidLimit = errors.New("rate limit must be positive")

// Limiter delays callers until a call slot is available.
type Limiter interface {
	// Acquire blocks until the caller may issue one call. It returns only
	// when the slot is granted or ctx is done.
	Acquire(ctx context.Context) error
}

// State is a point-in-time snapshot of a limiter's window.
type State struct {
	// Limit is the configured ceiling per window.
	Limit int `json:"limit"`

	// Period is the rolling window length.
	Period time.Duration `json:"period"`

	// InWindow is the number of admissions inside the trailing window.
	InWindow int `json:"in_window"`

	// NextSlotAt is the earliest time a new caller could be admitted.
	NextSlotAt time.Time `json:"next_slot_at"`
}

// Saturated reports whether the window is full.
func (s State) Saturated() bool {
	return s.InWindow >= s.Limit
}

// TimeUntilSlot returns the duration until the next slot frees up.
// Returns 0 if a slot is available now.
func (s State) TimeUntilSlot() time.Duration {
	d := time.Until(s.NextSlotAt)
	if d < 0 {
		return 0
	}
	return d
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
