package ratelimit

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func TestNewWindow_Validation(t *testing.T) {
	tests := []struct {
		name   string
		limit  int
		period time.Duration
	}{
		{"zero limit", 0, time.Second},
		{"negative limit", -1, time.Second},
		{"zero period", 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWindow(tt.limit, tt.period, quietLogger())
			if !errors.Is(err, ErrInvalidLimit) {
				t.Errorf("NewWindow(%d, %s) error = %v, want ErrInvalidLimit", tt.limit, tt.period, err)
			}
		})
	}
}

// fixedClock points w at a clock the test moves by hand.
func fixedClock(w *Window, start time.Time) *time.Time {
	now := start
	w.now = func() time.Time { return now }
	return &now
}

func TestWindow_AdmitFixedClock(t *testing.T) {
	w, err := NewWindow(2, time.Minute, quietLogger())
	if err != nil {
		t.Fatalf("NewWindow() error = %v", err)
	}

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := fixedClock(w, base)

	tests := []struct {
		name string
		now  time.Time
		want time.Duration
	}{
		{"first call admitted immediately", base, 0},
		{"second call admitted immediately", base.Add(time.Second), 0},
		{"third call waits for first to expire", base.Add(2 * time.Second), 58*time.Second + admitGuard},
		{"refused call consumed nothing", base.Add(2 * time.Second), 58*time.Second + admitGuard},
		{"admitted once first has left the window", base.Add(61 * time.Second), 0},
		{"next call waits for second to expire", base.Add(61 * time.Second), admitGuard},
		{"late call after window is admitted at once", base.Add(5 * time.Minute), 0},
	}

	for _, tt := range tests {
		*clock = tt.now
		if got := w.admit(); got != tt.want {
			t.Errorf("%s: admit() at %v = %v, want %v", tt.name, tt.now, got, tt.want)
		}
	}
}

func TestWindow_AdmissionsRespectCeiling(t *testing.T) {
	const limit = 3
	period := time.Minute

	w, _ := NewWindow(limit, period, quietLogger())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := fixedClock(w, base)

	var admitted []time.Time
	for step := 0; step < 200; step++ {
		*clock = base.Add(time.Duration(step) * 7 * time.Second)
		for w.admit() == 0 {
			admitted = append(admitted, *clock)
		}
	}

	if len(admitted) < 20 {
		t.Fatalf("only %d admissions over the run", len(admitted))
	}
	for i := limit; i < len(admitted); i++ {
		if gap := admitted[i].Sub(admitted[i-limit]); gap < period {
			t.Errorf("admissions %d and %d only %v apart, window of %v admitted more than %d", i-limit, i, gap, period, limit)
		}
	}
}

func TestWindow_State(t *testing.T) {
	w, _ := NewWindow(2, time.Hour, quietLogger())

	if s := w.State(); s.Saturated() || s.TimeUntilSlot() != 0 {
		t.Errorf("empty window state = %+v, want unsaturated with no wait", s)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := w.Acquire(ctx); err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
	}

	s := w.State()
	if !s.Saturated() {
		t.Errorf("State().InWindow = %d, want saturated at %d", s.InWindow, s.Limit)
	}
	if s.TimeUntilSlot() <= 0 {
		t.Error("TimeUntilSlot() should be positive for a full window")
	}
}

func TestWindow_RateCeiling(t *testing.T) {
	const (
		limit  = 3
		period = 40 * time.Millisecond
		calls  = 60
	)

	w, _ := NewWindow(limit, period, quietLogger())
	ctx := context.Background()

	done := make([]time.Time, calls)
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := w.Acquire(ctx); err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			done[i] = time.Now()
		}(i)
	}
	wg.Wait()

	sort.Slice(done, func(i, j int) bool { return done[i].Before(done[j]) })
	if done[0].IsZero() {
		t.Fatal("not every acquire completed")
	}
	for i := limit; i < len(done); i++ {
		if gap := done[i].Sub(done[i-limit]); gap < period {
			t.Errorf("acquires %d and %d completed %v apart, window of %v saw more than %d", i-limit, i, gap, period, limit)
		}
	}

	if minimum := (calls/limit - 1) * period; time.Since(start) < minimum {
		t.Errorf("%d acquires at %d/%v finished in %v, want at least %v", calls, limit, period, time.Since(start), minimum)
	}
}

func TestWindow_AcquireCancelled(t *testing.T) {
	w, _ := NewWindow(1, time.Hour, quietLogger())

	if err := w.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := w.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire() on full window error = %v, want DeadlineExceeded", err)
	}
	if s := w.State(); s.InWindow != 1 {
		t.Errorf("cancelled wait consumed a slot: InWindow = %d, want 1", s.InWindow)
	}
}

func TestWindow_CancelWhileQueued(t *testing.T) {
	w, _ := NewWindow(1, time.Hour, quietLogger())
	if err := w.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}

	headCtx, cancelHead := context.WithCancel(context.Background())
	headDone := make(chan error, 1)
	go func() { headDone <- w.Acquire(headCtx) }()

	// Wait until the head caller holds the turn.
	for len(w.turn) == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("queued Acquire() error = %v, want DeadlineExceeded", err)
	}

	cancelHead()
	if err := <-headDone; !errors.Is(err, context.Canceled) {
		t.Errorf("head Acquire() error = %v, want Canceled", err)
	}
	if len(w.turn) != 0 {
		t.Error("turn still held after every caller returned")
	}
}

func TestWindow_AcquireAlreadyCancelled(t *testing.T) {
	w, _ := NewWindow(5, time.Second, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := w.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire() error = %v, want Canceled", err)
	}
	if s := w.State(); s.InWindow != 0 {
		t.Errorf("cancelled acquire consumed a slot: InWindow = %d", s.InWindow)
	}
}
