package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestNewRedisWindow_Validation(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	if _, err := NewRedisWindow(nil, "k", 1, time.Second, quietLogger()); err == nil {
		t.Error("NewRedisWindow(nil client) should fail")
	}

	if _, err := NewRedisWindow(client, "k", 0, time.Second, quietLogger()); !errors.Is(err, ErrInvalidLimit) {
		t.Errorf("zero limit error = %v, want ErrInvalidLimit", err)
	}

	if _, err := NewRedisWindow(client, "k", 1, time.Microsecond, quietLogger()); !errors.Is(err, ErrInvalidLimit) {
		t.Errorf("sub-millisecond period error = %v, want ErrInvalidLimit", err)
	}

	w, err := NewRedisWindow(client, "", 5, time.Second, quietLogger())
	if err != nil {
		t.Fatalf("NewRedisWindow() error = %v", err)
	}
	if w.key != DefaultRedisKey {
		t.Errorf("key = %q, want %q", w.key, DefaultRedisKey)
	}
}

func TestState_TimeUntilSlot(t *testing.T) {
	past := State{Limit: 1, InWindow: 1, NextSlotAt: time.Now().Add(-time.Second)}
	if d := past.TimeUntilSlot(); d != 0 {
		t.Errorf("TimeUntilSlot() for past slot = %v, want 0", d)
	}

	future := State{Limit: 1, InWindow: 1, NextSlotAt: time.Now().Add(time.Minute)}
	if d := future.TimeUntilSlot(); d <= 0 || d > time.Minute {
		t.Errorf("TimeUntilSlot() = %v, want within (0, 1m]", d)
	}
}
