package transport

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	t.Run("DefaultSequence", func(t *testing.T) {
		b := NewBackoff(BackoffConfig{})

		expected := []time.Duration{
			250 * time.Millisecond,
			500 * time.Millisecond,
			1 * time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			10 * time.Second,
			10 * time.Second, // stays at max
		}

		for i, exp := range expected {
			base := b.Current()
			_ = b.Next()
			if base != exp {
				t.Errorf("attempt %d: base = %v, want %v", i, base, exp)
			}
		}
		if b.Attempts() != len(expected) {
			t.Errorf("Attempts() = %d, want %d", b.Attempts(), len(expected))
		}
	})

	t.Run("Jitter", func(t *testing.T) {
		b := NewBackoff(BackoffConfig{Initial: time.Second, Jitter: 0.5})
		d := b.Next()
		if d < time.Second || d > 1500*time.Millisecond {
			t.Errorf("Next() = %v, want within [1s, 1.5s]", d)
		}
	})

	t.Run("NoJitter", func(t *testing.T) {
		b := NewBackoff(BackoffConfig{Initial: 10 * time.Millisecond, Max: 15 * time.Millisecond})
		if d := b.Next(); d != 10*time.Millisecond {
			t.Errorf("first delay = %v", d)
		}
		b.Next()
		if got := b.Current(); got != 15*time.Millisecond {
			t.Errorf("Current() = %v, want capped at 15ms", got)
		}
	})

	t.Run("Reset", func(t *testing.T) {
		b := NewBackoff(BackoffConfig{})
		for i := 0; i < 5; i++ {
			b.Next()
		}
		if b.Current() <= InitialBackoff {
			t.Error("backoff should have increased")
		}

		b.Reset()
		if b.Current() != InitialBackoff {
			t.Errorf("after Reset: %v, want %v", b.Current(), InitialBackoff)
		}
		if b.Attempts() != 0 {
			t.Errorf("after Reset: attempts = %d, want 0", b.Attempts())
		}
	})
}
