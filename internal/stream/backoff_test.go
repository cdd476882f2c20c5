package stream

import (
	"testing"
	"time"
)

func TestBackoff_NominalDoublesAndCaps(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 30 * time.Second}
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, w := range want {
		if got := b.Nominal(attempt); got != w {
			t.Errorf("Nominal(%d) = %v, want %v", attempt, got, w)
		}
	}
	if got := b.Nominal(-3); got != time.Second {
		t.Errorf("Nominal(-3) = %v, want base", got)
	}
	if got := b.Nominal(500); got != 30*time.Second {
		t.Errorf("Nominal(500) = %v, want cap", got)
	}
}

func TestBackoff_NominalNonDecreasing(t *testing.T) {
	b := Backoff{Base: 300 * time.Millisecond, Cap: 7 * time.Second}
	prev := time.Duration(0)
	for attempt := 0; attempt < 40; attempt++ {
		d := b.Nominal(attempt)
		if d < prev {
			t.Fatalf("Nominal(%d) = %v < previous %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	low := Backoff{Base: time.Second, Cap: 30 * time.Second, Jitter: 0.2, Rand: func() float64 { return 0 }}
	if got := low.Delay(0); got != 800*time.Millisecond {
		t.Errorf("low jitter delay = %v, want 800ms", got)
	}
	mid := Backoff{Base: time.Second, Cap: 30 * time.Second, Jitter: 0.2, Rand: func() float64 { return 0.5 }}
	if got := mid.Delay(2); got != 4*time.Second {
		t.Errorf("mid jitter delay = %v, want 4s", got)
	}

	b := Backoff{Base: time.Second, Cap: 30 * time.Second, Jitter: 0.2}
	for attempt := 0; attempt < 8; attempt++ {
		nominal := b.Nominal(attempt)
		lo := time.Duration(float64(nominal) * 0.8)
		hi := time.Duration(float64(nominal) * 1.2)
		for i := 0; i < 50; i++ {
			d := b.Delay(attempt)
			if d < lo || d > hi {
				t.Fatalf("Delay(%d) = %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestBackoff_NoJitter(t *testing.T) {
	b := Backoff{Base: 50 * time.Millisecond, Cap: time.Second}
	if got := b.Delay(3); got != 400*time.Millisecond {
		t.Errorf("Delay(3) = %v, want 400ms", got)
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		Disconnected:   "disconnected",
		Connecting:     "connecting",
		Authenticating: "authenticating",
		Connected:      "connected",
		Degraded:       "degraded",
		Reconnecting:   "reconnecting",
		State(42):      "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
