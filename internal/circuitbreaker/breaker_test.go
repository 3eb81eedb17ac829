package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

func TestBreaker_ClosedState(t *testing.T) {
	cb := New(&Config{
		Threshold:    3,
		FailureRatio: 0.6,
		Timeout:      time.Second,
		Interval:     time.Minute,
	})

	if cb.State() != StateClosed {
		t.Errorf("expected StateClosed, got %v", cb.State())
	}

	for i := 0; i < 5; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}

	if cb.State() != StateClosed {
		t.Errorf("expected StateClosed after successes, got %v", cb.State())
	}
}

func TestBreaker_OpensOnFailures(t *testing.T) {
	cb := New(&Config{Threshold: 3, FailureRatio: 0.6, Timeout: 100 * time.Millisecond, Interval: time.Minute})

	testErr := errors.New("test error")

	cb.Execute(func() error { return testErr })
	cb.Execute(func() error { return testErr })

	// Below threshold, still closed.
	if cb.State() != StateClosed {
		t.Errorf("expected StateClosed below threshold, got %v", cb.State())
	}

	// Third failure trips it (3/3 >= 0.6).
	cb.Execute(func() error { return testErr })

	if cb.State() != StateOpen {
		t.Errorf("expected StateOpen after failures, got %v", cb.State())
	}

	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrOpenState) {
		t.Errorf("expected ErrOpenState, got %v", err)
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	cb := New(&Config{Threshold: 2, FailureRatio: 0.5, Timeout: 30 * time.Millisecond, Interval: time.Minute})
	testErr := errors.New("test error")

	cb.Execute(func() error { return testErr })
	cb.Execute(func() error { return testErr })
	if cb.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %v", cb.State())
	}

	time.Sleep(50 * time.Millisecond)

	// First probe after the timeout is allowed; success closes the circuit.
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected probe to run, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected StateClosed after probe success, got %v", cb.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New(&Config{Threshold: 2, FailureRatio: 0.5, Timeout: 30 * time.Millisecond, Interval: time.Minute})
	testErr := errors.New("test error")

	cb.Execute(func() error { return testErr })
	cb.Execute(func() error { return testErr })
	time.Sleep(50 * time.Millisecond)

	cb.Execute(func() error { return testErr })
	if cb.State() != StateOpen {
		t.Errorf("expected StateOpen after probe failure, got %v", cb.State())
	}
}

func TestHostBreaker_IsolatesHosts(t *testing.T) {
	hb := NewHostBreaker(&Config{Threshold: 2, FailureRatio: 0.5, Timeout: time.Minute, Interval: time.Minute})
	testErr := errors.New("test error")

	hb.Execute("broken.example.com", func() error { return testErr })
	hb.Execute("broken.example.com", func() error { return testErr })

	if err := hb.Execute("broken.example.com", func() error { return nil }); !errors.Is(err, ErrOpenState) {
		t.Errorf("expected open circuit for broken host, got %v", err)
	}
	if err := hb.Execute("healthy.example.com", func() error { return nil }); err != nil {
		t.Errorf("a broken host must not affect others, got %v", err)
	}

	states := hb.States()
	if states["broken.example.com"] != StateOpen {
		t.Errorf("expected open state reported, got %v", states["broken.example.com"])
	}
	if states["healthy.example.com"] != StateClosed {
		t.Errorf("expected closed state reported, got %v", states["healthy.example.com"])
	}
}

func TestHostBreaker_Reset(t *testing.T) {
	hb := NewHostBreaker(&Config{Threshold: 2, FailureRatio: 0.5, Timeout: time.Hour, Interval: time.Minute})
	testErr := errors.New("test error")

	hb.Execute("host", func() error { return testErr })
	hb.Execute("host", func() error { return testErr })
	if err := hb.Execute("host", func() error { return nil }); !errors.Is(err, ErrOpenState) {
		t.Fatalf("expected open circuit, got %v", err)
	}

	hb.Reset("host")
	if err := hb.Execute("host", func() error { return nil }); err != nil {
		t.Errorf("expected fresh breaker after reset, got %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateClosed:   "closed",
		StateHalfOpen: "half-open",
		StateOpen:     "open",
		State(99):     "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
