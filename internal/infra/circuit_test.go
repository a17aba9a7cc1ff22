package infra

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBreaker_StartsClosed(t *testing.T) {
	b := NewBreaker(BreakerConfig{})
	if got := b.State(); got != CircuitClosed {
		t.Errorf("State() = %q, want %q", got, CircuitClosed)
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() error = %v, want nil", err)
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Hour})

	b.RecordFailure()
	b.RecordFailure()
	if got := b.State(); got != CircuitClosed {
		t.Errorf("State() after 2 failures = %q, want %q", got, CircuitClosed)
	}

	b.RecordFailure()
	if got := b.State(); got != CircuitOpen {
		t.Errorf("State() after 3 failures = %q, want %q", got, CircuitOpen)
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() error = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Hour})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	// The threshold counts consecutive failures only.
	if got := b.State(); got != CircuitClosed {
		t.Errorf("State() = %q, want %q", got, CircuitClosed)
	}
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond})

	b.RecordFailure()
	if got := b.State(); got != CircuitOpen {
		t.Fatalf("State() = %q, want %q", got, CircuitOpen)
	}

	time.Sleep(20 * time.Millisecond)
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() after cooldown error = %v, want nil", err)
	}
	if got := b.State(); got != CircuitHalfOpen {
		t.Errorf("State() = %q, want %q", got, CircuitHalfOpen)
	}
}

func TestBreaker_HalfOpenClosesAfterSuccesses(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Cooldown:         time.Millisecond,
	})

	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() error = %v", err)
	}

	b.RecordSuccess()
	if got := b.State(); got != CircuitHalfOpen {
		t.Errorf("State() after 1 success = %q, want %q", got, CircuitHalfOpen)
	}
	b.RecordSuccess()
	if got := b.State(); got != CircuitClosed {
		t.Errorf("State() after 2 successes = %q, want %q", got, CircuitClosed)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Millisecond})

	b.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() error = %v", err)
	}

	b.RecordFailure()
	if got := b.State(); got != CircuitOpen {
		t.Errorf("State() = %q, want %q", got, CircuitOpen)
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var mu sync.Mutex
	var transitions []string

	done := make(chan struct{}, 4)
	b := NewBreaker(BreakerConfig{
		Name:             "conn-1",
		FailureThreshold: 1,
		Cooldown:         time.Hour,
		OnStateChange: func(name, from, to string) {
			mu.Lock()
			transitions = append(transitions, name+":"+from+"->"+to)
			mu.Unlock()
			done <- struct{}{}
		},
	})

	b.RecordFailure()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnStateChange not called")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != "conn-1:closed->open" {
		t.Errorf("transitions = %v, want [conn-1:closed->open]", transitions)
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})
	b.RecordFailure()
	b.Reset()
	if got := b.State(); got != CircuitClosed {
		t.Errorf("State() after Reset = %q, want %q", got, CircuitClosed)
	}
}

func TestBreakerRegistry_GetReturnsSameBreaker(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 2})

	a := r.Get("conn-a")
	b := r.Get("conn-a")
	if a != b {
		t.Error("Get() returned different breakers for the same channel")
	}
	if c := r.Get("conn-b"); c == a {
		t.Error("Get() returned the same breaker for different channels")
	}
}

func TestBreakerRegistry_Remove(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})

	a := r.Get("conn-a")
	a.RecordFailure()
	r.Remove("conn-a")

	// A re-registered channel starts with a fresh breaker.
	if got := r.Get("conn-a").State(); got != CircuitClosed {
		t.Errorf("State() of recreated breaker = %q, want %q", got, CircuitClosed)
	}
}

func TestBreakerRegistry_OpenCircuits(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})

	r.Get("conn-a").RecordFailure()
	r.Get("conn-b")

	open := r.OpenCircuits()
	if len(open) != 1 || open[0] != "conn-a" {
		t.Errorf("OpenCircuits() = %v, want [conn-a]", open)
	}
}

func TestBreakerRegistry_ConcurrentGet(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{})

	var wg sync.WaitGroup
	results := make([]*Breaker, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Get("shared")
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent Get() returned different breakers")
		}
	}
}
