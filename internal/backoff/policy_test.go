package backoff

import (
	"testing"
	"time"
)

func TestPolicy_Delay_Doubling(t *testing.T) {
	policy := Policy{Base: time.Second, Cap: 30 * time.Second, Jitter: 0}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
	}
	for _, tt := range tests {
		if got := policy.DelayWithRand(tt.attempt, 0); got != tt.want {
			t.Errorf("Delay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPolicy_Delay_Cap(t *testing.T) {
	policy := Policy{Base: time.Second, Cap: 30 * time.Second, Jitter: 0}

	// Attempt 6 would be 32s uncapped; 10 would be 512s.
	for _, attempt := range []int{6, 10, 30} {
		if got := policy.DelayWithRand(attempt, 0); got != 30*time.Second {
			t.Errorf("Delay(attempt=%d) = %v, want cap %v", attempt, got, 30*time.Second)
		}
	}
}

func TestPolicy_Delay_Bounds(t *testing.T) {
	// The delay for attempt n must fall within
	// [2^(n-1)*base*0.9, min(2^(n-1)*base, cap)*1.1] for any jitter draw.
	policy := DefaultPolicy()

	for attempt := 1; attempt <= 8; attempt++ {
		for _, r := range []float64{0, 0.25, 0.5, 0.999} {
			got := policy.DelayWithRand(attempt, r)

			exp := time.Duration(1<<uint(attempt-1)) * policy.Base
			lower := time.Duration(float64(exp) * 0.9)
			upper := exp
			if upper > policy.Cap {
				upper = policy.Cap
			}
			upper = time.Duration(float64(upper) * 1.1)
			if got < lower || got > upper {
				t.Errorf("Delay(attempt=%d, rand=%v) = %v, want within [%v, %v]",
					attempt, r, got, lower, upper)
			}
		}
	}
}

func TestPolicy_Delay_JitterNeverNegative(t *testing.T) {
	policy := Policy{Base: time.Second, Cap: 30 * time.Second, Jitter: 0.1}
	if got := policy.DelayWithRand(1, 0.999); got < time.Second {
		t.Errorf("Delay() = %v, want >= base %v", got, time.Second)
	}
}

func TestPolicy_Delay_FirstAttemptFloor(t *testing.T) {
	policy := Policy{Base: time.Second, Cap: 30 * time.Second, Jitter: 0}
	// Attempt numbers below 1 are clamped to the first attempt.
	if got := policy.DelayWithRand(0, 0); got != time.Second {
		t.Errorf("Delay(attempt=0) = %v, want %v", got, time.Second)
	}
}

func TestDefaultPolicy(t *testing.T) {
	policy := DefaultPolicy()
	if policy.Base != time.Second {
		t.Errorf("DefaultPolicy().Base = %v, want %v", policy.Base, time.Second)
	}
	if policy.Cap != 30*time.Second {
		t.Errorf("DefaultPolicy().Cap = %v, want %v", policy.Cap, 30*time.Second)
	}
	if policy.Jitter != 0.1 {
		t.Errorf("DefaultPolicy().Jitter = %v, want 0.1", policy.Jitter)
	}
}
