package backoff_test

import (
	"testing"
	"time"

	"github.com/chronoq/chronoq/backoff"
	"github.com/chronoq/chronoq/job"
)

func TestFixed_ReturnsSameDelay(t *testing.T) {
	f := backoff.NewFixed(3 * time.Second)
	for attempt := 1; attempt <= 8; attempt++ {
		if got := f.Delay(attempt); got != 3*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, 3*time.Second)
		}
	}
}

func TestExponential_DoublesEachAttempt(t *testing.T) {
	e := backoff.NewExponential(time.Second, time.Hour)

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
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_CapsAtMax(t *testing.T) {
	e := backoff.NewExponential(time.Second, 10*time.Second)

	if got := e.Delay(5); got != 10*time.Second {
		t.Errorf("Delay(5) = %v, want %v (capped)", got, 10*time.Second)
	}
	if got := e.Delay(30); got != 10*time.Second {
		t.Errorf("Delay(30) = %v, want %v (capped)", got, 10*time.Second)
	}
}

func TestExponentialJitter_WithinBounds(t *testing.T) {
	e := backoff.NewExponentialJitter(time.Second, 10*time.Second)

	for attempt := 1; attempt <= 6; attempt++ {
		for range 100 {
			got := e.Delay(attempt)
			if got < 0 || got > 10*time.Second {
				t.Fatalf("Delay(%d) = %v, want within [0, 10s]", attempt, got)
			}
		}
	}
}

func TestFunc_AdaptsPlainFunction(t *testing.T) {
	s := backoff.Func(func(attempt int) time.Duration {
		return time.Duration(attempt) * time.Millisecond
	})
	if got := s.Delay(7); got != 7*time.Millisecond {
		t.Errorf("Delay(7) = %v, want 7ms", got)
	}
}

func TestResolve(t *testing.T) {
	def := backoff.NewFixed(42 * time.Second)

	tests := []struct {
		name   string
		policy job.RetryPolicy
		want   time.Duration // Delay(3)
	}{
		{
			name:   "fixed",
			policy: job.RetryPolicy{Strategy: backoff.StrategyFixed, Initial: 2 * time.Second},
			want:   2 * time.Second,
		},
		{
			name:   "exponential",
			policy: job.RetryPolicy{Strategy: backoff.StrategyExponential, Initial: time.Second},
			want:   4 * time.Second,
		},
		{
			name:   "exponential capped",
			policy: job.RetryPolicy{Strategy: backoff.StrategyExponential, Initial: time.Second, Max: 3 * time.Second},
			want:   3 * time.Second,
		},
		{
			name:   "empty falls back to default",
			policy: job.RetryPolicy{},
			want:   42 * time.Second,
		},
		{
			name:   "unknown name falls back to default",
			policy: job.RetryPolicy{Strategy: "fibonacci"},
			want:   42 * time.Second,
		},
		{
			name:   "zero initial defaults to one second",
			policy: job.RetryPolicy{Strategy: backoff.StrategyExponential},
			want:   4 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := backoff.Resolve(tt.policy, def)
			if got := s.Delay(3); got != tt.want {
				t.Errorf("Delay(3) = %v, want %v", got, tt.want)
			}
		})
	}
}
