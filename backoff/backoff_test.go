package backoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/jobboard/backoff"
)

func TestConstant_ReturnsFixedDelay(t *testing.T) {
	c := backoff.NewConstant(5 * time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		if got := c.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, 5*time.Second)
		}
	}
}

func TestExponential_DoublesAndCaps(t *testing.T) {
	e := backoff.NewExponential(time.Second, 10*time.Second)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponentialWithJitter_WithinBounds(t *testing.T) {
	e := backoff.NewExponentialWithJitter(time.Second, 4*time.Second)
	for attempt := 1; attempt <= 6; attempt++ {
		upper := backoff.NewExponential(time.Second, 4*time.Second).Delay(attempt)
		for range 50 {
			got := e.Delay(attempt)
			if got < 0 || got > upper {
				t.Fatalf("Delay(%d) = %v, want in [0, %v]", attempt, got, upper)
			}
		}
	}
}

func TestWait(t *testing.T) {
	if err := backoff.Wait(context.Background(), backoff.NewConstant(time.Millisecond), 1); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := backoff.Wait(ctx, backoff.NewConstant(time.Hour), 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait cancelled = %v, want context.Canceled", err)
	}
}
