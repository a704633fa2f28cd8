package backoff

import (
	"context"
	"testing"
	"time"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{0, 100 * time.Millisecond}, // clamped to the first attempt
	}
	for _, tc := range cases {
		if got := p.DelayWithRand(tc.attempt, 0); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayCapsAtMax(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 3 * time.Second, Factor: 2, Jitter: 0}
	if got := p.DelayWithRand(10, 0); got != 3*time.Second {
		t.Errorf("Delay(10) = %v, want the cap", got)
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := Policy{Initial: time.Second, Max: time.Minute, Factor: 2, Jitter: 0.5}
	lo := p.DelayWithRand(1, 0)
	hi := p.DelayWithRand(1, 0.999)
	if lo != time.Second {
		t.Errorf("zero draw = %v, want the base delay", lo)
	}
	if hi <= lo || hi > time.Second+500*time.Millisecond {
		t.Errorf("max draw = %v, want within 50%% above base", hi)
	}
}

func TestSleepRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Minute); err != context.Canceled {
		t.Errorf("Sleep on cancelled ctx = %v", err)
	}

	start := time.Now()
	if err := Sleep(context.Background(), 10*time.Millisecond); err != nil {
		t.Errorf("Sleep = %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("Sleep returned early")
	}
}

func TestSleepZero(t *testing.T) {
	if err := Sleep(context.Background(), 0); err != nil {
		t.Errorf("Sleep(0) = %v", err)
	}
}
