package transfer

import (
	"testing"
	"time"
)

func TestBackoffNext(t *testing.T) {
	b := Backoff{Min: time.Second, Max: 60 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{1000, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Next(tt.attempt); got != tt.want {
			t.Errorf("Next(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	b := Backoff{Min: time.Second, Max: 8 * time.Second, JitterPct: 20}
	for i := 0; i < 200; i++ {
		d := b.Next(3)
		if d < 3200*time.Millisecond || d > 4800*time.Millisecond {
			t.Fatalf("Next(3) = %s, outside 4s +/- 20%%", d)
		}
	}
}
