package system

import (
	"testing"
	"time"
)

// TestClockNowUTC ensures the clock returns UTC timestamps.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

func TestManualClock(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 23, 30, 0, 0, time.FixedZone("X", 3600))
	clk := NewManual(start)
	if got := clk.Now(); !got.Equal(start) || got.Location() != time.UTC {
		t.Fatalf("expected %v in UTC, got %v", start, got)
	}
	clk.Advance(45 * time.Minute)
	if got := clk.Now().Hour(); got != 23 {
		t.Fatalf("expected hour 23 UTC, got %d", got)
	}
	clk.Set(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	if got := clk.Now().Month(); got != time.February {
		t.Fatalf("expected February, got %v", got)
	}
}
