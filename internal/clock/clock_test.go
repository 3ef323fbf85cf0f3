package clock_test

import (
	"testing"
	"time"

	"pkt.systems/gardenpub/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestManualSleepAdvances(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	clk.Sleep(2 * time.Second)
	clk.Sleep(3 * time.Second)
	if got := clk.Now(); !got.Equal(start.Add(5 * time.Second)) {
		t.Fatalf("unexpected time after sleeps: %v", got)
	}
	if sleeps := clk.Sleeps(); len(sleeps) != 2 || sleeps[1] != 3*time.Second {
		t.Fatalf("unexpected recorded sleeps: %v", sleeps)
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	ch := clk.After(time.Minute)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}
	clk.Advance(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}
	clk.Advance(30 * time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("timer did not fire")
	}
}

func TestSinceNeverNegative(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(100, 0))
	if d := clock.Since(clk, time.Unix(200, 0)); d != 0 {
		t.Fatalf("expected zero for future timestamps, got %v", d)
	}
	if d := clock.Since(clk, time.Unix(40, 0)); d != time.Minute {
		t.Fatalf("expected one minute, got %v", d)
	}
}
