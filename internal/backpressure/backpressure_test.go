package backpressure

import (
	"math"
	"testing"
)

func TestSeverityMonotoneInQueueDepth(t *testing.T) {
	c := New(DefaultConfig())
	var prev float64
	for i := 0; i <= 10; i++ {
		ratio := float64(i) / 10.0
		c.Observe(QueueDepths{CaptureQueueRatio: ratio, WriteQueueRatio: 0})
		// Drive the EMA close to steady state for this ratio.
		for j := 0; j < 50; j++ {
			c.Observe(QueueDepths{CaptureQueueRatio: ratio, WriteQueueRatio: 0})
		}
		s := c.Severity()
		if s < prev-1e-9 {
			t.Fatalf("severity decreased as queue ratio increased: ratio=%f severity=%f prev=%f", ratio, s, prev)
		}
		prev = s
	}
}

func TestSeverityBounded(t *testing.T) {
	c := New(DefaultConfig())
	for i := 0; i < 100; i++ {
		c.Observe(QueueDepths{CaptureQueueRatio: 1.0, WriteQueueRatio: 1.0})
	}
	s := c.Severity()
	if s < 0 || s > 1 {
		t.Fatalf("severity = %f, want in [0,1]", s)
	}
}

func TestActionsMonotoneInSeverity(t *testing.T) {
	prevActions := ThrottleActions{}
	for i := 0; i <= 10; i++ {
		s := float64(i) / 10.0
		// Synthesize actions directly from severity to check the formulas'
		// monotonicity without depending on EMA convergence.
		a := ThrottleActions{
			PollBackoffMultiplier: 1 + 3*s,
			PaneSkipFraction:      0.5 * s * s,
			DetectionSkipFraction: 0.25 * s,
			BufferLimitFactor:     1 - 0.8*s,
		}
		if i > 0 {
			if a.PollBackoffMultiplier < prevActions.PollBackoffMultiplier {
				t.Fatalf("poll backoff not monotone at s=%f", s)
			}
			if a.PaneSkipFraction < prevActions.PaneSkipFraction {
				t.Fatalf("pane skip fraction not monotone at s=%f", s)
			}
			if a.DetectionSkipFraction < prevActions.DetectionSkipFraction {
				t.Fatalf("detection skip fraction not monotone at s=%f", s)
			}
			if a.BufferLimitFactor > prevActions.BufferLimitFactor {
				t.Fatalf("buffer limit factor not monotone decreasing at s=%f", s)
			}
		}
		prevActions = a
	}
}

func TestActionsRanges(t *testing.T) {
	c := New(DefaultConfig())
	for i := 0; i < 200; i++ {
		c.Observe(QueueDepths{CaptureQueueRatio: 1.0, WriteQueueRatio: 1.0})
	}
	a := c.Actions()
	if a.PollBackoffMultiplier < 1 || a.PollBackoffMultiplier > 4 {
		t.Fatalf("PollBackoffMultiplier = %f, want in [1,4]", a.PollBackoffMultiplier)
	}
	if a.PaneSkipFraction < 0 || a.PaneSkipFraction > 0.5 {
		t.Fatalf("PaneSkipFraction = %f, want in [0,0.5]", a.PaneSkipFraction)
	}
	if a.DetectionSkipFraction < 0 || a.DetectionSkipFraction > 0.25 {
		t.Fatalf("DetectionSkipFraction = %f, want in [0,0.25]", a.DetectionSkipFraction)
	}
	if a.BufferLimitFactor < 0.2 || a.BufferLimitFactor > 1 {
		t.Fatalf("BufferLimitFactor = %f, want in [0.2,1]", a.BufferLimitFactor)
	}
}

func TestTierFor(t *testing.T) {
	cases := []struct {
		s    float64
		want Tier
	}{
		{0.0, TierGreen},
		{0.24, TierGreen},
		{0.25, TierYellow},
		{0.49, TierYellow},
		{0.5, TierRed},
		{0.74, TierRed},
		{0.75, TierBlack},
		{1.0, TierBlack},
	}
	for _, c := range cases {
		if got := TierFor(c.s); got != c.want {
			t.Errorf("TierFor(%f) = %v, want %v", c.s, got, c.want)
		}
	}
}

func TestMultiplierDampensUnderPressure(t *testing.T) {
	if m := Multiplier(0); math.Abs(m-1.0) > 1e-9 {
		t.Fatalf("Multiplier(0) = %f, want 1.0", m)
	}
	if m := Multiplier(1); m <= 0 || m >= 1 {
		t.Fatalf("Multiplier(1) = %f, want in (0,1)", m)
	}
	if Multiplier(0.5) <= Multiplier(1) {
		t.Fatalf("Multiplier should be monotone decreasing in severity")
	}
}
