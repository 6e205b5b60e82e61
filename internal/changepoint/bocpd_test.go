package changepoint

import (
	"math"
	"math/rand"
	"testing"
)

func TestUpdateDropsNaNAndInf(t *testing.T) {
	d := New(DefaultConfig())
	before := len(d.buckets)
	res := d.Update(math.NaN())
	if res.ChangePoint || res.Posterior != nil {
		t.Fatalf("NaN input should yield zero Result, got %+v", res)
	}
	if len(d.buckets) != before {
		t.Fatalf("NaN input should not mutate detector state")
	}
	res = d.Update(math.Inf(1))
	if res.ChangePoint || res.Posterior != nil {
		t.Fatalf("+Inf input should yield zero Result, got %+v", res)
	}
}

func TestPosteriorSumsToOne(t *testing.T) {
	d := New(DefaultConfig())
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		res := d.Update(r.NormFloat64())
		var sum float64
		for _, p := range res.Posterior {
			sum += p
		}
		if math.Abs(sum-1.0) > 1e-6 {
			t.Fatalf("posterior sum at step %d = %f, want ~1.0", i, sum)
		}
	}
}

func TestNoChangePointBeforeWarmup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Warmup = 30
	d := New(cfg)
	r := rand.New(rand.NewSource(2))
	for i := 0; i < cfg.Warmup-1; i++ {
		res := d.Update(r.NormFloat64())
		if res.ChangePoint {
			t.Fatalf("change-point emitted before warmup at step %d", i)
		}
	}
}

func TestDetectsObviousRegimeShift(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Warmup = 20
	d := New(cfg)
	r := rand.New(rand.NewSource(3))

	for i := 0; i < 60; i++ {
		d.Update(0.0 + 0.01*r.NormFloat64())
	}

	detected := false
	for i := 0; i < 60; i++ {
		res := d.Update(50.0 + 0.01*r.NormFloat64())
		if res.ChangePoint {
			detected = true
			break
		}
	}
	if !detected {
		t.Fatalf("expected a change-point to be detected after an obvious mean shift")
	}
}

func TestRunLengthBucketsTruncated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRunBuckets = 10
	cfg.Warmup = 1000000 // disable emission, just checking truncation
	d := New(cfg)
	r := rand.New(rand.NewSource(4))
	var lastPosteriorLen int
	for i := 0; i < 500; i++ {
		res := d.Update(r.NormFloat64())
		lastPosteriorLen = len(res.Posterior)
	}
	if lastPosteriorLen > cfg.MaxRunBuckets {
		t.Fatalf("posterior has %d buckets, want <= %d", lastPosteriorLen, cfg.MaxRunBuckets)
	}
}

func TestNoFailurePropagationOnDegradedInput(t *testing.T) {
	d := New(DefaultConfig())
	inputs := []float64{1.0, math.NaN(), 2.0, math.Inf(-1), 3.0}
	for _, x := range inputs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Update(%v) panicked: %v", x, r)
				}
			}()
			d.Update(x)
		}()
	}
}
