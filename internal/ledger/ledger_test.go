package ledger

import (
	"math"
	"testing"
	"time"

	"github.com/frankenterm/poe/internal/pane"
)

func sumBelief(b pane.Belief) float64 {
	var s float64
	for _, p := range b {
		s += p
	}
	return s
}

func TestNewLedgerUniformPrior(t *testing.T) {
	l := New(16, 0.1)
	b := l.Posterior()
	if math.Abs(sumBelief(b)-1.0) > 1e-9 {
		t.Fatalf("uniform prior sums to %f, want 1.0", sumBelief(b))
	}
	want := 1.0 / float64(pane.NumStates)
	for s, p := range b {
		if math.Abs(p-want) > 1e-9 {
			t.Fatalf("state %d prior = %f, want %f", s, p, want)
		}
	}
}

func TestAddEvidenceNormalizes(t *testing.T) {
	l := New(16, 0.1)
	var llr [pane.NumStates]float64
	llr[pane.StateActive] = 5.0
	l.AddEvidence("ingest", llr, time.Now())

	b := l.Posterior()
	if math.Abs(sumBelief(b)-1.0) > 1e-9 {
		t.Fatalf("posterior sums to %f, want 1.0", sumBelief(b))
	}
	if b[pane.StateActive] <= b[pane.StateIdle] {
		t.Fatalf("expected Active probability to dominate after strong positive evidence")
	}
}

func TestClassifyReturnsArgmaxAndConfidence(t *testing.T) {
	l := New(16, 0.1)
	var llr [pane.NumStates]float64
	llr[pane.StateDone] = 10.0
	l.AddEvidence("ingest", llr, time.Now())

	state, conf := l.Classify()
	if state != pane.StateDone {
		t.Fatalf("Classify() state = %v, want Done", state)
	}
	if conf <= 0.9 {
		t.Fatalf("Classify() confidence = %f, want > 0.9 after strong evidence", conf)
	}
}

func TestFeedbackPullsTowardCorrectState(t *testing.T) {
	l := New(16, 0.5)
	before := l.Posterior()[pane.StateError]

	l.Feedback(pane.StateError)
	after := l.Posterior()[pane.StateError]

	if after <= before {
		t.Fatalf("Feedback(Error) should increase P(Error): before=%f after=%f", before, after)
	}
	if math.Abs(sumBelief(l.Posterior())-1.0) > 1e-9 {
		t.Fatalf("posterior after feedback sums to %f, want 1.0", sumBelief(l.Posterior()))
	}
}

func TestEvidenceRingBufferCapsAndWraps(t *testing.T) {
	l := New(4, 0.1)
	for i := 0; i < 10; i++ {
		var llr [pane.NumStates]float64
		l.AddEvidence("ingest", llr, time.Unix(int64(i), 0))
	}
	ev := l.Evidence()
	if len(ev) != 4 {
		t.Fatalf("Evidence() len = %d, want 4 (ring capacity)", len(ev))
	}
	// Oldest surviving entry should be from i=6 (0..9, last 4 kept: 6,7,8,9).
	if ev[0].ObservedAt.Unix() != 6 {
		t.Fatalf("Evidence()[0].ObservedAt = %v, want unix 6", ev[0].ObservedAt)
	}
	if ev[3].ObservedAt.Unix() != 9 {
		t.Fatalf("Evidence()[3].ObservedAt = %v, want unix 9", ev[3].ObservedAt)
	}
}

func TestClassifyBayesFactorBuckets(t *testing.T) {
	cases := []struct {
		bf   float64
		want BayesFactorStrength
	}{
		{1.0, BFNegligible},
		{2.9, BFNegligible},
		{3.0, BFSubstantial},
		{9.9, BFSubstantial},
		{10.0, BFStrong},
		{29.9, BFStrong},
		{30.0, BFVeryStrong},
		{99.9, BFVeryStrong},
		{100.0, BFDecisive},
		{1000.0, BFDecisive},
	}
	for _, c := range cases {
		if got := ClassifyBayesFactor(c.bf); got != c.want {
			t.Errorf("ClassifyBayesFactor(%f) = %v, want %v", c.bf, got, c.want)
		}
	}
}

func TestLearningRateClamped(t *testing.T) {
	l := New(16, 10.0)
	if l.learningRate != maxLearningRate {
		t.Fatalf("learningRate = %f, want clamped to %f", l.learningRate, maxLearningRate)
	}
	l2 := New(16, -5.0)
	if l2.learningRate != minLearningRate {
		t.Fatalf("learningRate = %f, want clamped to %f", l2.learningRate, minLearningRate)
	}
}
