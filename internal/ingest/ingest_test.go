package ingest

import (
	"testing"
	"time"

	"github.com/frankenterm/poe/internal/budget"
	"github.com/frankenterm/poe/internal/changepoint"
	"github.com/frankenterm/poe/internal/llr"
	"github.com/frankenterm/poe/internal/pane"
)

func testConfig() Config {
	return Config{
		EntropyWindowBytes: 256,
		LedgerCapacity:     16,
		LedgerLearningRate: 0.1,
		BOCPD:              changepoint.DefaultConfig(),
	}
}

func newTestPipeline(t *testing.T) (*Pipeline, *budget.Table) {
	t.Helper()
	bt := budget.NewTable(0.8)
	bt.Register(1, 100000)
	m, err := llr.Get("linear")
	if err != nil {
		t.Fatalf("llr.Get(linear): %v", err)
	}
	return New(testConfig(), m, bt), bt
}

func TestIngestAcceptsInOrderSequence(t *testing.T) {
	p, _ := newTestPipeline(t)
	now := time.Now()

	r0 := p.Ingest(1, 0, []byte("hello"), now)
	if r0.Outcome != OutcomeAccepted {
		t.Fatalf("Outcome = %v, want Accepted", r0.Outcome)
	}
	if r0.Segment == nil || r0.Segment.Seq != 0 {
		t.Fatalf("expected Segment with Seq=0, got %+v", r0.Segment)
	}

	r1 := p.Ingest(1, 1, []byte("world"), now)
	if r1.Outcome != OutcomeAccepted {
		t.Fatalf("Outcome = %v, want Accepted", r1.Outcome)
	}
}

func TestIngestDetectsGapOnSkippedSequence(t *testing.T) {
	p, _ := newTestPipeline(t)
	now := time.Now()

	p.Ingest(1, 0, []byte("a"), now)
	r := p.Ingest(1, 5, []byte("b"), now)

	if r.Outcome != OutcomeGap {
		t.Fatalf("Outcome = %v, want Gap", r.Outcome)
	}
	if r.Gap == nil {
		t.Fatalf("expected non-nil Gap")
	}
	if r.Gap.SeqBefore != 0 || r.Gap.SeqAfter != 5 {
		t.Fatalf("Gap = %+v, want SeqBefore=0 SeqAfter=5", r.Gap)
	}
	if r.Gap.Reason != pane.GapSourceLoss {
		t.Fatalf("Gap.Reason = %v, want GapSourceLoss", r.Gap.Reason)
	}
}

func TestIngestDedupesReplayedContent(t *testing.T) {
	p, _ := newTestPipeline(t)
	now := time.Now()

	p.Ingest(1, 0, []byte("payload"), now)
	p.Ingest(1, 1, []byte("next"), now)

	// Replay of seq=0 with identical content should be deduped.
	r := p.Ingest(1, 0, []byte("payload"), now)
	if r.Outcome != OutcomeReplayDeduped {
		t.Fatalf("Outcome = %v, want ReplayDeduped", r.Outcome)
	}
}

func TestIngestRejectsStaleUnseenContent(t *testing.T) {
	p, _ := newTestPipeline(t)
	now := time.Now()

	p.Ingest(1, 0, []byte("payload"), now)
	p.Ingest(1, 1, []byte("next"), now)

	// seq=0 again but with different content than what was ever seen at
	// seq=0 — stale, not a legitimate replay.
	r := p.Ingest(1, 0, []byte("different-content-entirely"), now)
	if r.Outcome != OutcomeReplayStale {
		t.Fatalf("Outcome = %v, want ReplayStale", r.Outcome)
	}
}

func TestIngestUpdatesBudget(t *testing.T) {
	p, bt := newTestPipeline(t)
	now := time.Now()

	p.Ingest(1, 0, []byte("12345"), now)
	snap := bt.Get(1).Snapshot()
	if snap.CurrentBytes != 5 {
		t.Fatalf("CurrentBytes = %d, want 5", snap.CurrentBytes)
	}
}

func TestIngestFeedsLedger(t *testing.T) {
	p, _ := newTestPipeline(t)
	now := time.Now()

	for i := 0; i < 10; i++ {
		p.Ingest(1, uint64(i), []byte("steady state output with words\n"), now)
	}

	l := p.Ledger(1)
	_, conf := l.Classify()
	if conf <= 0 {
		t.Fatalf("expected nonzero classification confidence after repeated evidence")
	}
}

func TestIngestShedsSampledEvidenceOverBudget(t *testing.T) {
	bt := budget.NewTable(0.8)
	bt.Register(1, 4096) // hard=4096, soft=3276.8
	m, err := llr.Get("linear")
	if err != nil {
		t.Fatalf("llr.Get(linear): %v", err)
	}
	p := New(testConfig(), m, bt)
	now := time.Now()

	chunk := make([]byte, 1024)
	for i := range chunk {
		chunk[i] = 'x'
	}

	var lastGap *pane.Gap
	for i := 0; i < 6; i++ {
		r := p.Ingest(1, uint64(i), chunk, now)
		if r.Outcome != OutcomeAccepted {
			t.Fatalf("iteration %d: Outcome = %v, want Accepted", i, r.Outcome)
		}
		if r.Gap != nil {
			lastGap = r.Gap
		}
	}

	if bt.Get(1).Level() != pane.BudgetOverBudget {
		t.Fatalf("expected pane to be OverBudget after 6 KB on a 4 KB hard limit")
	}
	if lastGap == nil {
		t.Fatalf("expected a BudgetShed Gap once the pane crossed its hard limit")
	}
	if lastGap.Reason != pane.GapBudgetShed {
		t.Fatalf("Gap.Reason = %v, want GapBudgetShed", lastGap.Reason)
	}
	if lastGap.SeqBefore != lastGap.SeqAfter {
		t.Fatalf("BudgetShed Gap seq bounds not contiguous: %+v", lastGap)
	}

	evidence := p.Ledger(1).Evidence()
	var sawNote bool
	for _, e := range evidence {
		if e.Note != "" {
			sawNote = true
		}
	}
	if !sawNote {
		t.Fatalf("expected an evidence-dropped note once shedding activated")
	}
}

func TestIngestDeterministicAcrossReplay(t *testing.T) {
	now := time.Now()

	run := func() pane.Belief {
		p, _ := newTestPipeline(t)
		for i := 0; i < 20; i++ {
			p.Ingest(1, uint64(i), []byte("deterministic stream of bytes\n"), now)
		}
		return p.Ledger(1).Posterior()
	}

	b1 := run()
	b2 := run()
	for s := range b1 {
		if b1[s] != b2[s] {
			t.Fatalf("belief state %d diverged across identical replay: %f vs %f", s, b1[s], b2[s])
		}
	}
}
