// Package ingest implements the C7 Ingest Pipeline: per-pane sequence
// continuity tracking and the fan-out of each accepted byte batch into
// the entropy estimator (C1), change-point detector (C2), Bayesian
// ledger (C3), and memory budget (C6).
//
// The fan-out follows a parse -> update metrics -> dispatch shape,
// generalized from one shared input stream to independent per-pane
// sequence tracking. Feature-vector extraction is a single pass over the
// byte slice counting newline and ANSI-escape bytes, the same
// single-pass discipline a wire-format field decoder would use.
package ingest

import (
	"sync"
	"time"

	"github.com/frankenterm/poe/internal/budget"
	"github.com/frankenterm/poe/internal/changepoint"
	"github.com/frankenterm/poe/internal/entropy"
	"github.com/frankenterm/poe/internal/ledger"
	"github.com/frankenterm/poe/internal/llr"
	"github.com/frankenterm/poe/internal/pane"
	"github.com/frankenterm/poe/internal/telemetry"
)

// Outcome classifies the result of one Ingest call.
type Outcome uint8

const (
	// OutcomeAccepted: seq matched expected_seq, fully processed.
	OutcomeAccepted Outcome = iota
	// OutcomeGap: seq exceeded expected_seq; a Gap was emitted and the
	// pipeline resynced to the new seq.
	OutcomeGap
	// OutcomeReplayDeduped: seq < expected_seq but content hash was
	// already seen; dropped silently.
	OutcomeReplayDeduped
	// OutcomeReplayStale: seq < expected_seq and content hash unseen;
	// rejected as stale.
	OutcomeReplayStale
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeGap:
		return "gap"
	case OutcomeReplayDeduped:
		return "replay_deduped"
	case OutcomeReplayStale:
		return "replay_stale"
	default:
		return "unknown"
	}
}

// IngestResult is the full outcome of one Ingest call.
type IngestResult struct {
	Outcome     Outcome
	Gap         *pane.Gap
	ChangePoint *pane.ChangePoint
	Segment     *pane.Segment
}

// recentHashWindow bounds how many recently-seen content hashes are
// retained per pane for replay dedupe.
const recentHashWindow = 64

// budgetShedSampleBytes caps how much of an over-budget batch is actually
// folded into the entropy/change-point/ledger fan-out. The full batch
// still counts against the pane's byte budget and is still delivered
// downstream as a Segment — only the evidentiary cost is reduced.
const budgetShedSampleBytes = 256

type paneState struct {
	mu sync.Mutex

	expectedSeq uint64
	seqInit     bool

	recentHashes    [recentHashWindow]uint64
	recentHashesLen int
	recentHashPos   int

	est *entropy.Estimator
	cp  *changepoint.Detector
	led *ledger.Ledger
}

func (s *paneState) sawHash(h uint64) bool {
	for i := 0; i < s.recentHashesLen; i++ {
		if s.recentHashes[i] == h {
			return true
		}
	}
	return false
}

func (s *paneState) rememberHash(h uint64) {
	s.recentHashes[s.recentHashPos] = h
	s.recentHashPos = (s.recentHashPos + 1) % recentHashWindow
	if s.recentHashesLen < recentHashWindow {
		s.recentHashesLen++
	}
}

// Pipeline wires together C1/C2/C3/C6 behind per-pane sequence tracking.
type Pipeline struct {
	states *telemetry.PaneMap[*paneState]
	budget *budget.Table
	mapper llr.Mapper

	entropyWindowBytes int
	ledgerCapacity      int
	ledgerLearningRate  float64
	bocpdConfig         changepoint.Config
}

// Config collects the per-component tunables the pipeline needs to
// construct fresh per-pane state lazily on first sight of a pane.
type Config struct {
	EntropyWindowBytes int
	LedgerCapacity     int
	LedgerLearningRate float64
	BOCPD              changepoint.Config
}

// New creates a Pipeline. mapper maps feature vectors to LLR
// contributions (see internal/llr); budgetTable tracks per-pane memory
// budgets and must already have panes registered via budgetTable.Register.
func New(cfg Config, mapper llr.Mapper, budgetTable *budget.Table) *Pipeline {
	return &Pipeline{
		states:             telemetry.NewPaneMap[*paneState](),
		budget:             budgetTable,
		mapper:             mapper,
		entropyWindowBytes: cfg.EntropyWindowBytes,
		ledgerCapacity:     cfg.LedgerCapacity,
		ledgerLearningRate: cfg.LedgerLearningRate,
		bocpdConfig:        cfg.BOCPD,
	}
}

func (p *Pipeline) stateFor(id pane.Id) *paneState {
	fresh := &paneState{
		est: entropy.New(p.entropyWindowBytes),
		cp:  changepoint.New(p.bocpdConfig),
		led: ledger.New(p.ledgerCapacity, p.ledgerLearningRate),
	}
	s, _ := p.states.LoadOrStore(id, fresh)
	return s
}

// Ledger returns the Bayesian ledger for a pane, creating state if this
// is the first time the pane has been seen. Used by callers (the control
// loop, tests) that need to read Posterior()/Classify() after ingest.
func (p *Pipeline) Ledger(id pane.Id) *ledger.Ledger {
	return p.stateFor(id).led
}

// Entropy returns the entropy estimator for a pane.
func (p *Pipeline) Entropy(id pane.Id) *entropy.Estimator {
	return p.stateFor(id).est
}

// Ingest processes one byte batch for a pane: sequence tracking, replay
// dedupe, and the full fan-out into entropy, change-point, ledger, and
// budget state. ts is the capture timestamp attached to the emitted
// Segment and evidence entry.
func (p *Pipeline) Ingest(id pane.Id, seq uint64, data []byte, ts time.Time) IngestResult {
	st := p.stateFor(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.seqInit {
		st.expectedSeq = seq
		st.seqInit = true
	}

	switch {
	case seq == st.expectedSeq:
		st.expectedSeq++
		return p.acceptLocked(id, st, seq, data, ts)

	case seq > st.expectedSeq:
		gap := pane.Gap{
			PaneID:    id,
			SeqBefore: st.expectedSeq - 1,
			SeqAfter:  seq,
			Reason:    pane.GapSourceLoss,
		}
		st.expectedSeq = seq + 1
		// A gap still carries real bytes — process them, but the caller
		// is told a discontinuity occurred.
		result := p.acceptLocked(id, st, seq, data, ts)
		result.Outcome = OutcomeGap
		result.Gap = &gap
		return result

	default: // seq < expectedSeq: replay
		h := fnv1a(data)
		if st.sawHash(h) {
			return IngestResult{Outcome: OutcomeReplayDeduped}
		}
		return IngestResult{Outcome: OutcomeReplayStale}
	}
}

// acceptLocked runs the full C1->C2->C3->C6 fan-out for one accepted
// batch. Caller must hold st.mu.
func (p *Pipeline) acceptLocked(id pane.Id, st *paneState, seq uint64, data []byte, ts time.Time) IngestResult {
	st.rememberHash(fnv1a(data))

	// A pane over its hard byte budget sheds to sampled ingest rather
	// than dropping the batch outright — only the first
	// budgetShedSampleBytes are folded into C1/C2/C3, the rest is still
	// delivered downstream (Segment) and still counted against the
	// budget, so the pane's real consumption remains visible.
	shed := false
	if b := p.budget.Get(id); b != nil && b.Level() == pane.BudgetOverBudget {
		shed = true
	}
	sample := data
	if shed && len(sample) > budgetShedSampleBytes {
		sample = sample[:budgetShedSampleBytes]
	}

	// 1. C1.observe
	st.est.Observe(sample)
	h := st.est.Entropy()

	// 2. Feature vector (byte count, entropy, newline density, ANSI
	// density), then C2.update using entropy as the scalar change-point
	// feature — a pane's regime shift (Active -> Idle, Active -> Error
	// spew) shows up first as a shift in output entropy.
	features := extractFeatures(sample, h)
	cpRes := st.cp.Update(h)

	var changePointOut *pane.ChangePoint
	if cpRes.ChangePoint {
		changePointOut = &pane.ChangePoint{
			PaneID:            id,
			At:                ts,
			PosteriorSnapshot: cpRes.Posterior,
		}
	}

	// 3. Map outcome to LLR contributions -> C3.add_evidence.
	contribution := p.mapper.Map(features)
	st.led.AddEvidence("ingest", contribution, ts)
	if shed {
		st.led.AddNote("budget_shed", "evidence dropped", ts)
	}

	// 4. Update C6 (bytes added) — the real batch size, not the sample.
	if b := p.budget.Get(id); b != nil {
		b.Add(uint64(len(data)))
	}

	// 5. Emit Segment, carrying the full batch.
	segment := pane.Segment{
		PaneID:     id,
		Seq:        seq,
		Bytes:      data,
		CapturedAt: ts,
	}

	result := IngestResult{
		Outcome:     OutcomeAccepted,
		ChangePoint: changePointOut,
		Segment:     &segment,
	}
	if shed {
		result.Gap = &pane.Gap{
			PaneID:    id,
			SeqBefore: seq,
			SeqAfter:  seq,
			Reason:    pane.GapBudgetShed,
		}
	}
	return result
}

// extractFeatures computes the byte-count/entropy/newline-density/
// ANSI-density feature vector in a single pass over data.
func extractFeatures(data []byte, entropyBits float64) llr.Features {
	if len(data) == 0 {
		return llr.Features{ByteCount: 0, Entropy: entropyBits}
	}

	var newlines, ansi int
	for _, b := range data {
		switch b {
		case '\n':
			newlines++
		case 0x1b: // ESC, start of an ANSI control sequence
			ansi++
		}
	}

	n := float64(len(data))
	return llr.Features{
		ByteCount:      len(data),
		Entropy:        entropyBits,
		NewlineDensity: float64(newlines) / n,
		ANSIDensity:    float64(ansi) / n,
	}
}

// fnv1a computes the 64-bit FNV-1a hash of data, used only for cheap
// replay-content comparison, never as a cryptographic guarantee.
func fnv1a(data []byte) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for _, b := range data {
		h ^= uint64(b)
		h *= prime64
	}
	return h
}
