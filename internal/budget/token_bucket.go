// Package budget implements the C6 Per-Pane Memory Budget: a monotonic
// byte counter per pane with a soft/hard threshold pair and a pure
// classification function.
//
// Unlike a refilling token bucket, this budget is never refilled: the
// ingest pipeline (C7) Adds each accepted batch, and bytes only leave via
// explicit Release calls, which the control loop (C10) makes once it has
// handled a segment. It keeps a token bucket's mutex-guarded counter
// struct plus atomic lifetime counters (AddedTotal/ReleasedTotal).
package budget

import (
	"sync"
	"sync/atomic"

	"github.com/frankenterm/poe/internal/pane"
)

// DefaultSoftRatio is the default soft_limit = hard_limit * ratio.
const DefaultSoftRatio = 0.8

// Pane is a single pane's byte budget. soft_limit is derived from
// hard_limit at registration time and does not change afterward.
type Pane struct {
	mu        sync.Mutex
	current   uint64
	softLimit uint64
	hardLimit uint64

	// addedTotal and releasedTotal track lifetime byte movement, exposed
	// via AddedTotal/ReleasedTotal; Summary does not include them.
	addedTotal    atomic.Uint64
	releasedTotal atomic.Uint64
}

// NewPane registers a pane with the given hard limit and soft ratio.
// softRatio <= 0 or >= 1 falls back to DefaultSoftRatio.
func NewPane(hardLimit uint64, softRatio float64) *Pane {
	if softRatio <= 0 || softRatio >= 1 {
		softRatio = DefaultSoftRatio
	}
	return &Pane{
		hardLimit: hardLimit,
		softLimit: uint64(float64(hardLimit) * softRatio),
	}
}

// Add accounts for bytes entering the pane's buffer. Always succeeds —
// even past the hard limit — but the caller must check Level() /
// OverBudget() afterward: the ingest pipeline is responsible for shedding
// to sampled ingest and emitting a Gap{reason=BudgetShed} when over
// budget.
func (p *Pane) Add(n uint64) {
	p.mu.Lock()
	p.current += n
	p.mu.Unlock()
	p.addedTotal.Add(n)
}

// Release accounts for bytes leaving the pane's buffer (e.g. drained to a
// downstream consumer). Saturates at zero; it never goes negative.
func (p *Pane) Release(n uint64) {
	p.mu.Lock()
	if n > p.current {
		n = p.current
	}
	p.current -= n
	p.mu.Unlock()
	p.releasedTotal.Add(n)
}

// Level classifies current consumption: a pure function of (current,
// soft, hard). < soft => Normal; [soft, hard) => Throttled; >= hard =>
// OverBudget.
func (p *Pane) Level() pane.BudgetLevel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return levelFor(p.current, p.softLimit, p.hardLimit)
}

func levelFor(current, soft, hard uint64) pane.BudgetLevel {
	switch {
	case current >= hard:
		return pane.BudgetOverBudget
	case current >= soft:
		return pane.BudgetThrottled
	default:
		return pane.BudgetNormal
	}
}

// Snapshot returns the pane's full budget record.
func (p *Pane) Snapshot() pane.Budget {
	p.mu.Lock()
	defer p.mu.Unlock()
	return pane.Budget{
		CurrentBytes: p.current,
		SoftLimit:    p.softLimit,
		HardLimit:    p.hardLimit,
		Level:        levelFor(p.current, p.softLimit, p.hardLimit),
	}
}

// AddedTotal returns the lifetime total of bytes added.
func (p *Pane) AddedTotal() uint64 { return p.addedTotal.Load() }

// ReleasedTotal returns the lifetime total of bytes released.
func (p *Pane) ReleasedTotal() uint64 { return p.releasedTotal.Load() }

// Table is a concurrency-safe registry of per-pane budgets.
type Table struct {
	mu        sync.Mutex
	byID      map[pane.Id]*Pane
	softRatio float64
}

// NewTable creates a Table whose Panes share the given default soft ratio.
func NewTable(softRatio float64) *Table {
	if softRatio <= 0 || softRatio >= 1 {
		softRatio = DefaultSoftRatio
	}
	return &Table{byID: make(map[pane.Id]*Pane), softRatio: softRatio}
}

// Register adds a pane with the given hard limit, replacing any existing
// registration for that pane.
func (t *Table) Register(id pane.Id, hardLimit uint64) *Pane {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := NewPane(hardLimit, t.softRatio)
	t.byID[id] = p
	return p
}

// Get returns the Pane for id, or nil if unregistered.
func (t *Table) Get(id pane.Id) *Pane {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byID[id]
}

// Unregister removes a pane's budget entirely.
func (t *Table) Unregister(id pane.Id) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
}

// Summary is the aggregate view returned by Table.Summary.
type Summary struct {
	TotalCurrentBytes uint64
	TotalHardLimit    uint64
	NormalCount       int
	ThrottledCount    int
	OverBudgetCount   int
}

// Summary aggregates every registered pane's budget state.
func (t *Table) Summary() Summary {
	t.mu.Lock()
	panes := make([]*Pane, 0, len(t.byID))
	for _, p := range t.byID {
		panes = append(panes, p)
	}
	t.mu.Unlock()

	var s Summary
	for _, p := range panes {
		snap := p.Snapshot()
		s.TotalCurrentBytes += snap.CurrentBytes
		s.TotalHardLimit += snap.HardLimit
		switch snap.Level {
		case pane.BudgetNormal:
			s.NormalCount++
		case pane.BudgetThrottled:
			s.ThrottledCount++
		case pane.BudgetOverBudget:
			s.OverBudgetCount++
		}
	}
	return s
}
