// Package control implements the C10 Control Loop: the process that
// discovers panes, schedules captures by value-of-information, drains
// captured bytes through the ingest pipeline, and folds queue pressure
// back into the scheduler — the tick loop binding C1 through C9 into one
// running system.
//
// Wiring follows a familiar shape: config -> logger -> metrics server
// goroutine -> a pool of workers, each reading its own input and folding
// it into shared per-entity state. Here that generalizes to N independent
// per-pane capture goroutines, each writing into a per-pane SPSC ring
// (internal/ring) and fanned into a single ingest consumer with
// github.com/niceyeti/channerics.Merge, which combines a dynamic set of
// worker output channels into one stream.
package control

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/niceyeti/channerics"

	"github.com/frankenterm/poe/internal/backpressure"
	"github.com/frankenterm/poe/internal/budget"
	"github.com/frankenterm/poe/internal/capability"
	"github.com/frankenterm/poe/internal/ingest"
	"github.com/frankenterm/poe/internal/invariant"
	"github.com/frankenterm/poe/internal/observability"
	"github.com/frankenterm/poe/internal/pane"
	"github.com/frankenterm/poe/internal/ring"
	"github.com/frankenterm/poe/internal/scheduler"
)

// Config holds the control loop's own tunables — the ones that have no
// natural home in any single component's config block because they
// govern how the loop drives the components, not the components
// themselves.
type Config struct {
	// DiscoveryInterval is how often ListPanes is polled for new/vanished
	// panes.
	DiscoveryInterval time.Duration

	// ScheduleTickInterval is how often the scheduler recomputes VOI
	// ranking and the backpressure controller is sampled.
	ScheduleTickInterval time.Duration

	// BasePollInterval is the capture interval at zero backpressure
	// severity; PollBackoffMultiplier scales it upward under pressure.
	BasePollInterval time.Duration

	// RingCapacity is the per-pane capture ring size (rounded up to a
	// power of two by internal/ring).
	RingCapacity int

	// DefaultPaneBudgetBytes is the hard byte-budget limit assigned to a
	// newly discovered pane.
	DefaultPaneBudgetBytes uint64

	// DefaultImportance is the scheduler importance weight assigned to a
	// newly discovered pane.
	DefaultImportance float64

	// CaptureTimeout bounds each PaneSource.ReadPane call.
	CaptureTimeout time.Duration

	// DrainPollInterval is how often a pane's drain goroutine checks its
	// ring for new segments when the ring was last found empty.
	DrainPollInterval time.Duration
}

// DefaultConfig returns reasonable defaults for every field not already
// owned by a component's own config block.
func DefaultConfig() Config {
	return Config{
		DiscoveryInterval:      2 * time.Second,
		ScheduleTickInterval:   250 * time.Millisecond,
		BasePollInterval:       200 * time.Millisecond,
		RingCapacity:           256,
		DefaultPaneBudgetBytes: 8 << 20, // 8 MiB
		DefaultImportance:      1.0,
		CaptureTimeout:         capability.CaptureTimeout,
		DrainPollInterval:      2 * time.Millisecond,
	}
}

// paneHandle is the control loop's bookkeeping for one actively-captured
// pane.
type paneHandle struct {
	cancel context.CancelFunc
	ring   *ring.Ring[pane.Segment]
	out    chan pane.Segment
}

// Loop is the C10 control loop. One Loop instance owns the full set of
// registered panes and the goroutines capturing and draining them.
type Loop struct {
	cfg     Config
	source  capability.PaneSource
	matcher capability.PatternMatcher
	sink    capability.DetectionSink
	log     *zap.Logger

	sched   *scheduler.Scheduler
	bp      *backpressure.Controller
	budgets *budget.Table
	ingestP *ingest.Pipeline
	mon     *invariant.Monitor
	metrics *observability.Metrics

	mu    sync.Mutex
	panes map[pane.Id]*paneHandle
	merge context.CancelFunc // cancels the current fan-in consumer
}

// New constructs a Loop around already-constructed components. matcher,
// sink, and metrics may be nil — pattern matching, detection delivery,
// and Prometheus instrumentation are all optional collaborators.
func New(
	cfg Config,
	source capability.PaneSource,
	matcher capability.PatternMatcher,
	sink capability.DetectionSink,
	sched *scheduler.Scheduler,
	bp *backpressure.Controller,
	budgets *budget.Table,
	ingestP *ingest.Pipeline,
	metrics *observability.Metrics,
	log *zap.Logger,
) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		cfg:     cfg,
		source:  source,
		matcher: matcher,
		sink:    sink,
		sched:   sched,
		bp:      bp,
		budgets: budgets,
		ingestP: ingestP,
		mon:     invariant.NewMonitor(),
		metrics: metrics,
		log:     log,
		panes:   make(map[pane.Id]*paneHandle),
	}
}

// InvariantStats returns the live counts of normalization and VOI-bound
// checks the loop has performed against every ingested segment's
// resulting posterior and VOI ranking.
func (l *Loop) InvariantStats() invariant.Stats {
	return l.mon.Stats()
}

// Run drives the control loop until ctx is cancelled. It never returns a
// non-nil error except ctx.Err() on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	l.discover(ctx)

	discoveryTicker := time.NewTicker(l.cfg.DiscoveryInterval)
	defer discoveryTicker.Stop()
	scheduleTicker := time.NewTicker(l.cfg.ScheduleTickInterval)
	defer scheduleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.stopAll()
			return ctx.Err()
		case <-discoveryTicker.C:
			l.discover(ctx)
		case <-scheduleTicker.C:
			l.tick()
		}
	}
}

// discover reconciles the known pane set against the current
// PaneSource.ListPanes output, registering new panes and tearing down
// vanished ones.
func (l *Loop) discover(ctx context.Context) {
	infos, err := l.source.ListPanes(ctx)
	if err != nil {
		l.log.Warn("ListPanes failed", zap.Error(err))
		return
	}

	seen := make(map[pane.Id]bool, len(infos))
	changed := false

	for _, info := range infos {
		seen[info.PaneID] = true
		l.mu.Lock()
		_, known := l.panes[info.PaneID]
		l.mu.Unlock()
		if !known {
			l.addPane(ctx, info)
			changed = true
		}
	}

	l.mu.Lock()
	var vanished []pane.Id
	for id := range l.panes {
		if !seen[id] {
			vanished = append(vanished, id)
		}
	}
	l.mu.Unlock()

	for _, id := range vanished {
		l.removePane(id)
		changed = true
	}

	if changed {
		l.remerge(ctx)
	}

	if l.metrics != nil {
		l.mu.Lock()
		l.metrics.TrackedPanes.Set(float64(len(l.panes)))
		l.mu.Unlock()
	}
}

func (l *Loop) addPane(ctx context.Context, info capability.PaneInfo) {
	id := info.PaneID
	l.sched.Register(id, l.cfg.DefaultImportance)
	l.budgets.Register(id, l.cfg.DefaultPaneBudgetBytes)

	capCtx, cancel := context.WithCancel(ctx)
	h := &paneHandle{
		cancel: cancel,
		ring:   ring.New[pane.Segment](l.cfg.RingCapacity),
		out:    make(chan pane.Segment, 1),
	}

	l.mu.Lock()
	l.panes[id] = h
	l.mu.Unlock()

	go l.captureLoop(capCtx, info, h)
	go l.drainLoop(capCtx, h)

	l.log.Info("pane registered", zap.Uint64("pane_id", uint64(id)), zap.String("domain", info.Domain))
}

func (l *Loop) removePane(id pane.Id) {
	l.mu.Lock()
	h, ok := l.panes[id]
	if ok {
		delete(l.panes, id)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	l.sched.Unregister(id)
	l.budgets.Unregister(id)
	l.log.Info("pane unregistered", zap.Uint64("pane_id", uint64(id)))
}

// captureLoop is the single producer for one pane's ring: it repeatedly
// calls PaneSource.ReadPane, spending longer between calls as backpressure
// severity rises (PollBackoffMultiplier), and pushes each non-empty read
// onto the pane's ring.
func (l *Loop) captureLoop(ctx context.Context, info capability.PaneInfo, h *paneHandle) {
	var seq uint64
	for {
		interval := l.cfg.BasePollInterval
		if l.bp != nil {
			mult := l.bp.Actions().PollBackoffMultiplier
			interval = time.Duration(float64(interval) * mult)
		}

		select {
		case <-ctx.Done():
			h.ring.Close()
			return
		case <-time.After(interval):
		}

		readCtx, cancel := context.WithTimeout(ctx, l.cfg.CaptureTimeout)
		start := time.Now()
		res, err := l.source.ReadPane(readCtx, info.PaneID, seq)
		elapsedMs := float64(time.Since(start)) / float64(time.Millisecond)
		cancel()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			l.log.Warn("ReadPane failed", zap.Uint64("pane_id", uint64(info.PaneID)), zap.Error(err))
			continue
		}
		l.sched.SetCostEstimate(info.PaneID, elapsedMs)

		if len(res.Bytes) == 0 {
			continue
		}

		seg := pane.Segment{
			PaneID:     info.PaneID,
			Seq:        seq,
			Bytes:      res.Bytes,
			CapturedAt: time.Now(),
		}
		seq = res.NewSeq

		if !h.ring.Push(seg) {
			l.log.Warn("pane capture ring full, segment dropped",
				zap.Uint64("pane_id", uint64(info.PaneID)),
				zap.Uint64("lifetime_dropped", h.ring.Dropped()))
			if l.metrics != nil {
				l.metrics.RingDroppedTotal.Inc()
			}
		}
	}
}

// drainLoop is the single consumer of one pane's ring: it pops segments
// and forwards them onto the pane's output channel, which feeds the
// shared fan-in merge.
func (l *Loop) drainLoop(ctx context.Context, h *paneHandle) {
	defer close(h.out)
	for {
		seg, ok := h.ring.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.cfg.DrainPollInterval):
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case h.out <- seg:
		}
	}
}

// remerge rebuilds the fan-in over every currently-registered pane's
// output channel and starts a fresh consumer goroutine reading from it.
// Called whenever the pane set changes, since channerics.Merge takes a
// fixed channel list at construction.
func (l *Loop) remerge(ctx context.Context) {
	l.mu.Lock()
	if l.merge != nil {
		l.merge()
	}
	chans := make([]<-chan pane.Segment, 0, len(l.panes))
	for _, h := range l.panes {
		chans = append(chans, h.out)
	}
	mergeCtx, cancel := context.WithCancel(ctx)
	l.merge = cancel
	l.mu.Unlock()

	if len(chans) == 0 {
		return
	}

	done := make(chan struct{})
	go func() {
		<-mergeCtx.Done()
		close(done)
	}()

	merged := channerics.Merge(done, chans...)
	go func() {
		for seg := range merged {
			l.handleSegment(seg)
		}
	}()
}

// handleSegment runs one captured Segment through the ingest pipeline,
// the optional pattern matcher, and feeds the result back into the
// scheduler so the next Tick reflects this pane's fresh belief entropy.
func (l *Loop) handleSegment(seg pane.Segment) {
	before := l.ingestP.Ledger(seg.PaneID).Posterior()
	beforeEntropy := shannonEntropyBits(before)

	result := l.ingestP.Ingest(seg.PaneID, seg.Seq, seg.Bytes, seg.CapturedAt)

	if l.metrics != nil {
		l.metrics.IngestOutcomesTotal.WithLabelValues(result.Outcome.String()).Inc()
		l.metrics.EntropyBitsHistogram.Observe(l.ingestP.Entropy(seg.PaneID).Entropy())
		if result.ChangePoint != nil {
			l.metrics.ChangePointsDetectedTotal.Inc()
		}
	}

	switch result.Outcome {
	case ingest.OutcomeGap:
		l.log.Warn("sequence gap detected",
			zap.Uint64("pane_id", uint64(seg.PaneID)),
			zap.Uint64("seq_before", result.Gap.SeqBefore),
			zap.Uint64("seq_after", result.Gap.SeqAfter))
	case ingest.OutcomeReplayStale:
		l.log.Warn("stale replay rejected", zap.Uint64("pane_id", uint64(seg.PaneID)))
	}

	if result.ChangePoint != nil && l.sink != nil {
		cp := *result.ChangePoint
		cp.EventID = uuid.NewString()
		l.sink.OnChangePoint(cp)
	}

	if result.Segment != nil && l.matcher != nil {
		for _, d := range l.matcher.Match(*result.Segment) {
			if l.sink != nil {
				d.EventID = uuid.NewString()
				l.sink.OnDetection(d)
			}
		}
	}

	after := l.ingestP.Ledger(seg.PaneID).Posterior()
	normErr := invariant.CheckNormalized(after[:])
	l.mon.Record(normErr)
	if normErr != nil {
		l.log.Error("posterior failed normalization check", zap.Uint64("pane_id", uint64(seg.PaneID)), zap.Error(normErr))
		if l.metrics != nil {
			l.metrics.InvariantViolationsTotal.WithLabelValues(string(normErr.(*invariant.Violation).Kind)).Inc()
		}
	}
	afterEntropy := shannonEntropyBits(after)

	if l.metrics != nil {
		_, confidence := l.ingestP.Ledger(seg.PaneID).Classify()
		l.metrics.LedgerClassifyConfidence.Observe(confidence)
	}

	infoGainRate := 0.0
	if beforeEntropy > 1e-9 {
		infoGainRate = (beforeEntropy - afterEntropy) / beforeEntropy
	}
	if infoGainRate < 0 {
		infoGainRate = 0
	} else if infoGainRate > 1 {
		infoGainRate = 1
	}

	l.sched.Observe(seg.PaneID, time.Now(), afterEntropy, infoGainRate)

	if b := l.budgets.Get(seg.PaneID); b != nil {
		b.Release(uint64(len(seg.Bytes)))
	}
}

// tick samples queue pressure across every registered pane's ring,
// folds it into the backpressure controller, and recomputes the
// scheduler's VOI ranking.
func (l *Loop) tick() scheduler.ScheduleDecision {
	l.mu.Lock()
	var maxCaptureRatio float64
	for _, h := range l.panes {
		ratio := float64(h.ring.Len()) / float64(h.ring.Cap())
		if ratio > maxCaptureRatio {
			maxCaptureRatio = ratio
		}
	}
	l.mu.Unlock()

	if l.bp != nil {
		l.bp.Observe(backpressure.QueueDepths{CaptureQueueRatio: maxCaptureRatio})
	}

	severity := 0.0
	if l.bp != nil {
		severity = l.bp.Severity()
	}
	decision := l.sched.Tick(time.Now(), severity)
	for _, e := range decision.Entries {
		if v := invariant.CheckVOI(e.VOI); v != nil {
			l.mon.Record(v)
			l.log.Error("VOI invariant violated", zap.Uint64("pane_id", uint64(e.PaneID)), zap.Error(v))
			if l.metrics != nil {
				l.metrics.InvariantViolationsTotal.WithLabelValues(string(v.(*invariant.Violation).Kind)).Inc()
			}
		} else {
			l.mon.Record(nil)
		}
	}
	l.log.Debug("schedule tick",
		zap.Float64("severity", severity),
		zap.Float64("total_entropy", decision.TotalEntropy),
		zap.Int("must_poll", len(decision.MustPoll)))

	if l.metrics != nil {
		l.metrics.ScheduleTickTotalEntropy.Set(decision.TotalEntropy)
		l.metrics.ScheduleMustPollPanes.Set(float64(len(decision.MustPoll)))
		if l.bp != nil {
			l.metrics.BackpressureSeverity.Set(severity)
			l.metrics.BackpressureTier.Set(float64(backpressure.TierFor(severity)))
		}
		l.updateBudgetMetrics()
	}
	return decision
}

// updateBudgetMetrics recomputes the pane-count-by-level and total
// current-bytes gauges from a fresh Summary() call. Called once per
// scheduler tick rather than per-segment, since it is an O(panes) scan.
func (l *Loop) updateBudgetMetrics() {
	if l.budgets == nil {
		return
	}
	summary := l.budgets.Summary()
	l.metrics.BudgetPanesByLevel.WithLabelValues("Normal").Set(float64(summary.NormalCount))
	l.metrics.BudgetPanesByLevel.WithLabelValues("Throttled").Set(float64(summary.ThrottledCount))
	l.metrics.BudgetPanesByLevel.WithLabelValues("OverBudget").Set(float64(summary.OverBudgetCount))
	l.metrics.BudgetBytesCurrent.Set(float64(summary.TotalCurrentBytes))
}

// stopAll cancels every pane's capture/drain goroutines and the current
// fan-in consumer, and marks every tracked pane's ledger with an
// ObservationLost note: once cancellation is signalled no further evidence
// will be folded in for this pane, and downstream consumers reading the
// ledger after shutdown need to be able to tell a pane that stopped being
// observed from one that is merely quiet.
func (l *Loop) stopAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.merge != nil {
		l.merge()
	}
	now := time.Now()
	for id, h := range l.panes {
		h.cancel()
		l.ingestP.Ledger(id).AddNote("control", "ObservationLost", now)
	}
}

// shannonEntropyBits computes the Shannon entropy, in bits, of a belief
// distribution over the six agent states.
func shannonEntropyBits(b pane.Belief) float64 {
	var h float64
	for _, p := range b {
		if p > 0 {
			h -= p * math.Log2(p)
		}
	}
	return h
}
