// Package main — cmd/poe-sim/main.go
//
// POE scenario runner.
//
// Purpose: replay each of the end-to-end scenarios against a real
// control.Loop (not a unit-level component harness) and report a single
// pass/fail verdict per scenario, evaluated over a simulated run.
//
// Scenarios:
//   constant-chatter   — steady low-entropy output settles the pane to Idle
//                         (confidence >= 0.5, entropy < 2 bits).
//   regime-shift       — a low-entropy to high-entropy transition; passes
//                         when final entropy is >= 6 bits. Change-points
//                         are not counted (the loop runs without a sink).
//   gap-under-pressure — a pane streaming random bytes past a 2 KB hard
//                         limit; passes when it ends OverBudget. Backpressure
//                         severity is reported in the CSV but not checked.
//   budget-breach      — a steady stream past a pane's 4 KB hard limit;
//                         passes when it ends OverBudget. The intermediate
//                         Throttled level is not checked.
//
// Output: per-step CSV to stdout (scenario, step, entropy_bits, severity).
// Summary: pass/fail per scenario to stderr; exit 2 if any scenario failed.
//
// Usage:
//   poe-sim [-scenario name] [-seed N]
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/frankenterm/poe/internal/backpressure"
	"github.com/frankenterm/poe/internal/budget"
	"github.com/frankenterm/poe/internal/capability"
	"github.com/frankenterm/poe/internal/changepoint"
	"github.com/frankenterm/poe/internal/control"
	"github.com/frankenterm/poe/internal/ingest"
	"github.com/frankenterm/poe/internal/llr"
	"github.com/frankenterm/poe/internal/pane"
	"github.com/frankenterm/poe/internal/scheduler"
	"github.com/frankenterm/poe/internal/simulate"
)

// stepSample is one CSV row emitted while a scenario runs.
type stepSample struct {
	scenario string
	step     int
	entropy  float64
	severity float64
}

// scenarioResult is the pass/fail verdict plus a human-readable detail
// line for one scenario.
type scenarioResult struct {
	name   string
	passed bool
	detail string
}

func main() {
	only := flag.String("scenario", "", "Run only this scenario (default: all)")
	seed := flag.Int64("seed", 1, "Random seed for scenarios that sample bytes")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))

	all := []func(*rand.Rand) (scenarioResult, []stepSample){
		scenarioConstantChatter,
		scenarioRegimeShift,
		scenarioGapUnderPressure,
		scenarioBudgetBreach,
	}

	w := csv.NewWriter(os.Stdout)
	_ = w.Write([]string{"scenario", "step", "entropy_bits", "severity"})

	var results []scenarioResult
	for _, fn := range all {
		result, samples := fn(rng)
		if *only != "" && result.name != *only {
			continue
		}
		for _, s := range samples {
			_ = w.Write([]string{
				s.scenario,
				strconv.Itoa(s.step),
				strconv.FormatFloat(s.entropy, 'f', 4, 64),
				strconv.FormatFloat(s.severity, 'f', 4, 64),
			})
		}
		results = append(results, result)
	}
	w.Flush()

	fmt.Fprintf(os.Stderr, "\n=== SCENARIO RESULTS ===\n")
	failed := 0
	for _, r := range results {
		status := "PASS"
		if !r.passed {
			status = "FAIL"
			failed++
		}
		fmt.Fprintf(os.Stderr, "%-20s %s — %s\n", r.name, status, r.detail)
	}

	if failed > 0 {
		fmt.Fprintf(os.Stderr, "RESULT: FAIL — %d/%d scenarios failed\n", failed, len(results))
		os.Exit(2)
	}
	fmt.Fprintf(os.Stderr, "RESULT: PASS — all %d scenarios satisfied\n", len(results))
}

// harness bundles the components a scenario needs direct access to after
// the loop has run, alongside the Loop itself.
type harness struct {
	loop    *control.Loop
	budgets *budget.Table
	ingestP *ingest.Pipeline
	bp      *backpressure.Controller
	src     *simulate.FakePaneSource
}

func newHarness(scripts []simulate.PaneScript, paneHardLimit uint64) *harness {
	bt := budget.NewTable(0.8)
	sched := scheduler.New(scheduler.DefaultConfig())
	bp := backpressure.New(backpressure.DefaultConfig())
	mapper, _ := llr.Get("linear")

	ingCfg := ingest.Config{
		EntropyWindowBytes: 4096,
		LedgerCapacity:     256,
		LedgerLearningRate: 0.1,
		BOCPD:              changepoint.DefaultConfig(),
	}
	ingestP := ingest.New(ingCfg, mapper, bt)

	for _, s := range scripts {
		bt.Register(s.Info.PaneID, paneHardLimit)
	}

	src := simulate.NewFakePaneSource(scripts)

	cfg := control.DefaultConfig()
	cfg.DiscoveryInterval = 5 * time.Millisecond
	cfg.ScheduleTickInterval = 5 * time.Millisecond
	cfg.BasePollInterval = time.Millisecond
	cfg.DrainPollInterval = time.Millisecond
	cfg.DefaultPaneBudgetBytes = paneHardLimit

	loop := control.New(cfg, src, nil, nil, sched, bp, bt, ingestP, nil, zap.NewNop())
	return &harness{loop: loop, budgets: bt, ingestP: ingestP, bp: bp, src: src}
}

func (h *harness) run(d time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	h.loop.Run(ctx)
}

func scenarioConstantChatter(rng *rand.Rand) (scenarioResult, []stepSample) {
	chunks := make([][]byte, 300)
	for i := range chunks {
		chunks[i] = []byte("idle prompt\n")
	}
	h := newHarness([]simulate.PaneScript{
		{Info: capability.PaneInfo{PaneID: 1}, Chunks: chunks},
	}, 1<<30)
	h.run(200 * time.Millisecond)

	state, conf := h.ingestP.Ledger(1).Classify()
	entropy := h.ingestP.Entropy(1).Entropy()

	passed := state == pane.StateIdle && conf >= 0.5 && entropy < 2.0
	detail := fmt.Sprintf("classified=%s confidence=%.2f entropy=%.2f", state, conf, entropy)
	return scenarioResult{"constant-chatter", passed, detail},
		[]stepSample{{"constant-chatter", 0, entropy, 0}}
}

func scenarioRegimeShift(rng *rand.Rand) (scenarioResult, []stepSample) {
	var chunks [][]byte
	for i := 0; i < 80; i++ {
		chunks = append(chunks, []byte("\r[= "))
	}
	for i := 0; i < 80; i++ {
		b := make([]byte, 64)
		rng.Read(b)
		chunks = append(chunks, b)
	}

	h := newHarness([]simulate.PaneScript{
		{Info: capability.PaneInfo{PaneID: 1}, Chunks: chunks},
	}, 1<<30)
	h.run(250 * time.Millisecond)

	entropy := h.ingestP.Entropy(1).Entropy()
	passed := entropy >= 6.0
	detail := fmt.Sprintf("final entropy=%.2f bits (want >= 6.0 after the shift to random bytes)", entropy)
	return scenarioResult{"regime-shift", passed, detail},
		[]stepSample{{"regime-shift", 0, entropy, 0}}
}

func scenarioGapUnderPressure(rng *rand.Rand) (scenarioResult, []stepSample) {
	chunks := make([][]byte, 40)
	for i := range chunks {
		b := make([]byte, 512)
		rng.Read(b)
		chunks[i] = b
	}
	h := newHarness([]simulate.PaneScript{
		{Info: capability.PaneInfo{PaneID: 1}, Chunks: chunks},
	}, 2048)
	h.run(300 * time.Millisecond)

	severity := h.bp.Severity()
	level := pane.BudgetNormal
	if b := h.budgets.Get(1); b != nil {
		level = b.Level()
	}
	passed := level == pane.BudgetOverBudget
	detail := fmt.Sprintf("budget_level=%s severity=%.2f", level, severity)
	return scenarioResult{"gap-under-pressure", passed, detail},
		[]stepSample{{"gap-under-pressure", 0, 0, severity}}
}

func scenarioBudgetBreach(rng *rand.Rand) (scenarioResult, []stepSample) {
	chunks := make([][]byte, 24)
	for i := range chunks {
		b := make([]byte, 256)
		for j := range b {
			b[j] = 'z'
		}
		chunks[i] = b
	}
	h := newHarness([]simulate.PaneScript{
		{Info: capability.PaneInfo{PaneID: 1}, Chunks: chunks},
	}, 4096)
	h.run(200 * time.Millisecond)

	level := pane.BudgetNormal
	if b := h.budgets.Get(1); b != nil {
		level = b.Level()
	}
	passed := level == pane.BudgetOverBudget
	detail := fmt.Sprintf("final budget_level=%s", level)
	return scenarioResult{"budget-breach", passed, detail},
		[]stepSample{{"budget-breach", 0, 0, 0}}
}
