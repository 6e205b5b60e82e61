// Package main — cmd/poe-agent/main.go
//
// FrankenTerm POE agent entrypoint.
//
// Startup sequence:
//  1. Load and validate config from poe.yaml.
//  2. Initialise structured logger (zap).
//  3. Start the Prometheus metrics server.
//  4. Construct C1-C9 components and wire them into a control.Loop.
//  5. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (propagates to every pane goroutine).
//  2. Wait for the control loop to return (max 5s).
//  3. Flush the logger.
//  4. Exit 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/frankenterm/poe/internal/backpressure"
	"github.com/frankenterm/poe/internal/budget"
	"github.com/frankenterm/poe/internal/capability"
	"github.com/frankenterm/poe/internal/changepoint"
	"github.com/frankenterm/poe/internal/config"
	"github.com/frankenterm/poe/internal/control"
	"github.com/frankenterm/poe/internal/ingest"
	"github.com/frankenterm/poe/internal/llr"
	"github.com/frankenterm/poe/internal/observability"
	"github.com/frankenterm/poe/internal/scheduler"
	"github.com/frankenterm/poe/internal/simulate"
)

func main() {
	configPath := flag.String("config", "poe.yaml", "Path to poe.yaml")
	flag.Parse()

	// ── Step 1: Load config ──────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Logger ────────────────────────────────────────────────────────
	log, err := observability.BuildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	runID := uuid.NewString()
	log.Info("poe-agent starting",
		zap.String("node_id", cfg.Agent.NodeID),
		zap.String("run_id", runID),
		zap.String("config", *configPath),
		zap.String("mapper", cfg.Agent.Mapper))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Metrics server ───────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 4: Wire C1-C9 ────────────────────────────────────────────────────
	mapper, err := llr.Get(cfg.Agent.Mapper)
	if err != nil {
		log.Fatal("failed to resolve LLR mapper", zap.Error(err))
	}

	budgets := budget.NewTable(cfg.Budget.SoftRatio)
	sched := scheduler.New(scheduler.Config{
		DriftRate:         cfg.Scheduler.DriftRate,
		MustPollThreshold: cfg.Scheduler.MustPollThreshold,
		MaxEntropyBits:    cfg.Scheduler.MaxEntropyBits,
	})
	bp := backpressure.New(backpressure.Config{
		EMAAlpha:     cfg.Severity.EMAAlpha,
		SigmoidK:     cfg.Severity.SigmoidK,
		SigmoidTheta: cfg.Severity.SigmoidTheta,
	})
	ingestP := ingest.New(ingest.Config{
		EntropyWindowBytes: cfg.Entropy.WindowBytes,
		LedgerCapacity:     cfg.Ledger.Capacity,
		LedgerLearningRate: cfg.Ledger.LearningRate,
		BOCPD: changepoint.Config{
			Hazard:        cfg.BOCPD.Hazard,
			Threshold:     cfg.BOCPD.ChangepointThreshold,
			Warmup:        cfg.BOCPD.Warmup,
			MaxRunBuckets: cfg.BOCPD.MaxRunBuckets,
			PriorKappa:    changepoint.DefaultConfig().PriorKappa,
			PriorAlpha:    changepoint.DefaultConfig().PriorAlpha,
			PriorBeta:     changepoint.DefaultConfig().PriorBeta,
		},
	}, mapper, budgets)

	// POE ships no concrete terminal-multiplexer adapter (see internal/
	// capability's doc comment): a real deployment supplies its own
	// PaneSource implementation at this call site. Absent one, poe-agent
	// runs against a small set of synthetic demo panes so the control loop,
	// metrics, and logging can be exercised end to end out of the box.
	source := demoPaneSource()

	loopCfg := control.Config{
		DiscoveryInterval:      cfg.Control.DiscoveryInterval,
		ScheduleTickInterval:   cfg.Control.ScheduleTickInterval,
		BasePollInterval:       cfg.Control.BasePollInterval,
		RingCapacity:           cfg.Ring.DefaultCapacity,
		DefaultPaneBudgetBytes: cfg.Control.DefaultPaneBudgetBytes,
		DefaultImportance:      cfg.Control.DefaultImportance,
		CaptureTimeout:         cfg.Ring.CaptureTimeout,
		DrainPollInterval:      cfg.Control.DrainPollInterval,
	}

	loop := control.New(loopCfg, source, nil, nil, sched, bp, budgets, ingestP, metrics, log)

	// ── Step 5: Run until signalled ──────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run(ctx) }()

	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))
	cancel()

	select {
	case <-runDone:
		log.Info("control loop stopped")
	case <-time.After(5 * time.Second):
		log.Warn("control loop shutdown timeout — forcing exit")
	}

	stats := loop.InvariantStats()
	log.Info("poe-agent shutdown complete",
		zap.Int64("invariant_checks", stats.CheckedCount),
		zap.Int64("invariant_violations", stats.ViolationCount))
}

// demoPaneSource builds a small, varied synthetic pane set: a quiet idle
// shell, a chatty build loop, and a pane that flips from quiet to a burst
// of high-entropy output partway through — enough variety to see the
// scheduler, change-point detector, and budget controller all do
// something visible on the metrics endpoint.
func demoPaneSource() *simulate.FakePaneSource {
	rng := rand.New(rand.NewSource(1))

	idleChunks := make([][]byte, 200)
	for i := range idleChunks {
		idleChunks[i] = []byte("$ \n")
	}

	chatterChunks := make([][]byte, 200)
	for i := range chatterChunks {
		chatterChunks[i] = []byte(fmt.Sprintf("[build] compiling module %d...\n", i))
	}

	burstChunks := make([][]byte, 200)
	for i := range burstChunks {
		if i < 100 {
			burstChunks[i] = []byte("$ \n")
			continue
		}
		b := make([]byte, 128)
		rng.Read(b)
		burstChunks[i] = b
	}

	return simulate.NewFakePaneSource([]simulate.PaneScript{
		{Info: capability.PaneInfo{PaneID: 1, Domain: "local", Title: "idle-shell", Rows: 24, Cols: 80}, Chunks: idleChunks},
		{Info: capability.PaneInfo{PaneID: 2, Domain: "local", Title: "build-loop", Rows: 24, Cols: 80}, Chunks: chatterChunks},
		{Info: capability.PaneInfo{PaneID: 3, Domain: "local", Title: "regime-shift", Rows: 24, Cols: 80}, Chunks: burstChunks},
	})
}
