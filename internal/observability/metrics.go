// Package observability — metrics.go
//
// Prometheus metrics for the FrankenTerm POE control loop.
//
// Endpoint: GET /metrics on 127.0.0.1:9092 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only by convention — no external exposure.
//
// Metric naming convention: poe_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries sharing the process.
//
// Cardinality control:
//   - State labels use the string state name (6 values max).
//   - PaneId is NOT used as a label (unbounded cardinality); per-pane
//     values are aggregated (max, total, count-by-level) before recording.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for POE.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Ingest (C1/C2/C3/C7) ────────────────────────────────────────────────

	// IngestOutcomesTotal counts Ingest results by outcome
	// (accepted, gap, replay_deduped, replay_stale).
	IngestOutcomesTotal *prometheus.CounterVec

	// EntropyBitsHistogram records the distribution of per-batch entropy.
	EntropyBitsHistogram prometheus.Histogram

	// ChangePointsDetectedTotal counts BOCPD change-point emissions.
	ChangePointsDetectedTotal prometheus.Counter

	// LedgerClassifyConfidence records the argmax confidence of
	// ledger.Classify() calls.
	LedgerClassifyConfidence prometheus.Histogram

	// ─── Scheduler (C4) ───────────────────────────────────────────────────────

	// ScheduleTickTotalEntropy is the summed staleness-adjusted entropy
	// across all panes as of the last Tick.
	ScheduleTickTotalEntropy prometheus.Gauge

	// ScheduleMustPollPanes is the number of panes flagged must-poll on
	// the last Tick.
	ScheduleMustPollPanes prometheus.Gauge

	// ─── Backpressure (C5) ────────────────────────────────────────────────────

	// BackpressureSeverity is the current σ(k·(q_ema - θ)) value.
	BackpressureSeverity prometheus.Gauge

	// BackpressureTier mirrors BackpressureSeverity bucketed into
	// {green=0, yellow=1, red=2, black=3} for dashboards that prefer a
	// coarse state.
	BackpressureTier prometheus.Gauge

	// ─── Budget (C6) ──────────────────────────────────────────────────────────

	// BudgetPanesByLevel counts currently-registered panes by budget
	// level (normal, throttled, over_budget).
	BudgetPanesByLevel *prometheus.GaugeVec

	// BudgetBytesCurrent sums CurrentBytes across all registered panes.
	BudgetBytesCurrent prometheus.Gauge

	// ─── Ring (C8) ─────────────────────────────────────────────────────────────

	// RingDroppedTotal counts Push calls that found a pane's capture
	// ring full.
	RingDroppedTotal prometheus.Counter

	// ─── Invariant (cross-cutting) ────────────────────────────────────────────

	// InvariantViolationsTotal counts invariant.Violation occurrences by
	// kind.
	InvariantViolationsTotal *prometheus.CounterVec

	// ─── Agent ────────────────────────────────────────────────────────────────

	// TrackedPanes is the current number of panes under active capture.
	TrackedPanes prometheus.Gauge

	// AgentUptimeSeconds is the number of seconds since the control loop
	// started.
	AgentUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all POE Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		IngestOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poe",
			Subsystem: "ingest",
			Name:      "outcomes_total",
			Help:      "Total Ingest calls, by outcome (accepted, gap, replay_deduped, replay_stale).",
		}, []string{"outcome"}),

		EntropyBitsHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "poe",
			Subsystem: "entropy",
			Name:      "bits",
			Help:      "Distribution of per-batch Shannon entropy, in bits.",
			Buckets:   []float64{0.5, 1, 2, 3, 4, 5, 6, 7, 7.5, 8},
		}),

		ChangePointsDetectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poe",
			Subsystem: "changepoint",
			Name:      "detected_total",
			Help:      "Total BOCPD change-point emissions across all panes.",
		}),

		LedgerClassifyConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "poe",
			Subsystem: "ledger",
			Name:      "classify_confidence",
			Help:      "Distribution of argmax confidence from ledger.Classify().",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 9),
		}),

		ScheduleTickTotalEntropy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "poe",
			Subsystem: "scheduler",
			Name:      "tick_total_entropy_bits",
			Help:      "Summed staleness-adjusted belief entropy across all panes, as of the last scheduler Tick.",
		}),

		ScheduleMustPollPanes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "poe",
			Subsystem: "scheduler",
			Name:      "must_poll_panes",
			Help:      "Number of panes flagged must-poll on the last scheduler Tick.",
		}),

		BackpressureSeverity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "poe",
			Subsystem: "backpressure",
			Name:      "severity",
			Help:      "Current backpressure severity score in [0, 1].",
		}),

		BackpressureTier: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "poe",
			Subsystem: "backpressure",
			Name:      "tier",
			Help:      "Current backpressure tier (0=green, 1=yellow, 2=red, 3=black).",
		}),

		BudgetPanesByLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "poe",
			Subsystem: "budget",
			Name:      "panes_by_level",
			Help:      "Number of registered panes currently at each budget level.",
		}, []string{"level"}),

		BudgetBytesCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "poe",
			Subsystem: "budget",
			Name:      "bytes_current",
			Help:      "Sum of CurrentBytes across all registered panes.",
		}),

		RingDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poe",
			Subsystem: "ring",
			Name:      "dropped_total",
			Help:      "Total Push calls that found a pane's capture ring full.",
		}),

		InvariantViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poe",
			Subsystem: "invariant",
			Name:      "violations_total",
			Help:      "Total invariant violations observed, by kind.",
		}, []string{"kind"}),

		TrackedPanes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "poe",
			Subsystem: "agent",
			Name:      "tracked_panes",
			Help:      "Current number of panes under active capture.",
		}),

		AgentUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "poe",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the control loop started.",
		}),
	}

	reg.MustRegister(
		m.IngestOutcomesTotal,
		m.EntropyBitsHistogram,
		m.ChangePointsDetectedTotal,
		m.LedgerClassifyConfidence,
		m.ScheduleTickTotalEntropy,
		m.ScheduleMustPollPanes,
		m.BackpressureSeverity,
		m.BackpressureTier,
		m.BudgetPanesByLevel,
		m.BudgetBytesCurrent,
		m.RingDroppedTotal,
		m.InvariantViolationsTotal,
		m.TrackedPanes,
		m.AgentUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.AgentUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
