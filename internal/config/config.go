// Package config provides configuration loading, validation, and defaults
// for the POE control loop.
//
// Configuration file: poe.yaml (path supplied by the caller; POE has no
// opinion on a default filesystem location — the CLI/daemon surface that
// would own that decision is out of the core's scope).
//
// Validation:
//   - All numeric ranges are enforced at load time (e.g. alpha in [0,1]).
//   - Invalid config on Load: returns an error; the caller decides whether
//     that is fatal. Invalid config at startup is typically fatal, while
//     an invalid hot-reload config should be logged and discarded rather
//     than crash a running process — POE itself only validates;
//     retry/fallback policy is the caller's.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for POE. Every field has a
// default; see Defaults().
type Config struct {
	// Agent configures process-wide identity and the LLR mapper selection.
	Agent AgentConfig `yaml:"agent"`

	// Control configures the C10 control loop's own tunables.
	Control ControlConfig `yaml:"control"`

	// Entropy configures the C1 entropy estimator.
	Entropy EntropyConfig `yaml:"entropy"`

	// BOCPD configures the C2 change-point detector.
	BOCPD BOCPDConfig `yaml:"bocpd"`

	// Ledger configures the C3 Bayesian ledger.
	Ledger LedgerConfig `yaml:"ledger"`

	// Scheduler configures the C4 VOI scheduler.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Severity configures the C5 backpressure controller.
	Severity SeverityConfig `yaml:"severity"`

	// Budget configures the C6 per-pane memory budget.
	Budget BudgetConfig `yaml:"budget"`

	// Ring configures the C8 SPSC ring channel.
	Ring RingConfig `yaml:"ring"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`
}

// AgentConfig holds process-wide identity and wiring choices.
type AgentConfig struct {
	// NodeID identifies this agent instance in logs and metrics.
	// Default: "poe-agent".
	NodeID string `yaml:"node_id"`

	// Mapper selects the registered internal/llr.Mapper by name.
	// Default: "linear".
	Mapper string `yaml:"mapper"`
}

// ControlConfig holds C10 control-loop parameters not already owned by a
// single component's own config block.
type ControlConfig struct {
	// DiscoveryInterval is how often ListPanes is polled for new/vanished
	// panes. Default: 2s.
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`

	// ScheduleTickInterval is how often VOI ranking and backpressure are
	// resampled. Default: 250ms.
	ScheduleTickInterval time.Duration `yaml:"schedule_tick_interval"`

	// BasePollInterval is the capture interval at zero backpressure
	// severity. Default: 200ms.
	BasePollInterval time.Duration `yaml:"base_poll_interval"`

	// DrainPollInterval is how often an idle pane's drain goroutine
	// rechecks its ring. Default: 2ms.
	DrainPollInterval time.Duration `yaml:"drain_poll_interval"`

	// DefaultPaneBudgetBytes is the hard byte budget assigned to a newly
	// discovered pane. Default: 8 MiB.
	DefaultPaneBudgetBytes uint64 `yaml:"default_pane_budget_bytes"`

	// DefaultImportance is the scheduler importance weight assigned to a
	// newly discovered pane. Default: 1.0.
	DefaultImportance float64 `yaml:"default_importance"`
}

// EntropyConfig holds C1 parameters.
type EntropyConfig struct {
	// WindowBytes is the sliding window width. Default: 4096.
	WindowBytes int `yaml:"window_bytes"`
}

// BOCPDConfig holds C2 parameters.
type BOCPDConfig struct {
	// Hazard is the constant prior change-rate. Default: 1/200.
	Hazard float64 `yaml:"hazard"`

	// Warmup is the number of observations before emitting a change-point.
	// Default: 30.
	Warmup int `yaml:"warmup"`

	// MaxRunBuckets truncates the run-length posterior. Default: 100.
	MaxRunBuckets int `yaml:"max_run_buckets"`

	// ChangepointThreshold τ: emit when P(run_length=0) exceeds this.
	// Default: 0.5.
	ChangepointThreshold float64 `yaml:"changepoint_threshold"`
}

// LedgerConfig holds C3 parameters.
type LedgerConfig struct {
	// Capacity is the per-pane evidence ring size. Default: 256.
	Capacity int `yaml:"capacity"`

	// LearningRate is the feedback α, clamped to [0.01, 0.5]. Default: 0.1.
	LearningRate float64 `yaml:"learning_rate"`
}

// SchedulerConfig holds C4 parameters.
type SchedulerConfig struct {
	// DriftRate is the staleness entropy growth rate, bits/s. Default: 0.01.
	DriftRate float64 `yaml:"drift_rate"`

	// MustPollThreshold flags an entry for "schedule now". Default: 0.9.
	MustPollThreshold float64 `yaml:"must_poll_threshold"`

	// MaxEntropyBits caps staleness-driven entropy growth. Default: 8.
	MaxEntropyBits float64 `yaml:"max_entropy_bits"`
}

// SeverityConfig holds C5 parameters.
type SeverityConfig struct {
	// EMAAlpha is the queue-ratio smoothing factor. Default: 0.3.
	EMAAlpha float64 `yaml:"ema_alpha"`

	// SigmoidK is the severity curve steepness. Default: 8.0.
	SigmoidK float64 `yaml:"sigmoid_k"`

	// SigmoidTheta is the severity curve center. Default: 0.5.
	SigmoidTheta float64 `yaml:"sigmoid_theta"`
}

// BudgetConfig holds C6 parameters.
type BudgetConfig struct {
	// SoftRatio: soft_limit = hard_limit * SoftRatio. Default: 0.8.
	SoftRatio float64 `yaml:"soft_ratio"`
}

// RingConfig holds C8 parameters.
type RingConfig struct {
	// DefaultCapacity is the per-pane ring size. Default: 1024.
	DefaultCapacity int `yaml:"default_capacity"`

	// CaptureTimeout is the per-pane read timeout. Default: 2s.
	CaptureTimeout time.Duration `yaml:"capture_timeout"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9092.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with every component's documented
// default tunables.
func Defaults() Config {
	return Config{
		Agent: AgentConfig{
			NodeID: "poe-agent",
			Mapper: "linear",
		},
		Control: ControlConfig{
			DiscoveryInterval:      2 * time.Second,
			ScheduleTickInterval:   250 * time.Millisecond,
			BasePollInterval:       200 * time.Millisecond,
			DrainPollInterval:      2 * time.Millisecond,
			DefaultPaneBudgetBytes: 8 << 20,
			DefaultImportance:      1.0,
		},
		Entropy: EntropyConfig{
			WindowBytes: 4096,
		},
		BOCPD: BOCPDConfig{
			Hazard:               1.0 / 200.0,
			Warmup:               30,
			MaxRunBuckets:        100,
			ChangepointThreshold: 0.5,
		},
		Ledger: LedgerConfig{
			Capacity:     256,
			LearningRate: 0.1,
		},
		Scheduler: SchedulerConfig{
			DriftRate:         0.01,
			MustPollThreshold: 0.9,
			MaxEntropyBits:    8.0,
		},
		Severity: SeverityConfig{
			EMAAlpha:     0.3,
			SigmoidK:     8.0,
			SigmoidTheta: 0.5,
		},
		Budget: BudgetConfig{
			SoftRatio: 0.8,
		},
		Ring: RingConfig{
			DefaultCapacity: 1024,
			CaptureTimeout:  2 * time.Second,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9092",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path, overlaying
// it on top of Defaults().
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness, returning a single
// error listing every violation found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Agent.NodeID == "" {
		errs = append(errs, "agent.node_id must not be empty")
	}
	if cfg.Agent.Mapper == "" {
		errs = append(errs, "agent.mapper must not be empty")
	}
	if cfg.Control.DiscoveryInterval <= 0 {
		errs = append(errs, "control.discovery_interval must be > 0")
	}
	if cfg.Control.ScheduleTickInterval <= 0 {
		errs = append(errs, "control.schedule_tick_interval must be > 0")
	}
	if cfg.Control.BasePollInterval <= 0 {
		errs = append(errs, "control.base_poll_interval must be > 0")
	}
	if cfg.Control.DrainPollInterval <= 0 {
		errs = append(errs, "control.drain_poll_interval must be > 0")
	}
	if cfg.Control.DefaultPaneBudgetBytes < 1 {
		errs = append(errs, "control.default_pane_budget_bytes must be >= 1")
	}
	if cfg.Control.DefaultImportance <= 0 {
		errs = append(errs, "control.default_importance must be > 0")
	}
	if cfg.Entropy.WindowBytes < 1 {
		errs = append(errs, fmt.Sprintf("entropy.window_bytes must be >= 1, got %d", cfg.Entropy.WindowBytes))
	}
	if cfg.BOCPD.Hazard <= 0 || cfg.BOCPD.Hazard >= 1 {
		errs = append(errs, fmt.Sprintf("bocpd.hazard must be in (0, 1), got %f", cfg.BOCPD.Hazard))
	}
	if cfg.BOCPD.Warmup < 1 {
		errs = append(errs, fmt.Sprintf("bocpd.warmup must be >= 1, got %d", cfg.BOCPD.Warmup))
	}
	if cfg.BOCPD.MaxRunBuckets < 1 {
		errs = append(errs, fmt.Sprintf("bocpd.max_run_buckets must be >= 1, got %d", cfg.BOCPD.MaxRunBuckets))
	}
	if cfg.BOCPD.ChangepointThreshold <= 0 || cfg.BOCPD.ChangepointThreshold > 1 {
		errs = append(errs, fmt.Sprintf("bocpd.changepoint_threshold must be in (0, 1], got %f", cfg.BOCPD.ChangepointThreshold))
	}
	if cfg.Ledger.Capacity < 1 {
		errs = append(errs, fmt.Sprintf("ledger.capacity must be >= 1, got %d", cfg.Ledger.Capacity))
	}
	if cfg.Ledger.LearningRate < 0.01 || cfg.Ledger.LearningRate > 0.5 {
		errs = append(errs, fmt.Sprintf("ledger.learning_rate must be in [0.01, 0.5], got %f", cfg.Ledger.LearningRate))
	}
	if cfg.Scheduler.DriftRate < 0 {
		errs = append(errs, "scheduler.drift_rate must be >= 0")
	}
	if cfg.Scheduler.MustPollThreshold <= 0 || cfg.Scheduler.MustPollThreshold > 1 {
		errs = append(errs, fmt.Sprintf("scheduler.must_poll_threshold must be in (0, 1], got %f", cfg.Scheduler.MustPollThreshold))
	}
	if cfg.Severity.EMAAlpha < 0 || cfg.Severity.EMAAlpha > 1 {
		errs = append(errs, fmt.Sprintf("severity.ema_alpha must be in [0, 1], got %f", cfg.Severity.EMAAlpha))
	}
	if cfg.Severity.SigmoidK <= 0 {
		errs = append(errs, "severity.sigmoid_k must be > 0")
	}
	if cfg.Budget.SoftRatio <= 0 || cfg.Budget.SoftRatio >= 1 {
		errs = append(errs, fmt.Sprintf("budget.soft_ratio must be in (0, 1), got %f", cfg.Budget.SoftRatio))
	}
	if cfg.Ring.DefaultCapacity < 2 {
		errs = append(errs, fmt.Sprintf("ring.default_capacity must be >= 2, got %d", cfg.Ring.DefaultCapacity))
	}
	if cfg.Ring.CaptureTimeout <= 0 {
		errs = append(errs, "ring.capture_timeout must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
