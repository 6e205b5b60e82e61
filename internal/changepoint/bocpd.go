// Package changepoint implements the C2 Change-Point Detector: an online,
// per-pane Bayesian Online Change-Point Detection (BOCPD) run over a
// feature's scalar trajectory.
//
// Algorithm: Adams & MacKay (2007), "Bayesian Online Changepoint
// Detection" (https://arxiv.org/abs/0710.3742). A run-length posterior
// P(r_t) is maintained in the log domain; a Normal-Inverse-Gamma conjugate
// prior gives a closed-form Student-t predictive distribution per run
// length hypothesis. Grounded on a batch implementation of the same
// algorithm (DataDog's metric_history bayesian_changepoint detector),
// restructured here for one-observation-at-a-time streaming use: each
// Update call advances the posterior by exactly one step instead of
// replaying a whole series.
package changepoint

import "math"

// Config holds the detector's tunables. Zero-value Config is invalid; use
// DefaultConfig().
type Config struct {
	// Hazard is the constant prior change rate.
	Hazard float64

	// Threshold τ: a change-point is emitted when the posterior mass at
	// run length 0 exceeds this after warm-up.
	Threshold float64

	// Warmup is the number of observations required before emission.
	Warmup int

	// MaxRunBuckets truncates the run-length posterior to the top-M
	// buckets by mass after each step.
	MaxRunBuckets int

	// PriorKappa, PriorAlpha, PriorBeta parameterize the Normal-Inverse-
	// Gamma prior. PriorMu is seeded from the first observation.
	PriorKappa float64
	PriorAlpha float64
	PriorBeta  float64
}

// DefaultConfig returns the detector's documented default tunables.
func DefaultConfig() Config {
	return Config{
		Hazard:        1.0 / 200.0,
		Threshold:     0.5,
		Warmup:        30,
		MaxRunBuckets: 100,
		PriorKappa:    0.1,
		PriorAlpha:    1.0,
		PriorBeta:     1.0,
	}
}

const pruneThreshold = 1e-12

// suffStats holds the Normal-Inverse-Gamma sufficient statistics for one
// run-length hypothesis, updated via Welford's online algorithm.
type suffStats struct {
	n     float64
	mean  float64
	sumSq float64
}

// bucket pairs a run length with its log-probability and sufficient
// statistics; kept sorted by nothing in particular — buckets is a sparse
// map, not an array, since old run lengths die out once truncated.
type bucket struct {
	logP  float64
	stats suffStats
}

// Detector is a single pane's BOCPD state machine. Not safe for concurrent
// use; callers serialize access per pane (see internal/telemetry.PaneMap).
type Detector struct {
	cfg Config

	priorMu    float64
	priorMuSet bool

	buckets map[uint32]bucket
	steps   int
}

// New creates a Detector with the given config.
func New(cfg Config) *Detector {
	return &Detector{
		cfg:     cfg,
		buckets: map[uint32]bucket{0: {logP: 0, stats: suffStats{}}},
	}
}

// Result is the outcome of one Update call.
type Result struct {
	// ChangePoint is true if a change-point was emitted this step.
	ChangePoint bool

	// Posterior is a snapshot of the truncated run-length posterior
	// (probabilities, not log-probabilities), valid regardless of
	// ChangePoint.
	Posterior map[uint32]float64
}

// Update advances the detector by one observation. NaN/Inf values are
// dropped: the call returns a zero Result with ChangePoint=false and the
// detector's state is left unchanged, matching the "no state change on
// degraded input" failure semantics.
func (d *Detector) Update(x float64) Result {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return Result{}
	}

	if !d.priorMuSet {
		d.priorMu = x
		d.priorMuSet = true
	}

	logH := math.Log(d.cfg.Hazard)
	log1mH := math.Log(1 - d.cfg.Hazard)

	newBuckets := make(map[uint32]bucket, len(d.buckets)+1)

	// The change hypothesis scores x under the prior predictive (a fresh
	// run), weighted by the hazard over every previous run length, whose
	// masses sum to 1. Scoring it with each run's own predictive instead
	// would pin P(r=0) to the hazard at every step.
	logCPProb := logH + d.logStudentTPredictive(x, suffStats{})

	for r, b := range d.buckets {
		predLogP := d.logStudentTPredictive(x, b.stats)

		logGrowth := b.logP + predLogP + log1mH
		newStats := updateStats(b.stats, x)
		nr := r + 1
		if existing, ok := newBuckets[nr]; ok {
			newBuckets[nr] = bucket{logP: logSumExp(existing.logP, logGrowth), stats: newStats}
		} else {
			newBuckets[nr] = bucket{logP: logGrowth, stats: newStats}
		}
	}

	newBuckets[0] = bucket{logP: logCPProb, stats: suffStats{}}

	var logSum float64 = math.Inf(-1)
	for _, b := range newBuckets {
		logSum = logSumExp(logSum, b.logP)
	}
	for r, b := range newBuckets {
		b.logP -= logSum
		newBuckets[r] = b
	}

	for r, b := range newBuckets {
		if math.Exp(b.logP) < pruneThreshold {
			delete(newBuckets, r)
		}
	}

	newBuckets = truncateTopM(newBuckets, d.cfg.MaxRunBuckets)

	d.buckets = newBuckets
	d.steps++

	p0 := 0.0
	if b, ok := d.buckets[0]; ok {
		p0 = math.Exp(b.logP)
	}

	changePoint := d.steps >= d.cfg.Warmup && p0 > d.cfg.Threshold

	posterior := make(map[uint32]float64, len(d.buckets))
	for r, b := range d.buckets {
		posterior[r] = math.Exp(b.logP)
	}

	if changePoint {
		d.resetAfterChangePoint()
	}

	return Result{ChangePoint: changePoint, Posterior: posterior}
}

// resetAfterChangePoint handles the edge case of an emitted change-point:
// sufficient statistics for surviving run lengths > 0 must be reset on
// the next step. The cleanest implementation collapses the whole
// posterior back to r=0, since a detected change invalidates every live
// hypothesis's history.
func (d *Detector) resetAfterChangePoint() {
	d.buckets = map[uint32]bucket{0: {logP: 0, stats: suffStats{}}}
	d.priorMuSet = false
}

func updateStats(s suffStats, x float64) suffStats {
	n := s.n + 1
	delta := x - s.mean
	mean := s.mean + delta/n
	sumSq := s.sumSq + delta*(x-mean)
	return suffStats{n: n, mean: mean, sumSq: sumSq}
}

func (d *Detector) logStudentTPredictive(x float64, s suffStats) float64 {
	kappa := d.cfg.PriorKappa + s.n
	alpha := d.cfg.PriorAlpha + s.n/2
	mu := (d.cfg.PriorKappa*d.priorMu + s.n*s.mean) / kappa

	beta := d.cfg.PriorBeta + s.sumSq/2
	if s.n > 0 {
		beta += (d.cfg.PriorKappa * s.n * (s.mean - d.priorMu) * (s.mean - d.priorMu)) / (2 * kappa)
	}

	nu := 2 * alpha
	sigma := math.Sqrt(beta * (kappa + 1) / (alpha * kappa))
	if sigma < 1e-10 {
		sigma = 1e-10
	}

	z := (x - mu) / sigma
	lg1, _ := math.Lgamma((nu + 1) / 2)
	lg2, _ := math.Lgamma(nu / 2)
	return lg1 - lg2 - 0.5*math.Log(nu*math.Pi*sigma*sigma) - ((nu+1)/2)*math.Log(1+z*z/nu)
}

func logSumExp(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a > b {
		return a + math.Log(1+math.Exp(b-a))
	}
	return b + math.Log(1+math.Exp(a-b))
}

// truncateTopM keeps only the m buckets with the highest log-probability,
// renormalizing the remainder so probabilities still sum to ~1.
func truncateTopM(buckets map[uint32]bucket, m int) map[uint32]bucket {
	if m <= 0 || len(buckets) <= m {
		return buckets
	}

	type kv struct {
		r uint32
		b bucket
	}
	all := make([]kv, 0, len(buckets))
	for r, b := range buckets {
		all = append(all, kv{r, b})
	}

	// Partial selection sort for the top m by logP; m and len(buckets)
	// are both small (MaxRunBuckets default 100), so O(n*m) is fine.
	for i := 0; i < m && i < len(all); i++ {
		maxIdx := i
		for j := i + 1; j < len(all); j++ {
			if all[j].b.logP > all[maxIdx].b.logP {
				maxIdx = j
			}
		}
		all[i], all[maxIdx] = all[maxIdx], all[i]
	}

	kept := all[:m]
	logSum := math.Inf(-1)
	for _, kv := range kept {
		logSum = logSumExp(logSum, kv.b.logP)
	}

	out := make(map[uint32]bucket, m)
	for _, kv := range kept {
		kv.b.logP -= logSum
		out[kv.r] = kv.b
	}
	return out
}
