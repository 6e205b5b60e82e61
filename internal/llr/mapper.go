// Package llr resolves the "exact log-likelihood-ratio mapping... is
// empirically tuned" open question: it defines the Mapper interface the
// ingest pipeline (C7) uses to turn a feature vector into per-state LLR
// contributions for the Bayesian ledger (C3), plus a process-wide registry
// so an operator can swap in a calibrated mapper without touching the
// ingest pipeline.
//
// A plugin pattern: implementations self-register from an init()
// function, selected by name via config.
package llr

import (
	"fmt"
	"sync"

	"github.com/frankenterm/poe/internal/pane"
)

// Features is the feature vector C7 computes per accepted segment.
type Features struct {
	ByteCount      int
	Entropy        float64 // bits, [0,8]
	NewlineDensity float64 // newlines / byte, [0,1]
	ANSIDensity    float64 // ANSI escape bytes / byte, [0,1]
}

// Contribution is the per-state LLR vector a Mapper produces for one
// feature vector. Passed verbatim to ledger.Ledger.AddEvidence.
type Contribution = [pane.NumStates]float64

// Mapper maps a feature vector to log-likelihood-ratio contributions over
// the six ledger states. Implementations must be pure and allocation-light;
// they run on the ingest hot path.
type Mapper interface {
	// Name returns a stable identifier used as the config selector.
	Name() string

	// Map computes the per-state LLR contribution for one feature vector.
	Map(f Features) Contribution
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Mapper)
)

// Register adds a Mapper to the process-wide registry. Panics if the name
// is already taken — call from an init() in the mapper's own package.
func Register(m Mapper) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[m.Name()]; exists {
		panic(fmt.Sprintf("llr: mapper %q already registered", m.Name()))
	}
	registry[m.Name()] = m
}

// Get returns the registered Mapper with the given name.
func Get(name string) (Mapper, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	m, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("llr: mapper %q not registered (available: %v)", name, names())
	}
	return m, nil
}

// List returns the names of all registered mappers.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return names()
}

func names() []string {
	ns := make([]string, 0, len(registry))
	for k := range registry {
		ns = append(ns, k)
	}
	return ns
}

// LinearMapper is the default, undocumented-calibration mapper: it maps
// each feature linearly onto the states it most plausibly discriminates.
// The shape (which features push which states, and in which direction) is
// fixed by design; the coefficients below are placeholders pending real
// calibration data — see package doc.
type LinearMapper struct{}

func init() {
	Register(LinearMapper{})
}

// Name implements Mapper.
func (LinearMapper) Name() string { return "linear" }

// Map implements Mapper. Heuristic, uncalibrated shape:
//   - Higher entropy pushes toward Active. Byte count matters only when
//     it is zero.
//   - An empty batch (zero bytes) returns a fixed push toward Idle.
//   - High newline density with moderate entropy suggests regular log
//     output (Active); high ANSI density suggests an interactive spinner
//     or progress bar (Thinking).
//   - Low entropy with negligible ANSI density (a flat, repeated byte —
//     a blinking prompt, a quiet shell) pushes toward Idle, same
//     direction as an empty batch but weaker.
//   - Low entropy *combined* with non-trivial ANSI density (a banner or
//     spinner redrawing the same handful of escape-coded glyphs, the
//     shape a rate-limit or error message takes) nudges RateLimited and
//     Error instead, which this placeholder cannot discriminate further
//     without pattern-matcher input, so it applies a small, symmetric
//     nudge to both.
func (LinearMapper) Map(f Features) Contribution {
	var c Contribution

	if f.ByteCount == 0 {
		c[pane.StateIdle] += 2.0
		return c
	}

	normEntropy := f.Entropy / 8.0

	c[pane.StateActive] += 1.5 * normEntropy
	c[pane.StateThinking] += 1.0 * f.ANSIDensity
	c[pane.StateActive] += 0.5 * f.NewlineDensity
	c[pane.StateIdle] += 1.0 * (1 - normEntropy)

	if normEntropy < 0.1 && f.ANSIDensity > 0.1 {
		c[pane.StateRateLimited] += 0.3
		c[pane.StateError] += 0.3
	}

	return c
}
