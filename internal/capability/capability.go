// Package capability defines the small capability interfaces POE consumes
// from, or produces to, components outside its core: the terminal
// multiplexer abstraction (PaneSource), the pattern-regex engine
// (PatternMatcher), and a generic event-stream consumer a downstream
// correlator could implement.
//
// Each is a small, explicit method set implemented by an external
// collaborator and injected at construction — no dynamic dispatch beyond
// a plain interface value, no global registry.
package capability

import (
	"context"
	"time"

	"github.com/frankenterm/poe/internal/pane"
)

// PaneInfo describes one pane as enumerated by a PaneSource.
type PaneInfo struct {
	PaneID Id
	Domain string
	Title  string
	CWD    string
	Rows   int
	Cols   int
}

// Id is re-exported for readability at call sites; it is pane.Id.
type Id = pane.Id

// ReadResult is the outcome of one PaneSource.ReadPane call.
type ReadResult struct {
	Bytes  []byte
	NewSeq uint64
}

// PaneSource is the capability interface POE consumes from the terminal
// multiplexer (WezTerm in production; internal/simulate.FakePaneSource in
// tests). Implementations must honor capture_timeout_ms: a call that
// cannot complete within the configured timeout must return a transient
// error rather than block indefinitely.
type PaneSource interface {
	ListPanes(ctx context.Context) ([]PaneInfo, error)
	ReadPane(ctx context.Context, id pane.Id, sinceSeq uint64) (ReadResult, error)
}

// PatternMatcher is the opaque capability interface for the pattern-regex
// engine. POE never interprets pattern syntax; it only consumes the
// Detection events a matcher yields for a byte segment.
type PatternMatcher interface {
	Match(segment pane.Segment) []pane.Detection
}

// DetectionSink is implemented by any downstream consumer (a correlator,
// a storage layer) that wants a pull-free subscription to classifier
// output. POE's core never implements this itself; it only calls it.
type DetectionSink interface {
	OnDetection(pane.Detection)
	OnChangePoint(pane.ChangePoint)
}

// CaptureTimeout is the default per-call PaneSource timeout (capture_timeout_ms).
const CaptureTimeout = 2 * time.Second
