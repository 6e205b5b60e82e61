// Package simulate provides in-memory implementations of
// internal/capability's collaborator interfaces, driven by a scripted
// byte-stream rather than a live terminal multiplexer. Used by tests, the
// demo binary, and the scenario runner to exercise the full control loop
// deterministically.
package simulate

import (
	"context"
	"sync"

	"github.com/frankenterm/poe/internal/capability"
	"github.com/frankenterm/poe/internal/pane"
)

// Chunk is one scripted delivery of bytes to a pane at a given logical
// step. A FakePaneSource replays chunks in order as ReadPane is polled.
type Chunk struct {
	PaneID pane.Id
	Bytes  []byte
}

// PaneScript describes one simulated pane: its static PaneInfo plus the
// ordered chunks it will emit, one per ReadPane call once prior chunks
// have been drained.
type PaneScript struct {
	Info   capability.PaneInfo
	Chunks [][]byte
}

// FakePaneSource is a capability.PaneSource backed by a fixed set of
// PaneScripts. ListPanes always returns every registered script's Info;
// ReadPane pops the next unread chunk for that pane, or an empty
// ReadResult once the script is exhausted.
type FakePaneSource struct {
	mu      sync.Mutex
	infos   []capability.PaneInfo
	scripts map[pane.Id]*paneCursor
}

type paneCursor struct {
	chunks [][]byte
	next   int
	seq    uint64
}

// NewFakePaneSource builds a FakePaneSource from a fixed list of scripts.
// The pane set is static for the life of the source — no dynamic
// discovery of new panes mid-run.
func NewFakePaneSource(scripts []PaneScript) *FakePaneSource {
	s := &FakePaneSource{
		scripts: make(map[pane.Id]*paneCursor, len(scripts)),
	}
	for _, sc := range scripts {
		s.infos = append(s.infos, sc.Info)
		s.scripts[sc.Info.PaneID] = &paneCursor{chunks: sc.Chunks}
	}
	return s
}

// ListPanes implements capability.PaneSource.
func (s *FakePaneSource) ListPanes(ctx context.Context) ([]capability.PaneInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]capability.PaneInfo, len(s.infos))
	copy(out, s.infos)
	return out, nil
}

// ReadPane implements capability.PaneSource. It does not use sinceSeq to
// choose what to deliver; it tracks its own cursor per pane, since the
// script already dictates delivery order. For an unknown or exhausted
// pane it returns no bytes and echoes sinceSeq back as NewSeq.
func (s *FakePaneSource) ReadPane(ctx context.Context, id pane.Id, sinceSeq uint64) (capability.ReadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.scripts[id]
	if !ok || c.next >= len(c.chunks) {
		return capability.ReadResult{NewSeq: sinceSeq}, nil
	}
	b := c.chunks[c.next]
	c.next++
	c.seq += uint64(len(b))
	return capability.ReadResult{Bytes: b, NewSeq: c.seq}, nil
}

// Exhausted reports whether every script has delivered all of its chunks.
func (s *FakePaneSource) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.scripts {
		if c.next < len(c.chunks) {
			return false
		}
	}
	return true
}

// RemovePane drops a pane from future ListPanes results, simulating a
// pane closing mid-run.
func (s *FakePaneSource) RemovePane(id pane.Id) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scripts, id)
	for i, info := range s.infos {
		if info.PaneID == id {
			s.infos = append(s.infos[:i], s.infos[i+1:]...)
			break
		}
	}
}

// FakePatternMatcher is a capability.PatternMatcher that matches a fixed
// substring and reports a single Detection per occurrence, for exercising
// the detection-sink wiring without a real pattern-regex engine.
type FakePatternMatcher struct {
	Needle     []byte
	Kind       pane.State
	Confidence float64
}

// Match implements capability.PatternMatcher.
func (m FakePatternMatcher) Match(segment pane.Segment) []pane.Detection {
	if len(m.Needle) == 0 || !contains(segment.Bytes, m.Needle) {
		return nil
	}
	return []pane.Detection{{
		PaneID:     segment.PaneID,
		Kind:       m.Kind,
		Confidence: m.Confidence,
	}}
}

func contains(haystack, needle []byte) bool {
	if len(needle) > len(haystack) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// RecordingSink is a capability.DetectionSink that appends every event it
// receives to an in-memory slice, for test/scenario assertions.
type RecordingSink struct {
	mu           sync.Mutex
	Detections   []pane.Detection
	ChangePoints []pane.ChangePoint
}

// OnDetection implements capability.DetectionSink.
func (s *RecordingSink) OnDetection(d pane.Detection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Detections = append(s.Detections, d)
}

// OnChangePoint implements capability.DetectionSink.
func (s *RecordingSink) OnChangePoint(cp pane.ChangePoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ChangePoints = append(s.ChangePoints, cp)
}

// Snapshot returns a copy of the recorded events so far, safe to read
// while the sink may still be receiving events on another goroutine.
func (s *RecordingSink) Snapshot() ([]pane.Detection, []pane.ChangePoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := make([]pane.Detection, len(s.Detections))
	copy(d, s.Detections)
	c := make([]pane.ChangePoint, len(s.ChangePoints))
	copy(c, s.ChangePoints)
	return d, c
}
