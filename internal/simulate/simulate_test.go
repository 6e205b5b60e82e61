package simulate

import (
	"context"
	"testing"

	"github.com/frankenterm/poe/internal/capability"
	"github.com/frankenterm/poe/internal/pane"
)

func TestFakePaneSourceReplaysChunksInOrder(t *testing.T) {
	src := NewFakePaneSource([]PaneScript{
		{
			Info:   capability.PaneInfo{PaneID: 1, Domain: "local", Title: "shell"},
			Chunks: [][]byte{[]byte("abc"), []byte("def")},
		},
	})

	infos, err := src.ListPanes(context.Background())
	if err != nil {
		t.Fatalf("ListPanes: %v", err)
	}
	if len(infos) != 1 || infos[0].PaneID != 1 {
		t.Fatalf("ListPanes = %+v, want one pane with ID 1", infos)
	}

	r1, err := src.ReadPane(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("ReadPane: %v", err)
	}
	if string(r1.Bytes) != "abc" {
		t.Fatalf("first ReadPane = %q, want %q", r1.Bytes, "abc")
	}

	r2, err := src.ReadPane(context.Background(), 1, r1.NewSeq)
	if err != nil {
		t.Fatalf("ReadPane: %v", err)
	}
	if string(r2.Bytes) != "def" {
		t.Fatalf("second ReadPane = %q, want %q", r2.Bytes, "def")
	}
	if r2.NewSeq <= r1.NewSeq {
		t.Fatalf("NewSeq did not advance: %d -> %d", r1.NewSeq, r2.NewSeq)
	}

	r3, err := src.ReadPane(context.Background(), 1, r2.NewSeq)
	if err != nil {
		t.Fatalf("ReadPane: %v", err)
	}
	if len(r3.Bytes) != 0 {
		t.Fatalf("ReadPane after exhaustion = %q, want empty", r3.Bytes)
	}
	if !src.Exhausted() {
		t.Fatalf("expected source to report exhausted after all chunks drained")
	}
}

func TestFakePaneSourceRemovePane(t *testing.T) {
	src := NewFakePaneSource([]PaneScript{
		{Info: capability.PaneInfo{PaneID: 1}, Chunks: nil},
		{Info: capability.PaneInfo{PaneID: 2}, Chunks: nil},
	})
	src.RemovePane(1)

	infos, _ := src.ListPanes(context.Background())
	if len(infos) != 1 || infos[0].PaneID != 2 {
		t.Fatalf("ListPanes after RemovePane(1) = %+v, want only pane 2", infos)
	}
}

func TestFakePatternMatcherFindsNeedle(t *testing.T) {
	m := FakePatternMatcher{Needle: []byte("ERROR"), Kind: pane.StateError, Confidence: 0.9}

	seg := pane.Segment{PaneID: 1, Bytes: []byte("line one\nERROR: something broke\n")}
	dets := m.Match(seg)
	if len(dets) != 1 {
		t.Fatalf("Match found %d detections, want 1", len(dets))
	}
	if dets[0].Kind != pane.StateError || dets[0].Confidence != 0.9 {
		t.Fatalf("Match = %+v, want Kind=Error Confidence=0.9", dets[0])
	}

	none := m.Match(pane.Segment{PaneID: 1, Bytes: []byte("all clear")})
	if len(none) != 0 {
		t.Fatalf("Match on non-matching segment = %+v, want none", none)
	}
}

func TestRecordingSinkAccumulates(t *testing.T) {
	s := &RecordingSink{}
	s.OnDetection(pane.Detection{PaneID: 1, Kind: pane.StateActive, Confidence: 0.5})
	s.OnChangePoint(pane.ChangePoint{PaneID: 1})

	dets, cps := s.Snapshot()
	if len(dets) != 1 || len(cps) != 1 {
		t.Fatalf("Snapshot = %d detections, %d change points, want 1 and 1", len(dets), len(cps))
	}
}
