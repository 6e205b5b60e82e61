package llr

import (
	"testing"

	"github.com/frankenterm/poe/internal/pane"
)

func TestLinearMapperIdleOnEmptyBatch(t *testing.T) {
	m := LinearMapper{}
	c := m.Map(Features{ByteCount: 0})
	if c[pane.StateIdle] <= 0 {
		t.Fatalf("expected positive idle contribution on empty batch, got %v", c)
	}
}

func TestLinearMapperHighEntropyFavorsActive(t *testing.T) {
	m := LinearMapper{}
	c := m.Map(Features{ByteCount: 1000, Entropy: 7.9, NewlineDensity: 0.1, ANSIDensity: 0.0})
	active := c[pane.StateActive]
	idle := c[pane.StateIdle]
	if active <= idle {
		t.Fatalf("expected Active contribution (%f) to exceed Idle (%f) for high-entropy batch", active, idle)
	}
}

func TestLinearMapperFlatLowEntropyFavorsIdle(t *testing.T) {
	m := LinearMapper{}
	c := m.Map(Features{ByteCount: 500, Entropy: 0.0, NewlineDensity: 0, ANSIDensity: 0})
	if c[pane.StateIdle] <= 0 {
		t.Fatalf("expected positive Idle contribution for a flat, non-empty low-entropy batch, got %v", c)
	}
	if c[pane.StateRateLimited] != 0 || c[pane.StateError] != 0 {
		t.Fatalf("expected no RateLimited/Error nudge without ANSI activity, got %v", c)
	}
}

func TestLinearMapperLowEntropyWithANSINudgesErrorAndRateLimited(t *testing.T) {
	m := LinearMapper{}
	c := m.Map(Features{ByteCount: 500, Entropy: 0.0, NewlineDensity: 0, ANSIDensity: 0.5})
	if c[pane.StateRateLimited] <= 0 || c[pane.StateError] <= 0 {
		t.Fatalf("expected nonzero RateLimited/Error nudge for low-entropy ANSI redraw batch, got %v", c)
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	got, err := Get("linear")
	if err != nil {
		t.Fatalf("Get(linear): %v", err)
	}
	if got.Name() != "linear" {
		t.Fatalf("Get(linear).Name() = %q, want linear", got.Name())
	}
	if _, err := Get("does-not-exist"); err == nil {
		t.Fatalf("Get(does-not-exist) should have errored")
	}
	found := false
	for _, n := range List() {
		if n == "linear" {
			found = true
		}
	}
	if !found {
		t.Fatalf("List() = %v, want to contain linear", List())
	}
}
