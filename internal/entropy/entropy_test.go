package entropy

import (
	"math/rand"
	"testing"
)

func TestEntropyEmptyIsZero(t *testing.T) {
	e := New(64)
	if got := e.Entropy(); got != 0 {
		t.Fatalf("empty window entropy = %f, want 0", got)
	}
}

func TestEntropyConstantStreamIsZero(t *testing.T) {
	e := New(64)
	buf := make([]byte, 256)
	for i := range buf {
		buf[i] = 'x'
	}
	e.Observe(buf)
	if got := e.Entropy(); got != 0 {
		t.Fatalf("constant stream entropy = %f, want 0", got)
	}
}

func TestEntropyUniformRandomIsHigh(t *testing.T) {
	e := New(4096)
	buf := make([]byte, 8192)
	r := rand.New(rand.NewSource(42))
	r.Read(buf)
	e.Observe(buf)
	got := e.Entropy()
	if got < 7.9 {
		t.Fatalf("uniform random stream entropy = %f, want >= 7.9", got)
	}
	if got > 8.0 {
		t.Fatalf("entropy exceeded upper bound: %f", got)
	}
}

func TestEntropyBoundsAlwaysHold(t *testing.T) {
	e := New(128)
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 5000; i++ {
		buf := make([]byte, 1+r.Intn(200))
		r.Read(buf)
		e.Observe(buf)
		h := e.Entropy()
		if h < 0 || h > 8 {
			t.Fatalf("entropy out of bounds [0,8]: %f at iteration %d", h, i)
		}
	}
}

func TestWindowRotationDropsOldBytes(t *testing.T) {
	e := New(4)
	e.Observe([]byte{'a', 'a', 'a', 'a'})
	if got := e.Entropy(); got != 0 {
		t.Fatalf("entropy = %f, want 0 after filling with constant byte", got)
	}
	e.Observe([]byte{'b', 'b', 'b', 'b'})
	if got := e.Entropy(); got != 0 {
		t.Fatalf("entropy = %f, want 0 after window fully rotated to new constant byte", got)
	}
}

func TestInformationCostScalesWithEntropyAndSize(t *testing.T) {
	e := New(64)
	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = 'x'
	}
	e.Observe(buf)
	if got := e.InformationCost(1000); got != 0 {
		t.Fatalf("information cost on zero-entropy stream = %f, want 0", got)
	}

	e2 := New(4096)
	rbuf := make([]byte, 4096)
	rand.New(rand.NewSource(1)).Read(rbuf)
	e2.Observe(rbuf)
	cost := e2.InformationCost(1000)
	if cost < 900 || cost > 1000 {
		t.Fatalf("information cost on near-uniform stream = %f, want close to rawBytes", cost)
	}
}

func TestTableGetCreatesAndReuses(t *testing.T) {
	tab := NewTable(64)
	e1 := tab.Get(1)
	e2 := tab.Get(1)
	if e1 != e2 {
		t.Fatalf("Table.Get(1) returned different instances on repeat calls")
	}
	e3 := tab.Get(2)
	if e1 == e3 {
		t.Fatalf("Table.Get(2) returned same instance as pane 1")
	}
	tab.Delete(1)
	e4 := tab.Get(1)
	if e4 == e1 {
		t.Fatalf("Table.Get(1) after Delete should create a fresh Estimator")
	}
}
