// Package telemetry implements the C9 Sharded Counters/PaneMap: the
// low-contention concurrent primitives every other component uses to
// track per-pane state without serializing on a single global mutex.
//
// A single mutex guarding a map keyed by pane ID would be the simplest
// implementation, but it serializes every pane's updates against every
// other pane's. Sharding generalizes that into N independently-locked
// buckets selected by hashing the key, so two panes landing in different
// shards never contend — the same reasoning that keeps a metrics hot
// path from serializing on shared state: never contend the whole
// structure for an update to one key.
package telemetry

import (
	"hash/maphash"
	"sync"

	"github.com/frankenterm/poe/internal/pane"
)

// DefaultShardCount is the default number of shards for sharded
// primitives. shardFor picks a shard as the key's hash modulo the shard
// count.
const DefaultShardCount = 32

var seed = maphash.MakeSeed()

func shardFor(id pane.Id, shardCount int) int {
	var h maphash.Hash
	h.SetSeed(seed)
	var buf [8]byte
	v := uint64(id)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	h.Write(buf[:])
	return int(h.Sum64() % uint64(shardCount))
}

// ShardedCounter is a set of per-pane monotonic counters, sharded to
// spread lock contention across many concurrently-updated panes.
type ShardedCounter struct {
	shards []*counterShard
}

type counterShard struct {
	mu sync.Mutex
	m  map[pane.Id]uint64
}

// NewShardedCounter creates a ShardedCounter with DefaultShardCount shards.
func NewShardedCounter() *ShardedCounter {
	return NewShardedCounterN(DefaultShardCount)
}

// NewShardedCounterN creates a ShardedCounter with n shards.
func NewShardedCounterN(n int) *ShardedCounter {
	if n <= 0 {
		n = DefaultShardCount
	}
	shards := make([]*counterShard, n)
	for i := range shards {
		shards[i] = &counterShard{m: make(map[pane.Id]uint64)}
	}
	return &ShardedCounter{shards: shards}
}

// Add increments the counter for id by delta and returns the new total.
func (c *ShardedCounter) Add(id pane.Id, delta uint64) uint64 {
	s := c.shards[shardFor(id, len(c.shards))]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[id] += delta
	return s.m[id]
}

// Get returns the current count for id.
func (c *ShardedCounter) Get(id pane.Id) uint64 {
	s := c.shards[shardFor(id, len(c.shards))]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[id]
}

// Delete removes id's counter entirely (e.g. on pane eviction).
func (c *ShardedCounter) Delete(id pane.Id) {
	s := c.shards[shardFor(id, len(c.shards))]
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
}

// Total sums every tracked pane's counter. O(total tracked panes); meant
// for periodic summary reporting, not the hot path.
func (c *ShardedCounter) Total() uint64 {
	var total uint64
	for _, s := range c.shards {
		s.mu.Lock()
		for _, v := range s.m {
			total += v
		}
		s.mu.Unlock()
	}
	return total
}

// ShardedMax tracks a per-pane running maximum (e.g. peak queue depth),
// sharded the same way as ShardedCounter.
type ShardedMax struct {
	shards []*maxShard
}

type maxShard struct {
	mu sync.Mutex
	m  map[pane.Id]float64
}

// NewShardedMax creates a ShardedMax with DefaultShardCount shards.
func NewShardedMax() *ShardedMax {
	shards := make([]*maxShard, DefaultShardCount)
	for i := range shards {
		shards[i] = &maxShard{m: make(map[pane.Id]float64)}
	}
	return &ShardedMax{shards: shards}
}

// Observe records v as a candidate new maximum for id.
func (m *ShardedMax) Observe(id pane.Id, v float64) {
	s := m.shards[shardFor(id, len(m.shards))]
	s.mu.Lock()
	defer s.mu.Unlock()
	if v > s.m[id] {
		s.m[id] = v
	}
}

// Get returns the current maximum recorded for id.
func (m *ShardedMax) Get(id pane.Id) float64 {
	s := m.shards[shardFor(id, len(m.shards))]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[id]
}

// Reset clears id's tracked maximum back to zero.
func (m *ShardedMax) Reset(id pane.Id) {
	s := m.shards[shardFor(id, len(m.shards))]
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
}

// PaneMap is a generic, sharded concurrent map keyed by pane.Id. The
// ingest pipeline (C7) keeps each pane's entropy estimator, change-point
// detector and ledger behind one PaneMap instance (budgets live in
// budget.Table instead), so a
// lookup for pane A never contends with a concurrent lookup for pane B in
// a different shard.
type PaneMap[V any] struct {
	shards []*paneMapShard[V]
}

type paneMapShard[V any] struct {
	mu sync.RWMutex
	m  map[pane.Id]V
}

// NewPaneMap creates a PaneMap with DefaultShardCount shards.
func NewPaneMap[V any]() *PaneMap[V] {
	shards := make([]*paneMapShard[V], DefaultShardCount)
	for i := range shards {
		shards[i] = &paneMapShard[V]{m: make(map[pane.Id]V)}
	}
	return &PaneMap[V]{shards: shards}
}

func (p *PaneMap[V]) shard(id pane.Id) *paneMapShard[V] {
	return p.shards[shardFor(id, len(p.shards))]
}

// Load returns the value for id, if present.
func (p *PaneMap[V]) Load(id pane.Id) (V, bool) {
	s := p.shard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[id]
	return v, ok
}

// Store sets the value for id.
func (p *PaneMap[V]) Store(id pane.Id, v V) {
	s := p.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[id] = v
}

// LoadOrStore returns the existing value for id if present; otherwise it
// stores and returns newValue.
func (p *PaneMap[V]) LoadOrStore(id pane.Id, newValue V) (V, bool) {
	s := p.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[id]; ok {
		return v, true
	}
	s.m[id] = newValue
	return newValue, false
}

// Delete removes id from the map.
func (p *PaneMap[V]) Delete(id pane.Id) {
	s := p.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
}

// Len returns the total number of entries across all shards. O(shards).
func (p *PaneMap[V]) Len() int {
	var n int
	for _, s := range p.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// Range calls f for every entry, in unspecified order. If f returns
// false, iteration stops early. Range holds each shard's read lock only
// for the duration of that shard's iteration.
func (p *PaneMap[V]) Range(f func(id pane.Id, v V) bool) {
	for _, s := range p.shards {
		s.mu.RLock()
		cont := true
		for id, v := range s.m {
			if !f(id, v) {
				cont = false
				break
			}
		}
		s.mu.RUnlock()
		if !cont {
			return
		}
	}
}
