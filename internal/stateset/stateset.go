// Package stateset implements the three bounded concurrent path sets that
// modulate resolve/readdir/write: evicting, pending-delete, and syncing
// (spec §3, §4.2). Each set shards its locking across a fixed number of
// buckets keyed by xxhash of the virtual path, so kernel threads touching
// unrelated paths never contend on one mutex.
package stateset

import (
	"container/list"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

// Set is a bounded, concurrent-safe string set with oldest-eviction once
// capacity is reached.
type Set struct {
	capacity int
	shards   [shardCount]*shard
}

type shard struct {
	mu      sync.Mutex
	members map[string]*list.Element
	order   *list.List // oldest at front
}

// New creates a set bounded to capacity entries total, spread across
// shardCount shards (so each shard holds roughly capacity/shardCount
// before it starts evicting its own oldest member).
func New(capacity int) *Set {
	if capacity <= 0 {
		capacity = 1024
	}
	s := &Set{capacity: capacity}
	for i := range s.shards {
		s.shards[i] = &shard{
			members: make(map[string]*list.Element),
			order:   list.New(),
		}
	}
	return s
}

func (s *Set) shardFor(vp string) *shard {
	h := xxhash.Sum64String(vp)
	return s.shards[h%uint64(shardCount)]
}

func (s *Set) perShardCapacity() int {
	c := s.capacity / shardCount
	if c < 1 {
		c = 1
	}
	return c
}

// Add inserts vp, evicting the oldest entry in its shard if that shard is
// already at capacity.
func (s *Set) Add(vp string) {
	sh := s.shardFor(vp)
	cap := s.perShardCapacity()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.members[vp]; exists {
		return
	}
	if len(sh.members) >= cap {
		oldest := sh.order.Front()
		if oldest != nil {
			sh.order.Remove(oldest)
			delete(sh.members, oldest.Value.(string))
		}
	}
	el := sh.order.PushBack(vp)
	sh.members[vp] = el
}

// Remove deletes vp from the set, a no-op if absent.
func (s *Set) Remove(vp string) {
	sh := s.shardFor(vp)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if el, ok := sh.members[vp]; ok {
		sh.order.Remove(el)
		delete(sh.members, vp)
	}
}

// Contains reports whether vp is currently in the set.
func (s *Set) Contains(vp string) bool {
	sh := s.shardFor(vp)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.members[vp]
	return ok
}

// Clear empties every shard.
func (s *Set) Clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.members = make(map[string]*list.Element)
		sh.order.Init()
		sh.mu.Unlock()
	}
}

// Len returns the total number of members across all shards.
func (s *Set) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.members)
		sh.mu.Unlock()
	}
	return total
}

// Snapshot returns a copy of every member currently in the set.
func (s *Set) Snapshot() []string {
	out := make([]string, 0, s.capacity)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for vp := range sh.members {
			out = append(out, vp)
		}
		sh.mu.Unlock()
	}
	return out
}

// Sets bundles the three state sets a MountPoint owns (spec §3).
type Sets struct {
	Evicting      *Set
	PendingDelete *Set
	Syncing       *Set
}

// Default capacities from spec §3: evicting 256, pending_delete 1024,
// syncing 1024.
const (
	DefaultEvictingCapacity      = 256
	DefaultPendingDeleteCapacity = 1024
	DefaultSyncingCapacity       = 1024
)

// NewSets builds the three sets at their spec-default capacities.
func NewSets() *Sets {
	return &Sets{
		Evicting:      New(DefaultEvictingCapacity),
		PendingDelete: New(DefaultPendingDeleteCapacity),
		Syncing:       New(DefaultSyncingCapacity),
	}
}

// ClearAll empties every set, used on unmount.
func (s *Sets) ClearAll() {
	s.Evicting.Clear()
	s.PendingDelete.Clear()
	s.Syncing.Clear()
}
