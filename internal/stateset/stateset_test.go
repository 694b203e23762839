package stateset

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddContainsRemove(t *testing.T) {
	s := New(64)
	assert.False(t, s.Contains("/a.txt"))

	s.Add("/a.txt")
	assert.True(t, s.Contains("/a.txt"))

	s.Remove("/a.txt")
	assert.False(t, s.Contains("/a.txt"))
}

func TestClear(t *testing.T) {
	s := New(64)
	s.Add("/a.txt")
	s.Add("/b.txt")
	s.Clear()
	assert.Equal(t, 0, s.Len())
}

func TestBoundedOldestEviction(t *testing.T) {
	s := New(shardCount) // 1 entry per shard
	for i := 0; i < shardCount; i++ {
		s.Add(fmt.Sprintf("/only-in-shard-%d", i))
	}
	assert.LessOrEqual(t, s.Len(), shardCount)
}

func TestConcurrentAccess(t *testing.T) {
	s := New(4096)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vp := fmt.Sprintf("/concurrent/%d", i)
			s.Add(vp)
			_ = s.Contains(vp)
			s.Remove(vp)
		}(i)
	}
	wg.Wait()
}

func TestNewSetsDefaults(t *testing.T) {
	sets := NewSets()
	sets.Evicting.Add("/x")
	sets.PendingDelete.Add("/y")
	sets.Syncing.Add("/z")

	assert.True(t, sets.Evicting.Contains("/x"))
	sets.ClearAll()
	assert.False(t, sets.Evicting.Contains("/x"))
	assert.False(t, sets.PendingDelete.Contains("/y"))
	assert.False(t, sets.Syncing.Contains("/z"))
}
