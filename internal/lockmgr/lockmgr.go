// Package lockmgr implements the per-path pessimistic lock table the sync
// collaborator uses to fence writes during a LOCAL<->EXTERNAL transfer
// (spec §3, §4.4). Locks are sharded by xxhash of the virtual path, same
// idiom as internal/stateset, so unrelated paths never block on one
// mutex under concurrent kernel callbacks.
package lockmgr

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

// Direction records which leg of a transfer is holding the lock.
type Direction string

const (
	LocalToExternal Direction = "local_to_external"
	ExternalToLocal Direction = "external_to_local"
)

// WaitResult is the outcome of WaitForUnlock.
type WaitResult int

const (
	Success WaitResult = iota
	Timeout
	Cancelled
)

func (r WaitResult) String() string {
	switch r {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Lock describes a held lock (spec §3).
type Lock struct {
	VirtualPath string
	AcquiredAt  time.Time
	Direction   Direction
	SourcePath  string
}

type heldLock struct {
	lock    Lock
	waiters []chan WaitResult
}

type shard struct {
	mu    sync.Mutex
	locks map[string]*heldLock
}

// DefaultLockTimeout is how long a held lock may live before the
// background sweep force-releases it (spec §4.4).
const DefaultLockTimeout = 300 * time.Second

// DefaultWaitTimeout is the default wait when a caller doesn't specify
// one for WaitForUnlock.
const DefaultWaitTimeout = 30 * time.Second

// Manager is the lock table for one mount.
type Manager struct {
	shards      [shardCount]*shard
	lockTimeout time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a lock manager with lockTimeout defaulting to
// DefaultLockTimeout if zero, and starts its background timeout sweep.
func New(lockTimeout time.Duration) *Manager {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	m := &Manager{
		lockTimeout: lockTimeout,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &shard{locks: make(map[string]*heldLock)}
	}
	go m.sweepLoop()
	return m
}

func (m *Manager) shardFor(vp string) *shard {
	h := xxhash.Sum64String(vp)
	return m.shards[h%uint64(shardCount)]
}

// Acquire inserts an exclusive lock on vp. Returns false if vp is already
// locked.
func (m *Manager) Acquire(vp string, direction Direction, sourcePath string) bool {
	sh := m.shardFor(vp)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.locks[vp]; exists {
		return false
	}
	sh.locks[vp] = &heldLock{
		lock: Lock{
			VirtualPath: vp,
			AcquiredAt:  time.Now(),
			Direction:   direction,
			SourcePath:  sourcePath,
		},
	}
	return true
}

// BatchAcquire acquires as many of the given paths as possible and
// returns the subset actually acquired (spec §4.4).
func (m *Manager) BatchAcquire(vps []string, direction Direction, sourcePath string) []string {
	acquired := make([]string, 0, len(vps))
	for _, vp := range vps {
		if m.Acquire(vp, direction, sourcePath) {
			acquired = append(acquired, vp)
		}
	}
	return acquired
}

// Release wakes all waiters on vp with Success and drops the lock.
func (m *Manager) Release(vp string) {
	sh := m.shardFor(vp)
	sh.mu.Lock()
	held, exists := sh.locks[vp]
	if exists {
		delete(sh.locks, vp)
	}
	sh.mu.Unlock()

	if exists {
		notifyAll(held.waiters, Success)
	}
}

// IsLocked reports whether vp currently has a held lock.
func (m *Manager) IsLocked(vp string) bool {
	sh := m.shardFor(vp)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.locks[vp]
	return ok
}

// Get returns the lock held on vp, if any.
func (m *Manager) Get(vp string) (Lock, bool) {
	sh := m.shardFor(vp)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	held, ok := sh.locks[vp]
	if !ok {
		return Lock{}, false
	}
	return held.lock, true
}

// WaitForUnlock blocks until vp is unlocked, the timeout elapses, or the
// manager is shut down. On wakeup it re-checks under the lock before
// reporting Success, matching the spec's "on wakeup it first re-checks
// under the lock".
func (m *Manager) WaitForUnlock(vp string, timeout time.Duration) WaitResult {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	sh := m.shardFor(vp)
	deadline := time.After(timeout)
	for {
		sh.mu.Lock()
		held, exists := sh.locks[vp]
		if !exists {
			sh.mu.Unlock()
			return Success
		}
		ch := make(chan WaitResult, 1)
		held.waiters = append(held.waiters, ch)
		sh.mu.Unlock()

		select {
		case res := <-ch:
			if res != Success {
				return res
			}
		case <-deadline:
			return Timeout
		case <-m.stopCh:
			return Cancelled
		}
	}
}

// sweepLoop force-releases any lock older than lockTimeout, waking its
// waiters as if the holder released normally.
func (m *Manager) sweepLoop() {
	defer close(m.doneCh)

	interval := m.lockTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			m.cancelAll()
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *Manager) sweepExpired() {
	now := time.Now()
	for _, sh := range m.shards {
		sh.mu.Lock()
		var expired []*heldLock
		for vp, held := range sh.locks {
			if now.Sub(held.lock.AcquiredAt) > m.lockTimeout {
				expired = append(expired, held)
				delete(sh.locks, vp)
			}
		}
		sh.mu.Unlock()

		for _, held := range expired {
			notifyAll(held.waiters, Success)
		}
	}
}

func (m *Manager) cancelAll() {
	for _, sh := range m.shards {
		sh.mu.Lock()
		locks := sh.locks
		sh.locks = make(map[string]*heldLock)
		sh.mu.Unlock()

		for _, held := range locks {
			notifyAll(held.waiters, Cancelled)
		}
	}
}

// Shutdown cancels every waiter with Cancelled and stops the sweep loop.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.doneCh
}

func notifyAll(waiters []chan WaitResult, res WaitResult) {
	for _, ch := range waiters {
		select {
		case ch <- res:
		default:
		}
	}
}
