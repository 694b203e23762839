// Package eviction implements the eviction manager (spec §4.8): an
// LRU-ordered reclaim loop that keeps LOCAL's free space above a
// configured floor by demoting Both-tier files to ExternalOnly, modeled
// after the teacher's weighted LRU cache (internal/cache/lru.go) but
// selecting candidates from the file-state index instead of maintaining
// its own in-memory item list.
package eviction

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/driftfs/driftfs/internal/index"
	"github.com/driftfs/driftfs/internal/lockmgr"
	"github.com/driftfs/driftfs/internal/stateset"
	"github.com/driftfs/driftfs/pkg/errors"
)

// FreeSpacer reports free bytes on a mount's LOCAL filesystem. Abstracted
// so tests can fake disk pressure without touching syscall.Statfs.
type FreeSpacer interface {
	FreeBytes(path string) (int64, error)
}

// Syncer requests a synchronous upload of a LocalOnly file before it can
// be considered for eviction (spec §4.8 step 4). The sync collaborator
// lives outside this module; driftfs wires a concrete implementation at
// startup.
type Syncer interface {
	SyncUpload(ctx context.Context, pair, virtualPath, localPath string) error
}

// Metrics receives eviction-pass outcomes for export. Kept as a narrow
// interface so eviction doesn't import the concrete Prometheus collector.
type Metrics interface {
	RecordEvictionRun(evictedCount int, evictedBytes int64, skippedDirty, skippedLocked int)
}

// Config mirrors config.EvictionConfig; duplicated here (rather than
// importing internal/config) so eviction has no dependency on the YAML
// loading layer, matching the teacher's package-boundary style.
type Config struct {
	TriggerThresholdBytes int64
	TargetFreeBytes       int64
	MaxFilesPerRun         int
	MinFileAge             time.Duration
	CheckInterval          time.Duration
	AutoEnabled            bool
}

// Stats is the manager's running tally (spec §4.8).
type Stats struct {
	EvictedCount     int64
	EvictedSize      int64
	LastEvictionTime time.Time
	SkippedDirty     int64
	SkippedLocked    int64
	FailedSync       int64
}

// Mount describes one sync pair the manager watches.
type Mount struct {
	SyncPairID string
	LocalRoot  string
}

// Manager runs the auto eviction loop and exposes explicit evict/prefetch.
type Manager struct {
	cfg     Config
	idx     *index.Index
	locks   *lockmgr.Manager
	sets    *stateset.Sets
	freeSp  FreeSpacer
	syncer  Syncer
	metrics Metrics
	logger  *slog.Logger

	mu     sync.RWMutex
	mounts map[string]Mount
	stats  map[string]*Stats

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		TriggerThresholdBytes: 5 * 1024 * 1024 * 1024,
		TargetFreeBytes:       10 * 1024 * 1024 * 1024,
		MaxFilesPerRun:        100,
		MinFileAge:            1 * time.Hour,
		CheckInterval:         5 * time.Minute,
		AutoEnabled:           true,
	}
}

// New builds a Manager. metrics may be nil to disable metric export.
func New(cfg Config, idx *index.Index, locks *lockmgr.Manager, sets *stateset.Sets, freeSp FreeSpacer, syncer Syncer, metrics Metrics) *Manager {
	return &Manager{
		cfg:     cfg,
		idx:     idx,
		locks:   locks,
		sets:    sets,
		freeSp:  freeSp,
		syncer:  syncer,
		metrics: metrics,
		logger:  slog.With("component", "eviction"),
		mounts:  make(map[string]Mount),
		stats:   make(map[string]*Stats),
		stop:    make(chan struct{}),
	}
}

// Watch registers a mount for the auto loop to consider.
func (m *Manager) Watch(mount Mount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mounts[mount.SyncPairID] = mount
	if m.stats[mount.SyncPairID] == nil {
		m.stats[mount.SyncPairID] = &Stats{}
	}
}

// Unwatch removes a mount, typically on unmount.
func (m *Manager) Unwatch(pair string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mounts, pair)
	delete(m.stats, pair)
}

// Stats returns a copy of the running tally for a sync pair.
func (m *Manager) Stats(pair string) Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.stats[pair]; ok {
		return *s
	}
	return Stats{}
}

// Run starts the auto eviction loop (spec §4.8: ticks every check_interval).
// It returns immediately; the loop runs in its own goroutine until Stop.
func (m *Manager) Run(ctx context.Context) {
	if !m.cfg.AutoEnabled {
		return
	}
	if !m.running.CompareAndSwap(false, true) {
		return
	}

	interval := m.cfg.CheckInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.tick()
			}
		}
	}()
}

// Stop ends the auto loop. Safe to call multiple times.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) tick() {
	m.mu.RLock()
	mounts := make([]Mount, 0, len(m.mounts))
	for _, mt := range m.mounts {
		mounts = append(mounts, mt)
	}
	m.mu.RUnlock()

	for _, mt := range mounts {
		free, err := m.freeSp.FreeBytes(mt.LocalRoot)
		if err != nil {
			m.logger.Warn("free space check failed", "pair", mt.SyncPairID, "error", err)
			continue
		}
		if free >= m.cfg.TriggerThresholdBytes {
			continue
		}
		if err := m.RunPass(context.Background(), mt.SyncPairID, mt.LocalRoot); err != nil {
			m.logger.Warn("eviction pass failed", "pair", mt.SyncPairID, "error", err)
		}
	}
}

// candidate wraps one evictable FileEntry; RunPass counts freed bytes from
// the entry's indexed Size.
type candidate struct {
	entry *index.FileEntry
}

// RunPass performs one eviction pass for a sync pair (spec §4.8 steps 1-4).
func (m *Manager) RunPass(ctx context.Context, pair, localRoot string) error {
	entries := m.idx.List(pair)

	cands := make([]candidate, 0, len(entries))
	var skippedDirty, skippedLocked int64
	now := time.Now()

	for _, e := range entries {
		if e.IsDirectory {
			continue
		}
		if e.Location == index.LocalOnly {
			// Never evict unsynced data; request upload and retry next pass.
			m.requestSyncOrSkip(ctx, e)
			continue
		}
		if e.Location != index.Both {
			continue
		}
		if e.IsDirty {
			skippedDirty++
			continue
		}
		if m.locks.IsLocked(e.VirtualPath) {
			skippedLocked++
			continue
		}
		if now.Sub(e.AccessedAt) < m.cfg.MinFileAge {
			continue
		}
		cands = append(cands, candidate{entry: e})
	}

	sort.Slice(cands, func(i, j int) bool {
		return cands[i].entry.AccessedAt.Before(cands[j].entry.AccessedAt)
	})

	maxFiles := m.cfg.MaxFilesPerRun
	if maxFiles <= 0 {
		maxFiles = 100
	}

	var evictedCount int
	var evictedBytes int64
	var errs error

	for _, c := range cands {
		if evictedCount >= maxFiles {
			break
		}
		free, err := m.freeSp.FreeBytes(localRoot)
		if err == nil && free >= m.cfg.TargetFreeBytes {
			break
		}

		if err := m.evictOne(c.entry); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		evictedCount++
		evictedBytes += c.entry.Size
	}

	m.mu.Lock()
	s := m.stats[pair]
	if s == nil {
		s = &Stats{}
		m.stats[pair] = s
	}
	s.EvictedCount += int64(evictedCount)
	s.EvictedSize += evictedBytes
	s.SkippedDirty += skippedDirty
	s.SkippedLocked += skippedLocked
	if evictedCount > 0 {
		s.LastEvictionTime = time.Now()
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordEvictionRun(evictedCount, evictedBytes, int(skippedDirty), int(skippedLocked))
	}

	m.logger.Info("eviction pass complete", "pair", pair, "evicted", evictedCount, "bytes", evictedBytes,
		"skipped_dirty", skippedDirty, "skipped_locked", skippedLocked)

	return errs
}

func (m *Manager) requestSyncOrSkip(ctx context.Context, e *index.FileEntry) {
	if m.syncer == nil {
		return
	}
	if err := m.syncer.SyncUpload(ctx, e.SyncPairID, e.VirtualPath, e.LocalPath); err != nil {
		m.mu.Lock()
		if s := m.stats[e.SyncPairID]; s != nil {
			s.FailedSync++
		}
		m.mu.Unlock()
		m.logger.Warn("sync upload before eviction failed", "path", e.VirtualPath, "error", err)
	}
}

// evictOne performs step 3 of the pass for a single candidate: mark
// evicting, delete LOCAL, flip the index entry to ExternalOnly, unmark.
func (m *Manager) evictOne(e *index.FileEntry) error {
	m.sets.Evicting.Add(e.VirtualPath)
	defer m.sets.Evicting.Remove(e.VirtualPath)

	if err := os.Remove(e.LocalPath); err != nil && !os.IsNotExist(err) {
		return errors.New(errors.KindIO, "evict: delete LOCAL copy failed").
			WithComponent("eviction").WithPath(e.VirtualPath).WithCause(err)
	}

	updated := *e
	updated.Location = index.ExternalOnly
	updated.LocalPath = ""
	return m.idx.BatchUpsert([]*index.FileEntry{&updated})
}

// Evict performs the explicit evict(path) operation (spec §4.8), validating
// the same preconditions RunPass enforces for automatic candidates.
func (m *Manager) Evict(pair, virtualPath string) error {
	e, ok := m.idx.Get(pair, virtualPath)
	if !ok {
		return errors.New(errors.KindNoEntry, "evict: no such indexed entry").
			WithComponent("eviction").WithPath(virtualPath)
	}
	if e.Location != index.Both {
		return errors.New(errors.KindInvalidArgument, "evict: entry is not present on both tiers").
			WithComponent("eviction").WithPath(virtualPath)
	}
	if e.IsDirty {
		return errors.New(errors.KindBusy, "evict: entry is dirty").
			WithComponent("eviction").WithPath(virtualPath)
	}
	if m.locks.IsLocked(virtualPath) {
		return errors.New(errors.KindBusy, "evict: entry is locked").
			WithComponent("eviction").WithPath(virtualPath)
	}
	if err := m.evictOne(e); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.RecordEvictionRun(1, e.Size, 0, 0)
	}
	return nil
}

// Prefetch performs the explicit prefetch(path) operation: copies EXTERNAL
// to LOCAL, creating parent directories as needed; no-op if already local.
func (m *Manager) Prefetch(pair, virtualPath string) error {
	e, ok := m.idx.Get(pair, virtualPath)
	if !ok {
		return errors.New(errors.KindNoEntry, "prefetch: no such indexed entry").
			WithComponent("eviction").WithPath(virtualPath)
	}
	if e.Location == index.Both || e.Location == index.LocalOnly {
		return nil
	}
	if e.Location != index.ExternalOnly {
		return errors.New(errors.KindInvalidArgument, "prefetch: entry has no EXTERNAL copy").
			WithComponent("eviction").WithPath(virtualPath)
	}

	localPath := e.LocalPath
	if localPath == "" {
		m.mu.RLock()
		mt, watched := m.mounts[pair]
		m.mu.RUnlock()
		if !watched {
			return errors.New(errors.KindNotMounted, "prefetch: sync pair is not watched").
				WithComponent("eviction").WithPath(virtualPath)
		}
		localPath = filepath.Join(mt.LocalRoot, filepath.FromSlash(virtualPath))
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0750); err != nil {
		return errors.New(errors.KindIO, "prefetch: create parent directory failed").
			WithComponent("eviction").WithPath(virtualPath).WithCause(err)
	}
	if err := copyFile(e.ExternalPath, localPath); err != nil {
		return errors.New(errors.KindIO, "prefetch: copy from EXTERNAL failed").
			WithComponent("eviction").WithPath(virtualPath).WithCause(err)
	}

	updated := *e
	updated.Location = index.Both
	updated.LocalPath = localPath
	return m.idx.BatchUpsert([]*index.FileEntry{&updated})
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

// PrefetchAllConcurrently prefetches a batch of paths using a bounded
// worker pool, aggregating per-path failures instead of stopping at the
// first (same multierr/conc pattern the index package uses for scans).
func (m *Manager) PrefetchAllConcurrently(pair string, virtualPaths []string, maxConcurrency int) error {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	p := pool.New().WithMaxGoroutines(maxConcurrency)
	var mu sync.Mutex
	var errs error

	for _, vp := range virtualPaths {
		vp := vp
		p.Go(func() {
			if err := m.Prefetch(pair, vp); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		})
	}
	p.Wait()
	return errs
}
