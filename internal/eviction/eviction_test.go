package eviction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftfs/driftfs/internal/index"
	"github.com/driftfs/driftfs/internal/lockmgr"
	"github.com/driftfs/driftfs/internal/stateset"
)

type fakeFreeSpacer struct {
	free int64
}

func (f *fakeFreeSpacer) FreeBytes(string) (int64, error) { return f.free, nil }

type fakeSyncer struct {
	calls []string
	err   error
}

func (f *fakeSyncer) SyncUpload(_ context.Context, pair, vp, localPath string) error {
	f.calls = append(f.calls, vp)
	return f.err
}

type fakeMetrics struct {
	evictedCount, skippedDirty, skippedLocked int
	evictedBytes                              int64
	calls                                     int
}

func (m *fakeMetrics) RecordEvictionRun(evictedCount int, evictedBytes int64, skippedDirty, skippedLocked int) {
	m.calls++
	m.evictedCount += evictedCount
	m.evictedBytes += evictedBytes
	m.skippedDirty += skippedDirty
	m.skippedLocked += skippedLocked
}

func newTestManager(t *testing.T, cfg Config, freeSp FreeSpacer, syncer Syncer, metrics Metrics) *Manager {
	t.Helper()
	idx := index.New()
	locks := lockmgr.New(time.Minute)
	sets := stateset.NewSets()
	return New(cfg, idx, locks, sets, freeSp, syncer, metrics)
}

func writeLocalFile(t *testing.T, root, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestRunPass_EvictsOldestCandidatesFirst(t *testing.T) {
	dir := t.TempDir()
	metrics := &fakeMetrics{}
	cfg := Config{
		TriggerThresholdBytes: 0,
		TargetFreeBytes:       100, // the fake reports a constant 0 free, so this target is never reached
		MaxFilesPerRun:        10,
		MinFileAge:            0,
	}
	m := newTestManager(t, cfg, &fakeFreeSpacer{free: 0}, nil, metrics)

	old := writeLocalFile(t, dir, "old.txt", []byte("aaaaa"))
	newer := writeLocalFile(t, dir, "new.txt", []byte("bbbbb"))

	now := time.Now()
	require.NoError(t, m.idx.BatchUpsert([]*index.FileEntry{
		{SyncPairID: "p1", VirtualPath: "/old.txt", LocalPath: old, Size: 5, Location: index.Both, AccessedAt: now.Add(-2 * time.Hour)},
		{SyncPairID: "p1", VirtualPath: "/new.txt", LocalPath: newer, Size: 5, Location: index.Both, AccessedAt: now.Add(-1 * time.Hour)},
	}))

	// free space never reaches target, so the pass stops at max_files_per_run:
	// only the oldest candidate by accessed_at is evicted.
	cfg.MaxFilesPerRun = 1
	m.cfg = cfg

	err := m.RunPass(context.Background(), "p1", dir)
	require.NoError(t, err)

	_, err2 := os.Stat(old)
	assert.True(t, os.IsNotExist(err2), "oldest candidate should have been evicted first")

	_, err3 := os.Stat(newer)
	assert.NoError(t, err3, "newer candidate should remain untouched")

	e, ok := m.idx.Get("p1", "/old.txt")
	require.True(t, ok)
	assert.Equal(t, index.ExternalOnly, e.Location)

	assert.Equal(t, 1, metrics.evictedCount)
	assert.Equal(t, int64(5), metrics.evictedBytes)
}

func TestRunPass_SkipsDirtyAndLocked(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.MinFileAge = 0
	locks := lockmgr.New(time.Minute)
	idx := index.New()
	sets := stateset.NewSets()
	m := New(cfg, idx, locks, sets, &fakeFreeSpacer{free: 0}, nil, nil)

	dirtyPath := writeLocalFile(t, dir, "dirty.txt", []byte("x"))
	lockedPath := writeLocalFile(t, dir, "locked.txt", []byte("x"))

	now := time.Now().Add(-2 * time.Hour)
	require.NoError(t, idx.BatchUpsert([]*index.FileEntry{
		{SyncPairID: "p1", VirtualPath: "/dirty.txt", LocalPath: dirtyPath, Size: 1, Location: index.Both, IsDirty: true, AccessedAt: now},
		{SyncPairID: "p1", VirtualPath: "/locked.txt", LocalPath: lockedPath, Size: 1, Location: index.Both, AccessedAt: now},
	}))
	require.True(t, locks.Acquire("/locked.txt", lockmgr.LocalToExternal, "test"))

	require.NoError(t, m.RunPass(context.Background(), "p1", dir))

	_, err := os.Stat(dirtyPath)
	assert.NoError(t, err, "dirty file must not be evicted")
	_, err = os.Stat(lockedPath)
	assert.NoError(t, err, "locked file must not be evicted")

	stats := m.Stats("p1")
	assert.Equal(t, int64(1), stats.SkippedDirty)
	assert.Equal(t, int64(1), stats.SkippedLocked)
}

func TestRunPass_RespectsMinFileAge(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.MinFileAge = time.Hour
	m := newTestManager(t, cfg, &fakeFreeSpacer{free: 0}, nil, nil)

	p := writeLocalFile(t, dir, "fresh.txt", []byte("x"))
	require.NoError(t, m.idx.BatchUpsert([]*index.FileEntry{
		{SyncPairID: "p1", VirtualPath: "/fresh.txt", LocalPath: p, Size: 1, Location: index.Both, AccessedAt: time.Now()},
	}))

	require.NoError(t, m.RunPass(context.Background(), "p1", dir))

	_, err := os.Stat(p)
	assert.NoError(t, err, "file younger than min_file_age must not be evicted")
}

func TestRunPass_LocalOnlyRequestsSyncInsteadOfEviction(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.MinFileAge = 0
	syncer := &fakeSyncer{}
	m := newTestManager(t, cfg, &fakeFreeSpacer{free: 0}, syncer, nil)

	p := writeLocalFile(t, dir, "unsynced.txt", []byte("x"))
	require.NoError(t, m.idx.BatchUpsert([]*index.FileEntry{
		{SyncPairID: "p1", VirtualPath: "/unsynced.txt", LocalPath: p, Size: 1, Location: index.LocalOnly, AccessedAt: time.Now().Add(-2 * time.Hour)},
	}))

	require.NoError(t, m.RunPass(context.Background(), "p1", dir))

	_, err := os.Stat(p)
	assert.NoError(t, err, "LocalOnly file must never be evicted directly")
	assert.Equal(t, []string{"/unsynced.txt"}, syncer.calls)
}

func TestEvict_ValidatesPreconditions(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	m := newTestManager(t, cfg, &fakeFreeSpacer{free: 0}, nil, nil)

	p := writeLocalFile(t, dir, "dirty.txt", []byte("x"))
	require.NoError(t, m.idx.BatchUpsert([]*index.FileEntry{
		{SyncPairID: "p1", VirtualPath: "/dirty.txt", LocalPath: p, Size: 1, Location: index.Both, IsDirty: true},
	}))

	err := m.Evict("p1", "/dirty.txt")
	require.Error(t, err)

	err = m.Evict("p1", "/missing.txt")
	require.Error(t, err)
}

func TestEvict_Success(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	metrics := &fakeMetrics{}
	m := newTestManager(t, cfg, &fakeFreeSpacer{free: 0}, nil, metrics)

	p := writeLocalFile(t, dir, "a.txt", []byte("hello"))
	require.NoError(t, m.idx.BatchUpsert([]*index.FileEntry{
		{SyncPairID: "p1", VirtualPath: "/a.txt", LocalPath: p, Size: 5, Location: index.Both},
	}))

	require.NoError(t, m.Evict("p1", "/a.txt"))

	_, err := os.Stat(p)
	assert.True(t, os.IsNotExist(err))

	e, ok := m.idx.Get("p1", "/a.txt")
	require.True(t, ok)
	assert.Equal(t, index.ExternalOnly, e.Location)
	assert.Equal(t, 1, metrics.evictedCount)
}

func TestPrefetch_CopiesExternalToLocal(t *testing.T) {
	extDir := t.TempDir()
	localDir := t.TempDir()
	cfg := DefaultConfig()
	m := newTestManager(t, cfg, &fakeFreeSpacer{free: 0}, nil, nil)

	extPath := filepath.Join(extDir, "b.txt")
	require.NoError(t, os.WriteFile(extPath, []byte("world"), 0644))
	localPath := filepath.Join(localDir, "b.txt")

	require.NoError(t, m.idx.BatchUpsert([]*index.FileEntry{
		{SyncPairID: "p1", VirtualPath: "/b.txt", LocalPath: localPath, ExternalPath: extPath, Size: 5, Location: index.ExternalOnly},
	}))

	require.NoError(t, m.Prefetch("p1", "/b.txt"))

	data, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))

	e, ok := m.idx.Get("p1", "/b.txt")
	require.True(t, ok)
	assert.Equal(t, index.Both, e.Location)
}

func TestPrefetch_NoopIfAlreadyLocal(t *testing.T) {
	cfg := DefaultConfig()
	m := newTestManager(t, cfg, &fakeFreeSpacer{free: 0}, nil, nil)

	require.NoError(t, m.idx.BatchUpsert([]*index.FileEntry{
		{SyncPairID: "p1", VirtualPath: "/c.txt", Location: index.Both},
	}))

	require.NoError(t, m.Prefetch("p1", "/c.txt"))
}

func TestRunPass_StopsAtMaxFilesPerRun(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.MinFileAge = 0
	cfg.MaxFilesPerRun = 2
	cfg.TargetFreeBytes = 1 << 40 // never satisfied, forcing the cap to bind
	m := newTestManager(t, cfg, &fakeFreeSpacer{free: 0}, nil, nil)

	now := time.Now().Add(-2 * time.Hour)
	var entries []*index.FileEntry
	for i := 0; i < 5; i++ {
		base := fmt.Sprintf("f%d.txt", i)
		name := filepath.Join(dir, base)
		require.NoError(t, os.WriteFile(name, []byte("x"), 0644))
		entries = append(entries, &index.FileEntry{
			SyncPairID: "p1", VirtualPath: "/" + base, LocalPath: name,
			Size: 1, Location: index.Both, AccessedAt: now.Add(time.Duration(i) * time.Minute),
		})
	}
	require.NoError(t, m.idx.BatchUpsert(entries))

	require.NoError(t, m.RunPass(context.Background(), "p1", dir))

	stats := m.Stats("p1")
	assert.Equal(t, int64(2), stats.EvictedCount)
}

func TestWatchUnwatch(t *testing.T) {
	cfg := DefaultConfig()
	m := newTestManager(t, cfg, &fakeFreeSpacer{free: 0}, nil, nil)

	m.Watch(Mount{SyncPairID: "p1", LocalRoot: "/tmp"})
	m.mu.RLock()
	_, ok := m.mounts["p1"]
	m.mu.RUnlock()
	assert.True(t, ok)

	m.Unwatch("p1")
	m.mu.RLock()
	_, ok = m.mounts["p1"]
	m.mu.RUnlock()
	assert.False(t, ok)
}
