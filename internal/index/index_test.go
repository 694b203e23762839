package index

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchUpsertAndGet(t *testing.T) {
	idx := New()
	err := idx.BatchUpsert([]*FileEntry{
		{SyncPairID: "p1", VirtualPath: "/a.txt", Size: 10, Location: LocalOnly},
		{SyncPairID: "p1", VirtualPath: "/b.txt", Size: 20, Location: Both},
	})
	require.NoError(t, err)

	e, ok := idx.Get("p1", "/a.txt")
	require.True(t, ok)
	assert.Equal(t, int64(10), e.Size)

	_, ok = idx.Get("p1", "/missing.txt")
	assert.False(t, ok)
}

func TestBatchRemove(t *testing.T) {
	idx := New()
	require.NoError(t, idx.BatchUpsert([]*FileEntry{
		{SyncPairID: "p1", VirtualPath: "/a.txt", Location: LocalOnly},
	}))
	require.NoError(t, idx.BatchRemove("p1", []string{"/a.txt"}))
	_, ok := idx.Get("p1", "/a.txt")
	assert.False(t, ok)
}

func TestStats(t *testing.T) {
	idx := New()
	require.NoError(t, idx.BatchUpsert([]*FileEntry{
		{SyncPairID: "p1", VirtualPath: "/a.txt", Size: 10, Location: LocalOnly},
		{SyncPairID: "p1", VirtualPath: "/b.txt", Size: 20, Location: Both, IsDirty: true},
		{SyncPairID: "p2", VirtualPath: "/c.txt", Size: 30, Location: ExternalOnly},
	}))

	s := idx.Stats("p1")
	assert.Equal(t, 2, s.TotalEntries)
	assert.Equal(t, int64(30), s.TotalSize)
	assert.Equal(t, 1, s.Dirty)
	assert.Equal(t, 1, s.LocalOnly)
	assert.Equal(t, 1, s.Both)
}

func TestMarkDirtyAndTouchAccess(t *testing.T) {
	idx := New()
	require.NoError(t, idx.BatchUpsert([]*FileEntry{
		{SyncPairID: "p1", VirtualPath: "/a.txt", Location: LocalOnly},
	}))

	require.NoError(t, idx.MarkDirty("p1", "/a.txt", true))
	e, _ := idx.Get("p1", "/a.txt")
	assert.True(t, e.IsDirty)

	require.NoError(t, idx.TouchAccess("p1", "/a.txt"))
	e, _ = idx.Get("p1", "/a.txt")
	assert.WithinDuration(t, time.Now(), e.AccessedAt, time.Second)

	err := idx.MarkDirty("p1", "/nope.txt", true)
	assert.Error(t, err)
}

func TestFullBuildMergesTiers(t *testing.T) {
	local := t.TempDir()
	external := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(local, "local_only.txt"), []byte("hi"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(external, "external_only.txt"), []byte("bye"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(local, "both.txt"), []byte("same"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(external, "both.txt"), []byte("same"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(local, ".DS_Store"), []byte("junk"), 0644))

	idx := New()
	require.NoError(t, idx.FullBuild("pair1", local, external, nil))

	entries := idx.List("pair1")
	byPath := make(map[string]*FileEntry)
	for _, e := range entries {
		byPath[e.VirtualPath] = e
	}

	require.Contains(t, byPath, "/local_only.txt")
	assert.Equal(t, LocalOnly, byPath["/local_only.txt"].Location)

	require.Contains(t, byPath, "/external_only.txt")
	assert.Equal(t, ExternalOnly, byPath["/external_only.txt"].Location)

	require.Contains(t, byPath, "/both.txt")
	assert.Equal(t, Both, byPath["/both.txt"].Location)

	assert.NotContains(t, byPath, "/.DS_Store")
}

func TestIncrementalUpdateAddsAndRemoves(t *testing.T) {
	local := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(local, "keep.txt"), []byte("keep"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(local, "remove.txt"), []byte("gone"), 0644))

	idx := New()
	require.NoError(t, idx.FullBuild("pair1", local, "", nil))
	require.Len(t, idx.List("pair1"), 2)

	require.NoError(t, os.Remove(filepath.Join(local, "remove.txt")))
	require.NoError(t, os.WriteFile(filepath.Join(local, "added.txt"), []byte("new"), 0644))

	require.NoError(t, idx.IncrementalUpdate("pair1", local, "", nil))

	entries := idx.List("pair1")
	byPath := make(map[string]*FileEntry)
	for _, e := range entries {
		byPath[e.VirtualPath] = e
	}
	assert.Contains(t, byPath, "/keep.txt")
	assert.Contains(t, byPath, "/added.txt")
	assert.NotContains(t, byPath, "/remove.txt")
}

func TestIncrementalUpdatePreservesDirtyFlag(t *testing.T) {
	local := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(local, "a.txt"), []byte("data"), 0644))

	idx := New()
	require.NoError(t, idx.FullBuild("pair1", local, "", nil))
	require.NoError(t, idx.MarkDirty("pair1", "/a.txt", true))

	require.NoError(t, os.WriteFile(filepath.Join(local, "a.txt"), []byte("data-changed-bytes"), 0644))
	require.NoError(t, idx.IncrementalUpdate("pair1", local, "", nil))

	e, ok := idx.Get("pair1", "/a.txt")
	require.True(t, ok)
	assert.True(t, e.IsDirty)
}

func TestSaveLoadSnapshotRoundTrip(t *testing.T) {
	idx := New()
	require.NoError(t, idx.BatchUpsert([]*FileEntry{
		{SyncPairID: "p1", VirtualPath: "/a.txt", Size: 5, Location: LocalOnly},
		{SyncPairID: "p1", VirtualPath: "/b.txt", Size: 6, Location: Both},
	}))

	snapPath := filepath.Join(t.TempDir(), "index.gz")
	require.NoError(t, idx.SaveSnapshot(snapPath))

	loaded := New()
	require.NoError(t, loaded.LoadSnapshot(snapPath))

	e, ok := loaded.Get("p1", "/a.txt")
	require.True(t, ok)
	assert.Equal(t, int64(5), e.Size)

	s := loaded.Stats("p1")
	assert.Equal(t, 2, s.TotalEntries)
}

func TestLoadSnapshotMissingFileIsNotAnError(t *testing.T) {
	idx := New()
	err := idx.LoadSnapshot(filepath.Join(t.TempDir(), "does-not-exist.gz"))
	assert.NoError(t, err)
}
