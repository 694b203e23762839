//go:build !cgofuse

package overlayfs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftfs/driftfs/internal/config"
	"github.com/driftfs/driftfs/internal/events"
	"github.com/driftfs/driftfs/internal/index"
	"github.com/driftfs/driftfs/internal/lockmgr"
	"github.com/driftfs/driftfs/internal/stateset"
)

// newFixture builds a ready (index_ready=true) Overlay over fresh temp
// LOCAL/EXTERNAL roots, with no kernel mount involved.
func newFixture(t *testing.T, pair config.MountPairConfig) *Overlay {
	t.Helper()
	if pair.Local == "" {
		pair.Local = t.TempDir()
	}
	if pair.SyncPairID == "" {
		pair.SyncPairID = "pair1"
	}
	ov := New(pair, Deps{
		Index: index.New(),
		Locks: lockmgr.New(0),
		Sets:  stateset.NewSets(),
		Queue: events.New(16, nil),
	})
	ov.SetIndexReady(true)
	return ov
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func lookup(t *testing.T, ov *Overlay, name string) (*fs.Inode, syscall.Errno) {
	t.Helper()
	root := &dirNode{ov: ov, vpath: "/"}
	var out fuse.EntryOut
	return root.Lookup(context.Background(), name, &out)
}

func TestLookupResolvesLocalOverExternal(t *testing.T) {
	local := t.TempDir()
	external := t.TempDir()
	mustWriteFile(t, filepath.Join(local, "a.txt"), "local")
	mustWriteFile(t, filepath.Join(external, "a.txt"), "external")

	ov := newFixture(t, config.MountPairConfig{Local: local, External: external})
	node, errno := lookup(t, ov, "a.txt")
	require.Equal(t, syscall.Errno(0), errno)
	require.NotNil(t, node)

	tier, actual := ov.resolve("/a.txt")
	assert.Equal(t, "local", tier)
	assert.Equal(t, filepath.Join(local, "a.txt"), actual)
}

func TestLookupMissIsNoEntry(t *testing.T) {
	ov := newFixture(t, config.MountPairConfig{})
	_, errno := lookup(t, ov, "missing.txt")
	assert.Equal(t, syscall.ENOENT, errno)
}

func TestLookupBeforeIndexReadyIsBusy(t *testing.T) {
	ov := newFixture(t, config.MountPairConfig{})
	ov.SetIndexReady(false)
	mustWriteFile(t, filepath.Join(ov.LocalRoot, "a.txt"), "x")
	_, errno := lookup(t, ov, "a.txt")
	assert.Equal(t, syscall.EBUSY, errno)
}

func TestLookupRejectsExcludedName(t *testing.T) {
	ov := newFixture(t, config.MountPairConfig{ExcludeGlobs: []string{"*.tmp"}})
	mustWriteFile(t, filepath.Join(ov.LocalRoot, "a.tmp"), "x")
	_, errno := lookup(t, ov, "a.tmp")
	assert.Equal(t, syscall.ENOENT, errno)
}

func TestLookupEnforcesDepthGuard(t *testing.T) {
	ov := newFixture(t, config.MountPairConfig{})
	require.NoError(t, os.MkdirAll(filepath.Join(ov.LocalRoot, strings.Repeat("d/", 50)), 0755))
	deep := strings.Repeat("d/", 50) + "f.txt"
	parts := strings.Split(deep, "/")
	n := &dirNode{ov: ov, vpath: "/"}
	// Walk down one component at a time until the depth guard trips.
	var lastErrno syscall.Errno
	vp := ""
	for _, part := range parts {
		if vp == "" {
			vp = "/" + part
		} else {
			vp = vp + "/" + part
		}
		var out fuse.EntryOut
		_, lastErrno = n.Lookup(context.Background(), part, &out)
		if lastErrno != 0 {
			break
		}
		n = &dirNode{ov: ov, vpath: vp}
	}
	assert.Equal(t, syscall.ELOOP, lastErrno)
}

func TestReaddirMergesLocalAndExternalDedupedByName(t *testing.T) {
	local := t.TempDir()
	external := t.TempDir()
	mustWriteFile(t, filepath.Join(local, "a.txt"), "local")
	mustWriteFile(t, filepath.Join(external, "a.txt"), "external")
	mustWriteFile(t, filepath.Join(external, "b.txt"), "external-only")

	ov := newFixture(t, config.MountPairConfig{Local: local, External: external})
	root := &dirNode{ov: ov, vpath: "/"}
	stream, errno := root.Readdir(context.Background())
	require.Equal(t, syscall.Errno(0), errno)

	var names []string
	for stream.HasNext() {
		e, errno := stream.Next()
		require.Equal(t, syscall.Errno(0), errno)
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, names)
}

func TestReaddirExcludesPendingDelete(t *testing.T) {
	local := t.TempDir()
	mustWriteFile(t, filepath.Join(local, "a.txt"), "x")
	ov := newFixture(t, config.MountPairConfig{Local: local})
	ov.sets.PendingDelete.Add("/a.txt")

	root := &dirNode{ov: ov, vpath: "/"}
	stream, errno := root.Readdir(context.Background())
	require.Equal(t, syscall.Errno(0), errno)

	var names []string
	for stream.HasNext() {
		e, _ := stream.Next()
		names = append(names, e.Name)
	}
	assert.Empty(t, names)
}

func TestCreateWritesLocalOnlyAndMarksDirty(t *testing.T) {
	ov := newFixture(t, config.MountPairConfig{})
	root := &dirNode{ov: ov, vpath: "/"}
	var out fuse.EntryOut
	_, handle, _, errno := root.Create(context.Background(), "new.txt", uint32(os.O_RDWR), 0644, &out)
	require.Equal(t, syscall.Errno(0), errno)
	require.NotNil(t, handle)

	e, ok := ov.idx.Get(ov.SyncPairID, "/new.txt")
	require.True(t, ok)
	assert.Equal(t, index.LocalOnly, e.Location)
	assert.True(t, e.IsDirty)

	fh := handle.(*fileHandle)
	errno = fh.Release(context.Background())
	assert.Equal(t, syscall.Errno(0), errno)
}

func TestCreateRejectsReadOnly(t *testing.T) {
	ov := newFixture(t, config.MountPairConfig{ReadOnly: true})
	root := &dirNode{ov: ov, vpath: "/"}
	var out fuse.EntryOut
	_, _, _, errno := root.Create(context.Background(), "new.txt", uint32(os.O_RDWR), 0644, &out)
	assert.Equal(t, syscall.EROFS, errno)
}

func TestOpenCopiesUpExternalOnWriteIntent(t *testing.T) {
	local := t.TempDir()
	external := t.TempDir()
	mustWriteFile(t, filepath.Join(external, "a.txt"), "external-data")

	ov := newFixture(t, config.MountPairConfig{Local: local, External: external})
	node := &fileNode{ov: ov, vpath: "/a.txt"}
	handle, _, errno := node.Open(context.Background(), uint32(os.O_RDWR))
	require.Equal(t, syscall.Errno(0), errno)
	require.NotNil(t, handle)

	_, err := os.Stat(filepath.Join(local, "a.txt"))
	require.NoError(t, err)

	e, ok := ov.idx.Get(ov.SyncPairID, "/a.txt")
	require.True(t, ok)
	assert.Equal(t, index.Both, e.Location)
	assert.True(t, e.IsDirty)

	fh := handle.(*fileHandle)
	assert.Equal(t, syscall.Errno(0), fh.Release(context.Background()))
}

func TestReadWriteRoundTrip(t *testing.T) {
	ov := newFixture(t, config.MountPairConfig{})
	root := &dirNode{ov: ov, vpath: "/"}
	var out fuse.EntryOut
	_, handle, _, errno := root.Create(context.Background(), "rw.txt", uint32(os.O_RDWR), 0644, &out)
	require.Equal(t, syscall.Errno(0), errno)
	fh := handle.(*fileHandle)

	n, errno := fh.Write(context.Background(), []byte("hello"), 0)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint32(5), n)

	buf := make([]byte, 5)
	res, errno := fh.Read(context.Background(), buf, 0)
	require.Equal(t, syscall.Errno(0), errno)
	got, status := res.Bytes(buf)
	require.Equal(t, fuse.OK, status)
	assert.Equal(t, "hello", string(got))

	assert.Equal(t, syscall.Errno(0), fh.Release(context.Background()))
}

func TestWriteBusyWhileSyncing(t *testing.T) {
	ov := newFixture(t, config.MountPairConfig{})
	root := &dirNode{ov: ov, vpath: "/"}
	var out fuse.EntryOut
	_, handle, _, errno := root.Create(context.Background(), "busy.txt", uint32(os.O_RDWR), 0644, &out)
	require.Equal(t, syscall.Errno(0), errno)
	fh := handle.(*fileHandle)

	ov.sets.Syncing.Add("/busy.txt")
	_, errno = fh.Write(context.Background(), []byte("x"), 0)
	assert.Equal(t, syscall.EBUSY, errno)
}

func TestUnlinkRemovesLocalAndIndexEntry(t *testing.T) {
	ov := newFixture(t, config.MountPairConfig{})
	local := ov.LocalRoot
	mustWriteFile(t, filepath.Join(local, "doomed.txt"), "x")
	ov.upsertNewEntry("/doomed.txt", filepath.Join(local, "doomed.txt"), "", false)

	root := &dirNode{ov: ov, vpath: "/"}
	errno := root.Unlink(context.Background(), "doomed.txt")
	require.Equal(t, syscall.Errno(0), errno)

	_, err := os.Stat(filepath.Join(local, "doomed.txt"))
	assert.True(t, os.IsNotExist(err))

	_, ok := ov.idx.Get(ov.SyncPairID, "/doomed.txt")
	assert.False(t, ok)

	assert.False(t, ov.sets.PendingDelete.Contains("/doomed.txt"))
}

func TestUnlinkBusyWhileSyncing(t *testing.T) {
	ov := newFixture(t, config.MountPairConfig{})
	local := ov.LocalRoot
	mustWriteFile(t, filepath.Join(local, "inflight.txt"), "x")
	ov.upsertNewEntry("/inflight.txt", filepath.Join(local, "inflight.txt"), "", false)

	ov.sets.Syncing.Add("/inflight.txt")
	root := &dirNode{ov: ov, vpath: "/"}
	errno := root.Unlink(context.Background(), "inflight.txt")
	assert.Equal(t, syscall.EBUSY, errno)

	_, err := os.Stat(filepath.Join(local, "inflight.txt"))
	assert.NoError(t, err)
}

func TestUnlinkRejectsReadOnly(t *testing.T) {
	ov := newFixture(t, config.MountPairConfig{ReadOnly: true})
	mustWriteFile(t, filepath.Join(ov.LocalRoot, "a.txt"), "x")
	root := &dirNode{ov: ov, vpath: "/"}
	errno := root.Unlink(context.Background(), "a.txt")
	assert.Equal(t, syscall.EROFS, errno)
}

func TestRenameCopiesUpExternalOnlySource(t *testing.T) {
	local := t.TempDir()
	external := t.TempDir()
	mustWriteFile(t, filepath.Join(external, "src.txt"), "ext-data")

	ov := newFixture(t, config.MountPairConfig{Local: local, External: external})
	root := &dirNode{ov: ov, vpath: "/"}
	errno := root.Rename(context.Background(), "src.txt", root, "dst.txt", 0)
	require.Equal(t, syscall.Errno(0), errno)

	_, err := os.Stat(filepath.Join(local, "dst.txt"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(local, "src.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestRenameEnforcesDepthGuardOnDestination(t *testing.T) {
	ov := newFixture(t, config.MountPairConfig{})
	mustWriteFile(t, filepath.Join(ov.LocalRoot, "src.txt"), "x")
	root := &dirNode{ov: ov, vpath: "/"}
	deepName := strings.Repeat("d/", 50) + "dst.txt"
	errno := root.Rename(context.Background(), "src.txt", root, deepName, 0)
	assert.Equal(t, syscall.ELOOP, errno)
}

func TestConcurrentOpenCap(t *testing.T) {
	ov := newFixture(t, config.MountPairConfig{ConcurrentOpenCap: 1})
	mustWriteFile(t, filepath.Join(ov.LocalRoot, "a.txt"), "x")
	mustWriteFile(t, filepath.Join(ov.LocalRoot, "b.txt"), "y")

	a := &fileNode{ov: ov, vpath: "/a.txt"}
	b := &fileNode{ov: ov, vpath: "/b.txt"}

	h1, _, errno := a.Open(context.Background(), uint32(os.O_RDONLY))
	require.Equal(t, syscall.Errno(0), errno)

	_, _, errno = b.Open(context.Background(), uint32(os.O_RDONLY))
	assert.Equal(t, syscall.EMFILE, errno)

	fh := h1.(*fileHandle)
	require.Equal(t, syscall.Errno(0), fh.Release(context.Background()))

	h2, _, errno := b.Open(context.Background(), uint32(os.O_RDONLY))
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, syscall.Errno(0), h2.(*fileHandle).Release(context.Background()))
}

func TestGetattrNormalizesOwnershipAndMode(t *testing.T) {
	ov := newFixture(t, config.MountPairConfig{})
	mustWriteFile(t, filepath.Join(ov.LocalRoot, "a.txt"), "x")
	require.NoError(t, os.Chmod(filepath.Join(ov.LocalRoot, "a.txt"), 0600))

	node := &fileNode{ov: ov, vpath: "/a.txt"}
	var out fuse.AttrOut
	errno := node.Getattr(context.Background(), nil, &out)
	require.Equal(t, syscall.Errno(0), errno)

	assert.Equal(t, ov.policy.uid, out.Uid)
	assert.Equal(t, ov.policy.gid, out.Gid)
	assert.Equal(t, uint32(syscall.S_IFREG|0644), out.Mode)
}

func TestTolerantSetattrAlwaysSucceeds(t *testing.T) {
	ov := newFixture(t, config.MountPairConfig{})
	mustWriteFile(t, filepath.Join(ov.LocalRoot, "a.txt"), "x")
	node := &fileNode{ov: ov, vpath: "/a.txt"}

	var in fuse.SetAttrIn
	in.Valid = fuse.FATTR_MODE
	in.Mode = 0777
	var out fuse.AttrOut
	errno := node.Setattr(context.Background(), nil, &in, &out)
	assert.Equal(t, syscall.Errno(0), errno)
}

func TestStrictPermissionsPropagatesChmodErrno(t *testing.T) {
	ov := newFixture(t, config.MountPairConfig{StrictPermissions: true})
	mustWriteFile(t, filepath.Join(ov.LocalRoot, "a.txt"), "x")
	node := &fileNode{ov: ov, vpath: "/a.txt"}

	var in fuse.SetAttrIn
	in.Valid = fuse.FATTR_MODE
	in.Mode = 0640
	var out fuse.AttrOut
	errno := node.Setattr(context.Background(), nil, &in, &out)
	require.Equal(t, syscall.Errno(0), errno)

	fi, err := os.Stat(filepath.Join(ov.LocalRoot, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), fi.Mode().Perm())
}

func TestGetxattrAppleDoubleAlwaysSucceeds(t *testing.T) {
	ov := newFixture(t, config.MountPairConfig{})
	mustWriteFile(t, filepath.Join(ov.LocalRoot, "a.txt"), "x")
	node := &fileNode{ov: ov, vpath: "/a.txt"}
	n, errno := node.Getxattr(context.Background(), "com.apple.FinderInfo", nil)
	assert.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint32(0), n)
}

func TestGetxattrOtherNamespaceIsNoData(t *testing.T) {
	ov := newFixture(t, config.MountPairConfig{})
	mustWriteFile(t, filepath.Join(ov.LocalRoot, "a.txt"), "x")
	node := &fileNode{ov: ov, vpath: "/a.txt"}
	_, errno := node.Getxattr(context.Background(), "user.custom", nil)
	assert.Equal(t, syscall.ENODATA, errno)
}

func TestStatfsReportsLocalFilesystem(t *testing.T) {
	ov := newFixture(t, config.MountPairConfig{})
	root := &dirNode{ov: ov, vpath: "/"}
	var out fuse.StatfsOut
	errno := root.Statfs(context.Background(), &out)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Greater(t, out.Blocks, uint64(0))
}

func TestStatsSnapshotTracksOperations(t *testing.T) {
	ov := newFixture(t, config.MountPairConfig{})
	_, _ = lookup(t, ov, "missing.txt")
	stats := ov.GetStats()
	assert.Equal(t, int64(1), stats.Lookups)
}
