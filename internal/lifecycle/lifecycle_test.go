package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftfs/driftfs/internal/config"
	"github.com/driftfs/driftfs/internal/index"
	"github.com/driftfs/driftfs/internal/lockmgr"
	"github.com/driftfs/driftfs/internal/stateset"
)

type fakeMount struct {
	mu      sync.Mutex
	mounted bool
	done    chan struct{}
	err     error

	mountCalls int

	indexReady     bool
	readOnly       bool
	externalOnline bool
	externalPath   string
}

func newFakeMount() *fakeMount {
	return &fakeMount{done: make(chan struct{})}
}

func (f *fakeMount) Mount(ctx context.Context, targetDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mounted = true
	f.mountCalls++
	return nil
}

func (f *fakeMount) Done() <-chan struct{} { return f.done }
func (f *fakeMount) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeMount) IsMounted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mounted
}

func (f *fakeMount) Unmount() error {
	f.mu.Lock()
	f.mounted = false
	f.mu.Unlock()
	close(f.done)
	return nil
}

func (f *fakeMount) SetIndexReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexReady = ready
}

func (f *fakeMount) SetReadOnly(ro bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readOnly = ro
}

func (f *fakeMount) SetExternalOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.externalOnline = online
}

func (f *fakeMount) UpdateExternal(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.externalPath = path
	f.externalOnline = path != ""
	return nil
}

type noopProtector struct{ calls []string }

func (p *noopProtector) Protect(path string) error {
	p.calls = append(p.calls, "protect:"+path)
	return nil
}
func (p *noopProtector) Unprotect(path string) error {
	p.calls = append(p.calls, "unprotect:"+path)
	return nil
}

func newTestManager(t *testing.T, factory KernelMountFactory) (*Manager, string) {
	t.Helper()
	snapDir := t.TempDir()
	idx := index.New()
	locks := lockmgr.New(time.Minute)
	sets := stateset.NewSets()
	m := New(idx, locks, sets, &noopProtector{}, factory, snapDir)
	return m, snapDir
}

func fixedFactory(mounts *[]*fakeMount) KernelMountFactory {
	return func(pair config.MountPairConfig) (KernelMount, error) {
		fm := newFakeMount()
		*mounts = append(*mounts, fm)
		return fm, nil
	}
}

func TestMount_BasicSequence(t *testing.T) {
	base := t.TempDir()
	pair := config.MountPairConfig{
		SyncPairID: "p1",
		Local:      filepath.Join(base, "local"),
		Target:     filepath.Join(base, "target"),
	}

	var built []*fakeMount
	m, _ := newTestManager(t, fixedFactory(&built))

	var mountedCB Mount
	m.OnMounted(func(mt Mount) { mountedCB = mt })

	require.NoError(t, m.Mount(context.Background(), pair))

	_, err := os.Stat(pair.Local)
	assert.NoError(t, err, "local directory must exist")
	_, err = os.Stat(pair.Target)
	assert.NoError(t, err, "target mount point must exist")

	mt, ok := m.Get("p1")
	require.True(t, ok)
	assert.Equal(t, "active", mt.State)
	assert.True(t, mt.IndexReady)
	assert.Equal(t, "p1", mountedCB.SyncPairID)
	require.Len(t, built, 1)
	assert.Equal(t, 1, built[0].mountCalls)
}

func TestMount_AlreadyMountedRejected(t *testing.T) {
	base := t.TempDir()
	pair := config.MountPairConfig{
		SyncPairID: "p1",
		Local:      filepath.Join(base, "local"),
		Target:     filepath.Join(base, "target"),
	}
	var built []*fakeMount
	m, _ := newTestManager(t, fixedFactory(&built))

	require.NoError(t, m.Mount(context.Background(), pair))
	err := m.Mount(context.Background(), pair)
	require.Error(t, err)
}

func TestMount_TakeoverNonEmptyTargetRenamesToLocal(t *testing.T) {
	base := t.TempDir()
	target := filepath.Join(base, "target")
	local := filepath.Join(base, "local")
	require.NoError(t, os.MkdirAll(target, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "existing.txt"), []byte("data"), 0644))

	pair := config.MountPairConfig{SyncPairID: "p1", Local: local, Target: target}
	var built []*fakeMount
	m, _ := newTestManager(t, fixedFactory(&built))

	require.NoError(t, m.Mount(context.Background(), pair))

	data, err := os.ReadFile(filepath.Join(local, "existing.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))

	entries, err := os.ReadDir(target)
	require.NoError(t, err)
	assert.Empty(t, entries, "target must be recreated as an empty mount point")
}

func TestMount_ConflictingPathsRejected(t *testing.T) {
	base := t.TempDir()
	target := filepath.Join(base, "target")
	local := filepath.Join(base, "local")
	require.NoError(t, os.MkdirAll(target, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "t.txt"), []byte("t"), 0644))
	require.NoError(t, os.MkdirAll(local, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(local, "l.txt"), []byte("l"), 0644))

	pair := config.MountPairConfig{SyncPairID: "p1", Local: local, Target: target}
	var built []*fakeMount
	m, _ := newTestManager(t, fixedFactory(&built))

	err := m.Mount(context.Background(), pair)
	require.Error(t, err)
	assert.Empty(t, built, "kernel mount must never start once paths conflict")
}

func TestMount_SymlinkTargetRemoved(t *testing.T) {
	base := t.TempDir()
	target := filepath.Join(base, "target")
	local := filepath.Join(base, "local")
	realDir := filepath.Join(base, "elsewhere")
	require.NoError(t, os.MkdirAll(realDir, 0755))
	require.NoError(t, os.Symlink(realDir, target))

	pair := config.MountPairConfig{SyncPairID: "p1", Local: local, Target: target}
	var built []*fakeMount
	m, _ := newTestManager(t, fixedFactory(&built))

	require.NoError(t, m.Mount(context.Background(), pair))
	info, err := os.Lstat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0), info.Mode()&os.ModeSymlink, "symlink must have been replaced by the mount point")
}

func TestUnmount_NotMountedErrors(t *testing.T) {
	var built []*fakeMount
	m, _ := newTestManager(t, fixedFactory(&built))
	err := m.Unmount("missing")
	require.Error(t, err)
}

func TestUnmount_FullSequence(t *testing.T) {
	base := t.TempDir()
	pair := config.MountPairConfig{
		SyncPairID: "p1",
		Local:      filepath.Join(base, "local"),
		Target:     filepath.Join(base, "target"),
	}
	var built []*fakeMount
	var unmountedPair string
	m, _ := newTestManager(t, fixedFactory(&built))
	m.OnUnmounted(func(pair string) { unmountedPair = pair })

	require.NoError(t, m.Mount(context.Background(), pair))
	require.NoError(t, m.Unmount("p1"))

	_, ok := m.Get("p1")
	assert.False(t, ok)
	assert.Equal(t, "p1", unmountedPair)
	assert.False(t, built[0].IsMounted())
}

func TestMount_SetsIndexReadyOnKernelMount(t *testing.T) {
	base := t.TempDir()
	pair := config.MountPairConfig{
		SyncPairID: "p1",
		Local:      filepath.Join(base, "local"),
		Target:     filepath.Join(base, "target"),
	}
	var built []*fakeMount
	m, _ := newTestManager(t, fixedFactory(&built))

	require.NoError(t, m.Mount(context.Background(), pair))

	require.Len(t, built, 1)
	built[0].mu.Lock()
	ready := built[0].indexReady
	built[0].mu.Unlock()
	assert.True(t, ready, "Mount must flip the kernel-side readiness gate, not just the bookkeeping field")
}

func TestSetReadOnly(t *testing.T) {
	base := t.TempDir()
	pair := config.MountPairConfig{
		SyncPairID: "p1",
		Local:      filepath.Join(base, "local"),
		Target:     filepath.Join(base, "target"),
	}
	var built []*fakeMount
	m, _ := newTestManager(t, fixedFactory(&built))
	require.NoError(t, m.Mount(context.Background(), pair))

	require.NoError(t, m.SetReadOnly("p1", true))

	built[0].mu.Lock()
	ro := built[0].readOnly
	built[0].mu.Unlock()
	assert.True(t, ro)

	mt, ok := m.Get("p1")
	require.True(t, ok)
	assert.True(t, mt.ReadOnly)
}

func TestSetReadOnly_NotMountedErrors(t *testing.T) {
	var built []*fakeMount
	m, _ := newTestManager(t, fixedFactory(&built))
	err := m.SetReadOnly("missing", true)
	require.Error(t, err)
}

func TestSetExternalOnline(t *testing.T) {
	base := t.TempDir()
	pair := config.MountPairConfig{
		SyncPairID: "p1",
		Local:      filepath.Join(base, "local"),
		Target:     filepath.Join(base, "target"),
	}
	var built []*fakeMount
	m, _ := newTestManager(t, fixedFactory(&built))
	require.NoError(t, m.Mount(context.Background(), pair))

	require.NoError(t, m.SetExternalOnline("p1", false))

	built[0].mu.Lock()
	online := built[0].externalOnline
	built[0].mu.Unlock()
	assert.False(t, online)

	mt, ok := m.Get("p1")
	require.True(t, ok)
	assert.False(t, mt.ExternalOnline)
}

func TestSetIndexReady(t *testing.T) {
	base := t.TempDir()
	pair := config.MountPairConfig{
		SyncPairID: "p1",
		Local:      filepath.Join(base, "local"),
		Target:     filepath.Join(base, "target"),
	}
	var built []*fakeMount
	m, _ := newTestManager(t, fixedFactory(&built))
	require.NoError(t, m.Mount(context.Background(), pair))

	require.NoError(t, m.SetIndexReady("p1", false))

	built[0].mu.Lock()
	ready := built[0].indexReady
	built[0].mu.Unlock()
	assert.False(t, ready)

	mt, ok := m.Get("p1")
	require.True(t, ok)
	assert.False(t, mt.IndexReady)
}

func TestUpdateExternal(t *testing.T) {
	base := t.TempDir()
	newExternal := filepath.Join(base, "new-external")
	require.NoError(t, os.MkdirAll(newExternal, 0755))
	pair := config.MountPairConfig{
		SyncPairID: "p1",
		Local:      filepath.Join(base, "local"),
		Target:     filepath.Join(base, "target"),
	}
	var built []*fakeMount
	m, _ := newTestManager(t, fixedFactory(&built))
	require.NoError(t, m.Mount(context.Background(), pair))

	require.NoError(t, m.UpdateExternal("p1", newExternal))

	built[0].mu.Lock()
	path := built[0].externalPath
	online := built[0].externalOnline
	built[0].mu.Unlock()
	assert.Equal(t, newExternal, path)
	assert.True(t, online)

	mt, ok := m.Get("p1")
	require.True(t, ok)
	assert.Equal(t, newExternal, mt.ExternalDir)
	assert.True(t, mt.ExternalOnline)
}

func TestUpdateExternal_NotMountedErrors(t *testing.T) {
	var built []*fakeMount
	m, _ := newTestManager(t, fixedFactory(&built))
	err := m.UpdateExternal("missing", "/tmp")
	require.Error(t, err)
}

func TestRecover_ExhaustsAttemptsMarksError(t *testing.T) {
	base := t.TempDir()
	pair := config.MountPairConfig{
		SyncPairID: "p1",
		Local:      filepath.Join(base, "local"),
		Target:     filepath.Join(base, "target"),
	}
	var built []*fakeMount
	m, _ := newTestManager(t, fixedFactory(&built))
	require.NoError(t, m.Mount(context.Background(), pair))

	m.mu.Lock()
	liveMt := m.mounts["p1"]
	m.mu.Unlock()
	require.NotNil(t, liveMt)

	m.recover(context.Background(), pair, liveMt, maxRecoveryAttempts)

	m.mu.Lock()
	state := liveMt.State
	m.mu.Unlock()
	assert.Equal(t, "error", state)
}
