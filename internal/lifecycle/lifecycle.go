// Package lifecycle drives the mount lifecycle (spec §4.7, C7): taking over
// a pre-existing target directory, starting the kernel mount, protecting
// the back-end directories from direct access, building the index, and
// tearing everything down again cleanly on unmount. Grounded on the
// teacher's internal/fuse/mount.go MountManager (Mount/Unmount/IsMounted,
// /proc/mounts probing, forceUnmount) and internal/adapter/adapter.go's
// ordered Start/Stop sequencing.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/driftfs/driftfs/internal/circuit"
	"github.com/driftfs/driftfs/internal/config"
	"github.com/driftfs/driftfs/internal/index"
	"github.com/driftfs/driftfs/internal/lockmgr"
	"github.com/driftfs/driftfs/internal/stateset"
	"github.com/driftfs/driftfs/pkg/errors"
)

// KernelMount is the seam between lifecycle and the platform-specific FUSE
// binding (internal/overlayfs). lifecycle never imports go-fuse or cgofuse
// directly; it only needs to start, stop, and observe one.
type KernelMount interface {
	// Mount starts the kernel mount at targetDir in its own goroutine and
	// returns once the mount is visible in the kernel mount table or the
	// readiness wait times out (spec step 5: 1.5s, one retry to 2.5s total).
	Mount(ctx context.Context, targetDir string) error
	// Done is closed when the serve loop exits for any reason, including a
	// clean unmount; Err reports the exit cause (nil for a clean unmount).
	Done() <-chan struct{}
	Err() error
	IsMounted() bool
	Unmount() error

	// The remaining methods back spec §6's control surface: they must be
	// safe to call concurrently with every FUSE callback.
	SetIndexReady(ready bool)
	SetReadOnly(ro bool)
	SetExternalOnline(online bool)
	UpdateExternal(path string) error
}

// KernelMountFactory builds a fresh KernelMount for one sync pair. Supplied
// by the caller (cmd/driftfsctl) so lifecycle stays independent of which
// FUSE binding (go-fuse default build, cgofuse build tag) is in play.
type KernelMountFactory func(pair config.MountPairConfig) (KernelMount, error)

// BackendProtector implements spec step 6: locking LOCAL/EXTERNAL away from
// direct access once the overlay is serving TARGET, and restoring them on
// unmount.
type BackendProtector interface {
	Protect(path string) error
	Unprotect(path string) error
}

// Mount tracks one live sync pair's runtime state (spec §4 MountPoint).
type Mount struct {
	SyncPairID     string
	TargetDir      string
	LocalDir       string
	ExternalDir    string
	ReadOnly       bool
	ExternalOnline bool
	IndexReady     bool
	MountedAt      time.Time
	State          string // "active", "recovering", "error"

	fs       KernelMount
	attempts int
}

// Manager owns the set of currently mounted sync pairs and drives their
// mount/unmount/recovery sequences.
type Manager struct {
	idx       *index.Index
	locks     *lockmgr.Manager
	sets      *stateset.Sets
	protector BackendProtector
	newFS     KernelMountFactory
	snapDir   string
	logger    *slog.Logger

	onMounted   func(Mount)
	onUnmounted func(pair string)

	// breakers guards recovery's remount attempts (recovery.go),
	// one breaker per sync pair, so a target whose remount keeps failing
	// (EXTERNAL unreachable, TARGET busy) trips open and stops burning
	// cooldown cycles on attempts certain to fail.
	breakers *circuit.Manager

	mu     sync.Mutex
	mounts map[string]*Mount
}

// New builds a lifecycle manager. snapDir is where per-pair index snapshots
// are persisted across mounts (spec §4.3's snapshot/incremental rebuild).
func New(idx *index.Index, locks *lockmgr.Manager, sets *stateset.Sets, protector BackendProtector, newFS KernelMountFactory, snapDir string) *Manager {
	return &Manager{
		idx:       idx,
		locks:     locks,
		sets:      sets,
		protector: protector,
		newFS:     newFS,
		snapDir:   snapDir,
		logger:    slog.With("component", "lifecycle"),
		breakers:  circuit.NewManager(circuit.Config{}),
		mounts:    make(map[string]*Mount),
	}
}

// OnMounted registers a callback invoked after a mount completes step 8
// (persist the mount record). Used to wire in the eviction watcher and
// event queue without lifecycle importing either package.
func (m *Manager) OnMounted(fn func(Mount)) { m.onMounted = fn }

// OnUnmounted registers a callback invoked at the start of unmount, before
// the kernel mount is torn down.
func (m *Manager) OnUnmounted(fn func(pair string)) { m.onUnmounted = fn }

func (m *Manager) snapshotPath(pair string) string {
	if m.snapDir == "" {
		return ""
	}
	return filepath.Join(m.snapDir, pair+".snapshot")
}

// Get returns a copy of the live state for pair, if mounted.
func (m *Manager) Get(pair string) (Mount, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.mounts[pair]
	if !ok {
		return Mount{}, false
	}
	return *mt, true
}

// List returns a snapshot of all currently tracked mounts.
func (m *Manager) List() []Mount {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Mount, 0, len(m.mounts))
	for _, mt := range m.mounts {
		out = append(out, *mt)
	}
	return out
}

// Mount executes the mount sequence of spec §4.7 steps 1-8.
func (m *Manager) Mount(ctx context.Context, pair config.MountPairConfig) error {
	m.mu.Lock()
	for _, mt := range m.mounts {
		if mt.TargetDir == pair.Target || mt.SyncPairID == pair.SyncPairID {
			m.mu.Unlock()
			return errors.New(errors.KindAlreadyMounted, "sync pair already mounted").
				WithComponent("lifecycle").WithOperation("mount").WithPath(pair.Target)
		}
	}
	m.mu.Unlock()

	if err := m.reclaimStaleMount(pair.Target); err != nil {
		return err
	}

	if err := m.takeoverTarget(pair.Target, pair.Local); err != nil {
		return err
	}

	if err := os.MkdirAll(pair.Local, 0755); err != nil {
		return errors.New(errors.KindIO, "create local directory").
			WithComponent("lifecycle").WithOperation("mount").WithPath(pair.Local).WithCause(err)
	}
	if err := os.MkdirAll(pair.Target, 0755); err != nil {
		return errors.New(errors.KindIO, "create mount point").
			WithComponent("lifecycle").WithOperation("mount").WithPath(pair.Target).WithCause(err)
	}

	fs, err := m.newFS(pair)
	if err != nil {
		return errors.New(errors.KindMountFailed, "build filesystem").
			WithComponent("lifecycle").WithOperation("mount").WithCause(err)
	}
	if err := fs.Mount(ctx, pair.Target); err != nil {
		return errors.New(errors.KindMountFailed, "kernel mount failed").
			WithComponent("lifecycle").WithOperation("mount").WithPath(pair.Target).WithCause(err)
	}

	if m.protector != nil {
		if err := m.protector.Protect(pair.Local); err != nil {
			m.logger.Warn("backend protection failed", "path", pair.Local, "err", err)
		}
		if pair.External != "" {
			if err := m.protector.Protect(pair.External); err != nil {
				m.logger.Warn("backend protection failed", "path", pair.External, "err", err)
			}
		}
	}

	if err := m.buildIndex(pair); err != nil {
		m.logger.Warn("index build failed, mount continues degraded", "sync_pair_id", pair.SyncPairID, "err", err)
	}
	fs.SetIndexReady(true)
	fs.SetReadOnly(pair.ReadOnly)

	mt := &Mount{
		SyncPairID:     pair.SyncPairID,
		TargetDir:      pair.Target,
		LocalDir:       pair.Local,
		ExternalDir:    pair.External,
		ReadOnly:       pair.ReadOnly,
		ExternalOnline: pair.External == "" || dirAccessible(pair.External),
		IndexReady:     true,
		MountedAt:      time.Now(),
		State:          "active",
		fs:             fs,
	}

	m.mu.Lock()
	m.mounts[pair.SyncPairID] = mt
	m.mu.Unlock()

	go m.supervise(pair, mt)

	if m.onMounted != nil {
		m.onMounted(*mt)
	}
	m.logger.Info("mounted", "sync_pair_id", pair.SyncPairID, "target", pair.Target)
	return nil
}

func (m *Manager) buildIndex(pair config.MountPairConfig) error {
	snap := m.snapshotPath(pair.SyncPairID)
	if snap != "" {
		if err := m.idx.LoadSnapshot(snap); err == nil {
			return m.idx.IncrementalUpdate(pair.SyncPairID, pair.Local, pair.External, pair.ExcludeGlobs)
		}
	}
	return m.idx.FullBuild(pair.SyncPairID, pair.Local, pair.External, pair.ExcludeGlobs)
}

// reclaimStaleMount force-unmounts a lingering kernel mount at target left
// over from a crashed previous run (spec step 2).
func (m *Manager) reclaimStaleMount(target string) error {
	if !isKernelMounted(target) {
		return nil
	}
	m.logger.Warn("stale kernel mount detected, forcing unmount", "target", target)
	return forceUnmount(target)
}

// takeoverTarget implements spec step 3's four cases for a pre-existing
// TARGET directory.
func (m *Manager) takeoverTarget(target, local string) error {
	info, err := os.Lstat(target)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.New(errors.KindIO, "stat target").
			WithComponent("lifecycle").WithOperation("mount").WithPath(target).WithCause(err)
	}

	if info.Mode()&os.ModeSymlink != 0 {
		return os.Remove(target)
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		return errors.New(errors.KindIO, "read target").
			WithComponent("lifecycle").WithOperation("mount").WithPath(target).WithCause(err)
	}
	if len(entries) == 0 {
		return os.Remove(target)
	}

	localEmpty := true
	if localEntries, err := os.ReadDir(local); err == nil {
		localEmpty = len(localEntries) == 0
	}

	if !localEmpty {
		return errors.New(errors.KindConflictingPaths, "target is non-empty and local already has content").
			WithComponent("lifecycle").WithOperation("mount").WithPath(target)
	}

	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return errors.New(errors.KindIO, "prepare local parent").
			WithComponent("lifecycle").WithOperation("mount").WithPath(local).WithCause(err)
	}
	return os.Rename(target, local)
}

// Unmount executes spec §4.7's unmount sequence.
func (m *Manager) Unmount(pair string) error {
	m.mu.Lock()
	mt, ok := m.mounts[pair]
	m.mu.Unlock()
	if !ok {
		return errors.New(errors.KindNotMounted, "sync pair not mounted").
			WithComponent("lifecycle").WithOperation("unmount").WithDetail("sync_pair_id", pair)
	}

	if m.onUnmounted != nil {
		m.onUnmounted(pair)
	}

	if snap := m.snapshotPath(pair); snap != "" {
		if err := m.idx.SaveSnapshot(snap); err != nil {
			m.logger.Warn("snapshot save failed", "sync_pair_id", pair, "err", err)
		}
	}

	mt.State = "unmounting"
	if err := mt.fs.Unmount(); err != nil {
		m.logger.Warn("unmount reported an error, proceeding with teardown anyway", "sync_pair_id", pair, "err", err)
	}
	<-mt.fs.Done()

	if m.protector != nil {
		if err := m.protector.Unprotect(mt.LocalDir); err != nil {
			m.logger.Warn("backend unprotect failed", "path", mt.LocalDir, "err", err)
		}
		if mt.ExternalDir != "" {
			if err := m.protector.Unprotect(mt.ExternalDir); err != nil {
				m.logger.Warn("backend unprotect failed", "path", mt.ExternalDir, "err", err)
			}
		}
	}

	m.mu.Lock()
	delete(m.mounts, pair)
	m.mu.Unlock()

	m.idx.Clear(pair)
	m.sets.ClearAll()

	m.logger.Info("unmounted", "sync_pair_id", pair)
	return nil
}

// getMounted looks up a live mount, returning the spec §7 not-mounted kind
// if it isn't tracked.
func (m *Manager) getMounted(pair string) (*Mount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.mounts[pair]
	if !ok {
		return nil, errors.New(errors.KindNotMounted, "sync pair not mounted").
			WithComponent("lifecycle").WithDetail("sync_pair_id", pair)
	}
	return mt, nil
}

// SetReadOnly implements spec §6's set_read_only.
func (m *Manager) SetReadOnly(pair string, ro bool) error {
	mt, err := m.getMounted(pair)
	if err != nil {
		return err
	}
	mt.fs.SetReadOnly(ro)
	m.mu.Lock()
	mt.ReadOnly = ro
	m.mu.Unlock()
	return nil
}

// SetExternalOnline implements spec §6's set_external_offline (inverted:
// online=false takes EXTERNAL offline).
func (m *Manager) SetExternalOnline(pair string, online bool) error {
	mt, err := m.getMounted(pair)
	if err != nil {
		return err
	}
	mt.fs.SetExternalOnline(online)
	m.mu.Lock()
	mt.ExternalOnline = online
	m.mu.Unlock()
	return nil
}

// SetIndexReady implements spec §6's set_index_ready, mainly useful for
// tests and manual recovery; normal operation flips this automatically at
// the end of the mount sequence.
func (m *Manager) SetIndexReady(pair string, ready bool) error {
	mt, err := m.getMounted(pair)
	if err != nil {
		return err
	}
	mt.fs.SetIndexReady(ready)
	m.mu.Lock()
	mt.IndexReady = ready
	m.mu.Unlock()
	return nil
}

// UpdateExternal implements spec §6's update_external: repoints a live
// mount's EXTERNAL root without unmounting.
func (m *Manager) UpdateExternal(pair, path string) error {
	mt, err := m.getMounted(pair)
	if err != nil {
		return err
	}
	if err := mt.fs.UpdateExternal(path); err != nil {
		return err
	}
	m.mu.Lock()
	mt.ExternalDir = path
	mt.ExternalOnline = path != ""
	m.mu.Unlock()
	return nil
}

func dirAccessible(path string) bool {
	if path == "" {
		return true
	}
	_, err := os.Stat(path)
	return err == nil
}

// isKernelMounted checks /proc/mounts for target, the same source the
// teacher's MountManager.isAlreadyMounted reads.
func isKernelMounted(target string) bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	clean := filepath.Clean(target)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == clean {
			return true
		}
	}
	return false
}
