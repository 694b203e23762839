package overlayfs

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/driftfs/driftfs/internal/circuit"
	"github.com/driftfs/driftfs/internal/config"
	"github.com/driftfs/driftfs/internal/events"
	"github.com/driftfs/driftfs/internal/index"
	"github.com/driftfs/driftfs/internal/lockmgr"
	"github.com/driftfs/driftfs/internal/pathutil"
	"github.com/driftfs/driftfs/internal/stateset"
	"github.com/driftfs/driftfs/pkg/errors"
	"github.com/driftfs/driftfs/pkg/retry"
)

// Stats tracks filesystem operation statistics, the same exponential
// moving-average-timing idiom the teacher's Stats struct uses. Shared by
// both FUSE bindings.
type Stats struct {
	mu sync.RWMutex

	Lookups int64
	Opens   int64
	Reads   int64
	Writes  int64
	Creates int64
	Deletes int64
	CopyUps int64
	Errors  int64

	BytesRead    int64
	BytesWritten int64

	AvgReadTime   time.Duration
	AvgWriteTime  time.Duration
	AvgLookupTime time.Duration
}

func (s *Stats) recordReadTime(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AvgReadTime = (s.AvgReadTime*9 + d) / 10
}

func (s *Stats) recordWriteTime(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AvgWriteTime = (s.AvgWriteTime*9 + d) / 10
}

func (s *Stats) recordLookupTime(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AvgLookupTime = (s.AvgLookupTime*9 + d) / 10
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *s
	cp.mu = sync.RWMutex{}
	return cp
}

// core holds everything about one mount pair's overlay semantics that does
// not depend on which kernel FUSE binding is driving it: path resolution,
// the index/lock/event-queue/stateset wiring, and the operation counters.
// Overlay (go-fuse build) and CgoOverlay (cgofuse build) each embed a core
// and add only their own mount/unmount/serve-loop plumbing on top, so spec
// §4.5's semantics are implemented exactly once.
type core struct {
	SyncPairID   string
	LocalRoot    string
	ExcludeGlobs []string

	// externalRoot is mutated by UpdateExternal while the mount is live
	// (spec §6 update_external), so every read goes through ExternalRoot().
	externalRoot atomic.Pointer[string]

	idx   *index.Index
	locks *lockmgr.Manager
	sets  *stateset.Sets
	queue *events.Queue

	// extBreaker and extRetryer guard the EXTERNAL-tier calls made through
	// externalOp (copy-up's open, removeChild's mirror remove, rename's
	// mirror rename): a flaky or offline EXTERNAL root trips the breaker and
	// fails fast instead of hanging FUSE callbacks behind five retries.
	extBreaker *circuit.CircuitBreaker
	extRetryer *retry.Retryer

	policy *policy
	stats  *Stats
	logger *slog.Logger
}

// Deps bundles the already-constructed shared components (spec §4: one
// index, one lock manager, one set of state sets, one event queue per
// mount) that every Overlay operation calls into. Shared by both FUSE
// bindings.
type Deps struct {
	Index *index.Index
	Locks *lockmgr.Manager
	Sets  *stateset.Sets
	Queue *events.Queue
}

func newCore(pair config.MountPairConfig, deps Deps) *core {
	c := &core{
		SyncPairID:   pair.SyncPairID,
		LocalRoot:    pair.Local,
		ExcludeGlobs: pair.ExcludeGlobs,
		idx:          deps.Index,
		locks:        deps.Locks,
		sets:         deps.Sets,
		queue:        deps.Queue,
		stats:        &Stats{},
		logger:       slog.With("component", "overlayfs", "sync_pair_id", pair.SyncPairID),
	}
	c.externalRoot.Store(&pair.External)
	c.policy = newPolicy(pair)
	c.extBreaker = circuit.NewCircuitBreaker("external:"+pair.SyncPairID, circuit.Config{})
	c.extRetryer = retry.New(retry.DefaultConfig())
	return c
}

// externalOp runs fn against the EXTERNAL tier through the circuit
// breaker and retry policy shared by copy-up, removal, and rename
// mirroring. fn must translate its error into a *pkg/errors.Error (IO is
// retryable by default) for the retry policy to act on it.
func (c *core) externalOp(fn func() error) error {
	return c.extBreaker.Execute(func() error {
		return c.extRetryer.Do(fn)
	})
}

// ExternalRoot reports the current EXTERNAL root, which UpdateExternal may
// change while the mount is live.
func (c *core) ExternalRoot() string {
	if p := c.externalRoot.Load(); p != nil {
		return *p
	}
	return ""
}

// UpdateExternal implements spec §6's update_external: repoints EXTERNAL at
// a new backing directory without unmounting. An empty path takes EXTERNAL
// offline entirely (same effect as SetExternalOnline(false)).
func (c *core) UpdateExternal(path string) error {
	if path != "" {
		fi, err := os.Stat(path)
		if err != nil {
			return errors.New(errors.KindInvalidArgument, "external root not reachable").
				WithComponent("overlayfs").WithPath(path).WithCause(err)
		}
		if !fi.IsDir() {
			return errors.New(errors.KindNotDirectory, "external root is not a directory").
				WithComponent("overlayfs").WithPath(path)
		}
	}
	c.externalRoot.Store(&path)
	c.policy.externalOnline.Store(path != "")
	return nil
}

// SetIndexReady flips the readiness gate (spec §4.5 policy 1).
func (c *core) SetIndexReady(ready bool) { c.policy.indexReady.Store(ready) }

// SetReadOnly flips the global read-only policy.
func (c *core) SetReadOnly(ro bool) { c.policy.readOnly.Store(ro) }

// SetExternalOnline flips whether EXTERNAL participates in resolution.
func (c *core) SetExternalOnline(online bool) { c.policy.externalOnline.Store(online) }

// GetStats returns a snapshot of the operation counters.
func (c *core) GetStats() Stats { return c.stats.Snapshot() }

// actualStat adapts core to pathutil.ActualStater: presence is a plain
// os.Stat against whichever root, no caching, since the kernel's own
// attr/entry timeout already bounds how often this runs per path.
type actualStat struct{ c *core }

func (s actualStat) LocalExists(vp string) bool {
	_, err := os.Lstat(pathutil.ToLocal(s.c.LocalRoot, vp))
	return err == nil
}

func (s actualStat) ExternalExists(vp string) bool {
	if s.c.ExternalRoot() == "" || !s.c.policy.externalOnline.Load() {
		return false
	}
	_, err := os.Lstat(pathutil.ToExternal(s.c.ExternalRoot(), vp))
	return err == nil
}

// resolve runs spec §4.1's resolve_actual: LOCAL wins unless vp is
// mid-eviction, in which case EXTERNAL is consulted instead so an evicted
// file doesn't briefly reappear from LOCAL.
func (c *core) resolve(vp string) (tier string, actual string) {
	return pathutil.ResolveActual(vp, c.LocalRoot, c.ExternalRoot(), actualStat{c}, c.sets.Evicting)
}

// localPath and externalPath join vp onto the two roots without checking
// existence, used by operations that are about to create the path.
func (c *core) localPath(vp string) string    { return pathutil.ToLocal(c.LocalRoot, vp) }
func (c *core) externalPath(vp string) string { return pathutil.ToExternal(c.ExternalRoot(), vp) }

// mergedReaddir implements spec §4.5's readdir contract: union of LOCAL
// and EXTERNAL entries, minus exclusions and anything under pending_delete,
// de-duplicated by name.
func (c *core) mergedReaddir(vp string) ([]string, error) {
	seen := make(map[string]bool)
	var names []string

	addFrom := func(root string) error {
		if root == "" {
			return nil
		}
		dir := pathutil.ToLocal(root, vp)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		for _, e := range entries {
			name := e.Name()
			if pathutil.ShouldExclude(name, c.ExcludeGlobs) {
				continue
			}
			childVP := pathutil.Normalize(vp + "/" + name)
			if c.sets.PendingDelete.Contains(childVP) {
				continue
			}
			if seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
		return nil
	}

	if err := addFrom(c.LocalRoot); err != nil {
		return nil, errors.New(errors.KindIO, "read local directory").
			WithComponent("overlayfs").WithOperation("readdir").WithPath(vp).WithCause(err)
	}
	if c.ExternalRoot() != "" && c.policy.externalOnline.Load() {
		if err := addFrom(c.ExternalRoot()); err != nil {
			c.logger.Warn("external readdir failed, continuing with local entries only", "path", vp, "err", err)
		}
	}

	sort.Strings(names)
	return names, nil
}

// copyUp implements the "copy-up" leg shared by open-for-write, rename,
// and truncate: copy the EXTERNAL file to LOCAL, creating parent
// directories, then flip the index entry to Both/dirty.
func (c *core) copyUp(vp string) error {
	localP := c.localPath(vp)
	if _, err := os.Lstat(localP); err == nil {
		return nil // already local
	}

	externalP := c.externalPath(vp)
	var src *os.File
	if err := c.externalOp(func() error {
		var oerr error
		src, oerr = os.Open(externalP)
		if oerr != nil {
			return errors.New(errors.KindIO, "open external source").WithCause(oerr)
		}
		return nil
	}); err != nil {
		return errors.New(errors.KindIO, "open external source for copy-up").
			WithComponent("overlayfs").WithOperation("copy_up").WithPath(vp).WithCause(err)
	}
	defer func() { _ = src.Close() }()

	if err := os.MkdirAll(filepath.Dir(localP), 0755); err != nil {
		return errors.New(errors.KindIO, "create local parent for copy-up").
			WithComponent("overlayfs").WithOperation("copy_up").WithPath(vp).WithCause(err)
	}

	tmp := localP + ".driftfs-copyup"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.New(errors.KindIO, "create local destination for copy-up").
			WithComponent("overlayfs").WithOperation("copy_up").WithPath(vp).WithCause(err)
	}

	_, copyErr := copyAll(dst, src)
	closeErr := dst.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmp)
		return errors.New(errors.KindIO, "copy-up failed").
			WithComponent("overlayfs").WithOperation("copy_up").WithPath(vp).WithCause(firstNonNil(copyErr, closeErr))
	}
	if err := os.Rename(tmp, localP); err != nil {
		_ = os.Remove(tmp)
		return errors.New(errors.KindIO, "rename copy-up temp into place").
			WithComponent("overlayfs").WithOperation("copy_up").WithPath(vp).WithCause(err)
	}

	c.stats.mu.Lock()
	c.stats.CopyUps++
	c.stats.mu.Unlock()

	if e, ok := c.idx.Get(c.SyncPairID, vp); ok {
		e.Location = index.Both
		e.IsDirty = true
		e.LocalPath = localP
		_ = c.idx.BatchUpsert([]*index.FileEntry{e})
	} else {
		now := time.Now()
		_ = c.idx.BatchUpsert([]*index.FileEntry{{
			SyncPairID: c.SyncPairID, VirtualPath: vp, LocalPath: localP, ExternalPath: externalP,
			Location: index.Both, IsDirty: true, CreatedAt: now, ModifiedAt: now, AccessedAt: now,
			LockState: index.Unlocked,
		}})
	}
	return nil
}

func copyAll(dst *os.File, src *os.File) (int64, error) {
	buf := make([]byte, 256*1024)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}

func firstNonNil(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// errnoFor maps a *pkg/errors.Error (or any error) to the syscall.Errno
// every FUSE callback must return.
func errnoFor(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	type errnoer interface{ Errno() syscall.Errno }
	if e, ok := err.(errnoer); ok {
		return e.Errno()
	}
	return syscall.EIO
}

// gate implements spec §4.5 policy 1, the readiness gate. rootAllowed lets
// root-level getattr/readdir through before the index is ready per the
// spec's explicit carve-out.
func (c *core) gate(rootAllowed bool) syscall.Errno {
	if !c.policy.indexReady.Load() && !rootAllowed {
		return syscall.EBUSY
	}
	return 0
}

// checkDepth implements spec §4.5 policy 2, the depth guard, against a
// virtual path about to be resolved or created.
func (c *core) checkDepth(vp string) syscall.Errno {
	return errnoFor(c.policy.checkDepth(vp))
}

func (c *core) pushEvent(kind events.Kind, vp string, isDir bool) {
	if c.queue == nil {
		return
	}
	c.queue.Push(events.Event{Kind: kind, Path: vp, IsDir: isDir})
}

func (c *core) pushEvent2(kind events.Kind, vp, vp2 string) {
	if c.queue == nil {
		return
	}
	c.queue.Push(events.Event{Kind: kind, Path: vp, Path2: vp2})
}

func (c *core) upsertNewEntry(vp, localP, externalP string, isDir bool) {
	now := time.Now()
	e := &index.FileEntry{
		SyncPairID:  c.SyncPairID,
		VirtualPath: vp,
		LocalPath:   localP,
		Location:    index.LocalOnly,
		IsDirectory: isDir,
		IsDirty:     true,
		CreatedAt:   now,
		ModifiedAt:  now,
		AccessedAt:  now,
		LockState:   index.Unlocked,
	}
	_ = c.idx.BatchUpsert([]*index.FileEntry{e})
}

// removeChild implements spec §4.5's five-step unlink/rmdir protocol,
// shared by Unlink and Rmdir on both FUSE bindings.
func (c *core) removeChild(vp string, isDir bool) syscall.Errno {
	if c.sets.Syncing.Contains(vp) {
		return syscall.EBUSY
	}
	if errno := c.gate(false); errno != 0 {
		return errno
	}
	if errno := errnoFor(c.policy.checkWritable()); errno != 0 {
		return errno
	}

	c.sets.PendingDelete.Add(vp)
	c.pushEvent(events.Deleted, vp, isDir)

	c.stats.mu.Lock()
	c.stats.Deletes++
	c.stats.mu.Unlock()

	localErr := os.Remove(c.localPath(vp))

	externalOK := true
	if c.ExternalRoot() != "" {
		externalP := c.externalPath(vp)
		err := c.externalOp(func() error {
			if rerr := os.Remove(externalP); rerr != nil && !os.IsNotExist(rerr) {
				return errors.New(errors.KindIO, "remove external mirror").WithCause(rerr)
			}
			return nil
		})
		if err != nil {
			externalOK = false
		}
	}

	if externalOK {
		c.sets.PendingDelete.Remove(vp)
	}
	_ = c.idx.BatchRemove(c.SyncPairID, []string{vp})

	if localErr != nil && !os.IsNotExist(localErr) {
		return syscall.EIO
	}
	return 0
}

// mirrorRename best-effort mirrors a rename onto EXTERNAL, shared by
// dirNode.Rename and CgoOverlay.Rename. The LOCAL rename has already
// succeeded by the time this runs, so failures here are swallowed: the
// next sync pass reconciles EXTERNAL against the index.
func (c *core) mirrorRename(srcVP, dstVP string) {
	if c.ExternalRoot() == "" || !c.policy.externalOnline.Load() {
		return
	}
	srcExternal := c.externalPath(srcVP)
	dstExternal := c.externalPath(dstVP)
	if _, err := os.Lstat(srcExternal); err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(dstExternal), 0755); err != nil {
		return
	}
	_ = c.externalOp(func() error {
		if rerr := os.Rename(srcExternal, dstExternal); rerr != nil {
			return errors.New(errors.KindIO, "rename external mirror").WithCause(rerr)
		}
		return nil
	})
}

// applyStrictAttrs implements the actually-attempt-the-change leg of spec
// §9 open question 3's chmod/chown/utimens tolerance: used by both FUSE
// bindings' setattr handler when StrictPermissions is enabled. Any nil
// pointer argument means "this field wasn't part of the request".
func applyStrictAttrs(actual string, mode *uint32, uid, gid *uint32, atime, mtime *time.Time) error {
	if mode != nil {
		if err := os.Chmod(actual, os.FileMode(*mode&0777)); err != nil {
			return err
		}
	}
	if uid != nil || gid != nil {
		u, g := -1, -1
		if uid != nil {
			u = int(*uid)
		}
		if gid != nil {
			g = int(*gid)
		}
		if err := os.Chown(actual, u, g); err != nil {
			return err
		}
	}
	if mtime != nil {
		at := *mtime
		if atime != nil {
			at = *atime
		}
		if err := os.Chtimes(actual, at, *mtime); err != nil {
			return err
		}
	}
	return nil
}
