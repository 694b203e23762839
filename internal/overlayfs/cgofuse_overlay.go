//go:build cgofuse

// Package overlayfs, cgofuse build: the same spec §4.5 semantics as the
// default go-fuse build, against winfsp/cgofuse's fuse.FileSystemInterface
// instead, so the mount also works cross-platform (macOS via macFUSE,
// Windows via WinFsp). Grounded on the teacher's
// internal/fuse/cgofuse_filesystem.go (CgoFuseFS: FileSystemBase embed,
// fh-keyed openFiles map, host.Mount in its own goroutine) and
// cgofuse_mount.go, with every operation body rewritten against
// LOCAL/EXTERNAL directory resolution instead of an S3 backend. Domain
// logic (path resolution, index/lock/event-queue wiring, policy checks,
// unlink/rmdir protocol) is shared with the go-fuse build through *core;
// this file only adds the cgofuse-specific node-less, fh-table binding.
package overlayfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/driftfs/driftfs/internal/config"
	"github.com/driftfs/driftfs/internal/events"
	"github.com/driftfs/driftfs/internal/pathutil"
)

// cgoHandle is the fh-table entry cgofuse's uint64 handles resolve to,
// mirroring the teacher's OpenFile but pointing at a real LOCAL *os.File.
type cgoHandle struct {
	vpath string
	f     *os.File
}

// CgoOverlay is the FUSE-facing filesystem for one sync pair, built on
// winfsp/cgofuse. It satisfies internal/lifecycle.KernelMount exactly like
// the default Overlay, and fuse.FileSystemInterface via the embedded
// fuse.FileSystemBase plus the operation overrides below.
type CgoOverlay struct {
	*core
	fuse.FileSystemBase

	readAhead *ReadAheadManager

	mu         sync.Mutex
	handles    map[uint64]*cgoHandle
	nextHandle uint64

	host     *fuse.FileSystemHost
	done     chan struct{}
	doneOnce sync.Once
	err      error
	wantDown atomic.Bool
	mounted  atomic.Bool
}

// NewCgoOverlay builds a CgoOverlay for one mount pair; the cgofuse-tagged
// counterpart to New.
func NewCgoOverlay(pair config.MountPairConfig, deps Deps) *CgoOverlay {
	return &CgoOverlay{
		core:    newCore(pair, deps),
		handles: make(map[uint64]*cgoHandle),
		done:    make(chan struct{}),
	}
}

// New is the cgofuse build's KernelMountFactory entry point, mirroring the
// default build's New so cmd/driftfsctl's factory closure compiles
// unchanged under either build tag.
func New(pair config.MountPairConfig, deps Deps) *CgoOverlay {
	return NewCgoOverlay(pair, deps)
}

func (o *CgoOverlay) EnableReadAhead(prefetcher Prefetcher) {
	o.readAhead = NewReadAheadManager(o.core, prefetcher, defaultReadAheadConfig())
}

func (o *CgoOverlay) StopReadAhead() {
	if o.readAhead != nil {
		o.readAhead.Stop()
	}
}

// Mount starts the cgofuse host in its own goroutine (spec §4.7 step 5),
// with the same volume-name-from-TARGET-basename and allow-other options
// as the go-fuse build, then waits for the kernel mount table entry.
func (o *CgoOverlay) Mount(ctx context.Context, targetDir string) error {
	o.host = fuse.NewFileSystemHost(o)
	o.host.SetCapReaddirPlus(false)

	opts := []string{
		"-o", "fsname=driftfs",
		"-o", "allow_other",
		"-o", "default_permissions",
	}
	if runtime.GOOS == "darwin" {
		opts = append(opts, "-o", "volname="+filepath.Base(targetDir))
	}

	go func() {
		ok := o.host.Mount(targetDir, opts)
		o.mounted.Store(false)
		o.mu.Lock()
		if !ok && o.err == nil {
			o.err = fmt.Errorf("cgofuse mount %s returned false", targetDir)
		}
		if !o.wantDown.Load() && o.err == nil {
			o.err = fmt.Errorf("cgofuse serve loop for %s exited unexpectedly", targetDir)
		}
		o.mu.Unlock()
		o.doneOnce.Do(func() { close(o.done) })
	}()

	o.mounted.Store(true)
	return waitMounted(ctx, targetDir, 1500*time.Millisecond, 2500*time.Millisecond)
}

func (o *CgoOverlay) Done() <-chan struct{} { return o.done }

func (o *CgoOverlay) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

func (o *CgoOverlay) IsMounted() bool { return o.mounted.Load() }

func (o *CgoOverlay) Unmount() error {
	o.wantDown.Store(true)
	if o.host == nil {
		return nil
	}
	if !o.host.Unmount() {
		return fmt.Errorf("cgofuse unmount failed")
	}
	return nil
}

func (o *CgoOverlay) allocHandle(vpath string, f *os.File) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextHandle++
	h := o.nextHandle
	o.handles[h] = &cgoHandle{vpath: vpath, f: f}
	return h
}

func (o *CgoOverlay) handleFor(fh uint64) *cgoHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handles[fh]
}

func (o *CgoOverlay) dropHandle(fh uint64) *cgoHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := o.handles[fh]
	delete(o.handles, fh)
	return h
}

func vp(path string) string { return pathutil.Normalize(path) }

// fillStat mirrors attrFromStat, against cgofuse's fuse.Stat_t instead of
// go-fuse's fuse.Attr.
func (o *CgoOverlay) fillStat(fi os.FileInfo, stat *fuse.Stat_t) {
	st, _ := fi.Sys().(*syscall.Stat_t)
	stat.Mode = normalizeMode(fi.Mode(), fi.IsDir())
	stat.Size = fi.Size()
	stat.Uid = o.policy.uid
	stat.Gid = o.policy.gid
	stat.Nlink = 1
	if fi.IsDir() {
		stat.Nlink = 2
	}
	if st != nil {
		stat.Nlink = uint32(st.Nlink)
	}
	mt := fi.ModTime()
	stat.Mtim.Sec = mt.Unix()
	stat.Mtim.Nsec = int64(mt.Nanosecond())
	stat.Ctim = stat.Mtim
	stat.Atim = stat.Mtim
}

// Getattr implements spec §4.5's getattr contract, including the root
// readiness synthesis the go-fuse build's dirNode.Getattr handles inline.
func (o *CgoOverlay) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	virt := vp(path)
	if virt == "/" && !o.policy.indexReady.Load() {
		stat.Mode = fuse.S_IFDIR | 0755
		stat.Uid = o.policy.uid
		stat.Gid = o.policy.gid
		stat.Nlink = 2
		return 0
	}
	if errno := o.gate(virt == "/"); errno != 0 {
		return -int(errno)
	}
	if errno := o.checkDepth(virt); errno != 0 {
		return -int(errno)
	}

	_, actual := o.resolve(virt)
	if actual == "" && virt == "/" {
		actual = o.LocalRoot
	}
	if actual == "" {
		return -fuse.ENOENT
	}
	fi, err := os.Lstat(actual)
	if err != nil {
		return -fuse.ENOENT
	}
	o.fillStat(fi, stat)
	return 0
}

// Opendir/Releasedir are no-ops: directory listing doesn't need a LOCAL
// file descriptor the way reads/writes do.
func (o *CgoOverlay) Opendir(path string) (int, uint64) { return 0, 0 }
func (o *CgoOverlay) Releasedir(path string, fh uint64) int { return 0 }

// Readdir implements spec §4.5's readdir contract via the shared
// mergedReaddir.
func (o *CgoOverlay) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	virt := vp(path)
	if !o.policy.indexReady.Load() {
		fill(".", nil, 0)
		fill("..", nil, 0)
		return 0
	}
	if errno := o.gate(false); errno != 0 {
		return -int(errno)
	}

	fill(".", nil, 0)
	fill("..", nil, 0)

	names, err := o.mergedReaddir(virt)
	if err != nil {
		return -int(errnoFor(err))
	}
	for _, name := range names {
		childVP := pathutil.Normalize(virt + "/" + name)
		_, actual := o.resolve(childVP)
		var stat fuse.Stat_t
		if actual != "" {
			if fi, statErr := os.Lstat(actual); statErr == nil {
				o.fillStat(fi, &stat)
			}
		}
		if !fill(name, &stat, 0) {
			break
		}
	}
	return 0
}

// Mkdir mirrors dirNode.Mkdir: LOCAL-only directory, Created event.
func (o *CgoOverlay) Mkdir(path string, mode uint32) int {
	virt := vp(path)
	if errno := o.gate(false); errno != 0 {
		return -int(errno)
	}
	if errno := errnoFor(o.policy.checkWritable()); errno != 0 {
		return -int(errno)
	}
	if pathutil.ShouldExclude(filepath.Base(virt), o.ExcludeGlobs) {
		return -fuse.EINVAL
	}
	if errno := o.checkDepth(virt); errno != 0 {
		return -int(errno)
	}

	localP := o.localPath(virt)
	if err := os.Mkdir(localP, os.FileMode(mode)|0755); err != nil {
		if os.IsExist(err) {
			return -fuse.EEXIST
		}
		return -fuse.EIO
	}
	o.pushEvent(events.Created, virt, true)
	o.upsertNewEntry(virt, localP, "", true)
	return 0
}

// Create mirrors dirNode.Create: LOCAL-only file, Created event, open
// handle returned in the same call per cgofuse's combined create+open.
func (o *CgoOverlay) Create(path string, flags int, mode uint32) (int, uint64) {
	virt := vp(path)
	if errno := o.gate(false); errno != 0 {
		return -int(errno), 0
	}
	if errno := errnoFor(o.policy.checkWritable()); errno != 0 {
		return -int(errno), 0
	}
	if errno := errnoFor(o.policy.acquireOpenSlot()); errno != 0 {
		return -int(errno), 0
	}
	if pathutil.ShouldExclude(filepath.Base(virt), o.ExcludeGlobs) {
		o.policy.releaseOpenSlot()
		return -fuse.EINVAL, 0
	}
	if errno := o.checkDepth(virt); errno != 0 {
		o.policy.releaseOpenSlot()
		return -int(errno), 0
	}

	localP := o.localPath(virt)
	f, err := os.OpenFile(localP, flags|os.O_CREATE, os.FileMode(mode)|0644)
	if err != nil {
		o.policy.releaseOpenSlot()
		if os.IsExist(err) {
			return -fuse.EEXIST, 0
		}
		return -fuse.EIO, 0
	}

	o.stats.mu.Lock()
	o.stats.Creates++
	o.stats.mu.Unlock()

	o.pushEvent(events.Created, virt, false)
	o.upsertNewEntry(virt, localP, "", false)

	return 0, o.allocHandle(virt, f)
}

// Open implements spec §4.5's open contract: write-intent against an
// EXTERNAL-only file copies it up to LOCAL first.
func (o *CgoOverlay) Open(path string, flags int) (int, uint64) {
	virt := vp(path)
	if errno := o.gate(false); errno != 0 {
		return -int(errno), 0
	}

	wantsWrite := flags&(os.O_WRONLY|os.O_RDWR) != 0
	if wantsWrite {
		if errno := errnoFor(o.policy.checkWritable()); errno != 0 {
			return -int(errno), 0
		}
	}
	if errno := errnoFor(o.policy.acquireOpenSlot()); errno != 0 {
		return -int(errno), 0
	}

	tier, actual := o.resolve(virt)
	if tier == "" {
		o.policy.releaseOpenSlot()
		return -fuse.ENOENT, 0
	}
	if tier == "external" && wantsWrite {
		if err := o.copyUp(virt); err != nil {
			o.policy.releaseOpenSlot()
			return -int(errnoFor(err)), 0
		}
		actual = o.localPath(virt)
	}

	f, err := os.OpenFile(actual, flags, 0644)
	if err != nil {
		o.policy.releaseOpenSlot()
		return -fuse.EIO, 0
	}

	o.stats.mu.Lock()
	o.stats.Opens++
	o.stats.mu.Unlock()

	return 0, o.allocHandle(virt, f)
}

// Read implements spec §4.5's read contract: pread on the open handle.
func (o *CgoOverlay) Read(path string, buff []byte, ofst int64, fh uint64) int {
	start := time.Now()
	defer func() { o.stats.recordReadTime(time.Since(start)) }()

	h := o.handleFor(fh)
	if h == nil || h.f == nil {
		return -fuse.EBADF
	}
	n, err := h.f.ReadAt(buff, ofst)
	if err != nil && n == 0 {
		return -fuse.EIO
	}

	o.stats.mu.Lock()
	o.stats.Reads++
	o.stats.BytesRead += int64(n)
	o.stats.mu.Unlock()

	o.pushEvent(events.Read, h.vpath, false)
	if o.readAhead != nil {
		o.readAhead.OnRead(h.vpath, ofst, int64(n))
	}
	return n
}

// Write implements spec §4.5's write contract.
func (o *CgoOverlay) Write(path string, buff []byte, ofst int64, fh uint64) int {
	start := time.Now()
	defer func() { o.stats.recordWriteTime(time.Since(start)) }()

	h := o.handleFor(fh)
	if h == nil {
		return -fuse.EBADF
	}
	if o.sets.Syncing.Contains(h.vpath) {
		return -fuse.EBUSY
	}
	if errno := errnoFor(o.policy.checkWritable()); errno != 0 {
		return -int(errno)
	}

	n, err := h.f.WriteAt(buff, ofst)
	if err != nil {
		return -fuse.EIO
	}

	o.stats.mu.Lock()
	o.stats.Writes++
	o.stats.BytesWritten += int64(n)
	o.stats.mu.Unlock()

	_ = o.idx.MarkDirty(o.SyncPairID, h.vpath, true)
	o.pushEvent(events.Written, h.vpath, false)
	return n
}

func (o *CgoOverlay) Flush(path string, fh uint64) int {
	h := o.handleFor(fh)
	if h == nil || h.f == nil {
		return 0
	}
	if err := h.f.Sync(); err != nil {
		return -fuse.EIO
	}
	return 0
}

func (o *CgoOverlay) Fsync(path string, datasync bool, fh uint64) int {
	return o.Flush(path, fh)
}

// Release closes the handle and frees its concurrent-open slot.
func (o *CgoOverlay) Release(path string, fh uint64) int {
	h := o.dropHandle(fh)
	o.policy.releaseOpenSlot()
	if h == nil || h.f == nil {
		return 0
	}
	if err := h.f.Close(); err != nil {
		return -fuse.EIO
	}
	return 0
}

// Unlink and Rmdir both implement spec §4.5's five-step protocol via the
// shared removeChild.
func (o *CgoOverlay) Unlink(path string) int { return -int(o.removeChild(vp(path), false)) }
func (o *CgoOverlay) Rmdir(path string) int  { return -int(o.removeChild(vp(path), true)) }

// Rename mirrors dirNode.Rename: copy-up an EXTERNAL-only source, rename
// LOCAL, best-effort mirror on EXTERNAL.
func (o *CgoOverlay) Rename(oldpath string, newpath string) int {
	if errno := o.gate(false); errno != 0 {
		return -int(errno)
	}
	if errno := errnoFor(o.policy.checkWritable()); errno != 0 {
		return -int(errno)
	}

	srcVP := vp(oldpath)
	dstVP := vp(newpath)
	if errno := o.checkDepth(dstVP); errno != 0 {
		return -int(errno)
	}
	if o.sets.Syncing.Contains(srcVP) {
		return -fuse.EBUSY
	}

	tier, _ := o.resolve(srcVP)
	if tier == "external" {
		if err := o.copyUp(srcVP); err != nil {
			return -int(errnoFor(err))
		}
	}

	srcLocal := o.localPath(srcVP)
	dstLocal := o.localPath(dstVP)
	if err := os.MkdirAll(filepath.Dir(dstLocal), 0755); err != nil {
		return -fuse.EIO
	}
	if err := os.Rename(srcLocal, dstLocal); err != nil {
		if os.IsNotExist(err) {
			return -fuse.ENOENT
		}
		return -fuse.EIO
	}

	o.mirrorRename(srcVP, dstVP)

	o.pushEvent2(events.Renamed, srcVP, dstVP)
	return 0
}

// Truncate handles the Size leg of spec §4.5's setattr contract.
func (o *CgoOverlay) Truncate(path string, size int64, fh uint64) int {
	virt := vp(path)
	if errno := errnoFor(o.policy.checkWritable()); errno != 0 {
		return -int(errno)
	}
	if o.sets.Syncing.Contains(virt) {
		return -fuse.EBUSY
	}
	tier, _ := o.resolve(virt)
	if tier == "external" {
		if err := o.copyUp(virt); err != nil {
			return -int(errnoFor(err))
		}
	}
	if err := os.Truncate(o.localPath(virt), size); err != nil {
		return -fuse.EIO
	}
	return 0
}

// Chmod, Chown, and Utimens implement spec §9 open question 3's tolerance:
// succeed unconditionally unless strict permissions is on, in which case
// the change is actually attempted against LOCAL via applyStrictAttrs.
func (o *CgoOverlay) Chmod(path string, mode uint32) int {
	if !o.policy.strictPermissions {
		return 0
	}
	_, actual := o.resolve(vp(path))
	if actual == "" {
		return -fuse.ENOENT
	}
	if err := applyStrictAttrs(actual, &mode, nil, nil, nil, nil); err != nil {
		return -int(errnoFromOS(err))
	}
	return 0
}

func (o *CgoOverlay) Chown(path string, uid uint32, gid uint32) int {
	if !o.policy.strictPermissions {
		return 0
	}
	_, actual := o.resolve(vp(path))
	if actual == "" {
		return -fuse.ENOENT
	}
	var uidp, gidp *uint32
	if uid != ^uint32(0) {
		uidp = &uid
	}
	if gid != ^uint32(0) {
		gidp = &gid
	}
	if err := applyStrictAttrs(actual, nil, uidp, gidp, nil, nil); err != nil {
		return -int(errnoFromOS(err))
	}
	return 0
}

func (o *CgoOverlay) Utimens(path string, tmsp []fuse.Timespec) int {
	if !o.policy.strictPermissions {
		return 0
	}
	_, actual := o.resolve(vp(path))
	if actual == "" {
		return -fuse.ENOENT
	}
	if len(tmsp) < 2 {
		return 0
	}
	atime := time.Unix(tmsp[0].Sec, tmsp[0].Nsec)
	mtime := time.Unix(tmsp[1].Sec, tmsp[1].Nsec)
	if err := applyStrictAttrs(actual, nil, nil, nil, &atime, &mtime); err != nil {
		return -int(errnoFromOS(err))
	}
	return 0
}

// Access always succeeds; permission decisions are the responsibility of
// the normalized uid/gid/mode getattr reports, not a separate check.
func (o *CgoOverlay) Access(path string, mask uint32) int { return 0 }

// Getxattr/Setxattr tolerate Apple-double namespace probes the same way
// the go-fuse build's getxattr/setxattr helpers do.
func (o *CgoOverlay) Getxattr(path string, name string) (int, []byte) {
	if strings.HasPrefix(name, "com.apple.") {
		return 0, nil
	}
	return -fuse.ENODATA, nil
}

func (o *CgoOverlay) Setxattr(path string, name string, value []byte, flags int) int {
	return 0
}

// Statfs reports LOCAL's filesystem statistics.
func (o *CgoOverlay) Statfs(path string, stat *fuse.Statfs_t) int {
	var st syscall.Statfs_t
	if err := syscall.Statfs(o.LocalRoot, &st); err != nil {
		return -fuse.EIO
	}
	stat.Blocks = st.Blocks
	stat.Bfree = st.Bfree
	stat.Bavail = st.Bavail
	stat.Files = st.Files
	stat.Ffree = st.Ffree
	stat.Bsize = uint64(st.Bsize)
	stat.Namemax = uint64(st.Namelen)
	stat.Frsize = uint64(st.Frsize)
	return 0
}

// errnoFromOS unwraps a *os.PathError-style error to its syscall.Errno,
// falling back to EIO when the cause isn't a plain errno. Duplicated here
// because filenode.go is excluded from the cgofuse build; the unwrap logic
// is identical to filenode.go's errnoFromOS.
func errnoFromOS(err error) syscall.Errno {
	if errno, ok := err.(syscall.Errno); ok {
		return errno
	}
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		err = u.Unwrap()
		if errno, ok := err.(syscall.Errno); ok {
			return errno
		}
	}
	return syscall.EIO
}
