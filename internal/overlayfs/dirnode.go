//go:build !cgofuse

package overlayfs

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/driftfs/driftfs/internal/events"
	"github.com/driftfs/driftfs/internal/pathutil"
)

// dirNode represents a directory in the overlay's virtual tree. vpath is
// always the normalized virtual path, never a LOCAL or EXTERNAL one.
type dirNode struct {
	fs.Inode
	ov    *Overlay
	vpath string
}

func (n *dirNode) child(name string) string {
	return pathutil.Normalize(n.vpath + "/" + name)
}

// Lookup resolves one child by name (spec §4.5 getattr contract applied at
// the tree-walk level: miss returns no-entry).
func (n *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	start := time.Now()
	defer func() { n.ov.stats.recordLookupTime(time.Since(start)) }()

	n.ov.stats.mu.Lock()
	n.ov.stats.Lookups++
	n.ov.stats.mu.Unlock()

	if n.vpath == "/" && name == "" {
		return nil, syscall.ENOENT
	}

	if errno := n.ov.gate(false); errno != 0 {
		return nil, errno
	}
	if pathutil.ShouldExclude(name, n.ov.ExcludeGlobs) {
		return nil, syscall.ENOENT
	}

	childVP := n.child(name)
	if errno := n.ov.checkDepth(childVP); errno != 0 {
		return nil, errno
	}
	if n.ov.sets.PendingDelete.Contains(childVP) {
		return nil, syscall.ENOENT
	}

	tier, actual := n.ov.resolve(childVP)
	if tier == "" {
		return nil, syscall.ENOENT
	}

	fi, err := os.Lstat(actual)
	if err != nil {
		return nil, syscall.ENOENT
	}

	n.ov.attrFromStat(fi, &out.Attr)

	var child *fs.Inode
	if fi.IsDir() {
		child = n.NewInode(ctx, &dirNode{ov: n.ov, vpath: childVP}, fs.StableAttr{Mode: syscall.S_IFDIR})
	} else {
		child = n.NewInode(ctx, &fileNode{ov: n.ov, vpath: childVP}, fs.StableAttr{Mode: syscall.S_IFREG})
	}
	return child, 0
}

// Getattr implements spec §4.5's root synthesis and readiness gate: while
// not ready, root reports an empty directory without touching disk.
func (n *dirNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if n.vpath == "/" && !n.ov.policy.indexReady.Load() {
		out.Mode = syscall.S_IFDIR | 0755
		out.Uid = n.ov.policy.uid
		out.Gid = n.ov.policy.gid
		out.Nlink = 2
		return 0
	}
	if errno := n.ov.gate(n.vpath == "/"); errno != 0 {
		return errno
	}

	_, actual := n.ov.resolve(n.vpath)
	if actual == "" && n.vpath == "/" {
		actual = n.ov.LocalRoot
	}
	if actual == "" {
		return syscall.ENOENT
	}
	fi, err := os.Lstat(actual)
	if err != nil {
		return syscall.ENOENT
	}
	n.ov.attrFromStat(fi, &out.Attr)
	return 0
}

// Readdir implements spec §4.5's readdir contract.
func (n *dirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	if !n.ov.policy.indexReady.Load() {
		return fs.NewListDirStream(nil), 0
	}
	if errno := n.ov.gate(false); errno != 0 {
		return nil, errno
	}

	names, err := n.ov.mergedReaddir(n.vpath)
	if err != nil {
		return nil, errnoFor(err)
	}

	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		_, actual := n.ov.resolve(n.child(name))
		mode := uint32(syscall.S_IFREG)
		if actual != "" {
			if fi, statErr := os.Lstat(actual); statErr == nil && fi.IsDir() {
				mode = syscall.S_IFDIR
			}
		}
		entries = append(entries, fuse.DirEntry{Name: name, Mode: mode})
	}
	return fs.NewListDirStream(entries), 0
}

// Mkdir creates a LOCAL-only directory, enqueues a Created event, and
// mirrors spec §4.5's create semantics for directories.
func (n *dirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if errno := n.ov.gate(false); errno != 0 {
		return nil, errno
	}
	if errno := errnoFor(n.ov.policy.checkWritable()); errno != 0 {
		return nil, errno
	}
	if pathutil.ShouldExclude(name, n.ov.ExcludeGlobs) {
		return nil, syscall.EINVAL
	}

	childVP := n.child(name)
	if errno := n.ov.checkDepth(childVP); errno != 0 {
		return nil, errno
	}
	localP := n.ov.localPath(childVP)
	if err := os.Mkdir(localP, 0755); err != nil {
		if os.IsExist(err) {
			return nil, syscall.EEXIST
		}
		return nil, syscall.EIO
	}

	n.ov.pushEvent(events.Created, childVP, true)
	n.ov.upsertNewEntry(childVP, localP, "", true)

	fi, err := os.Lstat(localP)
	if err != nil {
		return nil, syscall.EIO
	}
	n.ov.attrFromStat(fi, &out.Attr)
	return n.NewInode(ctx, &dirNode{ov: n.ov, vpath: childVP}, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
}

// Create writes LOCAL-only (spec §4.5 create contract): an empty file,
// a Created event, location LocalOnly/dirty.
func (n *dirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if errno := n.ov.gate(false); errno != 0 {
		return nil, nil, 0, errno
	}
	if errno := errnoFor(n.ov.policy.checkWritable()); errno != 0 {
		return nil, nil, 0, errno
	}
	if errno := errnoFor(n.ov.policy.acquireOpenSlot()); errno != 0 {
		return nil, nil, 0, errno
	}
	if pathutil.ShouldExclude(name, n.ov.ExcludeGlobs) {
		n.ov.policy.releaseOpenSlot()
		return nil, nil, 0, syscall.EINVAL
	}

	childVP := n.child(name)
	if errno := n.ov.checkDepth(childVP); errno != 0 {
		n.ov.policy.releaseOpenSlot()
		return nil, nil, 0, errno
	}
	localP := n.ov.localPath(childVP)

	f, err := os.OpenFile(localP, int(flags)|os.O_CREATE, 0644)
	if err != nil {
		n.ov.policy.releaseOpenSlot()
		if os.IsExist(err) {
			return nil, nil, 0, syscall.EEXIST
		}
		return nil, nil, 0, syscall.EIO
	}

	n.ov.stats.mu.Lock()
	n.ov.stats.Creates++
	n.ov.stats.mu.Unlock()

	n.ov.pushEvent(events.Created, childVP, false)
	n.ov.upsertNewEntry(childVP, localP, "", false)

	fi, statErr := f.Stat()
	if statErr == nil {
		n.ov.attrFromStat(fi, &out.Attr)
	}

	child := n.NewInode(ctx, &fileNode{ov: n.ov, vpath: childVP}, fs.StableAttr{Mode: syscall.S_IFREG})
	return child, &fileHandle{ov: n.ov, vpath: childVP, f: f}, 0, 0
}

// Unlink implements spec §4.5's unlink/rmdir protocol.
func (n *dirNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.ov.removeChild(n.child(name), false)
}

// Rmdir follows the same protocol as Unlink.
func (n *dirNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.ov.removeChild(n.child(name), true)
}

// Rename implements spec §4.5's rename contract: copy-up the source if it
// is EXTERNAL-only, rename LOCAL, best-effort mirror on EXTERNAL.
func (n *dirNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if errno := n.ov.gate(false); errno != 0 {
		return errno
	}
	if errno := errnoFor(n.ov.policy.checkWritable()); errno != 0 {
		return errno
	}

	np, ok := newParent.(*dirNode)
	if !ok {
		return syscall.EINVAL
	}
	srcVP := n.child(name)
	dstVP := np.child(newName)
	if errno := n.ov.checkDepth(dstVP); errno != 0 {
		return errno
	}

	if n.ov.sets.Syncing.Contains(srcVP) {
		return syscall.EBUSY
	}

	tier, _ := n.ov.resolve(srcVP)
	if tier == "external" {
		if err := n.ov.copyUp(srcVP); err != nil {
			return errnoFor(err)
		}
	}

	srcLocal := n.ov.localPath(srcVP)
	dstLocal := n.ov.localPath(dstVP)
	if err := os.MkdirAll(filepath.Dir(dstLocal), 0755); err != nil {
		return syscall.EIO
	}
	if err := os.Rename(srcLocal, dstLocal); err != nil {
		if os.IsNotExist(err) {
			return syscall.ENOENT
		}
		return syscall.EIO
	}

	n.ov.mirrorRename(srcVP, dstVP)

	n.ov.pushEvent2(events.Renamed, srcVP, dstVP)
	return 0
}

// Setattr on a directory only ever touches mode/uid/gid/times, which spec
// §4.5 says to tolerate as no-ops that still report success.
func (n *dirNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	return n.ov.tolerantSetattr(n.vpath, in, out)
}

func (n *dirNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	return n.ov.getxattr(n.vpath, attr, dest)
}
func (n *dirNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return n.ov.setxattr(n.vpath, attr)
}
func (n *dirNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) { return 0, 0 }
func (n *dirNode) Removexattr(ctx context.Context, attr string) syscall.Errno          { return 0 }

func (n *dirNode) Access(ctx context.Context, mask uint32) syscall.Errno { return 0 }

// Statfs reports LOCAL's filesystem statistics (spec §4.5 statfs contract).
func (n *dirNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	var st syscall.Statfs_t
	if err := syscall.Statfs(n.ov.LocalRoot, &st); err != nil {
		return syscall.EIO
	}
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.Bsize = uint32(st.Bsize)
	out.NameLen = uint32(st.Namelen)
	out.Frsize = uint32(st.Frsize)
	return 0
}

