//go:build !cgofuse

package overlayfs

import (
	"context"
	"os"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// fileNode represents a regular file in the overlay's virtual tree.
type fileNode struct {
	fs.Inode
	ov    *Overlay
	vpath string
}

// Open implements spec §4.5's open contract: a write-intent open against
// an EXTERNAL-only file copies it up to LOCAL first; the handle always
// ends up on the LOCAL path.
func (n *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if errno := n.ov.gate(false); errno != 0 {
		return nil, 0, errno
	}

	wantsWrite := flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0
	if wantsWrite {
		if errno := errnoFor(n.ov.policy.checkWritable()); errno != 0 {
			return nil, 0, errno
		}
	}

	if errno := errnoFor(n.ov.policy.acquireOpenSlot()); errno != 0 {
		return nil, 0, errno
	}

	tier, actual := n.ov.resolve(n.vpath)
	if tier == "" {
		n.ov.policy.releaseOpenSlot()
		return nil, 0, syscall.ENOENT
	}

	if tier == "external" && wantsWrite {
		if err := n.ov.copyUp(n.vpath); err != nil {
			n.ov.policy.releaseOpenSlot()
			return nil, 0, errnoFor(err)
		}
		actual = n.ov.localPath(n.vpath)
	}

	f, err := os.OpenFile(actual, int(flags), 0644)
	if err != nil {
		n.ov.policy.releaseOpenSlot()
		return nil, 0, syscall.EIO
	}

	n.ov.stats.mu.Lock()
	n.ov.stats.Opens++
	n.ov.stats.mu.Unlock()

	return &fileHandle{ov: n.ov, vpath: n.vpath, f: f}, 0, 0
}

// Getattr resolves the actual path and reports normalized attributes
// (spec §4.5 policy 5).
func (n *fileNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if errno := n.ov.gate(false); errno != 0 {
		return errno
	}
	_, actual := n.ov.resolve(n.vpath)
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

// Setattr handles truncate (via Size) and tolerates chmod/chown/utimens
// as successful no-ops per spec §4.5.
func (n *fileNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if errno := errnoFor(n.ov.policy.checkWritable()); errno != 0 {
			return errno
		}
		if n.ov.sets.Syncing.Contains(n.vpath) {
			return syscall.EBUSY
		}
		tier, _ := n.ov.resolve(n.vpath)
		if tier == "external" {
			if err := n.ov.copyUp(n.vpath); err != nil {
				return errnoFor(err)
			}
		}
		if err := os.Truncate(n.ov.localPath(n.vpath), int64(size)); err != nil {
			return syscall.EIO
		}
	}
	return n.ov.tolerantSetattr(n.vpath, in, out)
}

func (n *fileNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	return n.ov.getxattr(n.vpath, attr, dest)
}
func (n *fileNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return n.ov.setxattr(n.vpath, attr)
}
func (n *fileNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) { return 0, 0 }
func (n *fileNode) Removexattr(ctx context.Context, attr string) syscall.Errno          { return 0 }

// tolerantSetattr implements spec §4.5 / §9 open question 3: by default
// chmod/chown/utimens always succeed, even when the underlying filesystem
// would refuse, since the overlay reports ownership/mode itself and
// doesn't honor the kernel's request for a different one. Apple-double
// xattr traffic depends on this to keep Finder-style copies flowing. When
// strict permissions is on, the requested change is actually attempted
// against LOCAL and its errno (if any) is propagated instead.
func (o *Overlay) tolerantSetattr(vp string, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	_, actual := o.resolve(vp)
	if actual == "" {
		return syscall.ENOENT
	}

	if o.policy.strictPermissions {
		if mode, ok := in.GetMode(); ok {
			if err := os.Chmod(actual, os.FileMode(mode&0777)); err != nil {
				return errnoFromOS(err)
			}
		}
		if uid, ok := in.GetUID(); ok {
			gid := -1
			if g, ok := in.GetGID(); ok {
				gid = int(g)
			}
			if err := os.Chown(actual, int(uid), gid); err != nil {
				return errnoFromOS(err)
			}
		} else if gid, ok := in.GetGID(); ok {
			if err := os.Chown(actual, -1, int(gid)); err != nil {
				return errnoFromOS(err)
			}
		}
		if mtime, ok := in.GetMTime(); ok {
			atime := mtime
			if a, ok := in.GetATime(); ok {
				atime = a
			}
			if err := os.Chtimes(actual, atime, mtime); err != nil {
				return errnoFromOS(err)
			}
		}
	}

	fi, err := os.Lstat(actual)
	if err != nil {
		return syscall.ENOENT
	}
	o.attrFromStat(fi, &out.Attr)
	return 0
}

// errnoFromOS unwraps a *os.PathError-style error to its syscall.Errno,
// falling back to EIO when the cause isn't a plain errno.
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

// getxattr always reports success for Apple-double namespace probes and
// ENODATA (treated as a miss, not an error) for everything else, since
// this overlay carries no extended attribute store of its own.
func (o *Overlay) getxattr(vp, attr string, dest []byte) (uint32, syscall.Errno) {
	if strings.HasPrefix(attr, "com.apple.") {
		return 0, 0
	}
	return 0, syscall.ENODATA
}

func (o *Overlay) setxattr(vp, attr string) syscall.Errno {
	if strings.HasPrefix(attr, "com.apple.") {
		return 0
	}
	return 0
}
