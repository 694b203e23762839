//go:build !cgofuse

package overlayfs

import (
	"os"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// attrFromStat fills out with the attributes of fi at actualPath,
// normalizing ownership and mode per spec §4.5 policy 5.
func (o *Overlay) attrFromStat(fi os.FileInfo, out *fuse.Attr) {
	st, _ := fi.Sys().(*syscall.Stat_t)

	out.Mode = normalizeMode(fi.Mode(), fi.IsDir())
	out.Size = uint64(fi.Size())
	out.Uid = o.policy.uid
	out.Gid = o.policy.gid
	out.Mtime = uint64(fi.ModTime().Unix())
	out.Mtimensec = uint32(fi.ModTime().Nanosecond())
	out.Ctime = out.Mtime
	out.Ctimensec = out.Mtimensec
	out.Atime = out.Mtime
	out.Atimensec = out.Mtimensec
	if st != nil {
		out.Blocks = uint64(st.Blocks)
		out.Nlink = uint32(st.Nlink)
	}
	if out.Nlink == 0 {
		out.Nlink = 1
	}
}
