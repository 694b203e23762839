package overlayfs

import (
	"os"
	"sync/atomic"
	"syscall"

	"github.com/driftfs/driftfs/internal/config"
	"github.com/driftfs/driftfs/internal/pathutil"
	"github.com/driftfs/driftfs/pkg/errors"
)

// policy bundles the five global policies of spec §4.5: the readiness
// gate, the concurrent-open cap, read-only mode, external-online state,
// and the uid/gid/mode an attr response is always normalized to.
type policy struct {
	uid uint32
	gid uint32

	openCap   int32
	openCount atomic.Int32

	indexReady     atomic.Bool
	readOnly       atomic.Bool
	externalOnline atomic.Bool

	// strictPermissions governs chmod/chown/utimens/xattr tolerance (spec
	// §9 open question 3): false (default) reports success unconditionally
	// per the spec text; true propagates the underlying errno instead.
	strictPermissions bool
}

func newPolicy(pair config.MountPairConfig) *policy {
	p := &policy{
		uid:               uint32(os.Getuid()),
		gid:               uint32(os.Getgid()),
		openCap:           int32(pair.ConcurrentOpenCapOrDefault()),
		strictPermissions: pair.StrictPermissions,
	}
	p.readOnly.Store(pair.ReadOnly)
	p.externalOnline.Store(pair.External != "")
	return p
}

// checkReady implements policy 1: everything except root getattr/readdir
// is rejected with busy until the index is ready.
func (p *policy) checkReady() error {
	if p.indexReady.Load() {
		return nil
	}
	return errors.New(errors.KindBusy, "index not yet ready").WithComponent("overlayfs")
}

// checkDepth implements policy 2.
func (p *policy) checkDepth(vp string) error {
	return pathutil.CheckPathDepth(vp)
}

// checkWritable implements policy 4.
func (p *policy) checkWritable() error {
	if p.readOnly.Load() {
		return errors.New(errors.KindReadOnly, "mount is read-only").WithComponent("overlayfs")
	}
	return nil
}

// acquireOpenSlot implements policy 3; release with releaseOpenSlot.
func (p *policy) acquireOpenSlot() error {
	for {
		cur := p.openCount.Load()
		if cur >= p.openCap {
			return errors.New(errors.KindTooManyOpenFiles, "concurrent open cap exceeded").WithComponent("overlayfs")
		}
		if p.openCount.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

func (p *policy) releaseOpenSlot() {
	for {
		cur := p.openCount.Load()
		if cur == 0 {
			return
		}
		if p.openCount.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// normalizeMode implements policy 5 for the mode bits: 0755 for
// directories, 0644 with exec bits preserved for files.
func normalizeMode(underlying os.FileMode, isDir bool) uint32 {
	if isDir {
		return syscall.S_IFDIR | 0755
	}
	mode := uint32(0644)
	if underlying&0111 != 0 {
		mode |= 0111
	}
	return syscall.S_IFREG | mode
}
