//go:build !cgofuse

// Package overlayfs implements the FUSE callback surface (spec §4.5, C5)
// that merges a LOCAL fast tier and an EXTERNAL slow/offline tier into one
// kernel mount. Path resolution comes from internal/pathutil, per-path
// gating from internal/stateset, indexing from internal/index, and
// pessimistic fencing from internal/lockmgr; this package's own job is the
// go-fuse node tree that turns kernel callbacks into calls against those.
//
// Grounded on the teacher's internal/fuse/filesystem.go node-tree shape
// (fs.Inode-embedding FileSystem/DirectoryNode/FileNode/FileHandle), with
// every operation body rewritten against LOCAL/EXTERNAL directory
// resolution instead of an S3 backend. This is the default build; the
// cgofuse-tagged build in cgofuse_overlay.go implements the same
// semantics against the cross-platform winfsp/cgofuse binding instead,
// sharing every path-resolution/index/lock/event concern through the
// *core embedded by both.
package overlayfs

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/driftfs/driftfs/internal/config"
	"github.com/driftfs/driftfs/pkg/errors"
	"github.com/driftfs/driftfs/pkg/retry"
)

// Overlay is the FUSE-facing filesystem for one sync pair, built on
// go-fuse. It satisfies internal/lifecycle.KernelMount so the lifecycle
// manager can drive its mount/unmount/recovery sequence without importing
// go-fuse itself.
type Overlay struct {
	*core

	readAhead *ReadAheadManager

	mu       sync.Mutex
	server   *fuse.Server
	done     chan struct{}
	err      error
	wantDown atomic.Bool
	mounted  atomic.Bool
}

// New builds an Overlay for one mount pair. It does not touch the kernel;
// call Mount to actually bind it.
func New(pair config.MountPairConfig, deps Deps) *Overlay {
	return &Overlay{
		core: newCore(pair, deps),
		done: make(chan struct{}),
	}
}

// EnableReadAhead wires a Prefetcher (internal/eviction.Manager) in so
// sequential EXTERNAL-tier reads get promoted to LOCAL in the background.
func (o *Overlay) EnableReadAhead(prefetcher Prefetcher) {
	o.readAhead = NewReadAheadManager(o.core, prefetcher, defaultReadAheadConfig())
}

// StopReadAhead signals the read-ahead worker pool to exit, if one was
// started; it does not wait for the workers to return.
func (o *Overlay) StopReadAhead() {
	if o.readAhead != nil {
		o.readAhead.Stop()
	}
}

// Root returns the inode tree root, embedding the virtual root "/".
func (o *Overlay) Root() fs.InodeEmbedder {
	return &dirNode{ov: o, vpath: "/"}
}

// Mount starts the kernel mount (spec §4.7 step 5, §6's mount options:
// volume name derived from TARGET basename, allow-other,
// default-permissions, 1s entry/attr/negative timeouts).
func (o *Overlay) Mount(ctx context.Context, targetDir string) error {
	one := time.Second
	opts := &fs.Options{
		EntryTimeout:    &one,
		AttrTimeout:     &one,
		NegativeTimeout: &one,
		MountOptions: fuse.MountOptions{
			FsName:     "driftfs",
			Name:       filepath.Base(targetDir),
			AllowOther: true,
			Options:    []string{"default_permissions"},
		},
	}

	server, err := fs.Mount(targetDir, o.Root(), opts)
	if err != nil {
		return fmt.Errorf("mount %s: %w", targetDir, err)
	}

	o.mu.Lock()
	o.server = server
	o.mu.Unlock()
	o.mounted.Store(true)

	go func() {
		server.Wait()
		o.mounted.Store(false)
		if !o.wantDown.Load() {
			o.mu.Lock()
			o.err = fmt.Errorf("fuse serve loop for %s exited unexpectedly", targetDir)
			o.mu.Unlock()
		}
		close(o.done)
	}()

	return waitMounted(ctx, targetDir, 1500*time.Millisecond, 2500*time.Millisecond)
}

// waitMounted polls /proc/mounts for target's appearance, retrying once at
// a longer budget before giving up and assuming success (spec step 5:
// "on timeout assume success and continue").
func waitMounted(ctx context.Context, target string, firstBudget, totalBudget time.Duration) error {
	if err := pollMounted(ctx, target, firstBudget); err == nil {
		return nil
	} else if ctx.Err() != nil {
		return ctx.Err()
	}
	if remaining := totalBudget - firstBudget; remaining > 0 {
		if err := pollMounted(ctx, target, remaining); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// pollMounted retries isKernelMounted on a fixed 20ms cadence for budget,
// via pkg/retry's busy-error retry path.
func pollMounted(ctx context.Context, target string, budget time.Duration) error {
	const interval = 20 * time.Millisecond
	attempts := int(budget/interval) + 1
	r := retry.New(retry.Config{
		MaxAttempts:     attempts,
		InitialDelay:    interval,
		MaxDelay:        interval,
		Multiplier:      1,
		RetryableErrors: []errors.Kind{errors.KindBusy},
	})
	return r.DoWithContext(ctx, func(ctx context.Context) error {
		if isKernelMounted(target) {
			return nil
		}
		return errors.New(errors.KindBusy, "mount not yet visible in /proc/mounts")
	})
}

// Done is closed when the FUSE serve loop exits, whether from a clean
// Unmount or an abnormal kernel-side failure.
func (o *Overlay) Done() <-chan struct{} { return o.done }

// Err reports the exit cause; nil for a clean, requested unmount.
func (o *Overlay) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// IsMounted reports whether the serve loop is currently running.
func (o *Overlay) IsMounted() bool { return o.mounted.Load() }

// Unmount requests the kernel unmount the TARGET directory.
func (o *Overlay) Unmount() error {
	o.wantDown.Store(true)
	o.mu.Lock()
	server := o.server
	o.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Unmount()
}
