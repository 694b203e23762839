//go:build !cgofuse

package overlayfs

import (
	"os"
	"sync"
	"syscall"
	"time"

	"context"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/driftfs/driftfs/internal/events"
)

// fileHandle is the open-file state returned from Open/Create, grounded
// on the teacher's OpenFile/FileHandle split but pointing at a real LOCAL
// *os.File instead of a backend read/write-buffer pair.
type fileHandle struct {
	ov    *Overlay
	vpath string

	mu sync.Mutex
	f  *os.File
}

var _ fs.FileReader = (*fileHandle)(nil)
var _ fs.FileWriter = (*fileHandle)(nil)
var _ fs.FileFlusher = (*fileHandle)(nil)
var _ fs.FileReleaser = (*fileHandle)(nil)
var _ fs.FileFsyncer = (*fileHandle)(nil)

// Read implements spec §4.5's read contract: pread on the open handle, no
// fallback to reopen.
func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	start := time.Now()
	defer func() { h.ov.stats.recordReadTime(time.Since(start)) }()

	h.mu.Lock()
	f := h.f
	h.mu.Unlock()
	if f == nil {
		return nil, syscall.EBADF
	}

	n, err := f.ReadAt(dest, off)
	if err != nil && n == 0 {
		return nil, syscall.EIO
	}

	h.ov.stats.mu.Lock()
	h.ov.stats.Reads++
	h.ov.stats.BytesRead += int64(n)
	h.ov.stats.mu.Unlock()

	if h.ov.queue != nil {
		h.ov.pushEvent(events.Read, h.vpath, false)
	}
	if h.ov.readAhead != nil {
		h.ov.readAhead.OnRead(h.vpath, off, int64(n))
	}

	return fuse.ReadResultData(dest[:n]), 0
}

// Write implements spec §4.5's write contract: refuse with busy if the
// path is mid-sync, pwrite on the open handle, reopening LOCAL on demand
// if the handle was lost.
func (h *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	start := time.Now()
	defer func() { h.ov.stats.recordWriteTime(time.Since(start)) }()

	if h.ov.sets.Syncing.Contains(h.vpath) {
		return 0, syscall.EBUSY
	}
	if errno := errnoFor(h.ov.policy.checkWritable()); errno != 0 {
		return 0, errno
	}

	h.mu.Lock()
	if h.f == nil {
		f, err := os.OpenFile(h.ov.localPath(h.vpath), os.O_RDWR, 0644)
		if err != nil {
			h.mu.Unlock()
			return 0, syscall.EIO
		}
		h.f = f
	}
	f := h.f
	h.mu.Unlock()

	n, err := f.WriteAt(data, off)
	if err != nil {
		return uint32(n), syscall.EIO
	}

	h.ov.stats.mu.Lock()
	h.ov.stats.Writes++
	h.ov.stats.BytesWritten += int64(n)
	h.ov.stats.mu.Unlock()

	_ = h.ov.idx.MarkDirty(h.ov.SyncPairID, h.vpath, true)
	h.ov.pushEvent(events.Written, h.vpath, false)

	return uint32(n), 0
}

// Flush fsyncs the handle's data to LOCAL on every close(2), matching the
// teacher's FileHandle.Flush obligation to surface write errors promptly.
func (h *fileHandle) Flush(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	f := h.f
	h.mu.Unlock()
	if f == nil {
		return 0
	}
	if err := f.Sync(); err != nil {
		return syscall.EIO
	}
	return 0
}

// Fsync implements explicit fsync(2)/fdatasync(2) passthrough to LOCAL.
func (h *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return h.Flush(ctx)
}

// Release closes the handle and frees its concurrent-open slot.
func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	f := h.f
	h.f = nil
	h.mu.Unlock()

	h.ov.policy.releaseOpenSlot()
	if f == nil {
		return 0
	}
	if err := f.Close(); err != nil {
		return syscall.EIO
	}
	return 0
}
