// Package diagnostics implements the leveled logging, signal handling, and
// operation-counter surface of spec §4.9 (C9): info-level log records are
// buffered and flushed on a timer or size threshold, warn/error flush
// immediately; TERM/HUP/INT/USR1/USR2 are installed on mount; and the
// counters collected here feed both the exit postmortem and
// internal/lifecycle's recovery decisions.
//
// Grounded on the teacher's log/slog usage (no buffering layer there, so
// the buffered handler is new code written in slog's own Handler idiom)
// and the signal.Notify(SIGHUP, SIGINT, SIGTERM) pattern common across the
// pack's standalone FUSE daemons (e.g. musclefs's cmd/musclefs/musclefs.go).
package diagnostics

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Snapshot is spec §6's Diagnostics struct: the exit-postmortem and
// liveness-probe payload.
type Snapshot struct {
	IsMounted       bool      `json:"is_mounted"`
	IsLoopRunning   bool      `json:"is_loop_running"`
	ChannelValid    bool      `json:"channel_valid"`
	MacfuseDevCount int       `json:"macfuse_dev_count"`
	TotalOps        int64     `json:"total_ops"`
	LastOpTime      time.Time `json:"last_op_time"`
	LastSignal      string    `json:"last_signal"`
	CbQueued        int64     `json:"cb_queued"`
	CbProcessed     int64     `json:"cb_processed"`
	CbDropped       int64     `json:"cb_dropped"`
	CbPending       int64     `json:"cb_pending"`
}

// Counters tracks the running totals a Snapshot is built from. One
// Counters is shared process-wide, not per mount, matching spec §4.9's
// "total ops" framing.
type Counters struct {
	totalOps    atomic.Int64
	lastOpUnix  atomic.Int64
	cbQueued    atomic.Int64
	cbProcessed atomic.Int64
	cbDropped   atomic.Int64

	lastSignal atomic.Pointer[string]
}

// NewCounters returns a zeroed counter set.
func NewCounters() *Counters { return &Counters{} }

// RecordOp increments the total-operations counter and timestamps it.
func (c *Counters) RecordOp() {
	c.totalOps.Add(1)
	c.lastOpUnix.Store(time.Now().Unix())
}

// RecordQueued, RecordProcessed, and RecordDropped track the event queue's
// own counters (spec §4.6), mirrored here so one postmortem covers both.
func (c *Counters) RecordQueued()    { c.cbQueued.Add(1) }
func (c *Counters) RecordProcessed() { c.cbProcessed.Add(1) }
func (c *Counters) RecordDropped()   { c.cbDropped.Add(1) }

func (c *Counters) recordSignal(sig os.Signal) {
	s := sig.String()
	c.lastSignal.Store(&s)
}

// Snapshot assembles a Snapshot from the counters plus the mount-liveness
// bits the caller (internal/lifecycle) knows about; this package has no
// view of the kernel mount itself.
func (c *Counters) Snapshot(isMounted, isLoopRunning bool) Snapshot {
	var lastSignal string
	if p := c.lastSignal.Load(); p != nil {
		lastSignal = *p
	}
	var lastOpTime time.Time
	if unix := c.lastOpUnix.Load(); unix != 0 {
		lastOpTime = time.Unix(unix, 0)
	}
	queued := c.cbQueued.Load()
	processed := c.cbProcessed.Load()
	dropped := c.cbDropped.Load()
	return Snapshot{
		IsMounted:     isMounted,
		IsLoopRunning: isLoopRunning,
		ChannelValid:  isMounted,
		TotalOps:      c.totalOps.Load(),
		LastOpTime:    lastOpTime,
		LastSignal:    lastSignal,
		CbQueued:      queued,
		CbProcessed:   processed,
		CbDropped:     dropped,
		CbPending:     queued - processed - dropped,
	}
}

// SignalWatcher installs the daemon's signal handlers and routes them to
// caller-supplied callbacks, recording each one on Counters for the
// postmortem.
type SignalWatcher struct {
	counters *Counters
	sigc     chan os.Signal

	OnShutdown func(sig os.Signal) // TERM, INT
	OnReload   func()              // HUP
	OnToggle   func()              // USR1: flip debug logging
	OnDump     func()              // USR2: emit a postmortem snapshot now
}

// NewSignalWatcher builds a watcher; call Start to begin handling.
func NewSignalWatcher(counters *Counters) *SignalWatcher {
	return &SignalWatcher{
		counters: counters,
		sigc:     make(chan os.Signal, 4),
	}
}

// Start installs handlers for TERM/HUP/INT/USR1/USR2 and runs the dispatch
// loop until ctx is canceled.
func (w *SignalWatcher) Start(ctx context.Context) {
	signal.Notify(w.sigc, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		defer signal.Stop(w.sigc)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-w.sigc:
				w.counters.recordSignal(sig)
				switch sig {
				case syscall.SIGTERM, syscall.SIGINT:
					if w.OnShutdown != nil {
						w.OnShutdown(sig)
					}
				case syscall.SIGHUP:
					if w.OnReload != nil {
						w.OnReload()
					}
				case syscall.SIGUSR1:
					if w.OnToggle != nil {
						w.OnToggle()
					}
				case syscall.SIGUSR2:
					if w.OnDump != nil {
						w.OnDump()
					}
				}
			}
		}
	}()
}

const (
	infoBufferBytes = 8 * 1024
	infoFlushPeriod = 2 * time.Second
)

// bufState is the buffer shared by a BufferedHandler and every clone
// WithAttrs/WithGroup produce from it, so a component logger derived via
// slog.With(...) still flushes on the same 2 s ticker as the root.
type bufState struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	count int
	done  chan struct{}
}

// BufferedHandler wraps an slog.Handler: INFO records accumulate in an
// 8 KiB buffer flushed every 2 s or on buffer-full (spec §4.9); WARN and
// ERROR bypass the buffer and flush immediately. DEBUG passes through
// enabled/disabled like any other level, buffered the same as INFO.
type BufferedHandler struct {
	next slog.Handler
	st   *bufState
}

// NewBufferedHandler starts the periodic flush goroutine; callers must
// call Close to join it and flush any remainder.
func NewBufferedHandler(next slog.Handler) *BufferedHandler {
	st := &bufState{done: make(chan struct{})}
	h := &BufferedHandler{next: next, st: st}
	go h.flushLoop()
	return h
}

func (h *BufferedHandler) flushLoop() {
	t := time.NewTicker(infoFlushPeriod)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			h.Flush()
		case <-h.st.done:
			h.Flush()
			return
		}
	}
}

// Enabled delegates to the wrapped handler.
func (h *BufferedHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle buffers INFO/DEBUG records and passes WARN/ERROR straight
// through after flushing whatever was already queued, so ordering within
// one logger is preserved.
func (h *BufferedHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		h.Flush()
		return h.next.Handle(ctx, r)
	}

	h.st.mu.Lock()
	appendRecordLine(&h.st.buf, r)
	h.st.count++
	full := h.st.buf.Len() >= infoBufferBytes
	h.st.mu.Unlock()

	if full {
		h.Flush()
	}
	return nil
}

func appendRecordLine(buf *bytes.Buffer, r slog.Record) {
	buf.WriteString(r.Time.Format(time.RFC3339))
	buf.WriteByte(' ')
	buf.WriteString(r.Level.String())
	buf.WriteByte(' ')
	buf.WriteString(r.Message)
	buf.WriteByte('\n')
}

// Flush forwards every buffered record to the wrapped handler as one
// combined log line and empties the buffer.
func (h *BufferedHandler) Flush() {
	h.st.mu.Lock()
	if h.st.count == 0 {
		h.st.mu.Unlock()
		return
	}
	data := h.st.buf.String()
	h.st.buf.Reset()
	h.st.count = 0
	h.st.mu.Unlock()

	r := slog.NewRecord(time.Now(), slog.LevelInfo, data, 0)
	_ = h.next.Handle(context.Background(), r)
}

// Close flushes any remainder and stops the periodic flush goroutine.
func (h *BufferedHandler) Close() {
	close(h.st.done)
}

// WithAttrs and WithGroup satisfy slog.Handler by delegating to next while
// sharing this handler's buffer state, so a component logger derived via
// slog.With(...) still flushes on the root's ticker.
func (h *BufferedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &BufferedHandler{next: h.next.WithAttrs(attrs), st: h.st}
}

func (h *BufferedHandler) WithGroup(name string) slog.Handler {
	return &BufferedHandler{next: h.next.WithGroup(name), st: h.st}
}
