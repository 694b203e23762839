package diagnostics

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersSnapshot(t *testing.T) {
	c := NewCounters()
	c.RecordOp()
	c.RecordOp()
	c.RecordQueued()
	c.RecordQueued()
	c.RecordProcessed()
	c.RecordDropped()

	snap := c.Snapshot(true, true)
	assert.Equal(t, int64(2), snap.TotalOps)
	assert.Equal(t, int64(2), snap.CbQueued)
	assert.Equal(t, int64(1), snap.CbProcessed)
	assert.Equal(t, int64(1), snap.CbDropped)
	assert.Equal(t, int64(0), snap.CbPending)
	assert.True(t, snap.IsMounted)
	assert.True(t, snap.ChannelValid)
	assert.False(t, snap.LastOpTime.IsZero())
}

type captureHandler struct {
	records []string
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.records = append(h.records, r.Message)
	return nil
}
func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(name string) slog.Handler      { return h }

func TestBufferedHandler_WarnFlushesImmediately(t *testing.T) {
	capH := &captureHandler{}
	bh := NewBufferedHandler(capH)
	defer bh.Close()

	logger := slog.New(bh)
	logger.Info("buffered one")
	require.Empty(t, capH.records, "info must stay buffered until flush")

	logger.Warn("flush now")
	require.Len(t, capH.records, 2, "warn must flush the pending info record ahead of itself")
	assert.True(t, strings.Contains(capH.records[0], "buffered one"))
	assert.Equal(t, "flush now", capH.records[1])
}

func TestBufferedHandler_TimerFlush(t *testing.T) {
	capH := &captureHandler{}
	bh := NewBufferedHandler(capH)
	defer bh.Close()

	slog.New(bh).Info("tick flush")
	assert.Eventually(t, func() bool { return len(capH.records) == 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestBufferedHandler_SharesStateAcrossWithAttrs(t *testing.T) {
	capH := &captureHandler{}
	bh := NewBufferedHandler(capH)
	defer bh.Close()

	component := slog.New(bh).With("component", "overlayfs")
	component.Info("from component logger")

	bh.Flush()
	require.Len(t, capH.records, 1)
	assert.True(t, strings.Contains(capH.records[0], "from component logger"))
}
