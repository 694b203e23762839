package lockmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	m := New(time.Minute)
	defer m.Shutdown()

	require.True(t, m.Acquire("/a.txt", LocalToExternal, "/ext/a.txt"))
	assert.False(t, m.Acquire("/a.txt", LocalToExternal, "/ext/a.txt"))
	assert.True(t, m.IsLocked("/a.txt"))

	m.Release("/a.txt")
	assert.False(t, m.IsLocked("/a.txt"))
}

func TestBatchAcquire(t *testing.T) {
	m := New(time.Minute)
	defer m.Shutdown()

	require.True(t, m.Acquire("/b.txt", LocalToExternal, ""))
	got := m.BatchAcquire([]string{"/a.txt", "/b.txt", "/c.txt"}, LocalToExternal, "")
	assert.ElementsMatch(t, []string{"/a.txt", "/c.txt"}, got)
}

func TestWaitForUnlockSuccess(t *testing.T) {
	m := New(time.Minute)
	defer m.Shutdown()

	require.True(t, m.Acquire("/a.txt", LocalToExternal, ""))

	done := make(chan WaitResult, 1)
	go func() {
		done <- m.WaitForUnlock("/a.txt", time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	m.Release("/a.txt")

	select {
	case res := <-done:
		assert.Equal(t, Success, res)
	case <-time.After(time.Second):
		t.Fatal("wait did not return")
	}
}

func TestWaitForUnlockTimeout(t *testing.T) {
	m := New(time.Minute)
	defer m.Shutdown()

	require.True(t, m.Acquire("/a.txt", LocalToExternal, ""))
	res := m.WaitForUnlock("/a.txt", 20*time.Millisecond)
	assert.Equal(t, Timeout, res)
}

func TestWaitForUnlockOnUnlockedPathReturnsImmediately(t *testing.T) {
	m := New(time.Minute)
	defer m.Shutdown()

	res := m.WaitForUnlock("/never-locked.txt", 20*time.Millisecond)
	assert.Equal(t, Success, res)
}

func TestSweepReleasesExpiredLocks(t *testing.T) {
	m := New(30 * time.Millisecond)
	defer m.Shutdown()

	require.True(t, m.Acquire("/a.txt", LocalToExternal, ""))
	assert.Eventually(t, func() bool {
		return !m.IsLocked("/a.txt")
	}, 500*time.Millisecond, 10*time.Millisecond)
}

func TestShutdownCancelsWaiters(t *testing.T) {
	m := New(time.Minute)
	require.True(t, m.Acquire("/a.txt", LocalToExternal, ""))

	done := make(chan WaitResult, 1)
	go func() {
		done <- m.WaitForUnlock("/a.txt", time.Minute)
	}()

	time.Sleep(20 * time.Millisecond)
	m.Shutdown()

	select {
	case res := <-done:
		assert.Equal(t, Cancelled, res)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after shutdown")
	}
}
