package lifecycle

import (
	"context"
	"syscall"
	"time"

	"github.com/driftfs/driftfs/internal/circuit"
	"github.com/driftfs/driftfs/internal/config"
)

const (
	recoveryCooldown    = 3 * time.Second
	maxRecoveryAttempts = 3
)

// forceUnmount lazy-unmounts, falling back to a forced unmount, matching
// the teacher's MountManager.forceUnmount (internal/fuse/mount.go).
func forceUnmount(target string) error {
	if err := syscall.Unmount(target, syscall.MNT_DETACH); err == nil {
		return nil
	}
	return syscall.Unmount(target, syscall.MNT_FORCE)
}

// supervise watches one mount's serve loop and drives spec §4.7's recovery:
// an unexpected exit (Err() != nil from an unmount we didn't request)
// schedules a retry after a 3s cooldown, up to 3 attempts, after which the
// mount is marked "error".
func (m *Manager) supervise(pair config.MountPairConfig, mt *Mount) {
	<-mt.fs.Done()

	m.mu.Lock()
	_, stillTracked := m.mounts[pair.SyncPairID]
	m.mu.Unlock()
	if !stillTracked {
		return // torn down via a deliberate Unmount call
	}

	if mt.fs.Err() == nil {
		return // clean exit with no owning Unmount call is not our concern here
	}

	m.logger.Warn("mount loop exited unexpectedly, scheduling recovery",
		"sync_pair_id", pair.SyncPairID, "err", mt.fs.Err())
	m.recover(context.Background(), pair, mt, 0)
}

func (m *Manager) recover(ctx context.Context, pair config.MountPairConfig, mt *Mount, attempt int) {
	if attempt >= maxRecoveryAttempts {
		m.mu.Lock()
		mt.State = "error"
		m.mu.Unlock()
		m.logger.Error("mount recovery exhausted attempts, marking error",
			"sync_pair_id", pair.SyncPairID, "attempts", attempt)
		return
	}

	m.mu.Lock()
	mt.State = "recovering"
	mt.attempts = attempt + 1
	m.mu.Unlock()

	time.Sleep(recoveryCooldown)

	breaker := m.breakers.GetBreaker(pair.SyncPairID)
	var fs KernelMount
	err := breaker.Execute(func() error {
		var ferr error
		fs, ferr = m.newFS(pair)
		if ferr != nil {
			return ferr
		}
		return fs.Mount(ctx, pair.Target)
	})
	if err != nil {
		if err == circuit.ErrOpenState {
			m.logger.Warn("recovery: circuit open, skipping remount attempt", "sync_pair_id", pair.SyncPairID)
		} else {
			m.logger.Warn("recovery: remount failed", "sync_pair_id", pair.SyncPairID, "err", err)
		}
		m.recover(ctx, pair, mt, attempt+1)
		return
	}

	m.mu.Lock()
	fs.SetIndexReady(mt.IndexReady)
	fs.SetReadOnly(mt.ReadOnly)
	mt.fs = fs
	mt.State = "active"
	m.mu.Unlock()

	m.logger.Info("mount recovered", "sync_pair_id", pair.SyncPairID, "attempt", attempt+1)
	go m.supervise(pair, mt)
}

// Probe checks every tracked mount against the kernel mount table and its
// own loop liveness, triggering recovery (with the attempt counter reset)
// for anything found missing. Spec §4.7 calls for this "on system wake";
// Go has no portable wake notification, so RunWakeProbe calls this
// periodically instead.
func (m *Manager) Probe(ctx context.Context, pairs map[string]config.MountPairConfig) {
	m.mu.Lock()
	lost := make([]*Mount, 0)
	for _, mt := range m.mounts {
		if mt.State != "active" {
			continue
		}
		if !isKernelMounted(mt.TargetDir) || !mt.fs.IsMounted() {
			lost = append(lost, mt)
		}
	}
	m.mu.Unlock()

	for _, mt := range lost {
		pair, ok := pairs[mt.SyncPairID]
		if !ok {
			continue
		}
		m.logger.Warn("wake probe found a lost mount", "sync_pair_id", mt.SyncPairID)
		m.recover(ctx, pair, mt, 0)
	}
}

// RunWakeProbe starts a best-effort periodic Probe loop until ctx is done.
func (m *Manager) RunWakeProbe(ctx context.Context, interval time.Duration, pairs func() map[string]config.MountPairConfig) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx, pairs())
		}
	}
}
