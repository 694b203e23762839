package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/driftfs/driftfs/internal/config"
	"github.com/driftfs/driftfs/internal/control"
	"github.com/driftfs/driftfs/internal/diagnostics"
	"github.com/driftfs/driftfs/internal/eviction"
	"github.com/driftfs/driftfs/internal/events"
	"github.com/driftfs/driftfs/internal/index"
	"github.com/driftfs/driftfs/internal/lifecycle"
	"github.com/driftfs/driftfs/internal/lockmgr"
	"github.com/driftfs/driftfs/internal/metrics"
	"github.com/driftfs/driftfs/internal/overlayfs"
	"github.com/driftfs/driftfs/internal/stateset"
)

const defaultSocketPath = "/tmp/driftfsctl.sock"

var cmdDaemon = &Command{
	UsageLine: "daemon [-config path] [-socket path] [-snapshot-dir dir]",
	Short:     "run the mount daemon: mounts every configured sync pair and serves the control socket",
}

var (
	daemonConfigPath = cmdDaemon.Flag.String("config", "", "path to YAML configuration")
	daemonSocketPath = cmdDaemon.Flag.String("socket", defaultSocketPath, "control socket path")
	daemonSnapDir    = cmdDaemon.Flag.String("snapshot-dir", "", "directory for index snapshots (defaults under TMPDIR)")
)

func init() {
	cmdDaemon.Run = runDaemon
}

func runDaemon(cmd *Command, args []string) int {
	return runDaemonImpl(*daemonConfigPath, *daemonSocketPath, *daemonSnapDir)
}

func runDaemonImpl(configPath, socketPath, snapDir string) int {
	cfg := config.NewDefault()
	if configPath != "" {
		if err := cfg.LoadFromFile(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "driftfsctl: load config: %v\n", err)
			return exitInvalidArgument
		}
	}
	_ = cfg.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "driftfsctl: invalid config: %v\n", err)
		return exitInvalidArgument
	}

	level := new(slog.LevelVar)
	switch cfg.Global.LogLevel {
	case "DEBUG":
		level.Set(slog.LevelDebug)
	case "WARN":
		level.Set(slog.LevelWarn)
	case "ERROR":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	buffered := diagnostics.NewBufferedHandler(textHandler)
	defer buffered.Close()
	slog.SetDefault(slog.New(buffered))
	logger := slog.With("component", "daemon")

	metricsCollector, err := metrics.NewCollector(&metrics.Config{
		Enabled: cfg.Monitoring.MetricsEnabled,
		Port:    cfg.Global.MetricsPort,
	})
	if err != nil {
		logger.Warn("metrics collector disabled", "err", err)
	}

	idx := index.New()
	locks := lockmgr.New(cfg.Lock.LockTimeout)
	sets := stateset.NewSets()

	var protector lifecycle.BackendProtector
	if cfg.Backend.ProtectionEnabled {
		protector = lifecycle.PosixProtector{}
	}

	newFS := func(pair config.MountPairConfig) (lifecycle.KernelMount, error) {
		q := events.New(cfg.Events.QueueCapacity, eventsMetrics(metricsCollector))
		q.Start(context.Background())
		return overlayfs.New(pair, overlayfs.Deps{
			Index: idx,
			Locks: locks,
			Sets:  sets,
			Queue: q,
		}), nil
	}

	if snapDir == "" {
		snapDir = filepath.Join(os.TempDir(), "driftfs", "snapshots")
	}
	if err := os.MkdirAll(snapDir, 0750); err != nil {
		fmt.Fprintf(os.Stderr, "driftfsctl: create snapshot directory: %v\n", err)
		return exitGeneric
	}

	lc := lifecycle.New(idx, locks, sets, protector, newFS, snapDir)

	evictMgr := eviction.New(eviction.Config{
		TriggerThresholdBytes: cfg.Eviction.TriggerThresholdBytes,
		TargetFreeBytes:       cfg.Eviction.TargetFreeBytes,
		MaxFilesPerRun:        cfg.Eviction.MaxFilesPerRun,
		MinFileAge:            cfg.Eviction.MinFileAge,
		CheckInterval:         cfg.Eviction.CheckInterval,
		AutoEnabled:           cfg.Eviction.AutoEnabled,
	}, idx, locks, sets, eviction.StatfsFreeSpacer{}, nil, evictionMetrics(metricsCollector))

	lc.OnMounted(func(mt lifecycle.Mount) {
		evictMgr.Watch(eviction.Mount{SyncPairID: mt.SyncPairID, LocalRoot: mt.LocalDir})
	})
	lc.OnUnmounted(func(pair string) {
		evictMgr.Unwatch(pair)
	})

	for _, pair := range cfg.Mounts {
		if err := lc.Mount(context.Background(), pair); err != nil {
			logger.Error("mount failed", "sync_pair_id", pair.SyncPairID, "err", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Eviction.AutoEnabled {
		go evictMgr.Run(ctx)
	}
	if metricsCollector != nil {
		go metricsCollector.Start(ctx)
	}

	counters := diagnostics.NewCounters()
	watcher := diagnostics.NewSignalWatcher(counters)
	shutdown := make(chan struct{})
	watcher.OnShutdown = func(sig os.Signal) {
		logger.Info("shutdown signal received", "signal", sig)
		for _, mt := range lc.List() {
			if err := lc.Unmount(mt.SyncPairID); err != nil {
				logger.Warn("unmount during shutdown failed", "sync_pair_id", mt.SyncPairID, "err", err)
			}
		}
		close(shutdown)
	}
	watcher.OnToggle = func() {
		if level.Level() == slog.LevelDebug {
			level.Set(slog.LevelInfo)
		} else {
			level.Set(slog.LevelDebug)
		}
		logger.Info("log level toggled", "level", level.Level())
	}
	watcher.OnDump = func() {
		for _, mt := range lc.List() {
			snap := counters.Snapshot(true, true)
			logger.Info("postmortem snapshot", "sync_pair_id", mt.SyncPairID, "snapshot", snap)
		}
	}
	watcher.Start(ctx)

	srv := control.NewServer(lc, idx, locks, sets, evictMgr)
	go func() {
		if err := srv.ListenAndServe(ctx, socketPath); err != nil {
			logger.Error("control socket exited", "err", err)
		}
	}()

	logger.Info("driftfs daemon ready", "socket", socketPath, "mounts", len(cfg.Mounts))
	<-shutdown
	return exitSuccess
}

// eventsMetrics and evictionMetrics return a genuinely nil interface value
// when metrics construction failed. Returning the concrete *metrics.Collector
// pointer straight through an interface-typed parameter would instead wrap a
// nil pointer in a non-nil interface, and every Collector method assumes a
// live receiver.
func eventsMetrics(c *metrics.Collector) events.Metrics {
	if c == nil {
		return nil
	}
	return c
}

func evictionMetrics(c *metrics.Collector) eviction.Metrics {
	if c == nil {
		return nil
	}
	return c
}
