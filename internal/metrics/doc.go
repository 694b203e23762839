/*
Package metrics provides Prometheus-based metrics collection for driftfs.

# Overview

The metrics package tracks FUSE operation counters, tier resolution
(LOCAL vs EXTERNAL vs both), eviction pass outcomes, lock-wait latency,
and event-queue depth/drops, alongside historical per-operation tracking
for debugging.

Architecture

	┌─────────────┐
	│  Collector  │  ← Main metrics aggregator
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────────┐
	   │                                │
	┌──▼───────────┐         ┌─────────▼──────┐
	│  Prometheus  │         │  HTTP Endpoints │
	│   Registry   │         │  /metrics       │
	│              │         │  /health        │
	│ - Counters   │         │  /debug/metrics │
	│ - Histograms │         └─────────────────┘
	│ - Gauges     │
	└──────────────┘

# Core Components

Collector: The main metrics collector that aggregates and exports metrics.
It maintains both Prometheus metrics (for monitoring systems) and internal
operation tracking (for debugging).

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "driftfs",
	})
	if err != nil {
		log.Fatal(err)
	}

	if err := collector.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer collector.Stop(ctx)

# Recording Operations

The collector tracks FUSE operations with timing, size, and success/failure:

	startTime := time.Now()
	n, err := readFile(path, buf)
	duration := time.Since(startTime)

	collector.RecordOperation("read", duration, int64(n), err == nil)

# Tier Resolution and Mount Metrics

Track which tier a path resolution landed on, and how many mounts are active:

	collector.RecordTierResolution("local")
	collector.RecordTierResolution("external")
	collector.UpdateOpenMounts(len(activeMounts))

# Eviction, Lock, and Event Queue Metrics

	collector.RecordEvictionRun(evictedCount, evictedBytes, skippedDirty, skippedLocked)
	collector.RecordLockWait("success", waitDuration)
	collector.RecordLockSweep()
	collector.UpdateEventQueueDepth(queue.Len())
	collector.RecordEventDropped()

# Error Tracking

Record and classify errors for monitoring and alerting:

	if err != nil {
		collector.RecordError("external_unlink", err)
		return err
	}

# Prometheus Metrics

The collector exports these Prometheus metrics:

Counters:
  - driftfs_operations_total{operation,status}: Total FUSE operations by type and status
  - driftfs_tier_resolutions_total{tier}: Path resolutions by tier
  - driftfs_errors_total{operation,type}: Errors by operation and classification
  - driftfs_eviction_files_total{result}: Files evicted/skipped by the eviction manager
  - driftfs_lock_sweeps_total: Expired-lock sweep ticks run
  - driftfs_event_drops_total: Events dropped because the queue was full

Histograms:
  - driftfs_operation_duration_seconds{operation}: Operation latency distribution
  - driftfs_operation_size_bytes{operation}: Operation size distribution
  - driftfs_lock_wait_seconds{outcome}: Time spent in WaitForUnlock

Gauges:
  - driftfs_open_mounts: Number of mount pairs currently active
  - driftfs_eviction_bytes_total: Cumulative bytes freed by eviction
  - driftfs_event_queue_depth: Current occupancy of the event queue

# HTTP Endpoints

The metrics server exposes several endpoints:

/metrics - Prometheus-formatted metrics (for scraping)

	curl http://localhost:9090/metrics

/health - Health check endpoint

	curl http://localhost:9090/health
	{"status":"healthy","service":"driftfs-metrics"}

/debug/metrics - Human-readable metrics summary

	curl http://localhost:9090/debug/metrics
	{
	  "uptime": "2h15m30s",
	  "last_reset": "2025-01-15 09:00:00 +0000 UTC",
	  "operations": {
	    "read": {
	      "count": 15234,
	      "errors": 12,
	      "avg_duration": "45ms",
	      "avg_size": 524288.00
	    }
	  }
	}

/debug/operations - Tabular operations summary

	curl http://localhost:9090/debug/operations
	driftfs Operations Summary
	==========================

	Uptime: 2h15m30s
	Last Reset: 2025-01-15 09:00:00 +0000 UTC

	Operation                 Count     Errors Avg Duration     Avg Size    Last Op
	----------                -----     ------ ------------     --------    -------
	read                      15234         12         45ms       524288   11:15:30
	write                      8901          3         89ms      1048576   11:15:29

# Configuration

The Config struct controls metrics behavior:

	config := &metrics.Config{
		Enabled:        true,              // Enable/disable metrics collection
		Port:           9090,              // HTTP server port
		Path:           "/metrics",        // Prometheus metrics endpoint path
		Namespace:      "driftfs",         // Prometheus namespace
		Subsystem:      "",                // Optional subsystem prefix
		UpdateInterval: 30 * time.Second,  // Periodic update interval
		Labels:         map[string]string{ // Kept in Config; not attached to exported metrics
			"env":     "production",
			"region":  "us-east-1",
		},
	}

# Best Practices

1. Operation Recording
Record every FUSE callback (read, write, getattr, readdir, ...) with accurate
timing and size information, using consistent operation names.

2. Tier Metrics
Record a tier resolution on every path lookup so hit/miss rates between
LOCAL and EXTERNAL are visible without grepping logs.

3. Error Classification
Record all errors with meaningful operation context. The collector automatically
classifies errors (timeout, connection, not_found, permission, throttling) for
better monitoring and alerting.

4. Resource Limits
Be mindful of metric cardinality. Avoid high-cardinality labels (like file
paths) that can explode the metric count and impact Prometheus performance.

5. Debugging
Use the /debug/* endpoints for troubleshooting without requiring Prometheus.

# Thread Safety

All Collector methods are thread-safe and can be called concurrently from
multiple goroutines. The collector uses RWMutex for efficient concurrent access.

# Integration with Monitoring Systems

Prometheus Setup:

	scrape_configs:
	  - job_name: 'driftfs'
	    static_configs:
	      - targets: ['localhost:9090']
	    metrics_path: '/metrics'
	    scrape_interval: 15s

# Example Usage

	package main

	import (
		"context"
		"log"
		"time"

		"github.com/driftfs/driftfs/internal/metrics"
	)

	func main() {
		collector, err := metrics.NewCollector(&metrics.Config{
			Enabled:   true,
			Port:      9090,
			Namespace: "driftfs",
		})
		if err != nil {
			log.Fatal(err)
		}

		ctx := context.Background()
		if err := collector.Start(ctx); err != nil {
			log.Fatal(err)
		}
		defer collector.Stop(ctx)

		for {
			start := time.Now()
			err := performWork()
			duration := time.Since(start)

			collector.RecordOperation("work", duration, 1024, err == nil)
			if err != nil {
				collector.RecordError("work", err)
			}

			time.Sleep(time.Second)
		}
	}

	func performWork() error {
		return nil
	}

# See Also

- internal/circuit: Circuit breaker for reliability
- pkg/errors: Structured error handling

For more information on Prometheus metrics and best practices, see:
https://prometheus.io/docs/practices/naming/
*/
package metrics
