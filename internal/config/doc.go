// Package config loads the driftfs daemon's configuration: global daemon
// settings, the list of LOCAL/EXTERNAL mount pairs to manage, and the
// tunables for the eviction manager, lock manager, event queue, back-end
// protection, and monitoring.
//
// Configuration is loaded in three layers, each overlaying the last:
//
//  1. NewDefault() - the spec's stated defaults (5 GiB eviction trigger,
//     10 GiB target free, 300s lock timeout, 4096-entry event queue, ...).
//  2. LoadFromFile(path) - a YAML file, typically /etc/driftfs/config.yaml.
//  3. LoadFromEnv() - DRIFTFS_* environment variables, for the handful of
//     settings operators commonly override per-host (log level, metrics
//     port, eviction scheduling).
//
// A single Configuration describes every mount pair the daemon manages;
// each MountPairConfig names the sync_pair_id used throughout the index,
// lock manager, and event queue to scope state to that pair.
//
// Call Validate after loading to catch port collisions, unknown log
// levels, and malformed mount entries before the daemon attempts to
// mount anything.
package config
