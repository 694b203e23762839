// Package config loads driftfs's daemon and mount-pair configuration from
// YAML and environment overrides, following the teacher's struct-per-
// concern layout and load/save/validate surface.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the complete daemon configuration.
type Configuration struct {
	Global     GlobalConfig      `yaml:"global"`
	Mounts     []MountPairConfig `yaml:"mounts"`
	Eviction   EvictionConfig    `yaml:"eviction"`
	Lock       LockConfig        `yaml:"lock"`
	Events     EventsConfig      `yaml:"events"`
	Backend    BackendConfig     `yaml:"backend"`
	Monitoring MonitoringConfig  `yaml:"monitoring"`
}

// GlobalConfig holds daemon-wide settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`
}

// MountPairConfig describes one sync pair's roots and per-mount flags.
type MountPairConfig struct {
	SyncPairID        string   `yaml:"sync_pair_id"`
	Local             string   `yaml:"local"`
	External          string   `yaml:"external"`
	Target            string   `yaml:"target"`
	ReadOnly          bool     `yaml:"read_only"`
	StrictPermissions bool     `yaml:"strict_permissions"`
	ExcludeGlobs      []string `yaml:"exclude_globs"`
	ConcurrentOpenCap int      `yaml:"concurrent_open_cap"`
}

// EvictionConfig mirrors spec §4.8's eviction manager knobs.
type EvictionConfig struct {
	TriggerThresholdBytes int64         `yaml:"trigger_threshold_bytes"`
	TargetFreeBytes       int64         `yaml:"target_free_bytes"`
	MaxFilesPerRun        int           `yaml:"max_files_per_run"`
	MinFileAge            time.Duration `yaml:"min_file_age"`
	CheckInterval         time.Duration `yaml:"check_interval"`
	AutoEnabled           bool          `yaml:"auto_enabled"`
}

// LockConfig mirrors spec §4.4's lock manager timeouts.
type LockConfig struct {
	LockTimeout time.Duration `yaml:"lock_timeout"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// EventsConfig mirrors spec §4.6's bounded queue.
type EventsConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
}

// BackendConfig toggles back-end protection (spec §4.7 step 6).
type BackendConfig struct {
	ProtectionEnabled bool `yaml:"protection_enabled"`
}

// MonitoringConfig controls diagnostics output (spec §4.9).
type MonitoringConfig struct {
	MetricsEnabled bool `yaml:"metrics_enabled"`
	DebugLogging   bool `yaml:"debug_logging"`
}

// NewDefault returns a configuration with the spec's stated defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			MetricsPort: 9090,
			HealthPort:  9091,
		},
		Eviction: EvictionConfig{
			TriggerThresholdBytes: 5 * 1024 * 1024 * 1024,  // 5 GiB
			TargetFreeBytes:       10 * 1024 * 1024 * 1024, // 10 GiB
			MaxFilesPerRun:        100,
			MinFileAge:            1 * time.Hour,
			CheckInterval:         5 * time.Minute,
			AutoEnabled:           true,
		},
		Lock: LockConfig{
			LockTimeout: 300 * time.Second,
			WaitTimeout: 30 * time.Second,
		},
		Events: EventsConfig{
			QueueCapacity: 4096,
		},
		Backend: BackendConfig{
			ProtectionEnabled: true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled: true,
			DebugLogging:   false,
		},
	}
}

// LoadFromFile loads configuration from a YAML file, overlaying it onto
// whatever defaults c already holds.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv applies DRIFTFS_* environment overrides.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("DRIFTFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("DRIFTFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("DRIFTFS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	if val := os.Getenv("DRIFTFS_EVICTION_AUTO_ENABLED"); val != "" {
		c.Eviction.AutoEnabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("DRIFTFS_EVICTION_CHECK_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Eviction.CheckInterval = d
		}
	}
	return nil
}

// SaveToFile writes the configuration as YAML.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for obviously invalid values.
func (c *Configuration) Validate() error {
	if c.Global.MetricsPort == c.Global.HealthPort {
		return fmt.Errorf("metrics_port and health_port cannot be the same")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	valid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)", c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Eviction.MaxFilesPerRun <= 0 {
		return fmt.Errorf("eviction.max_files_per_run must be greater than 0")
	}
	if c.Eviction.TargetFreeBytes < c.Eviction.TriggerThresholdBytes {
		return fmt.Errorf("eviction.target_free_bytes must be >= trigger_threshold_bytes")
	}

	seen := make(map[string]bool, len(c.Mounts))
	for _, m := range c.Mounts {
		if m.SyncPairID == "" {
			return fmt.Errorf("mount entry missing sync_pair_id")
		}
		if seen[m.SyncPairID] {
			return fmt.Errorf("duplicate sync_pair_id: %s", m.SyncPairID)
		}
		seen[m.SyncPairID] = true
		if m.Local == "" || m.Target == "" {
			return fmt.Errorf("mount %s: local and target are required", m.SyncPairID)
		}
		if m.ConcurrentOpenCap < 0 {
			return fmt.Errorf("mount %s: concurrent_open_cap cannot be negative", m.SyncPairID)
		}
	}

	return nil
}

// DefaultConcurrentOpenCap is spec §4.5's default open-file cap.
const DefaultConcurrentOpenCap = 256

// ConcurrentOpenCapOrDefault returns the mount's cap, defaulting if unset.
func (m MountPairConfig) ConcurrentOpenCapOrDefault() int {
	if m.ConcurrentOpenCap <= 0 {
		return DefaultConcurrentOpenCap
	}
	return m.ConcurrentOpenCap
}
