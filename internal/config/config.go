// Package config handles configuration loading and validation for planwise.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/planwise/planwise/pkg/bytesize"
)

// DurableConfig selects and configures the durable store backend.
type DurableConfig struct {
	Backend string   `yaml:"backend"` // "fs" or "s3" (default: "fs")
	FS      FSConfig `yaml:"fs"`
	S3      S3Config `yaml:"s3"`
}

// FSConfig holds configuration for the filesystem durable store.
type FSConfig struct {
	Root string `yaml:"root"` // Object root directory (default: <data_dir>/durable)
}

// S3Config holds configuration for the S3 durable store. Credentials come
// from the named environment variables, never from the config file.
type S3Config struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`           // default: "us-east-1"
	Endpoint       string `yaml:"endpoint"`         // Custom endpoint for S3-compatible stores (optional)
	Prefix         string `yaml:"prefix"`           // Key prefix inside the bucket (optional)
	ForcePathStyle bool   `yaml:"force_path_style"` // Required by MinIO and most S3-compatible stores
	AccessKeyEnv   string `yaml:"access_key_env"`   // default: "PLANWISE_S3_ACCESS_KEY"
	SecretKeyEnv   string `yaml:"secret_key_env"`   // default: "PLANWISE_S3_SECRET_KEY"
}

// ReplicationConfig tunes per-tenant WAL shipping.
type ReplicationConfig struct {
	SyncInterval    string `yaml:"sync_interval"`    // Duration string, e.g. "1s"
	CheckpointSize  string `yaml:"checkpoint_size"`  // WAL size that triggers a snapshot, e.g. "4MB"
	RestoreAttempts int    `yaml:"restore_attempts"` // Cold-start retries (default: 3)
	RestoreBackoff  string `yaml:"restore_backoff"`  // Duration string (default: "500ms")
	UploadRate      string `yaml:"upload_rate"`      // Upload throttle, e.g. "10mbps" (empty = unlimited)
}

// RegistryConfig tunes tenant residency.
type RegistryConfig struct {
	IdleAfter      string `yaml:"idle_after"`      // Evict after this much inactivity (default: "15m")
	SweepInterval  string `yaml:"sweep_interval"`  // Eviction sweep period (default: "1m")
	RestoreTimeout string `yaml:"restore_timeout"` // Bound on one cold start (default: "2m")
}

// BulkConfig tunes the bulk replace pipeline.
type BulkConfig struct {
	LeaseDuration   string `yaml:"lease_duration"`   // Lock lease per job (default: "5m")
	PublishAttempts int    `yaml:"publish_attempts"` // Retries on publish conflicts (default: 3)
}

// RouterConfig tunes the architecture router.
type RouterConfig struct {
	CacheTTL string `yaml:"cache_ttl"` // Flags document cache TTL (default: "30s")
}

// ServerConfig holds configuration for the planwise server.
type ServerConfig struct {
	Listen      string            `yaml:"listen"`
	AuthToken   string            `yaml:"auth_token"` // Bearer token for the API (empty disables auth)
	DataDir     string            `yaml:"data_dir"`   // Local state directory (default: /var/lib/planwise)
	LogLevel    string            `yaml:"log_level"`
	Durable     DurableConfig     `yaml:"durable"`
	Replication ReplicationConfig `yaml:"replication"`
	Registry    RegistryConfig    `yaml:"registry"`
	Bulk        BulkConfig        `yaml:"bulk"`
	Router      RouterConfig      `yaml:"router"`
}

// LoadServerConfig loads server configuration from a YAML file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &ServerConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// DefaultServerConfig returns a config with every default applied, used when
// no config file is given.
func DefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{}
	cfg.applyDefaults()
	return cfg
}

func (c *ServerConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/planwise"
	}
	// Expand home directory in data dir
	if strings.HasPrefix(c.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(homeDir, c.DataDir[2:])
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Durable.Backend == "" {
		c.Durable.Backend = "fs"
	}
	if c.Durable.FS.Root == "" {
		c.Durable.FS.Root = filepath.Join(c.DataDir, "durable")
	}
	if c.Durable.S3.Region == "" {
		c.Durable.S3.Region = "us-east-1"
	}
	if c.Durable.S3.AccessKeyEnv == "" {
		c.Durable.S3.AccessKeyEnv = "PLANWISE_S3_ACCESS_KEY"
	}
	if c.Durable.S3.SecretKeyEnv == "" {
		c.Durable.S3.SecretKeyEnv = "PLANWISE_S3_SECRET_KEY"
	}
	if c.Replication.SyncInterval == "" {
		c.Replication.SyncInterval = "1s"
	}
	if c.Replication.CheckpointSize == "" {
		c.Replication.CheckpointSize = "4MB"
	}
	if c.Replication.RestoreAttempts == 0 {
		c.Replication.RestoreAttempts = 3
	}
	if c.Replication.RestoreBackoff == "" {
		c.Replication.RestoreBackoff = "500ms"
	}
	if c.Registry.IdleAfter == "" {
		c.Registry.IdleAfter = "15m"
	}
	if c.Registry.SweepInterval == "" {
		c.Registry.SweepInterval = "1m"
	}
	if c.Registry.RestoreTimeout == "" {
		c.Registry.RestoreTimeout = "2m"
	}
	if c.Bulk.LeaseDuration == "" {
		c.Bulk.LeaseDuration = "5m"
	}
	if c.Bulk.PublishAttempts == 0 {
		c.Bulk.PublishAttempts = 3
	}
	if c.Router.CacheTTL == "" {
		c.Router.CacheTTL = "30s"
	}
}

// ScratchDir returns the directory holding hydrated tenant database files.
func (c *ServerConfig) ScratchDir() string {
	return filepath.Join(c.DataDir, "tenants")
}

// BulkWorkDir returns the directory holding bulk-job working copies.
func (c *ServerConfig) BulkWorkDir() string {
	return filepath.Join(c.DataDir, "bulk")
}

// Validate checks if the server configuration is valid.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	switch c.Durable.Backend {
	case "fs":
		if c.Durable.FS.Root == "" {
			return fmt.Errorf("durable.fs.root is required for the fs backend")
		}
	case "s3":
		if c.Durable.S3.Bucket == "" {
			return fmt.Errorf("durable.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown durable backend %q (want fs or s3)", c.Durable.Backend)
	}
	for name, value := range map[string]string{
		"replication.sync_interval":   c.Replication.SyncInterval,
		"replication.restore_backoff": c.Replication.RestoreBackoff,
		"registry.idle_after":         c.Registry.IdleAfter,
		"registry.sweep_interval":     c.Registry.SweepInterval,
		"registry.restore_timeout":    c.Registry.RestoreTimeout,
		"bulk.lease_duration":         c.Bulk.LeaseDuration,
		"router.cache_ttl":            c.Router.CacheTTL,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, value)
		}
	}
	if _, err := bytesize.Parse(c.Replication.CheckpointSize); err != nil {
		return fmt.Errorf("replication.checkpoint_size: %w", err)
	}
	if c.Replication.UploadRate != "" {
		if _, err := bytesize.ParseRate(c.Replication.UploadRate); err != nil {
			return fmt.Errorf("replication.upload_rate: %w", err)
		}
	}
	return nil
}

// CheckpointBytes returns the parsed checkpoint threshold.
func (c *ServerConfig) CheckpointBytes() int64 {
	n, err := bytesize.Parse(c.Replication.CheckpointSize)
	if err != nil {
		return 4 << 20
	}
	return n
}

// UploadRateBytes returns the parsed upload throttle in bytes per second,
// zero meaning unlimited.
func (c *ServerConfig) UploadRateBytes() int {
	if c.Replication.UploadRate == "" {
		return 0
	}
	n, err := bytesize.ParseRate(c.Replication.UploadRate)
	if err != nil {
		return 0
	}
	return int(n)
}

// Duration parses a duration string that Validate has already checked.
// A value that still fails to parse falls back to def.
func Duration(value string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
