// Package config loads the process configuration from environment variables.
//
// A Config value is built once at cold start and handed to constructors; no
// package reads the environment on its own after that.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full process configuration.
type Config struct {
	Buckets   BucketConfig
	State     StateConfig
	Partition PartitionConfig
	Stability StabilityConfig
	Download  DownloadConfig
	Archive   ArchiveConfig
	Links     LinkConfig
	Cleanup   CleanupConfig
	Lookup    LookupConfig
	Dispatch  DispatchConfig

	// WorkDir is the root for ephemeral per-job directories.
	WorkDir string `env:"WORK_DIR"`
}

// BucketConfig names the object storage buckets.
type BucketConfig struct {
	Inbound string `env:"INBOUND_BUCKET"`
	Package string `env:"PACKAGE_BUCKET"`
	Archive string `env:"ARCHIVE_BUCKET"`
	Image   string `env:"IMAGE_BUCKET"`
}

// StateConfig configures the processing state store.
type StateConfig struct {
	TableName string `env:"STATE_TABLE_NAME"`
	// LeaseTimeout is how long a running package may go without finishing
	// before another delivery may reclaim it.
	LeaseTimeout time.Duration `env:"PACKAGE_LEASE_TIMEOUT" envDefault:"15m"`
}

// PartitionConfig bounds package and batch sizes.
type PartitionConfig struct {
	MaxItemsPerPackage int `env:"MAX_ITEMS_PER_PACKAGE" envDefault:"100"`
	MaxBatchMultiplier int `env:"MAX_BATCH_MULTIPLIER"  envDefault:"100"`
}

// MaxBatchItems is the business cap on one batch.
func (p PartitionConfig) MaxBatchItems() int {
	return p.MaxItemsPerPackage * p.MaxBatchMultiplier
}

// StabilityConfig drives the completeness detector.
type StabilityConfig struct {
	PollInterval time.Duration `env:"STABILITY_POLL_INTERVAL" envDefault:"2s"`
	Threshold    int           `env:"STABILITY_THRESHOLD"     envDefault:"3"`
	Timeout      time.Duration `env:"STABILITY_TIMEOUT"       envDefault:"5m"`
}

// DownloadConfig drives the asset downloader.
type DownloadConfig struct {
	Workers       int           `env:"DOWNLOAD_WORKERS"  envDefault:"8"`
	ItemTimeout   time.Duration `env:"DOWNLOAD_TIMEOUT"  envDefault:"30s"`
	MaxImageBytes int64         `env:"MAX_IMAGE_BYTES"   envDefault:"52428800"`
	// PackageTimeout bounds one whole package run.
	PackageTimeout time.Duration `env:"PACKAGE_TIMEOUT" envDefault:"10m"`
}

// ArchiveConfig selects the archive compressor.
type ArchiveConfig struct {
	Method string `env:"ARCHIVE_METHOD" envDefault:"deflate"`
}

// LinkConfig drives the link issuer.
type LinkConfig struct {
	TTLHours int `env:"LINK_TTL_HOURS" envDefault:"2"`
}

// CleanupConfig drives the lifecycle scheduler.
type CleanupConfig struct {
	TTLHours    int    `env:"CLEANUP_TTL_HOURS"    envDefault:"24"`
	FunctionARN string `env:"CLEANUP_FUNCTION_ARN"`
	// RuleRoleARN is optional; EventBridge only needs it for cross-account targets.
	RuleRoleARN string `env:"CLEANUP_RULE_ROLE_ARN"`
}

// TTL returns the artifact time to live.
func (c CleanupConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// LookupConfig selects and configures the image lookup backend.
type LookupConfig struct {
	Backend string `env:"LOOKUP_BACKEND" envDefault:"dataapi"`

	ClusterARN     string `env:"DB_CLUSTER_ARN"`
	ClusterID      string `env:"DB_CLUSTER_ID"`
	SecretARN      string `env:"DB_SECRET_ARN"`
	SecretARNParam string `env:"DB_SECRET_ARN_PARAM"`
	Database       string `env:"DB_NAME" envDefault:"shipments"`

	PostgresDSN      string `env:"POSTGRES_DSN"`
	PostgresDSNParam string `env:"POSTGRES_DSN_PARAM"`

	// StaticFile is a JSON object of id -> []path used by the static backend.
	StaticFile string `env:"LOOKUP_STATIC_FILE"`

	CacheAddr string        `env:"LOOKUP_CACHE_ADDR"`
	CacheTTL  time.Duration `env:"LOOKUP_CACHE_TTL" envDefault:"15m"`
}

// DispatchConfig selects how package messages reach the package runner.
type DispatchConfig struct {
	Mode               string `env:"PACKAGE_DISPATCH"     envDefault:"eventbridge"`
	EventBusName       string `env:"EVENT_BUS_NAME"       envDefault:"default"`
	PackageFunctionARN string `env:"PACKAGE_FUNCTION_ARN"`
}

// Parse reads the configuration from the environment and sanitizes it.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	return cfg, nil
}

// Load reads an optional .env file before parsing. Used by the CLI.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}
	return Parse()
}

// Sanitize applies guardrails to values loaded from the environment.
func (c *Config) Sanitize() {
	if c.Partition.MaxItemsPerPackage < 1 {
		c.Partition.MaxItemsPerPackage = 100
	}
	if c.Partition.MaxBatchMultiplier < 1 {
		c.Partition.MaxBatchMultiplier = 100
	}
	if c.Stability.Threshold < 1 {
		c.Stability.Threshold = 1
	}
	if c.Stability.PollInterval <= 0 {
		c.Stability.PollInterval = 2 * time.Second
	}
	if c.Download.Workers < 1 {
		c.Download.Workers = 1
	}
	if c.Download.MaxImageBytes <= 0 {
		c.Download.MaxImageBytes = 50 << 20
	}
	c.Links.TTLHours = ClampHours(c.Links.TTLHours, 1, 24)
	if c.Cleanup.TTLHours < 1 {
		c.Cleanup.TTLHours = 24
	}
	if c.State.LeaseTimeout <= 0 {
		c.State.LeaseTimeout = 15 * time.Minute
	}

	c.Archive.Method = strings.ToLower(strings.TrimSpace(c.Archive.Method))
	if c.Archive.Method != "zstd" {
		c.Archive.Method = "deflate"
	}
	c.Lookup.Backend = strings.ToLower(strings.TrimSpace(c.Lookup.Backend))
	c.Dispatch.Mode = strings.ToLower(strings.TrimSpace(c.Dispatch.Mode))
	if c.Dispatch.Mode != "lambda" {
		c.Dispatch.Mode = "eventbridge"
	}

	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(os.TempDir(), "shipments_processing")
	}
}

// ClampHours bounds h to [lo, hi].
func ClampHours(h, lo, hi int) int {
	if h < lo {
		return lo
	}
	if h > hi {
		return hi
	}
	return h
}
