package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/vfs/internal/cache"
	"github.com/objectfs/vfs/internal/circuit"
	"github.com/objectfs/vfs/internal/metrics"
	"github.com/objectfs/vfs/internal/storage/s3"
	"github.com/objectfs/vfs/pkg/logging"
	"github.com/objectfs/vfs/pkg/recovery"
	"github.com/objectfs/vfs/pkg/retry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VFS_"

// Configuration represents the complete application configuration
type Configuration struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Cache     CacheConfig     `yaml:"cache"`
	Network   NetworkConfig   `yaml:"network"`
	Native    NativeConfig    `yaml:"native"`
	Memory    MemoryConfig    `yaml:"memory"`
	FTP       FTPConfig       `yaml:"ftp"`
	SFTP      SFTPConfig      `yaml:"sftp"`
	Cloud     CloudConfig     `yaml:"cloud"`
	S3        S3Config        `yaml:"s3"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Bookmarks BookmarksConfig `yaml:"bookmarks"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// CacheConfig bounds the directory cache of each network host.
type CacheConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	MaxEntries      int           `yaml:"max_entries"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// NetworkConfig represents network configuration
type NetworkConfig struct {
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Retry     RetryConfig     `yaml:"retry"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Breaker   BreakerConfig   `yaml:"circuit_breaker"`
}

// TimeoutConfig represents timeout settings
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Request time.Duration `yaml:"request"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      bool          `yaml:"jitter"`
}

// ReconnectConfig controls how lost sessions are re-established.
type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	ProbeAfter  time.Duration `yaml:"probe_after"`
}

// BreakerConfig guards cloud and S3 hosts against a failing service.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// NativeConfig represents local file system settings
type NativeConfig struct {
	WatchCoalesce time.Duration `yaml:"watch_coalesce"`
	Preallocate   bool          `yaml:"preallocate"`
}

// MemoryConfig represents in-memory host settings
type MemoryConfig struct {
	Capacity int64 `yaml:"capacity"`
}

// Passive data connection modes.
const (
	PassiveExtended = "extended" // EPSV, falling back to PASV
	PassiveLegacy   = "legacy"   // PASV only
)

// FTPConfig represents FTP settings
type FTPConfig struct {
	PoolSize    int           `yaml:"pool_size"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	Passive     string        `yaml:"passive"`
}

// SFTPConfig represents SFTP settings
type SFTPConfig struct {
	KnownHostsFile string `yaml:"known_hosts_file"`
}

// CloudConfig represents cloud drive settings
type CloudConfig struct {
	APIURL          string `yaml:"api_url"`
	ContentURL      string `yaml:"content_url"`
	ChunkSize       int    `yaml:"chunk_size"`
	BufferHighWater int    `yaml:"buffer_high_water"`
}

// S3Config represents object store settings
type S3Config struct {
	StorageTier          string             `yaml:"storage_tier"`
	TierConstraints      s3.TierConstraints `yaml:"tier_constraints"`
	MultipartThreshold   int64              `yaml:"multipart_threshold"`
	MultipartChunkSize   int64              `yaml:"multipart_chunk_size"`
	MultipartConcurrency int                `yaml:"multipart_concurrency"`
	ForcePathStyle       bool               `yaml:"force_path_style"`
	EnableCargoShip      bool               `yaml:"enable_cargoship"`
}

// ArchiveConfig represents archive browsing settings
type ArchiveConfig struct {
	MaxSpool int64 `yaml:"max_spool"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels,omitempty"`
}

// BookmarksConfig locates the bookmark store.
type BookmarksConfig struct {
	Path string `yaml:"path"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	bookmarks := "bookmarks.yaml"
	if dir, err := os.UserConfigDir(); err == nil {
		bookmarks = filepath.Join(dir, "vfs", "bookmarks.yaml")
	}

	return &Configuration{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Cache: CacheConfig{
			TTL:             30 * time.Second,
			MaxEntries:      512,
			CleanupInterval: time.Minute,
		},
		Network: NetworkConfig{
			Timeouts: TimeoutConfig{
				Connect: 10 * time.Second,
				Request: 30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    5 * time.Second,
				Multiplier:  2.0,
				Jitter:      true,
			},
			Reconnect: ReconnectConfig{
				MaxAttempts: 3,
				Delay:       time.Second,
				MaxDelay:    30 * time.Second,
				ProbeAfter:  30 * time.Second,
			},
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Native: NativeConfig{
			WatchCoalesce: 100 * time.Millisecond,
		},
		Memory: MemoryConfig{
			Capacity: 1 << 30,
		},
		FTP: FTPConfig{
			PoolSize:    4,
			IdleTimeout: time.Minute,
			Passive:     PassiveExtended,
		},
		Cloud: CloudConfig{
			APIURL:          "https://api.dropboxapi.com/2",
			ContentURL:      "https://content.dropboxapi.com/2",
			ChunkSize:       8 << 20,
			BufferHighWater: 1 << 20,
		},
		S3: S3Config{
			StorageTier:          s3.TierStandard,
			MultipartThreshold:   32 << 20,
			MultipartChunkSize:   16 << 20,
			MultipartConcurrency: 8,
		},
		Archive: ArchiveConfig{
			MaxSpool: 256 << 20,
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Port:      9102,
			Path:      "/metrics",
			Namespace: "vfs",
		},
		Bookmarks: BookmarksConfig{
			Path: bookmarks,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
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

// LoadFromEnv applies VFS_* environment overrides. Malformed values are
// reported rather than ignored.
func (c *Configuration) LoadFromEnv() error {
	return c.loadFromEnv(os.LookupEnv)
}

func (c *Configuration) loadFromEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.str("LOG_LEVEL", &c.Logging.Level)
	e.str("LOG_FORMAT", &c.Logging.Format)
	e.str("LOG_OUTPUT", &c.Logging.Output)

	e.duration("CACHE_TTL", &c.Cache.TTL)
	e.int("CACHE_MAX_ENTRIES", &c.Cache.MaxEntries)

	e.duration("CONNECT_TIMEOUT", &c.Network.Timeouts.Connect)
	e.duration("REQUEST_TIMEOUT", &c.Network.Timeouts.Request)
	e.int("RETRY_MAX_ATTEMPTS", &c.Network.Retry.MaxAttempts)
	e.duration("RETRY_BASE_DELAY", &c.Network.Retry.BaseDelay)
	e.duration("RETRY_MAX_DELAY", &c.Network.Retry.MaxDelay)
	e.bool("BREAKER_ENABLED", &c.Network.Breaker.Enabled)
	e.int("BREAKER_FAILURE_THRESHOLD", &c.Network.Breaker.FailureThreshold)
	e.duration("BREAKER_TIMEOUT", &c.Network.Breaker.Timeout)

	e.duration("NATIVE_WATCH_COALESCE", &c.Native.WatchCoalesce)
	e.bool("NATIVE_PREALLOCATE", &c.Native.Preallocate)

	e.int("FTP_POOL_SIZE", &c.FTP.PoolSize)
	e.duration("FTP_IDLE_TIMEOUT", &c.FTP.IdleTimeout)
	e.str("FTP_PASSIVE", &c.FTP.Passive)

	e.str("SFTP_KNOWN_HOSTS", &c.SFTP.KnownHostsFile)

	e.str("CLOUD_API_URL", &c.Cloud.APIURL)
	e.str("CLOUD_CONTENT_URL", &c.Cloud.ContentURL)
	e.int("CLOUD_CHUNK_SIZE", &c.Cloud.ChunkSize)

	e.str("S3_STORAGE_TIER", &c.S3.StorageTier)
	e.int64("S3_MULTIPART_THRESHOLD", &c.S3.MultipartThreshold)
	e.int64("S3_MULTIPART_CHUNK_SIZE", &c.S3.MultipartChunkSize)
	e.bool("S3_FORCE_PATH_STYLE", &c.S3.ForcePathStyle)
	e.bool("S3_ENABLE_CARGOSHIP", &c.S3.EnableCargoShip)

	e.bool("METRICS_ENABLED", &c.Metrics.Enabled)
	e.int("METRICS_PORT", &c.Metrics.Port)

	e.str("BOOKMARKS", &c.Bookmarks.Path)

	if len(e.errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(e.errs, "; "))
	}
	return nil
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []string
}

func (e *envReader) get(name string) (string, bool) {
	val, ok := e.lookup(EnvPrefix + name)
	return val, ok && val != ""
}

func (e *envReader) fail(name, val string, err error) {
	e.errs = append(e.errs, fmt.Sprintf("%s%s=%q: %v", EnvPrefix, name, val, err))
}

func (e *envReader) str(name string, dst *string) {
	if val, ok := e.get(name); ok {
		*dst = val
	}
}

func (e *envReader) int(name string, dst *int) {
	if val, ok := e.get(name); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(name string, dst *int64) {
	if val, ok := e.get(name); ok {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) bool(name string, dst *bool) {
	if val, ok := e.get(name); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if val, ok := e.get(name); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = d
	}
}

// SaveToFile saves the configuration to a YAML file
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

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("invalid logging.level: %s (must be one of: %s)",
			c.Logging.Level, strings.Join(validLogLevels, ", "))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("invalid logging.format: %s (must be json or console)", c.Logging.Format)
	}

	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be greater than 0")
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl cannot be negative")
	}

	if c.Network.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("network.retry.max_attempts must be greater than 0")
	}
	if c.Network.Retry.MaxDelay < c.Network.Retry.BaseDelay {
		return fmt.Errorf("network.retry.max_delay must not be below base_delay")
	}
	if c.Network.Timeouts.Connect <= 0 || c.Network.Timeouts.Request <= 0 {
		return fmt.Errorf("network.timeouts must be greater than 0")
	}
	if b := c.Network.Breaker; b.Enabled && (b.FailureThreshold <= 0 || b.Timeout <= 0) {
		return fmt.Errorf("network.circuit_breaker needs a positive failure_threshold and timeout")
	}

	if c.FTP.PoolSize <= 0 {
		return fmt.Errorf("ftp.pool_size must be greater than 0")
	}
	if c.FTP.Passive != PassiveExtended && c.FTP.Passive != PassiveLegacy {
		return fmt.Errorf("invalid ftp.passive: %s (must be %s or %s)", c.FTP.Passive, PassiveExtended, PassiveLegacy)
	}

	if c.Cloud.ChunkSize <= 0 {
		return fmt.Errorf("cloud.chunk_size must be greater than 0")
	}

	if _, ok := s3.StorageTiers[c.S3.StorageTier]; !ok {
		return fmt.Errorf("invalid s3.storage_tier: %s", c.S3.StorageTier)
	}
	if c.S3.MultipartChunkSize < 5<<20 {
		return fmt.Errorf("s3.multipart_chunk_size must be at least 5MiB")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics.port: %d", c.Metrics.Port)
	}

	if c.Bookmarks.Path == "" {
		return fmt.Errorf("bookmarks.path cannot be empty")
	}

	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// LoggerConfig converts the logging section.
func (c *Configuration) LoggerConfig() logging.Config {
	return logging.Config{
		Level:      strings.ToLower(c.Logging.Level),
		Format:     c.Logging.Format,
		OutputPath: c.Logging.Output,
	}
}

// RetryConfig converts the retry section. Network failures are always
// retried.
func (c *Configuration) RetryConfig() *retry.Config {
	r := retry.DefaultConfig()
	r.MaxAttempts = c.Network.Retry.MaxAttempts
	r.InitialDelay = c.Network.Retry.BaseDelay
	r.MaxDelay = c.Network.Retry.MaxDelay
	if c.Network.Retry.Multiplier > 0 {
		r.Multiplier = c.Network.Retry.Multiplier
	}
	r.Jitter = c.Network.Retry.Jitter
	return &r
}

// CacheConfig converts the cache section.
func (c *Configuration) CacheConfig() cache.CacheConfig {
	return cache.CacheConfig{
		MaxEntries:      c.Cache.MaxEntries,
		TTL:             c.Cache.TTL,
		CleanupInterval: c.Cache.CleanupInterval,
	}
}

// RecoveryConfig converts the reconnect section.
func (c *Configuration) RecoveryConfig() recovery.Config {
	r := recovery.DefaultConfig()
	r.ConnectionTimeout = c.Network.Timeouts.Connect
	r.MaxReconnectAttempts = c.Network.Reconnect.MaxAttempts
	r.ReconnectDelay = c.Network.Reconnect.Delay
	r.MaxReconnectDelay = c.Network.Reconnect.MaxDelay
	r.ProbeAfter = c.Network.Reconnect.ProbeAfter
	return r
}

// BreakerConfig converts the circuit breaker section. Nil means disabled.
func (c *Configuration) BreakerConfig() *circuit.Config {
	if !c.Network.Breaker.Enabled {
		return nil
	}
	b := circuit.DefaultConfig()
	b.FailureThreshold = uint32(c.Network.Breaker.FailureThreshold)
	b.Timeout = c.Network.Breaker.Timeout
	return &b
}

// MetricsCollectorConfig converts the metrics section.
func (c *Configuration) MetricsCollectorConfig() *metrics.Config {
	labels := make(map[string]string, len(c.Metrics.Labels))
	for k, v := range c.Metrics.Labels {
		labels[k] = v
	}
	return &metrics.Config{
		Enabled:   c.Metrics.Enabled,
		Port:      c.Metrics.Port,
		Path:      c.Metrics.Path,
		Namespace: c.Metrics.Namespace,
		Labels:    labels,
	}
}
