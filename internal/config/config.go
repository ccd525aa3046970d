package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/drmcore/drmcore/pkg/utils"
)

// Environment variables consulted by LoadFromEnv.
const (
	EnvDriverOverride = "MESA_LOADER_DRIVER_OVERRIDE"
	EnvForceVTest     = "FD_FORCE_VTEST"
	EnvDebug          = "LIBGL_DEBUG"

	EnvLogLevel       = "DRMCORE_LOG_LEVEL"
	EnvLogFormat      = "DRMCORE_LOG_FORMAT"
	EnvLogFile        = "DRMCORE_LOG_FILE"
	EnvThreadedSubmit = "DRMCORE_THREADED_SUBMIT"
	EnvSubmitWorkers  = "DRMCORE_SUBMIT_WORKERS"
	EnvHeapEnabled    = "DRMCORE_HEAP_ENABLED"
	EnvCacheMaxAge    = "DRMCORE_CACHE_MAX_AGE"
	EnvMetricsPort    = "DRMCORE_METRICS_PORT"
	EnvMemoryMonitor  = "DRMCORE_MEMORY_MONITOR"
)

// Configuration represents the complete device configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Device     DeviceConfig     `yaml:"device"`
	Cache      CacheConfig      `yaml:"cache"`
	Heap       HeapConfig       `yaml:"heap"`
	Submit     SubmitConfig     `yaml:"submit"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents logging settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

// DeviceConfig controls version probing and backend selection
type DeviceConfig struct {
	// DriverOverride names a driver family; a supported family skips the
	// kernel version query.
	DriverOverride string `yaml:"driver_override"`
	// ForceVTest selects the virtualized backend over a detached transport.
	ForceVTest bool `yaml:"force_vtest"`
	Debug      bool `yaml:"debug"`

	// RenderNodes lists the kernel driver names Open accepts, in order.
	RenderNodes []string `yaml:"render_nodes"`
	// RejectedOverrides are override values that fail without detection.
	RejectedOverrides []string `yaml:"rejected_overrides"`
}

// CacheConfig represents buffer cache settings
type CacheConfig struct {
	MaxBucketSize string        `yaml:"max_bucket_size"`
	MaxAge        time.Duration `yaml:"max_age"`
}

// HeapConfig represents sub-allocation heap settings
type HeapConfig struct {
	Enabled         bool   `yaml:"enabled"`
	BlockSize       string `yaml:"block_size"`
	MaxBlocks       int    `yaml:"max_blocks"`
	MinGen          int    `yaml:"min_gen"`
	MaxSuballocSize string `yaml:"max_suballoc_size"`
	Alignment       int    `yaml:"alignment"`
	ObjectSize      string `yaml:"object_size"`
}

// SubmitConfig represents deferred submission settings
type SubmitConfig struct {
	Threaded bool `yaml:"threaded"`
	Workers  int  `yaml:"workers"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Memory  MemoryConfig  `yaml:"memory"`
}

// MemoryConfig controls the buffer memory monitor
type MemoryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	// PurgeThreshold is the cached size above which the caches are purged.
	PurgeThreshold string  `yaml:"purge_threshold"`
	AlertThreshold float64 `yaml:"alert_threshold"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Port         int               `yaml:"port"`
	Path         string            `yaml:"path"`
	Namespace    string            `yaml:"namespace"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
			LogFile:   "",
		},
		Device: DeviceConfig{
			RenderNodes:       []string{"msm", "virtio_gpu"},
			RejectedOverrides: []string{"virtio_gpu"},
		},
		Cache: CacheConfig{
			MaxBucketSize: "64MB",
			MaxAge:        time.Second,
		},
		Heap: HeapConfig{
			Enabled:         true,
			BlockSize:       "4MB",
			MaxBlocks:       256,
			MinGen:          6,
			MaxSuballocSize: "1MB",
			Alignment:       64,
			ObjectSize:      "32KB",
		},
		Submit: SubmitConfig{
			Threaded: false,
			Workers:  1,
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   false,
				Port:      9464,
				Path:      "/metrics",
				Namespace: "drmcore",
				CustomLabels: map[string]string{
					"service": "drmcore",
				},
			},
			Memory: MemoryConfig{
				Enabled:        false,
				SampleInterval: 10 * time.Second,
				PurgeThreshold: "256MB",
				AlertThreshold: 50,
			},
		},
	}
}

// Load builds a configuration from defaults, an optional YAML file and the
// environment, in that order, and validates the result.
func Load(filename string) (*Configuration, error) {
	cfg := NewDefault()
	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
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

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Device selection
	if val, ok := os.LookupEnv(EnvDriverOverride); ok {
		c.Device.DriverOverride = val
	}
	if val := os.Getenv(EnvForceVTest); val != "" {
		force, err := parseBool(val)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvForceVTest, err)
		}
		c.Device.ForceVTest = force
	}
	if val := os.Getenv(EnvDebug); val != "" {
		// any value other than an explicit false enables diagnostics
		if debug, err := parseBool(val); err == nil {
			c.Device.Debug = debug
		} else {
			c.Device.Debug = true
		}
	}

	// Logging
	if val := os.Getenv(EnvLogLevel); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv(EnvLogFormat); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv(EnvLogFile); val != "" {
		c.Global.LogFile = val
	}

	// Submission and heaps
	if val := os.Getenv(EnvThreadedSubmit); val != "" {
		if threaded, err := parseBool(val); err == nil {
			c.Submit.Threaded = threaded
		}
	}
	if val := os.Getenv(EnvSubmitWorkers); val != "" {
		if workers, err := strconv.Atoi(val); err == nil {
			c.Submit.Workers = workers
		}
	}
	if val := os.Getenv(EnvHeapEnabled); val != "" {
		if enabled, err := parseBool(val); err == nil {
			c.Heap.Enabled = enabled
		}
	}

	// Cache settings
	if val := os.Getenv(EnvCacheMaxAge); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Cache.MaxAge = duration
		}
	}

	if val := os.Getenv(EnvMetricsPort); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Monitoring.Metrics.Port = port
		}
	}
	if val := os.Getenv(EnvMemoryMonitor); val != "" {
		if enabled, err := parseBool(val); err == nil {
			c.Monitoring.Memory.Enabled = enabled
		}
	}

	return nil
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
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %s (must be one of: TRACE, DEBUG, INFO, WARN, ERROR, FATAL, OFF)",
			c.Global.LogLevel)
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return fmt.Errorf("invalid log_format: %s", c.Global.LogFormat)
	}

	sizes := []struct {
		name  string
		value string
	}{
		{"cache.max_bucket_size", c.Cache.MaxBucketSize},
		{"heap.block_size", c.Heap.BlockSize},
		{"heap.max_suballoc_size", c.Heap.MaxSuballocSize},
		{"heap.object_size", c.Heap.ObjectSize},
	}
	for _, s := range sizes {
		n, err := utils.ParseBytes(s.value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", s.name, err)
		}
		if n <= 0 {
			return fmt.Errorf("%s must be greater than 0", s.name)
		}
	}

	if c.Cache.MaxAge < 0 {
		return fmt.Errorf("cache.max_age must not be negative")
	}
	if c.Heap.MaxBlocks <= 0 {
		return fmt.Errorf("heap.max_blocks must be greater than 0")
	}
	if c.Heap.Alignment <= 0 || c.Heap.Alignment&(c.Heap.Alignment-1) != 0 {
		return fmt.Errorf("heap.alignment must be a power of two, got %d", c.Heap.Alignment)
	}
	if c.Heap.MaxSuballocBytes() > c.Heap.BlockBytes() {
		return fmt.Errorf("heap.max_suballoc_size must not exceed heap.block_size")
	}
	if c.Submit.Workers <= 0 {
		return fmt.Errorf("submit.workers must be greater than 0")
	}
	if c.Monitoring.Metrics.Enabled && (c.Monitoring.Metrics.Port <= 0 || c.Monitoring.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Monitoring.Metrics.Port)
	}
	if m := c.Monitoring.Memory; m.Enabled {
		if m.SampleInterval <= 0 {
			return fmt.Errorf("monitoring.memory.sample_interval must be greater than 0")
		}
		if _, err := utils.ParseBytes(m.PurgeThreshold); m.PurgeThreshold != "" && err != nil {
			return fmt.Errorf("invalid monitoring.memory.purge_threshold: %w", err)
		}
	}
	if len(c.Device.RenderNodes) == 0 {
		return fmt.Errorf("device.render_nodes must not be empty")
	}

	return nil
}

// IsRejectedOverride reports whether name is an override that must fail
// without attempting detection.
func (d *DeviceConfig) IsRejectedOverride(name string) bool {
	for _, r := range d.RejectedOverrides {
		if r == name {
			return true
		}
	}
	return false
}

// MaxBucketBytes returns the cache ceiling in bytes.
func (c *CacheConfig) MaxBucketBytes() int64 {
	return bytesOr(c.MaxBucketSize, 64<<20)
}

// BlockBytes returns the heap backing block size in bytes.
func (h *HeapConfig) BlockBytes() int64 {
	return bytesOr(h.BlockSize, 4<<20)
}

// MaxSuballocBytes returns the largest size served by a heap, exclusive.
func (h *HeapConfig) MaxSuballocBytes() int64 {
	return bytesOr(h.MaxSuballocSize, 1<<20)
}

// ObjectBytes returns the size of the small-object backing buffer.
func (h *HeapConfig) ObjectBytes() int64 {
	return bytesOr(h.ObjectSize, 32<<10)
}

// PurgeBytes returns the purge threshold in bytes; zero disables purging.
func (m *MemoryConfig) PurgeBytes() int64 {
	if m.PurgeThreshold == "" {
		return 0
	}
	return bytesOr(m.PurgeThreshold, 0)
}

func bytesOr(s string, def int64) int64 {
	n, err := utils.ParseBytes(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "y", "yes", "t", "true", "on":
		return true, nil
	case "0", "n", "no", "f", "false", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}
