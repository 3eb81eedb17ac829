package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for the trustpipe service.
type Config struct {
	// HTTP front door
	Addr string `yaml:"addr" json:"addr"`
	UA   string `yaml:"ua" json:"ua"`

	// Identity resolver
	ResolverBase       string `yaml:"resolver_base" json:"resolver_base"`
	ResolverTimeoutSec int    `yaml:"resolver_timeout_sec" json:"resolver_timeout_sec"`
	RecentPostsLimit   int    `yaml:"recent_posts_limit" json:"recent_posts_limit"`

	// Manifest fetching
	FetchTimeoutSec int     `yaml:"fetch_timeout_sec" json:"fetch_timeout_sec"`
	FetchMaxBytes   int64   `yaml:"fetch_max_bytes" json:"fetch_max_bytes"`
	FetchPerHostRPS float64 `yaml:"fetch_per_host_rps" json:"fetch_per_host_rps"`
	FetchBurst      int     `yaml:"fetch_burst" json:"fetch_burst"`

	// Verification challenges
	ChallengeTTLMin  int `yaml:"challenge_ttl_min" json:"challenge_ttl_min"`
	SweepIntervalSec int `yaml:"sweep_interval_sec" json:"sweep_interval_sec"`

	// Job execution
	Workers        int `yaml:"workers" json:"workers"`
	JobMaxAttempts int `yaml:"job_max_attempts" json:"job_max_attempts"`

	// Storage / queue backends (empty means in-memory)
	PostgresDSN    string `yaml:"postgres_dsn" json:"postgres_dsn"`
	RedisQueueAddr string `yaml:"redis_queue_addr" json:"redis_queue_addr"`
	RedisQueueKey  string `yaml:"redis_queue_key" json:"redis_queue_key"`

	// Event webhook
	EventsIngest   string `yaml:"events_ingest" json:"events_ingest"`
	EventsSpoolDir string `yaml:"events_spool_dir" json:"events_spool_dir"`
	EventsBatchMax int    `yaml:"events_batch_max" json:"events_batch_max"`
	EventsFlushSec int    `yaml:"events_flush_sec" json:"events_flush_sec"`

	// Observability
	MetricsAddr  string `yaml:"metrics_addr" json:"metrics_addr"`
	OTELEndpoint string `yaml:"otel_endpoint" json:"otel_endpoint"`
	OTELInsecure bool   `yaml:"otel_insecure" json:"otel_insecure"`
	OTELService  string `yaml:"otel_service" json:"otel_service"`
}

// SetDefaults fills zero values with service defaults.
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.UA == "" {
		c.UA = "TrustpipeBot/1.0 (+https://github.com/skydir/trustpipe)"
	}
	if c.ResolverBase == "" {
		c.ResolverBase = "https://public.api.bsky.app"
	}
	if c.ResolverTimeoutSec == 0 {
		c.ResolverTimeoutSec = 10
	}
	if c.RecentPostsLimit == 0 {
		c.RecentPostsLimit = 50
	}
	if c.FetchTimeoutSec == 0 {
		c.FetchTimeoutSec = 10
	}
	if c.FetchMaxBytes == 0 {
		c.FetchMaxBytes = 1 << 20
	}
	if c.FetchPerHostRPS == 0 {
		c.FetchPerHostRPS = 1.0
	}
	if c.FetchBurst == 0 {
		c.FetchBurst = 2
	}
	if c.ChallengeTTLMin == 0 {
		c.ChallengeTTLMin = 15
	}
	if c.SweepIntervalSec == 0 {
		c.SweepIntervalSec = 60
	}
	if c.Workers == 0 {
		c.Workers = 8
	}
	if c.JobMaxAttempts == 0 {
		c.JobMaxAttempts = 5
	}
	if c.RedisQueueKey == "" {
		c.RedisQueueKey = "trustpipe:jobs"
	}
	if c.EventsSpoolDir == "" {
		c.EventsSpoolDir = "spool"
	}
	if c.EventsBatchMax == 0 {
		c.EventsBatchMax = 200
	}
	if c.EventsFlushSec == 0 {
		c.EventsFlushSec = 2
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.OTELService == "" {
		c.OTELService = "trustpipe"
	}
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("job_max_attempts must be at least 1")
	}
	if c.FetchMaxBytes < 1 {
		return fmt.Errorf("fetch_max_bytes must be at least 1")
	}
	if c.ChallengeTTLMin < 1 {
		return fmt.Errorf("challenge_ttl_min must be at least 1")
	}
	if c.SweepIntervalSec < 1 {
		return fmt.Errorf("sweep_interval_sec must be at least 1")
	}
	if !strings.HasPrefix(c.ResolverBase, "http://") && !strings.HasPrefix(c.ResolverBase, "https://") {
		return fmt.Errorf("resolver_base must be an http(s) URL")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// MergeWithFlags overlays command-line flag values onto the config. Only
// flags the user actually set are applied.
func (c *Config) MergeWithFlags(flags map[string]interface{}) {
	if v, ok := flags["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := flags["ua"].(string); ok && v != "" {
		c.UA = v
	}
	if v, ok := flags["resolver_base"].(string); ok && v != "" {
		c.ResolverBase = v
	}
	if v, ok := flags["workers"].(int); ok && v > 0 {
		c.Workers = v
	}
	if v, ok := flags["postgres_dsn"].(string); ok && v != "" {
		c.PostgresDSN = v
	}
	if v, ok := flags["redis_queue_addr"].(string); ok && v != "" {
		c.RedisQueueAddr = v
	}
	if v, ok := flags["redis_queue_key"].(string); ok && v != "" {
		c.RedisQueueKey = v
	}
	if v, ok := flags["events_ingest"].(string); ok && v != "" {
		c.EventsIngest = v
	}
	if v, ok := flags["events_spool_dir"].(string); ok && v != "" {
		c.EventsSpoolDir = v
	}
	if v, ok := flags["metrics_addr"].(string); ok && v != "" {
		c.MetricsAddr = v
	}
	if v, ok := flags["otel_endpoint"].(string); ok && v != "" {
		c.OTELEndpoint = v
	}
	if v, ok := flags["otel_service"].(string); ok && v != "" {
		c.OTELService = v
	}
	if v, ok := flags["otel_insecure"].(bool); ok {
		c.OTELInsecure = v
	}
}

// LoadFromEnv overlays backend addresses from environment variables.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		c.PostgresDSN = v
	}
	if v := os.Getenv("REDIS_QUEUE_ADDR"); v != "" {
		c.RedisQueueAddr = v
	}
	if v := os.Getenv("REDIS_QUEUE_KEY"); v != "" {
		c.RedisQueueKey = v
	}
	if v := os.Getenv("RESOLVER_BASE"); v != "" {
		c.ResolverBase = v
	}
}
