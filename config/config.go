// Package config provides configuration loading for the fetchurl service.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration. All limits are read once at
// construction of the components they feed.
type Config struct {
	Fetch   FetchConfig   `yaml:"fetch"`
	DNS     DNSConfig     `yaml:"dns"`
	Pool    PoolConfig    `yaml:"pool"`
	Cache   CacheConfig   `yaml:"cache"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// FetchConfig configures the safe-fetch pipeline.
type FetchConfig struct {
	// Timeout is the end-to-end HTTP timeout per request.
	Timeout string `yaml:"timeout"`
	// MaxRedirects is the redirect hop budget per fetch.
	MaxRedirects int `yaml:"max_redirects"`
	// MaxContentBytes caps the decoded response body.
	MaxContentBytes int64 `yaml:"max_content_bytes"`
	// UserAgent is the User-Agent header for outbound requests.
	UserAgent string `yaml:"user_agent"`
	// AllowPrivate permits loopback/private targets for local development.
	AllowPrivate bool `yaml:"allow_private"`
	// BlockedSuffixes are extra hostname suffixes to reject.
	BlockedSuffixes []string `yaml:"blocked_suffixes"`
	// MaxURLLength bounds accepted URL input.
	MaxURLLength int `yaml:"max_url_length"`
}

// DNSConfig configures the DNS preflight.
type DNSConfig struct {
	// LookupTimeout bounds each DNS operation.
	LookupTimeout string `yaml:"lookup_timeout"`
	// MaxCNAMEDepth bounds the CNAME chain walk.
	MaxCNAMEDepth int `yaml:"max_cname_depth"`
}

// PoolConfig configures the transform worker pool.
type PoolConfig struct {
	MinWorkers int `yaml:"min_workers"`
	MaxWorkers int `yaml:"max_workers"`
	// TaskTimeout bounds one transform from dispatch to settlement.
	TaskTimeout string `yaml:"task_timeout"`
	// QueueMultiplier sets the queue ceiling to capacity × multiplier.
	QueueMultiplier int `yaml:"queue_multiplier"`
	// AckGrace bounds the wait for a cancellation acknowledgment.
	AckGrace string `yaml:"ack_grace"`
	// Transport selects the worker host kind: "goroutine" or "process".
	Transport string `yaml:"transport"`
}

// CacheConfig configures the result cache.
type CacheConfig struct {
	TTL        string `yaml:"ttl"`
	MaxEntries int    `yaml:"max_entries"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics; empty disables the listener.
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Fetch: FetchConfig{
			Timeout:         "30s",
			MaxRedirects:    5,
			MaxContentBytes: 5 * 1024 * 1024,
			UserAgent:       "fetchurl/1.0",
			MaxURLLength:    2048,
		},
		DNS: DNSConfig{
			LookupTimeout: "5s",
			MaxCNAMEDepth: 5,
		},
		Pool: PoolConfig{
			MinWorkers:      1,
			MaxWorkers:      4,
			TaskTimeout:     "30s",
			QueueMultiplier: 32,
			AckGrace:        "200ms",
			Transport:       "goroutine",
		},
		Cache: CacheConfig{
			TTL:        "15m",
			MaxEntries: 256,
		},
		Metrics: MetricsConfig{},
	}
}

// LoadFromFile loads configuration from a YAML file layered over defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	for name, value := range map[string]string{
		"fetch.timeout":      c.Fetch.Timeout,
		"dns.lookup_timeout": c.DNS.LookupTimeout,
		"pool.task_timeout":  c.Pool.TaskTimeout,
		"pool.ack_grace":     c.Pool.AckGrace,
		"cache.ttl":          c.Cache.TTL,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if c.Fetch.MaxRedirects < 0 {
		return fmt.Errorf("fetch.max_redirects must be non-negative")
	}
	if c.Fetch.MaxContentBytes < 0 {
		return fmt.Errorf("fetch.max_content_bytes must be non-negative")
	}
	if c.Pool.MinWorkers < 0 || c.Pool.MaxWorkers < 0 {
		return fmt.Errorf("pool worker counts must be non-negative")
	}
	if c.Pool.MaxWorkers > 0 && c.Pool.MinWorkers > c.Pool.MaxWorkers {
		return fmt.Errorf("pool.min_workers (%d) exceeds pool.max_workers (%d)",
			c.Pool.MinWorkers, c.Pool.MaxWorkers)
	}
	if t := c.Pool.Transport; t != "" && t != "goroutine" && t != "process" {
		return fmt.Errorf("pool.transport must be \"goroutine\" or \"process\", got %q", t)
	}
	return nil
}

// parseDurationOrDefault parses a duration string and returns the default
// if empty or invalid.
func parseDurationOrDefault(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// GetFetchTimeout returns the fetch timeout as a duration.
func (c *Config) GetFetchTimeout() time.Duration {
	return parseDurationOrDefault(c.Fetch.Timeout, 30*time.Second)
}

// GetLookupTimeout returns the DNS lookup timeout as a duration.
func (c *Config) GetLookupTimeout() time.Duration {
	return parseDurationOrDefault(c.DNS.LookupTimeout, 5*time.Second)
}

// GetTaskTimeout returns the pool task timeout as a duration.
func (c *Config) GetTaskTimeout() time.Duration {
	return parseDurationOrDefault(c.Pool.TaskTimeout, 30*time.Second)
}

// GetAckGrace returns the cancellation ack grace window as a duration.
func (c *Config) GetAckGrace() time.Duration {
	return parseDurationOrDefault(c.Pool.AckGrace, 200*time.Millisecond)
}

// GetCacheTTL returns the cache TTL as a duration.
func (c *Config) GetCacheTTL() time.Duration {
	return parseDurationOrDefault(c.Cache.TTL, 15*time.Minute)
}

// GetUserAgent returns the user agent with default.
func (c *Config) GetUserAgent() string {
	if c.Fetch.UserAgent == "" {
		return "fetchurl/1.0"
	}
	return c.Fetch.UserAgent
}
