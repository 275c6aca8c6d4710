// Package config defines the YAML configuration schema for the cache
// engine: tier definitions, per-namespace policies, the invalidation bus,
// and the admin server.
package config

import "time"

// TierKind selects a tier adapter implementation.
type TierKind string

const (
	TierMemory TierKind = "memory"
	TierFile   TierKind = "file"
	TierBolt   TierKind = "bolt"
	TierRedis  TierKind = "redis"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig               `yaml:"server"`
	Logging    LoggingConfig              `yaml:"logging"`
	Bus        BusConfig                  `yaml:"bus"`
	Tiers      map[string]TierConfig      `yaml:"tiers"`
	Namespaces map[string]NamespaceConfig `yaml:"namespaces"`
	Defaults   NamespaceConfig            `yaml:"defaults"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// BusConfig configures the cross-process invalidation bus.
type BusConfig struct {
	// Kind is "redis", "mem", or "" to disable the bus.
	Kind      string `yaml:"kind"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	Channel   string `yaml:"channel"`
	// URL overrides Kind with a raw pubsub URL such as mem://invalidation.
	URL string `yaml:"url"`
}

// TierConfig defines one storage tier. Tiers are referenced by name from
// namespace configs; order decides lookup position, lowest first.
type TierConfig struct {
	Kind          TierKind `yaml:"kind"`
	Order         int      `yaml:"order"`
	CapacityBytes int64    `yaml:"capacity_bytes"`

	// MaxEntries applies to memory tiers.
	MaxEntries int `yaml:"max_entries"`

	// Path is the directory (file) or database file (bolt).
	Path string `yaml:"path"`

	// Ephemeral file tiers start empty on every open.
	Ephemeral bool `yaml:"ephemeral"`

	// Redis settings.
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// NamespaceConfig defines cache behavior for one namespace. Zero values
// inherit from the Defaults section.
type NamespaceConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	Tiers         []string      `yaml:"tiers"`
	Authoritative []string      `yaml:"authoritative"`

	// Promotion is "all" (default) or "next".
	Promotion string `yaml:"promotion"`

	// Strategy names the read-through policy for this namespace.
	Strategy     string        `yaml:"strategy"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig gates origin fetches for a namespace.
type BreakerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
	Timeout      time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a configuration with sane defaults: a single
// in-process memory tier serving every namespace.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MetricsEnabled:  true,
		},
		Logging: LoggingConfig{Level: "info"},
		Tiers: map[string]TierConfig{
			"memory": {Kind: TierMemory, Order: 0},
		},
		Namespaces: map[string]NamespaceConfig{},
		Defaults: NamespaceConfig{
			Tiers:    []string{"memory"},
			Strategy: "cache-first",
		},
	}
}

// Resolve fills a namespace config's zero fields from the defaults section.
func (c *Config) Resolve(ns NamespaceConfig) NamespaceConfig {
	d := c.Defaults
	if ns.TTL == 0 {
		ns.TTL = d.TTL
	}
	if len(ns.Tiers) == 0 {
		ns.Tiers = d.Tiers
	}
	if len(ns.Authoritative) == 0 {
		ns.Authoritative = d.Authoritative
	}
	if ns.Promotion == "" {
		ns.Promotion = d.Promotion
	}
	if ns.Strategy == "" {
		ns.Strategy = d.Strategy
	}
	if ns.FetchTimeout == 0 {
		ns.FetchTimeout = d.FetchTimeout
	}
	if !ns.Breaker.Enabled {
		ns.Breaker = d.Breaker
	}
	return ns
}

// Namespace returns the resolved config for a namespace, falling back to
// the defaults section for namespaces not declared in the file.
func (c *Config) Namespace(name string) NamespaceConfig {
	if ns, ok := c.Namespaces[name]; ok {
		return c.Resolve(ns)
	}
	return c.Resolve(NamespaceConfig{})
}
