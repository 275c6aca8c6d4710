package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables are left as-is.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

var validStrategies = map[string]bool{
	"": true, "cache-first": true, "network-first": true,
	"stale-while-revalidate": true, "cache-only": true, "network-only": true,
}

// validate checks configuration for errors.
func (l *Loader) validate(cfg *Config) error {
	if len(cfg.Tiers) == 0 {
		return fmt.Errorf("at least one tier is required")
	}

	ordersSeen := make(map[int]string)
	for name, tc := range cfg.Tiers {
		if err := l.validateTier(name, tc); err != nil {
			return err
		}
		if other, dup := ordersSeen[tc.Order]; dup {
			return fmt.Errorf("tiers %s and %s share order %d", other, name, tc.Order)
		}
		ordersSeen[tc.Order] = name
	}

	if err := l.validateNamespace("defaults", cfg, cfg.Defaults); err != nil {
		return err
	}
	for name, ns := range cfg.Namespaces {
		if name == "" {
			return fmt.Errorf("namespace name must not be empty")
		}
		if err := l.validateNamespace(name, cfg, cfg.Resolve(ns)); err != nil {
			return err
		}
	}

	switch cfg.Bus.Kind {
	case "", "redis", "mem":
	default:
		return fmt.Errorf("invalid bus kind: %s", cfg.Bus.Kind)
	}
	if cfg.Bus.Kind == "redis" && cfg.Bus.RedisAddr == "" {
		return fmt.Errorf("bus: redis_addr is required for the redis bus")
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", cfg.Logging.Level)
	}

	return nil
}

func (l *Loader) validateTier(name string, tc TierConfig) error {
	if name == "" {
		return fmt.Errorf("tier name must not be empty")
	}
	if tc.CapacityBytes < 0 {
		return fmt.Errorf("tier %s: capacity_bytes must not be negative", name)
	}

	switch tc.Kind {
	case TierMemory:
		if tc.MaxEntries < 0 {
			return fmt.Errorf("tier %s: max_entries must not be negative", name)
		}
	case TierFile:
		if tc.Path == "" {
			return fmt.Errorf("tier %s: path is required for file tiers", name)
		}
	case TierBolt:
		if tc.Path == "" {
			return fmt.Errorf("tier %s: path is required for bolt tiers", name)
		}
	case TierRedis:
		if tc.RedisAddr == "" {
			return fmt.Errorf("tier %s: redis_addr is required for redis tiers", name)
		}
	case "":
		return fmt.Errorf("tier %s: kind is required", name)
	default:
		return fmt.Errorf("tier %s: invalid kind: %s", name, tc.Kind)
	}
	return nil
}

func (l *Loader) validateNamespace(name string, cfg *Config, ns NamespaceConfig) error {
	if ns.TTL < 0 {
		return fmt.Errorf("namespace %s: ttl must not be negative", name)
	}
	for _, ref := range ns.Tiers {
		if _, ok := cfg.Tiers[ref]; !ok {
			return fmt.Errorf("namespace %s: unknown tier %q", name, ref)
		}
	}
	lookup := make(map[string]bool, len(ns.Tiers))
	for _, ref := range ns.Tiers {
		lookup[ref] = true
	}
	for _, ref := range ns.Authoritative {
		if !lookup[ref] {
			return fmt.Errorf("namespace %s: authoritative tier %q is not in its tier list", name, ref)
		}
	}
	switch ns.Promotion {
	case "", "all", "next":
	default:
		return fmt.Errorf("namespace %s: invalid promotion mode: %s", name, ns.Promotion)
	}
	if !validStrategies[ns.Strategy] {
		return fmt.Errorf("namespace %s: invalid strategy: %s", name, ns.Strategy)
	}
	if ns.FetchTimeout < 0 {
		return fmt.Errorf("namespace %s: fetch_timeout must not be negative", name)
	}
	if ns.Breaker.Enabled {
		if ns.Breaker.FailureRatio < 0 || ns.Breaker.FailureRatio > 1 {
			return fmt.Errorf("namespace %s: breaker failure_ratio must be within [0, 1]", name)
		}
	}
	return nil
}
