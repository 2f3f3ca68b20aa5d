// Package config loads the gateway's static configuration: a YAML file
// overlaid on built-in defaults, then environment overrides. Everything is
// read once at start; there is no reload.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/yourusername/chatgate/auth"
	"github.com/yourusername/chatgate/core"
	"github.com/yourusername/chatgate/degrade"
	"github.com/yourusername/chatgate/policy"
	"github.com/yourusername/chatgate/store"
)

// ErrInvalidConfig is returned for unreadable or inconsistent configuration
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the gateway configuration.
type Config struct {
	// Listen is the HTTP listen address
	Listen string `yaml:"listen"`

	Log         LogConfig         `yaml:"log"`
	Redis       RedisConfig       `yaml:"redis"`
	Limits      LimitsConfig      `yaml:"limits"`
	Degradation DegradationConfig `yaml:"degradation"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`

	// APIKeys maps bearer tokens to callers
	APIKeys map[string]auth.Identity `yaml:"api_keys,omitempty"`
}

// LogConfig controls zerolog output
type LogConfig struct {
	Level  string `yaml:"level"`  // zerolog level name
	Pretty bool   `yaml:"pretty"` // console writer instead of JSON
}

// RedisConfig describes the shared bucket store. An empty Addr selects the
// in-process memory store, which only suits a single gateway.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Mode         string        `yaml:"mode"`       // "script" or "watch"
	KeyPrefix    string        `yaml:"key_prefix"` // default "ratelimit"
	Timeout      time.Duration `yaml:"timeout"`    // client dial/read/write timeout
	PoolSize     int           `yaml:"pool_size"`
	WatchRetries int           `yaml:"watch_retries"`
}

// LimitsConfig defines the tier table and the global policy
type LimitsConfig struct {
	DefaultTier string                  `yaml:"default_tier"`
	Tiers       map[string]PolicyConfig `yaml:"tiers"`
	Global      PolicyConfig            `yaml:"global"`
	TTL         TTLConfig               `yaml:"ttl"`
}

// PolicyConfig defines one bucket policy. Either PerMinute, or Capacity and
// RefillRate, may be given.
type PolicyConfig struct {
	// PerMinute is shorthand for capacity N refilling N tokens per minute
	PerMinute int64 `yaml:"per_minute,omitempty"`

	// Capacity is the maximum number of tokens (burst size)
	Capacity int64 `yaml:"capacity,omitempty"`

	// RefillRate is the number of tokens added per second.
	// Zero makes the policy a static quota.
	RefillRate float64 `yaml:"refill_rate,omitempty"`
}

// UnmarshalYAML replaces the whole policy instead of merging fields into the
// default, so a file may switch a policy from per_minute to capacity form.
func (p *PolicyConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain PolicyConfig
	var decoded plain
	if err := value.Decode(&decoded); err != nil {
		return err
	}
	*p = PolicyConfig(decoded)
	return nil
}

// TTLConfig controls bucket expiry in the store
type TTLConfig struct {
	Multiplier float64       `yaml:"multiplier"`
	Min        time.Duration `yaml:"min"`
	Static     time.Duration `yaml:"static"`
}

// DegradationConfig controls the fail-open path
type DegradationConfig struct {
	// StoreTimeout bounds every store call
	StoreTimeout time.Duration `yaml:"store_timeout"`

	// LogEvery throttles degradation warnings
	LogEvery time.Duration `yaml:"log_every"`
}

// TelemetryConfig controls the OpenTelemetry meter provider
type TelemetryConfig struct {
	// ExportInterval is how often counters are written to stderr.
	// Zero installs the provider without an exporter.
	ExportInterval time.Duration `yaml:"export_interval"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Log:    LogConfig{Level: "info"},
		Redis: RedisConfig{
			Mode:         store.ModeScript,
			KeyPrefix:    "ratelimit",
			Timeout:      100 * time.Millisecond,
			WatchRetries: 16,
		},
		Limits: LimitsConfig{
			DefaultTier: policy.TierFree,
			Tiers: map[string]PolicyConfig{
				policy.TierFree:       {PerMinute: 10},
				policy.TierPro:        {PerMinute: 100},
				policy.TierEnterprise: {PerMinute: 1000},
			},
			Global: PolicyConfig{PerMinute: 10000},
			TTL: TTLConfig{
				Multiplier: 3,
				Min:        time.Minute,
				Static:     24 * time.Hour,
			},
		},
		Degradation: DegradationConfig{
			StoreTimeout: 50 * time.Millisecond,
			LogEvery:     time.Second,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
// Tiers named in the file replace or add to the default tiers.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read config file: %v", ErrInvalidConfig, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("%w: failed to parse YAML: %v", ErrInvalidConfig, err)
		}
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() {
	c.Listen = getEnv("CHATGATE_LISTEN", c.Listen)
	c.Log.Level = getEnv("CHATGATE_LOG_LEVEL", c.Log.Level)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("%w: listen address is empty", ErrInvalidConfig)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log level: %v", ErrInvalidConfig, err)
	}

	switch c.Redis.Mode {
	case "", store.ModeScript, store.ModeWatch:
	default:
		return fmt.Errorf("%w: unknown redis mode %q", ErrInvalidConfig, c.Redis.Mode)
	}
	if c.Redis.WatchRetries < 0 || c.Redis.PoolSize < 0 {
		return fmt.Errorf("%w: redis pool_size and watch_retries must not be negative", ErrInvalidConfig)
	}

	if _, err := c.PolicyTable(); err != nil {
		return err
	}

	ttl := c.Limits.TTL
	if ttl.Multiplier <= 0 || ttl.Min <= 0 || ttl.Static <= 0 {
		return fmt.Errorf("%w: ttl multiplier, min and static must be positive", ErrInvalidConfig)
	}
	if c.Degradation.StoreTimeout <= 0 {
		return fmt.Errorf("%w: degradation store_timeout must be positive", ErrInvalidConfig)
	}
	if c.Telemetry.ExportInterval < 0 {
		return fmt.Errorf("%w: telemetry export_interval must not be negative", ErrInvalidConfig)
	}

	for token, id := range c.APIKeys {
		if token == "" || id.ID == "" {
			return fmt.Errorf("%w: api key entries need a token and an identity", ErrInvalidConfig)
		}
	}
	return nil
}

// Policy converts a PolicyConfig to a core.Policy.
func (p PolicyConfig) Policy() (core.Policy, error) {
	if p.PerMinute != 0 {
		if p.Capacity != 0 || p.RefillRate != 0 {
			return core.Policy{}, errors.New("per_minute cannot be combined with capacity or refill_rate")
		}
		if p.PerMinute < 0 {
			return core.Policy{}, core.ErrNegativeCapacity
		}
		return core.PerMinute(p.PerMinute), nil
	}

	policy := core.Policy{Capacity: p.Capacity, RefillRate: p.RefillRate}
	if err := policy.Validate(); err != nil {
		return core.Policy{}, err
	}
	return policy, nil
}

// PolicyTable builds the tier resolver.
func (c *Config) PolicyTable() (*policy.Table, error) {
	tiers := make(map[string]core.Policy, len(c.Limits.Tiers))
	for name, pc := range c.Limits.Tiers {
		p, err := pc.Policy()
		if err != nil {
			return nil, fmt.Errorf("%w: invalid policy for tier %s: %v", ErrInvalidConfig, name, err)
		}
		tiers[name] = p
	}

	global, err := c.Limits.Global.Policy()
	if err != nil {
		return nil, fmt.Errorf("%w: invalid global policy: %v", ErrInvalidConfig, err)
	}

	table, err := policy.NewTable(tiers, c.Limits.DefaultTier, global)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return table, nil
}

// IdleTTL returns the bucket expiry settings.
func (c *Config) IdleTTL() policy.IdleTTL {
	return policy.IdleTTL{
		Multiplier: c.Limits.TTL.Multiplier,
		Min:        c.Limits.TTL.Min,
		Static:     c.Limits.TTL.Static,
	}
}

// DegradeConfig returns the controller settings. The sink is left to the caller.
func (c *Config) DegradeConfig() degrade.Config {
	return degrade.Config{
		KeyPrefix: c.Redis.KeyPrefix,
		Timeout:   c.Degradation.StoreTimeout,
		LogEvery:  c.Degradation.LogEvery,
	}
}

// RedisClientConfig returns the go-redis client settings.
func (c *Config) RedisClientConfig() store.RedisConfig {
	return store.RedisConfig{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		Timeout:  c.Redis.Timeout,
		PoolSize: c.Redis.PoolSize,
	}
}

// RedisOptions returns the store options for the configured mode.
func (c *Config) RedisOptions() []store.RedisOption {
	opts := []store.RedisOption{store.WithMode(c.Redis.Mode)}
	if c.Redis.WatchRetries > 0 {
		opts = append(opts, store.WithWatchRetries(c.Redis.WatchRetries))
	}
	return opts
}

// Authenticator returns the static key table.
func (c *Config) Authenticator() auth.StaticKeys {
	keys := make(auth.StaticKeys, len(c.APIKeys))
	for token, id := range c.APIKeys {
		keys[token] = id
	}
	return keys
}

// LogLevel returns the parsed log level. Validate has already checked it.
func (c *Config) LogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
