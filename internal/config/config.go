package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModeProduction  Mode = "production"
	ModeDevelopment Mode = "development"
)

// EnvEngineURL overrides engine.base_url when set.
const EnvEngineURL = "DGRAPH_ENGINE_URL"

// BackoffConfig delays are pointers so an explicit 0 survives defaulting.
type BackoffConfig struct {
	InitialDelayMS *int    `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`
	BackoffFactor  float64 `json:"backoff_factor" yaml:"backoff_factor"`
	MaxDelayMS     *int    `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
	Jitter         bool    `json:"jitter" yaml:"jitter"`
}

func NewBackoff(initialMS int, factor float64, maxMS int) BackoffConfig {
	return BackoffConfig{InitialDelayMS: &initialMS, BackoffFactor: factor, MaxDelayMS: &maxMS}
}

// Initial returns the first retry delay; unset means none.
func (b BackoffConfig) Initial() int {
	if b.InitialDelayMS == nil {
		return 0
	}
	return *b.InitialDelayMS
}

// Cap returns the delay ceiling and whether one is set.
func (b BackoffConfig) Cap() (int, bool) {
	if b.MaxDelayMS == nil {
		return 0, false
	}
	return *b.MaxDelayMS, true
}

type EngineConfig struct {
	BaseURL            string `json:"base_url" yaml:"base_url"`
	TimeoutMS          int    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	PreflightTimeoutMS int    `json:"preflight_timeout_ms,omitempty" yaml:"preflight_timeout_ms,omitempty"`
	ProbeTimeoutMS     int    `json:"probe_timeout_ms,omitempty" yaml:"probe_timeout_ms,omitempty"`
}

type RetryConfig struct {
	MaxRetries      *int          `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	MaxRetryAfterMS int           `json:"max_retry_after_ms,omitempty" yaml:"max_retry_after_ms,omitempty"`
	Backoff         BackoffConfig `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

type StreamConfig struct {
	Enabled   *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	TickCount int   `json:"tick_count,omitempty" yaml:"tick_count,omitempty"`
}

type CancelConfig struct {
	TargetMS int `json:"target_ms,omitempty" yaml:"target_ms,omitempty"`
}

type CacheBackend string

const (
	CacheMemory CacheBackend = "memory"
	CacheFile   CacheBackend = "file"
	CacheSQLite CacheBackend = "sqlite"
	CacheRedis  CacheBackend = "redis"
)

type CacheConfig struct {
	TTLMS     int          `json:"ttl_ms,omitempty" yaml:"ttl_ms,omitempty"`
	Backend   CacheBackend `json:"backend,omitempty" yaml:"backend,omitempty"`
	Path      string       `json:"path,omitempty" yaml:"path,omitempty"`
	RedisAddr string       `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisKey  string       `json:"redis_key,omitempty" yaml:"redis_key,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
}

// Config is the client runtime configuration file.
type Config struct {
	Version int  `json:"version" yaml:"version"`
	Mode    Mode `json:"mode,omitempty" yaml:"mode,omitempty"`

	Engine EngineConfig `json:"engine" yaml:"engine"`
	Retry  RetryConfig  `json:"retry,omitempty" yaml:"retry,omitempty"`

	// DeterminismPolicy is strict or permissive. Empty derives from Mode.
	DeterminismPolicy string `json:"determinism_policy,omitempty" yaml:"determinism_policy,omitempty"`
	// LimitsPolicy is fallback or never. Empty derives from Mode.
	LimitsPolicy string `json:"limits_policy,omitempty" yaml:"limits_policy,omitempty"`

	Stream  StreamConfig  `json:"stream,omitempty" yaml:"stream,omitempty"`
	Cancel  CancelConfig  `json:"cancel,omitempty" yaml:"cancel,omitempty"`
	Cache   CacheConfig   `json:"cache,omitempty" yaml:"cache,omitempty"`
	Logging LoggingConfig `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// Default returns a production config pointing at baseURL.
func Default(baseURL string) *Config {
	cfg := &Config{Engine: EngineConfig{BaseURL: baseURL}}
	ApplyDefaults(cfg)
	return cfg
}

// Load reads a YAML or JSON config (by extension), applies defaults, and validates it.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvEngineURL)); v != "" {
		cfg.Engine.BaseURL = v
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	cfg.Mode = Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if cfg.Mode == "" {
		cfg.Mode = ModeProduction
	}
	cfg.Engine.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Engine.BaseURL), "/")
	if cfg.Engine.TimeoutMS == 0 {
		cfg.Engine.TimeoutMS = 30_000
	}
	if cfg.Engine.PreflightTimeoutMS == 0 {
		cfg.Engine.PreflightTimeoutMS = 2_000
	}
	if cfg.Engine.ProbeTimeoutMS == 0 {
		cfg.Engine.ProbeTimeoutMS = 1_500
	}

	if cfg.Retry.MaxRetries == nil {
		v := 2
		cfg.Retry.MaxRetries = &v
	}
	if cfg.Retry.MaxRetryAfterMS == 0 {
		cfg.Retry.MaxRetryAfterMS = 10_000
	}
	if cfg.Retry.Backoff.InitialDelayMS == nil {
		v := 250
		cfg.Retry.Backoff.InitialDelayMS = &v
	}
	if cfg.Retry.Backoff.BackoffFactor == 0 {
		cfg.Retry.Backoff.BackoffFactor = 2.0
	}
	if cfg.Retry.Backoff.MaxDelayMS == nil {
		v := 4_000
		cfg.Retry.Backoff.MaxDelayMS = &v
	}

	cfg.DeterminismPolicy = strings.ToLower(strings.TrimSpace(cfg.DeterminismPolicy))
	if cfg.DeterminismPolicy == "" {
		cfg.DeterminismPolicy = "strict"
		if cfg.Mode == ModeDevelopment {
			cfg.DeterminismPolicy = "permissive"
		}
	}
	cfg.LimitsPolicy = strings.ToLower(strings.TrimSpace(cfg.LimitsPolicy))
	if cfg.LimitsPolicy == "" {
		cfg.LimitsPolicy = "never"
		if cfg.Mode == ModeDevelopment {
			cfg.LimitsPolicy = "fallback"
		}
	}

	if cfg.Stream.Enabled == nil {
		t := true
		cfg.Stream.Enabled = &t
	}
	if cfg.Stream.TickCount == 0 {
		cfg.Stream.TickCount = 5
	}
	if cfg.Cancel.TargetMS == 0 {
		cfg.Cancel.TargetMS = 150
	}

	if cfg.Cache.TTLMS == 0 {
		cfg.Cache.TTLMS = 300_000 // 5 minutes
	}
	cfg.Cache.Backend = CacheBackend(strings.ToLower(strings.TrimSpace(string(cfg.Cache.Backend))))
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = CacheMemory
	}
	if cfg.Cache.RedisKey == "" {
		cfg.Cache.RedisKey = "dgraph:etag-cache"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	switch cfg.Mode {
	case ModeProduction, ModeDevelopment:
	default:
		return fmt.Errorf("mode must be production or development, got %q", cfg.Mode)
	}
	if cfg.Engine.BaseURL == "" {
		return fmt.Errorf("engine.base_url is required")
	}
	u, err := url.Parse(cfg.Engine.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("engine.base_url must be an absolute http(s) URL, got %q", cfg.Engine.BaseURL)
	}
	if cfg.Engine.TimeoutMS < 0 || cfg.Engine.PreflightTimeoutMS < 0 || cfg.Engine.ProbeTimeoutMS < 0 {
		return fmt.Errorf("engine timeouts must be >= 0")
	}
	if *cfg.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if ceil, _ := cfg.Retry.Backoff.Cap(); cfg.Retry.Backoff.Initial() < 0 || ceil < 0 || cfg.Retry.Backoff.BackoffFactor < 0 {
		return fmt.Errorf("retry.backoff values must be >= 0")
	}
	switch cfg.DeterminismPolicy {
	case "strict", "permissive":
	default:
		return fmt.Errorf("determinism_policy must be strict or permissive, got %q", cfg.DeterminismPolicy)
	}
	switch cfg.LimitsPolicy {
	case "fallback", "never":
	default:
		return fmt.Errorf("limits_policy must be fallback or never, got %q", cfg.LimitsPolicy)
	}
	if cfg.Stream.TickCount < 1 {
		return fmt.Errorf("stream.tick_count must be >= 1")
	}
	if cfg.Cancel.TargetMS < 1 {
		return fmt.Errorf("cancel.target_ms must be >= 1")
	}
	switch cfg.Cache.Backend {
	case CacheMemory:
	case CacheFile, CacheSQLite:
		if strings.TrimSpace(cfg.Cache.Path) == "" {
			return fmt.Errorf("cache.path is required for backend %q", cfg.Cache.Backend)
		}
	case CacheRedis:
		if strings.TrimSpace(cfg.Cache.RedisAddr) == "" {
			return fmt.Errorf("cache.redis_addr is required for backend redis")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", cfg.Cache.Backend)
	}
	return nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c *Config) Timeout() time.Duration          { return ms(c.Engine.TimeoutMS) }
func (c *Config) PreflightTimeout() time.Duration { return ms(c.Engine.PreflightTimeoutMS) }
func (c *Config) ProbeTimeout() time.Duration     { return ms(c.Engine.ProbeTimeoutMS) }
func (c *Config) MaxRetryAfter() time.Duration    { return ms(c.Retry.MaxRetryAfterMS) }
func (c *Config) CancelTarget() time.Duration     { return ms(c.Cancel.TargetMS) }
func (c *Config) CacheTTL() time.Duration         { return ms(c.Cache.TTLMS) }
func (c *Config) StreamEnabled() bool             { return c.Stream.Enabled == nil || *c.Stream.Enabled }
