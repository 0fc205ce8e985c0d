// Package config loads prospectd settings: defaults, then an optional YAML
// file, then environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PathEnv names the environment variable holding the config file path.
const PathEnv = "PROSPECTD_CONFIG"

const (
	KVBackendSQLite = "sqlite"
	KVBackendRedis  = "redis"
)

type Config struct {
	Database   DatabaseConfig             `yaml:"database"`
	KV         KVConfig                   `yaml:"kv"`
	HTTP       HTTPConfig                 `yaml:"http"`
	Log        LogConfig                  `yaml:"log"`
	Providers  ProvidersConfig            `yaml:"providers"`
	Search     SearchConfig               `yaml:"search"`
	Enrichment EnrichmentConfig           `yaml:"enrichment"`
	Queue      QueueConfig                `yaml:"queue"`
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits"`
	Breakers   BreakersConfig             `yaml:"breakers"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// KVConfig selects the shared counter and cache store. SQLite is enough for a
// single process; several processes sharing limits need Redis.
type KVConfig struct {
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ProviderConfig is one upstream HTTP provider. An empty BaseURL leaves the
// provider unconfigured.
type ProviderConfig struct {
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`
}

func (p ProviderConfig) Enabled() bool { return strings.TrimSpace(p.BaseURL) != "" }

type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

func (g GeminiConfig) Enabled() bool { return strings.TrimSpace(g.APIKey) != "" }

type ProvidersConfig struct {
	PeopleSearch ProviderConfig `yaml:"people_search"`
	Contact      ProviderConfig `yaml:"contact"`
	WebIntel     ProviderConfig `yaml:"web_intel"`
	Filings      ProviderConfig `yaml:"filings"`
	Gemini       GeminiConfig   `yaml:"gemini"`
}

type SearchConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type EnrichmentConfig struct {
	StaleAfter  time.Duration `yaml:"stale_after"`
	StuckAfter  time.Duration `yaml:"stuck_after"`
	MaxMentions int           `yaml:"max_mentions"`
}

type QueueConfig struct {
	Name          string        `yaml:"name"`
	Visibility    time.Duration `yaml:"visibility"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	Workers       int           `yaml:"workers"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RunsPerSecond float64       `yaml:"runs_per_second"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// RateLimitConfig is one admission policy keyed by scope. A YAML entry replaces
// the default policy for its scope as a whole.
type RateLimitConfig struct {
	Limit    int           `yaml:"limit"`
	Window   time.Duration `yaml:"window"`
	Global   bool          `yaml:"global"`
	FailOpen bool          `yaml:"fail_open"`
}

type BreakerConfig struct {
	Window          time.Duration `yaml:"window"`
	Buckets         int           `yaml:"buckets"`
	VolumeThreshold int           `yaml:"volume_threshold"`
	ErrorThreshold  float64       `yaml:"error_threshold"`
	ResetTimeout    time.Duration `yaml:"reset_timeout"`
	Timeout         time.Duration `yaml:"timeout"`
}

// BreakersConfig holds the settings shared by every provider breaker plus
// per-provider overrides. Zero override fields inherit the defaults.
type BreakersConfig struct {
	Defaults  BreakerConfig            `yaml:"defaults"`
	Overrides map[string]BreakerConfig `yaml:"overrides"`
}

// For returns the effective settings for one provider.
func (b BreakersConfig) For(provider string) BreakerConfig {
	out := b.Defaults
	o, ok := b.Overrides[provider]
	if !ok {
		return out
	}
	if o.Window > 0 {
		out.Window = o.Window
	}
	if o.Buckets > 0 {
		out.Buckets = o.Buckets
	}
	if o.VolumeThreshold > 0 {
		out.VolumeThreshold = o.VolumeThreshold
	}
	if o.ErrorThreshold > 0 {
		out.ErrorThreshold = o.ErrorThreshold
	}
	if o.ResetTimeout > 0 {
		out.ResetTimeout = o.ResetTimeout
	}
	if o.Timeout > 0 {
		out.Timeout = o.Timeout
	}
	return out
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Path: "data/prospectd.db"},
		KV:       KVConfig{Backend: KVBackendSQLite, RedisAddr: "localhost:6379"},
		HTTP:     HTTPConfig{Addr: ":8080", ShutdownTimeout: 15 * time.Second},
		Log:      LogConfig{Level: "info", Format: "json"},
		Providers: ProvidersConfig{
			PeopleSearch: ProviderConfig{Timeout: 15 * time.Second},
			Contact:      ProviderConfig{Timeout: 15 * time.Second},
			WebIntel:     ProviderConfig{Timeout: 20 * time.Second},
			Filings: ProviderConfig{
				BaseURL: "https://www.sec.gov/",
				Timeout: 20 * time.Second,
			},
			Gemini: GeminiConfig{Model: "gemini-2.5-flash"},
		},
		Search: SearchConfig{CacheTTL: 24 * time.Hour},
		Enrichment: EnrichmentConfig{
			StaleAfter:  7 * 24 * time.Hour,
			StuckAfter:  30 * time.Minute,
			MaxMentions: 5,
		},
		Queue: QueueConfig{
			Name:         "enrichment",
			Visibility:   15 * time.Minute,
			PollInterval: time.Second,
			Workers:      4,
			MaxAttempts:  5,
			RetryDelay:   5 * time.Second,
		},
		RateLimits: map[string]RateLimitConfig{
			"people_search": {Limit: 100, Window: time.Hour},
			"contact":       {Limit: 600, Window: time.Hour},
			"web_intel":     {Limit: 300, Window: time.Hour, FailOpen: true},
			"filings":       {Limit: 10, Window: time.Second, Global: true, FailOpen: true},
			"summarization": {Limit: 200, Window: time.Hour},
		},
		Breakers: BreakersConfig{
			Defaults: BreakerConfig{
				Window:          10 * time.Second,
				Buckets:         10,
				VolumeThreshold: 5,
				ErrorThreshold:  0.5,
				ResetTimeout:    30 * time.Second,
				Timeout:         10 * time.Second,
			},
		},
	}
}

// Load builds the configuration. path falls back to $PROSPECTD_CONFIG; with
// neither set only defaults and the environment apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		path = strings.TrimSpace(os.Getenv(PathEnv))
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decode(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode merges YAML over cfg. Keys absent from the document keep their
// current values; unknown keys are rejected.
func decode(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	envString("DATABASE_PATH", &c.Database.Path)
	envString("KV_BACKEND", &c.KV.Backend)
	envString("REDIS_ADDR", &c.KV.RedisAddr)
	envString("REDIS_PASSWORD", &c.KV.RedisPassword)
	envString("HTTP_ADDR", &c.HTTP.Addr)
	envString("LOG_LEVEL", &c.Log.Level)
	envString("LOG_FORMAT", &c.Log.Format)

	envString("PEOPLE_SEARCH_BASE_URL", &c.Providers.PeopleSearch.BaseURL)
	envString("PEOPLE_SEARCH_API_KEY", &c.Providers.PeopleSearch.APIKey)
	envString("CONTACT_BASE_URL", &c.Providers.Contact.BaseURL)
	envString("CONTACT_API_KEY", &c.Providers.Contact.APIKey)
	envString("WEB_INTEL_BASE_URL", &c.Providers.WebIntel.BaseURL)
	envString("WEB_INTEL_API_KEY", &c.Providers.WebIntel.APIKey)
	envString("FILINGS_BASE_URL", &c.Providers.Filings.BaseURL)
	envString("FILINGS_USER_AGENT", &c.Providers.Filings.UserAgent)
	envString("GEMINI_API_KEY", &c.Providers.Gemini.APIKey)
	envString("GEMINI_MODEL", &c.Providers.Gemini.Model)
	envString("GEMINI_BASE_URL", &c.Providers.Gemini.BaseURL)

	var err error
	if c.KV.RedisDB, err = envInt("REDIS_DB", c.KV.RedisDB); err != nil {
		return err
	}
	if c.Enrichment.StaleAfter, err = envDuration("ENRICHMENT_STALE_AFTER", c.Enrichment.StaleAfter); err != nil {
		return err
	}
	if c.Enrichment.StuckAfter, err = envDuration("ENRICHMENT_STUCK_AFTER", c.Enrichment.StuckAfter); err != nil {
		return err
	}
	if c.Search.CacheTTL, err = envDuration("SEARCH_CACHE_TTL", c.Search.CacheTTL); err != nil {
		return err
	}
	if c.Queue.Workers, err = envInt("QUEUE_WORKERS", c.Queue.Workers); err != nil {
		return err
	}
	if c.Queue.RunsPerSecond, err = envFloat("QUEUE_RUNS_PER_SECOND", c.Queue.RunsPerSecond); err != nil {
		return err
	}
	if c.Queue.Visibility, err = envDuration("QUEUE_VISIBILITY", c.Queue.Visibility); err != nil {
		return err
	}
	failOpen, set, err := envBool("RATE_LIMIT_FAIL_OPEN")
	if err != nil {
		return err
	}
	if set {
		// Operator override for a Redis outage: flips every policy at once.
		for scope, p := range c.RateLimits {
			p.FailOpen = failOpen
			c.RateLimits[scope] = p
		}
	}
	return nil
}

// Role is the process role a configuration is validated for.
type Role string

const (
	RoleServe   Role = "serve"
	RoleWorker  Role = "worker"
	RoleSearch  Role = "search"
	RoleEnrich  Role = "enrich"
	RoleMigrate Role = "migrate"
)

// Validate checks the values role needs. Enrichment providers are optional; an
// unconfigured one marks its source skipped.
func (c Config) Validate(role Role) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(c.Database.Path) == "" {
		add("database.path is required")
	}
	if role == RoleMigrate {
		return errors.Join(errs...)
	}

	switch c.KV.Backend {
	case KVBackendSQLite:
	case KVBackendRedis:
		if strings.TrimSpace(c.KV.RedisAddr) == "" {
			add("kv.redis_addr is required for the redis backend")
		}
	default:
		add("kv.backend %q: want %q or %q", c.KV.Backend, KVBackendSQLite, KVBackendRedis)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		add("log.format %q: want json or text", c.Log.Format)
	}

	if role == RoleServe || role == RoleSearch {
		if !c.Providers.PeopleSearch.Enabled() {
			add("providers.people_search.base_url is required")
		}
		if strings.TrimSpace(c.Providers.PeopleSearch.APIKey) == "" {
			add("providers.people_search.api_key is required")
		}
	}
	if role == RoleServe && strings.TrimSpace(c.HTTP.Addr) == "" {
		add("http.addr is required")
	}
	if c.Providers.Gemini.Enabled() && strings.TrimSpace(c.Providers.Gemini.Model) == "" {
		add("providers.gemini.model is required when an API key is set")
	}

	if c.Enrichment.StaleAfter <= 0 {
		add("enrichment.stale_after must be positive")
	}
	if c.Enrichment.StuckAfter < 0 {
		add("enrichment.stuck_after must not be negative")
	}
	if c.Queue.Workers <= 0 {
		add("queue.workers must be positive")
	}
	if c.Queue.Visibility <= 0 {
		add("queue.visibility must be positive")
	}
	if c.Queue.RunsPerSecond < 0 {
		add("queue.runs_per_second must not be negative")
	}

	for scope, p := range c.RateLimits {
		if p.Limit > 0 && p.Window <= 0 {
			add("rate_limits.%s.window must be positive", scope)
		}
	}
	if t := c.Breakers.Defaults.ErrorThreshold; t <= 0 || t >= 1 {
		add("breakers.defaults.error_threshold must be between 0 and 1")
	}
	for name, o := range c.Breakers.Overrides {
		if o.ErrorThreshold < 0 || o.ErrorThreshold >= 1 {
			add("breakers.overrides.%s.error_threshold must be between 0 and 1", name)
		}
	}
	return errors.Join(errs...)
}
