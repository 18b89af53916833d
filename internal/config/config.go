package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"port"`
	DBPath      string   `mapstructure:"db_path"`
	APIKey      string   `mapstructure:"api_key"`
	Domains     []string `mapstructure:"domains"`
	FallbackURL string   `mapstructure:"fallback_url"`
	AppURL      string   `mapstructure:"app_url"`
	GeoIPPath   string   `mapstructure:"geoip_path"`
	LogLevel    string   `mapstructure:"log_level"`
	LogFormat   string   `mapstructure:"log_format"`

	// UpstreamTimeout bounds every shared-counter call and source-of-truth
	// fallback query on the redirect path.
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`

	Redis     RedisConfig     `mapstructure:"redis"`
	Cache     CacheConfig     `mapstructure:"cache"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	Proof     ProofConfig     `mapstructure:"proof"`
	Session   SessionConfig   `mapstructure:"session"`

	TempLinkTTL time.Duration `mapstructure:"temp_link_ttl"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// CacheConfig holds both link cache tiers. Invalidation is the consistency
// mechanism of record; TTLs only bound staleness when an invalidation is
// missed.
type CacheConfig struct {
	Size        int           `mapstructure:"size"`
	TTL         time.Duration `mapstructure:"ttl"`
	Jitter      time.Duration `mapstructure:"jitter"`
	LocalTTL    time.Duration `mapstructure:"local_ttl"`
	LocalJitter time.Duration `mapstructure:"local_jitter"`
}

type PolicyConfig struct {
	Limit           int           `mapstructure:"limit"`
	Window          time.Duration `mapstructure:"window"`
	BurstWindow     time.Duration `mapstructure:"burst_window"`
	BurstMultiplier float64       `mapstructure:"burst_multiplier"`
}

type RateLimitConfig struct {
	Standard      PolicyConfig  `mapstructure:"standard"`
	FastPath      PolicyConfig  `mapstructure:"fastpath"`
	TempCreation  PolicyConfig  `mapstructure:"temp"`
	MaxKeys       int           `mapstructure:"max_keys"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SyncInterval  time.Duration `mapstructure:"sync_interval"`
}

type AnalyticsConfig struct {
	BufferSize          int           `mapstructure:"buffer_size"`
	BatchSize           int           `mapstructure:"batch_size"`
	FlushInterval       time.Duration `mapstructure:"flush_interval"`
	Retention           time.Duration `mapstructure:"retention"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	TopN                int           `mapstructure:"top_n"`
}

type ProofConfig struct {
	Secret string        `mapstructure:"secret"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type SessionConfig struct {
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

var defaults = map[string]any{
	"port":             "8080",
	"db_path":          "./slugy.db",
	"domains":          []string{},
	"fallback_url":     "https://slugy.co",
	"app_url":          "https://app.slugy.co",
	"geoip_path":       "",
	"log_level":        "info",
	"log_format":       "text",
	"upstream_timeout": 250 * time.Millisecond,
	"temp_link_ttl":    30 * time.Minute,

	"redis.addr":      "",
	"redis.password":  "",
	"redis.db":        0,
	"redis.pool_size": 20,

	"cache.size":         10000,
	"cache.ttl":          time.Hour,
	"cache.jitter":       5 * time.Minute,
	"cache.local_ttl":    30 * time.Second,
	"cache.local_jitter": 10 * time.Second,

	"ratelimit.standard.limit":            80,
	"ratelimit.standard.window":           time.Minute,
	"ratelimit.standard.burst_window":     10 * time.Second,
	"ratelimit.standard.burst_multiplier": 1.5,
	"ratelimit.fastpath.limit":            600,
	"ratelimit.fastpath.window":           time.Minute,
	"ratelimit.fastpath.burst_window":     time.Duration(0),
	"ratelimit.fastpath.burst_multiplier": 1.0,
	"ratelimit.temp.limit":                1,
	"ratelimit.temp.window":               10 * time.Minute,
	"ratelimit.temp.burst_window":         time.Duration(0),
	"ratelimit.temp.burst_multiplier":     1.0,
	"ratelimit.max_keys":                  100000,
	"ratelimit.max_age":                   5 * time.Minute,
	"ratelimit.sweep_interval":            30 * time.Second,
	"ratelimit.sync_interval":             time.Second,

	"analytics.buffer_size":          50000,
	"analytics.batch_size":           500,
	"analytics.flush_interval":       time.Second,
	"analytics.retention":            30 * 24 * time.Hour,
	"analytics.maintenance_interval": 10 * time.Minute,
	"analytics.top_n":                10,

	"proof.secret": "",
	"proof.ttl":    time.Hour,

	"session.cache_size": 10000,
	"session.cache_ttl":  10 * time.Second,
}

// Load reads SLUGY_* environment variables, plus an optional slugy.yaml in
// the working directory or /etc/slugy.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SLUGY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetDefault("api_key", "")

	v.SetConfigName("slugy")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/slugy")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Domains = normalizeDomains(cfg.Domains)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Proof.Secret == "" {
		cfg.Proof.Secret = cfg.APIKey
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("SLUGY_API_KEY is required")
	}
	if len(c.Domains) == 0 {
		return fmt.Errorf("SLUGY_DOMAINS is required")
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("SLUGY_UPSTREAM_TIMEOUT must be positive")
	}
	if c.Cache.Size <= 0 {
		return fmt.Errorf("SLUGY_CACHE_SIZE must be positive")
	}
	if c.Cache.TTL <= 0 || c.Cache.LocalTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	if c.Cache.Jitter < 0 || c.Cache.LocalJitter < 0 {
		return fmt.Errorf("cache jitter must not be negative")
	}
	for name, p := range map[string]PolicyConfig{
		"standard": c.RateLimit.Standard,
		"fastpath": c.RateLimit.FastPath,
		"temp":     c.RateLimit.TempCreation,
	} {
		if p.Limit <= 0 || p.Window <= 0 {
			return fmt.Errorf("ratelimit %s: limit and window must be positive", name)
		}
		if p.BurstMultiplier < 1 {
			return fmt.Errorf("ratelimit %s: burst multiplier must be >= 1", name)
		}
	}
	if c.RateLimit.MaxKeys <= 0 {
		return fmt.Errorf("SLUGY_RATELIMIT_MAX_KEYS must be positive")
	}
	if c.Analytics.BufferSize <= 0 {
		return fmt.Errorf("SLUGY_ANALYTICS_BUFFER_SIZE must be positive")
	}
	if c.Analytics.FlushInterval <= 0 {
		return fmt.Errorf("SLUGY_ANALYTICS_FLUSH_INTERVAL must be positive")
	}
	if c.Analytics.Retention <= 0 {
		return fmt.Errorf("SLUGY_ANALYTICS_RETENTION must be positive")
	}
	if c.Analytics.MaintenanceInterval <= 0 {
		return fmt.Errorf("SLUGY_ANALYTICS_MAINTENANCE_INTERVAL must be positive")
	}
	return nil
}

// DefaultDomain is the first configured domain. It serves the JSON resolver
// when no domain is given and hosts temporary links.
func (c *Config) DefaultDomain() string {
	return c.Domains[0]
}

func (c *Config) IsDomainAllowed(domain string) bool {
	for _, d := range c.Domains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

func normalizeDomains(raw []string) []string {
	var domains []string
	for _, entry := range raw {
		// viper hands back a single element when the env var holds a list.
		for _, d := range strings.Split(entry, ",") {
			d = strings.ToLower(strings.TrimSpace(d))
			if d != "" {
				domains = append(domains, d)
			}
		}
	}
	return domains
}
