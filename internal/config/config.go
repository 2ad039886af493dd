package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const EnvPrefix = "TRIALSENSE"

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Registry RegistryConfig `mapstructure:"registry"`
	Store    StoreConfig    `mapstructure:"store"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Matching MatchingConfig `mapstructure:"matching"`
	Geocode  GeocodeConfig  `mapstructure:"geocode"`
	Radar    RadarConfig    `mapstructure:"radar"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Report   ReportConfig   `mapstructure:"report"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type OracleConfig struct {
	APIKey           string        `mapstructure:"api_key"`
	Model            string        `mapstructure:"model"`
	MaxTokens        int64         `mapstructure:"max_tokens"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	WebSearchMaxUses int64         `mapstructure:"web_search_max_uses"`
}

type RegistryConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	RatePerMinute int           `mapstructure:"rate_per_minute"`
	PageCeiling   int           `mapstructure:"page_ceiling"`
	Status        string        `mapstructure:"status"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxTrials     int           `mapstructure:"max_trials"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// CacheConfig selects the trial cache. An empty RedisAddr keeps the cache
// in process.
type CacheConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
}

type MatchingConfig struct {
	Mode           string `mapstructure:"mode"`
	EvaluationMode string `mapstructure:"evaluation_mode"`
	Parallelism    int    `mapstructure:"parallelism"`
	DefaultCountry string `mapstructure:"default_country"`
	// DeriveKeywords asks the oracle for registry keywords instead of using
	// the condition verbatim.
	DeriveKeywords bool `mapstructure:"derive_keywords"`
	MaxResults     int  `mapstructure:"max_results"`
}

type GeocodeConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	BaseURL       string  `mapstructure:"base_url"`
	UserAgent     string  `mapstructure:"user_agent"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Concurrency   int     `mapstructure:"concurrency"`
	MaxRetries    uint    `mapstructure:"max_retries"`
}

type RadarConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Concurrency int           `mapstructure:"concurrency"`
	EngineName  string        `mapstructure:"engine_name"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type ReportConfig struct {
	ChromePath string `mapstructure:"chrome_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("oracle.api_key", "")
	v.SetDefault("oracle.model", "claude-sonnet-4-5")
	v.SetDefault("oracle.max_tokens", 4096)
	v.SetDefault("oracle.timeout", "90s")
	v.SetDefault("oracle.max_attempts", 3)
	v.SetDefault("oracle.web_search_max_uses", 5)

	v.SetDefault("registry.base_url", "https://clinicaltrials.gov/api/v2")
	v.SetDefault("registry.rate_per_minute", 50)
	v.SetDefault("registry.page_ceiling", 20)
	v.SetDefault("registry.status", "RECRUITING")
	v.SetDefault("registry.timeout", "30s")
	v.SetDefault("registry.max_trials", 200)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "trialsense.db")

	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.ttl", "6h")

	v.SetDefault("matching.mode", "live")
	v.SetDefault("matching.evaluation_mode", "batch")
	v.SetDefault("matching.parallelism", 4)
	v.SetDefault("matching.default_country", "India")
	v.SetDefault("matching.derive_keywords", true)
	v.SetDefault("matching.max_results", 10)

	v.SetDefault("geocode.enabled", true)
	v.SetDefault("geocode.base_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("geocode.user_agent", "trialsense/1.0")
	v.SetDefault("geocode.rate_per_second", 1.0)
	v.SetDefault("geocode.concurrency", 4)
	v.SetDefault("geocode.max_retries", 4)

	v.SetDefault("radar.interval", "24h")
	v.SetDefault("radar.concurrency", 3)
	v.SetDefault("radar.engine_name", "Claude Web Search")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "trialsense.alerts")

	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("report.chrome_path", "")
}

// Load reads defaults, then the optional YAML file at path, then
// TRIALSENSE_* environment variables (for example TRIALSENSE_STORE_DSN).
// ANTHROPIC_API_KEY is honored for the oracle key.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("oracle.api_key", EnvPrefix+"_ORACLE_API_KEY", "ANTHROPIC_API_KEY"); err != nil {
		return nil, fmt.Errorf("bind api key: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	return cfg, nil
}

func splitList(in []string) []string {
	out := []string{}
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate checks enums and required values. The oracle key is checked
// separately by RequireOracle since several commands run without it.
func (c *Config) Validate() error {
	var errs []error
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if !oneOf(c.Log.Format, "json", "console") {
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if !oneOf(c.Matching.Mode, "live", "catalog") {
		errs = append(errs, fmt.Errorf("matching.mode must be live or catalog, got %q", c.Matching.Mode))
	}
	if !oneOf(c.Matching.EvaluationMode, "batch", "parallel") {
		errs = append(errs, fmt.Errorf("matching.evaluation_mode must be batch or parallel, got %q", c.Matching.EvaluationMode))
	}
	if c.Matching.MaxResults <= 0 {
		errs = append(errs, errors.New("matching.max_results must be positive"))
	}
	if c.Registry.PageCeiling <= 0 || c.Registry.PageCeiling > 100 {
		errs = append(errs, fmt.Errorf("registry.page_ceiling must be in 1..100, got %d", c.Registry.PageCeiling))
	}
	if c.Radar.Interval <= 0 {
		errs = append(errs, errors.New("radar.interval must be positive"))
	}
	if c.Oracle.Timeout <= 0 {
		errs = append(errs, errors.New("oracle.timeout must be positive"))
	}
	return errors.Join(errs...)
}

// RequireOracle reports a missing API key.
func (c *Config) RequireOracle() error {
	if strings.TrimSpace(c.Oracle.APIKey) == "" {
		return errors.New("ANTHROPIC_API_KEY (or oracle.api_key) is required for this command")
	}
	return nil
}

func oneOf(s string, allowed ...string) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}
