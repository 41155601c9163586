package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"shelfwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Aggregation AggregationConfig `mapstructure:"aggregation"`
	Thresholds  ThresholdConfig   `mapstructure:"thresholds"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig covers the cache store and pub/sub channels.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// SchedulerConfig governs the batch cadence.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
}

// AggregationConfig tunes the mart recomputation batch.
type AggregationConfig struct {
	Workers      int `mapstructure:"workers"`
	LookbackDays int `mapstructure:"lookback_days"`
}

// ThresholdConfig is the versioned anomaly threshold table. Values are
// percentages except RatingDrop, which is an absolute rating delta.
type ThresholdConfig struct {
	Version          int                `mapstructure:"version"`
	PriceSpikeMedium float64            `mapstructure:"price_spike_medium"`
	PriceSpikeHigh   float64            `mapstructure:"price_spike_high"`
	PriceDropMedium  float64            `mapstructure:"price_drop_medium"`
	PriceDropHigh    float64            `mapstructure:"price_drop_high"`
	RankJumpMedium   float64            `mapstructure:"rank_jump_medium"`
	RankJumpHigh     float64            `mapstructure:"rank_jump_high"`
	RankImprove      float64            `mapstructure:"rank_improve"`
	RatingDrop       float64            `mapstructure:"rating_drop"`
	CategoryOverride map[string]float64 `mapstructure:"category_override"`
}

// CacheConfig sets the SWR freshness and hard-expiry windows.
type CacheConfig struct {
	SummaryFresh   time.Duration `mapstructure:"summary_fresh"`
	SummaryHard    time.Duration `mapstructure:"summary_hard"`
	CompareFresh   time.Duration `mapstructure:"compare_fresh"`
	CompareHard    time.Duration `mapstructure:"compare_hard"`
	LoaderTimeout  time.Duration `mapstructure:"loader_timeout"`
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`
}

// AlertingConfig routes alert-created events.
type AlertingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Channel    string        `mapstructure:"channel"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SHELFWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "shelfwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("aggregation.workers", 8)
	v.SetDefault("aggregation.lookback_days", 14)

	v.SetDefault("thresholds.version", 1)
	v.SetDefault("thresholds.price_spike_medium", 15.0)
	v.SetDefault("thresholds.price_spike_high", 30.0)
	v.SetDefault("thresholds.price_drop_medium", 20.0)
	v.SetDefault("thresholds.price_drop_high", 40.0)
	v.SetDefault("thresholds.rank_jump_medium", 50.0)
	v.SetDefault("thresholds.rank_jump_high", 100.0)
	v.SetDefault("thresholds.rank_improve", 30.0)
	v.SetDefault("thresholds.rating_drop", 0.3)

	v.SetDefault("cache.summary_fresh", "24h")
	v.SetDefault("cache.summary_hard", "48h")
	v.SetDefault("cache.compare_fresh", "12h")
	v.SetDefault("cache.compare_hard", "24h")
	v.SetDefault("cache.loader_timeout", "3s")
	v.SetDefault("cache.refresh_timeout", "5s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channel", "shelfwatch.alerts.created")
	v.SetDefault("alerting.timeout", "10s")

	v.SetDefault("redis.key_prefix", "shelfwatch:")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks on the configuration values. A broken
// threshold table or window definition must fail here, not mid-batch.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Aggregation.Workers <= 0 {
		return fmt.Errorf("aggregation.workers must be greater than zero")
	}
	if c.Aggregation.LookbackDays <= 0 {
		return fmt.Errorf("aggregation.lookback_days must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}

	if err := c.Thresholds.validate(); err != nil {
		return err
	}

	pairs := []struct {
		name        string
		fresh, hard time.Duration
	}{
		{"summary", c.Cache.SummaryFresh, c.Cache.SummaryHard},
		{"compare", c.Cache.CompareFresh, c.Cache.CompareHard},
	}
	for _, p := range pairs {
		if p.fresh <= 0 || p.hard <= 0 {
			return fmt.Errorf("cache.%s TTLs must be greater than zero", p.name)
		}
		if p.hard < p.fresh {
			return fmt.Errorf("cache.%s_hard must not be shorter than cache.%s_fresh", p.name, p.name)
		}
	}

	if c.Alerting.Enabled && c.Alerting.Channel == "" && c.Alerting.WebhookURL == "" {
		return fmt.Errorf("alerting.channel or alerting.webhook_url must be configured when alerting is enabled")
	}
	return nil
}

func (t ThresholdConfig) validate() error {
	if t.Version <= 0 {
		return fmt.Errorf("thresholds.version must be greater than zero")
	}
	positives := map[string]float64{
		"price_spike_medium": t.PriceSpikeMedium,
		"price_spike_high":   t.PriceSpikeHigh,
		"price_drop_medium":  t.PriceDropMedium,
		"price_drop_high":    t.PriceDropHigh,
		"rank_jump_medium":   t.RankJumpMedium,
		"rank_jump_high":     t.RankJumpHigh,
		"rank_improve":       t.RankImprove,
		"rating_drop":        t.RatingDrop,
	}
	for name, value := range positives {
		if value <= 0 {
			return fmt.Errorf("thresholds.%s must be greater than zero", name)
		}
	}
	if t.PriceSpikeHigh <= t.PriceSpikeMedium {
		return fmt.Errorf("thresholds.price_spike_high must exceed price_spike_medium")
	}
	if t.PriceDropHigh <= t.PriceDropMedium {
		return fmt.Errorf("thresholds.price_drop_high must exceed price_drop_medium")
	}
	if t.RankJumpHigh <= t.RankJumpMedium {
		return fmt.Errorf("thresholds.rank_jump_high must exceed rank_jump_medium")
	}
	for category, value := range t.CategoryOverride {
		if value <= 0 {
			return fmt.Errorf("thresholds.category_override[%s] must be greater than zero", category)
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
