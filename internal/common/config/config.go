// Package config loads the scheduler's configuration via viper.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BotConfig holds the credentials and identity of the Telegram bot surface.
type BotConfig struct {
	Token    string  `mapstructure:"token"`
	APIID    int     `mapstructure:"api_id"`
	APIHash  string  `mapstructure:"api_hash"`
	AdminIDs []int64 `mapstructure:"admin_ids"`
}

// StorageConfig holds the on-disk layout for tenant databases and session files.
type StorageConfig struct {
	DBDir       string `mapstructure:"db_dir"`
	SessionsDir string `mapstructure:"sessions_dir"`
}

// LicenseConfig holds trial/subscription defaults.
type LicenseConfig struct {
	TrialDays int `mapstructure:"trial_days"`
}

// IntervalsConfig holds the tick-loop cadence for each scheduling pass, in seconds.
type IntervalsConfig struct {
	PostCheckSeconds        int `mapstructure:"post_check_interval"`
	PeriodicCheckSeconds    int `mapstructure:"periodic_check_interval"`
	DonorCheckSeconds       int `mapstructure:"donor_check_interval"`
	RandomPostCheckSeconds  int `mapstructure:"random_post_check_interval"`
}

func (i IntervalsConfig) PostCheck() time.Duration {
	return time.Duration(i.PostCheckSeconds) * time.Second
}

func (i IntervalsConfig) PeriodicCheck() time.Duration {
	return time.Duration(i.PeriodicCheckSeconds) * time.Second
}

func (i IntervalsConfig) DonorCheck() time.Duration {
	return time.Duration(i.DonorCheckSeconds) * time.Second
}

func (i IntervalsConfig) RandomPostCheck() time.Duration {
	return time.Duration(i.RandomPostCheckSeconds) * time.Second
}

// PublishConfig holds the Publisher Gate's throttling limits.
type PublishConfig struct {
	MinSecondsBetweenPostsPerChannel int `mapstructure:"min_seconds_between_posts_per_channel"`
	MaxPostsPerChannelPerDay         int `mapstructure:"max_posts_per_channel_per_day"`
	MaxConcurrentPublishes           int `mapstructure:"max_concurrent_publishes"`
}

// NATSConfig holds event bus connection settings.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// ServerConfig holds the status/introspection HTTP+websocket surface.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig holds zap's encoder and level selection.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the full process configuration tree.
type Config struct {
	Bot       BotConfig       `mapstructure:"bot"`
	Storage   StorageConfig   `mapstructure:"storage"`
	License   LicenseConfig   `mapstructure:"license"`
	Intervals IntervalsConfig `mapstructure:"intervals"`
	Publish   PublishConfig   `mapstructure:"publish"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.db_dir", "databases")
	v.SetDefault("storage.sessions_dir", "sessions")

	v.SetDefault("license.trial_days", 7)

	v.SetDefault("intervals.post_check_interval", 15)
	v.SetDefault("intervals.periodic_check_interval", 15)
	v.SetDefault("intervals.donor_check_interval", 15)
	v.SetDefault("intervals.random_post_check_interval", 15)

	v.SetDefault("publish.min_seconds_between_posts_per_channel", 0)
	v.SetDefault("publish.max_posts_per_channel_per_day", 0)
	v.SetDefault("publish.max_concurrent_publishes", 5)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8088)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load reads configuration from environment variables (and an optional
// config file on disk), applying defaults for anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("scheduler")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	bindEnv(v, "bot.token", "BOT_TOKEN")
	bindEnv(v, "bot.api_id", "API_ID")
	bindEnv(v, "bot.api_hash", "API_HASH")
	bindEnv(v, "bot.admin_ids", "ADMIN_IDS")
	bindEnv(v, "storage.db_dir", "DB_DIR")
	bindEnv(v, "storage.sessions_dir", "SESSIONS_DIR")
	bindEnv(v, "license.trial_days", "TRIAL_DAYS")
	bindEnv(v, "intervals.post_check_interval", "POST_CHECK_INTERVAL")
	bindEnv(v, "intervals.periodic_check_interval", "PERIODIC_CHECK_INTERVAL")
	bindEnv(v, "intervals.donor_check_interval", "DONOR_CHECK_INTERVAL")
	bindEnv(v, "intervals.random_post_check_interval", "RANDOM_POST_CHECK_INTERVAL")
	bindEnv(v, "publish.min_seconds_between_posts_per_channel", "MIN_SECONDS_BETWEEN_POSTS_PER_CHANNEL")
	bindEnv(v, "publish.max_posts_per_channel_per_day", "MAX_POSTS_PER_CHANNEL_PER_DAY")

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if adminIDs := v.GetString("bot.admin_ids"); adminIDs != "" && len(cfg.Bot.AdminIDs) == 0 {
		cfg.Bot.AdminIDs = parseIDList(adminIDs)
	}

	if cfg.Bot.Token == "" {
		return nil, fmt.Errorf("BOT_TOKEN is required")
	}

	return &cfg, nil
}

func bindEnv(v *viper.Viper, key, env string) {
	_ = v.BindEnv(key, env)
}

func parseIDList(raw string) []int64 {
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}
