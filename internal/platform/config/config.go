package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	External  ExternalConfig  `mapstructure:"external"`
	Webhooks  WebhooksConfig  `mapstructure:"webhooks"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Cron      CronConfig      `mapstructure:"cron"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Driver is one of sqlite3, pgx or postgres.
	Driver         string `mapstructure:"driver"`
	URL            string `mapstructure:"url"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type ExternalConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	PageSize          int           `mapstructure:"page_size"`
}

type WebhooksConfig struct {
	Secret             string        `mapstructure:"secret"`
	AllowUnsigned      bool          `mapstructure:"allow_unsigned"`
	SignatureHeader    string        `mapstructure:"signature_header"`
	TimestampHeader    string        `mapstructure:"timestamp_header"`
	TimestampTolerance time.Duration `mapstructure:"timestamp_tolerance"`
	WorkerCount        int           `mapstructure:"worker_count"`
	QueueSize          int           `mapstructure:"queue_size"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	RetryInterval      time.Duration `mapstructure:"retry_interval"`
	RetentionDays      int           `mapstructure:"retention_days"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	StuckAfter         time.Duration `mapstructure:"stuck_after"`
}

type SyncConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type ReconcileConfig struct {
	IncrementalInterval time.Duration `mapstructure:"incremental_interval"`
	FullHour            int           `mapstructure:"full_hour"`
	IncrementalTimeout  time.Duration `mapstructure:"incremental_timeout"`
	FullTimeout         time.Duration `mapstructure:"full_timeout"`
	SampleSize          int           `mapstructure:"sample_size"`
	StatsWindowDays     int           `mapstructure:"stats_window_days"`
	DefaultLookback     time.Duration `mapstructure:"default_lookback"`
}

type CronConfig struct {
	Secret     string `mapstructure:"secret"`
	SecretHash string `mapstructure:"secret_hash"`
}

type JWTConfig struct {
	Secret         string        `mapstructure:"secret"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

type RateLimitConfig struct {
	APIPerMinute     int `mapstructure:"api_per_minute"`
	WebhookPerMinute int `mapstructure:"webhook_per_minute"`
}

type RealtimeConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.url", "data/fieldsync.db")
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("external.timeout", 15*time.Second)
	v.SetDefault("external.cache_ttl", 5*time.Minute)
	v.SetDefault("external.requests_per_minute", 180)
	v.SetDefault("external.max_retries", 3)
	v.SetDefault("external.retry_base_delay", 500*time.Millisecond)
	v.SetDefault("external.retry_max_delay", 10*time.Second)
	v.SetDefault("external.page_size", 100)

	v.SetDefault("webhooks.signature_header", "X-Webhook-Signature")
	v.SetDefault("webhooks.timestamp_header", "X-Webhook-Timestamp")
	v.SetDefault("webhooks.worker_count", 4)
	v.SetDefault("webhooks.queue_size", 256)
	v.SetDefault("webhooks.max_attempts", 5)
	v.SetDefault("webhooks.retry_interval", 5*time.Minute)
	v.SetDefault("webhooks.retention_days", 30)
	v.SetDefault("webhooks.sweep_interval", time.Minute)
	v.SetDefault("webhooks.stuck_after", 10*time.Minute)

	v.SetDefault("sync.concurrency", 4)

	v.SetDefault("reconcile.incremental_interval", 15*time.Minute)
	v.SetDefault("reconcile.full_hour", 2)
	v.SetDefault("reconcile.incremental_timeout", 10*time.Minute)
	v.SetDefault("reconcile.full_timeout", 2*time.Hour)
	v.SetDefault("reconcile.sample_size", 25)
	v.SetDefault("reconcile.stats_window_days", 30)
	v.SetDefault("reconcile.default_lookback", 24*time.Hour)

	v.SetDefault("jwt.access_token_ttl", time.Hour)

	v.SetDefault("rate_limit.api_per_minute", 120)
	v.SetDefault("rate_limit.webhook_per_minute", 600)

	v.SetDefault("realtime.buffer_size", 64)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("FIELDSYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
