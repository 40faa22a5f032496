package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "BOOST"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = "sqlite"
	defaultDatabaseDSN        = "viewboost.db"
	defaultLogLevel           = "info"
	defaultEarningTokenTTL    = 60 * time.Second
	defaultAdminIssuer        = "viewboost"
	defaultAdminTokenTTL      = 12 * time.Hour
	defaultYouTubeBaseURL     = "https://www.googleapis.com/youtube/v3"
	defaultYouTubeOEmbedURL   = "https://www.youtube.com/oembed"
	defaultYouTubeTimeout     = 10 * time.Second
	defaultRetryMaxAttempts   = 3
	defaultRetryBaseDelay     = 500 * time.Millisecond
	defaultRetryMaxJitter     = 200 * time.Millisecond
	defaultRetryMaxElapsed    = 10 * time.Second
	defaultWorkerSchedule     = "@every 30m"
	defaultWorkerBatchSize    = 50
	defaultWorkerStaleAfter   = 20 * time.Hour
	defaultWorkerRunTimeout   = 10 * time.Minute
	defaultTokenSweepSchedule = "@every 1m"
	defaultInitialGrant       = 50
	defaultSnowflakeNode      = 1
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	AllowedOrigins     []string
	DatabaseDriver     string
	DatabaseDSN        string
	LogLevel           string
	EarningSecret      string
	EarningTokenTTL    time.Duration
	AdminSigningSecret string
	AdminIssuer        string
	AdminTokenTTL      time.Duration
	YouTubeAPIKey      string
	YouTubeBaseURL     string
	YouTubeOEmbedURL   string
	YouTubeTimeout     time.Duration
	RetryMaxAttempts   int
	RetryBaseDelay     time.Duration
	RetryMaxJitter     time.Duration
	RetryMaxElapsed    time.Duration
	WorkerSchedule     string
	WorkerBatchSize    int
	WorkerStaleAfter   time.Duration
	WorkerRunTimeout   time.Duration
	TokenSweepSchedule string
	RedisAddress       string
	RedisPassword      string
	RedisDB            int
	InitialGrant       int64
	SnowflakeNode      int64
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("earning.token_ttl", defaultEarningTokenTTL)
	configViper.SetDefault("admin.issuer", defaultAdminIssuer)
	configViper.SetDefault("admin.token_ttl", defaultAdminTokenTTL)
	configViper.SetDefault("youtube.base_url", defaultYouTubeBaseURL)
	configViper.SetDefault("youtube.oembed_url", defaultYouTubeOEmbedURL)
	configViper.SetDefault("youtube.timeout", defaultYouTubeTimeout)
	configViper.SetDefault("retry.max_attempts", defaultRetryMaxAttempts)
	configViper.SetDefault("retry.base_delay", defaultRetryBaseDelay)
	configViper.SetDefault("retry.max_jitter", defaultRetryMaxJitter)
	configViper.SetDefault("retry.max_elapsed", defaultRetryMaxElapsed)
	configViper.SetDefault("worker.schedule", defaultWorkerSchedule)
	configViper.SetDefault("worker.batch_size", defaultWorkerBatchSize)
	configViper.SetDefault("worker.stale_after", defaultWorkerStaleAfter)
	configViper.SetDefault("worker.run_timeout", defaultWorkerRunTimeout)
	configViper.SetDefault("worker.token_sweep_schedule", defaultTokenSweepSchedule)
	configViper.SetDefault("redis.addr", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("wallet.initial_grant", defaultInitialGrant)
	configViper.SetDefault("snowflake.node", defaultSnowflakeNode)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		AllowedOrigins:     splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		LogLevel:           configViper.GetString("log.level"),
		EarningSecret:      configViper.GetString("earning.secret"),
		EarningTokenTTL:    configViper.GetDuration("earning.token_ttl"),
		AdminSigningSecret: configViper.GetString("admin.signing_secret"),
		AdminIssuer:        configViper.GetString("admin.issuer"),
		AdminTokenTTL:      configViper.GetDuration("admin.token_ttl"),
		YouTubeAPIKey:      configViper.GetString("youtube.api_key"),
		YouTubeBaseURL:     configViper.GetString("youtube.base_url"),
		YouTubeOEmbedURL:   configViper.GetString("youtube.oembed_url"),
		YouTubeTimeout:     configViper.GetDuration("youtube.timeout"),
		RetryMaxAttempts:   configViper.GetInt("retry.max_attempts"),
		RetryBaseDelay:     configViper.GetDuration("retry.base_delay"),
		RetryMaxJitter:     configViper.GetDuration("retry.max_jitter"),
		RetryMaxElapsed:    configViper.GetDuration("retry.max_elapsed"),
		WorkerSchedule:     configViper.GetString("worker.schedule"),
		WorkerBatchSize:    configViper.GetInt("worker.batch_size"),
		WorkerStaleAfter:   configViper.GetDuration("worker.stale_after"),
		WorkerRunTimeout:   configViper.GetDuration("worker.run_timeout"),
		TokenSweepSchedule: configViper.GetString("worker.token_sweep_schedule"),
		RedisAddress:       configViper.GetString("redis.addr"),
		RedisPassword:      configViper.GetString("redis.password"),
		RedisDB:            configViper.GetInt("redis.db"),
		InitialGrant:       configViper.GetInt64("wallet.initial_grant"),
		SnowflakeNode:      configViper.GetInt64("snowflake.node"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.EarningSecret) == "" {
		return fmt.Errorf("earning.secret is required")
	}
	if strings.TrimSpace(c.AdminSigningSecret) == "" {
		return fmt.Errorf("admin.signing_secret is required")
	}
	if strings.TrimSpace(c.YouTubeAPIKey) == "" {
		return fmt.Errorf("youtube.api_key is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres" {
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.EarningTokenTTL <= 0 {
		return fmt.Errorf("earning.token_ttl must be positive")
	}
	if c.WorkerBatchSize <= 0 {
		return fmt.Errorf("worker.batch_size must be positive")
	}
	if c.InitialGrant < 0 {
		return fmt.Errorf("wallet.initial_grant must not be negative")
	}
	if c.SnowflakeNode < 0 || c.SnowflakeNode > 1023 {
		return fmt.Errorf("snowflake.node must be between 0 and 1023")
	}
	return nil
}

func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
