package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override (EVELOGI_ESI_BASE_URL, ...).
const EnvPrefix = "EVELOGI"

// Load reads configuration with priority env > file > defaults.
// A missing config file is not an error; an empty path searches ./ and ./config.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("evelogi")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path != "" && os.IsNotExist(err)) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// SSO credentials keep the names the EVE developer portal hands out.
	for key, env := range map[string]string{
		"sso.client_id":     "ESI_CLIENT_ID",
		"sso.client_secret": "ESI_CLIENT_SECRET",
		"sso.callback_url":  "ESI_CALLBACK_URL",
	} {
		if val := os.Getenv(env); val != "" {
			v.Set(key, val)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	SetDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// SetDefaults fills zero values left by a sparse config file.
func SetDefaults(cfg *Config) {
	d := Default()
	if cfg.Server.Host == "" {
		cfg.Server.Host = d.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = d.Server.Port
	}
	if cfg.Server.SessionTTL <= 0 {
		cfg.Server.SessionTTL = d.Server.SessionTTL
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = d.Database.Path
	}
	if cfg.ESI.BaseURL == "" {
		cfg.ESI.BaseURL = d.ESI.BaseURL
	}
	if cfg.ESI.UserAgent == "" {
		cfg.ESI.UserAgent = d.ESI.UserAgent
	}
	if cfg.ESI.MaxConcurrency <= 0 {
		cfg.ESI.MaxConcurrency = d.ESI.MaxConcurrency
	}
	if cfg.ESI.MaxAttempts <= 0 {
		cfg.ESI.MaxAttempts = d.ESI.MaxAttempts
	}
	if cfg.ESI.RequestTimeout <= 0 {
		cfg.ESI.RequestTimeout = d.ESI.RequestTimeout
	}
	if cfg.ESI.RateLimit <= 0 {
		cfg.ESI.RateLimit = d.ESI.RateLimit
	}
	if cfg.ESI.RateBurst <= 0 {
		cfg.ESI.RateBurst = d.ESI.RateBurst
	}
	if cfg.ESI.StructureCache <= 0 {
		cfg.ESI.StructureCache = d.ESI.StructureCache
	}
	if cfg.SSO.AuthURL == "" {
		cfg.SSO.AuthURL = d.SSO.AuthURL
	}
	if cfg.SSO.TokenURL == "" {
		cfg.SSO.TokenURL = d.SSO.TokenURL
	}
	if len(cfg.SSO.Scopes) == 0 {
		cfg.SSO.Scopes = d.SSO.Scopes
	}
	if cfg.Cache.VolumeRefreshDays <= 0 {
		cfg.Cache.VolumeRefreshDays = d.Cache.VolumeRefreshDays
	}
	if cfg.Cache.OrderBookTTL <= 0 {
		cfg.Cache.OrderBookTTL = d.Cache.OrderBookTTL
	}
	if cfg.Cache.VolumeRetainDays <= 0 {
		cfg.Cache.VolumeRetainDays = d.Cache.VolumeRetainDays
	}
	if cfg.Trade.ReferenceRegionID == 0 {
		cfg.Trade.ReferenceRegionID = d.Trade.ReferenceRegionID
	}
	if cfg.Trade.MaxResults <= 0 {
		cfg.Trade.MaxResults = d.Trade.MaxResults
	}
	if cfg.Trade.VolumeMultiple <= 0 {
		cfg.Trade.VolumeMultiple = d.Trade.VolumeMultiple
	}
	if cfg.Volume.Workers <= 0 {
		cfg.Volume.Workers = d.Volume.Workers
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = d.Log.Level
	}
	if cfg.Log.Encoding == "" {
		cfg.Log.Encoding = d.Log.Encoding
	}
	if cfg.SDE.DataDir == "" {
		cfg.SDE.DataDir = d.SDE.DataDir
	}
	if cfg.SDE.URL == "" {
		cfg.SDE.URL = d.SDE.URL
	}
}

// registerDefaults makes every key known to viper so AutomaticEnv can override it.
func registerDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.session_secret", "")
	v.SetDefault("server.session_ttl", d.Server.SessionTTL)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("esi.base_url", d.ESI.BaseURL)
	v.SetDefault("esi.user_agent", d.ESI.UserAgent)
	v.SetDefault("esi.max_concurrency", d.ESI.MaxConcurrency)
	v.SetDefault("esi.max_attempts", d.ESI.MaxAttempts)
	v.SetDefault("esi.request_timeout", d.ESI.RequestTimeout)
	v.SetDefault("esi.retry_backoff", d.ESI.RetryBackoff)
	v.SetDefault("esi.rate_limit", d.ESI.RateLimit)
	v.SetDefault("esi.rate_burst", d.ESI.RateBurst)
	v.SetDefault("esi.structure_cache", d.ESI.StructureCache)
	v.SetDefault("sso.client_id", d.SSO.ClientID)
	v.SetDefault("sso.client_secret", d.SSO.ClientSecret)
	v.SetDefault("sso.callback_url", d.SSO.CallbackURL)
	v.SetDefault("sso.auth_url", d.SSO.AuthURL)
	v.SetDefault("sso.token_url", d.SSO.TokenURL)
	v.SetDefault("sso.scopes", d.SSO.Scopes)
	v.SetDefault("cache.volume_refresh_days", d.Cache.VolumeRefreshDays)
	v.SetDefault("cache.order_book_ttl", d.Cache.OrderBookTTL)
	v.SetDefault("cache.volume_retain_days", d.Cache.VolumeRetainDays)
	v.SetDefault("trade.reference_region_id", d.Trade.ReferenceRegionID)
	v.SetDefault("trade.min_margin", d.Trade.MinMargin)
	v.SetDefault("trade.min_daily_volume", d.Trade.MinDailyVolume)
	v.SetDefault("trade.max_results", d.Trade.MaxResults)
	v.SetDefault("trade.volume_multiple", d.Trade.VolumeMultiple)
	v.SetDefault("volume.workers", d.Volume.Workers)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("cron.cleanup", d.Cron.Cleanup)
	v.SetDefault("cron.prewarm", d.Cron.Prewarm)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.encoding", d.Log.Encoding)
	v.SetDefault("sde.data_dir", d.SDE.DataDir)
	v.SetDefault("sde.url", d.SDE.URL)
}
