package config

import "time"

// Config holds application settings.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	ESI      ESIConfig      `mapstructure:"esi"`
	SSO      SSOConfig      `mapstructure:"sso"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Trade    TradeConfig    `mapstructure:"trade"`
	Volume   VolumeConfig   `mapstructure:"volume"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Cron     CronConfig     `mapstructure:"cron"`
	Log      LogConfig      `mapstructure:"log"`
	SDE      SDEConfig      `mapstructure:"sde"`
}

// ServerConfig controls the HTTP listener and session cookies.
type ServerConfig struct {
	Host          string        `mapstructure:"host" validate:"required"`
	Port          int           `mapstructure:"port" validate:"min=1,max=65535"`
	SessionSecret string        `mapstructure:"session_secret" validate:"omitempty,min=32"`
	SessionTTL    time.Duration `mapstructure:"session_ttl" validate:"gt=0"`
}

// DatabaseConfig points at the SQLite file.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// ESIConfig tunes the upstream market client.
type ESIConfig struct {
	BaseURL        string        `mapstructure:"base_url" validate:"required,url"`
	UserAgent      string        `mapstructure:"user_agent" validate:"required"`
	MaxConcurrency int           `mapstructure:"max_concurrency" validate:"min=1,max=150"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"min=1,max=10"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff" validate:"gte=0"`
	RateLimit      float64       `mapstructure:"rate_limit" validate:"gt=0"`
	RateBurst      int           `mapstructure:"rate_burst" validate:"min=1"`
	StructureCache int           `mapstructure:"structure_cache" validate:"min=1"`
}

// SSOConfig holds the EVE SSO application credentials.
type SSOConfig struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	CallbackURL  string   `mapstructure:"callback_url"`
	AuthURL      string   `mapstructure:"auth_url" validate:"required,url"`
	TokenURL     string   `mapstructure:"token_url" validate:"required,url"`
	Scopes       []string `mapstructure:"scopes"`
}

// CacheConfig sets the lifetime of cached market data.
type CacheConfig struct {
	VolumeRefreshDays int           `mapstructure:"volume_refresh_days" validate:"min=1"`
	OrderBookTTL      time.Duration `mapstructure:"order_book_ttl" validate:"gt=0"`
	VolumeRetainDays  int           `mapstructure:"volume_retain_days" validate:"min=1"`
}

// TradeConfig holds the default opportunity filters and the reference market.
type TradeConfig struct {
	ReferenceRegionID int32   `mapstructure:"reference_region_id" validate:"required"`
	MinMargin         float64 `mapstructure:"min_margin" validate:"gte=0"`
	MinDailyVolume    int64   `mapstructure:"min_daily_volume" validate:"gte=0"`
	MaxResults        int     `mapstructure:"max_results" validate:"min=1,max=1000"`
	VolumeMultiple    int     `mapstructure:"volume_multiple" validate:"min=1,max=5"`
}

// VolumeConfig bounds history refresh fan-out.
type VolumeConfig struct {
	Workers int `mapstructure:"workers" validate:"min=1,max=150"`
}

// RedisConfig enables the shared reference order-book cache when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// CronConfig holds schedules for background jobs. Empty disables a job.
type CronConfig struct {
	Cleanup string `mapstructure:"cleanup"`
	Prewarm string `mapstructure:"prewarm"`
}

// LogConfig controls the logger.
type LogConfig struct {
	Level    string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Encoding string `mapstructure:"encoding" validate:"oneof=console json"`
}

// SDEConfig points at the static data snapshot.
type SDEConfig struct {
	DataDir string `mapstructure:"data_dir" validate:"required"`
	URL     string `mapstructure:"url" validate:"required,url"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:       "127.0.0.1",
			Port:       13370,
			SessionTTL: 7 * 24 * time.Hour,
		},
		Database: DatabaseConfig{Path: "evelogi.db"},
		ESI: ESIConfig{
			BaseURL:        "https://esi.evetech.net/latest",
			UserAgent:      "evelogi/1.0 (github.com)",
			MaxConcurrency: 20,
			MaxAttempts:    3,
			RequestTimeout: 30 * time.Second,
			RetryBackoff:   500 * time.Millisecond,
			RateLimit:      50,
			RateBurst:      50,
			StructureCache: 512,
		},
		SSO: SSOConfig{
			CallbackURL: "http://localhost:13370/api/auth/callback",
			AuthURL:     "https://login.eveonline.com/v2/oauth/authorize",
			TokenURL:    "https://login.eveonline.com/v2/oauth/token",
			Scopes: []string{
				"esi-markets.structure_markets.v1",
				"esi-markets.read_character_orders.v1",
				"esi-universe.read_structures.v1",
			},
		},
		Cache: CacheConfig{
			VolumeRefreshDays: 7,
			OrderBookTTL:      30 * time.Minute,
			VolumeRetainDays:  90,
		},
		Trade: TradeConfig{
			ReferenceRegionID: 10000002, // The Forge
			MinMargin:         0.05,
			MinDailyVolume:    0,
			MaxResults:        200,
			VolumeMultiple:    3,
		},
		Volume: VolumeConfig{Workers: 20},
		Cron:   CronConfig{Cleanup: "@daily"},
		Log:    LogConfig{Level: "info", Encoding: "console"},
		SDE: SDEConfig{
			DataDir: "data",
			URL:     "https://developers.eveonline.com/static-data/eve-online-static-data-latest-jsonl.zip",
		},
	}
}
