package config

import "time"

// Config is the full bot configuration.
//
// Sources, later wins: built-in defaults, the optional config file (JSON or
// YAML), then environment variables (a .env file is loaded first if present).
// Each field's envconfig tag names its variable; nested fields are looked up
// as SECTION_NAME first and the bare tag second, so both TELEGRAM_CHANNEL_ID
// and CHANNEL_ID work.
//
// All durations are Go duration strings (e.g. "500ms", "5s", "2m").
type Config struct {
	Telegram TelegramConfig `json:"telegram" envconfig:"TELEGRAM"`
	Provider ProviderConfig `json:"provider" envconfig:"PROVIDER"`
	Orders   OrdersConfig   `json:"orders" envconfig:"ORDERS"`
	Announce AnnounceConfig `json:"announce" envconfig:"ANNOUNCE"`
	Logging  LoggingConfig  `json:"logging" envconfig:"LOGGING"`
	Storage  StorageConfig  `json:"storage" envconfig:"STORAGE"`
	Ops      OpsConfig      `json:"ops" envconfig:"OPS"`
}

type TelegramConfig struct {
	Token       string `json:"token" envconfig:"TELEGRAM_TOKEN" validate:"required"`
	ChannelID   string `json:"channel_id" envconfig:"CHANNEL_ID" validate:"required"`
	PollTimeout string `json:"poll_timeout" envconfig:"POLL_TIMEOUT"`
	// HistorySize bounds the per-chat message log (default 50).
	HistorySize int `json:"history_size" envconfig:"HISTORY_SIZE" validate:"gte=0,lte=1000"`
}

type ProviderConfig struct {
	BaseURL    string `json:"base_url" envconfig:"API_BASE_URL" validate:"omitempty,url"`
	APIKey     string `json:"api_key" envconfig:"API_KEY" validate:"required"`
	Country    string `json:"country" envconfig:"SMS_COUNTRY" validate:"required"`
	Service    string `json:"service" envconfig:"SMS_SERVICE" validate:"required"`
	RatePerSec int    `json:"rate_per_sec" envconfig:"API_RATE_PER_SEC" validate:"gte=0,lte=100"`
	Timeout    string `json:"timeout" envconfig:"API_TIMEOUT"`
}

type OrdersConfig struct {
	PollInterval string `json:"poll_interval" envconfig:"POLL_INTERVAL"`
	// MaxAge drops orders still pending after this long; empty or 0 disables.
	MaxAge  string `json:"max_age" envconfig:"ORDER_MAX_AGE"`
	CodeTTL string `json:"code_ttl" envconfig:"CODE_TTL"`
}

type AnnounceConfig struct {
	RefreshInterval string `json:"refresh_interval" envconfig:"REFRESH_INTERVAL"`
	ScanLimit       int    `json:"scan_limit" envconfig:"ANNOUNCE_SCAN_LIMIT" validate:"gte=0,lte=100"`
	Author          string `json:"author" envconfig:"ANNOUNCE_AUTHOR"`
	URL             string `json:"url" envconfig:"ANNOUNCE_URL" validate:"omitempty,url"`
}

type LoggingConfig struct {
	Level   string        `json:"level" envconfig:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`
	Console bool          `json:"console" envconfig:"LOG_CONSOLE"`
	File    LogFileConfig `json:"file" envconfig:"FILE"`
}

// LogFileConfig enables a rotating JSON log file when Path is set.
type LogFileConfig struct {
	Path       string `json:"path" envconfig:"LOG_FILE"`
	MaxSizeMB  int    `json:"max_size_mb" envconfig:"LOG_FILE_MAX_SIZE_MB" validate:"gte=0"`
	MaxBackups int    `json:"max_backups" envconfig:"LOG_FILE_MAX_BACKUPS" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days" envconfig:"LOG_FILE_MAX_AGE_DAYS" validate:"gte=0"`
}

type StorageConfig struct {
	Driver      string `json:"driver" envconfig:"STORAGE_DRIVER" validate:"omitempty,oneof=none file sqlite sqlite3"`
	Path        string `json:"path" envconfig:"STORAGE_PATH"`
	BusyTimeout string `json:"busy_timeout" envconfig:"STORAGE_BUSY_TIMEOUT"`
}

// OpsConfig controls the local operations HTTP endpoint. Empty Addr disables it.
type OpsConfig struct {
	Addr  string `json:"addr" envconfig:"OPS_ADDR" validate:"omitempty,hostname_port"`
	Pprof bool   `json:"pprof" envconfig:"OPS_PPROF"`
	// AllowNonLocal permits binding to a non-loopback address.
	AllowNonLocal bool `json:"allow_non_local" envconfig:"OPS_ALLOW_NON_LOCAL"`
}

// Defaults returns the built-in configuration the file and environment overlay.
func Defaults() Config {
	return Config{
		Telegram: TelegramConfig{PollTimeout: "10s", HistorySize: 50},
		Provider: ProviderConfig{
			BaseURL:    "https://www.smspool.net/api",
			Country:    "us",
			Service:    "ubisoft",
			RatePerSec: 5,
			Timeout:    "15s",
		},
		Orders:   OrdersConfig{PollInterval: "5s", CodeTTL: "2m"},
		Announce: AnnounceConfig{RefreshInterval: "20s", ScanLimit: 10, URL: "https://www.smspool.net/"},
		Logging:  LoggingConfig{Level: "info", Console: true},
		Storage:  StorageConfig{Driver: "none"},
	}
}

// Effective durations. Load rejects malformed values, so these only fall back
// to defaults for empty or zero fields.

func (c TelegramConfig) PollTimeoutOrDefault() time.Duration {
	return mustDuration("telegram.poll_timeout", c.PollTimeout, 10*time.Second)
}

func (c ProviderConfig) TimeoutOrDefault() time.Duration {
	return mustDuration("provider.timeout", c.Timeout, 15*time.Second)
}

func (c OrdersConfig) PollIntervalOrDefault() time.Duration {
	return mustDuration("orders.poll_interval", c.PollInterval, 5*time.Second)
}

func (c OrdersConfig) CodeTTLOrDefault() time.Duration {
	return mustDuration("orders.code_ttl", c.CodeTTL, 2*time.Minute)
}

// MaxAgeOrZero returns 0 when expiry is disabled.
func (c OrdersConfig) MaxAgeOrZero() time.Duration {
	d, _ := ParseDurationField("orders.max_age", c.MaxAge)
	return d
}

func (c AnnounceConfig) RefreshIntervalOrDefault() time.Duration {
	return mustDuration("announce.refresh_interval", c.RefreshInterval, 20*time.Second)
}

func (c StorageConfig) BusyTimeoutOrZero() time.Duration {
	d, _ := ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	return d
}

func mustDuration(path, raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault(path, raw, def)
	if err != nil {
		return def
	}
	return d
}
