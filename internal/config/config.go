// Package config loads service settings from the environment, an optional
// .env file and an optional TOML file. Environment variables always win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type SMTP struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration // per relay connection
}

type Config struct {
	Addr     string // API bind address, e.g. "127.0.0.1:8080" or ":8080" (Docker)
	LogDir   string
	LogLevel string

	// Storage: DatabaseURL selects Postgres, else SQLitePath selects SQLite,
	// else jobs live in memory.
	DatabaseURL string
	SQLitePath  string

	ProbeTimeout        time.Duration
	RetryAttempts       int
	RetryBackoff        time.Duration
	CheckInterval       time.Duration // 0 disables periodic checks
	MaxConcurrentChecks int
	DNSDiagnostics      bool

	AdminEmail    string
	PublicBaseURL string
	SlackWebhook  string
	SMTP          SMTP
	NotifyTimeout time.Duration // bound on a single notification send

	PublicAPIKeys  []string
	AdminAPIKeys   []string
	AllowedOrigins []string
	PublicRPM      int
	PublicBurst    int
	AdminRPM       int
	AdminBurst     int
	// TrustProxy makes rate limiting key on X-Forwarded-For / X-Real-IP.
	// Enable only behind a proxy that overwrites those headers.
	TrustProxy     bool
}

func defaults() Config {
	return Config{
		Addr:                "127.0.0.1:8080",
		LogDir:              "logs",
		LogLevel:            "info",
		ProbeTimeout:        10 * time.Second,
		RetryAttempts:       1,
		RetryBackoff:        300 * time.Millisecond,
		CheckInterval:       time.Minute,
		MaxConcurrentChecks: 10,
		DNSDiagnostics:      true,
		PublicBaseURL:       "http://127.0.0.1:8080",
		SMTP:                SMTP{Port: 587, Timeout: 15 * time.Second},
		NotifyTimeout:       30 * time.Second,
		PublicRPM:           60,
		PublicBurst:         30,
		AdminRPM:            600,
		AdminBurst:          100,
	}
}

// FromEnv reads the process environment only.
func FromEnv() Config {
	c := defaults()
	c.applyEnv()
	return c
}

// Load reads .env (when present), then CONFIG_FILE (when set), then the
// environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	c := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := c.applyFile(path); err != nil {
			return c, err
		}
	}
	c.applyEnv()
	return c, nil
}

// fileConfig mirrors Config in TOML. Durations are milliseconds.
type fileConfig struct {
	Addr     string `toml:"addr"`
	LogDir   string `toml:"log_dir"`
	LogLevel string `toml:"log_level"`

	DatabaseURL string `toml:"database_url"`
	SQLitePath  string `toml:"sqlite_path"`

	ProbeTimeoutMS      int  `toml:"probe_timeout_ms"`
	RetryAttempts       int  `toml:"retry_attempts"`
	RetryBackoffMS      int  `toml:"retry_backoff_ms"`
	CheckIntervalMS     int  `toml:"check_interval_ms"`
	MaxConcurrentChecks int  `toml:"max_concurrent_checks"`
	DNSDiagnostics      bool `toml:"dns_diagnostics"`

	AdminEmail    string `toml:"admin_email"`
	PublicBaseURL string `toml:"public_base_url"`
	SlackWebhook  string `toml:"slack_webhook"`
	SMTP          struct {
		Host      string `toml:"host"`
		Port      int    `toml:"port"`
		Username  string `toml:"username"`
		Password  string `toml:"password"`
		From      string `toml:"from"`
		TimeoutMS int    `toml:"timeout_ms"`
	} `toml:"smtp"`

	NotifyTimeoutMS int `toml:"notify_timeout_ms"`

	PublicAPIKeys  []string `toml:"public_api_keys"`
	AdminAPIKeys   []string `toml:"admin_api_keys"`
	AllowedOrigins []string `toml:"allowed_origins"`
	PublicRPM      int      `toml:"public_rpm"`
	PublicBurst    int      `toml:"public_burst"`
	AdminRPM       int      `toml:"admin_rpm"`
	AdminBurst     int      `toml:"admin_burst"`
	TrustProxy     bool     `toml:"trust_proxy"`
}

func (c *Config) applyFile(path string) error {
	// prefill so keys missing from the file keep their current value
	f := fileConfig{
		Addr: c.Addr, LogDir: c.LogDir, LogLevel: c.LogLevel,
		DatabaseURL: c.DatabaseURL, SQLitePath: c.SQLitePath,
		ProbeTimeoutMS:      int(c.ProbeTimeout / time.Millisecond),
		RetryAttempts:       c.RetryAttempts,
		RetryBackoffMS:      int(c.RetryBackoff / time.Millisecond),
		CheckIntervalMS:     int(c.CheckInterval / time.Millisecond),
		MaxConcurrentChecks: c.MaxConcurrentChecks,
		DNSDiagnostics:      c.DNSDiagnostics,
		AdminEmail:          c.AdminEmail, PublicBaseURL: c.PublicBaseURL, SlackWebhook: c.SlackWebhook,
		PublicAPIKeys: c.PublicAPIKeys, AdminAPIKeys: c.AdminAPIKeys, AllowedOrigins: c.AllowedOrigins,
		PublicRPM: c.PublicRPM, PublicBurst: c.PublicBurst, AdminRPM: c.AdminRPM, AdminBurst: c.AdminBurst,
		TrustProxy:      c.TrustProxy,
		NotifyTimeoutMS: int(c.NotifyTimeout / time.Millisecond),
	}
	f.SMTP.Host, f.SMTP.Port, f.SMTP.Username, f.SMTP.Password, f.SMTP.From =
		c.SMTP.Host, c.SMTP.Port, c.SMTP.Username, c.SMTP.Password, c.SMTP.From
	f.SMTP.TimeoutMS = int(c.SMTP.Timeout / time.Millisecond)

	if _, err := toml.DecodeFile(path, &f); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	c.Addr, c.LogDir, c.LogLevel = f.Addr, f.LogDir, f.LogLevel
	c.DatabaseURL, c.SQLitePath = f.DatabaseURL, f.SQLitePath
	c.ProbeTimeout = time.Duration(f.ProbeTimeoutMS) * time.Millisecond
	c.RetryAttempts = f.RetryAttempts
	c.RetryBackoff = time.Duration(f.RetryBackoffMS) * time.Millisecond
	c.CheckInterval = time.Duration(f.CheckIntervalMS) * time.Millisecond
	c.MaxConcurrentChecks = f.MaxConcurrentChecks
	c.DNSDiagnostics = f.DNSDiagnostics
	c.AdminEmail, c.PublicBaseURL, c.SlackWebhook = f.AdminEmail, f.PublicBaseURL, f.SlackWebhook
	c.SMTP = SMTP{
		Host: f.SMTP.Host, Port: f.SMTP.Port, Username: f.SMTP.Username, Password: f.SMTP.Password, From: f.SMTP.From,
		Timeout: time.Duration(f.SMTP.TimeoutMS) * time.Millisecond,
	}
	c.NotifyTimeout = time.Duration(f.NotifyTimeoutMS) * time.Millisecond
	c.TrustProxy = f.TrustProxy
	c.PublicAPIKeys, c.AdminAPIKeys, c.AllowedOrigins = f.PublicAPIKeys, f.AdminAPIKeys, f.AllowedOrigins
	c.PublicRPM, c.PublicBurst, c.AdminRPM, c.AdminBurst = f.PublicRPM, f.PublicBurst, f.AdminRPM, f.AdminBurst
	return nil
}

func (c *Config) applyEnv() {
	str(&c.Addr, "ADDR")
	str(&c.LogDir, "LOG_DIR")
	str(&c.LogLevel, "LOG_LEVEL")

	str(&c.DatabaseURL, "DATABASE_URL")
	str(&c.SQLitePath, "SQLITE_PATH")

	millis(&c.ProbeTimeout, "HTTP_TIMEOUT_MS", 1)
	integer(&c.RetryAttempts, "RETRY_ATTEMPTS", 1)
	millis(&c.RetryBackoff, "RETRY_BACKOFF_MS", 0)
	millis(&c.CheckInterval, "CHECK_INTERVAL_MS", 0)
	integer(&c.MaxConcurrentChecks, "MAX_CONCURRENT_CHECKS", 1)
	boolean(&c.DNSDiagnostics, "DNS_DIAGNOSTICS")

	str(&c.AdminEmail, "ADMIN_EMAIL")
	str(&c.PublicBaseURL, "PUBLIC_BASE_URL")
	str(&c.SlackWebhook, "SLACK_WEBHOOK_URL")
	str(&c.SMTP.Host, "SMTP_HOST")
	integer(&c.SMTP.Port, "SMTP_PORT", 1)
	str(&c.SMTP.Username, "SMTP_USERNAME")
	str(&c.SMTP.Password, "SMTP_PASSWORD")
	str(&c.SMTP.From, "SMTP_FROM")
	millis(&c.SMTP.Timeout, "SMTP_TIMEOUT_MS", 1)
	millis(&c.NotifyTimeout, "NOTIFY_TIMEOUT_MS", 1)

	list(&c.PublicAPIKeys, "PUBLIC_API_KEYS")
	list(&c.AdminAPIKeys, "ADMIN_API_KEYS")
	list(&c.AllowedOrigins, "ALLOWED_ORIGINS")
	integer(&c.PublicRPM, "PUBLIC_RPM", 0)
	integer(&c.PublicBurst, "PUBLIC_BURST", 1)
	integer(&c.AdminRPM, "ADMIN_RPM", 0)
	integer(&c.AdminBurst, "ADMIN_BURST", 1)
	boolean(&c.TrustProxy, "TRUST_PROXY")
}

func str(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// integer ignores values that do not parse or are below min.
func integer(dst *int, key string, min int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= min {
			*dst = n
		}
	}
}

func boolean(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func millis(dst *time.Duration, key string, min int) {
	ms := -1
	integer(&ms, key, min)
	if ms >= min && ms >= 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}

func list(dst *[]string, key string) {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}
