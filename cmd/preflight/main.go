// cmd/preflight/main.go
package main

import (
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/hamed0406/sitewatch/internal/config"
)

type level int

const (
	levelOK level = iota
	levelWarn
	levelFail
)

type finding struct {
	level level
	msg   string
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "✖", err)
		os.Exit(1)
	}
	if !report(os.Stdout, os.Stderr, check(cfg)) {
		os.Exit(1)
	}
}

func check(cfg config.Config) []finding {
	var fs []finding
	add := func(l level, format string, args ...any) {
		fs = append(fs, finding{l, fmt.Sprintf(format, args...)})
	}

	if len(cfg.AdminAPIKeys) == 0 {
		add(levelFail, "ADMIN_API_KEYS is empty (admin routes would be open).")
	}
	if len(cfg.PublicAPIKeys) == 0 {
		add(levelFail, "PUBLIC_API_KEYS is empty (registration would be open).")
	}
	add(levelOK, "ADDR=%s", cfg.Addr)

	switch {
	case cfg.DatabaseURL != "":
		add(levelOK, "DATABASE_URL present (postgres store)")
	case cfg.SQLitePath != "":
		add(levelOK, "SQLITE_PATH=%s (sqlite store)", cfg.SQLitePath)
	default:
		add(levelWarn, "no DATABASE_URL or SQLITE_PATH: jobs are kept in memory and lost on restart.")
	}

	if cfg.SMTP.Host == "" {
		add(levelWarn, "SMTP_HOST empty: notifications are only written to the log.")
	} else {
		if cfg.SMTP.From == "" {
			add(levelFail, "SMTP_FROM is required when SMTP_HOST is set.")
		}
		add(levelOK, "SMTP_HOST=%s:%d", cfg.SMTP.Host, cfg.SMTP.Port)
	}
	if cfg.AdminEmail == "" {
		add(levelWarn, "ADMIN_EMAIL empty: suppressed-response notices only reach the log/Slack.")
	}

	if u, err := url.Parse(cfg.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add(levelFail, "PUBLIC_BASE_URL %q is not an absolute URL.", cfg.PublicBaseURL)
	}
	if cfg.CheckInterval == 0 {
		add(levelWarn, "CHECK_INTERVAL_MS=0: periodic checks disabled, only manual runs.")
	} else {
		add(levelOK, "checking every %s, at most %d at once", cfg.CheckInterval, cfg.MaxConcurrentChecks)
	}
	if len(cfg.AllowedOrigins) == 0 {
		add(levelWarn, "ALLOWED_ORIGINS empty: CORS allows every origin.")
	}
	if cfg.TrustProxy {
		add(levelWarn, "TRUST_PROXY set: rate limits key on X-Forwarded-For; the proxy must overwrite it.")
	}
	return fs
}

// report prints findings and tells whether none of them failed.
func report(stdout, stderr io.Writer, fs []finding) bool {
	passed := true
	for _, f := range fs {
		switch f.level {
		case levelFail:
			passed = false
			fmt.Fprintln(stderr, "✖", f.msg)
		case levelWarn:
			fmt.Fprintln(stderr, "⚠", f.msg)
		default:
			fmt.Fprintln(stdout, "✔", f.msg)
		}
	}
	if passed {
		fmt.Fprintln(stdout, "✔ preflight passed")
	}
	return passed
}
