package folio

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eringen/folio/notify"
	"github.com/eringen/folio/storage"
)

// SiteConfig holds all configuration for a folio site.
type SiteConfig struct {
	Name        string // Site name (default "Folio")
	URL         string // Canonical URL (default "http://localhost:3000")
	Description string // Site description for RSS
	Author      string

	Addr        string // Listen address (default ":3000")
	MetricsAddr string // Separate /metrics listener; empty serves it on Addr

	DBDriver string // "sqlite" (default) or "postgres"
	DBDSN    string // SQLite path (default "data/folio.db") or Postgres URL

	AdminToken    string   // Required: bearer token for /api/admin
	SessionSecret string   // Required: visitor cookie signing key
	CookieSecure  bool     // Set true for HTTPS
	CORSOrigins   []string // Allowed origins for the public API

	CacheTTL time.Duration // Published content cache TTL (default 5min)

	MediaDir      string // Local upload directory (default "data/media")
	MediaURL      string // URL prefix local uploads are served under (default "/media")
	S3Bucket      string // Use S3 for media when set
	S3Region      string
	S3PublicURL   string
	SendGridKey   string
	MailFrom      string // "Name <addr>" or a bare address
	SlackToken    string
	SlackChannel  string
	LogLevel      string // zerolog level name (default "info")
	LogFile       string // Rotated JSON log file, in addition to the console
	RetentionDays int    // Analytics retention (default 365)
}

func (c *SiteConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "Folio"
	}
	if c.URL == "" {
		c.URL = "http://localhost:3000"
	}
	if c.Addr == "" {
		c.Addr = ":3000"
	}
	if c.DBDriver == "" {
		c.DBDriver = "sqlite"
	}
	if c.DBDSN == "" && c.DBDriver == "sqlite" {
		c.DBDSN = "data/folio.db"
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.MediaDir == "" {
		c.MediaDir = "data/media"
	}
	if c.MediaURL == "" {
		c.MediaURL = "/media"
	}
	if c.S3Region == "" {
		c.S3Region = "us-east-1"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 365
	}
}

func (c *SiteConfig) validate() error {
	if c.AdminToken == "" {
		return fmt.Errorf("folio: AdminToken is required")
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("folio: SessionSecret is required")
	}
	if c.MediaURL != "" && !strings.HasPrefix(c.MediaURL, "/") && c.S3Bucket == "" {
		return fmt.Errorf("folio: MediaURL must be an absolute path, got %q", c.MediaURL)
	}
	return nil
}

// LoadConfig reads a SiteConfig from FOLIO_* environment variables.
func LoadConfig() (SiteConfig, error) {
	cfg := SiteConfig{
		Name:          os.Getenv("FOLIO_SITE_NAME"),
		URL:           os.Getenv("FOLIO_SITE_URL"),
		Description:   os.Getenv("FOLIO_SITE_DESCRIPTION"),
		Author:        os.Getenv("FOLIO_SITE_AUTHOR"),
		Addr:          os.Getenv("FOLIO_ADDR"),
		MetricsAddr:   os.Getenv("FOLIO_METRICS_ADDR"),
		DBDriver:      EnvOr("FOLIO_DB_DRIVER", "sqlite"),
		DBDSN:         os.Getenv("FOLIO_DB_DSN"),
		AdminToken:    os.Getenv("FOLIO_ADMIN_TOKEN"),
		SessionSecret: os.Getenv("FOLIO_SESSION_SECRET"),
		CORSOrigins:   splitList(os.Getenv("FOLIO_CORS_ORIGINS")),
		MediaDir:      os.Getenv("FOLIO_MEDIA_DIR"),
		MediaURL:      os.Getenv("FOLIO_MEDIA_URL"),
		S3Bucket:      os.Getenv("FOLIO_S3_BUCKET"),
		S3Region:      os.Getenv("FOLIO_S3_REGION"),
		S3PublicURL:   os.Getenv("FOLIO_S3_PUBLIC_URL"),
		SendGridKey:   os.Getenv("FOLIO_SENDGRID_KEY"),
		MailFrom:      os.Getenv("FOLIO_MAIL_FROM"),
		SlackToken:    os.Getenv("FOLIO_SLACK_TOKEN"),
		SlackChannel:  os.Getenv("FOLIO_SLACK_CHANNEL"),
		LogLevel:      EnvOr("FOLIO_LOG_LEVEL", "info"),
		LogFile:       os.Getenv("FOLIO_LOG_FILE"),
	}

	var err error
	if cfg.CookieSecure, err = envBool("FOLIO_COOKIE_SECURE"); err != nil {
		return cfg, err
	}
	if v := os.Getenv("FOLIO_CACHE_TTL"); v != "" {
		if cfg.CacheTTL, err = time.ParseDuration(v); err != nil {
			return cfg, fmt.Errorf("folio: FOLIO_CACHE_TTL: %w", err)
		}
	}
	if v := os.Getenv("FOLIO_ANALYTICS_RETENTION_DAYS"); v != "" {
		if cfg.RetentionDays, err = strconv.Atoi(v); err != nil || cfg.RetentionDays < 1 {
			return cfg, fmt.Errorf("folio: FOLIO_ANALYTICS_RETENTION_DAYS must be a positive integer, got %q", v)
		}
	}
	cfg.setDefaults()
	return cfg, cfg.validate()
}

func envBool(key string) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("folio: %s: %w", key, err)
	}
	return b, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseMailFrom splits "Name <addr>" into its parts.
func parseMailFrom(s string) (name, addr string) {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "<"); i >= 0 && strings.HasSuffix(s, ">") {
		return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1 : len(s)-1])
	}
	return "", s
}

// EnvOr returns the value of the environment variable key, or fallback if empty.
func EnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Option configures additional App behavior.
type Option func(*App)

// WithLogger replaces the logger built from LogLevel/LogFile.
func WithLogger(log zerolog.Logger) Option {
	return func(a *App) {
		a.Log = log
		a.logSet = true
	}
}

// WithMailer replaces the mailer (SendGrid when configured, otherwise a
// logging mailer).
func WithMailer(m notify.Mailer) Option {
	return func(a *App) {
		a.mailer = m
	}
}

// WithNotifier replaces the admin notifier (Slack when configured).
func WithNotifier(n notify.Notifier) Option {
	return func(a *App) {
		a.notifier = n
	}
}

// WithMediaStorage replaces the media backend.
func WithMediaStorage(s storage.Storage) Option {
	return func(a *App) {
		a.media = s
	}
}

// WithCustomRoutes registers additional routes on the Echo instance.
// The callback receives the App before the server starts.
func WithCustomRoutes(fn func(*App)) Option {
	return func(a *App) {
		a.customRoutes = append(a.customRoutes, fn)
	}
}
