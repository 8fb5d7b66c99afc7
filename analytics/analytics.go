// Package analytics provides privacy-first visitor analytics: page views,
// bot visits, and unique-visitor counting keyed by a client fingerprint.
// IP addresses are never stored, only salted hashes of them.
package analytics

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Hasher derives stable anonymous identifiers from request data using a
// per-installation salt.
type Hasher struct {
	salt string
}

// NewHasher returns a Hasher with a fixed salt.
func NewHasher(salt string) *Hasher {
	return &Hasher{salt: salt}
}

// LoadHasher reads the installation salt from settings, generating and
// persisting one on first start.
func LoadHasher(ctx context.Context, store *Store) (*Hasher, error) {
	s, err := store.GetSetting(ctx, "hash_salt")
	if err != nil {
		return nil, fmt.Errorf("read hash salt: %w", err)
	}
	if s == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		s = hex.EncodeToString(b)
		if err := store.SetSetting(ctx, "hash_salt", s); err != nil {
			return nil, fmt.Errorf("store hash salt: %w", err)
		}
	}
	return &Hasher{salt: s}, nil
}

func (h *Hasher) sum(parts ...string) string {
	d := sha256.New()
	d.Write([]byte(h.salt))
	for _, p := range parts {
		d.Write([]byte("|" + p))
	}
	return hex.EncodeToString(d.Sum(nil))[:16]
}

// HashIP creates a salted hash of an IP address.
func (h *Hasher) HashIP(ip string) string {
	return h.sum(ip)
}

// VisitorID derives a fallback fingerprint from IP and User-Agent, used
// when the client does not send one.
func (h *Hasher) VisitorID(ip, userAgent string) string {
	return h.sum(ip, userAgent)
}

// SessionID identifies the n-th session of a visitor.
func (h *Hasher) SessionID(visitorID string, n int) string {
	return h.sum(visitorID, fmt.Sprint(n))
}

var reFingerprint = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// ValidFingerprint reports whether a client-supplied visitor id is usable.
func ValidFingerprint(s string) bool {
	return reFingerprint.MatchString(s)
}

// Visit represents a single page view.
type Visit struct {
	VisitorID   string    `json:"visitor_id"`
	SessionID   string    `json:"session_id"`
	IPHash      string    `json:"-"`
	Browser     string    `json:"browser"`
	OS          string    `json:"os"`
	Device      string    `json:"device"` // Desktop, Mobile, Tablet
	Path        string    `json:"path"`
	Referrer    string    `json:"referrer"`
	ScreenSize  string    `json:"screen_size"` // e.g. "1920x1080"
	NewVisitor  bool      `json:"new_visitor"`
	VisitedAt   time.Time `json:"visited_at"`
	DurationSec int       `json:"duration_sec"`
}

// BotVisit represents a single bot/crawler page view.
type BotVisit struct {
	BotName   string    `json:"bot_name"`
	IPHash    string    `json:"-"`
	UserAgent string    `json:"user_agent"`
	Path      string    `json:"path"`
	VisitedAt time.Time `json:"visited_at"`
}

// Stats holds aggregated analytics data.
type Stats struct {
	Period         string            `json:"period"`
	UniqueVisitors int               `json:"unique_visitors"`
	NewVisitors    int               `json:"new_visitors"`
	Sessions       int               `json:"sessions"`
	TotalViews     int               `json:"total_views"`
	AvgDuration    int               `json:"avg_duration_sec"`
	TopPages       []PageStat        `json:"top_pages"`
	LatestPages    []LatestPageVisit `json:"latest_pages"`
	BrowserStats   []DimensionStat   `json:"browsers"`
	OSStats        []DimensionStat   `json:"os"`
	DeviceStats    []DimensionStat   `json:"devices"`
	ReferrerStats  []DimensionStat   `json:"referrers"`
	Series         []SeriesPoint     `json:"series"`
}

// BotStats holds aggregated bot analytics data.
type BotStats struct {
	Period      string          `json:"period"`
	TotalVisits int             `json:"total_visits"`
	TopBots     []DimensionStat `json:"top_bots"`
	TopPages    []PageStat      `json:"top_pages"`
	Series      []SeriesPoint   `json:"series"`
}

// PageStat represents page view statistics.
type PageStat struct {
	Path  string `json:"path" db:"path"`
	Views int    `json:"views" db:"n"`
}

// LatestPageVisit represents a single recent page visit.
type LatestPageVisit struct {
	Path      string `json:"path" db:"path"`
	Timestamp string `json:"timestamp" db:"visited_at"`
	Browser   string `json:"browser" db:"browser"`
}

// DimensionStat represents a dimension breakdown (browser, OS, etc.).
type DimensionStat struct {
	Name  string `json:"name" db:"name"`
	Count int    `json:"count" db:"n"`
}

// SeriesPoint is one bucket of a views-over-time series.
type SeriesPoint struct {
	Label string `json:"label" db:"bucket"`
	Views int    `json:"views" db:"n"`
}

// ParseUserAgent extracts browser, OS, and device from a User-Agent string.
func ParseUserAgent(ua string) (browser, os, device string) {
	ua = strings.ToLower(ua)

	// More specific tokens first: Edge and Opera UAs also contain "chrome".
	switch {
	case strings.Contains(ua, "firefox"):
		browser = "Firefox"
	case strings.Contains(ua, "opera") || strings.Contains(ua, "opr/"):
		browser = "Opera"
	case strings.Contains(ua, "edg"):
		browser = "Edge"
	case strings.Contains(ua, "chrome") || strings.Contains(ua, "crios"):
		browser = "Chrome"
	case strings.Contains(ua, "safari"):
		browser = "Safari"
	default:
		browser = "Other"
	}

	// Android UAs contain "linux".
	switch {
	case strings.Contains(ua, "windows"):
		os = "Windows"
	case strings.Contains(ua, "android"):
		os = "Android"
	case strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad"):
		os = "iOS"
	case strings.Contains(ua, "macintosh") || strings.Contains(ua, "mac os"):
		os = "macOS"
	case strings.Contains(ua, "linux"):
		os = "Linux"
	default:
		os = "Other"
	}

	// iPad UAs contain "mobile".
	switch {
	case strings.Contains(ua, "tablet") || strings.Contains(ua, "ipad"):
		device = "Tablet"
	case strings.Contains(ua, "mobile"):
		device = "Mobile"
	default:
		device = "Desktop"
	}

	return
}

// botPatterns is ordered: named crawlers before the generic tokens.
var botPatterns = []struct {
	token string
	name  string
}{
	{"googlebot", "Googlebot"},
	{"bingbot", "Bingbot"},
	{"yandex", "Yandex"},
	{"baidu", "Baidu"},
	{"duckduckbot", "DuckDuckBot"},
	{"facebookexternalhit", "Facebook"},
	{"twitterbot", "Twitterbot"},
	{"linkedinbot", "LinkedIn"},
	{"ahrefsbot", "Ahrefs"},
	{"semrushbot", "SEMrush"},
	{"mj12bot", "Majestic"},
	{"dotbot", "Moz"},
	{"slurp", "Yahoo Slurp"},
	{"gptbot", "GPTBot"},
	{"crawler", "Generic Crawler"},
	{"crawl", "Generic Crawler"},
	{"spider", "Generic Spider"},
	{"scrape", "Scraper"},
	{"bot", "Other Bot"},
}

// IsBot checks if the User-Agent is likely a bot/crawler. An empty
// User-Agent counts as a bot.
func IsBot(ua string) bool {
	if strings.TrimSpace(ua) == "" {
		return true
	}
	return ExtractBotName(ua) != ""
}

// ExtractBotName names the crawler behind ua, or "" for a non-bot.
func ExtractBotName(ua string) string {
	ua = strings.ToLower(ua)
	if strings.TrimSpace(ua) == "" {
		return "Empty User-Agent"
	}
	for _, p := range botPatterns {
		if strings.Contains(ua, p.token) {
			return p.name
		}
	}
	return ""
}

var referrerDomainRegex = regexp.MustCompile(`^https?://(?:www\.)?([^/:]+)`)

// CleanReferrer reduces a referrer URL to a source name.
func CleanReferrer(ref string) string {
	if ref == "" {
		return "Direct"
	}

	refLower := strings.ToLower(ref)
	for _, se := range []struct{ token, name string }{
		{"google.", "Google"},
		{"bing.", "Bing"},
		{"duckduckgo.", "DuckDuckGo"},
		{"yahoo.", "Yahoo"},
		{"github.", "GitHub"},
		{"news.ycombinator.", "Hacker News"},
		{"reddit.", "Reddit"},
	} {
		if strings.Contains(refLower, se.token) {
			return se.name
		}
	}

	if m := referrerDomainRegex.FindStringSubmatch(refLower); len(m) > 1 {
		return m[1]
	}
	return "Other"
}
