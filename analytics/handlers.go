package analytics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/eringen/folio/ratelimit"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Handler handles analytics HTTP requests.
type Handler struct {
	store          *Store
	hasher         *Hasher
	log            zerolog.Logger
	collectLimiter *ratelimit.Limiter
	now            func() time.Time
}

// NewHandler creates a new analytics handler.
// The collect endpoint is rate-limited to 60 requests per IP per minute.
func NewHandler(store *Store, hasher *Hasher, log zerolog.Logger) *Handler {
	return &Handler{
		store:          store,
		hasher:         hasher,
		log:            log,
		collectLimiter: ratelimit.New(60, time.Minute),
		now:            time.Now,
	}
}

// Close stops the handler's background limiter sweep.
func (h *Handler) Close() {
	h.collectLimiter.Stop()
}

// CollectRequest is the expected request body for the collect endpoint.
type CollectRequest struct {
	VisitorID   string `json:"visitor_id"`
	Path        string `json:"path"`
	Referrer    string `json:"referrer"`
	ScreenSize  string `json:"screen_size"`
	UserAgent   string `json:"user_agent"`
	DurationSec int    `json:"duration_sec"`
}

// Input validation limits for the collect endpoint.
const (
	maxPathLen       = 2048
	maxReferrerLen   = 2048
	maxScreenSizeLen = 32
	maxUserAgentLen  = 512
	maxDurationSec   = 86400 // 24 hours
)

func validateCollectRequest(req *CollectRequest) error {
	switch {
	case req.Path == "":
		return fmt.Errorf("path is required")
	case len(req.Path) > maxPathLen:
		return fmt.Errorf("path exceeds maximum length of %d", maxPathLen)
	case len(req.Referrer) > maxReferrerLen:
		return fmt.Errorf("referrer exceeds maximum length of %d", maxReferrerLen)
	case len(req.ScreenSize) > maxScreenSizeLen:
		return fmt.Errorf("screen_size exceeds maximum length of %d", maxScreenSizeLen)
	case len(req.UserAgent) > maxUserAgentLen:
		return fmt.Errorf("user_agent exceeds maximum length of %d", maxUserAgentLen)
	case req.DurationSec < 0:
		return fmt.Errorf("duration_sec must not be negative")
	case req.DurationSec > maxDurationSec:
		return fmt.Errorf("duration_sec exceeds maximum of %d", maxDurationSec)
	}
	return nil
}

// Collect handles incoming analytics data from clients.
func (h *Handler) Collect(c echo.Context) error {
	ip := c.RealIP()
	if !h.collectLimiter.Allow(ip) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many requests")
	}

	if c.Request().Header.Get("DNT") == "1" {
		return c.NoContent(http.StatusNoContent)
	}

	var req CollectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if err := validateCollectRequest(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = c.Request().UserAgent()
	}
	ctx := c.Request().Context()
	now := h.now().UTC()

	if IsBot(userAgent) {
		bv := &BotVisit{
			BotName:   ExtractBotName(userAgent),
			IPHash:    h.hasher.HashIP(ip),
			UserAgent: userAgent,
			Path:      req.Path,
			VisitedAt: now,
		}
		if err := h.store.SaveBotVisit(ctx, bv); err != nil {
			h.log.Error().Err(err).Msg("failed to save bot visit")
		}
		return c.NoContent(http.StatusNoContent)
	}

	visitorID := req.VisitorID
	if !ValidFingerprint(visitorID) {
		visitorID = h.hasher.VisitorID(ip, userAgent)
	}

	// A positive duration is the unload beacon of a visit already recorded.
	if req.DurationSec > 0 {
		if err := h.store.UpdateVisitDuration(ctx, visitorID, req.Path, req.DurationSec); err != nil {
			h.log.Error().Err(err).Msg("failed to update visit duration")
		}
		return c.NoContent(http.StatusNoContent)
	}

	touch, err := h.store.TouchVisitor(ctx, visitorID, now)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to touch visitor")
		touch = Touch{Session: 1}
	}

	browser, os, device := ParseUserAgent(userAgent)
	visit := &Visit{
		VisitorID:  visitorID,
		SessionID:  h.hasher.SessionID(visitorID, touch.Session),
		IPHash:     h.hasher.HashIP(ip),
		Browser:    browser,
		OS:         os,
		Device:     device,
		Path:       req.Path,
		Referrer:   CleanReferrer(req.Referrer),
		ScreenSize: req.ScreenSize,
		NewVisitor: touch.NewVisitor,
		VisitedAt:  now,
	}
	if err := h.store.SaveVisit(ctx, visit); err != nil {
		h.log.Error().Err(err).Msg("failed to save visit")
	}

	return c.NoContent(http.StatusNoContent)
}

// StatsResponse is the JSON response for stats endpoint.
type StatsResponse struct {
	Stats      *Stats `json:"stats"`
	Realtime   int    `json:"realtime_visitors"`
	PeriodName string `json:"period"`
	PeriodDays int    `json:"period_days"`
	Hourly     bool   `json:"hourly"`
	Monthly    bool   `json:"monthly"`
}

// GetStats returns analytics statistics as JSON.
func (h *Handler) GetStats(c echo.Context) error {
	p := parsePeriod(c.QueryParam("period"))
	from, to := calcTimeRange(h.now().UTC(), p.days, p.granularity == Hourly)
	ctx := c.Request().Context()

	stats, err := h.store.GetStats(ctx, from, to, p.granularity)
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}
	if p.granularity == Hourly {
		stats.Series = fillHourlyData(stats.Series, from)
	}

	realtime, err := h.store.GetRealtimeVisitors(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("realtime visitors unavailable")
	}

	return c.JSON(http.StatusOK, StatsResponse{
		Stats:      stats,
		Realtime:   realtime,
		PeriodName: p.name,
		PeriodDays: p.days,
		Hourly:     p.granularity == Hourly,
		Monthly:    p.granularity == Monthly,
	})
}

// BotStatsResponse is the JSON response for bot stats endpoint.
type BotStatsResponse struct {
	Stats      *BotStats `json:"stats"`
	PeriodName string    `json:"period"`
	PeriodDays int       `json:"period_days"`
	Hourly     bool      `json:"hourly"`
	Monthly    bool      `json:"monthly"`
}

// GetBotStats returns bot analytics statistics as JSON.
func (h *Handler) GetBotStats(c echo.Context) error {
	p := parsePeriod(c.QueryParam("period"))
	from, to := calcTimeRange(h.now().UTC(), p.days, p.granularity == Hourly)

	stats, err := h.store.GetBotStats(c.Request().Context(), from, to, p.granularity)
	if err != nil {
		return fmt.Errorf("get bot stats: %w", err)
	}
	if p.granularity == Hourly {
		stats.Series = fillHourlyData(stats.Series, from)
	}

	return c.JSON(http.StatusOK, BotStatsResponse{
		Stats:      stats,
		PeriodName: p.name,
		PeriodDays: p.days,
		Hourly:     p.granularity == Hourly,
		Monthly:    p.granularity == Monthly,
	})
}

// GetRealtime returns the number of visitors seen in the last five minutes.
func (h *Handler) GetRealtime(c echo.Context) error {
	n, err := h.store.GetRealtimeVisitors(c.Request().Context())
	if err != nil {
		return fmt.Errorf("realtime visitors: %w", err)
	}
	return c.JSON(http.StatusOK, map[string]int{"realtime_visitors": n})
}

type period struct {
	name        string
	days        int
	granularity Granularity
}

// parsePeriod parses the period query parameter. Unknown values mean "week".
func parsePeriod(name string) period {
	switch name {
	case "today":
		return period{name, 1, Hourly}
	case "month":
		return period{name, 30, Daily}
	case "year":
		return period{name, 365, Monthly}
	default:
		return period{"week", 7, Daily}
	}
}

// calcTimeRange returns the from/to times for the given period.
func calcTimeRange(now time.Time, days int, hourly bool) (time.Time, time.Time) {
	if hourly {
		currentHour := now.Truncate(time.Hour)
		return currentHour.Add(-23 * time.Hour), currentHour.Add(time.Hour)
	}
	from := now.AddDate(0, 0, -days).Truncate(24 * time.Hour)
	to := now.Add(24 * time.Hour).Truncate(24 * time.Hour)
	return from, to
}

// fillHourlyData ensures all 24 hourly slots are present, filling gaps with
// zero and relabelling buckets as "15:00".
func fillHourlyData(sparse []SeriesPoint, from time.Time) []SeriesPoint {
	dataMap := make(map[string]int, len(sparse))
	for _, v := range sparse {
		dataMap[v.Label] = v.Views
	}

	result := make([]SeriesPoint, 24)
	for i := 0; i < 24; i++ {
		hour := from.Add(time.Duration(i) * time.Hour)
		result[i] = SeriesPoint{
			Label: fmt.Sprintf("%02d:00", hour.Hour()),
			Views: dataMap[hour.Format("2006-01-02T15")],
		}
	}
	return result
}

// RegisterRoutes registers analytics routes: collection on the public
// group, reporting on the admin group.
func (h *Handler) RegisterRoutes(public, admin *echo.Group) {
	public.POST("/analytics/collect", h.Collect)

	admin.GET("/analytics/stats", h.GetStats)
	admin.GET("/analytics/bot-stats", h.GetBotStats)
	admin.GET("/analytics/realtime", h.GetRealtime)
}
