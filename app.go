// Package folio is a personal site backend: blog posts and projects with
// a rich-text editor, media library, comments, ratings, privacy-friendly
// analytics, a kanban task board and a newsletter.
//
// A JSON API under /api serves a separate frontend. Admin routes live
// under /api/admin and require the configured bearer token.
package folio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/eringen/folio/analytics"
	"github.com/eringen/folio/database"
	"github.com/eringen/folio/notify"
	"github.com/eringen/folio/ratelimit"
	"github.com/eringen/folio/storage"
)

const shutdownTimeout = 10 * time.Second

// App is the central folio application. It wires together the stores,
// cache, handlers and middleware.
type App struct {
	Config SiteConfig
	Echo   *echo.Echo
	Store  *Store
	Cache  *ContentCache
	Log    zerolog.Logger

	logSet    bool
	validator *requestValidator
	mailer    notify.Mailer
	notifier  notify.Notifier
	media     storage.Storage

	hasher           *analytics.Hasher
	analyticsStore   *analytics.Store
	analyticsHandler *analytics.Handler

	commentLimiter   *ratelimit.Limiter
	subscribeLimiter *ratelimit.Limiter

	registry *prometheus.Registry
	metrics  *appMetrics

	customRoutes []func(*App)
	stopCleanup  func()
	initialized  bool

	// background tracks outgoing mail and notifications; Close waits on it.
	background sync.WaitGroup
}

// New creates a folio App with the given configuration.
func New(cfg SiteConfig, opts ...Option) *App {
	cfg.setDefaults()

	a := &App{
		Config:   cfg,
		Echo:     echo.New(),
		registry: prometheus.NewRegistry(),
	}
	a.Echo.HideBanner = true
	a.Echo.HidePort = true

	for _, opt := range opts {
		opt(a)
	}
	if !a.logSet {
		a.Log = NewLogger(cfg.LogLevel, cfg.LogFile)
	}
	a.validator = newValidator()
	a.metrics = newMetrics(a.registry)
	return a
}

// Init opens the database and wires stores, backends, middleware and
// routes. Start calls it when it has not run yet.
func (a *App) Init(ctx context.Context) error {
	if a.initialized {
		return nil
	}
	if err := a.Config.validate(); err != nil {
		return err
	}

	db, err := database.Open(ctx, database.Config{Driver: a.Config.DBDriver, DSN: a.Config.DBDSN}, a.Log)
	if err != nil {
		return fmt.Errorf("folio: open database: %w", err)
	}
	a.Store = NewStore(db)
	a.Cache = NewContentCache(a.Store, a.Config.CacheTTL)

	if err := a.setupBackends(ctx); err != nil {
		db.Close()
		return err
	}

	a.analyticsStore = analytics.NewStore(db)
	if a.hasher, err = analytics.LoadHasher(ctx, a.analyticsStore); err != nil {
		db.Close()
		return fmt.Errorf("folio: analytics salt: %w", err)
	}
	a.analyticsHandler = analytics.NewHandler(a.analyticsStore, a.hasher, a.Log)
	a.stopCleanup = a.analyticsStore.StartCleanupScheduler(a.Config.RetentionDays, 24*time.Hour, a.Log)

	a.commentLimiter = ratelimit.New(5, 10*time.Minute)
	a.subscribeLimiter = ratelimit.New(5, time.Hour)

	a.setupMiddleware()
	a.setupRoutes()
	for _, fn := range a.customRoutes {
		fn(a)
	}
	a.initialized = true
	return nil
}

func (a *App) setupBackends(ctx context.Context) error {
	if a.mailer == nil {
		if a.Config.SendGridKey != "" {
			name, addr := parseMailFrom(a.Config.MailFrom)
			if name == "" {
				name = a.Config.Name
			}
			a.mailer = notify.NewSendGrid(a.Config.SendGridKey, name, addr, a.Log)
		} else {
			a.mailer = notify.LogMailer{Log: a.Log}
		}
	}
	if a.notifier == nil {
		if a.Config.SlackToken != "" && a.Config.SlackChannel != "" {
			a.notifier = notify.NewSlack(a.Config.SlackToken, a.Config.SlackChannel, a.Log)
		} else {
			a.notifier = notify.Nop{}
		}
	}
	if a.media == nil {
		if a.Config.S3Bucket != "" {
			s, err := storage.NewS3(ctx, a.Config.S3Bucket, a.Config.S3Region, a.Config.S3PublicURL)
			if err != nil {
				return fmt.Errorf("folio: s3 media: %w", err)
			}
			a.media = s
		} else {
			l, err := storage.NewLocal(a.Config.MediaDir, a.Config.MediaURL)
			if err != nil {
				return fmt.Errorf("folio: local media: %w", err)
			}
			a.media = l
		}
	}
	return nil
}

// Start initializes the app and serves until ctx is cancelled, then shuts
// down gracefully.
func (a *App) Start(ctx context.Context) error {
	if err := a.Init(ctx); err != nil {
		return err
	}

	errc := make(chan error, 2)
	go func() {
		a.Log.Info().Str("addr", a.Config.Addr).Msg("folio listening")
		if err := a.Echo.Start(a.Config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var metricsSrv *echo.Echo
	if a.Config.MetricsAddr != "" {
		metricsSrv = echo.New()
		metricsSrv.HideBanner = true
		metricsSrv.HidePort = true
		metricsSrv.GET("/metrics", a.metricsHandler())
		go func() {
			a.Log.Info().Str("addr", a.Config.MetricsAddr).Msg("metrics listening")
			if err := metricsSrv.Start(a.Config.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Echo.Shutdown(shutdownCtx); err != nil {
		a.Log.Error().Err(err).Msg("shutdown")
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return errors.Join(serveErr, a.Close())
}

func (a *App) metricsHandler() echo.HandlerFunc {
	return echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: a.registry})
}

func (a *App) setupRoutes() {
	e := a.Echo

	e.GET("/healthz", a.handleHealth)
	e.GET("/feed.xml", a.handleFeed)
	e.GET("/sitemap.xml", a.handleSitemap)
	if a.Config.MetricsAddr == "" {
		e.GET("/metrics", a.metricsHandler(), a.adminAuth())
	}
	if _, ok := a.media.(*storage.Local); ok {
		e.Static(a.Config.MediaURL, a.Config.MediaDir)
	}

	e.GET("/newsletter/confirm/:token", a.handleConfirm)
	e.GET("/newsletter/unsubscribe/:token", a.handleUnsubscribe)

	api := e.Group("/api")
	api.GET("/content", a.handleListContent)
	api.GET("/tags", a.handleTags)
	api.GET("/content/:kind/:slug", a.handleContentDetail)
	api.POST("/content/:kind/:slug/like", a.handleLike)
	api.GET("/content/:kind/:slug/comments", a.handleListComments)
	api.POST("/content/:kind/:slug/comments", a.handleSubmitComment)
	api.GET("/content/:kind/:slug/ratings", a.handleRatingSummary)
	api.POST("/content/:kind/:slug/ratings", a.handleRate)
	api.POST("/newsletter/subscribe", a.handleSubscribe)

	admin := api.Group("/admin", a.adminAuth())
	admin.GET("/overview", a.handleOverview)

	admin.GET("/content", a.handleAdminListContent)
	admin.POST("/content", a.handleCreateContent)
	admin.GET("/content/:id", a.handleAdminGetContent)
	admin.PUT("/content/:id", a.handleUpdateContent)
	admin.DELETE("/content/:id", a.handleDeleteContent)
	admin.POST("/content/:id/publish", a.handlePublish)
	admin.POST("/content/:id/unpublish", a.handleUnpublish)
	admin.POST("/preview", a.handlePreview)

	admin.GET("/media", a.handleListMedia)
	admin.POST("/media", a.handleUploadMedia)
	admin.PATCH("/media/:id", a.handleUpdateMedia)
	admin.DELETE("/media/:id", a.handleDeleteMedia)

	admin.GET("/comments", a.handleAdminComments)
	admin.POST("/comments/moderate", a.handleModerateComments)
	admin.POST("/comments/:id/:action", a.handleModerateComment)
	admin.DELETE("/comments/:id", a.handleDeleteComment)

	admin.GET("/ratings/suspicious", a.handleSuspiciousRatings)
	admin.DELETE("/ratings/:id", a.handleDeleteRating)
	admin.POST("/ratings/:id/clear", a.handleClearRatingFlag)

	admin.GET("/tasks", a.handleTaskBoard)
	admin.GET("/tasks/stats", a.handleTaskStats)
	admin.POST("/tasks", a.handleCreateTask)
	admin.PUT("/tasks/:id", a.handleUpdateTask)
	admin.POST("/tasks/:id/move", a.handleMoveTask)
	admin.DELETE("/tasks/:id", a.handleDeleteTask)

	admin.GET("/subscribers", a.handleListSubscribers)
	admin.GET("/subscribers/export.csv", a.handleExportSubscribers)
	admin.DELETE("/subscribers/:id", a.handleDeleteSubscriber)

	a.analyticsHandler.RegisterRoutes(api, admin)
}

func (a *App) handleHealth(c echo.Context) error {
	if err := a.Store.DB().PingContext(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// kindParam maps the :kind route segment to a Kind.
func kindParam(c echo.Context) (Kind, bool) {
	switch c.Param("kind") {
	case "blog", "posts":
		return KindBlog, true
	case "project", "projects":
		return KindProject, true
	}
	return "", false
}

// publishedFromPath resolves /:kind/:slug to a published item.
func (a *App) publishedFromPath(c echo.Context) (ContentItem, error) {
	kind, ok := kindParam(c)
	if !ok {
		return ContentItem{}, ErrNotFound
	}
	return a.Cache.Get(c.Request().Context(), kind, c.Param("slug"))
}

// Close stops background work, waits for pending mail and notifications,
// and releases the database.
func (a *App) Close() error {
	a.background.Wait()
	if a.stopCleanup != nil {
		a.stopCleanup()
	}
	if a.analyticsHandler != nil {
		a.analyticsHandler.Close()
	}
	if a.commentLimiter != nil {
		a.commentLimiter.Stop()
	}
	if a.subscribeLimiter != nil {
		a.subscribeLimiter.Stop()
	}
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}
