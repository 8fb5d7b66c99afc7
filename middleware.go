package folio

import (
	"crypto/subtle"
	"encoding/gob"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/eringen/folio/analytics"
)

const (
	visitorSessionName = "folio_visitor"
	maxBodySize        = "11M"
)

func init() {
	gob.Register(map[string]int64{})
}

func (a *App) setupMiddleware() {
	e := a.Echo

	e.IPExtractor = echo.ExtractIPFromXFFHeader(
		echo.TrustLoopback(true),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(true),
	)

	e.HTTPErrorHandler = a.httpErrorHandler
	e.Validator = a.validator

	e.Use(middleware.RequestID())

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := a.Log.Info()
			if v.Error != nil {
				ev = a.Log.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("request")
			return nil
		},
	}))

	e.Use(middleware.Recover())

	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace:  "folio",
		Registerer: a.registry,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/healthz"
		},
	}))

	e.Use(middleware.BodyLimit(maxBodySize))

	if len(a.Config.CORSOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: a.Config.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
			AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
		}))
	}

	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Level: 5,
		Skipper: func(c echo.Context) bool {
			return strings.HasPrefix(c.Request().URL.Path, a.Config.MediaURL+"/")
		},
	}))

	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		HSTSMaxAge:         31536000,
	}))

	e.Use(session.Middleware(a.newSessionStore()))

	e.Use(a.cacheControlMiddleware)
}

func (a *App) cacheControlMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		path := c.Request().URL.Path
		h := c.Response().Header()
		switch {
		case strings.HasPrefix(path, a.Config.MediaURL+"/"):
			h.Set("Cache-Control", "public, max-age=31536000, immutable")
		case path == "/sitemap.xml" || path == "/feed.xml":
			h.Set("Cache-Control", "public, max-age=3600")
		case strings.HasPrefix(path, "/api/admin"), strings.HasPrefix(path, "/newsletter/"):
			h.Set("Cache-Control", "no-store")
		case c.Request().Method == http.MethodGet && strings.HasPrefix(path, "/api/content"):
			h.Set("Cache-Control", "public, max-age=60")
		default:
			h.Set("Cache-Control", "no-cache")
		}
		return next(c)
	}
}

// adminAuth guards the admin API with the configured bearer token.
func (a *App) adminAuth() echo.MiddlewareFunc {
	token := []byte(a.Config.AdminToken)
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), token) == 1, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		},
	})
}

func (a *App) newSessionStore() *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte(a.Config.SessionSecret))
	store.Options = &sessions.Options{
		Path:     "/",
		HttpOnly: true,
		MaxAge:   60 * 60 * 24 * 365,
		SameSite: http.SameSiteLaxMode,
		Secure:   a.Config.CookieSecure,
	}
	return store
}

// visitor is the anonymous identity kept in the visitor cookie. rated and
// liked map content ids to the unix time of the visitor's last rating or
// like of that item.
type visitor struct {
	ID    string
	rated map[string]int64
	liked map[string]int64
	sess  *sessions.Session
}

// loadVisitor reads the visitor cookie, assigning a fresh id when absent.
func loadVisitor(c echo.Context) (*visitor, error) {
	sess, err := session.Get(visitorSessionName, c)
	if err != nil && sess == nil {
		return nil, err
	}
	v := &visitor{sess: sess}
	if id, ok := sess.Values["id"].(string); ok && validVisitorID(id) {
		v.ID = id
	} else {
		v.ID = uuid.NewString()
	}
	v.rated = stampMap(sess.Values["rated"])
	v.liked = stampMap(sess.Values["liked"])
	return v, nil
}

func stampMap(val any) map[string]int64 {
	if m, ok := val.(map[string]int64); ok {
		return m
	}
	return make(map[string]int64)
}

func stampedWithin(m map[string]int64, contentID int64, now time.Time, window time.Duration) bool {
	at, ok := m[strconv.FormatInt(contentID, 10)]
	return ok && now.Sub(time.Unix(at, 0)) < window
}

// stamp records now for contentID and drops entries past window, which
// carry no information.
func stamp(m map[string]int64, contentID int64, now time.Time, window time.Duration) {
	m[strconv.FormatInt(contentID, 10)] = now.Unix()
	for k, at := range m {
		if now.Sub(time.Unix(at, 0)) >= window {
			delete(m, k)
		}
	}
}

func (v *visitor) ratedWithin(contentID int64, now time.Time, window time.Duration) bool {
	return stampedWithin(v.rated, contentID, now, window)
}

func (v *visitor) markRated(contentID int64, now time.Time) {
	stamp(v.rated, contentID, now, RatingWindow)
}

func (v *visitor) likedWithin(contentID int64, now time.Time) bool {
	return stampedWithin(v.liked, contentID, now, LikeWindow)
}

func (v *visitor) markLiked(contentID int64, now time.Time) {
	stamp(v.liked, contentID, now, LikeWindow)
}

func (v *visitor) save(c echo.Context) error {
	v.sess.Values["id"] = v.ID
	v.sess.Values["rated"] = v.rated
	v.sess.Values["liked"] = v.liked
	return v.sess.Save(c.Request(), c.Response())
}

// validVisitorID accepts client supplied visitor ids of the fingerprint form.
func validVisitorID(s string) bool {
	return analytics.ValidFingerprint(s)
}

// idParam parses the :id route parameter.
func idParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// bindValid binds the request into dst and validates it.
func bindValid(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	return c.Validate(dst)
}
