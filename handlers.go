package folio

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/eringen/folio/analytics"
	"github.com/eringen/folio/editor"
)

const relatedLimit = 3

func (a *App) handleListContent(c echo.Context) error {
	var f ContentFilter
	if err := bindValid(c, &f); err != nil {
		return err
	}
	page, err := a.Cache.List(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

func (a *App) handleTags(c echo.Context) error {
	kind := Kind(c.QueryParam("kind"))
	if kind != "" && kind != KindBlog && kind != KindProject {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid kind")
	}
	tags, err := a.Cache.Tags(c.Request().Context(), kind)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"tags": tags})
}

func (a *App) handleContentDetail(c echo.Context) error {
	item, err := a.publishedFromPath(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	all, err := a.Cache.All(ctx)
	if err != nil {
		return err
	}

	if !analytics.IsBot(c.Request().UserAgent()) {
		if err := a.Store.IncrementViews(ctx, item.ID); err != nil {
			a.Log.Warn().Err(err).Int64("content_id", item.ID).Msg("failed to count view")
		} else {
			a.metrics.views.Inc()
		}
	}

	stats := editor.Analyze(item.Body)
	detail := ContentDetail{
		ContentItem: item,
		HTML:        editor.HTML(item.Body),
		Words:       stats.Words,
		Images:      stats.Images,
		Headings:    stats.Headings,
		Related:     FilterRelated(item, all, relatedLimit),
	}
	return c.JSON(http.StatusOK, map[string]any{
		"item":    detail,
		"json_ld": ContentJSONLD(item, a.Config),
	})
}

type likeRequest struct {
	VisitorID string `json:"visitor_id" validate:"max=64"`
}

func (a *App) handleLike(c echo.Context) error {
	item, err := a.publishedFromPath(c)
	if err != nil {
		return err
	}
	var req likeRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	v, err := loadVisitor(c)
	if err != nil {
		return err
	}
	now := a.Store.now()
	if v.likedWithin(item.ID, now) {
		return fmt.Errorf("%w: already liked", ErrRateLimited)
	}
	// The signed cookie id always counts. A client fingerprint is an extra
	// id, never a replacement.
	ids := []string{v.ID}
	if req.VisitorID != "" && req.VisitorID != v.ID && validVisitorID(req.VisitorID) {
		ids = append(ids, req.VisitorID)
	}
	likes, err := a.Store.LikeContent(c.Request().Context(), item.ID, ids...)
	if err != nil {
		return err
	}
	a.metrics.likes.Inc()
	v.markLiked(item.ID, now)
	if err := v.save(c); err != nil {
		a.Log.Warn().Err(err).Msg("failed to save visitor session")
	}
	return c.JSON(http.StatusOK, map[string]int{"likes": likes})
}
