package folio

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/eringen/folio/editor"
)

type adminListQuery struct {
	Kind   Kind   `query:"kind" validate:"omitempty,oneof=blog project"`
	Status Status `query:"status" validate:"omitempty,oneof=draft published"`
}

func (a *App) handleAdminListContent(c echo.Context) error {
	var q adminListQuery
	if err := bindValid(c, &q); err != nil {
		return err
	}
	items, err := a.Store.ListContent(c.Request().Context(), q.Kind, q.Status)
	if err != nil {
		return err
	}
	for i := range items {
		items[i] = items[i].Summary()
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (a *App) handleAdminGetContent(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	item, err := a.Store.GetContent(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, item)
}

func (a *App) handleCreateContent(c echo.Context) error {
	var in ContentInput
	if err := bindValid(c, &in); err != nil {
		return err
	}
	item, err := a.Store.CreateContent(c.Request().Context(), in)
	if err != nil {
		return err
	}
	a.Cache.Invalidate()
	return c.JSON(http.StatusCreated, item)
}

func (a *App) handleUpdateContent(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var in ContentInput
	if err := bindValid(c, &in); err != nil {
		return err
	}
	item, err := a.Store.UpdateContent(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	a.Cache.Invalidate()
	return c.JSON(http.StatusOK, item)
}

func (a *App) handleDeleteContent(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	if err := a.Store.DeleteContent(c.Request().Context(), id); err != nil {
		return err
	}
	a.Cache.Invalidate()
	return c.NoContent(http.StatusNoContent)
}

func (a *App) handlePublish(c echo.Context) error {
	return a.setStatus(c, StatusPublished)
}

func (a *App) handleUnpublish(c echo.Context) error {
	return a.setStatus(c, StatusDraft)
}

func (a *App) setStatus(c echo.Context, status Status) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	item, err := a.Store.SetContentStatus(c.Request().Context(), id, status)
	if err != nil {
		return err
	}
	a.Cache.Invalidate()
	return c.JSON(http.StatusOK, item)
}

type previewRequest struct {
	Body string `json:"body" validate:"max=200000"`
}

type previewResponse struct {
	HTML string `json:"html"`
	editor.Stats
}

func (a *App) handlePreview(c echo.Context) error {
	var req previewRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, previewResponse{
		HTML:  editor.HTML(req.Body),
		Stats: editor.Analyze(req.Body),
	})
}

// Overview is the admin dashboard summary.
type Overview struct {
	PublishedPosts    int `json:"published_posts"`
	DraftPosts        int `json:"draft_posts"`
	PublishedProjects int `json:"published_projects"`
	DraftProjects     int `json:"draft_projects"`
	PendingComments   int `json:"pending_comments"`
	ActiveSubscribers int `json:"active_subscribers"`
	OpenTasks         int `json:"open_tasks"`
	Views7d           int `json:"views_7d"`
	Visitors7d        int `json:"unique_visitors_7d"`
}

// ContentCounts returns the number of items per kind and status.
func (s *Store) ContentCounts(ctx context.Context) (map[Kind]map[Status]int, error) {
	var rows []struct {
		Kind   string `db:"kind"`
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT kind, status, COUNT(*) AS n FROM content_items GROUP BY kind, status`)); err != nil {
		return nil, err
	}
	out := map[Kind]map[Status]int{
		KindBlog:    {StatusDraft: 0, StatusPublished: 0},
		KindProject: {StatusDraft: 0, StatusPublished: 0},
	}
	for _, r := range rows {
		if m, ok := out[Kind(r.Kind)]; ok {
			m[Status(r.Status)] = r.N
		}
	}
	return out, nil
}

func (a *App) overview(ctx context.Context) (Overview, error) {
	var ov Overview
	counts, err := a.Store.ContentCounts(ctx)
	if err != nil {
		return ov, err
	}
	ov.PublishedPosts = counts[KindBlog][StatusPublished]
	ov.DraftPosts = counts[KindBlog][StatusDraft]
	ov.PublishedProjects = counts[KindProject][StatusPublished]
	ov.DraftProjects = counts[KindProject][StatusDraft]

	if ov.PendingComments, err = a.Store.CountComments(ctx, CommentPending); err != nil {
		return ov, err
	}
	if ov.ActiveSubscribers, err = a.Store.CountSubscribers(ctx, SubscriberActive); err != nil {
		return ov, err
	}
	tasks, err := a.Store.TaskStats(ctx)
	if err != nil {
		return ov, err
	}
	ov.OpenTasks = tasks.Total - tasks.ByStatus[TaskDone]

	totals, err := a.analyticsStore.GetTotals(ctx, time.Now().UTC().AddDate(0, 0, -7))
	if err != nil {
		return ov, err
	}
	ov.Views7d, ov.Visitors7d = totals.Views, totals.UniqueVisitors
	return ov, nil
}

func (a *App) handleOverview(c echo.Context) error {
	ov, err := a.overview(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ov)
}
