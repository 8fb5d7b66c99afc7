package folio

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"

	"github.com/eringen/folio/database"
	"github.com/eringen/folio/notify"
)

// CommentStatus is a comment's moderation state.
type CommentStatus string

const (
	CommentPending  CommentStatus = "pending"
	CommentApproved CommentStatus = "approved"
	CommentRejected CommentStatus = "rejected"
	CommentSpam     CommentStatus = "spam"
)

func (s CommentStatus) valid() bool {
	switch s {
	case CommentPending, CommentApproved, CommentRejected, CommentSpam:
		return true
	}
	return false
}

// moderationActions maps an admin action to the status it sets.
var moderationActions = map[string]CommentStatus{
	"approve": CommentApproved,
	"reject":  CommentRejected,
	"spam":    CommentSpam,
	"pending": CommentPending,
}

// Comment is a reader comment on a content item.
type Comment struct {
	ID          int64         `json:"id,string"`
	ContentID   int64         `json:"content_id,string"`
	ParentID    int64         `json:"parent_id,string,omitempty"`
	AuthorName  string        `json:"author_name"`
	AuthorEmail string        `json:"author_email,omitempty"`
	Body        string        `json:"body"`
	Status      CommentStatus `json:"status"`
	UserAgent   string        `json:"user_agent,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	ModeratedAt *time.Time    `json:"moderated_at,omitempty"`
}

// public strips fields readers must not see.
func (c Comment) public() Comment {
	c.AuthorEmail = ""
	c.UserAgent = ""
	c.ModeratedAt = nil
	return c
}

// CommentInput is a reader's comment submission. Website is a honeypot:
// the form hides it, so only bots fill it in.
type CommentInput struct {
	AuthorName  string `json:"author_name" form:"author_name" validate:"required,notblank,max=80"`
	AuthorEmail string `json:"author_email" form:"author_email" validate:"required,email,max=254"`
	Body        string `json:"body" form:"body" validate:"required,notblank,max=5000"`
	ParentID    string `json:"parent_id" form:"parent_id" validate:"omitempty,number"`
	Website     string `json:"website" form:"website"`
}

// Spam heuristic thresholds.
const maxCommentLinks = 2

var blockedTerms = []string{
	"viagra", "cialis", "casino", "porn", "payday loan", "crypto giveaway",
	"buy followers", "seo services", "escort",
}

// classifyComment returns spam for link-stuffed or blocklisted bodies and
// pending for everything else.
func classifyComment(name, body string) CommentStatus {
	lower := strings.ToLower(name + " " + body)
	links := strings.Count(lower, "http://") + strings.Count(lower, "https://") +
		strings.Count(lower, "www.") - strings.Count(lower, "://www.")
	if links > maxCommentLinks {
		return CommentSpam
	}
	for _, term := range blockedTerms {
		if strings.Contains(lower, term) {
			return CommentSpam
		}
	}
	return CommentPending
}

type commentRow struct {
	ID          int64          `db:"id"`
	ContentID   int64          `db:"content_id"`
	ParentID    sql.NullInt64  `db:"parent_id"`
	AuthorName  string         `db:"author_name"`
	AuthorEmail string         `db:"author_email"`
	Body        string         `db:"body"`
	Status      string         `db:"status"`
	UserAgent   string         `db:"user_agent"`
	CreatedAt   string         `db:"created_at"`
	ModeratedAt sql.NullString `db:"moderated_at"`
}

func (r commentRow) comment() Comment {
	return Comment{
		ID:          r.ID,
		ContentID:   r.ContentID,
		ParentID:    r.ParentID.Int64,
		AuthorName:  r.AuthorName,
		AuthorEmail: r.AuthorEmail,
		Body:        r.Body,
		Status:      CommentStatus(r.Status),
		UserAgent:   r.UserAgent,
		CreatedAt:   database.ParseTimestamp(r.CreatedAt),
		ModeratedAt: database.ParseNullTimestamp(r.ModeratedAt),
	}
}

const commentColumns = `id, content_id, parent_id, author_name, author_email, body, status, user_agent, created_at, moderated_at`

func (s *Store) selectComments(ctx context.Context, where string, args ...any) ([]Comment, error) {
	var rows []commentRow
	if err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+commentColumns+` FROM comments `+where), args...); err != nil {
		return nil, err
	}
	out := make([]Comment, len(rows))
	for i, r := range rows {
		out[i] = r.comment()
	}
	return out, nil
}

// CreateComment stores a new comment on contentID. A parent must be an
// approved comment on the same item.
func (s *Store) CreateComment(ctx context.Context, contentID int64, in CommentInput, ipHash, userAgent string) (Comment, error) {
	var parentID sql.NullInt64
	if in.ParentID != "" {
		pid, err := strconv.ParseInt(in.ParentID, 10, 64)
		if err != nil {
			return Comment{}, fmt.Errorf("%w: parent_id", ErrInvalidInput)
		}
		var n int
		if err := s.db.GetContext(ctx, &n, s.q(`
			SELECT COUNT(*) FROM comments WHERE id = ? AND content_id = ? AND status = ?`),
			pid, contentID, CommentApproved); err != nil {
			return Comment{}, fmt.Errorf("check parent comment: %w", err)
		}
		if n == 0 {
			return Comment{}, fmt.Errorf("%w: parent comment not found", ErrInvalidInput)
		}
		parentID = sql.NullInt64{Int64: pid, Valid: true}
	}

	c := Comment{
		ID:          database.NextID(),
		ContentID:   contentID,
		ParentID:    parentID.Int64,
		AuthorName:  strings.TrimSpace(in.AuthorName),
		AuthorEmail: strings.ToLower(strings.TrimSpace(in.AuthorEmail)),
		Body:        strings.TrimSpace(in.Body),
		UserAgent:   truncate(userAgent, 512),
		CreatedAt:   s.now().UTC().Truncate(time.Second),
	}
	c.Status = classifyComment(c.AuthorName, c.Body)

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO comments (id, content_id, parent_id, author_name, author_email, body, status,
			ip_hash, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.ContentID, parentID, c.AuthorName, c.AuthorEmail, c.Body, c.Status,
		ipHash, c.UserAgent, database.Timestamp(c.CreatedAt))
	if err != nil {
		return Comment{}, fmt.Errorf("create comment: %w", err)
	}
	return c, nil
}

// ListApprovedComments returns approved comments on an item, oldest first.
func (s *Store) ListApprovedComments(ctx context.Context, contentID int64) ([]Comment, error) {
	out, err := s.selectComments(ctx, `WHERE content_id = ? AND status = ? ORDER BY created_at, id`, contentID, CommentApproved)
	if err != nil {
		return nil, fmt.Errorf("list approved comments: %w", err)
	}
	return out, nil
}

// CommentPage is a page of moderation results.
type CommentPage struct {
	Comments []Comment `json:"comments"`
	Total    int       `json:"total"`
	Limit    int       `json:"limit"`
	Offset   int       `json:"offset"`
}

// ListComments returns comments for moderation, newest first, optionally
// narrowed by status.
func (s *Store) ListComments(ctx context.Context, status CommentStatus, limit, offset int) (CommentPage, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	where, args := "", []any{}
	if status != "" {
		where, args = "WHERE status = ?", append(args, status)
	}
	page := CommentPage{Limit: limit, Offset: offset}
	if err := s.db.GetContext(ctx, &page.Total, s.q(`SELECT COUNT(*) FROM comments `+where), args...); err != nil {
		return CommentPage{}, fmt.Errorf("count comments: %w", err)
	}
	var err error
	page.Comments, err = s.selectComments(ctx, where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return CommentPage{}, fmt.Errorf("list comments: %w", err)
	}
	return page, nil
}

// CountComments counts comments in a status.
func (s *Store) CountComments(ctx context.Context, status CommentStatus) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM comments WHERE status = ?`), status)
	return n, err
}

// refreshCommentCounts recomputes comment_count for the given items from
// their approved comments.
func refreshCommentCounts(ctx context.Context, tx *sqlx.Tx, contentIDs []int64) error {
	if len(contentIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		UPDATE content_items SET comment_count = (
			SELECT COUNT(*) FROM comments WHERE comments.content_id = content_items.id AND comments.status = ?
		) WHERE id IN (?)`, CommentApproved, contentIDs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(query), args...)
	return err
}

func commentContentIDs(ctx context.Context, tx *sqlx.Tx, ids []int64) ([]int64, error) {
	query, args, err := sqlx.In(`SELECT DISTINCT content_id FROM comments WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var contentIDs []int64
	err = tx.SelectContext(ctx, &contentIDs, tx.Rebind(query), args...)
	return contentIDs, err
}

// ModerateComments moves comments to the status named by action and
// returns how many were changed.
func (s *Store) ModerateComments(ctx context.Context, ids []int64, action string) (int, error) {
	status, ok := moderationActions[action]
	if !ok {
		return 0, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	var changed int
	err := database.Tx(ctx, s.db, func(tx *sqlx.Tx) error {
		contentIDs, err := commentContentIDs(ctx, tx, ids)
		if err != nil {
			return err
		}
		query, args, err := sqlx.In(`UPDATE comments SET status = ?, moderated_at = ? WHERE id IN (?)`,
			status, database.Timestamp(s.now()), ids)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		changed = int(n)
		return refreshCommentCounts(ctx, tx, contentIDs)
	})
	if err != nil {
		return 0, fmt.Errorf("moderate comments: %w", err)
	}
	return changed, nil
}

// DeleteComment removes a comment. Its replies are kept and become
// top-level comments.
func (s *Store) DeleteComment(ctx context.Context, id int64) error {
	err := database.Tx(ctx, s.db, func(tx *sqlx.Tx) error {
		contentIDs, err := commentContentIDs(ctx, tx, []int64{id})
		if err != nil {
			return err
		}
		if len(contentIDs) == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE comments SET parent_id = NULL WHERE parent_id = ?`), id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM comments WHERE id = ?`), id); err != nil {
			return err
		}
		return refreshCommentCounts(ctx, tx, contentIDs)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete comment %d: %w", id, err)
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Handlers

func (a *App) handleListComments(c echo.Context) error {
	item, err := a.publishedFromPath(c)
	if err != nil {
		return err
	}
	comments, err := a.Store.ListApprovedComments(c.Request().Context(), item.ID)
	if err != nil {
		return err
	}
	for i := range comments {
		comments[i] = comments[i].public()
	}
	return c.JSON(http.StatusOK, map[string]any{"comments": comments})
}

func (a *App) handleSubmitComment(c echo.Context) error {
	ip := c.RealIP()
	if !a.commentLimiter.Check(ip) {
		return fmt.Errorf("%w: too many comments, try again later", ErrRateLimited)
	}
	item, err := a.publishedFromPath(c)
	if err != nil {
		return err
	}
	var in CommentInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if in.Website != "" {
		a.commentLimiter.Record(ip)
		a.Log.Info().Str("ip_hash", a.hasher.HashIP(ip)).Msg("comment honeypot triggered")
		return c.JSON(http.StatusAccepted, map[string]string{"status": string(CommentPending)})
	}
	if err := c.Validate(&in); err != nil {
		return err
	}
	// Invalid submissions do not count against the limit.
	a.commentLimiter.Record(ip)

	ctx := c.Request().Context()
	comment, err := a.Store.CreateComment(ctx, item.ID, in, a.hasher.HashIP(ip), c.Request().UserAgent())
	if err != nil {
		return err
	}
	a.metrics.comments.WithLabelValues(string(comment.Status)).Inc()
	if comment.Status == CommentPending {
		notify.Async(&a.background, a.notifier, fmt.Sprintf("New comment from %s on %q awaiting moderation:\n%s",
			comment.AuthorName, item.Title, truncate(comment.Body, 500)))
	}
	// Spam is reported as pending so the heuristic is not revealed.
	return c.JSON(http.StatusAccepted, map[string]string{"status": string(CommentPending)})
}

func (a *App) handleAdminComments(c echo.Context) error {
	status := CommentStatus(c.QueryParam("status"))
	if status != "" && !status.valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	page, err := a.Store.ListComments(c.Request().Context(), status, limit, max(offset, 0))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

type moderateRequest struct {
	IDs    []string `json:"ids" validate:"required,min=1,max=500,dive,number"`
	Action string   `json:"action" validate:"required,oneof=approve reject spam pending"`
}

func (a *App) handleModerateComments(c echo.Context) error {
	var req moderateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ids := make([]int64, 0, len(req.IDs))
	for _, s := range req.IDs {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
		}
		ids = append(ids, id)
	}
	n, err := a.Store.ModerateComments(c.Request().Context(), ids, req.Action)
	if err != nil {
		return err
	}
	a.Cache.Invalidate()
	return c.JSON(http.StatusOK, map[string]int{"updated": n})
}

func (a *App) handleModerateComment(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	n, err := a.Store.ModerateComments(c.Request().Context(), []int64{id}, c.Param("action"))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	a.Cache.Invalidate()
	return c.JSON(http.StatusOK, map[string]int{"updated": n})
}

func (a *App) handleDeleteComment(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	if err := a.Store.DeleteComment(c.Request().Context(), id); err != nil {
		return err
	}
	a.Cache.Invalidate()
	return c.NoContent(http.StatusNoContent)
}
