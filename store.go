package folio

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/eringen/folio/database"
	"github.com/eringen/folio/editor"
)

// Store holds the application's SQL queries. Every query is written with
// '?' placeholders and rebound for the active driver.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStore wraps an open database.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB exposes the underlying pool for packages sharing it.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type contentRow struct {
	ID             int64          `db:"id"`
	Kind           string         `db:"kind"`
	Slug           string         `db:"slug"`
	Title          string         `db:"title"`
	Excerpt        string         `db:"excerpt"`
	Body           string         `db:"body"`
	CoverImage     string         `db:"cover_image"`
	Tags           string         `db:"tags"`
	Status         string         `db:"status"`
	Featured       bool           `db:"featured"`
	RepoURL        string         `db:"repo_url"`
	LiveURL        string         `db:"live_url"`
	Views          int            `db:"views"`
	Likes          int            `db:"likes"`
	CommentCount   int            `db:"comment_count"`
	ReadingMinutes int            `db:"reading_minutes"`
	PublishedAt    sql.NullString `db:"published_at"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
}

func (r contentRow) item() ContentItem {
	return ContentItem{
		ID:             r.ID,
		Kind:           Kind(r.Kind),
		Slug:           r.Slug,
		Title:          r.Title,
		Excerpt:        r.Excerpt,
		Body:           r.Body,
		CoverImage:     r.CoverImage,
		Tags:           ParseTags(r.Tags),
		Status:         Status(r.Status),
		Featured:       r.Featured,
		RepoURL:        r.RepoURL,
		LiveURL:        r.LiveURL,
		Views:          r.Views,
		Likes:          r.Likes,
		CommentCount:   r.CommentCount,
		ReadingMinutes: r.ReadingMinutes,
		PublishedAt:    database.ParseNullTimestamp(r.PublishedAt),
		CreatedAt:      database.ParseTimestamp(r.CreatedAt),
		UpdatedAt:      database.ParseTimestamp(r.UpdatedAt),
	}
}

const contentColumns = `id, kind, slug, title, excerpt, body, cover_image, tags, status, featured,
	repo_url, live_url, views, likes, comment_count, reading_minutes, published_at, created_at, updated_at`

func (s *Store) selectContent(ctx context.Context, where string, args ...any) ([]ContentItem, error) {
	var rows []contentRow
	if err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+contentColumns+` FROM content_items `+where), args...); err != nil {
		return nil, err
	}
	items := make([]ContentItem, len(rows))
	for i, r := range rows {
		items[i] = r.item()
	}
	return items, nil
}

// ListPublishedContent returns every published item, newest first.
func (s *Store) ListPublishedContent(ctx context.Context) ([]ContentItem, error) {
	items, err := s.selectContent(ctx, `WHERE status = ? ORDER BY published_at DESC, id DESC`, StatusPublished)
	if err != nil {
		return nil, fmt.Errorf("list published content: %w", err)
	}
	return items, nil
}

// ListContent returns items for the admin, optionally narrowed by kind and
// status, most recently updated first.
func (s *Store) ListContent(ctx context.Context, kind Kind, status Status) ([]ContentItem, error) {
	var (
		conds []string
		args  []any
	)
	if kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, kind)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	items, err := s.selectContent(ctx, where+` ORDER BY updated_at DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list content: %w", err)
	}
	return items, nil
}

// GetContent returns an item by id regardless of status.
func (s *Store) GetContent(ctx context.Context, id int64) (ContentItem, error) {
	items, err := s.selectContent(ctx, `WHERE id = ?`, id)
	if err != nil {
		return ContentItem{}, fmt.Errorf("get content %d: %w", id, err)
	}
	if len(items) == 0 {
		return ContentItem{}, ErrNotFound
	}
	return items[0], nil
}

// GetPublishedContent returns a published item by kind and slug.
func (s *Store) GetPublishedContent(ctx context.Context, kind Kind, slug string) (ContentItem, error) {
	items, err := s.selectContent(ctx, `WHERE kind = ? AND slug = ? AND status = ?`, kind, slug, StatusPublished)
	if err != nil {
		return ContentItem{}, fmt.Errorf("get content %s/%s: %w", kind, slug, err)
	}
	if len(items) == 0 {
		return ContentItem{}, ErrNotFound
	}
	return items[0], nil
}

// uniqueSlug returns base, or base-2, base-3... whichever is free within
// kind. The item exceptID is ignored so an update can keep its own slug.
func uniqueSlug(ctx context.Context, tx *sqlx.Tx, kind Kind, base string, exceptID int64) (string, error) {
	var taken []string
	err := tx.SelectContext(ctx, &taken, tx.Rebind(`
		SELECT slug FROM content_items
		WHERE kind = ? AND (slug = ? OR slug LIKE ?) AND id <> ?`),
		kind, base, base+"-%", exceptID)
	if err != nil {
		return "", err
	}
	return nextFreeName(base, taken, "-%d"), nil
}

// nextFreeName picks base or the first base+suffix(n), n >= 2, not in taken.
func nextFreeName(base string, taken []string, suffix string) string {
	used := make(map[string]struct{}, len(taken))
	for _, t := range taken {
		used[t] = struct{}{}
	}
	if _, ok := used[base]; !ok {
		return base
	}
	for n := 2; ; n++ {
		candidate := base + fmt.Sprintf(suffix, n)
		if _, ok := used[candidate]; !ok {
			return candidate
		}
	}
}

func prepareInput(in *ContentInput) error {
	in.Title = strings.TrimSpace(in.Title)
	in.Slug = Slugify(in.Slug)
	if in.Slug == "" {
		in.Slug = Slugify(in.Title)
	}
	if in.Slug == "" {
		return fmt.Errorf("%w: slug is empty, add a title with letters or digits", ErrInvalidInput)
	}
	in.Tags = normalizeTags(in.Tags)
	if in.Status == "" {
		in.Status = StatusDraft
	}
	return nil
}

// CreateContent inserts a new item. A colliding slug gets a numeric suffix.
func (s *Store) CreateContent(ctx context.Context, in ContentInput) (ContentItem, error) {
	if err := prepareInput(&in); err != nil {
		return ContentItem{}, err
	}
	now := s.now().UTC()
	id := database.NextID()
	var publishedAt sql.NullString
	if in.Status == StatusPublished {
		publishedAt = database.NullTimestamp(&now)
	}

	err := database.Tx(ctx, s.db, func(tx *sqlx.Tx) error {
		slug, err := uniqueSlug(ctx, tx, in.Kind, in.Slug, 0)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO content_items (id, kind, slug, title, excerpt, body, cover_image, tags, status,
				featured, repo_url, live_url, reading_minutes, published_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			id, in.Kind, slug, in.Title, in.Excerpt, in.Body, in.CoverImage, fenceTags(in.Tags), in.Status,
			in.Featured, in.RepoURL, in.LiveURL, editor.Analyze(in.Body).ReadingMinutes, publishedAt,
			database.Timestamp(now), database.Timestamp(now))
		return err
	})
	if isUniqueViolation(err) {
		return ContentItem{}, fmt.Errorf("%w: slug %q is taken", ErrConflict, in.Slug)
	}
	if err != nil {
		return ContentItem{}, fmt.Errorf("create content: %w", err)
	}
	return s.GetContent(ctx, id)
}

// UpdateContent replaces the editable fields of an item. The kind is fixed
// at creation. Publishing through an update keeps the first published_at.
func (s *Store) UpdateContent(ctx context.Context, id int64, in ContentInput) (ContentItem, error) {
	current, err := s.GetContent(ctx, id)
	if err != nil {
		return ContentItem{}, err
	}
	in.Kind = current.Kind
	if strings.TrimSpace(in.Slug) == "" {
		in.Slug = current.Slug
	}
	if in.Status == "" {
		in.Status = current.Status
	}
	if err := prepareInput(&in); err != nil {
		return ContentItem{}, err
	}
	now := s.now().UTC()
	publishedAt := database.NullTimestamp(current.PublishedAt)
	if in.Status == StatusPublished && current.PublishedAt == nil {
		publishedAt = database.NullTimestamp(&now)
	}

	err = database.Tx(ctx, s.db, func(tx *sqlx.Tx) error {
		slug, err := uniqueSlug(ctx, tx, in.Kind, in.Slug, id)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE content_items SET slug = ?, title = ?, excerpt = ?, body = ?, cover_image = ?, tags = ?,
				status = ?, featured = ?, repo_url = ?, live_url = ?, reading_minutes = ?, published_at = ?,
				updated_at = ?
			WHERE id = ?`),
			slug, in.Title, in.Excerpt, in.Body, in.CoverImage, fenceTags(in.Tags),
			in.Status, in.Featured, in.RepoURL, in.LiveURL, editor.Analyze(in.Body).ReadingMinutes, publishedAt,
			database.Timestamp(now), id)
		return err
	})
	if isUniqueViolation(err) {
		return ContentItem{}, fmt.Errorf("%w: slug %q is taken", ErrConflict, in.Slug)
	}
	if err != nil {
		return ContentItem{}, fmt.Errorf("update content %d: %w", id, err)
	}
	return s.GetContent(ctx, id)
}

// DeleteContent removes an item together with its comments, ratings, and likes.
func (s *Store) DeleteContent(ctx context.Context, id int64) error {
	err := database.Tx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, table := range []string{"comments", "ratings", "content_likes"} {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM `+table+` WHERE content_id = ?`), id); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM content_items WHERE id = ?`), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete content %d: %w", id, err)
	}
	return err
}

// SetContentStatus publishes or unpublishes an item. The first publication
// time is kept across unpublish/publish cycles.
func (s *Store) SetContentStatus(ctx context.Context, id int64, status Status) (ContentItem, error) {
	now := database.Timestamp(s.now())
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE content_items
		SET status = ?, updated_at = ?,
			published_at = CASE WHEN ? AND published_at IS NULL THEN ? ELSE published_at END
		WHERE id = ?`),
		status, now, status == StatusPublished, now, id)
	if err != nil {
		return ContentItem{}, fmt.Errorf("set content status %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ContentItem{}, ErrNotFound
	}
	return s.GetContent(ctx, id)
}

// IncrementViews adds one view to an item.
func (s *Store) IncrementViews(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE content_items SET views = views + 1 WHERE id = ?`), id)
	return err
}

// LikeWindow is how long a visitor's like blocks another like of the same item.
const LikeWindow = 24 * time.Hour

// LikeContent records one like by a visitor known under visitorIDs and
// returns the new total. Every id is remembered, so a like by any of them
// within LikeWindow is ErrRateLimited.
func (s *Store) LikeContent(ctx context.Context, id int64, visitorIDs ...string) (int, error) {
	if len(visitorIDs) == 0 || visitorIDs[0] == "" {
		return 0, fmt.Errorf("%w: visitor id is required", ErrInvalidInput)
	}
	now := s.now()
	query, args, err := sqlx.In(`
		SELECT COUNT(*) FROM content_likes
		WHERE content_id = ? AND visitor_id IN (?) AND created_at >= ?`,
		id, visitorIDs, database.Timestamp(now.Add(-LikeWindow)))
	if err != nil {
		return 0, fmt.Errorf("like content %d: %w", id, err)
	}
	var likes int
	err = database.Tx(ctx, s.db, func(tx *sqlx.Tx) error {
		var recent int
		if err := tx.GetContext(ctx, &recent, tx.Rebind(query), args...); err != nil {
			return err
		}
		if recent > 0 {
			return fmt.Errorf("%w: already liked", ErrRateLimited)
		}
		for _, visitorID := range visitorIDs {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO content_likes (id, content_id, visitor_id, created_at) VALUES (?, ?, ?, ?)`),
				database.NextID(), id, visitorID, database.Timestamp(now)); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE content_items SET likes = likes + 1 WHERE id = ?`), id); err != nil {
			return err
		}
		return tx.GetContext(ctx, &likes, tx.Rebind(`SELECT likes FROM content_items WHERE id = ?`), id)
	})
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			return 0, err
		}
		return 0, fmt.Errorf("like content %d: %w", id, err)
	}
	return likes, nil
}

// ParseTags splits a comma-fenced tag string (e.g. ",go,web,") into a slice.
func ParseTags(tagString string) []string {
	tagString = strings.Trim(tagString, ",")
	if tagString == "" {
		return []string{}
	}
	parts := strings.Split(tagString, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// fenceTags reverses ParseTags. The leading and trailing commas let a
// single LIKE '%,tag,%' match whole tags only.
func fenceTags(tags []string) string {
	return "," + strings.Join(tags, ",") + ","
}
