package folio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"

	"github.com/eringen/folio/database"
)

// Rating limits and suspicion thresholds.
const (
	RatingWindow = 24 * time.Hour

	suspiciousIPWindow     = time.Hour
	suspiciousIPRatings    = 5 // prior ratings from one IP hash across all items
	suspiciousItemVisitors = 3 // distinct prior visitors from one IP hash on one item
)

// Rating is one visitor's score for an item.
type Rating struct {
	ID         int64     `json:"id,string" db:"id"`
	ContentID  int64     `json:"content_id,string" db:"content_id"`
	VisitorID  string    `json:"visitor_id" db:"visitor_id"`
	IPHash     string    `json:"ip_hash" db:"ip_hash"`
	Score      int       `json:"score" db:"score"`
	Suspicious bool      `json:"suspicious" db:"suspicious"`
	CreatedAt  time.Time `json:"created_at" db:"-"`
	Created    string    `json:"-" db:"created_at"`
}

// RatingSummary aggregates the non-suspicious ratings of an item.
type RatingSummary struct {
	Average      float64     `json:"average"`
	Count        int         `json:"count"`
	Distribution map[int]int `json:"distribution"`
}

// RatingInput is a visitor's rating submission.
type RatingInput struct {
	Score     int    `json:"score" validate:"required,min=1,max=5"`
	VisitorID string `json:"visitor_id" validate:"max=64"`
}

// isSuspicious applies the IP heuristic to prior rating counts.
func isSuspicious(ipRecent, itemVisitors int) bool {
	return ipRecent >= suspiciousIPRatings || itemVisitors >= suspiciousItemVisitors
}

// CreateRating stores a rating. A visitor who rated the item within
// RatingWindow gets ErrRateLimited.
func (s *Store) CreateRating(ctx context.Context, contentID int64, visitorID, ipHash string, score int) (Rating, error) {
	now := s.now().UTC().Truncate(time.Second)
	r := Rating{
		ID:        database.NextID(),
		ContentID: contentID,
		VisitorID: visitorID,
		IPHash:    ipHash,
		Score:     score,
		CreatedAt: now,
	}
	err := database.Tx(ctx, s.db, func(tx *sqlx.Tx) error {
		var prior int
		if err := tx.GetContext(ctx, &prior, tx.Rebind(`
			SELECT COUNT(*) FROM ratings WHERE content_id = ? AND visitor_id = ? AND created_at >= ?`),
			contentID, visitorID, database.Timestamp(now.Add(-RatingWindow))); err != nil {
			return err
		}
		if prior > 0 {
			return fmt.Errorf("%w: already rated", ErrRateLimited)
		}

		var ipRecent, itemVisitors int
		if err := tx.GetContext(ctx, &ipRecent, tx.Rebind(`
			SELECT COUNT(*) FROM ratings WHERE ip_hash = ? AND created_at >= ?`),
			ipHash, database.Timestamp(now.Add(-suspiciousIPWindow))); err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &itemVisitors, tx.Rebind(`
			SELECT COUNT(DISTINCT visitor_id) FROM ratings
			WHERE content_id = ? AND ip_hash = ? AND created_at >= ?`),
			contentID, ipHash, database.Timestamp(now.Add(-RatingWindow))); err != nil {
			return err
		}
		r.Suspicious = isSuspicious(ipRecent, itemVisitors)

		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO ratings (id, content_id, visitor_id, ip_hash, score, suspicious, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			r.ID, r.ContentID, r.VisitorID, r.IPHash, r.Score, r.Suspicious, database.Timestamp(now))
		return err
	})
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			return Rating{}, err
		}
		return Rating{}, fmt.Errorf("create rating: %w", err)
	}
	return r, nil
}

// RatingSummary aggregates an item's ratings, ignoring suspicious ones.
func (s *Store) RatingSummary(ctx context.Context, contentID int64) (RatingSummary, error) {
	var rows []struct {
		Score int `db:"score"`
		N     int `db:"n"`
	}
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT score, COUNT(*) AS n FROM ratings
		WHERE content_id = ? AND suspicious = ?
		GROUP BY score`), contentID, false)
	if err != nil {
		return RatingSummary{}, fmt.Errorf("rating summary: %w", err)
	}
	sum := RatingSummary{Distribution: map[int]int{1: 0, 2: 0, 3: 0, 4: 0, 5: 0}}
	total := 0
	for _, r := range rows {
		sum.Distribution[r.Score] = r.N
		sum.Count += r.N
		total += r.Score * r.N
	}
	if sum.Count > 0 {
		sum.Average = math.Round(float64(total)/float64(sum.Count)*10) / 10
	}
	return sum, nil
}

// ListSuspiciousRatings returns flagged ratings, newest first.
func (s *Store) ListSuspiciousRatings(ctx context.Context) ([]Rating, error) {
	var out []Rating
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT id, content_id, visitor_id, ip_hash, score, suspicious, created_at FROM ratings
		WHERE suspicious = ? ORDER BY created_at DESC, id DESC LIMIT 500`), true)
	if err != nil {
		return nil, fmt.Errorf("list suspicious ratings: %w", err)
	}
	for i := range out {
		out[i].CreatedAt = database.ParseTimestamp(out[i].Created)
	}
	if out == nil {
		out = []Rating{}
	}
	return out, nil
}

// DeleteRating removes a rating.
func (s *Store) DeleteRating(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM ratings WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete rating %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearRatingFlag marks a rating as genuine.
func (s *Store) ClearRatingFlag(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE ratings SET suspicious = ? WHERE id = ?`), false, id)
	if err != nil {
		return fmt.Errorf("clear rating flag %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Handlers

func (a *App) handleRatingSummary(c echo.Context) error {
	item, err := a.publishedFromPath(c)
	if err != nil {
		return err
	}
	sum, err := a.Store.RatingSummary(c.Request().Context(), item.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}

func (a *App) handleRate(c echo.Context) error {
	item, err := a.publishedFromPath(c)
	if err != nil {
		return err
	}
	var in RatingInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if err := c.Validate(&in); err != nil {
		return err
	}

	v, err := loadVisitor(c)
	if err != nil {
		return err
	}
	now := a.Store.now()
	if v.ratedWithin(item.ID, now, RatingWindow) {
		return fmt.Errorf("%w: already rated", ErrRateLimited)
	}

	visitorID := v.ID
	if in.VisitorID != "" && validVisitorID(in.VisitorID) {
		visitorID = in.VisitorID
	}
	ctx := c.Request().Context()
	r, err := a.Store.CreateRating(ctx, item.ID, visitorID, a.hasher.HashIP(c.RealIP()), in.Score)
	if err != nil {
		return err
	}
	a.metrics.ratings.WithLabelValues(strconv.FormatBool(r.Suspicious)).Inc()

	v.markRated(item.ID, now)
	if err := v.save(c); err != nil {
		a.Log.Warn().Err(err).Msg("failed to save visitor session")
	}

	sum, err := a.Store.RatingSummary(ctx, item.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{"score": r.Score, "summary": sum})
}

func (a *App) handleSuspiciousRatings(c echo.Context) error {
	out, err := a.Store.ListSuspiciousRatings(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"ratings": out})
}

func (a *App) handleDeleteRating(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	if err := a.Store.DeleteRating(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *App) handleClearRatingFlag(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	if err := a.Store.ClearRatingFlag(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
