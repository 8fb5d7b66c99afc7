package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eringen/folio/database"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// Store provides database operations for analytics. It shares the
// application's connection pool.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStore wraps an open database.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// GetSetting retrieves a setting value by name. Returns empty string if not found.
func (s *Store) GetSetting(ctx context.Context, name string) (string, error) {
	var val string
	err := s.db.GetContext(ctx, &val, s.db.Rebind(`SELECT value FROM settings WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return val, err
}

// SetSetting stores a setting value by name (upsert).
func (s *Store) SetSetting(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO settings (name, value) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value`), name, value)
	return err
}

// SaveVisit stores a new visit in the database.
func (s *Store) SaveVisit(ctx context.Context, v *Visit) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO visits (visitor_id, session_id, ip_hash, browser, os, device,
			path, referrer, screen_size, new_visitor, visited_at, duration_sec)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		v.VisitorID, v.SessionID, v.IPHash, v.Browser, v.OS, v.Device,
		v.Path, v.Referrer, v.ScreenSize, v.NewVisitor, database.Timestamp(v.VisitedAt), v.DurationSec)
	if err != nil {
		return fmt.Errorf("save visit: %w", err)
	}
	return nil
}

// UpdateVisitDuration updates the duration of the most recent visit for a visitor+path.
func (s *Store) UpdateVisitDuration(ctx context.Context, visitorID, path string, durationSec int) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE visits SET duration_sec = ?
		WHERE id = (
			SELECT id FROM visits WHERE visitor_id = ? AND path = ?
			ORDER BY visited_at DESC, id DESC LIMIT 1
		)`), durationSec, visitorID, path)
	if err != nil {
		return fmt.Errorf("update visit duration: %w", err)
	}
	return nil
}

// SaveBotVisit stores a new bot visit in the database.
func (s *Store) SaveBotVisit(ctx context.Context, bv *BotVisit) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO bot_visits (bot_name, ip_hash, user_agent, path, visited_at)
		VALUES (?, ?, ?, ?, ?)`),
		bv.BotName, bv.IPHash, bv.UserAgent, bv.Path, database.Timestamp(bv.VisitedAt))
	if err != nil {
		return fmt.Errorf("save bot visit: %w", err)
	}
	return nil
}

// Granularity selects the bucket width of a views series.
type Granularity int

const (
	Daily Granularity = iota
	Hourly
	Monthly
)

// bucket returns the SQL expression grouping visited_at into buckets.
// Stored timestamps are fixed-width text, so a prefix is a bucket:
// "2006-01-02T15" for hours, "2006-01-02" for days, "2006-01" for months.
func (g Granularity) bucket() string {
	switch g {
	case Hourly:
		return "substr(visited_at, 1, 13)"
	case Monthly:
		return "substr(visited_at, 1, 7)"
	default:
		return "substr(visited_at, 1, 10)"
	}
}

// fanOut runs each query concurrently and returns the first error.
func fanOut(fns ...func() error) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, fn := range fns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

func (s *Store) count(ctx context.Context, dst *int, query string, args ...any) func() error {
	return func() error {
		return s.db.GetContext(ctx, dst, s.db.Rebind(query), args...)
	}
}

func (s *Store) dimension(ctx context.Context, dst *[]DimensionStat, column, from, to string) func() error {
	q := `SELECT ` + column + ` AS name, COUNT(*) AS n FROM visits
		WHERE visited_at >= ? AND visited_at < ?
		GROUP BY ` + column + ` ORDER BY n DESC, name LIMIT 10`
	return func() error {
		rows := []DimensionStat{}
		if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), from, to); err != nil {
			return fmt.Errorf("%s stats: %w", column, err)
		}
		*dst = rows
		return nil
	}
}

// GetStats returns aggregated statistics for the given time period.
func (s *Store) GetStats(ctx context.Context, from, to time.Time, g Granularity) (*Stats, error) {
	f, t := database.Timestamp(from), database.Timestamp(to)
	stats := &Stats{
		Period:        from.Format("2006-01-02") + " to " + to.Format("2006-01-02"),
		TopPages:      []PageStat{},
		LatestPages:   []LatestPageVisit{},
		BrowserStats:  []DimensionStat{},
		OSStats:       []DimensionStat{},
		DeviceStats:   []DimensionStat{},
		ReferrerStats: []DimensionStat{},
		Series:        []SeriesPoint{},
	}

	const window = ` FROM visits WHERE visited_at >= ? AND visited_at < ?`
	err := fanOut(
		s.count(ctx, &stats.TotalViews, `SELECT COUNT(*)`+window, f, t),
		s.count(ctx, &stats.UniqueVisitors, `SELECT COUNT(DISTINCT visitor_id)`+window, f, t),
		s.count(ctx, &stats.Sessions, `SELECT COUNT(DISTINCT session_id)`+window, f, t),
		s.count(ctx, &stats.NewVisitors, `SELECT COUNT(*)`+window+` AND new_visitor = ?`, f, t, true),
		s.count(ctx, &stats.AvgDuration,
			`SELECT CAST(COALESCE(AVG(duration_sec), 0) AS INTEGER)`+window+` AND duration_sec > 0`, f, t),
		func() error {
			rows := []PageStat{}
			err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT path, COUNT(*) AS n`+window+`
				GROUP BY path ORDER BY n DESC, path LIMIT 10`), f, t)
			if err != nil {
				return fmt.Errorf("top pages: %w", err)
			}
			stats.TopPages = rows
			return nil
		},
		func() error {
			rows := []LatestPageVisit{}
			err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT path, visited_at, browser`+window+`
				ORDER BY visited_at DESC, id DESC LIMIT 10`), f, t)
			if err != nil {
				return fmt.Errorf("latest pages: %w", err)
			}
			stats.LatestPages = rows
			return nil
		},
		s.dimension(ctx, &stats.BrowserStats, "browser", f, t),
		s.dimension(ctx, &stats.OSStats, "os", f, t),
		s.dimension(ctx, &stats.DeviceStats, "device", f, t),
		s.dimension(ctx, &stats.ReferrerStats, "referrer", f, t),
		func() error {
			rows, err := s.series(ctx, "visits", g, f, t)
			if err != nil {
				return fmt.Errorf("views series: %w", err)
			}
			stats.Series = rows
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Store) series(ctx context.Context, table string, g Granularity, from, to string) ([]SeriesPoint, error) {
	b := g.bucket()
	rows := []SeriesPoint{}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+b+` AS bucket, COUNT(*) AS n FROM `+table+`
		WHERE visited_at >= ? AND visited_at < ?
		GROUP BY `+b+` ORDER BY bucket`), from, to)
	return rows, err
}

// GetBotStats returns aggregated bot statistics for the given time period.
func (s *Store) GetBotStats(ctx context.Context, from, to time.Time, g Granularity) (*BotStats, error) {
	f, t := database.Timestamp(from), database.Timestamp(to)
	stats := &BotStats{
		Period:   from.Format("2006-01-02") + " to " + to.Format("2006-01-02"),
		TopBots:  []DimensionStat{},
		TopPages: []PageStat{},
		Series:   []SeriesPoint{},
	}

	const window = ` FROM bot_visits WHERE visited_at >= ? AND visited_at < ?`
	if err := s.db.GetContext(ctx, &stats.TotalVisits, s.db.Rebind(`SELECT COUNT(*)`+window), f, t); err != nil {
		return nil, fmt.Errorf("count bot visits: %w", err)
	}
	if err := s.db.SelectContext(ctx, &stats.TopBots, s.db.Rebind(`SELECT bot_name AS name, COUNT(*) AS n`+window+`
		GROUP BY bot_name ORDER BY n DESC, name LIMIT 10`), f, t); err != nil {
		return nil, fmt.Errorf("top bots: %w", err)
	}
	if err := s.db.SelectContext(ctx, &stats.TopPages, s.db.Rebind(`SELECT path, COUNT(*) AS n`+window+`
		GROUP BY path ORDER BY n DESC, path LIMIT 10`), f, t); err != nil {
		return nil, fmt.Errorf("top bot pages: %w", err)
	}
	series, err := s.series(ctx, "bot_visits", g, f, t)
	if err != nil {
		return nil, fmt.Errorf("bot series: %w", err)
	}
	stats.Series = series
	return stats, nil
}

// Totals is a compact views/visitors summary for the admin overview.
type Totals struct {
	Views          int `json:"views"`
	UniqueVisitors int `json:"unique_visitors"`
}

// GetTotals counts views and unique visitors since from.
func (s *Store) GetTotals(ctx context.Context, from time.Time) (Totals, error) {
	var t Totals
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		SELECT COUNT(*), COUNT(DISTINCT visitor_id) FROM visits WHERE visited_at >= ?`),
		database.Timestamp(from)).Scan(&t.Views, &t.UniqueVisitors)
	if err != nil {
		return Totals{}, fmt.Errorf("visit totals: %w", err)
	}
	return t, nil
}

// GetRealtimeVisitors returns the number of unique visitors in the last 5 minutes.
func (s *Store) GetRealtimeVisitors(ctx context.Context) (int, error) {
	cutoff := database.Timestamp(s.now().Add(-5 * time.Minute))
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`
		SELECT COUNT(DISTINCT visitor_id) FROM visits WHERE visited_at >= ?`), cutoff)
	return n, err
}

// CleanupOldVisits removes visits, bot visits, and idle visitor rows
// older than the retention period.
func (s *Store) CleanupOldVisits(ctx context.Context, retentionDays int) error {
	cutoff := database.Timestamp(s.now().AddDate(0, 0, -retentionDays))
	for _, q := range []struct{ table, column string }{
		{"visits", "visited_at"},
		{"bot_visits", "visited_at"},
		{"visitors", "last_seen"},
	} {
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM `+q.table+` WHERE `+q.column+` < ?`), cutoff); err != nil {
			return fmt.Errorf("cleanup %s: %w", q.table, err)
		}
	}
	return nil
}

// StartCleanupScheduler runs periodic cleanup of old data. Returns a stop function.
func (s *Store) StartCleanupScheduler(retentionDays int, interval time.Duration, log zerolog.Logger) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				if err := s.CleanupOldVisits(ctx, retentionDays); err != nil {
					log.Error().Err(err).Msg("analytics cleanup failed")
				}
				cancel()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}
