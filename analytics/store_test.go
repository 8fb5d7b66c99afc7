package analytics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/eringen/folio/database"
	"github.com/rs/zerolog"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(context.Background(), database.Config{
		Driver: database.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "analytics.db"),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func testVisit(visitor, path string, at time.Time) *Visit {
	return &Visit{
		VisitorID: visitor,
		SessionID: visitor + "-s",
		IPHash:    "iphash",
		Browser:   "Firefox",
		OS:        "Linux",
		Device:    "Desktop",
		Path:      path,
		Referrer:  "Direct",
		VisitedAt: at,
	}
}

func TestSettings(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	v, err := s.GetSetting(ctx, "missing")
	if err != nil || v != "" {
		t.Fatalf("GetSetting(missing) = %q, %v; want empty, nil", v, err)
	}
	if err := s.SetSetting(ctx, "k", "one"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSetting(ctx, "k", "two"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.GetSetting(ctx, "k"); v != "two" {
		t.Errorf("GetSetting = %q, want two", v)
	}
}

func TestLoadHasherPersistsSalt(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	h1, err := LoadHasher(ctx, s)
	if err != nil {
		t.Fatalf("LoadHasher: %v", err)
	}
	h2, err := LoadHasher(ctx, s)
	if err != nil {
		t.Fatalf("LoadHasher: %v", err)
	}
	if h1.HashIP("203.0.113.5") != h2.HashIP("203.0.113.5") {
		t.Error("salt should be reused across loads")
	}
}

func TestTouchVisitorSessions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	steps := []struct {
		at         time.Time
		newVisitor bool
		session    int
	}{
		{base, true, 1},
		{base.Add(10 * time.Minute), false, 1},
		{base.Add(35 * time.Minute), false, 1},
		{base.Add(2 * time.Hour), false, 2},
		{base.Add(2*time.Hour + time.Minute), false, 2},
	}
	for i, st := range steps {
		got, err := s.TouchVisitor(ctx, "visitor-abc", st.at)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got.NewVisitor != st.newVisitor || got.Session != st.session {
			t.Errorf("step %d: got %+v, want new=%v session=%d", i, got, st.newVisitor, st.session)
		}
	}

	other, err := s.TouchVisitor(ctx, "visitor-xyz", base)
	if err != nil {
		t.Fatal(err)
	}
	if !other.NewVisitor {
		t.Error("a different fingerprint should be a new visitor")
	}
}

func TestGetStats(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	visits := []*Visit{
		testVisit("v1", "/blog/a", day.Add(9*time.Hour)),
		testVisit("v1", "/blog/b", day.Add(9*time.Hour+time.Minute)),
		testVisit("v2", "/blog/a", day.Add(26*time.Hour)),
		testVisit("v3", "/", day.AddDate(0, 0, -20)), // outside the window
	}
	visits[0].NewVisitor = true
	visits[2].NewVisitor = true
	visits[2].Browser = "Chrome"
	for _, v := range visits {
		if err := s.SaveVisit(ctx, v); err != nil {
			t.Fatalf("SaveVisit: %v", err)
		}
	}
	if err := s.UpdateVisitDuration(ctx, "v1", "/blog/a", 30); err != nil {
		t.Fatalf("UpdateVisitDuration: %v", err)
	}
	if err := s.UpdateVisitDuration(ctx, "v2", "/blog/a", 90); err != nil {
		t.Fatalf("UpdateVisitDuration: %v", err)
	}

	stats, err := s.GetStats(ctx, day, day.AddDate(0, 0, 7), Daily)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.TotalViews != 3 {
		t.Errorf("TotalViews = %d, want 3", stats.TotalViews)
	}
	if stats.UniqueVisitors != 2 {
		t.Errorf("UniqueVisitors = %d, want 2", stats.UniqueVisitors)
	}
	if stats.NewVisitors != 2 {
		t.Errorf("NewVisitors = %d, want 2", stats.NewVisitors)
	}
	if stats.Sessions != 2 {
		t.Errorf("Sessions = %d, want 2", stats.Sessions)
	}
	if stats.AvgDuration != 60 {
		t.Errorf("AvgDuration = %d, want 60", stats.AvgDuration)
	}
	if len(stats.TopPages) == 0 || stats.TopPages[0].Path != "/blog/a" || stats.TopPages[0].Views != 2 {
		t.Errorf("TopPages = %+v", stats.TopPages)
	}
	if len(stats.LatestPages) != 3 || stats.LatestPages[0].Path != "/blog/a" || stats.LatestPages[0].Browser != "Chrome" {
		t.Errorf("LatestPages = %+v", stats.LatestPages)
	}
	if len(stats.BrowserStats) != 2 || stats.BrowserStats[0].Name != "Firefox" {
		t.Errorf("BrowserStats = %+v", stats.BrowserStats)
	}
	want := []SeriesPoint{{"2024-03-01", 2}, {"2024-03-02", 1}}
	if len(stats.Series) != len(want) {
		t.Fatalf("Series = %+v, want %+v", stats.Series, want)
	}
	for i := range want {
		if stats.Series[i] != want[i] {
			t.Errorf("Series[%d] = %+v, want %+v", i, stats.Series[i], want[i])
		}
	}

	monthly, err := s.GetStats(ctx, day.AddDate(0, -1, 0), day.AddDate(0, 0, 7), Monthly)
	if err != nil {
		t.Fatal(err)
	}
	if len(monthly.Series) != 2 || monthly.Series[0].Label != "2024-02" || monthly.Series[1].Views != 3 {
		t.Errorf("monthly Series = %+v", monthly.Series)
	}
}

func TestGetStatsEmpty(t *testing.T) {
	s := setupTestStore(t)
	now := time.Now().UTC()
	stats, err := s.GetStats(context.Background(), now.Add(-time.Hour), now, Hourly)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.TotalViews != 0 || stats.AvgDuration != 0 {
		t.Errorf("empty stats = %+v", stats)
	}
	if stats.TopPages == nil || stats.Series == nil {
		t.Error("empty slices should be non-nil for JSON")
	}
}

func TestBotStats(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, name := range []string{"Googlebot", "Googlebot", "Bingbot"} {
		if err := s.SaveBotVisit(ctx, &BotVisit{BotName: name, IPHash: "h", UserAgent: name, Path: "/", VisitedAt: at}); err != nil {
			t.Fatal(err)
		}
	}
	stats, err := s.GetBotStats(ctx, at.Add(-time.Hour), at.Add(time.Hour), Hourly)
	if err != nil {
		t.Fatalf("GetBotStats: %v", err)
	}
	if stats.TotalVisits != 3 {
		t.Errorf("TotalVisits = %d, want 3", stats.TotalVisits)
	}
	if len(stats.TopBots) != 2 || stats.TopBots[0].Name != "Googlebot" || stats.TopBots[0].Count != 2 {
		t.Errorf("TopBots = %+v", stats.TopBots)
	}
	if len(stats.Series) != 1 || stats.Series[0].Label != "2024-03-01T12" {
		t.Errorf("Series = %+v", stats.Series)
	}
}

func TestRealtimeAndCleanup(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	for _, v := range []*Visit{
		testVisit("recent-1", "/", now.Add(-time.Minute)),
		testVisit("recent-2", "/", now.Add(-4*time.Minute)),
		testVisit("old", "/", now.AddDate(0, 0, -100)),
	} {
		if err := s.SaveVisit(ctx, v); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.TouchVisitor(ctx, "old", now.AddDate(0, 0, -100)); err != nil {
		t.Fatal(err)
	}

	n, err := s.GetRealtimeVisitors(ctx)
	if err != nil || n != 2 {
		t.Errorf("GetRealtimeVisitors = %d, %v; want 2", n, err)
	}

	if err := s.CleanupOldVisits(ctx, 90); err != nil {
		t.Fatalf("CleanupOldVisits: %v", err)
	}
	totals, err := s.GetTotals(ctx, now.AddDate(-1, 0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if totals.Views != 2 || totals.UniqueVisitors != 2 {
		t.Errorf("totals after cleanup = %+v, want 2/2", totals)
	}
	touch, err := s.TouchVisitor(ctx, "old", now)
	if err != nil {
		t.Fatal(err)
	}
	if !touch.NewVisitor {
		t.Error("visitor row should have been removed by cleanup")
	}
}
