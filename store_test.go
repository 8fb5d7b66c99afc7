package folio

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eringen/folio/database"
)

// testClock is a settable time source for stores under test.
type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time { return c.t }

func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func setupTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	db, err := database.Open(context.Background(), database.Config{
		Driver: database.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	s := NewStore(db)
	clock := &testClock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	s.now = clock.now
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func createItem(t *testing.T, s *Store, in ContentInput) ContentItem {
	t.Helper()
	item, err := s.CreateContent(context.Background(), in)
	if err != nil {
		t.Fatalf("CreateContent(%q) failed: %v", in.Title, err)
	}
	return item
}

func TestCreateAndGetContent(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	item := createItem(t, s, ContentInput{
		Kind:    KindBlog,
		Title:   "Hello World",
		Excerpt: "First post",
		Body:    strings.Repeat("word ", 450),
		Tags:    []string{"Go", "web", "go", " "},
		Status:  StatusPublished,
	})

	if item.Slug != "hello-world" {
		t.Errorf("Slug = %q, want %q", item.Slug, "hello-world")
	}
	if len(item.Tags) != 2 || item.Tags[0] != "go" || item.Tags[1] != "web" {
		t.Errorf("Tags = %v, want [go web]", item.Tags)
	}
	if item.ReadingMinutes != 3 {
		t.Errorf("ReadingMinutes = %d, want 3", item.ReadingMinutes)
	}
	if item.PublishedAt == nil {
		t.Fatal("PublishedAt should be set for a published item")
	}

	got, err := s.GetPublishedContent(ctx, KindBlog, "hello-world")
	if err != nil {
		t.Fatalf("GetPublishedContent failed: %v", err)
	}
	if got.ID != item.ID || got.Title != "Hello World" {
		t.Errorf("got %+v, want item %d", got, item.ID)
	}
	if got.Path() != "/blog/hello-world" {
		t.Errorf("Path = %q", got.Path())
	}
}

func TestGetPublishedContentHidesDrafts(t *testing.T) {
	s, _ := setupTestStore(t)
	createItem(t, s, ContentInput{Kind: KindBlog, Title: "Draft"})

	_, err := s.GetPublishedContent(context.Background(), KindBlog, "draft")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSlugCollisionsGetSuffix(t *testing.T) {
	s, _ := setupTestStore(t)

	a := createItem(t, s, ContentInput{Kind: KindBlog, Title: "Same Title"})
	b := createItem(t, s, ContentInput{Kind: KindBlog, Title: "Same Title"})
	c := createItem(t, s, ContentInput{Kind: KindBlog, Title: "Same Title"})
	p := createItem(t, s, ContentInput{Kind: KindProject, Title: "Same Title"})

	want := []string{"same-title", "same-title-2", "same-title-3"}
	for i, it := range []ContentItem{a, b, c} {
		if it.Slug != want[i] {
			t.Errorf("item %d slug = %q, want %q", i, it.Slug, want[i])
		}
	}
	if p.Slug != "same-title" {
		t.Errorf("project slug = %q, slugs are unique per kind", p.Slug)
	}
}

func TestUpdateKeepsOwnSlugAndKind(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	item := createItem(t, s, ContentInput{Kind: KindProject, Title: "Tool", RepoURL: "https://github.com/x/tool"})

	updated, err := s.UpdateContent(ctx, item.ID, ContentInput{
		Kind:  KindBlog,
		Slug:  "tool",
		Title: "Tool v2",
	})
	if err != nil {
		t.Fatalf("UpdateContent failed: %v", err)
	}
	if updated.Slug != "tool" {
		t.Errorf("Slug = %q, want %q", updated.Slug, "tool")
	}
	if updated.Kind != KindProject {
		t.Errorf("Kind = %q, kind must not change on update", updated.Kind)
	}
	if updated.Title != "Tool v2" {
		t.Errorf("Title = %q", updated.Title)
	}

	if _, err := s.UpdateContent(ctx, 12345, ContentInput{Title: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: err = %v, want ErrNotFound", err)
	}
}

func TestUpdateWithoutSlugOrStatusKeepsThem(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	item := createItem(t, s, ContentInput{Kind: KindBlog, Title: "Hello World", Status: StatusPublished})

	updated, err := s.UpdateContent(ctx, item.ID, ContentInput{Title: "Hello World, revised"})
	if err != nil {
		t.Fatalf("UpdateContent failed: %v", err)
	}
	if updated.Slug != "hello-world" {
		t.Errorf("Slug = %q, want hello-world", updated.Slug)
	}
	if updated.Status != StatusPublished {
		t.Errorf("Status = %q, an update without status must not unpublish", updated.Status)
	}
	if updated.PublishedAt == nil || !updated.PublishedAt.Equal(*item.PublishedAt) {
		t.Errorf("PublishedAt = %v, want %v", updated.PublishedAt, item.PublishedAt)
	}

	renamed, err := s.UpdateContent(ctx, item.ID, ContentInput{Title: "Hello", Slug: "Hello Again"})
	if err != nil {
		t.Fatal(err)
	}
	if renamed.Slug != "hello-again" || renamed.Status != StatusPublished {
		t.Errorf("explicit slug: got %q/%q", renamed.Slug, renamed.Status)
	}
}

func TestPublishKeepsFirstPublishedAt(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()
	item := createItem(t, s, ContentInput{Kind: KindBlog, Title: "Post"})
	if item.PublishedAt != nil {
		t.Fatal("draft should have no PublishedAt")
	}

	pub, err := s.SetContentStatus(ctx, item.ID, StatusPublished)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	first := *pub.PublishedAt

	clock.advance(48 * time.Hour)
	if _, err := s.SetContentStatus(ctx, item.ID, StatusDraft); err != nil {
		t.Fatalf("unpublish failed: %v", err)
	}
	again, err := s.SetContentStatus(ctx, item.ID, StatusPublished)
	if err != nil {
		t.Fatalf("republish failed: %v", err)
	}
	if !again.PublishedAt.Equal(first) {
		t.Errorf("PublishedAt = %v, want first publication %v", again.PublishedAt, first)
	}
}

func TestDeleteContentRemovesDependents(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	item := createItem(t, s, ContentInput{Kind: KindBlog, Title: "Gone", Status: StatusPublished})

	if _, err := s.CreateComment(ctx, item.ID, CommentInput{
		AuthorName: "Ann", AuthorEmail: "ann@example.com", Body: "Nice",
	}, "iphash", "ua"); err != nil {
		t.Fatalf("CreateComment failed: %v", err)
	}
	if _, err := s.CreateRating(ctx, item.ID, "visitor-1", "iphash", 4); err != nil {
		t.Fatalf("CreateRating failed: %v", err)
	}

	if err := s.DeleteContent(ctx, item.ID); err != nil {
		t.Fatalf("DeleteContent failed: %v", err)
	}
	var n int
	for _, table := range []string{"comments", "ratings", "content_items"} {
		if err := s.db.Get(&n, `SELECT COUNT(*) FROM `+table); err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Errorf("%s has %d rows after delete", table, n)
		}
	}
	if err := s.DeleteContent(ctx, item.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
}

func TestLikeOncePerWindow(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()
	item := createItem(t, s, ContentInput{Kind: KindBlog, Title: "Likeable", Status: StatusPublished})

	n, err := s.LikeContent(ctx, item.ID, "v1")
	if err != nil || n != 1 {
		t.Fatalf("first like = %d, %v", n, err)
	}
	if _, err := s.LikeContent(ctx, item.ID, "v1"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("repeat like: err = %v, want ErrRateLimited", err)
	}
	if n, err := s.LikeContent(ctx, item.ID, "v2"); err != nil || n != 2 {
		t.Errorf("other visitor like = %d, %v", n, err)
	}

	if _, err := s.LikeContent(ctx, item.ID, "v3", "v1"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("like matching a second id: err = %v, want ErrRateLimited", err)
	}
	if n, err := s.LikeContent(ctx, item.ID, "v4", "v5"); err != nil || n != 3 {
		t.Errorf("like under two ids = %d, %v; want one more like", n, err)
	}
	if _, err := s.LikeContent(ctx, item.ID, "v5"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("second id alone: err = %v, want ErrRateLimited", err)
	}
	if _, err := s.LikeContent(ctx, item.ID); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("like without id: err = %v, want ErrInvalidInput", err)
	}

	clock.advance(LikeWindow + time.Minute)
	if n, err := s.LikeContent(ctx, item.ID, "v1"); err != nil || n != 4 {
		t.Errorf("like after window = %d, %v", n, err)
	}
}

func TestListContentFilters(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	createItem(t, s, ContentInput{Kind: KindBlog, Title: "A", Status: StatusPublished})
	createItem(t, s, ContentInput{Kind: KindBlog, Title: "B"})
	createItem(t, s, ContentInput{Kind: KindProject, Title: "C", Status: StatusPublished})

	tests := []struct {
		kind   Kind
		status Status
		want   int
	}{
		{"", "", 3},
		{KindBlog, "", 2},
		{KindBlog, StatusDraft, 1},
		{"", StatusPublished, 2},
		{KindProject, StatusDraft, 0},
	}
	for _, tt := range tests {
		items, err := s.ListContent(ctx, tt.kind, tt.status)
		if err != nil {
			t.Fatalf("ListContent(%q, %q) failed: %v", tt.kind, tt.status, err)
		}
		if len(items) != tt.want {
			t.Errorf("ListContent(%q, %q) = %d items, want %d", tt.kind, tt.status, len(items), tt.want)
		}
	}

	counts, err := s.ContentCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[KindBlog][StatusPublished] != 1 || counts[KindBlog][StatusDraft] != 1 ||
		counts[KindProject][StatusPublished] != 1 {
		t.Errorf("ContentCounts = %v", counts)
	}
}

func TestParseTags(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{",go,web,", []string{"go", "web"}},
		{",", []string{}},
		{"", []string{}},
		{",solo,", []string{"solo"}},
	}
	for _, tt := range tests {
		got := ParseTags(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("ParseTags(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("ParseTags(%q) = %v, want %v", tt.in, got, tt.want)
			}
		}
	}
	if fenceTags([]string{"a", "b"}) != ",a,b," {
		t.Errorf("fenceTags = %q", fenceTags([]string{"a", "b"}))
	}
}

func TestNextFreeName(t *testing.T) {
	tests := []struct {
		base  string
		taken []string
		want  string
	}{
		{"post", nil, "post"},
		{"post", []string{"post"}, "post-2"},
		{"post", []string{"post", "post-2", "post-4"}, "post-3"},
		{"post", []string{"post-2"}, "post"},
	}
	for _, tt := range tests {
		if got := nextFreeName(tt.base, tt.taken, "-%d"); got != tt.want {
			t.Errorf("nextFreeName(%q, %v) = %q, want %q", tt.base, tt.taken, got, tt.want)
		}
	}
}
