package folio

import (
	"encoding/json"
	"encoding/xml"
	"testing"
	"time"
)

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Hello World":          "hello-world",
		"  Go 1.22: What's New ": "go-1-22-what-s-new",
		"---":                  "",
		"already-a-slug":       "already-a-slug",
		"Trailing!!!":          "trailing",
	}
	for in, want := range tests {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildURL(t *testing.T) {
	tests := []struct {
		base string
		segs []string
		want string
	}{
		{"https://example.com", nil, "https://example.com/"},
		{"https://example.com", []string{"blog", "post"}, "https://example.com/blog/post"},
		{"https://example.com/sub/", []string{"/blog/post"}, "https://example.com/sub/blog/post"},
	}
	for _, tt := range tests {
		if got := BuildURL(tt.base, tt.segs...); got != tt.want {
			t.Errorf("BuildURL(%q, %v) = %q, want %q", tt.base, tt.segs, got, tt.want)
		}
	}
}

func TestNormalizeTags(t *testing.T) {
	got := normalizeTags([]string{" Go", "web", "GO", "", "a,b"})
	want := []string{"go", "web", "a b"}
	if !equalStrings(got, want) {
		t.Errorf("normalizeTags = %v, want %v", got, want)
	}
}

func TestFilterRelated(t *testing.T) {
	current := ContentItem{ID: 1, Kind: KindBlog, Tags: []string{"go", "web", "db"}}
	items := []ContentItem{
		current,
		{ID: 2, Kind: KindBlog, Title: "one shared", Tags: []string{"go"}, Body: "x"},
		{ID: 3, Kind: KindBlog, Title: "three shared", Tags: []string{"go", "web", "db"}},
		{ID: 4, Kind: KindProject, Title: "other kind", Tags: []string{"go", "web"}},
		{ID: 5, Kind: KindBlog, Title: "none", Tags: []string{"rust"}},
		{ID: 6, Kind: KindBlog, Title: "two shared", Tags: []string{"web", "db"}},
		{ID: 7, Kind: KindBlog, Title: "one shared later", Tags: []string{"db"}},
	}

	got := FilterRelated(current, items, 3)
	want := []string{"three shared", "two shared", "one shared"}
	if !equalStrings(titles(got), want) {
		t.Errorf("FilterRelated = %v, want %v", titles(got), want)
	}
	for _, it := range got {
		if it.Body != "" {
			t.Error("related items must not carry bodies")
		}
	}
}

func TestContentJSONLD(t *testing.T) {
	pub := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	item := ContentItem{
		Kind: KindProject, Slug: "folio", Title: "Folio", Excerpt: "site",
		Tags: []string{"go", "web"}, PublishedAt: &pub,
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(ContentJSONLD(item, SiteConfig{URL: "https://example.com", Author: "Sam"})), &doc); err != nil {
		t.Fatal(err)
	}
	checks := map[string]string{
		"@type":         "CreativeWork",
		"url":           "https://example.com/projects/folio",
		"datePublished": "2025-01-02T03:04:05Z",
		"keywords":      "go, web",
	}
	for k, want := range checks {
		if doc[k] != want {
			t.Errorf("%s = %v, want %q", k, doc[k], want)
		}
	}
	if _, ok := doc["publisher"]; ok {
		t.Error("publisher should be omitted without a site name")
	}
}

func TestBuildFeedAndSitemap(t *testing.T) {
	cfg := SiteConfig{Name: "Site", URL: "https://example.com", Description: "d"}
	p1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p2 := p1.Add(24 * time.Hour)
	items := []ContentItem{
		{Kind: KindBlog, Slug: "b", Title: "B", PublishedAt: &p2, UpdatedAt: p2, Tags: []string{"go"}},
		{Kind: KindProject, Slug: "p", Title: "P", PublishedAt: &p1, UpdatedAt: p1},
	}

	feed := buildFeed(cfg, items)
	if len(feed.Channel.Items) != 2 {
		t.Fatalf("feed items = %d", len(feed.Channel.Items))
	}
	if feed.Channel.Items[1].Link != "https://example.com/projects/p" {
		t.Errorf("link = %q", feed.Channel.Items[1].Link)
	}
	if feed.Channel.LastBuildDate != p2.Format(time.RFC1123Z) {
		t.Errorf("LastBuildDate = %q", feed.Channel.LastBuildDate)
	}
	if _, err := xml.Marshal(feed); err != nil {
		t.Errorf("feed does not marshal: %v", err)
	}

	sm := buildSitemap(cfg, items)
	if len(sm.URLs) != 5 {
		t.Fatalf("sitemap urls = %d, want 5", len(sm.URLs))
	}
	if sm.URLs[3].Loc != "https://example.com/blog/b" || sm.URLs[3].LastMod != "2025-01-02" {
		t.Errorf("url = %+v", sm.URLs[3])
	}
}

func TestContentJSONLDImageFallback(t *testing.T) {
	cfg := SiteConfig{URL: "https://example.com/site"}
	tests := []struct {
		item ContentItem
		want any
	}{
		{ContentItem{Slug: "a", CoverImage: "https://cdn.example.com/c.jpg", Body: "![x](/media/b.jpg)"}, "https://cdn.example.com/c.jpg"},
		{ContentItem{Slug: "a", Body: "text\n\n![x](/media/b.jpg){left}"}, "https://example.com/site/media/b.jpg"},
		{ContentItem{Slug: "a", Body: "![x](https://cdn.example.com/d.png)"}, "https://cdn.example.com/d.png"},
		{ContentItem{Slug: "a", Body: "no images"}, nil},
	}
	for _, tt := range tests {
		var doc map[string]any
		if err := json.Unmarshal([]byte(ContentJSONLD(tt.item, cfg)), &doc); err != nil {
			t.Fatal(err)
		}
		if doc["image"] != tt.want {
			t.Errorf("image = %v, want %v (body %q)", doc["image"], tt.want, tt.item.Body)
		}
	}
}
