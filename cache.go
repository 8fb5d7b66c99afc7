package folio

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// ContentCache is an in-memory cache of published content with TTL.
// Counters (views, likes, comment_count) in cached copies may lag the
// database until the next reload.
type ContentCache struct {
	mu      sync.RWMutex
	items   []ContentItem
	fetched time.Time
	ttl     time.Duration
	store   *Store
	now     func() time.Time
}

// NewContentCache creates a ContentCache backed by the given Store.
func NewContentCache(s *Store, ttl time.Duration) *ContentCache {
	return &ContentCache{store: s, ttl: ttl, now: time.Now}
}

func (c *ContentCache) valid() bool {
	return c.items != nil && c.now().Sub(c.fetched) < c.ttl
}

// Invalidate clears the cache so the next read triggers a fresh load.
func (c *ContentCache) Invalidate() {
	c.mu.Lock()
	c.items = nil
	c.mu.Unlock()
}

// ensureLoaded returns cached items after ensuring the cache is fresh.
// It tries a read lock first; only takes a write lock if a reload is needed.
func (c *ContentCache) ensureLoaded(ctx context.Context) ([]ContentItem, error) {
	c.mu.RLock()
	if c.valid() {
		items := c.items
		c.mu.RUnlock()
		return items, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid() {
		return c.items, nil
	}
	items, err := c.store.ListPublishedContent(ctx)
	if err != nil {
		return nil, err
	}
	c.items = items
	c.fetched = c.now()
	return c.items, nil
}

// All returns every published item, newest first. Callers must not modify
// the returned slice.
func (c *ContentCache) All(ctx context.Context) ([]ContentItem, error) {
	return c.ensureLoaded(ctx)
}

// List filters, sorts, and pages published content. Bodies are omitted.
func (c *ContentCache) List(ctx context.Context, f ContentFilter) (ContentPage, error) {
	f.normalize()
	items, err := c.ensureLoaded(ctx)
	if err != nil {
		return ContentPage{}, err
	}

	query := strings.ToLower(strings.TrimSpace(f.Query))
	matched := make([]ContentItem, 0, len(items))
	for _, it := range items {
		if f.Kind != "" && it.Kind != f.Kind {
			continue
		}
		if f.Tag != "" && !hasTag(it, f.Tag) {
			continue
		}
		if f.Featured && !it.Featured {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(it.Title), query) &&
			!strings.Contains(strings.ToLower(it.Excerpt), query) {
			continue
		}
		matched = append(matched, it.Summary())
	}

	sortContent(matched, f.Sort)

	page := ContentPage{Items: []ContentItem{}, Total: len(matched), Limit: f.Limit, Offset: f.Offset}
	if f.Offset < len(matched) {
		end := min(f.Offset+f.Limit, len(matched))
		page.Items = matched[f.Offset:end]
	}
	return page, nil
}

func publishedUnix(it ContentItem) int64 {
	if it.PublishedAt == nil {
		return 0
	}
	return it.PublishedAt.Unix()
}

func sortContent(items []ContentItem, order string) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch order {
		case "oldest":
			return publishedUnix(a) < publishedUnix(b)
		case "popular":
			if a.Views != b.Views {
				return a.Views > b.Views
			}
			return publishedUnix(a) > publishedUnix(b)
		case "title":
			return strings.ToLower(a.Title) < strings.ToLower(b.Title)
		default:
			return publishedUnix(a) > publishedUnix(b)
		}
	})
}

// Get returns a single published item by kind and slug from the cache.
func (c *ContentCache) Get(ctx context.Context, kind Kind, slug string) (ContentItem, error) {
	items, err := c.ensureLoaded(ctx)
	if err != nil {
		return ContentItem{}, err
	}
	for _, it := range items {
		if it.Kind == kind && it.Slug == slug {
			return it, nil
		}
	}
	return ContentItem{}, ErrNotFound
}

// Tags counts tags over published items, optionally of one kind, sorted by
// count descending and then by name.
func (c *ContentCache) Tags(ctx context.Context, kind Kind) ([]TagCount, error) {
	items, err := c.ensureLoaded(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, it := range items {
		if kind != "" && it.Kind != kind {
			continue
		}
		for _, t := range it.Tags {
			counts[t]++
		}
	}
	out := make([]TagCount, 0, len(counts))
	for t, n := range counts {
		out = append(out, TagCount{Tag: t, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	return out, nil
}
