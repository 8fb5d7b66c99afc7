package folio

import (
	"encoding/json"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/eringen/folio/database"
	"github.com/eringen/folio/editor"
)

// Slugify converts a title to a URL-safe slug.
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	prev := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prev = false
		default:
			if !prev && b.Len() > 0 {
				b.WriteByte('-')
				prev = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// BuildURL joins a base URL with path segments.
func BuildURL(base string, pathSegments ...string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	u.Path = path.Join(u.Path, path.Join(pathSegments...))
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}

// absoluteURL resolves ref against base. Unparseable input is returned as is.
func absoluteURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if !strings.HasSuffix(b.Path, "/") {
		b.Path += "/"
	}
	if strings.HasPrefix(r.Path, "/") && r.Host == "" {
		r.Path = strings.TrimPrefix(r.Path, "/")
	}
	return b.ResolveReference(r).String()
}

func normalizeTag(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

// normalizeTags lower-cases tags and drops blanks, commas, and duplicates,
// keeping first-seen order.
func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = normalizeTag(strings.ReplaceAll(t, ",", " "))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func hasTag(item ContentItem, tag string) bool {
	for _, t := range item.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// FilterRelated returns up to limit items of the same kind that share at
// least one tag with current, ordered by the number of shared tags and then
// by the order of items.
func FilterRelated(current ContentItem, items []ContentItem, limit int) []ContentItem {
	tagSet := make(map[string]struct{}, len(current.Tags))
	for _, t := range current.Tags {
		tagSet[t] = struct{}{}
	}
	type scored struct {
		item  ContentItem
		score int
	}
	var candidates []scored
	for _, it := range items {
		if it.ID == current.ID || it.Kind != current.Kind {
			continue
		}
		n := 0
		for _, t := range it.Tags {
			if _, ok := tagSet[t]; ok {
				n++
			}
		}
		if n > 0 {
			candidates = append(candidates, scored{it, n})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	related := make([]ContentItem, 0, limit)
	for _, c := range candidates {
		if len(related) == limit {
			break
		}
		related = append(related, c.item.Summary())
	}
	return related
}

// ContentJSONLD returns a schema.org JSON-LD document for an item.
func ContentJSONLD(item ContentItem, cfg SiteConfig) string {
	itemURL := BuildURL(cfg.URL, item.Path())
	typ := "BlogPosting"
	if item.Kind == KindProject {
		typ = "CreativeWork"
	}
	data := map[string]any{
		"@context":    "https://schema.org",
		"@type":       typ,
		"headline":    item.Title,
		"description": item.Excerpt,
		"url":         itemURL,
		"mainEntityOfPage": map[string]string{
			"@type": "WebPage",
			"@id":   itemURL,
		},
	}
	if item.PublishedAt != nil {
		data["datePublished"] = database.Timestamp(*item.PublishedAt)
	}
	if !item.UpdatedAt.IsZero() {
		data["dateModified"] = database.Timestamp(item.UpdatedAt)
	}
	if item.CoverImage != "" {
		data["image"] = item.CoverImage
	} else if imgs := editor.ParseImages(item.Body); len(imgs) > 0 {
		data["image"] = absoluteURL(cfg.URL, imgs[0].Src)
	}
	if cfg.Author != "" {
		data["author"] = map[string]string{
			"@type": "Person",
			"name":  cfg.Author,
		}
	}
	if cfg.Name != "" {
		data["publisher"] = map[string]string{
			"@type": "Organization",
			"name":  cfg.Name,
		}
	}
	if len(item.Tags) > 0 {
		data["keywords"] = strings.Join(item.Tags, ", ")
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "{}"
	}
	return string(b)
}
