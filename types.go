package folio

import (
	"time"

	"github.com/eringen/folio/editor"
)

// Kind distinguishes blog posts from portfolio projects.
type Kind string

const (
	KindBlog    Kind = "blog"
	KindProject Kind = "project"
)

// Status is a content item's publication state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
)

// ContentItem is a blog post or project. IDs are encoded as JSON strings
// because snowflake values exceed the range JavaScript numbers hold exactly.
type ContentItem struct {
	ID             int64      `json:"id,string"`
	Kind           Kind       `json:"kind"`
	Slug           string     `json:"slug"`
	Title          string     `json:"title"`
	Excerpt        string     `json:"excerpt"`
	Body           string     `json:"body,omitempty"`
	CoverImage     string     `json:"cover_image"`
	Tags           []string   `json:"tags"`
	Status         Status     `json:"status"`
	Featured       bool       `json:"featured"`
	RepoURL        string     `json:"repo_url,omitempty"`
	LiveURL        string     `json:"live_url,omitempty"`
	Views          int        `json:"views"`
	Likes          int        `json:"likes"`
	CommentCount   int        `json:"comment_count"`
	ReadingMinutes int        `json:"reading_minutes"`
	PublishedAt    *time.Time `json:"published_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Path is the public URL path of the item.
func (c ContentItem) Path() string {
	if c.Kind == KindProject {
		return "/projects/" + c.Slug
	}
	return "/blog/" + c.Slug
}

// Summary returns a copy without the body, for list responses.
func (c ContentItem) Summary() ContentItem {
	c.Body = ""
	return c
}

// ContentInput is the editable part of a content item.
type ContentInput struct {
	Kind       Kind     `json:"kind" validate:"required,oneof=blog project"`
	Slug       string   `json:"slug" validate:"omitempty,max=120"`
	Title      string   `json:"title" validate:"required,notblank,max=200"`
	Excerpt    string   `json:"excerpt" validate:"max=500"`
	Body       string   `json:"body" validate:"max=200000"`
	CoverImage string   `json:"cover_image" validate:"max=2048"`
	Tags       []string `json:"tags" validate:"max=20,dive,max=40"`
	Featured   bool     `json:"featured"`
	RepoURL    string   `json:"repo_url" validate:"omitempty,url,max=2048"`
	LiveURL    string   `json:"live_url" validate:"omitempty,url,max=2048"`
	Status     Status   `json:"status" validate:"omitempty,oneof=draft published"`
}

// ContentFilter narrows public listings.
type ContentFilter struct {
	Kind     Kind   `query:"kind" validate:"omitempty,oneof=blog project"`
	Tag      string `query:"tag"`
	Query    string `query:"q" validate:"max=200"`
	Sort     string `query:"sort" validate:"omitempty,oneof=newest oldest popular title"`
	Featured bool   `query:"featured"`
	Limit    int    `query:"limit" validate:"min=0"`
	Offset   int    `query:"offset" validate:"min=0"`
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

func (f *ContentFilter) normalize() {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Sort == "" {
		f.Sort = "newest"
	}
	f.Tag = normalizeTag(f.Tag)
}

// ContentPage is a page of listing results.
type ContentPage struct {
	Items  []ContentItem `json:"items"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ContentDetail is the public view of a single item.
type ContentDetail struct {
	ContentItem
	HTML     string           `json:"html"`
	Words    int              `json:"words"`
	Images   int              `json:"images"`
	Headings []editor.Heading `json:"headings"`
	Related  []ContentItem    `json:"related"`
}

// TagCount is a tag with the number of published items carrying it.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}
