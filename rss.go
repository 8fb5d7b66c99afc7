package folio

import (
	"encoding/xml"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

const feedLimit = 50

type rssXML struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title         string    `xml:"title"`
	Link          string    `xml:"link"`
	Description   string    `xml:"description"`
	LastBuildDate string    `xml:"lastBuildDate,omitempty"`
	Items         []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	Description string   `xml:"description"`
	Categories  []string `xml:"category"`
	PubDate     string   `xml:"pubDate"`
	GUID        string   `xml:"guid"`
}

// buildFeed renders the newest published items as an RSS 2.0 channel.
func buildFeed(cfg SiteConfig, items []ContentItem) rssXML {
	out := make([]rssItem, 0, min(len(items), feedLimit))
	var latest time.Time
	for _, it := range items {
		if len(out) == feedLimit {
			break
		}
		link := BuildURL(cfg.URL, it.Path())
		pubDate := ""
		if it.PublishedAt != nil {
			pubDate = it.PublishedAt.Format(time.RFC1123Z)
			if it.PublishedAt.After(latest) {
				latest = *it.PublishedAt
			}
		}
		out = append(out, rssItem{
			Title:       it.Title,
			Link:        link,
			Description: it.Excerpt,
			Categories:  it.Tags,
			PubDate:     pubDate,
			GUID:        link,
		})
	}
	ch := rssChannel{
		Title:       cfg.Name,
		Link:        cfg.URL,
		Description: cfg.Description,
		Items:       out,
	}
	if !latest.IsZero() {
		ch.LastBuildDate = latest.Format(time.RFC1123Z)
	}
	return rssXML{Version: "2.0", Channel: ch}
}

func (a *App) handleFeed(c echo.Context) error {
	items, err := a.Cache.All(c.Request().Context())
	if err != nil {
		return err
	}
	return writeXML(c, "application/rss+xml; charset=utf-8", buildFeed(a.Config, items))
}

func writeXML(c echo.Context, contentType string, v any) error {
	c.Response().Header().Set(echo.HeaderContentType, contentType)
	c.Response().WriteHeader(http.StatusOK)
	if _, err := c.Response().Write([]byte(xml.Header)); err != nil {
		return err
	}
	return xml.NewEncoder(c.Response()).Encode(v)
}
