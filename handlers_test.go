package folio

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eringen/folio/notify"
)

const testToken = "test-admin-token"

type captureMailer struct {
	mu   sync.Mutex
	sent []notify.Email
}

func (m *captureMailer) Send(_ context.Context, msg notify.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *captureMailer) messages() []notify.Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notify.Email(nil), m.sent...)
}

func newTestApp(t *testing.T) (*App, *captureMailer) {
	t.Helper()
	dir := t.TempDir()
	mailer := &captureMailer{}
	a := New(SiteConfig{
		Name:          "Test Site",
		URL:           "https://example.test",
		AdminToken:    testToken,
		SessionSecret: "0123456789abcdef0123456789abcdef",
		DBDSN:         filepath.Join(dir, "test.db"),
		MediaDir:      filepath.Join(dir, "media"),
	}, WithLogger(zerolog.Nop()), WithMailer(mailer), WithNotifier(notify.Nop{}))
	require.NoError(t, a.Init(context.Background()))
	t.Cleanup(func() { a.Close() })
	return a, mailer
}

type reqOpt func(*http.Request)

func asAdmin(r *http.Request) { r.Header.Set(echo.HeaderAuthorization, "Bearer "+testToken) }

func withCookies(cookies []*http.Cookie) reqOpt {
	return func(r *http.Request) {
		for _, c := range cookies {
			r.AddCookie(c)
		}
	}
}

func do(a *App, method, target, body string, opts ...reqOpt) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	a.Echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// publish creates a published blog post through the admin API.
func publish(t *testing.T, a *App, title, body string) ContentItem {
	t.Helper()
	payload, _ := json.Marshal(ContentInput{Kind: KindBlog, Title: title, Body: body, Tags: []string{"go"}})
	rec := do(a, http.MethodPost, "/api/admin/content", string(payload), asAdmin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	item := decode[ContentItem](t, rec)

	rec = do(a, http.MethodPost, "/api/admin/content/"+itoa(item.ID)+"/publish", "", asAdmin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[ContentItem](t, rec)
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

func TestAdminRequiresToken(t *testing.T) {
	a, _ := newTestApp(t)

	rec := do(a, http.MethodGet, "/api/admin/overview", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(a, http.MethodGet, "/api/admin/overview", "", func(r *http.Request) {
		r.Header.Set(echo.HeaderAuthorization, "Bearer wrong")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(a, http.MethodGet, "/api/admin/overview", "", asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	ov := decode[Overview](t, rec)
	assert.Zero(t, ov.PublishedPosts)
}

func TestContentLifecycle(t *testing.T) {
	a, _ := newTestApp(t)

	payload := `{"kind":"blog","title":"Draft Post","body":"# Hi\n\nSome **bold** text."}`
	rec := do(a, http.MethodPost, "/api/admin/content", payload, asAdmin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	item := decode[ContentItem](t, rec)
	assert.Equal(t, StatusDraft, item.Status)

	rec = do(a, http.MethodGet, "/api/content", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[ContentPage](t, rec).Total, "drafts are not listed")

	rec = do(a, http.MethodPost, "/api/admin/content/"+itoa(item.ID)+"/publish", "", asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(a, http.MethodGet, "/api/content?kind=blog", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[ContentPage](t, rec)
	require.Len(t, page.Items, 1)
	assert.Empty(t, page.Items[0].Body)

	rec = do(a, http.MethodGet, "/api/content/blog/draft-post", "", func(r *http.Request) {
		r.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0")
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	detail := decode[struct {
		Item   ContentDetail `json:"item"`
		JSONLD string        `json:"json_ld"`
	}](t, rec)
	assert.Contains(t, detail.Item.HTML, "<strong>bold</strong>")
	assert.Equal(t, 4, detail.Item.Words)
	require.Len(t, detail.Item.Headings, 1)
	assert.Contains(t, detail.JSONLD, "BlogPosting")

	got, err := a.Store.GetContent(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Views)

	rec = do(a, http.MethodGet, "/api/content/blog/draft-post", "", func(r *http.Request) {
		r.Header.Set("User-Agent", "Googlebot/2.1 (+http://www.google.com/bot.html)")
	})
	require.Equal(t, http.StatusOK, rec.Code)
	got, _ = a.Store.GetContent(context.Background(), item.ID)
	assert.Equal(t, 1, got.Views, "bots do not count as views")

	rec = do(a, http.MethodDelete, "/api/admin/content/"+itoa(item.ID), "", asAdmin)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(a, http.MethodGet, "/api/content/blog/draft-post", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestValidationErrorsAreKeyedByField(t *testing.T) {
	a, _ := newTestApp(t)

	rec := do(a, http.MethodPost, "/api/admin/content", `{"kind":"video","title":"  "}`, asAdmin)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Contains(t, body.Errors, "kind")
	assert.Contains(t, body.Errors, "title")

	rec = do(a, http.MethodGet, "/api/content?sort=random", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(a, http.MethodGet, "/api/admin/content/abc", "", asAdmin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommentFlow(t *testing.T) {
	a, _ := newTestApp(t)
	item := publish(t, a, "Post", "body")
	base := "/api/content/blog/" + item.Slug + "/comments"

	rec := do(a, http.MethodPost, base, `{"author_name":"Ann","author_email":"ann@example.com","body":"Nice post"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = do(a, http.MethodPost, base, `{"author_name":"Bot","author_email":"bot@example.com","body":"x","website":"http://spam"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(a, http.MethodGet, "/api/admin/comments?status=pending", "", asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[CommentPage](t, rec)
	require.Equal(t, 1, page.Total, "honeypot submissions are not stored")

	rec = do(a, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[map[string][]Comment](t, rec)["comments"])

	rec = do(a, http.MethodPost, "/api/admin/comments/"+itoa(page.Comments[0].ID)+"/approve", "", asAdmin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(a, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "ann@example.com")
	assert.Len(t, decode[map[string][]Comment](t, rec)["comments"], 1)

	got, err := a.Store.GetContent(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CommentCount)
}

func TestCommentRateLimit(t *testing.T) {
	a, _ := newTestApp(t)
	item := publish(t, a, "Post", "body")
	base := "/api/content/blog/" + item.Slug + "/comments"

	for i := 0; i < 3; i++ {
		rec := do(a, http.MethodPost, base, `{"author_name":"Ann","author_email":"not-an-email","body":"hi"}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	}
	for i := 0; i < 5; i++ {
		rec := do(a, http.MethodPost, base, `{"author_name":"Ann","author_email":"ann@example.com","body":"hi"}`)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	rec := do(a, http.MethodPost, base, `{"author_name":"Ann","author_email":"ann@example.com","body":"hi"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRatingAndLikeLimits(t *testing.T) {
	a, _ := newTestApp(t)
	item := publish(t, a, "Post", "body")
	base := "/api/content/blog/" + item.Slug

	rec := do(a, http.MethodPost, base+"/ratings", `{"score":4}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies, "visitor cookie is set")

	rec = do(a, http.MethodPost, base+"/ratings", `{"score":5}`, withCookies(cookies))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = do(a, http.MethodPost, base+"/ratings", `{"score":9}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(a, http.MethodGet, base+"/ratings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[RatingSummary](t, rec)
	assert.Equal(t, 1, sum.Count)
	assert.Equal(t, 4.0, sum.Average)

	rec = do(a, http.MethodPost, base+"/like", "", withCookies(cookies))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[map[string]int](t, rec)["likes"])
	rec = do(a, http.MethodPost, base+"/like", "", withCookies(cookies))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestLikeIgnoresRotatedClientID(t *testing.T) {
	a, _ := newTestApp(t)
	item := publish(t, a, "Post", "body")
	target := "/api/content/blog/" + item.Slug + "/like"

	rec := do(a, http.MethodPost, target, `{"visitor_id":"aaaaaaaa0"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)

	for _, id := range []string{"aaaaaaaa1", "aaaaaaaa2", "aaaaaaaa3"} {
		rec = do(a, http.MethodPost, target, `{"visitor_id":"`+id+`"}`, withCookies(cookies))
		assert.Equal(t, http.StatusTooManyRequests, rec.Code, "visitor_id %s", id)
	}

	// A fresh cookie reusing a fingerprint that already liked is refused too.
	rec = do(a, http.MethodPost, target, `{"visitor_id":"aaaaaaaa0"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	got, err := a.Store.GetContent(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Likes)
}

func TestNewsletterFlow(t *testing.T) {
	a, mailer := newTestApp(t)

	rec := do(a, http.MethodPost, "/api/newsletter/subscribe", `{"email":"Reader@Example.com"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	first := rec.Body.String()

	require.Eventually(t, func() bool { return len(mailer.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := mailer.messages()[0]
	assert.Equal(t, "reader@example.com", msg.ToEmail)
	assert.Contains(t, msg.HTML, "https://example.test/newsletter/confirm/")

	form := url.Values{"email": {"reader@example.com"}}
	req := httptest.NewRequest(http.MethodPost, "/api/newsletter/subscribe", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	frec := httptest.NewRecorder()
	a.Echo.ServeHTTP(frec, req)
	require.Equal(t, http.StatusAccepted, frec.Code, frec.Body.String())
	assert.Equal(t, first, frec.Body.String(), "responses do not reveal subscription state")

	subs, err := a.Store.ListSubscribers(context.Background(), SubscriberPending)
	require.NoError(t, err)
	require.Len(t, subs, 1)

	rec = do(a, http.MethodGet, "/newsletter/confirm/"+subs[0].Token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/html")
	assert.Contains(t, rec.Body.String(), "Subscription confirmed")

	rec = do(a, http.MethodGet, "/newsletter/confirm/not-a-token", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(a, http.MethodGet, "/api/admin/subscribers/export.csv", "", asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reader@example.com,,active")

	rec = do(a, http.MethodGet, "/newsletter/unsubscribe/"+subs[0].Token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	n, _ := a.Store.CountSubscribers(context.Background(), SubscriberActive)
	assert.Zero(t, n)
}

func TestTaskEndpoints(t *testing.T) {
	a, _ := newTestApp(t)

	rec := do(a, http.MethodPost, "/api/admin/tasks", `{"title":"Write post","priority":"high"}`, asAdmin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	task := decode[Task](t, rec)

	rec = do(a, http.MethodPost, "/api/admin/tasks", `{"title":"Bad","status":"later"}`, asAdmin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(a, http.MethodPost, "/api/admin/tasks/"+itoa(task.ID)+"/move", `{"status":"done","position":0}`, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotNil(t, decode[Task](t, rec).CompletedAt)

	rec = do(a, http.MethodGet, "/api/admin/tasks", "", asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	board := decode[map[string][]BoardColumn](t, rec)["columns"]
	require.Len(t, board, 4)
	assert.Len(t, board[3].Tasks, 1)

	rec = do(a, http.MethodGet, "/api/admin/tasks/stats", "", asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[TaskStats](t, rec).ByStatus[TaskDone])
}

func TestMediaUpload(t *testing.T) {
	a, _ := newTestApp(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "Holiday Photo.png")
	require.NoError(t, err)
	_, err = fw.Write(testPNG(t, 120, 80))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("alt", "Beach"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/admin/media", &body)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	asAdmin(req)
	rec := httptest.NewRecorder()
	a.Echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	out := decode[struct {
		Media  Media  `json:"media"`
		Markup string `json:"markup"`
	}](t, rec)
	assert.Equal(t, "holiday-photo.jpg", out.Media.Filename)
	assert.Equal(t, "/media/holiday-photo.jpg", out.Media.URL)
	assert.Equal(t, "![Beach](/media/holiday-photo.jpg){center|120|80}", out.Markup)
	_, err = os.Stat(filepath.Join(a.Config.MediaDir, "holiday-photo.jpg"))
	require.NoError(t, err)

	rec = do(a, http.MethodGet, "/media/holiday-photo.jpg", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(a, http.MethodDelete, "/api/admin/media/"+itoa(out.Media.ID), "", asAdmin)
	require.Equal(t, http.StatusNoContent, rec.Code)
	_, err = os.Stat(filepath.Join(a.Config.MediaDir, "thumbs", "holiday-photo.jpg"))
	assert.True(t, os.IsNotExist(err))
}

func TestPublicEndpoints(t *testing.T) {
	a, _ := newTestApp(t)
	publish(t, a, "Feed Post", "body")

	rec := do(a, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(a, http.MethodGet, "/feed.xml", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "application/rss+xml")
	assert.Contains(t, rec.Body.String(), "https://example.test/blog/feed-post")

	rec = do(a, http.MethodGet, "/sitemap.xml", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<loc>https://example.test/blog/feed-post</loc>")

	rec = do(a, http.MethodGet, "/api/tags", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tag":"go"`)

	rec = do(a, http.MethodGet, "/api/content/videos/feed-post", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(a, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(a, http.MethodGet, "/metrics", "", asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "folio_content_views_total")
}

type slowMailer struct {
	captureMailer
	delay time.Duration
}

func (m *slowMailer) Send(ctx context.Context, msg notify.Email) error {
	time.Sleep(m.delay)
	return m.captureMailer.Send(ctx, msg)
}

func TestCloseWaitsForPendingMail(t *testing.T) {
	dir := t.TempDir()
	mailer := &slowMailer{delay: 200 * time.Millisecond}
	a := New(SiteConfig{
		URL:           "https://example.test",
		AdminToken:    testToken,
		SessionSecret: "0123456789abcdef0123456789abcdef",
		DBDSN:         filepath.Join(dir, "test.db"),
		MediaDir:      filepath.Join(dir, "media"),
	}, WithLogger(zerolog.Nop()), WithMailer(mailer), WithNotifier(notify.Nop{}))
	require.NoError(t, a.Init(context.Background()))

	rec := do(a, http.MethodPost, "/api/newsletter/subscribe", `{"email":"late@example.com"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Empty(t, mailer.messages(), "mail is sent in the background")

	require.NoError(t, a.Close())
	assert.Len(t, mailer.messages(), 1)
}
