package folio

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/a-h/templ"
	"github.com/go-playground/form"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"

	"github.com/eringen/folio/database"
	"github.com/eringen/folio/notify"
)

// SubscriberStatus is where a subscriber is in the double opt-in flow.
type SubscriberStatus string

const (
	SubscriberPending      SubscriberStatus = "pending"
	SubscriberActive       SubscriberStatus = "active"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"
)

const mailTimeout = 30 * time.Second

// Subscriber is a newsletter address.
type Subscriber struct {
	ID             int64            `json:"id,string"`
	Email          string           `json:"email"`
	Name           string           `json:"name"`
	Status         SubscriberStatus `json:"status"`
	Token          string           `json:"-"`
	Source         string           `json:"source"`
	CreatedAt      time.Time        `json:"created_at"`
	ConfirmedAt    *time.Time       `json:"confirmed_at"`
	UnsubscribedAt *time.Time       `json:"unsubscribed_at"`
}

// SubscribeInput is a signup, posted as JSON or a urlencoded form.
type SubscribeInput struct {
	Email  string `json:"email" form:"email" validate:"required,email,max=254"`
	Name   string `json:"name" form:"name" validate:"max=80"`
	Source string `json:"source" form:"source" validate:"max=80"`
}

type subscriberRow struct {
	ID             int64          `db:"id"`
	Email          string         `db:"email"`
	Name           string         `db:"name"`
	Status         string         `db:"status"`
	Token          string         `db:"token"`
	Source         string         `db:"source"`
	CreatedAt      string         `db:"created_at"`
	ConfirmedAt    sql.NullString `db:"confirmed_at"`
	UnsubscribedAt sql.NullString `db:"unsubscribed_at"`
}

func (r subscriberRow) subscriber() Subscriber {
	return Subscriber{
		ID:             r.ID,
		Email:          r.Email,
		Name:           r.Name,
		Status:         SubscriberStatus(r.Status),
		Token:          r.Token,
		Source:         r.Source,
		CreatedAt:      database.ParseTimestamp(r.CreatedAt),
		ConfirmedAt:    database.ParseNullTimestamp(r.ConfirmedAt),
		UnsubscribedAt: database.ParseNullTimestamp(r.UnsubscribedAt),
	}
}

const subscriberColumns = `id, email, name, status, token, source, created_at, confirmed_at, unsubscribed_at`

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func selectSubscriber(ctx context.Context, q queryer, where string, args ...any) (Subscriber, error) {
	var rows []subscriberRow
	if err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(`SELECT `+subscriberColumns+` FROM subscribers WHERE `+where), args...); err != nil {
		return Subscriber{}, err
	}
	if len(rows) == 0 {
		return Subscriber{}, ErrNotFound
	}
	return rows[0].subscriber(), nil
}

// Subscribe records a signup. send reports whether a confirmation email
// is due: new and pending addresses get one, unsubscribed addresses
// return to pending with a fresh token, active addresses are left alone.
func (s *Store) Subscribe(ctx context.Context, in SubscribeInput) (sub Subscriber, send bool, err error) {
	email := normalizeEmail(in.Email)
	now := database.Timestamp(s.now())
	err = database.Tx(ctx, s.db, func(tx *sqlx.Tx) error {
		cur, err := selectSubscriber(ctx, tx, `email = ?`, email)
		switch {
		case errors.Is(err, ErrNotFound):
			sub = Subscriber{
				ID:     database.NextID(),
				Email:  email,
				Name:   strings.TrimSpace(in.Name),
				Status: SubscriberPending,
				Token:  uuid.NewString(),
				Source: in.Source,
			}
			send = true
			_, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO subscribers (id, email, name, status, token, source, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`),
				sub.ID, sub.Email, sub.Name, sub.Status, sub.Token, sub.Source, now)
			return err
		case err != nil:
			return err
		}

		sub = cur
		switch cur.Status {
		case SubscriberPending:
			send = true
		case SubscriberUnsubscribed:
			sub.Status, sub.Token, sub.UnsubscribedAt = SubscriberPending, uuid.NewString(), nil
			send = true
			_, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE subscribers SET status = ?, token = ?, unsubscribed_at = NULL WHERE id = ?`),
				sub.Status, sub.Token, sub.ID)
			return err
		}
		return nil
	})
	if isUniqueViolation(err) {
		// A concurrent signup for the same address won the insert.
		return s.Subscribe(ctx, in)
	}
	if err != nil {
		return Subscriber{}, false, fmt.Errorf("subscribe: %w", err)
	}
	return sub, send, nil
}

// ConfirmSubscriber activates the subscriber holding token. Confirming an
// active subscriber is a no-op.
func (s *Store) ConfirmSubscriber(ctx context.Context, token string) (Subscriber, bool, error) {
	sub, err := selectSubscriber(ctx, s.db, `token = ?`, token)
	if err != nil {
		return Subscriber{}, false, err
	}
	switch sub.Status {
	case SubscriberActive:
		return sub, false, nil
	case SubscriberUnsubscribed:
		return sub, false, fmt.Errorf("%w: subscription was cancelled", ErrInvalidTransition)
	}
	now := s.now().UTC().Truncate(time.Second)
	if _, err := s.db.ExecContext(ctx, s.q(`
		UPDATE subscribers SET status = ?, confirmed_at = ? WHERE id = ? AND status = ?`),
		SubscriberActive, database.Timestamp(now), sub.ID, SubscriberPending); err != nil {
		return Subscriber{}, false, fmt.Errorf("confirm subscriber: %w", err)
	}
	sub.Status, sub.ConfirmedAt = SubscriberActive, &now
	return sub, true, nil
}

// UnsubscribeToken cancels the subscription holding token.
func (s *Store) UnsubscribeToken(ctx context.Context, token string) (Subscriber, error) {
	sub, err := selectSubscriber(ctx, s.db, `token = ?`, token)
	if err != nil {
		return Subscriber{}, err
	}
	if sub.Status == SubscriberUnsubscribed {
		return sub, nil
	}
	now := s.now().UTC().Truncate(time.Second)
	if _, err := s.db.ExecContext(ctx, s.q(`
		UPDATE subscribers SET status = ?, unsubscribed_at = ? WHERE id = ?`),
		SubscriberUnsubscribed, database.Timestamp(now), sub.ID); err != nil {
		return Subscriber{}, fmt.Errorf("unsubscribe: %w", err)
	}
	sub.Status, sub.UnsubscribedAt = SubscriberUnsubscribed, &now
	return sub, nil
}

// ListSubscribers returns subscribers, optionally of one status, newest first.
func (s *Store) ListSubscribers(ctx context.Context, status SubscriberStatus) ([]Subscriber, error) {
	where, args := "", []any{}
	if status != "" {
		where, args = `WHERE status = ?`, append(args, status)
	}
	var rows []subscriberRow
	if err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+subscriberColumns+` FROM subscribers `+where+
		` ORDER BY created_at DESC, id DESC`), args...); err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	out := make([]Subscriber, len(rows))
	for i, r := range rows {
		out[i] = r.subscriber()
	}
	return out, nil
}

// CountSubscribers counts subscribers with status.
func (s *Store) CountSubscribers(ctx context.Context, status SubscriberStatus) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM subscribers WHERE status = ?`), status)
	return n, err
}

// DeleteSubscriber removes a subscriber.
func (s *Store) DeleteSubscriber(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM subscribers WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete subscriber %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// writeSubscribersCSV writes subs with a header row.
func writeSubscribersCSV(w io.Writer, subs []Subscriber) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"email", "name", "status", "source", "created_at", "confirmed_at"})
	for _, s := range subs {
		confirmed := ""
		if s.ConfirmedAt != nil {
			confirmed = database.Timestamp(*s.ConfirmedAt)
		}
		_ = cw.Write([]string{s.Email, s.Name, string(s.Status), s.Source, database.Timestamp(s.CreatedAt), confirmed})
	}
	cw.Flush()
	return cw.Error()
}

// Pages and email

var formDecoder = form.NewDecoder()

// messagePage is the minimal HTML page shown for confirm and unsubscribe links.
func messagePage(site, title, message string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := fmt.Fprintf(w, `<!doctype html>
<html lang="en"><head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1">
<title>%s | %s</title></head>
<body><main><h1>%s</h1><p>%s</p></main></body></html>`,
			templ.EscapeString(title), templ.EscapeString(site),
			templ.EscapeString(title), templ.EscapeString(message))
		return err
	})
}

func confirmEmailBody(site, confirmURL, unsubscribeURL string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := fmt.Fprintf(w, `<p>Please confirm your subscription to %s.</p>
<p><a href="%s">Confirm subscription</a></p>
<p style="font-size:12px">Didn't sign up? Ignore this email or <a href="%s">unsubscribe</a>.</p>`,
			templ.EscapeString(site), templ.EscapeString(confirmURL), templ.EscapeString(unsubscribeURL))
		return err
	})
}

func (a *App) confirmationEmail(sub Subscriber) (notify.Email, error) {
	confirmURL := BuildURL(a.Config.URL, "newsletter", "confirm", sub.Token)
	unsubscribeURL := BuildURL(a.Config.URL, "newsletter", "unsubscribe", sub.Token)
	var buf bytes.Buffer
	if err := confirmEmailBody(a.Config.Name, confirmURL, unsubscribeURL).Render(context.Background(), &buf); err != nil {
		return notify.Email{}, err
	}
	return notify.Email{
		ToName:  sub.Name,
		ToEmail: sub.Email,
		Subject: "Confirm your subscription to " + a.Config.Name,
		Text:    fmt.Sprintf("Confirm your subscription to %s:\n%s\n\nUnsubscribe: %s\n", a.Config.Name, confirmURL, unsubscribeURL),
		HTML:    buf.String(),
	}, nil
}

func (a *App) sendConfirmation(sub Subscriber) {
	msg, err := a.confirmationEmail(sub)
	if err != nil {
		a.Log.Error().Err(err).Msg("render confirmation email")
		return
	}
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), mailTimeout)
		defer cancel()
		if err := a.mailer.Send(ctx, msg); err != nil {
			a.Log.Error().Err(err).Str("to", msg.ToEmail).Msg("send confirmation email")
		}
	}()
}

// Handlers

func bindSubscribe(c echo.Context, in *SubscribeInput) error {
	ct := c.Request().Header.Get(echo.HeaderContentType)
	if strings.HasPrefix(ct, echo.MIMEApplicationForm) || strings.HasPrefix(ct, echo.MIMEMultipartForm) {
		values, err := c.FormParams()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
		}
		if err := formDecoder.Decode(in, values); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
		}
		return c.Validate(in)
	}
	return bindValid(c, in)
}

func (a *App) handleSubscribe(c echo.Context) error {
	if !a.subscribeLimiter.Allow(c.RealIP()) {
		return fmt.Errorf("%w: too many signups, try again later", ErrRateLimited)
	}
	var in SubscribeInput
	if err := bindSubscribe(c, &in); err != nil {
		return err
	}
	sub, send, err := a.Store.Subscribe(c.Request().Context(), in)
	if err != nil {
		return err
	}
	if send {
		a.metrics.subscriptions.WithLabelValues("subscribe").Inc()
		a.sendConfirmation(sub)
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"message": "If the address is valid, a confirmation email is on its way.",
	})
}

func (a *App) handleConfirm(c echo.Context) error {
	sub, changed, err := a.Store.ConfirmSubscriber(c.Request().Context(), c.Param("token"))
	switch {
	case errors.Is(err, ErrNotFound):
		return RenderStatus(c, http.StatusNotFound, messagePage(a.Config.Name, "Link not found",
			"This confirmation link is invalid or has expired."))
	case errors.Is(err, ErrInvalidTransition):
		return RenderStatus(c, http.StatusConflict, messagePage(a.Config.Name, "Subscription cancelled",
			"This address was unsubscribed. Sign up again to receive the newsletter."))
	case err != nil:
		return err
	}
	if changed {
		a.metrics.subscriptions.WithLabelValues("confirm").Inc()
		notify.Async(&a.background, a.notifier, "New newsletter subscriber: "+sub.Email)
	}
	return Render(c, messagePage(a.Config.Name, "Subscription confirmed",
		"Thanks! You will receive new posts by email."))
}

func (a *App) handleUnsubscribe(c echo.Context) error {
	_, err := a.Store.UnsubscribeToken(c.Request().Context(), c.Param("token"))
	if errors.Is(err, ErrNotFound) {
		return RenderStatus(c, http.StatusNotFound, messagePage(a.Config.Name, "Link not found",
			"This unsubscribe link is invalid."))
	}
	if err != nil {
		return err
	}
	a.metrics.subscriptions.WithLabelValues("unsubscribe").Inc()
	return Render(c, messagePage(a.Config.Name, "Unsubscribed",
		"You will no longer receive the newsletter."))
}

func subscriberStatusQuery(c echo.Context) (SubscriberStatus, error) {
	status := SubscriberStatus(c.QueryParam("status"))
	switch status {
	case "", SubscriberPending, SubscriberActive, SubscriberUnsubscribed:
		return status, nil
	}
	return "", echo.NewHTTPError(http.StatusBadRequest, "unknown status")
}

func (a *App) handleListSubscribers(c echo.Context) error {
	status, err := subscriberStatusQuery(c)
	if err != nil {
		return err
	}
	subs, err := a.Store.ListSubscribers(c.Request().Context(), status)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"subscribers": subs, "total": len(subs)})
}

func (a *App) handleExportSubscribers(c echo.Context) error {
	status, err := subscriberStatusQuery(c)
	if err != nil {
		return err
	}
	subs, err := a.Store.ListSubscribers(c.Request().Context(), status)
	if err != nil {
		return err
	}
	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/csv; charset=utf-8")
	h.Set(echo.HeaderContentDisposition, `attachment; filename="subscribers-`+
		strconv.FormatInt(a.Store.now().Unix(), 10)+`.csv"`)
	c.Response().WriteHeader(http.StatusOK)
	return writeSubscribersCSV(c.Response(), subs)
}

func (a *App) handleDeleteSubscriber(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	if err := a.Store.DeleteSubscriber(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
