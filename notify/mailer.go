// Package notify delivers outbound messages: transactional email to site
// visitors (newsletter confirmation) and admin notifications to Slack.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Email is a single outbound message.
type Email struct {
	ToName  string
	ToEmail string
	Subject string
	Text    string
	HTML    string
}

// Mailer sends email.
type Mailer interface {
	Send(ctx context.Context, msg Email) error
}

// LogMailer writes messages to the log instead of sending them. It is the
// default when no SendGrid key is configured.
type LogMailer struct {
	Log zerolog.Logger
}

// Send logs msg.
func (m LogMailer) Send(_ context.Context, msg Email) error {
	m.Log.Info().
		Str("to", msg.ToEmail).
		Str("subject", msg.Subject).
		Str("text", msg.Text).
		Msg("email (not sent, no mail provider configured)")
	return nil
}

// SendGrid sends email through the SendGrid v3 API.
type SendGrid struct {
	client     *sendgrid.Client
	from       *sgmail.Email
	subjPrefix string
	maxElapsed time.Duration
	log        zerolog.Logger
}

// NewSendGrid creates a SendGrid mailer sending as fromName <fromEmail>.
func NewSendGrid(key, fromName, fromEmail string, log zerolog.Logger) *SendGrid {
	return &SendGrid{
		client:     sendgrid.NewSendClient(key),
		from:       sgmail.NewEmail(fromName, fromEmail),
		subjPrefix: "[" + fromName + "] ",
		maxElapsed: 2 * time.Minute,
		log:        log,
	}
}

// Send delivers msg, retrying transient failures (network errors, 429,
// and 5xx) with exponential backoff.
func (s *SendGrid) Send(ctx context.Context, msg Email) error {
	m := sgmail.NewSingleEmail(
		s.from,
		s.subjPrefix+msg.Subject,
		sgmail.NewEmail(msg.ToName, msg.ToEmail),
		msg.Text,
		msg.HTML,
	)

	operation := func() (int, error) {
		res, err := s.client.SendWithContext(ctx, m)
		if err != nil {
			return 0, err
		}
		switch {
		case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
			return res.StatusCode, fmt.Errorf("sendgrid: status %d", res.StatusCode)
		case res.StatusCode >= 400:
			return res.StatusCode, backoff.Permanent(fmt.Errorf("sendgrid: status %d: %s", res.StatusCode, res.Body))
		}
		return res.StatusCode, nil
	}

	code, err := backoff.Retry(ctx, operation, backoff.WithMaxElapsedTime(s.maxElapsed))
	if err != nil {
		s.log.Error().Err(err).Str("to", msg.ToEmail).Msg("failed to send email")
		return err
	}
	s.log.Info().Int("status", code).Str("to", msg.ToEmail).Msg("email sent")
	return nil
}
