package notify

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// Notifier tells the site owner that something needs attention.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Nop discards notifications.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, string) error { return nil }

type Slack struct {
	api       *slack.Client
	channelID string
	log       zerolog.Logger
}

func NewSlack(token, channelID string, log zerolog.Logger) *Slack {
	return &Slack{
		api:       slack.New(token),
		channelID: channelID,
		log:       log,
	}
}

func (s *Slack) Notify(ctx context.Context, text string) error {
	operation := func() (string, error) {
		_, ts, err := s.api.PostMessageContext(
			ctx,
			s.channelID,
			slack.MsgOptionText(text, false),
		)
		if rl, ok := err.(*slack.RateLimitedError); ok {
			return "", backoff.RetryAfter(int(rl.RetryAfter / time.Second))
		}
		return ts, err
	}
	if _, err := backoff.Retry(ctx, operation, backoff.WithMaxTries(3)); err != nil {
		s.log.Error().Err(err).Str("channel", s.channelID).Msg("failed to send Slack message")
		return err
	}
	s.log.Debug().Str("channel", s.channelID).Msg("Slack message sent")
	return nil
}

// Async runs n.Notify in the background with its own timeout so request
// handlers never wait on Slack. wg tracks the send so shutdown can wait
// for it.
func Async(wg *sync.WaitGroup, n Notifier, text string) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = n.Notify(ctx, text)
	}()
}
