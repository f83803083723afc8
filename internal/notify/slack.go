package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
)

const maxRetries = 3

// slackClient abstracts the Slack Web API method the sink uses.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackOpts configures a SlackSink.
type SlackOpts struct {
	BotToken string
	Channel  string
	Client   slackClient // optional; built from BotToken when nil
}

// SlackSink posts events into a Slack channel.
type SlackSink struct {
	client  slackClient
	channel string
}

// NewSlackSink validates opts and builds a SlackSink.
func NewSlackSink(opts SlackOpts) (*SlackSink, error) {
	if opts.Channel == "" {
		return nil, fmt.Errorf("notify: slack: channel is required")
	}
	client := opts.Client
	if client == nil {
		if opts.BotToken == "" {
			return nil, fmt.Errorf("notify: slack: bot token is required")
		}
		client = slackapi.New(opts.BotToken)
	}
	return &SlackSink{client: client, channel: opts.Channel}, nil
}

// Name implements Sink.
func (s *SlackSink) Name() string { return "slack" }

// Deliver implements Sink.
func (s *SlackSink) Deliver(ctx context.Context, ev Event) error {
	summary := Summary(ev)
	att := slackapi.Attachment{
		Title:    ev.Name,
		Text:     summary,
		Color:    eventColor(ev.Name),
		Fallback: summary,
		Fields: []slackapi.AttachmentField{
			{Title: "Session", Value: ev.SessionID, Short: true},
			{Title: "At", Value: ev.At.Format(time.RFC3339), Short: true},
		},
	}
	err := retryOnRateLimit(ctx, func() error {
		_, _, err := s.client.PostMessageContext(ctx, s.channel,
			slackapi.MsgOptionText(summary, false),
			slackapi.MsgOptionAttachments(att),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("notify: slack: post: %w", err)
	}
	return nil
}

// retryOnRateLimit calls fn and retries on Slack rate limit errors, honouring
// RetryAfter and ctx.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
