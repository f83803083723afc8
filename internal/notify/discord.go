package notify

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"
)

// discordSession abstracts the discordgo REST call the sink uses. No gateway
// connection is opened; posting an embed only needs the REST API.
type discordSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordOpts configures a DiscordSink.
type DiscordOpts struct {
	BotToken string
	Channel  string
	Session  discordSession // optional; built from BotToken when nil

	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DiscordSink posts events into a Discord channel as embeds.
type DiscordSink struct {
	sess        discordSession
	channel     string
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewDiscordSink validates opts and builds a DiscordSink.
func NewDiscordSink(opts DiscordOpts) (*DiscordSink, error) {
	if opts.Channel == "" {
		return nil, fmt.Errorf("notify: discord: channel is required")
	}
	sess := opts.Session
	if sess == nil {
		if opts.BotToken == "" {
			return nil, fmt.Errorf("notify: discord: bot token is required")
		}
		dg, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("notify: discord: create session: %w", err)
		}
		sess = dg
	}
	s := &DiscordSink{
		sess:        sess,
		channel:     opts.Channel,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
	}
	if s.baseBackoff <= 0 {
		s.baseBackoff = time.Second
	}
	if s.maxBackoff <= 0 {
		s.maxBackoff = 30 * time.Second
	}
	return s, nil
}

// Name implements Sink.
func (s *DiscordSink) Name() string { return "discord" }

// Deliver implements Sink.
func (s *DiscordSink) Deliver(ctx context.Context, ev Event) error {
	embed := &discordgo.MessageEmbed{
		Title:       ev.Name,
		Description: Summary(ev),
		Color:       parseHexColor(eventColor(ev.Name)),
		Timestamp:   ev.At.Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Session", Value: ev.SessionID, Inline: true},
		},
	}
	err := s.retryOnRateLimit(ctx, func() error {
		_, err := s.sess.ChannelMessageSendEmbed(s.channel, embed, discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		return fmt.Errorf("notify: discord: send: %w", err)
	}
	return nil
}

// retryOnRateLimit retries fn with exponential backoff on HTTP 429 responses.
func (s *DiscordSink) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * s.baseBackoff
		if wait > s.maxBackoff {
			wait = s.maxBackoff
		}
		log.WithField("attempt", attempt+1).Debugf("notify: discord rate limited, retrying in %v", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}

// parseHexColor converts "#36a64f" to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}
