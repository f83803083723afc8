// Package outbox is the outbound send path shared by the API and the
// scheduler: payload building, single and bulk sends under the daily cap,
// and intake of scheduled messages.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zulandar/courier/internal/conn"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/pacing"
	"github.com/zulandar/courier/internal/retry"
	"github.com/zulandar/courier/internal/session"
)

// ErrInvalid marks a request rejected before anything was sent.
var ErrInvalid = errors.New("outbox: invalid request")

// Default captions for bulk media without caption or message text.
const (
	DefaultImageCaption = "📸 Image"
	DefaultVideoCaption = "🎥 Video"
)

// Sessions resolves live sessions.
type Sessions interface {
	Lookup(id string) (*session.Live, bool)
}

// Store is the slice of the message store the outbox writes to.
type Store interface {
	Insert(ctx context.Context, msg *models.Message) error
}

// Opts configures an Outbox.
type Opts struct {
	Sessions Sessions
	Store    Store
	Quota    *pacing.Quota
	Pacer    *pacing.Pacer
	Retry    *retry.Executor
	Location *time.Location // wall-clock zone for scheduled times without offset
	Now      func() time.Time
}

// Outbox sends messages through live sessions and records them.
type Outbox struct {
	sessions Sessions
	store    Store
	quota    *pacing.Quota
	pacer    *pacing.Pacer
	retry    *retry.Executor
	loc      *time.Location
	now      func() time.Time
}

// New validates opts and creates an Outbox.
func New(opts Opts) (*Outbox, error) {
	if opts.Sessions == nil {
		return nil, fmt.Errorf("outbox: sessions are required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("outbox: store is required")
	}
	if opts.Quota == nil {
		return nil, fmt.Errorf("outbox: quota is required")
	}
	o := &Outbox{
		sessions: opts.Sessions,
		store:    opts.Store,
		quota:    opts.Quota,
		pacer:    opts.Pacer,
		retry:    opts.Retry,
		loc:      opts.Location,
		now:      opts.Now,
	}
	if o.pacer == nil {
		o.pacer = pacing.NewPacer(pacing.DefaultBase, pacing.DefaultJitter, true)
	}
	if o.retry == nil {
		o.retry = &retry.Executor{Attempts: retry.DefaultAttempts, Wait: o.pacer.Wait}
	}
	if o.loc == nil {
		o.loc = time.Local
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Retry returns the executor used for every send.
func (o *Outbox) Retry() *retry.Executor { return o.retry }

// SendRequest is one immediate send.
type SendRequest struct {
	SessionID string
	User      string
	To        string
	Message   string
	MediaURL  string
	Caption   string
}

func (o *Outbox) live(id string) (*session.Live, error) {
	l, ok := o.sessions.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrNotConnected, id)
	}
	return l, nil
}

// SendText sends a text message.
func (o *Outbox) SendText(ctx context.Context, req SendRequest) (*models.Message, error) {
	if strings.TrimSpace(req.To) == "" || req.Message == "" {
		return nil, fmt.Errorf("%w: to and message are required", ErrInvalid)
	}
	l, err := o.live(req.SessionID)
	if err != nil {
		return nil, err
	}
	msg := &models.Message{Content: req.Message, ContentType: models.ContentText}
	return o.deliver(ctx, l, req.User, req.To, msg)
}

// SendMedia sends a media message; the content type follows the URL.
func (o *Outbox) SendMedia(ctx context.Context, req SendRequest) (*models.Message, error) {
	if strings.TrimSpace(req.To) == "" || req.MediaURL == "" {
		return nil, fmt.Errorf("%w: to and mediaUrl are required", ErrInvalid)
	}
	l, err := o.live(req.SessionID)
	if err != nil {
		return nil, err
	}
	msg := &models.Message{
		Content:     req.Caption,
		Caption:     req.Caption,
		ContentType: ContentTypeFor(req.MediaURL),
		MediaURL:    req.MediaURL,
	}
	return o.deliver(ctx, l, req.User, req.To, msg)
}

// deliver sends msg through l with retries and records it as sent.
func (o *Outbox) deliver(ctx context.Context, l *session.Live, user, to string, msg *models.Message) (*models.Message, error) {
	payload := BuildPayload(msg)
	var protocolID string
	_, err := o.retry.Do(ctx, func(ctx context.Context) error {
		id, err := l.Send(ctx, to, payload)
		protocolID = id
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("outbox: send to %s: %w", to, err)
	}

	o.record(ctx, l, user, to, msg, protocolID)
	return msg, nil
}

// record stores a delivered message. A storage failure is logged; the send
// already happened.
func (o *Outbox) record(ctx context.Context, l *session.Live, user, to string, msg *models.Message, protocolID string) {
	now := o.now().UTC()
	if user == "" {
		user = l.Owner
	}
	msg.SenderID = &user
	msg.SenderMobile = l.Mobile
	msg.ReceiverMobile = conn.MobileFromJID(conn.NormalizeJID(to))
	msg.SessionID = l.ID
	msg.Direction = models.DirectionOutgoing
	msg.ScheduledStatus = models.StatusSent
	msg.SentAt = &now
	msg.ProtocolID = protocolID
	if err := o.store.Insert(ctx, msg); err != nil {
		log.WithFields(log.Fields{"session": l.ID, "to": to}).WithError(err).Warn("outbox: record sent message")
	}
}

// BulkRequest sends one message to many recipients.
type BulkRequest struct {
	SessionID string
	User      string
	Numbers   []string
	Message   string
	MediaURL  string
	Caption   string
	Delay     time.Duration // base delay between sends; zero uses the pacer's
}

// BulkResult reports what a bulk send did. Sent plus Remaining never exceeds
// the daily limit.
type BulkResult struct {
	Requested   int `json:"requested"`
	Allowed     int `json:"allowed"`
	Attempted   int `json:"attempted"`
	Sent        int `json:"sent"`
	Failed      int `json:"failed"`
	AlreadySent int `json:"alreadySent"`
	Remaining   int `json:"remaining"`
}

// SendBulk sends to as many recipients as today's allowance permits, pacing
// between sends. The allowance is held for the whole batch so concurrent
// requests on the same session cannot spend it twice. A recipient that still fails after the retry budget is
// counted and skipped. Quota rejection happens before any send.
func (o *Outbox) SendBulk(ctx context.Context, req BulkRequest) (BulkResult, error) {
	var numbers []string
	for _, n := range req.Numbers {
		if n = strings.TrimSpace(n); n != "" {
			numbers = append(numbers, n)
		}
	}
	res := BulkResult{Requested: len(numbers)}
	if len(numbers) == 0 {
		return res, fmt.Errorf("%w: numbers are required", ErrInvalid)
	}
	if req.Message == "" && req.MediaURL == "" {
		return res, fmt.Errorf("%w: message or mediaUrl is required", ErrInvalid)
	}
	l, err := o.live(req.SessionID)
	if err != nil {
		return res, err
	}

	grant, err := o.quota.Reserve(ctx, req.SessionID, len(numbers))
	res.AlreadySent = grant.AlreadySent
	res.Remaining = grant.Remaining
	if err != nil {
		return res, err
	}
	defer grant.Release()
	res.Allowed = grant.Granted

	for i, number := range numbers[:grant.Granted] {
		if i > 0 {
			if err := o.pacer.WaitFrom(ctx, req.Delay); err != nil {
				return res, fmt.Errorf("outbox: bulk send interrupted: %w", err)
			}
		}
		res.Attempted++

		msg := o.bulkMessage(req)
		if _, err := o.deliver(ctx, l, req.User, number, msg); err != nil {
			res.Failed++
			log.WithFields(log.Fields{"session": req.SessionID, "to": number}).WithError(err).Warn("outbox: bulk recipient failed")
			continue
		}
		res.Sent++
	}

	res.Remaining = grant.Remaining - res.Sent
	log.WithFields(log.Fields{
		"session":   req.SessionID,
		"sent":      res.Sent,
		"failed":    res.Failed,
		"allowed":   res.Allowed,
		"requested": res.Requested,
	}).Info("outbox: bulk send complete")
	return res, nil
}

func (o *Outbox) bulkMessage(req BulkRequest) *models.Message {
	if req.MediaURL == "" {
		return &models.Message{Content: o.pacer.Text(req.Message), ContentType: models.ContentText}
	}
	image := IsImage(req.MediaURL)
	caption := req.Caption
	if caption == "" {
		caption = req.Message
	}
	if caption == "" {
		if image {
			caption = DefaultImageCaption
		} else {
			caption = DefaultVideoCaption
		}
	}
	kind := models.ContentVideo
	if image {
		kind = models.ContentImage
	}
	return &models.Message{Content: caption, Caption: caption, ContentType: kind, MediaURL: req.MediaURL}
}

// ScheduleRequest stores a message for later dispatch.
type ScheduleRequest struct {
	SessionID string
	User      string
	To        string
	Message   string
	MediaURL  string
	Caption   string
	At        time.Time
}

// Schedule stores a pending scheduled message. The session must be live so
// the sender mobile is known; the scheduler checks liveness again at dispatch.
func (o *Outbox) Schedule(ctx context.Context, req ScheduleRequest) (*models.Message, error) {
	if strings.TrimSpace(req.To) == "" {
		return nil, fmt.Errorf("%w: to is required", ErrInvalid)
	}
	if req.Message == "" && req.Caption == "" && req.MediaURL == "" {
		return nil, fmt.Errorf("%w: message, caption or mediaUrl is required", ErrInvalid)
	}
	if req.At.IsZero() {
		return nil, fmt.Errorf("%w: scheduledTime is required", ErrInvalid)
	}
	l, err := o.live(req.SessionID)
	if err != nil {
		return nil, err
	}

	content := req.Message
	if content == "" {
		content = req.Caption
	}
	at := req.At.UTC()
	user := req.User
	if user == "" {
		user = l.Owner
	}
	msg := &models.Message{
		SenderID:        &user,
		SenderMobile:    l.Mobile,
		ReceiverMobile:  conn.MobileFromJID(conn.NormalizeJID(req.To)),
		Content:         content,
		Caption:         req.Caption,
		ContentType:     ContentTypeFor(req.MediaURL),
		MediaURL:        req.MediaURL,
		SessionID:       req.SessionID,
		Direction:       models.DirectionOutgoing,
		Scheduled:       true,
		ScheduledTime:   &at,
		ScheduledStatus: models.StatusPending,
	}
	if err := o.store.Insert(ctx, msg); err != nil {
		return nil, fmt.Errorf("outbox: schedule: %w", err)
	}
	log.WithFields(log.Fields{"session": req.SessionID, "message_id": msg.ID, "at": at}).Info("outbox: message scheduled")
	return msg, nil
}

// ParseScheduledTime accepts RFC3339 (offset honoured) or a wall-clock time
// without offset, read in loc. The result is UTC.
func ParseScheduledTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: scheduledTime is required", ErrInvalid)
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: scheduledTime %q is not a valid time", ErrInvalid, s)
}

// Location returns the zone used for offset-less scheduled times.
func (o *Outbox) Location() *time.Location { return o.loc }
