// Package store persists messages and session status records.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store is the message store. All timestamps it writes are UTC.
type Store struct {
	db *gorm.DB
}

// New wraps a migrated GORM connection.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	return &Store{db: db}, nil
}

// Filter narrows message queries. Zero-valued fields are ignored.
type Filter struct {
	SenderID     string
	SenderMobile string
	SessionID    string
	Direction    string
	Scheduled    *bool
	Statuses     []string
	SentFrom     time.Time // inclusive, on sent_at
	SentTo       time.Time // inclusive, on sent_at
}

// Page controls ordering and pagination of Find.
type Page struct {
	Offset int
	Limit  int
	Order  string // raw ORDER BY; defaults to "created_at DESC"
}

// Bool returns a pointer to b, for Filter.Scheduled.
func Bool(b bool) *bool { return &b }

func (f Filter) apply(q *gorm.DB) *gorm.DB {
	if f.SenderID != "" {
		q = q.Where("sender_id = ?", f.SenderID)
	}
	if f.SenderMobile != "" {
		q = q.Where("sender_mobile = ?", f.SenderMobile)
	}
	if f.SessionID != "" {
		q = q.Where("session_id = ?", f.SessionID)
	}
	if f.Direction != "" {
		q = q.Where("direction = ?", f.Direction)
	}
	if f.Scheduled != nil {
		q = q.Where("scheduled = ?", *f.Scheduled)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("scheduled_status IN ?", f.Statuses)
	}
	if !f.SentFrom.IsZero() {
		q = q.Where("sent_at >= ?", f.SentFrom.UTC())
	}
	if !f.SentTo.IsZero() {
		q = q.Where("sent_at <= ?", f.SentTo.UTC())
	}
	return q
}

// Insert stores a new message.
func (s *Store) Insert(ctx context.Context, msg *models.Message) error {
	if msg.SessionID == "" {
		return fmt.Errorf("store: insert: session id is required")
	}
	if msg.Direction == "" {
		return fmt.Errorf("store: insert: direction is required")
	}
	if msg.ScheduledStatus == "" {
		msg.ScheduledStatus = models.StatusSent
	}
	if msg.ContentType == "" {
		msg.ContentType = models.ContentText
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("store: insert: %w", err)
	}
	return nil
}

// FindByID returns one message.
func (s *Store) FindByID(ctx context.Context, id uint) (*models.Message, error) {
	var msg models.Message
	err := s.db.WithContext(ctx).First(&msg, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find %d: %w", id, err)
	}
	return &msg, nil
}

// Find returns messages matching f, ordered and paginated by p.
func (s *Store) Find(ctx context.Context, f Filter, p Page) ([]models.Message, error) {
	q := f.apply(s.db.WithContext(ctx).Model(&models.Message{}))
	order := p.Order
	if order == "" {
		order = "created_at DESC"
	}
	q = q.Order(order)
	if p.Offset > 0 {
		q = q.Offset(p.Offset)
	}
	if p.Limit > 0 {
		q = q.Limit(p.Limit)
	}
	var msgs []models.Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("store: find: %w", err)
	}
	return msgs, nil
}

// Count returns the number of messages matching f.
func (s *Store) Count(ctx context.Context, f Filter) (int64, error) {
	var n int64
	if err := f.apply(s.db.WithContext(ctx).Model(&models.Message{})).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

// UpdateByID applies fields to one message. Map keys are column names.
func (s *Store) UpdateByID(ctx context.Context, id uint, fields map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("store: update %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Due returns scheduled, pending messages whose scheduled time is at or
// before now, oldest first.
func (s *Store) Due(ctx context.Context, now time.Time) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.WithContext(ctx).
		Where("scheduled = ? AND scheduled_status = ? AND scheduled_time <= ?",
			true, models.StatusPending, now.UTC()).
		Order("scheduled_time ASC, id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("store: due: %w", err)
	}
	return msgs, nil
}

// FinishScheduled moves a pending scheduled message to a terminal status and
// clears its scheduled flag. It only touches rows still pending, so a
// terminal message is never mutated again; the bool reports whether a row
// changed.
func (s *Store) FinishScheduled(ctx context.Context, id uint, status string, sentAt *time.Time, reason string) (bool, error) {
	if status != models.StatusScheduledSent && status != models.StatusFailed {
		return false, fmt.Errorf("store: finish %d: %q is not terminal", id, status)
	}
	fields := map[string]interface{}{
		"scheduled":        false,
		"scheduled_status": status,
		"fail_reason":      reason,
	}
	if sentAt != nil {
		fields["sent_at"] = sentAt.UTC()
	}
	result := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND scheduled = ? AND scheduled_status = ?", id, true, models.StatusPending).
		Updates(fields)
	if result.Error != nil {
		return false, fmt.Errorf("store: finish %d: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// CountSentBetween counts outgoing messages a session sent in [from, to].
func (s *Store) CountSentBetween(ctx context.Context, sessionID string, from, to time.Time) (int64, error) {
	return s.Count(ctx, Filter{
		SessionID: sessionID,
		Direction: models.DirectionOutgoing,
		Statuses:  []string{models.StatusSent, models.StatusScheduledSent},
		SentFrom:  from,
		SentTo:    to,
	})
}

// HasProtocolID reports whether a message with the transport id exists for
// the session.
func (s *Store) HasProtocolID(ctx context.Context, sessionID, protocolID string) (bool, error) {
	if protocolID == "" {
		return false, nil
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("session_id = ? AND protocol_id = ?", sessionID, protocolID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("store: protocol id lookup: %w", err)
	}
	return n > 0, nil
}

// UpsertLogin records that a session bound to mobile and is logged in. One
// row per session id; repeated logins overwrite it.
func (s *Store) UpsertLogin(ctx context.Context, sessionID, userID, mobile string, at time.Time) error {
	at = at.UTC()
	rec := models.SessionRecord{
		SessionID:  sessionID,
		UserID:     userID,
		Mobile:     mobile,
		IsLoggedIn: true,
		LoginTime:  &at,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"user_id":      userID,
			"mobile":       mobile,
			"is_logged_in": true,
			"login_time":   at,
			"logout_time":  nil,
			"updated_at":   at,
		}),
	}).Create(&rec)
	if result.Error != nil {
		return fmt.Errorf("store: upsert login %s: %w", sessionID, result.Error)
	}
	return nil
}

// MarkLoggedOut flags the session record logged out. A missing record is not
// an error: sessions that never connected have none.
func (s *Store) MarkLoggedOut(ctx context.Context, sessionID string, at time.Time) error {
	at = at.UTC()
	result := s.db.WithContext(ctx).Model(&models.SessionRecord{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{
			"is_logged_in": false,
			"logout_time":  at,
		})
	if result.Error != nil {
		return fmt.Errorf("store: mark logged out %s: %w", sessionID, result.Error)
	}
	return nil
}

// FindSession returns the status record for a session.
func (s *Store) FindSession(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	var rec models.SessionRecord
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find session %s: %w", sessionID, err)
	}
	return &rec, nil
}

// CountSessionRecords counts status records for a session id.
func (s *Store) CountSessionRecords(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.SessionRecord{}).
		Where("session_id = ?", sessionID).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("store: count sessions: %w", err)
	}
	return n, nil
}
