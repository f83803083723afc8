package models

import "time"

// Message directions.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Scheduled statuses. StatusScheduledSent and StatusFailed are terminal for a
// scheduled message.
const (
	StatusPending       = "pending"
	StatusSent          = "sent"
	StatusScheduledSent = "scheduledSent"
	StatusFailed        = "failed"
)

// Content types, derived from a media URL's extension when one is present.
const (
	ContentText     = "text"
	ContentImage    = "image"
	ContentVideo    = "video"
	ContentAudio    = "audio"
	ContentDocument = "document"
	ContentFile     = "file"
)

// Message records one inbound or outbound message, including scheduled ones
// waiting for dispatch.
type Message struct {
	ID              uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	SenderID        *string    `gorm:"size:64;index" json:"sender"` // nil for inbound
	SenderMobile    string     `gorm:"size:32;not null" json:"senderMobile"`
	ReceiverMobile  string     `gorm:"size:64;not null" json:"receiverMobile"`
	Content         string     `gorm:"type:text" json:"content"`
	ContentType     string     `gorm:"size:16;default:text" json:"contentType"`
	MediaURL        string     `gorm:"size:1024" json:"mediaUrl,omitempty"`
	Caption         string     `gorm:"type:text" json:"caption,omitempty"`
	SessionID       string     `gorm:"size:128;not null;index" json:"sessionId"`
	Direction       string     `gorm:"size:16;not null;index" json:"direction"`
	Scheduled       bool       `gorm:"default:false;index" json:"scheduled"`
	ScheduledTime   *time.Time `gorm:"index" json:"scheduledTime,omitempty"`
	ScheduledStatus string     `gorm:"size:16;default:sent;index" json:"scheduledStatus"`
	SentAt          *time.Time `json:"sentAt,omitempty"`
	ProtocolID      string     `gorm:"size:128;index" json:"protocolId,omitempty"`
	FailReason      string     `gorm:"size:512" json:"failReason,omitempty"`
	CreatedAt       time.Time  `gorm:"index" json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// IsTerminal reports whether a scheduled message has left the pending state.
func (m *Message) IsTerminal() bool {
	return m.ScheduledStatus == StatusScheduledSent || m.ScheduledStatus == StatusFailed
}
