package models

import "time"

// SessionRecord is the durable status of a messaging session: which user owns
// it, the mobile identity it bound to, and when it logged in or out. The
// in-memory registry is authoritative for liveness; this row is history.
type SessionRecord struct {
	ID         uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID  string     `gorm:"size:128;not null;uniqueIndex" json:"sessionId"`
	UserID     string     `gorm:"size:64;not null;index" json:"userId"`
	Mobile     string     `gorm:"size:32;not null" json:"mobile"`
	IsLoggedIn bool       `gorm:"default:true;index" json:"isLoggedIn"`
	LoginTime  *time.Time `json:"loginTime,omitempty"`
	LogoutTime *time.Time `json:"logoutTime,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}
