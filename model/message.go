package model

import (
	"time"
)

// Message is a mail received on an Account. MessageKey is the per-account
// idempotency key; a re-delivered message collides on idx_message_key.
type Message struct {
	Model
	AccountID        uint64    `gorm:"not null;uniqueIndex:idx_message_key,priority:1" json:"account_id"`
	UID              uint32    `gorm:"not null" json:"uid"`
	MessageKey       string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_message_key,priority:2" json:"message_key"`
	Sender           string    `gorm:"type:text;not null" json:"sender"`
	Recipient        string    `gorm:"type:text;not null" json:"recipient"`
	Subject          string    `gorm:"type:text;not null" json:"subject"`
	Body             string    `gorm:"type:longtext;not null" json:"body,omitempty"`
	ReceivedAt       time.Time `gorm:"not null" json:"received_at"`
	Summary          *string   `gorm:"type:text" json:"summary"`
	ObjectStorageKey string    `gorm:"type:varchar(512);not null;default:''" json:"object_storage_key"`
	Metadata         *Metadata `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE" json:"metadata,omitempty"`
}

// Empty reports whether the message carries neither a header field nor a body.
func (m *Message) Empty() bool {
	return m.Sender == "" && m.Recipient == "" && m.Subject == "" && m.Body == ""
}
