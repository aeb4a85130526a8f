package model

import "time"

// Message types. ReadReceipt is only ever sent live, never stored.
const (
	MsgText        = "TEXT"
	MsgImage       = "IMAGE"
	MsgReadReceipt = "READ_RECEIPT"
)

// ChatMessage is one persisted direct message.
type ChatMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SenderID   int64     `gorm:"index:idx_chat_pair,priority:1;not null" json:"sender_id"`
	ReceiverID int64     `gorm:"index:idx_chat_pair,priority:2;index:idx_chat_receiver;not null" json:"receiver_id"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	Type       string    `gorm:"size:16;not null;default:TEXT" json:"type"`
	IsRead     bool      `gorm:"not null;default:false" json:"is_read"`
	CreatedAt  time.Time `gorm:"index:idx_chat_created;autoCreateTime:milli" json:"created_at"`
}
