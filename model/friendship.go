package model

import "time"

// Friendship edge statuses.
const (
	FriendPending  = "PENDING"
	FriendAccepted = "ACCEPTED"
	FriendRejected = "REJECTED"
)

// Friendship is one directed edge requester → target. An accepted friendship
// is stored as two mirrored ACCEPTED edges. At most one edge exists per
// ordered pair.
type Friendship struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RequesterID int64     `gorm:"uniqueIndex:idx_friendship_pair;not null" json:"requester_id"`
	TargetID    int64     `gorm:"uniqueIndex:idx_friendship_pair;index:idx_friendship_target;not null" json:"target_id"`
	Status      string    `gorm:"size:16;not null;default:PENDING" json:"status"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
