package models

import (
	"time"
)

// SyncCheckpoint is the per-collection pull watermark. It only ever moves
// forward; readers subtract a small overlap window to tolerate clock skew
// between remote writers.
type SyncCheckpoint struct {
	Collection        string    `gorm:"primaryKey;size:128"`
	LastSeenUpdatedAt time.Time `gorm:"index"`
	UpdatedAt         time.Time
}
