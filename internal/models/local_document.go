package models

import (
	"time"

	"gorm.io/datatypes"
)

// LocalDocument is one replicated row in the embedded store. Every remote
// partitioned table for a logical entity collapses into a single collection
// here; frequently-filtered fields are promoted to real columns and the rest
// of the row travels in the Fields JSON blob.
type LocalDocument struct {
	Collection   string            `gorm:"primaryKey;size:128" json:"collection"`
	DocID        string            `gorm:"primaryKey;size:128;column:doc_id" json:"id"`
	Name         string            `gorm:"size:512;index" json:"name"`
	ParentID     string            `gorm:"size:128;index" json:"parent_id"`
	PartitionKey string            `gorm:"size:128;index" json:"partition_key"`
	Fields       datatypes.JSONMap `gorm:"type:json" json:"fields"`
	// RemoteUpdatedAt is the remote writer's timestamp, used for
	// last-write-wins comparison. It is distinct from gorm's UpdatedAt,
	// which tracks local writes only.
	RemoteUpdatedAt time.Time `gorm:"index" json:"remote_updated_at"`
	Deleted         bool      `gorm:"index" json:"deleted"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
