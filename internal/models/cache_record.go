package models

import (
	"time"

	"gorm.io/datatypes"
)

// CacheRecord is a dictionary row cached locally by the ID-first fetch
// protocol. The composite key is "namespace::id" so a single table serves
// every dictionary namespace.
type CacheRecord struct {
	Key         string            `gorm:"primaryKey;size:512" json:"key"`
	Namespace   string            `gorm:"size:128;index:idx_cache_ns_name,priority:1" json:"namespace"`
	RecordID    string            `gorm:"size:128;index" json:"id"`
	DisplayName string            `gorm:"size:512;index:idx_cache_ns_name,priority:2" json:"display_name"`
	Extra       datatypes.JSONMap `gorm:"type:json" json:"extra"`
	CachedAt    time.Time         `gorm:"index" json:"cached_at"`
}

// CacheKey builds the composite primary key for a namespaced record.
func CacheKey(namespace, id string) string {
	return namespace + "::" + id
}
