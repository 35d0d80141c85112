package database

import (
	"gorm.io/gorm"

	"github.com/charlesng35/pawsync/internal/models"
)

// AutoMigrate creates or updates the local replica schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.CacheRecord{},
		&models.LocalDocument{},
		&models.SyncCheckpoint{},
	)
}
