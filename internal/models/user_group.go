package models

import "time"

// UserGroup groups users for quota rule assignment.
type UserGroup struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name        string `gorm:"type:varchar(255);not null;uniqueIndex"` // Group identifier referenced by rule entities.
	DisplayName string `gorm:"type:text"`                              // Human-readable label.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
