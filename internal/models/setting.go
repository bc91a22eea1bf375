package models

import (
	"time"

	"gorm.io/datatypes"
)

// Setting stores an admin-editable configuration value as JSON.
type Setting struct {
	Key   string         `gorm:"type:varchar(255);primaryKey"` // Setting key.
	Value datatypes.JSON `gorm:"not null"`                     // JSON value payload.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
