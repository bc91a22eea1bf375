package models

import (
	"time"

	"gorm.io/datatypes"
)

// Notification records a message delivered to an identity.
type Notification struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID  string         `gorm:"type:varchar(255);not null;index"` // Recipient identity.
	Subject string         `gorm:"type:varchar(255);not null"`       // Message subject key.
	Params  datatypes.JSON `gorm:"not null"`                         // Structured message parameters.

	ReadAt    *time.Time `gorm:"index"`                   // Read timestamp.
	CreatedAt time.Time  `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
