package models

import "time"

// User represents a metered identity and its directory attributes.
type User struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Username string `gorm:"type:varchar(255);not null;uniqueIndex"` // Identity used by quota rules and the ledger.
	Name     string `gorm:"type:text"`                              // Display name.
	Email    string `gorm:"type:text"`                              // Email address.

	GroupIDs UserGroupIDs `gorm:"not null"` // Member user group IDs.
	Groups   []*UserGroup `gorm:"-"`        // Member user groups.

	APIKey         *string `gorm:"type:varchar(255);uniqueIndex"` // Relay key presented by the identity.
	ProviderAPIKey string  `gorm:"type:text"`                     // Personal upstream key; quota does not apply while set.

	Disabled bool `gorm:"not null;default:false"` // Explicit disable flag.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
