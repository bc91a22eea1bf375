package models

// QuotaUsage is one append-only metering event.
type QuotaUsage struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID    string    `gorm:"type:varchar(255);not null;index:idx_quota_usages_user_type,priority:1"` // Consuming identity.
	Type      QuotaType `gorm:"not null;index:idx_quota_usages_user_type,priority:2"`                   // Metered quota type.
	Units     int64     `gorm:"not null;default:0"`                                                     // Units consumed.
	Timestamp int64     `gorm:"not null;index"`                                                         // Unix seconds, assigned on insert.
	PoolID    *uint64   `gorm:"index"`                                                                  // Pooled rule the event counts against.
}
