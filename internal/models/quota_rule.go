package models

import "time"

// EntityType identifies what a rule assignment points at.
type EntityType string

// EntityType constants define assignable entity kinds.
const (
	// EntityTypeUser assigns a rule to a single identity.
	EntityTypeUser EntityType = "user"
	// EntityTypeGroup assigns a rule to every member of a group.
	EntityTypeGroup EntityType = "group"
)

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	return e == EntityTypeUser || e == EntityTypeGroup
}

// QuotaRule defines a usage ceiling for one quota type.
type QuotaRule struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Type     QuotaType `gorm:"not null;default:0;index"` // Metered quota type.
	Amount   int64     `gorm:"not null;default:0"`       // Ceiling per period (0 means unlimited).
	Priority int       `gorm:"not null;default:0;index"` // Lower value wins when several rules match.
	Pool     bool      `gorm:"not null;default:false"`   // Share consumption across all assigned identities.

	Entities []QuotaRuleEntity `gorm:"-"` // Assignments (loaded explicitly).

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// QuotaRuleEntity assigns a rule to a user or group.
type QuotaRuleEntity struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	RuleID     uint64     `gorm:"not null;index"`                                                  // Owning rule ID.
	EntityType EntityType `gorm:"type:varchar(16);not null;index:idx_quota_rule_entities_entity"`  // user or group.
	EntityID   string     `gorm:"type:varchar(255);not null;index:idx_quota_rule_entities_entity"` // User or group identifier.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
