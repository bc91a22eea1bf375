package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// poolUsageIndex speeds up pooled consumption sums.
const poolUsageIndex = "idx_quota_usages_pool_ts"

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectPostgres, DialectSQLite, DialectMySQL:
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}

	if errAutoMigrate := conn.AutoMigrate(
		&models.QuotaRule{},
		&models.QuotaRuleEntity{},
		&models.QuotaUsage{},
		&models.UserGroup{},
		&models.User{},
		&models.Setting{},
		&models.Notification{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	if errIndex := ensurePoolUsageIndex(conn); errIndex != nil {
		return errIndex
	}
	return nil
}

// ensurePoolUsageIndex creates the (pool_id, timestamp) index, partial where the dialect allows it.
func ensurePoolUsageIndex(conn *gorm.DB) error {
	var stmt string
	switch DialectName(conn) {
	case DialectMySQL:
		if conn.Migrator().HasIndex(&models.QuotaUsage{}, poolUsageIndex) {
			return nil
		}
		stmt = "CREATE INDEX " + poolUsageIndex + " ON quota_usages (pool_id, `timestamp`)"
	default:
		stmt = `CREATE INDEX IF NOT EXISTS ` + poolUsageIndex +
			` ON quota_usages (pool_id, "timestamp") WHERE pool_id IS NOT NULL`
	}
	if errExec := conn.Exec(stmt).Error; errExec != nil {
		return fmt.Errorf("db: create %s: %w", poolUsageIndex, errExec)
	}
	return nil
}

// EnsureSettings inserts each key with its default when the row is missing or empty.
// Existing values are left untouched so admin edits survive restarts.
func EnsureSettings(conn *gorm.DB, defaults map[string]any) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	for key, value := range defaults {
		if errEnsure := ensureSetting(conn, key, value); errEnsure != nil {
			return errEnsure
		}
	}
	return nil
}

// ensureSetting ensures a JSON setting exists and defaults when empty.
func ensureSetting(conn *gorm.DB, key string, value any) error {
	payload, errMarshal := json.Marshal(value)
	if errMarshal != nil {
		return fmt.Errorf("db: marshal %s setting: %w", key, errMarshal)
	}
	rawValue := datatypes.JSON(payload)

	var existing models.Setting
	errFind := conn.Where(clause.Eq{Column: clause.Column{Name: "key"}, Value: key}).First(&existing).Error
	if errFind == nil {
		trimmed := strings.TrimSpace(string(existing.Value))
		if len(existing.Value) == 0 || trimmed == "" || trimmed == "null" {
			if errUpdate := conn.Model(&existing).Updates(map[string]any{
				"value":      rawValue,
				"updated_at": time.Now().UTC(),
			}).Error; errUpdate != nil {
				return fmt.Errorf("db: update %s setting: %w", key, errUpdate)
			}
		}
		return nil
	} else if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return fmt.Errorf("db: query %s setting: %w", key, errFind)
	}

	now := time.Now().UTC()
	setting := models.Setting{
		Key:       key,
		Value:     rawValue,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if errCreate := conn.Create(&setting).Error; errCreate != nil {
		return fmt.Errorf("db: create %s setting: %w", key, errCreate)
	}
	return nil
}
