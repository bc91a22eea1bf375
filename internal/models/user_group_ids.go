package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// UserGroupIDs stores user group identifiers as a JSON array.
type UserGroupIDs []uint64

// Value implements driver.Valuer for database serialization.
func (ids UserGroupIDs) Value() (driver.Value, error) {
	data, errMarshal := json.Marshal(ids.Values())
	if errMarshal != nil {
		return nil, fmt.Errorf("user group ids marshal: %w", errMarshal)
	}
	return string(data), nil
}

// Scan implements sql.Scanner for database deserialization.
func (ids *UserGroupIDs) Scan(value any) error {
	if ids == nil {
		return fmt.Errorf("user group ids scan: nil receiver")
	}
	switch typed := value.(type) {
	case nil:
		*ids = UserGroupIDs{}
		return nil
	case []byte:
		return ids.parse(typed)
	case string:
		return ids.parse([]byte(typed))
	case int64:
		if typed <= 0 {
			*ids = UserGroupIDs{}
			return nil
		}
		*ids = UserGroupIDs{uint64(typed)}
		return nil
	default:
		return fmt.Errorf("user group ids scan: unsupported type %T", value)
	}
}

func (ids *UserGroupIDs) parse(data []byte) error {
	if len(data) == 0 {
		*ids = UserGroupIDs{}
		return nil
	}
	var list []uint64
	if errList := json.Unmarshal(data, &list); errList == nil {
		*ids = UserGroupIDs(list).Values()
		return nil
	}
	var single uint64
	if errSingle := json.Unmarshal(data, &single); errSingle == nil {
		*ids = UserGroupIDs{single}.Values()
		return nil
	}
	return fmt.Errorf("user group ids scan: invalid json")
}

// Values returns unique non-zero ids in their original order.
func (ids UserGroupIDs) Values() UserGroupIDs {
	out := make(UserGroupIDs, 0, len(ids))
	seen := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// GormDBDataType picks the JSON column type for the active dialect.
func (UserGroupIDs) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	switch db.Dialector.Name() {
	case "postgres":
		return "JSONB"
	case "mysql":
		return "JSON"
	default:
		return "TEXT"
	}
}
