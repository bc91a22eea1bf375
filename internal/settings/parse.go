package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseNonNegativeInt decodes a JSON number or numeric string that is >= 0.
func ParseNonNegativeInt(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	var parsedInt int64
	if errUnmarshalInt := json.Unmarshal(raw, &parsedInt); errUnmarshalInt == nil {
		return parsedInt, parsedInt >= 0
	}
	var parsedString string
	if errUnmarshalString := json.Unmarshal(raw, &parsedString); errUnmarshalString == nil {
		parsed, errParse := strconv.ParseInt(strings.TrimSpace(parsedString), 10, 64)
		if errParse != nil {
			return 0, false
		}
		return parsed, parsed >= 0
	}
	var parsedFloat float64
	if errUnmarshalFloat := json.Unmarshal(raw, &parsedFloat); errUnmarshalFloat == nil {
		if math.IsNaN(parsedFloat) || math.IsInf(parsedFloat, 0) {
			return 0, false
		}
		if parsedFloat < 0 || parsedFloat != math.Trunc(parsedFloat) || parsedFloat > math.MaxInt64 {
			return 0, false
		}
		return int64(parsedFloat), true
	}
	return 0, false
}

// ValidateValue checks raw against the value shape expected for key.
func ValidateValue(key string, raw json.RawMessage) error {
	if !IsKnownKey(key) {
		return fmt.Errorf("settings: unknown key %q", key)
	}
	value, ok := ParseNonNegativeInt(raw)
	if !ok {
		return fmt.Errorf("settings: %s must be a non-negative integer", key)
	}
	if key == QuotaPeriodDaysKey && value < 1 {
		return fmt.Errorf("settings: %s must be at least 1", key)
	}
	return nil
}
