package settings

import (
	"strings"

	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
)

// DB config keys for admin-editable quota settings.
const (
	// QuotaDefaultTextKey is the default text ceiling in tokens.
	QuotaDefaultTextKey = "QUOTA_DEFAULT_TEXT"
	// QuotaDefaultImageKey is the default image ceiling in images.
	QuotaDefaultImageKey = "QUOTA_DEFAULT_IMAGE"
	// QuotaDefaultTranscriptionKey is the default transcription ceiling in seconds.
	QuotaDefaultTranscriptionKey = "QUOTA_DEFAULT_TRANSCRIPTION"
	// QuotaDefaultSpeechKey is the default speech ceiling in characters.
	QuotaDefaultSpeechKey = "QUOTA_DEFAULT_SPEECH"
	// QuotaPeriodDaysKey is the length of the rolling usage window.
	QuotaPeriodDaysKey = "QUOTA_PERIOD_DAYS"
	// QuotaNotificationWindowMinutesKey is the exceeded-notification dedup window.
	QuotaNotificationWindowMinutesKey = "QUOTA_NOTIFICATION_WINDOW_MINUTES"
)

// DefaultAmountKey returns the settings key holding the default ceiling for t.
func DefaultAmountKey(t models.QuotaType) string {
	if !t.Valid() {
		return ""
	}
	return "QUOTA_DEFAULT_" + strings.ToUpper(t.String())
}

// KnownKeys lists every key the admin surface may write.
func KnownKeys() []string {
	keys := make([]string, 0, len(models.AllQuotaTypes())+2)
	for _, t := range models.AllQuotaTypes() {
		keys = append(keys, DefaultAmountKey(t))
	}
	return append(keys, QuotaPeriodDaysKey, QuotaNotificationWindowMinutesKey)
}

// IsKnownKey reports whether key is an admin-editable setting.
func IsKnownKey(key string) bool {
	for _, known := range KnownKeys() {
		if known == key {
			return true
		}
	}
	return false
}
