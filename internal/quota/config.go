package quota

import (
	"time"

	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
)

const (
	// DefaultPeriodDays is the rolling window length when none is configured.
	DefaultPeriodDays = 30
	// DefaultNotificationWindow is how long an exceeded notification suppresses repeats.
	DefaultNotificationWindow = time.Hour
	// MinRetentionDays is the floor below which cleanup never deletes usage.
	MinRetentionDays = 30
)

// Config holds the values the engine reads on every call.
type Config struct {
	DefaultAmounts     map[models.QuotaType]int64
	PeriodDays         int
	NotificationWindow time.Duration
}

// ConfigProvider supplies the latest configuration snapshot.
type ConfigProvider func() Config

// StaticConfig returns a provider that always yields cfg.
func StaticConfig(cfg Config) ConfigProvider {
	return func() Config { return cfg }
}

// DefaultAmount returns the default ceiling for t. Unset means unlimited.
func (c Config) DefaultAmount(t models.QuotaType) int64 {
	amount := c.DefaultAmounts[t]
	if amount < 0 {
		return 0
	}
	return amount
}

// Period returns the configured window in days, at least one.
func (c Config) Period() int {
	if c.PeriodDays < 1 {
		return 1
	}
	return c.PeriodDays
}

// RetentionDays returns how many days of usage cleanup keeps.
func (c Config) RetentionDays() int {
	if period := c.Period(); period > MinRetentionDays {
		return period
	}
	return MinRetentionDays
}

// Window returns the notification dedup window.
func (c Config) Window() time.Duration {
	if c.NotificationWindow <= 0 {
		return DefaultNotificationWindow
	}
	return c.NotificationWindow
}

func (p ConfigProvider) get() Config {
	if p == nil {
		return Config{PeriodDays: DefaultPeriodDays}
	}
	return p()
}
