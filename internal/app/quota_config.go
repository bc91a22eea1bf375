package app

import (
	"time"

	"github.com/router-for-me/CLIProxyAPIQuota/internal/cache"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/config"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/quota"
	internalsettings "github.com/router-for-me/CLIProxyAPIQuota/internal/settings"
	log "github.com/sirupsen/logrus"
)

// configuredDefaults parses the per-type defaults of the config file. Unknown
// type names are logged and skipped.
func configuredDefaults(qc config.QuotaConfig) map[models.QuotaType]int64 {
	out := make(map[models.QuotaType]int64, len(qc.Defaults))
	for name, amount := range qc.Defaults {
		t, errParse := models.ParseQuotaType(name)
		if errParse != nil {
			log.WithError(errParse).Warnf("config: ignoring quota default %q", name)
			continue
		}
		if amount < 0 {
			amount = 0
		}
		out[t] = amount
	}
	return out
}

// settingDefaults seeds the settings table from the config file.
func settingDefaults(qc config.QuotaConfig) map[string]any {
	out := map[string]any{}
	if qc.PeriodDays > 0 {
		out[internalsettings.QuotaPeriodDaysKey] = qc.PeriodDays
	}
	if minutes := int64(qc.NotificationWindow / time.Minute); minutes > 0 {
		out[internalsettings.QuotaNotificationWindowMinutesKey] = minutes
	}
	for t, amount := range configuredDefaults(qc) {
		out[internalsettings.DefaultAmountKey(t)] = amount
	}
	return out
}

// quotaConfigProvider merges the config file with the live settings snapshot.
// Settings win when present and valid.
func quotaConfigProvider(qc config.QuotaConfig, store *internalsettings.Store) quota.ConfigProvider {
	defaults := configuredDefaults(qc)
	periodDays := qc.PeriodDays
	window := qc.NotificationWindow
	return func() quota.Config {
		cfg := quota.Config{
			DefaultAmounts:     make(map[models.QuotaType]int64, len(defaults)),
			PeriodDays:         periodDays,
			NotificationWindow: window,
		}
		for t, amount := range defaults {
			cfg.DefaultAmounts[t] = amount
		}
		if store == nil {
			return cfg
		}
		for _, t := range models.AllQuotaTypes() {
			if amount, ok := store.Int(internalsettings.DefaultAmountKey(t)); ok {
				cfg.DefaultAmounts[t] = amount
			}
		}
		if days, ok := store.Int(internalsettings.QuotaPeriodDaysKey); ok && days > 0 {
			cfg.PeriodDays = int(days)
		}
		if minutes, ok := store.Int(internalsettings.QuotaNotificationWindowMinutesKey); ok && minutes > 0 {
			cfg.NotificationWindow = time.Duration(minutes) * time.Minute
		}
		return cfg
	}
}

// cacheConfigProvider adapts the redis section of the config file.
func cacheConfigProvider(rc config.RedisConfig) cache.ConfigProvider {
	return func() cache.Config {
		return cache.Config{
			RedisEnabled:  rc.Enabled && rc.Addr != "",
			RedisAddr:     rc.Addr,
			RedisPassword: rc.Password,
			RedisDB:       rc.DB,
			RedisPrefix:   rc.Prefix,
		}
	}
}
