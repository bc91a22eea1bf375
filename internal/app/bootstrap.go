package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyAPIQuota/internal/config"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/security"
	"gopkg.in/yaml.v3"
)

// defaultSQLitePath is the default SQLite database file name.
const defaultSQLitePath = "quota.db"

// ErrConfigExists is returned when WriteDefaultConfig would overwrite a file.
var ErrConfigExists = errors.New("config file already exists")

// ConfigExists reports whether the config file exists at the path.
func ConfigExists(configPath string) bool {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return false
	}
	return true
}

// buildSQLiteDSN constructs a SQLite DSN with default parameters.
func buildSQLiteDSN(path string) string {
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		dsn = defaultSQLitePath
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = "file:" + dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + strings.Join([]string{
		"_pragma=busy_timeout(5000)",
		"_pragma=journal_mode(WAL)",
		"_pragma=foreign_keys(1)",
		"_pragma=synchronous(NORMAL)",
	}, "&")
}

// configFile maps YAML fields for the generated config file.
type configFile struct {
	Port        int       `yaml:"port"`
	DatabaseDSN string    `yaml:"database-dsn"`
	LogLevel    string    `yaml:"log-level"`
	JWT         jwtCfg    `yaml:"jwt"`
	Redis       redisCfg  `yaml:"redis"`
	Quota       quotaFile `yaml:"quota"`
}

// jwtCfg holds JWT settings for the generated config file.
type jwtCfg struct {
	Secret string `yaml:"secret"`
	Expiry string `yaml:"expiry"`
}

type redisCfg struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type quotaFile struct {
	PeriodDays         int              `yaml:"period-days"`
	NotificationWindow string           `yaml:"notification-window"`
	Defaults           map[string]int64 `yaml:"defaults"`
}

// WriteDefaultConfig writes a SQLite backed config with a fresh JWT secret.
// An existing file is never overwritten.
func WriteDefaultConfig(configPath string, port int) error {
	if ConfigExists(configPath) {
		return ErrConfigExists
	}
	secret, errSecret := security.GenerateSecret(32)
	if errSecret != nil {
		return fmt.Errorf("generate jwt secret: %w", errSecret)
	}

	dir := filepath.Dir(configPath)
	cfg := configFile{
		Port:        port,
		DatabaseDSN: buildSQLiteDSN(filepath.Join(dir, defaultSQLitePath)),
		LogLevel:    "info",
		JWT: jwtCfg{
			Secret: secret,
			Expiry: "720h",
		},
		Redis: redisCfg{Addr: "127.0.0.1:6379"},
		Quota: quotaFile{
			PeriodDays:         30,
			NotificationWindow: "1h",
			Defaults:           map[string]int64{},
		},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if errMkdir := os.MkdirAll(dir, 0755); errMkdir != nil {
		return fmt.Errorf("create config dir: %w", errMkdir)
	}
	if errWrite := os.WriteFile(configPath, data, 0600); errWrite != nil {
		return fmt.Errorf("write config file: %w", errWrite)
	}
	return nil
}

// IssueAdminToken signs an admin token for subject with the configured secret.
func IssueAdminToken(cfg config.AppConfig, subject string) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", fmt.Errorf("issue admin token: empty subject")
	}
	jwtConfig, errLoad := config.LoadJWTConfig(config.ResolveConfigPath(cfg.ConfigPath))
	if errLoad != nil {
		return "", errLoad
	}
	return security.IssueAdminToken(jwtConfig.Secret, subject, jwtConfig.Expiry, time.Now())
}
