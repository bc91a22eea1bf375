package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdkaccess "github.com/router-for-me/CLIProxyAPI/v6/sdk/access"
	sdkapi "github.com/router-for-me/CLIProxyAPI/v6/sdk/api"
	sdkhandlers "github.com/router-for-me/CLIProxyAPI/v6/sdk/api/handlers"
	sdkcliproxy "github.com/router-for-me/CLIProxyAPI/v6/sdk/cliproxy"
	sdkconfig "github.com/router-for-me/CLIProxyAPI/v6/sdk/config"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/cache"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/config"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/db"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/directory"
	relayhttp "github.com/router-for-me/CLIProxyAPIQuota/internal/http"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/http/api/admin"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/quota"
	internalsettings "github.com/router-for-me/CLIProxyAPIQuota/internal/settings"
	internalusage "github.com/router-for-me/CLIProxyAPIQuota/internal/usage"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Migrate opens the database, runs migrations and seeds settings.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	serverCfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return err
	}
	_, err = openDatabase(configPath, serverCfg)
	return err
}

// RunServer boots the relay with quota enforcement and the admin API.
func RunServer(ctx context.Context, cfg config.AppConfig, defaultPort int) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	serverCfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return err
	}
	applyLogLevel(serverCfg.LogLevel)

	conn, err := openDatabase(configPath, serverCfg)
	if err != nil {
		return err
	}

	settingsStore := internalsettings.NewStore(conn)
	if errRefresh := settingsStore.Refresh(ctx); errRefresh != nil {
		return errRefresh
	}
	settingsStore.Start(ctx)

	jwtConfig, _ := config.LoadJWTConfig(configPath)
	if strings.TrimSpace(jwtConfig.Secret) == "" {
		log.Warn("jwt secret is empty, admin API will reject every request")
	}

	cacheManager := cache.NewManager(cacheConfigProvider(serverCfg.Redis), nil, nil)
	defer func() {
		if errClose := cacheManager.Close(); errClose != nil {
			log.WithError(errClose).Warn("close cache")
		}
	}()

	quotaConfig := quotaConfigProvider(serverCfg.Quota, settingsStore)
	dir := directory.New(conn)
	quotaEngine := quota.New(quota.Options{
		DB:          conn,
		Cache:       cacheManager,
		Locker:      cacheManager,
		Config:      quotaConfig,
		Groups:      dir,
		Names:       dir,
		Credentials: dir,
		Notifier:    quota.MultiNotifier{quota.LogNotifier{}, quota.NewDBNotifier(conn)},
		Metrics:     quota.NewMetrics(prometheus.DefaultRegisterer),
	})
	quotaEngine.Cleaner.Start(ctx)

	coreCfg, err := loadCoreConfig(configPath)
	if err != nil {
		return err
	}
	if coreCfg.Port <= 0 {
		coreCfg.Port = serverCfg.Port
	}
	if coreCfg.Port <= 0 {
		if defaultPort <= 0 {
			defaultPort = 8318
		}
		coreCfg.Port = defaultPort
	}

	allowOnError := serverCfg.Quota.AllowOnError()
	serverAccessMgr := sdkaccess.NewManager()
	builder := sdkcliproxy.NewBuilder().
		WithConfig(coreCfg).
		WithConfigPath(configPath).
		WithRequestAccessManager(serverAccessMgr).
		WithServerOptions(
			sdkapi.WithMiddleware(
				relayhttp.APIKeyAuthMiddleware(dir),
				relayhttp.QuotaGateMiddleware(quotaEngine.Gate, func() bool { return allowOnError }),
			),
			sdkapi.WithRouterConfigurator(func(engine *gin.Engine, _ *sdkhandlers.BaseAPIHandler, _ *sdkconfig.Config) {
				admin.RegisterAdminRoutes(engine, admin.Deps{
					DB:        conn,
					JWT:       jwtConfig,
					Engine:    quotaEngine,
					Config:    quotaConfig,
					Settings:  settingsStore,
					Directory: dir,

					AllowOnError: func() bool { return allowOnError },
				})
				engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
			}),
		)

	service, err := builder.Build()
	if err != nil {
		return err
	}
	service.RegisterUsagePlugin(internalusage.NewQuotaUsagePlugin(quotaEngine.Recorder))

	// Relay requests are authenticated by APIKeyAuthMiddleware.
	serverAccessMgr.SetProviders(nil)

	log.Infof("starting quota relay with config=%s port=%d redis=%t", configPath, coreCfg.Port, serverCfg.Redis.Enabled)
	return service.Run(ctx)
}

// openDatabase connects, migrates and seeds the settings table from the
// config file. Seeded values never overwrite settings edited by an admin.
func openDatabase(configPath string, serverCfg config.ServerConfig) (*gorm.DB, error) {
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return nil, err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return nil, errMigrate
	}
	if errSeed := db.EnsureSettings(conn, settingDefaults(serverCfg.Quota)); errSeed != nil {
		return nil, errSeed
	}
	return conn, nil
}

func loadCoreConfig(configPath string) (*sdkconfig.Config, error) {
	if ConfigExists(configPath) {
		cfg, errLoad := sdkconfig.LoadConfig(configPath)
		if errLoad != nil {
			return nil, fmt.Errorf("load cliproxy config: %w", errLoad)
		}
		return cfg, nil
	}
	cfg, errLoad := sdkconfig.LoadConfigOptional(configPath, true)
	if errLoad != nil {
		return nil, fmt.Errorf("load cliproxy config: %w", errLoad)
	}
	return cfg, nil
}

// applyLogLevel sets the logrus level, keeping the current one when level is
// empty or unknown.
func applyLogLevel(level string) {
	level = strings.TrimSpace(level)
	if level == "" {
		return
	}
	parsed, errParse := log.ParseLevel(level)
	if errParse != nil {
		log.WithError(errParse).Warnf("ignoring log level %q", level)
		return
	}
	log.SetLevel(parsed)
}
