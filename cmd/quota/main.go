package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/router-for-me/CLIProxyAPI/v6/sdk/translator/builtin"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/app"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/config"

	log "github.com/sirupsen/logrus"
)

// main runs the CLI entrypoint and exits on unrecoverable command errors.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if errRun := run(ctx, os.Args[1:], os.Stdout); errRun != nil {
		log.WithError(errRun).Error("command failed")
		stop()
		os.Exit(1)
	}
}

// run parses flags, loads config, and dispatches to the selected command.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("quota", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path (or env CONFIG_PATH)")
	port := fs.Int("port", 8318, "server port (used when the config omits one)")
	initConfig := fs.Bool("init", false, "write a default config file when none exists")
	migrate := fs.Bool("migrate", false, "run database migrations and exit")
	tokenSubject := fs.String("issue-admin-token", "", "print an admin API token for the given subject and exit")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}

	if errValidate := validatePort(*port); errValidate != nil {
		return errValidate
	}

	appCfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*cfgPath) != "" {
		appCfg.ConfigPath = config.ResolveConfigPath(*cfgPath)
	}
	configPath := config.ResolveConfigPath(appCfg.ConfigPath)

	if *initConfig {
		errWrite := app.WriteDefaultConfig(configPath, *port)
		switch {
		case errors.Is(errWrite, app.ErrConfigExists):
			log.Infof("config already exists at %s", configPath)
		case errWrite != nil:
			return errWrite
		default:
			log.Infof("wrote default config to %s", configPath)
		}
	}

	if subject := strings.TrimSpace(*tokenSubject); subject != "" {
		token, errIssue := app.IssueAdminToken(appCfg, subject)
		if errIssue != nil {
			return errIssue
		}
		_, errPrint := fmt.Fprintln(stdout, token)
		return errPrint
	}

	if !app.ConfigExists(configPath) && strings.TrimSpace(os.Getenv(config.EnvDBConnection)) == "" {
		return fmt.Errorf("config file %s not found (run with -init to create one)", configPath)
	}

	if *migrate {
		if errMigrate := app.Migrate(ctx, appCfg); errMigrate != nil {
			return errMigrate
		}
		log.Info("migrations applied")
		return nil
	}

	return app.RunServer(ctx, appCfg, *port)
}

func validatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}
	return nil
}
