package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/router-for-me/CLIProxyAPIQuota/internal/config"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/security"
)

func TestValidatePort(t *testing.T) {
	for _, port := range []int{1, 8318, 65535} {
		if err := validatePort(port); err != nil {
			t.Fatalf("port %d: unexpected error %v", port, err)
		}
	}
	for _, port := range []int{0, -1, 65536} {
		if err := validatePort(port); err == nil {
			t.Fatalf("port %d: expected error", port)
		}
	}
}

func TestRunInitAndIssueToken(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	t.Setenv(config.EnvJWTSecret, "")
	t.Setenv(config.EnvJWTExpiry, "")
	path := filepath.Join(t.TempDir(), "config.yaml")

	var out bytes.Buffer
	args := []string{"-config", path, "-init", "-issue-admin-token", "ops"}
	if err := run(context.Background(), args, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	token := strings.TrimSpace(out.String())
	if token == "" {
		t.Fatalf("expected a token on stdout")
	}

	jwtCfg, _ := config.LoadJWTConfig(path)
	claims, err := security.ParseAdminToken(jwtCfg.Secret, token)
	if err != nil {
		t.Fatalf("ParseAdminToken: %v", err)
	}
	if claims.Subject != "ops" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
}

func TestRunMissingConfig(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	t.Setenv(config.EnvDBConnection, "")
	path := filepath.Join(t.TempDir(), "missing.yaml")
	if err := run(context.Background(), []string{"-config", path}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for missing config")
	}
}

func TestRunMigrate(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	t.Setenv(config.EnvDBConnection, "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := run(context.Background(), []string{"-config", path, "-init", "-migrate"}, &bytes.Buffer{}); err != nil {
		t.Fatalf("run: %v", err)
	}
}
