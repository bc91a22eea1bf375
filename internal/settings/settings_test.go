package settings

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
	"gorm.io/gorm"
)

func TestParseNonNegativeInt(t *testing.T) {
	cases := []struct {
		raw    string
		want   int64
		wantOK bool
	}{
		{raw: "10", want: 10, wantOK: true},
		{raw: `"42"`, want: 42, wantOK: true},
		{raw: "3.0", want: 3, wantOK: true},
		{raw: "3.5", wantOK: false},
		{raw: "-1", want: -1, wantOK: false},
		{raw: `"abc"`, wantOK: false},
		{raw: "", wantOK: false},
	}
	for _, tc := range cases {
		got, ok := ParseNonNegativeInt(json.RawMessage(tc.raw))
		if ok != tc.wantOK {
			t.Fatalf("ParseNonNegativeInt(%q) ok = %v, want %v", tc.raw, ok, tc.wantOK)
		}
		if ok && got != tc.want {
			t.Fatalf("ParseNonNegativeInt(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}
}

func TestDefaultAmountKey(t *testing.T) {
	if got := DefaultAmountKey(models.QuotaTypeTranscription); got != QuotaDefaultTranscriptionKey {
		t.Fatalf("unexpected key %q", got)
	}
	if got := DefaultAmountKey(models.QuotaType(99)); got != "" {
		t.Fatalf("expected empty key for unknown type, got %q", got)
	}
	if !IsKnownKey(QuotaPeriodDaysKey) || IsKnownKey("SITE_NAME") {
		t.Fatalf("unexpected known-key result")
	}
}

func TestValidateValue(t *testing.T) {
	if err := ValidateValue(QuotaPeriodDaysKey, json.RawMessage("0")); err == nil {
		t.Fatalf("expected period of 0 days to be rejected")
	}
	if err := ValidateValue(QuotaDefaultTextKey, json.RawMessage("0")); err != nil {
		t.Fatalf("zero ceiling should be accepted: %v", err)
	}
	if err := ValidateValue("UNKNOWN", json.RawMessage("1")); err == nil {
		t.Fatalf("expected unknown key to be rejected")
	}
}

func TestStoreSetAndRefresh(t *testing.T) {
	conn, errOpen := gorm.Open(sqlite.Open("file:"+filepath.Join(t.TempDir(), "settings.db")), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := conn.AutoMigrate(&models.Setting{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	ctx := context.Background()
	store := NewStore(conn)
	if err := store.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, ok := store.Int(QuotaPeriodDaysKey); ok {
		t.Fatalf("expected empty snapshot")
	}

	if err := store.Set(ctx, QuotaPeriodDaysKey, json.RawMessage("7")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, QuotaPeriodDaysKey, json.RawMessage("14")); err != nil {
		t.Fatalf("set again: %v", err)
	}
	if err := store.Set(ctx, QuotaPeriodDaysKey, json.RawMessage(`"x"`)); err == nil {
		t.Fatalf("expected invalid value to be rejected")
	}
	if got, ok := store.Int(QuotaPeriodDaysKey); !ok || got != 14 {
		t.Fatalf("snapshot value = %d, %v", got, ok)
	}

	other := NewStore(conn)
	if err := other.Refresh(ctx); err != nil {
		t.Fatalf("refresh other: %v", err)
	}
	if got, ok := other.Int(QuotaPeriodDaysKey); !ok || got != 14 {
		t.Fatalf("persisted value = %d, %v", got, ok)
	}
	if len(other.Snapshot()) != 1 {
		t.Fatalf("expected a single row after upserts")
	}
}
