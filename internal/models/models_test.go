package models

import "testing"

func TestParseQuotaType(t *testing.T) {
	cases := map[string]QuotaType{
		"text":          QuotaTypeText,
		" Image ":       QuotaTypeImage,
		"2":             QuotaTypeTranscription,
		"speech":        QuotaTypeSpeech,
		"transcription": QuotaTypeTranscription,
	}
	for raw, want := range cases {
		got, err := ParseQuotaType(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %s, got %s", raw, want, got)
		}
	}
	for _, raw := range []string{"", "video", "4", "-1"} {
		if _, err := ParseQuotaType(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestQuotaTypeValid(t *testing.T) {
	for _, qt := range AllQuotaTypes() {
		if !qt.Valid() {
			t.Fatalf("expected %d to be valid", qt)
		}
		if qt.Unit() == "" {
			t.Fatalf("expected unit for %s", qt)
		}
	}
	if QuotaType(9).Valid() {
		t.Fatalf("expected 9 to be invalid")
	}
	if QuotaType(9).String() != "unknown(9)" {
		t.Fatalf("unexpected name %q", QuotaType(9).String())
	}
}

func TestUserGroupIDsScan(t *testing.T) {
	var ids UserGroupIDs
	if err := ids.Scan([]byte(`[3,0,3,7]`)); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(ids) != 2 || ids[0] != 3 || ids[1] != 7 {
		t.Fatalf("unexpected ids %v", ids)
	}
	if err := ids.Scan("5"); err != nil {
		t.Fatalf("scan single: %v", err)
	}
	if len(ids) != 1 || ids[0] != 5 {
		t.Fatalf("unexpected ids %v", ids)
	}
	if err := ids.Scan(nil); err != nil || len(ids) != 0 {
		t.Fatalf("expected empty ids, got %v (%v)", ids, err)
	}
	if err := ids.Scan("{"); err == nil {
		t.Fatalf("expected invalid json error")
	}
	value, err := UserGroupIDs{2, 2, 9}.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if value.(string) != "[2,9]" {
		t.Fatalf("unexpected value %v", value)
	}
}
