package models

import (
	"fmt"
	"strconv"
	"strings"
)

// QuotaType identifies a category of metered usage.
type QuotaType int

// QuotaType constants list every meterable resource kind. Adding a kind means adding it here
// and to quotaTypeInfos; nothing else in the engine accepts free-form type strings.
const (
	// QuotaTypeText meters generated text in tokens.
	QuotaTypeText QuotaType = 0
	// QuotaTypeImage meters generated images.
	QuotaTypeImage QuotaType = 1
	// QuotaTypeTranscription meters transcribed audio in seconds.
	QuotaTypeTranscription QuotaType = 2
	// QuotaTypeSpeech meters synthesized speech in characters.
	QuotaTypeSpeech QuotaType = 3
)

type quotaTypeInfo struct {
	name string
	unit string
}

var quotaTypeInfos = map[QuotaType]quotaTypeInfo{
	QuotaTypeText:          {name: "text", unit: "tokens"},
	QuotaTypeImage:         {name: "image", unit: "images"},
	QuotaTypeTranscription: {name: "transcription", unit: "seconds"},
	QuotaTypeSpeech:        {name: "speech", unit: "characters"},
}

// AllQuotaTypes returns every known quota type in ascending order.
func AllQuotaTypes() []QuotaType {
	return []QuotaType{QuotaTypeText, QuotaTypeImage, QuotaTypeTranscription, QuotaTypeSpeech}
}

// Valid reports whether t is a known quota type.
func (t QuotaType) Valid() bool {
	_, ok := quotaTypeInfos[t]
	return ok
}

// String returns the stable lowercase name of the type.
func (t QuotaType) String() string {
	if info, ok := quotaTypeInfos[t]; ok {
		return info.name
	}
	return "unknown(" + strconv.Itoa(int(t)) + ")"
}

// Unit returns the unit the type is metered in.
func (t QuotaType) Unit() string {
	if info, ok := quotaTypeInfos[t]; ok {
		return info.unit
	}
	return ""
}

// ParseQuotaType accepts either the type name or its numeric value.
func ParseQuotaType(raw string) (QuotaType, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return 0, fmt.Errorf("quota type: empty value")
	}
	if n, errAtoi := strconv.Atoi(raw); errAtoi == nil {
		t := QuotaType(n)
		if !t.Valid() {
			return 0, fmt.Errorf("quota type: unknown value %d", n)
		}
		return t, nil
	}
	for t, info := range quotaTypeInfos {
		if info.name == raw {
			return t, nil
		}
	}
	return 0, fmt.Errorf("quota type: unknown name %q", raw)
}
