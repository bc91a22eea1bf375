package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/quota"
	internalsettings "github.com/router-for-me/CLIProxyAPIQuota/internal/settings"
	log "github.com/sirupsen/logrus"
)

// SettingHandler manages the admin-editable quota settings.
type SettingHandler struct {
	store       *internalsettings.Store // Settings snapshot backed by the settings table.
	invalidator quota.RuleInvalidator   // Cleared after every change.
}

// NewSettingHandler constructs a settings handler.
func NewSettingHandler(store *internalsettings.Store, invalidator quota.RuleInvalidator) *SettingHandler {
	return &SettingHandler{store: store, invalidator: invalidator}
}

// updateSettingRequest captures the payload for updating a setting.
type updateSettingRequest struct {
	Value json.RawMessage `json:"value"` // New JSON value.
}

// List returns all known settings sorted by key.
func (h *SettingHandler) List(c *gin.Context) {
	snapshot := h.store.Snapshot()
	keys := make([]string, 0, len(snapshot))
	for key := range snapshot {
		if internalsettings.IsKnownKey(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := make([]gin.H, 0, len(keys))
	for _, key := range keys {
		out = append(out, formatSetting(key, snapshot[key]))
	}
	c.JSON(http.StatusOK, gin.H{"settings": out})
}

// Get returns a setting by key.
func (h *SettingHandler) Get(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	if !internalsettings.IsKnownKey(key) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	value, ok := h.store.Value(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, formatSetting(key, value))
}

// Update validates and stores a setting value, then drops cached rules so
// new defaults apply immediately.
func (h *SettingHandler) Update(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key"})
		return
	}
	var body updateSettingRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if errValidate := internalsettings.ValidateValue(key, body.Value); errValidate != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errValidate.Error()})
		return
	}
	if errSet := h.store.Set(c.Request.Context(), key, body.Value); errSet != nil {
		log.WithError(errSet).Warn("admin: update setting failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	if h.invalidator != nil {
		if errInvalidate := h.invalidator.Invalidate(c.Request.Context()); errInvalidate != nil {
			log.WithError(errInvalidate).Warn("admin: invalidate quota cache failed")
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// formatSetting formats a setting into response JSON.
func formatSetting(key string, value json.RawMessage) gin.H {
	return gin.H{
		"key":   key,
		"value": value,
	}
}
