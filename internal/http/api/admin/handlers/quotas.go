package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/quota"
	log "github.com/sirupsen/logrus"
)

// QuotaHandler exposes rule administration, usage reports and ledger maintenance.
type QuotaHandler struct {
	engine       *quota.Engine
	config       quota.ConfigProvider
	allowOnError func() bool
}

// NewQuotaHandler constructs a QuotaHandler. allowOnError decides the Check
// answer when usage cannot be read.
func NewQuotaHandler(engine *quota.Engine, config quota.ConfigProvider, allowOnError func() bool) *QuotaHandler {
	return &QuotaHandler{engine: engine, config: config, allowOnError: allowOnError}
}

// ListRules returns every rule with labelled assignments.
func (h *QuotaHandler) ListRules(c *gin.Context) {
	rules, errList := h.engine.Admin.GetRules(c.Request.Context())
	if errList != nil {
		writeQuotaError(c, errList, "list rules failed")
		return
	}
	if rules == nil {
		rules = []quota.RuleView{}
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

// CreateRule adds an empty rule to be filled in by UpdateRule.
func (h *QuotaHandler) CreateRule(c *gin.Context) {
	rule, errAdd := h.engine.Admin.AddRule(c.Request.Context())
	if errAdd != nil {
		writeQuotaError(c, errAdd, "create rule failed")
		return
	}
	c.JSON(http.StatusCreated, formatRule(rule))
}

// UpdateRule replaces a rule's fields and assignments.
func (h *QuotaHandler) UpdateRule(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var body quota.RuleInput
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	rule, errUpdate := h.engine.Admin.UpdateRule(c.Request.Context(), id, body)
	if errUpdate != nil {
		writeQuotaError(c, errUpdate, "update rule failed")
		return
	}
	c.JSON(http.StatusOK, formatRule(rule))
}

// DeleteRule removes a rule and its assignments.
func (h *QuotaHandler) DeleteRule(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	if errDelete := h.engine.Admin.DeleteRule(c.Request.Context(), id); errDelete != nil {
		writeQuotaError(c, errDelete, "delete rule failed")
		return
	}
	c.Status(http.StatusNoContent)
}

// Overview returns the consumption status of one identity for every type.
func (h *QuotaHandler) Overview(c *gin.Context) {
	identity := strings.TrimSpace(c.Param("identity"))
	if identity == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing identity"})
		return
	}
	statuses, errOverview := h.engine.Gate.Overview(c.Request.Context(), identity)
	if errOverview != nil {
		writeQuotaError(c, errOverview, "load quota status failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": identity, "quotas": statuses})
}

// Report lists usage of one type in [start, end). end defaults to the end of
// the current second and start to one period before end.
func (h *QuotaHandler) Report(c *gin.Context) {
	t, errType := models.ParseQuotaType(c.DefaultQuery("type", models.QuotaTypeText.String()))
	if errType != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid type"})
		return
	}
	end := time.Now().UTC().Truncate(time.Second).Add(time.Second)
	if raw := strings.TrimSpace(c.Query("end")); raw != "" {
		parsed, errParse := parseTimeParam(raw)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end"})
			return
		}
		end = parsed
	}
	start := end.AddDate(0, 0, -h.periodDays())
	if raw := strings.TrimSpace(c.Query("start")); raw != "" {
		parsed, errParse := parseTimeParam(raw)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start"})
			return
		}
		start = parsed
	}

	rows, errReport := h.engine.Reporter.Report(c.Request.Context(), start, end, t)
	if errReport != nil {
		writeQuotaError(c, errReport, "build report failed")
		return
	}
	if rows == nil {
		rows = []quota.ReportRow{}
	}
	c.JSON(http.StatusOK, gin.H{
		"type":  t.String(),
		"unit":  t.Unit(),
		"start": start,
		"end":   end,
		"rows":  rows,
	})
}

// meterRequest reports usage measured outside the relay.
type meterRequest struct {
	Identity string `json:"identity"` // Consuming identity.
	Type     string `json:"type"`     // Quota type name or number.
	Units    int64  `json:"units"`    // Consumed units.
}

// RecordUsage meters usage reported by an external service.
func (h *QuotaHandler) RecordUsage(c *gin.Context) {
	var body meterRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	t, errType := models.ParseQuotaType(body.Type)
	if errType != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid type"})
		return
	}
	identity := strings.TrimSpace(body.Identity)
	if errMeter := h.engine.Recorder.Meter(c.Request.Context(), identity, t, body.Units); errMeter != nil {
		writeQuotaError(c, errMeter, "record usage failed")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true})
}

// checkRequest asks whether an identity may start a metered action.
type checkRequest struct {
	Identity          string `json:"identity"`           // Acting identity.
	Type              string `json:"type"`               // Quota type name or number.
	SharedCredentials bool   `json:"shared_credentials"` // Action runs on shared upstream credentials.
}

// Check runs the enforcement gate for an action served outside the relay,
// such as image or speech generation.
func (h *QuotaHandler) Check(c *gin.Context) {
	var body checkRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	t, errType := models.ParseQuotaType(body.Type)
	if errType != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid type"})
		return
	}
	identity := strings.TrimSpace(body.Identity)
	if identity == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing identity"})
		return
	}

	ctx := c.Request.Context()
	if body.SharedCredentials {
		ctx = quota.WithSharedCredentials(ctx)
	}
	exceeded, errCheck := h.engine.Gate.IsQuotaExceeded(ctx, identity, t)
	if errCheck != nil {
		log.WithError(errCheck).WithField("identity", identity).Warn("admin: quota check failed")
		if h.allowOnError != nil && h.allowOnError() {
			c.JSON(http.StatusOK, gin.H{"identity": identity, "type": t.String(), "exceeded": false, "degraded": true})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "quota unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": identity, "type": t.String(), "exceeded": exceeded})
}

// PurgeIdentity deletes every usage event of one identity.
func (h *QuotaHandler) PurgeIdentity(c *gin.Context) {
	deleted, errPurge := h.engine.Ledger.PurgeIdentity(c.Request.Context(), c.Param("identity"))
	if errPurge != nil {
		writeQuotaError(c, errPurge, "purge usage failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// PurgeType deletes every usage event of one type.
func (h *QuotaHandler) PurgeType(c *gin.Context) {
	t, errType := models.ParseQuotaType(c.Param("type"))
	if errType != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid type"})
		return
	}
	deleted, errPurge := h.engine.Ledger.PurgeType(c.Request.Context(), t)
	if errPurge != nil {
		writeQuotaError(c, errPurge, "purge usage failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// Cleanup runs the retention job immediately.
func (h *QuotaHandler) Cleanup(c *gin.Context) {
	result, errRun := h.engine.Cleaner.RunOnce(c.Request.Context())
	if errRun != nil {
		writeQuotaError(c, errRun, "cleanup failed")
		return
	}
	c.JSON(http.StatusOK, result)
}

// Types lists the meterable quota types.
func (h *QuotaHandler) Types(c *gin.Context) {
	out := make([]gin.H, 0, len(models.AllQuotaTypes()))
	for _, t := range models.AllQuotaTypes() {
		out = append(out, gin.H{"type": t, "name": t.String(), "unit": t.Unit()})
	}
	c.JSON(http.StatusOK, gin.H{"types": out})
}

func (h *QuotaHandler) periodDays() int {
	if h.config == nil {
		return quota.DefaultPeriodDays
	}
	return h.config().Period()
}

// formatRule formats a stored rule into response JSON.
func formatRule(rule *models.QuotaRule) gin.H {
	entities := make([]quota.EntityRef, 0, len(rule.Entities))
	for _, entity := range rule.Entities {
		entities = append(entities, quota.EntityRef{EntityType: entity.EntityType, EntityID: entity.EntityID})
	}
	return gin.H{
		"id":         rule.ID,
		"type":       rule.Type,
		"type_name":  rule.Type.String(),
		"amount":     rule.Amount,
		"priority":   rule.Priority,
		"pool":       rule.Pool,
		"entities":   entities,
		"created_at": rule.CreatedAt,
		"updated_at": rule.UpdatedAt,
	}
}

// writeQuotaError maps quota errors onto HTTP status codes.
func writeQuotaError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, quota.ErrInvalidRule), errors.Is(err, quota.ErrInvalidUsage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, quota.ErrRuleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		log.WithError(err).Warn("admin: " + fallback)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

// parseIDParam reads the :id path parameter, answering 400 when it is invalid.
func parseIDParam(c *gin.Context) (uint64, bool) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// parseTimeParam accepts RFC 3339 timestamps, dates or unix seconds.
func parseTimeParam(raw string) (time.Time, error) {
	if seconds, errInt := strconv.ParseInt(raw, 10, 64); errInt == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	if parsed, errRFC := time.Parse(time.RFC3339, raw); errRFC == nil {
		return parsed.UTC(), nil
	}
	parsed, errDate := time.Parse(time.DateOnly, raw)
	if errDate != nil {
		return time.Time{}, errDate
	}
	return parsed.UTC(), nil
}
