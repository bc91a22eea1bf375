package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
	log "github.com/sirupsen/logrus"
)

// QuotaChecker answers whether an identity has used up its quota.
type QuotaChecker interface {
	IsQuotaExceeded(ctx context.Context, identity string, t models.QuotaType) (bool, error)
}

// quotaRoutes maps the metered relay paths to their quota. The relay only
// serves text generation; other types are gated through the admin check endpoint.
var quotaRoutes = map[string]models.QuotaType{
	"/v1/chat/completions": models.QuotaTypeText,
	"/v1/completions":      models.QuotaTypeText,
	"/v1/messages":         models.QuotaTypeText,
	"/v1/responses":        models.QuotaTypeText,
}

// QuotaTypeForPath returns the quota a relay request consumes.
func QuotaTypeForPath(requestPath string) (models.QuotaType, bool) {
	requestPath = strings.TrimSuffix(requestPath, "/")
	if t, ok := quotaRoutes[requestPath]; ok {
		return t, true
	}
	// Gemini routes carry the action after the model name: /v1beta/models/<model>:<action>.
	if rest, ok := strings.CutPrefix(requestPath, "/v1beta/models/"); ok {
		if idx := strings.LastIndex(rest, ":"); idx >= 0 {
			switch rest[idx+1:] {
			case "generateContent", "streamGenerateContent":
				return models.QuotaTypeText, true
			}
		}
	}
	return 0, false
}

// QuotaGateMiddleware rejects metered relay calls from identities over their
// ceiling. allowOnError decides whether requests pass when usage cannot be read.
func QuotaGateMiddleware(gate QuotaChecker, allowOnError func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if gate == nil || c.Request.Method != http.MethodPost {
			return
		}
		t, ok := QuotaTypeForPath(c.Request.URL.Path)
		if !ok {
			return
		}
		identity := strings.TrimSpace(c.GetString(IdentityContextKey))
		if identity == "" {
			return
		}

		exceeded, errCheck := gate.IsQuotaExceeded(c.Request.Context(), identity, t)
		if errCheck != nil {
			log.WithError(errCheck).WithFields(log.Fields{
				"identity": identity,
				"type":     t.String(),
			}).Warn("quota gate: check failed")
			if allowOnError != nil && allowOnError() {
				return
			}
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "quota unavailable"})
			return
		}
		if exceeded {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "quota exceeded",
				"type":  t.String(),
			})
			return
		}
	}
}
