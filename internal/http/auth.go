// Package http holds the relay-side gin middleware: API key authentication and
// quota enforcement ahead of the proxied provider routes.
package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/quota"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/usage"
	log "github.com/sirupsen/logrus"
)

// IdentityContextKey is the gin context key holding the authenticated identity.
const IdentityContextKey = "quotaIdentity"

// UserLookup finds the owner of a relay API key.
type UserLookup interface {
	UserForAPIKey(ctx context.Context, key string) (*models.User, error)
}

// IsRelayPath reports whether a path targets the proxied provider routes.
func IsRelayPath(requestPath string) bool {
	for _, prefix := range []string{"/v1", "/v1beta"} {
		if requestPath == prefix || strings.HasPrefix(requestPath, prefix+"/") {
			return true
		}
	}
	return false
}

// APIKeyAuthMiddleware authenticates relay requests by API key and attaches
// the owning identity to the request.
func APIKeyAuthMiddleware(users UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsRelayPath(c.Request.URL.Path) {
			return
		}
		if c.Request.Method == http.MethodOptions {
			return
		}

		key := extractAPIKey(c.Request)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing api key"})
			return
		}
		if users == nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication unavailable"})
			return
		}

		user, errLookup := users.UserForAPIKey(c.Request.Context(), key)
		if errLookup != nil {
			log.WithError(errLookup).Warn("relay auth: api key lookup failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication failed"})
			return
		}
		if user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		if user.Disabled {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user disabled"})
			return
		}

		// The relay always forwards on the shared upstream credentials, so a
		// personal provider key on file never exempts these calls.
		c.Request = c.Request.WithContext(quota.WithSharedCredentials(c.Request.Context()))
		c.Set(IdentityContextKey, user.Username)
		c.Set("accessProvider", "quota-api-key")
		c.Set("accessMetadata", map[string]string{
			"user_id":                 strconv.FormatUint(user.ID, 10),
			usage.IdentityMetadataKey: user.Username,
		})
		c.Next()
	}
}

// extractAPIKey reads the key from the headers and query parameters the
// supported provider SDKs send.
func extractAPIKey(r *http.Request) string {
	if r == nil {
		return ""
	}
	if authHeader := strings.TrimSpace(r.Header.Get("Authorization")); authHeader != "" {
		if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}
	for _, header := range []string{"X-Api-Key", "X-Goog-Api-Key"} {
		if value := strings.TrimSpace(r.Header.Get(header)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("key"))
}
