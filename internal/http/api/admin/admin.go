package admin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/config"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/directory"
	handlers "github.com/router-for-me/CLIProxyAPIQuota/internal/http/api/admin/handlers"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/quota"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/security"
	internalsettings "github.com/router-for-me/CLIProxyAPIQuota/internal/settings"
	"gorm.io/gorm"
)

// Deps carries the components served by the admin API.
type Deps struct {
	DB        *gorm.DB
	JWT       config.JWTConfig
	Engine    *quota.Engine
	Config    quota.ConfigProvider
	Settings  *internalsettings.Store
	Directory *directory.Directory

	// AllowOnError decides quota checks when usage cannot be read.
	AllowOnError func() bool
}

// RegisterAdminRoutes registers admin routes, middleware, and handlers.
func RegisterAdminRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.DB == nil || deps.Engine == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(deps.DB)
	r.GET("/healthz", healthHandler.Healthz)

	authed := r.Group("/v0/admin")
	authed.Use(adminAuthMiddleware(deps.JWT))

	resolver := deps.Engine.Resolver

	quotaHandler := handlers.NewQuotaHandler(deps.Engine, deps.Config, deps.AllowOnError)
	authed.GET("/quota/types", quotaHandler.Types)
	authed.GET("/quota/rules", quotaHandler.ListRules)
	authed.POST("/quota/rules", quotaHandler.CreateRule)
	authed.PUT("/quota/rules/:id", quotaHandler.UpdateRule)
	authed.DELETE("/quota/rules/:id", quotaHandler.DeleteRule)
	authed.GET("/quota/identities/:identity", quotaHandler.Overview)
	authed.GET("/quota/report", quotaHandler.Report)
	authed.POST("/quota/check", quotaHandler.Check)
	authed.POST("/quota/usage", quotaHandler.RecordUsage)
	authed.DELETE("/quota/usage/identities/:identity", quotaHandler.PurgeIdentity)
	authed.DELETE("/quota/usage/types/:type", quotaHandler.PurgeType)
	authed.POST("/quota/cleanup", quotaHandler.Cleanup)

	if deps.Directory != nil {
		entityHandler := handlers.NewEntityHandler(deps.Directory)
		authed.GET("/quota/entities", entityHandler.Search)
	}

	userHandler := handlers.NewUserHandler(deps.DB, resolver, deps.Engine.Ledger)
	authed.POST("/users", userHandler.Create)
	authed.GET("/users", userHandler.List)
	authed.GET("/users/:id", userHandler.Get)
	authed.PUT("/users/:id", userHandler.Update)
	authed.DELETE("/users/:id", userHandler.Delete)
	authed.POST("/users/:id/api-key", userHandler.RotateAPIKey)

	userGroupHandler := handlers.NewUserGroupHandler(deps.DB, resolver)
	authed.POST("/user-groups", userGroupHandler.Create)
	authed.GET("/user-groups", userGroupHandler.List)
	authed.GET("/user-groups/:id", userGroupHandler.Get)
	authed.PUT("/user-groups/:id", userGroupHandler.Update)
	authed.DELETE("/user-groups/:id", userGroupHandler.Delete)

	if deps.Settings != nil {
		settingHandler := handlers.NewSettingHandler(deps.Settings, resolver)
		authed.GET("/settings", settingHandler.List)
		authed.GET("/settings/:key", settingHandler.Get)
		authed.PUT("/settings/:key", settingHandler.Update)
	}
}

// adminAuthMiddleware validates admin JWTs.
func adminAuthMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseAdminToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("adminSubject", claims.Subject)
		c.Next()
	}
}
