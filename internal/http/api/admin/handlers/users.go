package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	dbutil "github.com/router-for-me/CLIProxyAPIQuota/internal/db"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/quota"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/security"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// IdentityPurger deletes the usage history of a removed identity.
type IdentityPurger interface {
	PurgeIdentity(ctx context.Context, identity string) (int64, error)
}

// UserHandler manages metered identities.
type UserHandler struct {
	db          *gorm.DB
	invalidator quota.RuleInvalidator
	purger      IdentityPurger
}

// NewUserHandler constructs a UserHandler.
func NewUserHandler(db *gorm.DB, invalidator quota.RuleInvalidator, purger IdentityPurger) *UserHandler {
	return &UserHandler{db: db, invalidator: invalidator, purger: purger}
}

// createUserRequest defines the request body for user creation.
type createUserRequest struct {
	Username       string   `json:"username"`
	Name           string   `json:"name"`
	Email          string   `json:"email"`
	GroupIDs       []uint64 `json:"group_ids"`
	ProviderAPIKey string   `json:"provider_api_key"`
}

// Create creates a user and issues its relay API key.
func (h *UserHandler) Create(c *gin.Context) {
	var body createUserRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	username := strings.TrimSpace(body.Username)
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing username"})
		return
	}

	apiKey, errGenerate := security.GenerateAPIKey()
	if errGenerate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate api key failed"})
		return
	}

	now := time.Now().UTC()
	user := models.User{
		Username:       username,
		Name:           strings.TrimSpace(body.Name),
		Email:          strings.TrimSpace(body.Email),
		GroupIDs:       models.UserGroupIDs(body.GroupIDs).Values(),
		APIKey:         &apiKey,
		ProviderAPIKey: strings.TrimSpace(body.ProviderAPIKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&user).Error; errCreate != nil {
		if dbutil.IsUniqueViolation(errCreate) {
			c.JSON(http.StatusConflict, gin.H{"error": "username already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create user failed"})
		return
	}
	h.invalidate(c.Request.Context())

	out := formatUser(&user)
	out["api_key"] = apiKey
	c.JSON(http.StatusCreated, out)
}

// List returns users with an optional search filter.
func (h *UserHandler) List(c *gin.Context) {
	searchQ := strings.TrimSpace(c.Query("search"))

	q := h.db.WithContext(c.Request.Context()).Model(&models.User{})
	if searchQ != "" {
		pattern := dbutil.NormalizeLikePattern(h.db, "%"+searchQ+"%")
		q = q.Where(
			dbutil.CaseInsensitiveLikeExpr(h.db, "username")+" OR "+
				dbutil.CaseInsensitiveLikeExpr(h.db, "name")+" OR "+
				dbutil.CaseInsensitiveLikeExpr(h.db, "email"),
			pattern,
			pattern,
			pattern,
		)
	}

	var rows []models.User
	if errFind := q.Order("username ASC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list users failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, formatUser(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

// Get returns a user by ID.
func (h *UserHandler) Get(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var user models.User
	if errFind := h.db.WithContext(c.Request.Context()).First(&user, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, formatUser(&user))
}

// updateUserRequest defines the request body for user updates. The username
// is the ledger identity and cannot change.
type updateUserRequest struct {
	Name           *string   `json:"name"`
	Email          *string   `json:"email"`
	GroupIDs       *[]uint64 `json:"group_ids"`
	ProviderAPIKey *string   `json:"provider_api_key"`
	Disabled       *bool     `json:"disabled"`
}

// Update modifies a user. Membership changes drop cached rule resolutions.
func (h *UserHandler) Update(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var body updateUserRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	updates := map[string]any{"updated_at": time.Now().UTC()}
	if body.Name != nil {
		updates["name"] = strings.TrimSpace(*body.Name)
	}
	if body.Email != nil {
		updates["email"] = strings.TrimSpace(*body.Email)
	}
	if body.GroupIDs != nil {
		updates["group_ids"] = models.UserGroupIDs(*body.GroupIDs).Values()
	}
	if body.ProviderAPIKey != nil {
		updates["provider_api_key"] = strings.TrimSpace(*body.ProviderAPIKey)
	}
	if body.Disabled != nil {
		updates["disabled"] = *body.Disabled
	}

	res := h.db.WithContext(c.Request.Context()).Model(&models.User{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if body.GroupIDs != nil {
		h.invalidate(c.Request.Context())
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// RotateAPIKey replaces a user's relay API key.
func (h *UserHandler) RotateAPIKey(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	apiKey, errGenerate := security.GenerateAPIKey()
	if errGenerate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate api key failed"})
		return
	}
	res := h.db.WithContext(c.Request.Context()).Model(&models.User{}).Where("id = ?", id).
		Updates(map[string]any{"api_key": apiKey, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rotate api key failed"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"api_key": apiKey})
}

// Delete removes a user and its usage history.
func (h *UserHandler) Delete(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	var user models.User
	if errFind := h.db.WithContext(ctx).Select("id", "username").First(&user, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if errDelete := h.db.WithContext(ctx).Delete(&models.User{}, user.ID).Error; errDelete != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	if h.purger != nil {
		if _, errPurge := h.purger.PurgeIdentity(ctx, user.Username); errPurge != nil {
			log.WithError(errPurge).WithField("identity", user.Username).Warn("admin: purge usage of deleted user failed")
		}
	}
	h.invalidate(ctx)
	c.Status(http.StatusNoContent)
}

func (h *UserHandler) invalidate(ctx context.Context) {
	if h.invalidator == nil {
		return
	}
	if errInvalidate := h.invalidator.Invalidate(ctx); errInvalidate != nil {
		log.WithError(errInvalidate).Warn("admin: invalidate quota cache failed")
	}
}

// formatUser formats a user row into response JSON. The relay key is only
// returned when it is issued.
func formatUser(user *models.User) gin.H {
	groupIDs := user.GroupIDs.Values()
	if groupIDs == nil {
		groupIDs = models.UserGroupIDs{}
	}
	return gin.H{
		"id":                user.ID,
		"username":          user.Username,
		"name":              user.Name,
		"email":             user.Email,
		"group_ids":         groupIDs,
		"has_api_key":       user.APIKey != nil && *user.APIKey != "",
		"uses_provider_key": strings.TrimSpace(user.ProviderAPIKey) != "",
		"disabled":          user.Disabled,
		"created_at":        user.CreatedAt,
		"updated_at":        user.UpdatedAt,
	}
}
