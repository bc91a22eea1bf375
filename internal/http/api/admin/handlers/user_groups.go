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
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// UserGroupHandler manages user group endpoints.
type UserGroupHandler struct {
	db          *gorm.DB
	invalidator quota.RuleInvalidator
}

// NewUserGroupHandler constructs a UserGroupHandler.
func NewUserGroupHandler(db *gorm.DB, invalidator quota.RuleInvalidator) *UserGroupHandler {
	return &UserGroupHandler{db: db, invalidator: invalidator}
}

// createUserGroupRequest defines the request body for user group creation.
type createUserGroupRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// Create creates a new user group.
func (h *UserGroupHandler) Create(c *gin.Context) {
	var body createUserGroupRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing name"})
		return
	}

	now := time.Now().UTC()
	group := models.UserGroup{
		Name:        name,
		DisplayName: strings.TrimSpace(body.DisplayName),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&group).Error; errCreate != nil {
		if dbutil.IsUniqueViolation(errCreate) {
			c.JSON(http.StatusConflict, gin.H{"error": "name already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create user group failed"})
		return
	}
	c.JSON(http.StatusCreated, formatUserGroup(&group))
}

// List returns all user groups.
func (h *UserGroupHandler) List(c *gin.Context) {
	nameQ := strings.TrimSpace(c.Query("name"))

	q := h.db.WithContext(c.Request.Context()).Model(&models.UserGroup{})
	if nameQ != "" {
		pattern := dbutil.NormalizeLikePattern(h.db, "%"+nameQ+"%")
		q = q.Where(dbutil.CaseInsensitiveLikeExpr(h.db, "name"), pattern)
	}

	var rows []models.UserGroup
	if errFind := q.Order("name ASC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list user groups failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, formatUserGroup(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"user_groups": out})
}

// Get returns a user group by ID.
func (h *UserGroupHandler) Get(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var group models.UserGroup
	if errFind := h.db.WithContext(c.Request.Context()).First(&group, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, formatUserGroup(&group))
}

// updateUserGroupRequest defines the request body for user group updates.
type updateUserGroupRequest struct {
	Name        *string `json:"name"`
	DisplayName *string `json:"display_name"`
}

// Update modifies a user group. Renaming moves the group's rule assignments
// to the new name in the same transaction.
func (h *UserGroupHandler) Update(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var body updateUserGroupRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.Name != nil && strings.TrimSpace(*body.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing name"})
		return
	}

	now := time.Now().UTC()
	renamed := false
	errTx := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		var group models.UserGroup
		if errFind := tx.First(&group, id).Error; errFind != nil {
			return errFind
		}

		updates := map[string]any{"updated_at": now}
		if body.DisplayName != nil {
			updates["display_name"] = strings.TrimSpace(*body.DisplayName)
		}
		if body.Name != nil {
			if name := strings.TrimSpace(*body.Name); name != group.Name {
				updates["name"] = name
				if errMove := tx.Model(&models.QuotaRuleEntity{}).
					Where("entity_type = ? AND entity_id = ?", models.EntityTypeGroup, group.Name).
					Update("entity_id", name).Error; errMove != nil {
					return errMove
				}
				renamed = true
			}
		}
		return tx.Model(&models.UserGroup{}).Where("id = ?", id).Updates(updates).Error
	})
	if errTx != nil {
		if errors.Is(errTx, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		if dbutil.IsUniqueViolation(errTx) {
			c.JSON(http.StatusConflict, gin.H{"error": "name already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	if renamed {
		h.invalidate(c.Request.Context())
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Delete removes a user group. Rule assignments naming it are kept and stop
// matching anyone.
func (h *UserGroupHandler) Delete(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	res := h.db.WithContext(c.Request.Context()).Delete(&models.UserGroup{}, id)
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	h.invalidate(c.Request.Context())
	c.Status(http.StatusNoContent)
}

func (h *UserGroupHandler) invalidate(ctx context.Context) {
	if h.invalidator == nil {
		return
	}
	if errInvalidate := h.invalidator.Invalidate(ctx); errInvalidate != nil {
		log.WithError(errInvalidate).Warn("admin: invalidate quota cache failed")
	}
}

// formatUserGroup formats a user group row into response JSON.
func formatUserGroup(group *models.UserGroup) gin.H {
	return gin.H{
		"id":           group.ID,
		"name":         group.Name,
		"display_name": group.DisplayName,
		"created_at":   group.CreatedAt,
		"updated_at":   group.UpdatedAt,
	}
}
