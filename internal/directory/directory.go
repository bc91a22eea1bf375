// Package directory answers identity questions for the quota engine from the
// users and user_groups tables.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/router-for-me/CLIProxyAPIQuota/internal/db"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
	"gorm.io/gorm"
)

// defaultSearchLimit caps entity search results per kind.
const defaultSearchLimit = 20

// Directory implements group membership, display names and the own-credential
// check on top of gorm.
type Directory struct {
	db *gorm.DB
}

// New constructs a Directory.
func New(conn *gorm.DB) *Directory {
	return &Directory{db: conn}
}

// Entity is a user or group that rules can be assigned to.
type Entity struct {
	Type        models.EntityType `json:"entity_type"`
	ID          string            `json:"entity_id"`
	DisplayName string            `json:"display_name"`
}

func (d *Directory) findUser(ctx context.Context, identity string) (*models.User, error) {
	if d == nil || d.db == nil {
		return nil, fmt.Errorf("directory: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, nil
	}
	var user models.User
	errFind := d.db.WithContext(ctx).Where("username = ?", identity).First(&user).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if errFind != nil {
		return nil, fmt.Errorf("directory: find user: %w", errFind)
	}
	return &user, nil
}

// UserForAPIKey returns the user owning a relay key, or nil when no user does.
func (d *Directory) UserForAPIKey(ctx context.Context, key string) (*models.User, error) {
	if d == nil || d.db == nil {
		return nil, fmt.Errorf("directory: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	var user models.User
	errFind := d.db.WithContext(ctx).Where("api_key = ?", key).First(&user).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if errFind != nil {
		return nil, fmt.Errorf("directory: find api key: %w", errFind)
	}
	return &user, nil
}

// GroupsOf returns the group names identity currently belongs to.
// An unknown identity has no groups.
func (d *Directory) GroupsOf(ctx context.Context, identity string) ([]string, error) {
	user, errFind := d.findUser(ctx, identity)
	if errFind != nil || user == nil {
		return nil, errFind
	}
	ids := user.GroupIDs.Values()
	if len(ids) == 0 {
		return nil, nil
	}
	var names []string
	if errPluck := d.db.WithContext(ctx).Model(&models.UserGroup{}).
		Where("id IN ?", []uint64(ids)).
		Order("name ASC").
		Pluck("name", &names).Error; errPluck != nil {
		return nil, fmt.Errorf("directory: load groups: %w", errPluck)
	}
	return names, nil
}

// DisplayNames maps identities to human-readable names. Identities without a
// user row or without a name map to themselves.
func (d *Directory) DisplayNames(ctx context.Context, identities []string) (map[string]string, error) {
	out := make(map[string]string, len(identities))
	if len(identities) == 0 {
		return out, nil
	}
	if d == nil || d.db == nil {
		return nil, fmt.Errorf("directory: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for _, identity := range identities {
		out[identity] = identity
	}
	var users []models.User
	if errFind := d.db.WithContext(ctx).
		Select("username", "name").
		Where("username IN ?", identities).
		Find(&users).Error; errFind != nil {
		return nil, fmt.Errorf("directory: load display names: %w", errFind)
	}
	for _, user := range users {
		if name := strings.TrimSpace(user.Name); name != "" {
			out[user.Username] = name
		}
	}
	return out, nil
}

// GroupDisplayNames maps group names to their display labels.
func (d *Directory) GroupDisplayNames(ctx context.Context, names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	if len(names) == 0 {
		return out, nil
	}
	if d == nil || d.db == nil {
		return nil, fmt.Errorf("directory: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for _, name := range names {
		out[name] = name
	}
	var groups []models.UserGroup
	if errFind := d.db.WithContext(ctx).
		Select("name", "display_name").
		Where("name IN ?", names).
		Find(&groups).Error; errFind != nil {
		return nil, fmt.Errorf("directory: load group names: %w", errFind)
	}
	for _, group := range groups {
		if label := strings.TrimSpace(group.DisplayName); label != "" {
			out[group.Name] = label
		}
	}
	return out, nil
}

// UsesOwnCredential reports whether identity relays with a personal provider key.
func (d *Directory) UsesOwnCredential(ctx context.Context, identity string) (bool, error) {
	user, errFind := d.findUser(ctx, identity)
	if errFind != nil || user == nil {
		return false, errFind
	}
	return strings.TrimSpace(user.ProviderAPIKey) != "", nil
}

// Search finds users and groups whose identifier or display name contains query.
func (d *Directory) Search(ctx context.Context, query string, limit int) ([]Entity, error) {
	if d == nil || d.db == nil {
		return nil, fmt.Errorf("directory: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	pattern := db.NormalizeLikePattern(d.db, "%"+strings.TrimSpace(query)+"%")

	var users []models.User
	if errFind := d.db.WithContext(ctx).
		Where(db.CaseInsensitiveLikeExpr(d.db, "username")+" OR "+db.CaseInsensitiveLikeExpr(d.db, "name"), pattern, pattern).
		Order("username ASC").
		Limit(limit).
		Find(&users).Error; errFind != nil {
		return nil, fmt.Errorf("directory: search users: %w", errFind)
	}
	var groups []models.UserGroup
	if errFind := d.db.WithContext(ctx).
		Where(db.CaseInsensitiveLikeExpr(d.db, "name")+" OR "+db.CaseInsensitiveLikeExpr(d.db, "display_name"), pattern, pattern).
		Order("name ASC").
		Limit(limit).
		Find(&groups).Error; errFind != nil {
		return nil, fmt.Errorf("directory: search groups: %w", errFind)
	}

	out := make([]Entity, 0, len(users)+len(groups))
	for _, user := range users {
		label := strings.TrimSpace(user.Name)
		if label == "" {
			label = user.Username
		}
		out = append(out, Entity{Type: models.EntityTypeUser, ID: user.Username, DisplayName: label})
	}
	for _, group := range groups {
		label := strings.TrimSpace(group.DisplayName)
		if label == "" {
			label = group.Name
		}
		out = append(out, Entity{Type: models.EntityTypeGroup, ID: group.Name, DisplayName: label})
	}
	return out, nil
}
