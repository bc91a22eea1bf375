package quota

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// maxEntityIDLength mirrors the quota_rule_entities.entity_id column width.
const maxEntityIDLength = 255

// Admin mutates rules and their assignments.
type Admin struct {
	db          *gorm.DB
	invalidator RuleInvalidator
	names       DisplayNameResolver
}

// NewAdmin constructs an Admin. invalidator and names may be nil.
func NewAdmin(db *gorm.DB, invalidator RuleInvalidator, names DisplayNameResolver) *Admin {
	return &Admin{db: db, invalidator: invalidator, names: names}
}

// AddRule creates a zeroed rule without assignments.
func (a *Admin) AddRule(ctx context.Context) (*models.QuotaRule, error) {
	if a == nil || a.db == nil {
		return nil, fmt.Errorf("quota: add rule: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now().UTC()
	rule := models.QuotaRule{
		Type:      models.QuotaTypeText,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if errCreate := a.db.WithContext(ctx).Create(&rule).Error; errCreate != nil {
		return nil, fmt.Errorf("quota: add rule: %w", errCreate)
	}
	// A rule without assignments cannot change any resolution.
	rule.Entities = []models.QuotaRuleEntity{}
	return &rule, nil
}

// ValidateRuleInput checks the shape of an update before anything is written.
func ValidateRuleInput(in RuleInput) error {
	if !in.Type.Valid() {
		return invalid("type", "is not a known quota type")
	}
	if in.Amount < 0 {
		return invalid("amount", "must be >= 0")
	}
	for i, entity := range in.Entities {
		field := fmt.Sprintf("entities[%d]", i)
		if !entity.EntityType.Valid() {
			return invalid(field+".entity_type", "must be user or group")
		}
		id := strings.TrimSpace(entity.EntityID)
		if id == "" {
			return invalid(field+".entity_id", "must not be empty")
		}
		if len(id) > maxEntityIDLength {
			return invalid(field+".entity_id", "is too long")
		}
	}
	return nil
}

// UpdateRule replaces the rule's fields and assignment set in one transaction.
func (a *Admin) UpdateRule(ctx context.Context, id uint64, in RuleInput) (*models.QuotaRule, error) {
	if a == nil || a.db == nil {
		return nil, fmt.Errorf("quota: update rule: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for i := range in.Entities {
		in.Entities[i].EntityID = strings.TrimSpace(in.Entities[i].EntityID)
	}
	if errValidate := ValidateRuleInput(in); errValidate != nil {
		return nil, errValidate
	}

	var updated models.QuotaRule
	errTx := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errFind := tx.First(&updated, id).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return ErrRuleNotFound
			}
			return fmt.Errorf("quota: load rule: %w", errFind)
		}

		now := time.Now().UTC()
		if errUpdate := tx.Model(&updated).Updates(map[string]any{
			"type":       in.Type,
			"amount":     in.Amount,
			"priority":   in.Priority,
			"pool":       in.Pool,
			"updated_at": now,
		}).Error; errUpdate != nil {
			return fmt.Errorf("quota: update rule: %w", errUpdate)
		}

		var current []models.QuotaRuleEntity
		if errEntities := tx.Where("rule_id = ?", id).Order("id ASC").Find(&current).Error; errEntities != nil {
			return fmt.Errorf("quota: load rule entities: %w", errEntities)
		}
		diff := DiffEntities(current, in.Entities)
		if len(diff.Delete) > 0 {
			if errDelete := tx.Where("id IN ?", diff.Delete).Delete(&models.QuotaRuleEntity{}).Error; errDelete != nil {
				return fmt.Errorf("quota: delete rule entities: %w", errDelete)
			}
		}
		if len(diff.Insert) > 0 {
			rows := make([]models.QuotaRuleEntity, 0, len(diff.Insert))
			for _, ref := range diff.Insert {
				rows = append(rows, models.QuotaRuleEntity{
					RuleID:     id,
					EntityType: ref.EntityType,
					EntityID:   ref.EntityID,
					CreatedAt:  now,
				})
			}
			if errCreate := tx.Create(&rows).Error; errCreate != nil {
				return fmt.Errorf("quota: insert rule entities: %w", errCreate)
			}
		}

		if errReload := tx.First(&updated, id).Error; errReload != nil {
			return fmt.Errorf("quota: reload rule: %w", errReload)
		}
		return tx.Where("rule_id = ?", id).Order("id ASC").Find(&updated.Entities).Error
	})
	if errTx != nil {
		return nil, errTx
	}
	a.invalidate(ctx)
	return &updated, nil
}

// DeleteRule removes the rule's assignments and then the rule.
func (a *Admin) DeleteRule(ctx context.Context, id uint64) error {
	if a == nil || a.db == nil {
		return fmt.Errorf("quota: delete rule: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	errTx := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errEntities := tx.Where("rule_id = ?", id).Delete(&models.QuotaRuleEntity{}).Error; errEntities != nil {
			return fmt.Errorf("quota: delete rule entities: %w", errEntities)
		}
		res := tx.Delete(&models.QuotaRule{}, id)
		if res.Error != nil {
			return fmt.Errorf("quota: delete rule: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrRuleNotFound
		}
		return nil
	})
	if errTx != nil {
		return errTx
	}
	a.invalidate(ctx)
	return nil
}

// GetRules lists every rule ordered by type, priority and id, with labelled assignments.
func (a *Admin) GetRules(ctx context.Context) ([]RuleView, error) {
	if a == nil || a.db == nil {
		return nil, fmt.Errorf("quota: get rules: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var rules []models.QuotaRule
	if errFind := a.db.WithContext(ctx).Order("type ASC, priority ASC, id ASC").Find(&rules).Error; errFind != nil {
		return nil, fmt.Errorf("quota: list rules: %w", errFind)
	}
	var entities []models.QuotaRuleEntity
	if errFind := a.db.WithContext(ctx).Order("rule_id ASC, id ASC").Find(&entities).Error; errFind != nil {
		return nil, fmt.Errorf("quota: list rule entities: %w", errFind)
	}

	byRule := make(map[uint64][]models.QuotaRuleEntity, len(rules))
	var userIDs, groupIDs []string
	for _, entity := range entities {
		byRule[entity.RuleID] = append(byRule[entity.RuleID], entity)
		switch entity.EntityType {
		case models.EntityTypeUser:
			userIDs = append(userIDs, entity.EntityID)
		case models.EntityTypeGroup:
			groupIDs = append(groupIDs, entity.EntityID)
		}
	}
	userNames, groupNames := a.labels(ctx, dedupe(userIDs), dedupe(groupIDs))

	out := make([]RuleView, 0, len(rules))
	for _, rule := range rules {
		view := RuleView{
			ID:       rule.ID,
			Type:     rule.Type,
			TypeName: rule.Type.String(),
			Amount:   rule.Amount,
			Priority: rule.Priority,
			Pool:     rule.Pool,
			Entities: make([]RuleEntityView, 0, len(byRule[rule.ID])),
		}
		for _, entity := range byRule[rule.ID] {
			label := entity.EntityID
			switch entity.EntityType {
			case models.EntityTypeUser:
				if name, ok := userNames[entity.EntityID]; ok {
					label = name
				}
			case models.EntityTypeGroup:
				if name, ok := groupNames[entity.EntityID]; ok {
					label = name
				}
			}
			view.Entities = append(view.Entities, RuleEntityView{
				EntityRef:   EntityRef{EntityType: entity.EntityType, EntityID: entity.EntityID},
				DisplayName: label,
			})
		}
		out = append(out, view)
	}
	return out, nil
}

// labels resolves display names. Failures degrade to raw ids.
func (a *Admin) labels(ctx context.Context, users, groups []string) (map[string]string, map[string]string) {
	if a.names == nil {
		return nil, nil
	}
	userNames, errUsers := a.names.DisplayNames(ctx, users)
	if errUsers != nil {
		log.WithError(errUsers).Warn("quota: resolve user display names failed")
	}
	groupNames, errGroups := a.names.GroupDisplayNames(ctx, groups)
	if errGroups != nil {
		log.WithError(errGroups).Warn("quota: resolve group display names failed")
	}
	return userNames, groupNames
}

func (a *Admin) invalidate(ctx context.Context) {
	if a.invalidator == nil {
		return
	}
	if errInvalidate := a.invalidator.Invalidate(ctx); errInvalidate != nil {
		log.WithError(errInvalidate).Warn("quota: rule cache invalidation failed")
	}
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
