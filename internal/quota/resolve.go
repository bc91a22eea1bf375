package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/cache"
	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	// RulesCachePrefix is the cache namespace holding resolved rules.
	RulesCachePrefix = "quota:rules:"
	// RulesGenerationKey holds the token of the live rules namespace. It is
	// shared by every instance using the cache and lives outside RulesCachePrefix.
	RulesGenerationKey = "quota:rulegen"
)

func rulesCacheKey(generation string, t models.QuotaType, identity string) string {
	return RulesCachePrefix + generation + ":" + strconv.Itoa(int(t)) + ":" + identity
}

// RuleInvalidator drops every cached rule resolution.
type RuleInvalidator interface {
	Invalidate(ctx context.Context) error
}

// Resolver finds the rule that applies to an identity, caching the answer.
type Resolver struct {
	db      *gorm.DB
	cache   cache.Cache
	groups  GroupMembership
	config  ConfigProvider
	metrics *Metrics

	flight singleflight.Group
}

// NewResolver constructs a Resolver. cache and groups may be nil.
func NewResolver(db *gorm.DB, c cache.Cache, groups GroupMembership, config ConfigProvider, metrics *Metrics) *Resolver {
	return &Resolver{
		db:      db,
		cache:   c,
		groups:  groups,
		config:  config,
		metrics: metrics,
	}
}

// Resolve returns the applicable rule for (t, identity). When nothing matches
// the type's default ceiling is returned with RuleID 0.
func (r *Resolver) Resolve(ctx context.Context, t models.QuotaType, identity string) (ResolvedRule, error) {
	if r == nil || r.db == nil {
		return ResolvedRule{}, fmt.Errorf("quota: resolve: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !t.Valid() {
		return ResolvedRule{}, fmt.Errorf("quota: resolve: unknown type %s", t)
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return r.withDefault(ResolvedRule{Type: t}), nil
	}

	generation, cacheable := r.currentGeneration(ctx)
	key := rulesCacheKey(generation, t, identity)
	if cacheable {
		if cached, ok := r.readCache(ctx, key); ok {
			return r.withDefault(cached), nil
		}
	}

	value, errLoad, _ := r.flight.Do(key, func() (any, error) {
		rule, errFind := r.load(ctx, t, identity)
		if errFind != nil {
			return ResolvedRule{}, errFind
		}
		// Keys carry the generation read before the load, so an answer made
		// stale by a concurrent invalidation lands in a retired namespace.
		if cacheable {
			r.writeCache(ctx, key, rule)
		}
		return rule, nil
	})
	if errLoad != nil {
		return ResolvedRule{}, errLoad
	}
	return r.withDefault(value.(ResolvedRule)), nil
}

// Invalidate retires the resolved-rule namespace for every instance sharing
// the cache, then clears the retired entries.
func (r *Resolver) Invalidate(ctx context.Context) error {
	if r == nil || r.cache == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if errSet := r.cache.Set(ctx, RulesGenerationKey, uuid.NewString(), 0); errSet != nil {
		return fmt.Errorf("quota: rotate rules generation: %w", errSet)
	}
	if errClear := r.cache.ClearPrefix(ctx, RulesCachePrefix); errClear != nil {
		return fmt.Errorf("quota: invalidate rules: %w", errClear)
	}
	return nil
}

// currentGeneration returns the live namespace token, creating one when the
// cache holds none. The answer is not cacheable when the token cannot be read.
func (r *Resolver) currentGeneration(ctx context.Context) (string, bool) {
	if r.cache == nil {
		return "", false
	}
	generation, ok, errGet := r.cache.Get(ctx, RulesGenerationKey)
	if errGet != nil {
		r.metrics.observeResolve("error")
		log.WithError(errGet).Warn("quota: rules generation read failed")
		return "", false
	}
	if ok && generation != "" {
		return generation, true
	}
	generation = uuid.NewString()
	if errSet := r.cache.Set(ctx, RulesGenerationKey, generation, 0); errSet != nil {
		log.WithError(errSet).Warn("quota: rules generation write failed")
		return "", false
	}
	return generation, true
}

// withDefault fills the live default ceiling into a no-match result so
// settings changes apply without a cache flush.
func (r *Resolver) withDefault(rule ResolvedRule) ResolvedRule {
	if rule.RuleID != 0 {
		return rule
	}
	return ResolvedRule{Type: rule.Type, Amount: r.config.get().DefaultAmount(rule.Type)}
}

func (r *Resolver) load(ctx context.Context, t models.QuotaType, identity string) (ResolvedRule, error) {
	var groups []string
	if r.groups != nil {
		memberOf, errGroups := r.groups.GroupsOf(ctx, identity)
		if errGroups != nil {
			return ResolvedRule{}, fmt.Errorf("quota: resolve groups: %w", errGroups)
		}
		groups = memberOf
	}

	match := r.db.Where("quota_rule_entities.entity_type = ? AND quota_rule_entities.entity_id = ?", models.EntityTypeUser, identity)
	if len(groups) > 0 {
		match = match.Or("quota_rule_entities.entity_type = ? AND quota_rule_entities.entity_id IN ?", models.EntityTypeGroup, groups)
	}

	var rules []models.QuotaRule
	errFind := r.db.WithContext(ctx).
		Model(&models.QuotaRule{}).
		Select("quota_rules.*").
		Joins("JOIN quota_rule_entities ON quota_rule_entities.rule_id = quota_rules.id").
		Where("quota_rules.type = ?", t).
		Where(match).
		Order("quota_rules.priority ASC, quota_rules.id ASC").
		Limit(1).
		Find(&rules).Error
	if errFind != nil {
		return ResolvedRule{}, fmt.Errorf("quota: resolve rule: %w", errFind)
	}
	if len(rules) == 0 {
		return ResolvedRule{Type: t}, nil
	}
	rule := rules[0]
	return ResolvedRule{
		RuleID:   rule.ID,
		Type:     rule.Type,
		Amount:   rule.Amount,
		Pool:     rule.Pool,
		Priority: rule.Priority,
	}, nil
}

func (r *Resolver) readCache(ctx context.Context, key string) (ResolvedRule, bool) {
	if r.cache == nil {
		return ResolvedRule{}, false
	}
	raw, ok, errGet := r.cache.Get(ctx, key)
	if errGet != nil {
		r.metrics.observeResolve("error")
		log.WithError(errGet).WithField("key", key).Warn("quota: rule cache read failed")
		return ResolvedRule{}, false
	}
	if !ok {
		r.metrics.observeResolve("miss")
		return ResolvedRule{}, false
	}
	var rule ResolvedRule
	if errUnmarshal := json.Unmarshal([]byte(raw), &rule); errUnmarshal != nil {
		r.metrics.observeResolve("error")
		log.WithError(errUnmarshal).WithField("key", key).Warn("quota: rule cache entry corrupt")
		return ResolvedRule{}, false
	}
	r.metrics.observeResolve("hit")
	return rule, true
}

func (r *Resolver) writeCache(ctx context.Context, key string, rule ResolvedRule) {
	if r.cache == nil {
		return
	}
	payload, errMarshal := json.Marshal(rule)
	if errMarshal != nil {
		return
	}
	if errSet := r.cache.Set(ctx, key, string(payload), 0); errSet != nil {
		log.WithError(errSet).WithField("key", key).Warn("quota: rule cache write failed")
	}
}
