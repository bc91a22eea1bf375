package quota

import (
	"context"
	"errors"
	"testing"

	"github.com/router-for-me/CLIProxyAPIQuota/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubNames struct{}

func (stubNames) DisplayNames(_ context.Context, identities []string) (map[string]string, error) {
	out := make(map[string]string, len(identities))
	for _, identity := range identities {
		out[identity] = "User " + identity
	}
	return out, nil
}

func (stubNames) GroupDisplayNames(_ context.Context, groups []string) (map[string]string, error) {
	return map[string]string{"staff": "Staff"}, nil
}

func TestAddRuleIsZeroed(t *testing.T) {
	f := newFixture(t)
	rule, err := f.engine.Admin.AddRule(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, rule.ID)
	assert.Equal(t, models.QuotaTypeText, rule.Type)
	assert.Zero(t, rule.Amount)
	assert.Zero(t, rule.Priority)
	assert.False(t, rule.Pool)
	assert.Empty(t, rule.Entities)
}

func TestAddRuleKeepsRuleCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.Resolver.Resolve(ctx, models.QuotaTypeText, "alice")
	require.NoError(t, err)
	before, ok, err := f.cache.Get(ctx, RulesGenerationKey)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.engine.Admin.AddRule(ctx)
	require.NoError(t, err)
	after, _, err := f.cache.Get(ctx, RulesGenerationKey)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestUpdateRuleValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.rule(t, RuleInput{Type: models.QuotaTypeImage, Amount: 3, Priority: 2, Entities: []EntityRef{user("alice")}})

	bad := []RuleInput{
		{Type: models.QuotaType(9), Amount: 1},
		{Type: models.QuotaTypeText, Amount: -1},
		{Type: models.QuotaTypeText, Amount: 1, Entities: []EntityRef{{EntityType: "team", EntityID: "x"}}},
		{Type: models.QuotaTypeText, Amount: 1, Entities: []EntityRef{user("bob"), {EntityType: models.EntityTypeUser, EntityID: "  "}}},
	}
	for i, in := range bad {
		_, err := f.engine.Admin.UpdateRule(ctx, id, in)
		require.Error(t, err, "case %d", i)
		assert.ErrorIs(t, err, ErrInvalidRule, "case %d", i)
		var validation *ValidationError
		assert.True(t, errors.As(err, &validation), "case %d", i)
	}

	var stored models.QuotaRule
	require.NoError(t, f.db.First(&stored, id).Error)
	assert.Equal(t, models.QuotaTypeImage, stored.Type)
	assert.Equal(t, int64(3), stored.Amount)
	var entities []models.QuotaRuleEntity
	require.NoError(t, f.db.Where("rule_id = ?", id).Find(&entities).Error)
	require.Len(t, entities, 1)
	assert.Equal(t, "alice", entities[0].EntityID)
}

func TestUpdateRuleAppliesDiff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.rule(t, RuleInput{Type: models.QuotaTypeText, Amount: 1, Entities: []EntityRef{user("alice"), user("bob")}})

	var before []models.QuotaRuleEntity
	require.NoError(t, f.db.Where("rule_id = ?", id).Order("id").Find(&before).Error)
	require.Len(t, before, 2)

	updated, err := f.engine.Admin.UpdateRule(ctx, id, RuleInput{
		Type:     models.QuotaTypeSpeech,
		Amount:   500,
		Priority: 3,
		Pool:     true,
		Entities: []EntityRef{user("bob"), group("staff"), group("staff")},
	})
	require.NoError(t, err)
	assert.Equal(t, models.QuotaTypeSpeech, updated.Type)
	assert.Equal(t, int64(500), updated.Amount)
	assert.Equal(t, 3, updated.Priority)
	assert.True(t, updated.Pool)
	require.Len(t, updated.Entities, 2)

	byKey := map[string]uint64{}
	for _, entity := range updated.Entities {
		byKey[string(entity.EntityType)+":"+entity.EntityID] = entity.ID
	}
	assert.Equal(t, before[1].ID, byKey["user:bob"], "unchanged assignment keeps its row")
	assert.NotZero(t, byKey["group:staff"])
	_, stillThere := byKey["user:alice"]
	assert.False(t, stillThere)

	_, err = f.engine.Admin.UpdateRule(ctx, id, RuleInput{Type: models.QuotaTypeSpeech, Amount: 500, Pool: false})
	require.NoError(t, err)
	var stored models.QuotaRule
	require.NoError(t, f.db.First(&stored, id).Error)
	assert.False(t, stored.Pool, "false must be written, not skipped")
}

func TestMissingRuleIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Admin.UpdateRule(ctx, 404, RuleInput{Type: models.QuotaTypeText, Entities: []EntityRef{user("alice")}})
	assert.ErrorIs(t, err, ErrRuleNotFound)
	var count int64
	require.NoError(t, f.db.Model(&models.QuotaRuleEntity{}).Count(&count).Error)
	assert.Zero(t, count, "rolled back")

	assert.ErrorIs(t, f.engine.Admin.DeleteRule(ctx, 404), ErrRuleNotFound)
}

func TestDeleteRuleRemovesAssignments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.rule(t, RuleInput{Type: models.QuotaTypeText, Amount: 7, Entities: []EntityRef{user("alice")}})

	rule, err := f.engine.Resolver.Resolve(ctx, models.QuotaTypeText, "alice")
	require.NoError(t, err)
	require.Equal(t, id, rule.RuleID)

	require.NoError(t, f.engine.Admin.DeleteRule(ctx, id))
	var count int64
	require.NoError(t, f.db.Model(&models.QuotaRuleEntity{}).Where("rule_id = ?", id).Count(&count).Error)
	assert.Zero(t, count)

	rule, err = f.engine.Resolver.Resolve(ctx, models.QuotaTypeText, "alice")
	require.NoError(t, err)
	assert.True(t, rule.IsDefault())
}

func TestGetRulesOrderAndLabels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := NewAdmin(f.db, f.engine.Resolver, stubNames{})

	image := f.rule(t, RuleInput{Type: models.QuotaTypeImage, Amount: 1, Priority: 0, Entities: []EntityRef{user("alice")}})
	textLow := f.rule(t, RuleInput{Type: models.QuotaTypeText, Amount: 1, Priority: 9, Entities: []EntityRef{group("staff"), group("other")}})
	textHigh := f.rule(t, RuleInput{Type: models.QuotaTypeText, Amount: 1, Priority: 1})

	rules, err := admin.GetRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, []uint64{textHigh, textLow, image}, []uint64{rules[0].ID, rules[1].ID, rules[2].ID})
	assert.Empty(t, rules[0].Entities)
	assert.Equal(t, "text", rules[1].TypeName)
	require.Len(t, rules[1].Entities, 2)
	assert.Equal(t, "Staff", rules[1].Entities[0].DisplayName)
	assert.Equal(t, "other", rules[1].Entities[1].DisplayName)
	assert.Equal(t, "User alice", rules[2].Entities[0].DisplayName)
}
