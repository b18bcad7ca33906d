package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/untibullet/pr-router/internal/models"
	"github.com/untibullet/pr-router/internal/repository"
)

func backendRule(priority int) models.RoutingRule {
	return models.RoutingRule{
		OrganizationID: "org-1",
		Name:           "backend",
		Conditions:     []models.Condition{{Type: models.ConditionFilePattern, Patterns: []string{"api/**"}}},
		Targets:        []models.ReviewerRef{{ReviewerID: "bob"}},
		Strategy:       models.StrategyLeastBusy,
		ReviewerCount:  1,
		Priority:       priority,
		Enabled:        true,
	}
}

func TestRuleService_MutationsInvalidateCache(t *testing.T) {
	ctx := context.Background()
	store := newFakeRuleStore()
	cache := &countingInvalidator{}
	svc := NewRuleService(store, cache)

	created, err := svc.CreateRule(ctx, backendRule(0))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Equal(t, 1, cache.count("org-1"))

	created.Name = "backend-v2"
	_, err = svc.UpdateRule(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, "backend-v2", store.rules[created.ID].Name)
	assert.Equal(t, 2, cache.count("org-1"))

	require.NoError(t, svc.ReorderRules(ctx, "org-1", []string{created.ID}))
	assert.Equal(t, []string{created.ID}, store.reordered)
	assert.Equal(t, 3, cache.count("org-1"))

	require.NoError(t, svc.SetOrganizationSettings(ctx, "org-1", models.OrgSettings{
		Timezone: "Europe/Moscow",
		Fallback: models.FallbackPolicy{Mode: models.FallbackPool, Pool: []models.ReviewerRef{{ReviewerID: "bob"}}},
	}))
	assert.Equal(t, "Europe/Moscow", store.settings["org-1"].Timezone)
	assert.Equal(t, 4, cache.count("org-1"))

	require.NoError(t, svc.DeleteRule(ctx, "org-1", created.ID))
	assert.Empty(t, store.rules)
	assert.Equal(t, 5, cache.count("org-1"))

	assert.Zero(t, cache.count("org-2"))
}

func TestRuleService_CreateRule_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *models.RoutingRule)
	}{
		{
			name:   "missing name",
			mutate: func(r *models.RoutingRule) { r.Name = "" },
		},
		{
			name:   "missing organization",
			mutate: func(r *models.RoutingRule) { r.OrganizationID = "" },
		},
		{
			name:   "negative priority",
			mutate: func(r *models.RoutingRule) { r.Priority = -1 },
		},
		{
			name:   "unknown strategy",
			mutate: func(r *models.RoutingRule) { r.Strategy = "random" },
		},
		{
			name:   "no targets",
			mutate: func(r *models.RoutingRule) { r.Targets = nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeRuleStore()
			cache := &countingInvalidator{}
			svc := NewRuleService(store, cache)

			rule := backendRule(0)
			tt.mutate(&rule)

			_, err := svc.CreateRule(context.Background(), rule)
			require.ErrorIs(t, err, repository.ErrInvalidInput)
			assert.Empty(t, store.rules)
			assert.Zero(t, cache.count("org-1"))
			assert.Zero(t, cache.count(""))
		})
	}
}

func TestRuleService_CreateRule_DuplicatePriority(t *testing.T) {
	ctx := context.Background()
	svc := NewRuleService(newFakeRuleStore(), &countingInvalidator{})

	_, err := svc.CreateRule(ctx, backendRule(3))
	require.NoError(t, err)

	_, err = svc.CreateRule(ctx, backendRule(3))
	require.ErrorIs(t, err, repository.ErrDuplicatePriority)

	other := backendRule(3)
	other.OrganizationID = "org-2"
	_, err = svc.CreateRule(ctx, other)
	require.NoError(t, err, "priorities are unique per organization")
}

func TestRuleService_UpdateRule_RequiresID(t *testing.T) {
	cache := &countingInvalidator{}
	svc := NewRuleService(newFakeRuleStore(), cache)

	_, err := svc.UpdateRule(context.Background(), backendRule(0))
	require.ErrorIs(t, err, repository.ErrInvalidInput)
	assert.Zero(t, cache.count("org-1"))
}

func TestRuleService_UpdateRule_NotFound(t *testing.T) {
	svc := NewRuleService(newFakeRuleStore(), &countingInvalidator{})

	rule := backendRule(0)
	rule.ID = "missing"
	_, err := svc.UpdateRule(context.Background(), rule)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestRuleService_ReorderRules_RejectsDuplicates(t *testing.T) {
	store := newFakeRuleStore()
	cache := &countingInvalidator{}
	svc := NewRuleService(store, cache)

	err := svc.ReorderRules(context.Background(), "org-1", []string{"r1", "r2", "r1"})
	require.ErrorIs(t, err, repository.ErrInvalidInput)
	assert.Nil(t, store.reordered)
	assert.Zero(t, cache.count("org-1"))
}

func TestRuleService_SetOrganizationSettings_Validation(t *testing.T) {
	tests := []struct {
		name     string
		settings models.OrgSettings
	}{
		{
			name:     "unknown timezone",
			settings: models.OrgSettings{Timezone: "Mars/Olympus"},
		},
		{
			name:     "unknown fallback mode",
			settings: models.OrgSettings{Fallback: models.FallbackPolicy{Mode: "everyone"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeRuleStore()
			cache := &countingInvalidator{}
			svc := NewRuleService(store, cache)

			err := svc.SetOrganizationSettings(context.Background(), "org-1", tt.settings)
			require.ErrorIs(t, err, repository.ErrInvalidInput)
			assert.Empty(t, store.settings)
			assert.Zero(t, cache.count("org-1"))
		})
	}
}
