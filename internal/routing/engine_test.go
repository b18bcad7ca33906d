package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/untibullet/pr-router/internal/models"
	"go.uber.org/zap"
)

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func rule(id string, priority int, strategy models.Strategy, conds ...models.Condition) models.RoutingRule {
	return models.RoutingRule{
		ID:             id,
		OrganizationID: "org-1",
		Name:           "rule " + id,
		Conditions:     conds,
		Targets:        []models.ReviewerRef{{ReviewerID: "rev-" + id}},
		Strategy:       strategy,
		ReviewerCount:  1,
		Priority:       priority,
		Enabled:        true,
		CreatedAt:      baseTime.Add(time.Duration(priority) * time.Minute),
	}
}

func newTestEngine(loader RuleLoader) *Engine {
	return NewEngine(NewRuleCache(loader, time.Second), zap.NewNop())
}

func TestEngine_Route_FirstMatchByPriority(t *testing.T) {
	backend := models.Condition{Type: models.ConditionFilePattern, Patterns: []string{"services/**"}}
	loader := &fakeLoader{rules: []models.RoutingRule{
		rule("low", 20, models.StrategyExplicit, backend),
		rule("high", 10, models.StrategyLeastBusy, backend),
		rule("catch-all", 30, models.StrategyExplicit),
	}}

	decision, err := newTestEngine(loader).Route(context.Background(), testEvent())
	require.NoError(t, err)

	assert.True(t, decision.Matched)
	require.NotNil(t, decision.RuleID)
	assert.Equal(t, "high", *decision.RuleID)
	assert.Equal(t, "rule high", decision.RuleName)
	assert.IsType(t, &models.LeastBusyDirective{}, decision.Directive)
}

func TestEngine_Route_RequiresAllConditions(t *testing.T) {
	loader := &fakeLoader{rules: []models.RoutingRule{
		rule("both", 1, models.StrategyExplicit,
			models.Condition{Type: models.ConditionFilePattern, Patterns: []string{"services/**"}},
			models.Condition{Type: models.ConditionAuthor, Values: []string{"bob"}},
		),
		rule("files", 2, models.StrategyExplicit,
			models.Condition{Type: models.ConditionFilePattern, Patterns: []string{"services/**"}},
		),
	}}

	decision, err := newTestEngine(loader).Route(context.Background(), testEvent())
	require.NoError(t, err)
	require.NotNil(t, decision.RuleID)
	assert.Equal(t, "files", *decision.RuleID)
}

func TestEngine_Route_SkipsDisabledAndUnknownStrategy(t *testing.T) {
	disabled := rule("disabled", 1, models.StrategyExplicit)
	disabled.Enabled = false

	loader := &fakeLoader{rules: []models.RoutingRule{
		disabled,
		rule("weird", 2, models.Strategy("random")),
		rule("valid", 3, models.StrategyRoundRobin),
	}}

	decision, err := newTestEngine(loader).Route(context.Background(), testEvent())
	require.NoError(t, err)
	require.NotNil(t, decision.RuleID)
	assert.Equal(t, "valid", *decision.RuleID)

	rr, ok := decision.Directive.(*models.RoundRobinDirective)
	require.True(t, ok)
	assert.Equal(t, "rule:valid", rr.CursorKey)
}

func TestEngine_Route_MalformedConditionFailsClosed(t *testing.T) {
	loader := &fakeLoader{rules: []models.RoutingRule{
		rule("broken", 1, models.StrategyExplicit, models.Condition{Type: "invalid"}),
	}}

	decision, err := newTestEngine(loader).Route(context.Background(), testEvent())
	require.NoError(t, err)
	assert.False(t, decision.Matched)
	assert.Nil(t, decision.Directive)
}

func TestEngine_Route_Fallback(t *testing.T) {
	noMatch := rule("frontend", 1, models.StrategyExplicit,
		models.Condition{Type: models.ConditionFilePattern, Patterns: []string{"web/**"}})

	t.Run("none", func(t *testing.T) {
		loader := &fakeLoader{rules: []models.RoutingRule{noMatch}}

		decision, err := newTestEngine(loader).Route(context.Background(), testEvent())
		require.NoError(t, err)
		assert.False(t, decision.Matched)
		assert.Nil(t, decision.RuleID)
		assert.Nil(t, decision.Directive)
	})

	t.Run("pool", func(t *testing.T) {
		loader := &fakeLoader{
			rules: []models.RoutingRule{noMatch},
			settings: models.OrgSettings{Fallback: models.FallbackPolicy{
				Mode:  models.FallbackPool,
				Pool:  []models.ReviewerRef{{ReviewerID: "x"}, {ReviewerID: "y"}},
				Count: 2,
			}},
		}

		decision, err := newTestEngine(loader).Route(context.Background(), testEvent())
		require.NoError(t, err)
		assert.False(t, decision.Matched)

		lb, ok := decision.Directive.(*models.LeastBusyDirective)
		require.True(t, ok, "fallback pool defaults to least_busy")
		assert.Equal(t, []string{"x", "y"}, lb.Pool)
		assert.Equal(t, 2, lb.Count)
	})
}

func TestEngine_Route_Deterministic(t *testing.T) {
	loader := &fakeLoader{rules: []models.RoutingRule{
		rule("a", 5, models.StrategyExplicit),
		rule("b", 6, models.StrategyExplicit),
	}}
	engine := newTestEngine(loader)

	first, err := engine.Route(context.Background(), testEvent())
	require.NoError(t, err)
	for range 20 {
		next, err := engine.Route(context.Background(), testEvent())
		require.NoError(t, err)
		assert.Equal(t, first, next)
	}
}

func TestEngine_Route_TimeWindowUsesOrganizationTimezone(t *testing.T) {
	window := models.Condition{Type: models.ConditionTimeWindow, Window: &models.TimeWindow{StartHour: 9, EndHour: 12}}

	utc := &fakeLoader{rules: []models.RoutingRule{rule("morning", 1, models.StrategyExplicit, window)}}
	decision, err := newTestEngine(utc).Route(context.Background(), testEvent())
	require.NoError(t, err)
	assert.True(t, decision.Matched)

	tokyo := &fakeLoader{
		rules:    []models.RoutingRule{rule("morning", 1, models.StrategyExplicit, window)},
		settings: models.OrgSettings{Timezone: "Asia/Tokyo"},
	}
	decision, err = newTestEngine(tokyo).Route(context.Background(), testEvent())
	require.NoError(t, err)
	assert.False(t, decision.Matched)
}
