package routing

import (
	"context"

	"github.com/untibullet/pr-router/internal/models"
	"go.uber.org/zap"
)

// Engine выбирает правило для события PR.
// Выбор детерминирован: одно и то же событие при неизменных правилах дает одно решение.
type Engine struct {
	cache  *RuleCache
	logger *zap.Logger
}

// NewEngine создает движок поверх кеша правил
func NewEngine(cache *RuleCache, logger *zap.Logger) *Engine {
	return &Engine{
		cache:  cache,
		logger: logger,
	}
}

// Route возвращает первое по приоритету правило, все условия которого совпали.
// Если такого нет, решение несет директиву fallback организации.
func (e *Engine) Route(ctx context.Context, event models.PullRequestEvent) (models.RoutingDecision, error) {
	set, err := e.cache.Get(ctx, event.OrganizationID)
	if err != nil {
		return models.RoutingDecision{}, err
	}

	return Decide(set, event, e.logger), nil
}

// Decide выполняет выбор правила на уже загруженном наборе
func Decide(set *RuleSet, event models.PullRequestEvent, logger *zap.Logger) models.RoutingDecision {
	for _, rule := range set.Rules {
		if !Matches(rule.Conditions, event, set.Location) {
			continue
		}

		directive := rule.Directive()
		if directive == nil {
			// Правило с неизвестной стратегией пропускается, маршрутизация идет дальше
			logger.Warn("skipping rule with unknown strategy",
				zap.String("rule_id", rule.ID),
				zap.String("strategy", string(rule.Strategy)))
			continue
		}

		ruleID := rule.ID
		return models.RoutingDecision{
			Matched:   true,
			RuleID:    &ruleID,
			RuleName:  rule.Name,
			Directive: directive,
		}
	}

	return models.RoutingDecision{
		Matched:   false,
		Directive: set.Settings.Fallback.Directive(set.OrganizationID),
	}
}
