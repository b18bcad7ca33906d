package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/untibullet/pr-router/internal/models"
	"github.com/untibullet/pr-router/internal/repository"
)

// RuleStore мутации и чтение правил маршрутизации
type RuleStore interface {
	ListRules(ctx context.Context, orgID string) ([]models.RoutingRule, error)
	CreateRule(ctx context.Context, rule models.RoutingRule) error
	UpdateRule(ctx context.Context, rule models.RoutingRule) error
	DeleteRule(ctx context.Context, orgID, ruleID string) error
	ReorderRules(ctx context.Context, orgID string, ruleIDs []string) error
	SetOrganizationSettings(ctx context.Context, orgID string, settings models.OrgSettings) error
}

// Invalidator сбрасывает закешированные правила организации
type Invalidator interface {
	Invalidate(orgID string)
}

// RuleService управляет правилами. Каждая мутация сбрасывает кеш организации
// до возврата результата вызывающему.
type RuleService struct {
	store RuleStore
	cache Invalidator
}

// NewRuleService создает сервис правил
func NewRuleService(store RuleStore, cache Invalidator) *RuleService {
	return &RuleService{
		store: store,
		cache: cache,
	}
}

// ListRules возвращает все правила организации в порядке приоритета
func (s *RuleService) ListRules(ctx context.Context, orgID string) ([]models.RoutingRule, error) {
	return s.store.ListRules(ctx, orgID)
}

// CreateRule создает правило. Приоритет должен быть свободен в организации.
func (s *RuleService) CreateRule(ctx context.Context, rule models.RoutingRule) (models.RoutingRule, error) {
	if err := validateRule(rule); err != nil {
		return models.RoutingRule{}, err
	}
	defer s.cache.Invalidate(rule.OrganizationID)

	rule.ID = uuid.NewString()
	rule.CreatedAt = time.Now().UTC()
	if err := s.store.CreateRule(ctx, rule); err != nil {
		return models.RoutingRule{}, err
	}
	return rule, nil
}

// UpdateRule обновляет правило целиком
func (s *RuleService) UpdateRule(ctx context.Context, rule models.RoutingRule) (models.RoutingRule, error) {
	if rule.ID == "" {
		return models.RoutingRule{}, fmt.Errorf("%w: rule id is required", repository.ErrInvalidInput)
	}
	if err := validateRule(rule); err != nil {
		return models.RoutingRule{}, err
	}
	defer s.cache.Invalidate(rule.OrganizationID)

	if err := s.store.UpdateRule(ctx, rule); err != nil {
		return models.RoutingRule{}, err
	}
	return rule, nil
}

// DeleteRule удаляет правило. Исторические назначения сохраняют ссылку на него.
func (s *RuleService) DeleteRule(ctx context.Context, orgID, ruleID string) error {
	defer s.cache.Invalidate(orgID)
	return s.store.DeleteRule(ctx, orgID, ruleID)
}

// ReorderRules назначает приоритеты 0..n-1 в переданном порядке.
// Список должен содержать каждое правило организации ровно один раз.
func (s *RuleService) ReorderRules(ctx context.Context, orgID string, ruleIDs []string) error {
	sorted := slices.Clone(ruleIDs)
	slices.Sort(sorted)
	if len(slices.Compact(sorted)) != len(ruleIDs) {
		return fmt.Errorf("%w: duplicate rule ids in reorder", repository.ErrInvalidInput)
	}
	defer s.cache.Invalidate(orgID)

	return s.store.ReorderRules(ctx, orgID, ruleIDs)
}

// SetOrganizationSettings меняет часовой пояс и fallback организации
func (s *RuleService) SetOrganizationSettings(ctx context.Context, orgID string, settings models.OrgSettings) error {
	if settings.Timezone != "" {
		if _, err := time.LoadLocation(settings.Timezone); err != nil {
			return fmt.Errorf("%w: unknown timezone %q", repository.ErrInvalidInput, settings.Timezone)
		}
	}
	switch settings.Fallback.Mode {
	case "", models.FallbackNone, models.FallbackPool:
	default:
		return fmt.Errorf("%w: unknown fallback mode %q", repository.ErrInvalidInput, settings.Fallback.Mode)
	}
	defer s.cache.Invalidate(orgID)

	return s.store.SetOrganizationSettings(ctx, orgID, settings)
}

func validateRule(rule models.RoutingRule) error {
	if rule.OrganizationID == "" || rule.Name == "" {
		return fmt.Errorf("%w: organization_id and name are required", repository.ErrInvalidInput)
	}
	if rule.Priority < 0 {
		return fmt.Errorf("%w: priority must be non-negative", repository.ErrInvalidInput)
	}
	switch rule.Strategy {
	case models.StrategyExplicit, models.StrategyRoundRobin, models.StrategyLeastBusy:
	default:
		return fmt.Errorf("%w: unknown strategy %q", repository.ErrInvalidInput, rule.Strategy)
	}
	if len(rule.Targets) == 0 {
		return fmt.Errorf("%w: rule has no targets", repository.ErrInvalidInput)
	}
	return nil
}
