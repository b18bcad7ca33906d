package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/untibullet/pr-router/internal/models"
	"github.com/untibullet/pr-router/internal/repository"
)

const ruleColumns = `id, organization_id, name, conditions, targets, strategy, reviewer_count, priority, enabled, created_at`

func (s *Store) ensureOrganization(ctx context.Context, orgID string) error {
	_, err := s.executor(ctx).ExecContext(ctx,
		`INSERT INTO organizations (id) VALUES (?) ON CONFLICT (id) DO NOTHING`, orgID)
	return wrap("failed to ensure organization", err)
}

// GetRules возвращает включенные правила организации и ее настройки
func (s *Store) GetRules(ctx context.Context, orgID string) ([]models.RoutingRule, models.OrgSettings, error) {
	settings := models.OrgSettings{
		Timezone: "UTC",
		Fallback: models.FallbackPolicy{Mode: models.FallbackNone},
	}

	var fallback string
	err := s.executor(ctx).QueryRowContext(ctx,
		`SELECT timezone, fallback FROM organizations WHERE id = ?`, orgID,
	).Scan(&settings.Timezone, &fallback)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, settings, nil
	}
	if err != nil {
		return nil, settings, wrap("failed to get organization settings", err)
	}
	if err := json.Unmarshal([]byte(fallback), &settings.Fallback); err != nil {
		return nil, settings, fmt.Errorf("failed to decode fallback policy: %w", err)
	}

	rules, err := s.queryRules(ctx, `SELECT `+ruleColumns+` FROM routing_rules
		WHERE organization_id = ? AND enabled = 1 ORDER BY priority, created_at, id`, orgID)
	if err != nil {
		return nil, settings, err
	}
	return rules, settings, nil
}

// ListRules возвращает все правила организации
func (s *Store) ListRules(ctx context.Context, orgID string) ([]models.RoutingRule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM routing_rules
		WHERE organization_id = ? ORDER BY priority, created_at, id`, orgID)
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]models.RoutingRule, error) {
	rows, err := s.executor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("failed to get rules", err)
	}
	defer rows.Close()

	var rules []models.RoutingRule
	for rows.Next() {
		var (
			rule       models.RoutingRule
			conditions string
			targets    string
			strategy   string
		)
		if err := rows.Scan(&rule.ID, &rule.OrganizationID, &rule.Name, &conditions, &targets,
			&strategy, &rule.ReviewerCount, &rule.Priority, &rule.Enabled, &rule.CreatedAt); err != nil {
			return nil, wrap("failed to scan rule", err)
		}
		rule.Strategy = models.Strategy(strategy)
		rule.CreatedAt = rule.CreatedAt.UTC()

		if err := json.Unmarshal([]byte(conditions), &rule.Conditions); err != nil {
			rule.Conditions = []models.Condition{{Type: "invalid"}}
		}
		if err := json.Unmarshal([]byte(targets), &rule.Targets); err != nil {
			rule.Targets = nil
		}
		rules = append(rules, rule)
	}
	return rules, wrap("failed to iterate rules", rows.Err())
}

// CreateRule сохраняет новое правило
func (s *Store) CreateRule(ctx context.Context, rule models.RoutingRule) error {
	conditions, targets, err := encodeRule(rule)
	if err != nil {
		return err
	}

	return s.WithTx(ctx, func(ctx context.Context) error {
		if err := s.ensureOrganization(ctx, rule.OrganizationID); err != nil {
			return err
		}

		query := `
			INSERT INTO routing_rules (id, organization_id, name, conditions, targets, strategy, reviewer_count, priority, enabled, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := s.executor(ctx).ExecContext(ctx, query, rule.ID, rule.OrganizationID, rule.Name, conditions, targets,
			string(rule.Strategy), rule.ReviewerCount, rule.Priority, rule.Enabled, rule.CreatedAt.UTC())
		if err != nil {
			return ruleWriteError("failed to create rule", err)
		}
		return nil
	})
}

// UpdateRule перезаписывает правило организации
func (s *Store) UpdateRule(ctx context.Context, rule models.RoutingRule) error {
	conditions, targets, err := encodeRule(rule)
	if err != nil {
		return err
	}

	query := `
		UPDATE routing_rules
		SET name = ?, conditions = ?, targets = ?, strategy = ?, reviewer_count = ?, priority = ?, enabled = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND organization_id = ?
	`
	res, err := s.executor(ctx).ExecContext(ctx, query, rule.Name, conditions, targets, string(rule.Strategy),
		rule.ReviewerCount, rule.Priority, rule.Enabled, rule.ID, rule.OrganizationID)
	if err != nil {
		return ruleWriteError("failed to update rule", err)
	}
	return expectRow(res)
}

// DeleteRule удаляет правило, назначения со ссылкой на него остаются
func (s *Store) DeleteRule(ctx context.Context, orgID, ruleID string) error {
	res, err := s.executor(ctx).ExecContext(ctx,
		`DELETE FROM routing_rules WHERE id = ? AND organization_id = ?`, ruleID, orgID)
	if err != nil {
		return wrap("failed to delete rule", err)
	}
	return expectRow(res)
}

// ReorderRules выставляет приоритеты по порядку ruleIDs.
// SQLite проверяет уникальность построчно, поэтому сначала приоритеты
// уводятся в отрицательные значения.
func (s *Store) ReorderRules(ctx context.Context, orgID string, ruleIDs []string) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		rows, err := s.executor(ctx).QueryContext(ctx, `SELECT id FROM routing_rules WHERE organization_id = ?`, orgID)
		if err != nil {
			return wrap("failed to get rule ids", err)
		}
		var current []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return wrap("failed to scan rule id", err)
			}
			current = append(current, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return wrap("failed to iterate rule ids", err)
		}

		if !sameIDs(current, ruleIDs) {
			return fmt.Errorf("%w: reorder must list every rule of the organization exactly once", repository.ErrInvalidInput)
		}

		if _, err := s.executor(ctx).ExecContext(ctx,
			`UPDATE routing_rules SET priority = -1 - priority WHERE organization_id = ?`, orgID); err != nil {
			return ruleWriteError("failed to reorder rules", err)
		}
		for i, id := range ruleIDs {
			if _, err := s.executor(ctx).ExecContext(ctx,
				`UPDATE routing_rules SET priority = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND organization_id = ?`,
				i, id, orgID); err != nil {
				return ruleWriteError("failed to reorder rules", err)
			}
		}
		return nil
	})
}

// SetOrganizationSettings сохраняет часовой пояс и fallback организации
func (s *Store) SetOrganizationSettings(ctx context.Context, orgID string, settings models.OrgSettings) error {
	fallback, err := json.Marshal(settings.Fallback)
	if err != nil {
		return fmt.Errorf("failed to encode fallback policy: %w", err)
	}
	timezone := settings.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	query := `
		INSERT INTO organizations (id, timezone, fallback) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET timezone = excluded.timezone, fallback = excluded.fallback, updated_at = CURRENT_TIMESTAMP
	`
	_, err = s.executor(ctx).ExecContext(ctx, query, orgID, timezone, string(fallback))
	return wrap("failed to save organization settings", err)
}

func encodeRule(rule models.RoutingRule) (string, string, error) {
	conditions := rule.Conditions
	if conditions == nil {
		conditions = []models.Condition{}
	}
	c, err := json.Marshal(conditions)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode conditions: %w", err)
	}
	t, err := json.Marshal(rule.Targets)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode targets: %w", err)
	}
	return string(c), string(t), nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("failed to get affected rows", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}
