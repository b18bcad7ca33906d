package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/untibullet/pr-router/internal/models"
)

const ruleColumns = `id, organization_id, name, conditions, targets, strategy, reviewer_count, priority, enabled, created_at`

// ensureOrganization создает запись организации, если ее еще нет
func (r *Repository) ensureOrganization(ctx context.Context, orgID string) error {
	_, err := r.executor(ctx).Exec(ctx,
		`INSERT INTO organizations (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, orgID)
	return wrap("failed to ensure organization", err)
}

// GetRules возвращает включенные правила организации и ее настройки маршрутизации
func (r *Repository) GetRules(ctx context.Context, orgID string) ([]models.RoutingRule, models.OrgSettings, error) {
	settings := models.OrgSettings{
		Timezone: "UTC",
		Fallback: models.FallbackPolicy{Mode: models.FallbackNone},
	}

	var fallback []byte
	err := r.executor(ctx).QueryRow(ctx,
		`SELECT timezone, fallback FROM organizations WHERE id = $1`, orgID,
	).Scan(&settings.Timezone, &fallback)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, settings, nil
	}
	if err != nil {
		return nil, settings, wrap("failed to get organization settings", err)
	}
	if err := json.Unmarshal(fallback, &settings.Fallback); err != nil {
		return nil, settings, fmt.Errorf("failed to decode fallback policy: %w", err)
	}

	query := `
		SELECT ` + ruleColumns + `
		FROM routing_rules
		WHERE organization_id = $1 AND enabled = TRUE
		ORDER BY priority, created_at, id
	`
	rules, err := r.queryRules(ctx, query, orgID)
	if err != nil {
		return nil, settings, err
	}

	return rules, settings, nil
}

// ListRules возвращает все правила организации, включая выключенные
func (r *Repository) ListRules(ctx context.Context, orgID string) ([]models.RoutingRule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM routing_rules
		WHERE organization_id = $1
		ORDER BY priority, created_at, id
	`
	return r.queryRules(ctx, query, orgID)
}

func (r *Repository) queryRules(ctx context.Context, query string, args ...any) ([]models.RoutingRule, error) {
	rows, err := r.executor(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("failed to get rules", err)
	}
	defer rows.Close()

	var rules []models.RoutingRule
	for rows.Next() {
		var (
			rule       models.RoutingRule
			conditions []byte
			targets    []byte
			strategy   string
		)
		if err := rows.Scan(&rule.ID, &rule.OrganizationID, &rule.Name, &conditions, &targets,
			&strategy, &rule.ReviewerCount, &rule.Priority, &rule.Enabled, &rule.CreatedAt); err != nil {
			return nil, wrap("failed to scan rule", err)
		}
		rule.Strategy = models.Strategy(strategy)

		// Битые данные правила не должны ломать маршрутизацию всей организации:
		// условие неизвестного типа просто не совпадет
		if err := json.Unmarshal(conditions, &rule.Conditions); err != nil {
			rule.Conditions = []models.Condition{{Type: "invalid"}}
		}
		if err := json.Unmarshal(targets, &rule.Targets); err != nil {
			rule.Targets = nil
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("failed to iterate rules", err)
	}

	return rules, nil
}

// CreateRule сохраняет новое правило
func (r *Repository) CreateRule(ctx context.Context, rule models.RoutingRule) error {
	conditions, targets, err := encodeRule(rule)
	if err != nil {
		return err
	}

	return r.WithTx(ctx, func(ctx context.Context) error {
		if err := r.ensureOrganization(ctx, rule.OrganizationID); err != nil {
			return err
		}

		query := `
			INSERT INTO routing_rules (id, organization_id, name, conditions, targets, strategy, reviewer_count, priority, enabled, created_at)
			VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7, $8, $9, $10)
		`
		_, err := r.executor(ctx).Exec(ctx, query, rule.ID, rule.OrganizationID, rule.Name, conditions, targets,
			string(rule.Strategy), rule.ReviewerCount, rule.Priority, rule.Enabled, rule.CreatedAt)
		if err != nil {
			return ruleWriteError("failed to create rule", err)
		}
		return nil
	})
}

// UpdateRule перезаписывает правило организации
func (r *Repository) UpdateRule(ctx context.Context, rule models.RoutingRule) error {
	conditions, targets, err := encodeRule(rule)
	if err != nil {
		return err
	}

	query := `
		UPDATE routing_rules
		SET name = $3, conditions = $4::jsonb, targets = $5::jsonb, strategy = $6,
		    reviewer_count = $7, priority = $8, enabled = $9, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2
	`
	tag, err := r.executor(ctx).Exec(ctx, query, rule.ID, rule.OrganizationID, rule.Name, conditions, targets,
		string(rule.Strategy), rule.ReviewerCount, rule.Priority, rule.Enabled)
	if err != nil {
		return ruleWriteError("failed to update rule", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRule удаляет правило; назначения со ссылкой на него остаются
func (r *Repository) DeleteRule(ctx context.Context, orgID, ruleID string) error {
	tag, err := r.executor(ctx).Exec(ctx,
		`DELETE FROM routing_rules WHERE id = $1 AND organization_id = $2`, ruleID, orgID)
	if err != nil {
		return wrap("failed to delete rule", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReorderRules выставляет приоритеты по порядку ruleIDs одним оператором.
// Набор id должен совпадать с набором правил организации.
func (r *Repository) ReorderRules(ctx context.Context, orgID string, ruleIDs []string) error {
	return r.WithTx(ctx, func(ctx context.Context) error {
		rows, err := r.executor(ctx).Query(ctx,
			`SELECT id FROM routing_rules WHERE organization_id = $1 FOR UPDATE`, orgID)
		if err != nil {
			return wrap("failed to lock rules", err)
		}
		current, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return wrap("failed to scan rule ids", err)
		}

		if !sameIDs(current, ruleIDs) {
			return fmt.Errorf("%w: reorder must list every rule of the organization exactly once", ErrInvalidInput)
		}

		priorities := make([]int32, len(ruleIDs))
		for i := range ruleIDs {
			priorities[i] = int32(i)
		}

		query := `
			UPDATE routing_rules r
			SET priority = v.priority, updated_at = NOW()
			FROM unnest($2::text[], $3::int[]) AS v(id, priority)
			WHERE r.id = v.id AND r.organization_id = $1
		`
		if _, err := r.executor(ctx).Exec(ctx, query, orgID, ruleIDs, priorities); err != nil {
			return ruleWriteError("failed to reorder rules", err)
		}
		return nil
	})
}

// SetOrganizationSettings сохраняет часовой пояс и fallback организации
func (r *Repository) SetOrganizationSettings(ctx context.Context, orgID string, settings models.OrgSettings) error {
	fallback, err := json.Marshal(settings.Fallback)
	if err != nil {
		return fmt.Errorf("failed to encode fallback policy: %w", err)
	}
	timezone := settings.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	query := `
		INSERT INTO organizations (id, timezone, fallback) VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (id) DO UPDATE
		SET timezone = excluded.timezone, fallback = excluded.fallback, updated_at = NOW()
	`
	_, err = r.executor(ctx).Exec(ctx, query, orgID, timezone, fallback)
	return wrap("failed to save organization settings", err)
}

func encodeRule(rule models.RoutingRule) ([]byte, []byte, error) {
	conditions := rule.Conditions
	if conditions == nil {
		conditions = []models.Condition{}
	}
	c, err := json.Marshal(conditions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode conditions: %w", err)
	}
	t, err := json.Marshal(rule.Targets)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode targets: %w", err)
	}
	return c, t, nil
}

func ruleWriteError(msg string, err error) error {
	if pgErr, ok := isUniqueViolation(err); ok {
		if pgErr.ConstraintName == rulePriorityKeyName {
			return ErrDuplicatePriority
		}
		return ErrAlreadyExists
	}
	return wrap(msg, err)
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
