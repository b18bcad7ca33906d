package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/untibullet/pr-router/internal/models"
)

const reviewerColumns = `external_id, organization_id, username, email, slack_id, is_active, is_lead`

// UpsertReviewers создает или обновляет ревьюеров организации одним запросом
func (r *Repository) UpsertReviewers(ctx context.Context, orgID string, reviewers []models.Reviewer) ([]models.Reviewer, error) {
	// Готовим колонки для массового upsert
	ids := make([]string, len(reviewers))
	names := make([]string, len(reviewers))
	emails := make([]string, len(reviewers))
	slackIDs := make([]string, len(reviewers))
	active := make([]bool, len(reviewers))
	leads := make([]bool, len(reviewers))
	for i, rv := range reviewers {
		ids[i] = rv.ID
		names[i] = rv.Username
		emails[i] = rv.Email
		slackIDs[i] = rv.SlackID
		active[i] = rv.IsActive
		leads[i] = rv.IsLead
	}

	var result []models.Reviewer
	err := r.WithTx(ctx, func(ctx context.Context) error {
		if err := r.ensureOrganization(ctx, orgID); err != nil {
			return err
		}

		query := `
			INSERT INTO reviewers (organization_id, external_id, username, email, slack_id, is_active, is_lead)
			SELECT $1::text, * FROM unnest($2::text[], $3::text[], $4::text[], $5::text[], $6::boolean[], $7::boolean[])
			ON CONFLICT (organization_id, external_id) DO UPDATE
			SET username = excluded.username, email = excluded.email, slack_id = excluded.slack_id,
			    is_active = excluded.is_active, is_lead = excluded.is_lead, updated_at = NOW()
			RETURNING ` + reviewerColumns
		rows, err := r.executor(ctx).Query(ctx, query, orgID, ids, names, emails, slackIDs, active, leads)
		if err != nil {
			return wrap("failed to upsert reviewers", err)
		}

		result, err = pgx.CollectRows(rows, scanReviewer)
		return wrap("failed to scan upserted reviewer", err)
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// UpdateReviewerStatus обновляет статус активности ревьюера по внешнему ID
func (r *Repository) UpdateReviewerStatus(ctx context.Context, orgID, reviewerID string, isActive bool) error {
	query := `UPDATE reviewers SET is_active = $1, updated_at = NOW() WHERE organization_id = $2 AND external_id = $3`
	tag, err := r.executor(ctx).Exec(ctx, query, isActive, orgID, reviewerID)
	if err != nil {
		return wrap("failed to update reviewer status", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetReviewer получает ревьюера по внешнему ID
func (r *Repository) GetReviewer(ctx context.Context, orgID, reviewerID string) (*models.Reviewer, error) {
	query := `SELECT ` + reviewerColumns + ` FROM reviewers WHERE organization_id = $1 AND external_id = $2`
	rows, err := r.executor(ctx).Query(ctx, query, orgID, reviewerID)
	if err != nil {
		return nil, wrap("failed to get reviewer", err)
	}

	reviewer, err := pgx.CollectExactlyOneRow(rows, scanReviewer)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("failed to get reviewer", err)
	}
	return &reviewer, nil
}

// GetReviewers возвращает найденных ревьюеров организации из списка ids.
// Отсутствующие id просто не попадают в результат.
func (r *Repository) GetReviewers(ctx context.Context, orgID string, ids []string) ([]models.Reviewer, error) {
	query := `SELECT ` + reviewerColumns + ` FROM reviewers WHERE organization_id = $1 AND external_id = ANY($2) ORDER BY external_id`
	rows, err := r.executor(ctx).Query(ctx, query, orgID, ids)
	if err != nil {
		return nil, wrap("failed to get reviewers", err)
	}

	reviewers, err := pgx.CollectRows(rows, scanReviewer)
	return reviewers, wrap("failed to scan reviewers", err)
}

// GetTeamLeads возвращает активных тимлидов организации
func (r *Repository) GetTeamLeads(ctx context.Context, orgID string) ([]models.Reviewer, error) {
	query := `
		SELECT ` + reviewerColumns + `
		FROM reviewers
		WHERE organization_id = $1 AND is_lead = TRUE AND is_active = TRUE
		ORDER BY external_id
	`
	rows, err := r.executor(ctx).Query(ctx, query, orgID)
	if err != nil {
		return nil, wrap("failed to get team leads", err)
	}

	leads, err := pgx.CollectRows(rows, scanReviewer)
	return leads, wrap("failed to scan team leads", err)
}

// GetEscalationConfig возвращает пороги организации, незаданные берутся по умолчанию
func (r *Repository) GetEscalationConfig(ctx context.Context, orgID string) (models.EscalationThresholds, error) {
	th := r.defaults

	var reminder, escalation *int64
	err := r.executor(ctx).QueryRow(ctx,
		`SELECT reminder_threshold_seconds, escalation_threshold_seconds FROM organizations WHERE id = $1`, orgID,
	).Scan(&reminder, &escalation)
	if errors.Is(err, pgx.ErrNoRows) {
		return th, nil
	}
	if err != nil {
		return th, wrap("failed to get escalation config", err)
	}

	if reminder != nil {
		th.Reminder = time.Duration(*reminder) * time.Second
	}
	if escalation != nil {
		th.Escalation = time.Duration(*escalation) * time.Second
	}
	return th, nil
}

// SetEscalationConfig сохраняет пороги организации
func (r *Repository) SetEscalationConfig(ctx context.Context, orgID string, th models.EscalationThresholds) error {
	query := `
		INSERT INTO organizations (id, reminder_threshold_seconds, escalation_threshold_seconds) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET reminder_threshold_seconds = excluded.reminder_threshold_seconds,
		    escalation_threshold_seconds = excluded.escalation_threshold_seconds,
		    updated_at = NOW()
	`
	_, err := r.executor(ctx).Exec(ctx, query, orgID, int64(th.Reminder/time.Second), int64(th.Escalation/time.Second))
	return wrap("failed to save escalation config", err)
}

func scanReviewer(row pgx.CollectableRow) (models.Reviewer, error) {
	var rv models.Reviewer
	err := row.Scan(&rv.ID, &rv.OrganizationID, &rv.Username, &rv.Email, &rv.SlackID, &rv.IsActive, &rv.IsLead)
	return rv, err
}
