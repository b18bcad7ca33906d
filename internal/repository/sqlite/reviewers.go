package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/untibullet/pr-router/internal/models"
	"github.com/untibullet/pr-router/internal/repository"
)

const reviewerColumns = `external_id, organization_id, username, email, slack_id, is_active, is_lead`

// UpsertReviewers создает или обновляет ревьюеров организации
func (s *Store) UpsertReviewers(ctx context.Context, orgID string, reviewers []models.Reviewer) ([]models.Reviewer, error) {
	var result []models.Reviewer
	err := s.WithTx(ctx, func(ctx context.Context) error {
		if err := s.ensureOrganization(ctx, orgID); err != nil {
			return err
		}

		query := `
			INSERT INTO reviewers (organization_id, external_id, username, email, slack_id, is_active, is_lead)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (organization_id, external_id) DO UPDATE
			SET username = excluded.username, email = excluded.email, slack_id = excluded.slack_id,
			    is_active = excluded.is_active, is_lead = excluded.is_lead, updated_at = CURRENT_TIMESTAMP
		`
		ids := make([]string, 0, len(reviewers))
		for _, rv := range reviewers {
			if _, err := s.executor(ctx).ExecContext(ctx, query, orgID, rv.ID, rv.Username, rv.Email,
				rv.SlackID, rv.IsActive, rv.IsLead); err != nil {
				return wrap("failed to upsert reviewer", err)
			}
			ids = append(ids, rv.ID)
		}

		var err error
		result, err = s.GetReviewers(ctx, orgID, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateReviewerStatus обновляет статус активности ревьюера по внешнему ID
func (s *Store) UpdateReviewerStatus(ctx context.Context, orgID, reviewerID string, isActive bool) error {
	res, err := s.executor(ctx).ExecContext(ctx,
		`UPDATE reviewers SET is_active = ?, updated_at = CURRENT_TIMESTAMP WHERE organization_id = ? AND external_id = ?`,
		isActive, orgID, reviewerID)
	if err != nil {
		return wrap("failed to update reviewer status", err)
	}
	return expectRow(res)
}

// GetReviewer получает ревьюера по внешнему ID
func (s *Store) GetReviewer(ctx context.Context, orgID, reviewerID string) (*models.Reviewer, error) {
	row := s.executor(ctx).QueryRowContext(ctx,
		`SELECT `+reviewerColumns+` FROM reviewers WHERE organization_id = ? AND external_id = ?`, orgID, reviewerID)

	var rv models.Reviewer
	err := row.Scan(&rv.ID, &rv.OrganizationID, &rv.Username, &rv.Email, &rv.SlackID, &rv.IsActive, &rv.IsLead)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, wrap("failed to get reviewer", err)
	}
	return &rv, nil
}

// GetReviewers возвращает найденных ревьюеров организации из списка ids
func (s *Store) GetReviewers(ctx context.Context, orgID string, ids []string) ([]models.Reviewer, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, orgID)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")

	return s.queryReviewers(ctx, `SELECT `+reviewerColumns+` FROM reviewers
		WHERE organization_id = ? AND external_id IN (`+placeholders+`) ORDER BY external_id`, args...)
}

// GetTeamLeads возвращает активных тимлидов организации
func (s *Store) GetTeamLeads(ctx context.Context, orgID string) ([]models.Reviewer, error) {
	return s.queryReviewers(ctx, `SELECT `+reviewerColumns+` FROM reviewers
		WHERE organization_id = ? AND is_lead = 1 AND is_active = 1 ORDER BY external_id`, orgID)
}

func (s *Store) queryReviewers(ctx context.Context, query string, args ...any) ([]models.Reviewer, error) {
	rows, err := s.executor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("failed to get reviewers", err)
	}
	defer rows.Close()

	var reviewers []models.Reviewer
	for rows.Next() {
		var rv models.Reviewer
		if err := rows.Scan(&rv.ID, &rv.OrganizationID, &rv.Username, &rv.Email, &rv.SlackID, &rv.IsActive, &rv.IsLead); err != nil {
			return nil, wrap("failed to scan reviewer", err)
		}
		reviewers = append(reviewers, rv)
	}
	return reviewers, wrap("failed to iterate reviewers", rows.Err())
}

// GetEscalationConfig возвращает пороги организации, незаданные берутся по умолчанию
func (s *Store) GetEscalationConfig(ctx context.Context, orgID string) (models.EscalationThresholds, error) {
	th := s.defaults

	var reminder, escalation sql.NullInt64
	err := s.executor(ctx).QueryRowContext(ctx,
		`SELECT reminder_threshold_seconds, escalation_threshold_seconds FROM organizations WHERE id = ?`, orgID,
	).Scan(&reminder, &escalation)
	if errors.Is(err, sql.ErrNoRows) {
		return th, nil
	}
	if err != nil {
		return th, wrap("failed to get escalation config", err)
	}

	if reminder.Valid {
		th.Reminder = time.Duration(reminder.Int64) * time.Second
	}
	if escalation.Valid {
		th.Escalation = time.Duration(escalation.Int64) * time.Second
	}
	return th, nil
}

// SetEscalationConfig сохраняет пороги организации
func (s *Store) SetEscalationConfig(ctx context.Context, orgID string, th models.EscalationThresholds) error {
	_, err := s.executor(ctx).ExecContext(ctx, `
		INSERT INTO organizations (id, reminder_threshold_seconds, escalation_threshold_seconds) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET reminder_threshold_seconds = excluded.reminder_threshold_seconds,
		    escalation_threshold_seconds = excluded.escalation_threshold_seconds,
		    updated_at = CURRENT_TIMESTAMP`,
		orgID, int64(th.Reminder/time.Second), int64(th.Escalation/time.Second))
	return wrap("failed to save escalation config", err)
}
