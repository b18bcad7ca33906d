package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/untibullet/pr-router/internal/models"
	"github.com/untibullet/pr-router/internal/repository"
)

const assignmentSelect = `
	SELECT a.id, a.organization_id, a.pull_request_id, a.reviewer_id, a.rule_id,
	       COALESCE(r.name, CASE WHEN a.rule_id IS NULL THEN '' ELSE '` + models.UnknownRuleName + `' END),
	       a.status, COALESCE(a.notified_status, ''), a.assigned_at, a.reviewed_at, a.last_escalated_at
	FROM review_assignments a
	LEFT JOIN routing_rules r ON r.id = a.rule_id
`

// LockPullRequest ничего не делает: транзакции SQLite открываются с
// блокировкой на запись и уже сериализованы.
func (s *Store) LockPullRequest(ctx context.Context, orgID, pullRequestID string) error {
	return nil
}

// ListAssignmentsByPR возвращает все назначения PR, старые первыми
func (s *Store) ListAssignmentsByPR(ctx context.Context, pullRequestID string) ([]models.ReviewAssignment, error) {
	return s.queryAssignments(ctx, assignmentSelect+` WHERE a.pull_request_id = ? ORDER BY a.assigned_at, a.id`, pullRequestID)
}

// InsertAssignment сохраняет новое назначение
func (s *Store) InsertAssignment(ctx context.Context, a models.ReviewAssignment) error {
	query := `
		INSERT INTO review_assignments (id, organization_id, pull_request_id, reviewer_id, rule_id, status, assigned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.executor(ctx).ExecContext(ctx, query, a.ID, a.OrganizationID, a.PullRequestID, a.ReviewerID,
		a.RuleID, string(a.Status), a.AssignedAt.UTC())
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return repository.ErrAlreadyExists
		}
		return wrap("failed to insert assignment", err)
	}
	return nil
}

// GetPendingAssignments возвращает кандидатов на проход эскалации.
// Время хранится строкой, поэтому отсечка по cutoff делается здесь, а не в SQL.
func (s *Store) GetPendingAssignments(ctx context.Context, cutoff time.Time) ([]models.ReviewAssignment, error) {
	all, err := s.queryAssignments(ctx, assignmentSelect+`
		WHERE a.status IN ('pending', 'reminded', 'escalated') ORDER BY a.assigned_at, a.id`)
	if err != nil {
		return nil, err
	}

	var due []models.ReviewAssignment
	for _, a := range all {
		switch {
		case a.NeedsRedelivery():
			due = append(due, a)
		case a.Status == models.StatusPending && !a.AssignedAt.After(cutoff):
			due = append(due, a)
		case a.Status == models.StatusReminded && !lastTransition(a).After(cutoff):
			due = append(due, a)
		}
	}
	return due, nil
}

func lastTransition(a models.ReviewAssignment) time.Time {
	if a.LastEscalatedAt != nil {
		return *a.LastEscalatedAt
	}
	return a.AssignedAt
}

// SupersedeAssignments закрывает активные назначения при переназначении PR
func (s *Store) SupersedeAssignments(ctx context.Context, assignmentIDs []string, at time.Time) error {
	if len(assignmentIDs) == 0 {
		return nil
	}

	args := make([]any, 0, len(assignmentIDs)+2)
	args = append(args, string(models.StatusSuperseded), at.UTC())
	for _, id := range assignmentIDs {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(assignmentIDs)), ", ")

	_, err := s.executor(ctx).ExecContext(ctx, `
		UPDATE review_assignments SET status = ?, reviewed_at = ?
		WHERE id IN (`+placeholders+`) AND status IN ('pending', 'reminded', 'escalated')`, args...)
	return wrap("failed to supersede assignments", err)
}

// CompareAndSwapStatus переводит назначение из from в to, если оно все еще в from
func (s *Store) CompareAndSwapStatus(ctx context.Context, assignmentID string, from, to models.AssignmentStatus, at time.Time) (bool, error) {
	res, err := s.executor(ctx).ExecContext(ctx,
		`UPDATE review_assignments SET status = ?, last_escalated_at = ? WHERE id = ? AND status = ?`,
		string(to), at.UTC(), assignmentID, string(from))
	if err != nil {
		return false, wrap("failed to update assignment status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("failed to get affected rows", err)
	}
	return n == 1, nil
}

// MarkNotified отмечает доставку уведомления о статусе, если статус не изменился
func (s *Store) MarkNotified(ctx context.Context, assignmentID string, status models.AssignmentStatus) error {
	_, err := s.executor(ctx).ExecContext(ctx,
		`UPDATE review_assignments SET notified_status = ? WHERE id = ? AND status = ?`,
		string(status), assignmentID, string(status))
	return wrap("failed to mark notification", err)
}

// CompleteAssignment фиксирует решение ревьюера по активному назначению
func (s *Store) CompleteAssignment(ctx context.Context, assignmentID string, status models.AssignmentStatus, reviewedAt time.Time) (*models.ReviewAssignment, error) {
	var (
		result *models.ReviewAssignment
		done   bool
	)
	err := s.WithTx(ctx, func(ctx context.Context) error {
		res, err := s.executor(ctx).ExecContext(ctx, `
			UPDATE review_assignments SET status = ?, reviewed_at = ?
			WHERE id = ? AND status IN ('pending', 'reminded', 'escalated')`,
			string(status), reviewedAt.UTC(), assignmentID)
		if err != nil {
			return wrap("failed to complete assignment", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrap("failed to get affected rows", err)
		}
		done = n == 1

		result, err = s.getAssignment(ctx, assignmentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !done {
		return result, repository.ErrStatusConflict
	}
	return result, nil
}

func (s *Store) getAssignment(ctx context.Context, assignmentID string) (*models.ReviewAssignment, error) {
	assignments, err := s.queryAssignments(ctx, assignmentSelect+` WHERE a.id = ?`, assignmentID)
	if err != nil {
		return nil, err
	}
	if len(assignments) == 0 {
		return nil, repository.ErrNotFound
	}
	return &assignments[0], nil
}

func (s *Store) queryAssignments(ctx context.Context, query string, args ...any) ([]models.ReviewAssignment, error) {
	rows, err := s.executor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("failed to get assignments", err)
	}
	defer rows.Close()

	var assignments []models.ReviewAssignment
	for rows.Next() {
		var (
			a               models.ReviewAssignment
			ruleID          sql.NullString
			status          string
			notifiedStatus  string
			reviewedAt      sql.NullTime
			lastEscalatedAt sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.OrganizationID, &a.PullRequestID, &a.ReviewerID, &ruleID, &a.RuleName,
			&status, &notifiedStatus, &a.AssignedAt, &reviewedAt, &lastEscalatedAt); err != nil {
			return nil, wrap("failed to scan assignment", err)
		}
		a.Status = models.AssignmentStatus(status)
		a.NotifiedStatus = models.AssignmentStatus(notifiedStatus)
		a.AssignedAt = a.AssignedAt.UTC()
		if ruleID.Valid {
			a.RuleID = &ruleID.String
		}
		if reviewedAt.Valid {
			t := reviewedAt.Time.UTC()
			a.ReviewedAt = &t
		}
		if lastEscalatedAt.Valid {
			t := lastEscalatedAt.Time.UTC()
			a.LastEscalatedAt = &t
		}
		assignments = append(assignments, a)
	}
	return assignments, wrap("failed to iterate assignments", rows.Err())
}

// GetReviewerWorkload считает незакрытые (pending и reminded) назначения по ревьюерам
func (s *Store) GetReviewerWorkload(ctx context.Context, orgID string) (map[string]int, error) {
	rows, err := s.executor(ctx).QueryContext(ctx, `
		SELECT reviewer_id, COUNT(*) FROM review_assignments
		WHERE organization_id = ? AND status IN ('pending', 'reminded')
		GROUP BY reviewer_id`, orgID)
	if err != nil {
		return nil, wrap("failed to get reviewer workload", err)
	}
	defer rows.Close()

	workload := make(map[string]int)
	for rows.Next() {
		var reviewerID string
		var count int
		if err := rows.Scan(&reviewerID, &count); err != nil {
			return nil, wrap("failed to scan workload", err)
		}
		workload[reviewerID] = count
	}
	return workload, wrap("failed to iterate workload", rows.Err())
}

// AdvanceRotationCursor сдвигает курсор ротации на один слот и возвращает слот для выбора
func (s *Store) AdvanceRotationCursor(ctx context.Context, key string, poolSize int) (int, error) {
	if poolSize <= 0 {
		return 0, fmt.Errorf("%w: pool size must be positive", repository.ErrInvalidInput)
	}

	var position int
	err := s.executor(ctx).QueryRowContext(ctx, `
		INSERT INTO rotation_cursors (cursor_key, position) VALUES (?, 0)
		ON CONFLICT (cursor_key) DO UPDATE SET position = (rotation_cursors.position + 1) % ?
		RETURNING position`, key, poolSize).Scan(&position)
	if err != nil {
		return 0, wrap("failed to advance rotation cursor", err)
	}
	return position, nil
}

// RecordRoutingFailure сохраняет неудачу маршрутизации
func (s *Store) RecordRoutingFailure(ctx context.Context, f models.RoutingFailure) error {
	_, err := s.executor(ctx).ExecContext(ctx, `
		INSERT INTO routing_failures (id, organization_id, pull_request_id, rule_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, f.ID, f.OrganizationID, f.PullRequestID, f.RuleID, f.Reason, f.CreatedAt.UTC())
	return wrap("failed to record routing failure", err)
}

// ListRoutingFailures возвращает последние неудачи маршрутизации организации
func (s *Store) ListRoutingFailures(ctx context.Context, orgID string) ([]models.RoutingFailure, error) {
	rows, err := s.executor(ctx).QueryContext(ctx, `
		SELECT id, organization_id, pull_request_id, rule_id, reason, created_at
		FROM routing_failures WHERE organization_id = ?
		ORDER BY created_at DESC LIMIT 100`, orgID)
	if err != nil {
		return nil, wrap("failed to get routing failures", err)
	}
	defer rows.Close()

	var failures []models.RoutingFailure
	for rows.Next() {
		var (
			f      models.RoutingFailure
			ruleID sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.OrganizationID, &f.PullRequestID, &ruleID, &f.Reason, &f.CreatedAt); err != nil {
			return nil, wrap("failed to scan routing failure", err)
		}
		if ruleID.Valid {
			f.RuleID = &ruleID.String
		}
		failures = append(failures, f)
	}
	return failures, wrap("failed to iterate routing failures", rows.Err())
}
