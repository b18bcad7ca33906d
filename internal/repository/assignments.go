package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/untibullet/pr-router/internal/models"
)

// Имя правила вычисляется соединением; удаленное правило дает models.UnknownRuleName
const assignmentSelect = `
	SELECT a.id, a.organization_id, a.pull_request_id, a.reviewer_id, a.rule_id,
	       COALESCE(r.name, CASE WHEN a.rule_id IS NULL THEN '' ELSE '` + models.UnknownRuleName + `' END),
	       a.status, COALESCE(a.notified_status, ''), a.assigned_at, a.reviewed_at, a.last_escalated_at
	FROM review_assignments a
	LEFT JOIN routing_rules r ON r.id = a.rule_id
`

// LockPullRequest берет транзакционную advisory-блокировку на PR.
// Должен вызываться внутри WithTx.
func (r *Repository) LockPullRequest(ctx context.Context, orgID, pullRequestID string) error {
	_, err := r.executor(ctx).Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, orgID+"/"+pullRequestID)
	return wrap("failed to lock pull request", err)
}

// ListAssignmentsByPR возвращает все назначения PR, старые первыми
func (r *Repository) ListAssignmentsByPR(ctx context.Context, pullRequestID string) ([]models.ReviewAssignment, error) {
	query := assignmentSelect + ` WHERE a.pull_request_id = $1 ORDER BY a.assigned_at, a.id`
	return r.queryAssignments(ctx, query, pullRequestID)
}

// InsertAssignment сохраняет новое назначение
func (r *Repository) InsertAssignment(ctx context.Context, a models.ReviewAssignment) error {
	query := `
		INSERT INTO review_assignments (id, organization_id, pull_request_id, reviewer_id, rule_id, status, assigned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.executor(ctx).Exec(ctx, query, a.ID, a.OrganizationID, a.PullRequestID, a.ReviewerID,
		a.RuleID, string(a.Status), a.AssignedAt)
	if err != nil {
		if _, ok := isUniqueViolation(err); ok {
			return ErrAlreadyExists
		}
		return wrap("failed to insert assignment", err)
	}
	return nil
}

// GetPendingAssignments возвращает кандидатов на проход эскалации
func (r *Repository) GetPendingAssignments(ctx context.Context, cutoff time.Time) ([]models.ReviewAssignment, error) {
	query := assignmentSelect + `
		WHERE (a.status = 'pending' AND a.assigned_at <= $1)
		   OR (a.status = 'reminded' AND COALESCE(a.last_escalated_at, a.assigned_at) <= $1)
		   OR (a.status IN ('reminded', 'escalated') AND a.notified_status IS DISTINCT FROM a.status)
		ORDER BY a.assigned_at, a.id
	`
	return r.queryAssignments(ctx, query, cutoff)
}

// SupersedeAssignments закрывает активные назначения при переназначении PR
func (r *Repository) SupersedeAssignments(ctx context.Context, assignmentIDs []string, at time.Time) error {
	if len(assignmentIDs) == 0 {
		return nil
	}
	query := `
		UPDATE review_assignments
		SET status = $2, reviewed_at = $3
		WHERE id = ANY($1) AND status IN ('pending', 'reminded', 'escalated')
	`
	_, err := r.executor(ctx).Exec(ctx, query, assignmentIDs, string(models.StatusSuperseded), at)
	return wrap("failed to supersede assignments", err)
}

// CompareAndSwapStatus переводит назначение из from в to, если оно все еще в from
func (r *Repository) CompareAndSwapStatus(ctx context.Context, assignmentID string, from, to models.AssignmentStatus, at time.Time) (bool, error) {
	query := `
		UPDATE review_assignments
		SET status = $3, last_escalated_at = $4
		WHERE id = $1 AND status = $2
	`
	tag, err := r.executor(ctx).Exec(ctx, query, assignmentID, string(from), string(to), at)
	if err != nil {
		return false, wrap("failed to update assignment status", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkNotified отмечает доставку уведомления о статусе, если статус не изменился
func (r *Repository) MarkNotified(ctx context.Context, assignmentID string, status models.AssignmentStatus) error {
	_, err := r.executor(ctx).Exec(ctx,
		`UPDATE review_assignments SET notified_status = $2 WHERE id = $1 AND status = $2`,
		assignmentID, string(status))
	return wrap("failed to mark notification", err)
}

// CompleteAssignment фиксирует решение ревьюера по активному назначению
func (r *Repository) CompleteAssignment(ctx context.Context, assignmentID string, status models.AssignmentStatus, reviewedAt time.Time) (*models.ReviewAssignment, error) {
	query := `
		UPDATE review_assignments
		SET status = $2, reviewed_at = $3
		WHERE id = $1 AND status IN ('pending', 'reminded', 'escalated')
	`
	tag, err := r.executor(ctx).Exec(ctx, query, assignmentID, string(status), reviewedAt)
	if err != nil {
		return nil, wrap("failed to complete assignment", err)
	}

	a, err := r.getAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return a, ErrStatusConflict
	}
	return a, nil
}

func (r *Repository) getAssignment(ctx context.Context, assignmentID string) (*models.ReviewAssignment, error) {
	assignments, err := r.queryAssignments(ctx, assignmentSelect+` WHERE a.id = $1`, assignmentID)
	if err != nil {
		return nil, err
	}
	if len(assignments) == 0 {
		return nil, ErrNotFound
	}
	return &assignments[0], nil
}

func (r *Repository) queryAssignments(ctx context.Context, query string, args ...any) ([]models.ReviewAssignment, error) {
	rows, err := r.executor(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("failed to get assignments", err)
	}
	defer rows.Close()

	var assignments []models.ReviewAssignment
	for rows.Next() {
		var (
			a              models.ReviewAssignment
			status         string
			notifiedStatus string
		)
		if err := rows.Scan(&a.ID, &a.OrganizationID, &a.PullRequestID, &a.ReviewerID, &a.RuleID, &a.RuleName,
			&status, &notifiedStatus, &a.AssignedAt, &a.ReviewedAt, &a.LastEscalatedAt); err != nil {
			return nil, wrap("failed to scan assignment", err)
		}
		a.Status = models.AssignmentStatus(status)
		a.NotifiedStatus = models.AssignmentStatus(notifiedStatus)
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("failed to iterate assignments", err)
	}

	return assignments, nil
}

// GetReviewerWorkload считает незакрытые (pending и reminded) назначения по ревьюерам
func (r *Repository) GetReviewerWorkload(ctx context.Context, orgID string) (map[string]int, error) {
	query := `
		SELECT reviewer_id, COUNT(*)
		FROM review_assignments
		WHERE organization_id = $1 AND status IN ('pending', 'reminded')
		GROUP BY reviewer_id
	`
	rows, err := r.executor(ctx).Query(ctx, query, orgID)
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
func (r *Repository) AdvanceRotationCursor(ctx context.Context, key string, poolSize int) (int, error) {
	if poolSize <= 0 {
		return 0, fmt.Errorf("%w: pool size must be positive", ErrInvalidInput)
	}

	query := `
		INSERT INTO rotation_cursors (cursor_key, position) VALUES ($1, 0)
		ON CONFLICT (cursor_key) DO UPDATE
		SET position = (rotation_cursors.position + 1) % $2, updated_at = NOW()
		RETURNING position
	`
	var position int
	if err := r.executor(ctx).QueryRow(ctx, query, key, poolSize).Scan(&position); err != nil {
		return 0, wrap("failed to advance rotation cursor", err)
	}
	return position, nil
}

// RecordRoutingFailure сохраняет неудачу маршрутизации
func (r *Repository) RecordRoutingFailure(ctx context.Context, f models.RoutingFailure) error {
	query := `
		INSERT INTO routing_failures (id, organization_id, pull_request_id, rule_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.executor(ctx).Exec(ctx, query, f.ID, f.OrganizationID, f.PullRequestID, f.RuleID, f.Reason, f.CreatedAt)
	return wrap("failed to record routing failure", err)
}

// ListRoutingFailures возвращает последние неудачи маршрутизации организации
func (r *Repository) ListRoutingFailures(ctx context.Context, orgID string) ([]models.RoutingFailure, error) {
	query := `
		SELECT id, organization_id, pull_request_id, rule_id, reason, created_at
		FROM routing_failures
		WHERE organization_id = $1
		ORDER BY created_at DESC
		LIMIT 100
	`
	rows, err := r.executor(ctx).Query(ctx, query, orgID)
	if err != nil {
		return nil, wrap("failed to get routing failures", err)
	}

	failures, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.RoutingFailure, error) {
		var f models.RoutingFailure
		err := row.Scan(&f.ID, &f.OrganizationID, &f.PullRequestID, &f.RuleID, &f.Reason, &f.CreatedAt)
		return f, err
	})
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, wrap("failed to scan routing failures", err)
	}
	return failures, nil
}
