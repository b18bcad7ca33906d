package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/untibullet/pr-router/internal/models"
	"github.com/untibullet/pr-router/internal/repository"
)

// AssignmentStore операции стора, через которые пишутся назначения
type AssignmentStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	LockPullRequest(ctx context.Context, orgID, pullRequestID string) error
	ListAssignmentsByPR(ctx context.Context, pullRequestID string) ([]models.ReviewAssignment, error)
	InsertAssignment(ctx context.Context, assignment models.ReviewAssignment) error
	SupersedeAssignments(ctx context.Context, assignmentIDs []string, at time.Time) error
	GetReviewers(ctx context.Context, orgID string, ids []string) ([]models.Reviewer, error)
}

// AssignResult итог записи назначений
type AssignResult struct {
	Assignments []models.ReviewAssignment
	Created     bool
	// Superseded id назначений, закрытых из-за неактивного ревьюера
	Superseded []string
}

// Writer идемпотентно сохраняет назначения по pull_request_id
type Writer struct {
	store AssignmentStore
	now   func() time.Time
	newID func() string
}

// NewWriter создает Writer с системными часами
func NewWriter(store AssignmentStore) *Writer {
	return &Writer{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// Pending возвращает назначения, из-за которых новое создавать не нужно.
// Это дешевая проверка до выбора ревьюера, окончательное решение принимает Assign.
func (w *Writer) Pending(ctx context.Context, event models.PullRequestEvent) ([]models.ReviewAssignment, bool, error) {
	existing, stale, err := w.inspect(ctx, event)
	if err != nil {
		return nil, false, err
	}

	blocking, blocked := blockingAssignments(existing, stale, event)
	return blocking, blocked, nil
}

// Assign создает по назначению на каждого ревьюера, если у PR нет активного назначения.
// После завершенного ревью новое назначение создается, только если PR обновлялся позже.
// Активные назначения неактивных ревьюеров не блокируют и закрываются в той же транзакции.
func (w *Writer) Assign(ctx context.Context, event models.PullRequestEvent, decision models.RoutingDecision, reviewers []string) (AssignResult, error) {
	if len(reviewers) == 0 {
		return AssignResult{}, fmt.Errorf("%w: empty reviewer list", repository.ErrInvalidInput)
	}

	var result AssignResult
	err := w.store.WithTx(ctx, func(ctx context.Context) error {
		if err := w.store.LockPullRequest(ctx, event.OrganizationID, event.PullRequestID); err != nil {
			return fmt.Errorf("failed to lock pull request: %w", err)
		}

		existing, stale, err := w.inspect(ctx, event)
		if err != nil {
			return err
		}

		if blocking, blocked := blockingAssignments(existing, stale, event); blocked {
			result = AssignResult{Assignments: blocking}
			return nil
		}

		now := w.now()
		superseded := make([]string, 0, len(stale))
		for _, a := range existing {
			if stale[a.ID] {
				superseded = append(superseded, a.ID)
			}
		}
		if err := w.store.SupersedeAssignments(ctx, superseded, now); err != nil {
			return fmt.Errorf("failed to supersede assignments: %w", err)
		}

		created := make([]models.ReviewAssignment, 0, len(reviewers))
		for _, reviewerID := range reviewers {
			a := models.ReviewAssignment{
				ID:             w.newID(),
				OrganizationID: event.OrganizationID,
				PullRequestID:  event.PullRequestID,
				ReviewerID:     reviewerID,
				RuleID:         decision.RuleID,
				RuleName:       decision.RuleName,
				Status:         models.StatusPending,
				AssignedAt:     now,
			}
			if err := w.store.InsertAssignment(ctx, a); err != nil {
				return fmt.Errorf("failed to insert assignment: %w", err)
			}
			created = append(created, a)
		}

		result = AssignResult{Assignments: created, Created: true, Superseded: superseded}
		return nil
	})
	if err != nil {
		// Уникальный индекс по активным назначениям сработал в параллельной доставке события
		if errors.Is(err, repository.ErrAlreadyExists) {
			existing, stale, inspectErr := w.inspect(ctx, event)
			if inspectErr != nil {
				return AssignResult{}, inspectErr
			}
			blocking, _ := blockingAssignments(existing, stale, event)
			return AssignResult{Assignments: blocking}, nil
		}
		return AssignResult{}, err
	}

	return result, nil
}

// inspect читает назначения PR и отмечает активные, чей ревьюер деактивирован или удален
func (w *Writer) inspect(ctx context.Context, event models.PullRequestEvent) ([]models.ReviewAssignment, map[string]bool, error) {
	existing, err := w.store.ListAssignmentsByPR(ctx, event.PullRequestID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list assignments: %w", err)
	}

	var reviewerIDs []string
	for _, a := range existing {
		if a.Status.IsActive() && !slices.Contains(reviewerIDs, a.ReviewerID) {
			reviewerIDs = append(reviewerIDs, a.ReviewerID)
		}
	}
	if len(reviewerIDs) == 0 {
		return existing, nil, nil
	}

	reviewers, err := w.store.GetReviewers(ctx, event.OrganizationID, reviewerIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get reviewers: %w", err)
	}
	activeReviewers := make(map[string]bool, len(reviewers))
	for _, r := range reviewers {
		if r.IsActive {
			activeReviewers[r.ID] = true
		}
	}

	stale := make(map[string]bool)
	for _, a := range existing {
		if a.Status.IsActive() && !activeReviewers[a.ReviewerID] {
			stale[a.ID] = true
		}
	}
	return existing, stale, nil
}

// blockingAssignments определяет, мешают ли существующие назначения создать новые.
// Активные назначения активных ревьюеров блокируют всегда. Если активны только
// назначения из stale, PR переназначается. Завершенные блокируют, пока PR не
// обновлялся после ревью.
func blockingAssignments(existing []models.ReviewAssignment, stale map[string]bool, event models.PullRequestEvent) ([]models.ReviewAssignment, bool) {
	if len(existing) == 0 {
		return nil, false
	}

	var active []models.ReviewAssignment
	var orphaned bool
	var lastReview time.Time
	for _, a := range existing {
		if a.Status.IsActive() {
			if stale[a.ID] {
				orphaned = true
				continue
			}
			active = append(active, a)
			continue
		}
		if a.Status == models.StatusSuperseded {
			continue
		}
		finished := a.AssignedAt
		if a.ReviewedAt != nil {
			finished = *a.ReviewedAt
		}
		if finished.After(lastReview) {
			lastReview = finished
		}
	}
	if len(active) > 0 {
		return active, true
	}
	if orphaned {
		return nil, false
	}

	if event.Timestamp().After(lastReview) {
		return nil, false
	}

	var latest []models.ReviewAssignment
	for _, a := range existing {
		if a.Status.IsTerminal() && a.ReviewedAt != nil && a.ReviewedAt.Equal(lastReview) {
			latest = append(latest, a)
		}
	}
	return latest, true
}
