package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/untibullet/pr-router/internal/models"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestWriter(store AssignmentStore) *Writer {
	w := NewWriter(store)
	w.now = func() time.Time { return t0 }
	n := 0
	w.newID = func() string {
		n++
		return fmt.Sprintf("asg-%d", n)
	}
	return w
}

func prEvent(updatedAt time.Time) models.PullRequestEvent {
	return models.NewPullRequestEvent(models.PullRequestEvent{
		PullRequestID:  "pr-1",
		OrganizationID: "org-1",
		Author:         "alice",
		Files:          []string{"api/handler.go"},
		OpenedAt:       t0.Add(-time.Hour),
		UpdatedAt:      updatedAt,
	})
}

func matchedDecision() models.RoutingDecision {
	ruleID := "rule-1"
	return models.RoutingDecision{
		Matched:   true,
		RuleID:    &ruleID,
		RuleName:  "backend",
		Directive: &models.LeastBusyDirective{Pool: []string{"bob"}, Count: 1},
	}
}

func TestWriter_Assign_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	w := newTestWriter(store)
	event := prEvent(t0.Add(-time.Hour))

	first, err := w.Assign(ctx, event, matchedDecision(), []string{"bob", "carol"})
	require.NoError(t, err)
	assert.True(t, first.Created)
	require.Len(t, first.Assignments, 2)
	for _, a := range first.Assignments {
		assert.Equal(t, models.StatusPending, a.Status)
		assert.Equal(t, "backend", a.RuleName)
		require.NotNil(t, a.RuleID)
		assert.Equal(t, "rule-1", *a.RuleID)
		assert.Equal(t, t0, a.AssignedAt)
	}

	second, err := w.Assign(ctx, event, matchedDecision(), []string{"dave"})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.ElementsMatch(t, first.Assignments, second.Assignments)
	assert.Equal(t, 2, store.count())
}

func TestWriter_Assign_EmptyReviewerList(t *testing.T) {
	w := newTestWriter(&fakeStore{})

	_, err := w.Assign(context.Background(), prEvent(t0), matchedDecision(), nil)
	require.Error(t, err)
}

func TestWriter_Assign_AfterCompletedReview(t *testing.T) {
	ctx := context.Background()
	reviewedAt := t0.Add(-30 * time.Minute)

	store := &fakeStore{}
	store.add(models.ReviewAssignment{
		ID:            "old",
		PullRequestID: "pr-1",
		ReviewerID:    "bob",
		Status:        models.StatusApproved,
		AssignedAt:    t0.Add(-2 * time.Hour),
		ReviewedAt:    &reviewedAt,
	})
	w := newTestWriter(store)

	// Событие не новее завершенного ревью не создает назначений
	stale, err := w.Assign(ctx, prEvent(reviewedAt), matchedDecision(), []string{"carol"})
	require.NoError(t, err)
	assert.False(t, stale.Created)
	require.Len(t, stale.Assignments, 1)
	assert.Equal(t, "old", stale.Assignments[0].ID)

	// PR обновлен после ревью: назначение создается заново
	fresh, err := w.Assign(ctx, prEvent(reviewedAt.Add(time.Minute)), matchedDecision(), []string{"carol"})
	require.NoError(t, err)
	assert.True(t, fresh.Created)
	require.Len(t, fresh.Assignments, 1)
	assert.Equal(t, "carol", fresh.Assignments[0].ReviewerID)
	assert.Equal(t, 2, store.count())
}

func TestWriter_Assign_ConcurrentInsertIsNoop(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{
		beforeInsert: func(s *fakeStore) {
			s.add(models.ReviewAssignment{
				ID:            "winner",
				PullRequestID: "pr-1",
				ReviewerID:    "bob",
				Status:        models.StatusPending,
				AssignedAt:    t0,
			})
		},
	}
	w := newTestWriter(store)

	result, err := w.Assign(ctx, prEvent(t0), matchedDecision(), []string{"bob"})
	require.NoError(t, err)
	assert.False(t, result.Created)
	require.Len(t, result.Assignments, 1)
	assert.Equal(t, "winner", result.Assignments[0].ID)
}

func TestWriter_Pending(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	w := newTestWriter(store)

	_, blocked, err := w.Pending(ctx, prEvent(t0))
	require.NoError(t, err)
	assert.False(t, blocked)

	store.add(models.ReviewAssignment{ID: "a1", PullRequestID: "pr-1", ReviewerID: "bob", Status: models.StatusEscalated, AssignedAt: t0})

	existing, blocked, err := w.Pending(ctx, prEvent(t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.True(t, blocked, "active assignment blocks even newer events")
	require.Len(t, existing, 1)
	assert.Equal(t, "a1", existing[0].ID)
}

func TestWriter_Assign_SupersedesInactiveReviewer(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	store.add(models.ReviewAssignment{ID: "a1", PullRequestID: "pr-1", ReviewerID: "bob", Status: models.StatusReminded, AssignedAt: t0.Add(-time.Hour)})
	store.deactivate("bob")
	w := newTestWriter(store)

	_, blocked, err := w.Pending(ctx, prEvent(t0))
	require.NoError(t, err)
	assert.False(t, blocked)

	result, err := w.Assign(ctx, prEvent(t0), matchedDecision(), []string{"carol"})
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, []string{"a1"}, result.Superseded)
	assert.Equal(t, models.StatusSuperseded, store.byID("a1").Status)

	// Новое назначение блокирует следующие события
	_, blocked, err = w.Pending(ctx, prEvent(t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestWriter_Assign_LiveReviewerStillBlocks(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	store.add(models.ReviewAssignment{ID: "a1", PullRequestID: "pr-1", ReviewerID: "bob", Status: models.StatusPending, AssignedAt: t0})
	store.add(models.ReviewAssignment{ID: "a2", PullRequestID: "pr-1", ReviewerID: "dave", Status: models.StatusPending, AssignedAt: t0})
	store.deactivate("dave")
	w := newTestWriter(store)

	result, err := w.Assign(ctx, prEvent(t0.Add(time.Hour)), matchedDecision(), []string{"carol"})
	require.NoError(t, err)
	assert.False(t, result.Created)
	require.Len(t, result.Assignments, 1)
	assert.Equal(t, "a1", result.Assignments[0].ID)
	assert.Empty(t, result.Superseded)
	assert.Equal(t, models.StatusPending, store.byID("a2").Status)
}
