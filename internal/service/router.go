package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/untibullet/pr-router/internal/metrics"
	"github.com/untibullet/pr-router/internal/models"
	"github.com/untibullet/pr-router/internal/selector"
	"go.uber.org/zap"
)

// Исходы маршрутизации одного события
const (
	OutcomeAssigned           = "assigned"
	OutcomeAlreadyAssigned    = "already_assigned"
	OutcomeNoAssignment       = "no_assignment"
	OutcomeNoEligibleReviewer = "no_eligible_reviewer"
)

// Engine выбирает правило для события
type Engine interface {
	Route(ctx context.Context, event models.PullRequestEvent) (models.RoutingDecision, error)
}

// ReviewerSelector превращает директиву в ревьюеров
type ReviewerSelector interface {
	Select(ctx context.Context, req selector.Request) ([]string, error)
}

// FailureStore сохраняет неудачи маршрутизации для администраторов организации
type FailureStore interface {
	RecordRoutingFailure(ctx context.Context, failure models.RoutingFailure) error
}

// RouteResult итог маршрутизации события
type RouteResult struct {
	Outcome     string
	Decision    models.RoutingDecision
	Assignments []models.ReviewAssignment
}

type Router struct {
	engine   Engine
	selector ReviewerSelector
	writer   *Writer
	failures FailureStore
	metrics  *metrics.Metrics
	logger   *zap.Logger
	timeout  time.Duration
}

// NewRouter собирает конвейер событие -> правило -> ревьюеры -> назначения
func NewRouter(engine Engine, sel ReviewerSelector, writer *Writer, failures FailureStore, m *metrics.Metrics, logger *zap.Logger, timeout time.Duration) *Router {
	return &Router{
		engine:   engine,
		selector: sel,
		writer:   writer,
		failures: failures,
		metrics:  m,
		logger:   logger,
		timeout:  timeout,
	}
}

// HandleEvent маршрутизирует одно событие PR синхронно.
// При отсутствии подходящих ревьюеров возвращает selector.ErrNoEligibleReviewer
// и фиксирует неудачу в сторе.
func (r *Router) HandleEvent(ctx context.Context, event models.PullRequestEvent) (*RouteResult, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	event = models.NewPullRequestEvent(event)
	log := r.logger.With(
		zap.String("organization_id", event.OrganizationID),
		zap.String("pull_request_id", event.PullRequestID))

	decision, err := r.engine.Route(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("failed to route event: %w", err)
	}
	result := &RouteResult{Decision: decision}

	if !decision.Matched {
		log.Info("no rule matched, using fallback", zap.Bool("has_fallback", decision.Directive != nil))
	}
	if decision.Directive == nil {
		result.Outcome = OutcomeNoAssignment
		r.metrics.RoutingDecision(result.Outcome)
		return result, nil
	}

	existing, blocked, err := r.writer.Pending(ctx, event)
	if err != nil {
		return nil, err
	}
	if blocked {
		log.Info("pull request already has assignments", zap.Int("count", len(existing)))
		result.Outcome = OutcomeAlreadyAssigned
		result.Assignments = existing
		r.metrics.RoutingDecision(result.Outcome)
		return result, nil
	}

	reviewers, err := r.selector.Select(ctx, selector.Request{
		OrganizationID: event.OrganizationID,
		Author:         event.Author,
		Directive:      decision.Directive,
	})
	if err != nil {
		if errors.Is(err, selector.ErrNoEligibleReviewer) {
			r.recordFailure(ctx, log, event, decision, err)
			r.metrics.RoutingDecision(OutcomeNoEligibleReviewer)
		}
		return nil, err
	}

	assigned, err := r.writer.Assign(ctx, event, decision, reviewers)
	if err != nil {
		return nil, err
	}

	result.Assignments = assigned.Assignments
	if len(assigned.Superseded) > 0 {
		log.Info("assignments of inactive reviewers superseded", zap.Strings("assignments", assigned.Superseded))
	}
	if assigned.Created {
		result.Outcome = OutcomeAssigned
		r.metrics.AssignmentsCreated(len(assigned.Assignments))
		log.Info("reviewers assigned",
			zap.Strings("reviewers", reviewers),
			zap.Bool("rule_matched", decision.Matched),
			zap.String("rule", decision.RuleName))
	} else {
		result.Outcome = OutcomeAlreadyAssigned
	}
	r.metrics.RoutingDecision(result.Outcome)

	return result, nil
}

func (r *Router) recordFailure(ctx context.Context, log *zap.Logger, event models.PullRequestEvent, decision models.RoutingDecision, cause error) {
	log.Warn("no eligible reviewer for pull request", zap.String("rule", decision.RuleName))

	failure := models.RoutingFailure{
		ID:             uuid.NewString(),
		OrganizationID: event.OrganizationID,
		PullRequestID:  event.PullRequestID,
		RuleID:         decision.RuleID,
		Reason:         cause.Error(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.failures.RecordRoutingFailure(ctx, failure); err != nil {
		log.Error("failed to record routing failure", zap.Error(err))
	}
}
