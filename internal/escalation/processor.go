// Package escalation продвигает зависшие назначения по цепочке
// pending -> reminded -> escalated и рассылает уведомления.
package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/untibullet/pr-router/internal/metrics"
	"github.com/untibullet/pr-router/internal/models"
	"go.uber.org/zap"
)

// Этапы обработки для отчета об ошибках
const (
	StageConfig     = "config"
	StageTransition = "transition"
	StageNotify     = "notify"
	StageRedeliver  = "redeliver"
)

// Store операции стора, нужные проходу эскалации
type Store interface {
	// GetPendingAssignments возвращает pending/reminded назначения, чье опорное время
	// не позже cutoff, и назначения с недоставленным уведомлением о текущем статусе
	GetPendingAssignments(ctx context.Context, cutoff time.Time) ([]models.ReviewAssignment, error)
	GetEscalationConfig(ctx context.Context, orgID string) (models.EscalationThresholds, error)
	// CompareAndSwapStatus меняет статус только если текущий равен from
	CompareAndSwapStatus(ctx context.Context, assignmentID string, from, to models.AssignmentStatus, at time.Time) (bool, error)
	MarkNotified(ctx context.Context, assignmentID string, status models.AssignmentStatus) error
}

// Notifier контракт доставки уведомлений
type Notifier interface {
	NotifyReviewer(ctx context.Context, reviewerID string, a models.ReviewAssignment) error
	NotifyTeamLeads(ctx context.Context, orgID string, a models.ReviewAssignment) error
}

type Processor struct {
	store     Store
	notifier  Notifier
	metrics   *metrics.Metrics
	logger    *zap.Logger
	opTimeout time.Duration
}

// NewProcessor создает обработчик эскалаций. opTimeout ограничивает работу
// с одним назначением: чтение порогов, запись статуса и уведомление.
func NewProcessor(store Store, notifier Notifier, m *metrics.Metrics, logger *zap.Logger, opTimeout time.Duration) *Processor {
	return &Processor{
		store:     store,
		notifier:  notifier,
		metrics:   m,
		logger:    logger,
		opTimeout: opTimeout,
	}
}

// Evaluate возвращает статус, в который назначение должно перейти на момент now.
// Переходы возможны только pending -> reminded и reminded -> escalated.
func Evaluate(a models.ReviewAssignment, th models.EscalationThresholds, now time.Time) (models.AssignmentStatus, bool) {
	switch a.Status {
	case models.StatusPending:
		if now.Sub(a.AssignedAt) >= th.Reminder {
			return models.StatusReminded, true
		}
	case models.StatusReminded:
		since := a.AssignedAt
		if a.LastEscalatedAt != nil {
			since = *a.LastEscalatedAt
		}
		if now.Sub(since) >= th.Escalation-th.Reminder {
			return models.StatusEscalated, true
		}
	}
	return a.Status, false
}

// ProcessEscalations выполняет один проход. Каждое назначение обрабатывается
// независимо: ошибка на одном попадает в отчет и не мешает остальным.
// Отмена ctx прерывает проход между назначениями.
func (p *Processor) ProcessEscalations(ctx context.Context, now time.Time) (models.SweepStats, error) {
	started := time.Now()
	defer func() { p.metrics.ObserveSweep(time.Since(started)) }()

	stats := models.SweepStats{Errors: []models.SweepError{}}

	loadCtx, cancel := p.bound(ctx)
	assignments, err := p.store.GetPendingAssignments(loadCtx, now.Add(-models.MinEscalationInterval))
	cancel()
	if err != nil {
		return stats, fmt.Errorf("failed to load pending assignments: %w", err)
	}

	thresholds := make(map[string]models.EscalationThresholds)
	for _, a := range assignments {
		if err := ctx.Err(); err != nil {
			p.logger.Warn("escalation sweep interrupted", zap.Error(err))
			return stats, err
		}
		p.processOne(ctx, a, now, thresholds, &stats)
	}

	p.logger.Info("escalation sweep finished",
		zap.Int("candidates", len(assignments)),
		zap.Int("reminded", stats.RemindedCount),
		zap.Int("escalated", stats.EscalatedCount),
		zap.Int("errors", len(stats.Errors)))

	return stats, nil
}

func (p *Processor) processOne(ctx context.Context, a models.ReviewAssignment, now time.Time, thresholds map[string]models.EscalationThresholds, stats *models.SweepStats) {
	ctx, cancel := p.bound(ctx)
	defer cancel()

	log := p.logger.With(
		zap.String("assignment_id", a.ID),
		zap.String("pull_request_id", a.PullRequestID))

	if a.NeedsRedelivery() {
		if err := p.notify(ctx, a, a.Status); err != nil {
			log.Warn("notification redelivery failed", zap.String("status", string(a.Status)), zap.Error(err))
			stats.Errors = append(stats.Errors, sweepError(a, StageRedeliver, err))
		}
	}

	th, ok := thresholds[a.OrganizationID]
	if !ok {
		var err error
		th, err = p.store.GetEscalationConfig(ctx, a.OrganizationID)
		if err != nil {
			log.Error("failed to load escalation thresholds", zap.Error(err))
			stats.Errors = append(stats.Errors, sweepError(a, StageConfig, err))
			return
		}
		thresholds[a.OrganizationID] = th
	}

	to, due := Evaluate(a, th, now)
	if !due {
		return
	}

	swapped, err := p.store.CompareAndSwapStatus(ctx, a.ID, a.Status, to, now)
	if err != nil {
		log.Error("failed to transition assignment", zap.String("to", string(to)), zap.Error(err))
		stats.Errors = append(stats.Errors, sweepError(a, StageTransition, err))
		return
	}
	if !swapped {
		// Статус уже изменил параллельный проход или ревьюер
		log.Debug("assignment changed concurrently, skipping", zap.String("expected", string(a.Status)))
		return
	}

	p.metrics.EscalationTransition(string(to))
	switch to {
	case models.StatusReminded:
		stats.RemindedCount++
	case models.StatusEscalated:
		stats.EscalatedCount++
	}

	a.Status = to
	a.LastEscalatedAt = &now
	if err := p.notify(ctx, a, to); err != nil {
		// Статус уже продвинут, доставку повторит следующий проход
		log.Warn("notification failed", zap.String("status", string(to)), zap.Error(err))
		stats.Errors = append(stats.Errors, sweepError(a, StageNotify, err))
	}
}

func (p *Processor) notify(ctx context.Context, a models.ReviewAssignment, status models.AssignmentStatus) error {
	var err error
	switch status {
	case models.StatusReminded:
		err = p.notifier.NotifyReviewer(ctx, a.ReviewerID, a)
	case models.StatusEscalated:
		err = p.notifier.NotifyTeamLeads(ctx, a.OrganizationID, a)
	default:
		return nil
	}
	if err != nil {
		return err
	}

	if err := p.store.MarkNotified(ctx, a.ID, status); err != nil {
		return fmt.Errorf("failed to mark notification delivered: %w", err)
	}
	return nil
}

func (p *Processor) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.opTimeout)
}

func sweepError(a models.ReviewAssignment, stage string, err error) models.SweepError {
	return models.SweepError{
		AssignmentID: a.ID,
		Stage:        stage,
		Message:      err.Error(),
	}
}
