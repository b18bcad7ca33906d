// Package notify доставляет напоминания ревьюерам и эскалации тимлидам.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/untibullet/pr-router/internal/metrics"
	"github.com/untibullet/pr-router/internal/models"
	"go.uber.org/zap"
)

// ErrNotificationFailed уведомление не доставлено ни по одному каналу
var ErrNotificationFailed = errors.New("notification failed")

// Виды уведомлений
const (
	KindReminder   = "reminder"
	KindEscalation = "escalation"
)

// Message уведомление, готовое к отправке
type Message struct {
	Kind       string
	Subject    string
	Body       string
	Assignment models.ReviewAssignment
}

// Channel транспорт доставки: почта, Slack, лог
type Channel interface {
	Name() string
	Send(ctx context.Context, to models.Reviewer, msg Message) error
}

// Directory находит получателей уведомлений
type Directory interface {
	GetReviewer(ctx context.Context, orgID, reviewerID string) (*models.Reviewer, error)
	GetTeamLeads(ctx context.Context, orgID string) ([]models.Reviewer, error)
}

// Options параметры доставки
type Options struct {
	Attempts   uint
	RetryDelay time.Duration
	Timeout    time.Duration
}

// Dispatcher реализует контракт уведомлений поверх набора каналов.
// Уведомление считается доставленным, если его принял хотя бы один канал.
type Dispatcher struct {
	directory Directory
	channels  []Channel
	opts      Options
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewDispatcher создает Dispatcher
func NewDispatcher(directory Directory, channels []Channel, opts Options, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if opts.Attempts == 0 {
		opts.Attempts = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	return &Dispatcher{
		directory: directory,
		channels:  channels,
		opts:      opts,
		metrics:   m,
		logger:    logger,
	}
}

// NotifyReviewer отправляет назначенному ревьюеру напоминание
func (d *Dispatcher) NotifyReviewer(ctx context.Context, reviewerID string, a models.ReviewAssignment) (err error) {
	defer func() { d.metrics.Notification(KindReminder, err) }()

	ctx, cancel := d.bound(ctx)
	defer cancel()

	reviewer, err := d.directory.GetReviewer(ctx, a.OrganizationID, reviewerID)
	if err != nil {
		return fmt.Errorf("%w: failed to resolve reviewer %s: %v", ErrNotificationFailed, reviewerID, err)
	}

	return d.deliver(ctx, []models.Reviewer{*reviewer}, reminderMessage(a))
}

// NotifyTeamLeads отправляет эскалацию тимлидам организации
func (d *Dispatcher) NotifyTeamLeads(ctx context.Context, orgID string, a models.ReviewAssignment) (err error) {
	defer func() { d.metrics.Notification(KindEscalation, err) }()

	ctx, cancel := d.bound(ctx)
	defer cancel()

	leads, err := d.directory.GetTeamLeads(ctx, orgID)
	if err != nil {
		return fmt.Errorf("%w: failed to resolve team leads: %v", ErrNotificationFailed, err)
	}
	if len(leads) == 0 {
		return fmt.Errorf("%w: organization %s has no active team leads", ErrNotificationFailed, orgID)
	}

	return d.deliver(ctx, leads, escalationMessage(a))
}

func (d *Dispatcher) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.opts.Timeout)
}

func (d *Dispatcher) deliver(ctx context.Context, recipients []models.Reviewer, msg Message) error {
	if len(d.channels) == 0 {
		return fmt.Errorf("%w: no channels configured", ErrNotificationFailed)
	}

	var errs []error
	delivered := 0
	for _, to := range recipients {
		for _, ch := range d.channels {
			err := d.sendWithRetry(ctx, ch, to, msg)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s to %s: %w", ch.Name(), to.ID, err))
				continue
			}
			delivered++
		}
	}

	if delivered == 0 {
		return fmt.Errorf("%w: %w", ErrNotificationFailed, errors.Join(errs...))
	}
	if len(errs) > 0 {
		d.logger.Warn("notification partially delivered",
			zap.String("assignment_id", msg.Assignment.ID),
			zap.String("kind", msg.Kind),
			zap.Error(errors.Join(errs...)))
	}
	return nil
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, ch Channel, to models.Reviewer, msg Message) error {
	return retry.Do(
		func() error {
			return ch.Send(ctx, to, msg)
		},
		retry.Context(ctx),
		retry.Attempts(d.opts.Attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(d.opts.RetryDelay),
		retry.MaxDelay(5*d.opts.RetryDelay),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Debug("notification attempt failed",
				zap.String("channel", ch.Name()),
				zap.String("recipient", to.ID),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
		retry.LastErrorOnly(true),
	)
}

func reminderMessage(a models.ReviewAssignment) Message {
	return Message{
		Kind:    KindReminder,
		Subject: fmt.Sprintf("Review reminder: %s", a.PullRequestID),
		Body: fmt.Sprintf("Pull request %s has been waiting for your review since %s.",
			a.PullRequestID, a.AssignedAt.Format(time.RFC1123)),
		Assignment: a,
	}
}

func escalationMessage(a models.ReviewAssignment) Message {
	rule := a.RuleName
	if rule == "" {
		rule = "fallback"
	}
	return Message{
		Kind:    KindEscalation,
		Subject: fmt.Sprintf("Stale review escalated: %s", a.PullRequestID),
		Body: fmt.Sprintf("Review of pull request %s assigned to %s (rule: %s) is still open since %s and was escalated.",
			a.PullRequestID, a.ReviewerID, rule, a.AssignedAt.Format(time.RFC1123)),
		Assignment: a,
	}
}
