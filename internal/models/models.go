// models/models.go
package models

import (
	"slices"
	"time"
)

// Reviewer представляет участника организации, которому можно назначить ревью
type Reviewer struct {
	ID             string `json:"id" db:"external_id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`
	Username       string `json:"username" db:"username"`
	Email          string `json:"email,omitempty" db:"email"`
	SlackID        string `json:"slack_id,omitempty" db:"slack_id"`
	IsActive       bool   `json:"is_active" db:"is_active"`
	IsLead         bool   `json:"is_lead" db:"is_lead"`
}

// PullRequestEvent нормализованный снимок PR, который приходит из синхронизации с GitHub.
// После создания через NewPullRequestEvent не изменяется.
type PullRequestEvent struct {
	PullRequestID  string    `json:"pull_request_id"`
	OrganizationID string    `json:"organization_id"`
	Repo           string    `json:"repo"`
	Author         string    `json:"author"`
	Files          []string  `json:"files"`
	SourceBranch   string    `json:"source_branch"`
	TargetBranch   string    `json:"target_branch"`
	Labels         []string  `json:"labels"`
	OpenedAt       time.Time `json:"opened_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewPullRequestEvent создает событие с собственными копиями срезов
func NewPullRequestEvent(e PullRequestEvent) PullRequestEvent {
	e.Files = slices.Clone(e.Files)
	e.Labels = slices.Clone(e.Labels)
	e.OpenedAt = e.OpenedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.OpenedAt
	}
	return e
}

// Timestamp возвращает момент последнего изменения PR
func (e PullRequestEvent) Timestamp() time.Time {
	if !e.UpdatedAt.IsZero() {
		return e.UpdatedAt
	}
	return e.OpenedAt
}

// AssignmentStatus статус назначения ревьюера
type AssignmentStatus string

const (
	StatusPending   AssignmentStatus = "pending"
	StatusReminded  AssignmentStatus = "reminded"
	StatusEscalated AssignmentStatus = "escalated"
	StatusApproved  AssignmentStatus = "approved"
	StatusRejected  AssignmentStatus = "rejected"
	// StatusSuperseded назначение закрыто переназначением PR, например после
	// деактивации ревьюера
	StatusSuperseded AssignmentStatus = "superseded"
)

// IsActive сообщает, ждет ли назначение действий ревьюера
func (s AssignmentStatus) IsActive() bool {
	return s == StatusPending || s == StatusReminded || s == StatusEscalated
}

// IsTerminal сообщает, является ли статус решением ревьюера
func (s AssignmentStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// UnknownRuleName подставляется, когда правило назначения было удалено
const UnknownRuleName = "unknown rule"

// ReviewAssignment назначение ревьюера на PR
type ReviewAssignment struct {
	ID              string           `json:"id"`
	OrganizationID  string           `json:"organization_id"`
	PullRequestID   string           `json:"pull_request_id"`
	ReviewerID      string           `json:"reviewer_id"`
	RuleID          *string          `json:"rule_id"`
	RuleName        string           `json:"rule_name,omitempty"`
	Status          AssignmentStatus `json:"status"`
	NotifiedStatus  AssignmentStatus `json:"notified_status,omitempty"`
	AssignedAt      time.Time        `json:"assigned_at"`
	ReviewedAt      *time.Time       `json:"reviewed_at,omitempty"`
	LastEscalatedAt *time.Time       `json:"last_escalated_at,omitempty"`
}

// NeedsRedelivery сообщает, что статус продвинулся, а уведомление о нем не доставлено
func (a ReviewAssignment) NeedsRedelivery() bool {
	if a.Status != StatusReminded && a.Status != StatusEscalated {
		return false
	}
	return a.NotifiedStatus != a.Status
}

// RoutingFailure фиксирует PR, для которого не нашлось ревьюера
type RoutingFailure struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	PullRequestID  string    `json:"pull_request_id"`
	RuleID         *string   `json:"rule_id"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
}

// EscalationThresholds пороги напоминания и эскалации организации
type EscalationThresholds struct {
	Reminder   time.Duration `json:"reminder"`
	Escalation time.Duration `json:"escalation"`
}

const (
	DefaultReminderThreshold   = 24 * time.Hour
	DefaultEscalationThreshold = 48 * time.Hour

	// MinEscalationInterval нижняя граница для обоих интервалов эскалации
	MinEscalationInterval = time.Minute
)

// DefaultThresholds пороги по умолчанию
func DefaultThresholds() EscalationThresholds {
	return EscalationThresholds{
		Reminder:   DefaultReminderThreshold,
		Escalation: DefaultEscalationThreshold,
	}
}

// Validate проверяет, что пороги образуют корректную последовательность
func (t EscalationThresholds) Validate() bool {
	if t.Reminder < MinEscalationInterval {
		return false
	}
	return t.Escalation-t.Reminder >= MinEscalationInterval
}

// SweepError ошибка обработки одного назначения во время прохода эскалации
type SweepError struct {
	AssignmentID string `json:"assignment_id"`
	Stage        string `json:"stage"`
	Message      string `json:"message"`
}

// SweepStats итог одного прохода эскалации
type SweepStats struct {
	RemindedCount  int          `json:"reminded_count"`
	EscalatedCount int          `json:"escalated_count"`
	Errors         []SweepError `json:"errors"`
}
