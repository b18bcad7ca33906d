package service

import (
	"context"
	"fmt"
	"time"

	"github.com/untibullet/pr-router/internal/models"
	"github.com/untibullet/pr-router/internal/repository"
)

// DirectoryStore справочник ревьюеров и настроек эскалации
type DirectoryStore interface {
	UpsertReviewers(ctx context.Context, orgID string, reviewers []models.Reviewer) ([]models.Reviewer, error)
	UpdateReviewerStatus(ctx context.Context, orgID, reviewerID string, isActive bool) error
	GetReviewer(ctx context.Context, orgID, reviewerID string) (*models.Reviewer, error)
	GetEscalationConfig(ctx context.Context, orgID string) (models.EscalationThresholds, error)
	SetEscalationConfig(ctx context.Context, orgID string, thresholds models.EscalationThresholds) error
	ListRoutingFailures(ctx context.Context, orgID string) ([]models.RoutingFailure, error)
}

// ReviewStore действия ревьюера над назначениями
type ReviewStore interface {
	ListAssignmentsByPR(ctx context.Context, pullRequestID string) ([]models.ReviewAssignment, error)
	CompleteAssignment(ctx context.Context, assignmentID string, status models.AssignmentStatus, reviewedAt time.Time) (*models.ReviewAssignment, error)
}

// AdminService тонкая обвязка над стором для справочника, порогов и действий ревьюера
type AdminService struct {
	directory DirectoryStore
	reviews   ReviewStore
}

// NewAdminService создает AdminService
func NewAdminService(directory DirectoryStore, reviews ReviewStore) *AdminService {
	return &AdminService{
		directory: directory,
		reviews:   reviews,
	}
}

// UpsertReviewers создает или обновляет ревьюеров организации
func (s *AdminService) UpsertReviewers(ctx context.Context, orgID string, reviewers []models.Reviewer) ([]models.Reviewer, error) {
	if orgID == "" {
		return nil, fmt.Errorf("%w: organization_id is required", repository.ErrInvalidInput)
	}
	for _, r := range reviewers {
		if r.ID == "" || r.Username == "" {
			return nil, fmt.Errorf("%w: reviewer id and username are required", repository.ErrInvalidInput)
		}
	}
	return s.directory.UpsertReviewers(ctx, orgID, reviewers)
}

// SetReviewerActive переключает активность ревьюера и возвращает его актуальное состояние
func (s *AdminService) SetReviewerActive(ctx context.Context, orgID, reviewerID string, isActive bool) (*models.Reviewer, error) {
	if err := s.directory.UpdateReviewerStatus(ctx, orgID, reviewerID, isActive); err != nil {
		return nil, err
	}
	return s.directory.GetReviewer(ctx, orgID, reviewerID)
}

// GetThresholds возвращает пороги организации или значения по умолчанию
func (s *AdminService) GetThresholds(ctx context.Context, orgID string) (models.EscalationThresholds, error) {
	return s.directory.GetEscalationConfig(ctx, orgID)
}

// SetThresholds сохраняет пороги после проверки их порядка
func (s *AdminService) SetThresholds(ctx context.Context, orgID string, thresholds models.EscalationThresholds) error {
	if !thresholds.Validate() {
		return fmt.Errorf("%w: reminder must be at least %s and escalation must exceed it by at least %s",
			repository.ErrInvalidInput, models.MinEscalationInterval, models.MinEscalationInterval)
	}
	return s.directory.SetEscalationConfig(ctx, orgID, thresholds)
}

// ListRoutingFailures возвращает неудачи маршрутизации организации, новые первыми
func (s *AdminService) ListRoutingFailures(ctx context.Context, orgID string) ([]models.RoutingFailure, error) {
	return s.directory.ListRoutingFailures(ctx, orgID)
}

// ListAssignments возвращает назначения PR
func (s *AdminService) ListAssignments(ctx context.Context, pullRequestID string) ([]models.ReviewAssignment, error) {
	return s.reviews.ListAssignmentsByPR(ctx, pullRequestID)
}

// RecordReview переводит активное назначение в approved или rejected
func (s *AdminService) RecordReview(ctx context.Context, assignmentID string, decision models.AssignmentStatus) (*models.ReviewAssignment, error) {
	if !decision.IsTerminal() {
		return nil, fmt.Errorf("%w: decision must be approved or rejected", repository.ErrInvalidInput)
	}
	return s.reviews.CompleteAssignment(ctx, assignmentID, decision, time.Now().UTC())
}
