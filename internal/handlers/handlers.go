package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/untibullet/pr-router/internal/models"
	"github.com/untibullet/pr-router/internal/repository"
	"github.com/untibullet/pr-router/internal/selector"
	"github.com/untibullet/pr-router/internal/service"
	"go.uber.org/zap"
)

// Коды ошибок для API
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
	ErrCodeDuplicatePriority  = "DUPLICATE_PRIORITY"
	ErrCodeStatusConflict     = "STATUS_CONFLICT"
	ErrCodeNoEligibleReviewer = "NO_ELIGIBLE_REVIEWER"
	ErrCodeStoreUnavailable   = "STORE_UNAVAILABLE"
	ErrCodeInternal           = "INTERNAL"
)

// EventRouter маршрутизирует события PR
type EventRouter interface {
	HandleEvent(ctx context.Context, event models.PullRequestEvent) (*service.RouteResult, error)
}

// RuleAdmin управление правилами и настройками организации
type RuleAdmin interface {
	ListRules(ctx context.Context, orgID string) ([]models.RoutingRule, error)
	CreateRule(ctx context.Context, rule models.RoutingRule) (models.RoutingRule, error)
	UpdateRule(ctx context.Context, rule models.RoutingRule) (models.RoutingRule, error)
	DeleteRule(ctx context.Context, orgID, ruleID string) error
	ReorderRules(ctx context.Context, orgID string, ruleIDs []string) error
	SetOrganizationSettings(ctx context.Context, orgID string, settings models.OrgSettings) error
}

// Admin справочник ревьюеров, пороги, назначения и неудачи маршрутизации
type Admin interface {
	UpsertReviewers(ctx context.Context, orgID string, reviewers []models.Reviewer) ([]models.Reviewer, error)
	SetReviewerActive(ctx context.Context, orgID, reviewerID string, isActive bool) (*models.Reviewer, error)
	GetThresholds(ctx context.Context, orgID string) (models.EscalationThresholds, error)
	SetThresholds(ctx context.Context, orgID string, thresholds models.EscalationThresholds) error
	ListRoutingFailures(ctx context.Context, orgID string) ([]models.RoutingFailure, error)
	ListAssignments(ctx context.Context, pullRequestID string) ([]models.ReviewAssignment, error)
	RecordReview(ctx context.Context, assignmentID string, decision models.AssignmentStatus) (*models.ReviewAssignment, error)
}

// Sweeper ручной запуск прохода эскалации
type Sweeper interface {
	Run(ctx context.Context, at time.Time) (models.SweepStats, error)
}

type Handler struct {
	router  EventRouter
	rules   RuleAdmin
	admin   Admin
	sweeper Sweeper
	logger  *zap.Logger
	clock   func() time.Time
}

// New создает новый экземпляр обработчика
func New(router EventRouter, rules RuleAdmin, admin Admin, sweeper Sweeper, logger *zap.Logger) *Handler {
	return &Handler{
		router:  router,
		rules:   rules,
		admin:   admin,
		sweeper: sweeper,
		logger:  logger,
		clock:   time.Now,
	}
}

// ErrorResponse представляет структуру ошибки API
type ErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// newErrorResponse создает стандартный ответ с ошибкой
func newErrorResponse(code, message string) ErrorResponse {
	var resp ErrorResponse
	resp.Error.Code = code
	resp.Error.Message = message
	return resp
}

// errorStatus сопоставляет ошибку слоя сервиса HTTP-статусу и коду API
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, repository.ErrStoreUnavailable), repository.IsUnavailable(err):
		return http.StatusServiceUnavailable, ErrCodeStoreUnavailable
	case errors.Is(err, repository.ErrInvalidInput):
		return http.StatusBadRequest, ErrCodeInvalidInput
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, repository.ErrDuplicatePriority):
		return http.StatusConflict, ErrCodeDuplicatePriority
	case errors.Is(err, repository.ErrAlreadyExists):
		return http.StatusConflict, ErrCodeAlreadyExists
	case errors.Is(err, repository.ErrStatusConflict):
		return http.StatusConflict, ErrCodeStatusConflict
	case errors.Is(err, selector.ErrNoEligibleReviewer):
		return http.StatusUnprocessableEntity, ErrCodeNoEligibleReviewer
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// fail логирует ошибку и отвечает стандартным конвертом
func (h *Handler) fail(c echo.Context, op string, err error, fields ...zap.Field) error {
	status, code := errorStatus(err)
	fields = append(fields, zap.Error(err), zap.Int("status", status))
	if status >= http.StatusInternalServerError {
		h.logger.Error(op+": ошибка обработки запроса", fields...)
	} else {
		h.logger.Warn(op+": запрос отклонен", fields...)
	}
	return c.JSON(status, newErrorResponse(code, err.Error()))
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeInvalidInput, message))
}

// Health проверка живости сервиса
func Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// RegisterRoutes регистрирует все маршруты API
func (h *Handler) RegisterRoutes(e *echo.Echo, gatherer prometheus.Gatherer) {
	// Events
	e.POST("/events/pull-request", h.RoutePullRequest)

	// Assignments
	e.GET("/assignments", h.ListAssignments)
	e.POST("/assignments/:id/review", h.RecordReview)

	// Rules
	e.GET("/rules", h.ListRules)
	e.POST("/rules", h.CreateRule)
	e.POST("/rules/reorder", h.ReorderRules)
	e.PUT("/rules/:id", h.UpdateRule)
	e.DELETE("/rules/:id", h.DeleteRule)

	// Organizations
	e.PUT("/organizations/:id/settings", h.SetOrganizationSettings)
	e.GET("/organizations/:id/escalation", h.GetThresholds)
	e.PUT("/organizations/:id/escalation", h.SetThresholds)

	// Reviewers
	e.POST("/reviewers/upsert", h.UpsertReviewers)
	e.POST("/reviewers/setIsActive", h.SetReviewerIsActive)

	// Operations
	e.GET("/routing-failures", h.ListRoutingFailures)
	e.POST("/escalations/process", h.ProcessEscalations)

	e.GET("/health", Health)
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}
