package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/untibullet/pr-router/internal/models"
	"github.com/untibullet/pr-router/internal/service"
	"go.uber.org/zap"
)

// RouteResponse ответ на событие PR
type RouteResponse struct {
	Outcome     string                    `json:"outcome"`
	Matched     bool                      `json:"matched"`
	RuleID      *string                   `json:"rule_id"`
	RuleName    string                    `json:"rule_name,omitempty"`
	Assignments []models.ReviewAssignment `json:"assignments"`
}

// RoutePullRequest маршрутизирует событие PR и создает назначения
func (h *Handler) RoutePullRequest(c echo.Context) error {
	h.logger.Info("RoutePullRequest: начало обработки запроса")

	var req models.PullRequestEvent
	if err := c.Bind(&req); err != nil {
		h.logger.Error("RoutePullRequest: ошибка парсинга тела запроса", zap.Error(err))
		return badRequest(c, "invalid request body")
	}
	if req.PullRequestID == "" || req.OrganizationID == "" {
		h.logger.Warn("RoutePullRequest: не указан PR или организация")
		return badRequest(c, "pull_request_id and organization_id are required")
	}

	h.logger.Info("RoutePullRequest: маршрутизация PR",
		zap.String("pull_request_id", req.PullRequestID),
		zap.String("organization_id", req.OrganizationID),
		zap.Int("files_count", len(req.Files)))

	result, err := h.router.HandleEvent(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, "RoutePullRequest", err, zap.String("pull_request_id", req.PullRequestID))
	}

	resp := RouteResponse{
		Outcome:     result.Outcome,
		Matched:     result.Decision.Matched,
		RuleID:      result.Decision.RuleID,
		RuleName:    result.Decision.RuleName,
		Assignments: result.Assignments,
	}
	if resp.Assignments == nil {
		resp.Assignments = []models.ReviewAssignment{}
	}

	h.logger.Info("RoutePullRequest: событие обработано",
		zap.String("pull_request_id", req.PullRequestID),
		zap.String("outcome", result.Outcome),
		zap.Int("assignments_count", len(resp.Assignments)))

	status := http.StatusOK
	if result.Outcome == service.OutcomeAssigned {
		status = http.StatusCreated
	}
	return c.JSON(status, resp)
}

// ListAssignments возвращает назначения PR
func (h *Handler) ListAssignments(c echo.Context) error {
	prID := c.QueryParam("pull_request_id")
	h.logger.Info("ListAssignments: получение назначений", zap.String("pull_request_id", prID))

	if prID == "" {
		h.logger.Warn("ListAssignments: параметр pull_request_id отсутствует")
		return badRequest(c, "pull_request_id parameter is required")
	}

	assignments, err := h.admin.ListAssignments(c.Request().Context(), prID)
	if err != nil {
		return h.fail(c, "ListAssignments", err, zap.String("pull_request_id", prID))
	}
	if assignments == nil {
		assignments = []models.ReviewAssignment{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"pull_request_id": prID,
		"assignments":     assignments,
	})
}

// RecordReview фиксирует решение ревьюера
func (h *Handler) RecordReview(c echo.Context) error {
	assignmentID := c.Param("id")
	h.logger.Info("RecordReview: начало обработки запроса", zap.String("assignment_id", assignmentID))

	var req struct {
		Decision models.AssignmentStatus `json:"decision"`
	}
	if err := c.Bind(&req); err != nil {
		h.logger.Error("RecordReview: ошибка парсинга тела запроса", zap.Error(err))
		return badRequest(c, "invalid request body")
	}

	assignment, err := h.admin.RecordReview(c.Request().Context(), assignmentID, req.Decision)
	if err != nil {
		return h.fail(c, "RecordReview", err, zap.String("assignment_id", assignmentID))
	}

	h.logger.Info("RecordReview: решение сохранено",
		zap.String("assignment_id", assignmentID),
		zap.String("status", string(assignment.Status)))
	return c.JSON(http.StatusOK, map[string]interface{}{"assignment": assignment})
}
