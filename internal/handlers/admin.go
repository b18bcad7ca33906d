package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/untibullet/pr-router/internal/models"
	"go.uber.org/zap"
)

// UpsertReviewers создает или обновляет ревьюеров организации
func (h *Handler) UpsertReviewers(c echo.Context) error {
	h.logger.Info("UpsertReviewers: начало обработки запроса")

	var req struct {
		OrganizationID string            `json:"organization_id"`
		Reviewers      []models.Reviewer `json:"reviewers"`
	}
	if err := c.Bind(&req); err != nil {
		h.logger.Error("UpsertReviewers: ошибка парсинга тела запроса", zap.Error(err))
		return badRequest(c, "invalid request body")
	}

	h.logger.Info("UpsertReviewers: сохранение ревьюеров",
		zap.String("organization_id", req.OrganizationID), zap.Int("reviewers_count", len(req.Reviewers)))

	reviewers, err := h.admin.UpsertReviewers(c.Request().Context(), req.OrganizationID, req.Reviewers)
	if err != nil {
		return h.fail(c, "UpsertReviewers", err, zap.String("organization_id", req.OrganizationID))
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"organization_id": req.OrganizationID,
		"reviewers":       reviewers,
	})
}

// SetReviewerIsActive обновляет статус активности ревьюера
func (h *Handler) SetReviewerIsActive(c echo.Context) error {
	h.logger.Info("SetReviewerIsActive: начало обработки запроса")

	var req struct {
		OrganizationID string `json:"organization_id"`
		ReviewerID     string `json:"reviewer_id"`
		IsActive       bool   `json:"is_active"`
	}
	if err := c.Bind(&req); err != nil {
		h.logger.Error("SetReviewerIsActive: ошибка парсинга тела запроса", zap.Error(err))
		return badRequest(c, "invalid request body")
	}

	h.logger.Info("SetReviewerIsActive: обновление статуса ревьюера",
		zap.String("reviewer_id", req.ReviewerID), zap.Bool("is_active", req.IsActive))

	reviewer, err := h.admin.SetReviewerActive(c.Request().Context(), req.OrganizationID, req.ReviewerID, req.IsActive)
	if err != nil {
		return h.fail(c, "SetReviewerIsActive", err, zap.String("reviewer_id", req.ReviewerID))
	}

	h.logger.Info("SetReviewerIsActive: статус ревьюера обновлен", zap.String("reviewer_id", req.ReviewerID))
	return c.JSON(http.StatusOK, map[string]interface{}{"reviewer": reviewer})
}

// ListRoutingFailures возвращает последние неудачи маршрутизации организации
func (h *Handler) ListRoutingFailures(c echo.Context) error {
	orgID := c.QueryParam("organization_id")
	if orgID == "" {
		h.logger.Warn("ListRoutingFailures: параметр organization_id отсутствует")
		return badRequest(c, "organization_id parameter is required")
	}

	failures, err := h.admin.ListRoutingFailures(c.Request().Context(), orgID)
	if err != nil {
		return h.fail(c, "ListRoutingFailures", err, zap.String("organization_id", orgID))
	}
	if failures == nil {
		failures = []models.RoutingFailure{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"organization_id": orgID,
		"failures":        failures,
	})
}

// ProcessEscalations запускает проход эскалации вручную.
// Необязательное поле now задает момент оценки и не может быть позже часов сервера.
func (h *Handler) ProcessEscalations(c echo.Context) error {
	var req struct {
		Now *time.Time `json:"now"`
	}
	if err := c.Bind(&req); err != nil {
		h.logger.Error("ProcessEscalations: ошибка парсинга тела запроса", zap.Error(err))
		return badRequest(c, "invalid request body")
	}

	var at time.Time
	if req.Now != nil {
		at = req.Now.UTC()
		if at.After(h.clock()) {
			h.logger.Warn("ProcessEscalations: момент оценки в будущем", zap.Time("now", at))
			return badRequest(c, "now must not be in the future")
		}
	}

	h.logger.Info("ProcessEscalations: ручной запуск прохода эскалации", zap.Time("at", at))

	stats, err := h.sweeper.Run(c.Request().Context(), at)
	if err != nil {
		return h.fail(c, "ProcessEscalations", err)
	}

	h.logger.Info("ProcessEscalations: проход завершен",
		zap.Int("reminded", stats.RemindedCount),
		zap.Int("escalated", stats.EscalatedCount),
		zap.Int("errors", len(stats.Errors)))
	return c.JSON(http.StatusOK, stats)
}
