package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/untibullet/pr-router/internal/models"
	"go.uber.org/zap"
)

// ListRules возвращает правила организации в порядке приоритета
func (h *Handler) ListRules(c echo.Context) error {
	orgID := c.QueryParam("organization_id")
	if orgID == "" {
		h.logger.Warn("ListRules: параметр organization_id отсутствует")
		return badRequest(c, "organization_id parameter is required")
	}

	rules, err := h.rules.ListRules(c.Request().Context(), orgID)
	if err != nil {
		return h.fail(c, "ListRules", err, zap.String("organization_id", orgID))
	}
	if rules == nil {
		rules = []models.RoutingRule{}
	}

	h.logger.Info("ListRules: правила получены", zap.String("organization_id", orgID), zap.Int("rules_count", len(rules)))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"organization_id": orgID,
		"rules":           rules,
	})
}

// CreateRule создает правило маршрутизации
func (h *Handler) CreateRule(c echo.Context) error {
	h.logger.Info("CreateRule: начало обработки запроса")

	var req models.RoutingRule
	if err := c.Bind(&req); err != nil {
		h.logger.Error("CreateRule: ошибка парсинга тела запроса", zap.Error(err))
		return badRequest(c, "invalid request body")
	}

	rule, err := h.rules.CreateRule(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, "CreateRule", err, zap.String("organization_id", req.OrganizationID), zap.String("name", req.Name))
	}

	h.logger.Info("CreateRule: правило создано", zap.String("rule_id", rule.ID), zap.Int("priority", rule.Priority))
	return c.JSON(http.StatusCreated, map[string]interface{}{"rule": rule})
}

// UpdateRule перезаписывает правило
func (h *Handler) UpdateRule(c echo.Context) error {
	ruleID := c.Param("id")
	h.logger.Info("UpdateRule: начало обработки запроса", zap.String("rule_id", ruleID))

	var req models.RoutingRule
	if err := c.Bind(&req); err != nil {
		h.logger.Error("UpdateRule: ошибка парсинга тела запроса", zap.Error(err))
		return badRequest(c, "invalid request body")
	}
	req.ID = ruleID

	rule, err := h.rules.UpdateRule(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, "UpdateRule", err, zap.String("rule_id", ruleID))
	}

	h.logger.Info("UpdateRule: правило обновлено", zap.String("rule_id", ruleID))
	return c.JSON(http.StatusOK, map[string]interface{}{"rule": rule})
}

// DeleteRule удаляет правило
func (h *Handler) DeleteRule(c echo.Context) error {
	ruleID := c.Param("id")
	orgID := c.QueryParam("organization_id")
	h.logger.Info("DeleteRule: удаление правила", zap.String("rule_id", ruleID), zap.String("organization_id", orgID))

	if orgID == "" {
		return badRequest(c, "organization_id parameter is required")
	}

	if err := h.rules.DeleteRule(c.Request().Context(), orgID, ruleID); err != nil {
		return h.fail(c, "DeleteRule", err, zap.String("rule_id", ruleID))
	}

	return c.NoContent(http.StatusNoContent)
}

// ReorderRules выставляет приоритеты правил по порядку списка
func (h *Handler) ReorderRules(c echo.Context) error {
	var req struct {
		OrganizationID string   `json:"organization_id"`
		RuleIDs        []string `json:"rule_ids"`
	}
	if err := c.Bind(&req); err != nil {
		h.logger.Error("ReorderRules: ошибка парсинга тела запроса", zap.Error(err))
		return badRequest(c, "invalid request body")
	}
	if req.OrganizationID == "" {
		return badRequest(c, "organization_id is required")
	}

	h.logger.Info("ReorderRules: изменение порядка правил",
		zap.String("organization_id", req.OrganizationID), zap.Int("rules_count", len(req.RuleIDs)))

	ctx := c.Request().Context()
	if err := h.rules.ReorderRules(ctx, req.OrganizationID, req.RuleIDs); err != nil {
		return h.fail(c, "ReorderRules", err, zap.String("organization_id", req.OrganizationID))
	}

	rules, err := h.rules.ListRules(ctx, req.OrganizationID)
	if err != nil {
		return h.fail(c, "ReorderRules", err, zap.String("organization_id", req.OrganizationID))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"organization_id": req.OrganizationID,
		"rules":           rules,
	})
}

// SetOrganizationSettings меняет часовой пояс и fallback организации
func (h *Handler) SetOrganizationSettings(c echo.Context) error {
	orgID := c.Param("id")

	var req models.OrgSettings
	if err := c.Bind(&req); err != nil {
		h.logger.Error("SetOrganizationSettings: ошибка парсинга тела запроса", zap.Error(err))
		return badRequest(c, "invalid request body")
	}

	if err := h.rules.SetOrganizationSettings(c.Request().Context(), orgID, req); err != nil {
		return h.fail(c, "SetOrganizationSettings", err, zap.String("organization_id", orgID))
	}

	h.logger.Info("SetOrganizationSettings: настройки сохранены",
		zap.String("organization_id", orgID), zap.String("timezone", req.Timezone))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"organization_id": orgID,
		"settings":        req,
	})
}

// thresholdsPayload пороги эскалации в секундах
type thresholdsPayload struct {
	ReminderSeconds   int64 `json:"reminder_seconds"`
	EscalationSeconds int64 `json:"escalation_seconds"`
}

func toPayload(th models.EscalationThresholds) thresholdsPayload {
	return thresholdsPayload{
		ReminderSeconds:   int64(th.Reminder / time.Second),
		EscalationSeconds: int64(th.Escalation / time.Second),
	}
}

// GetThresholds возвращает пороги эскалации организации
func (h *Handler) GetThresholds(c echo.Context) error {
	orgID := c.Param("id")

	th, err := h.admin.GetThresholds(c.Request().Context(), orgID)
	if err != nil {
		return h.fail(c, "GetThresholds", err, zap.String("organization_id", orgID))
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"organization_id": orgID,
		"thresholds":      toPayload(th),
	})
}

// SetThresholds сохраняет пороги эскалации организации
func (h *Handler) SetThresholds(c echo.Context) error {
	orgID := c.Param("id")

	var req thresholdsPayload
	if err := c.Bind(&req); err != nil {
		h.logger.Error("SetThresholds: ошибка парсинга тела запроса", zap.Error(err))
		return badRequest(c, "invalid request body")
	}

	th := models.EscalationThresholds{
		Reminder:   time.Duration(req.ReminderSeconds) * time.Second,
		Escalation: time.Duration(req.EscalationSeconds) * time.Second,
	}
	if err := h.admin.SetThresholds(c.Request().Context(), orgID, th); err != nil {
		return h.fail(c, "SetThresholds", err, zap.String("organization_id", orgID))
	}

	h.logger.Info("SetThresholds: пороги сохранены",
		zap.String("organization_id", orgID),
		zap.Duration("reminder", th.Reminder),
		zap.Duration("escalation", th.Escalation))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"organization_id": orgID,
		"thresholds":      toPayload(th),
	})
}
