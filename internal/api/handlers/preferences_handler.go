package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/insight-engine/backend/internal/storage/models"
)

func (h *Handler) GetPatterns(c *fiber.Ctx) error {
	user, ok := requireUser(c)
	if !ok {
		return missingUser(c)
	}

	summary, err := h.engine.GetPatterns(c.UserContext(), user, c.QueryInt("days", 30))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(summary)
}

func (h *Handler) AcceptSuggestion(c *fiber.Ctx) error {
	user, ok := requireUser(c)
	if !ok {
		return missingUser(c)
	}

	var req struct {
		RuleID string   `json:"rule_id"`
		Weight *float64 `json:"weight"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if req.RuleID == "" || req.Weight == nil {
		return badRequest(c, "rule_id and weight are required")
	}

	prefs, err := h.engine.AcceptSuggestion(c.UserContext(), user, req.RuleID, *req.Weight)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(prefs)
}

func (h *Handler) GetPreferences(c *fiber.Ctx) error {
	user, ok := requireUser(c)
	if !ok {
		return missingUser(c)
	}

	prefs, err := h.engine.GetPreferences(c.UserContext(), user)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(prefs)
}

func (h *Handler) UpdatePreferences(c *fiber.Ctx) error {
	user, ok := requireUser(c)
	if !ok {
		return missingUser(c)
	}

	var patch models.PreferencesPatch
	if err := c.BodyParser(&patch); err != nil {
		return badRequest(c, "Invalid request body")
	}

	prefs, err := h.engine.UpdatePreferences(c.UserContext(), user, patch)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(prefs)
}
