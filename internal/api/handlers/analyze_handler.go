package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/insight-engine/backend/internal/engine"
	"github.com/insight-engine/backend/internal/storage/models"
)

func (h *Handler) Analyze(c *fiber.Ctx) error {
	user, ok := requireUser(c)
	if !ok {
		return missingUser(c)
	}

	var req engine.AnalyzeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	req.UserID = user

	ins, err := h.engine.Analyze(c.UserContext(), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(ins)
}

func (h *Handler) BatchAnalyze(c *fiber.Ctx) error {
	user, ok := requireUser(c)
	if !ok {
		return missingUser(c)
	}

	var req struct {
		EntityTypes []models.EntityKind  `json:"entity_types"`
		Depth       models.AnalysisDepth `json:"depth"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if len(req.EntityTypes) == 0 {
		return badRequest(c, "entity_types is required")
	}

	results, err := h.engine.BatchAnalyze(c.UserContext(), user, req.EntityTypes, req.Depth)
	if err != nil {
		return respondError(c, err)
	}

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	return c.JSON(fiber.Map{
		"results": results,
		"total":   len(results),
		"failed":  failed,
	})
}

func (h *Handler) Today(c *fiber.Ctx) error {
	user, ok := requireUser(c)
	if !ok {
		return missingUser(c)
	}

	priorities, err := h.engine.TodayPriorities(c.UserContext(), user, c.QueryInt("limit", 3))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"priorities": priorities})
}
