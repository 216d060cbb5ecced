package handlers

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/insight-engine/backend/internal/storage/models"
)

func (h *Handler) ListInsights(c *fiber.Ctx) error {
	user, ok := requireUser(c)
	if !ok {
		return missingUser(c)
	}

	f := models.InsightFilter{
		ActiveOnly:    c.QueryBool("active_only", true),
		PinnedOnly:    c.QueryBool("pinned_only", false),
		MinConfidence: c.QueryFloat("min_confidence", 0),
		Limit:         c.QueryInt("limit", 50),
	}
	if raw := c.Query("entity_type"); raw != "" {
		kind, ok := models.ParseEntityKind(raw)
		if !ok {
			return badRequest(c, "unknown entity_type "+raw)
		}
		f.EntityType = kind
	}
	if id := c.Query("entity_id"); id != "" {
		f.EntityID = &id
	}
	if raw := c.Query("category"); raw != "" {
		cats, err := parseCategories(raw)
		if err != nil {
			return badRequest(c, err.Error())
		}
		f.Categories = cats
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return badRequest(c, "since must be an RFC 3339 timestamp")
		}
		f.Since = since
	}

	insights, err := h.engine.ListInsights(c.UserContext(), user, f)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"insights": insights,
		"count":    len(insights),
	})
}

func (h *Handler) GetInsight(c *fiber.Ctx) error {
	user, ok := requireUser(c)
	if !ok {
		return missingUser(c)
	}

	ins, err := h.engine.GetInsight(c.UserContext(), user, c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(ins)
}

func (h *Handler) SubmitFeedback(c *fiber.Ctx) error {
	user, ok := requireUser(c)
	if !ok {
		return missingUser(c)
	}

	var req struct {
		Feedback string         `json:"feedback"`
		Comment  string         `json:"comment"`
		Details  map[string]any `json:"details"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	fb, ok := models.ParseFeedbackType(req.Feedback)
	if !ok {
		return badRequest(c, "feedback must be one of accepted, rejected, modified, ignored")
	}

	details := req.Details
	if req.Comment != "" {
		if details == nil {
			details = map[string]any{}
		}
		details["comment"] = req.Comment
	}

	rec, err := h.engine.SubmitFeedback(c.UserContext(), user, c.Params("id"), fb, details)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(rec)
}

func (h *Handler) PinInsight(c *fiber.Ctx) error {
	user, ok := requireUser(c)
	if !ok {
		return missingUser(c)
	}

	req := struct {
		Pinned *bool `json:"pinned"`
	}{}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
	}
	pinned := true
	if req.Pinned != nil {
		pinned = *req.Pinned
	}

	if err := h.engine.PinInsight(c.UserContext(), user, c.Params("id"), pinned); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"id": c.Params("id"), "pinned": pinned})
}

func (h *Handler) DeactivateInsight(c *fiber.Ctx) error {
	user, ok := requireUser(c)
	if !ok {
		return missingUser(c)
	}

	if err := h.engine.DeactivateInsight(c.UserContext(), user, c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func parseCategories(raw string) ([]models.InsightCategory, error) {
	var out []models.InsightCategory
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		cat, ok := models.ParseInsightCategory(part)
		if !ok {
			return nil, fiber.NewError(fiber.StatusBadRequest, "unknown category "+part)
		}
		out = append(out, cat)
	}
	return out, nil
}
