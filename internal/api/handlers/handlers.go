// Package handlers exposes the insight engine over HTTP.
package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/insight-engine/backend/internal/apperr"
	"github.com/insight-engine/backend/internal/engine"
	"github.com/insight-engine/backend/internal/metrics"
	"github.com/insight-engine/backend/pkg/logger"
)

// UserHeader identifies the caller. Authentication happens upstream.
const UserHeader = "X-User-ID"

type Handler struct {
	engine *engine.Engine
}

func NewHandler(eng *engine.Engine) *Handler {
	return &Handler{engine: eng}
}

// Register mounts every route on r, which is expected to be the /api/v1 group.
func Register(r fiber.Router, h *Handler, stream *StreamHandler, health *HealthHandler) {
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Get("/metrics", metrics.MetricsHandler())

	r.Post("/analyze", h.Analyze)
	r.Post("/analyze/batch", h.BatchAnalyze)
	r.Get("/today", h.Today)

	r.Get("/insights/stream", stream.Upgrade, stream.Handler())
	r.Get("/insights", h.ListInsights)
	r.Get("/insights/:id", h.GetInsight)
	r.Post("/insights/:id/feedback", h.SubmitFeedback)
	r.Post("/insights/:id/pin", h.PinInsight)
	r.Delete("/insights/:id", h.DeactivateInsight)

	r.Get("/patterns", h.GetPatterns)
	r.Post("/patterns/suggestions/accept", h.AcceptSuggestion)

	r.Get("/preferences", h.GetPreferences)
	r.Put("/preferences", h.UpdatePreferences)
}

func requireUser(c *fiber.Ctx) (string, bool) {
	user := strings.TrimSpace(c.Get(UserHeader))
	return user, user != ""
}

func missingUser(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error":   "unauthenticated",
		"message": UserHeader + " header is required",
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error":   "invalid_argument",
		"message": msg,
	})
}

// respondError maps engine errors onto status codes. Internal failures are
// logged and reported without detail.
func respondError(c *fiber.Ctx, err error) error {
	kind := apperr.Kind(err)
	status := statusFor(kind)
	if status == fiber.StatusInternalServerError {
		logger.Error("Request failed",
			zap.String("path", c.Path()),
			zap.String("user_id", c.Get(UserHeader)),
			zap.Error(err))
		return c.Status(status).JSON(fiber.Map{
			"error":   kind,
			"message": "Internal error",
		})
	}
	return c.Status(status).JSON(fiber.Map{
		"error":   kind,
		"message": err.Error(),
	})
}

func statusFor(kind string) int {
	switch kind {
	case "not_found":
		return fiber.StatusNotFound
	case "invalid_argument":
		return fiber.StatusBadRequest
	case "context_unavailable":
		return fiber.StatusServiceUnavailable
	case "repository_conflict":
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}
