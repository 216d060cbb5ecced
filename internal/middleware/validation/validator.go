// Package validation rejects malformed API requests before they reach the
// handlers.
package validation

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/insight-engine/backend/internal/storage/models"
)

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

type Config struct {
	MaxUserIDLength     int
	MaxEntityIDLength   int
	MaxCommentLength    int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxUserIDLength == 0 {
		cfg.MaxUserIDLength = 128
	}
	if cfg.MaxEntityIDLength == 0 {
		cfg.MaxEntityIDLength = 128
	}
	if cfg.MaxCommentLength == 0 {
		cfg.MaxCommentLength = 2000
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if user := c.Get("X-User-ID"); user != "" && !validIdentifier(user, cfg.MaxUserIDLength) {
			return reject(c, fiber.StatusBadRequest, "Invalid X-User-ID header")
		}

		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		if contentType := c.Get(fiber.HeaderContentType); contentType != "" && len(c.Body()) > 0 {
			allowed := false
			for _, t := range cfg.AllowedContentTypes {
				if strings.HasPrefix(contentType, t) {
					allowed = true
					break
				}
			}
			if !allowed {
				return reject(c, fiber.StatusUnsupportedMediaType, "Unsupported content type")
			}
		}

		path := c.Path()
		switch {
		case strings.HasSuffix(path, "/analyze"):
			return checkAnalyze(c, cfg)
		case strings.HasSuffix(path, "/analyze/batch"):
			return checkBatch(c)
		case strings.HasSuffix(path, "/feedback"):
			return checkFeedback(c, cfg)
		}
		return c.Next()
	}
}

func checkAnalyze(c *fiber.Ctx, cfg Config) error {
	var req struct {
		EntityType string `json:"entity_type"`
		EntityID   string `json:"entity_id"`
		Depth      string `json:"depth"`
	}
	if err := c.BodyParser(&req); err != nil {
		return reject(c, fiber.StatusBadRequest, "Invalid JSON format")
	}
	kind, ok := models.ParseEntityKind(req.EntityType)
	if !ok {
		return reject(c, fiber.StatusBadRequest, "entity_type must be one of domain, area, initiative, item, global")
	}
	if kind != models.KindGlobal && !validIdentifier(req.EntityID, cfg.MaxEntityIDLength) {
		return reject(c, fiber.StatusBadRequest, "entity_id is required and must be a plain identifier")
	}
	if req.Depth != "" {
		if _, ok := models.ParseAnalysisDepth(req.Depth); !ok {
			return reject(c, fiber.StatusBadRequest, "depth must be one of minimal, balanced, detailed")
		}
	}
	return c.Next()
}

func checkBatch(c *fiber.Ctx) error {
	var req struct {
		EntityTypes []string `json:"entity_types"`
	}
	if err := c.BodyParser(&req); err != nil {
		return reject(c, fiber.StatusBadRequest, "Invalid JSON format")
	}
	if len(req.EntityTypes) == 0 {
		return reject(c, fiber.StatusBadRequest, "entity_types is required")
	}
	for _, t := range req.EntityTypes {
		if _, ok := models.ParseEntityKind(t); !ok {
			return reject(c, fiber.StatusBadRequest, "unknown entity type "+t)
		}
	}
	return c.Next()
}

func checkFeedback(c *fiber.Ctx, cfg Config) error {
	var req struct {
		Feedback string `json:"feedback"`
		Comment  string `json:"comment"`
	}
	if err := c.BodyParser(&req); err != nil {
		return reject(c, fiber.StatusBadRequest, "Invalid JSON format")
	}
	if _, ok := models.ParseFeedbackType(req.Feedback); !ok {
		return reject(c, fiber.StatusBadRequest, "feedback must be one of accepted, rejected, modified, ignored")
	}
	if len(req.Comment) > cfg.MaxCommentLength {
		return reject(c, fiber.StatusBadRequest, "comment exceeds maximum length")
	}
	if xssPattern.MatchString(req.Comment) {
		cfg.Logger.Warn("Potential XSS in feedback comment",
			zap.String("ip", c.IP()),
			zap.String("user_id", c.Get("X-User-ID")),
		)
		return reject(c, fiber.StatusBadRequest, "Invalid comment content")
	}
	return c.Next()
}

// validIdentifier accepts non-empty printable strings without whitespace.
func validIdentifier(s string, max int) bool {
	if s == "" || len(s) > max {
		return false
	}
	for _, r := range s {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func reject(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{
		"error":   "invalid_argument",
		"message": msg,
	})
}
