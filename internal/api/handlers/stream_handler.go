package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/insight-engine/backend/internal/blackboard"
	"github.com/insight-engine/backend/internal/storage/models"
	"github.com/insight-engine/backend/pkg/logger"
)

// StreamHandler pushes a user's new insights over a websocket as they are
// stored.
type StreamHandler struct {
	broker *blackboard.Broker
}

func NewStreamHandler(broker *blackboard.Broker) *StreamHandler {
	return &StreamHandler{broker: broker}
}

type streamMessage struct {
	Type    string          `json:"type"`
	Insight *models.Insight `json:"insight,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Upgrade resolves the subscriber and its filter before the protocol switch.
// Browsers cannot set headers on websocket requests, so user_id is also
// accepted as a query parameter.
func (h *StreamHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	user, ok := requireUser(c)
	if !ok {
		user = strings.TrimSpace(c.Query("user_id"))
	}
	if user == "" {
		return missingUser(c)
	}

	filter, err := streamFilter(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	c.Locals("user_id", user)
	c.Locals("filter", filter)
	return c.Next()
}

func (h *StreamHandler) Handler() fiber.Handler {
	return websocket.New(h.HandleConnection)
}

func (h *StreamHandler) HandleConnection(c *websocket.Conn) {
	user, _ := c.Locals("user_id").(string)
	filter, _ := c.Locals("filter").(blackboard.Filter)

	sub := h.broker.Subscribe(user, filter)
	logger.Info("Insight stream opened", zap.String("user_id", user))

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		sub.Close()
		c.Close()
		logger.Info("Insight stream closed",
			zap.String("user_id", user),
			zap.Int64("dropped", sub.Dropped()))
	}()

	// The client never sends anything we act on; reading only detects the close.
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := c.WriteJSON(streamMessage{Type: "subscribed"}); err != nil {
		return
	}

	blackboard.Consume(ctx, sub, func(ins *models.Insight) {
		if err := c.WriteJSON(streamMessage{Type: "insight", Insight: ins}); err != nil {
			logger.Debug("Failed to write insight to stream", zap.String("user_id", user), zap.Error(err))
			cancel()
		}
	})
}

func streamFilter(c *fiber.Ctx) (blackboard.Filter, error) {
	f := blackboard.Filter{MinConfidence: c.QueryFloat("min_confidence", 0)}
	if raw := c.Query("category"); raw != "" {
		cats, err := parseCategories(raw)
		if err != nil {
			return f, err
		}
		f.Categories = cats
	}
	if raw := c.Query("tags"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Tags = append(f.Tags, t)
			}
		}
	}
	return f, nil
}
