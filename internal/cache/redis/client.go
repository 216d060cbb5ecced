package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/insight-engine/backend/internal/metrics"
	"github.com/insight-engine/backend/pkg/logger"
)

// Client is the freshness fast path: it remembers which insight answered a
// (user, entity) target until the freshness window runs out. The
// insight repository stays authoritative; a miss here only costs a query.
type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

// NewFromRedis wraps an existing go-redis client.
func NewFromRedis(client *redis.Client) *Client {
	return &Client{client: client}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func freshKey(userID, tupleHash string) string {
	return fmt.Sprintf("fresh:%s:%s", userID, tupleHash)
}

// RememberInsight marks insightID as the fresh answer for the tuple.
func (c *Client) RememberInsight(ctx context.Context, userID, tupleHash, insightID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, freshKey(userID, tupleHash), insightID, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set freshness entry: %w", err)
	}
	logger.Debug("Freshness cached",
		zap.String("user_id", userID),
		zap.String("tuple", tupleHash),
		zap.Duration("ttl", ttl))
	return nil
}

func (c *Client) LookupInsight(ctx context.Context, userID, tupleHash string) (string, bool, error) {
	id, err := c.client.Get(ctx, freshKey(userID, tupleHash)).Result()
	if errors.Is(err, redis.Nil) {
		metrics.CacheMisses.WithLabelValues("freshness").Inc()
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get freshness entry: %w", err)
	}
	metrics.CacheHits.WithLabelValues("freshness").Inc()
	return id, true, nil
}

func (c *Client) Forget(ctx context.Context, userID, tupleHash string) error {
	return c.client.Del(ctx, freshKey(userID, tupleHash)).Err()
}

// ForgetUser drops every freshness entry belonging to userID.
func (c *Client) ForgetUser(ctx context.Context, userID string) error {
	iter := c.client.Scan(ctx, 0, freshKey(userID, "*"), 0).Iterator()
	removed := 0
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Debug("Freshness cache invalidated", zap.String("user_id", userID), zap.Int("removed", removed))
	return nil
}

func (c *Client) SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	if err := c.client.Set(ctx, fmt.Sprintf("embedding:%s", textHash), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}
	return nil
}

func (c *Client) GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, fmt.Sprintf("embedding:%s", textHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get embedding cache: %w", err)
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}

	metrics.CacheHits.WithLabelValues("embedding").Inc()
	return embedding, true, nil
}
