package zilliz

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/insight-engine/backend/internal/metrics"
	"github.com/insight-engine/backend/internal/storage/models"
	"github.com/insight-engine/backend/pkg/logger"
	"github.com/insight-engine/backend/pkg/utils"
)

type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingCache is satisfied by the redis cache client.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

type VectorStore interface {
	Insert(ctx context.Context, records []Record) error
	Search(ctx context.Context, userID string, query []float32, topK int) ([]Match, error)
}

type IndexConfig struct {
	MinSimilarity float64
	TopK          int
	CacheTTL      time.Duration
}

// Index finds a user's earlier insights that read much like a new one.
type Index struct {
	store    VectorStore
	embedder Embedder
	cache    EmbeddingCache
	cfg      IndexConfig
}

// NewIndex accepts a nil cache.
func NewIndex(store VectorStore, embedder Embedder, cache EmbeddingCache, cfg IndexConfig) *Index {
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = 0.85
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	return &Index{store: store, embedder: embedder, cache: cache, cfg: cfg}
}

// Recall returns the IDs of the user's stored insights whose similarity to
// ins reaches the configured threshold.
func (x *Index) Recall(ctx context.Context, ins *models.Insight) ([]string, error) {
	vec, err := x.embed(ctx, insightText(ins))
	if err != nil {
		return nil, err
	}
	matches, err := x.store.Search(ctx, ins.UserID, vec, x.cfg.TopK)
	if err != nil {
		return nil, err
	}
	ids := similarIDs(matches, x.cfg.MinSimilarity, ins.ID)
	metrics.SimilarInsights.Observe(float64(len(ids)))
	return ids, nil
}

func (x *Index) Index(ctx context.Context, ins *models.Insight) error {
	vec, err := x.embed(ctx, insightText(ins))
	if err != nil {
		return err
	}
	return x.store.Insert(ctx, []Record{{
		InsightID: ins.ID,
		UserID:    ins.UserID,
		Category:  string(ins.Category),
		Embedding: vec,
		CreatedAt: ins.CreatedAt,
	}})
}

func (x *Index) embed(ctx context.Context, text string) ([]float32, error) {
	key := utils.HashKey(text)
	if x.cache != nil {
		vec, ok, err := x.cache.GetEmbedding(ctx, key)
		if err != nil {
			logger.Warn("Embedding cache lookup failed", zap.Error(err))
		}
		if ok {
			return vec, nil
		}
	}

	vec, err := x.embedder.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed insight: %w", err)
	}
	vec = normalize(vec)

	if x.cache != nil {
		if err := x.cache.SetEmbedding(ctx, key, vec, x.cfg.CacheTTL); err != nil {
			logger.Warn("Failed to cache embedding", zap.Error(err))
		}
	}
	return vec, nil
}

// insightText is the text that gets embedded: what the insight is about
// and what it says.
func insightText(ins *models.Insight) string {
	var b strings.Builder
	b.WriteString(string(ins.Category))
	b.WriteString(" for ")
	b.WriteString(string(ins.EntityType))
	b.WriteString(": ")
	b.WriteString(ins.Title)
	b.WriteString(". ")
	b.WriteString(ins.Summary)
	for _, r := range ins.Recommendations {
		b.WriteString(" ")
		b.WriteString(r)
	}
	return b.String()
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}

func similarIDs(matches []Match, min float64, exclude string) []string {
	var ids []string
	for _, m := range matches {
		if m.InsightID == exclude || float64(m.Score) < min {
			continue
		}
		ids = append(ids, m.InsightID)
	}
	return ids
}
