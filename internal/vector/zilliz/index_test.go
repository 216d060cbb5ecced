package zilliz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insight-engine/backend/internal/cache/redis"
	"github.com/insight-engine/backend/internal/storage/models"
)

type countingEmbedder struct {
	calls int
	err   error
}

func (e *countingEmbedder) GenerateEmbedding(context.Context, string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return []float32{3, 4}, nil
}

type memoryStore struct {
	records  []Record
	matches  []Match
	lastUser string
}

func (m *memoryStore) Insert(_ context.Context, records []Record) error {
	m.records = append(m.records, records...)
	return nil
}

func (m *memoryStore) Search(_ context.Context, userID string, _ []float32, _ int) ([]Match, error) {
	m.lastUser = userID
	return m.matches, nil
}

func TestNormalize(t *testing.T) {
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, normalize([]float32{3, 4}), 1e-6)
	assert.Equal(t, []float32{0, 0}, normalize([]float32{0, 0}))
}

func TestSimilarIDsFiltersByScoreAndSelf(t *testing.T) {
	ids := similarIDs([]Match{
		{InsightID: "self", Score: 0.99},
		{InsightID: "close", Score: 0.9},
		{InsightID: "far", Score: 0.4},
	}, 0.85, "self")
	assert.Equal(t, []string{"close"}, ids)
}

func TestUserFilterQuotes(t *testing.T) {
	assert.Equal(t, `user_id == "u1"`, userFilter("u1"))
	assert.Equal(t, `user_id == "a\"b"`, userFilter(`a"b`))
}

func TestIndexRecallUsesCachedEmbedding(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewFromRedis(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	defer cache.Close()

	store := &memoryStore{matches: []Match{{InsightID: "old", Score: 0.95}}}
	embedder := &countingEmbedder{}
	idx := NewIndex(store, embedder, cache, IndexConfig{})

	ins := &models.Insight{ID: "new", UserID: "u1", EntityType: models.KindItem,
		Category: models.CategoryPriority, Title: "Write doc", Summary: "Due soon.", CreatedAt: time.Now()}

	ids, err := idx.Recall(context.Background(), ins)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)
	assert.Equal(t, "u1", store.lastUser)

	require.NoError(t, idx.Index(context.Background(), ins))
	assert.Equal(t, 1, embedder.calls, "second embedding comes from the cache")
	require.Len(t, store.records, 1)
	assert.Equal(t, "new", store.records[0].InsightID)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, store.records[0].Embedding, 1e-6)
}

func TestIndexRecallPropagatesEmbeddingErrors(t *testing.T) {
	idx := NewIndex(&memoryStore{}, &countingEmbedder{err: errors.New("quota")}, nil, IndexConfig{})
	_, err := idx.Recall(context.Background(), &models.Insight{UserID: "u1"})
	assert.Error(t, err)
}
