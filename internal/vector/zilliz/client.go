package zilliz

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/insight-engine/backend/pkg/logger"
)

// Client stores one normalized embedding per insight. Vectors are unit
// length, so the inner-product metric ranks by cosine similarity.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

// Record is one insight's row in the collection.
type Record struct {
	InsightID string
	UserID    string
	Category  string
	Embedding []float32
	CreatedAt time.Time
}

type Match struct {
	InsightID string
	Score     float32
}

func NewClient(endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) Ping(ctx context.Context) error {
	_, err := z.client.HasCollection(ctx, z.collectionName)
	return err
}

func (z *Client) CreateCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return z.client.LoadCollection(ctx, z.collectionName, false)
	}

	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "Insight embeddings for recurring-insight detection",
		Fields: []*entity.Field{
			{
				Name:       "insight_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "user_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "128",
				},
			},
			{
				Name:     "category",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", z.vectorDim),
				},
			},
			{
				Name:     "created_at",
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	err = z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.IP, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	err = z.client.CreateIndex(ctx, z.collectionName, "embedding", idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = z.client.LoadCollection(ctx, z.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))

	return nil
}

func (z *Client) Insert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	ids := make([]string, len(records))
	users := make([]string, len(records))
	categories := make([]string, len(records))
	embeddings := make([][]float32, len(records))
	created := make([]int64, len(records))

	for i, r := range records {
		if len(r.Embedding) != z.vectorDim {
			return fmt.Errorf("embedding for %s has %d dimensions, collection expects %d", r.InsightID, len(r.Embedding), z.vectorDim)
		}
		ids[i] = r.InsightID
		users[i] = r.UserID
		categories[i] = r.Category
		embeddings[i] = r.Embedding
		created[i] = r.CreatedAt.UnixMilli()
	}

	_, err := z.client.Insert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnVarChar("insight_id", ids),
		entity.NewColumnVarChar("user_id", users),
		entity.NewColumnVarChar("category", categories),
		entity.NewColumnFloatVector("embedding", z.vectorDim, embeddings),
		entity.NewColumnInt64("created_at", created),
	)
	if err != nil {
		return fmt.Errorf("failed to insert embeddings: %w", err)
	}

	logger.Debug("Insight embeddings inserted", zap.Int("count", len(records)))

	return nil
}

// Search returns the topK nearest insights of userID, best first.
func (z *Client) Search(ctx context.Context, userID string, query []float32, topK int) ([]Match, error) {
	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := z.client.Search(
		ctx,
		z.collectionName,
		[]string{},
		userFilter(userID),
		[]string{"insight_id"},
		[]entity.Vector{entity.FloatVector(query)},
		"embedding",
		entity.IP,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	var matches []Match
	for _, sr := range searchResult {
		idCol := sr.Fields.GetColumn("insight_id")
		if idCol == nil {
			continue
		}
		for i := 0; i < sr.ResultCount; i++ {
			raw, err := idCol.Get(i)
			if err != nil {
				continue
			}
			id, ok := raw.(string)
			if !ok {
				continue
			}
			matches = append(matches, Match{InsightID: id, Score: sr.Scores[i]})
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(matches)),
	)

	return matches, nil
}

// userFilter scopes a search to one user's insights.
func userFilter(userID string) string {
	return "user_id == " + strconv.Quote(userID)
}
