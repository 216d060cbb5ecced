package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/insight-engine/backend/internal/storage/models"
	"github.com/insight-engine/backend/pkg/circuitbreaker"
	"github.com/insight-engine/backend/pkg/logger"
	"github.com/insight-engine/backend/pkg/retry"
)

// Client writes the reasoning graph: hierarchy entities linked by PART_OF,
// insights linked to the entity they explain and to the version they
// supersede.
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	if database == "" {
		database = "neo4j"
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri), zap.String("database", database))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the uniqueness constraints the MERGE statements rely on.
func (c *Client) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE CONSTRAINT insight_id IF NOT EXISTS FOR (i:Insight) REQUIRE i.id IS UNIQUE`,
		`CREATE CONSTRAINT entity_key IF NOT EXISTS FOR (e:Entity) REQUIRE (e.user_id, e.kind, e.id) IS UNIQUE`,
		`CREATE CONSTRAINT user_id IF NOT EXISTS FOR (u:User) REQUIRE u.id IS UNIQUE`,
	}
	return c.executeWrite(ctx, func(tx neo4j.ManagedTransaction) error {
		for _, stmt := range statements {
			if _, err := tx.Run(ctx, stmt, nil); err != nil {
				return fmt.Errorf("failed to create constraint: %w", err)
			}
		}
		return nil
	})
}

func (c *Client) executeWrite(ctx context.Context, work func(tx neo4j.ManagedTransaction) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(func() error {
		return retry.Do(ctx, c.retryConfig, func(ctx context.Context) error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{
				DatabaseName: c.database,
				AccessMode:   neo4j.AccessModeWrite,
			})
			defer session.Close(ctx)

			_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
				return nil, work(tx)
			})
			return err
		})
	})
}

const (
	mergeInsight = `
		MERGE (i:Insight {id: $id})
		SET i.user_id = $user_id,
		    i.category = $category,
		    i.title = $title,
		    i.confidence = $confidence,
		    i.impact = $impact,
		    i.version = $version,
		    i.used_llm = $used_llm,
		    i.tags = $tags,
		    i.active = true,
		    i.created_at = $created_at
	`
	mergeEntities = `
		UNWIND $nodes AS n
		MERGE (e:Entity {user_id: $user_id, kind: n.kind, id: n.id})
		SET e.name = n.name
	`
	mergePartOf = `
		UNWIND $edges AS edge
		MATCH (c:Entity {user_id: $user_id, kind: edge.child_kind, id: edge.child_id})
		MATCH (p:Entity {user_id: $user_id, kind: edge.parent_kind, id: edge.parent_id})
		MERGE (c)-[r:PART_OF]->(p)
		SET r.justification = edge.justification,
		    r.confidence = edge.confidence
	`
	mergeExplainsEntity = `
		MATCH (i:Insight {id: $id})
		MATCH (e:Entity {user_id: $user_id, kind: $entity_kind, id: $entity_id})
		MERGE (i)-[r:EXPLAINS]->(e)
		SET r.confidence = $confidence
	`
	mergeExplainsUser = `
		MATCH (i:Insight {id: $id})
		MERGE (u:User {id: $user_id})
		MERGE (i)-[r:EXPLAINS]->(u)
		SET r.confidence = $confidence
	`
	mergeSupersedes = `
		MATCH (i:Insight {id: $id})
		MERGE (p:Insight {id: $previous_id})
		SET p.active = false
		MERGE (i)-[:SUPERSEDES]->(p)
	`
)

// ProjectInsight writes ins and its reasoning path. Every statement is a
// MERGE, so replaying the same insight is harmless.
func (c *Client) ProjectInsight(ctx context.Context, ins *models.Insight) error {
	p := projectionFor(ins)

	err := c.executeWrite(ctx, func(tx neo4j.ManagedTransaction) error {
		if _, err := tx.Run(ctx, mergeInsight, p.insight); err != nil {
			return fmt.Errorf("failed to merge insight: %w", err)
		}
		if len(p.nodes) > 0 {
			if _, err := tx.Run(ctx, mergeEntities, map[string]any{"user_id": ins.UserID, "nodes": p.nodes}); err != nil {
				return fmt.Errorf("failed to merge entities: %w", err)
			}
		}
		if len(p.edges) > 0 {
			if _, err := tx.Run(ctx, mergePartOf, map[string]any{"user_id": ins.UserID, "edges": p.edges}); err != nil {
				return fmt.Errorf("failed to merge path: %w", err)
			}
		}

		explains := mergeExplainsEntity
		if ins.EntityType == models.KindGlobal {
			explains = mergeExplainsUser
		}
		if _, err := tx.Run(ctx, explains, p.insight); err != nil {
			return fmt.Errorf("failed to link insight: %w", err)
		}

		if ins.PreviousVersionID != nil {
			if _, err := tx.Run(ctx, mergeSupersedes, p.insight); err != nil {
				return fmt.Errorf("failed to link previous version: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Debug("Insight projected into graph",
		zap.String("insight_id", ins.ID),
		zap.Int("nodes", len(p.nodes)),
		zap.Int("edges", len(p.edges)))
	return nil
}

type projection struct {
	insight map[string]any
	nodes   []map[string]any
	edges   []map[string]any
}

// projectionFor builds the Cypher parameters for ins. Path nodes without an
// entity ID (the global root) are not entities and are skipped.
func projectionFor(ins *models.Insight) projection {
	tags := ins.Tags
	if tags == nil {
		tags = []string{}
	}
	p := projection{
		insight: map[string]any{
			"id":          ins.ID,
			"user_id":     ins.UserID,
			"category":    string(ins.Category),
			"title":       ins.Title,
			"confidence":  ins.Confidence,
			"impact":      ins.Impact,
			"version":     int64(ins.Version),
			"used_llm":    ins.UsedLLM,
			"tags":        tags,
			"created_at":  ins.CreatedAt.UnixMilli(),
			"entity_kind": string(ins.EntityType),
			"entity_id":   ins.EntityKey(),
			"previous_id": nil,
		},
	}
	if ins.PreviousVersionID != nil {
		p.insight["previous_id"] = *ins.PreviousVersionID
	}

	var chain []models.ReasoningNode
	for _, n := range ins.ReasoningPath {
		if n.EntityID == "" {
			continue
		}
		chain = append(chain, n)
		p.nodes = append(p.nodes, map[string]any{
			"kind": string(n.Level),
			"id":   n.EntityID,
			"name": n.EntityName,
		})
	}

	// the path runs from the entity upward, so each node is part of the next
	for i := 0; i+1 < len(chain); i++ {
		child, parent := chain[i], chain[i+1]
		if child.Level.Parent() != parent.Level {
			continue
		}
		p.edges = append(p.edges, map[string]any{
			"child_kind":    string(child.Level),
			"child_id":      child.EntityID,
			"parent_kind":   string(parent.Level),
			"parent_id":     parent.EntityID,
			"justification": parent.Justification,
			"confidence":    parent.Confidence,
		})
	}
	return p
}
