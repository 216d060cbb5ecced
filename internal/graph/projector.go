// Package graph mirrors stored insights into a graph database so reasoning
// paths can be explored across entities and versions.
package graph

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/insight-engine/backend/internal/blackboard"
	"github.com/insight-engine/backend/internal/metrics"
	"github.com/insight-engine/backend/internal/storage/models"
	"github.com/insight-engine/backend/pkg/logger"
)

// Writer is satisfied by *neo4j.Client.
type Writer interface {
	ProjectInsight(ctx context.Context, ins *models.Insight) error
}

// Projector follows the insight board and writes every new insight to the
// graph. It is a best-effort mirror: failures are logged and counted, never
// surfaced to the analysis that produced the insight.
type Projector struct {
	writer  Writer
	timeout time.Duration
}

func NewProjector(writer Writer) *Projector {
	return &Projector{writer: writer, timeout: 15 * time.Second}
}

// Run projects insights from sub until ctx is done or sub is closed.
func (p *Projector) Run(ctx context.Context, sub *blackboard.Subscription) {
	logger.Info("Graph projector started")
	blackboard.Consume(ctx, sub, func(ins *models.Insight) {
		p.Project(ctx, ins)
	})
	logger.Info("Graph projector stopped", zap.Int64("dropped", sub.Dropped()))
}

func (p *Projector) Project(ctx context.Context, ins *models.Insight) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.writer.ProjectInsight(ctx, ins); err != nil {
		metrics.GraphProjections.WithLabelValues("error").Inc()
		logger.Warn("Failed to project insight into graph",
			zap.String("insight_id", ins.ID),
			zap.String("user_id", ins.UserID),
			zap.Error(err))
		return
	}
	metrics.GraphProjections.WithLabelValues("ok").Inc()
}
