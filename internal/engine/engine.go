// Package engine is the entry point for analyses. It ties the hierarchy
// snapshot, rule evaluation, model synthesis and the insight board together
// behind one API that the HTTP layer and background jobs call.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/insight-engine/backend/internal/apperr"
	"github.com/insight-engine/backend/internal/blackboard"
	"github.com/insight-engine/backend/internal/feedback"
	"github.com/insight-engine/backend/internal/hierarchy"
	"github.com/insight-engine/backend/internal/llm"
	"github.com/insight-engine/backend/internal/metrics"
	"github.com/insight-engine/backend/internal/reasoning"
	"github.com/insight-engine/backend/internal/rules"
	"github.com/insight-engine/backend/internal/scheduler"
	"github.com/insight-engine/backend/internal/storage/models"
	"github.com/insight-engine/backend/pkg/logger"
)

// SimilarityIndex finds earlier insights that say much the same thing.
type SimilarityIndex interface {
	Recall(ctx context.Context, ins *models.Insight) ([]string, error)
	Index(ctx context.Context, ins *models.Insight) error
}

type Deps struct {
	Hierarchy   *hierarchy.Adapter
	Rules       *rules.Engine
	LLM         *llm.Orchestrator
	Board       *blackboard.Repository
	Feedback    *feedback.Service
	Scheduler   *scheduler.Scheduler
	Preferences feedback.PreferenceStore
	// Similarity is optional.
	Similarity SimilarityIndex
}

type Config struct {
	DefaultDepth     models.AnalysisDepth
	BatchConcurrency int
	Now              func() time.Time
}

type Engine struct {
	hierarchy  *hierarchy.Adapter
	rules      *rules.Engine
	llm        *llm.Orchestrator
	board      *blackboard.Repository
	feedback   *feedback.Service
	scheduler  *scheduler.Scheduler
	prefs      feedback.PreferenceStore
	similarity SimilarityIndex

	depth       models.AnalysisDepth
	concurrency int
	now         func() time.Time
}

type AnalyzeRequest struct {
	UserID     string               `json:"-"`
	EntityType models.EntityKind    `json:"entity_type"`
	EntityID   string               `json:"entity_id,omitempty"`
	Depth      models.AnalysisDepth `json:"depth,omitempty"`
	// Force skips the freshness check.
	Force bool `json:"force,omitempty"`
}

func New(deps Deps, cfg Config) *Engine {
	if _, ok := models.ParseAnalysisDepth(string(cfg.DefaultDepth)); !ok {
		cfg.DefaultDepth = models.DepthBalanced
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		hierarchy:   deps.Hierarchy,
		rules:       deps.Rules,
		llm:         deps.LLM,
		board:       deps.Board,
		feedback:    deps.Feedback,
		scheduler:   deps.Scheduler,
		prefs:       deps.Preferences,
		similarity:  deps.Similarity,
		depth:       cfg.DefaultDepth,
		concurrency: cfg.BatchConcurrency,
		now:         cfg.Now,
	}
}

// Analyze returns an insight for the requested entity. A fresh insight from
// an earlier run is returned as is unless Force is set; concurrent requests
// for the same entity share one analysis.
func (e *Engine) Analyze(ctx context.Context, req AnalyzeRequest) (*models.Insight, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	if fresh := e.freshInsight(ctx, req); fresh != nil {
		return fresh, nil
	}

	key := scheduler.TupleKey(req.UserID, req.EntityType, req.EntityID)
	ins, err := e.scheduler.Do(ctx, req.UserID, key, func(ctx context.Context) (*models.Insight, error) {
		// An analysis that finished between the check above and this flight
		// starting has already answered the request.
		if fresh := e.freshInsight(ctx, req); fresh != nil {
			return fresh, nil
		}
		return e.analyze(ctx, req)
	})
	if err != nil {
		metrics.AnalysesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	return ins, nil
}

// freshInsight returns a reusable insight for the request, or nil when a new
// analysis is needed.
func (e *Engine) freshInsight(ctx context.Context, req AnalyzeRequest) *models.Insight {
	if req.Force {
		return nil
	}
	again, fresh, err := e.scheduler.ShouldReanalyze(ctx, req.UserID, req.EntityType, req.EntityID)
	if err != nil {
		logger.Warn("Freshness check failed, analyzing anyway",
			zap.String("user_id", req.UserID),
			zap.String("entity_type", string(req.EntityType)),
			zap.Error(err))
	}
	if again || fresh == nil {
		return nil
	}
	metrics.AnalysesTotal.WithLabelValues("cached").Inc()
	return fresh
}

func validateRequest(req *AnalyzeRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user id is required", apperr.ErrInvalidArgument)
	}
	if _, ok := models.ParseEntityKind(string(req.EntityType)); !ok {
		return fmt.Errorf("%w: unknown entity type %q", apperr.ErrInvalidArgument, req.EntityType)
	}
	if req.EntityType == models.KindGlobal {
		req.EntityID = ""
	} else if req.EntityID == "" {
		return fmt.Errorf("%w: entity id is required for %s", apperr.ErrInvalidArgument, req.EntityType)
	}
	if req.Depth != "" {
		if _, ok := models.ParseAnalysisDepth(string(req.Depth)); !ok {
			return fmt.Errorf("%w: unknown depth %q", apperr.ErrInvalidArgument, req.Depth)
		}
	}
	return nil
}

func (e *Engine) analyze(ctx context.Context, req AnalyzeRequest) (*models.Insight, error) {
	start := time.Now()

	snap, err := e.hierarchy.LoadContext(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	entity, ok := snap.Entity(req.EntityType, req.EntityID)
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", apperr.ErrNotFound, req.EntityType, req.EntityID)
	}

	depth := e.depthFor(req.Depth, snap)
	logger.Info("Analyzing entity",
		zap.String("user_id", req.UserID),
		zap.String("entity_type", string(req.EntityType)),
		zap.String("entity_id", req.EntityID),
		zap.String("depth", string(depth)))

	var result rules.Result
	var applied []models.Rule
	var ranked []scoredItem
	if req.EntityType == models.KindGlobal {
		ranked = e.rankOpenItems(ctx, snap)
		result = globalResult(ranked)
		applied = e.rules.Rules(ctx, models.KindItem)
	} else {
		result = e.rules.Evaluate(ctx, snap, req.EntityType, req.EntityID)
		applied = e.rules.Rules(ctx, req.EntityType)
	}

	path := reasoning.Build(snap, req.EntityType, req.EntityID, reasoning.Upward)
	in := llm.SynthesisInput{
		Snapshot: snap,
		Entity:   entity,
		Rules:    result,
		Path:     path,
		Depth:    depth,
	}

	var draft llm.Draft
	if llm.ShouldUseLLM(depth, result, applied) {
		draft = e.llm.Synthesize(ctx, in)
	} else {
		draft = llm.RuleOnly(in, llm.ReasonSkipped)
	}

	now := e.now()
	ins := assemble(req.UserID, entity, depth, result, path, draft, now)
	if len(ranked) > 0 {
		ins.DetailedReasoning["top_items"] = topItemNames(ranked, 3)
	}

	e.recall(ctx, ins)

	if _, err := e.board.Store(ctx, ins, true); err != nil {
		return nil, err
	}
	e.scheduler.Remember(ctx, ins)

	if req.EntityType != models.KindGlobal {
		if err := e.hierarchy.WriteBack(ctx, req.UserID, req.EntityType, req.EntityID, result.Score, now); err != nil {
			logger.Warn("Failed to write back analysis score",
				zap.String("user_id", req.UserID),
				zap.String("entity_id", req.EntityID),
				zap.Error(err))
		}
	}

	if e.similarity != nil {
		if err := e.similarity.Index(ctx, ins); err != nil {
			logger.Warn("Failed to index insight", zap.String("insight_id", ins.ID), zap.Error(err))
		}
	}

	if snap.Preferences().EnableLearning {
		e.detectPatterns(ctx, req.UserID)
	}

	metrics.AnalysisDuration.WithLabelValues(string(req.EntityType), string(depth)).Observe(time.Since(start).Seconds())
	metrics.AnalysesTotal.WithLabelValues("analyzed").Inc()

	logger.Info("Analysis stored",
		zap.String("insight_id", ins.ID),
		zap.String("category", string(ins.Category)),
		zap.Int("version", ins.Version),
		zap.Bool("used_llm", ins.UsedLLM),
		zap.Float64("confidence", ins.Confidence),
		zap.Duration("elapsed", time.Since(start)))

	return ins, nil
}

// depthFor picks the request depth, then the user's preferred verbosity,
// then the configured default.
func (e *Engine) depthFor(requested models.AnalysisDepth, snap *hierarchy.Snapshot) models.AnalysisDepth {
	if requested != "" {
		return requested
	}
	if d, ok := models.ParseAnalysisDepth(snap.Preferences().ExplanationVerbosity); ok {
		return d
	}
	return e.depth
}

func (e *Engine) recall(ctx context.Context, ins *models.Insight) {
	if e.similarity == nil {
		return
	}
	similar, err := e.similarity.Recall(ctx, ins)
	if err != nil {
		logger.Warn("Similar insight lookup failed", zap.String("user_id", ins.UserID), zap.Error(err))
		return
	}
	if len(similar) == 0 {
		return
	}
	ins.Tags = appendTag(ins.Tags, TagRecurring)
	ins.DetailedReasoning["similar_insights"] = similar
}

// detectPatterns refreshes the user's pattern insight at most once per
// freshness window.
func (e *Engine) detectPatterns(ctx context.Context, userID string) {
	latest, err := e.board.Latest(ctx, userID, models.KindGlobal, nil, models.CategoryPattern)
	if err != nil {
		logger.Warn("Failed to read pattern insight", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if latest != nil && e.now().Sub(latest.CreatedAt) < e.scheduler.Window() {
		return
	}
	if _, err := e.feedback.DetectPatterns(ctx, userID); err != nil {
		logger.Warn("Pattern detection failed", zap.String("user_id", userID), zap.Error(err))
	}
}

type scoredItem struct {
	item   models.Item
	result rules.Result
}

// rankOpenItems evaluates every item that is not done and orders them by
// score, highest first.
func (e *Engine) rankOpenItems(ctx context.Context, snap *hierarchy.Snapshot) []scoredItem {
	var ranked []scoredItem
	for _, it := range snap.Items() {
		if it.Completed() {
			continue
		}
		ranked = append(ranked, scoredItem{item: it, result: e.rules.Evaluate(ctx, snap, models.KindItem, it.ID)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].result.Score > ranked[j].result.Score
	})
	return ranked
}

// globalResult summarizes the whole hierarchy through its top item. The
// score is the top item's and the confidence is the mean over open items.
func globalResult(ranked []scoredItem) rules.Result {
	if len(ranked) == 0 {
		return rules.Result{
			Confidence:     rules.LowInformationConfidence,
			LowInformation: true,
			Weights:        map[string]float64{},
		}
	}

	res := ranked[0].result
	var sum float64
	for _, s := range ranked {
		sum += s.result.Confidence
	}
	res.Confidence = sum / float64(len(ranked))

	outcomes := make([]rules.Outcome, len(res.Outcomes))
	for i, o := range res.Outcomes {
		o.Justification = fmt.Sprintf("Top priority %q: %s", ranked[0].item.Name, o.Justification)
		o.Blocking = nil
		outcomes[i] = o
	}
	res.Outcomes = outcomes
	return res
}

func topItemNames(ranked []scoredItem, n int) []string {
	var names []string
	for i, s := range ranked {
		if i == n {
			break
		}
		names = append(names, s.item.Name)
	}
	return names
}

// BatchResult is one entity's outcome within a batch run.
type BatchResult struct {
	EntityType models.EntityKind `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Insight    *models.Insight   `json:"insight,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// BatchAnalyze analyzes every entity of the given kinds. Individual failures
// are reported per entity; only a failure to load the hierarchy fails the
// whole batch.
func (e *Engine) BatchAnalyze(ctx context.Context, userID string, kinds []models.EntityKind, depth models.AnalysisDepth) ([]BatchResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", apperr.ErrInvalidArgument)
	}
	snap, err := e.hierarchy.LoadContext(ctx, userID)
	if err != nil {
		return nil, err
	}

	var results []BatchResult
	for _, kind := range kinds {
		if _, ok := models.ParseEntityKind(string(kind)); !ok {
			return nil, fmt.Errorf("%w: unknown entity type %q", apperr.ErrInvalidArgument, kind)
		}
		if kind == models.KindGlobal {
			results = append(results, BatchResult{EntityType: kind})
			continue
		}
		for _, id := range snap.IDs(kind) {
			results = append(results, BatchResult{EntityType: kind, EntityID: id})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i := range results {
		i := i
		g.Go(func() error {
			ins, err := e.Analyze(gctx, AnalyzeRequest{
				UserID:     userID,
				EntityType: results[i].EntityType,
				EntityID:   results[i].EntityID,
				Depth:      depth,
			})
			if err != nil {
				if errors.Is(err, apperr.ErrContextUnavailable) {
					return err
				}
				results[i].Error = err.Error()
				return nil
			}
			results[i].Insight = ins
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logger.Info("Batch analysis finished", zap.String("user_id", userID), zap.Int("entities", len(results)))
	return results, nil
}

// Priority is one entry of the daily focus list.
type Priority struct {
	Item    models.Item     `json:"item"`
	Score   float64         `json:"score"`
	Insight *models.Insight `json:"insight,omitempty"`
}

// TodayPriorities ranks the user's open items and returns the top n, each
// with its current insight. Items without a fresh insight get a minimal one.
func (e *Engine) TodayPriorities(ctx context.Context, userID string, n int) ([]Priority, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", apperr.ErrInvalidArgument)
	}
	if n <= 0 {
		n = 3
	}
	snap, err := e.hierarchy.LoadContext(ctx, userID)
	if err != nil {
		return nil, err
	}

	ranked := e.rankOpenItems(ctx, snap)
	if len(ranked) > n {
		ranked = ranked[:n]
	}

	out := make([]Priority, len(ranked))
	for i, s := range ranked {
		out[i] = Priority{Item: s.item, Score: s.result.Score}
		ins, err := e.Analyze(ctx, AnalyzeRequest{
			UserID:     userID,
			EntityType: models.KindItem,
			EntityID:   s.item.ID,
			Depth:      models.DepthMinimal,
		})
		if err != nil {
			if errors.Is(err, apperr.ErrContextUnavailable) || ctx.Err() != nil {
				return nil, err
			}
			logger.Warn("Failed to analyze priority item", zap.String("item_id", s.item.ID), zap.Error(err))
			continue
		}
		out[i].Insight = ins
	}
	return out, nil
}
