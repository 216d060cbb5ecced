package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/insight-engine/backend/internal/hierarchy"
	"github.com/insight-engine/backend/internal/metrics"
	"github.com/insight-engine/backend/internal/rules"
	"github.com/insight-engine/backend/internal/storage/models"
	"github.com/insight-engine/backend/pkg/logger"
	"github.com/insight-engine/backend/pkg/retry"
	"github.com/insight-engine/backend/pkg/utils"
)

const (
	ReasonSkipped  = "skipped"
	ReasonDisabled = "disabled"
)

type SynthesisInput struct {
	Snapshot *hierarchy.Snapshot
	Entity   hierarchy.EntityRef
	Rules    rules.Result
	Path     []models.ReasoningNode
	Depth    models.AnalysisDepth
}

// Draft is a synthesized insight body, from the model or from rules alone.
type Draft struct {
	Title           string
	Summary         string
	Confidence      float64
	Recommendations []string
	Obstacles       []string
	UsedLLM         bool
	// DegradedReason is set whenever UsedLLM is false.
	DegradedReason string
	ContextRef     string
	Model          string
}

type OrchestratorConfig struct {
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

type Orchestrator struct {
	completer Completer
	cfg       OrchestratorConfig
}

// NewOrchestrator accepts a nil completer, in which case every draft is
// rule-only.
func NewOrchestrator(completer Completer, cfg OrchestratorConfig) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxRetries > 1 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 250 * time.Millisecond
	}
	return &Orchestrator{completer: completer, cfg: cfg}
}

func (o *Orchestrator) Enabled() bool {
	return o.completer != nil
}

// Synthesize asks the model for an insight body and falls back to a
// rule-only draft on any failure. It never returns without a usable draft
// and never waits longer than the configured timeout on the model.
func (o *Orchestrator) Synthesize(ctx context.Context, in SynthesisInput) Draft {
	if o.completer == nil {
		return RuleOnly(in, ReasonDisabled)
	}

	system, user := BuildPrompts(in)
	contextRef := utils.HashKey(system, user)

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	start := time.Now()
	res, err := retry.DoWithResult(callCtx, retry.Config{
		MaxAttempts:    1 + o.cfg.MaxRetries,
		InitialDelay:   o.cfg.RetryDelay,
		MaxDelay:       o.cfg.RetryDelay,
		JitterFraction: 0.1,
		RetryIf:        IsTransient,
		Logger:         logger.GetLogger(),
	}, func(ctx context.Context) (replyWithModel, error) {
		resp, err := o.completer.Complete(ctx, CompletionRequest{
			SystemPrompt: system,
			UserPrompt:   user,
			MaxTokens:    depthTokens[in.Depth],
			JSONMode:     true,
		})
		if err != nil {
			return replyWithModel{}, err
		}
		parsed, err := ParseReply(resp.Content, in.Depth)
		if err != nil {
			return replyWithModel{}, err
		}
		return replyWithModel{reply: parsed, model: resp.Model}, nil
	})

	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrLLMTimeout) {
			err = fmt.Errorf("%w: %w", ErrLLMTimeout, err)
		}
		why := reason(err)
		metrics.LLMRequests.WithLabelValues(why).Inc()
		logger.Warn("LLM synthesis degraded to rule-only",
			zap.String("entity_type", string(in.Entity.Kind)),
			zap.String("entity_id", in.Entity.ID),
			zap.String("reason", why),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		draft := RuleOnly(in, why)
		draft.ContextRef = contextRef
		return draft
	}

	metrics.LLMRequests.WithLabelValues("ok").Inc()
	reply := res.reply

	confidence := in.Rules.Confidence
	if reply.Confidence != nil {
		confidence = (confidence + *reply.Confidence) / 2
	}

	obstacles := reply.Obstacles
	for _, b := range blockingObstacles(in.Rules) {
		obstacles = appendUnique(obstacles, b)
	}

	return Draft{
		Title:           reply.Title,
		Summary:         mentionBlockers(reply.Summary, in.Rules),
		Confidence:      utils.Clamp01(confidence),
		Recommendations: reply.Recommendations,
		Obstacles:       obstacles,
		UsedLLM:         true,
		ContextRef:      contextRef,
		Model:           res.model,
	}
}

type replyWithModel struct {
	reply *Reply
	model string
}

// RuleOnly builds a draft from the rule outcomes alone. The title comes from
// the strongest outcome, the summary from the top justifications (always
// including any blocking dependencies), and confidence is the rule
// confidence.
func RuleOnly(in SynthesisInput, why string) Draft {
	metrics.LLMDegradations.WithLabelValues(why).Inc()

	name := in.Entity.Name
	if name == "" {
		name = string(in.Entity.Kind)
	}

	blocking := blockingObstacles(in.Rules)

	var title string
	top, hasTop := in.Rules.Top()
	switch {
	case len(blocking) > 0:
		title = fmt.Sprintf("%s is blocked", name)
	case hasTop:
		title = fmt.Sprintf("%s: %s", top.RuleName, name)
	default:
		title = fmt.Sprintf("Not enough signal for %s", name)
	}

	var sentences []string
	if dep, ok := in.Rules.Outcome(rules.DependencyReadiness); ok && len(dep.Blocking) > 0 {
		sentences = append(sentences, dep.Justification)
	}
	for _, o := range rankedOutcomes(in.Rules) {
		if len(sentences) >= 3 {
			break
		}
		if containsString(sentences, o.Justification) {
			continue
		}
		sentences = append(sentences, o.Justification)
	}
	if len(sentences) == 0 {
		for _, node := range in.Path {
			sentences = append(sentences, node.Justification)
			if len(sentences) == 2 {
				break
			}
		}
	}
	if len(sentences) == 0 {
		sentences = append(sentences, fmt.Sprintf("No rule produced a signal for %s.", name))
	}

	return Draft{
		Title:           utils.Truncate(title, maxTitleRunes),
		Summary:         strings.Join(sentences, " "),
		Confidence:      in.Rules.Confidence,
		Recommendations: []string{},
		Obstacles:       blocking,
		UsedLLM:         false,
		DegradedReason:  why,
	}
}

// rankedOutcomes orders positive-weight outcomes by weighted contribution.
func rankedOutcomes(res rules.Result) []rules.Outcome {
	ranked := make([]rules.Outcome, 0, len(res.Outcomes))
	for _, o := range res.Outcomes {
		if o.Weight > 0 {
			ranked = append(ranked, o)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score*ranked[i].Weight > ranked[j].Score*ranked[j].Weight
	})
	return ranked
}

func blockingObstacles(res rules.Result) []string {
	dep, ok := res.Outcome(rules.DependencyReadiness)
	if !ok || len(dep.Blocking) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(dep.Blocking))
	for _, name := range dep.Blocking {
		out = append(out, fmt.Sprintf("Waiting on %q", name))
	}
	return out
}

// mentionBlockers appends the readiness justification when the summary does
// not already name every blocking dependency.
func mentionBlockers(summary string, res rules.Result) string {
	dep, ok := res.Outcome(rules.DependencyReadiness)
	if !ok || len(dep.Blocking) == 0 {
		return summary
	}
	for _, name := range dep.Blocking {
		if !strings.Contains(summary, name) {
			if summary == "" {
				return dep.Justification
			}
			return strings.TrimSpace(summary) + " " + dep.Justification
		}
	}
	return summary
}

func appendUnique(list []string, v string) []string {
	if containsString(list, v) {
		return list
	}
	return append(list, v)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
