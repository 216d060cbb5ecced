package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/insight-engine/backend/internal/hierarchy"
	"github.com/insight-engine/backend/internal/rules"
	"github.com/insight-engine/backend/internal/storage/models"
	"github.com/insight-engine/backend/pkg/circuitbreaker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type fakeCompleter struct {
	calls   atomic.Int32
	respond func(ctx context.Context, call int32) (*CompletionResponse, error)
}

func (f *fakeCompleter) Complete(ctx context.Context, _ CompletionRequest) (*CompletionResponse, error) {
	n := f.calls.Add(1)
	return f.respond(ctx, n)
}

func blockedInput(t *testing.T) SynthesisInput {
	t.Helper()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	due := now.Add(2 * time.Hour)
	snap := hierarchy.NewSnapshot("u1", now, models.DefaultPreferences("u1"), nil, nil, nil, []models.Item{
		{ID: "i1", Name: "Write doc", DueAt: &due, DependencyIDs: []string{"i2"}},
		{ID: "i2", Name: "Outline"},
	})
	engine := rules.NewEngine(nil, rules.Config{Now: func() time.Time { return now }})
	res := engine.Evaluate(context.Background(), snap, models.KindItem, "i1")
	ref, ok := snap.Entity(models.KindItem, "i1")
	require.True(t, ok)
	return SynthesisInput{Snapshot: snap, Entity: ref, Rules: res, Depth: models.DepthBalanced}
}

func TestSynthesizeUsesModelReply(t *testing.T) {
	completer := &fakeCompleter{respond: func(context.Context, int32) (*CompletionResponse, error) {
		return &CompletionResponse{Content: `{"title": "Unblock the outline", "summary": "Finish the outline first.",
			"confidence": 0.9, "recommendations": ["Finish the outline"], "obstacles": []}`, Model: "test"}, nil
	}}
	in := blockedInput(t)

	draft := NewOrchestrator(completer, OrchestratorConfig{Timeout: time.Second}).Synthesize(context.Background(), in)

	assert.True(t, draft.UsedLLM)
	assert.Empty(t, draft.DegradedReason)
	assert.Equal(t, "Unblock the outline", draft.Title)
	assert.InDelta(t, (in.Rules.Confidence+0.9)/2, draft.Confidence, 1e-9)
	assert.Contains(t, draft.Obstacles, `Waiting on "Outline"`)
	assert.Equal(t, `Finish the outline first. "Write doc" is blocked by "Outline".`, draft.Summary)
	assert.NotEmpty(t, draft.ContextRef)
}

func TestMentionBlockersKeepsSummaryThatNamesThem(t *testing.T) {
	in := blockedInput(t)

	named := "Outline has to land before Write doc."
	assert.Equal(t, named, mentionBlockers(named, in.Rules))
	assert.Equal(t, `"Write doc" is blocked by "Outline".`, mentionBlockers("", in.Rules))
	assert.Equal(t, "All clear.", mentionBlockers("All clear.", rules.Result{}))
}

func TestSynthesizeTimeoutDegrades(t *testing.T) {
	completer := &fakeCompleter{respond: func(ctx context.Context, _ int32) (*CompletionResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	in := blockedInput(t)

	start := time.Now()
	draft := NewOrchestrator(completer, OrchestratorConfig{Timeout: 50 * time.Millisecond, MaxRetries: 1}).
		Synthesize(context.Background(), in)

	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, draft.UsedLLM)
	assert.Equal(t, "timeout", draft.DegradedReason)
	assert.NotEmpty(t, draft.Title)
	assert.Contains(t, draft.Summary, "Outline")
	assert.Equal(t, in.Rules.Confidence, draft.Confidence)
	assert.Empty(t, draft.Recommendations)
}

func TestSynthesizeRetriesTransientOnce(t *testing.T) {
	completer := &fakeCompleter{respond: func(_ context.Context, call int32) (*CompletionResponse, error) {
		if call == 1 {
			return nil, &openai.APIError{HTTPStatusCode: 503, Message: "overloaded"}
		}
		return &CompletionResponse{Content: `{"title": "ok", "summary": "fine."}`}, nil
	}}

	draft := NewOrchestrator(completer, OrchestratorConfig{Timeout: time.Second, MaxRetries: 1, RetryDelay: time.Millisecond}).
		Synthesize(context.Background(), blockedInput(t))

	assert.True(t, draft.UsedLLM)
	assert.EqualValues(t, 2, completer.calls.Load())
}

func TestSynthesizeDoesNotRetryPermanentErrors(t *testing.T) {
	cases := map[string]error{
		"client error": &openai.APIError{HTTPStatusCode: 401, Message: "bad key"},
		"breaker open": errors.Join(ErrLLMUnavailable, circuitbreaker.ErrCircuitOpen),
	}
	for name, failure := range cases {
		t.Run(name, func(t *testing.T) {
			completer := &fakeCompleter{respond: func(context.Context, int32) (*CompletionResponse, error) {
				return nil, failure
			}}

			draft := NewOrchestrator(completer, OrchestratorConfig{Timeout: time.Second, MaxRetries: 1, RetryDelay: time.Millisecond}).
				Synthesize(context.Background(), blockedInput(t))

			assert.False(t, draft.UsedLLM)
			assert.Equal(t, "unavailable", draft.DegradedReason)
			assert.EqualValues(t, 1, completer.calls.Load())
		})
	}
}

func TestSynthesizeMalformedDegrades(t *testing.T) {
	completer := &fakeCompleter{respond: func(context.Context, int32) (*CompletionResponse, error) {
		return &CompletionResponse{Content: "Sure! You should probably do it."}, nil
	}}

	draft := NewOrchestrator(completer, OrchestratorConfig{Timeout: time.Second, MaxRetries: 1}).
		Synthesize(context.Background(), blockedInput(t))

	assert.False(t, draft.UsedLLM)
	assert.Equal(t, "malformed", draft.DegradedReason)
	assert.EqualValues(t, 1, completer.calls.Load())
}

func TestSynthesizeWithoutCompleter(t *testing.T) {
	draft := NewOrchestrator(nil, OrchestratorConfig{}).Synthesize(context.Background(), blockedInput(t))
	assert.False(t, draft.UsedLLM)
	assert.Equal(t, ReasonDisabled, draft.DegradedReason)
}

func TestRuleOnlyWithNoOutcomes(t *testing.T) {
	snap := hierarchy.NewSnapshot("u1", time.Now(), models.DefaultPreferences("u1"),
		[]models.Domain{{ID: "d1", Name: "Health"}}, nil, nil, nil)
	ref, _ := snap.Entity(models.KindDomain, "d1")

	draft := RuleOnly(SynthesisInput{Snapshot: snap, Entity: ref, Rules: rules.Result{LowInformation: true}}, ReasonSkipped)

	assert.Equal(t, "Not enough signal for Health", draft.Title)
	assert.NotEmpty(t, draft.Summary)
	assert.Equal(t, 0.0, draft.Confidence)
}

func TestShouldUseLLM(t *testing.T) {
	strong := rules.Result{Score: 0.7, Confidence: 0.8, Outcomes: []rules.Outcome{{Score: 0.9, Weight: 1}}}
	weak := rules.Result{Score: 0.2, Outcomes: []rules.Outcome{{Score: 0.2, Weight: 1}}}

	assert.True(t, ShouldUseLLM(models.DepthDetailed, strong, nil))
	assert.True(t, ShouldUseLLM(models.DepthBalanced, strong, nil))
	assert.False(t, ShouldUseLLM(models.DepthMinimal, strong, nil))
	assert.True(t, ShouldUseLLM(models.DepthMinimal, weak, nil))
	assert.True(t, ShouldUseLLM(models.DepthMinimal, strong, []models.Rule{{ID: "x", RequiresLLM: true}}))
}

func TestBuildPromptsEmbedsContext(t *testing.T) {
	in := blockedInput(t)
	in.Depth = models.DepthMinimal
	system, user := BuildPrompts(in)

	assert.Contains(t, system, "coach")
	assert.Contains(t, system, depthInstructions[models.DepthMinimal])
	assert.Contains(t, user, `"Write doc"`)
	assert.Contains(t, user, "Dependency readiness")
	assert.Contains(t, user, "energy pattern: steady")
}
