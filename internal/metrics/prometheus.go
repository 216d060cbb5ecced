package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AnalysisDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "insight_engine_analysis_duration_seconds",
			Help:    "End-to-end analysis duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"entity_type", "depth"},
	)

	AnalysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insight_engine_analyses_total",
			Help: "Total analyses by outcome",
		},
		[]string{"outcome"},
	)

	LLMRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insight_engine_llm_requests_total",
			Help: "LLM synthesis attempts by result",
		},
		[]string{"result"},
	)

	LLMDegradations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insight_engine_llm_degradations_total",
			Help: "Rule-only fallbacks by reason",
		},
		[]string{"reason"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insight_engine_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	ConfidenceScore = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "insight_engine_confidence_score",
			Help:    "Confidence of stored insights",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
		[]string{"category"},
	)

	RuleFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insight_engine_rule_failures_total",
			Help: "Rule evaluations excluded after an error or panic",
		},
		[]string{"rule"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insight_engine_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insight_engine_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	InFlightCoalesced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "insight_engine_inflight_coalesced_total",
			Help: "Analyses that attached to an in-flight run instead of starting their own",
		},
	)

	InsightsStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insight_engine_insights_stored_total",
			Help: "Insight versions written",
		},
		[]string{"category"},
	)

	InsightsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "insight_engine_insights_expired_total",
			Help: "Insights deactivated by expiry",
		},
	)

	SubscriberDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "insight_engine_subscriber_dropped_events_total",
			Help: "Notifications dropped because a subscriber buffer was full",
		},
	)

	Subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "insight_engine_subscribers",
			Help: "Live blackboard subscriptions",
		},
	)

	FeedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insight_engine_feedback_total",
			Help: "Feedback submissions by type",
		},
		[]string{"type"},
	)

	GraphProjections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insight_engine_graph_projections_total",
			Help: "Reasoning paths projected into the graph store",
		},
		[]string{"status"},
	)

	SimilarInsights = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "insight_engine_similar_insights_count",
			Help:    "Number of similar past insights found per stored insight",
			Buckets: []float64{0, 1, 2, 5, 10, 20},
		},
	)
)

var initOnce sync.Once

func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(AnalysisDuration)
		prometheus.MustRegister(AnalysesTotal)
		prometheus.MustRegister(LLMRequests)
		prometheus.MustRegister(LLMDegradations)
		prometheus.MustRegister(LLMTokensUsed)
		prometheus.MustRegister(ConfidenceScore)
		prometheus.MustRegister(RuleFailures)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(InFlightCoalesced)
		prometheus.MustRegister(InsightsStored)
		prometheus.MustRegister(InsightsExpired)
		prometheus.MustRegister(SubscriberDrops)
		prometheus.MustRegister(Subscribers)
		prometheus.MustRegister(FeedbackTotal)
		prometheus.MustRegister(GraphProjections)
		prometheus.MustRegister(SimilarInsights)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
