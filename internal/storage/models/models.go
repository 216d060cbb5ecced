package models

import "time"

type EntityKind string

const (
	KindDomain     EntityKind = "domain"
	KindArea       EntityKind = "area"
	KindInitiative EntityKind = "initiative"
	KindItem       EntityKind = "item"
	// KindGlobal targets the whole hierarchy and never carries an entity ID.
	KindGlobal EntityKind = "global"
)

func ParseEntityKind(s string) (EntityKind, bool) {
	k := EntityKind(s)
	switch k {
	case KindDomain, KindArea, KindInitiative, KindItem, KindGlobal:
		return k, true
	}
	return "", false
}

// Parent returns the adjacent higher kind, or "" for domains and global.
func (k EntityKind) Parent() EntityKind {
	switch k {
	case KindItem:
		return KindInitiative
	case KindInitiative:
		return KindArea
	case KindArea:
		return KindDomain
	}
	return ""
}

type Domain struct {
	ID                string
	UserID            string
	Name              string
	Description       string
	TimeAllocation    float64 // percent, 0-100
	AlignmentStrength float64 // 0-1
	Vision            string
	CreatedAt         time.Time
}

type Area struct {
	ID          string
	UserID      string
	DomainID    string
	Name        string
	Description string
	Importance  int // 1-5
	CreatedAt   time.Time
}

type Initiative struct {
	ID            string
	UserID        string
	AreaID        string
	Name          string
	Description   string
	Importance    int // 1-5
	CompletionPct float64
	Status        string
	Deadline      *time.Time
	CreatedAt     time.Time
}

type ItemStatus string

const (
	ItemTodo       ItemStatus = "todo"
	ItemInProgress ItemStatus = "in_progress"
	ItemBlocked    ItemStatus = "blocked"
	ItemDone       ItemStatus = "done"
)

type Item struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	InitiativeID     string     `json:"initiative_id,omitempty"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	Status           ItemStatus `json:"status"`
	DueAt            *time.Time `json:"due_at,omitempty"`
	DependencyIDs    []string   `json:"dependency_ids,omitempty"`
	EstimatedMinutes int        `json:"estimated_minutes,omitempty"`
	DeepFocus        bool       `json:"deep_focus"`
	PriorityScore    *float64   `json:"priority_score,omitempty"`
	LastAnalyzedAt   *time.Time `json:"last_analyzed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func (i Item) Completed() bool {
	return i.Status == ItemDone
}

type OptimizationGoal string

const (
	GoalBalance     OptimizationGoal = "balance"
	GoalFocus       OptimizationGoal = "focus"
	GoalExploration OptimizationGoal = "exploration"
	GoalEfficiency  OptimizationGoal = "efficiency"
	GoalWellbeing   OptimizationGoal = "wellbeing"
)

type EnergyPattern string

const (
	EnergyMorningPeak   EnergyPattern = "morning_peak"
	EnergyAfternoonPeak EnergyPattern = "afternoon_peak"
	EnergyEveningPeak   EnergyPattern = "evening_peak"
	EnergySteady        EnergyPattern = "steady"
)

type Preferences struct {
	UserID               string             `json:"user_id"`
	RuleWeightOverrides  map[string]float64 `json:"rule_weight_overrides"`
	ExplanationVerbosity string             `json:"explanation_verbosity"`
	ShowConfidence       bool               `json:"show_confidence"`
	ReasoningPersonality string             `json:"reasoning_personality"`
	OptimizationGoal     OptimizationGoal   `json:"optimization_goal"`
	WorkHoursStart       string             `json:"work_hours_start"`
	WorkHoursEnd         string             `json:"work_hours_end"`
	EnergyPattern        EnergyPattern      `json:"energy_pattern"`
	EnableLearning       bool               `json:"enable_learning"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

func DefaultPreferences(userID string) Preferences {
	return Preferences{
		UserID:               userID,
		RuleWeightOverrides:  map[string]float64{},
		ExplanationVerbosity: string(DepthBalanced),
		ShowConfidence:       true,
		ReasoningPersonality: "coach",
		OptimizationGoal:     GoalBalance,
		WorkHoursStart:       "09:00",
		WorkHoursEnd:         "17:00",
		EnergyPattern:        EnergySteady,
		EnableLearning:       true,
	}
}

// PreferencesPatch carries optional updates; nil fields are left unchanged.
type PreferencesPatch struct {
	RuleWeightOverrides  map[string]float64 `json:"rule_weight_overrides,omitempty"`
	ExplanationVerbosity *string            `json:"explanation_verbosity,omitempty"`
	ShowConfidence       *bool              `json:"show_confidence,omitempty"`
	ReasoningPersonality *string            `json:"reasoning_personality,omitempty"`
	OptimizationGoal     *OptimizationGoal  `json:"optimization_goal,omitempty"`
	WorkHoursStart       *string            `json:"work_hours_start,omitempty"`
	WorkHoursEnd         *string            `json:"work_hours_end,omitempty"`
	EnergyPattern        *EnergyPattern     `json:"energy_pattern,omitempty"`
	EnableLearning       *bool              `json:"enable_learning,omitempty"`
}

type RuleCategory string

const (
	RuleScoring      RuleCategory = "scoring"
	RuleFiltering    RuleCategory = "filtering"
	RuleRelationship RuleCategory = "relationship"
	RuleTemporal     RuleCategory = "temporal"
	RuleConstraint   RuleCategory = "constraint"
	RulePattern      RuleCategory = "pattern"
)

type Rule struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Levels      []EntityKind   `json:"levels"`
	Category    RuleCategory   `json:"category"`
	Config      map[string]any `json:"config,omitempty"`
	BaseWeight  float64        `json:"base_weight"`
	RequiresLLM bool           `json:"requires_llm"`
	Active      bool           `json:"active"`
}

func (r Rule) AppliesTo(kind EntityKind) bool {
	for _, l := range r.Levels {
		if l == kind {
			return true
		}
	}
	return false
}

type ReasoningNode struct {
	Level         EntityKind     `json:"level"`
	EntityID      string         `json:"entity_id"`
	EntityName    string         `json:"entity_name"`
	Justification string         `json:"justification"`
	Confidence    float64        `json:"confidence"`
	Factors       map[string]any `json:"factors,omitempty"`
}

type InsightCategory string

const (
	CategoryPriority       InsightCategory = "priority_reasoning"
	CategoryAlignment      InsightCategory = "alignment_analysis"
	CategoryPattern        InsightCategory = "pattern_recognition"
	CategoryRecommendation InsightCategory = "recommendation"
	CategoryObstacle       InsightCategory = "obstacle_identification"
)

func ParseInsightCategory(s string) (InsightCategory, bool) {
	c := InsightCategory(s)
	switch c {
	case CategoryPriority, CategoryAlignment, CategoryPattern, CategoryRecommendation, CategoryObstacle:
		return c, true
	}
	return "", false
}

// AnalysisCategories are the categories an entity analysis can produce.
// Pattern insights come from feedback analysis instead.
var AnalysisCategories = []InsightCategory{CategoryPriority, CategoryAlignment, CategoryRecommendation, CategoryObstacle}

// TTL is how long an insight of category c stays active.
func (c InsightCategory) TTL() time.Duration {
	switch c {
	case CategoryPriority:
		return 6 * time.Hour
	case CategoryPattern:
		return 7 * 24 * time.Hour
	case CategoryAlignment:
		return 72 * time.Hour
	default:
		return 24 * time.Hour
	}
}

type FeedbackType string

const (
	FeedbackUnset    FeedbackType = ""
	FeedbackAccepted FeedbackType = "accepted"
	FeedbackRejected FeedbackType = "rejected"
	FeedbackModified FeedbackType = "modified"
	FeedbackIgnored  FeedbackType = "ignored"
)

func ParseFeedbackType(s string) (FeedbackType, bool) {
	f := FeedbackType(s)
	switch f {
	case FeedbackAccepted, FeedbackRejected, FeedbackModified, FeedbackIgnored:
		return f, true
	}
	return "", false
}

type AnalysisDepth string

const (
	DepthMinimal  AnalysisDepth = "minimal"
	DepthBalanced AnalysisDepth = "balanced"
	DepthDetailed AnalysisDepth = "detailed"
)

func ParseAnalysisDepth(s string) (AnalysisDepth, bool) {
	d := AnalysisDepth(s)
	switch d {
	case DepthMinimal, DepthBalanced, DepthDetailed:
		return d, true
	}
	return "", false
}

type Insight struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	EntityType        EntityKind      `json:"entity_type"`
	EntityID          *string         `json:"entity_id,omitempty"`
	Category          InsightCategory `json:"category"`
	Title             string          `json:"title"`
	Summary           string          `json:"summary"`
	DetailedReasoning map[string]any  `json:"detailed_reasoning,omitempty"`
	Confidence        float64         `json:"confidence"`
	Impact            float64         `json:"impact"`
	ReasoningPath     []ReasoningNode `json:"reasoning_path"`
	Recommendations   []string        `json:"recommendations"`
	Obstacles         []string        `json:"obstacles"`
	Tags              []string        `json:"tags"`
	UsedLLM           bool            `json:"used_llm"`
	LLMContextRef     string          `json:"llm_context_ref,omitempty"`
	Feedback          FeedbackType    `json:"user_feedback"`
	FeedbackDetails   map[string]any  `json:"feedback_details,omitempty"`
	ApplicationCount  int             `json:"application_count"`
	Pinned            bool            `json:"pinned"`
	Active            bool            `json:"active"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	Version           int             `json:"version"`
	PreviousVersionID *string         `json:"previous_version_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// EntityKey is the storage form of EntityID; global insights use "".
func (i *Insight) EntityKey() string {
	if i.EntityID == nil {
		return ""
	}
	return *i.EntityID
}

func (i *Insight) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && i.ExpiresAt.Before(now)
}

type FeedbackRecord struct {
	ID           int64              `json:"id"`
	UserID       string             `json:"user_id"`
	InsightID    *string            `json:"insight_id,omitempty"`
	FeedbackType FeedbackType       `json:"feedback_type"`
	RuleSnapshot map[string]float64 `json:"rule_snapshot"`
	BeforeValue  float64            `json:"before_value"`
	AfterValue   float64            `json:"after_value"`
	Comment      string             `json:"comment,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

// InsightFilter narrows repository queries. Zero values mean "no constraint".
type InsightFilter struct {
	EntityType    EntityKind
	EntityID      *string
	Categories    []InsightCategory
	ActiveOnly    bool
	PinnedOnly    bool
	MinConfidence float64
	Since         time.Time
	Limit         int
}
