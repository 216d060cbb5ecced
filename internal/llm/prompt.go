package llm

import (
	"fmt"
	"strings"

	"github.com/insight-engine/backend/internal/rules"
	"github.com/insight-engine/backend/internal/storage/models"
)

const replySchema = `{
  "title": "short headline, under 12 words",
  "summary": "one paragraph explaining the reasoning",
  "confidence": 0.0,
  "recommendations": ["concrete next action"],
  "obstacles": ["anything blocking progress"]
}`

var depthInstructions = map[models.AnalysisDepth]string{
	models.DepthMinimal:  "Be brief. Two sentences of summary and at most one recommendation.",
	models.DepthBalanced: "Give a focused paragraph of summary and up to three recommendations.",
	models.DepthDetailed: "Explain the reasoning across every level of the hierarchy. Up to five recommendations, and name every obstacle you can see.",
}

var depthTokens = map[models.AnalysisDepth]int{
	models.DepthMinimal:  300,
	models.DepthBalanced: 600,
	models.DepthDetailed: 1200,
}

// BuildPrompts renders the system and user prompts for one synthesis.
func BuildPrompts(in SynthesisInput) (system, user string) {
	prefs := in.Snapshot.Preferences()

	personality := prefs.ReasoningPersonality
	if personality == "" {
		personality = "coach"
	}

	system = fmt.Sprintf(`You are a %s helping a person reason about their goals.
The person organises goals as domains, focus areas, initiatives and items.
Ground every statement in the hierarchy trace and rule results you are given; do not invent facts.
%s
Reply with a single JSON object and nothing else, matching:
%s`, personality, depthInstructions[in.Depth], replySchema)

	var b strings.Builder

	fmt.Fprintf(&b, "Target: %s %q", in.Entity.Kind, in.Entity.Name)
	if in.Entity.Description != "" {
		fmt.Fprintf(&b, " - %s", in.Entity.Description)
	}
	b.WriteString("\n\nHierarchy trace:\n")
	if len(in.Path) == 0 {
		b.WriteString("- (no linked levels)\n")
	}
	for _, node := range in.Path {
		fmt.Fprintf(&b, "- [%s, confidence %.2f] %s\n", node.Level, node.Confidence, node.Justification)
	}

	fmt.Fprintf(&b, "\nRule evaluation: score %.2f, confidence %.2f", in.Rules.Score, in.Rules.Confidence)
	if in.Rules.LowInformation {
		b.WriteString(" (low information: no weighted rule applied)")
	}
	b.WriteString("\n")
	for _, o := range in.Rules.Outcomes {
		fmt.Fprintf(&b, "- %s (weight %.2f): score %.2f. %s\n", o.RuleName, o.Weight, o.Score, o.Justification)
	}

	b.WriteString("\nPreferences:\n")
	fmt.Fprintf(&b, "- optimization goal: %s\n", prefs.OptimizationGoal)
	fmt.Fprintf(&b, "- energy pattern: %s\n", prefs.EnergyPattern)
	fmt.Fprintf(&b, "- working hours: %s-%s\n", prefs.WorkHoursStart, prefs.WorkHoursEnd)
	fmt.Fprintf(&b, "- explanation verbosity: %s\n", prefs.ExplanationVerbosity)

	user = b.String()
	return system, user
}

// ShouldUseLLM decides whether an analysis is worth a model call. Detailed
// analyses always are; so is any entity touched by a rule that asks for
// augmentation, or whose rule signals are all weak. Minimal analyses
// otherwise stay rule-only.
func ShouldUseLLM(depth models.AnalysisDepth, result rules.Result, applied []models.Rule) bool {
	if depth == models.DepthDetailed {
		return true
	}
	for _, r := range applied {
		if r.RequiresLLM {
			return true
		}
	}
	if result.LowInformation || result.MaxScore() < 0.3 {
		return true
	}
	return depth != models.DepthMinimal
}
