// Package reasoning builds the hierarchical trace that grounds an insight.
package reasoning

import (
	"fmt"
	"strings"

	"github.com/insight-engine/backend/internal/hierarchy"
	"github.com/insight-engine/backend/internal/storage/models"
)

type Direction int

const (
	// Upward runs from the most granular node to the domain.
	Upward Direction = iota
	// Downward runs from the domain to the most granular node.
	Downward
)

// link confidence for a directly referenced node, by level
var explicitConfidence = map[models.EntityKind]float64{
	models.KindItem:       0.95,
	models.KindInitiative: 0.9,
	models.KindArea:       0.85,
	models.KindDomain:     0.85,
}

// InferredConfidence applies when a node was reached but lacks the
// attributes that make the link meaningful.
const InferredConfidence = 0.6

// Build returns one node per resolved level. A missing parent ends the walk;
// an unknown starting entity yields an empty path.
func Build(snap *hierarchy.Snapshot, kind models.EntityKind, id string, dir Direction) []models.ReasoningNode {
	var path []models.ReasoningNode

	if kind == models.KindGlobal {
		path = append(path, globalNode(snap))
		return path
	}

	level, current := kind, id
	for level != "" && current != "" {
		node, parentID, ok := resolve(snap, level, current)
		if !ok {
			break
		}
		path = append(path, node)
		level, current = level.Parent(), parentID
	}

	if dir == Downward {
		for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
			path[i], path[j] = path[j], path[i]
		}
	}
	return path
}

func resolve(snap *hierarchy.Snapshot, level models.EntityKind, id string) (models.ReasoningNode, string, bool) {
	switch level {
	case models.KindItem:
		it, ok := snap.Item(id)
		if !ok {
			return models.ReasoningNode{}, "", false
		}
		return itemNode(snap, it), it.InitiativeID, true
	case models.KindInitiative:
		in, ok := snap.Initiative(id)
		if !ok {
			return models.ReasoningNode{}, "", false
		}
		return initiativeNode(in), in.AreaID, true
	case models.KindArea:
		a, ok := snap.Area(id)
		if !ok {
			return models.ReasoningNode{}, "", false
		}
		return areaNode(a), a.DomainID, true
	case models.KindDomain:
		d, ok := snap.Domain(id)
		if !ok {
			return models.ReasoningNode{}, "", false
		}
		return domainNode(d), "", true
	}
	return models.ReasoningNode{}, "", false
}

// confidence falls back to InferredConfidence for an unnamed node or one
// missing the attribute its level is judged by.
func confidence(level models.EntityKind, name string, described bool) float64 {
	if strings.TrimSpace(name) == "" || !described {
		return InferredConfidence
	}
	return explicitConfidence[level]
}

func itemNode(snap *hierarchy.Snapshot, it models.Item) models.ReasoningNode {
	status := it.Status
	if status == "" {
		status = models.ItemTodo
	}

	var parts []string
	parts = append(parts, fmt.Sprintf("Item %q is %s", it.Name, strings.ReplaceAll(string(status), "_", " ")))
	if it.DueAt != nil {
		parts = append(parts, fmt.Sprintf("due %s", it.DueAt.Format("2006-01-02 15:04")))
	}
	if n := len(it.DependencyIDs); n > 0 {
		open := 0
		for _, depID := range it.DependencyIDs {
			if dep, ok := snap.Item(depID); !ok || !dep.Completed() {
				open++
			}
		}
		parts = append(parts, fmt.Sprintf("with %d of %d dependencies open", open, n))
	}
	if it.EstimatedMinutes > 0 {
		parts = append(parts, fmt.Sprintf("estimated at %d minutes", it.EstimatedMinutes))
	}

	factors := map[string]any{
		"status":       string(status),
		"dependencies": len(it.DependencyIDs),
		"deep_focus":   it.DeepFocus,
	}
	if it.DueAt != nil {
		factors["due_at"] = it.DueAt
	}

	return models.ReasoningNode{
		Level:         models.KindItem,
		EntityID:      it.ID,
		EntityName:    it.Name,
		Justification: strings.Join(parts, ", ") + ".",
		Confidence:    confidence(models.KindItem, it.Name, !it.Completed()),
		Factors:       factors,
	}
}

func initiativeNode(in models.Initiative) models.ReasoningNode {
	why := fmt.Sprintf("Initiative %q is %.0f%% complete with importance %d/5", in.Name, in.CompletionPct, in.Importance)
	if in.Deadline != nil {
		why += fmt.Sprintf(" and a deadline of %s", in.Deadline.Format("2006-01-02"))
	}

	factors := map[string]any{
		"completion_pct": in.CompletionPct,
		"importance":     in.Importance,
	}

	return models.ReasoningNode{
		Level:         models.KindInitiative,
		EntityID:      in.ID,
		EntityName:    in.Name,
		Justification: why + ".",
		Confidence:    confidence(models.KindInitiative, in.Name, in.Importance > 0),
		Factors:       factors,
	}
}

func areaNode(a models.Area) models.ReasoningNode {
	return models.ReasoningNode{
		Level:         models.KindArea,
		EntityID:      a.ID,
		EntityName:    a.Name,
		Justification: fmt.Sprintf("Focus area %q has importance %d/5.", a.Name, a.Importance),
		Confidence:    confidence(models.KindArea, a.Name, a.Importance > 0),
		Factors:       map[string]any{"importance": a.Importance},
	}
}

func domainNode(d models.Domain) models.ReasoningNode {
	why := fmt.Sprintf("Domain %q targets %.0f%% of your time", d.Name, d.TimeAllocation)
	if d.Vision != "" {
		why += fmt.Sprintf(" toward the vision %q", d.Vision)
	}
	return models.ReasoningNode{
		Level:         models.KindDomain,
		EntityID:      d.ID,
		EntityName:    d.Name,
		Justification: why + ".",
		Confidence:    confidence(models.KindDomain, d.Name, d.TimeAllocation > 0),
		Factors: map[string]any{
			"time_allocation":    d.TimeAllocation,
			"alignment_strength": d.AlignmentStrength,
		},
	}
}

func globalNode(snap *hierarchy.Snapshot) models.ReasoningNode {
	items := snap.Items()
	open := 0
	for _, it := range items {
		if !it.Completed() {
			open++
		}
	}
	domains := len(snap.IDs(models.KindDomain))
	return models.ReasoningNode{
		Level:         models.KindGlobal,
		EntityName:    "All goals",
		Justification: fmt.Sprintf("The hierarchy spans %d domains and %d items, %d of them open.", domains, len(items), open),
		Confidence:    explicitConfidence[models.KindDomain],
		Factors: map[string]any{
			"domains":    domains,
			"items":      len(items),
			"open_items": open,
		},
	}
}
