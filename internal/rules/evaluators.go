package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/insight-engine/backend/internal/storage/models"
	"github.com/insight-engine/backend/pkg/utils"
)

const unalignedScore = 0.3

func itemFor(in Input) (models.Item, error) {
	it, ok := in.Snapshot.Item(in.EntityID)
	if !ok {
		return models.Item{}, fmt.Errorf("item %q not in snapshot", in.EntityID)
	}
	return it, nil
}

func evalTemporalUrgency(in Input) (Outcome, error) {
	it, err := itemFor(in)
	if err != nil {
		return Outcome{}, err
	}

	if it.DueAt == nil {
		return Outcome{
			Score:         0,
			Confidence:    1.0,
			Justification: fmt.Sprintf("%q has no due date, so there is no urgency signal.", it.Name),
			Factors:       map[string]any{"has_due_date": false},
		}, nil
	}

	until := it.DueAt.Sub(in.Now)
	hours := until.Hours()

	var score float64
	var why string
	switch {
	case until < 0:
		score = 1.0
		why = fmt.Sprintf("%q is overdue by %s.", it.Name, humanDuration(-until))
	case hours <= 24:
		score = 0.9
		why = fmt.Sprintf("%q is due within a day (%s).", it.Name, humanDuration(until))
	case hours <= 72:
		score = 0.7
		why = fmt.Sprintf("%q is due within three days (%s).", it.Name, humanDuration(until))
	case hours <= 168:
		score = 0.5
		why = fmt.Sprintf("%q is due this week (%s).", it.Name, humanDuration(until))
	default:
		score = 0.2
		why = fmt.Sprintf("%q is not due for %s.", it.Name, humanDuration(until))
	}

	return Outcome{
		Score:         score,
		Confidence:    0.95,
		Justification: why,
		Factors: map[string]any{
			"has_due_date":    true,
			"hours_until_due": hours,
		},
	}, nil
}

// evalDomainAlignment traces the entity up to its domain and blends the
// domain's time allocation (40%), its alignment strength (30%), the area's
// importance (20%) and the initiative's importance (10%). Areas have no
// initiative term, so their blend is renormalized over the remaining 90%.
func evalDomainAlignment(in Input) (Outcome, error) {
	snap := in.Snapshot

	var (
		initiative *models.Initiative
		areaID     string
		name       string
	)

	switch in.Kind {
	case models.KindItem:
		it, err := itemFor(in)
		if err != nil {
			return Outcome{}, err
		}
		name = it.Name
		if ini, ok := snap.Initiative(it.InitiativeID); ok {
			initiative = &ini
			areaID = ini.AreaID
		}
		if initiative == nil {
			return unaligned(name, "has no initiative"), nil
		}
	case models.KindInitiative:
		ini, ok := snap.Initiative(in.EntityID)
		if !ok {
			return Outcome{}, fmt.Errorf("initiative %q not in snapshot", in.EntityID)
		}
		initiative = &ini
		name = ini.Name
		areaID = ini.AreaID
	case models.KindArea:
		areaID = in.EntityID
		a, ok := snap.Area(areaID)
		if !ok {
			return Outcome{}, fmt.Errorf("area %q not in snapshot", areaID)
		}
		name = a.Name
	default:
		return Outcome{}, fmt.Errorf("alignment does not apply to %s", in.Kind)
	}

	area, ok := snap.Area(areaID)
	if !ok {
		return unaligned(name, "has no focus area"), nil
	}
	domain, ok := snap.Domain(area.DomainID)
	if !ok {
		return unaligned(name, "has no domain"), nil
	}

	allocation := utils.Clamp01(domain.TimeAllocation / 100)
	strength := utils.Clamp01(domain.AlignmentStrength)
	areaImportance := utils.Clamp01(float64(area.Importance) / 5)

	score := 0.4*allocation + 0.3*strength + 0.2*areaImportance
	factors := map[string]any{
		"domain":             domain.Name,
		"time_allocation":    domain.TimeAllocation,
		"alignment_strength": domain.AlignmentStrength,
		"area_importance":    area.Importance,
	}
	if initiative != nil {
		score += 0.1 * utils.Clamp01(float64(initiative.Importance)/5)
		factors["initiative_importance"] = initiative.Importance
	} else {
		score /= 0.9
	}

	return Outcome{
		Score:      utils.Clamp01(score),
		Confidence: 0.85,
		Justification: fmt.Sprintf("%q serves the %q domain (%.0f%% time allocation) through the %q area (importance %d/5).",
			name, domain.Name, domain.TimeAllocation, area.Name, area.Importance),
		Factors: factors,
	}, nil
}

func unaligned(name, reason string) Outcome {
	return Outcome{
		Score:         unalignedScore,
		Confidence:    0.6,
		Justification: fmt.Sprintf("%q %s and is unaligned with any domain.", name, reason),
		Factors:       map[string]any{"unaligned": true},
	}
}

// peak windows, [start, end) in minutes after midnight
var peakWindows = map[models.EnergyPattern][2]int{
	models.EnergyMorningPeak:   {6 * 60, 12 * 60},
	models.EnergyAfternoonPeak: {12 * 60, 17 * 60},
	models.EnergyEveningPeak:   {17 * 60, 22 * 60},
}

func evalEnergyMatch(in Input) (Outcome, error) {
	it, err := itemFor(in)
	if err != nil {
		return Outcome{}, err
	}

	prefs := in.Snapshot.Preferences()
	window, ok := peakWindows[prefs.EnergyPattern]
	if !ok {
		start, err1 := parseClock(prefs.WorkHoursStart)
		end, err2 := parseClock(prefs.WorkHoursEnd)
		if err1 != nil || err2 != nil {
			start, end = 9*60, 17*60
		}
		window = [2]int{start, end}
	}

	minute := in.Now.Hour()*60 + in.Now.Minute()
	inPeak := minute >= window[0] && minute < window[1]

	factors := map[string]any{
		"energy_pattern": string(prefs.EnergyPattern),
		"in_peak":        inPeak,
		"deep_focus":     it.DeepFocus,
	}

	switch {
	case it.DeepFocus && inPeak:
		return Outcome{Score: 0.9, Confidence: 0.7, Factors: factors,
			Justification: fmt.Sprintf("%q needs deep focus and now is within your peak hours.", it.Name)}, nil
	case it.DeepFocus:
		return Outcome{Score: 0.3, Confidence: 0.7, Factors: factors,
			Justification: fmt.Sprintf("%q needs deep focus but now is outside your peak hours.", it.Name)}, nil
	case inPeak:
		return Outcome{Score: 0.5, Confidence: 0.5, Factors: factors,
			Justification: fmt.Sprintf("%q is light work; peak hours may be better spent on deep work.", it.Name)}, nil
	default:
		return Outcome{Score: 0.6, Confidence: 0.5, Factors: factors,
			Justification: fmt.Sprintf("%q is light work that fits outside your peak hours.", it.Name)}, nil
	}
}

func evalDependencyReadiness(in Input) (Outcome, error) {
	it, err := itemFor(in)
	if err != nil {
		return Outcome{}, err
	}

	if len(it.DependencyIDs) == 0 {
		return Outcome{
			Score:         0.5,
			Confidence:    0.9,
			Justification: fmt.Sprintf("%q has no dependencies.", it.Name),
			Factors:       map[string]any{"dependencies": 0},
		}, nil
	}

	var blocking []string
	unknown := 0
	for _, depID := range it.DependencyIDs {
		dep, ok := in.Snapshot.Item(depID)
		if !ok {
			unknown++
			blocking = append(blocking, depID)
			continue
		}
		if !dep.Completed() {
			blocking = append(blocking, dep.Name)
		}
	}

	confidence := 0.9
	if unknown > 0 {
		confidence = 0.7
	}
	factors := map[string]any{
		"dependencies": len(it.DependencyIDs),
		"unmet":        len(blocking),
	}

	if len(blocking) > 0 {
		return Outcome{
			Score:         0.1,
			Confidence:    confidence,
			Justification: fmt.Sprintf("%q is blocked by %s.", it.Name, quoteList(blocking)),
			Factors:       factors,
			Blocking:      blocking,
		}, nil
	}

	return Outcome{
		Score:         0.8,
		Confidence:    confidence,
		Justification: fmt.Sprintf("All %d dependencies of %q are complete.", len(it.DependencyIDs), it.Name),
		Factors:       factors,
	}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func humanDuration(d time.Duration) string {
	switch {
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%d hours", int(d.Hours()))
	default:
		return fmt.Sprintf("%d days", int(d.Hours()/24))
	}
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = fmt.Sprintf("%q", n)
	}
	return strings.Join(quoted, ", ")
}
