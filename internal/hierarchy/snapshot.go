// Package hierarchy assembles immutable, point-in-time views of a user's
// goal hierarchy for analysis.
package hierarchy

import (
	"time"

	"github.com/insight-engine/backend/internal/storage/models"
)

// Snapshot is a read-only aggregate of one user's domains, areas,
// initiatives, items and preferences. Accessors return copies, so nothing a
// caller does can change what another reader of the same snapshot sees.
type Snapshot struct {
	userID      string
	takenAt     time.Time
	preferences models.Preferences

	domains     []models.Domain
	areas       []models.Area
	initiatives []models.Initiative
	items       []models.Item

	domainIdx     map[string]int
	areaIdx       map[string]int
	initiativeIdx map[string]int
	itemIdx       map[string]int
}

// EntityRef is the kind-agnostic view of one hierarchy node.
type EntityRef struct {
	Kind        models.EntityKind
	ID          string
	Name        string
	Description string
	ParentID    string
}

// NewSnapshot indexes the given rows. The slices are copied.
func NewSnapshot(userID string, takenAt time.Time, prefs models.Preferences,
	domains []models.Domain, areas []models.Area, initiatives []models.Initiative, items []models.Item) *Snapshot {

	s := &Snapshot{
		userID:      userID,
		takenAt:     takenAt,
		preferences: copyPreferences(prefs),
		domains:     append([]models.Domain(nil), domains...),
		areas:       append([]models.Area(nil), areas...),
		initiatives: append([]models.Initiative(nil), initiatives...),
		items:       make([]models.Item, len(items)),
	}
	for i, it := range items {
		s.items[i] = copyItem(it)
	}

	s.domainIdx = make(map[string]int, len(s.domains))
	for i, d := range s.domains {
		s.domainIdx[d.ID] = i
	}
	s.areaIdx = make(map[string]int, len(s.areas))
	for i, a := range s.areas {
		s.areaIdx[a.ID] = i
	}
	s.initiativeIdx = make(map[string]int, len(s.initiatives))
	for i, in := range s.initiatives {
		s.initiativeIdx[in.ID] = i
	}
	s.itemIdx = make(map[string]int, len(s.items))
	for i, it := range s.items {
		s.itemIdx[it.ID] = i
	}

	return s
}

func (s *Snapshot) UserID() string     { return s.userID }
func (s *Snapshot) TakenAt() time.Time { return s.takenAt }

func (s *Snapshot) Preferences() models.Preferences {
	return copyPreferences(s.preferences)
}

// Weight returns the user's override for ruleID, if any.
func (s *Snapshot) Weight(ruleID string) (float64, bool) {
	w, ok := s.preferences.RuleWeightOverrides[ruleID]
	return w, ok
}

func (s *Snapshot) Domain(id string) (models.Domain, bool) {
	i, ok := s.domainIdx[id]
	if !ok {
		return models.Domain{}, false
	}
	return s.domains[i], true
}

func (s *Snapshot) Area(id string) (models.Area, bool) {
	i, ok := s.areaIdx[id]
	if !ok {
		return models.Area{}, false
	}
	return s.areas[i], true
}

func (s *Snapshot) Initiative(id string) (models.Initiative, bool) {
	i, ok := s.initiativeIdx[id]
	if !ok {
		return models.Initiative{}, false
	}
	in := s.initiatives[i]
	if in.Deadline != nil {
		d := *in.Deadline
		in.Deadline = &d
	}
	return in, true
}

func (s *Snapshot) Item(id string) (models.Item, bool) {
	i, ok := s.itemIdx[id]
	if !ok {
		return models.Item{}, false
	}
	return copyItem(s.items[i]), true
}

func (s *Snapshot) Domains() []models.Domain {
	return append([]models.Domain(nil), s.domains...)
}

func (s *Snapshot) Areas() []models.Area {
	return append([]models.Area(nil), s.areas...)
}

func (s *Snapshot) Initiatives() []models.Initiative {
	out := make([]models.Initiative, 0, len(s.initiatives))
	for _, in := range s.initiatives {
		got, _ := s.Initiative(in.ID)
		out = append(out, got)
	}
	return out
}

func (s *Snapshot) Items() []models.Item {
	out := make([]models.Item, len(s.items))
	for i, it := range s.items {
		out[i] = copyItem(it)
	}
	return out
}

// IDs lists every entity ID of the given kind in load order.
func (s *Snapshot) IDs(kind models.EntityKind) []string {
	var ids []string
	switch kind {
	case models.KindDomain:
		for _, d := range s.domains {
			ids = append(ids, d.ID)
		}
	case models.KindArea:
		for _, a := range s.areas {
			ids = append(ids, a.ID)
		}
	case models.KindInitiative:
		for _, in := range s.initiatives {
			ids = append(ids, in.ID)
		}
	case models.KindItem:
		for _, it := range s.items {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

// Entity resolves any kind. Global references always resolve.
func (s *Snapshot) Entity(kind models.EntityKind, id string) (EntityRef, bool) {
	switch kind {
	case models.KindGlobal:
		return EntityRef{Kind: models.KindGlobal, Name: "All goals"}, true
	case models.KindDomain:
		if d, ok := s.Domain(id); ok {
			return EntityRef{Kind: kind, ID: d.ID, Name: d.Name, Description: d.Description}, true
		}
	case models.KindArea:
		if a, ok := s.Area(id); ok {
			return EntityRef{Kind: kind, ID: a.ID, Name: a.Name, Description: a.Description, ParentID: a.DomainID}, true
		}
	case models.KindInitiative:
		if in, ok := s.Initiative(id); ok {
			return EntityRef{Kind: kind, ID: in.ID, Name: in.Name, Description: in.Description, ParentID: in.AreaID}, true
		}
	case models.KindItem:
		if it, ok := s.Item(id); ok {
			return EntityRef{Kind: kind, ID: it.ID, Name: it.Name, Description: it.Description, ParentID: it.InitiativeID}, true
		}
	}
	return EntityRef{}, false
}

func copyItem(it models.Item) models.Item {
	it.DependencyIDs = append([]string(nil), it.DependencyIDs...)
	if it.DueAt != nil {
		d := *it.DueAt
		it.DueAt = &d
	}
	if it.PriorityScore != nil {
		p := *it.PriorityScore
		it.PriorityScore = &p
	}
	if it.LastAnalyzedAt != nil {
		l := *it.LastAnalyzedAt
		it.LastAnalyzedAt = &l
	}
	return it
}

func copyPreferences(p models.Preferences) models.Preferences {
	overrides := make(map[string]float64, len(p.RuleWeightOverrides))
	for k, v := range p.RuleWeightOverrides {
		overrides[k] = v
	}
	p.RuleWeightOverrides = overrides
	return p
}
