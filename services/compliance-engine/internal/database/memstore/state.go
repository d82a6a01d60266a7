package memstore

import (
	"sort"

	"cattlesense/services/compliance-engine/internal/apperr"
	"cattlesense/services/compliance-engine/internal/database"
	"cattlesense/shared/models"
)

type state struct {
	farmers         map[string]*models.Farmer
	livestock       map[string]*models.Livestock
	prescriptions   map[string]*models.Prescription
	administrations []*models.AntimicrobialAdministration
	events          []*models.TraceabilityEvent
	alerts          []*models.Alert
	rules           []*models.WithdrawalPeriodRule

	// Deleted farmer and livestock ids. Writes that still reference one
	// fail the way a foreign key would.
	removedFarmers   map[string]bool
	removedLivestock map[string]bool
}

func newState() *state {
	return &state{
		farmers:          map[string]*models.Farmer{},
		livestock:        map[string]*models.Livestock{},
		prescriptions:    map[string]*models.Prescription{},
		removedFarmers:   map[string]bool{},
		removedLivestock: map[string]bool{},
	}
}

// clone copies the containers. Entries are shared; writes replace entries
// instead of mutating them.
func (s *state) clone() *state {
	c := &state{
		farmers:         make(map[string]*models.Farmer, len(s.farmers)),
		livestock:       make(map[string]*models.Livestock, len(s.livestock)),
		prescriptions:   make(map[string]*models.Prescription, len(s.prescriptions)),
		administrations: append([]*models.AntimicrobialAdministration(nil), s.administrations...),
		events:          append([]*models.TraceabilityEvent(nil), s.events...),
		alerts:          append([]*models.Alert(nil), s.alerts...),
		rules:           append([]*models.WithdrawalPeriodRule(nil), s.rules...),
		removedFarmers:   make(map[string]bool, len(s.removedFarmers)),
		removedLivestock: make(map[string]bool, len(s.removedLivestock)),
	}
	for k := range s.removedFarmers {
		c.removedFarmers[k] = true
	}
	for k := range s.removedLivestock {
		c.removedLivestock[k] = true
	}
	for k, v := range s.farmers {
		c.farmers[k] = v
	}
	for k, v := range s.livestock {
		c.livestock[k] = v
	}
	for k, v := range s.prescriptions {
		c.prescriptions[k] = v
	}
	return c
}

func (s *state) requireFarmer(id string) error {
	if s.removedFarmers[id] {
		return apperr.NotFound("farmer %s not found", id)
	}
	return nil
}

func (s *state) requireLivestock(id string) error {
	if s.removedLivestock[id] {
		return apperr.NotFound("livestock %s not found", id)
	}
	return nil
}

// inRegion joins through the farmer like the SQL store does, so rows of
// unknown farmers never count.
func (s *state) inRegion(farmerID string, region database.Region) bool {
	f, ok := s.farmers[farmerID]
	return ok && region.Includes(f)
}

func (s *state) ownedBy(livestockID, farmerID string) bool {
	l, ok := s.livestock[livestockID]
	return ok && l.FarmerID == farmerID
}

// eventsFor returns the chain for one livestock ordered by timestamp,
// insertion order breaking ties.
func (s *state) eventsFor(livestockID string, oldestFirst bool) []*models.TraceabilityEvent {
	var out []*models.TraceabilityEvent
	for _, e := range s.events {
		if e.LivestockID == livestockID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if !oldestFirst {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

func copyEvent(e *models.TraceabilityEvent) *models.TraceabilityEvent {
	c := *e
	c.EventData = deepCopyAttributes(e.EventData)
	return &c
}

func deepCopyAttributes(a models.Attributes) models.Attributes {
	if a == nil {
		return nil
	}
	out := make(models.Attributes, len(a))
	for k, v := range a {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopyValue(val)
		}
		return out
	case models.Attributes:
		return deepCopyAttributes(t)
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopyValue(val)
		}
		return out
	default:
		return v
	}
}
