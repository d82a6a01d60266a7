// Package memstore is an in-memory database.Store used by tests and local runs.
//
// Transactions work on a private copy of the data and journal every write.
// Commit replays the journal against the latest committed state, so a write
// that became invalid meanwhile fails the commit and nothing from the
// transaction becomes visible. That covers a second successor for the same
// chain link and rows that reference livestock or a farmer deleted since.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"cattlesense/services/compliance-engine/internal/apperr"
	"cattlesense/services/compliance-engine/internal/database"
	"cattlesense/shared/models"
)

// Store implements database.Store in memory.
type Store struct {
	db *memDB
	tx *txState
}

type memDB struct {
	mu       sync.Mutex
	root     *state
	failures map[string]error
	hooks    map[string]func(ctx context.Context)
}

type txState struct {
	view    *state
	journal []op
}

type op func(*state) error

// New returns an empty store.
func New() *Store {
	return &Store{db: &memDB{
		root:     newState(),
		failures: map[string]error{},
		hooks:    map[string]func(ctx context.Context){},
	}}
}

// FailOn makes every later call of the named operation return err.
// A nil err clears the failure.
func (s *Store) FailOn(operation string, err error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err == nil {
		delete(s.db.failures, operation)
		return
	}
	s.db.failures[operation] = err
}

// OnBefore registers fn to run before the named write is applied. It runs
// outside the store lock so it may call back into the store.
func (s *Store) OnBefore(operation string, fn func(ctx context.Context)) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if fn == nil {
		delete(s.db.hooks, operation)
		return
	}
	s.db.hooks[operation] = fn
}

// TamperEvent rewrites a committed event in place, bypassing immutability.
func (s *Store) TamperEvent(id string, mutate func(event *models.TraceabilityEvent)) bool {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for i, e := range s.db.root.events {
		if e.ID == id {
			c := copyEvent(e)
			mutate(c)
			s.db.root.events[i] = c
			return true
		}
	}
	return false
}

func (s *Store) WithTx(ctx context.Context, fn func(tx database.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	s.db.mu.Lock()
	view := s.db.root.clone()
	s.db.mu.Unlock()

	txStore := &Store{db: s.db, tx: &txState{view: view}}
	if err := fn(txStore); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return apperr.Persistence(err, "commit")
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	next := s.db.root.clone()
	for _, o := range txStore.tx.journal {
		if err := o(next); err != nil {
			return err
		}
	}
	s.db.root = next
	return nil
}

func (s *Store) failure(operation string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err, ok := s.db.failures[operation]; ok {
		return apperr.Persistence(err, "%s", operation)
	}
	return nil
}

func (s *Store) hook(ctx context.Context, operation string) {
	s.db.mu.Lock()
	fn := s.db.hooks[operation]
	s.db.mu.Unlock()
	if fn != nil {
		fn(ctx)
	}
}

func (s *Store) read(operation string, fn func(st *state)) error {
	if err := s.failure(operation); err != nil {
		return err
	}
	if s.tx != nil {
		fn(s.tx.view)
		return nil
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	fn(s.db.root)
	return nil
}

func (s *Store) write(ctx context.Context, operation string, o op) error {
	if err := ctx.Err(); err != nil {
		return apperr.Persistence(err, "%s", operation)
	}
	if err := s.failure(operation); err != nil {
		return err
	}
	s.hook(ctx, operation)
	if s.tx != nil {
		if err := o(s.tx.view); err != nil {
			return err
		}
		s.tx.journal = append(s.tx.journal, o)
		return nil
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return o(s.db.root)
}

// Farmers

func (s *Store) CreateFarmer(ctx context.Context, farmer *models.Farmer) error {
	c := *farmer
	return s.write(ctx, "CreateFarmer", func(st *state) error {
		if _, ok := st.farmers[c.ID]; ok {
			return apperr.Validation("farmer %s already exists", c.ID)
		}
		v := c
		st.farmers[c.ID] = &v
		return nil
	})
}

func (s *Store) GetFarmer(ctx context.Context, id string) (*models.Farmer, error) {
	var out *models.Farmer
	err := s.read("GetFarmer", func(st *state) {
		if f, ok := st.farmers[id]; ok {
			c := *f
			out = &c
		}
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, apperr.NotFound("farmer %s not found", id)
	}
	return out, nil
}

func (s *Store) DeleteFarmer(ctx context.Context, id string) (int64, error) {
	var n int64
	err := s.write(ctx, "DeleteFarmer", func(st *state) error {
		n = 0
		if _, ok := st.farmers[id]; ok {
			delete(st.farmers, id)
			st.removedFarmers[id] = true
			n = 1
		}
		return nil
	})
	return n, err
}

// Livestock

func (s *Store) CreateLivestock(ctx context.Context, livestock *models.Livestock) error {
	c := *livestock
	return s.write(ctx, "CreateLivestock", func(st *state) error {
		if err := st.requireFarmer(c.FarmerID); err != nil {
			return err
		}
		if _, ok := st.livestock[c.ID]; ok {
			return apperr.Validation("livestock %s already exists", c.ID)
		}
		for _, l := range st.livestock {
			if l.RFIDTag == c.RFIDTag {
				return apperr.Validation("livestock %s already exists", c.RFIDTag)
			}
		}
		v := c
		st.livestock[c.ID] = &v
		return nil
	})
}

func (s *Store) GetLivestock(ctx context.Context, id string) (*models.Livestock, error) {
	var out *models.Livestock
	err := s.read("GetLivestock", func(st *state) {
		if l, ok := st.livestock[id]; ok {
			c := *l
			out = &c
		}
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, apperr.NotFound("livestock %s not found", id)
	}
	return out, nil
}

func (s *Store) UpdateLivestock(ctx context.Context, livestock *models.Livestock) error {
	c := *livestock
	return s.write(ctx, "UpdateLivestock", func(st *state) error {
		existing, ok := st.livestock[c.ID]
		if !ok {
			return apperr.NotFound("livestock %s not found", c.ID)
		}
		v := *existing
		v.Breed = c.Breed
		v.Name = c.Name
		v.ProductionType = c.ProductionType
		v.HealthStatus = c.HealthStatus
		v.IsActive = c.IsActive
		v.UpdatedAt = c.UpdatedAt
		st.livestock[c.ID] = &v
		return nil
	})
}

func (s *Store) ListLivestockByFarmer(ctx context.Context, farmerID string) ([]*models.Livestock, error) {
	var out []*models.Livestock
	err := s.read("ListLivestockByFarmer", func(st *state) {
		for _, l := range st.livestock {
			if l.FarmerID == farmerID {
				c := *l
				out = append(out, &c)
			}
		}
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, err
}

func (s *Store) DeleteLivestock(ctx context.Context, id string) (int64, error) {
	var n int64
	err := s.write(ctx, "DeleteLivestock", func(st *state) error {
		n = 0
		if _, ok := st.livestock[id]; ok {
			delete(st.livestock, id)
			st.removedLivestock[id] = true
			n = 1
		}
		return nil
	})
	return n, err
}

// Prescriptions

func (s *Store) CreatePrescription(ctx context.Context, prescription *models.Prescription) error {
	c := *prescription
	c.Drugs = append([]models.PrescribedDrug(nil), prescription.Drugs...)
	return s.write(ctx, "CreatePrescription", func(st *state) error {
		if err := st.requireLivestock(c.LivestockID); err != nil {
			return err
		}
		for _, p := range st.prescriptions {
			if p.ID == c.ID || p.PrescriptionNumber == c.PrescriptionNumber {
				return apperr.Validation("prescription %s already exists", c.PrescriptionNumber)
			}
		}
		v := c
		st.prescriptions[c.ID] = &v
		return nil
	})
}

func (s *Store) GetPrescription(ctx context.Context, id string) (*models.Prescription, error) {
	var out *models.Prescription
	err := s.read("GetPrescription", func(st *state) {
		if p, ok := st.prescriptions[id]; ok {
			c := *p
			out = &c
		}
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, apperr.NotFound("prescription %s not found", id)
	}
	return out, nil
}

func (s *Store) UpdatePrescriptionStatus(ctx context.Context, id string, status models.PrescriptionStatus) error {
	return s.write(ctx, "UpdatePrescriptionStatus", func(st *state) error {
		p, ok := st.prescriptions[id]
		if !ok {
			return apperr.NotFound("prescription %s not found", id)
		}
		v := *p
		v.Status = status
		st.prescriptions[id] = &v
		return nil
	})
}

func (s *Store) DeletePrescriptionsByLivestock(ctx context.Context, livestockID string) (int64, error) {
	var n int64
	err := s.write(ctx, "DeletePrescriptionsByLivestock", func(st *state) error {
		n = 0
		for id, p := range st.prescriptions {
			if p.LivestockID == livestockID {
				delete(st.prescriptions, id)
				n++
			}
		}
		return nil
	})
	return n, err
}

// Administrations

func (s *Store) CreateAdministration(ctx context.Context, record *models.AntimicrobialAdministration) error {
	c := *record
	return s.write(ctx, "CreateAdministration", func(st *state) error {
		if err := st.requireLivestock(c.LivestockID); err != nil {
			return err
		}
		for _, a := range st.administrations {
			if a.ID == c.ID {
				return apperr.Validation("administration %s already exists", c.ID)
			}
		}
		v := c
		st.administrations = append(st.administrations, &v)
		return nil
	})
}

func (s *Store) GetAdministration(ctx context.Context, id string) (*models.AntimicrobialAdministration, error) {
	var out *models.AntimicrobialAdministration
	err := s.read("GetAdministration", func(st *state) {
		for _, a := range st.administrations {
			if a.ID == id {
				c := *a
				out = &c
				return
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, apperr.NotFound("administration %s not found", id)
	}
	return out, nil
}

func (s *Store) MarkAdministrationVerified(ctx context.Context, id string, verifiedAt time.Time) error {
	return s.write(ctx, "MarkAdministrationVerified", func(st *state) error {
		for i, a := range st.administrations {
			if a.ID == id {
				c := *a
				c.IsVerified = true
				at := verifiedAt
				c.VerifiedAt = &at
				st.administrations[i] = &c
				return nil
			}
		}
		return apperr.NotFound("administration %s not found", id)
	})
}

func (s *Store) CountAdministrations(ctx context.Context, livestockID, drugName string, since time.Time) (int64, error) {
	var n int64
	err := s.read("CountAdministrations", func(st *state) {
		for _, a := range st.administrations {
			if a.LivestockID == livestockID && a.DrugName == drugName && !a.CreatedAt.Before(since) {
				n++
			}
		}
	})
	return n, err
}

func (s *Store) CountFarmerAdministrations(ctx context.Context, farmerID string, since *time.Time) (int64, error) {
	var n int64
	err := s.read("CountFarmerAdministrations", func(st *state) {
		for _, a := range st.administrations {
			if !st.ownedBy(a.LivestockID, farmerID) {
				continue
			}
			if since != nil && a.CreatedAt.Before(*since) {
				continue
			}
			n++
		}
	})
	return n, err
}

func (s *Store) DrugUsageCounts(ctx context.Context, farmerID string, since time.Time, limit int) ([]database.DrugUsage, error) {
	counts := map[string]int64{}
	err := s.read("DrugUsageCounts", func(st *state) {
		for _, a := range st.administrations {
			if st.ownedBy(a.LivestockID, farmerID) && !a.CreatedAt.Before(since) {
				counts[a.DrugName]++
			}
		}
	})
	if err != nil {
		return nil, err
	}
	out := make([]database.DrugUsage, 0, len(counts))
	for drug, n := range counts {
		out = append(out, database.DrugUsage{DrugName: drug, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].DrugName < out[j].DrugName
		}
		return out[i].Count > out[j].Count
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListActiveWithdrawals(ctx context.Context, farmerID string, asOf time.Time) ([]*models.AntimicrobialAdministration, error) {
	var out []*models.AntimicrobialAdministration
	err := s.read("ListActiveWithdrawals", func(st *state) {
		for _, a := range st.administrations {
			if a.WithdrawalEndDate == nil || a.WithdrawalEndDate.Before(asOf) {
				continue
			}
			if st.ownedBy(a.LivestockID, farmerID) {
				c := *a
				out = append(out, &c)
			}
		}
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].WithdrawalEndDate.Before(*out[j].WithdrawalEndDate)
	})
	return out, err
}

func (s *Store) DeleteAdministrationsByLivestock(ctx context.Context, livestockID string) (int64, error) {
	var n int64
	err := s.write(ctx, "DeleteAdministrationsByLivestock", func(st *state) error {
		kept := st.administrations[:0:0]
		n = 0
		for _, a := range st.administrations {
			if a.LivestockID == livestockID {
				n++
				continue
			}
			kept = append(kept, a)
		}
		st.administrations = kept
		return nil
	})
	return n, err
}

// Traceability events

func (s *Store) LatestEvent(ctx context.Context, livestockID string) (*models.TraceabilityEvent, error) {
	var out *models.TraceabilityEvent
	err := s.read("LatestEvent", func(st *state) {
		events := st.eventsFor(livestockID, false)
		if len(events) > 0 {
			out = copyEvent(events[0])
		}
	})
	return out, err
}

func (s *Store) InsertEvent(ctx context.Context, event *models.TraceabilityEvent) error {
	c := copyEvent(event)
	return s.write(ctx, "InsertEvent", func(st *state) error {
		if err := st.requireLivestock(c.LivestockID); err != nil {
			return err
		}
		for _, e := range st.events {
			if e.ID == c.ID {
				return apperr.Validation("event %s already exists", c.ID)
			}
			if e.LivestockID == c.LivestockID && e.PreviousHash == c.PreviousHash {
				return apperr.ChainConflict("livestock %s already has a successor for %s", c.LivestockID, c.PreviousHash)
			}
		}
		st.events = append(st.events, c)
		return nil
	})
}

func (s *Store) ListEvents(ctx context.Context, livestockID string, oldestFirst bool) ([]*models.TraceabilityEvent, error) {
	var out []*models.TraceabilityEvent
	err := s.read("ListEvents", func(st *state) {
		for _, e := range st.eventsFor(livestockID, oldestFirst) {
			out = append(out, copyEvent(e))
		}
	})
	return out, err
}

func (s *Store) ListTracedLivestockSince(ctx context.Context, since time.Time) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	err := s.read("ListTracedLivestockSince", func(st *state) {
		for _, e := range st.events {
			if !e.Timestamp.Before(since) && !seen[e.LivestockID] {
				seen[e.LivestockID] = true
				out = append(out, e.LivestockID)
			}
		}
	})
	sort.Strings(out)
	return out, err
}

func (s *Store) DeleteEventsByLivestock(ctx context.Context, livestockID string) (int64, error) {
	var n int64
	err := s.write(ctx, "DeleteEventsByLivestock", func(st *state) error {
		kept := st.events[:0:0]
		n = 0
		for _, e := range st.events {
			if e.LivestockID == livestockID {
				n++
				continue
			}
			kept = append(kept, e)
		}
		st.events = kept
		return nil
	})
	return n, err
}

// Alerts

func (s *Store) InsertAlert(ctx context.Context, alert *models.Alert) error {
	c := *alert
	return s.write(ctx, "InsertAlert", func(st *state) error {
		for _, a := range st.alerts {
			if a.ID == c.ID {
				return apperr.Validation("alert %s already exists", c.ID)
			}
		}
		v := c
		st.alerts = append(st.alerts, &v)
		return nil
	})
}

func (s *Store) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	var out *models.Alert
	err := s.read("GetAlert", func(st *state) {
		for _, a := range st.alerts {
			if a.ID == id {
				c := *a
				out = &c
				return
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, apperr.NotFound("alert %s not found", id)
	}
	return out, nil
}

func (s *Store) FindOpenAlertByFingerprint(ctx context.Context, fingerprint string) (*models.Alert, error) {
	var out *models.Alert
	err := s.read("FindOpenAlertByFingerprint", func(st *state) {
		for i := len(st.alerts) - 1; i >= 0; i-- {
			a := st.alerts[i]
			if a.Fingerprint == fingerprint && a.Status.Open() {
				c := *a
				out = &c
				return
			}
		}
	})
	return out, err
}

func (s *Store) UpdateAlert(ctx context.Context, alert *models.Alert) error {
	c := *alert
	return s.write(ctx, "UpdateAlert", func(st *state) error {
		for i, a := range st.alerts {
			if a.ID == c.ID {
				v := *a
				v.Status = c.Status
				v.ReadAt = c.ReadAt
				v.AcknowledgedAt = c.AcknowledgedAt
				v.ResolvedAt = c.ResolvedAt
				st.alerts[i] = &v
				return nil
			}
		}
		return apperr.NotFound("alert %s not found", c.ID)
	})
}

func (s *Store) ListAlerts(ctx context.Context, filter database.AlertFilter) ([]*models.Alert, error) {
	var out []*models.Alert
	err := s.read("ListAlerts", func(st *state) {
		for i := len(st.alerts) - 1; i >= 0; i-- {
			if filter.Matches(st.alerts[i]) {
				c := *st.alerts[i]
				out = append(out, &c)
			}
		}
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, err
}

func (s *Store) CountAlerts(ctx context.Context, filter database.AlertFilter) (int64, error) {
	var n int64
	err := s.read("CountAlerts", func(st *state) {
		for _, a := range st.alerts {
			if filter.Matches(a) {
				n++
			}
		}
	})
	return n, err
}

func (s *Store) DeleteAlertsByFarmer(ctx context.Context, farmerID string) (int64, error) {
	var n int64
	err := s.write(ctx, "DeleteAlertsByFarmer", func(st *state) error {
		kept := st.alerts[:0:0]
		n = 0
		for _, a := range st.alerts {
			if a.FarmerID == farmerID {
				n++
				continue
			}
			kept = append(kept, a)
		}
		st.alerts = kept
		return nil
	})
	return n, err
}

// Regional analytics

func (s *Store) RegionalHerd(ctx context.Context, region database.Region) (database.RegionalHerd, error) {
	var herd database.RegionalHerd
	species := map[string]int64{}
	err := s.read("RegionalHerd", func(st *state) {
		for _, f := range st.farmers {
			if region.Includes(f) {
				herd.Farms++
			}
		}
		for _, l := range st.livestock {
			if !st.inRegion(l.FarmerID, region) {
				continue
			}
			herd.Livestock++
			if l.IsActive {
				species[string(l.Species)]++
			}
		}
	})
	herd.ActiveBySpecies = speciesCounts(species)
	return herd, err
}

func (s *Store) RegionalUsage(ctx context.Context, region database.Region, since time.Time) (database.RegionalUsage, error) {
	var usage database.RegionalUsage
	categories := map[string]int64{}
	species := map[string]int64{}
	err := s.read("RegionalUsage", func(st *state) {
		for _, a := range st.administrations {
			l, ok := st.livestock[a.LivestockID]
			if !ok || a.CreatedAt.Before(since) || !st.inRegion(l.FarmerID, region) {
				continue
			}
			usage.Records++
			category := a.DrugCategory
			if category == "" {
				category = database.UncategorizedDrug
			}
			categories[category]++
			species[string(l.Species)]++
		}
	})
	for c, n := range categories {
		usage.Categories = append(usage.Categories, database.CategoryCount{Category: c, Count: n})
	}
	database.SortCategories(usage.Categories)
	usage.Species = speciesCounts(species)
	return usage, err
}

func (s *Store) RegionalAlerts(ctx context.Context, region database.Region, alertType models.AlertType, since time.Time) (database.RegionalAlerts, error) {
	var out database.RegionalAlerts
	farms := map[string]bool{}
	err := s.read("RegionalAlerts", func(st *state) {
		for _, a := range st.alerts {
			if a.Type != alertType || a.CreatedAt.Before(since) || !st.inRegion(a.FarmerID, region) {
				continue
			}
			out.Alerts++
			farms[a.FarmerID] = true
		}
	})
	out.Farms = int64(len(farms))
	return out, err
}

func speciesCounts(counts map[string]int64) []database.SpeciesCount {
	var out []database.SpeciesCount
	for sp, n := range counts {
		out = append(out, database.SpeciesCount{Species: sp, Count: n})
	}
	database.SortSpecies(out)
	return out
}

// Reference data

func (s *Store) FindWithdrawalRules(ctx context.Context, drugName string, species models.Species) ([]*models.WithdrawalPeriodRule, error) {
	if err := s.failure("FindWithdrawalRules"); err != nil {
		return nil, apperr.Wrap(err, apperr.KindReferenceDataUnavailable, "lookup withdrawal rules for %s/%s", drugName, species)
	}
	var out []*models.WithdrawalPeriodRule
	_ = s.read("", func(st *state) {
		for _, r := range st.rules {
			if r.DrugName == drugName && r.Species == species {
				c := *r
				out = append(out, &c)
			}
		}
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].TissueType < out[j].TissueType })
	return out, nil
}

func (s *Store) CountWithdrawalRules(ctx context.Context) (int64, error) {
	var n int64
	err := s.read("CountWithdrawalRules", func(st *state) { n = int64(len(st.rules)) })
	return n, err
}

func (s *Store) InsertWithdrawalRules(ctx context.Context, rules []*models.WithdrawalPeriodRule) error {
	copies := make([]*models.WithdrawalPeriodRule, 0, len(rules))
	for _, r := range rules {
		c := *r
		copies = append(copies, &c)
	}
	return s.write(ctx, "InsertWithdrawalRules", func(st *state) error {
		st.rules = append(st.rules, copies...)
		return nil
	})
}

var _ database.Store = (*Store)(nil)
