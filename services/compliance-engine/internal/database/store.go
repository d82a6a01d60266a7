package database

import (
	"context"
	"sort"
	"time"

	"cattlesense/shared/models"
)

// FarmerRepository handles farmer aggregates
type FarmerRepository interface {
	CreateFarmer(ctx context.Context, farmer *models.Farmer) error
	GetFarmer(ctx context.Context, id string) (*models.Farmer, error)
	DeleteFarmer(ctx context.Context, id string) (int64, error)
}

// LivestockRepository handles livestock entities
type LivestockRepository interface {
	CreateLivestock(ctx context.Context, livestock *models.Livestock) error
	GetLivestock(ctx context.Context, id string) (*models.Livestock, error)
	UpdateLivestock(ctx context.Context, livestock *models.Livestock) error
	ListLivestockByFarmer(ctx context.Context, farmerID string) ([]*models.Livestock, error)
	DeleteLivestock(ctx context.Context, id string) (int64, error)
}

// PrescriptionRepository handles veterinary prescriptions
type PrescriptionRepository interface {
	CreatePrescription(ctx context.Context, prescription *models.Prescription) error
	GetPrescription(ctx context.Context, id string) (*models.Prescription, error)
	UpdatePrescriptionStatus(ctx context.Context, id string, status models.PrescriptionStatus) error
	DeletePrescriptionsByLivestock(ctx context.Context, livestockID string) (int64, error)
}

// AdministrationRepository handles antimicrobial administration records
type AdministrationRepository interface {
	CreateAdministration(ctx context.Context, record *models.AntimicrobialAdministration) error
	GetAdministration(ctx context.Context, id string) (*models.AntimicrobialAdministration, error)
	MarkAdministrationVerified(ctx context.Context, id string, verifiedAt time.Time) error
	// CountAdministrations counts records for the livestock and exact drug name created at or after since.
	CountAdministrations(ctx context.Context, livestockID, drugName string, since time.Time) (int64, error)
	CountFarmerAdministrations(ctx context.Context, farmerID string, since *time.Time) (int64, error)
	DrugUsageCounts(ctx context.Context, farmerID string, since time.Time, limit int) ([]DrugUsage, error)
	// ListActiveWithdrawals returns records whose withdrawal_end_date is on or after asOf, soonest first.
	ListActiveWithdrawals(ctx context.Context, farmerID string, asOf time.Time) ([]*models.AntimicrobialAdministration, error)
	DeleteAdministrationsByLivestock(ctx context.Context, livestockID string) (int64, error)
}

// TraceRepository handles traceability events
type TraceRepository interface {
	// LatestEvent returns the newest event for the livestock, or nil when the chain is empty.
	LatestEvent(ctx context.Context, livestockID string) (*models.TraceabilityEvent, error)
	// InsertEvent fails with a chain conflict when another event already links to the same previous hash.
	InsertEvent(ctx context.Context, event *models.TraceabilityEvent) error
	ListEvents(ctx context.Context, livestockID string, oldestFirst bool) ([]*models.TraceabilityEvent, error)
	ListTracedLivestockSince(ctx context.Context, since time.Time) ([]string, error)
	DeleteEventsByLivestock(ctx context.Context, livestockID string) (int64, error)
}

// AlertRepository handles alert persistence
type AlertRepository interface {
	InsertAlert(ctx context.Context, alert *models.Alert) error
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	// FindOpenAlertByFingerprint returns an unread or read alert with the fingerprint, or nil.
	FindOpenAlertByFingerprint(ctx context.Context, fingerprint string) (*models.Alert, error)
	UpdateAlert(ctx context.Context, alert *models.Alert) error
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*models.Alert, error)
	CountAlerts(ctx context.Context, filter AlertFilter) (int64, error)
	DeleteAlertsByFarmer(ctx context.Context, farmerID string) (int64, error)
}

// ReferenceRepository handles withdrawal period reference data
type ReferenceRepository interface {
	FindWithdrawalRules(ctx context.Context, drugName string, species models.Species) ([]*models.WithdrawalPeriodRule, error)
	CountWithdrawalRules(ctx context.Context) (int64, error)
	InsertWithdrawalRules(ctx context.Context, rules []*models.WithdrawalPeriodRule) error
}

// AnalyticsRepository aggregates across every farmer in a region
type AnalyticsRepository interface {
	RegionalHerd(ctx context.Context, region Region) (RegionalHerd, error)
	// RegionalUsage counts administrations created at or after since.
	RegionalUsage(ctx context.Context, region Region, since time.Time) (RegionalUsage, error)
	// RegionalAlerts counts alerts of one type created at or after since, and the farmers they name.
	RegionalAlerts(ctx context.Context, region Region, alertType models.AlertType, since time.Time) (RegionalAlerts, error)
}

// Store is the persistence collaborator. WithTx runs fn against a
// transactional view; any error returned from fn rolls every write back.
type Store interface {
	FarmerRepository
	LivestockRepository
	PrescriptionRepository
	AdministrationRepository
	TraceRepository
	AlertRepository
	ReferenceRepository
	AnalyticsRepository

	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// AlertFilter narrows alert queries. Zero fields do not filter.
type AlertFilter struct {
	FarmerID       string
	VeterinarianID string
	LivestockID    string
	IDs            []string
	Statuses       []models.AlertStatus
	Type           models.AlertType
	Severity       models.AlertSeverity
	Limit          int
}

// Matches reports whether alert satisfies the filter.
func (f AlertFilter) Matches(alert *models.Alert) bool {
	if f.FarmerID != "" && alert.FarmerID != f.FarmerID {
		return false
	}
	if f.VeterinarianID != "" && (alert.VeterinarianID == nil || *alert.VeterinarianID != f.VeterinarianID) {
		return false
	}
	if f.LivestockID != "" && (alert.LivestockID == nil || *alert.LivestockID != f.LivestockID) {
		return false
	}
	if f.Type != "" && alert.Type != f.Type {
		return false
	}
	if f.Severity != "" && alert.Severity != f.Severity {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, alert.Status) {
		return false
	}
	if len(f.IDs) > 0 && !containsString(f.IDs, alert.ID) {
		return false
	}
	return true
}

// DrugUsage is a drug name with its administration count.
type DrugUsage struct {
	DrugName string `json:"drug_name"`
	Count    int64  `json:"count"`
}

// Region selects farmers by district, or by state when District is empty.
// The zero Region covers every farmer.
type Region struct {
	District string `json:"district,omitempty"`
	State    string `json:"state,omitempty"`
}

// Name is the district, the state or "All".
func (r Region) Name() string {
	switch {
	case r.District != "":
		return r.District
	case r.State != "":
		return r.State
	}
	return "All"
}

// Includes reports whether farmer lives in the region.
func (r Region) Includes(farmer *models.Farmer) bool {
	switch {
	case r.District != "":
		return farmer.District == r.District
	case r.State != "":
		return farmer.State == r.State
	}
	return true
}

// UncategorizedDrug labels administrations recorded without a drug category.
const UncategorizedDrug = "uncategorized"

type CategoryCount struct {
	Category string `json:"category"`
	Count    int64  `json:"count"`
}

type SpeciesCount struct {
	Species string `json:"species"`
	Count   int64  `json:"count"`
}

// RegionalHerd counts farms and livestock, with active livestock per species.
type RegionalHerd struct {
	Farms           int64
	Livestock       int64
	ActiveBySpecies []SpeciesCount
}

// RegionalUsage is the administration volume split by drug category and species.
type RegionalUsage struct {
	Records    int64
	Categories []CategoryCount
	Species    []SpeciesCount
}

type RegionalAlerts struct {
	Alerts int64
	Farms  int64
}

// SortCategories orders by count descending, then name.
func SortCategories(c []CategoryCount) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Count == c[j].Count {
			return c[i].Category < c[j].Category
		}
		return c[i].Count > c[j].Count
	})
}

// SortSpecies orders by count descending, then name.
func SortSpecies(c []SpeciesCount) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Count == c[j].Count {
			return c[i].Species < c[j].Species
		}
		return c[i].Count > c[j].Count
	})
}

// OpenStatuses are the alert statuses that still need attention.
var OpenStatuses = []models.AlertStatus{models.AlertUnread, models.AlertRead}

func containsStatus(list []models.AlertStatus, s models.AlertStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
