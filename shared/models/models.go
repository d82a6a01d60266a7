// Shared Data Models
// Livestock, prescriptions, antimicrobial administrations, traceability events and alerts.

package models

import (
	"time"
)

// Species of livestock tracked by the system
type Species string

const (
	SpeciesCattle  Species = "cattle"
	SpeciesBuffalo Species = "buffalo"
	SpeciesGoat    Species = "goat"
	SpeciesSheep   Species = "sheep"
	SpeciesPig     Species = "pig"
	SpeciesPoultry Species = "poultry"
)

// AllSpecies lists every supported species.
var AllSpecies = []Species{SpeciesCattle, SpeciesBuffalo, SpeciesGoat, SpeciesSheep, SpeciesPig, SpeciesPoultry}

func (s Species) Valid() bool {
	for _, known := range AllSpecies {
		if s == known {
			return true
		}
	}
	return false
}

// TissueType is the animal product a withdrawal rule applies to
type TissueType string

const (
	TissueMeat  TissueType = "meat"
	TissueMilk  TissueType = "milk"
	TissueEggs  TissueType = "eggs"
	TissueHoney TissueType = "honey"
)

func (t TissueType) Valid() bool {
	switch t {
	case TissueMeat, TissueMilk, TissueEggs, TissueHoney:
		return true
	}
	return false
}

type HealthStatus string

const (
	HealthHealthy        HealthStatus = "healthy"
	HealthSick           HealthStatus = "sick"
	HealthUnderTreatment HealthStatus = "under_treatment"
	HealthQuarantine     HealthStatus = "quarantine"
	HealthDeceased       HealthStatus = "deceased"
)

type AdministrationRoute string

const (
	RouteOral      AdministrationRoute = "oral"
	RouteInjection AdministrationRoute = "injection"
	RouteTopical   AdministrationRoute = "topical"
	RouteFeed      AdministrationRoute = "feed"
	RouteWater     AdministrationRoute = "water"
)

type ProductionType string

const (
	ProductionMilk        ProductionType = "milk"
	ProductionMeat        ProductionType = "meat"
	ProductionEggs        ProductionType = "eggs"
	ProductionBreeding    ProductionType = "breeding"
	ProductionDualPurpose ProductionType = "dual_purpose"
)

// Role of the actor performing an operation
type Role string

const (
	RoleFarmer     Role = "farmer"
	RoleVeterinary Role = "veterinary"
	RoleGovernment Role = "government"
	RoleResearcher Role = "researcher"
)

// Actor is the already-authenticated identity behind an operation.
// ID is the actor's profile id (farmer id for farmers, veterinarian id for vets).
type Actor struct {
	ID     string `json:"id"`
	Role   Role   `json:"role"`
	Name   string `json:"name,omitempty"`
	Origin string `json:"origin,omitempty"`
}

// Farmer owns livestock
type Farmer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	District  string    `json:"district"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Livestock is a single tracked animal
type Livestock struct {
	ID             string         `json:"id"`
	RFIDTag        string         `json:"rfid_tag"`
	FarmerID       string         `json:"farmer_id"`
	Species        Species        `json:"species"`
	Breed          string         `json:"breed,omitempty"`
	Name           string         `json:"name,omitempty"`
	ProductionType ProductionType `json:"production_type,omitempty"`
	HealthStatus   HealthStatus   `json:"health_status"`
	IsActive       bool           `json:"is_active"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type PrescriptionStatus string

const (
	PrescriptionActive    PrescriptionStatus = "active"
	PrescriptionCompleted PrescriptionStatus = "completed"
	PrescriptionCancelled PrescriptionStatus = "cancelled"
)

func (s PrescriptionStatus) Valid() bool {
	switch s {
	case PrescriptionActive, PrescriptionCompleted, PrescriptionCancelled:
		return true
	}
	return false
}

// PrescribedDrug is one line of a prescription
type PrescribedDrug struct {
	DrugName string `json:"drug_name" validate:"required"`
	Dosage   string `json:"dosage,omitempty"`
}

// Prescription issued by a veterinarian for a livestock entity
type Prescription struct {
	ID                 string             `json:"id"`
	PrescriptionNumber string             `json:"prescription_number"`
	VeterinarianID     string             `json:"veterinarian_id"`
	FarmerID           string             `json:"farmer_id"`
	LivestockID        string             `json:"livestock_id"`
	PrescriptionDate   time.Time          `json:"prescription_date"`
	Diagnosis          string             `json:"diagnosis"`
	Drugs              []PrescribedDrug   `json:"drugs_prescribed"`
	Notes              string             `json:"notes,omitempty"`
	FollowUpDate       *time.Time         `json:"follow_up_date,omitempty"`
	Status             PrescriptionStatus `json:"status"`
	CreatedAt          time.Time          `json:"created_at"`
}

// WithdrawalPeriodRule is reference data keyed by (drug, species, tissue)
type WithdrawalPeriodRule struct {
	ID                   string     `json:"id"`
	DrugName             string     `json:"drug_name"`
	ActiveIngredient     string     `json:"active_ingredient,omitempty"`
	Species              Species    `json:"species"`
	TissueType           TissueType `json:"tissue_type"`
	WithdrawalPeriodDays int        `json:"withdrawal_period_days"`
	MRLValue             *float64   `json:"mrl_value,omitempty"`
	MRLUnit              string     `json:"mrl_unit,omitempty"`
	ReferenceSource      string     `json:"reference_source,omitempty"`
}

// AntimicrobialAdministration records one drug administration event
type AntimicrobialAdministration struct {
	ID                string              `json:"id"`
	LivestockID       string              `json:"livestock_id"`
	PrescriptionID    *string             `json:"prescription_id,omitempty"`
	DrugName          string              `json:"drug_name"`
	DrugCategory      string              `json:"drug_category,omitempty"`
	ActiveIngredient  string              `json:"active_ingredient,omitempty"`
	Dosage            float64             `json:"dosage"`
	DosageUnit        string              `json:"dosage_unit"`
	Route             AdministrationRoute `json:"administration_route,omitempty"`
	StartDate         time.Time           `json:"start_date"`
	EndDate           *time.Time          `json:"end_date,omitempty"`
	Frequency         string              `json:"frequency,omitempty"`
	DurationDays      int                 `json:"duration_days"`
	Reason            string              `json:"reason,omitempty"`
	TissueType        TissueType          `json:"tissue_type,omitempty"`
	PrescribedBy      *string             `json:"prescribed_by,omitempty"`
	RecordedBy        string              `json:"recorded_by"`
	IsVerified        bool                `json:"is_verified"`
	VerifiedAt        *time.Time          `json:"verified_at,omitempty"`
	WithdrawalEndDate *time.Time          `json:"withdrawal_end_date,omitempty"`
	WithdrawalDays    *int                `json:"withdrawal_days,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
}

// GenesisHash is the previous_hash of the first event in every chain.
const GenesisHash = "0"

// TraceabilityEvent is one immutable link in a livestock entity's hash chain
type TraceabilityEvent struct {
	ID            string     `json:"id"`
	LivestockID   string     `json:"livestock_id"`
	EventType     string     `json:"event_type"`
	EventData     Attributes `json:"event_data"`
	PerformedBy   string     `json:"performed_by"`
	Timestamp     time.Time  `json:"timestamp"`
	HashValue     string     `json:"hash_value"`
	PreviousHash  string     `json:"previous_hash"`
	OriginAddress string     `json:"origin_address,omitempty"`
}

type AlertType string

const (
	AlertExcessiveUse        AlertType = "excessive_use"
	AlertWithdrawalPeriod    AlertType = "withdrawal_period"
	AlertMRLBreach           AlertType = "mrl_breach"
	AlertHealthCritical      AlertType = "health_critical"
	AlertPrescriptionExpired AlertType = "prescription_expired"
	AlertConsultationRequest AlertType = "consultation_request"
)

type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

type AlertStatus string

const (
	AlertUnread       AlertStatus = "unread"
	AlertRead         AlertStatus = "read"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Open reports whether the alert still needs attention.
func (s AlertStatus) Open() bool {
	return s == AlertUnread || s == AlertRead
}

// Alert is a persisted compliance alert
type Alert struct {
	ID             string        `json:"id"`
	Type           AlertType     `json:"alert_type"`
	Severity       AlertSeverity `json:"severity"`
	LivestockID    *string       `json:"livestock_id,omitempty"`
	FarmerID       string        `json:"farmer_id"`
	VeterinarianID *string       `json:"veterinarian_id,omitempty"`
	Title          string        `json:"title"`
	Message        string        `json:"message"`
	Metadata       Attributes    `json:"metadata,omitempty"`
	Status         AlertStatus   `json:"status"`
	Fingerprint    string        `json:"fingerprint"`
	ReadAt         *time.Time    `json:"read_at,omitempty"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// AlertDraft is an alert decided on but not yet persisted
type AlertDraft struct {
	Type           AlertType
	Severity       AlertSeverity
	LivestockID    string
	FarmerID       string
	VeterinarianID string
	Title          string
	Message        string
	Metadata       Attributes
	// DedupeKey identifies the condition the draft reports; drafts with the
	// same key for the same farmer collapse while an earlier alert is open.
	DedupeKey string
}
