package database

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"cattlesense/shared/models"
)

type farmerRow struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	Name      string `gorm:"not null"`
	District  string
	State     string
	CreatedAt time.Time `gorm:"not null"`
}

func (farmerRow) TableName() string { return "farmers" }

type livestockRow struct {
	ID             string `gorm:"primaryKey;type:varchar(36)"`
	RFIDTag        string `gorm:"column:rfid_tag;uniqueIndex;not null"`
	FarmerID       string `gorm:"index;not null"`
	Species        string `gorm:"not null"`
	Breed          string
	Name           string
	ProductionType string
	HealthStatus   string `gorm:"not null"`
	IsActive       bool   `gorm:"not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Farmer *farmerRow `gorm:"foreignKey:FarmerID;references:ID;constraint:OnDelete:RESTRICT"`
}

func (livestockRow) TableName() string { return "livestock" }

type prescriptionRow struct {
	ID                 string         `gorm:"primaryKey;type:varchar(36)"`
	PrescriptionNumber string         `gorm:"uniqueIndex;not null"`
	VeterinarianID     string         `gorm:"index;not null"`
	FarmerID           string         `gorm:"index;not null"`
	LivestockID        string         `gorm:"index;not null"`
	PrescriptionDate   time.Time      `gorm:"type:date;not null"`
	Diagnosis          string         `gorm:"not null"`
	DrugsPrescribed    datatypes.JSON `gorm:"type:jsonb"`
	Notes              string
	FollowUpDate       *time.Time `gorm:"type:date"`
	Status             string     `gorm:"not null"`
	CreatedAt          time.Time

	Livestock *livestockRow `gorm:"foreignKey:LivestockID;references:ID;constraint:OnDelete:RESTRICT"`
}

func (prescriptionRow) TableName() string { return "prescriptions" }

type administrationRow struct {
	ID                  string  `gorm:"primaryKey;type:varchar(36)"`
	LivestockID         string  `gorm:"index:idx_amu_livestock_drug,priority:1;not null"`
	PrescriptionID      *string `gorm:"type:varchar(36)"`
	DrugName            string  `gorm:"index:idx_amu_livestock_drug,priority:2;not null"`
	DrugCategory        string
	ActiveIngredient    string
	Dosage              float64 `gorm:"not null"`
	DosageUnit          string  `gorm:"not null"`
	AdministrationRoute string
	StartDate           time.Time  `gorm:"type:date;not null"`
	EndDate             *time.Time `gorm:"type:date"`
	Frequency           string
	DurationDays        int `gorm:"not null"`
	Reason              string
	TissueType          string
	PrescribedBy        *string `gorm:"type:varchar(36)"`
	RecordedBy          string  `gorm:"not null"`
	IsVerified          bool
	VerifiedAt          *time.Time
	WithdrawalEndDate   *time.Time `gorm:"type:date;index"`
	WithdrawalDays      *int
	CreatedAt           time.Time `gorm:"index:idx_amu_livestock_drug,priority:3"`

	Livestock *livestockRow `gorm:"foreignKey:LivestockID;references:ID;constraint:OnDelete:RESTRICT"`
}

func (administrationRow) TableName() string { return "amu_records" }

// eventRow enforces chain linearity: one successor per previous hash.
// Child rows reference their livestock with RESTRICT so a write racing a
// farmer deletion fails instead of leaving orphans.
type eventRow struct {
	ID            string            `gorm:"primaryKey;type:varchar(36)"`
	LivestockID   string            `gorm:"uniqueIndex:idx_trace_chain_link,priority:1;index:idx_trace_livestock_time,priority:1;not null"`
	EventType     string            `gorm:"not null"`
	EventData     datatypes.JSONMap `gorm:"type:jsonb"`
	PerformedBy   string
	Timestamp     time.Time `gorm:"index:idx_trace_livestock_time,priority:2;not null"`
	HashValue     string    `gorm:"type:varchar(64);not null"`
	PreviousHash  string    `gorm:"uniqueIndex:idx_trace_chain_link,priority:2;type:varchar(64);not null"`
	OriginAddress string

	Livestock *livestockRow `gorm:"foreignKey:LivestockID;references:ID;constraint:OnDelete:RESTRICT"`
}

func (eventRow) TableName() string { return "traceability_events" }

type alertRow struct {
	ID             string            `gorm:"primaryKey;type:varchar(36)"`
	AlertType      string            `gorm:"index;not null"`
	Severity       string            `gorm:"not null"`
	LivestockID    *string           `gorm:"index"`
	FarmerID       string            `gorm:"index;not null"`
	VeterinarianID *string           `gorm:"index"`
	Title          string            `gorm:"not null"`
	Message        string            `gorm:"not null"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	Status         string            `gorm:"index;not null"`
	Fingerprint    string            `gorm:"index;type:varchar(64)"`
	ReadAt         *time.Time
	AcknowledgedAt *time.Time
	ResolvedAt     *time.Time
	CreatedAt      time.Time
}

func (alertRow) TableName() string { return "alerts" }

type withdrawalRuleRow struct {
	ID                   string `gorm:"primaryKey;type:varchar(36)"`
	DrugName             string `gorm:"index:idx_withdrawal_lookup,priority:1;not null"`
	ActiveIngredient     string
	Species              string `gorm:"index:idx_withdrawal_lookup,priority:2;not null"`
	TissueType           string `gorm:"index:idx_withdrawal_lookup,priority:3;not null"`
	WithdrawalPeriodDays int    `gorm:"not null"`
	MRLValue             *float64
	MRLUnit              string
	ReferenceSource      string
}

func (withdrawalRuleRow) TableName() string { return "withdrawal_periods" }

func allRows() []any {
	return []any{
		&farmerRow{},
		&livestockRow{},
		&prescriptionRow{},
		&administrationRow{},
		&eventRow{},
		&alertRow{},
		&withdrawalRuleRow{},
	}
}

func farmerToRow(f *models.Farmer) *farmerRow {
	return &farmerRow{ID: f.ID, Name: f.Name, District: f.District, State: f.State, CreatedAt: f.CreatedAt}
}

func (r *farmerRow) toModel() *models.Farmer {
	return &models.Farmer{ID: r.ID, Name: r.Name, District: r.District, State: r.State, CreatedAt: r.CreatedAt}
}

func livestockToRow(l *models.Livestock) *livestockRow {
	return &livestockRow{
		ID:             l.ID,
		RFIDTag:        l.RFIDTag,
		FarmerID:       l.FarmerID,
		Species:        string(l.Species),
		Breed:          l.Breed,
		Name:           l.Name,
		ProductionType: string(l.ProductionType),
		HealthStatus:   string(l.HealthStatus),
		IsActive:       l.IsActive,
		CreatedAt:      l.CreatedAt,
		UpdatedAt:      l.UpdatedAt,
	}
}

func (r *livestockRow) toModel() *models.Livestock {
	return &models.Livestock{
		ID:             r.ID,
		RFIDTag:        r.RFIDTag,
		FarmerID:       r.FarmerID,
		Species:        models.Species(r.Species),
		Breed:          r.Breed,
		Name:           r.Name,
		ProductionType: models.ProductionType(r.ProductionType),
		HealthStatus:   models.HealthStatus(r.HealthStatus),
		IsActive:       r.IsActive,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func prescriptionToRow(p *models.Prescription) (*prescriptionRow, error) {
	drugs, err := json.Marshal(p.Drugs)
	if err != nil {
		return nil, err
	}
	return &prescriptionRow{
		ID:                 p.ID,
		PrescriptionNumber: p.PrescriptionNumber,
		VeterinarianID:     p.VeterinarianID,
		FarmerID:           p.FarmerID,
		LivestockID:        p.LivestockID,
		PrescriptionDate:   p.PrescriptionDate,
		Diagnosis:          p.Diagnosis,
		DrugsPrescribed:    datatypes.JSON(drugs),
		Notes:              p.Notes,
		FollowUpDate:       p.FollowUpDate,
		Status:             string(p.Status),
		CreatedAt:          p.CreatedAt,
	}, nil
}

func (r *prescriptionRow) toModel() (*models.Prescription, error) {
	var drugs []models.PrescribedDrug
	if len(r.DrugsPrescribed) > 0 {
		if err := json.Unmarshal(r.DrugsPrescribed, &drugs); err != nil {
			return nil, err
		}
	}
	return &models.Prescription{
		ID:                 r.ID,
		PrescriptionNumber: r.PrescriptionNumber,
		VeterinarianID:     r.VeterinarianID,
		FarmerID:           r.FarmerID,
		LivestockID:        r.LivestockID,
		PrescriptionDate:   r.PrescriptionDate,
		Diagnosis:          r.Diagnosis,
		Drugs:              drugs,
		Notes:              r.Notes,
		FollowUpDate:       r.FollowUpDate,
		Status:             models.PrescriptionStatus(r.Status),
		CreatedAt:          r.CreatedAt,
	}, nil
}

func administrationToRow(a *models.AntimicrobialAdministration) *administrationRow {
	return &administrationRow{
		ID:                  a.ID,
		LivestockID:         a.LivestockID,
		PrescriptionID:      a.PrescriptionID,
		DrugName:            a.DrugName,
		DrugCategory:        a.DrugCategory,
		ActiveIngredient:    a.ActiveIngredient,
		Dosage:              a.Dosage,
		DosageUnit:          a.DosageUnit,
		AdministrationRoute: string(a.Route),
		StartDate:           a.StartDate,
		EndDate:             a.EndDate,
		Frequency:           a.Frequency,
		DurationDays:        a.DurationDays,
		Reason:              a.Reason,
		TissueType:          string(a.TissueType),
		PrescribedBy:        a.PrescribedBy,
		RecordedBy:          a.RecordedBy,
		IsVerified:          a.IsVerified,
		VerifiedAt:          a.VerifiedAt,
		WithdrawalEndDate:   a.WithdrawalEndDate,
		WithdrawalDays:      a.WithdrawalDays,
		CreatedAt:           a.CreatedAt,
	}
}

func (r *administrationRow) toModel() *models.AntimicrobialAdministration {
	return &models.AntimicrobialAdministration{
		ID:                r.ID,
		LivestockID:       r.LivestockID,
		PrescriptionID:    r.PrescriptionID,
		DrugName:          r.DrugName,
		DrugCategory:      r.DrugCategory,
		ActiveIngredient:  r.ActiveIngredient,
		Dosage:            r.Dosage,
		DosageUnit:        r.DosageUnit,
		Route:             models.AdministrationRoute(r.AdministrationRoute),
		StartDate:         r.StartDate,
		EndDate:           r.EndDate,
		Frequency:         r.Frequency,
		DurationDays:      r.DurationDays,
		Reason:            r.Reason,
		TissueType:        models.TissueType(r.TissueType),
		PrescribedBy:      r.PrescribedBy,
		RecordedBy:        r.RecordedBy,
		IsVerified:        r.IsVerified,
		VerifiedAt:        r.VerifiedAt,
		WithdrawalEndDate: r.WithdrawalEndDate,
		WithdrawalDays:    r.WithdrawalDays,
		CreatedAt:         r.CreatedAt,
	}
}

func eventToRow(e *models.TraceabilityEvent) *eventRow {
	return &eventRow{
		ID:            e.ID,
		LivestockID:   e.LivestockID,
		EventType:     e.EventType,
		EventData:     datatypes.JSONMap(e.EventData),
		PerformedBy:   e.PerformedBy,
		Timestamp:     e.Timestamp,
		HashValue:     e.HashValue,
		PreviousHash:  e.PreviousHash,
		OriginAddress: e.OriginAddress,
	}
}

func (r *eventRow) toModel() *models.TraceabilityEvent {
	return &models.TraceabilityEvent{
		ID:            r.ID,
		LivestockID:   r.LivestockID,
		EventType:     r.EventType,
		EventData:     models.Attributes(r.EventData),
		PerformedBy:   r.PerformedBy,
		Timestamp:     r.Timestamp.UTC(),
		HashValue:     r.HashValue,
		PreviousHash:  r.PreviousHash,
		OriginAddress: r.OriginAddress,
	}
}

func alertToRow(a *models.Alert) *alertRow {
	return &alertRow{
		ID:             a.ID,
		AlertType:      string(a.Type),
		Severity:       string(a.Severity),
		LivestockID:    a.LivestockID,
		FarmerID:       a.FarmerID,
		VeterinarianID: a.VeterinarianID,
		Title:          a.Title,
		Message:        a.Message,
		Metadata:       datatypes.JSONMap(a.Metadata),
		Status:         string(a.Status),
		Fingerprint:    a.Fingerprint,
		ReadAt:         a.ReadAt,
		AcknowledgedAt: a.AcknowledgedAt,
		ResolvedAt:     a.ResolvedAt,
		CreatedAt:      a.CreatedAt,
	}
}

func (r *alertRow) toModel() *models.Alert {
	return &models.Alert{
		ID:             r.ID,
		Type:           models.AlertType(r.AlertType),
		Severity:       models.AlertSeverity(r.Severity),
		LivestockID:    r.LivestockID,
		FarmerID:       r.FarmerID,
		VeterinarianID: r.VeterinarianID,
		Title:          r.Title,
		Message:        r.Message,
		Metadata:       models.Attributes(r.Metadata),
		Status:         models.AlertStatus(r.Status),
		Fingerprint:    r.Fingerprint,
		ReadAt:         r.ReadAt,
		AcknowledgedAt: r.AcknowledgedAt,
		ResolvedAt:     r.ResolvedAt,
		CreatedAt:      r.CreatedAt,
	}
}

func ruleToRow(r *models.WithdrawalPeriodRule) *withdrawalRuleRow {
	return &withdrawalRuleRow{
		ID:                   r.ID,
		DrugName:             r.DrugName,
		ActiveIngredient:     r.ActiveIngredient,
		Species:              string(r.Species),
		TissueType:           string(r.TissueType),
		WithdrawalPeriodDays: r.WithdrawalPeriodDays,
		MRLValue:             r.MRLValue,
		MRLUnit:              r.MRLUnit,
		ReferenceSource:      r.ReferenceSource,
	}
}

func (r *withdrawalRuleRow) toModel() *models.WithdrawalPeriodRule {
	return &models.WithdrawalPeriodRule{
		ID:                   r.ID,
		DrugName:             r.DrugName,
		ActiveIngredient:     r.ActiveIngredient,
		Species:              models.Species(r.Species),
		TissueType:           models.TissueType(r.TissueType),
		WithdrawalPeriodDays: r.WithdrawalPeriodDays,
		MRLValue:             r.MRLValue,
		MRLUnit:              r.MRLUnit,
		ReferenceSource:      r.ReferenceSource,
	}
}
