package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"cattlesense/services/compliance-engine/internal/apperr"
	"cattlesense/shared/models"
	"cattlesense/shared/utils"
)

var validate = validator.New()

type FarmerInput struct {
	ID       string `json:"id"`
	Name     string `json:"name" validate:"required"`
	District string `json:"district"`
	State    string `json:"state"`
}

type LivestockInput struct {
	RFIDTag        string                `json:"rfid_tag" validate:"required"`
	FarmerID       string                `json:"farmer_id"`
	Species        models.Species        `json:"species" validate:"required,oneof=cattle buffalo goat sheep pig poultry"`
	Breed          string                `json:"breed"`
	Name           string                `json:"name"`
	ProductionType models.ProductionType `json:"production_type" validate:"omitempty,oneof=milk meat eggs breeding dual_purpose"`
}

// LivestockUpdate changes only the fields that are set.
type LivestockUpdate struct {
	Breed          *string                `json:"breed"`
	Name           *string                `json:"name"`
	ProductionType *models.ProductionType `json:"production_type" validate:"omitempty,oneof=milk meat eggs breeding dual_purpose"`
	HealthStatus   *models.HealthStatus   `json:"health_status" validate:"omitempty,oneof=healthy sick under_treatment quarantine deceased"`
}

// AdministrationInput mirrors an AMU record submission. Dates are
// YYYY-MM-DD; StartDate defaults to today and DurationDays to 1.
type AdministrationInput struct {
	LivestockID      string                     `json:"livestock_id" validate:"required"`
	PrescriptionID   string                     `json:"prescription_id"`
	DrugName         string                     `json:"drug_name" validate:"required"`
	DrugCategory     string                     `json:"drug_category"`
	ActiveIngredient string                     `json:"active_ingredient"`
	Dosage           float64                    `json:"dosage" validate:"gt=0"`
	DosageUnit       string                     `json:"unit" validate:"required"`
	Route            models.AdministrationRoute `json:"administration_route" validate:"omitempty,oneof=oral injection topical feed water"`
	StartDate        string                     `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate          string                     `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
	Frequency        string                     `json:"frequency"`
	DurationDays     *int                       `json:"duration_days" validate:"omitempty,gte=0,lte=365"`
	Reason           string                     `json:"reason"`
	TissueType       models.TissueType          `json:"tissue_type" validate:"omitempty,oneof=meat milk eggs honey"`
	PrescribedBy     string                     `json:"prescribed_by"`
}

type PrescriptionInput struct {
	LivestockID      string                  `json:"livestock_id" validate:"required"`
	PrescriptionDate string                  `json:"prescription_date" validate:"omitempty,datetime=2006-01-02"`
	Diagnosis        string                  `json:"diagnosis" validate:"required"`
	Drugs            []models.PrescribedDrug `json:"drugs_prescribed" validate:"required,min=1,dive"`
	Notes            string                  `json:"notes"`
	FollowUpDate     string                  `json:"follow_up_date" validate:"omitempty,datetime=2006-01-02"`
}

type ResidueTestInput struct {
	LivestockID   string            `json:"livestock_id" validate:"required"`
	DrugName      string            `json:"drug_name" validate:"required"`
	TissueType    models.TissueType `json:"tissue_type" validate:"required,oneof=meat milk eggs honey"`
	MeasuredValue float64           `json:"measured_value" validate:"gte=0"`
}

type ConsultationInput struct {
	LivestockID    string `json:"livestock_id"`
	VeterinarianID string `json:"veterinarian_id" validate:"required"`
	Reason         string `json:"reason"`
}

// check runs struct validation and reports every failed field.
func check(input interface{}) error {
	err := validate.Struct(input)
	if err == nil {
		return nil
	}

	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return apperr.Validation("invalid input: %v", err)
	}
	problems := make([]string, 0, len(errs))
	for _, fe := range errs {
		problems = append(problems, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return apperr.Validation("invalid input: %s", strings.Join(problems, "; "))
}

// optionalDate parses a YYYY-MM-DD value, returning fallback when empty.
func optionalDate(value string, fallback *time.Time) (*time.Time, error) {
	if value == "" {
		return fallback, nil
	}
	t, err := utils.ParseDate(value)
	if err != nil {
		return nil, apperr.Validation("invalid date %q", value)
	}
	return &t, nil
}
