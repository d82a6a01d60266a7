// Package workflow groups the writes behind each user-facing operation so
// that a record, its alerts and its traceability event commit together.
package workflow

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"cattlesense/services/compliance-engine/internal/alerts"
	"cattlesense/services/compliance-engine/internal/apperr"
	"cattlesense/services/compliance-engine/internal/compliance"
	"cattlesense/services/compliance-engine/internal/database"
	"cattlesense/services/compliance-engine/internal/logging"
	"cattlesense/services/compliance-engine/internal/metrics"
	"cattlesense/services/compliance-engine/internal/reference"
	"cattlesense/services/compliance-engine/internal/traceability"
	"cattlesense/shared/models"
	"cattlesense/shared/utils"
)

type Service struct {
	store   database.Store
	trace   *traceability.Manager
	engine  *compliance.Engine
	refs    *reference.Store
	alerts  *alerts.Service
	clock   utils.Clock
	metrics *metrics.Collector
	logger  *zap.Logger
}

func NewService(
	store database.Store,
	trace *traceability.Manager,
	engine *compliance.Engine,
	refs *reference.Store,
	alertService *alerts.Service,
	clock utils.Clock,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Service {
	return &Service{
		store:   store,
		trace:   trace,
		engine:  engine,
		refs:    refs,
		alerts:  alertService,
		clock:   clock,
		metrics: collector,
		logger:  logger.Named("workflow"),
	}
}

// AdministrationResult is what RecordAdministration committed.
type AdministrationResult struct {
	Record *models.AntimicrobialAdministration
	Alerts []*models.Alert
	Event  *models.TraceabilityEvent
	Usage  compliance.UsageCheck
	// WithdrawalDeferred is set when reference data was unreachable and no
	// withdrawal window could be computed.
	WithdrawalDeferred bool
}

// RecordAdministration stores an antimicrobial administration together
// with the alerts it raises and its amu_recorded event. Nothing is stored
// unless all three commit.
func (s *Service) RecordAdministration(ctx context.Context, actor models.Actor, input AdministrationInput) (*AdministrationResult, error) {
	if actor.Role != models.RoleFarmer && actor.Role != models.RoleVeterinary {
		return nil, apperr.Forbidden("role %s cannot record antimicrobial use", actor.Role)
	}
	if err := check(input); err != nil {
		return nil, err
	}

	today := utils.DateOf(s.clock.Now())
	start, err := optionalDate(input.StartDate, &today)
	if err != nil {
		return nil, err
	}
	end, err := optionalDate(input.EndDate, nil)
	if err != nil {
		return nil, err
	}
	if end != nil && end.Before(*start) {
		return nil, apperr.Validation("end date %s is before start date %s", input.EndDate, utils.FormatDate(*start))
	}
	duration := 1
	if input.DurationDays != nil {
		duration = *input.DurationDays
	}

	livestock, err := s.store.GetLivestock(ctx, input.LivestockID)
	if err != nil {
		return nil, err
	}
	if actor.Role == models.RoleFarmer && livestock.FarmerID != actor.ID {
		return nil, apperr.Forbidden("unauthorized access to livestock %s", livestock.ID)
	}

	tissue := input.TissueType
	if tissue == "" {
		tissue = compliance.DefaultTissue(livestock)
	}
	window := s.engine.ComputeWithdrawalWindow(ctx, input.DrugName, livestock.Species, tissue, *start, duration)

	record := &models.AntimicrobialAdministration{
		ID:                utils.GenerateID(),
		LivestockID:       livestock.ID,
		PrescriptionID:    optionalString(input.PrescriptionID),
		DrugName:          input.DrugName,
		DrugCategory:      input.DrugCategory,
		ActiveIngredient:  input.ActiveIngredient,
		Dosage:            input.Dosage,
		DosageUnit:        input.DosageUnit,
		Route:             input.Route,
		StartDate:         *start,
		EndDate:           end,
		Frequency:         input.Frequency,
		DurationDays:      duration,
		Reason:            input.Reason,
		TissueType:        window.Tissue,
		PrescribedBy:      optionalString(input.PrescribedBy),
		RecordedBy:        actor.ID,
		WithdrawalEndDate: window.WithdrawalEnd,
		WithdrawalDays:    window.WithdrawalDays,
	}

	result := &AdministrationResult{Record: record, WithdrawalDeferred: window.Degraded}
	var created []*models.Alert
	err = s.trace.RunLocked(ctx, livestock.ID, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(tx database.Store) error {
			current, err := tx.GetLivestock(ctx, livestock.ID)
			if err != nil {
				return err
			}
			record.CreatedAt = s.clock.Now()
			if err := tx.CreateAdministration(ctx, record); err != nil {
				return apperr.Persistence(err, "insert administration")
			}

			eval, err := s.engine.EvaluateAdministration(ctx, tx, record, current, window)
			if err != nil {
				return err
			}
			persisted, err := s.alerts.Persist(ctx, tx, eval.Drafts)
			if err != nil {
				return err
			}

			payload := models.AMURecorded{
				AdministrationID: record.ID,
				DrugName:         record.DrugName,
				Dosage:           record.Dosage,
				DosageUnit:       record.DosageUnit,
				Route:            string(record.Route),
				StartDate:        utils.FormatDate(record.StartDate),
				DurationDays:     record.DurationDays,
			}
			if record.WithdrawalEndDate != nil {
				payload.WithdrawalEndDate = utils.FormatDate(*record.WithdrawalEndDate)
			}
			for _, alert := range persisted.Alerts {
				payload.AlertsRaised = append(payload.AlertsRaised, alert.ID)
			}

			event, err := s.trace.AppendOnce(ctx, tx, traceability.AppendRequest{
				LivestockID: livestock.ID,
				Payload:     payload,
				ActorID:     actor.ID,
				Origin:      actor.Origin,
			})
			if err != nil {
				return err
			}

			result.Usage = eval.Usage
			result.Alerts = persisted.Alerts
			created = persisted.Created
			result.Event = event
			return nil
		})
	})
	if err != nil {
		s.logger.Error("Failed to record administration",
			logging.Livestock(input.LivestockID),
			logging.Drug(input.DrugName),
			zap.Error(err))
		return nil, err
	}

	s.alerts.Dispatch(ctx, created)
	s.metrics.RecordAdministration(string(livestock.Species))
	s.logger.Info("Administration recorded",
		logging.Livestock(livestock.ID),
		logging.Drug(record.DrugName),
		zap.String("administration_id", record.ID),
		zap.Int("alerts", len(result.Alerts)),
		zap.Bool("withdrawal_deferred", window.Degraded))
	return result, nil
}

func (s *Service) RegisterFarmer(ctx context.Context, input FarmerInput) (*models.Farmer, error) {
	if err := check(input); err != nil {
		return nil, err
	}
	farmer := &models.Farmer{
		ID:        input.ID,
		Name:      input.Name,
		District:  input.District,
		State:     input.State,
		CreatedAt: s.clock.Now(),
	}
	if farmer.ID == "" {
		farmer.ID = utils.GenerateID()
	}
	if err := s.store.CreateFarmer(ctx, farmer); err != nil {
		return nil, apperr.Persistence(err, "insert farmer")
	}
	return farmer, nil
}

// RegisterLivestock creates the animal and the genesis event of its chain.
// Farmers register their own animals; a veterinarian names the farmer.
func (s *Service) RegisterLivestock(ctx context.Context, actor models.Actor, input LivestockInput) (*models.Livestock, *models.TraceabilityEvent, error) {
	switch actor.Role {
	case models.RoleFarmer:
		input.FarmerID = actor.ID
	case models.RoleVeterinary:
		if input.FarmerID == "" {
			return nil, nil, apperr.Validation("farmer id is required")
		}
	default:
		return nil, nil, apperr.Forbidden("role %s cannot register livestock", actor.Role)
	}
	if err := check(input); err != nil {
		return nil, nil, err
	}
	if _, err := s.store.GetFarmer(ctx, input.FarmerID); err != nil {
		return nil, nil, err
	}

	now := s.clock.Now()
	livestock := &models.Livestock{
		ID:             utils.GenerateID(),
		RFIDTag:        input.RFIDTag,
		FarmerID:       input.FarmerID,
		Species:        input.Species,
		Breed:          input.Breed,
		Name:           input.Name,
		ProductionType: input.ProductionType,
		HealthStatus:   models.HealthHealthy,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var event *models.TraceabilityEvent
	err := s.trace.RunLocked(ctx, livestock.ID, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(tx database.Store) error {
			if err := tx.CreateLivestock(ctx, livestock); err != nil {
				return apperr.Persistence(err, "insert livestock")
			}
			var err error
			event, err = s.trace.AppendOnce(ctx, tx, traceability.AppendRequest{
				LivestockID: livestock.ID,
				Payload: models.LivestockRegistered{
					RFIDTag:  livestock.RFIDTag,
					Species:  livestock.Species,
					FarmerID: livestock.FarmerID,
					Breed:    livestock.Breed,
					Name:     livestock.Name,
				},
				ActorID: actor.ID,
				Origin:  actor.Origin,
			})
			return err
		})
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("Livestock registered", logging.Livestock(livestock.ID), logging.Farmer(livestock.FarmerID))
	return livestock, event, nil
}

// UpdateLivestock applies the set fields and records what changed. A move
// to sick or quarantine raises a health_critical alert. An update that
// changes nothing writes nothing. Changes are computed against the row as
// read under the chain lock.
func (s *Service) UpdateLivestock(ctx context.Context, actor models.Actor, id string, update LivestockUpdate) (*models.Livestock, *models.TraceabilityEvent, error) {
	if err := check(update); err != nil {
		return nil, nil, err
	}

	livestock, err := s.store.GetLivestock(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	switch actor.Role {
	case models.RoleFarmer:
		if livestock.FarmerID != actor.ID {
			return nil, nil, apperr.Forbidden("unauthorized access to livestock %s", id)
		}
	case models.RoleVeterinary:
	default:
		return nil, nil, apperr.Forbidden("role %s cannot update livestock", actor.Role)
	}

	var (
		updated   *models.Livestock
		event     *models.TraceabilityEvent
		persisted alerts.PersistResult
	)
	err = s.trace.RunLocked(ctx, id, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(tx database.Store) error {
			current, err := tx.GetLivestock(ctx, id)
			if err != nil {
				return err
			}
			updated, event, persisted = current, nil, alerts.PersistResult{}

			changes, drafts := applyUpdate(current, update)
			if len(changes) == 0 {
				return nil
			}
			current.UpdatedAt = s.clock.Now()
			if err := tx.UpdateLivestock(ctx, current); err != nil {
				return apperr.Persistence(err, "update livestock %s", id)
			}
			if persisted, err = s.alerts.Persist(ctx, tx, drafts); err != nil {
				return err
			}
			event, err = s.trace.AppendOnce(ctx, tx, traceability.AppendRequest{
				LivestockID: id,
				Payload:     models.LivestockUpdated{Changes: changes},
				ActorID:     actor.ID,
				Origin:      actor.Origin,
			})
			return err
		})
	})
	if err != nil {
		return nil, nil, err
	}

	s.alerts.Dispatch(ctx, persisted.Created)
	return updated, event, nil
}

// applyUpdate sets the fields of update that differ from livestock and
// returns them, with a health alert draft when one is due.
func applyUpdate(livestock *models.Livestock, update LivestockUpdate) (models.Attributes, []models.AlertDraft) {
	changes := models.Attributes{}
	if update.Breed != nil && *update.Breed != livestock.Breed {
		livestock.Breed = *update.Breed
		changes["breed"] = livestock.Breed
	}
	if update.Name != nil && *update.Name != livestock.Name {
		livestock.Name = *update.Name
		changes["name"] = livestock.Name
	}
	if update.ProductionType != nil && *update.ProductionType != livestock.ProductionType {
		livestock.ProductionType = *update.ProductionType
		changes["production_type"] = string(livestock.ProductionType)
	}
	var drafts []models.AlertDraft
	if update.HealthStatus != nil && *update.HealthStatus != livestock.HealthStatus {
		livestock.HealthStatus = *update.HealthStatus
		changes["health_status"] = string(livestock.HealthStatus)
		if livestock.HealthStatus == models.HealthSick || livestock.HealthStatus == models.HealthQuarantine {
			drafts = append(drafts, healthDraft(livestock))
		}
	}
	return changes, drafts
}

// CreatePrescription issues a veterinarian's prescription, appends
// prescription_created and notifies the farmer.
func (s *Service) CreatePrescription(ctx context.Context, actor models.Actor, input PrescriptionInput) (*models.Prescription, error) {
	if actor.Role != models.RoleVeterinary {
		return nil, apperr.Forbidden("only veterinarians can create prescriptions")
	}
	if err := check(input); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	today := utils.DateOf(now)
	date, err := optionalDate(input.PrescriptionDate, &today)
	if err != nil {
		return nil, err
	}
	followUp, err := optionalDate(input.FollowUpDate, nil)
	if err != nil {
		return nil, err
	}

	livestock, err := s.store.GetLivestock(ctx, input.LivestockID)
	if err != nil {
		return nil, err
	}

	prescription := &models.Prescription{
		ID:                 utils.GenerateID(),
		PrescriptionNumber: prescriptionNumber(now),
		VeterinarianID:     actor.ID,
		FarmerID:           livestock.FarmerID,
		LivestockID:        livestock.ID,
		PrescriptionDate:   *date,
		Diagnosis:          input.Diagnosis,
		Drugs:              input.Drugs,
		Notes:              input.Notes,
		FollowUpDate:       followUp,
		Status:             models.PrescriptionActive,
		CreatedAt:          now,
	}

	prescriber := actor.Name
	if prescriber == "" {
		prescriber = actor.ID
	}
	draft := models.AlertDraft{
		Type:           models.AlertPrescriptionExpired,
		Severity:       models.SeverityLow,
		LivestockID:    livestock.ID,
		FarmerID:       livestock.FarmerID,
		VeterinarianID: actor.ID,
		Title:          "New Prescription Created",
		Message:        fmt.Sprintf("Prescription %s created by Dr. %s", prescription.PrescriptionNumber, prescriber),
		Metadata:       models.Attributes{"prescription_id": prescription.ID},
		DedupeKey:      utils.BuildKey("prescription", prescription.ID),
	}

	var persisted alerts.PersistResult
	err = s.trace.RunLocked(ctx, livestock.ID, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(tx database.Store) error {
			if _, err := tx.GetLivestock(ctx, livestock.ID); err != nil {
				return err
			}
			if err := tx.CreatePrescription(ctx, prescription); err != nil {
				return apperr.Persistence(err, "insert prescription")
			}
			_, err := s.trace.AppendOnce(ctx, tx, traceability.AppendRequest{
				LivestockID: livestock.ID,
				Payload: models.PrescriptionCreated{
					PrescriptionNumber: prescription.PrescriptionNumber,
					Diagnosis:          prescription.Diagnosis,
					VeterinarianID:     actor.ID,
				},
				ActorID: actor.ID,
				Origin:  actor.Origin,
			})
			if err != nil {
				return err
			}
			persisted, err = s.alerts.Persist(ctx, tx, []models.AlertDraft{draft})
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	s.alerts.Dispatch(ctx, persisted.Created)
	s.logger.Info("Prescription created",
		logging.Livestock(livestock.ID),
		zap.String("prescription_number", prescription.PrescriptionNumber))
	return prescription, nil
}

// VerifyAdministration marks a record verified by the veterinarian who
// prescribed it and appends amu_verified. Verifying twice changes nothing.
func (s *Service) VerifyAdministration(ctx context.Context, actor models.Actor, administrationID string) (*models.AntimicrobialAdministration, error) {
	if actor.Role != models.RoleVeterinary {
		return nil, apperr.Forbidden("only veterinarians can verify records")
	}

	record, err := s.store.GetAdministration(ctx, administrationID)
	if err != nil {
		return nil, err
	}
	if record.PrescribedBy == nil || *record.PrescribedBy != actor.ID {
		return nil, apperr.Forbidden("only the prescribing veterinarian can verify this record")
	}
	if record.IsVerified {
		return record, nil
	}

	var verified *models.AntimicrobialAdministration
	err = s.trace.RunLocked(ctx, record.LivestockID, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(tx database.Store) error {
			current, err := tx.GetAdministration(ctx, record.ID)
			if err != nil {
				return err
			}
			verified = current
			if current.IsVerified {
				return nil
			}

			verifiedAt := s.clock.Now()
			if err := tx.MarkAdministrationVerified(ctx, current.ID, verifiedAt); err != nil {
				return apperr.Persistence(err, "verify administration %s", current.ID)
			}
			_, err = s.trace.AppendOnce(ctx, tx, traceability.AppendRequest{
				LivestockID: current.LivestockID,
				Payload: models.AdministrationVerified{
					AdministrationID: current.ID,
					VeterinarianID:   actor.ID,
					VerifiedAt:       verifiedAt.UTC().Format(time.RFC3339Nano),
				},
				ActorID: actor.ID,
				Origin:  actor.Origin,
			})
			if err != nil {
				return err
			}
			current.IsVerified = true
			current.VerifiedAt = &verifiedAt
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return verified, nil
}

// UpdatePrescriptionStatus moves an active prescription to completed or
// cancelled and appends prescription_status_changed. Only the issuing
// veterinarian may do so. Setting the current status again changes nothing.
func (s *Service) UpdatePrescriptionStatus(ctx context.Context, actor models.Actor, prescriptionID string, status models.PrescriptionStatus) (*models.Prescription, *models.TraceabilityEvent, error) {
	if actor.Role != models.RoleVeterinary {
		return nil, nil, apperr.Forbidden("only veterinarians can update prescriptions")
	}
	if !status.Valid() {
		return nil, nil, apperr.Validation("invalid prescription status: %s", status)
	}

	prescription, err := s.store.GetPrescription(ctx, prescriptionID)
	if err != nil {
		return nil, nil, err
	}
	if prescription.VeterinarianID != actor.ID {
		return nil, nil, apperr.Forbidden("only the issuing veterinarian can update prescription %s", prescription.PrescriptionNumber)
	}

	var (
		updated *models.Prescription
		event   *models.TraceabilityEvent
	)
	err = s.trace.RunLocked(ctx, prescription.LivestockID, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(tx database.Store) error {
			current, err := tx.GetPrescription(ctx, prescriptionID)
			if err != nil {
				return err
			}
			updated, event = current, nil
			if current.Status == status {
				return nil
			}
			if current.Status != models.PrescriptionActive {
				return apperr.Validation("prescription %s is already %s", current.PrescriptionNumber, current.Status)
			}

			if err := tx.UpdatePrescriptionStatus(ctx, current.ID, status); err != nil {
				return apperr.Persistence(err, "update prescription %s", current.ID)
			}
			event, err = s.trace.AppendOnce(ctx, tx, traceability.AppendRequest{
				LivestockID: current.LivestockID,
				Payload: models.PrescriptionStatusChanged{
					PrescriptionID:     current.ID,
					PrescriptionNumber: current.PrescriptionNumber,
					FromStatus:         string(current.Status),
					ToStatus:           string(status),
				},
				ActorID: actor.ID,
				Origin:  actor.Origin,
			})
			if err != nil {
				return err
			}
			current.Status = status
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}

	if event != nil {
		s.logger.Info("Prescription status changed",
			logging.Livestock(updated.LivestockID),
			zap.String("prescription_number", updated.PrescriptionNumber),
			zap.String("status", string(status)))
	}
	return updated, event, nil
}

// ResidueResult is the outcome of a residue test.
type ResidueResult struct {
	Event  *models.TraceabilityEvent
	Rule   *models.WithdrawalPeriodRule
	Breach bool
	Alert  *models.Alert
}

// RecordResidueTest appends residue_tested and raises an mrl_breach alert
// when the measurement exceeds the rule's limit. Without a matching rule
// the result is recorded with no verdict.
func (s *Service) RecordResidueTest(ctx context.Context, actor models.Actor, input ResidueTestInput) (*ResidueResult, error) {
	if err := check(input); err != nil {
		return nil, err
	}

	livestock, err := s.store.GetLivestock(ctx, input.LivestockID)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case models.RoleFarmer:
		if livestock.FarmerID != actor.ID {
			return nil, apperr.Forbidden("unauthorized access to livestock %s", livestock.ID)
		}
	case models.RoleVeterinary, models.RoleGovernment:
	default:
		return nil, apperr.Forbidden("role %s cannot record residue tests", actor.Role)
	}

	result := &ResidueResult{}
	var drafts []models.AlertDraft
	rule, err := s.refs.Lookup(ctx, input.DrugName, livestock.Species, input.TissueType)
	switch {
	case err == nil:
		result.Rule = &rule
		if draft, breach := s.engine.CheckMRL(rule, livestock, input.MeasuredValue); breach {
			result.Breach = true
			drafts = append(drafts, draft)
		}
	case apperr.Is(err, apperr.KindNotFound):
	default:
		return nil, err
	}

	payload := models.ResidueTested{
		DrugName:      input.DrugName,
		TissueType:    string(input.TissueType),
		MeasuredValue: input.MeasuredValue,
		Breach:        result.Breach,
	}
	if result.Rule != nil {
		payload.MRLValue = result.Rule.MRLValue
	}

	var persisted alerts.PersistResult
	err = s.trace.RunLocked(ctx, livestock.ID, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(tx database.Store) error {
			if _, err := tx.GetLivestock(ctx, livestock.ID); err != nil {
				return err
			}
			var err error
			if persisted, err = s.alerts.Persist(ctx, tx, drafts); err != nil {
				return err
			}
			result.Event, err = s.trace.AppendOnce(ctx, tx, traceability.AppendRequest{
				LivestockID: livestock.ID,
				Payload:     payload,
				ActorID:     actor.ID,
				Origin:      actor.Origin,
			})
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	if len(persisted.Alerts) > 0 {
		result.Alert = persisted.Alerts[0]
	}
	s.alerts.Dispatch(ctx, persisted.Created)
	if result.Breach {
		s.logger.Warn("Residue above MRL",
			logging.Livestock(livestock.ID),
			logging.Drug(input.DrugName),
			zap.Float64("measured", input.MeasuredValue))
	}
	return result, nil
}

// RequestConsultation alerts a veterinarian that a farmer wants a visit.
func (s *Service) RequestConsultation(ctx context.Context, actor models.Actor, input ConsultationInput) (*models.Alert, error) {
	if actor.Role != models.RoleFarmer {
		return nil, apperr.Forbidden("only farmers can request consultations")
	}
	if err := check(input); err != nil {
		return nil, err
	}
	if input.LivestockID != "" {
		livestock, err := s.store.GetLivestock(ctx, input.LivestockID)
		if err != nil {
			return nil, err
		}
		if livestock.FarmerID != actor.ID {
			return nil, apperr.Forbidden("unauthorized access to livestock %s", livestock.ID)
		}
	}

	name := actor.Name
	if name == "" {
		name = actor.ID
	}
	draft := models.AlertDraft{
		Type:           models.AlertConsultationRequest,
		Severity:       models.SeverityMedium,
		LivestockID:    input.LivestockID,
		FarmerID:       actor.ID,
		VeterinarianID: input.VeterinarianID,
		Title:          "New Consultation Request",
		Message:        fmt.Sprintf("Farmer %s has requested a consultation", name),
		Metadata:       models.Attributes{"reason": input.Reason},
	}

	result, err := s.alerts.Raise(ctx, []models.AlertDraft{draft})
	if err != nil {
		return nil, err
	}
	return result.Alerts[0], nil
}

// DeletionReport counts what DeleteFarmer removed.
type DeletionReport struct {
	FarmerID        string `json:"farmer_id"`
	Alerts          int64  `json:"alerts"`
	Administrations int64  `json:"administrations"`
	Prescriptions   int64  `json:"prescriptions"`
	Events          int64  `json:"events"`
	Livestock       int64  `json:"livestock"`
}

// DeleteFarmer removes a farmer and everything that hangs off them in one
// transaction, children first.
func (s *Service) DeleteFarmer(ctx context.Context, actor models.Actor, farmerID string) (*DeletionReport, error) {
	switch actor.Role {
	case models.RoleFarmer:
		if actor.ID != farmerID {
			return nil, apperr.Forbidden("farmers can only delete their own account")
		}
	case models.RoleGovernment:
	default:
		return nil, apperr.Forbidden("role %s cannot delete farmers", actor.Role)
	}
	if _, err := s.store.GetFarmer(ctx, farmerID); err != nil {
		return nil, err
	}

	report := &DeletionReport{FarmerID: farmerID}
	err := s.store.WithTx(ctx, func(tx database.Store) error {
		*report = DeletionReport{FarmerID: farmerID}
		var err error
		if report.Alerts, err = tx.DeleteAlertsByFarmer(ctx, farmerID); err != nil {
			return apperr.Persistence(err, "delete alerts of farmer %s", farmerID)
		}

		herd, err := tx.ListLivestockByFarmer(ctx, farmerID)
		if err != nil {
			return apperr.Persistence(err, "list livestock of farmer %s", farmerID)
		}
		for _, livestock := range herd {
			n, err := tx.DeleteAdministrationsByLivestock(ctx, livestock.ID)
			if err != nil {
				return apperr.Persistence(err, "delete administrations of livestock %s", livestock.ID)
			}
			report.Administrations += n

			if n, err = tx.DeletePrescriptionsByLivestock(ctx, livestock.ID); err != nil {
				return apperr.Persistence(err, "delete prescriptions of livestock %s", livestock.ID)
			}
			report.Prescriptions += n

			if n, err = tx.DeleteEventsByLivestock(ctx, livestock.ID); err != nil {
				return apperr.Persistence(err, "delete events of livestock %s", livestock.ID)
			}
			report.Events += n

			if n, err = tx.DeleteLivestock(ctx, livestock.ID); err != nil {
				return apperr.Persistence(err, "delete livestock %s", livestock.ID)
			}
			report.Livestock += n
		}

		if _, err := tx.DeleteFarmer(ctx, farmerID); err != nil {
			return apperr.Persistence(err, "delete farmer %s", farmerID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Farmer deleted",
		logging.Farmer(farmerID),
		zap.Int64("livestock", report.Livestock),
		zap.Int64("events", report.Events))
	return report, nil
}

func (s *Service) Trace(ctx context.Context, livestockID string, order traceability.Order) ([]*models.TraceabilityEvent, error) {
	if _, err := s.store.GetLivestock(ctx, livestockID); err != nil {
		return nil, err
	}
	return s.trace.Trace(ctx, livestockID, order)
}

func (s *Service) Verify(ctx context.Context, livestockID string) (traceability.Report, error) {
	if _, err := s.store.GetLivestock(ctx, livestockID); err != nil {
		return traceability.Report{}, err
	}
	return s.trace.VerifyReport(ctx, livestockID)
}

func healthDraft(livestock *models.Livestock) models.AlertDraft {
	return models.AlertDraft{
		Type:        models.AlertHealthCritical,
		Severity:    models.SeverityHigh,
		LivestockID: livestock.ID,
		FarmerID:    livestock.FarmerID,
		Title:       fmt.Sprintf("Livestock %s is %s", livestock.RFIDTag, livestock.HealthStatus),
		Message:     fmt.Sprintf("Livestock %s was marked %s. Keep it apart from the herd and consult a veterinarian.", livestock.RFIDTag, livestock.HealthStatus),
		Metadata:    models.Attributes{"health_status": string(livestock.HealthStatus)},
		DedupeKey:   utils.BuildKey(string(models.AlertHealthCritical), livestock.ID, string(livestock.HealthStatus)),
	}
}

// prescriptionNumber is RX, the UTC date and six random digits.
func prescriptionNumber(now time.Time) string {
	return fmt.Sprintf("RX%s%06d", now.UTC().Format("20060102"), rand.Intn(1000000))
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
