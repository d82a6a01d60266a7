// Package alerts persists compliance alerts, drives their status lifecycle
// and fans committed alerts out to downstream consumers.
package alerts

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cattlesense/services/compliance-engine/internal/apperr"
	"cattlesense/services/compliance-engine/internal/database"
	"cattlesense/services/compliance-engine/internal/logging"
	"cattlesense/services/compliance-engine/internal/metrics"
	"cattlesense/shared/models"
	"cattlesense/shared/utils"
)

type Service struct {
	store     database.Store
	publisher Publisher
	clock     utils.Clock
	metrics   *metrics.Collector
	logger    *zap.Logger
}

func NewService(store database.Store, publisher Publisher, clock utils.Clock, collector *metrics.Collector, logger *zap.Logger) *Service {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Service{
		store:     store,
		publisher: publisher,
		clock:     clock,
		metrics:   collector,
		logger:    logger.Named("alerts"),
	}
}

// PersistResult holds one alert per draft, in draft order, and the subset
// that was newly inserted.
type PersistResult struct {
	Alerts  []*models.Alert
	Created []*models.Alert
}

// Fingerprint identifies the condition a draft reports. Drafts carrying a
// dedupe key collapse on farmer and key; others on type, livestock, farmer,
// title and calendar day.
func Fingerprint(draft models.AlertDraft, at time.Time) string {
	if draft.DedupeKey != "" {
		return utils.HashString(utils.BuildKey(draft.FarmerID, draft.DedupeKey))
	}
	return utils.HashString(utils.BuildKey(
		string(draft.Type), draft.LivestockID, draft.FarmerID, draft.Title, utils.FormatDate(at)))
}

// Persist stores drafts through repo as unread alerts. A draft whose
// fingerprint matches an unread or read alert returns that alert instead.
// repo is normally the transaction of the surrounding workflow.
func (s *Service) Persist(ctx context.Context, repo database.AlertRepository, drafts []models.AlertDraft) (PersistResult, error) {
	var result PersistResult
	now := s.clock.Now()

	for _, draft := range drafts {
		if utils.IsEmpty(draft.FarmerID) {
			return PersistResult{}, apperr.Validation("alert %q has no farmer", draft.Title)
		}

		fingerprint := Fingerprint(draft, now)
		existing, err := repo.FindOpenAlertByFingerprint(ctx, fingerprint)
		if err != nil {
			return PersistResult{}, apperr.Persistence(err, "look up alert fingerprint")
		}
		if existing != nil {
			s.metrics.RecordAlertDeduplicated(string(draft.Type))
			s.logger.Debug("Alert already open, not raised again",
				logging.Alert(existing.ID),
				zap.String("alert_type", string(draft.Type)))
			result.Alerts = append(result.Alerts, existing)
			continue
		}

		alert := &models.Alert{
			ID:          utils.GenerateID(),
			Type:        draft.Type,
			Severity:    draft.Severity,
			FarmerID:    draft.FarmerID,
			Title:       draft.Title,
			Message:     draft.Message,
			Metadata:    draft.Metadata.Clone(),
			Status:      models.AlertUnread,
			Fingerprint: fingerprint,
			CreatedAt:   now,
		}
		if draft.LivestockID != "" {
			id := draft.LivestockID
			alert.LivestockID = &id
		}
		if draft.VeterinarianID != "" {
			id := draft.VeterinarianID
			alert.VeterinarianID = &id
		}

		if err := repo.InsertAlert(ctx, alert); err != nil {
			return PersistResult{}, apperr.Persistence(err, "insert %s alert", alert.Type)
		}
		result.Alerts = append(result.Alerts, alert)
		result.Created = append(result.Created, alert)
	}

	return result, nil
}

// Raise persists drafts in their own transaction and dispatches what was
// created.
func (s *Service) Raise(ctx context.Context, drafts []models.AlertDraft) (PersistResult, error) {
	var result PersistResult
	err := s.store.WithTx(ctx, func(tx database.Store) error {
		var err error
		result, err = s.Persist(ctx, tx, drafts)
		return err
	})
	if err != nil {
		return PersistResult{}, err
	}
	s.Dispatch(ctx, result.Created)
	return result, nil
}

// Dispatch records and publishes alerts that have been committed. Publish
// failures are logged; the alerts stay stored.
func (s *Service) Dispatch(ctx context.Context, created []*models.Alert) {
	for _, alert := range created {
		s.metrics.RecordAlertCreated(string(alert.Type), string(alert.Severity))
		if err := s.publisher.Publish(ctx, alert); err != nil {
			s.metrics.RecordAlertPublishError()
			s.logger.Warn("Failed to publish alert",
				logging.Alert(alert.ID),
				logging.Farmer(alert.FarmerID),
				zap.Error(err))
		}
	}
}

func (s *Service) MarkRead(ctx context.Context, actor models.Actor, id string) (*models.Alert, error) {
	return s.transition(ctx, actor, id, ActionMarkRead)
}

func (s *Service) Acknowledge(ctx context.Context, actor models.Actor, id string) (*models.Alert, error) {
	return s.transition(ctx, actor, id, ActionAcknowledge)
}

func (s *Service) Resolve(ctx context.Context, actor models.Actor, id string) (*models.Alert, error) {
	return s.transition(ctx, actor, id, ActionResolve)
}

// BulkAcknowledge acknowledges the farmer's open alerts among ids and
// returns how many changed. Ids that are not open or not the farmer's are
// skipped.
func (s *Service) BulkAcknowledge(ctx context.Context, ids []string, farmerID string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	changed := 0
	err := s.store.WithTx(ctx, func(tx database.Store) error {
		changed = 0
		open, err := tx.ListAlerts(ctx, database.AlertFilter{
			FarmerID: farmerID,
			IDs:      ids,
			Statuses: database.OpenStatuses,
		})
		if err != nil {
			return apperr.Persistence(err, "list alerts to acknowledge")
		}
		for _, alert := range open {
			if err := s.apply(ctx, tx, alert, ActionAcknowledge); err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("Alerts acknowledged in bulk", logging.Farmer(farmerID), zap.Int("count", changed))
	return changed, nil
}

// ResolveWhere resolves every alert matching filter and returns them. The
// scheduler uses it to close alerts whose condition has lapsed.
func (s *Service) ResolveWhere(ctx context.Context, filter database.AlertFilter, keep func(*models.Alert) bool) ([]*models.Alert, error) {
	var resolved []*models.Alert
	err := s.store.WithTx(ctx, func(tx database.Store) error {
		resolved = nil
		candidates, err := tx.ListAlerts(ctx, filter)
		if err != nil {
			return apperr.Persistence(err, "list alerts to resolve")
		}
		for _, alert := range candidates {
			if keep != nil && !keep(alert) {
				continue
			}
			if err := s.apply(ctx, tx, alert, ActionResolve); err != nil {
				return err
			}
			resolved = append(resolved, alert)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

func (s *Service) Get(ctx context.Context, actor models.Actor, id string) (*models.Alert, error) {
	alert, err := s.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, alert); err != nil {
		return nil, err
	}
	return alert, nil
}

func (s *Service) List(ctx context.Context, filter database.AlertFilter) ([]*models.Alert, error) {
	alerts, err := s.store.ListAlerts(ctx, filter)
	if err != nil {
		return nil, apperr.Persistence(err, "list alerts")
	}
	return alerts, nil
}

// ListFor lists the alerts addressed to actor: a farmer sees their own, a
// veterinarian those they are named on.
func (s *Service) ListFor(ctx context.Context, actor models.Actor, filter database.AlertFilter) ([]*models.Alert, error) {
	switch actor.Role {
	case models.RoleFarmer:
		filter.FarmerID = actor.ID
	case models.RoleVeterinary:
		filter.VeterinarianID = actor.ID
	default:
		return nil, apperr.Forbidden("role %s has no alerts", actor.Role)
	}
	return s.List(ctx, filter)
}

// Summary counts a farmer's alerts. Unread counts only unread alerts; the
// rest count open (unread or read) alerts.
type Summary struct {
	Unread       int64 `json:"unread_count"`
	Critical     int64 `json:"critical_count"`
	High         int64 `json:"high_count"`
	Withdrawal   int64 `json:"withdrawal_alerts"`
	ExcessiveUse int64 `json:"excessive_use_alerts"`
}

func (s *Service) Summary(ctx context.Context, farmerID string) (Summary, error) {
	var summary Summary
	counts := []struct {
		dst    *int64
		filter database.AlertFilter
	}{
		{&summary.Unread, database.AlertFilter{FarmerID: farmerID, Statuses: []models.AlertStatus{models.AlertUnread}}},
		{&summary.Critical, database.AlertFilter{FarmerID: farmerID, Severity: models.SeverityCritical, Statuses: database.OpenStatuses}},
		{&summary.High, database.AlertFilter{FarmerID: farmerID, Severity: models.SeverityHigh, Statuses: database.OpenStatuses}},
		{&summary.Withdrawal, database.AlertFilter{FarmerID: farmerID, Type: models.AlertWithdrawalPeriod, Statuses: database.OpenStatuses}},
		{&summary.ExcessiveUse, database.AlertFilter{FarmerID: farmerID, Type: models.AlertExcessiveUse, Statuses: database.OpenStatuses}},
	}

	for _, c := range counts {
		n, err := s.store.CountAlerts(ctx, c.filter)
		if err != nil {
			return Summary{}, apperr.Persistence(err, "summarise alerts for farmer %s", farmerID)
		}
		*c.dst = n
	}
	return summary, nil
}

// VeterinarianSummary counts a veterinarian's unread alerts and pending
// consultation requests.
type VeterinarianSummary struct {
	Unread               int64 `json:"unread_count"`
	ConsultationRequests int64 `json:"consultation_requests"`
}

func (s *Service) VeterinarianSummary(ctx context.Context, veterinarianID string) (VeterinarianSummary, error) {
	unread := []models.AlertStatus{models.AlertUnread}
	var summary VeterinarianSummary
	var err error

	summary.Unread, err = s.store.CountAlerts(ctx, database.AlertFilter{VeterinarianID: veterinarianID, Statuses: unread})
	if err != nil {
		return VeterinarianSummary{}, apperr.Persistence(err, "summarise alerts for veterinarian %s", veterinarianID)
	}
	summary.ConsultationRequests, err = s.store.CountAlerts(ctx, database.AlertFilter{
		VeterinarianID: veterinarianID,
		Type:           models.AlertConsultationRequest,
		Statuses:       unread,
	})
	if err != nil {
		return VeterinarianSummary{}, apperr.Persistence(err, "summarise alerts for veterinarian %s", veterinarianID)
	}
	return summary, nil
}

func (s *Service) transition(ctx context.Context, actor models.Actor, id string, action Action) (*models.Alert, error) {
	var alert *models.Alert
	err := s.store.WithTx(ctx, func(tx database.Store) error {
		var err error
		alert, err = tx.GetAlert(ctx, id)
		if err != nil {
			return err
		}
		if err := authorize(actor, alert); err != nil {
			return err
		}
		return s.apply(ctx, tx, alert, action)
	})
	if err != nil {
		return nil, err
	}
	return alert, nil
}

// apply moves alert under action and stores it when the status changed.
func (s *Service) apply(ctx context.Context, repo database.AlertRepository, alert *models.Alert, action Action) error {
	next, changed, err := Next(alert.Status, action)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	now := s.clock.Now()
	alert.Status = next
	switch next {
	case models.AlertRead:
		alert.ReadAt = &now
	case models.AlertAcknowledged:
		alert.AcknowledgedAt = &now
	case models.AlertResolved:
		alert.ResolvedAt = &now
	}

	if err := repo.UpdateAlert(ctx, alert); err != nil {
		return apperr.Persistence(err, "update alert %s", alert.ID)
	}
	s.metrics.RecordAlertTransition(string(action), string(next))
	return nil
}

// authorize allows the alert's farmer and its named veterinarian.
func authorize(actor models.Actor, alert *models.Alert) error {
	switch actor.Role {
	case models.RoleFarmer:
		if alert.FarmerID == actor.ID {
			return nil
		}
	case models.RoleVeterinary:
		if alert.VeterinarianID != nil && *alert.VeterinarianID == actor.ID {
			return nil
		}
	}
	return apperr.Forbidden("unauthorized access to alert %s", alert.ID)
}
