package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cattlesense/services/compliance-engine/internal/database"
	"cattlesense/services/compliance-engine/internal/logging"
	"cattlesense/services/compliance-engine/internal/traceability"
	"cattlesense/shared/models"
	"cattlesense/shared/utils"
)

const (
	WithdrawalExpiryTaskID = "withdrawal_expiry"
	ChainAuditTaskID       = "chain_audit"
)

// AlertResolver closes open alerts that match a filter.
type AlertResolver interface {
	ResolveWhere(ctx context.Context, filter database.AlertFilter, keep func(*models.Alert) bool) ([]*models.Alert, error)
}

// WithdrawalExpiryHandler resolves withdrawal alerts once the period has passed
type WithdrawalExpiryHandler struct {
	alerts AlertResolver
	clock  utils.Clock
	logger *zap.Logger
}

func NewWithdrawalExpiryHandler(alerts AlertResolver, clock utils.Clock, logger *zap.Logger) *WithdrawalExpiryHandler {
	return &WithdrawalExpiryHandler{alerts: alerts, clock: clock, logger: logger}
}

// Execute resolves every open withdrawal alert whose end date is before today.
func (h *WithdrawalExpiryHandler) Execute(ctx context.Context) error {
	today := utils.DateOf(h.clock.Now())

	resolved, err := h.alerts.ResolveWhere(ctx, database.AlertFilter{
		Type:     models.AlertWithdrawalPeriod,
		Statuses: database.OpenStatuses,
	}, func(alert *models.Alert) bool {
		end, ok := alert.Metadata.GetString("withdrawal_end_date")
		if !ok {
			return false
		}
		date, err := utils.ParseDate(end)
		return err == nil && date.Before(today)
	})
	if err != nil {
		return fmt.Errorf("failed to resolve expired withdrawal alerts: %w", err)
	}

	h.logger.Info("Withdrawal expiry sweep completed",
		zap.String("today", utils.FormatDate(today)),
		zap.Int("resolved", len(resolved)))
	return nil
}

func (h *WithdrawalExpiryHandler) GetName() string {
	return "Withdrawal Expiry"
}

func (h *WithdrawalExpiryHandler) GetDescription() string {
	return "Resolves withdrawal period alerts whose end date has passed"
}

// ChainVerifier walks one livestock's traceability chain.
type ChainVerifier interface {
	VerifyReport(ctx context.Context, livestockID string) (traceability.Report, error)
}

// ChainAuditHandler re-verifies every chain that gained events recently
type ChainAuditHandler struct {
	events   database.TraceRepository
	verifier ChainVerifier
	clock    utils.Clock
	lookback time.Duration
	logger   *zap.Logger

	// Broken holds the failing reports from the most recent run.
	Broken []traceability.Report
}

func NewChainAuditHandler(events database.TraceRepository, verifier ChainVerifier, clock utils.Clock, lookback time.Duration, logger *zap.Logger) *ChainAuditHandler {
	return &ChainAuditHandler{events: events, verifier: verifier, clock: clock, lookback: lookback, logger: logger}
}

// Execute fails when any audited chain is broken so the run counts as an error.
func (h *ChainAuditHandler) Execute(ctx context.Context) error {
	since := h.clock.Now().Add(-h.lookback)
	ids, err := h.events.ListTracedLivestockSince(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to list traced livestock: %w", err)
	}

	var broken []traceability.Report
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		report, err := h.verifier.VerifyReport(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to verify chain for %s: %w", id, err)
		}
		if !report.Valid {
			broken = append(broken, report)
			h.logger.Warn("Chain audit found a broken chain",
				logging.Livestock(id),
				zap.String("event_id", report.EventID),
				zap.String("reason", report.Reason))
		}
	}
	h.Broken = broken

	h.logger.Info("Chain audit completed",
		zap.Int("audited", len(ids)),
		zap.Int("broken", len(broken)))
	if len(broken) > 0 {
		return fmt.Errorf("%d of %d audited chains failed verification", len(broken), len(ids))
	}
	return nil
}

func (h *ChainAuditHandler) GetName() string {
	return "Chain Audit"
}

func (h *ChainAuditHandler) GetDescription() string {
	return "Verifies traceability chains of livestock with recent events"
}
