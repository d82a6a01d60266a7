// Package traceability maintains the per-livestock hash chain of events.
package traceability

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"cattlesense/services/compliance-engine/internal/apperr"
	"cattlesense/services/compliance-engine/internal/database"
	"cattlesense/services/compliance-engine/internal/locks"
	"cattlesense/services/compliance-engine/internal/logging"
	"cattlesense/services/compliance-engine/internal/metrics"
	"cattlesense/shared/models"
	"cattlesense/shared/utils"
)

// Order selects the direction of a trace.
type Order int

const (
	NewestFirst Order = iota
	OldestFirst
)

// AppendRequest describes one event to add to a chain.
type AppendRequest struct {
	LivestockID string
	Payload     models.EventPayload
	ActorID     string
	Origin      string
}

// Manager appends to and reads livestock chains. Appends for one livestock
// are serialised through the locker; the store's unique chain-link
// constraint catches anything the locker cannot see.
type Manager struct {
	store      database.TraceRepository
	locker     locks.Locker
	clock      utils.Clock
	maxRetries int
	metrics    *metrics.Collector
	logger     *zap.Logger
}

func NewManager(store database.TraceRepository, locker locks.Locker, clock utils.Clock, maxRetries int, collector *metrics.Collector, logger *zap.Logger) *Manager {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Manager{
		store:      store,
		locker:     locker,
		clock:      clock,
		maxRetries: maxRetries,
		metrics:    collector,
		logger:     logger.Named("traceability"),
	}
}

// Append adds one event to the livestock's chain and returns it.
func (m *Manager) Append(ctx context.Context, req AppendRequest) (*models.TraceabilityEvent, error) {
	var event *models.TraceabilityEvent
	err := m.RunLocked(ctx, req.LivestockID, func(ctx context.Context) error {
		var err error
		event, err = m.AppendOnce(ctx, m.store, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// RunLocked holds the livestock's append lock while fn runs and reruns fn
// when it fails with a chain conflict. fn must be safe to repeat: callers
// wrap their writes in a transaction so a failed attempt leaves nothing.
func (m *Manager) RunLocked(ctx context.Context, livestockID string, fn func(ctx context.Context) error) error {
	if utils.IsEmpty(livestockID) {
		return apperr.Validation("livestock id is required")
	}

	unlock, err := m.locker.Lock(ctx, livestockID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return apperr.Wrap(err, apperr.KindPersistenceFailure, "acquire append lock for livestock %s", livestockID)
	}
	defer unlock()

	err = utils.Retry(func(attempt int) error {
		err := fn(ctx)
		if apperr.Is(err, apperr.KindChainConflict) {
			m.metrics.RecordChainConflict()
			m.logger.Warn("Chain conflict, re-reading chain head",
				logging.Livestock(livestockID),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	}, utils.RetryConfig{
		MaxAttempts: m.maxRetries + 1,
		Retryable: func(err error) bool {
			return apperr.Is(err, apperr.KindChainConflict)
		},
	})
	if apperr.Is(err, apperr.KindChainConflict) {
		return apperr.Wrap(err, apperr.KindChainConflict, "livestock %s chain still contended after %d attempts", livestockID, m.maxRetries+1)
	}
	return err
}

// AppendOnce performs a single read-hash-insert against repo. The caller
// must hold the livestock's lock, normally through RunLocked.
func (m *Manager) AppendOnce(ctx context.Context, repo database.TraceRepository, req AppendRequest) (*models.TraceabilityEvent, error) {
	if utils.IsEmpty(req.LivestockID) {
		return nil, apperr.Validation("livestock id is required")
	}
	if req.Payload == nil || utils.IsEmpty(req.Payload.EventType()) {
		return nil, apperr.Validation("event type is required")
	}

	data, err := utils.NormalizeMap(req.Payload.Attributes())
	if err != nil {
		return nil, apperr.Validation("event payload is not serialisable: %v", err)
	}

	latest, err := repo.LatestEvent(ctx, req.LivestockID)
	if err != nil {
		return nil, apperr.Persistence(err, "read chain head for livestock %s", req.LivestockID)
	}

	previous := models.GenesisHash
	timestamp := m.clock.Now().UTC().Truncate(time.Microsecond)
	if latest != nil {
		previous = latest.HashValue
		if !timestamp.After(latest.Timestamp) {
			timestamp = latest.Timestamp.Add(time.Microsecond)
		}
	}

	hash, err := ComputeHash(req.LivestockID, req.Payload.EventType(), data, timestamp, previous)
	if err != nil {
		return nil, apperr.Validation("event payload is not serialisable: %v", err)
	}

	event := &models.TraceabilityEvent{
		ID:            utils.GenerateID(),
		LivestockID:   req.LivestockID,
		EventType:     req.Payload.EventType(),
		EventData:     data,
		PerformedBy:   req.ActorID,
		Timestamp:     timestamp,
		HashValue:     hash,
		PreviousHash:  previous,
		OriginAddress: req.Origin,
	}
	if err := repo.InsertEvent(ctx, event); err != nil {
		return nil, apperr.Persistence(err, "append %s event", event.EventType)
	}

	m.metrics.RecordTraceAppend(event.EventType)
	m.logger.Debug("Traceability event appended",
		logging.Livestock(event.LivestockID),
		zap.String("event_type", event.EventType),
		zap.String("hash", event.HashValue))
	return event, nil
}

// Trace returns the livestock's events in the requested order as of the call.
func (m *Manager) Trace(ctx context.Context, livestockID string, order Order) ([]*models.TraceabilityEvent, error) {
	events, err := m.store.ListEvents(ctx, livestockID, order == OldestFirst)
	if err != nil {
		return nil, apperr.Persistence(err, "trace livestock %s", livestockID)
	}
	return events, nil
}

// Verify reports whether the livestock's stored chain is intact.
func (m *Manager) Verify(ctx context.Context, livestockID string) (bool, error) {
	report, err := m.VerifyReport(ctx, livestockID)
	if err != nil {
		return false, err
	}
	return report.Valid, nil
}

// VerifyReport walks the chain oldest first and describes the first broken link.
func (m *Manager) VerifyReport(ctx context.Context, livestockID string) (Report, error) {
	events, err := m.Trace(ctx, livestockID, OldestFirst)
	if err != nil {
		return Report{}, err
	}

	report := VerifyChain(livestockID, events)
	m.metrics.RecordChainVerification(report.Valid)
	if !report.Valid {
		m.logger.Error("Traceability chain broken",
			logging.Livestock(livestockID),
			zap.Int("broken_index", report.BrokenIndex),
			zap.String("event_id", report.EventID),
			zap.String("reason", report.Reason))
	}
	return report, nil
}
