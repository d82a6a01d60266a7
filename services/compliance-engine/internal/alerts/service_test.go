package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cattlesense/services/compliance-engine/internal/apperr"
	"cattlesense/services/compliance-engine/internal/database"
	"cattlesense/services/compliance-engine/internal/database/memstore"
	"cattlesense/shared/models"
	"cattlesense/shared/utils"
)

var (
	farmer = models.Actor{ID: "farmer-1", Role: models.RoleFarmer}
	vet    = models.Actor{ID: "vet-1", Role: models.RoleVeterinary}
)

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(context.Context, *models.Alert) error {
	p.calls++
	return errors.New("stream unavailable")
}

func newService(t *testing.T, publisher Publisher) (*memstore.Store, *Service, *utils.FixedClock) {
	t.Helper()
	mem := memstore.New()
	clock := utils.NewFixedClock(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	return mem, NewService(mem, publisher, clock, nil, zap.NewNop()), clock
}

func withdrawalDraft(end string) models.AlertDraft {
	return models.AlertDraft{
		Type:        models.AlertWithdrawalPeriod,
		Severity:    models.SeverityMedium,
		LivestockID: "lv-1",
		FarmerID:    "farmer-1",
		Title:       "Withdrawal period for Amoxicillin",
		Message:     "Withdrawal period ends on " + end + ". Do not sell products until then.",
		Metadata:    models.Attributes{"withdrawal_end_date": end, "withdrawal_days": 14},
		DedupeKey:   utils.BuildKey("withdrawal_period", "lv-1", "Amoxicillin", end),
	}
}

func excessiveDraft() models.AlertDraft {
	return models.AlertDraft{
		Type:        models.AlertExcessiveUse,
		Severity:    models.SeverityHigh,
		LivestockID: "lv-1",
		FarmerID:    "farmer-1",
		Title:       "Excessive use of Amoxicillin",
		DedupeKey:   utils.BuildKey("excessive_use", "lv-1", "Amoxicillin"),
	}
}

func TestPersist(t *testing.T) {
	ctx := context.Background()

	t.Run("Stores Drafts As Unread", func(t *testing.T) {
		mem, svc, _ := newService(t, nil)

		result, err := svc.Persist(ctx, mem, []models.AlertDraft{withdrawalDraft("2024-01-22"), excessiveDraft()})
		require.NoError(t, err)
		require.Len(t, result.Created, 2)

		stored, err := mem.GetAlert(ctx, result.Created[0].ID)
		require.NoError(t, err)
		assert.Equal(t, models.AlertUnread, stored.Status)
		assert.Equal(t, "lv-1", *stored.LivestockID)
		assert.Nil(t, stored.VeterinarianID)
		assert.Len(t, stored.Fingerprint, 64)
	})

	t.Run("Open Duplicate Is Not Raised Again", func(t *testing.T) {
		mem, svc, _ := newService(t, nil)

		first, err := svc.Persist(ctx, mem, []models.AlertDraft{excessiveDraft()})
		require.NoError(t, err)
		second, err := svc.Persist(ctx, mem, []models.AlertDraft{excessiveDraft()})
		require.NoError(t, err)

		assert.Empty(t, second.Created)
		require.Len(t, second.Alerts, 1)
		assert.Equal(t, first.Created[0].ID, second.Alerts[0].ID)

		count, err := mem.CountAlerts(ctx, database.AlertFilter{FarmerID: "farmer-1"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("Resolved Alert Can Be Raised Again", func(t *testing.T) {
		mem, svc, _ := newService(t, nil)

		first, err := svc.Persist(ctx, mem, []models.AlertDraft{excessiveDraft()})
		require.NoError(t, err)
		_, err = svc.Resolve(ctx, farmer, first.Created[0].ID)
		require.NoError(t, err)

		second, err := svc.Persist(ctx, mem, []models.AlertDraft{excessiveDraft()})
		require.NoError(t, err)
		assert.Len(t, second.Created, 1)
	})

	t.Run("Different Withdrawal End Is A New Alert", func(t *testing.T) {
		mem, svc, _ := newService(t, nil)

		_, err := svc.Persist(ctx, mem, []models.AlertDraft{withdrawalDraft("2024-01-22")})
		require.NoError(t, err)
		second, err := svc.Persist(ctx, mem, []models.AlertDraft{withdrawalDraft("2024-02-05")})
		require.NoError(t, err)
		assert.Len(t, second.Created, 1)
	})

	t.Run("Draft Without Farmer Is Rejected", func(t *testing.T) {
		mem, svc, _ := newService(t, nil)
		draft := excessiveDraft()
		draft.FarmerID = ""

		_, err := svc.Persist(ctx, mem, []models.AlertDraft{draft})
		assert.True(t, apperr.Is(err, apperr.KindValidation))
	})

	t.Run("Insert Failure Is Persistence Failure", func(t *testing.T) {
		mem, svc, _ := newService(t, nil)
		mem.FailOn("InsertAlert", errors.New("disk full"))

		_, err := svc.Persist(ctx, mem, []models.AlertDraft{excessiveDraft()})
		assert.True(t, apperr.Is(err, apperr.KindPersistenceFailure))
	})
}

func TestFingerprint(t *testing.T) {
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	draft := models.AlertDraft{Type: models.AlertHealthCritical, LivestockID: "lv-1", FarmerID: "farmer-1", Title: "Livestock RFID-001 is sick"}

	assert.Equal(t, Fingerprint(draft, at), Fingerprint(draft, at.Add(3*time.Hour)))
	assert.NotEqual(t, Fingerprint(draft, at), Fingerprint(draft, at.Add(24*time.Hour)))

	keyed := excessiveDraft()
	assert.Equal(t, Fingerprint(keyed, at), Fingerprint(keyed, at.Add(72*time.Hour)))
}

func TestRaise(t *testing.T) {
	ctx := context.Background()

	t.Run("Publish Failure Keeps Alert", func(t *testing.T) {
		publisher := &failingPublisher{}
		mem, svc, _ := newService(t, publisher)

		result, err := svc.Raise(ctx, []models.AlertDraft{excessiveDraft()})
		require.NoError(t, err)
		assert.Equal(t, 1, publisher.calls)

		_, err = mem.GetAlert(ctx, result.Created[0].ID)
		assert.NoError(t, err)
	})

	t.Run("Failed Persist Publishes Nothing", func(t *testing.T) {
		publisher := &failingPublisher{}
		mem, svc, _ := newService(t, publisher)
		mem.FailOn("InsertAlert", errors.New("disk full"))

		_, err := svc.Raise(ctx, []models.AlertDraft{excessiveDraft(), withdrawalDraft("2024-01-22")})
		require.Error(t, err)
		assert.Equal(t, 0, publisher.calls)
	})
}

func TestTransitions(t *testing.T) {
	ctx := context.Background()

	raise := func(t *testing.T) (*memstore.Store, *Service, *utils.FixedClock, string) {
		mem, svc, clock := newService(t, nil)
		result, err := svc.Persist(ctx, mem, []models.AlertDraft{excessiveDraft()})
		require.NoError(t, err)
		return mem, svc, clock, result.Created[0].ID
	}

	t.Run("Mark Read Is Idempotent", func(t *testing.T) {
		_, svc, clock, id := raise(t)

		first, err := svc.MarkRead(ctx, farmer, id)
		require.NoError(t, err)
		assert.Equal(t, models.AlertRead, first.Status)
		require.NotNil(t, first.ReadAt)

		clock.Advance(time.Hour)
		second, err := svc.MarkRead(ctx, farmer, id)
		require.NoError(t, err)
		assert.Equal(t, models.AlertRead, second.Status)
		assert.Equal(t, *first.ReadAt, *second.ReadAt)
	})

	t.Run("Mark Read After Acknowledge Keeps Status", func(t *testing.T) {
		_, svc, _, id := raise(t)

		_, err := svc.Acknowledge(ctx, farmer, id)
		require.NoError(t, err)
		alert, err := svc.MarkRead(ctx, farmer, id)
		require.NoError(t, err)
		assert.Equal(t, models.AlertAcknowledged, alert.Status)
	})

	t.Run("Acknowledge Twice Is A No-Op", func(t *testing.T) {
		_, svc, _, id := raise(t)

		_, err := svc.Acknowledge(ctx, farmer, id)
		require.NoError(t, err)
		alert, err := svc.Acknowledge(ctx, farmer, id)
		require.NoError(t, err)
		assert.Equal(t, models.AlertAcknowledged, alert.Status)
	})

	t.Run("Resolved Is Final", func(t *testing.T) {
		_, svc, _, id := raise(t)

		alert, err := svc.Resolve(ctx, farmer, id)
		require.NoError(t, err)
		assert.Equal(t, models.AlertResolved, alert.Status)
		require.NotNil(t, alert.ResolvedAt)

		_, err = svc.Acknowledge(ctx, farmer, id)
		assert.True(t, apperr.Is(err, apperr.KindValidation))

		alert, err = svc.Resolve(ctx, farmer, id)
		require.NoError(t, err)
		assert.Equal(t, models.AlertResolved, alert.Status)

		alert, err = svc.MarkRead(ctx, farmer, id)
		require.NoError(t, err)
		assert.Equal(t, models.AlertResolved, alert.Status)
	})

	t.Run("Other Farmer Is Forbidden", func(t *testing.T) {
		_, svc, _, id := raise(t)

		_, err := svc.Acknowledge(ctx, models.Actor{ID: "farmer-2", Role: models.RoleFarmer}, id)
		assert.True(t, apperr.Is(err, apperr.KindForbidden))

		_, err = svc.MarkRead(ctx, vet, id)
		assert.True(t, apperr.Is(err, apperr.KindForbidden))
	})

	t.Run("Unknown Alert Is Not Found", func(t *testing.T) {
		_, svc, _, _ := raise(t)

		_, err := svc.Resolve(ctx, farmer, "missing")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})
}

func TestNext(t *testing.T) {
	tests := []struct {
		from    models.AlertStatus
		action  Action
		to      models.AlertStatus
		changed bool
		invalid bool
	}{
		{models.AlertUnread, ActionMarkRead, models.AlertRead, true, false},
		{models.AlertRead, ActionMarkRead, models.AlertRead, false, false},
		{models.AlertResolved, ActionMarkRead, models.AlertResolved, false, false},
		{models.AlertUnread, ActionAcknowledge, models.AlertAcknowledged, true, false},
		{models.AlertRead, ActionAcknowledge, models.AlertAcknowledged, true, false},
		{models.AlertAcknowledged, ActionAcknowledge, models.AlertAcknowledged, false, false},
		{models.AlertResolved, ActionAcknowledge, models.AlertResolved, false, true},
		{models.AlertAcknowledged, ActionResolve, models.AlertResolved, true, false},
		{models.AlertResolved, ActionResolve, models.AlertResolved, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+" "+string(tt.action), func(t *testing.T) {
			to, changed, err := Next(tt.from, tt.action)
			if tt.invalid {
				assert.True(t, apperr.Is(err, apperr.KindValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, to)
			assert.Equal(t, tt.changed, changed)
		})
	}
}

func TestBulkAcknowledge(t *testing.T) {
	ctx := context.Background()
	mem, svc, _ := newService(t, nil)

	result, err := svc.Persist(ctx, mem, []models.AlertDraft{excessiveDraft(), withdrawalDraft("2024-01-22")})
	require.NoError(t, err)

	other := excessiveDraft()
	other.FarmerID = "farmer-2"
	foreign, err := svc.Persist(ctx, mem, []models.AlertDraft{other})
	require.NoError(t, err)

	ids := []string{result.Created[0].ID, result.Created[1].ID, foreign.Created[0].ID}
	n, err := svc.BulkAcknowledge(ctx, ids, "farmer-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	untouched, err := mem.GetAlert(ctx, foreign.Created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertUnread, untouched.Status)

	n, err = svc.BulkAcknowledge(ctx, ids, "farmer-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	mem, svc, _ := newService(t, nil)

	critical := models.AlertDraft{Type: models.AlertMRLBreach, Severity: models.SeverityCritical, LivestockID: "lv-2", FarmerID: "farmer-1", Title: "MRL exceeded for Tylosin"}
	consult := models.AlertDraft{Type: models.AlertConsultationRequest, Severity: models.SeverityMedium, FarmerID: "farmer-1", VeterinarianID: "vet-1", Title: "New Consultation Request"}

	result, err := svc.Persist(ctx, mem, []models.AlertDraft{excessiveDraft(), withdrawalDraft("2024-01-22"), critical, consult})
	require.NoError(t, err)

	_, err = svc.MarkRead(ctx, farmer, result.Created[0].ID)
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, farmer, result.Created[2].ID)
	require.NoError(t, err)

	summary, err := svc.Summary(ctx, "farmer-1")
	require.NoError(t, err)
	assert.Equal(t, Summary{Unread: 2, Critical: 0, High: 1, Withdrawal: 1, ExcessiveUse: 1}, summary)

	vetSummary, err := svc.VeterinarianSummary(ctx, "vet-1")
	require.NoError(t, err)
	assert.Equal(t, VeterinarianSummary{Unread: 1, ConsultationRequests: 1}, vetSummary)

	listed, err := svc.ListFor(ctx, vet, database.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, models.AlertConsultationRequest, listed[0].Type)

	_, err = svc.ListFor(ctx, models.Actor{ID: "gov-1", Role: models.RoleGovernment}, database.AlertFilter{})
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
}

func TestStreamPublisher(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	mem := memstore.New()
	clock := utils.NewFixedClock(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	svc := NewService(mem, NewStreamPublisher(client, "amu:alerts", 100), clock, nil, zap.NewNop())

	result, err := svc.Raise(ctx, []models.AlertDraft{excessiveDraft()})
	require.NoError(t, err)

	entries, err := client.XRange(ctx, "amu:alerts", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	values := entries[0].Values
	assert.Equal(t, result.Created[0].ID, values["alert_id"])
	assert.Equal(t, "excessive_use", values["type"])
	assert.Equal(t, "farmer-1", values["farmer_id"])

	var decoded models.Alert
	require.NoError(t, json.Unmarshal([]byte(values["payload"].(string)), &decoded))
	assert.Equal(t, "Excessive use of Amoxicillin", decoded.Title)
}
