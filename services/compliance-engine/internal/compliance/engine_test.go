package compliance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cattlesense/services/compliance-engine/internal/apperr"
	"cattlesense/services/compliance-engine/internal/database/memstore"
	"cattlesense/services/compliance-engine/internal/metrics"
	"cattlesense/services/compliance-engine/internal/reference"
	"cattlesense/shared/models"
	"cattlesense/shared/utils"
)

func date(s string) time.Time {
	t, err := utils.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

func newEngine(t *testing.T) (*memstore.Store, *Engine, *prometheus.Registry) {
	t.Helper()
	mem := memstore.New()
	refs := reference.NewStore(mem, reference.Options{}, zap.NewNop())
	_, err := refs.Seed(context.Background(), reference.DefaultRules())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	return mem, NewEngine(refs, Options{}, metrics.NewCollector(reg), zap.NewNop()), reg
}

func lookups(t *testing.T, reg *prometheus.Registry, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "amu_compliance_withdrawal_lookups_total" {
			continue
		}
		for _, m := range family.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "result" && label.GetValue() == result {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func cow() *models.Livestock {
	return &models.Livestock{
		ID:             "lv-1",
		RFIDTag:        "RFID-001",
		FarmerID:       "farmer-1",
		Species:        models.SpeciesCattle,
		ProductionType: models.ProductionMilk,
	}
}

func TestComputeWithdrawalWindow(t *testing.T) {
	ctx := context.Background()
	_, engine, reg := newEngine(t)

	t.Run("Adds Duration Then Rule Days", func(t *testing.T) {
		window := engine.ComputeWithdrawalWindow(ctx, "Amoxicillin", models.SpeciesCattle, models.TissueMilk, date("2024-01-01"), 7)

		assert.Equal(t, date("2024-01-08"), window.AdministrationEnd)
		require.True(t, window.Known())
		assert.Equal(t, date("2024-01-22"), *window.WithdrawalEnd)
		assert.Equal(t, 14, *window.WithdrawalDays)
		assert.Equal(t, models.TissueMilk, window.Tissue)
		assert.False(t, window.Degraded)
	})

	t.Run("Time Of Day Is Ignored", func(t *testing.T) {
		start := date("2024-01-01").Add(17 * time.Hour)
		window := engine.ComputeWithdrawalWindow(ctx, "Amoxicillin", models.SpeciesCattle, models.TissueMeat, start, 1)

		require.True(t, window.Known())
		assert.Equal(t, date("2024-01-30"), *window.WithdrawalEnd)
	})

	t.Run("Zero Day Rule Ends With Administration", func(t *testing.T) {
		window := engine.ComputeWithdrawalWindow(ctx, "Ceftiofur", models.SpeciesCattle, models.TissueMilk, date("2024-03-10"), 3)

		require.True(t, window.Known())
		assert.Equal(t, window.AdministrationEnd, *window.WithdrawalEnd)
	})

	t.Run("No Rule Leaves Window Unknown", func(t *testing.T) {
		window := engine.ComputeWithdrawalWindow(ctx, "Colistin", models.SpeciesCattle, models.TissueMilk, date("2024-01-01"), 5)

		assert.False(t, window.Known())
		assert.Nil(t, window.WithdrawalDays)
		assert.False(t, window.Degraded)
		assert.Equal(t, date("2024-01-06"), window.AdministrationEnd)
	})

	assert.Equal(t, 3.0, lookups(t, reg, "found"))
	assert.Equal(t, 1.0, lookups(t, reg, "missing"))
}

func TestComputeWithdrawalWindowDegraded(t *testing.T) {
	mem, engine, reg := newEngine(t)
	mem.FailOn("FindWithdrawalRules", errors.New("connection reset"))

	window := engine.ComputeWithdrawalWindow(context.Background(), "Amoxicillin", models.SpeciesCattle, models.TissueMilk, date("2024-01-01"), 7)

	assert.False(t, window.Known())
	assert.True(t, window.Degraded)
	assert.Equal(t, date("2024-01-08"), window.AdministrationEnd)
	assert.Equal(t, 1.0, lookups(t, reg, "degraded"))
}

func TestDetectExcessiveUse(t *testing.T) {
	ctx := context.Background()
	mem, engine, _ := newEngine(t)
	base := date("2024-05-01")

	record := func(day int, drug string) {
		require.NoError(t, mem.CreateAdministration(ctx, &models.AntimicrobialAdministration{
			ID:          utils.GenerateID(),
			LivestockID: "lv-1",
			DrugName:    drug,
			CreatedAt:   utils.AddDays(base, day-1),
		}))
	}

	record(1, "Amoxicillin")
	record(10, "Amoxicillin")
	record(12, "Tylosin")

	check, err := engine.DetectExcessiveUse(ctx, mem, "lv-1", "Amoxicillin", utils.AddDays(base, 9))
	require.NoError(t, err)
	assert.Equal(t, int64(2), check.Count)
	assert.False(t, check.Excessive)

	t.Run("Third Use Within Window Is Excessive", func(t *testing.T) {
		record(20, "Amoxicillin")
		check, err := engine.DetectExcessiveUse(ctx, mem, "lv-1", "Amoxicillin", utils.AddDays(base, 19))
		require.NoError(t, err)
		assert.Equal(t, int64(3), check.Count)
		assert.True(t, check.Excessive)
		assert.Equal(t, 3, check.Threshold)
		assert.Equal(t, 30, check.WindowDays)
	})

	t.Run("Uses Outside Window Do Not Count", func(t *testing.T) {
		check, err := engine.DetectExcessiveUse(ctx, mem, "lv-1", "Amoxicillin", utils.AddDays(base, 35))
		require.NoError(t, err)
		assert.Equal(t, int64(2), check.Count)
		assert.False(t, check.Excessive)
	})

	t.Run("Store Failure Is Persistence Failure", func(t *testing.T) {
		mem.FailOn("CountAdministrations", errors.New("disk full"))
		defer mem.FailOn("CountAdministrations", nil)

		_, err := engine.DetectExcessiveUse(ctx, mem, "lv-1", "Amoxicillin", base)
		assert.True(t, apperr.Is(err, apperr.KindPersistenceFailure))
	})
}

func TestEvaluateAdministration(t *testing.T) {
	ctx := context.Background()
	livestock := cow()

	t.Run("Known Window Drafts Withdrawal Alert", func(t *testing.T) {
		mem, engine, _ := newEngine(t)
		record := &models.AntimicrobialAdministration{ID: "amu-1", LivestockID: livestock.ID, DrugName: "Amoxicillin", CreatedAt: date("2024-01-01")}
		require.NoError(t, mem.CreateAdministration(ctx, record))

		window := engine.ComputeWithdrawalWindow(ctx, "Amoxicillin", models.SpeciesCattle, models.TissueMilk, date("2024-01-01"), 7)
		eval, err := engine.EvaluateAdministration(ctx, mem, record, livestock, window)
		require.NoError(t, err)

		require.Len(t, eval.Drafts, 1)
		draft := eval.Drafts[0]
		assert.Equal(t, models.AlertWithdrawalPeriod, draft.Type)
		assert.Equal(t, models.SeverityMedium, draft.Severity)
		assert.Equal(t, "Withdrawal period for Amoxicillin", draft.Title)
		assert.Equal(t, "Withdrawal period ends on 2024-01-22. Do not sell products until then.", draft.Message)
		assert.Equal(t, "2024-01-22", draft.Metadata["withdrawal_end_date"])
		assert.Equal(t, 14, draft.Metadata["withdrawal_days"])
		assert.Equal(t, "farmer-1", draft.FarmerID)
	})

	t.Run("Unknown Window Drafts Nothing", func(t *testing.T) {
		mem, engine, _ := newEngine(t)
		record := &models.AntimicrobialAdministration{ID: "amu-1", LivestockID: livestock.ID, DrugName: "Colistin", CreatedAt: date("2024-01-01")}
		require.NoError(t, mem.CreateAdministration(ctx, record))

		window := engine.ComputeWithdrawalWindow(ctx, "Colistin", models.SpeciesCattle, models.TissueMilk, date("2024-01-01"), 3)
		eval, err := engine.EvaluateAdministration(ctx, mem, record, livestock, window)
		require.NoError(t, err)
		assert.Empty(t, eval.Drafts)
	})

	t.Run("Excessive Use Is Independent Of Withdrawal", func(t *testing.T) {
		mem, engine, _ := newEngine(t)
		var last *models.AntimicrobialAdministration
		for i, day := range []string{"2024-02-01", "2024-02-10", "2024-02-20"} {
			last = &models.AntimicrobialAdministration{
				ID:          utils.GenerateShortID() + string(rune('a'+i)),
				LivestockID: livestock.ID,
				DrugName:    "Colistin",
				CreatedAt:   date(day),
			}
			require.NoError(t, mem.CreateAdministration(ctx, last))
		}

		window := engine.ComputeWithdrawalWindow(ctx, "Colistin", models.SpeciesCattle, models.TissueMilk, date("2024-02-20"), 1)
		eval, err := engine.EvaluateAdministration(ctx, mem, last, livestock, window)
		require.NoError(t, err)

		require.Len(t, eval.Drafts, 1)
		draft := eval.Drafts[0]
		assert.Equal(t, models.AlertExcessiveUse, draft.Type)
		assert.Equal(t, models.SeverityHigh, draft.Severity)
		assert.Equal(t, "Excessive use of Colistin", draft.Title)
		assert.Equal(t, "The drug Colistin has been used 3 times in the last 30 days for livestock RFID-001", draft.Message)
		assert.Equal(t, "excessive_use|lv-1|Colistin", draft.DedupeKey)
	})

	t.Run("Both Alerts When Both Apply", func(t *testing.T) {
		mem, engine, _ := newEngine(t)
		var last *models.AntimicrobialAdministration
		for i, day := range []string{"2024-02-01", "2024-02-02", "2024-02-03"} {
			last = &models.AntimicrobialAdministration{
				ID:          "amu-" + string(rune('a'+i)),
				LivestockID: livestock.ID,
				DrugName:    "Tylosin",
				CreatedAt:   date(day),
			}
			require.NoError(t, mem.CreateAdministration(ctx, last))
		}

		window := engine.ComputeWithdrawalWindow(ctx, "Tylosin", models.SpeciesCattle, models.TissueMilk, date("2024-02-03"), 1)
		eval, err := engine.EvaluateAdministration(ctx, mem, last, livestock, window)
		require.NoError(t, err)

		require.Len(t, eval.Drafts, 2)
		assert.Equal(t, models.AlertExcessiveUse, eval.Drafts[0].Type)
		assert.Equal(t, models.AlertWithdrawalPeriod, eval.Drafts[1].Type)
	})
}

func TestCheckMRL(t *testing.T) {
	_, engine, _ := newEngine(t)
	limit := 0.01
	rule := models.WithdrawalPeriodRule{DrugName: "Amoxicillin", TissueType: models.TissueMilk, MRLValue: &limit, MRLUnit: "mg/kg"}

	t.Run("Above Limit Is Critical Breach", func(t *testing.T) {
		draft, breach := engine.CheckMRL(rule, cow(), 0.02)
		require.True(t, breach)
		assert.Equal(t, models.AlertMRLBreach, draft.Type)
		assert.Equal(t, models.SeverityCritical, draft.Severity)
		assert.Equal(t, 0.02, draft.Metadata["measured_value"])
	})

	t.Run("At Limit Is Compliant", func(t *testing.T) {
		_, breach := engine.CheckMRL(rule, cow(), 0.01)
		assert.False(t, breach)
	})

	t.Run("Rule Without Limit Never Breaches", func(t *testing.T) {
		_, breach := engine.CheckMRL(models.WithdrawalPeriodRule{DrugName: "X"}, cow(), 100)
		assert.False(t, breach)
	})
}

func TestDefaultTissue(t *testing.T) {
	tests := []struct {
		name     string
		species  models.Species
		purpose  models.ProductionType
		expected models.TissueType
	}{
		{"Dairy Cattle", models.SpeciesCattle, models.ProductionMilk, models.TissueMilk},
		{"Dairy Buffalo", models.SpeciesBuffalo, models.ProductionMilk, models.TissueMilk},
		{"Beef Cattle", models.SpeciesCattle, models.ProductionMeat, models.TissueMeat},
		{"Laying Hen", models.SpeciesPoultry, models.ProductionEggs, models.TissueEggs},
		{"Broiler", models.SpeciesPoultry, models.ProductionMeat, models.TissueMeat},
		{"Pig", models.SpeciesPig, "", models.TissueMeat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			livestock := &models.Livestock{Species: tt.species, ProductionType: tt.purpose}
			assert.Equal(t, tt.expected, DefaultTissue(livestock))
		})
	}
}
