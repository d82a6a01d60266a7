package reporting

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"cattlesense/services/compliance-engine/internal/apperr"
	"cattlesense/services/compliance-engine/internal/database/memstore"
	"cattlesense/shared/models"
)

var now = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func seed(t *testing.T) *memstore.Store {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()

	require.NoError(t, store.CreateFarmer(ctx, &models.Farmer{ID: "farmer-1", Name: "Ravi"}))
	require.NoError(t, store.CreateFarmer(ctx, &models.Farmer{ID: "farmer-2", Name: "Asha"}))
	for _, l := range []*models.Livestock{
		{ID: "lv-1", RFIDTag: "RFID-001", FarmerID: "farmer-1", Species: models.SpeciesCattle},
		{ID: "lv-2", RFIDTag: "RFID-002", FarmerID: "farmer-1", Species: models.SpeciesGoat},
		{ID: "lv-3", RFIDTag: "RFID-003", FarmerID: "farmer-2", Species: models.SpeciesPig},
	} {
		require.NoError(t, store.CreateLivestock(ctx, l))
	}

	records := []*models.AntimicrobialAdministration{
		// Ancient record counts toward the total only.
		{ID: "a-1", LivestockID: "lv-1", DrugName: "Penicillin", CreatedAt: now.AddDate(0, 0, -120), WithdrawalEndDate: day(2023, 11, 20)},
		{ID: "a-2", LivestockID: "lv-1", DrugName: "Oxytetracycline", CreatedAt: now.AddDate(0, 0, -60), WithdrawalEndDate: day(2024, 1, 20)},
		{ID: "a-3", LivestockID: "lv-1", DrugName: "Oxytetracycline", CreatedAt: now.AddDate(0, 0, -10), WithdrawalEndDate: day(2024, 3, 15)},
		{ID: "a-4", LivestockID: "lv-2", DrugName: "Amoxicillin", CreatedAt: now.AddDate(0, 0, -2), WithdrawalEndDate: day(2024, 3, 4)},
		{ID: "a-5", LivestockID: "lv-2", DrugName: "Enrofloxacin", CreatedAt: now.AddDate(0, 0, -1), WithdrawalEndDate: day(2024, 3, 1)},
		{ID: "a-6", LivestockID: "lv-3", DrugName: "Tylosin", CreatedAt: now.AddDate(0, 0, -1), WithdrawalEndDate: day(2024, 4, 1)},
	}
	for _, r := range records {
		require.NoError(t, store.CreateAdministration(ctx, r))
	}
	return store
}

func TestFarmerSummary(t *testing.T) {
	ctx := context.Background()

	t.Run("Counts totals recent use and active withdrawals", func(t *testing.T) {
		engine := NewEngine(seed(t), zap.NewNop())

		summary, err := engine.FarmerSummary(ctx, "farmer-1", now)
		require.NoError(t, err)
		assert.Equal(t, int64(5), summary.TotalRecords)
		assert.Equal(t, int64(3), summary.RecentRecords)
		assert.Equal(t, 3, summary.ActiveWithdrawals)
		require.Len(t, summary.TopDrugs, 3)
		assert.Equal(t, "Oxytetracycline", summary.TopDrugs[0].DrugName)
		assert.Equal(t, int64(2), summary.TopDrugs[0].Count)
	})

	t.Run("Empty farmer has zero values", func(t *testing.T) {
		store := memstore.New()
		require.NoError(t, store.CreateFarmer(ctx, &models.Farmer{ID: "farmer-9", Name: "New"}))
		engine := NewEngine(store, zap.NewNop())

		summary, err := engine.FarmerSummary(ctx, "farmer-9", now)
		require.NoError(t, err)
		assert.Zero(t, summary.TotalRecords)
		assert.NotNil(t, summary.TopDrugs)
	})

	t.Run("Unknown farmer is not found", func(t *testing.T) {
		engine := NewEngine(memstore.New(), zap.NewNop())
		_, err := engine.FarmerSummary(ctx, "ghost", now)
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})

	t.Run("Store failure is a persistence error", func(t *testing.T) {
		store := seed(t)
		store.FailOn("DrugUsageCounts", errors.New("connection reset"))
		engine := NewEngine(store, zap.NewNop())

		_, err := engine.FarmerSummary(ctx, "farmer-1", now)
		assert.True(t, apperr.Is(err, apperr.KindPersistenceFailure))
	})
}

func TestActiveWithdrawals(t *testing.T) {
	engine := NewEngine(seed(t), zap.NewNop())

	withdrawals, err := engine.ActiveWithdrawals(context.Background(), "farmer-1", now)
	require.NoError(t, err)
	require.Len(t, withdrawals, 3)

	assert.Equal(t, "a-5", withdrawals[0].AdministrationID)
	assert.Equal(t, 0, withdrawals[0].DaysRemaining)
	assert.Equal(t, "RFID-002", withdrawals[0].RFIDTag)
	assert.Equal(t, 3, withdrawals[1].DaysRemaining)
	assert.Equal(t, "a-3", withdrawals[2].AdministrationID)
	assert.Equal(t, 14, withdrawals[2].DaysRemaining)
	assert.Equal(t, "RFID-001", withdrawals[2].RFIDTag)
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(seed(t), zap.NewNop())

	t.Run("Workbook has summary and withdrawal sheets", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, engine.ExportUsageWorkbook(ctx, "farmer-1", now, &buf))

		f, err := excelize.OpenReader(&buf)
		require.NoError(t, err)
		defer f.Close()

		assert.Equal(t, []string{"Summary", "Withdrawals"}, f.GetSheetList())
		farmer, err := f.GetCellValue("Summary", "B1")
		require.NoError(t, err)
		assert.Equal(t, "farmer-1", farmer)

		rows, err := f.GetRows("Withdrawals")
		require.NoError(t, err)
		require.Len(t, rows, 4)
		assert.Equal(t, "Livestock ID", rows[0][0])
		assert.Equal(t, "2024-03-01", rows[1][3])
	})

	t.Run("PDF output", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, engine.Export(ctx, FormatPDF, "farmer-1", now, &buf))
		assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))
	})

	t.Run("CSV lists withdrawals", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, engine.Export(ctx, FormatCSV, "farmer-1", now, &buf))

		records, err := csv.NewReader(&buf).ReadAll()
		require.NoError(t, err)
		require.Len(t, records, 4)
		assert.Equal(t, []string{"lv-1", "RFID-001", "Oxytetracycline", "2024-03-15", "14"}, records[3])
	})

	t.Run("JSON round trips the report", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, engine.Export(ctx, FormatJSON, "farmer-1", now, &buf))

		var report Report
		require.NoError(t, json.Unmarshal(buf.Bytes(), &report))
		assert.Equal(t, "farmer-1", report.Summary.FarmerID)
		assert.Len(t, report.Withdrawals, 3)
	})

	t.Run("Unknown format is rejected", func(t *testing.T) {
		err := engine.Export(ctx, Format("docx"), "farmer-1", now, &bytes.Buffer{})
		assert.True(t, apperr.Is(err, apperr.KindValidation))

		_, err = ParseFormat("docx")
		assert.Error(t, err)
		f, err := ParseFormat("csv")
		require.NoError(t, err)
		assert.Equal(t, FormatCSV, f)
	})
}

func TestDaysRemaining(t *testing.T) {
	today := time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)

	days, ok := DaysRemaining(&models.AntimicrobialAdministration{WithdrawalEndDate: day(2024, 3, 5)}, today)
	assert.True(t, ok)
	assert.Equal(t, 4, days)

	_, ok = DaysRemaining(&models.AntimicrobialAdministration{WithdrawalEndDate: day(2024, 2, 28)}, today)
	assert.False(t, ok)

	_, ok = DaysRemaining(&models.AntimicrobialAdministration{}, today)
	assert.False(t, ok)
}
