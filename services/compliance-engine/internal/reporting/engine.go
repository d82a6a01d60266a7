// Package reporting summarises antimicrobial use per farmer and per region
// and exports it for regulators and researchers.
package reporting

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"cattlesense/services/compliance-engine/internal/apperr"
	"cattlesense/services/compliance-engine/internal/database"
	"cattlesense/services/compliance-engine/internal/logging"
	"cattlesense/shared/models"
	"cattlesense/shared/utils"
)

// Format of an exported report.
type Format string

const (
	FormatExcel Format = "xlsx"
	FormatPDF   Format = "pdf"
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
)

// ParseFormat maps a file extension or name onto a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatExcel, FormatPDF, FormatCSV, FormatJSON:
		return Format(s), nil
	}
	return "", apperr.Validation("unsupported report format: %s", s)
}

const (
	recentWindowDays = 30
	usageWindowDays  = 90
	topDrugLimit     = 10
)

// Engine builds farmer reports from the store.
type Engine struct {
	store  database.Store
	logger *zap.Logger
}

func NewEngine(store database.Store, logger *zap.Logger) *Engine {
	return &Engine{store: store, logger: logger.Named("reporting")}
}

// FarmerSummary is a farmer's AMU analytics as of GeneratedAt.
type FarmerSummary struct {
	FarmerID          string               `json:"farmer_id"`
	TotalRecords      int64                `json:"total_amu_records"`
	RecentRecords     int64                `json:"recent_amu_30_days"`
	ActiveWithdrawals int                  `json:"active_withdrawal_periods"`
	TopDrugs          []database.DrugUsage `json:"top_drugs_used"`
	GeneratedAt       time.Time            `json:"generated_at"`
}

// Withdrawal is one administration whose withdrawal period has not ended.
type Withdrawal struct {
	LivestockID       string    `json:"livestock_id"`
	RFIDTag           string    `json:"rfid_tag"`
	AdministrationID  string    `json:"administration_id"`
	DrugName          string    `json:"drug_name"`
	WithdrawalEndDate time.Time `json:"withdrawal_end_date"`
	DaysRemaining     int       `json:"days_remaining"`
}

// Report bundles everything an export contains.
type Report struct {
	Summary     FarmerSummary `json:"summary"`
	Withdrawals []Withdrawal  `json:"withdrawals"`
}

func (e *Engine) FarmerSummary(ctx context.Context, farmerID string, now time.Time) (*FarmerSummary, error) {
	if _, err := e.store.GetFarmer(ctx, farmerID); err != nil {
		return nil, err
	}

	summary := &FarmerSummary{FarmerID: farmerID, GeneratedAt: now}
	var err error
	if summary.TotalRecords, err = e.store.CountFarmerAdministrations(ctx, farmerID, nil); err != nil {
		return nil, apperr.Persistence(err, "count administrations")
	}
	recent := now.AddDate(0, 0, -recentWindowDays)
	if summary.RecentRecords, err = e.store.CountFarmerAdministrations(ctx, farmerID, &recent); err != nil {
		return nil, apperr.Persistence(err, "count recent administrations")
	}
	usageSince := now.AddDate(0, 0, -usageWindowDays)
	if summary.TopDrugs, err = e.store.DrugUsageCounts(ctx, farmerID, usageSince, topDrugLimit); err != nil {
		return nil, apperr.Persistence(err, "rank drug usage")
	}
	if summary.TopDrugs == nil {
		summary.TopDrugs = []database.DrugUsage{}
	}

	active, err := e.store.ListActiveWithdrawals(ctx, farmerID, utils.DateOf(now))
	if err != nil {
		return nil, apperr.Persistence(err, "list active withdrawals")
	}
	summary.ActiveWithdrawals = len(active)
	return summary, nil
}

// ActiveWithdrawals lists withdrawal periods ending today or later, soonest
// first.
func (e *Engine) ActiveWithdrawals(ctx context.Context, farmerID string, today time.Time) ([]Withdrawal, error) {
	today = utils.DateOf(today)
	records, err := e.store.ListActiveWithdrawals(ctx, farmerID, today)
	if err != nil {
		return nil, apperr.Persistence(err, "list active withdrawals")
	}
	herd, err := e.store.ListLivestockByFarmer(ctx, farmerID)
	if err != nil {
		return nil, apperr.Persistence(err, "list livestock")
	}
	tags := make(map[string]string, len(herd))
	for _, l := range herd {
		tags[l.ID] = l.RFIDTag
	}

	out := make([]Withdrawal, 0, len(records))
	for _, r := range records {
		end := utils.DateOf(*r.WithdrawalEndDate)
		out = append(out, Withdrawal{
			LivestockID:       r.LivestockID,
			RFIDTag:           tags[r.LivestockID],
			AdministrationID:  r.ID,
			DrugName:          r.DrugName,
			WithdrawalEndDate: end,
			DaysRemaining:     utils.DaysBetween(today, end),
		})
	}
	return out, nil
}

// Build gathers the summary and withdrawals for one farmer.
func (e *Engine) Build(ctx context.Context, farmerID string, now time.Time) (*Report, error) {
	summary, err := e.FarmerSummary(ctx, farmerID, now)
	if err != nil {
		return nil, err
	}
	withdrawals, err := e.ActiveWithdrawals(ctx, farmerID, now)
	if err != nil {
		return nil, err
	}
	return &Report{Summary: *summary, Withdrawals: withdrawals}, nil
}

// Export writes the farmer's report to w in format.
func (e *Engine) Export(ctx context.Context, format Format, farmerID string, now time.Time, w io.Writer) error {
	report, err := e.Build(ctx, farmerID, now)
	if err != nil {
		return err
	}

	var content []byte
	switch format {
	case FormatExcel:
		content, err = generateExcel(report)
	case FormatPDF:
		content, err = generatePDF(report)
	case FormatCSV:
		content, err = generateCSV(report)
	case FormatJSON:
		content, err = json.MarshalIndent(report, "", "  ")
	default:
		err = apperr.Validation("unsupported report format: %s", format)
	}
	if err != nil {
		e.logger.Error("Failed to generate report",
			logging.Farmer(farmerID),
			zap.String("format", string(format)),
			zap.Error(err))
		return err
	}

	if _, err := w.Write(content); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	e.logger.Info("Report generated",
		logging.Farmer(farmerID),
		zap.String("format", string(format)),
		zap.Int("size_bytes", len(content)))
	return nil
}

// ExportUsageWorkbook writes the XLSX export.
func (e *Engine) ExportUsageWorkbook(ctx context.Context, farmerID string, now time.Time, w io.Writer) error {
	return e.Export(ctx, FormatExcel, farmerID, now, w)
}

var withdrawalHeaders = []string{"Livestock ID", "RFID Tag", "Drug", "Withdrawal Ends", "Days Remaining"}

func withdrawalRow(wd Withdrawal) []string {
	return []string{wd.LivestockID, wd.RFIDTag, wd.DrugName, utils.FormatDate(wd.WithdrawalEndDate), strconv.Itoa(wd.DaysRemaining)}
}

func summaryRows(s FarmerSummary) [][]interface{} {
	rows := [][]interface{}{
		{"Farmer ID", s.FarmerID},
		{"Generated At", s.GeneratedAt.UTC().Format(time.RFC3339)},
		{"Total AMU Records", s.TotalRecords},
		{"AMU Records (30 days)", s.RecentRecords},
		{"Active Withdrawal Periods", s.ActiveWithdrawals},
	}
	for _, d := range s.TopDrugs {
		rows = append(rows, []interface{}{"Drug: " + d.DrugName, d.Count})
	}
	return rows
}

func generateExcel(report *Report) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const summarySheet, withdrawalSheet = "Summary", "Withdrawals"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, fmt.Errorf("failed to name summary sheet: %w", err)
	}
	for i, row := range summaryRows(report.Summary) {
		if err := f.SetSheetRow(summarySheet, fmt.Sprintf("A%d", i+1), &row); err != nil {
			return nil, fmt.Errorf("failed to write summary row: %w", err)
		}
	}

	if _, err := f.NewSheet(withdrawalSheet); err != nil {
		return nil, fmt.Errorf("failed to add withdrawals sheet: %w", err)
	}
	if err := f.SetSheetRow(withdrawalSheet, "A1", &withdrawalHeaders); err != nil {
		return nil, fmt.Errorf("failed to write withdrawal headers: %w", err)
	}
	for i, wd := range report.Withdrawals {
		row := []interface{}{wd.LivestockID, wd.RFIDTag, wd.DrugName, utils.FormatDate(wd.WithdrawalEndDate), wd.DaysRemaining}
		if err := f.SetSheetRow(withdrawalSheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return nil, fmt.Errorf("failed to write withdrawal row: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate Excel file: %w", err)
	}
	return buf.Bytes(), nil
}

func generatePDF(report *Report) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(40, 10, "Antimicrobial Use Report")
	pdf.Ln(12)

	pdf.SetFont("Arial", "", 11)
	for _, row := range summaryRows(report.Summary) {
		pdf.CellFormat(70, 7, fmt.Sprint(row[0]), "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 7, fmt.Sprint(row[1]), "", 1, "L", false, 0, "")
	}
	pdf.Ln(6)

	pdf.SetFont("Arial", "B", 12)
	pdf.Cell(40, 8, "Active Withdrawal Periods")
	pdf.Ln(9)

	widths := []float64{45, 30, 40, 35, 30}
	pdf.SetFont("Arial", "B", 10)
	for i, h := range withdrawalHeaders {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, wd := range report.Withdrawals {
		for i, v := range withdrawalRow(wd) {
			pdf.CellFormat(widths[i], 6, v, "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate PDF: %w", err)
	}
	return buf.Bytes(), nil
}

func generateCSV(report *Report) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write(withdrawalHeaders); err != nil {
		return nil, fmt.Errorf("failed to write CSV headers: %w", err)
	}
	for _, wd := range report.Withdrawals {
		if err := writer.Write(withdrawalRow(wd)); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}
	return buf.Bytes(), nil
}

// DaysRemaining counts whole days from today to the record's withdrawal end.
// It reports false when the record has no window or the window has ended.
func DaysRemaining(record *models.AntimicrobialAdministration, today time.Time) (int, bool) {
	if record.WithdrawalEndDate == nil {
		return 0, false
	}
	days := utils.DaysBetween(utils.DateOf(today), utils.DateOf(*record.WithdrawalEndDate))
	if days < 0 {
		return 0, false
	}
	return days, true
}
