package reporting

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"cattlesense/services/compliance-engine/internal/apperr"
	"cattlesense/services/compliance-engine/internal/database"
	"cattlesense/shared/models"
)

// DefaultRegionalDays is the look-back of a regional summary when none is given.
const DefaultRegionalDays = 90

// RegionalSummary is antimicrobial use across every farm of a district or
// state, for inspectors and researchers.
type RegionalSummary struct {
	Region          string                   `json:"region"`
	PeriodDays      int                      `json:"period_days"`
	TotalFarms      int64                    `json:"total_farms"`
	TotalLivestock  int64                    `json:"total_livestock"`
	TotalRecords    int64                    `json:"total_amu_records"`
	DrugCategories  []database.CategoryCount `json:"drug_category_distribution"`
	SpeciesUsage    []database.SpeciesCount  `json:"species_distribution"`
	ActiveLivestock []database.SpeciesCount  `json:"active_livestock_by_species"`
	MRLViolations   int64                    `json:"mrl_violations_count"`
	ViolatingFarms  int64                    `json:"farms_with_violations"`
	// ComplianceRate is the percentage of farms without an MRL breach in the period.
	ComplianceRate float64   `json:"compliance_rate"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// RegionalSummary aggregates the last days of records and MRL breaches for
// the region.
func (e *Engine) RegionalSummary(ctx context.Context, region database.Region, days int, now time.Time) (*RegionalSummary, error) {
	if days <= 0 {
		return nil, apperr.Validation("period must be at least one day, got %d", days)
	}
	since := now.AddDate(0, 0, -days)

	herd, err := e.store.RegionalHerd(ctx, region)
	if err != nil {
		return nil, apperr.Persistence(err, "count regional herd")
	}
	usage, err := e.store.RegionalUsage(ctx, region, since)
	if err != nil {
		return nil, apperr.Persistence(err, "aggregate regional usage")
	}
	breaches, err := e.store.RegionalAlerts(ctx, region, models.AlertMRLBreach, since)
	if err != nil {
		return nil, apperr.Persistence(err, "count regional MRL breaches")
	}

	summary := &RegionalSummary{
		Region:          region.Name(),
		PeriodDays:      days,
		TotalFarms:      herd.Farms,
		TotalLivestock:  herd.Livestock,
		TotalRecords:    usage.Records,
		DrugCategories:  nonNilCategories(usage.Categories),
		SpeciesUsage:    nonNilSpecies(usage.Species),
		ActiveLivestock: nonNilSpecies(herd.ActiveBySpecies),
		MRLViolations:   breaches.Alerts,
		ViolatingFarms:  breaches.Farms,
		ComplianceRate:  complianceRate(herd.Farms, breaches.Farms),
		GeneratedAt:     now,
	}
	return summary, nil
}

// complianceRate is 100 for a region without farms.
func complianceRate(farms, violating int64) float64 {
	if farms <= 0 {
		return 100
	}
	if violating > farms {
		violating = farms
	}
	rate := float64(farms-violating) / float64(farms) * 100
	return math.Round(rate*100) / 100
}

// ExportRegional writes the regional summary to w in format.
func (e *Engine) ExportRegional(ctx context.Context, format Format, region database.Region, days int, now time.Time, w io.Writer) error {
	summary, err := e.RegionalSummary(ctx, region, days, now)
	if err != nil {
		return err
	}

	var content []byte
	switch format {
	case FormatExcel:
		content, err = regionalExcel(summary)
	case FormatPDF:
		content, err = regionalPDF(summary)
	case FormatCSV:
		content, err = regionalCSV(summary)
	case FormatJSON:
		content, err = json.MarshalIndent(summary, "", "  ")
	default:
		err = apperr.Validation("unsupported report format: %s", format)
	}
	if err != nil {
		e.logger.Error("Failed to generate regional report",
			zap.String("region", summary.Region),
			zap.String("format", string(format)),
			zap.Error(err))
		return err
	}

	if _, err := w.Write(content); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	e.logger.Info("Regional report generated",
		zap.String("region", summary.Region),
		zap.Int("period_days", days),
		zap.String("format", string(format)))
	return nil
}

func regionalRows(s *RegionalSummary) [][]interface{} {
	return [][]interface{}{
		{"Region", s.Region},
		{"Period (days)", s.PeriodDays},
		{"Generated At", s.GeneratedAt.UTC().Format(time.RFC3339)},
		{"Total Farms", s.TotalFarms},
		{"Total Livestock", s.TotalLivestock},
		{"AMU Records", s.TotalRecords},
		{"MRL Violations", s.MRLViolations},
		{"Farms With Violations", s.ViolatingFarms},
		{"Compliance Rate (%)", s.ComplianceRate},
	}
}

func regionalExcel(s *RegionalSummary) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const summarySheet, categorySheet, speciesSheet = "Region", "Drug Categories", "Species"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, fmt.Errorf("failed to name region sheet: %w", err)
	}
	for i, row := range regionalRows(s) {
		if err := f.SetSheetRow(summarySheet, fmt.Sprintf("A%d", i+1), &row); err != nil {
			return nil, fmt.Errorf("failed to write region row: %w", err)
		}
	}

	if _, err := f.NewSheet(categorySheet); err != nil {
		return nil, fmt.Errorf("failed to add categories sheet: %w", err)
	}
	if err := f.SetSheetRow(categorySheet, "A1", &[]string{"Drug Category", "AMU Records"}); err != nil {
		return nil, fmt.Errorf("failed to write category headers: %w", err)
	}
	for i, c := range s.DrugCategories {
		if err := f.SetSheetRow(categorySheet, fmt.Sprintf("A%d", i+2), &[]interface{}{c.Category, c.Count}); err != nil {
			return nil, fmt.Errorf("failed to write category row: %w", err)
		}
	}

	if _, err := f.NewSheet(speciesSheet); err != nil {
		return nil, fmt.Errorf("failed to add species sheet: %w", err)
	}
	if err := f.SetSheetRow(speciesSheet, "A1", &[]string{"Species", "AMU Records", "Active Livestock"}); err != nil {
		return nil, fmt.Errorf("failed to write species headers: %w", err)
	}
	for i, row := range speciesTable(s) {
		if err := f.SetSheetRow(speciesSheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return nil, fmt.Errorf("failed to write species row: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate Excel file: %w", err)
	}
	return buf.Bytes(), nil
}

func regionalPDF(s *RegionalSummary) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(40, 10, "Regional Antimicrobial Use Report")
	pdf.Ln(12)

	pdf.SetFont("Arial", "", 11)
	for _, row := range regionalRows(s) {
		pdf.CellFormat(70, 7, fmt.Sprint(row[0]), "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 7, fmt.Sprint(row[1]), "", 1, "L", false, 0, "")
	}
	pdf.Ln(6)

	table := func(title string, headers []string, rows [][]interface{}) {
		pdf.SetFont("Arial", "B", 12)
		pdf.Cell(40, 8, title)
		pdf.Ln(9)
		pdf.SetFont("Arial", "B", 10)
		for _, h := range headers {
			pdf.CellFormat(50, 7, h, "1", 0, "C", false, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Arial", "", 10)
		for _, row := range rows {
			for _, v := range row {
				pdf.CellFormat(50, 6, fmt.Sprint(v), "1", 0, "L", false, 0, "")
			}
			pdf.Ln(-1)
		}
		pdf.Ln(4)
	}

	categories := make([][]interface{}, 0, len(s.DrugCategories))
	for _, c := range s.DrugCategories {
		categories = append(categories, []interface{}{c.Category, c.Count})
	}
	table("Drug Categories", []string{"Drug Category", "AMU Records"}, categories)
	table("Species", []string{"Species", "AMU Records", "Active Livestock"}, speciesTable(s))

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate PDF: %w", err)
	}
	return buf.Bytes(), nil
}

// regionalCSV writes one section, metric, value line per figure.
func regionalCSV(s *RegionalSummary) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	records := [][]string{{"section", "name", "value"}}
	for _, row := range regionalRows(s) {
		records = append(records, []string{"summary", fmt.Sprint(row[0]), fmt.Sprint(row[1])})
	}
	for _, c := range s.DrugCategories {
		records = append(records, []string{"drug_category", c.Category, strconv.FormatInt(c.Count, 10)})
	}
	for _, sp := range s.SpeciesUsage {
		records = append(records, []string{"species_usage", sp.Species, strconv.FormatInt(sp.Count, 10)})
	}
	for _, sp := range s.ActiveLivestock {
		records = append(records, []string{"active_livestock", sp.Species, strconv.FormatInt(sp.Count, 10)})
	}
	if err := writer.WriteAll(records); err != nil {
		return nil, fmt.Errorf("failed to write CSV: %w", err)
	}
	return buf.Bytes(), nil
}

// speciesTable merges usage and active livestock per species, usage order first.
func speciesTable(s *RegionalSummary) [][]interface{} {
	active := map[string]int64{}
	for _, sp := range s.ActiveLivestock {
		active[sp.Species] = sp.Count
	}
	seen := map[string]bool{}
	rows := make([][]interface{}, 0, len(s.SpeciesUsage)+len(s.ActiveLivestock))
	for _, sp := range s.SpeciesUsage {
		seen[sp.Species] = true
		rows = append(rows, []interface{}{sp.Species, sp.Count, active[sp.Species]})
	}
	for _, sp := range s.ActiveLivestock {
		if !seen[sp.Species] {
			rows = append(rows, []interface{}{sp.Species, int64(0), sp.Count})
		}
	}
	return rows
}

func nonNilCategories(c []database.CategoryCount) []database.CategoryCount {
	if c == nil {
		return []database.CategoryCount{}
	}
	return c
}

func nonNilSpecies(c []database.SpeciesCount) []database.SpeciesCount {
	if c == nil {
		return []database.SpeciesCount{}
	}
	return c
}
