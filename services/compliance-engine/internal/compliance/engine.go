// Package compliance turns antimicrobial administrations into withdrawal
// windows and alert drafts.
package compliance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cattlesense/services/compliance-engine/internal/apperr"
	"cattlesense/services/compliance-engine/internal/logging"
	"cattlesense/services/compliance-engine/internal/metrics"
	"cattlesense/shared/models"
	"cattlesense/shared/utils"
)

// RuleSource resolves withdrawal rules.
type RuleSource interface {
	Lookup(ctx context.Context, drugName string, species models.Species, tissue models.TissueType) (models.WithdrawalPeriodRule, error)
}

// UsageCounter counts prior administrations of a drug to one animal.
type UsageCounter interface {
	CountAdministrations(ctx context.Context, livestockID, drugName string, since time.Time) (int64, error)
}

// Options tunes excessive-use detection.
type Options struct {
	WindowDays int
	Threshold  int
}

func DefaultOptions() Options {
	return Options{WindowDays: 30, Threshold: 3}
}

// Engine is stateless apart from its collaborators and safe for concurrent use.
type Engine struct {
	rules   RuleSource
	opts    Options
	metrics *metrics.Collector
	logger  *zap.Logger
}

func NewEngine(rules RuleSource, opts Options, collector *metrics.Collector, logger *zap.Logger) *Engine {
	defaults := DefaultOptions()
	if opts.WindowDays <= 0 {
		opts.WindowDays = defaults.WindowDays
	}
	if opts.Threshold <= 0 {
		opts.Threshold = defaults.Threshold
	}
	return &Engine{rules: rules, opts: opts, metrics: collector, logger: logger.Named("compliance")}
}

func (e *Engine) Options() Options { return e.opts }

// WithdrawalWindow is the outcome of a withdrawal computation. WithdrawalEnd
// and WithdrawalDays are nil when no rule applies or the reference data was
// unreachable; Degraded distinguishes the latter.
type WithdrawalWindow struct {
	AdministrationEnd time.Time
	WithdrawalEnd     *time.Time
	WithdrawalDays    *int
	Tissue            models.TissueType
	Rule              *models.WithdrawalPeriodRule
	Degraded          bool
}

// Known reports whether a withdrawal end date was computed.
func (w WithdrawalWindow) Known() bool { return w.WithdrawalEnd != nil }

// ComputeWithdrawalWindow returns administration end = start + duration and,
// when a rule exists, withdrawal end = administration end + rule days. It
// never fails: a missing rule or unavailable reference data yields an
// unknown window.
func (e *Engine) ComputeWithdrawalWindow(ctx context.Context, drugName string, species models.Species, tissue models.TissueType, start time.Time, durationDays int) WithdrawalWindow {
	window := WithdrawalWindow{
		AdministrationEnd: utils.AddDays(utils.DateOf(start), durationDays),
		Tissue:            tissue,
	}

	rule, err := e.rules.Lookup(ctx, drugName, species, tissue)
	switch {
	case err == nil:
	case apperr.Is(err, apperr.KindNotFound):
		e.metrics.RecordWithdrawalLookup("missing")
		e.logger.Debug("No withdrawal rule, proceeding without restriction",
			logging.Drug(drugName),
			zap.String("species", string(species)),
			zap.String("tissue", string(tissue)))
		return window
	default:
		e.metrics.RecordWithdrawalLookup("degraded")
		e.logger.Warn("Reference data unavailable, withdrawal window deferred",
			logging.Drug(drugName),
			zap.String("species", string(species)),
			zap.Error(err))
		window.Degraded = true
		return window
	}

	e.metrics.RecordWithdrawalLookup("found")
	end := utils.AddDays(window.AdministrationEnd, rule.WithdrawalPeriodDays)
	days := rule.WithdrawalPeriodDays
	window.WithdrawalEnd = &end
	window.WithdrawalDays = &days
	window.Tissue = rule.TissueType
	window.Rule = &rule
	return window
}

// UsageCheck is the result of an excessive-use count.
type UsageCheck struct {
	LivestockID string
	DrugName    string
	Count       int64
	Threshold   int
	WindowDays  int
	Since       time.Time
	Excessive   bool
}

// DetectExcessiveUse counts administrations of drugName to the livestock
// created in the trailing window ending at now. Call it after the new
// record is stored so the record counts toward its own threshold.
func (e *Engine) DetectExcessiveUse(ctx context.Context, counter UsageCounter, livestockID, drugName string, now time.Time) (UsageCheck, error) {
	since := now.Add(-time.Duration(e.opts.WindowDays) * 24 * time.Hour)
	count, err := counter.CountAdministrations(ctx, livestockID, drugName, since)
	if err != nil {
		return UsageCheck{}, apperr.Persistence(err, "count administrations of %s for livestock %s", drugName, livestockID)
	}
	return UsageCheck{
		LivestockID: livestockID,
		DrugName:    drugName,
		Count:       count,
		Threshold:   e.opts.Threshold,
		WindowDays:  e.opts.WindowDays,
		Since:       since,
		Excessive:   count >= int64(e.opts.Threshold),
	}, nil
}

// Evaluation is everything the engine decided about one administration.
type Evaluation struct {
	Usage  UsageCheck
	Drafts []models.AlertDraft
}

// EvaluateAdministration runs the excessive-use check and, independently,
// drafts a withdrawal alert when window is known. The record must already
// be stored through counter.
func (e *Engine) EvaluateAdministration(ctx context.Context, counter UsageCounter, record *models.AntimicrobialAdministration, livestock *models.Livestock, window WithdrawalWindow) (Evaluation, error) {
	started := time.Now()
	defer func() { e.metrics.ObserveEvaluation(time.Since(started)) }()

	usage, err := e.DetectExcessiveUse(ctx, counter, record.LivestockID, record.DrugName, record.CreatedAt)
	if err != nil {
		return Evaluation{}, err
	}

	eval := Evaluation{Usage: usage}
	if usage.Excessive {
		eval.Drafts = append(eval.Drafts, excessiveUseDraft(record, livestock, usage))
	}
	if window.Known() {
		eval.Drafts = append(eval.Drafts, withdrawalDraft(record, livestock, window))
	}
	return eval, nil
}

// CheckMRL drafts an MRL breach when measured exceeds the rule's limit.
// Rules without an MRL never breach.
func (e *Engine) CheckMRL(rule models.WithdrawalPeriodRule, livestock *models.Livestock, measured float64) (models.AlertDraft, bool) {
	if rule.MRLValue == nil || measured <= *rule.MRLValue {
		return models.AlertDraft{}, false
	}
	return models.AlertDraft{
		Type:        models.AlertMRLBreach,
		Severity:    models.SeverityCritical,
		LivestockID: livestock.ID,
		FarmerID:    livestock.FarmerID,
		Title:       fmt.Sprintf("MRL exceeded for %s", rule.DrugName),
		Message: fmt.Sprintf("Residue of %s in %s from livestock %s measured %g %s, above the limit of %g %s. Do not sell products.",
			rule.DrugName, rule.TissueType, livestock.RFIDTag, measured, rule.MRLUnit, *rule.MRLValue, rule.MRLUnit),
		Metadata: models.Attributes{
			"drug_name":      rule.DrugName,
			"tissue_type":    string(rule.TissueType),
			"measured_value": measured,
			"mrl_value":      *rule.MRLValue,
			"mrl_unit":       rule.MRLUnit,
		},
		DedupeKey: utils.BuildKey(string(models.AlertMRLBreach), livestock.ID, rule.DrugName, string(rule.TissueType)),
	}, true
}

// DefaultTissue picks the tissue to check when the caller supplies none:
// milk for dairy animals, eggs for laying poultry, otherwise meat.
func DefaultTissue(livestock *models.Livestock) models.TissueType {
	switch livestock.ProductionType {
	case models.ProductionMilk:
		switch livestock.Species {
		case models.SpeciesCattle, models.SpeciesBuffalo, models.SpeciesGoat, models.SpeciesSheep:
			return models.TissueMilk
		}
	case models.ProductionEggs:
		if livestock.Species == models.SpeciesPoultry {
			return models.TissueEggs
		}
	}
	return models.TissueMeat
}

func excessiveUseDraft(record *models.AntimicrobialAdministration, livestock *models.Livestock, usage UsageCheck) models.AlertDraft {
	return models.AlertDraft{
		Type:        models.AlertExcessiveUse,
		Severity:    models.SeverityHigh,
		LivestockID: livestock.ID,
		FarmerID:    livestock.FarmerID,
		Title:       fmt.Sprintf("Excessive use of %s", record.DrugName),
		Message: fmt.Sprintf("The drug %s has been used %d times in the last %d days for livestock %s",
			record.DrugName, usage.Count, usage.WindowDays, livestock.RFIDTag),
		Metadata: models.Attributes{
			"drug_name":         record.DrugName,
			"administration_id": record.ID,
			"count":             usage.Count,
			"threshold":         usage.Threshold,
			"window_days":       usage.WindowDays,
		},
		DedupeKey: utils.BuildKey(string(models.AlertExcessiveUse), livestock.ID, record.DrugName),
	}
}

func withdrawalDraft(record *models.AntimicrobialAdministration, livestock *models.Livestock, window WithdrawalWindow) models.AlertDraft {
	end := utils.FormatDate(*window.WithdrawalEnd)
	return models.AlertDraft{
		Type:        models.AlertWithdrawalPeriod,
		Severity:    models.SeverityMedium,
		LivestockID: livestock.ID,
		FarmerID:    livestock.FarmerID,
		Title:       fmt.Sprintf("Withdrawal period for %s", record.DrugName),
		Message:     fmt.Sprintf("Withdrawal period ends on %s. Do not sell products until then.", end),
		Metadata: models.Attributes{
			"withdrawal_end_date": end,
			"withdrawal_days":     *window.WithdrawalDays,
			"tissue_type":         string(window.Tissue),
			"drug_name":           record.DrugName,
			"administration_id":   record.ID,
		},
		DedupeKey: utils.BuildKey(string(models.AlertWithdrawalPeriod), livestock.ID, record.DrugName, end),
	}
}
