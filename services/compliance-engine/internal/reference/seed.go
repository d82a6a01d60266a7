package reference

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"cattlesense/services/compliance-engine/internal/apperr"
	"cattlesense/shared/models"
)

const fssai = "FSSAI"

// DefaultRules returns the FSSAI withdrawal periods and MRLs the service
// seeds on first start.
func DefaultRules() []*models.WithdrawalPeriodRule {
	rule := func(drug, ingredient string, species models.Species, tissue models.TissueType, days int, mrl float64) *models.WithdrawalPeriodRule {
		return &models.WithdrawalPeriodRule{
			DrugName:             drug,
			ActiveIngredient:     ingredient,
			Species:              species,
			TissueType:           tissue,
			WithdrawalPeriodDays: days,
			MRLValue:             &mrl,
			MRLUnit:              "mg/kg",
			ReferenceSource:      fssai,
		}
	}

	return []*models.WithdrawalPeriodRule{
		rule("Amoxicillin", "Amoxicillin", models.SpeciesCattle, models.TissueMilk, 14, 0.01),
		rule("Amoxicillin", "Amoxicillin", models.SpeciesCattle, models.TissueMeat, 28, 0.05),
		rule("Oxytetracycline", "Oxytetracycline", models.SpeciesCattle, models.TissueMilk, 21, 0.1),
		rule("Oxytetracycline", "Oxytetracycline", models.SpeciesCattle, models.TissueMeat, 35, 0.2),
		rule("Penicillin", "Penicillin G", models.SpeciesCattle, models.TissueMilk, 7, 0.004),
		rule("Penicillin", "Penicillin G", models.SpeciesCattle, models.TissueMeat, 14, 0.05),
		rule("Enrofloxacin", "Enrofloxacin", models.SpeciesPoultry, models.TissueMeat, 5, 0.1),
		rule("Enrofloxacin", "Enrofloxacin", models.SpeciesPoultry, models.TissueEggs, 3, 0.05),
		rule("Tylosin", "Tylosin", models.SpeciesCattle, models.TissueMilk, 21, 0.05),
		rule("Tylosin", "Tylosin", models.SpeciesCattle, models.TissueMeat, 28, 0.1),
		rule("Sulfamethazine", "Sulfamethazine", models.SpeciesCattle, models.TissueMilk, 7, 0.025),
		rule("Sulfamethazine", "Sulfamethazine", models.SpeciesPig, models.TissueMeat, 15, 0.1),
		rule("Ceftiofur", "Ceftiofur", models.SpeciesCattle, models.TissueMilk, 0, 0.1),
		rule("Ceftiofur", "Ceftiofur", models.SpeciesCattle, models.TissueMeat, 13, 0.2),
		rule("Ivermectin", "Ivermectin", models.SpeciesCattle, models.TissueMilk, 35, 0.01),
		rule("Ivermectin", "Ivermectin", models.SpeciesCattle, models.TissueMeat, 35, 0.02),
		rule("Gentamicin", "Gentamicin", models.SpeciesCattle, models.TissueMilk, 30, 0.2),
		rule("Gentamicin", "Gentamicin", models.SpeciesCattle, models.TissueMeat, 42, 0.5),
		rule("Ampicillin", "Ampicillin", models.SpeciesBuffalo, models.TissueMilk, 14, 0.01),
		rule("Ampicillin", "Ampicillin", models.SpeciesBuffalo, models.TissueMeat, 21, 0.05),
	}
}

type ruleFile struct {
	Rules []struct {
		DrugName         string   `yaml:"drug_name"`
		ActiveIngredient string   `yaml:"active_ingredient"`
		Species          string   `yaml:"species"`
		TissueType       string   `yaml:"tissue_type"`
		WithdrawalDays   *int     `yaml:"withdrawal_period_days"`
		MRLValue         *float64 `yaml:"mrl_value"`
		MRLUnit          string   `yaml:"mrl_unit"`
		ReferenceSource  string   `yaml:"reference_source"`
	} `yaml:"rules"`
}

// LoadRules reads withdrawal rules from a YAML document of the form
//
//	rules:
//	  - drug_name: Amoxicillin
//	    species: cattle
//	    tissue_type: milk
//	    withdrawal_period_days: 14
//	    mrl_value: 0.01
func LoadRules(r io.Reader) ([]*models.WithdrawalPeriodRule, error) {
	var doc ruleFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, apperr.Validation("invalid reference file: %v", err)
	}

	rules := make([]*models.WithdrawalPeriodRule, 0, len(doc.Rules))
	for i, entry := range doc.Rules {
		where := fmt.Sprintf("rule %d", i+1)
		switch {
		case entry.DrugName == "":
			return nil, apperr.Validation("%s: drug_name is required", where)
		case !models.Species(entry.Species).Valid():
			return nil, apperr.Validation("%s: unknown species %q", where, entry.Species)
		case !models.TissueType(entry.TissueType).Valid():
			return nil, apperr.Validation("%s: unknown tissue_type %q", where, entry.TissueType)
		case entry.WithdrawalDays == nil || *entry.WithdrawalDays < 0:
			return nil, apperr.Validation("%s: withdrawal_period_days must be zero or more", where)
		}

		source := entry.ReferenceSource
		if source == "" {
			source = fssai
		}
		unit := entry.MRLUnit
		if unit == "" && entry.MRLValue != nil {
			unit = "mg/kg"
		}
		rules = append(rules, &models.WithdrawalPeriodRule{
			DrugName:             entry.DrugName,
			ActiveIngredient:     entry.ActiveIngredient,
			Species:              models.Species(entry.Species),
			TissueType:           models.TissueType(entry.TissueType),
			WithdrawalPeriodDays: *entry.WithdrawalDays,
			MRLValue:             entry.MRLValue,
			MRLUnit:              unit,
			ReferenceSource:      source,
		})
	}
	return rules, nil
}
