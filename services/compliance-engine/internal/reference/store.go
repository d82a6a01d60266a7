// Package reference serves withdrawal-period reference data.
package reference

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"cattlesense/services/compliance-engine/internal/apperr"
	"cattlesense/services/compliance-engine/internal/database"
	"cattlesense/shared/models"
	"cattlesense/shared/utils"
)

// Store looks up withdrawal rules with a read-through cache in front of
// the repository. Safe for concurrent use.
type Store struct {
	repo   database.ReferenceRepository
	cache  *expirable.LRU[string, models.WithdrawalPeriodRule]
	logger *zap.Logger
}

// Options sizes the lookup cache. A zero Size disables caching.
type Options struct {
	CacheSize int
	CacheTTL  time.Duration
}

func NewStore(repo database.ReferenceRepository, opts Options, logger *zap.Logger) *Store {
	s := &Store{repo: repo, logger: logger.Named("reference")}
	if opts.CacheSize > 0 {
		s.cache = expirable.NewLRU[string, models.WithdrawalPeriodRule](opts.CacheSize, nil, opts.CacheTTL)
	}
	return s
}

// Lookup returns the rule for drug, species and tissue. With no tissue the
// rule with the longest withdrawal period across tissues is returned.
func (s *Store) Lookup(ctx context.Context, drugName string, species models.Species, tissue models.TissueType) (models.WithdrawalPeriodRule, error) {
	if utils.IsEmpty(drugName) {
		return models.WithdrawalPeriodRule{}, apperr.Validation("drug name is required")
	}
	if !species.Valid() {
		return models.WithdrawalPeriodRule{}, apperr.Validation("unknown species %q", species)
	}
	if tissue != "" && !tissue.Valid() {
		return models.WithdrawalPeriodRule{}, apperr.Validation("unknown tissue type %q", tissue)
	}

	key := utils.BuildKey(drugName, string(species), string(tissue))
	if s.cache != nil {
		if rule, ok := s.cache.Get(key); ok {
			return rule, nil
		}
	}

	rules, err := s.repo.FindWithdrawalRules(ctx, drugName, species)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindReferenceDataUnavailable {
			return models.WithdrawalPeriodRule{}, err
		}
		return models.WithdrawalPeriodRule{}, apperr.Wrap(err, apperr.KindReferenceDataUnavailable, "lookup %s/%s", drugName, species)
	}

	rule, ok := selectRule(rules, tissue)
	if !ok {
		return models.WithdrawalPeriodRule{}, apperr.NotFound("no withdrawal rule for %s/%s/%s", drugName, species, tissue)
	}

	if s.cache != nil {
		s.cache.Add(key, rule)
	}
	return rule, nil
}

func selectRule(rules []*models.WithdrawalPeriodRule, tissue models.TissueType) (models.WithdrawalPeriodRule, bool) {
	var best *models.WithdrawalPeriodRule
	for _, r := range rules {
		if tissue != "" {
			if r.TissueType == tissue {
				return *r, true
			}
			continue
		}
		if best == nil || r.WithdrawalPeriodDays > best.WithdrawalPeriodDays {
			best = r
		}
	}
	if best == nil {
		return models.WithdrawalPeriodRule{}, false
	}
	return *best, true
}

// Seed inserts rules only when the table is empty and reports how many
// rows were written. Re-seeding a populated table is a no-op.
func (s *Store) Seed(ctx context.Context, rules []*models.WithdrawalPeriodRule) (int, error) {
	existing, err := s.repo.CountWithdrawalRules(ctx)
	if err != nil {
		return 0, err
	}
	if existing > 0 {
		s.logger.Info("Reference data already present, skipping seed", zap.Int64("rows", existing))
		return 0, nil
	}

	for _, r := range rules {
		if r.ID == "" {
			r.ID = utils.GenerateID()
		}
	}
	if err := s.repo.InsertWithdrawalRules(ctx, rules); err != nil {
		return 0, err
	}
	s.Invalidate()

	s.logger.Info("Seeded withdrawal period reference data", zap.Int("rows", len(rules)))
	return len(rules), nil
}

// Invalidate drops every cached lookup.
func (s *Store) Invalidate() {
	if s.cache != nil {
		s.cache.Purge()
	}
}
