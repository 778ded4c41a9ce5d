package concept

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/clinicalimport/internal/platform/cache"
)

// cachedConcept is the cached form of a concept lookup. Found is false for a
// negative result so that unknown codes are not re-queried on every row.
type cachedConcept struct {
	Found   bool     `json:"found"`
	Concept *Concept `json:"concept,omitempty"`
}

// CachedRepository decorates a concept and rule repository pair with a
// Redis read-through cache. Cache failures are logged and fall through to
// the underlying repositories.
type CachedRepository struct {
	concepts ConceptRepository
	rules    RuleRepository
	cache    *cache.Cache
	ttl      time.Duration
	logger   zerolog.Logger
}

// NewCachedRepository wraps the given repositories.
func NewCachedRepository(concepts ConceptRepository, rules RuleRepository, c *cache.Cache, ttl time.Duration, logger zerolog.Logger) *CachedRepository {
	if c == nil {
		c = cache.Disabled()
	}
	return &CachedRepository{concepts: concepts, rules: rules, cache: c, ttl: ttl, logger: logger}
}

// Concepts returns the cached ConceptRepository view.
func (r *CachedRepository) Concepts() ConceptRepository { return cachedConcepts{r} }

// Rules returns the cached RuleRepository view.
func (r *CachedRepository) Rules() RuleRepository { return cachedRules{r} }

type cachedConcepts struct{ r *CachedRepository }

func (v cachedConcepts) FindByConceptCode(ctx context.Context, code string) (*Concept, error) {
	key := "concept:" + code
	var hit cachedConcept
	err := v.r.cache.Get(ctx, key, &hit)
	if err == nil {
		if !hit.Found {
			return nil, nil
		}
		return hit.Concept, nil
	}
	if !cache.IsMiss(err) {
		v.r.logger.Warn().Err(err).Str("concept", code).Msg("concept cache read failed")
	}

	c, err := v.r.concepts.FindByConceptCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := v.r.cache.Set(ctx, key, cachedConcept{Found: c != nil, Concept: c}, v.r.ttl); err != nil {
		v.r.logger.Warn().Err(err).Str("concept", code).Msg("concept cache write failed")
	}
	return c, nil
}

type cachedRules struct{ r *CachedRepository }

func (v cachedRules) FindByConceptCode(ctx context.Context, code string) ([]Rule, error) {
	key := "rules:" + code
	var rules []Rule
	err := v.r.cache.Get(ctx, key, &rules)
	if err == nil {
		return rules, nil
	}
	if !cache.IsMiss(err) {
		v.r.logger.Warn().Err(err).Str("concept", code).Msg("rule cache read failed")
	}

	rules, err = v.r.rules.FindByConceptCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if rules == nil {
		rules = []Rule{}
	}
	if err := v.r.cache.Set(ctx, key, rules, v.r.ttl); err != nil {
		v.r.logger.Warn().Err(err).Str("concept", code).Msg("rule cache write failed")
	}
	return rules, nil
}
