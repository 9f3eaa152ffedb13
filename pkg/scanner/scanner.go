// Package scanner compares every pair of fetched entities and emits scored
// duplicate candidates.
package scanner

import (
	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/similarity"
)

const (
	ExactMatchScore   = 1.0
	AliasOverlapScore = 0.9
	NameInAliasScore  = 0.95
)

type Config struct {
	// SimilarityThreshold is the minimum NameSimilarity for the name_similarity rule
	SimilarityThreshold float64
	// MinAliasOverlap is the shared normalized alias count for the alias_overlap rule
	MinAliasOverlap int
	// NameInAliasThreshold is the similarity a name must exceed against an alias
	NameInAliasThreshold float64
	// MaxCandidates stops the scan once this many candidates exist
	MaxCandidates int
}

func DefaultConfig() Config {
	return Config{
		SimilarityThreshold:  0.8,
		MinAliasOverlap:      2,
		NameInAliasThreshold: 0.9,
		MaxCandidates:        500,
	}
}

// PairScorer is a second-pass signal consulted only when no rule matched a pair.
type PairScorer interface {
	Score(a, b models.IntelEntity) (score float64, method models.DetectionMethod, ok bool)
}

type Scanner struct {
	cfg     Config
	scorers []PairScorer
}

func NewScanner(cfg Config, scorers ...PairScorer) *Scanner {
	defaults := DefaultConfig()
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = defaults.SimilarityThreshold
	}
	if cfg.MinAliasOverlap <= 0 {
		cfg.MinAliasOverlap = defaults.MinAliasOverlap
	}
	if cfg.NameInAliasThreshold <= 0 {
		cfg.NameInAliasThreshold = defaults.NameInAliasThreshold
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = defaults.MaxCandidates
	}
	return &Scanner{cfg: cfg, scorers: scorers}
}

func (s *Scanner) Config() Config {
	return s.cfg
}

// NewBatch returns an empty batch sized to the scanner's candidate cap.
func (s *Scanner) NewBatch() *CandidateBatch {
	return NewCandidateBatch(s.cfg.MaxCandidates)
}

// Scan runs the rule cascade over every pair and returns the candidates sorted by score.
func (s *Scanner) Scan(entities []models.IntelEntity) []models.DuplicateCandidate {
	batch := s.NewBatch()
	s.ScanInto(entities, batch)
	return batch.Candidates()
}

// ScanInto adds candidates to batch until every pair has been compared or the batch is full.
// It reports whether the scan covered every pair.
func (s *Scanner) ScanInto(entities []models.IntelEntity, batch *CandidateBatch) bool {
	items := make([]prepared, len(entities))
	for i := range entities {
		items[i] = prepare(entities[i])
	}

	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			if batch.Full() {
				return false
			}
			if items[i].entity.ID == items[j].entity.ID {
				continue
			}
			if candidate, ok := s.compare(items[i], items[j]); ok {
				batch.Add(candidate)
			}
		}
	}
	return true
}

// prepared caches per-entity normalization so it runs once per entity rather than once per pair.
type prepared struct {
	entity  models.IntelEntity
	name    string
	aliases map[string]struct{}
	// matchable holds the raw aliases that normalize to something
	matchable []string
}

func prepare(e models.IntelEntity) prepared {
	p := prepared{
		entity:  e,
		name:    similarity.NormalizeName(e.Name),
		aliases: make(map[string]struct{}, len(e.Aliases)),
	}
	for _, alias := range e.Aliases {
		n := similarity.NormalizeName(alias)
		if n == "" {
			continue
		}
		p.aliases[n] = struct{}{}
		p.matchable = append(p.matchable, alias)
	}
	return p
}

func (s *Scanner) compare(a, b prepared) (models.DuplicateCandidate, bool) {
	// a nameless entity only matches through its aliases
	hasNames := a.name != "" && b.name != ""
	nameSim := 0.0
	if hasNames {
		nameSim = similarity.NameSimilarity(a.entity.Name, b.entity.Name)
	}
	overlap := similarity.SetOverlap(a.aliases, b.aliases)

	build := func(score float64, method models.DetectionMethod) (models.DuplicateCandidate, bool) {
		return newCandidate(a.entity, b.entity, score, nameSim, overlap, method), true
	}

	switch {
	case hasNames && a.name == b.name:
		nameSim = 1.0
		return build(ExactMatchScore, models.DetectionExactNameMatch)
	case hasNames && nameSim >= s.cfg.SimilarityThreshold:
		return build(nameSim, models.DetectionNameSimilarity)
	case overlap >= s.cfg.MinAliasOverlap:
		return build(AliasOverlapScore, models.DetectionAliasOverlap)
	case s.nameInAliases(a, b) || s.nameInAliases(b, a):
		return build(NameInAliasScore, models.DetectionNameInAlias)
	}

	for _, scorer := range s.scorers {
		if score, method, ok := scorer.Score(a.entity, b.entity); ok {
			return build(score, method)
		}
	}
	return models.DuplicateCandidate{}, false
}

// nameInAliases reports whether a's name matches one of b's aliases.
func (s *Scanner) nameInAliases(a, b prepared) bool {
	if a.name == "" {
		return false
	}
	if _, ok := b.aliases[a.name]; ok {
		return true
	}
	for _, alias := range b.matchable {
		if similarity.NameSimilarity(a.entity.Name, alias) > s.cfg.NameInAliasThreshold {
			return true
		}
	}
	return false
}

func newCandidate(a, b models.IntelEntity, score, nameSim float64, overlap int, method models.DetectionMethod) models.DuplicateCandidate {
	c := models.DuplicateCandidate{
		EntityAID:       a.ID,
		EntityA:         database.JSONB[models.EntitySnapshot]{Data: a.Snapshot()},
		EntityBID:       b.ID,
		EntityB:         database.JSONB[models.EntitySnapshot]{Data: b.Snapshot()},
		SimilarityScore: score,
		NameSimilarity:  nameSim,
		AliasOverlap:    overlap,
		DetectionMethod: method,
		Status:          models.CandidateStatusPending,
	}
	c.Canonicalize()
	return c
}
