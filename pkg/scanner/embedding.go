package scanner

import (
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/similarity"
)

// EmbeddingScorer matches pairs whose embedding vectors point the same way.
// Entities without a vector never match.
type EmbeddingScorer struct {
	threshold float64
}

func NewEmbeddingScorer(threshold float64) *EmbeddingScorer {
	if threshold <= 0 {
		threshold = 0.9
	}
	return &EmbeddingScorer{threshold: threshold}
}

func (s *EmbeddingScorer) Score(a, b models.IntelEntity) (float64, models.DetectionMethod, bool) {
	if len(a.Embedding) == 0 || len(b.Embedding) == 0 {
		return 0, "", false
	}
	score := similarity.CosineSimilarity(a.Embedding, b.Embedding)
	if score < s.threshold {
		return 0, "", false
	}
	return min(score, 1.0), models.DetectionSemanticSimilarity, true
}
