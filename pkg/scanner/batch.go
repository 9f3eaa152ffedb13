package scanner

import (
	"context"
	"sort"

	"github.com/Ramsey-B/thistle/pkg/models"
)

// Persister stores a batch of candidates in one call and reports how many rows were written.
type Persister interface {
	PersistBatch(ctx context.Context, candidates []models.DuplicateCandidate, scanRunID string) (int, error)
}

// CandidateBatch accumulates candidates for one scan. It keeps at most one
// candidate per canonical pair and never grows past its capacity.
type CandidateBatch struct {
	capacity   int
	candidates []models.DuplicateCandidate
	pairs      map[[2]string]struct{}
}

func NewCandidateBatch(capacity int) *CandidateBatch {
	return &CandidateBatch{
		capacity: capacity,
		pairs:    make(map[[2]string]struct{}),
	}
}

// Add canonicalizes c and appends it. It returns false when the batch is full
// or the pair is already present.
func (b *CandidateBatch) Add(c models.DuplicateCandidate) bool {
	if b.Full() {
		return false
	}
	c.Canonicalize()
	key := [2]string{c.EntityAID, c.EntityBID}
	if _, ok := b.pairs[key]; ok {
		return false
	}
	b.pairs[key] = struct{}{}
	b.candidates = append(b.candidates, c)
	return true
}

func (b *CandidateBatch) Len() int {
	return len(b.candidates)
}

func (b *CandidateBatch) Full() bool {
	return b.capacity > 0 && len(b.candidates) >= b.capacity
}

// Candidates returns a copy sorted by score, highest first. Ties keep detection order.
func (b *CandidateBatch) Candidates() []models.DuplicateCandidate {
	out := make([]models.DuplicateCandidate, len(b.candidates))
	copy(out, b.candidates)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SimilarityScore > out[j].SimilarityScore
	})
	return out
}

// Flush hands every candidate to p in a single call and empties the batch.
func (b *CandidateBatch) Flush(ctx context.Context, p Persister, scanRunID string) (int, error) {
	if len(b.candidates) == 0 {
		return 0, nil
	}
	inserted, err := p.PersistBatch(ctx, b.Candidates(), scanRunID)
	if err != nil {
		return inserted, err
	}
	b.candidates = nil
	b.pairs = make(map[[2]string]struct{})
	return inserted, nil
}
