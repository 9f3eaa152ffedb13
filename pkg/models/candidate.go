package models

import (
	"time"

	"github.com/Ramsey-B/thistle/pkg/database"
)

// CandidateStatus is the review state of a duplicate candidate
type CandidateStatus string

const (
	CandidateStatusPending  CandidateStatus = "pending"
	CandidateStatusApproved CandidateStatus = "approved"
	CandidateStatusRejected CandidateStatus = "rejected"
	CandidateStatusMerged   CandidateStatus = "merged"
)

// IsSkipped reports whether a pair in this status must never be surfaced again by a scan.
func (s CandidateStatus) IsSkipped() bool {
	return s == CandidateStatusRejected || s == CandidateStatusMerged
}

// IsMergeable reports whether the merge executor may act on a candidate in this status.
func (s CandidateStatus) IsMergeable() bool {
	return s == CandidateStatusPending || s == CandidateStatusApproved
}

// DetectionMethod names the match rule that produced a candidate
type DetectionMethod string

const (
	DetectionExactNameMatch     DetectionMethod = "exact_name_match"
	DetectionNameSimilarity     DetectionMethod = "name_similarity"
	DetectionAliasOverlap       DetectionMethod = "alias_overlap"
	DetectionNameInAlias        DetectionMethod = "name_in_alias"
	DetectionSemanticSimilarity DetectionMethod = "semantic_similarity"
)

// DuplicateCandidate is a hypothesis that two intel entities describe the same actor.
// EntityAID is always lexicographically smaller than EntityBID.
type DuplicateCandidate struct {
	ID                string                         `json:"id" db:"id"`
	EntityAID         string                         `json:"entity_a_id" db:"entity_a_id"`
	EntityA           database.JSONB[EntitySnapshot] `json:"entity_a" db:"entity_a"`
	EntityBID         string                         `json:"entity_b_id" db:"entity_b_id"`
	EntityB           database.JSONB[EntitySnapshot] `json:"entity_b" db:"entity_b"`
	SimilarityScore   float64                        `json:"similarity_score" db:"similarity_score"`
	NameSimilarity    float64                        `json:"name_similarity" db:"name_similarity"`
	AliasOverlap      int                            `json:"alias_overlap" db:"alias_overlap"`
	DetectionMethod   DetectionMethod                `json:"detection_method" db:"detection_method"`
	Status            CandidateStatus                `json:"status" db:"status"`
	CanonicalEntityID *string                        `json:"canonical_entity_id,omitempty" db:"canonical_entity_id"`
	ReviewedBy        *string                        `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewedAt        *time.Time                     `json:"reviewed_at,omitempty" db:"reviewed_at"`
	ScanRunID         *string                        `json:"scan_run_id,omitempty" db:"scan_run_id"`
	MergeLeaseUntil   *time.Time                     `json:"-" db:"merge_lease_until"`
	CreatedAt         time.Time                      `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time                      `json:"updated_at" db:"updated_at"`
}

// PairKey returns the canonical (sorted) pair of entity ids.
func PairKey(idA, idB string) (string, string) {
	if idB < idA {
		return idB, idA
	}
	return idA, idB
}

// Canonicalize orders the pair so the smaller entity id comes first.
func (c *DuplicateCandidate) Canonicalize() {
	if c.EntityBID < c.EntityAID {
		c.EntityAID, c.EntityBID = c.EntityBID, c.EntityAID
		c.EntityA, c.EntityB = c.EntityB, c.EntityA
	}
}

// HasEntity reports whether entityID is one side of the pair.
func (c *DuplicateCandidate) HasEntity(entityID string) bool {
	return entityID != "" && (c.EntityAID == entityID || c.EntityBID == entityID)
}

// Split returns (kept, merged) snapshots for a keep id that belongs to the pair.
func (c *DuplicateCandidate) Split(keepEntityID string) (EntitySnapshot, EntitySnapshot) {
	if c.EntityBID == keepEntityID {
		return c.EntityB.Data, c.EntityA.Data
	}
	return c.EntityA.Data, c.EntityB.Data
}

// CandidateFilter narrows candidate listings
type CandidateFilter struct {
	Status   CandidateStatus
	EntityID string
	Limit    int
	Offset   int
}
