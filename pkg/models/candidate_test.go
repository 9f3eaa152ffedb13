package models

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/thistle/pkg/database"
)

func TestPairKey(t *testing.T) {
	a, b := PairKey("intrusion-set--b", "intrusion-set--a")
	assert.Equal(t, "intrusion-set--a", a)
	assert.Equal(t, "intrusion-set--b", b)

	a2, b2 := PairKey("intrusion-set--a", "intrusion-set--b")
	assert.Equal(t, a, a2)
	assert.Equal(t, b, b2)
}

func TestDuplicateCandidate_Canonicalize(t *testing.T) {
	c := DuplicateCandidate{
		EntityAID: "z",
		EntityA:   database.JSONB[EntitySnapshot]{Data: EntitySnapshot{ID: "z", Name: "Zeta"}},
		EntityBID: "a",
		EntityB:   database.JSONB[EntitySnapshot]{Data: EntitySnapshot{ID: "a", Name: "Alpha"}},
	}
	c.Canonicalize()

	assert.Equal(t, "a", c.EntityAID)
	assert.Equal(t, "Alpha", c.EntityA.Data.Name)
	assert.Equal(t, "z", c.EntityBID)
	assert.Equal(t, "Zeta", c.EntityB.Data.Name)
}

func TestDuplicateCandidate_Split(t *testing.T) {
	c := DuplicateCandidate{
		EntityAID: "a",
		EntityA:   database.JSONB[EntitySnapshot]{Data: EntitySnapshot{ID: "a"}},
		EntityBID: "b",
		EntityB:   database.JSONB[EntitySnapshot]{Data: EntitySnapshot{ID: "b"}},
	}

	kept, merged := c.Split("b")
	assert.Equal(t, "b", kept.ID)
	assert.Equal(t, "a", merged.ID)

	assert.True(t, c.HasEntity("a"))
	assert.False(t, c.HasEntity("c"))
	assert.False(t, c.HasEntity(""))
}

func TestCandidateStatus(t *testing.T) {
	assert.True(t, CandidateStatusRejected.IsSkipped())
	assert.True(t, CandidateStatusMerged.IsSkipped())
	assert.False(t, CandidateStatusPending.IsSkipped())

	assert.True(t, CandidateStatusPending.IsMergeable())
	assert.True(t, CandidateStatusApproved.IsMergeable())
	assert.False(t, CandidateStatusRejected.IsMergeable())
}

func TestIntelEntity_Snapshot(t *testing.T) {
	e := IntelEntity{ID: "is--1", Name: "APT29", Aliases: []string{"Cozy Bear", " ", "Nobelium"}, RelationshipCount: 4}

	s := e.Snapshot()
	assert.Equal(t, []string{"Cozy Bear", "Nobelium"}, s.Aliases)
	assert.Equal(t, 4, s.RelationshipCount)

	s.Aliases[0] = "changed"
	assert.Equal(t, "Cozy Bear", e.Aliases[0])

	assert.Equal(t, []string{}, IntelEntity{ID: "is--2"}.Snapshot().Aliases)
}
