package models

import (
	"strings"
	"time"

	"github.com/Gobusters/ectolinq"
)

// IntelEntity is one threat-actor (intrusion set) record as fetched from the
// intelligence platform. The platform owns it; thistle never persists it
// except as an EntitySnapshot on a candidate.
type IntelEntity struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	Aliases           []string  `json:"aliases"`
	RelationshipCount int       `json:"relationship_count"`
	Created           time.Time `json:"created"`
	Modified          time.Time `json:"modified"`
	// Embedding is only populated when the platform exposes vectors and an
	// extraction path is configured.
	Embedding []float64 `json:"-"`
}

// Snapshot captures the fields reviewers need at detection time. Blank aliases
// are dropped and the slice never aliases the entity's.
func (e IntelEntity) Snapshot() EntitySnapshot {
	aliases := ectolinq.Filter(e.Aliases, func(alias string) bool {
		return strings.TrimSpace(alias) != ""
	})
	if aliases == nil {
		aliases = []string{}
	}
	return EntitySnapshot{
		ID:                e.ID,
		Name:              e.Name,
		Description:       e.Description,
		Aliases:           aliases,
		RelationshipCount: e.RelationshipCount,
	}
}

// EntitySnapshot is the copy of an IntelEntity stored on a candidate.
type EntitySnapshot struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	Aliases           []string `json:"aliases"`
	RelationshipCount int      `json:"relationship_count"`
}
