package models

import "time"

// MergeHistoryEntry records one merge attempt, successful or not. Rows are never updated.
type MergeHistoryEntry struct {
	ID               string    `json:"id" db:"id"`
	CandidateID      string    `json:"candidate_id" db:"candidate_id"`
	KeptEntityID     string    `json:"kept_entity_id" db:"kept_entity_id"`
	KeptEntityName   string    `json:"kept_entity_name" db:"kept_entity_name"`
	MergedEntityID   string    `json:"merged_entity_id" db:"merged_entity_id"`
	MergedEntityName string    `json:"merged_entity_name" db:"merged_entity_name"`
	MergedBy         string    `json:"merged_by" db:"merged_by"`
	Success          bool      `json:"success" db:"success"`
	ErrorMessage     *string   `json:"error_message,omitempty" db:"error_message"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// MergeResult is the response of a successful merge action
type MergeResult struct {
	KeptEntity   EntitySnapshot `json:"keptEntity"`
	MergedEntity EntitySnapshot `json:"mergedEntity"`
}
