package models

import "time"

// ScanRunStatus is the lifecycle state of a scan run
type ScanRunStatus string

const (
	ScanRunStatusRunning   ScanRunStatus = "running"
	ScanRunStatusCompleted ScanRunStatus = "completed"
	ScanRunStatusFailed    ScanRunStatus = "failed"
)

// ScanRun is the ledger row for one scan invocation.
type ScanRun struct {
	ID                  string        `json:"id" db:"id"`
	SimilarityThreshold float64       `json:"similarity_threshold" db:"similarity_threshold"`
	InitiatedBy         string        `json:"initiated_by" db:"initiated_by"`
	EntityCount         *int          `json:"entity_count,omitempty" db:"entity_count"`
	CandidatesFound     *int          `json:"candidates_found,omitempty" db:"candidates_found"`
	NewCandidates       *int          `json:"new_candidates,omitempty" db:"new_candidates"`
	Status              ScanRunStatus `json:"status" db:"status"`
	ErrorMessage        *string       `json:"error_message,omitempty" db:"error_message"`
	StartedAt           time.Time     `json:"started_at" db:"started_at"`
	CompletedAt         *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
}

// ScanResult is the response of a scan action
type ScanResult struct {
	ScanID          string `json:"scanId"`
	EntitiesScanned int    `json:"entitiesScanned"`
	CandidatesFound int    `json:"candidatesFound"`
	NewCandidates   int    `json:"newCandidates"`
}
