package models

import "time"

type DedupEventType string

const (
	EventScanCompleted     DedupEventType = "dedup.scan.completed"
	EventScanFailed        DedupEventType = "dedup.scan.failed"
	EventCandidateReviewed DedupEventType = "dedup.candidate.reviewed"
	EventCandidateMerged   DedupEventType = "dedup.candidate.merged"
	EventMergeFailed       DedupEventType = "dedup.merge.failed"
)

// DedupEvent is published after scans, reviews and merge attempts.
type DedupEvent struct {
	EventType       DedupEventType  `json:"event_type"`
	ScanID          string          `json:"scan_id,omitempty"`
	CandidateID     string          `json:"candidate_id,omitempty"`
	Status          CandidateStatus `json:"status,omitempty"`
	KeptEntityID    string          `json:"kept_entity_id,omitempty"`
	MergedEntityID  string          `json:"merged_entity_id,omitempty"`
	EntitiesScanned int             `json:"entities_scanned,omitempty"`
	CandidatesFound int             `json:"candidates_found,omitempty"`
	NewCandidates   int             `json:"new_candidates,omitempty"`
	Actor           string          `json:"actor,omitempty"`
	Error           string          `json:"error,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Key partitions events so every event for one candidate (or scan) stays ordered.
func (e *DedupEvent) Key() string {
	if e.CandidateID != "" {
		return e.CandidateID
	}
	return e.ScanID
}
