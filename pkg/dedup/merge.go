package dedup

import (
	"context"
	"fmt"
	"strings"

	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// Merge asks the platform to absorb the other entity of the pair into keepEntityID.
//
// A merge lease on the candidate makes sure at most one caller reaches the
// platform for a given candidate. Every attempt is written to merge history,
// and a successful platform merge is never dropped from history even when the
// status update fails.
func (s *Service) Merge(ctx context.Context, candidateID, keepEntityID, mergedBy string) (*models.MergeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "dedup.Service.Merge",
		tracing.AttrCandidateID.String(candidateID),
		tracing.AttrKeepEntityID.String(keepEntityID),
	)
	defer span.End()

	candidateID = strings.TrimSpace(candidateID)
	keepEntityID = strings.TrimSpace(keepEntityID)
	if candidateID == "" {
		return nil, InputError("candidateId is required")
	}
	if keepEntityID == "" {
		return nil, InputError("keepEntityId is required")
	}

	candidate, err := s.candidates.Get(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if !candidate.HasEntity(keepEntityID) {
		return nil, InputError("keepEntityId %s is not part of candidate %s", keepEntityID, candidateID)
	}
	if !candidate.Status.IsMergeable() {
		return nil, ConflictError("candidate %s is %s and cannot be merged", candidateID, candidate.Status)
	}

	claimed, err := s.candidates.ClaimMergeLease(ctx, candidateID, s.cfg.MergeLeaseDuration)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ConflictError("candidate %s is already being merged or is no longer mergeable", candidateID)
	}

	kept, merged := candidate.Split(keepEntityID)
	entry := &models.MergeHistoryEntry{
		CandidateID:      candidateID,
		KeptEntityID:     kept.ID,
		KeptEntityName:   kept.Name,
		MergedEntityID:   merged.ID,
		MergedEntityName: merged.Name,
		MergedBy:         mergedBy,
	}
	logger := s.logger.WithContext(ctx).WithFields(map[string]any{
		"candidate_id":     candidateID,
		"kept_entity_id":   kept.ID,
		"merged_entity_id": merged.ID,
	})

	mergeErr := s.source.MergeEntities(ctx, kept.ID, merged.ID)

	// the platform has acted (or refused); what follows must not be cut short by the caller
	ctx = context.WithoutCancel(ctx)

	if mergeErr != nil {
		tracing.RecordError(ctx, mergeErr)
		msg := mergeErr.Error()
		entry.ErrorMessage = &msg
		_, historyErr := s.history.Append(ctx, entry)
		if historyErr != nil {
			logger.WithError(historyErr).Error("Failed to record failed merge attempt")
		}
		if err := s.candidates.ReleaseMergeLease(ctx, candidateID); err != nil {
			logger.WithError(err).Error("Failed to release merge lease")
		}
		metrics.RecordMerge("failed")
		logger.WithError(mergeErr).Error("platform merge failed")

		s.publish(ctx, &models.DedupEvent{
			EventType:      models.EventMergeFailed,
			CandidateID:    candidateID,
			KeptEntityID:   kept.ID,
			MergedEntityID: merged.ID,
			Actor:          mergedBy,
			Error:          msg,
		})
		if historyErr != nil {
			return nil, UpstreamError("%v; merge attempt was not recorded: %v", asUpstream(mergeErr), historyErr)
		}
		return nil, asUpstream(mergeErr)
	}

	entry.Success = true
	if err := s.commitMerge(ctx, entry); err != nil {
		logger.WithError(err).Error("Failed to record successful merge, writing history alone")
		if _, herr := s.history.Append(ctx, entry); herr != nil {
			logger.WithError(herr).Error("Failed to record merge history")
		}
		metrics.RecordMerge("persist_failed")
		return nil, PersistenceError("entities were merged but candidate %s could not be updated", candidateID)
	}

	metrics.RecordMerge("merged")
	logger.Infof("%s merged %s into %s", mergedBy, merged.Name, kept.Name)

	s.publish(ctx, &models.DedupEvent{
		EventType:      models.EventCandidateMerged,
		CandidateID:    candidateID,
		Status:         models.CandidateStatusMerged,
		KeptEntityID:   kept.ID,
		MergedEntityID: merged.ID,
		Actor:          mergedBy,
	})

	return &models.MergeResult{KeptEntity: kept, MergedEntity: merged}, nil
}

// commitMerge writes the history entry and the merged status together.
func (s *Service) commitMerge(ctx context.Context, entry *models.MergeHistoryEntry) error {
	txCtx, tx, err := s.tx.GetTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if tx.IsOpen() {
			_ = tx.Rollback(txCtx)
		}
	}()

	if _, err := s.history.Append(txCtx, entry); err != nil {
		return err
	}
	updated, err := s.candidates.MarkMerged(txCtx, entry.CandidateID, entry.KeptEntityID, entry.MergedBy)
	if err != nil {
		return err
	}
	if !updated {
		return fmt.Errorf("candidate %s was not in a mergeable state", entry.CandidateID)
	}
	return tx.Commit(txCtx)
}
