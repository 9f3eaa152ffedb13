package candidate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

const (
	table = "dedup_candidates"

	// insertChunkSize keeps a multi-row insert well under the Postgres parameter limit
	insertChunkSize = 1000
)

var columns = []string{
	"id", "entity_a_id", "entity_a", "entity_b_id", "entity_b", "similarity_score", "name_similarity",
	"alias_overlap", "detection_method", "status", "canonical_entity_id", "reviewed_by", "reviewed_at",
	"scan_run_id", "merge_lease_until", "created_at", "updated_at",
}

// Repository handles duplicate candidate persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func (r *Repository) conn(ctx context.Context) database.Querier {
	return database.Conn(ctx, r.db)
}

func notFound(id string) error {
	return httperror.NewHTTPErrorf(http.StatusNotFound, "candidate %s not found", id)
}

// PersistBatch stores new candidates from a scan. Pairs already rejected or merged
// are skipped and existing pending/approved rows are left untouched. It returns
// the number of rows actually inserted.
func (r *Repository) PersistBatch(ctx context.Context, candidates []models.DuplicateCandidate, scanRunID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "candidate.Repository.PersistBatch")
	defer span.End()

	if len(candidates) == 0 {
		return 0, nil
	}

	unique := make([]models.DuplicateCandidate, 0, len(candidates))
	seen := make(map[[2]string]struct{}, len(candidates))
	for _, c := range candidates {
		c.Canonicalize()
		key := [2]string{c.EntityAID, c.EntityBID}
		if _, ok := seen[key]; ok || c.EntityAID == c.EntityBID {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, c)
	}

	skipped, err := r.skippedPairs(ctx, unique)
	if err != nil {
		return 0, err
	}

	pending := make([]models.DuplicateCandidate, 0, len(unique))
	for _, c := range unique {
		if _, ok := skipped[[2]string{c.EntityAID, c.EntityBID}]; ok {
			continue
		}
		pending = append(pending, c)
	}

	inserted := 0
	for start := 0; start < len(pending); start += insertChunkSize {
		end := min(start+insertChunkSize, len(pending))
		n, err := r.insertChunk(ctx, pending[start:end], scanRunID)
		inserted += n
		if err != nil {
			return inserted, err
		}
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"scan_run_id": scanRunID,
		"candidates":  len(candidates),
		"skipped":     len(unique) - len(pending),
		"inserted":    inserted,
	}).Debug("Persisted candidate batch")

	return inserted, nil
}

// skippedPairs returns the canonical pairs among candidates whose stored status is rejected or merged.
func (r *Repository) skippedPairs(ctx context.Context, candidates []models.DuplicateCandidate) (map[[2]string]struct{}, error) {
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.EntityAID)
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("entity_a_id", "entity_b_id")
	sb.From(table)
	sb.Where(
		sb.In("status", models.CandidateStatusRejected, models.CandidateStatusMerged),
		"entity_a_id = ANY("+sb.Var(pq.Array(ids))+")",
	)

	query, args := sb.Build()
	rows, err := r.conn(ctx).QueryxContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to load skipped candidate pairs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to load skipped candidate pairs")
	}
	defer rows.Close()

	skipped := map[[2]string]struct{}{}
	for rows.Next() {
		var a, b string
		if err := rows.Scan(&a, &b); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to scan skipped candidate pair")
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to load skipped candidate pairs")
		}
		skipped[[2]string{a, b}] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to iterate skipped candidate pairs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to load skipped candidate pairs")
	}
	return skipped, nil
}

func (r *Repository) insertChunk(ctx context.Context, candidates []models.DuplicateCandidate, scanRunID string) (int, error) {
	now := time.Now().UTC()
	var runID *string
	if scanRunID != "" {
		runID = &scanRunID
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols("id", "entity_a_id", "entity_a", "entity_b_id", "entity_b", "similarity_score", "name_similarity",
		"alias_overlap", "detection_method", "status", "scan_run_id", "created_at", "updated_at")
	for _, c := range candidates {
		ib.Values(uuid.New().String(), c.EntityAID, c.EntityA, c.EntityBID, c.EntityB, c.SimilarityScore, c.NameSimilarity,
			c.AliasOverlap, c.DetectionMethod, models.CandidateStatusPending, runID, now, now)
	}
	ib.OnConflictDoNothing("entity_a_id", "entity_b_id")
	ib.Returning("id")

	query, args := ib.Build()
	var insertedIDs []string
	if err := r.conn(ctx).SelectContext(ctx, &insertedIDs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("count", len(candidates)).Error("Failed to insert candidates")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to store candidates")
	}
	return len(insertedIDs), nil
}

// Get retrieves a candidate by ID
func (r *Repository) Get(ctx context.Context, id string) (*models.DuplicateCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "candidate.Repository.Get")
	defer span.End()

	if _, err := uuid.Parse(id); err != nil {
		return nil, notFound(id)
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var candidate models.DuplicateCandidate
	if err := r.conn(ctx).GetContext(ctx, &candidate, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(id)
		}
		r.logger.WithContext(ctx).WithError(err).WithField("candidate_id", id).Error("Failed to get candidate")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get candidate")
	}

	return &candidate, nil
}

// List returns candidates ordered by score, newest first on ties.
func (r *Repository) List(ctx context.Context, filter models.CandidateFilter) ([]models.DuplicateCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "candidate.Repository.List")
	defer span.End()

	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	var where []string
	if filter.Status != "" {
		where = append(where, sb.Equal("status", filter.Status))
	}
	if filter.EntityID != "" {
		where = append(where, sb.Or(sb.Equal("entity_a_id", filter.EntityID), sb.Equal("entity_b_id", filter.EntityID)))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}
	sb.OrderBy("similarity_score DESC", "created_at DESC", "id")
	sb.Limit(filter.Limit)
	sb.Offset(filter.Offset)

	query, args := sb.Build()
	candidates := []models.DuplicateCandidate{}
	if err := r.conn(ctx).SelectContext(ctx, &candidates, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list candidates")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list candidates")
	}

	return candidates, nil
}

// Review moves a candidate from one of the from statuses to to. It reports false,
// without error, when the candidate was no longer in an allowed status or a merge
// holds an unexpired lease on it.
func (r *Repository) Review(ctx context.Context, id string, from []models.CandidateStatus, to models.CandidateStatus, canonicalEntityID *string, reviewer string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "candidate.Repository.Review")
	defer span.End()

	now := time.Now().UTC()
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	assignments := []string{
		ub.Assign("status", to),
		ub.Assign("reviewed_by", reviewer),
		ub.Assign("reviewed_at", now),
		ub.Assign("updated_at", now),
	}
	if canonicalEntityID != nil {
		assignments = append(assignments, ub.Assign("canonical_entity_id", *canonicalEntityID))
	}
	ub.Set(assignments...)
	ub.Where(
		ub.Equal("id", id),
		ub.In("status", statusArgs(from)...),
		ub.Or(ub.IsNull("merge_lease_until"), ub.LessThan("merge_lease_until", now)),
	)

	return r.execConditional(ctx, ub, "Failed to review candidate", "failed to update candidate", id)
}

// ClaimMergeLease marks a pending or approved candidate as being merged until the
// lease expires. Only one caller can hold an unexpired lease.
func (r *Repository) ClaimMergeLease(ctx context.Context, id string, lease time.Duration) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "candidate.Repository.ClaimMergeLease")
	defer span.End()

	now := time.Now().UTC()
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("merge_lease_until", now.Add(lease)),
		ub.Assign("updated_at", now),
	)
	ub.Where(
		ub.Equal("id", id),
		ub.In("status", models.CandidateStatusPending, models.CandidateStatusApproved),
		ub.Or(ub.IsNull("merge_lease_until"), ub.LessThan("merge_lease_until", now)),
	)

	return r.execConditional(ctx, ub, "Failed to claim merge lease", "failed to claim candidate for merge", id)
}

func (r *Repository) ReleaseMergeLease(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "candidate.Repository.ReleaseMergeLease")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(ub.Assign("merge_lease_until", nil), ub.Assign("updated_at", time.Now().UTC()))
	ub.Where(ub.Equal("id", id))

	_, err := r.execConditional(ctx, ub, "Failed to release merge lease", "failed to release candidate merge lease", id)
	return err
}

// MarkMerged sets the terminal merged status. It only applies to a candidate that is still pending or approved.
func (r *Repository) MarkMerged(ctx context.Context, id, canonicalEntityID, mergedBy string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "candidate.Repository.MarkMerged")
	defer span.End()

	now := time.Now().UTC()
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("status", models.CandidateStatusMerged),
		ub.Assign("canonical_entity_id", canonicalEntityID),
		ub.Assign("reviewed_by", mergedBy),
		ub.Assign("reviewed_at", now),
		ub.Assign("merge_lease_until", nil),
		ub.Assign("updated_at", now),
	)
	ub.Where(ub.Equal("id", id), ub.In("status", models.CandidateStatusPending, models.CandidateStatusApproved))

	return r.execConditional(ctx, ub, "Failed to mark candidate merged", "failed to mark candidate merged", id)
}

// ReconcileMerged marks candidates as merged when their latest successful merge
// history entry was recorded but the status update was lost.
func (r *Repository) ReconcileMerged(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "candidate.Repository.ReconcileMerged")
	defer span.End()

	query := `
		UPDATE dedup_candidates c
		SET status = $1, canonical_entity_id = h.kept_entity_id, reviewed_by = h.merged_by,
			reviewed_at = h.created_at, merge_lease_until = NULL, updated_at = NOW()
		FROM (
			SELECT DISTINCT ON (candidate_id) candidate_id, kept_entity_id, merged_by, created_at
			FROM dedup_merge_history
			WHERE success
			ORDER BY candidate_id, created_at DESC
		) h
		WHERE c.id = h.candidate_id AND c.status <> $1
	`

	result, err := r.conn(ctx).ExecContext(ctx, query, models.CandidateStatusMerged)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to reconcile merged candidates")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to reconcile merged candidates")
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (r *Repository) DeleteAll(ctx context.Context) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "candidate.Repository.DeleteAll")
	defer span.End()

	result, err := r.conn(ctx).ExecContext(ctx, "DELETE FROM "+table)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to delete candidates")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete candidates")
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (r *Repository) execConditional(ctx context.Context, ub *sqlbuilder.UpdateBuilder, logMsg, errMsg, id string) (bool, error) {
	query, args := ub.Build()
	result, err := r.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("candidate_id", id).Error(logMsg)
		return false, httperror.NewHTTPError(http.StatusInternalServerError, errMsg)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func statusArgs(statuses []models.CandidateStatus) []any {
	out := make([]any, len(statuses))
	for i, s := range statuses {
		out[i] = s
	}
	return out
}
