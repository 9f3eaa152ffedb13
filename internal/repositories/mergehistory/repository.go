package mergehistory

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

const table = "dedup_merge_history"

// Repository appends and reads merge attempts. Entries are never updated.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
	entry  *database.Struct
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
		entry:  database.NewStruct(new(models.MergeHistoryEntry)),
	}
}

// Append records one merge attempt. It joins the caller's transaction when ctx carries one.
func (r *Repository) Append(ctx context.Context, entry *models.MergeHistoryEntry) (*models.MergeHistoryEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "mergehistory.Repository.Append")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = time.Now().UTC()

	ib := r.entry.InsertInto(table, entry)
	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"candidate_id": entry.CandidateID,
			"success":      entry.Success,
		}).Error("Failed to append merge history")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to record merge history")
	}

	return entry, nil
}

// List returns history newest first, optionally for one candidate.
func (r *Repository) List(ctx context.Context, candidateID string, limit int) ([]models.MergeHistoryEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "mergehistory.Repository.List")
	defer span.End()

	if limit < 1 || limit > 500 {
		limit = 100
	}

	entries := []models.MergeHistoryEntry{}
	if candidateID != "" {
		if _, err := uuid.Parse(candidateID); err != nil {
			return entries, nil
		}
	}

	sb := r.entry.SelectFrom(table)
	if candidateID != "" {
		sb.Where(sb.Equal("candidate_id", candidateID))
	}
	sb.OrderBy("created_at DESC")
	sb.Limit(limit)

	query, args := sb.Build()
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list merge history")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list merge history")
	}
	return entries, nil
}

func (r *Repository) DeleteAll(ctx context.Context) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "mergehistory.Repository.DeleteAll")
	defer span.End()

	result, err := database.Conn(ctx, r.db).ExecContext(ctx, "DELETE FROM "+table)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to delete merge history")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete merge history")
	}
	n, _ := result.RowsAffected()
	return n, nil
}
