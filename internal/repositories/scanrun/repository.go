package scanrun

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

const table = "dedup_scan_runs"

// Repository is the scan run ledger
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

// Create opens a running scan.
func (r *Repository) Create(ctx context.Context, threshold float64, initiatedBy string) (*models.ScanRun, error) {
	ctx, span := tracing.StartSpan(ctx, "scanrun.Repository.Create")
	defer span.End()

	run := &models.ScanRun{
		ID:                  uuid.New().String(),
		SimilarityThreshold: threshold,
		InitiatedBy:         initiatedBy,
		Status:              models.ScanRunStatusRunning,
		StartedAt:           time.Now().UTC(),
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols("id", "similarity_threshold", "initiated_by", "status", "started_at")
	ib.Values(run.ID, run.SimilarityThreshold, run.InitiatedBy, run.Status, run.StartedAt)

	query, args := ib.Build()
	if _, err := r.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create scan run")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create scan run")
	}

	return run, nil
}

func (r *Repository) SetEntityCount(ctx context.Context, id string, count int) error {
	ctx, span := tracing.StartSpan(ctx, "scanrun.Repository.SetEntityCount")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(ub.Assign("entity_count", count))
	ub.Where(ub.Equal("id", id))

	return r.exec(ctx, ub, id, "failed to update scan run")
}

// Complete closes a running scan as completed.
func (r *Repository) Complete(ctx context.Context, id string, candidatesFound, newCandidates int) error {
	ctx, span := tracing.StartSpan(ctx, "scanrun.Repository.Complete")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("status", models.ScanRunStatusCompleted),
		ub.Assign("candidates_found", candidatesFound),
		ub.Assign("new_candidates", newCandidates),
		ub.Assign("completed_at", time.Now().UTC()),
	)
	ub.Where(ub.Equal("id", id), ub.Equal("status", models.ScanRunStatusRunning))

	return r.exec(ctx, ub, id, "failed to complete scan run")
}

// Fail closes a running scan as failed with message.
func (r *Repository) Fail(ctx context.Context, id, message string) error {
	ctx, span := tracing.StartSpan(ctx, "scanrun.Repository.Fail")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("status", models.ScanRunStatusFailed),
		ub.Assign("error_message", message),
		ub.Assign("completed_at", time.Now().UTC()),
	)
	ub.Where(ub.Equal("id", id), ub.Equal("status", models.ScanRunStatusRunning))

	return r.exec(ctx, ub, id, "failed to fail scan run")
}

// MarkStuck fails every running scan with message and returns how many were changed.
func (r *Repository) MarkStuck(ctx context.Context, message string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "scanrun.Repository.MarkStuck")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("status", models.ScanRunStatusFailed),
		ub.Assign("error_message", message),
		ub.Assign("completed_at", time.Now().UTC()),
	)
	ub.Where(ub.Equal("status", models.ScanRunStatusRunning))

	query, args := ub.Build()
	result, err := r.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to mark stuck scan runs")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to clear stuck scans")
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func (r *Repository) Get(ctx context.Context, id string) (*models.ScanRun, error) {
	ctx, span := tracing.StartSpan(ctx, "scanrun.Repository.Get")
	defer span.End()

	if _, err := uuid.Parse(id); err != nil {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "scan run %s not found", id)
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("*")
	sb.From(table)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var run models.ScanRun
	if err := r.conn(ctx).GetContext(ctx, &run, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "scan run %s not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get scan run")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get scan run")
	}
	return &run, nil
}

// List returns the most recent scans first.
func (r *Repository) List(ctx context.Context, limit int) ([]models.ScanRun, error) {
	ctx, span := tracing.StartSpan(ctx, "scanrun.Repository.List")
	defer span.End()

	if limit < 1 || limit > 200 {
		limit = 20
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("*")
	sb.From(table)
	sb.OrderBy("started_at DESC")
	sb.Limit(limit)

	query, args := sb.Build()
	runs := []models.ScanRun{}
	if err := r.conn(ctx).SelectContext(ctx, &runs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list scan runs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list scan runs")
	}
	return runs, nil
}

func (r *Repository) DeleteAll(ctx context.Context) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "scanrun.Repository.DeleteAll")
	defer span.End()

	result, err := r.conn(ctx).ExecContext(ctx, "DELETE FROM "+table)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to delete scan runs")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete scan runs")
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (r *Repository) exec(ctx context.Context, ub *sqlbuilder.UpdateBuilder, id, errMsg string) error {
	query, args := ub.Build()
	if _, err := r.conn(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("scan_run_id", id).Error(errMsg)
		return httperror.NewHTTPError(http.StatusInternalServerError, errMsg)
	}
	return nil
}
