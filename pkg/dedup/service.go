// Package dedup drives scans, candidate review and merges against the
// intelligence platform.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/redis"
	"github.com/Ramsey-B/thistle/pkg/scanner"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

const scanLockKey = "dedup:scan"

type Config struct {
	ScanLockTTL        time.Duration
	MergeLeaseDuration time.Duration
}

func DefaultConfig() Config {
	return Config{
		ScanLockTTL:        10 * time.Minute,
		MergeLeaseDuration: 2 * time.Minute,
	}
}

// Dependencies are the collaborators of a Service. Events and Locker are optional.
type Dependencies struct {
	Candidates CandidateStore
	ScanRuns   ScanRunStore
	History    HistoryStore
	Source     EntitySource
	Tx         TxManager
	Scanner    *scanner.Scanner
	Events     EventPublisher
	Locker     ScanLocker
}

type Service struct {
	candidates CandidateStore
	scanRuns   ScanRunStore
	history    HistoryStore
	source     EntitySource
	tx         TxManager
	scanner    *scanner.Scanner
	events     EventPublisher
	locker     ScanLocker
	cfg        Config
	logger     ectologger.Logger
}

func NewService(deps Dependencies, cfg Config, logger ectologger.Logger) *Service {
	defaults := DefaultConfig()
	if cfg.ScanLockTTL <= 0 {
		cfg.ScanLockTTL = defaults.ScanLockTTL
	}
	if cfg.MergeLeaseDuration <= 0 {
		cfg.MergeLeaseDuration = defaults.MergeLeaseDuration
	}
	if deps.Scanner == nil {
		deps.Scanner = scanner.NewScanner(scanner.DefaultConfig())
	}
	return &Service{
		candidates: deps.Candidates,
		scanRuns:   deps.ScanRuns,
		history:    deps.History,
		source:     deps.Source,
		tx:         deps.Tx,
		scanner:    deps.Scanner,
		events:     deps.Events,
		locker:     deps.Locker,
		cfg:        cfg,
		logger:     logger,
	}
}

// Scan fetches every intrusion set, detects duplicate pairs and persists the new ones.
func (s *Service) Scan(ctx context.Context, initiatedBy string) (*models.ScanResult, error) {
	ctx, span := tracing.StartSpan(ctx, "dedup.Service.Scan")
	defer span.End()

	if s.locker == nil {
		return s.scan(ctx, initiatedBy)
	}

	var result *models.ScanResult
	err := s.locker.WithLock(ctx, scanLockKey, s.cfg.ScanLockTTL, func() error {
		var err error
		result, err = s.scan(ctx, initiatedBy)
		return err
	})
	if errors.Is(err, redis.ErrLockNotAcquired) {
		return nil, ConflictError("a scan is already running")
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) scan(ctx context.Context, initiatedBy string) (*models.ScanResult, error) {
	start := time.Now()
	cfg := s.scanner.Config()

	run, err := s.scanRuns.Create(ctx, cfg.SimilarityThreshold, initiatedBy)
	if err != nil {
		return nil, err
	}
	tracing.Annotate(ctx, tracing.AttrScanID.String(run.ID))
	logger := s.logger.WithContext(ctx).WithField("scan_id", run.ID)
	logger.Infof("scan started by %s", initiatedBy)

	entities, err := s.source.FetchIntrusionSets(ctx)
	if err != nil {
		return nil, s.failScan(ctx, run.ID, initiatedBy, start, err)
	}
	tracing.Annotate(ctx, tracing.AttrEntityCount.Int(len(entities)))
	if err := s.scanRuns.SetEntityCount(ctx, run.ID, len(entities)); err != nil {
		return nil, s.failScan(ctx, run.ID, initiatedBy, start, err)
	}
	metrics.ScanEntities.Set(float64(len(entities)))

	batch := s.scanner.NewBatch()
	if !s.scanner.ScanInto(entities, batch) {
		logger.Warnf("candidate cap of %d reached, remaining pairs were not compared", cfg.MaxCandidates)
	}

	found := batch.Len()
	for method, n := range countByMethod(batch.Candidates()) {
		metrics.RecordCandidates(string(method), n)
	}

	inserted, err := batch.Flush(ctx, s.candidates, run.ID)
	if err != nil {
		return nil, s.failScan(ctx, run.ID, initiatedBy, start, err)
	}
	metrics.CandidatesInserted.Add(float64(inserted))

	if err := s.scanRuns.Complete(ctx, run.ID, found, inserted); err != nil {
		return nil, s.failScan(ctx, run.ID, initiatedBy, start, err)
	}
	metrics.RecordScan(string(models.ScanRunStatusCompleted), time.Since(start).Seconds())

	logger.WithFields(map[string]any{
		"entities":   len(entities),
		"candidates": found,
		"new":        inserted,
		"duration":   time.Since(start).String(),
	}).Info("scan completed")

	s.publish(ctx, &models.DedupEvent{
		EventType:       models.EventScanCompleted,
		ScanID:          run.ID,
		EntitiesScanned: len(entities),
		CandidatesFound: found,
		NewCandidates:   inserted,
		Actor:           initiatedBy,
	})

	return &models.ScanResult{
		ScanID:          run.ID,
		EntitiesScanned: len(entities),
		CandidatesFound: found,
		NewCandidates:   inserted,
	}, nil
}

// failScan records the failure on the run before the error propagates.
func (s *Service) failScan(ctx context.Context, runID, initiatedBy string, start time.Time, cause error) error {
	ctx = context.WithoutCancel(ctx)
	tracing.RecordError(ctx, cause)

	if err := s.scanRuns.Fail(ctx, runID, cause.Error()); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("scan_id", runID).Error("Failed to mark scan run failed")
	}
	metrics.RecordScan(string(models.ScanRunStatusFailed), time.Since(start).Seconds())
	s.logger.WithContext(ctx).WithError(cause).WithField("scan_id", runID).Error("scan failed")

	s.publish(ctx, &models.DedupEvent{
		EventType: models.EventScanFailed,
		ScanID:    runID,
		Actor:     initiatedBy,
		Error:     cause.Error(),
	})
	return cause
}

func countByMethod(candidates []models.DuplicateCandidate) map[models.DetectionMethod]int {
	counts := make(map[models.DetectionMethod]int)
	for _, c := range candidates {
		counts[c.DetectionMethod]++
	}
	return counts
}

// Approve moves a pending candidate to approved, optionally naming the entity to keep.
func (s *Service) Approve(ctx context.Context, candidateID string, canonicalEntityID *string, reviewer string) (*models.DuplicateCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "dedup.Service.Approve", tracing.AttrCandidateID.String(candidateID))
	defer span.End()

	return s.review(ctx, candidateID, models.CandidateStatusApproved, canonicalEntityID, reviewer)
}

// Reject moves a pending candidate to rejected. A rejected pair is never surfaced again.
func (s *Service) Reject(ctx context.Context, candidateID string, canonicalEntityID *string, reviewer string) (*models.DuplicateCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "dedup.Service.Reject", tracing.AttrCandidateID.String(candidateID))
	defer span.End()

	return s.review(ctx, candidateID, models.CandidateStatusRejected, canonicalEntityID, reviewer)
}

func (s *Service) review(ctx context.Context, candidateID string, to models.CandidateStatus, canonicalEntityID *string, reviewer string) (*models.DuplicateCandidate, error) {
	candidateID = strings.TrimSpace(candidateID)
	if candidateID == "" {
		return nil, InputError("candidateId is required")
	}
	if canonicalEntityID != nil && strings.TrimSpace(*canonicalEntityID) == "" {
		canonicalEntityID = nil
	}

	candidate, err := s.candidates.Get(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if canonicalEntityID != nil && !candidate.HasEntity(*canonicalEntityID) {
		return nil, InputError("canonicalEntityId %s is not part of candidate %s", *canonicalEntityID, candidateID)
	}

	if candidate.Status == to {
		return candidate, nil
	}
	if candidate.Status != models.CandidateStatusPending {
		return nil, ConflictError("candidate %s is %s and cannot be %s", candidateID, candidate.Status, to)
	}

	updated, err := s.candidates.Review(ctx, candidateID, []models.CandidateStatus{models.CandidateStatusPending}, to, canonicalEntityID, reviewer)
	if err != nil {
		return nil, err
	}

	current, err := s.candidates.Get(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if !updated {
		// another reviewer got there first
		if current.Status == to {
			return current, nil
		}
		if current.MergeLeaseUntil != nil && current.MergeLeaseUntil.After(time.Now()) {
			return nil, ConflictError("candidate %s is being merged", candidateID)
		}
		return nil, ConflictError("candidate %s is %s and cannot be %s", candidateID, current.Status, to)
	}

	metrics.RecordReview(string(to))
	s.logger.WithContext(ctx).WithFields(map[string]any{
		"candidate_id": candidateID,
		"status":       to,
		"reviewer":     reviewer,
	}).Info("reviewed duplicate candidate")

	s.publish(ctx, &models.DedupEvent{
		EventType:   models.EventCandidateReviewed,
		CandidateID: candidateID,
		Status:      to,
		Actor:       reviewer,
	})
	return current, nil
}

// ClearStuck fails every scan run still marked running.
func (s *Service) ClearStuck(ctx context.Context, user string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "dedup.Service.ClearStuck")
	defer span.End()

	n, err := s.scanRuns.MarkStuck(ctx, fmt.Sprintf("marked as stuck by %s", user))
	if err != nil {
		return 0, err
	}
	s.logger.WithContext(ctx).Infof("%s cleared %d stuck scan runs", user, n)
	return n, nil
}

// ClearAllResult counts the rows removed by ClearAll.
type ClearAllResult struct {
	Candidates   int64 `json:"candidates"`
	ScanRuns     int64 `json:"scan_runs"`
	MergeHistory int64 `json:"merge_history"`
}

// ClearAll deletes merge history, candidates and scan runs in one transaction.
func (s *Service) ClearAll(ctx context.Context, user string) (*ClearAllResult, error) {
	ctx, span := tracing.StartSpan(ctx, "dedup.Service.ClearAll")
	defer span.End()

	txCtx, tx, err := s.tx.GetTx(ctx, nil)
	if err != nil {
		return nil, PersistenceError("failed to clear dedup data")
	}
	defer func() {
		if tx.IsOpen() {
			_ = tx.Rollback(txCtx)
		}
	}()

	result := &ClearAllResult{}
	if result.MergeHistory, err = s.history.DeleteAll(txCtx); err != nil {
		return nil, err
	}
	if result.Candidates, err = s.candidates.DeleteAll(txCtx); err != nil {
		return nil, err
	}
	if result.ScanRuns, err = s.scanRuns.DeleteAll(txCtx); err != nil {
		return nil, err
	}
	if err := tx.Commit(txCtx); err != nil {
		return nil, PersistenceError("failed to clear dedup data")
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"candidates":    result.Candidates,
		"scan_runs":     result.ScanRuns,
		"merge_history": result.MergeHistory,
	}).Warnf("%s cleared all dedup data", user)
	return result, nil
}

// Reconcile marks candidates merged when a successful merge was recorded but
// their status update was lost.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "dedup.Service.Reconcile")
	defer span.End()

	n, err := s.candidates.ReconcileMerged(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.WithContext(ctx).Infof("reconciled %d merged candidates", n)
	}
	return n, nil
}

func (s *Service) ListCandidates(ctx context.Context, filter models.CandidateFilter) ([]models.DuplicateCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "dedup.Service.ListCandidates")
	defer span.End()

	return s.candidates.List(ctx, filter)
}

func (s *Service) GetCandidate(ctx context.Context, id string) (*models.DuplicateCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "dedup.Service.GetCandidate")
	defer span.End()

	return s.candidates.Get(ctx, id)
}

func (s *Service) ListScanRuns(ctx context.Context, limit int) ([]models.ScanRun, error) {
	ctx, span := tracing.StartSpan(ctx, "dedup.Service.ListScanRuns")
	defer span.End()

	return s.scanRuns.List(ctx, limit)
}

func (s *Service) GetScanRun(ctx context.Context, id string) (*models.ScanRun, error) {
	ctx, span := tracing.StartSpan(ctx, "dedup.Service.GetScanRun")
	defer span.End()

	return s.scanRuns.Get(ctx, id)
}

func (s *Service) ListHistory(ctx context.Context, candidateID string, limit int) ([]models.MergeHistoryEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "dedup.Service.ListHistory")
	defer span.End()

	return s.history.List(ctx, candidateID, limit)
}

// publish is best effort; the database is the source of truth.
func (s *Service) publish(ctx context.Context, event *models.DedupEvent) {
	if s.events == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := s.events.PublishDedupEvent(ctx, event); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warnf("failed to publish %s event", event.EventType)
	}
}
