package dedup_test

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/dedup"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/redis"
)

type txKey struct{}

// fakeTx buffers writes made through its context until Commit.
type fakeTx struct {
	database.Querier
	mu      sync.Mutex
	open    bool
	pending []func()
}

func (t *fakeTx) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *fakeTx) Commit(_ context.Context) error {
	t.mu.Lock()
	pending := t.pending
	t.open, t.pending = false, nil
	t.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
	return nil
}

func (t *fakeTx) Rollback(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open, t.pending = false, nil
	return nil
}

type fakeTxManager struct {
	begun atomic.Int32
}

func (m *fakeTxManager) GetTx(ctx context.Context, _ *sql.TxOptions) (context.Context, database.Tx, error) {
	m.begun.Add(1)
	tx := &fakeTx{open: true}
	return context.WithValue(ctx, txKey{}, tx), tx, nil
}

// apply runs fn now, or on commit when ctx carries an open fake transaction.
func apply(ctx context.Context, fn func()) {
	if tx, ok := ctx.Value(txKey{}).(*fakeTx); ok && tx.IsOpen() {
		tx.mu.Lock()
		tx.pending = append(tx.pending, fn)
		tx.mu.Unlock()
		return
	}
	fn()
}

type fakeCandidates struct {
	mu            sync.Mutex
	byID          map[string]*models.DuplicateCandidate
	reviewCalls   int
	markMergedErr error
	reconciled    int
}

func newFakeCandidates(seed ...models.DuplicateCandidate) *fakeCandidates {
	f := &fakeCandidates{byID: map[string]*models.DuplicateCandidate{}}
	for i := range seed {
		c := seed[i]
		c.Canonicalize()
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		f.byID[c.ID] = &c
	}
	return f
}

func (f *fakeCandidates) findPair(a, b string) *models.DuplicateCandidate {
	for _, c := range f.byID {
		if c.EntityAID == a && c.EntityBID == b {
			return c
		}
	}
	return nil
}

func (f *fakeCandidates) PersistBatch(_ context.Context, candidates []models.DuplicateCandidate, scanRunID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	inserted := 0
	for i := range candidates {
		c := candidates[i]
		c.Canonicalize()
		if f.findPair(c.EntityAID, c.EntityBID) != nil {
			continue
		}
		c.ID = uuid.NewString()
		c.Status = models.CandidateStatusPending
		runID := scanRunID
		c.ScanRunID = &runID
		f.byID[c.ID] = &c
		inserted++
	}
	return inserted, nil
}

func (f *fakeCandidates) Get(_ context.Context, id string) (*models.DuplicateCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.byID[id]
	if !ok {
		return nil, dedup.NotFoundError("candidate %s not found", id)
	}
	out := *c
	return &out, nil
}

func (f *fakeCandidates) List(_ context.Context, filter models.CandidateFilter) ([]models.DuplicateCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := []models.DuplicateCandidate{}
	for _, c := range f.byID {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SimilarityScore > out[j].SimilarityScore })
	return out, nil
}

func (f *fakeCandidates) Review(_ context.Context, id string, from []models.CandidateStatus, to models.CandidateStatus, canonicalEntityID *string, reviewer string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reviewCalls++
	c, ok := f.byID[id]
	if !ok {
		return false, nil
	}
	if c.MergeLeaseUntil != nil && c.MergeLeaseUntil.After(time.Now()) {
		return false, nil
	}
	for _, s := range from {
		if c.Status == s {
			now := time.Now().UTC()
			c.Status = to
			c.CanonicalEntityID = canonicalEntityID
			c.ReviewedBy = &reviewer
			c.ReviewedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCandidates) ClaimMergeLease(_ context.Context, id string, lease time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.byID[id]
	if !ok || !c.Status.IsMergeable() {
		return false, nil
	}
	now := time.Now()
	if c.MergeLeaseUntil != nil && c.MergeLeaseUntil.After(now) {
		return false, nil
	}
	until := now.Add(lease)
	c.MergeLeaseUntil = &until
	return true, nil
}

func (f *fakeCandidates) ReleaseMergeLease(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.byID[id]; ok {
		c.MergeLeaseUntil = nil
	}
	return nil
}

func (f *fakeCandidates) MarkMerged(ctx context.Context, id, canonicalEntityID, mergedBy string) (bool, error) {
	f.mu.Lock()
	err := f.markMergedErr
	c, ok := f.byID[id]
	mergeable := ok && c.Status.IsMergeable()
	f.mu.Unlock()

	if err != nil {
		return false, err
	}
	if !mergeable {
		return false, nil
	}
	apply(ctx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		c.Status = models.CandidateStatusMerged
		c.CanonicalEntityID = &canonicalEntityID
		c.ReviewedBy = &mergedBy
		c.MergeLeaseUntil = nil
	})
	return true, nil
}

func (f *fakeCandidates) ReconcileMerged(_ context.Context) (int, error) {
	return f.reconciled, nil
}

func (f *fakeCandidates) DeleteAll(ctx context.Context) (int64, error) {
	f.mu.Lock()
	n := int64(len(f.byID))
	f.mu.Unlock()
	apply(ctx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.byID = map[string]*models.DuplicateCandidate{}
	})
	return n, nil
}

type fakeScanRuns struct {
	mu          sync.Mutex
	runs        map[string]*models.ScanRun
	completeErr error
}

func newFakeScanRuns() *fakeScanRuns {
	return &fakeScanRuns{runs: map[string]*models.ScanRun{}}
}

func (f *fakeScanRuns) Create(_ context.Context, threshold float64, initiatedBy string) (*models.ScanRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	run := &models.ScanRun{
		ID:                  uuid.NewString(),
		SimilarityThreshold: threshold,
		InitiatedBy:         initiatedBy,
		Status:              models.ScanRunStatusRunning,
		StartedAt:           time.Now().UTC(),
	}
	f.runs[run.ID] = run
	out := *run
	return &out, nil
}

func (f *fakeScanRuns) SetEntityCount(_ context.Context, id string, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[id].EntityCount = &count
	return nil
}

func (f *fakeScanRuns) Complete(_ context.Context, id string, candidatesFound, newCandidates int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	run := f.runs[id]
	if run.Status != models.ScanRunStatusRunning {
		return nil
	}
	now := time.Now().UTC()
	run.Status = models.ScanRunStatusCompleted
	run.CandidatesFound = &candidatesFound
	run.NewCandidates = &newCandidates
	run.CompletedAt = &now
	return nil
}

func (f *fakeScanRuns) Fail(_ context.Context, id, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := f.runs[id]
	if run.Status != models.ScanRunStatusRunning {
		return nil
	}
	now := time.Now().UTC()
	run.Status = models.ScanRunStatusFailed
	run.ErrorMessage = &message
	run.CompletedAt = &now
	return nil
}

func (f *fakeScanRuns) MarkStuck(ctx context.Context, message string) (int, error) {
	f.mu.Lock()
	var ids []string
	for id, run := range f.runs {
		if run.Status == models.ScanRunStatusRunning {
			ids = append(ids, id)
		}
	}
	f.mu.Unlock()
	for _, id := range ids {
		_ = f.Fail(ctx, id, message)
	}
	return len(ids), nil
}

func (f *fakeScanRuns) Get(_ context.Context, id string) (*models.ScanRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, dedup.NotFoundError("scan run %s not found", id)
	}
	out := *run
	return &out, nil
}

func (f *fakeScanRuns) List(_ context.Context, _ int) ([]models.ScanRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.ScanRun{}
	for _, run := range f.runs {
		out = append(out, *run)
	}
	return out, nil
}

func (f *fakeScanRuns) DeleteAll(ctx context.Context) (int64, error) {
	f.mu.Lock()
	n := int64(len(f.runs))
	f.mu.Unlock()
	apply(ctx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.runs = map[string]*models.ScanRun{}
	})
	return n, nil
}

type fakeHistory struct {
	mu        sync.Mutex
	entries   []models.MergeHistoryEntry
	appendErr error
}

func (f *fakeHistory) Append(ctx context.Context, entry *models.MergeHistoryEntry) (*models.MergeHistoryEntry, error) {
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = time.Now().UTC()
	stored := *entry
	apply(ctx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.entries = append(f.entries, stored)
	})
	return entry, nil
}

func (f *fakeHistory) List(_ context.Context, candidateID string, _ int) ([]models.MergeHistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.MergeHistoryEntry{}
	for _, e := range f.entries {
		if candidateID == "" || e.CandidateID == candidateID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeHistory) DeleteAll(ctx context.Context) (int64, error) {
	f.mu.Lock()
	n := int64(len(f.entries))
	f.mu.Unlock()
	apply(ctx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.entries = nil
	})
	return n, nil
}

type fakeSource struct {
	entities   []models.IntelEntity
	fetchErr   error
	mergeErr   error
	mergeDelay time.Duration
	mergeCalls atomic.Int32
}

func (f *fakeSource) FetchIntrusionSets(_ context.Context) ([]models.IntelEntity, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.entities, nil
}

func (f *fakeSource) MergeEntities(_ context.Context, _, _ string) error {
	f.mergeCalls.Add(1)
	if f.mergeDelay > 0 {
		time.Sleep(f.mergeDelay)
	}
	return f.mergeErr
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.DedupEvent
}

func (f *fakePublisher) PublishDedupEvent(_ context.Context, event *models.DedupEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *event)
	return nil
}

func (f *fakePublisher) types() []models.DedupEventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.DedupEventType, len(f.events))
	for i, e := range f.events {
		out[i] = e.EventType
	}
	return out
}

type fakeLocker struct {
	held bool
}

func (f *fakeLocker) WithLock(_ context.Context, _ string, _ time.Duration, fn func() error) error {
	if f.held {
		return redis.ErrLockNotAcquired
	}
	return fn()
}
