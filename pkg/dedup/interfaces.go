package dedup

import (
	"context"
	"database/sql"
	"time"

	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/models"
)

// CandidateStore defines the candidate repository operations
type CandidateStore interface {
	PersistBatch(ctx context.Context, candidates []models.DuplicateCandidate, scanRunID string) (int, error)
	Get(ctx context.Context, id string) (*models.DuplicateCandidate, error)
	List(ctx context.Context, filter models.CandidateFilter) ([]models.DuplicateCandidate, error)
	Review(ctx context.Context, id string, from []models.CandidateStatus, to models.CandidateStatus, canonicalEntityID *string, reviewer string) (bool, error)
	ClaimMergeLease(ctx context.Context, id string, lease time.Duration) (bool, error)
	ReleaseMergeLease(ctx context.Context, id string) error
	MarkMerged(ctx context.Context, id, canonicalEntityID, mergedBy string) (bool, error)
	ReconcileMerged(ctx context.Context) (int, error)
	DeleteAll(ctx context.Context) (int64, error)
}

// ScanRunStore defines the scan run ledger operations
type ScanRunStore interface {
	Create(ctx context.Context, threshold float64, initiatedBy string) (*models.ScanRun, error)
	SetEntityCount(ctx context.Context, id string, count int) error
	Complete(ctx context.Context, id string, candidatesFound, newCandidates int) error
	Fail(ctx context.Context, id, message string) error
	MarkStuck(ctx context.Context, message string) (int, error)
	Get(ctx context.Context, id string) (*models.ScanRun, error)
	List(ctx context.Context, limit int) ([]models.ScanRun, error)
	DeleteAll(ctx context.Context) (int64, error)
}

// HistoryStore defines the merge history operations
type HistoryStore interface {
	Append(ctx context.Context, entry *models.MergeHistoryEntry) (*models.MergeHistoryEntry, error)
	List(ctx context.Context, candidateID string, limit int) ([]models.MergeHistoryEntry, error)
	DeleteAll(ctx context.Context) (int64, error)
}

// EntitySource is the intelligence platform.
type EntitySource interface {
	FetchIntrusionSets(ctx context.Context) ([]models.IntelEntity, error)
	MergeEntities(ctx context.Context, keepID, mergeID string) error
}

// TxManager begins a transaction that the stores join through the returned context.
type TxManager interface {
	GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error)
}

type EventPublisher interface {
	PublishDedupEvent(ctx context.Context, event *models.DedupEvent) error
}

// ScanLocker serializes scans across replicas.
type ScanLocker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error
}
