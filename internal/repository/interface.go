// Package repository persists threads, tasks, the event log, feedback,
// similarity signatures and analysis records, and the context blobs.
package repository

import (
	"context"
	"errors"
	"time"

	"execution-insight/backend/pkg/models"
)

// ErrDuplicateEvent is returned by Commit when the (thread_id, sequence) pair
// is already in the event log.
var ErrDuplicateEvent = errors.New("duplicate event")

// Commit is one atomic state change: the logged event plus the resulting
// thread projection and, for task events, the task projection.
type Commit struct {
	Event  *models.Event
	Thread *models.Thread
	Task   *models.Task
}

// ThreadStore holds the event log and the thread and task projections.
type ThreadStore interface {
	// Commit appends the event and stores the projections in one transaction.
	Commit(ctx context.Context, c Commit) error
	// GetThread returns apperrors.ErrNotFound for unknown ids.
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	ListThreads(ctx context.Context, filter models.ThreadFilter) ([]*models.Thread, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, threadID string) ([]*models.Task, error)
	// Events returns the logged events of a thread in sequence order.
	Events(ctx context.Context, threadID string, limit int) ([]*models.Event, error)
	// ReferencedContexts returns every context hash a task still points at.
	ReferencedContexts(ctx context.Context) (map[string]struct{}, error)
	Ping(ctx context.Context) error
}

// FeedbackStore is the append-only feedback log.
type FeedbackStore interface {
	InsertFeedback(ctx context.Context, f *models.Feedback) error
	GetFeedback(ctx context.Context, id string) (*models.Feedback, error)
	// ListFeedbackByTarget returns entries in submission order.
	ListFeedbackByTarget(ctx context.Context, targetType models.TargetType, targetID string) ([]*models.Feedback, error)
	// ListFeedbackByThread returns entries on the thread and on its tasks in submission order.
	ListFeedbackByThread(ctx context.Context, threadID string) ([]*models.Feedback, error)
	ListFeedbackBetween(ctx context.Context, from, to time.Time) ([]*models.Feedback, error)
	// ResolveFeedback sets the resolution once. It returns ErrNotFound or
	// ErrAlreadyResolved without modifying the entry.
	ResolveFeedback(ctx context.Context, id string, r models.Resolution) (*models.Feedback, error)
}

// SignatureStore keeps one signature per (target, model).
type SignatureStore interface {
	// SaveSignature is a no-op when a signature for the same target and model exists.
	SaveSignature(ctx context.Context, s *models.Signature) error
	GetSignature(ctx context.Context, targetType models.TargetType, targetID, model string) (*models.Signature, error)
	ListSignatures(ctx context.Context, model string) ([]*models.Signature, error)
}

// AnalysisStore keeps versioned similarity and impact records.
type AnalysisStore interface {
	SaveSimilarity(ctx context.Context, r *models.SimilarityRecord) error
	GetSimilarity(ctx context.Context, id string) (*models.SimilarityRecord, error)
	LatestSimilarity(ctx context.Context, targetType models.TargetType, targetID string) (*models.SimilarityRecord, error)

	SaveImpact(ctx context.Context, a *models.ImpactAnalysis) error
	GetImpact(ctx context.Context, id string) (*models.ImpactAnalysis, error)
	// LatestImpact finds the newest analysis whose trigger has the fingerprint.
	LatestImpact(ctx context.Context, fingerprint string) (*models.ImpactAnalysis, error)
}

// Store bundles every record store of one backend.
type Store interface {
	ThreadStore
	FeedbackStore
	SignatureStore
	AnalysisStore
	Ping(ctx context.Context) error
	Close() error
}

// BlobStore is the raw storage behind the context store. Blobs are keyed
// by content hash and stamped with their last write time.
type BlobStore interface {
	// PutBlob stores data under hash, or refreshes the stamp of an existing blob.
	PutBlob(ctx context.Context, hash string, data []byte, at time.Time) (created bool, err error)
	GetBlob(ctx context.Context, hash string) ([]byte, error)
	HasBlob(ctx context.Context, hash string) (bool, error)
	ListBlobsBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	// DeleteBlobIfBefore removes the blob only if its stamp is still before cutoff.
	DeleteBlobIfBefore(ctx context.Context, hash string, cutoff time.Time) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}
