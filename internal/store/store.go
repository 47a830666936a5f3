// Package store provides the job and media ledger.
package store

import (
	"context"
	"time"

	"github.com/ashureev/webchat-proxy/internal/domain"
)

// Repository persists job history and media metadata. It is a ledger: the
// queue and the media directory remain the source of truth at runtime.
type Repository interface {
	// UpsertJob creates or updates a job record.
	UpsertJob(ctx context.Context, job *domain.JobRecord) error

	// GetJob retrieves a job record by id, or nil if unknown.
	GetJob(ctx context.Context, id string) (*domain.JobRecord, error)

	// RecordMedia stores metadata for a materialized asset.
	RecordMedia(ctx context.Context, asset *domain.MediaAsset) error

	// ListJobMedia returns the assets produced by a job in creation order.
	ListJobMedia(ctx context.Context, jobID string) ([]*domain.MediaAsset, error)

	// DeleteMedia removes metadata for an evicted asset.
	DeleteMedia(ctx context.Context, id string) error

	// FailInterruptedJobs marks jobs left non-terminal by a previous process
	// as failed and returns how many were updated.
	FailInterruptedJobs(ctx context.Context) (int64, error)

	// CleanupJobs removes terminal job records older than ttl.
	CleanupJobs(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
