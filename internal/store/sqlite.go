package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/webchat-proxy/internal/domain"
	"github.com/ashureev/webchat-proxy/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.Backoff
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// WAL mode lets HTTP readers proceed while the worker writes.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{
		db: db,
		retry: shared.Backoff{
			Attempts:  3,
			BaseDelay: 50 * time.Millisecond,
			Retryable: shared.IsSQLiteConflictError,
		},
	}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

// SetRetry overrides the conflict retry policy.
func (s *SQLiteStore) SetRetry(attempts int, baseDelay time.Duration) {
	s.retry.Attempts = attempts
	s.retry.BaseDelay = baseDelay
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		model TEXT,
		caller TEXT,
		state TEXT NOT NULL,
		error_kind TEXT,
		error TEXT,
		prompt_chars INTEGER NOT NULL DEFAULT 0,
		reply_chars INTEGER NOT NULL DEFAULT 0,
		media_count INTEGER NOT NULL DEFAULT 0,
		submitted_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
	CREATE INDEX IF NOT EXISTS idx_jobs_updated ON jobs(updated_at);

	CREATE TABLE IF NOT EXISTS media_assets (
		id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		path TEXT NOT NULL,
		content_type TEXT NOT NULL,
		size INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (id, job_id)
	);
	CREATE INDEX IF NOT EXISTS idx_media_job ON media_assets(job_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := shared.Retry(ctx, s.retry, op, func(int) error {
		var err error
		result, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// UpsertJob creates or updates a job record.
func (s *SQLiteStore) UpsertJob(ctx context.Context, job *domain.JobRecord) error {
	query := `
	INSERT INTO jobs (id, kind, model, caller, state, error_kind, error,
		prompt_chars, reply_chars, media_count, submitted_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		state = excluded.state,
		error_kind = excluded.error_kind,
		error = excluded.error,
		reply_chars = excluded.reply_chars,
		media_count = excluded.media_count,
		updated_at = excluded.updated_at`

	updated := job.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, err := s.exec(ctx, "upsert job", query,
		job.ID, string(job.Kind), nullable(job.Model), nullable(job.Caller), string(job.State),
		nullable(job.ErrorKind), nullable(job.Error),
		job.PromptChars, job.ReplyChars, job.MediaCount,
		job.SubmittedAt.UnixMilli(), updated.UnixMilli(),
	)
	return err
}

// GetJob retrieves a job record by id.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*domain.JobRecord, error) {
	query := `
		SELECT id, kind, model, caller, state, error_kind, error,
		       prompt_chars, reply_chars, media_count, submitted_at, updated_at
		FROM jobs WHERE id = ?`

	var (
		job                         domain.JobRecord
		kind, state                 string
		model, caller, errKind, msg sql.NullString
		submittedAt, updatedAt      int64
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&job.ID, &kind, &model, &caller, &state, &errKind, &msg,
		&job.PromptChars, &job.ReplyChars, &job.MediaCount, &submittedAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan job row: %w", err)
	}

	job.Kind = domain.JobKind(kind)
	job.State = domain.JobState(state)
	job.Model = model.String
	job.Caller = caller.String
	job.ErrorKind = errKind.String
	job.Error = msg.String
	job.SubmittedAt = time.UnixMilli(submittedAt)
	job.UpdatedAt = time.UnixMilli(updatedAt)
	return &job, nil
}

// RecordMedia stores metadata for a materialized asset.
func (s *SQLiteStore) RecordMedia(ctx context.Context, asset *domain.MediaAsset) error {
	query := `
	INSERT INTO media_assets (id, job_id, path, content_type, size, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id, job_id) DO NOTHING`
	_, err := s.exec(ctx, "record media", query,
		asset.ID, asset.JobID, asset.Path, asset.ContentType, asset.Size, asset.CreatedAt.UnixMilli())
	return err
}

// ListJobMedia returns the assets produced by a job.
func (s *SQLiteStore) ListJobMedia(ctx context.Context, jobID string) ([]*domain.MediaAsset, error) {
	query := `
		SELECT id, job_id, path, content_type, size, created_at
		FROM media_assets WHERE job_id = ? ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job media: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close job media rows", "error", closeErr)
		}
	}()

	var assets []*domain.MediaAsset
	for rows.Next() {
		var a domain.MediaAsset
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.JobID, &a.Path, &a.ContentType, &a.Size, &createdAt); err != nil {
			return nil, fmt.Errorf("scan media row: %w", err)
		}
		a.CreatedAt = time.UnixMilli(createdAt)
		assets = append(assets, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate media rows: %w", err)
	}
	return assets, nil
}

// DeleteMedia removes metadata for an evicted asset.
func (s *SQLiteStore) DeleteMedia(ctx context.Context, id string) error {
	_, err := s.exec(ctx, "delete media", `DELETE FROM media_assets WHERE id = ?`, id)
	return err
}

// FailInterruptedJobs marks jobs a previous process left in flight as failed.
func (s *SQLiteStore) FailInterruptedJobs(ctx context.Context) (int64, error) {
	query := `
	UPDATE jobs SET state = ?, error_kind = 'interrupted', error = 'process restarted', updated_at = ?
	WHERE state NOT IN (?, ?)`
	result, err := s.exec(ctx, "fail interrupted jobs", query,
		string(domain.JobFailed), time.Now().UnixMilli(), string(domain.JobDone), string(domain.JobFailed))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CleanupJobs removes terminal job records older than ttl.
func (s *SQLiteStore) CleanupJobs(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).UnixMilli()
	result, err := s.exec(ctx, "cleanup jobs",
		`DELETE FROM jobs WHERE updated_at < ? AND state IN (?, ?)`,
		threshold, string(domain.JobDone), string(domain.JobFailed))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
