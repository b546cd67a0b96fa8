package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// UpdateFileStatus upserts the bookkeeping row for one file. Last write
// wins.
func (s *Store) UpdateFileStatus(ctx context.Context, project, filePath, fileHash, status string) error {
	if s == nil || s.db == nil {
		return errors.New("graph store not initialised")
	}
	if strings.TrimSpace(filePath) == "" {
		return errors.New("file path required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_status(project, file_path, file_hash, status, updated_at)
                VALUES (?, ?, ?, ?, ?)
                ON CONFLICT(project, file_path) DO UPDATE SET
                        file_hash = excluded.file_hash,
                        status = excluded.status,
                        updated_at = excluded.updated_at`,
		project, filePath, fileHash, status, nowUTC())
	if err != nil {
		return fmt.Errorf("upsert file status: %w", err)
	}
	return nil
}

// FileStatus returns the bookkeeping row for one file, or nil when the
// file was never recorded.
func (s *Store) FileStatus(ctx context.Context, project, filePath string) (*FileStatus, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("graph store not initialised")
	}
	var row FileStatus
	err := s.db.GetContext(ctx, &row,
		`SELECT project, file_path, file_hash, status, updated_at
                FROM file_status WHERE project = ? AND file_path = ?`, project, filePath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select file status: %w", err)
	}
	return &row, nil
}

// UpdateIndexingJob upserts the single indexing bookkeeping row for a
// project. Last write wins.
func (s *Store) UpdateIndexingJob(ctx context.Context, job IndexingJob) error {
	if s == nil || s.db == nil {
		return errors.New("graph store not initialised")
	}
	job.UpdatedAt = nowUTC()
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO indexing_jobs(project, status, step, detail, indexed_methods, updated_at)
                VALUES (:project, :status, :step, :detail, :indexed_methods, :updated_at)
                ON CONFLICT(project) DO UPDATE SET
                        status = excluded.status,
                        step = excluded.step,
                        detail = excluded.detail,
                        indexed_methods = excluded.indexed_methods,
                        updated_at = excluded.updated_at`, job)
	if err != nil {
		return fmt.Errorf("upsert indexing job: %w", err)
	}
	return nil
}

// IndexingJob returns the indexing bookkeeping row for a project, or nil
// when the project was never indexed.
func (s *Store) IndexingJob(ctx context.Context, project string) (*IndexingJob, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("graph store not initialised")
	}
	var row IndexingJob
	err := s.db.GetContext(ctx, &row,
		`SELECT project, status, step, detail, indexed_methods, updated_at
                FROM indexing_jobs WHERE project = ?`, project)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select indexing job: %w", err)
	}
	return &row, nil
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
