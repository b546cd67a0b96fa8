// Package docjobs coordinates long-lived, cancellable documentation
// generation jobs over directory trees. One worker goroutine runs per
// job; overlapping roots are rejected while a scan is in flight.
package docjobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeatlas-dev/codeatlas/internal/common"
	"github.com/codeatlas-dev/codeatlas/internal/llm"
)

var (
	ErrJobNotFound = errors.New("documentation job not found")
	ErrJobConflict = errors.New("documentation job already running for an overlapping root")
	ErrInvalidRoot = errors.New("root is not a directory")
)

// Status is a job lifecycle state. Running is the only non-terminal
// state; terminal jobs never transition again.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Job is the externally visible record for one documentation run. The
// coordinator retains records for the process lifetime; there is no
// eviction of finished jobs.
type Job struct {
	ID            string         `json:"job_id"`
	RootDir       string         `json:"root_dir"`
	Status        Status         `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	StopRequested bool           `json:"stop_requested"`
	LogFile       string         `json:"log_file,omitempty"`
	Summary       map[string]any `json:"summary,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Options configures one job.
type Options struct {
	MinMeaningfulLines int
	Provider           llm.Provider
}

// Manager owns the job registry. It is an injected instance rather than
// a package singleton so tests can run several coordinators side by side.
type Manager struct {
	logDir    string
	generator Generator

	mu      sync.Mutex
	jobs    map[string]*Job
	cancels map[string]context.CancelFunc
	roots   map[string]string
}

// NewManager builds a coordinator writing audit logs under logDir. A nil
// generator selects ScanGenerator.
func NewManager(logDir string, generator Generator) *Manager {
	if generator == nil {
		generator = ScanGenerator
	}
	if strings.TrimSpace(logDir) == "" {
		logDir = filepath.Join(os.TempDir(), "codeatlas_docgen_logs")
	}
	return &Manager{
		logDir:    logDir,
		generator: generator,
		jobs:      make(map[string]*Job),
		cancels:   make(map[string]context.CancelFunc),
		roots:     make(map[string]string),
	}
}

// Start validates and normalizes the root, rejects overlap with any
// running job and launches the worker. It returns immediately with the
// running job record.
func (m *Manager) Start(rootDir string, opts Options) (Job, error) {
	resolved, err := normalizeRoot(rootDir)
	if err != nil {
		return Job{}, err
	}

	// Claim the root and register the job before touching the disk so
	// overlap checks do not wait on audit-log I/O.
	m.mu.Lock()
	for id, job := range m.jobs {
		if job.Status != StatusRunning {
			continue
		}
		existingRoot, ok := m.roots[id]
		if !ok {
			continue
		}
		if pathsOverlap(resolved, existingRoot) {
			m.mu.Unlock()
			return Job{}, fmt.Errorf("%w: running=%s requested=%s", ErrJobConflict, existingRoot, resolved)
		}
	}

	jobID := uuid.NewString()
	now := time.Now().UTC()
	started := now
	job := &Job{
		ID:        jobID,
		RootDir:   resolved,
		Status:    StatusRunning,
		CreatedAt: now,
		StartedAt: &started,
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.jobs[jobID] = job
	m.cancels[jobID] = cancel
	m.roots[jobID] = resolved
	m.mu.Unlock()

	log, err := CreateAuditLog(m.logDir, jobID)
	if err == nil {
		err = log.WriteHeader(resolved, jobID)
	}
	if err != nil {
		cancel()
		m.mu.Lock()
		delete(m.jobs, jobID)
		delete(m.cancels, jobID)
		delete(m.roots, jobID)
		m.mu.Unlock()
		return Job{}, err
	}

	m.mu.Lock()
	job.LogFile = log.Path
	snapshot := cloneJob(job)
	m.mu.Unlock()

	go m.runJob(ctx, jobID, resolved, opts, log)
	common.Logger().Info("docjobs: job started", "job_id", jobID, "root", resolved)
	return snapshot, nil
}

// List returns all known jobs, newest first.
func (m *Manager) List() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, cloneJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs
}

// Job returns one job record by id.
func (m *Manager) Job(jobID string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return cloneJob(job), nil
}

// LogPath returns the audit log path for a job.
func (m *Manager) LogPath(jobID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return "", ErrJobNotFound
	}
	return job.LogFile, nil
}

// Stop requests cooperative cancellation of a running job. Stopping a
// terminal job is a no-op returning its current state. Stop never blocks
// on the worker actually finishing.
func (m *Manager) Stop(jobID string) (Job, error) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return Job{}, ErrJobNotFound
	}
	if job.Status != StatusRunning {
		snapshot := cloneJob(job)
		m.mu.Unlock()
		return snapshot, nil
	}
	job.StopRequested = true
	cancel := m.cancels[jobID]
	snapshot := cloneJob(job)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	common.Logger().Info("docjobs: cancellation requested", "job_id", jobID)
	return snapshot, nil
}

func (m *Manager) runJob(ctx context.Context, jobID, rootDir string, opts Options, log *AuditLog) {
	defer func() {
		if r := recover(); r != nil {
			m.finalize(jobID, nil, fmt.Errorf("worker panic: %v", r), false)
		}
	}()

	summary, err := m.generator(ctx, rootDir, opts, log)
	stopped := ctx.Err() != nil
	m.finalize(jobID, summary, err, stopped)
}

// finalize applies the single terminal transition for a job.
func (m *Manager) finalize(jobID string, summary map[string]any, err error, stopped bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status != StatusRunning {
		return
	}
	now := time.Now().UTC()
	job.FinishedAt = &now
	switch {
	case err != nil && !stopped:
		job.Status = StatusFailed
		job.Error = err.Error()
	case stopped || job.StopRequested:
		job.Status = StatusStopped
		job.Summary = summary
	default:
		job.Status = StatusCompleted
		job.Summary = summary
	}
	if cancel := m.cancels[jobID]; cancel != nil {
		cancel()
	}
	delete(m.cancels, jobID)
	common.Logger().Info("docjobs: job finished", "job_id", jobID, "status", string(job.Status))
}

func normalizeRoot(rootDir string) (string, error) {
	trimmed := strings.TrimSpace(rootDir)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidRoot)
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidRoot, abs)
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrInvalidRoot, resolved)
	}
	return resolved, nil
}

// pathsOverlap reports whether one path equals, contains or is contained
// by the other.
func pathsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	return isAncestor(a, b) || isAncestor(b, a)
}

func isAncestor(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return strings.HasPrefix(child, parent+string(os.PathSeparator))
	}
	return rel != ".." && rel != "." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

func cloneJob(src *Job) Job {
	clone := *src
	if src.StartedAt != nil {
		started := *src.StartedAt
		clone.StartedAt = &started
	}
	if src.FinishedAt != nil {
		finished := *src.FinishedAt
		clone.FinishedAt = &finished
	}
	if len(src.Summary) > 0 {
		clone.Summary = make(map[string]any, len(src.Summary))
		for key, value := range src.Summary {
			clone.Summary[key] = value
		}
	}
	return clone
}
