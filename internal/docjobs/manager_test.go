package docjobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestManager(t *testing.T, generator Generator) *Manager {
	t.Helper()
	return NewManager(filepath.Join(t.TempDir(), "logs"), generator)
}

func blockingGenerator(release <-chan struct{}) Generator {
	return func(ctx context.Context, rootDir string, opts Options, log *AuditLog) (map[string]any, error) {
		select {
		case <-ctx.Done():
		case <-release:
		}
		return map[string]any{"files_scanned": 0}, nil
	}
}

func waitTerminal(t *testing.T, mgr *Manager, jobID string) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := mgr.Job(jobID)
		if err != nil {
			t.Fatalf("job lookup failed: %v", err)
		}
		if job.Status != StatusRunning {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return Job{}
}

func TestStartRejectsOverlappingRoots(t *testing.T) {
	root := t.TempDir()
	child := filepath.Join(root, "nested")
	if err := os.MkdirAll(child, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	sibling := t.TempDir()

	release := make(chan struct{})
	mgr := newTestManager(t, blockingGenerator(release))

	first, err := mgr.Start(root, Options{})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if _, err := mgr.Start(root, Options{}); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("equal root: expected ErrJobConflict, got %v", err)
	}
	if _, err := mgr.Start(child, Options{}); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("descendant root: expected ErrJobConflict, got %v", err)
	}
	if _, err := mgr.Start(sibling, Options{}); err != nil {
		t.Fatalf("sibling root should not conflict: %v", err)
	}

	close(release)
	waitTerminal(t, mgr, first.ID)

	// A terminal job releases its root claim.
	if _, err := mgr.Start(root, Options{}); err != nil {
		t.Fatalf("restart after completion failed: %v", err)
	}
}

func TestStartRejectsInvalidRoot(t *testing.T) {
	mgr := newTestManager(t, blockingGenerator(make(chan struct{})))
	if _, err := mgr.Start(filepath.Join(t.TempDir(), "missing"), Options{}); !errors.Is(err, ErrInvalidRoot) {
		t.Fatalf("missing dir: expected ErrInvalidRoot, got %v", err)
	}
	file := filepath.Join(t.TempDir(), "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := mgr.Start(file, Options{}); !errors.Is(err, ErrInvalidRoot) {
		t.Fatalf("regular file: expected ErrInvalidRoot, got %v", err)
	}
}

func TestStopMarksJobStopped(t *testing.T) {
	mgr := newTestManager(t, blockingGenerator(make(chan struct{})))
	job, err := mgr.Start(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	stopping, err := mgr.Stop(job.ID)
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if !stopping.StopRequested {
		t.Fatalf("expected stop_requested flag after Stop")
	}

	final := waitTerminal(t, mgr, job.ID)
	if final.Status != StatusStopped {
		t.Fatalf("expected stopped, got %s", final.Status)
	}
	if final.FinishedAt == nil {
		t.Fatalf("terminal job must carry finished_at")
	}

	// Stopping a terminal job is a no-op.
	again, err := mgr.Stop(job.ID)
	if err != nil {
		t.Fatalf("stop on terminal job failed: %v", err)
	}
	if again.Status != StatusStopped {
		t.Fatalf("terminal status must not change, got %s", again.Status)
	}
}

func TestGeneratorErrorMarksJobFailed(t *testing.T) {
	mgr := newTestManager(t, func(ctx context.Context, rootDir string, opts Options, log *AuditLog) (map[string]any, error) {
		return nil, errors.New("boom")
	})
	job, err := mgr.Start(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	final := waitTerminal(t, mgr, job.ID)
	if final.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.Error == "" {
		t.Fatalf("failed job must record an error message")
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	mgr := newTestManager(t, func(ctx context.Context, rootDir string, opts Options, log *AuditLog) (map[string]any, error) {
		return map[string]any{}, nil
	})
	first, err := mgr.Start(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("start first: %v", err)
	}
	waitTerminal(t, mgr, first.ID)
	time.Sleep(5 * time.Millisecond)
	second, err := mgr.Start(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("start second: %v", err)
	}
	waitTerminal(t, mgr, second.ID)

	jobs := mgr.List()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != second.ID {
		t.Fatalf("expected newest job first, got %s", jobs[0].ID)
	}
}

func TestAuditLogCreatedWithHeader(t *testing.T) {
	mgr := newTestManager(t, func(ctx context.Context, rootDir string, opts Options, log *AuditLog) (map[string]any, error) {
		return map[string]any{}, nil
	})
	root := t.TempDir()
	job, err := mgr.Start(root, Options{})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitTerminal(t, mgr, job.ID)

	path, err := mgr.LogPath(job.ID)
	if err != nil {
		t.Fatalf("log path: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	content := string(data)
	for _, want := range []string{"# documentation generation log", "# session_id=" + job.ID} {
		if !strings.Contains(content, want) {
			t.Fatalf("log missing %q:\n%s", want, content)
		}
	}
}

func TestStartAuditLogFailureReleasesClaim(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "logs")
	if err := os.WriteFile(logDir, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	mgr := NewManager(logDir, blockingGenerator(make(chan struct{})))
	root := t.TempDir()

	if _, err := mgr.Start(root, Options{}); err == nil {
		t.Fatalf("expected audit-log failure")
	}
	if jobs := mgr.List(); len(jobs) != 0 {
		t.Fatalf("failed start must not register a job, got %d", len(jobs))
	}

	// With the log dir usable again the root is free to start.
	if err := os.Remove(logDir); err != nil {
		t.Fatalf("remove blocker: %v", err)
	}
	if _, err := mgr.Start(root, Options{}); err != nil {
		t.Fatalf("restart after cleanup failed: %v", err)
	}
}

func TestUnknownJobLookups(t *testing.T) {
	mgr := newTestManager(t, blockingGenerator(make(chan struct{})))
	if _, err := mgr.Job("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Job: expected ErrJobNotFound, got %v", err)
	}
	if _, err := mgr.Stop("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Stop: expected ErrJobNotFound, got %v", err)
	}
	if _, err := mgr.LogPath("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("LogPath: expected ErrJobNotFound, got %v", err)
	}
}
