package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/codeatlas-dev/codeatlas/internal/agent"
	"github.com/codeatlas-dev/codeatlas/internal/checkpoint"
	"github.com/codeatlas-dev/codeatlas/internal/docjobs"
	"github.com/codeatlas-dev/codeatlas/internal/graph"
	"github.com/codeatlas-dev/codeatlas/internal/indexing"
	"github.com/codeatlas-dev/codeatlas/internal/llm/providers"
	"github.com/codeatlas-dev/codeatlas/internal/sqlitedb"
	"github.com/codeatlas-dev/codeatlas/internal/vector"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	graphStore, err := graph.OpenWithConfig(sqlitedb.Config{Path: filepath.Join(dir, "graph.db")})
	if err != nil {
		t.Fatalf("open graph store: %v", err)
	}
	t.Cleanup(func() { graphStore.Close() })
	saver, err := checkpoint.OpenWithConfig(sqlitedb.Config{Path: filepath.Join(dir, "checkpoints.db")})
	if err != nil {
		t.Fatalf("open saver: %v", err)
	}
	t.Cleanup(func() { saver.Close() })

	provider := providers.NewLocalProvider()
	vectors := vector.NewMemoryStore("")
	indexer := indexing.NewService(graphStore, vectors, nil, provider)
	runner := agent.NewRunner(provider, graphStore, vectors, saver)
	jobs := docjobs.NewManager(filepath.Join(dir, "logs"), nil)
	return NewServer(graphStore, indexer, runner, jobs, docjobs.Options{MinMeaningfulLines: 1})
}

func doJSON(t *testing.T, srv *Server, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewBuffer(data)
	} else {
		body = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestIndexAndGraphEndpoints(t *testing.T) {
	srv := newTestServer(t)
	root := t.TempDir()
	source := "public class Greeter {\n    public void greet() {\n        format();\n    }\n\n    public String format() {\n        return \"hi\";\n    }\n}\n"
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "src", "Greeter.java"), []byte(source), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	rec := doJSON(t, srv, http.MethodPost, "/api/index", map[string]string{"project": "demo", "root": root})
	if rec.Code != http.StatusOK {
		t.Fatalf("index failed: %d %s", rec.Code, rec.Body.String())
	}
	var stats graph.Stats
	decodeBody(t, rec, &stats)
	if stats.Methods != 2 {
		t.Fatalf("expected 2 methods, got %+v", stats)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/graph/overview?project=demo", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("overview failed: %d", rec.Code)
	}
	var overview map[string]string
	decodeBody(t, rec, &overview)
	if !strings.Contains(overview["overview"], "Methods indexed: 2") {
		t.Fatalf("unexpected overview: %q", overview["overview"])
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/graph/neighbors?project=demo", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("neighbors without node should be 400, got %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/graph/file-deps?project=demo", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("file-deps failed: %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/index/status?project=demo", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("index status failed: %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/api/index/status?project=never", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown project status should be 404, got %d", rec.Code)
	}
}

func TestIndexRejectsMissingRoot(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/index", map[string]string{"project": "demo"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodPost, "/api/index",
		map[string]string{"project": "demo", "root": filepath.Join(t.TempDir(), "missing")})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("nonexistent root should be 400, got %d", rec.Code)
	}
}

func TestAskAndSessionLifecycle(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/ask", map[string]string{"project": "demo", "question": "what is here?"})
	if rec.Code != http.StatusOK {
		t.Fatalf("ask failed: %d %s", rec.Code, rec.Body.String())
	}
	var answer agent.Answer
	decodeBody(t, rec, &answer)
	if answer.SessionID == "" || answer.Text == "" {
		t.Fatalf("incomplete answer: %+v", answer)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/sessions?project=demo", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sessions failed: %d", rec.Code)
	}
	var sessions map[string][]string
	decodeBody(t, rec, &sessions)
	if len(sessions["sessions"]) != 1 {
		t.Fatalf("expected one session, got %v", sessions)
	}

	rec = doJSON(t, srv, http.MethodDelete, "/api/sessions/"+answer.SessionID+"?project=demo", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete session failed: %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/api/sessions?project=demo", nil)
	decodeBody(t, rec, &sessions)
	if len(sessions["sessions"]) != 0 {
		t.Fatalf("session should be deleted, got %v", sessions)
	}
}

func TestAskRequiresQuestion(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/ask", map[string]string{"project": "demo"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDocJobLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n\nfunc main() {\n}\n"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	rec := doJSON(t, srv, http.MethodPost, "/api/docjobs", map[string]string{"root": root})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start failed: %d %s", rec.Code, rec.Body.String())
	}
	var job docjobs.Job
	decodeBody(t, rec, &job)
	if job.ID == "" {
		t.Fatalf("missing job id: %+v", job)
	}

	waitDocJob(t, srv, job.ID)

	rec = doJSON(t, srv, http.MethodGet, "/api/docjobs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list failed: %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/api/docjobs/"+job.ID+"/log", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("log fetch failed: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "# documentation generation log") {
		t.Fatalf("log header missing: %q", rec.Body.String())
	}
}

func TestDocJobErrorsMapToStatusCodes(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/docjobs/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job should be 404, got %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodPost, "/api/docjobs", map[string]string{"root": filepath.Join(t.TempDir(), "missing")})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid root should be 400, got %d", rec.Code)
	}
}

func TestLogsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/logs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logs failed: %d", rec.Code)
	}
	var payload map[string]any
	decodeBody(t, rec, &payload)
	if _, ok := payload["logs"]; !ok {
		t.Fatalf("logs key missing: %v", payload)
	}
}

func waitDocJob(t *testing.T, srv *Server, jobID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := doJSON(t, srv, http.MethodGet, "/api/docjobs/"+jobID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("job fetch failed: %d", rec.Code)
		}
		var job docjobs.Job
		decodeBody(t, rec, &job)
		if job.Status != docjobs.StatusRunning {
			if job.Status != docjobs.StatusCompleted {
				t.Fatalf("job ended %s: %+v", job.Status, job)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never finished", jobID)
}
