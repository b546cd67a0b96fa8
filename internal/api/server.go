// Package api is the thin HTTP surface over the code intelligence core:
// indexing, graph queries, checkpointed chat sessions and documentation
// jobs.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"

	"github.com/codeatlas-dev/codeatlas/internal/agent"
	"github.com/codeatlas-dev/codeatlas/internal/common"
	"github.com/codeatlas-dev/codeatlas/internal/docjobs"
	"github.com/codeatlas-dev/codeatlas/internal/graph"
	"github.com/codeatlas-dev/codeatlas/internal/indexing"
)

type Server struct {
	router  chi.Router
	graph   *graph.Store
	indexer *indexing.Service
	agent   *agent.Runner
	jobs    *docjobs.Manager
	docOpts docjobs.Options
}

func NewServer(graphStore *graph.Store, indexer *indexing.Service, runner *agent.Runner, jobs *docjobs.Manager, docOpts docjobs.Options) *Server {
	srv := &Server{
		router:  chi.NewRouter(),
		graph:   graphStore,
		indexer: indexer,
		agent:   runner,
		jobs:    jobs,
		docOpts: docOpts,
	}
	srv.routes()
	common.Logger().Info("api: server ready")
	return srv
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	logger := common.Logger()
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request", "method", r.Method, "path", r.URL.Path, "dur", time.Since(start), "remote", r.RemoteAddr)
		})
	})

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.router.Post("/api/index", s.handleIndex)
	s.router.Get("/api/index/status", s.handleIndexStatus)
	s.router.Get("/api/graph/overview", s.handleGraphOverview)
	s.router.Get("/api/graph/neighbors", s.handleGraphNeighbors)
	s.router.Get("/api/graph/file-deps", s.handleGraphFileDeps)
	s.router.Post("/api/ask", s.handleAsk)
	s.router.Get("/api/sessions", s.handleSessions)
	s.router.Delete("/api/sessions/{id}", s.handleDeleteSession)
	s.router.Post("/api/docjobs", s.handleDocJobStart)
	s.router.Get("/api/docjobs", s.handleDocJobList)
	s.router.Get("/api/docjobs/{id}", s.handleDocJobGet)
	s.router.Post("/api/docjobs/{id}/stop", s.handleDocJobStop)
	s.router.Get("/api/docjobs/{id}/log", s.handleDocJobLog)
	s.router.Get("/api/logs", s.handleLogs)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	entries := common.LogEntries()
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	logger := common.Logger()
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "error", err)
	} else {
		logger.Warn("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
