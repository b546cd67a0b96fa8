package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/codeatlas-dev/codeatlas/internal/indexing"
)

type indexRequest struct {
	Project string `json:"project"`
	Root    string `json:"root"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Root) == "" {
		writeError(w, http.StatusBadRequest, errors.New("root is required"))
		return
	}
	stats, err := s.indexer.Reindex(r.Context(), strings.TrimSpace(req.Project), req.Root)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, indexing.ErrInvalidRoot) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleIndexStatus(w http.ResponseWriter, r *http.Request) {
	project := strings.TrimSpace(r.URL.Query().Get("project"))
	job, err := s.indexer.Status(r.Context(), project)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, errors.New("project never indexed"))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGraphOverview(w http.ResponseWriter, r *http.Request) {
	project := strings.TrimSpace(r.URL.Query().Get("project"))
	limit := queryInt(r, "limit", 10)
	text, err := s.graph.OverviewText(r.Context(), project, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"overview": text})
}

func (s *Server) handleGraphNeighbors(w http.ResponseWriter, r *http.Request) {
	project := strings.TrimSpace(r.URL.Query().Get("project"))
	node := strings.TrimSpace(r.URL.Query().Get("node"))
	if node == "" {
		writeError(w, http.StatusBadRequest, errors.New("node is required"))
		return
	}
	depth := queryInt(r, "depth", 1)
	limit := queryInt(r, "limit", 50)
	text, err := s.graph.NeighborsText(r.Context(), project, node, depth, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"neighbors": text})
}

func (s *Server) handleGraphFileDeps(w http.ResponseWriter, r *http.Request) {
	project := strings.TrimSpace(r.URL.Query().Get("project"))
	deps, err := s.graph.FileDependencies(r.Context(), project)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dependencies": deps})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
