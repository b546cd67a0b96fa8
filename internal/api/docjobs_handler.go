package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"

	chi "github.com/go-chi/chi/v5"

	"github.com/codeatlas-dev/codeatlas/internal/docjobs"
)

type docJobRequest struct {
	Root string `json:"root"`
}

func (s *Server) handleDocJobStart(w http.ResponseWriter, r *http.Request) {
	var req docJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job, err := s.jobs.Start(req.Root, s.docOpts)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, docjobs.ErrJobConflict):
			status = http.StatusConflict
		case errors.Is(err, docjobs.ErrInvalidRoot):
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleDocJobList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.jobs.List()})
}

func (s *Server) handleDocJobGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Job(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, docJobStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDocJobStop(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Stop(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, docJobStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDocJobLog(w http.ResponseWriter, r *http.Request) {
	path, err := s.jobs.LogPath(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, docJobStatus(err), err)
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}

func docJobStatus(err error) int {
	if errors.Is(err, docjobs.ErrJobNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
