package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fpang/shipment-bundler/internal/fault"
	"github.com/fpang/shipment-bundler/internal/jobs"
	"github.com/fpang/shipment-bundler/internal/lifecycle"
	"github.com/fpang/shipment-bundler/internal/links"
	"github.com/fpang/shipment-bundler/internal/pipeline"
	"github.com/fpang/shipment-bundler/internal/store"
)

// cleaner executes a job's cleanup.
type cleaner interface {
	Execute(ctx context.Context, jobID string) (lifecycle.Result, error)
}

type server struct {
	status       *pipeline.StatusReader
	state        store.Store
	cleaner      cleaner
	issuer       *links.Issuer
	archives     string
	linkTTLHours int
	originSecret string
	webhook      http.Handler
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleJobRoutes serves /api/jobs/{id} and /api/jobs/{id}/{action}.
func (s *server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jobID, action, ok := jobs.ParseRoute(r.URL.Path, "/api/jobs/")
	if !ok || !validJobID(jobID) {
		httpError(w, http.StatusNotFound, "not found")
		return
	}

	switch action {
	case "":
		st, err := s.status.Job(r.Context(), jobID)
		if err != nil {
			s.storeError(w, jobID, err)
			return
		}
		respondJSON(w, http.StatusOK, st)
	case "packages":
		c, err := s.status.Packages(r.Context(), jobID)
		if err != nil {
			s.storeError(w, jobID, err)
			return
		}
		respondJSON(w, http.StatusOK, c)
	case "link":
		s.handleLink(w, r, jobID)
	default:
		httpError(w, http.StatusNotFound, "not found")
	}
}

// handleLink re-issues a download link for a completed package.
func (s *server) handleLink(w http.ResponseWriter, r *http.Request, jobID string) {
	number, err := strconv.Atoi(r.URL.Query().Get("package"))
	if err != nil || number < 1 {
		httpError(w, http.StatusBadRequest, "package must be a positive integer")
		return
	}
	pkg, err := s.state.GetPackage(r.Context(), jobID, number)
	if err != nil {
		s.storeError(w, jobID, err)
		return
	}
	if pkg.State != store.PackageCompleted || pkg.Stats == nil || pkg.Stats.ArchiveKey == "" {
		httpError(w, http.StatusConflict, "package has no archive")
		return
	}

	ttl := s.linkTTLHours
	if v := r.URL.Query().Get("ttl_hours"); v != "" {
		if ttl, err = strconv.Atoi(v); err != nil {
			httpError(w, http.StatusBadRequest, "ttl_hours must be an integer")
			return
		}
	}
	link, err := s.issuer.Issue(r.Context(), s.archives, pkg.Stats.ArchiveKey, ttl, jobs.ArchiveFilename(jobID, number))
	switch {
	case fault.IsResource(err):
		httpError(w, http.StatusGone, "archive no longer available", err.Error())
		return
	case err != nil:
		httpError(w, http.StatusServiceUnavailable, "could not issue link", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, link)
}

func (s *server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jobID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/cleanup/"), "/")
	if !validJobID(jobID) {
		httpError(w, http.StatusNotFound, "not found")
		return
	}
	res, err := s.cleaner.Execute(r.Context(), jobID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "cleanup failed", err.Error())
		return
	}
	log.Info().Str("jobId", jobID).Int("filesDeleted", res.FilesDeleted).Msg("Cleanup executed via API")
	respondJSON(w, http.StatusOK, res)
}

func (s *server) storeError(w http.ResponseWriter, jobID string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, store.ErrPersistenceUnavailable):
		httpError(w, http.StatusServiceUnavailable, "state store unavailable", err.Error())
	default:
		httpError(w, http.StatusInternalServerError, "internal error", "jobId="+jobID, err.Error())
	}
}

// validJobID accepts the characters job ids are built from.
func validJobID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
