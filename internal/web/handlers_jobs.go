package web

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/JonMunkholm/ingestflow/internal/core"
)

// handleListJobs lists scheduled jobs and job slot usage.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":    s.service.Jobs(),
		"limiter": s.service.JobLimiterStatus(),
	})
}

// handleRunJob runs a job now and returns its status once it finishes. A job
// that ran and failed still returns its status, with the error in last_error.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	ctx := WithRequestMetadata(r.Context(), r)
	st, err := s.service.RunJob(ctx, urlParam(r, "name"))
	if err != nil && !jobRan(err) {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleSuspendJob stops scheduled ticks of a job.
func (s *Server) handleSuspendJob(w http.ResponseWriter, r *http.Request) {
	s.jobControl(w, r, s.service.SuspendJob)
}

// handleResumeJob re-enables scheduled ticks of a job.
func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	s.jobControl(w, r, s.service.ResumeJob)
}

func (s *Server) jobControl(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, name string) error) {
	name := urlParam(r, "name")
	ctx := WithRequestMetadata(r.Context(), r)
	if err := fn(ctx, name); err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	for _, st := range s.service.Jobs() {
		if strings.EqualFold(st.Name, name) {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// jobRan reports whether err came from the job itself rather than from
// starting it.
func jobRan(err error) bool {
	return !errors.Is(err, core.ErrUnknownJob) &&
		!errors.Is(err, core.ErrJobRunning) &&
		!errors.Is(err, core.ErrTooManyJobs) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
