package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/bookenrich/auth"
	"github.com/teranos/bookenrich/logger"
	"github.com/teranos/bookenrich/pulse/async"
)

// HandleCreateJob starts a batch and returns 202 with its stream URL.
// Validation failures (unknown pipeline, empty or oversized batch) are 400s
// and create no job.
func (s *Server) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := readJSON(w, r, maxJobBodyBytes, &req); err != nil {
		writeErr(w, r, s.logger, err)
		return
	}

	owner := auth.ClientID(r.Context())
	var (
		jobID string
		err   error
	)
	if req.Pipeline == async.PipelineCSVImport && req.CSV != "" {
		jobID, err = s.coordinator.RunCSV(r.Context(), owner, req.CSV)
	} else {
		jobID, err = s.coordinator.Run(r.Context(), owner, req.Pipeline, req.Items)
	}
	if err != nil {
		writeErr(w, r, s.logger, err)
		return
	}

	logger.FromContext(r.Context(), s.logger).Infow("Job accepted",
		logger.FieldJobID, shortID(jobID),
		logger.FieldPipeline, req.Pipeline,
		logger.FieldCount, len(req.Items))

	streamURL := joinURL(s.cfg.BaseURL, "/jobs/"+jobID+"/stream")
	w.Header().Set("Location", joinURL(s.cfg.BaseURL, "/jobs/"+jobID))
	_ = writeJSON(w, http.StatusAccepted, CreateJobResponse{JobID: jobID, StreamURL: streamURL})
}

// HandleGetJob returns the job snapshot without per-item detail
func (s *Server) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.registry.Job(r.Context(), auth.ClientID(r.Context()), chi.URLParam(r, "jobId"), false)
	if err != nil {
		writeErr(w, r, s.logger, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, job)
}

// HandleJobResults returns every item outcome. 410 once retention has passed.
func (s *Server) HandleJobResults(w http.ResponseWriter, r *http.Request) {
	job, err := s.registry.Job(r.Context(), auth.ClientID(r.Context()), chi.URLParam(r, "jobId"), true)
	if err != nil {
		writeErr(w, r, s.logger, err)
		return
	}

	items := job.Items
	if items == nil {
		items = []async.ItemProgress{}
	}
	_ = writeJSON(w, http.StatusOK, ResultsResponse{
		JobID:   job.ID,
		Status:  job.Status,
		Summary: job.Summary,
		Items:   items,
	})
}

// HandleCancelJob cancels a running job. 409 if it already finished.
func (s *Server) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if err := s.registry.Cancel(r.Context(), auth.ClientID(r.Context()), jobID); err != nil {
		writeErr(w, r, s.logger, err)
		return
	}

	logger.FromContext(r.Context(), s.logger).Infow("Job canceled by client", logger.FieldJobID, shortID(jobID))
	_ = writeJSON(w, http.StatusOK, CancelResponse{JobID: jobID, Status: async.JobStatusCanceled})
}
