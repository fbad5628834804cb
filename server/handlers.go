package server

// Handlers outside the job lifecycle:
// - Health checks (HandleHealth)
// - Single lookups (HandleEnrich)
// - Cover image proxy (HandleImageProxy)

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/teranos/bookenrich/cache"
	"github.com/teranos/bookenrich/errors"
	"github.com/teranos/bookenrich/logger"
	"github.com/teranos/bookenrich/normalize"
	"github.com/teranos/bookenrich/pulse/async"
)

// HandleHealth reports the lifecycle state. Anything but running is a 503
// so load balancers stop routing to a draining instance.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.getState()
	health := HealthResponse{
		Status:     "ok",
		State:      stateString(state),
		Version:    s.cfg.Version,
		ActiveJobs: s.registry.Active(),
		Streams:    s.streamCount(),
	}

	status := http.StatusOK
	if state != ServerStateRunning {
		health.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	_ = writeJSON(w, status, health)
}

// HandleEnrich resolves one book. The body is {identifier} or {title, author}.
func (s *Server) HandleEnrich(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := readJSON(w, r, maxEnrichBodyBytes, &body); err != nil {
		writeErr(w, r, s.logger, err)
		return
	}

	// Same item grammar as a batchEnrichment job
	queries, err := async.BatchEnrichment{}.Expand(r.Context(), body)
	if err != nil {
		writeErr(w, r, s.logger, err)
		return
	}

	result, err := s.enricher.Resolve(r.Context(), queries[0])
	if err != nil {
		writeErr(w, r, s.logger, err)
		return
	}

	if !result.Found {
		_ = writeJSON(w, http.StatusNotFound, NotFoundResponse{
			Reason:           result.Reason(),
			ProvidersChecked: result.ProvidersChecked,
		})
		return
	}
	_ = writeJSON(w, http.StatusOK, result)
}

// HandleImageProxy serves a cover image through the blob cache, fetching it
// from its origin on a miss.
func (s *Server) HandleImageProxy(w http.ResponseWriter, r *http.Request) {
	if s.fetcher == nil {
		writeError(w, http.StatusServiceUnavailable, "image proxy is disabled")
		return
	}

	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeErr(w, r, s.logger, errors.NewInvalidRequestError("url query parameter is required"))
		return
	}
	normalized, err := normalize.ImageURL(raw)
	if err != nil {
		writeErr(w, r, s.logger, errors.WrapInvalidRequest(err, "image url"))
		return
	}

	if s.covers != nil {
		if blob, ok := s.covers.GetBlob(r.Context(), normalized); ok {
			writeImage(w, blob, "HIT")
			return
		}
	}

	fetched, err := s.fetcher.Fetch(r.Context(), normalized, s.cfg.ImageMaxBytes, "image/")
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		logger.FromContext(r.Context(), s.logger).Debugw("Cover fetch failed",
			"url", normalized,
			logger.FieldStatus, status,
			logger.FieldError, err)
		writeError(w, status, err.Error())
		return
	}

	blob := cache.Blob{ContentType: fetched.ContentType, Data: fetched.Data, Provider: hostOf(normalized)}
	if s.covers != nil {
		s.covers.PutBlob(r.Context(), normalized, blob)
	}
	writeImage(w, blob, "MISS")
}

func writeImage(w http.ResponseWriter, blob cache.Blob, cacheStatus string) {
	h := w.Header()
	h.Set("Content-Type", blob.ContentType)
	h.Set("Content-Length", strconv.Itoa(len(blob.Data)))
	h.Set("Cache-Control", "public, max-age=86400")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Cache", cacheStatus)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob.Data)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
