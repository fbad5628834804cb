package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/teranos/bookenrich/auth"
	"github.com/teranos/bookenrich/errors"
	"github.com/teranos/bookenrich/logger"
	"github.com/teranos/bookenrich/pulse/async"
	"github.com/teranos/bookenrich/pulse/stream"
)

// HandleJobStream streams a job's progress events. WebSocket upgrade requests
// get a duplex socket; everything else gets Server-Sent Events. Both replay
// events after Last-Event-ID before going live.
func (s *Server) HandleJobStream(w http.ResponseWriter, r *http.Request) {
	owner := auth.ClientID(r.Context())
	jobID := chi.URLParam(r, "jobId")

	lastSeen, err := lastEventID(r)
	if err != nil {
		writeErr(w, r, s.logger, err)
		return
	}

	tr, err := s.registry.Get(owner, jobID)
	if err != nil {
		s.writeStreamLookupError(w, r, owner, jobID, err)
		return
	}

	// Subscribe before upgrading so the replay decision is made while the
	// HTTP response can still carry it.
	sub := tr.Buffer().Subscribe(lastSeen)
	header := http.Header{}
	if sub.Gap() {
		header.Set("X-Replay-Gap", "true")
		logger.FromContext(r.Context(), s.logger).Infow("Resume point older than replay window",
			logger.FieldJobID, shortID(jobID),
			logger.FieldEventID, lastSeen)
	}

	if websocket.IsWebSocketUpgrade(r) {
		s.serveWebSocket(w, r, tr, sub, header)
		return
	}
	s.serveSSE(w, r, tr, sub, header)
}

// writeStreamLookupError explains why a job has no live stream. A job that
// is only in the store finished before this process started.
func (s *Server) writeStreamLookupError(w http.ResponseWriter, r *http.Request, owner, jobID string, err error) {
	if !errors.Is(err, errors.ErrJobNotFound) {
		writeErr(w, r, s.logger, err)
		return
	}
	job, jobErr := s.registry.Job(r.Context(), owner, jobID, false)
	if jobErr != nil {
		writeErr(w, r, s.logger, jobErr)
		return
	}
	writeErr(w, r, s.logger, errors.WithHint(
		errors.Wrapf(errors.ErrConflict, "job %s is %s and has no live stream", jobID, job.Status),
		"fetch /jobs/"+jobID+"/results instead"))
}

// serveSSE writes events as text/event-stream frames until the terminal
// event, the client leaves, or the server shuts down.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, tr *async.Tracker, sub *stream.Subscription, header http.Header) {
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h := w.Header()
	for k, v := range header {
		h[k] = v
	}
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Reconnect hint for EventSource clients
	fmt.Fprint(w, "retry: 2000\n\n")
	flusher.Flush()

	log := logger.FromContext(r.Context(), s.logger)
	keepalive := time.NewTicker(s.cfg.KeepAlive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debugw("SSE client left", logger.FieldJobID, shortID(tr.ID()))
			return

		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case ev, ok := <-sub.Events():
			if !ok {
				if errors.Is(sub.Err(), stream.ErrLagged) {
					log.Warnw("SSE client lagged, closing stream",
						logger.FieldJobID, shortID(tr.ID()),
						logger.FieldError, errors.ErrTransportDropped)
					fmt.Fprint(w, ": lagged, reconnect with Last-Event-ID\n\n")
					flusher.Flush()
				}
				return
			}
			if err := writeSSEEvent(w, ev); err != nil {
				log.Debugw("SSE write failed", logger.FieldJobID, shortID(tr.ID()), logger.FieldError, err)
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes one frame. Payloads are compact JSON, so a single
// data line is enough.
func writeSSEEvent(w http.ResponseWriter, ev stream.Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Payload)
	return err
}
