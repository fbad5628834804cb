package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/teranos/bookenrich/logger"
)

// setupRoutes builds the router. Job routes are scoped to the authenticated client.
func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/health", s.HandleHealth)
	r.Get("/images/proxy", s.HandleImageProxy)
	r.With(s.drainGuard).Post("/enrich", s.HandleEnrich)

	r.Group(func(r chi.Router) {
		r.Use(s.authMW.RequireAuth)

		r.With(s.drainGuard).Post("/jobs", s.HandleCreateJob)
		r.Route("/jobs/{jobId}", func(r chi.Router) {
			r.Get("/", s.HandleGetJob)
			r.Get("/stream", s.HandleJobStream)
			r.Get("/results", s.HandleJobResults)
			r.Post("/cancel", s.HandleCancelJob)
		})
	})

	return r
}

// corsMiddleware adds CORS headers for allowed origins and answers preflights
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// drainGuard refuses new work once shutdown has begun
func (s *Server) drainGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if state := s.getState(); state != ServerStateRunning {
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, "server is "+stateString(state))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs each request through zap with the chi request ID
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		ctx := r.Context()
		if reqID := middleware.GetReqID(ctx); reqID != "" {
			ctx = logger.WithRequestID(ctx, reqID)
			r = r.WithContext(ctx)
		}

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			// Hijacked for a WebSocket
			status = http.StatusSwitchingProtocols
		}
		logger.FromContext(ctx, s.logger).Debugw("HTTP request",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, status,
			logger.FieldSize, ww.BytesWritten(),
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	})
}
