package server

import (
	"encoding/json"
	"time"

	"github.com/teranos/bookenrich/enrich"
	"github.com/teranos/bookenrich/pulse/async"
	"github.com/teranos/bookenrich/pulse/stream"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket streams
	MaxClients = 256
	// ShutdownTimeout is how long Stop waits for goroutines when the caller gives no deadline
	ShutdownTimeout = 30 * time.Second
	// KeepAliveInterval is how often an idle SSE stream gets a comment line
	KeepAliveInterval = 15 * time.Second
	// DefaultImageMaxBytes caps a proxied cover image
	DefaultImageMaxBytes = 5 << 20

	maxEnrichBodyBytes = 64 << 10
	maxJobBodyBytes    = 8 << 20
)

// ServerState represents the server lifecycle state
type ServerState int32

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

// CreateJobRequest starts a batch. csvImport may send the raw file as csv
// instead of pre-split rows.
type CreateJobRequest struct {
	Pipeline string            `json:"pipeline"`
	Items    []json.RawMessage `json:"items,omitempty"`
	CSV      string            `json:"csv,omitempty"`
}

// CreateJobResponse is returned with 202 Accepted
type CreateJobResponse struct {
	JobID     string `json:"jobId"`
	StreamURL string `json:"streamUrl"`
}

// ResultsResponse is the per-item outcome of a job
type ResultsResponse struct {
	JobID   string               `json:"jobId"`
	Status  async.JobStatus      `json:"status"`
	Summary async.Summary        `json:"summary"`
	Items   []async.ItemProgress `json:"items"`
}

// CancelResponse acknowledges a cancel request
type CancelResponse struct {
	JobID  string          `json:"jobId"`
	Status async.JobStatus `json:"status"`
}

// NotFoundResponse is the 404 body of /enrich
type NotFoundResponse struct {
	Reason           string           `json:"reason"`
	ProvidersChecked []enrich.Attempt `json:"providersChecked"`
}

// HealthResponse is the body of /health
type HealthResponse struct {
	Status     string `json:"status"`
	State      string `json:"state"`
	Version    string `json:"version,omitempty"`
	ActiveJobs int    `json:"activeJobs"`
	Streams    int    `json:"streams"`
}

// StreamFrame is one server-to-client WebSocket message. Data is the event
// payload, the same JSON an SSE client receives in its data field.
type StreamFrame struct {
	EventID int64            `json:"eventId"`
	JobID   string           `json:"jobId"`
	Type    stream.EventType `json:"type"`
	Data    json.RawMessage  `json:"data"`
}

// ClientMessage is a client-to-server WebSocket message
type ClientMessage struct {
	Type string `json:"type"` // "cancel"
}
