// Package server is the HTTP surface of bookenrich: batch jobs with SSE and
// WebSocket progress streams, single lookups, and the cover image proxy.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/bookenrich/am"
	"github.com/teranos/bookenrich/auth"
	"github.com/teranos/bookenrich/cache"
	"github.com/teranos/bookenrich/enrich"
	"github.com/teranos/bookenrich/errors"
	"github.com/teranos/bookenrich/internal/httpclient"
	"github.com/teranos/bookenrich/provider"
	"github.com/teranos/bookenrich/pulse/async"
)

// Enricher resolves a single query
type Enricher interface {
	Resolve(ctx context.Context, q provider.Query) (*enrich.Result, error)
}

// CoverCache stores proxied cover images
type CoverCache interface {
	GetBlob(ctx context.Context, normalizedURL string) (cache.Blob, bool)
	PutBlob(ctx context.Context, normalizedURL string, blob cache.Blob) bool
}

// CoverFetcher downloads a cover image from its origin
type CoverFetcher interface {
	Fetch(ctx context.Context, url string, maxBytes int64, contentTypePrefix string) (httpclient.Fetched, error)
}

// Deps are the collaborators a Server routes requests to
type Deps struct {
	Coordinator   *async.Coordinator
	Enricher      Enricher
	Covers        CoverCache   // nil serves covers uncached
	Fetcher       CoverFetcher // nil disables /images/proxy
	Tokens        *auth.TokenManager
	ConfigWatcher *am.ConfigWatcher // optional, stopped with the server
}

// Config tunes the HTTP surface
type Config struct {
	AllowedOrigins  []string // prefix match; "*" allows any origin
	BaseURL         string   // prefix for streamUrl, empty = relative URLs
	ImageMaxBytes   int64
	KeepAlive       time.Duration
	SweepInterval   time.Duration
	ShutdownTimeout time.Duration
	Version         string
}

// ConfigFrom derives the server config from the loaded application config
func ConfigFrom(cfg *am.Config, version string) Config {
	return Config{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		BaseURL:         cfg.Server.BaseURL,
		ImageMaxBytes:   cfg.Images.MaxBytes,
		SweepInterval:   cfg.Jobs.SweepInterval(),
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second,
		Version:         version,
	}
}

// Server serves the bookenrich HTTP API
type Server struct {
	coordinator   *async.Coordinator
	registry      *async.Registry
	enricher      Enricher
	covers        CoverCache
	fetcher       CoverFetcher
	authMW        *auth.Middleware
	configWatcher *am.ConfigWatcher
	cfg           Config
	router        chi.Router
	upgrader      websocket.Upgrader
	logger        *zap.SugaredLogger

	clients map[*Client]bool
	mu      sync.RWMutex

	state      atomic.Int32
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	httpServer *http.Server
	serveMu    sync.Mutex
}

// New wires a server. Coordinator, Enricher and Tokens are required.
func New(deps Deps, cfg Config, log *zap.SugaredLogger) (*Server, error) {
	if deps.Coordinator == nil {
		return nil, errors.New("server requires a job coordinator")
	}
	if deps.Enricher == nil {
		return nil, errors.New("server requires an enricher")
	}
	if deps.Tokens == nil {
		return nil, errors.New("server requires a token manager")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = KeepAliveInterval
	}
	if cfg.ImageMaxBytes <= 0 {
		cfg.ImageMaxBytes = DefaultImageMaxBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		coordinator:   deps.Coordinator,
		registry:      deps.Coordinator.Registry(),
		enricher:      deps.Enricher,
		covers:        deps.Covers,
		fetcher:       deps.Fetcher,
		authMW:        auth.NewMiddleware(deps.Tokens, log.Named("auth")),
		configWatcher: deps.ConfigWatcher,
		cfg:           cfg,
		logger:        log,
		clients:       make(map[*Client]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.state.Store(int32(ServerStateRunning))
	s.router = s.setupRoutes()
	return s, nil
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// streamCount returns the number of open WebSocket streams
func (s *Server) streamCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) register(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) >= MaxClients {
		return false
	}
	s.clients[c] = true
	return true
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}
