// Package collabserver is a reference collaboration backend: the REST API,
// the event channel hub and server-side presence, backed by SQLite.
package collabserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/citruslab/collab/internal/observability"
	"github.com/citruslab/collab/pkg/models"
)

// Config configures the Server.
type Config struct {
	// Addr is the listen address (default ":8080").
	Addr string
	// Prefix is the REST path prefix (default "/api").
	Prefix string
	// PublicURL is where the front end serves /invitation/{token} links.
	PublicURL string
	// TokenSecret signs invitation and share tokens.
	TokenSecret string
	// InviteTTL bounds direct invitations (default 7 days).
	InviteTTL time.Duration
	// PresenceTTL drops participants that stop heartbeating (default 90s).
	PresenceTTL time.Duration
	// SweepSchedule is the cron spec of the presence and token sweep
	// (default "@every 30s").
	SweepSchedule string
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Prefix == "" {
		c.Prefix = "/api"
	}
	c.Prefix = "/" + strings.Trim(c.Prefix, "/")
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	if c.InviteTTL <= 0 {
		c.InviteTTL = 7 * 24 * time.Hour
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 90 * time.Second
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@every 30s"
	}
}

// Server serves the collaboration API and event channel.
type Server struct {
	config   Config
	store    *Store
	tokens   *Tokens
	presence *Presence
	hub      *Hub
	mailer   Mailer
	validate *validator.Validate
	logger   *slog.Logger
	metrics  *observability.Metrics
	registry *prometheus.Registry
	cron     *cron.Cron
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMailer sets the invitation mailer (default LogMailer).
func WithMailer(m Mailer) Option {
	return func(s *Server) {
		if m != nil {
			s.mailer = m
		}
	}
}

// WithRegistry sets the Prometheus registry served on /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		if reg != nil {
			s.registry = reg
		}
	}
}

// New creates a Server over store.
func New(config Config, store *Store, opts ...Option) (*Server, error) {
	config.applyDefaults()
	tokens, err := NewTokens(config.TokenSecret)
	if err != nil {
		return nil, err
	}
	s := &Server{
		config:   config,
		store:    store,
		tokens:   tokens,
		presence: NewPresence(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   slog.Default(),
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "collabserver")
	if s.mailer == nil {
		s.mailer = LogMailer{Logger: s.logger}
	}
	s.metrics = observability.NewMetrics(s.registry)
	s.hub = NewHub(s.presence, s.logger, s.metrics)
	return s, nil
}

// CreateRoom creates a room owned by owner, or returns the existing one.
func (s *Server) CreateRoom(ctx context.Context, chatID, title string, owner models.Identity) (*models.Collaboration, error) {
	room, err := s.store.CreateRoom(ctx, chatID, title, owner)
	if errors.Is(err, ErrRoomExists) {
		room, err = s.store.GetRoom(ctx, chatID)
	}
	if err != nil {
		return nil, err
	}
	return s.collaboration(room), nil
}

// Handler returns the HTTP handler for the API, the event channel and
// /metrics.
func (s *Server) Handler() http.Handler {
	p := s.config.Prefix + "/collaboration"
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+p+"/{room}", s.handleGetCollaboration)
	// One pattern serves both GET shared/{token} and GET {room}/active-users,
	// which would otherwise overlap.
	mux.HandleFunc("GET "+p+"/{first}/{second}", s.handleGetNested)
	mux.HandleFunc("POST "+p+"/{room}/active-users", s.handleRegisterPresence)
	mux.HandleFunc("POST "+p+"/{room}/invite", s.handleInvite)
	mux.HandleFunc("PATCH "+p+"/{room}/collaborators/{id}", s.handleUpdateRole)
	mux.HandleFunc("DELETE "+p+"/{room}/collaborators/{id}", s.handleRemove)
	mux.HandleFunc("POST "+p+"/{room}/share-link", s.handleShareLink)
	mux.HandleFunc("POST "+p+"/shared/{token}/accept", s.handleAccept)

	mux.Handle("GET /ws", s.hub)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return s.instrument(mux)
}

// Run serves until ctx ends and starts the presence sweep.
func (s *Server) Run(ctx context.Context) error {
	if err := s.StartSweeper(); err != nil {
		return err
	}
	defer s.StopSweeper()

	server := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	s.logger.Info("starting collaboration server", "addr", listener.Addr().String(), "prefix", s.config.Prefix)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	return nil
}

// StartSweeper schedules Sweep on the configured cron spec.
func (s *Server) StartSweeper() error {
	c := cron.New()
	if _, err := c.AddFunc(s.config.SweepSchedule, func() { s.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.config.SweepSchedule, err)
	}
	c.Start()
	s.cron = c
	return nil
}

// StopSweeper stops the sweep schedule and waits for a running sweep.
func (s *Server) StopSweeper() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

// Sweep drops stale participants, announces them as left and purges
// expired consumed tokens.
func (s *Server) Sweep(ctx context.Context) {
	for room, users := range s.presence.Sweep(s.config.PresenceTTL) {
		s.logger.Debug("presence expired", "room", room, "count", len(users))
		s.hub.Evict(room, users)
	}
	if n, err := s.store.PurgeConsumedTokens(ctx, time.Now()); err != nil {
		s.logger.Warn("token purge failed", "error", err)
	} else if n > 0 {
		s.logger.Debug("purged consumed tokens", "count", n)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		s.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(rec.status), elapsed.Seconds())
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", elapsed)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
