// Package api serves forge webhooks, run history and the live event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/SomethingGeneric/gort/internal/domain"
	"github.com/SomethingGeneric/gort/internal/driver"
	"github.com/SomethingGeneric/gort/internal/forge"
	"github.com/SomethingGeneric/gort/internal/journal"
)

// Responder handles one issue event
type Responder interface {
	Handle(ctx context.Context, ev domain.IssueEvent) (*driver.Result, error)
}

// Journal is the read side of the run history
type Journal interface {
	List(ctx context.Context, opts journal.ListOptions) ([]*journal.Run, error)
	Get(ctx context.Context, id string) (*journal.Run, error)
	ToolCalls(ctx context.Context, runID string) ([]journal.ToolCall, error)
}

// Registrar installs webhooks on repositories
type Registrar interface {
	AddWebhook(ctx context.Context, owner, repo string, hook forge.Webhook) error
}

// Config configures the server
type Config struct {
	Addr      string
	PublicURL string // Base URL the forge reaches this server at
	Secret    string // Webhook signing secret; empty disables verification
}

// Options holds the collaborators of a Server
type Options struct {
	Responder Responder
	Journal   Journal
	Registrar Registrar
	Hub       *Hub // Created when nil
	Logger    *slog.Logger
}

// Server is the HTTP API server
type Server struct {
	cfg       Config
	responder Responder
	journal   Journal
	registrar Registrar
	logger    *slog.Logger

	mux *http.ServeMux
	hub *Hub

	// Webhook handling outlives the request
	baseCtx context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup
}

// NewServer creates a new API server
func NewServer(cfg Config, opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		responder: opts.Responder,
		journal:   opts.Journal,
		registrar: opts.Registrar,
		logger:    opts.Logger,
		mux:       http.NewServeMux(),
		hub:       opts.Hub,
		baseCtx:   ctx,
		cancel:    cancel,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.hub == nil {
		s.hub = NewHub(s.logger)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/webhook", s.webhookHandler())
	s.mux.HandleFunc("/register", s.registerHandler())
	s.mux.HandleFunc("/api/runs", s.listRunsHandler())
	s.mux.HandleFunc("/api/runs/", s.getRunHandler())
	s.mux.HandleFunc("/ws", s.hub.ServeWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Hub returns the event hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Publish forwards a driver event to websocket clients. It satisfies
// driver.Observer.
func (s *Server) Publish(ev driver.Event) {
	s.hub.Broadcast(ev)
}

// Start serves until ctx is cancelled, then shuts down gracefully and waits
// for in-flight webhook runs.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.cancel()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

// Close cancels in-flight webhook runs and waits for them to finish
func (s *Server) Close() {
	s.cancel()
	s.pending.Wait()
}

// Wait blocks until every accepted webhook has been handled
func (s *Server) Wait() {
	s.pending.Wait()
}

func (s *Server) webhookURL() string {
	return strings.TrimRight(s.cfg.PublicURL, "/") + "/webhook"
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
