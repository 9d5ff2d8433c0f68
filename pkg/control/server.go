// Package control serves the HTTP surface used to install traces and reset
// the replay between runs.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/perbu/harreplay/pkg/environment"
	"github.com/perbu/harreplay/pkg/metrics"
	"github.com/perbu/harreplay/pkg/topology"
	"github.com/perbu/harreplay/pkg/trace"
)

// Environment is the part of *environment.Environment the surface drives.
type Environment interface {
	Install(ctx context.Context, tr *trace.Trace, source string) error
	Reset() (environment.ResetResult, error)
	Status() environment.Status
	Topology() *topology.Topology
}

// Config holds the configuration for a Server
type Config struct {
	Env Environment
	// MaxTraceSize limits uploaded traces in bytes. Zero disables the limit.
	MaxTraceSize int64
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Server is the control HTTP surface.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener
}

func New(cfg Config) (*Server, error) {
	if cfg.Env == nil {
		return nil, fmt.Errorf("environment cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "control"),
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("PUT /har", s.handleInstall)
	s.mux.HandleFunc("PUT /reset", s.handleReset)
	s.mux.HandleFunc("GET /reset", s.handleReset)
	s.mux.HandleFunc("GET /topology", s.handleTopology)
	s.mux.HandleFunc("GET /hosts", s.handleHosts)
	s.mux.Handle("GET /metrics", cfg.Metrics.Handler())
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on addr and serves in the background. It returns the
// address actually bound.
func (s *Server) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Control server stopped", "error", err)
		}
	}()

	s.logger.Info("Control surface listening", "addr", listener.Addr().String())
	return listener.Addr().String(), nil
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	source := "upload from " + r.RemoteAddr
	s.logger.Debug("Receiving trace", "remote", r.RemoteAddr, "size", humanize.Bytes(uint64(max(r.ContentLength, 0))))

	tr, err := trace.Load(r.Body, trace.WithMaxSize(s.cfg.MaxTraceSize))
	if err != nil {
		var tooLarge *trace.ErrTooLarge
		if errors.As(err, &tooLarge) {
			s.logger.Warn("Rejected trace", "remote", r.RemoteAddr, "limit", humanize.Bytes(uint64(tooLarge.Limit)))
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		s.logger.Warn("Rejected trace", "remote", r.RemoteAddr, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.cfg.Env.Install(r.Context(), tr, source); err != nil {
		s.logger.Error("Install failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, s.cfg.Env.Status())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Env.Reset()
	if err != nil {
		if errors.Is(err, environment.ErrNotInstalled) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info("Reset", "epoch", res.Epoch, "closed", res.Closed, "close_errors", res.Failed)
	w.Header().Set("X-Replay-Epoch", res.Epoch)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Env.Status())
}

func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request) {
	top := s.cfg.Env.Topology()
	if top == nil {
		http.Error(w, environment.ErrNotInstalled.Error(), http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := top.WriteHosts(w); err != nil {
		s.logger.Debug("Writing hosts failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
