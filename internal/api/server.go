// Package api serves read-only status of a run in progress over HTTP, plus
// an endpoint to interrupt it.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/benaskins/chainrun/internal/cleanup"
	"github.com/benaskins/chainrun/internal/orchestrator"
)

const defaultOutputLines = 100

// Source is the run the server reports on.
type Source interface {
	Snapshot() orchestrator.Status
	ProcessOutput(name string, n int) ([]string, bool)
	Interrupt(sig os.Signal) cleanup.Report
}

// Server serves the status API.
type Server struct {
	source   Source
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a status server for src.
func NewServer(src Source) *Server {
	s := &Server{
		source: src,
		logger: slog.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/run", s.getRun)
	mux.HandleFunc("GET /v1/processes", s.listProcesses)
	mux.HandleFunc("GET /v1/processes/{name}", s.getProcess)
	mux.HandleFunc("GET /v1/processes/{name}/output", s.getOutput)
	mux.HandleFunc("POST /v1/interrupt", s.interrupt)
	mux.HandleFunc("GET /v1/health", s.health)

	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Handler exposes the routes for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Listen binds addr and returns the bound address, so ":0" can be used.
// Serve must be called to accept connections.
func (s *Server) Listen(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	s.listener = ln
	s.logger.Info("status API listening", "addr", ln.Addr().String())
	return ln.Addr().String(), nil
}

// Serve accepts connections on the listener opened by Listen. It returns
// nil after Shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("api: Listen not called")
	}
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Snapshot())
}

func (s *Server) listProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Snapshot().Processes)
}

func (s *Server) getProcess(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	for _, p := range s.source.Snapshot().Processes {
		if p.Name == name {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "process " + strconv.Quote(name) + " not found"})
}

func (s *Server) getOutput(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	n := defaultOutputLines
	if v := r.URL.Query().Get("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "lines must be a non-negative integer"})
			return
		}
		n = parsed
	}

	lines, ok := s.source.ProcessOutput(name, n)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "process " + strconv.Quote(name) + " not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "lines": lines})
}

func (s *Server) interrupt(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("interrupt requested over API", "remote", r.RemoteAddr)
	go s.source.Interrupt(syscall.SIGTERM)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "interrupting"})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
