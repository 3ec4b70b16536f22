// ABOUTME: Status HTTP server for operators: ledger health, session listings and history, rendered
// ABOUTME: record summaries, raw record artifacts, and manual requeue of failed sessions.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/2389-research/labrecord/record"
	"github.com/2389-research/labrecord/session/core"
	"github.com/2389-research/labrecord/session/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Ledger is the part of the session store the server reads and requeues.
type Ledger interface {
	List(ctx context.Context, f store.ListFilter) ([]*core.SessionState, error)
	State(ctx context.Context, sessionID string) (*core.SessionState, error)
	History(ctx context.Context, sessionID string) ([]core.Event, error)
	CountByStatus(ctx context.Context) (map[core.RecordStatus]int, error)
	Requeue(ctx context.Context, sessionID, note string) (core.Event, error)
}

// ServerConfig holds the configuration for the status server.
type ServerConfig struct {
	Addr    string // listen address (default: "127.0.0.1:8080")
	Ledger  Ledger
	Records *record.Writer
}

// Server serves the status API.
type Server struct {
	ledger  Ledger
	records *record.Writer
	router  chi.Router
	addr    string
}

// NewServer validates cfg and sets up routing.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger must not be nil")
	}
	if cfg.Records == nil {
		return nil, fmt.Errorf("records writer must not be nil")
	}
	s := &Server{ledger: cfg.Ledger, records: cfg.Records, addr: cfg.Addr}
	s.router = s.buildRouter()
	return s, nil
}

// ServeHTTP delegates to the chi router, satisfying http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Printf("component=web action=listen addr=%s", s.addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleSessionList)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleSession)
			r.Post("/requeue", s.handleRequeue)
		})
	})
	r.Route("/records/{sessionID}", func(r chi.Router) {
		r.Get("/", s.handleRecord)
		r.Get("/{artifact}", s.handleArtifact)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("component=web action=encode_failed err=%v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth reports ok with per-status counts, or 503 when the ledger
// cannot be read.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.ledger.CountByStatus(r.Context())
	if err != nil {
		log.Printf("component=web action=health_failed err=%v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": counts})
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ListFilter{Instrument: q.Get("instrument"), Limit: 100}
	if v := q.Get("status"); v != "" {
		st, err := core.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = st
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		f.Limit = n
	}

	sessions, err := s.ledger.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []*core.SessionState{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

type sessionDetail struct {
	Session   *core.SessionState `json:"session"`
	History   []core.Event       `json:"history"`
	Artifacts []string           `json:"artifacts,omitempty"`
	Receipt   *record.Receipt    `json:"receipt,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	st, err := s.ledger.State(r.Context(), id)
	if err != nil {
		s.ledgerError(w, err)
		return
	}
	hist, err := s.ledger.History(r.Context(), id)
	if err != nil {
		s.ledgerError(w, err)
		return
	}
	detail := sessionDetail{Session: st, History: hist}
	detail.Artifacts, _ = s.records.ListArtifacts(id)
	if receipt, err := s.records.ReadReceipt(id); err == nil {
		detail.Receipt = receipt
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	var body struct {
		Note string `json:"note"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if body.Note == "" {
		body.Note = "requeued via web"
	}

	e, err := s.ledger.Requeue(r.Context(), id, body.Note)
	if err != nil {
		s.ledgerError(w, err)
		return
	}
	log.Printf("component=web action=requeue session=%s seq=%d", id, e.Seq)
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) ledgerError(w http.ResponseWriter, err error) {
	var te *core.TransitionError
	switch {
	case errors.Is(err, core.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &te):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
