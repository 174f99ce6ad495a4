// Package server exposes the read API over HTTP/JSON. Writes never enter
// through here; action requests only arrive via JetStream.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpEngine/internal/observability"
	"PerpEngine/internal/query"
)

// Server wraps the query service behind HTTP handlers.
type Server struct {
	addr    string
	queries *query.Service
	health  *observability.HealthChecker
	log     zerolog.Logger
}

func New(addr string, queries *query.Service, health *observability.HealthChecker) *Server {
	return &Server{
		addr:    addr,
		queries: queries,
		health:  health,
		log:     observability.NewLogger("server"),
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/actions", s.handleActions)
	mux.HandleFunc("/v1/actions/", s.handleAction)
	mux.HandleFunc("/v1/prices", s.handlePrices)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/healthz", s.health.LivenessHandler)
	mux.HandleFunc("/readyz", s.health.ReadinessHandler)

	srv := &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", s.addr).Msg("http server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// GET /v1/actions?owner=&market=&before_sequence=&limit=
func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter := query.ActionFilter{
		Owner:       r.URL.Query().Get("owner"),
		MarketToken: r.URL.Query().Get("market"),
	}
	if v := r.URL.Query().Get("before_sequence"); v != "" {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid before_sequence", http.StatusBadRequest)
			return
		}
		filter.BeforeSequence = seq
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	actions, err := s.queries.Actions(r.Context(), filter)
	if err != nil {
		s.internalError(w, err, "list actions")
		return
	}
	s.writeJSON(w, map[string]interface{}{"actions": actions})
}

// GET /v1/actions/{id}
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	idStr := strings.TrimPrefix(r.URL.Path, "/v1/actions/")
	id, err := uuid.Parse(idStr)
	if err != nil {
		http.Error(w, "invalid action id", http.StatusBadRequest)
		return
	}

	action, err := s.queries.Action(r.Context(), id)
	if err == sql.ErrNoRows {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, err, "get action")
		return
	}
	s.writeJSON(w, action)
}

// GET /v1/prices
func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	prices, err := s.queries.Prices(r.Context())
	if err != nil {
		s.internalError(w, err, "list prices")
		return
	}
	s.writeJSON(w, map[string]interface{}{"prices": prices})
}

// GET /v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := s.queries.Status(r.Context())
	if err != nil {
		s.internalError(w, err, "status")
		return
	}
	s.writeJSON(w, status)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("write response")
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error, op string) {
	s.log.Error().Err(err).Str("op", op).Msg("query failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}
