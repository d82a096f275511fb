// Package api exposes the storage tier over HTTP: per-contact CRUD, bulk
// import, architecture flags, health, and metrics. Handlers stay thin; all
// storage semantics live behind the architecture router.
package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/planwise/planwise/internal/bulk"
	"github.com/planwise/planwise/internal/contact"
	"github.com/planwise/planwise/internal/lock"
	"github.com/planwise/planwise/internal/replica"
	"github.com/planwise/planwise/internal/router"
)

// Config holds configuration for the API server.
type Config struct {
	Router    *router.Router
	Logger    zerolog.Logger
	AuthToken string              // empty disables auth
	Gatherer  prometheus.Gatherer // metrics endpoint source
}

// Server routes HTTP requests to the storage tier.
type Server struct {
	router *router.Router
	logger zerolog.Logger
	token  string
	mux    *http.ServeMux
}

// NewServer creates an API server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Router == nil {
		return nil, errors.New("architecture router is required")
	}
	s := &Server{
		router: cfg.Router,
		logger: cfg.Logger.With().Str("component", "api").Logger(),
		token:  cfg.AuthToken,
		mux:    http.NewServeMux(),
	}
	s.setupRoutes(cfg.Gatherer)
	return s, nil
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.mux.HandleFunc("GET /api/v1/tenants/{tenant}/contacts", s.withAuth(s.handleListContacts))
	s.mux.HandleFunc("POST /api/v1/tenants/{tenant}/contacts", s.withAuth(s.handleCreateContact))
	s.mux.HandleFunc("GET /api/v1/tenants/{tenant}/contacts/{id}", s.withAuth(s.handleGetContact))
	s.mux.HandleFunc("PUT /api/v1/tenants/{tenant}/contacts/{id}", s.withAuth(s.handleUpdateContact))
	s.mux.HandleFunc("DELETE /api/v1/tenants/{tenant}/contacts/{id}", s.withAuth(s.handleDeleteContact))
	s.mux.HandleFunc("POST /api/v1/tenants/{tenant}/bulk", s.withAuth(s.handleBulkReplace))
	s.mux.HandleFunc("GET /api/v1/tenants/{tenant}/architecture", s.withAuth(s.handleGetArchitecture))
	s.mux.HandleFunc("PUT /api/v1/tenants/{tenant}/architecture", s.withAuth(s.handleSetArchitecture))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	if s.token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] != s.token {
			s.jsonError(w, "invalid or missing bearer token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// maxListLimit caps one listing response regardless of the requested limit.
const maxListLimit = 1000

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxListLimit)
	}

	var records []contact.Record
	err := s.router.WithTenantDatabase(r.Context(), tenantID, func(db *sql.DB) error {
		var err error
		records, err = contact.List(r.Context(), db, limit)
		return err
	})
	if err != nil {
		s.storageError(w, err)
		return
	}
	if records == nil {
		records = []contact.Record{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"contacts": records})
}

func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")

	var row contact.Row
	if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rec, err := contact.Parse(row)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.router.WithTenantDatabase(r.Context(), tenantID, func(db *sql.DB) error {
		id, err := contact.Insert(r.Context(), db, rec)
		if err != nil {
			return err
		}
		rec.ID = id
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			s.jsonError(w, "contact with this email already exists", http.StatusConflict)
			return
		}
		s.storageError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.jsonError(w, "invalid contact id", http.StatusBadRequest)
		return
	}

	var rec contact.Record
	err = s.router.WithTenantDatabase(r.Context(), tenantID, func(db *sql.DB) error {
		var err error
		rec, err = contact.GetByID(r.Context(), db, id)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		s.jsonError(w, "contact not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.storageError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateContact(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.jsonError(w, "invalid contact id", http.StatusBadRequest)
		return
	}

	var row contact.Row
	if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rec, err := contact.Parse(row)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec.ID = id

	err = s.router.WithTenantDatabase(r.Context(), tenantID, func(db *sql.DB) error {
		if _, err := contact.GetByID(r.Context(), db, id); err != nil {
			return err
		}
		return contact.Update(r.Context(), db, rec)
	})
	if errors.Is(err, sql.ErrNoRows) {
		s.jsonError(w, "contact not found", http.StatusNotFound)
		return
	}
	if err != nil {
		if isUniqueViolation(err) {
			s.jsonError(w, "contact with this email already exists", http.StatusConflict)
			return
		}
		s.storageError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.jsonError(w, "invalid contact id", http.StatusBadRequest)
		return
	}

	err = s.router.WithTenantDatabase(r.Context(), tenantID, func(db *sql.DB) error {
		return contact.DeleteByID(r.Context(), db, id)
	})
	if err != nil {
		s.storageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bulkRequest struct {
	Policy string        `json:"policy"`
	Rows   []contact.Row `json:"rows"`
}

func (s *Server) handleBulkReplace(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")

	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Policy == "" {
		req.Policy = string(bulk.PolicySkip)
	}

	res, err := s.router.BulkReplace(r.Context(), tenantID, req.Rows, bulk.Policy(req.Policy))
	if err != nil {
		switch {
		case errors.Is(err, bulk.ErrJobInProgress):
			s.jsonError(w, err.Error(), http.StatusConflict)
		case errors.Is(err, bulk.ErrUnknownPolicy):
			s.jsonError(w, err.Error(), http.StatusBadRequest)
		default:
			s.storageError(w, err)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetArchitecture(w http.ResponseWriter, r *http.Request) {
	tier, err := s.router.TenantArchitecture(r.Context(), r.PathValue("tenant"))
	if err != nil {
		s.storageError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"tier": string(tier)})
}

func (s *Server) handleSetArchitecture(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tier string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.router.SetArchitecture(r.Context(), r.PathValue("tenant"), router.Tier(req.Tier)); err != nil {
		if errors.Is(err, router.ErrUnknownTier) {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.storageError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"tier": req.Tier})
}

// storageError maps storage-tier failures onto HTTP statuses.
func (s *Server) storageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, replica.ErrRestoreFailed):
		s.jsonError(w, "tenant database unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, lock.ErrLockHeld):
		s.jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, router.ErrBackendUnavailable):
		s.jsonError(w, err.Error(), http.StatusNotImplemented)
	case strings.Contains(err.Error(), "invalid tenant id"):
		s.jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error().Err(err).Msg("Storage request failed")
		s.jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
