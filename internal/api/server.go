package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coldchain-monitor/internal/db"
	"coldchain-monitor/internal/ingest"
	"coldchain-monitor/internal/metrics"
	"coldchain-monitor/internal/models"
	"coldchain-monitor/internal/parser"
	"coldchain-monitor/internal/stream"

	"github.com/gorilla/mux"
)

const maxBodyBytes = 1 << 20

// Server represents the API server
type Server struct {
	db     *db.Database
	ingest *ingest.Service
	hub    *stream.Hub
	logger *slog.Logger
	router *mux.Router
}

// NewServer creates a new API server
func NewServer(database *db.Database, svc *ingest.Service, hub *stream.Hub, logger *slog.Logger) *Server {
	s := &Server{
		db:     database,
		ingest: svc,
		hub:    hub,
		logger: logger,
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/metrics", metrics.HandleMetrics).Methods("GET")

	// Ingestion endpoints
	s.router.HandleFunc("/api/v1/telemetry", s.handleCreateTelemetry).Methods("POST")
	s.router.HandleFunc("/api/v1/telemetry/batch", s.handleBatchTelemetry).Methods("POST")

	// Live stream endpoints
	s.router.HandleFunc("/api/v1/stream", stream.ServeSSE(s.hub, s.logger)).Methods("GET")
	s.router.HandleFunc("/api/v1/ws", stream.ServeWebSocket(s.hub, s.logger)).Methods("GET")

	// Query endpoints
	s.router.HandleFunc("/api/v1/dashboard/summary", s.handleDashboardSummary).Methods("GET")
	s.router.HandleFunc("/api/v1/trucks", s.handleListTrucks).Methods("GET")
	s.router.HandleFunc("/api/v1/trips", s.handleListTrips).Methods("GET")
	s.router.HandleFunc("/api/v1/trips/{trip_id}/latest", s.handleLatestFrame).Methods("GET")
	s.router.HandleFunc("/api/v1/trips/{trip_id}/complete", s.handleCompleteTrip).Methods("POST")
	s.router.HandleFunc("/api/v1/alerts", s.handleListAlerts).Methods("GET")
	s.router.HandleFunc("/api/v1/alerts/{id}/resolve", s.handleResolveAlert).Methods("POST")

	// Stats endpoint
	s.router.HandleFunc("/api/v1/stats", s.handleStats).Methods("GET")

	// Add middleware
	s.router.Use(s.loggingMiddleware)
	s.router.Use(jsonMiddleware)
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

// statusRecorder captures the response status for request logging. Unwrap
// lets http.ResponseController reach the Flusher for streaming responses.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Middleware
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Response helpers
type apiResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Meta    *meta       `json:"meta,omitempty"`
}

type meta struct {
	Total   int   `json:"total"`
	Limit   int   `json:"limit,omitempty"`
	QueryMs int64 `json:"query_ms"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondMessage(w http.ResponseWriter, status int, message string, data interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Message: message, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

func respondWithMeta(w http.ResponseWriter, data interface{}, m *meta) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data, Meta: m})
}

// respondIngestError maps the ingestion error taxonomy to HTTP statuses
func (s *Server) respondIngestError(w http.ResponseWriter, err error) {
	var verr *parser.ValidationError
	var serr *ingest.StorageError
	switch {
	case errors.Is(err, parser.ErrMalformedPayload):
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
	case errors.As(err, &verr):
		respondError(w, http.StatusBadRequest, verr.Error())
	case errors.As(err, &serr):
		respondError(w, http.StatusInternalServerError, "failed to store telemetry, retry later")
	default:
		s.logger.Error("unexpected ingest error", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// Handlers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleCreateTelemetry(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "request body too large or unreadable")
		return
	}

	result, err := s.ingest.Ingest(r.Context(), body)
	if err != nil {
		s.respondIngestError(w, err)
		return
	}

	respondMessage(w, http.StatusCreated, "Telemetry received", result)
}

type batchError struct {
	Line  int    `json:"line"`
	Error string `json:"error"`
}

type batchResponse struct {
	Accepted        int                   `json:"accepted"`
	Rejected        int                   `json:"rejected"`
	AlertsGenerated int                   `json:"alerts_generated"`
	Results         []models.IngestResult `json:"results"`
	Errors          []batchError          `json:"errors"`
}

func (s *Server) handleBatchTelemetry(w http.ResponseWriter, r *http.Request) {
	records, err := parser.NewParser("auto").Parse(http.MaxBytesReader(w, r.Body, 16*maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON array or NDJSON body")
		return
	}
	if len(records) == 0 {
		respondError(w, http.StatusBadRequest, "empty batch")
		return
	}

	br, err := s.ingest.IngestBatch(r.Context(), records)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "batch interrupted")
		return
	}

	resp := batchResponse{
		Accepted:        br.Accepted,
		Rejected:        br.Rejected,
		AlertsGenerated: br.AlertsGenerated,
		Results:         br.Results,
		Errors:          []batchError{},
	}
	if resp.Results == nil {
		resp.Results = []models.IngestResult{}
	}
	for _, e := range br.Errors {
		resp.Errors = append(resp.Errors, batchError{Line: e.Line, Error: e.Err.Error()})
	}

	status := http.StatusCreated
	if br.Accepted == 0 {
		status = http.StatusBadRequest
	}
	respondMessage(w, status, fmt.Sprintf("%d of %d frames accepted", br.Accepted, len(records)), resp)
}

func (s *Server) handleDashboardSummary(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	entries, err := s.db.DashboardSummary(r.Context())
	if err != nil {
		s.logger.Error("dashboard summary failed", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondWithMeta(w, entries, &meta{Total: len(entries), QueryMs: time.Since(start).Milliseconds()})
}

func (s *Server) handleListTrucks(w http.ResponseWriter, r *http.Request) {
	trucks, err := s.db.ListTrucks(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, trucks)
}

func (s *Server) handleListTrips(w http.ResponseWriter, r *http.Request) {
	status := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))
	if status != "" && status != models.TripActive && status != models.TripCompleted {
		respondError(w, http.StatusBadRequest, "status must be ACTIVE or COMPLETED")
		return
	}

	trips, err := s.db.ListTrips(r.Context(), status)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, trips)
}

func (s *Server) handleLatestFrame(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tripID := mux.Vars(r)["trip_id"]

	snap, err := s.db.LatestFrame(r.Context(), tripID)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "no telemetry found for trip")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondWithMeta(w, snap, &meta{Total: 1, QueryMs: time.Since(start).Milliseconds()})
}

func (s *Server) handleCompleteTrip(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]

	trip, err := s.ingest.CompleteTrip(r.Context(), tripID)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "active trip not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondMessage(w, http.StatusOK, "Trip completed", trip)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := db.DefaultAlertLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	alerts, err := s.db.ListOpenAlerts(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondWithMeta(w, alerts, &meta{Total: len(alerts), Limit: limit})
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusNotFound, "alert not found")
		return
	}

	alert, err := s.ingest.ResolveAlert(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "alert not found or already resolved")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondMessage(w, http.StatusOK, "Alert resolved", alert)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"store":            stats,
		"live_subscribers": s.hub.Len(),
	})
}
