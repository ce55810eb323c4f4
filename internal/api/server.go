// Package api exposes the gateway over REST/JSON under /v1.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basislabs/basis-gateway/internal/core"
	"github.com/basislabs/basis-gateway/internal/gateway"
	"github.com/basislabs/basis-gateway/internal/stream"
	"github.com/basislabs/basis-gateway/internal/webhooks"
)

// Server routes HTTP traffic into the orchestrator.
type Server struct {
	gateway  *gateway.Gateway
	hooks    *webhooks.Registry
	streamer *stream.Streamer
	logger   *slog.Logger
}

// NewServer builds the HTTP layer over a gateway.
func NewServer(g *gateway.Gateway, hooks *webhooks.Registry, streamer *stream.Streamer) *Server {
	return &Server{
		gateway:  g,
		hooks:    hooks,
		streamer: streamer,
		logger:   slog.Default().With("component", "api"),
	}
}

// Router assembles the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(corsMiddleware)
	r.Use(s.accessLogMiddleware)

	// Core pipeline
	r.HandleFunc("/v1/intent", s.handleIntent).Methods("POST", "OPTIONS")
	r.HandleFunc("/v1/enforce", s.handleEnforce).Methods("POST", "OPTIONS")
	r.HandleFunc("/v1/enforce/policies", s.handlePolicies).Methods("GET")

	// Proof ledger
	r.HandleFunc("/v1/proof", s.handleProofRecord).Methods("POST", "OPTIONS")
	r.HandleFunc("/v1/proof/query", s.handleProofQuery).Methods("POST", "OPTIONS")
	r.HandleFunc("/v1/proof/stats", s.handleProofStats).Methods("GET")
	r.HandleFunc("/v1/proof/{id}", s.handleProofGet).Methods("GET")
	r.HandleFunc("/v1/proof/{id}/verify", s.handleProofVerify).Methods("GET")

	// Entities and trust
	r.HandleFunc("/v1/entities", s.handleEntityRegister).Methods("POST", "OPTIONS")
	r.HandleFunc("/v1/entities/{id}", s.handleEntityGet).Methods("GET")

	// Admin surface
	r.HandleFunc("/v1/admin/entities/{id}/halt", s.handleHalt).Methods("POST")
	r.HandleFunc("/v1/admin/entities/{id}/unhalt", s.handleUnhalt).Methods("POST")
	r.HandleFunc("/v1/admin/entities/{id}/throttle", s.handleThrottle).Methods("POST")
	r.HandleFunc("/v1/admin/entities/{id}/unthrottle", s.handleUnthrottle).Methods("POST")
	r.HandleFunc("/v1/admin/circuit", s.handleCircuitState).Methods("GET")
	r.HandleFunc("/v1/admin/circuit/reset", s.handleCircuitReset).Methods("POST")
	r.HandleFunc("/v1/admin/velocity/stats", s.handleVelocityStats).Methods("GET")
	r.HandleFunc("/v1/admin/cache/stats", s.handleCacheStats).Methods("GET")

	// Webhooks
	if s.hooks != nil {
		r.HandleFunc("/v1/webhooks", s.handleWebhookRegister).Methods("POST", "OPTIONS")
		r.HandleFunc("/v1/webhooks", s.handleWebhookList).Methods("GET")
		r.HandleFunc("/v1/webhooks/{id}", s.handleWebhookDelete).Methods("DELETE")
	}

	// Live event feed
	if s.streamer != nil {
		r.HandleFunc("/v1/stream", s.streamer.HandleWebSocket)
	}

	// Operational
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/ready", s.handleReady).Methods("GET")

	return r
}

// ===========================================================================
// Middleware
// ===========================================================================

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// recoverMiddleware turns panics into opaque 500s. The correlation id links
// the client response to the logged stack context; no internals leak.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				correlationID := core.NewRequestID()
				s.logger.Error("panic recovered",
					"correlation_id", correlationID,
					"path", r.URL.Path,
					"error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{
					"error_code":     "internal_error",
					"correlation_id": correlationID,
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ===========================================================================
// Response helpers
// ===========================================================================

type fieldError struct {
	ErrorCode string `json:"error_code"`
	Field     string `json:"field,omitempty"`
	Message   string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeBadRequest(w http.ResponseWriter, field, message string) {
	writeJSON(w, http.StatusBadRequest, fieldError{
		ErrorCode: "invalid_request",
		Field:     field,
		Message:   message,
	})
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusNotFound, fieldError{
		ErrorCode: "not_found",
		Message:   message,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeBadRequest(w, "", "malformed request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ready",
		"circuit_state":  s.gateway.Breaker().State().String(),
		"ledger_records": s.gateway.Ledger().Len(),
	})
}
