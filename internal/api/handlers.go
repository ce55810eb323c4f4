package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/basislabs/basis-gateway/internal/core"
)

// handleIntent normalizes a goal into a plan (or blocks it).
func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	var req core.IntentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.EntityID == "" {
		writeBadRequest(w, "entity_id", "entity_id is required")
		return
	}
	if req.Goal == "" {
		writeBadRequest(w, "goal", "goal is required")
		return
	}

	resp := s.gateway.Intent(r.Context(), req)
	writeJSON(w, http.StatusOK, resp)
}

// handleEnforce evaluates a plan under policy. Denials are 200 responses
// with allowed=false; only schema errors produce 4xx.
func (s *Server) handleEnforce(w http.ResponseWriter, r *http.Request) {
	var req core.EnforceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Plan == nil {
		writeBadRequest(w, "plan", "plan is required")
		return
	}
	if req.EntityID == "" && req.Plan.EntityID == "" {
		writeBadRequest(w, "entity_id", "entity_id is required")
		return
	}
	if req.Plan.RiskScore < 0 || req.Plan.RiskScore > 1 {
		writeBadRequest(w, "plan.risk_score", "risk_score must be in [0, 1]")
		return
	}

	resp := s.gateway.Enforce(r.Context(), req)
	writeJSON(w, http.StatusOK, resp)
}

// handlePolicies enumerates the registered policy catalog.
func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policies": s.gateway.Evaluator().Catalog().List(),
	})
}

// handleProofRecord chains a verdict onto the proof ledger.
func (s *Server) handleProofRecord(w http.ResponseWriter, r *http.Request) {
	var req core.EnforceResponse
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Verdict == nil {
		writeBadRequest(w, "verdict", "verdict is required")
		return
	}
	if req.Verdict.PlanID == "" {
		writeBadRequest(w, "verdict.plan_id", "plan_id is required")
		return
	}

	record := s.gateway.Ledger().Append(req.Verdict, "", "enforce", nil)
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleProofGet(w http.ResponseWriter, r *http.Request) {
	record, ok := s.gateway.Ledger().Get(mux.Vars(r)["id"])
	if !ok {
		writeNotFound(w, "proof record not found")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleProofVerify(w http.ResponseWriter, r *http.Request) {
	verification, ok := s.gateway.Ledger().Verify(mux.Vars(r)["id"])
	if !ok {
		writeNotFound(w, "proof record not found")
		return
	}
	writeJSON(w, http.StatusOK, verification)
}

func (s *Server) handleProofQuery(w http.ResponseWriter, r *http.Request) {
	var q core.ProofQuery
	if !decodeBody(w, r, &q) {
		return
	}
	if q.Offset < 0 {
		writeBadRequest(w, "offset", "offset must be non-negative")
		return
	}
	if q.Limit < 0 {
		writeBadRequest(w, "limit", "limit must be non-negative")
		return
	}

	records := s.gateway.Ledger().Query(q)
	if records == nil {
		records = []*core.ProofRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleProofStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Ledger().Stats())
}
