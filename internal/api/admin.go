package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/basislabs/basis-gateway/internal/trust"
	"github.com/basislabs/basis-gateway/internal/webhooks"
)

// handleEntityRegister seeds an entity's trust state, observation tier and
// optional parent link for cascade halts.
func (s *Server) handleEntityRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EntityID string `json:"entity_id"`
		Tier     string `json:"tier,omitempty"`
		Score    int    `json:"score,omitempty"`
		ParentID string `json:"parent_id,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.EntityID == "" {
		writeBadRequest(w, "entity_id", "entity_id is required")
		return
	}
	if req.Score < 0 || req.Score > 1000 {
		writeBadRequest(w, "score", "score must be in [0, 1000]")
		return
	}

	view := s.gateway.RegisterEntity(req.EntityID, trust.Tier(req.Tier), req.Score, req.ParentID)
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleEntityGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.EntityView(mux.Vars(r)["id"]))
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.gateway.HaltEntity(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"entity_id": id, "halted": true})
}

func (s *Server) handleUnhalt(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.gateway.UnhaltEntity(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"entity_id": id, "halted": false})
}

func (s *Server) handleThrottle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Seconds int `json:"seconds"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Seconds <= 0 {
		writeBadRequest(w, "seconds", "seconds must be positive")
		return
	}

	until := time.Now().Add(time.Duration(req.Seconds) * time.Second)
	s.gateway.ThrottleEntity(id, until)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entity_id":       id,
		"throttled_until": until.UTC(),
	})
}

func (s *Server) handleUnthrottle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.gateway.UnthrottleEntity(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"entity_id": id, "throttled": false})
}

func (s *Server) handleCircuitState(w http.ResponseWriter, r *http.Request) {
	state, metrics, trips := s.gateway.Breaker().Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":   state.String(),
		"metrics": metrics,
		"trips":   trips,
	})
}

func (s *Server) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	s.gateway.ResetBreaker()
	writeJSON(w, http.StatusOK, map[string]string{"state": s.gateway.Breaker().State().String()})
}

func (s *Server) handleVelocityStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Velocity().Stats())
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.gateway.Cache() == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, s.gateway.Cache().Stats())
}

// ===========================================================================
// Webhooks
// ===========================================================================

func (s *Server) handleWebhookRegister(w http.ResponseWriter, r *http.Request) {
	var sub webhooks.Subscription
	if !decodeBody(w, r, &sub) {
		return
	}
	if err := s.hooks.Register(&sub); err != nil {
		writeBadRequest(w, "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": s.hooks.List()})
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.hooks.Unregister(mux.Vars(r)["id"]); err != nil {
		writeNotFound(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
