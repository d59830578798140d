package killswitch

import (
	"encoding/json"
	"errors"
	"net/http"

	"TradeGuard/internal/guard"
)

// RegisterAdminRoutes mounts the kill switch admin surface on the ops mux.
// The actor for manual transitions is the authenticated principal placed on
// the request context by the auth layer.
func (s *Switch) RegisterAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/killswitch", s.handleGetState)
	mux.HandleFunc("POST /admin/killswitch/activate", s.handleActivate)
	mux.HandleFunc("POST /admin/killswitch/deactivate", s.handleDeactivate)
}

type activateRequest struct {
	Reason string `json:"reason"`
}

func (s *Switch) handleGetState(w http.ResponseWriter, r *http.Request) {
	state, err := s.State(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Switch) handleActivate(w http.ResponseWriter, r *http.Request) {
	actor := guard.PrincipalFromContext(r.Context())
	if actor == "" {
		writeJSONError(w, http.StatusUnauthorized, "manual activation requires an authenticated actor")
		return
	}

	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		writeJSONError(w, http.StatusBadRequest, "activation reason is required")
		return
	}

	if err := s.Activate(r.Context(), req.Reason, actor); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	state, _ := s.State(r.Context())
	writeJSON(w, http.StatusOK, state)
}

func (s *Switch) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	actor := guard.PrincipalFromContext(r.Context())
	if actor == "" {
		writeJSONError(w, http.StatusUnauthorized, "deactivation requires an authenticated actor")
		return
	}

	err := s.Deactivate(r.Context(), actor)
	if errors.Is(err, ErrSystemDeactivate) {
		writeJSONError(w, http.StatusForbidden, err.Error())
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, State{})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
