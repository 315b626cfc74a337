package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/internal/challenge"
	"github.com/mcdev12/arena/internal/registry"
)

// stateAPI serves read-only HTTP endpoints: challenge state for clients
// fetching an initial snapshot, plus health and connection stats.
type stateAPI struct {
	store    *challenge.Store
	registry *registry.Registry
	service  *Service
}

func newStateAPI(store *challenge.Store, reg *registry.Registry, svc *Service) *stateAPI {
	return &stateAPI{store: store, registry: reg, service: svc}
}

func (a *stateAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("/api/challenges/active", a.handleActiveChallenges)
	mux.HandleFunc("/api/challenges/", a.handleChallengeState)
	mux.HandleFunc("/ws/stats", a.handleStats)
	mux.HandleFunc("/healthz", a.handleHealth)
}

// handleChallengeState serves GET /api/challenges/{id}/state.
func (a *stateAPI) handleChallengeState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := extractChallengeID(r.URL.Path)
	if id == "" {
		http.NotFound(w, r)
		return
	}

	state, err := a.store.State(id)
	if err != nil {
		if errors.Is(err, challenge.ErrUnknownChallenge) {
			http.Error(w, "challenge not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("challenge_id", id).Msg("failed to get challenge state")
		http.Error(w, "failed to get challenge state", http.StatusInternalServerError)
		return
	}

	writeJSON(w, state)
}

func (a *stateAPI) handleActiveChallenges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]any{"challenges": a.store.ActiveChallenges()})
}

func (a *stateAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.registry.Stats())
}

func (a *stateAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := a.service.State()
	status := http.StatusOK
	if state != StateRunning {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": state.String()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// extractChallengeID pulls the id from paths like /api/challenges/{id}/state.
func extractChallengeID(path string) string {
	const prefix = "/api/challenges/"
	const suffix = "/state"
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return ""
	}
	id := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	if id == "" || strings.Contains(id, "/") {
		return ""
	}
	return id
}
