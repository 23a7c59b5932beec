package engine

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/tideworks/conductor/internal/queue"
)

type injectResponse struct {
	OK      bool   `json:"ok"`
	Outcome string `json:"outcome"`
}

// InjectHandler implements the local synthetic `/__queue/consume` endpoint
// (spec §6): a single message runs through exactly the same handling path a
// real queue delivery takes, gated by a shared secret rather than the
// Control Plane's bearer token since it is meant for operator/test use
// against the engine process directly.
func InjectHandler(e *Engine, sharedSecret string) http.HandlerFunc {
	secret := []byte(sharedSecret)
	return func(w http.ResponseWriter, r *http.Request) {
		if sharedSecret == "" || subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Shared-Secret")), secret) != 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"Unauthorized"}`))
			return
		}

		var msg queue.RunQueueMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			writeInject(w, http.StatusBadRequest, false, "none")
			return
		}

		outcome, _ := e.ConsumeOne(r.Context(), msg)
		switch outcome {
		case OutcomeRetry:
			writeInject(w, http.StatusServiceUnavailable, false, string(OutcomeRetry))
		case OutcomeAck:
			writeInject(w, http.StatusAccepted, true, string(OutcomeAck))
		default:
			writeInject(w, http.StatusAccepted, true, string(OutcomeNone))
		}
	}
}

func writeInject(w http.ResponseWriter, status int, ok bool, outcome string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(injectResponse{OK: ok, Outcome: outcome})
}
