package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/duelgrid/relay-server/internal/hub"
	"github.com/duelgrid/relay-server/internal/session"
	"github.com/duelgrid/relay-server/internal/settings"
)

// maxSettingsBlob caps uploaded layout blobs.
const maxSettingsBlob = 1 << 20

type startSessionRequest struct {
	Rating *int `json:"rating,omitempty"`
	Rank   *int `json:"rank,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GetSession serves the public session projection.
func GetSession(t *session.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		pub, ok := t.Public(userID)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, pub)
	}
}

// StartSession (re)activates a session, optionally seeding rating/rank.
func StartSession(t *session.Tracker, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")

		var req startSessionRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid body", http.StatusBadRequest)
				return
			}
		}

		pub := t.Start(userID, req.Rating, req.Rank)
		log.Info("session started", zap.String("userId", userID))
		writeJSON(w, http.StatusOK, pub)
	}
}

// StopSession deactivates a session, keeping its history.
func StopSession(t *session.Tracker, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		pub := t.Stop(userID)
		log.Info("session stopped", zap.String("userId", userID))
		writeJSON(w, http.StatusOK, pub)
	}
}

// GetSetting serves a stored settings blob verbatim.
func GetSetting(s *settings.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		value, ok, err := s.Get(r.Context(), key)
		if err != nil {
			http.Error(w, "settings store error", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "setting not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(value)
	}
}

// PutSetting stores the request body as a blob under the key.
func PutSetting(s *settings.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		body, err := io.ReadAll(io.LimitReader(r.Body, maxSettingsBlob))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		if err := s.Put(r.Context(), key, body); err != nil {
			http.Error(w, "settings store error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// DeleteSetting removes a blob.
func DeleteSetting(s *settings.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		if err := s.Delete(r.Context(), key); err != nil {
			http.Error(w, "settings store error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// Stats asks the hub for counters; the reply never blocks on the network.
func Stats(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply := make(chan hub.StatsView, 1)
		h.Inbox() <- hub.GetStats{Reply: reply}
		select {
		case s := <-reply:
			writeJSON(w, http.StatusOK, s)
		case <-time.After(2 * time.Second):
			http.Error(w, "hub not responding", http.StatusServiceUnavailable)
		}
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
