package service

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"collabd/internal/presence"
	"collabd/internal/session"
)

// StatusResponse is the /api/status body.
type StatusResponse struct {
	Status      string            `json:"status"`
	UptimeSec   int64             `json:"uptime_sec"`
	Connections int               `json:"connections"`
	Sessions    int               `json:"sessions"`
	Online      []presence.Record `json:"online"`
}

// Routes builds the HTTP surface: the websocket endpoint plus the read-only
// inspection API.
func (s *Service) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.conns.ServeWS).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions", s.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}/changes", s.handleSessionChanges).Methods(http.MethodGet)
	r.HandleFunc("/api/comments", s.handleComments).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	return r
}

// handleMetrics refreshes the sampled gauges and serves the exposition
// format.
func (s *Service) handleMetrics(w http.ResponseWriter, r *http.Request) {
	active := 0
	held := 0
	for _, sess := range s.sessions.Sessions() {
		if sess.Active() {
			active++
		}
		held += len(sess.Locks().Held())
	}
	s.stats.ActiveSessions.Set(int64(active))
	s.stats.HeldLocks.Set(int64(held))
	s.stats.OnlineUsers.Set(int64(len(s.presence.Online())))

	s.stats.Registry().HTTPHandler().ServeHTTP(w, r)
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok\n")) //nolint:errcheck
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:      "running",
		UptimeSec:   int64(time.Since(s.started) / time.Second),
		Connections: s.conns.Count(),
		Sessions:    len(s.sessions.Sessions()),
		Online:      s.presence.Online(),
	})
}

func (s *Service) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.Sessions()
	out := make([]session.Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSessionChanges serves a session's accepted changes with version >
// since, straight from the in-memory log. Reconnecting clients use this to
// catch up before resubscribing.
func (s *Service) handleSessionChanges(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Get(mux.Vars(r)["id"])
	if sess == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = v
	}

	writeJSON(w, http.StatusOK, sess.Authority().Since(since))
}

func (s *Service) handleComments(w http.ResponseWriter, r *http.Request) {
	entityType := r.URL.Query().Get("entity_type")
	entityID := r.URL.Query().Get("entity_id")
	if entityType == "" || entityID == "" {
		http.Error(w, "entity_type and entity_id required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.comments.ForEntity(entityType, entityID))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
