package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

var serverStart = time.Now()

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.api.Stats(r.Context())
	status := "healthy"
	if st.Emergency {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"uptime_seconds": int64(time.Since(serverStart).Seconds()),
		"emergency_mode": st.Emergency,
		"queue_depth":    st.QueueDepth,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.api.Stats(r.Context()))
}

func (s *Server) handleLoadingStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	progress, ok := s.api.LoadingStatus(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "unknown loading id",
		})
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode HTTP response")
	}
}
