// Package api exposes the relay and the turn pipeline over HTTP.
//
// Routes:
//
//   - GET    /api/realtime         poll the realtime session
//   - POST   /api/realtime         forward one client event upstream
//   - DELETE /api/realtime         close the realtime session
//   - GET    /api/realtime/config  client capture and endpointing settings
//   - POST   /api/chat             turn-based exchange (multipart "audio")
//
// Error responses are JSON objects with a single "error" field.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type errorBody struct {
	Error string `json:"error"`
}

type statusBody struct {
	Status string `json:"status"`
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
