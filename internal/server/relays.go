package server

import (
	"encoding/json"
	"net/http"
	"strings"
)

// ─── Relay management ─────────────────────────────────────────────────────────

func (s *Server) handleGetRelays(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{"relays": s.pool.Statuses()}, http.StatusOK)
}

func (s *Server) handleAddRelay(w http.ResponseWriter, r *http.Request) {
	url, ok := relayFromBody(w, r)
	if !ok {
		return
	}
	added := s.pool.AddRelays([]string{url})
	if len(added) == 0 {
		errorResponse(w, "relay not added (already present, invalid scheme, or cap reached)", http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]any{"added": added}, http.StatusCreated)
}

func (s *Server) handleRemoveRelay(w http.ResponseWriter, r *http.Request) {
	url, ok := relayFromBody(w, r)
	if !ok {
		return
	}
	if !s.pool.RemoveRelay(url) {
		errorResponse(w, "no such relay", http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"removed": url}, http.StatusOK)
}

func (s *Server) handleTestRelay(w http.ResponseWriter, r *http.Request) {
	url, ok := relayFromBody(w, r)
	if !ok {
		return
	}
	if err := s.pool.TestRelay(r.Context(), url); err != nil {
		jsonResponse(w, map[string]any{"url": url, "ok": false, "error": err.Error()}, http.StatusOK)
		return
	}
	jsonResponse(w, map[string]any{"url": url, "ok": true}, http.StatusOK)
}

func relayFromBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorResponse(w, "invalid request body", http.StatusBadRequest)
		return "", false
	}
	url := strings.TrimSpace(body.URL)
	if url == "" {
		errorResponse(w, "relay url required", http.StatusBadRequest)
		return "", false
	}
	return url, true
}
