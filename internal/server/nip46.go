package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/nbd-wtf/go-nostr"

	"github.com/frostr-org/igloo-server/internal/broker"
	"github.com/frostr-org/igloo-server/internal/queue"
	"github.com/frostr-org/igloo-server/internal/session"
)

// ─── Sessions ─────────────────────────────────────────────────────────────────

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := append(s.sessions.ListActive(), s.sessions.ListPending()...)
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActiveAt.After(sessions[j].LastActiveAt)
	})
	jsonResponse(w, map[string]any{"sessions": sessions}, http.StatusOK)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "pubkey"))
	if !ok {
		errorResponse(w, "no such session", http.StatusNotFound)
		return
	}
	jsonResponse(w, sess, http.StatusOK)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var p session.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		errorResponse(w, "invalid policy body", http.StatusBadRequest)
		return
	}
	if p.Methods == nil {
		p.Methods = map[string]bool{}
	}
	if p.Kinds == nil {
		p.Kinds = map[string]bool{}
	}
	pubkey := chi.URLParam(r, "pubkey")
	if err := s.sessions.UpdatePolicy(pubkey, p); err != nil {
		errorResponse(w, err.Error(), http.StatusNotFound)
		return
	}
	sess, _ := s.sessions.Get(pubkey)
	jsonResponse(w, sess, http.StatusOK)
}

// handleSessionStatus marks a session active or pending and bumps its
// last-active time. Status stays monotonic, so "pending" on an already
// active session amounts to the touch.
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorResponse(w, "invalid status body", http.StatusBadRequest)
		return
	}
	st := session.Status(body.Status)
	if st != session.StatusActive && st != session.StatusPending {
		errorResponse(w, "status must be active or pending", http.StatusBadRequest)
		return
	}
	pubkey := chi.URLParam(r, "pubkey")
	if _, ok := s.sessions.Get(pubkey); !ok {
		errorResponse(w, "no such session", http.StatusNotFound)
		return
	}
	if _, err := s.sessions.Upsert(&session.Session{Pubkey: pubkey, Status: st}); err != nil {
		errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.sessions.Touch(pubkey, nil, nil)
	sess, _ := s.sessions.Get(pubkey)
	jsonResponse(w, sess, http.StatusOK)
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.Revoke(r.Context(), chi.URLParam(r, "pubkey")); err != nil {
		errorResponse(w, err.Error(), http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"status": "revoked"}, http.StatusOK)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URI string `json:"uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URI == "" {
		errorResponse(w, "connect URI required", http.StatusBadRequest)
		return
	}
	uri, err := broker.ParseConnectURI(body.URI)
	if err != nil {
		errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess, err := s.broker.ConnectToClient(r.Context(), uri)
	if err != nil {
		errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, sess, http.StatusCreated)
}

// ─── Requests ─────────────────────────────────────────────────────────────────

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	var reqs []queue.Request
	switch {
	case r.URL.Query().Get("session") != "":
		reqs = s.queue.ListBySession(r.URL.Query().Get("session"))
	case r.URL.Query().Get("kind") != "":
		kind, err := strconv.Atoi(r.URL.Query().Get("kind"))
		if err != nil {
			errorResponse(w, "invalid kind", http.StatusBadRequest)
			return
		}
		reqs = s.queue.ListByKind(kind)
	default:
		reqs = s.queue.List()
	}
	if reqs == nil {
		reqs = []queue.Request{}
	}
	jsonResponse(w, map[string]any{"requests": reqs}, http.StatusOK)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AutoGrant bool `json:"auto_grant"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	id := chi.URLParam(r, "id")
	if err := s.broker.Approve(r.Context(), id, body.AutoGrant); err != nil {
		errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]string{"status": "approved", "id": id}, http.StatusOK)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	id := chi.URLParam(r, "id")
	if err := s.broker.Deny(r.Context(), id, body.Reason); err != nil {
		errorResponse(w, err.Error(), http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"status": "denied", "id": id}, http.StatusOK)
}

// handleApproveBulk approves a list of request ids, or every queued
// sign_event of a kind.
func (s *Server) handleApproveBulk(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs       []string `json:"ids"`
		Kind      *int     `json:"kind"`
		AutoGrant bool     `json:"auto_grant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	approved := 0
	if body.Kind != nil {
		approved = s.broker.ApproveByKind(r.Context(), *body.Kind, body.AutoGrant)
	}
	for _, id := range body.IDs {
		if err := s.broker.Approve(r.Context(), id, body.AutoGrant); err == nil {
			approved++
		}
	}
	jsonResponse(w, map[string]int{"approved": approved}, http.StatusOK)
}

func (s *Server) handleDenyBulk(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs    []string `json:"ids"`
		Kind   *int     `json:"kind"`
		Reason string   `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	denied := 0
	if body.Kind != nil {
		denied = s.broker.DenyByKind(r.Context(), *body.Kind, body.Reason)
	}
	for _, id := range body.IDs {
		if err := s.broker.Deny(r.Context(), id, body.Reason); err == nil {
			denied++
		}
	}
	jsonResponse(w, map[string]int{"denied": denied}, http.StatusOK)
}

// ─── Transport ────────────────────────────────────────────────────────────────

func (s *Server) handleTransport(w http.ResponseWriter, r *http.Request) {
	pubkey := s.broker.Pubkey()
	bunker := url.URL{Scheme: "bunker", Host: pubkey}
	q := url.Values{}
	for _, relay := range s.pool.Relays() {
		q.Add("relay", relay)
	}
	bunker.RawQuery = q.Encode()

	jsonResponse(w, map[string]any{
		"pubkey": pubkey,
		"bunker": bunker.String(),
		"relays": s.pool.Statuses(),
	}, http.StatusOK)
}

// handleTransportReset rotates the transport key. The new key is persisted
// immediately but only picked up on restart — sessions paired against the
// old transport pubkey stop working then.
func (s *Server) handleTransportReset(w http.ResponseWriter, r *http.Request) {
	seckey := nostr.GeneratePrivateKey()
	pubkey, err := nostr.GetPublicKey(seckey)
	if err != nil {
		errorResponse(w, "key generation failed", http.StatusInternalServerError)
		return
	}
	if err := s.store.SetTransportKey(s.userID, seckey); err != nil {
		errorResponse(w, "failed to persist transport key", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{
		"pubkey": pubkey,
		"note":   "restart required to activate the new transport key",
	}, http.StatusAccepted)
}
