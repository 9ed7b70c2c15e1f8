package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/frostr-org/igloo-server/internal/auth"
	"github.com/frostr-org/igloo-server/internal/identity"
)

// ─── Signer credential ────────────────────────────────────────────────────────

func (s *Server) handleSignerStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"ready": s.adapter.Ready()}
	_, resp["stored"] = s.store.GetCredential(s.userID)
	if s.adapter.Ready() {
		if pub, err := s.adapter.GetPublicKey(r.Context()); err == nil {
			resp["pubkey"] = pub
		}
	}
	jsonResponse(w, resp, http.StatusOK)
}

// handleSetSigner stores the signing credential, sealed under the unwrap key
// of the calling login session, and binds the signer immediately. The
// plaintext secret exists only in this request's memory.
func (s *Server) handleSetSigner(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Secret == "" {
		errorResponse(w, "signer secret required", http.StatusBadRequest)
		return
	}

	seckey := strings.TrimSpace(body.Secret)
	if strings.HasPrefix(seckey, "nsec1") {
		prefix, decoded, err := nip19.Decode(seckey)
		if err != nil || prefix != "nsec" {
			errorResponse(w, "invalid nsec", http.StatusBadRequest)
			return
		}
		seckey = decoded.(string)
	}

	signer, err := identity.NewLocalSigner(seckey)
	if err != nil {
		errorResponse(w, "invalid signing secret", http.StatusBadRequest)
		return
	}

	if s.gateway.Enabled() {
		token := r.Header.Get("X-Session-Token")
		unwrapKey, ok := s.gateway.Tokens.UnwrapKey(token)
		if !ok {
			// API-key callers and restored tokens carry no unwrap key; the
			// credential can only be sealed right after a password login.
			errorResponse(w, "a password login session is required to store the credential", http.StatusForbidden)
			return
		}
		defer auth.Zero(unwrapKey)

		blob, err := identity.SealCredential(unwrapKey, seckey)
		if err != nil {
			errorResponse(w, "failed to seal credential", http.StatusInternalServerError)
			return
		}
		if err := s.store.SetCredential(s.userID, blob); err != nil {
			errorResponse(w, "failed to persist credential", http.StatusInternalServerError)
			return
		}
	}

	s.adapter.Bind(signer)
	pub, _ := signer.GetPublicKey(r.Context())
	jsonResponse(w, map[string]any{"ready": true, "pubkey": pub}, http.StatusCreated)
}
