package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/frostr-org/igloo-server/internal/auth"
)

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.gateway.Describe(), http.StatusOK)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// Tokens travel in the response body and the X-Session-Token header,
	// never in a URL.
	token, err := s.gateway.Login(body.Username, body.Password, r.RemoteAddr)
	if err != nil {
		if rateLimited(w, err) {
			return
		}
		if errors.Is(err, auth.ErrDisabled) {
			errorResponse(w, "authentication is disabled", http.StatusConflict)
			return
		}
		errorResponse(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	jsonResponse(w, map[string]any{"token": token, "signer_ready": s.adapter.Ready()}, http.StatusOK)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := r.Header.Get("X-Session-Token"); token != "" {
		s.gateway.Logout(token)
	}
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleOnboard(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Secret   string `json:"secret"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	token, err := s.gateway.Onboard(body.Secret, body.Username, body.Password, r.RemoteAddr)
	if err != nil {
		switch {
		case rateLimited(w, err):
		case errors.Is(err, auth.ErrOnboardingClosed):
			errorResponse(w, "onboarding is closed", http.StatusConflict)
		case errors.Is(err, auth.ErrWeakPassword):
			errorResponse(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, auth.ErrBadCredentials):
			errorResponse(w, "invalid admin secret", http.StatusUnauthorized)
		default:
			errorResponse(w, err.Error(), http.StatusBadRequest)
		}
		return
	}
	jsonResponse(w, map[string]string{"token": token}, http.StatusCreated)
}
