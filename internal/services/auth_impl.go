package services

import (
	"net/http"
)

// LoginPayload is the body of POST /api/auth/login
type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResult carries the issued token
type LoginResult struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var p LoginPayload
	if err := s.decode(r, &p); err != nil {
		s.fail(w, r, err, "")
		return
	}

	token, expiresAt, err := s.deps.Authenticator.Authenticate(p.Username, p.Password)
	if err != nil {
		s.log.Info().Str("username", p.Username).Str("request_id", requestID(r.Context())).Msg("login rejected")
		s.fail(w, r, err, "")
		return
	}
	s.encode(w, r, http.StatusOK, LoginResult{Token: token, ExpiresAt: expiresAt})
}
