package api

import (
	"encoding/json"
	"net/http"

	"github.com/nwfth/partial-picking/internal/apperrors"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string      `json:"token"`
	User  userSummary `json:"user"`
}

type userSummary struct {
	Username   string `json:"username"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	AuthSource string `json:"auth_source"`
}

// handleLogin implements §4.6's dual-path authentication at the HTTP
// boundary. Throttling is per-username, ahead of the directory/local
// dispatch, so a flood of bad guesses against one account can't burn
// unlimited LDAP binds (§4.9 domain stack wiring).
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, apperrors.Validation("malformed request body"))
		return
	}
	if req.Username == "" || req.Password == "" {
		writeAppError(w, apperrors.Validation("username and password are required"))
		return
	}

	if !s.loginLimiter.Allow(req.Username) {
		writeAppError(w, apperrors.InvalidCredentials())
		return
	}

	result, err := s.authManager.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if s.auditService != nil {
			_ = s.auditService.Log(r.Context(), auditParamsForLogin(req.Username, false))
		}
		writeAppError(w, err)
		return
	}

	if s.auditService != nil {
		_ = s.auditService.Log(r.Context(), auditParamsForLogin(req.Username, true))
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token: result.Token,
		User: userSummary{
			Username:   result.User.Username,
			FirstName:  result.User.FirstName,
			LastName:   result.User.LastName,
			AuthSource: result.User.AuthSource,
		},
	})
}
