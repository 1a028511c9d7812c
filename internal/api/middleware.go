package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/nwfth/partial-picking/internal/apperrors"
)

type contextKey string

const ctxKeyUserID contextKey = "user_id"
const ctxKeyAuthSource contextKey = "auth_source"

// authMiddleware validates the bearer token on every protected route and
// reconciles it against the X-User-Id header workstation clients send
// (§6 "Auth detail"): a mismatch between the two is an authentication
// failure, not something silently resolved in either direction.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeAppError(w, apperrors.InvalidCredentials())
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		claims, err := s.authManager.VerifyToken(tokenString)
		if err != nil {
			writeAppError(w, err)
			return
		}

		if headerUserID := strings.TrimSpace(r.Header.Get("X-User-Id")); headerUserID != "" {
			if headerUserID != claims.Subject {
				writeAppError(w, apperrors.InvalidCredentials())
				return
			}
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.Subject)
		ctx = context.WithValue(ctx, ctxKeyAuthSource, claims.AuthSource)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestUserID resolves the effective user id for a request: the body
// value wins over the token subject only when it is non-empty after
// trimming (§6 "User context header").
func requestUserID(ctx context.Context, bodyUserID string) string {
	if trimmed := strings.TrimSpace(bodyUserID); trimmed != "" {
		return trimmed
	}
	if v, ok := ctx.Value(ctxKeyUserID).(string); ok {
		return v
	}
	return ""
}

// writeAppError maps a *apperrors.Error (or any error) to the stable
// HTTP error contract of §7.
func writeAppError(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error: err.Error(), Kind: string(apperrors.KindInternal),
		})
		return
	}
	writeJSON(w, apperrors.HTTPStatus(appErr.Kind), errorResponse{
		Error:      appErr.Message,
		Kind:       string(appErr.Kind),
		MaxAllowed: appErr.MaxAllowed,
		Phase:      appErr.Phase,
	})
}
