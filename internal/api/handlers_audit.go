package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nwfth/partial-picking/internal/services"
)

// auditParamsForLogin builds the operational-audit entry for a login
// attempt, success or failure.
func auditParamsForLogin(username string, success bool) services.AuditParams {
	operation := "login.failure"
	if success {
		operation = "login.success"
	}
	return services.AuditParams{
		EntityType: "user",
		EntityID:   username,
		Operation:  operation,
		UserID:     username,
	}
}

// handleListAuditLogs lists operational audit entries with simple
// filtering, for operator/administrator review.
func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var startTime, endTime time.Time
	if v := q.Get("start_time"); v != "" {
		startTime, _ = time.Parse(time.RFC3339, v)
	}
	if v := q.Get("end_time"); v != "" {
		endTime, _ = time.Parse(time.RFC3339, v)
	}

	limit := 100
	if v := q.Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	logs, err := s.auditService.Query(r.Context(), q.Get("entity_type"), q.Get("operation"),
		q.Get("user_id"), q.Get("warehouse"), startTime, endTime, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"data": logs})
}
