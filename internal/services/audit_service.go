package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/nwfth/partial-picking/internal/db"
)

// AuditService writes to the operational audit trail (logins, manual
// status reverts, admin actions) — distinct from the append-only
// LotTransaction ledger the pick/unpick/putaway engines own directly.
type AuditService struct {
	queries *db.Queries
}

func NewAuditService(queries *db.Queries) *AuditService {
	return &AuditService{queries: queries}
}

// AuditParams is the set of fields an audit entry may carry.
type AuditParams struct {
	EntityType string
	EntityID   string
	Operation  string
	UserID     string
	UserName   string
	Warehouse  string
	Metadata   map[string]interface{}
	IPAddress  string
	UserAgent  string
}

func (s *AuditService) Log(ctx context.Context, params AuditParams) error {
	var metadataJSON []byte
	if params.Metadata != nil {
		b, err := json.Marshal(params.Metadata)
		if err != nil {
			return err
		}
		metadataJSON = b
	}

	return s.queries.CreateAuditLog(ctx, db.CreateAuditLogParams{
		EntityType: params.EntityType,
		EntityID:   sql.NullString{String: params.EntityID, Valid: params.EntityID != ""},
		Operation:  params.Operation,
		UserID:     sql.NullString{String: params.UserID, Valid: params.UserID != ""},
		UserName:   sql.NullString{String: params.UserName, Valid: params.UserName != ""},
		Warehouse:  sql.NullString{String: params.Warehouse, Valid: params.Warehouse != ""},
		Metadata:   metadataJSON,
		IPAddress:  sql.NullString{String: params.IPAddress, Valid: params.IPAddress != ""},
		UserAgent:  sql.NullString{String: params.UserAgent, Valid: params.UserAgent != ""},
	})
}

// Query retrieves audit log entries with flexible filtering, used by the
// read-only audit listing endpoint.
func (s *AuditService) Query(ctx context.Context, entityType, operation, userID, warehouse string, startTime, endTime time.Time, limit int) ([]db.AuditLog, error) {
	return s.queries.GetAuditLogs(ctx, db.GetAuditLogsParams{
		EntityType: sql.NullString{String: entityType, Valid: entityType != ""},
		Operation:  sql.NullString{String: operation, Valid: operation != ""},
		UserID:     sql.NullString{String: userID, Valid: userID != ""},
		Warehouse:  sql.NullString{String: warehouse, Valid: warehouse != ""},
		StartTime:  sql.NullTime{Time: startTime, Valid: !startTime.IsZero()},
		EndTime:    sql.NullTime{Time: endTime, Valid: !endTime.IsZero()},
		Limit:      int32(limit),
	})
}
