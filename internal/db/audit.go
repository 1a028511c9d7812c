package db

import (
	"context"
	"fmt"
)

// CreateAuditLog inserts a new operational audit log entry (logins,
// reverts, admin actions) — distinct from the lot_transactions ledger.
func (q *Queries) CreateAuditLog(ctx context.Context, params CreateAuditLogParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO audit_log (
			entity_type, entity_id, operation,
			user_id, user_name, warehouse,
			metadata, ip_address, user_agent
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		params.EntityType, params.EntityID, params.Operation,
		params.UserID, params.UserName, params.Warehouse,
		params.Metadata, params.IPAddress, params.UserAgent,
	)
	return err
}

// GetAuditLogs queries audit logs with filters, building the WHERE
// clause incrementally so unset filters are simply omitted.
func (q *Queries) GetAuditLogs(ctx context.Context, params GetAuditLogsParams) ([]AuditLog, error) {
	query := `
		SELECT id, timestamp, user_id, user_name, entity_type, entity_id,
		       operation, warehouse, metadata, ip_address, user_agent, created_at
		FROM audit_log
		WHERE 1=1`

	var args []interface{}
	argNum := 1

	if params.EntityType.Valid {
		query += fmt.Sprintf(" AND entity_type = $%d", argNum)
		args = append(args, params.EntityType.String)
		argNum++
	}
	if params.Operation.Valid {
		query += fmt.Sprintf(" AND operation = $%d", argNum)
		args = append(args, params.Operation.String)
		argNum++
	}
	if params.UserID.Valid {
		query += fmt.Sprintf(" AND user_id = $%d", argNum)
		args = append(args, params.UserID.String)
		argNum++
	}
	if params.Warehouse.Valid {
		query += fmt.Sprintf(" AND warehouse = $%d", argNum)
		args = append(args, params.Warehouse.String)
		argNum++
	}
	if params.StartTime.Valid {
		query += fmt.Sprintf(" AND timestamp >= $%d", argNum)
		args = append(args, params.StartTime.Time)
		argNum++
	}
	if params.EndTime.Valid {
		query += fmt.Sprintf(" AND timestamp <= $%d", argNum)
		args = append(args, params.EndTime.Time)
		argNum++
	}

	query += " ORDER BY timestamp DESC"
	if params.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, params.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get audit logs: %w", err)
	}
	defer rows.Close()

	var logs []AuditLog
	for rows.Next() {
		var l AuditLog
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.UserID, &l.UserName,
			&l.EntityType, &l.EntityID, &l.Operation, &l.Warehouse,
			&l.Metadata, &l.IPAddress, &l.UserAgent, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// GetAuditLogsByEntity retrieves all audit entries for a specific entity.
func (q *Queries) GetAuditLogsByEntity(ctx context.Context, entityType, entityID string, limit int) ([]AuditLog, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, timestamp, user_id, user_name, entity_type, entity_id,
		       operation, warehouse, metadata, ip_address, user_agent, created_at
		FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY timestamp DESC LIMIT $3`,
		entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("get audit logs by entity: %w", err)
	}
	defer rows.Close()

	var logs []AuditLog
	for rows.Next() {
		var l AuditLog
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.UserID, &l.UserName,
			&l.EntityType, &l.EntityID, &l.Operation, &l.Warehouse,
			&l.Metadata, &l.IPAddress, &l.UserAgent, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
