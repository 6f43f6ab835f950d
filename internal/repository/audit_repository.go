package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pedolone/consent-service/internal/model"
)

// AuditRepo appends rows to audit_logs.
type AuditRepo struct{ db *sql.DB }

func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{db: db} }

// Append inserts one entry and sets its ID.
func (r *AuditRepo) Append(ctx context.Context, e *model.AuditLog) error {
	purpose, err := json.Marshal(e.Purpose)
	if err != nil {
		return err
	}
	const q = `INSERT INTO audit_logs (user_id, counterparty, resource, purpose, log_type, ip_address, data_source,
               region, country, city, contract_id, request_id, source_org_id, target_org_id, created_at)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, q,
		e.UserID, e.Counterparty, e.Resource, purpose, e.LogType, e.IPAddress, e.DataSource,
		e.Region, e.Country, e.City, nullString(e.ContractID), nullString(e.RequestID),
		nullString(e.SourceOrgID), nullString(e.TargetOrgID), e.CreatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err == nil {
		e.ID = uint64(id)
	}
	return nil
}

// ListByUser returns a user's audit trail, newest first.
func (r *AuditRepo) ListByUser(ctx context.Context, userID uint64, limit int) ([]model.AuditLog, error) {
	const q = `SELECT id, user_id, counterparty, resource, purpose, log_type, ip_address, data_source,
               region, country, city, contract_id, request_id, source_org_id, target_org_id, created_at
               FROM audit_logs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AuditLog
	for rows.Next() {
		var (
			e                               model.AuditLog
			purpose                         []byte
			contractID, requestID, src, tgt sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Counterparty, &e.Resource, &purpose, &e.LogType, &e.IPAddress, &e.DataSource,
			&e.Region, &e.Country, &e.City, &contractID, &requestID, &src, &tgt, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(purpose) > 0 {
			if err := json.Unmarshal(purpose, &e.Purpose); err != nil {
				return nil, fmt.Errorf("audit log %d purpose: %w", e.ID, err)
			}
		}
		e.ContractID, e.RequestID, e.SourceOrgID, e.TargetOrgID = contractID.String, requestID.String, src.String, tgt.String
		out = append(out, e)
	}
	return out, rows.Err()
}
