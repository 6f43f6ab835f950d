package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pedolone/consent-service/internal/model"
)

// DataRequestRepo persists data access requests. Single and bulk responses
// share one conditional update path.
type DataRequestRepo struct{ db *sql.DB }

func NewDataRequestRepo(db *sql.DB) *DataRequestRepo { return &DataRequestRepo{db: db} }

const requestColumns = `request_id, bulk_request_id, requester_org_id, requester_org_name, target_user_id,
       target_user_email, target_org_id, target_org_name, contract_id, requested_resources, purpose, retention_window,
       request_message, response_message, status, created_at, expires_at, responded_at, responded_by`

// InsertMany stores reqs atomically: either every row is written or none.
func (r *DataRequestRepo) InsertMany(ctx context.Context, reqs []*model.DataRequest) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	const q = `INSERT INTO data_requests (request_id, bulk_request_id, requester_org_id, requester_org_name, target_user_id,
               target_user_email, target_org_id, target_org_name, contract_id, requested_resources, purpose,
               retention_window, request_message, status, created_at, expires_at)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, dr := range reqs {
		resources, err := json.Marshal(dr.RequestedResources)
		if err != nil {
			return err
		}
		purpose, err := json.Marshal(dr.Purpose)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, q,
			dr.RequestID, nullString(dr.BulkRequestID), dr.RequesterOrgID, dr.RequesterOrgName, dr.TargetUserID,
			dr.TargetUserEmail, nullString(dr.TargetOrgID), nullString(dr.TargetOrgName), nullString(dr.ContractID),
			resources, purpose, dr.RetentionWindow, dr.RequestMessage, dr.Status, dr.CreatedAt, dr.ExpiresAt); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Respond moves every request in ids from pending to status. If any of them
// is no longer pending the transaction is rolled back and ErrStale returned.
func (r *DataRequestRepo) Respond(ctx context.Context, ids []string, status string, by uint64, message string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	q := `UPDATE data_requests SET status = ?, response_message = ?, responded_at = ?, responded_by = ?
          WHERE status = 'pending' AND request_id IN (` + placeholders + `)`
	args := make([]interface{}, 0, len(ids)+4)
	args = append(args, status, message, at, by)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != int64(len(ids)) {
		return ErrStale
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Get returns one request.
func (r *DataRequestRepo) Get(ctx context.Context, id string) (*model.DataRequest, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+requestColumns+" FROM data_requests WHERE request_id = ?", id)
	return scanRequest(row)
}

// ListBulk returns the members of a bulk group.
func (r *DataRequestRepo) ListBulk(ctx context.Context, bulkID string) ([]model.DataRequest, error) {
	return r.list(ctx, "SELECT "+requestColumns+" FROM data_requests WHERE bulk_request_id = ? ORDER BY target_user_id", bulkID)
}

// ListForUser returns requests addressed to userID, newest first.
func (r *DataRequestRepo) ListForUser(ctx context.Context, userID uint64) ([]model.DataRequest, error) {
	return r.list(ctx, "SELECT "+requestColumns+" FROM data_requests WHERE target_user_id = ? ORDER BY created_at DESC", userID)
}

// ListByRequester returns requests sent by orgID, newest first.
func (r *DataRequestRepo) ListByRequester(ctx context.Context, orgID string) ([]model.DataRequest, error) {
	return r.list(ctx, "SELECT "+requestColumns+" FROM data_requests WHERE requester_org_id = ? ORDER BY created_at DESC", orgID)
}

// DeleteExpired removes requests whose expires_at has passed.
func (r *DataRequestRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM data_requests WHERE expires_at <= ?", now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *DataRequestRepo) list(ctx context.Context, q string, args ...interface{}) ([]model.DataRequest, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DataRequest
	for rows.Next() {
		dr, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *dr)
	}
	return out, rows.Err()
}

func scanRequest(s rowScanner) (*model.DataRequest, error) {
	var (
		dr                                 model.DataRequest
		bulkID, targetOrgID, targetOrgName sql.NullString
		contractID, reqMsg, respMsg        sql.NullString
		resources, purpose                 []byte
		respondedAt                        sql.NullTime
		respondedBy                        sql.NullInt64
	)
	err := s.Scan(&dr.RequestID, &bulkID, &dr.RequesterOrgID, &dr.RequesterOrgName, &dr.TargetUserID,
		&dr.TargetUserEmail, &targetOrgID, &targetOrgName, &contractID, &resources, &purpose, &dr.RetentionWindow,
		&reqMsg, &respMsg, &dr.Status, &dr.CreatedAt, &dr.ExpiresAt, &respondedAt, &respondedBy)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(resources, &dr.RequestedResources); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(purpose, &dr.Purpose); err != nil {
		return nil, err
	}
	dr.BulkRequestID = bulkID.String
	dr.TargetOrgID = targetOrgID.String
	dr.TargetOrgName = targetOrgName.String
	dr.ContractID = contractID.String
	dr.RequestMessage = reqMsg.String
	dr.ResponseMessage = respMsg.String
	if respondedAt.Valid {
		t := respondedAt.Time
		dr.RespondedAt = &t
	}
	dr.RespondedBy = uint64(respondedBy.Int64)
	return &dr, nil
}
