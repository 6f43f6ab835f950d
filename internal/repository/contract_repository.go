package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pedolone/consent-service/internal/model"
)

// ContractRepo persists inter-organization contracts and their audit trail.
//
// Every mutation is a compare-and-swap on the revision column, written in
// the same transaction as the contract_audit_logs row describing it. The
// open_key unique index holds "<org>|<org>|<name>" while a contract is
// pending or active, so storage rejects a second open contract for the
// same pair and name.
type ContractRepo struct{ db *sql.DB }

func NewContractRepo(db *sql.DB) *ContractRepo { return &ContractRepo{db: db} }

const contractColumns = `contract_id, contract_name, contract_type, source_org_id, source_org_name, target_org_id,
       target_org_name, resources_allowed, retention_window, status, approval_status, created_at, ends_at, version,
       approved_at, approved_by, pending_action, revision`

// Insert stores a new contract at revision 1 together with its first log
// entry. A clash on open_key yields ErrDuplicate.
func (r *ContractRepo) Insert(ctx context.Context, c *model.Contract, entry *model.ContractAuditLog) error {
	resources, pending, err := encodeContract(c)
	if err != nil {
		return err
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

	const q = `INSERT INTO inter_org_contracts (contract_id, contract_name, contract_type, source_org_id, source_org_name,
               target_org_id, target_org_name, resources_allowed, retention_window, status, approval_status, created_at,
               ends_at, version, approved_at, approved_by, pending_action, open_key, revision)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`
	if _, err := tx.ExecContext(ctx, q,
		c.ContractID, c.ContractName, c.ContractType, c.SourceOrgID, c.SourceOrgName,
		c.TargetOrgID, c.TargetOrgName, resources, c.RetentionWindow, c.Status, c.ApprovalStatus, c.CreatedAt,
		c.EndsAt, c.Version, c.ApprovedAt, approvedBy(c), pending, nullString(c.OpenKey())); err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	if err := insertContractLog(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	c.Revision = 1
	return nil
}

// Update writes c if the stored revision still equals expected and appends
// entry. ErrStale means another writer got there first; ErrDuplicate means
// the new state would open a second contract for the same slot.
func (r *ContractRepo) Update(ctx context.Context, c *model.Contract, expected uint64, entry *model.ContractAuditLog) error {
	resources, pending, err := encodeContract(c)
	if err != nil {
		return err
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

	const q = `UPDATE inter_org_contracts
               SET resources_allowed = ?, status = ?, approval_status = ?, ends_at = ?, version = ?,
                   approved_at = ?, approved_by = ?, pending_action = ?, open_key = ?, revision = revision + 1
               WHERE contract_id = ? AND revision = ?`
	res, err := tx.ExecContext(ctx, q,
		resources, c.Status, c.ApprovalStatus, c.EndsAt, c.Version,
		c.ApprovedAt, approvedBy(c), pending, nullString(c.OpenKey()),
		c.ContractID, expected)
	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStale
	}
	if err := insertContractLog(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	c.Revision = expected + 1
	return nil
}

// Get returns one contract.
func (r *ContractRepo) Get(ctx context.Context, id string) (*model.Contract, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+contractColumns+" FROM inter_org_contracts WHERE contract_id = ?", id)
	return scanContract(row)
}

// ListForOrg returns contracts where orgID is either party, newest first.
func (r *ContractRepo) ListForOrg(ctx context.Context, orgID string) ([]model.Contract, error) {
	return r.list(ctx, "SELECT "+contractColumns+` FROM inter_org_contracts
         WHERE source_org_id = ? OR target_org_id = ? ORDER BY created_at DESC`, orgID, orgID)
}

// ListBetween returns contracts linking a and b in either direction.
func (r *ContractRepo) ListBetween(ctx context.Context, a, b string) ([]model.Contract, error) {
	return r.list(ctx, "SELECT "+contractColumns+` FROM inter_org_contracts
         WHERE (source_org_id = ? AND target_org_id = ?) OR (source_org_id = ? AND target_org_id = ?)
         ORDER BY created_at DESC`, a, b, b, a)
}

// Logs returns a contract's audit trail in insertion order.
func (r *ContractRepo) Logs(ctx context.Context, contractID string) ([]model.ContractAuditLog, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, contract_id, action_type, action_by, action_by_org_id, details, created_at
         FROM contract_audit_logs WHERE contract_id = ? ORDER BY id`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ContractAuditLog
	for rows.Next() {
		var (
			e       model.ContractAuditLog
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.ContractID, &e.ActionType, &e.ActionBy, &e.ActionByOrgID, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.ActionDetails); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ExpireEnded closes pending and active contracts whose ends_at has passed.
// The rows are kept so their audit trail stays resolvable.
func (r *ContractRepo) ExpireEnded(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE inter_org_contracts
         SET status = 'expired', open_key = NULL, pending_action = NULL, revision = revision + 1
         WHERE status IN ('pending', 'active') AND ends_at IS NOT NULL AND ends_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *ContractRepo) list(ctx context.Context, q string, args ...interface{}) ([]model.Contract, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func insertContractLog(ctx context.Context, tx *sql.Tx, e *model.ContractAuditLog) error {
	details, err := json.Marshal(e.ActionDetails)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO contract_audit_logs (contract_id, action_type, action_by, action_by_org_id, details, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`, e.ContractID, e.ActionType, e.ActionBy, e.ActionByOrgID, details, e.Timestamp)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = uint64(id)
	}
	return nil
}

func encodeContract(c *model.Contract) (resources []byte, pending []byte, err error) {
	resources, err = json.Marshal(c.ResourcesAllowed)
	if err != nil {
		return nil, nil, err
	}
	if c.PendingAction != nil {
		pending, err = json.Marshal(c.PendingAction)
		if err != nil {
			return nil, nil, err
		}
	}
	return resources, pending, nil
}

func approvedBy(c *model.Contract) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(c.ApprovedBy), Valid: c.ApprovedBy != 0}
}

func scanContract(s rowScanner) (*model.Contract, error) {
	var (
		c          model.Contract
		resources  []byte
		retention  sql.NullString
		endsAt     sql.NullTime
		approvedAt sql.NullTime
		approvedBy sql.NullInt64
		pending    []byte
	)
	err := s.Scan(&c.ContractID, &c.ContractName, &c.ContractType, &c.SourceOrgID, &c.SourceOrgName, &c.TargetOrgID,
		&c.TargetOrgName, &resources, &retention, &c.Status, &c.ApprovalStatus, &c.CreatedAt, &endsAt, &c.Version,
		&approvedAt, &approvedBy, &pending, &c.Revision)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(resources, &c.ResourcesAllowed); err != nil {
		return nil, err
	}
	if len(pending) > 0 && string(pending) != "null" {
		var pa model.PendingAction
		if err := json.Unmarshal(pending, &pa); err != nil {
			return nil, err
		}
		c.PendingAction = &pa
	}
	c.RetentionWindow = retention.String
	if endsAt.Valid {
		t := endsAt.Time
		c.EndsAt = &t
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		c.ApprovedAt = &t
	}
	c.ApprovedBy = uint64(approvedBy.Int64)
	c.Normalize()
	return &c, nil
}
