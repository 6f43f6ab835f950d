package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pedolone/consent-service/internal/model"
)

// PolicyRepo persists signed consent policies. Rows are immutable apart
// from is_revoked.
type PolicyRepo struct{ db *sql.DB }

func NewPolicyRepo(db *sql.DB) *PolicyRepo { return &PolicyRepo{db: db} }

const policyColumns = `id, token_id, resource_name, purpose, counterparty_name, counterparty_id, contract_id,
       retention_window, created_at, expiry, signature, user_id, source_org_id, target_org_id, is_revoked`

// Insert writes p in a single statement.
func (r *PolicyRepo) Insert(ctx context.Context, p *model.Policy) error {
	purpose, err := json.Marshal(p.Purpose)
	if err != nil {
		return err
	}
	const q = `INSERT INTO policies (id, token_id, resource_name, purpose, counterparty_name, counterparty_id, contract_id,
               retention_window, created_at, expiry, signature, user_id, source_org_id, target_org_id, is_revoked)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`
	_, err = r.db.ExecContext(ctx, q,
		p.ID, p.TokenID, p.ResourceName, purpose, p.CounterpartyName, p.CounterpartyID, p.ContractID,
		p.RetentionWindow, p.CreatedAt, p.Expiry, p.Signature, p.UserID,
		nullString(p.SourceOrgID), nullString(p.TargetOrgID))
	return err
}

// Get returns a policy by id.
func (r *PolicyRepo) Get(ctx context.Context, id string) (*model.Policy, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+policyColumns+" FROM policies WHERE id = ?", id)
	return scanPolicy(row)
}

// ListActive returns unexpired policies of userID, newest first.
func (r *PolicyRepo) ListActive(ctx context.Context, userID uint64, now time.Time) ([]model.Policy, error) {
	return r.list(ctx, "SELECT "+policyColumns+" FROM policies WHERE user_id = ? AND expiry > ? ORDER BY created_at DESC", userID, now)
}

// Latest returns the most recent policy of userID.
func (r *PolicyRepo) Latest(ctx context.Context, userID uint64) (*model.Policy, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+policyColumns+" FROM policies WHERE user_id = ? ORDER BY created_at DESC LIMIT 1", userID)
	return scanPolicy(row)
}

// FindActive returns the newest unrevoked, unexpired policy of userID that
// shares resource with orgID, either through an approved request
// (target_org_id) or a direct share (counterparty_id).
func (r *PolicyRepo) FindActive(ctx context.Context, userID uint64, orgID, resource string, now time.Time) (*model.Policy, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+policyColumns+` FROM policies
         WHERE user_id = ? AND (target_org_id = ? OR counterparty_id = ?) AND resource_name = ? AND is_revoked = 0 AND expiry > ?
         ORDER BY created_at DESC LIMIT 1`, userID, orgID, orgID, resource, now)
	return scanPolicy(row)
}

// ListByContract returns every policy minted under contractID.
func (r *PolicyRepo) ListByContract(ctx context.Context, contractID string) ([]model.Policy, error) {
	return r.list(ctx, "SELECT "+policyColumns+" FROM policies WHERE contract_id = ?", contractID)
}

// Revoke sets is_revoked on a policy owned by userID.
func (r *PolicyRepo) Revoke(ctx context.Context, id string, userID uint64) error {
	res, err := r.db.ExecContext(ctx, "UPDATE policies SET is_revoked = 1 WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Revoking twice is not an error.
		var exists int
		if err := r.db.QueryRowContext(ctx, "SELECT 1 FROM policies WHERE id = ? AND user_id = ?", id, userID).Scan(&exists); err != nil {
			return notFound(err)
		}
	}
	return nil
}

// DeleteExpired removes policies past expiry.
func (r *PolicyRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM policies WHERE expiry <= ?", now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PolicyRepo) list(ctx context.Context, q string, args ...interface{}) ([]model.Policy, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(s rowScanner) (*model.Policy, error) {
	var (
		p              model.Policy
		purpose        []byte
		counterpartyID sql.NullString
		sourceOrg      sql.NullString
		targetOrg      sql.NullString
	)
	err := s.Scan(&p.ID, &p.TokenID, &p.ResourceName, &purpose, &p.CounterpartyName, &counterpartyID, &p.ContractID,
		&p.RetentionWindow, &p.CreatedAt, &p.Expiry, &p.Signature, &p.UserID, &sourceOrg, &targetOrg, &p.IsRevoked)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(purpose, &p.Purpose); err != nil {
		return nil, err
	}
	p.CounterpartyID = counterpartyID.String
	p.SourceOrgID = sourceOrg.String
	p.TargetOrgID = targetOrg.String
	return &p, nil
}
