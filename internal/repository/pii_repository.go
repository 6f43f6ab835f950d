package repository

import (
	"context"
	"database/sql"

	"github.com/pedolone/consent-service/internal/model"
)

// PIIRepo stores one encrypted PII slot per (user, resource).
type PIIRepo struct{ db *sql.DB }

func NewPIIRepo(db *sql.DB) *PIIRepo { return &PIIRepo{db: db} }

// Upsert writes rec, overwriting token and ciphertext of an existing slot.
func (r *PIIRepo) Upsert(ctx context.Context, rec *model.PIIRecord) error {
	const q = `INSERT INTO user_pii (user_id, resource_type, encrypted_original, token, created_at, updated_at)
               VALUES (?, ?, ?, ?, ?, ?)
               ON DUPLICATE KEY UPDATE encrypted_original = VALUES(encrypted_original),
                                       token = VALUES(token),
                                       updated_at = VALUES(updated_at)`
	_, err := r.db.ExecContext(ctx, q, rec.UserID, rec.ResourceType, rec.EncryptedOriginal, rec.Token, rec.CreatedAt, rec.UpdatedAt)
	return err
}

// Get returns the slot for (userID, resource).
func (r *PIIRepo) Get(ctx context.Context, userID uint64, resource string) (*model.PIIRecord, error) {
	const q = `SELECT user_id, resource_type, encrypted_original, token, created_at, updated_at
               FROM user_pii WHERE user_id = ? AND resource_type = ?`
	var rec model.PIIRecord
	err := r.db.QueryRowContext(ctx, q, userID, resource).Scan(
		&rec.UserID, &rec.ResourceType, &rec.EncryptedOriginal, &rec.Token, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// ListByUser returns all slots of a user ordered by resource.
func (r *PIIRepo) ListByUser(ctx context.Context, userID uint64) ([]model.PIIRecord, error) {
	const q = `SELECT user_id, resource_type, encrypted_original, token, created_at, updated_at
               FROM user_pii WHERE user_id = ? ORDER BY resource_type`
	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PIIRecord
	for rows.Next() {
		var rec model.PIIRecord
		if err := rows.Scan(&rec.UserID, &rec.ResourceType, &rec.EncryptedOriginal, &rec.Token, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
