package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pedolone/consent-service/internal/model"
)

type UserRepo struct{ DB *sql.DB }

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{DB: db} }

const userColumns = "id,email,password_hash,user_type,organization_id,email_verified,verification_hash,created_at"

// Create inserts an unverified user and returns its ID.
func (r *UserRepo) Create(ctx context.Context, u *model.User) (uint64, error) {
	email := strings.ToLower(strings.TrimSpace(u.Email))
	res, err := r.DB.ExecContext(ctx,
		"INSERT INTO users (email, password_hash, user_type, organization_id, verification_hash) VALUES (?,?,?,?,?)",
		email, u.PasswordHash, u.UserType, nullString(u.OrganizationID), u.VerificationHash)
	if err != nil {
		if isDuplicate(err) {
			return 0, ErrEmailExists
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	u.ID = uint64(id)
	u.Email = email
	return u.ID, nil
}

// GetByEmail fetches a user by normalized email.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return r.scanOne(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email=? LIMIT 1", email))
}

// GetByID fetches a user by id.
func (r *UserRepo) GetByID(ctx context.Context, id uint64) (*model.User, error) {
	return r.scanOne(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id=? LIMIT 1", id))
}

// MarkVerified flips email_verified when codeHash matches the stored hash.
// It returns ErrNotFound when the email is unknown or the code is wrong.
func (r *UserRepo) MarkVerified(ctx context.Context, email, codeHash string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	res, err := r.DB.ExecContext(ctx,
		"UPDATE users SET email_verified=1, verification_hash='' WHERE email=? AND verification_hash=? AND email_verified=0",
		email, codeHash)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUnverifiedBefore removes registrations never verified since cutoff.
func (r *UserRepo) DeleteUnverifiedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		"DELETE FROM users WHERE email_verified=0 AND created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *UserRepo) scanOne(row *sql.Row) (*model.User, error) {
	var (
		u     model.User
		orgID sql.NullString
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.UserType, &orgID, &u.EmailVerified, &u.VerificationHash, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	u.OrganizationID = orgID.String
	return &u, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
