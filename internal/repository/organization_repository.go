package repository

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pedolone/consent-service/internal/model"
)

// OrganizationRepo reads the organizations reference table.
type OrganizationRepo struct{ db *sql.DB }

func NewOrganizationRepo(db *sql.DB) *OrganizationRepo { return &OrganizationRepo{db: db} }

// GetByID returns one organization.
func (r *OrganizationRepo) GetByID(ctx context.Context, orgID string) (*model.Organization, error) {
	var o model.Organization
	err := r.db.QueryRowContext(ctx,
		"SELECT org_id, org_name, created_at FROM organizations WHERE org_id=?", orgID).
		Scan(&o.OrgID, &o.OrgName, &o.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

// GetByName matches org_name case-insensitively.
func (r *OrganizationRepo) GetByName(ctx context.Context, name string) (*model.Organization, error) {
	var o model.Organization
	err := r.db.QueryRowContext(ctx,
		"SELECT org_id, org_name, created_at FROM organizations WHERE LOWER(org_name)=? LIMIT 1",
		strings.ToLower(strings.TrimSpace(name))).
		Scan(&o.OrgID, &o.OrgName, &o.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

// List returns all organizations ordered by name.
func (r *OrganizationRepo) List(ctx context.Context) ([]model.Organization, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT org_id, org_name, created_at FROM organizations ORDER BY org_name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Organization
	for rows.Next() {
		var o model.Organization
		if err := rows.Scan(&o.OrgID, &o.OrgName, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Directory joins user and organization lookups for the engines.
type Directory struct {
	Users *UserRepo
	Orgs  *OrganizationRepo
}

func (d Directory) GetUser(ctx context.Context, id uint64) (*model.User, error) {
	return d.Users.GetByID(ctx, id)
}

func (d Directory) GetOrganization(ctx context.Context, orgID string) (*model.Organization, error) {
	return d.Orgs.GetByID(ctx, orgID)
}

func (d Directory) FindOrganizationByName(ctx context.Context, name string) (*model.Organization, error) {
	return d.Orgs.GetByName(ctx, name)
}
