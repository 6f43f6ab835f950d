package model

import "time"

// User types carried in access tokens and stored in users.user_type.
const (
	UserTypeIndividual   = "individual"
	UserTypeOrganization = "organization"
)

// User represents an account row in the `users` table. Individuals own PII
// and answer data requests; organization users administer the organization
// named by OrganizationID.
//
// Fields:
//
//	ID               – primary key identifier of the user.
//	Email            – unique email address.
//	PasswordHash     – bcrypt hashed password.
//	UserType         – individual or organization.
//	OrganizationID   – org the user belongs to or administers; empty if none.
//	EmailVerified    – set once the emailed verification code is confirmed.
//	VerificationHash – SHA-256 of the outstanding verification code.
//	CreatedAt        – timestamp of registration.
type User struct {
	ID               uint64    // users.id
	Email            string    // users.email
	PasswordHash     string    // users.password_hash
	UserType         string    // users.user_type
	OrganizationID   string    // users.organization_id
	EmailVerified    bool      // users.email_verified
	VerificationHash string    // users.verification_hash
	CreatedAt        time.Time // users.created_at
}

// IsOrganization reports whether u administers an organization.
func (u *User) IsOrganization() bool { return u.UserType == UserTypeOrganization }

// RefreshToken models an entry in the `refresh_tokens` table. The plain
// token is never stored; only its SHA-256 hash.
type RefreshToken struct {
	ID        uint64     // refresh_tokens.id
	UserID    uint64     // refresh_tokens.user_id
	TokenHash string     // refresh_tokens.token_hash
	ExpiresAt time.Time  // refresh_tokens.expires_at
	RevokedAt *time.Time // refresh_tokens.revoked_at
	CreatedAt time.Time  // refresh_tokens.created_at
}

// Organization is a row of the `organizations` reference table.
type Organization struct {
	OrgID     string    `json:"org_id"`
	OrgName   string    `json:"org_name"`
	CreatedAt time.Time `json:"created_at"`
}

// Principal is the authenticated caller as established by the identity
// middleware. Engines trust it and derive authorization from their own
// records.
type Principal struct {
	UserID   uint64
	UserType string
	OrgID    string
}

// IsOrganization reports whether the principal acts for an organization.
func (p Principal) IsOrganization() bool {
	return p.UserType == UserTypeOrganization && p.OrgID != ""
}
