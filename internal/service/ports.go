// Package service holds the consent engines: PII vault and policy issuance,
// the inter-organization contract state machine and the data access
// request workflow. Storage and side channels are reached through the
// narrow interfaces below; repository sentinels (ErrNotFound, ErrStale,
// ErrDuplicate) are the shared vocabulary with the stores.
package service

import (
	"context"
	"time"

	"github.com/pedolone/consent-service/internal/model"
)

// PIIStore keeps one encrypted slot per (user, resource).
type PIIStore interface {
	Upsert(ctx context.Context, rec *model.PIIRecord) error
	Get(ctx context.Context, userID uint64, resource string) (*model.PIIRecord, error)
	ListByUser(ctx context.Context, userID uint64) ([]model.PIIRecord, error)
}

// PolicyStore persists signed policies.
type PolicyStore interface {
	Insert(ctx context.Context, p *model.Policy) error
	Get(ctx context.Context, id string) (*model.Policy, error)
	ListActive(ctx context.Context, userID uint64, now time.Time) ([]model.Policy, error)
	Latest(ctx context.Context, userID uint64) (*model.Policy, error)
	FindActive(ctx context.Context, userID uint64, targetOrgID, resource string, now time.Time) (*model.Policy, error)
	ListByContract(ctx context.Context, contractID string) ([]model.Policy, error)
	Revoke(ctx context.Context, id string, userID uint64) error
}

// ContractStore persists contracts with compare-and-swap updates. Insert
// and Update write the audit entry in the same transaction.
type ContractStore interface {
	Insert(ctx context.Context, c *model.Contract, entry *model.ContractAuditLog) error
	Update(ctx context.Context, c *model.Contract, expected uint64, entry *model.ContractAuditLog) error
	Get(ctx context.Context, id string) (*model.Contract, error)
	ListForOrg(ctx context.Context, orgID string) ([]model.Contract, error)
	ListBetween(ctx context.Context, a, b string) ([]model.Contract, error)
	Logs(ctx context.Context, contractID string) ([]model.ContractAuditLog, error)
}

// RequestStore persists data access requests. Respond only succeeds if
// every listed request is still pending.
type RequestStore interface {
	InsertMany(ctx context.Context, reqs []*model.DataRequest) error
	Respond(ctx context.Context, ids []string, status string, by uint64, message string, at time.Time) error
	Get(ctx context.Context, id string) (*model.DataRequest, error)
	ListBulk(ctx context.Context, bulkID string) ([]model.DataRequest, error)
	ListForUser(ctx context.Context, userID uint64) ([]model.DataRequest, error)
	ListByRequester(ctx context.Context, orgID string) ([]model.DataRequest, error)
}

// Directory resolves users and organizations.
type Directory interface {
	GetUser(ctx context.Context, id uint64) (*model.User, error)
	GetOrganization(ctx context.Context, orgID string) (*model.Organization, error)
	FindOrganizationByName(ctx context.Context, name string) (*model.Organization, error)
}

// AuditSink appends audit entries.
type AuditSink interface {
	Append(ctx context.Context, e *model.AuditLog) error
}

// Notifier delivers fire-and-forget notifications.
type Notifier interface {
	Notify(ctx context.Context, targetID, eventType string, payload map[string]any) error
}

// Exporter hands an approved bulk group to the file export pipeline.
type Exporter interface {
	RequestBulkExport(ctx context.Context, bulkID, requesterOrgID string, requestIDs []string) error
}

// Cipher encrypts PII originals at rest.
type Cipher interface {
	Encrypt(plain string) (string, error)
	Decrypt(sealed string) (string, error)
}

// GeoResolver maps an IP to a coarse location. It never fails.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) model.Location
}

// Signer signs and verifies canonical payloads.
type Signer interface {
	Sign(payload map[string]any) (string, error)
	Verify(payload map[string]any, signature string) bool
}

// Clock returns the current time.
type Clock func() time.Time
