package model

import "time"

// Data sources recorded on audit entries and policy metrics.
const (
	DataSourceIndividual   = "individual"
	DataSourceOrganization = "organization"
)

// Audit log types.
const (
	LogTypeConsent       = "consent"
	LogTypeDataAccess    = "data_access"
	LogTypeDataRequest   = "data_request"
	LogTypeRevocation    = "revocation"
	LogTypePIISubmission = "pii_submission"
)

// Policy is a signed, time-bound consent record. Every field except ID,
// Signature and IsRevoked is covered by the signature.
type Policy struct {
	ID               string    `json:"id"`
	TokenID          string    `json:"tokenid"`
	ResourceName     string    `json:"resource_name"`
	Purpose          []string  `json:"purpose"`
	CounterpartyName string    `json:"shared_with"`
	CounterpartyID   string    `json:"counterparty_id,omitempty"`
	ContractID       string    `json:"contract_id"`
	RetentionWindow  string    `json:"retention_window"`
	CreatedAt        time.Time `json:"created_at"`
	Expiry           time.Time `json:"expiry"`
	Signature        string    `json:"signature"`
	UserID           uint64    `json:"user_id"`
	SourceOrgID      string    `json:"source_org_id,omitempty"`
	TargetOrgID      string    `json:"target_org_id,omitempty"`
	IsRevoked        bool      `json:"is_revoked"`
}

// SignablePayload returns the canonical fields fed to the signer.
// Optional org ids are included only when set.
func (p *Policy) SignablePayload() map[string]any {
	m := map[string]any{
		"tokenid":          p.TokenID,
		"resource_name":    p.ResourceName,
		"purpose":          nonNil(p.Purpose),
		"shared_with":      p.CounterpartyName,
		"counterparty_id":  p.CounterpartyID,
		"contract_id":      p.ContractID,
		"retention_window": p.RetentionWindow,
		"created_at":       p.CreatedAt,
		"expiry":           p.Expiry,
		"user_id":          p.UserID,
	}
	if p.SourceOrgID != "" {
		m["source_org_id"] = p.SourceOrgID
	}
	if p.TargetOrgID != "" {
		m["target_org_id"] = p.TargetOrgID
	}
	return m
}

// Active reports whether the policy is unrevoked and unexpired at now.
func (p *Policy) Active(now time.Time) bool {
	return !p.IsRevoked && p.Expiry.After(now)
}

// AuditLog is an append-only row of `audit_logs`.
type AuditLog struct {
	ID           uint64    `json:"id"`
	UserID       uint64    `json:"user_id"`
	Counterparty string    `json:"counterparty"`
	Resource     string    `json:"resource"`
	Purpose      []string  `json:"purpose"`
	LogType      string    `json:"log_type"`
	IPAddress    string    `json:"ip_address"`
	DataSource   string    `json:"data_source"`
	Region       string    `json:"region"`
	Country      string    `json:"country"`
	City         string    `json:"city"`
	ContractID   string    `json:"contract_id,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	SourceOrgID  string    `json:"source_org_id,omitempty"`
	TargetOrgID  string    `json:"target_org_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ComplianceReport aggregates the policies issued under one contract.
type ComplianceReport struct {
	ContractID    string                   `json:"contract_id"`
	TotalPolicies int                      `json:"total_policies"`
	DistinctUsers int                      `json:"distinct_users"`
	Resources     map[string]ResourceUsage `json:"resources"`
}

// ResourceUsage is a per-resource slice of a ComplianceReport.
type ResourceUsage struct {
	Count      int     `json:"count"`
	Users      int     `json:"users"`
	Percentage float64 `json:"percentage"`
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
