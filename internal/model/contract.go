package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Contract status values.
const (
	ContractPending    = "pending"
	ContractActive     = "active"
	ContractRejected   = "rejected"
	ContractTerminated = "terminated"
	ContractDeleted    = "deleted"
	ContractExpired    = "expired"
)

// Approval status values shared by contracts and contract actions.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Pending action kinds.
const (
	ActionUpdate   = "update"
	ActionDeletion = "deletion"
)

// InitialContractVersion is the version of a freshly proposed contract.
const InitialContractVersion = "1.0"

// ContractResource grants one resource type under a contract. Each entry is
// signed over its own fields so a grant stays verifiable when the parent
// contract's metadata changes. An empty Purpose allows every purpose.
type ContractResource struct {
	ResourceName    string     `json:"resource_name" yaml:"resource_name"`
	Purpose         []string   `json:"purpose" yaml:"purpose"`
	RetentionWindow string     `json:"retention_window" yaml:"retention_window"`
	CreatedAt       time.Time  `json:"created_at" yaml:"created_at"`
	EndsAt          *time.Time `json:"ends_at,omitempty" yaml:"ends_at,omitempty"`
	Signature       string     `json:"signature,omitempty" yaml:"signature,omitempty"`
}

// SignablePayload returns the resource fields covered by its signature.
func (r *ContractResource) SignablePayload() map[string]any {
	return map[string]any{
		"resource_name":    r.ResourceName,
		"purpose":          nonNil(r.Purpose),
		"retention_window": r.RetentionWindow,
		"created_at":       r.CreatedAt,
		"ends_at":          r.EndsAt,
	}
}

// AllowsPurpose reports whether p may be requested for this resource.
func (r *ContractResource) AllowsPurpose(p string) bool {
	if len(r.Purpose) == 0 {
		return true
	}
	for _, allowed := range r.Purpose {
		if strings.EqualFold(allowed, p) {
			return true
		}
	}
	return false
}

// ResourceList accepts both stored shapes: a list of resource objects or
// a legacy list of bare resource names.
type ResourceList []ContractResource

// UnmarshalJSON decodes either shape element by element.
func (l *ResourceList) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(ResourceList, 0, len(raw))
	for _, item := range raw {
		var name string
		if err := json.Unmarshal(item, &name); err == nil {
			out = append(out, ContractResource{ResourceName: name})
			continue
		}
		var cr ContractResource
		if err := json.Unmarshal(item, &cr); err != nil {
			return fmt.Errorf("resources_allowed: %w", err)
		}
		out = append(out, cr)
	}
	*l = out
	return nil
}

// UnmarshalYAML decodes either shape from a YAML sequence.
func (l *ResourceList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("resources_allowed: expected a sequence, got line %d", node.Line)
	}
	out := make(ResourceList, 0, len(node.Content))
	for _, item := range node.Content {
		if item.Kind == yaml.ScalarNode {
			out = append(out, ContractResource{ResourceName: item.Value})
			continue
		}
		var cr ContractResource
		if err := item.Decode(&cr); err != nil {
			return fmt.Errorf("resources_allowed: %w", err)
		}
		out = append(out, cr)
	}
	*l = out
	return nil
}

// Names returns the resource names in list order.
func (l ResourceList) Names() []string {
	names := make([]string, len(l))
	for i, r := range l {
		names[i] = r.ResourceName
	}
	return names
}

// Find returns the entry named name.
func (l ResourceList) Find(name string) (*ContractResource, bool) {
	for i := range l {
		if l[i].ResourceName == name {
			return &l[i], true
		}
	}
	return nil, false
}

// PendingAction is an update or deletion awaiting the other party.
type PendingAction struct {
	Kind             string       `json:"kind"`
	Reason           string       `json:"reason,omitempty"`
	Resources        ResourceList `json:"resources,omitempty"`
	RequestedByOrgID string       `json:"requested_by_org_id"`
	RequestedBy      uint64       `json:"requested_by"`
	RequestedAt      time.Time    `json:"requested_at"`
}

// Contract is an agreement between two organizations.
type Contract struct {
	ContractID       string         `json:"contract_id"`
	ContractName     string         `json:"contract_name"`
	ContractType     string         `json:"contract_type"`
	SourceOrgID      string         `json:"source_org_id"`
	SourceOrgName    string         `json:"source_org_name"`
	TargetOrgID      string         `json:"target_org_id"`
	TargetOrgName    string         `json:"target_org_name"`
	ResourcesAllowed ResourceList   `json:"resources_allowed"`
	RetentionWindow  string         `json:"retention_window,omitempty"`
	Status           string         `json:"status"`
	ApprovalStatus   string         `json:"approval_status"`
	CreatedAt        time.Time      `json:"created_at"`
	EndsAt           *time.Time     `json:"ends_at,omitempty"`
	Version          string         `json:"version"`
	ApprovedAt       *time.Time     `json:"approved_at,omitempty"`
	ApprovedBy       uint64         `json:"approved_by,omitempty"`
	PendingAction    *PendingAction `json:"pending_action"`
	Revision         uint64         `json:"-"`
}

// Normalize fills resource entries loaded from the legacy shape with the
// contract-level retention window.
func (c *Contract) Normalize() {
	for i := range c.ResourcesAllowed {
		r := &c.ResourcesAllowed[i]
		r.ResourceName = strings.ToLower(strings.TrimSpace(r.ResourceName))
		if r.RetentionWindow == "" {
			r.RetentionWindow = c.RetentionWindow
		}
	}
}

// IsActive reports whether the contract is approved, active and unexpired.
func (c *Contract) IsActive(now time.Time) bool {
	if c.Status != ContractActive || c.ApprovalStatus != ApprovalApproved {
		return false
	}
	return c.EndsAt == nil || c.EndsAt.After(now)
}

// Involves reports whether org is a party to the contract.
func (c *Contract) Involves(org string) bool {
	return org != "" && (c.SourceOrgID == org || c.TargetOrgID == org)
}

// Between reports whether the contract links a and b in either direction.
func (c *Contract) Between(a, b string) bool {
	return (c.SourceOrgID == a && c.TargetOrgID == b) || (c.SourceOrgID == b && c.TargetOrgID == a)
}

// Counterparty returns the id and name of the party other than org.
func (c *Contract) Counterparty(org string) (id, name string) {
	if c.SourceOrgID == org {
		return c.TargetOrgID, c.TargetOrgName
	}
	return c.SourceOrgID, c.SourceOrgName
}

// OrgName returns the display name for a party id.
func (c *Contract) OrgName(org string) string {
	if c.SourceOrgID == org {
		return c.SourceOrgName
	}
	if c.TargetOrgID == org {
		return c.TargetOrgName
	}
	return ""
}

// OpenKey identifies the (unordered pair, name) slot that at most one
// pending or active contract may occupy. It is empty for closed contracts.
func (c *Contract) OpenKey() string {
	if c.Status != ContractPending && c.Status != ContractActive {
		return ""
	}
	return PairKey(c.SourceOrgID, c.TargetOrgID, c.ContractName)
}

// PairKey orders the two org ids so both directions share a key.
func PairKey(a, b, name string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b + "|" + strings.ToLower(strings.TrimSpace(name))
}

// ContractAuditLog is an immutable record of one contract transition.
type ContractAuditLog struct {
	ID            uint64         `json:"id"`
	ContractID    string         `json:"contract_id"`
	ActionType    string         `json:"action_type"`
	ActionBy      uint64         `json:"action_by"`
	ActionByOrgID string         `json:"action_by_org_id"`
	ActionDetails map[string]any `json:"action_details"`
	Timestamp     time.Time      `json:"timestamp"`
}
