package model

import "time"

// Data request status values. pending is the only non-terminal state.
const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
)

// Decisions accepted by the respond operations.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// DefaultRequestTTL is how long a data request stays answerable.
const DefaultRequestTTL = 7 * 24 * time.Hour

// DataRequest asks one user to share resources with a requesting
// organization. Bulk members share BulkRequestID.
type DataRequest struct {
	RequestID          string     `json:"request_id"`
	BulkRequestID      string     `json:"bulk_request_id,omitempty"`
	RequesterOrgID     string     `json:"requester_org_id"`
	RequesterOrgName   string     `json:"requester_org_name"`
	TargetUserID       uint64     `json:"target_user_id"`
	TargetUserEmail    string     `json:"target_user_email"`
	TargetOrgID        string     `json:"target_org_id,omitempty"`
	TargetOrgName      string     `json:"target_org_name,omitempty"`
	ContractID         string     `json:"contract_id,omitempty"`
	RequestedResources []string   `json:"requested_resources"`
	Purpose            []string   `json:"purpose"`
	RetentionWindow    string     `json:"retention_window"`
	RequestMessage     string     `json:"request_message,omitempty"`
	ResponseMessage    string     `json:"response_message,omitempty"`
	Status             string     `json:"status"`
	CreatedAt          time.Time  `json:"created_at"`
	ExpiresAt          time.Time  `json:"expires_at"`
	RespondedAt        *time.Time `json:"responded_at,omitempty"`
	RespondedBy        uint64     `json:"responded_by,omitempty"`
}

// Expired reports whether the response window has closed at now.
func (r *DataRequest) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
