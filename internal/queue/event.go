// Package queue defines message payloads exchanged over the message broker.
package queue

// Queue names. Both are durable.
const (
	NotificationQueue = "consent.notifications"
	BulkExportQueue   = "consent.bulk_export"
)

// NotificationEvent is published for every user- or org-facing event:
// new data requests, responses, contract transitions and verification
// codes. Delivery is at most once.
type NotificationEvent struct {
	TargetID  string         `json:"target_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at"`
}

// BulkExportEvent asks the export pipeline to build the file for an
// approved bulk request.
type BulkExportEvent struct {
	BulkRequestID  string   `json:"bulk_request_id"`
	RequesterOrgID string   `json:"requester_org_id"`
	RequestIDs     []string `json:"request_ids"`
	RequestedAt    string   `json:"requested_at"`
}
