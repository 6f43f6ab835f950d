package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatNotificationSortsAndHidesCode(t *testing.T) {
	line := FormatNotification(NotificationEvent{
		TargetID:  "user:7",
		EventType: "email_verification",
		Payload:   map[string]any{"email": "a@b.io", "code": "123456", "action": "verify"},
		CreatedAt: "2025-01-01T00:00:00Z",
	})
	assert.Equal(t, "[2025-01-01T00:00:00Z] email_verification | target=user:7 | action=verify | email=a@b.io\n", line)
	assert.NotContains(t, line, "123456")
}

func TestHandlersAppendToFiles(t *testing.T) {
	dir := t.TempDir()
	c := NewConsumer("", dir)

	body, err := json.Marshal(NotificationEvent{TargetID: "org:bankabc_001", EventType: "contract_proposed", CreatedAt: "t"})
	require.NoError(t, err)
	require.NoError(t, c.handleNotification(body))
	require.NoError(t, c.handleNotification(body))

	raw, err := os.ReadFile(filepath.Join(dir, "notifications.log"))
	require.NoError(t, err)
	assert.Equal(t, 2, countLines(string(raw)))

	exp, err := json.Marshal(BulkExportEvent{BulkRequestID: "b1", RequesterOrgID: "x", RequestIDs: []string{"r1", "r2"}, RequestedAt: "t"})
	require.NoError(t, err)
	require.NoError(t, c.handleExport(exp))
	raw, err = os.ReadFile(filepath.Join(dir, "exports.log"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "bulk_request_id=b1 | requester=x | requests=2")

	assert.Error(t, c.handleNotification([]byte("{")))
}

func countLines(s string) int {
	n := 0
	for _, r := range s {
		if r == '\n' {
			n++
		}
	}
	return n
}
