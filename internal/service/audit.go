package service

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/pedolone/consent-service/internal/logger"
	"github.com/pedolone/consent-service/internal/metrics"
	"github.com/pedolone/consent-service/internal/model"
)

// Auditor appends geo-enriched audit entries and publishes notifications.
// Both are side channels: failures are logged and counted, never returned.
type Auditor struct {
	sink     AuditSink
	notifier Notifier
	geo      GeoResolver
	now      Clock
}

// NewAuditor wires the side channels. Any of them may be nil.
func NewAuditor(sink AuditSink, notifier Notifier, geo GeoResolver, now Clock) *Auditor {
	return &Auditor{sink: sink, notifier: notifier, geo: geo, now: now}
}

// Record fills location and timestamp on e and appends it.
func (a *Auditor) Record(ctx context.Context, e *model.AuditLog) {
	if a == nil || a.sink == nil {
		return
	}
	loc := model.Location{Country: "Unknown Location", Region: "Unknown Location", City: "Unknown Location"}
	if a.geo != nil {
		loc = a.geo.Resolve(ctx, e.IPAddress)
	}
	e.Country, e.Region, e.City = loc.Country, loc.Region, loc.City
	if e.CreatedAt.IsZero() {
		e.CreatedAt = a.now()
	}
	if err := a.sink.Append(ctx, e); err != nil {
		metrics.SideChannelFailure("audit")
		logger.From(ctx).Warn("audit append failed",
			logger.UserID(e.UserID), zap.String("log_type", e.LogType), logger.Err(err))
	}
}

// Notify publishes an event to targetID.
func (a *Auditor) Notify(ctx context.Context, targetID, eventType string, payload map[string]any) {
	if a == nil || a.notifier == nil {
		return
	}
	if err := a.notifier.Notify(ctx, targetID, eventType, payload); err != nil {
		metrics.SideChannelFailure("notify")
		logger.From(ctx).Warn("notification failed",
			zap.String("target", targetID), zap.String("event", eventType), logger.Err(err))
	}
}

// UserTarget and OrgTarget build notification target ids.
func UserTarget(id uint64) string { return "user:" + strconv.FormatUint(id, 10) }

func OrgTarget(id string) string { return "org:" + id }
