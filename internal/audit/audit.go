// Package audit writes the append-only event trail. Every write is stamped
// with an id, a timestamp and the request correlation id, logged, and
// counted; a failed write is returned to the caller so the action it
// describes can be failed too.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/voucher-issuance-service/internal/correlation"
	"github.com/teresa-solution/voucher-issuance-service/internal/model"
	"github.com/teresa-solution/voucher-issuance-service/internal/monitoring"
)

// Sink persists audit events. Both the store and an open store transaction
// satisfy it.
type Sink interface {
	AppendAuditEvent(ctx context.Context, event *model.AuditEvent) error
}

type Emitter struct {
	sink Sink
	now  func() time.Time
}

// NewEmitter returns an Emitter writing to sink. now may be nil.
func NewEmitter(sink Sink, now func() time.Time) *Emitter {
	if now == nil {
		now = time.Now
	}
	return &Emitter{sink: sink, now: now}
}

// Emit writes event to the default sink.
func (e *Emitter) Emit(ctx context.Context, event *model.AuditEvent) error {
	return e.EmitTo(ctx, e.sink, event)
}

// EmitTo writes event to sink, typically an open transaction so the event
// commits or rolls back with the action it records.
func (e *Emitter) EmitTo(ctx context.Context, sink Sink, event *model.AuditEvent) error {
	e.stamp(ctx, event)

	if err := sink.AppendAuditEvent(ctx, event); err != nil {
		monitoring.AuditWriteFailures.Inc()
		monitoring.Alert("audit write failed", map[string]string{
			"event_type":     event.EventType,
			"correlation_id": event.CorrelationID,
		})
		log.Ctx(ctx).Error().Err(err).
			Str("event_type", event.EventType).
			Str("reason", event.Reason).
			Msg("Failed to append audit event")
		return fmt.Errorf("append audit event %s: %w", event.EventType, err)
	}

	level := zerolog.InfoLevel
	if event.Reason != "" {
		level = zerolog.WarnLevel
	}
	entry := log.Ctx(ctx).WithLevel(level).
		Str("audit_id", event.ID.String()).
		Str("event_type", event.EventType)
	if event.TenantID != nil {
		entry = entry.Str("tenant_id", event.TenantID.String())
	}
	if event.ActorID != "" {
		entry = entry.Str("actor_id", event.ActorID)
	}
	if event.Reason != "" {
		entry = entry.Str("reason", event.Reason)
	}
	if event.PartnerAgencyID != nil {
		entry = entry.Str("partner_agency_id", event.PartnerAgencyID.String())
	}
	entry.Msg("audit.event")
	return nil
}

func (e *Emitter) stamp(ctx context.Context, event *model.AuditEvent) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = e.now().UTC()
	}
	if event.CorrelationID == "" {
		event.CorrelationID = correlation.ID(ctx)
	}
	if event.Metadata == nil {
		event.Metadata = map[string]any{}
	}
}
