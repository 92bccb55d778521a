package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/teresa-solution/voucher-issuance-service/internal/model"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

func (s *Store) AppendAuditEvent(ctx context.Context, event *model.AuditEvent) error {
	return appendAuditEvent(ctx, s.db, event)
}

func appendAuditEvent(ctx context.Context, q querier, event *model.AuditEvent) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	query := `
		INSERT INTO audit_events (id, tenant_id, actor_id, event_type, entity_id, reason,
			partner_agency_id, correlation_id, metadata, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), $7, $8, $9, $10)
	`
	_, err = q.ExecContext(ctx, query,
		event.ID, event.TenantID, event.ActorID, event.EventType, event.EntityID, event.Reason,
		event.PartnerAgencyID, event.CorrelationID, metadata, event.CreatedAt,
	)
	return mapError(err)
}

// ListAuditEvents returns the newest events of a tenant first
func (s *Store) ListAuditEvents(ctx context.Context, tenantID uuid.UUID, filter model.AuditFilter) ([]model.AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	query := `
		SELECT id, tenant_id, COALESCE(actor_id, ''), event_type, entity_id, COALESCE(reason, ''), partner_agency_id,
			correlation_id, metadata, created_at
		FROM audit_events
		WHERE tenant_id = $1 AND ($2::text = '' OR event_type = $2::text)
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID, filter.EventType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var (
			event         model.AuditEvent
			tid, eid, pid uuid.NullUUID
			metadata      []byte
		)
		if err := rows.Scan(&event.ID, &tid, &event.ActorID, &event.EventType, &eid, &event.Reason,
			&pid, &event.CorrelationID, &metadata, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.TenantID = nullUUID(tid)
		event.EntityID = nullUUID(eid)
		event.PartnerAgencyID = nullUUID(pid)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata %s: %w", event.ID, err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func nullUUID(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}
