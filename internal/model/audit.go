package model

import (
	"time"

	"github.com/google/uuid"
)

// Audit event types.
const (
	EventTenancyRefusal         = "tenancy.refusal"
	EventTenancyThrottled       = "tenancy.throttled"
	EventPartnerAdmitted        = "partner.request.admitted"
	EventVoucherIssued          = "voucher.issued"
	EventVoucherRequested       = "voucher.requested"
	EventIssuanceRefusal        = "voucher.issuance.refusal"
	EventIssuanceOverride       = "voucher.issuance.override"
	EventIssuanceOverrideReject = "voucher.issuance.override_rejected"
	EventTenantCreated          = "tenant.created"
	EventTenantUpdated          = "tenant.updated"
	EventTenantAppToggled       = "tenant.app.toggled"
	EventMembershipUpdated      = "tenant.membership.updated"
	EventPartnerConfigured      = "partner.agency.configured"
	EventPartnerTokenIssued     = "partner.token.issued"
	EventPartnerDeleted         = "partner.agency.deleted"
)

// AuditEvent represents the audit_events table. Rows are append-only.
type AuditEvent struct {
	ID              uuid.UUID      `json:"id"`
	TenantID        *uuid.UUID     `json:"tenant_id,omitempty"`
	ActorID         string         `json:"actor_id,omitempty"`
	EventType       string         `json:"event_type"`
	EntityID        *uuid.UUID     `json:"entity_id,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	PartnerAgencyID *uuid.UUID     `json:"partner_agency_id,omitempty"`
	CorrelationID   string         `json:"correlation_id"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// AuditFilter narrows ListAuditEvents.
type AuditFilter struct {
	EventType string
	Limit     int
}
