package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	VoucherStatusActive   = "active"
	VoucherStatusRedeemed = "redeemed"
	VoucherStatusVoid     = "void"

	PendingStatusPending = "pending"
)

// IssuerMode records which path produced an issuance.
type IssuerMode string

const (
	IssuerModeStaff    IssuerMode = "staff"
	IssuerModeOperator IssuerMode = "platform_operator"
	IssuerModePartner  IssuerMode = "partner_token"
)

// Voucher represents the vouchers table
type Voucher struct {
	ID              uuid.UUID  `json:"id"`
	TenantID        uuid.UUID  `json:"tenant_id"`
	Status          string     `json:"status"`
	VoucherType     string     `json:"voucher_type"`
	PartnerAgencyID *uuid.UUID `json:"partner_agency_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Household holds the identity fields shared by snapshots and pending requests.
type Household struct {
	FirstName         string    `json:"first_name"`
	LastName          string    `json:"last_name"`
	DateOfBirth       time.Time `json:"date_of_birth"`
	HouseholdAdults   int       `json:"household_adults"`
	HouseholdChildren int       `json:"household_children"`
}

// AuthorizationSnapshot represents the voucher_authorization_snapshots table.
// Rows are immutable after insert; the storage layer permits only clearing
// PartnerAgencyID when the referenced agency is deleted.
type AuthorizationSnapshot struct {
	ID          uuid.UUID `json:"id"`
	VoucherID   uuid.UUID `json:"voucher_id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	VoucherType string    `json:"voucher_type"`
	Household
	IssuerMode      IssuerMode `json:"issuer_mode"`
	ActorID         string     `json:"actor_id,omitempty"`
	PartnerAgencyID *uuid.UUID `json:"partner_agency_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// PendingVoucherRequest represents the pending_voucher_requests table
type PendingVoucherRequest struct {
	ID          uuid.UUID `json:"id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	VoucherType string    `json:"voucher_type"`
	Household
	ActorID   string    `json:"actor_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
