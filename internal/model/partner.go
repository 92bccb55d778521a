package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	PartnerStatusActive   = "active"
	PartnerStatusInactive = "inactive"

	TokenStatusActive  = "active"
	TokenStatusRevoked = "revoked"
)

// PartnerAgency represents the partner_agencies table
type PartnerAgency struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	FormConfig FormConfig `json:"form_config"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// FormRule is a named boolean expression evaluated against the household
// fields of a partner issuance request.
type FormRule struct {
	Name string `json:"name"`
	Expr string `json:"expr"`
}

// FormConfig is stored as JSONB on every partner token of an agency.
type FormConfig struct {
	AllowedVoucherTypes []string   `json:"allowed_voucher_types"`
	IntroText           string     `json:"intro_text,omitempty"`
	Rules               []FormRule `json:"rules,omitempty"`
}

// AllowsVoucherType reports whether the (lower-cased) voucher type is listed.
// Unlike the tenant-wide list, an empty list allows nothing.
func (c FormConfig) AllowsVoucherType(voucherType string) bool {
	for _, allowed := range c.AllowedVoucherTypes {
		if allowed == voucherType {
			return true
		}
	}
	return false
}

// PartnerToken represents the partner_tokens table. The raw secret is never stored.
type PartnerToken struct {
	ID              uuid.UUID  `json:"id"`
	TenantID        uuid.UUID  `json:"tenant_id"`
	PartnerAgencyID uuid.UUID  `json:"partner_agency_id"`
	TokenHash       string     `json:"-"`
	TokenPrefix     string     `json:"token_prefix"`
	Status          string     `json:"status"`
	FormConfig      FormConfig `json:"form_config"`
	CreatedAt       time.Time  `json:"created_at"`
}
