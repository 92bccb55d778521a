package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	TenantStatusActive   = "active"
	TenantStatusInactive = "inactive"
)

// Tenant represents the tenants table
type Tenant struct {
	ID                  uuid.UUID `json:"id"`
	Name                string    `json:"name"`
	Host                string    `json:"host"`
	Slug                string    `json:"slug"`
	Status              string    `json:"status"`
	AllowedVoucherTypes []string  `json:"allowed_voucher_types"`
	DuplicateWindowDays *int      `json:"duplicate_window_days,omitempty"`
	DuplicateAction     *string   `json:"duplicate_action,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Active reports whether the tenant may serve requests at all.
func (t *Tenant) Active() bool {
	return t != nil && t.Status == TenantStatusActive
}

// AllowsVoucherType reports whether the tenant-wide configuration permits the
// (already lower-cased) voucher type. An empty list allows every type.
func (t *Tenant) AllowsVoucherType(voucherType string) bool {
	if len(t.AllowedVoucherTypes) == 0 {
		return true
	}
	for _, allowed := range t.AllowedVoucherTypes {
		if allowed == voucherType {
			return true
		}
	}
	return false
}

// TenantAppFlag represents the tenant_app_flags table
type TenantAppFlag struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	AppKey    string    `json:"app_key"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}
