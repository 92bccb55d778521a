// Package store declares the persistence contract shared by the postgres and
// memory implementations. Lookups return nil, nil when the row does not exist.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/teresa-solution/voucher-issuance-service/internal/model"
)

var (
	// ErrImmutable is returned when the storage layer rejects a mutation of an
	// append-only or snapshot row.
	ErrImmutable = errors.New("store: row is immutable")
	// ErrConflict is returned on a unique constraint violation.
	ErrConflict = errors.New("store: conflicting row")
)

type TenantReader interface {
	GetTenantByHost(ctx context.Context, host string) (*model.Tenant, error)
	GetTenant(ctx context.Context, id uuid.UUID) (*model.Tenant, error)
	IsAppEnabled(ctx context.Context, tenantID uuid.UUID, appKey string) (bool, error)
	// ListMembershipRoles returns the raw role strings of actorID in tenantID.
	// An empty result means the actor is not a member.
	ListMembershipRoles(ctx context.Context, tenantID uuid.UUID, actorID string) ([]string, error)
}

type PartnerReader interface {
	GetActivePartnerTokenByHash(ctx context.Context, tokenHash string) (*model.PartnerToken, error)
	GetPartnerAgency(ctx context.Context, tenantID, agencyID uuid.UUID) (*model.PartnerAgency, error)
}

type VoucherReader interface {
	GetVoucher(ctx context.Context, tenantID, voucherID uuid.UUID) (*model.Voucher, error)
}

type AuditWriter interface {
	AppendAuditEvent(ctx context.Context, event *model.AuditEvent) error
}

type AuditReader interface {
	ListAuditEvents(ctx context.Context, tenantID uuid.UUID, filter model.AuditFilter) ([]model.AuditEvent, error)
}

// AdminWriter holds the operator-only mutations of tenant configuration.
type AdminWriter interface {
	CreateTenant(ctx context.Context, tenant *model.Tenant) error
	UpdateTenant(ctx context.Context, tenant *model.Tenant) error
	SetAppEnabled(ctx context.Context, tenantID uuid.UUID, appKey string, enabled bool) error
	// SetMembershipRoles replaces the actor's roles; an empty set removes the membership.
	SetMembershipRoles(ctx context.Context, tenantID uuid.UUID, actorID string, roles []model.Role) error
	// UpsertPartnerAgency writes the agency and copies its form config onto
	// every active token of the agency.
	UpsertPartnerAgency(ctx context.Context, agency *model.PartnerAgency) error
	CreatePartnerToken(ctx context.Context, token *model.PartnerToken) error
	// DeletePartnerAgency removes the agency and its tokens. Vouchers and
	// snapshots keep their rows with the agency reference cleared.
	DeletePartnerAgency(ctx context.Context, tenantID, agencyID uuid.UUID) (bool, error)
}

// Tx is the unit of work of one issuance request. The duplicate check and
// the resulting inserts run inside the same Tx.
type Tx interface {
	AuditWriter
	// LockIdentity serializes transactions working on the same identity key
	// until commit or rollback.
	LockIdentity(ctx context.Context, key int64) error
	// FindSnapshotCandidates returns snapshots of tenantID with the given
	// voucher type and date of birth created at or after since.
	FindSnapshotCandidates(ctx context.Context, tenantID uuid.UUID, voucherType string, dateOfBirth, since time.Time) ([]model.AuthorizationSnapshot, error)
	CreateVoucher(ctx context.Context, voucher *model.Voucher, snapshot *model.AuthorizationSnapshot) error
	CreatePendingRequest(ctx context.Context, req *model.PendingVoucherRequest) error
	Commit() error
	Rollback() error
}

type Store interface {
	TenantReader
	PartnerReader
	VoucherReader
	AuditWriter
	AuditReader
	AdminWriter

	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Close() error
}
