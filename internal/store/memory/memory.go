// Package memory is an in-process store.Store with the same invariants as the
// postgres implementation: transactions are serialized, snapshots only accept
// clearing their partner agency reference, and audit events are append-only.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teresa-solution/voucher-issuance-service/internal/model"
	"github.com/teresa-solution/voucher-issuance-service/internal/store"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

type flagKey struct {
	tenantID uuid.UUID
	appKey   string
}

type memberKey struct {
	tenantID uuid.UUID
	actorID  string
}

type Store struct {
	// txMu is held for the lifetime of a transaction.
	txMu sync.Mutex

	mu        sync.RWMutex
	tenants   map[uuid.UUID]model.Tenant
	flags     map[flagKey]bool
	members   map[memberKey][]string
	agencies  map[uuid.UUID]model.PartnerAgency
	tokens    map[uuid.UUID]model.PartnerToken
	vouchers  map[uuid.UUID]model.Voucher
	snapshots map[uuid.UUID]model.AuthorizationSnapshot
	pending   map[uuid.UUID]model.PendingVoucherRequest
	audit     []model.AuditEvent
	auditErr  error
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		tenants:   make(map[uuid.UUID]model.Tenant),
		flags:     make(map[flagKey]bool),
		members:   make(map[memberKey][]string),
		agencies:  make(map[uuid.UUID]model.PartnerAgency),
		tokens:    make(map[uuid.UUID]model.PartnerToken),
		vouchers:  make(map[uuid.UUID]model.Voucher),
		snapshots: make(map[uuid.UUID]model.AuthorizationSnapshot),
		pending:   make(map[uuid.UUID]model.PendingVoucherRequest),
	}
}

// FailAuditWrites makes every subsequent audit append return err. Pass nil to
// restore normal behaviour.
func (s *Store) FailAuditWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditErr = err
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

func cloneTenant(t model.Tenant) *model.Tenant {
	t.AllowedVoucherTypes = slices.Clone(t.AllowedVoucherTypes)
	return &t
}

func cloneFormConfig(c model.FormConfig) model.FormConfig {
	c.AllowedVoucherTypes = slices.Clone(c.AllowedVoucherTypes)
	c.Rules = slices.Clone(c.Rules)
	return c
}

func (s *Store) GetTenantByHost(_ context.Context, host string) (*model.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.Host == host {
			return cloneTenant(t), nil
		}
	}
	return nil, nil
}

func (s *Store) GetTenant(_ context.Context, id uuid.UUID) (*model.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, nil
	}
	return cloneTenant(t), nil
}

func (s *Store) uniqueTenantLocked(t *model.Tenant) error {
	for id, other := range s.tenants {
		if id == t.ID {
			continue
		}
		if other.Host == t.Host {
			return fmt.Errorf("%w: tenants_host_key", store.ErrConflict)
		}
		if other.Slug == t.Slug {
			return fmt.Errorf("%w: tenants_slug_key", store.ErrConflict)
		}
	}
	return nil
}

func (s *Store) CreateTenant(_ context.Context, tenant *model.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tenant.ID == uuid.Nil {
		tenant.ID = uuid.New()
	}
	if _, exists := s.tenants[tenant.ID]; exists {
		return fmt.Errorf("%w: tenants_pkey", store.ErrConflict)
	}
	if err := s.uniqueTenantLocked(tenant); err != nil {
		return err
	}
	if tenant.AllowedVoucherTypes == nil {
		tenant.AllowedVoucherTypes = []string{}
	}
	tenant.CreatedAt = time.Now().UTC()
	tenant.UpdatedAt = tenant.CreatedAt
	s.tenants[tenant.ID] = *cloneTenant(*tenant)
	return nil
}

func (s *Store) UpdateTenant(_ context.Context, tenant *model.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tenants[tenant.ID]
	if !ok {
		return sql.ErrNoRows
	}
	if err := s.uniqueTenantLocked(tenant); err != nil {
		return err
	}
	if tenant.AllowedVoucherTypes == nil {
		tenant.AllowedVoucherTypes = []string{}
	}
	tenant.CreatedAt = existing.CreatedAt
	tenant.UpdatedAt = time.Now().UTC()
	s.tenants[tenant.ID] = *cloneTenant(*tenant)
	return nil
}

func (s *Store) IsAppEnabled(_ context.Context, tenantID uuid.UUID, appKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags[flagKey{tenantID, appKey}], nil
}

func (s *Store) SetAppEnabled(_ context.Context, tenantID uuid.UUID, appKey string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenantID]; !ok {
		return fmt.Errorf("memory: tenant %s does not exist", tenantID)
	}
	s.flags[flagKey{tenantID, appKey}] = enabled
	return nil
}

func (s *Store) ListMembershipRoles(_ context.Context, tenantID uuid.UUID, actorID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.members[memberKey{tenantID, actorID}]), nil
}

func (s *Store) SetMembershipRoles(_ context.Context, tenantID uuid.UUID, actorID string, roles []model.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenantID]; !ok {
		return fmt.Errorf("memory: tenant %s does not exist", tenantID)
	}
	key := memberKey{tenantID, actorID}
	if len(roles) == 0 {
		delete(s.members, key)
		return nil
	}
	raw := model.RoleStrings(roles)
	sort.Strings(raw)
	s.members[key] = slices.Compact(raw)
	return nil
}

// SetRawMembership stores role strings verbatim, bypassing normalisation.
// Rows written by other tools may carry mixed case or unknown roles.
func (s *Store) SetRawMembership(tenantID uuid.UUID, actorID string, roles ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[memberKey{tenantID, actorID}] = slices.Clone(roles)
}

func (s *Store) GetActivePartnerTokenByHash(_ context.Context, tokenHash string) (*model.PartnerToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tok := range s.tokens {
		if tok.TokenHash != tokenHash || tok.Status != model.TokenStatusActive {
			continue
		}
		agency, ok := s.agencies[tok.PartnerAgencyID]
		if !ok || agency.TenantID != tok.TenantID || agency.Status != model.PartnerStatusActive {
			return nil, nil
		}
		tok.FormConfig = cloneFormConfig(tok.FormConfig)
		return &tok, nil
	}
	return nil, nil
}

func (s *Store) GetPartnerAgency(_ context.Context, tenantID, agencyID uuid.UUID) (*model.PartnerAgency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agencies[agencyID]
	if !ok || a.TenantID != tenantID {
		return nil, nil
	}
	a.FormConfig = cloneFormConfig(a.FormConfig)
	return &a, nil
}

func (s *Store) UpsertPartnerAgency(_ context.Context, agency *model.PartnerAgency) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[agency.TenantID]; !ok {
		return fmt.Errorf("memory: tenant %s does not exist", agency.TenantID)
	}
	now := time.Now().UTC()
	if existing, ok := s.agencies[agency.ID]; ok {
		if existing.TenantID != agency.TenantID {
			return fmt.Errorf("%w: partner agency %s", store.ErrConflict, agency.ID)
		}
		agency.CreatedAt = existing.CreatedAt
	} else {
		agency.CreatedAt = now
	}
	agency.UpdatedAt = now

	stored := *agency
	stored.FormConfig = cloneFormConfig(agency.FormConfig)
	s.agencies[agency.ID] = stored

	for id, tok := range s.tokens {
		if tok.PartnerAgencyID == agency.ID && tok.Status == model.TokenStatusActive {
			tok.FormConfig = cloneFormConfig(agency.FormConfig)
			s.tokens[id] = tok
		}
	}
	return nil
}

func (s *Store) CreatePartnerToken(_ context.Context, token *model.PartnerToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agency, ok := s.agencies[token.PartnerAgencyID]
	if !ok || agency.TenantID != token.TenantID {
		return fmt.Errorf("memory: partner agency %s does not exist in tenant %s", token.PartnerAgencyID, token.TenantID)
	}
	for _, other := range s.tokens {
		if other.TokenHash == token.TokenHash {
			return fmt.Errorf("%w: partner_tokens_token_hash_key", store.ErrConflict)
		}
	}
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	token.CreatedAt = time.Now().UTC()
	stored := *token
	stored.FormConfig = cloneFormConfig(token.FormConfig)
	s.tokens[token.ID] = stored
	return nil
}

func (s *Store) DeletePartnerAgency(_ context.Context, tenantID, agencyID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agency, ok := s.agencies[agencyID]
	if !ok || agency.TenantID != tenantID {
		return false, nil
	}
	delete(s.agencies, agencyID)
	for id, tok := range s.tokens {
		if tok.PartnerAgencyID == agencyID {
			delete(s.tokens, id)
		}
	}
	for id, v := range s.vouchers {
		if v.PartnerAgencyID != nil && *v.PartnerAgencyID == agencyID {
			v.PartnerAgencyID = nil
			s.vouchers[id] = v
		}
	}
	for id, snap := range s.snapshots {
		if snap.PartnerAgencyID != nil && *snap.PartnerAgencyID == agencyID {
			// the one permitted snapshot transition
			snap.PartnerAgencyID = nil
			s.snapshots[id] = snap
		}
	}
	return true, nil
}

func (s *Store) GetVoucher(_ context.Context, tenantID, voucherID uuid.UUID) (*model.Voucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vouchers[voucherID]
	if !ok || v.TenantID != tenantID {
		return nil, nil
	}
	return &v, nil
}

// ListVouchers returns the vouchers of a tenant, oldest first.
func (s *Store) ListVouchers(tenantID uuid.UUID) []model.Voucher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Voucher
	for _, v := range s.vouchers {
		if v.TenantID == tenantID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListPendingRequests returns the pending requests of a tenant, oldest first.
func (s *Store) ListPendingRequests(tenantID uuid.UUID) []model.PendingVoucherRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.PendingVoucherRequest
	for _, p := range s.pending {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) GetSnapshotByVoucher(_ context.Context, voucherID uuid.UUID) (*model.AuthorizationSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, snap := range s.snapshots {
		if snap.VoucherID == voucherID {
			return &snap, nil
		}
	}
	return nil, nil
}

// UpdateSnapshot accepts only clearing PartnerAgencyID with every other field
// unchanged; anything else is store.ErrImmutable.
func (s *Store) UpdateSnapshot(_ context.Context, snap *model.AuthorizationSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.snapshots[snap.ID]
	if !ok {
		return sql.ErrNoRows
	}
	if existing.PartnerAgencyID == nil || snap.PartnerAgencyID != nil {
		return fmt.Errorf("%w: voucher_authorization_snapshots rows are immutable", store.ErrImmutable)
	}
	cleared := existing
	cleared.PartnerAgencyID = nil
	if !snapshotEqual(cleared, *snap) {
		return fmt.Errorf("%w: voucher_authorization_snapshots rows are immutable", store.ErrImmutable)
	}
	s.snapshots[snap.ID] = cleared
	return nil
}

func snapshotEqual(a, b model.AuthorizationSnapshot) bool {
	return a.ID == b.ID &&
		a.VoucherID == b.VoucherID &&
		a.TenantID == b.TenantID &&
		a.VoucherType == b.VoucherType &&
		a.FirstName == b.FirstName &&
		a.LastName == b.LastName &&
		a.DateOfBirth.Equal(b.DateOfBirth) &&
		a.HouseholdAdults == b.HouseholdAdults &&
		a.HouseholdChildren == b.HouseholdChildren &&
		a.IssuerMode == b.IssuerMode &&
		a.ActorID == b.ActorID &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.PartnerAgencyID == nil && b.PartnerAgencyID == nil
}

func (s *Store) AppendAuditEvent(_ context.Context, event *model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditErr != nil {
		return s.auditErr
	}
	s.audit = append(s.audit, cloneEvent(*event))
	return nil
}

func cloneEvent(e model.AuditEvent) model.AuditEvent {
	if e.Metadata != nil {
		md := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	return e
}

func (s *Store) ListAuditEvents(_ context.Context, tenantID uuid.UUID, filter model.AuditFilter) ([]model.AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AuditEvent
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.audit[i]
		if e.TenantID == nil || *e.TenantID != tenantID {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		out = append(out, cloneEvent(e))
	}
	return out, nil
}

// AuditEvents returns every stored event across tenants in insertion order.
func (s *Store) AuditEvents() []model.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AuditEvent, len(s.audit))
	for i, e := range s.audit {
		out[i] = cloneEvent(e)
	}
	return out
}
