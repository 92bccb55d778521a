package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/teresa-solution/voucher-issuance-service/internal/audit"
	"github.com/teresa-solution/voucher-issuance-service/internal/config"
	"github.com/teresa-solution/voucher-issuance-service/internal/crypto"
	"github.com/teresa-solution/voucher-issuance-service/internal/issuance"
	"github.com/teresa-solution/voucher-issuance-service/internal/model"
	"github.com/teresa-solution/voucher-issuance-service/internal/store"
	"github.com/teresa-solution/voucher-issuance-service/internal/tenancy"
)

// AdminStore is the storage the admin operations need.
type AdminStore interface {
	store.TenantReader
	store.PartnerReader
	store.AdminWriter
	store.AuditWriter
}

// HostInvalidator drops cached tenant resolutions.
type HostInvalidator interface {
	Invalidate(ctx context.Context, hosts ...string)
}

// TenantService implements the operator-only administration of tenants,
// memberships and partner agencies. Every mutation is audited.
type TenantService struct {
	store  AdminStore
	audit  *audit.Emitter
	hosts  HostInvalidator
	appKey string
}

func NewTenantService(st AdminStore, emitter *audit.Emitter, hosts HostInvalidator, appKey string) *TenantService {
	return &TenantService{store: st, audit: emitter, hosts: hosts, appKey: appKey}
}

type CreateTenantRequest struct {
	Name                string   `json:"name"`
	Host                string   `json:"host"`
	Slug                string   `json:"slug"`
	AllowedVoucherTypes []string `json:"allowed_voucher_types"`
	DuplicateWindowDays *int     `json:"duplicate_window_days"`
	DuplicateAction     *string  `json:"duplicate_action"`
	// EnableApp turns this product on for the new tenant.
	EnableApp bool `json:"enable_app"`
}

// UpdateTenantRequest changes only the fields that are set.
type UpdateTenantRequest struct {
	ID                  uuid.UUID `json:"-"`
	Name                *string   `json:"name"`
	Host                *string   `json:"host"`
	Slug                *string   `json:"slug"`
	Status              *string   `json:"status"`
	AllowedVoucherTypes *[]string `json:"allowed_voucher_types"`
	DuplicateWindowDays *int      `json:"duplicate_window_days"`
	DuplicateAction     *string   `json:"duplicate_action"`
}

type PartnerRequest struct {
	TenantID   uuid.UUID        `json:"-"`
	AgencyID   uuid.UUID        `json:"-"`
	Name       string           `json:"name"`
	Status     string           `json:"status"`
	FormConfig model.FormConfig `json:"form_config"`
}

// IssuedToken carries a freshly minted partner secret. The secret is never
// stored and cannot be retrieved again.
type IssuedToken struct {
	Token       string    `json:"token"`
	TokenID     uuid.UUID `json:"token_id"`
	TokenPrefix string    `json:"token_prefix"`
	AgencyID    uuid.UUID `json:"partner_agency_id"`
}

// CreateTenant creates a tenant and optionally enables this product for it.
func (s *TenantService) CreateTenant(ctx context.Context, actorID string, req CreateTenantRequest) (*model.Tenant, error) {
	tenant := &model.Tenant{
		Name:                strings.TrimSpace(req.Name),
		Host:                tenancy.NormalizeHost(req.Host),
		Slug:                strings.ToLower(strings.TrimSpace(req.Slug)),
		Status:              model.TenantStatusActive,
		AllowedVoucherTypes: normalizeTypes(req.AllowedVoucherTypes),
		DuplicateWindowDays: req.DuplicateWindowDays,
		DuplicateAction:     req.DuplicateAction,
	}
	if err := validateTenant(tenant); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if err := s.store.CreateTenant(ctx, tenant); err != nil {
		return nil, storeError(ctx, err, "Failed to create tenant")
	}
	if req.EnableApp {
		if err := s.store.SetAppEnabled(ctx, tenant.ID, s.appKey, true); err != nil {
			return nil, storeError(ctx, err, "Failed to enable app")
		}
	}

	if err := s.emit(ctx, actorID, tenant.ID, model.EventTenantCreated, &tenant.ID, map[string]any{
		"host":        tenant.Host,
		"slug":        tenant.Slug,
		"app_enabled": req.EnableApp,
	}); err != nil {
		return nil, err
	}
	s.hosts.Invalidate(ctx, tenant.Host)
	return tenant, nil
}

// UpdateTenant applies a partial update.
func (s *TenantService) UpdateTenant(ctx context.Context, actorID string, req UpdateTenantRequest) (*model.Tenant, error) {
	tenant, err := s.store.GetTenant(ctx, req.ID)
	if err != nil {
		return nil, storeError(ctx, err, "Failed to get tenant")
	}
	if tenant == nil {
		return nil, status.Error(codes.NotFound, "Tenant not found")
	}
	oldHost := tenant.Host

	changed := []string{}
	if req.Name != nil {
		tenant.Name = strings.TrimSpace(*req.Name)
		changed = append(changed, "name")
	}
	if req.Host != nil {
		tenant.Host = tenancy.NormalizeHost(*req.Host)
		changed = append(changed, "host")
	}
	if req.Slug != nil {
		tenant.Slug = strings.ToLower(strings.TrimSpace(*req.Slug))
		changed = append(changed, "slug")
	}
	if req.Status != nil {
		tenant.Status = strings.ToLower(strings.TrimSpace(*req.Status))
		changed = append(changed, "status")
	}
	if req.AllowedVoucherTypes != nil {
		tenant.AllowedVoucherTypes = normalizeTypes(*req.AllowedVoucherTypes)
		changed = append(changed, "allowed_voucher_types")
	}
	if req.DuplicateWindowDays != nil {
		tenant.DuplicateWindowDays = req.DuplicateWindowDays
		changed = append(changed, "duplicate_window_days")
	}
	if req.DuplicateAction != nil {
		tenant.DuplicateAction = req.DuplicateAction
		changed = append(changed, "duplicate_action")
	}
	if err := validateTenant(tenant); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if err := s.store.UpdateTenant(ctx, tenant); err != nil {
		return nil, storeError(ctx, err, "Failed to update tenant")
	}
	if err := s.emit(ctx, actorID, tenant.ID, model.EventTenantUpdated, &tenant.ID, map[string]any{
		"changed": changed,
	}); err != nil {
		return nil, err
	}
	s.hosts.Invalidate(ctx, oldHost, tenant.Host)
	return tenant, nil
}

// SetAppEnabled toggles a product flag of a tenant.
func (s *TenantService) SetAppEnabled(ctx context.Context, actorID string, tenantID uuid.UUID, appKey string, enabled bool) error {
	appKey = strings.ToLower(strings.TrimSpace(appKey))
	if appKey == "" {
		return status.Error(codes.InvalidArgument, "app key is required")
	}
	tenant, err := s.requireTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := s.store.SetAppEnabled(ctx, tenantID, appKey, enabled); err != nil {
		return storeError(ctx, err, "Failed to set app flag")
	}
	if err := s.emit(ctx, actorID, tenantID, model.EventTenantAppToggled, &tenantID, map[string]any{
		"app_key": appKey,
		"enabled": enabled,
	}); err != nil {
		return err
	}
	s.hosts.Invalidate(ctx, tenant.Host)
	return nil
}

// SetMembership replaces the roles of memberID. An empty list removes the
// membership.
func (s *TenantService) SetMembership(ctx context.Context, actorID string, tenantID uuid.UUID, memberID string, roles []string) ([]model.Role, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return nil, status.Error(codes.InvalidArgument, "actor id is required")
	}
	parsed := make([]string, 0, len(roles))
	for _, raw := range roles {
		r, ok := model.ParseRole(raw)
		if !ok || r == model.RolePlatformOperator {
			return nil, status.Errorf(codes.InvalidArgument, "unknown membership role %q", raw)
		}
		parsed = append(parsed, string(r))
	}
	normalized := model.NormalizeRoles(parsed)

	if _, err := s.requireTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	if err := s.store.SetMembershipRoles(ctx, tenantID, memberID, normalized); err != nil {
		return nil, storeError(ctx, err, "Failed to set membership")
	}
	if err := s.emit(ctx, actorID, tenantID, model.EventMembershipUpdated, nil, map[string]any{
		"member_id": memberID,
		"roles":     model.RoleStrings(normalized),
	}); err != nil {
		return nil, err
	}
	return normalized, nil
}

// ConfigurePartner creates or updates an agency. Its form config is copied
// onto every active token of the agency.
func (s *TenantService) ConfigurePartner(ctx context.Context, actorID string, req PartnerRequest) (*model.PartnerAgency, error) {
	agency := &model.PartnerAgency{
		ID:       req.AgencyID,
		TenantID: req.TenantID,
		Name:     strings.TrimSpace(req.Name),
		Status:   strings.ToLower(strings.TrimSpace(req.Status)),
		FormConfig: model.FormConfig{
			AllowedVoucherTypes: normalizeTypes(req.FormConfig.AllowedVoucherTypes),
			IntroText:           strings.TrimSpace(req.FormConfig.IntroText),
			Rules:               req.FormConfig.Rules,
		},
	}
	if agency.Status == "" {
		agency.Status = model.PartnerStatusActive
	}
	if err := validatePartner(agency); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if _, err := s.requireTenant(ctx, req.TenantID); err != nil {
		return nil, err
	}

	if err := s.store.UpsertPartnerAgency(ctx, agency); err != nil {
		return nil, storeError(ctx, err, "Failed to configure partner agency")
	}
	if err := s.emit(ctx, actorID, agency.TenantID, model.EventPartnerConfigured, &agency.ID, map[string]any{
		"status":                agency.Status,
		"allowed_voucher_types": agency.FormConfig.AllowedVoucherTypes,
		"rules":                 len(agency.FormConfig.Rules),
	}); err != nil {
		return nil, err
	}
	return agency, nil
}

// IssuePartnerToken mints a new token for an agency. Older tokens stay
// active so integrations can rotate without downtime.
func (s *TenantService) IssuePartnerToken(ctx context.Context, actorID string, tenantID, agencyID uuid.UUID) (*IssuedToken, error) {
	agency, err := s.store.GetPartnerAgency(ctx, tenantID, agencyID)
	if err != nil {
		return nil, storeError(ctx, err, "Failed to get partner agency")
	}
	if agency == nil {
		return nil, status.Error(codes.NotFound, "Partner agency not found")
	}
	if agency.Status != model.PartnerStatusActive {
		return nil, status.Error(codes.FailedPrecondition, "Partner agency is not active")
	}

	raw, err := crypto.GenerateToken()
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("Failed to generate partner token")
		return nil, status.Error(codes.Internal, "Failed to generate token")
	}
	token := &model.PartnerToken{
		TenantID:        tenantID,
		PartnerAgencyID: agencyID,
		TokenHash:       crypto.HashToken(raw),
		TokenPrefix:     crypto.TokenPrefix(raw),
		Status:          model.TokenStatusActive,
		FormConfig:      agency.FormConfig,
	}
	if err := s.store.CreatePartnerToken(ctx, token); err != nil {
		return nil, storeError(ctx, err, "Failed to store partner token")
	}
	agencyRef := agencyID
	if err := s.audit.Emit(ctx, &model.AuditEvent{
		TenantID:        &tenantID,
		ActorID:         actorID,
		EventType:       model.EventPartnerTokenIssued,
		EntityID:        &token.ID,
		PartnerAgencyID: &agencyRef,
		Metadata:        map[string]any{"token_prefix": token.TokenPrefix},
	}); err != nil {
		return nil, status.Error(codes.Internal, "Failed to audit token issuance")
	}
	return &IssuedToken{Token: raw, TokenID: token.ID, TokenPrefix: token.TokenPrefix, AgencyID: agencyID}, nil
}

// DeletePartner removes an agency and its tokens. Issued vouchers keep their
// history with the agency reference cleared.
func (s *TenantService) DeletePartner(ctx context.Context, actorID string, tenantID, agencyID uuid.UUID) error {
	deleted, err := s.store.DeletePartnerAgency(ctx, tenantID, agencyID)
	if err != nil {
		return storeError(ctx, err, "Failed to delete partner agency")
	}
	if !deleted {
		return status.Error(codes.NotFound, "Partner agency not found")
	}
	return s.emit(ctx, actorID, tenantID, model.EventPartnerDeleted, &agencyID, nil)
}

func (s *TenantService) requireTenant(ctx context.Context, id uuid.UUID) (*model.Tenant, error) {
	tenant, err := s.store.GetTenant(ctx, id)
	if err != nil {
		return nil, storeError(ctx, err, "Failed to get tenant")
	}
	if tenant == nil {
		return nil, status.Error(codes.NotFound, "Tenant not found")
	}
	return tenant, nil
}

func (s *TenantService) emit(ctx context.Context, actorID string, tenantID uuid.UUID, eventType string, entityID *uuid.UUID, meta map[string]any) error {
	if err := s.audit.Emit(ctx, &model.AuditEvent{
		TenantID:  &tenantID,
		ActorID:   actorID,
		EventType: eventType,
		EntityID:  entityID,
		Metadata:  meta,
	}); err != nil {
		return status.Error(codes.Internal, "Failed to write audit event")
	}
	return nil
}

// storeError maps storage failures to status errors.
func storeError(ctx context.Context, err error, msg string) error {
	switch {
	case errors.Is(err, store.ErrConflict):
		return status.Error(codes.AlreadyExists, "Host, slug or id already in use")
	case errors.Is(err, sql.ErrNoRows):
		return status.Error(codes.NotFound, "Not found")
	default:
		log.Ctx(ctx).Error().Err(err).Msg(msg)
		return status.Error(codes.Internal, msg)
	}
}

func validateTenant(t *model.Tenant) error {
	if t.Name == "" {
		return errors.New("name is required")
	}
	if !isValidHost(t.Host) {
		return errors.New("invalid host format")
	}
	if !isValidSubdomain(t.Slug) {
		return errors.New("invalid slug format")
	}
	if t.Status != model.TenantStatusActive && t.Status != model.TenantStatusInactive {
		return errors.New("invalid status")
	}
	if t.DuplicateWindowDays != nil && (*t.DuplicateWindowDays < config.MinWindowDays || *t.DuplicateWindowDays > config.MaxWindowDays) {
		return fmt.Errorf("duplicate_window_days must be between %d and %d", config.MinWindowDays, config.MaxWindowDays)
	}
	if t.DuplicateAction != nil && !config.ValidAction(*t.DuplicateAction) {
		return errors.New("invalid duplicate_action")
	}
	return nil
}

func validatePartner(a *model.PartnerAgency) error {
	if a.ID == uuid.Nil {
		return errors.New("agency id is required")
	}
	if a.Name == "" {
		return errors.New("name is required")
	}
	if a.Status != model.PartnerStatusActive && a.Status != model.PartnerStatusInactive {
		return errors.New("invalid status")
	}
	if err := issuance.ValidateRules(a.FormConfig.Rules); err != nil {
		return fmt.Errorf("invalid form rules: %w", err)
	}
	return nil
}

func normalizeTypes(types []string) []string {
	out := make([]string, 0, len(types))
	seen := make(map[string]bool, len(types))
	for _, t := range types {
		t = issuance.NormalizeVoucherType(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// isValidHost checks every dot separated label of host.
func isValidHost(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if !isValidSubdomain(label) {
			return false
		}
	}
	return true
}

// isValidSubdomain checks ^[a-z0-9]([a-z0-9\-]{0,61}[a-z0-9])?$
func isValidSubdomain(subdomain string) bool {
	if len(subdomain) < 1 || len(subdomain) > 63 {
		return false
	}
	last := len(subdomain) - 1
	for i, r := range subdomain {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if i == 0 || i == last {
			if !alnum {
				return false
			}
		} else if !alnum && r != '-' {
			return false
		}
	}
	return true
}
