// Package tenancy decides, once per request, which tenant the request belongs
// to and whether its caller may proceed.
package tenancy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/voucher-issuance-service/internal/audit"
	"github.com/teresa-solution/voucher-issuance-service/internal/envelope"
	"github.com/teresa-solution/voucher-issuance-service/internal/identity"
	"github.com/teresa-solution/voucher-issuance-service/internal/model"
	"github.com/teresa-solution/voucher-issuance-service/internal/monitoring"
	"github.com/teresa-solution/voucher-issuance-service/internal/ratelimit"
)

// RouteKind classifies the route a request targets.
type RouteKind string

const (
	RouteAdmin    RouteKind = "admin"
	RouteIssuance RouteKind = "issuance"
	RouteLookup   RouteKind = "lookup"
	RouteStaff    RouteKind = "staff"
)

// partnerRoutes are the only routes a partner token may reach.
var partnerRoutes = map[RouteKind]bool{
	RouteIssuance: true,
	RouteLookup:   true,
}

// Request carries what the hook needs to know about one inbound request.
type Request struct {
	Host          string
	Route         RouteKind
	Authorization string
	PartnerToken  string
	// TenantOverride is set when the client supplied a tenant identifier in
	// the query string or body.
	TenantOverride bool
	// VoucherID is the raw path parameter of lookup routes.
	VoucherID string
}

// Context is attached to every admitted request.
type Context struct {
	Tenant   *model.Tenant
	Identity identity.Identity
	// MembershipRoles are the raw stored roles of an admitted actor.
	MembershipRoles []string
}

func (c *Context) TenantID() *uuid.UUID {
	if c == nil || c.Tenant == nil {
		return nil
	}
	id := c.Tenant.ID
	return &id
}

// Verdict is the outcome of Admit. Exactly one of Admitted, Reason and
// Throttled is set.
type Verdict struct {
	Admitted   bool
	Context    *Context
	Reason     envelope.Reason
	Throttled  bool
	RetryAfter int
}

type contextKey struct{}

func WithContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// FromContext returns the tenant context of an admitted request.
func FromContext(ctx context.Context) (*Context, bool) {
	tc, ok := ctx.Value(contextKey{}).(*Context)
	return tc, ok && tc != nil
}

type MembershipLookup interface {
	ListMembershipRoles(ctx context.Context, tenantID uuid.UUID, actorID string) ([]string, error)
}

type VoucherLookup interface {
	GetVoucher(ctx context.Context, tenantID, voucherID uuid.UUID) (*model.Voucher, error)
}

type HookConfig struct {
	Resolver     *Resolver
	Identities   *identity.Builder
	Limiter      ratelimit.Limiter
	PartnerLimit int
	Members      MembershipLookup
	Vouchers     VoucherLookup
	Audit        *audit.Emitter
	Now          func() time.Time
}

// Hook is the admission gate.
type Hook struct {
	resolver     *Resolver
	identities   *identity.Builder
	limiter      ratelimit.Limiter
	partnerLimit int
	members      MembershipLookup
	vouchers     VoucherLookup
	audit        *audit.Emitter
	now          func() time.Time
}

func NewHook(cfg HookConfig) *Hook {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PartnerLimit <= 0 {
		cfg.PartnerLimit = 20
	}
	return &Hook{
		resolver:     cfg.Resolver,
		identities:   cfg.Identities,
		limiter:      cfg.Limiter,
		partnerLimit: cfg.PartnerLimit,
		members:      cfg.Members,
		vouchers:     cfg.Vouchers,
		audit:        cfg.Audit,
		now:          cfg.Now,
	}
}

// Admit runs the decision table for req. A non-nil error is a hard failure,
// including a failed audit write; the request must then be answered with a
// server error.
func (h *Hook) Admit(ctx context.Context, req Request) (Verdict, error) {
	id, err := h.identities.Build(ctx, req.Authorization, req.PartnerToken)
	ambiguous := errors.Is(err, identity.ErrAmbiguousCredentials)
	if err != nil && !ambiguous {
		if !errors.Is(err, identity.ErrPartnerTokenInvalid) {
			return Verdict{}, err
		}
		if req.Route == RouteAdmin {
			return h.refuse(ctx, req, nil, id, envelope.ReasonPartnerTokenScope)
		}
		return h.refuse(ctx, req, nil, id, envelope.ReasonPartnerTokenInvalid)
	}

	if req.Route == RouteAdmin {
		if strings.TrimSpace(req.PartnerToken) != "" {
			return h.refuse(ctx, req, nil, id, envelope.ReasonPartnerTokenScope)
		}
		return Verdict{Admitted: true, Context: &Context{Identity: id}}, nil
	}

	tenant, err := h.resolver.Resolve(ctx, req.Host)
	if err != nil {
		return Verdict{}, err
	}
	if tenant == nil {
		return h.refuse(ctx, req, nil, id, envelope.ReasonTenantNotFound)
	}
	if req.TenantOverride || ambiguous {
		return h.refuse(ctx, req, tenant, id, envelope.ReasonTenantContextMismatch)
	}

	if id.Kind == identity.KindPartner {
		return h.admitPartner(ctx, req, tenant, id)
	}
	return h.admitActor(ctx, req, tenant, id)
}

func (h *Hook) admitPartner(ctx context.Context, req Request, tenant *model.Tenant, id identity.Identity) (Verdict, error) {
	p := id.Partner
	if p.TenantID != tenant.ID {
		return h.refuse(ctx, req, tenant, id, envelope.ReasonTenantContextMismatch)
	}
	if !partnerRoutes[req.Route] {
		return h.refuse(ctx, req, tenant, id, envelope.ReasonPartnerTokenScope)
	}

	decision := h.limiter.Allow(ctx, p.TokenID.String(), h.partnerLimit)
	if !decision.Allowed {
		monitoring.PartnerThrottled.Inc()
		retry := decision.RetryAfter(h.now())
		if err := h.audit.Emit(ctx, &model.AuditEvent{
			TenantID:        &tenant.ID,
			EventType:       model.EventTenancyThrottled,
			PartnerAgencyID: id.PartnerAgencyID(),
			Metadata: map[string]any{
				"route":       string(req.Route),
				"token_id":    p.TokenID.String(),
				"limit":       decision.Limit,
				"retry_after": retry,
			},
		}); err != nil {
			return Verdict{}, err
		}
		return Verdict{Throttled: true, RetryAfter: retry}, nil
	}

	if req.Route == RouteLookup {
		owned, err := h.partnerOwnsVoucher(ctx, tenant.ID, p.PartnerAgencyID, req.VoucherID)
		if err != nil {
			return Verdict{}, err
		}
		if !owned {
			return h.refuse(ctx, req, tenant, id, envelope.ReasonPartnerTokenScope)
		}
	}

	if err := h.audit.Emit(ctx, &model.AuditEvent{
		TenantID:        &tenant.ID,
		EventType:       model.EventPartnerAdmitted,
		PartnerAgencyID: id.PartnerAgencyID(),
		Metadata: map[string]any{
			"route":    string(req.Route),
			"token_id": p.TokenID.String(),
		},
	}); err != nil {
		return Verdict{}, err
	}
	return Verdict{Admitted: true, Context: &Context{Tenant: tenant, Identity: id}}, nil
}

func (h *Hook) partnerOwnsVoucher(ctx context.Context, tenantID, agencyID uuid.UUID, rawID string) (bool, error) {
	voucherID, err := uuid.Parse(rawID)
	if err != nil {
		return false, nil
	}
	v, err := h.vouchers.GetVoucher(ctx, tenantID, voucherID)
	if err != nil {
		return false, fmt.Errorf("load voucher %s: %w", voucherID, err)
	}
	return v != nil && v.PartnerAgencyID != nil && *v.PartnerAgencyID == agencyID, nil
}

func (h *Hook) admitActor(ctx context.Context, req Request, tenant *model.Tenant, id identity.Identity) (Verdict, error) {
	if id.Kind != identity.KindActor || id.Actor.TenantClaim == "" {
		return h.refuse(ctx, req, tenant, id, envelope.ReasonTenantContextMismatch)
	}
	if id.Actor.TenantClaim != tenant.ID.String() {
		return h.refuse(ctx, req, tenant, id, envelope.ReasonTenantContextMismatch)
	}
	roles, err := h.members.ListMembershipRoles(ctx, tenant.ID, id.Actor.ID)
	if err != nil {
		return Verdict{}, fmt.Errorf("load membership of %s: %w", id.Actor.ID, err)
	}
	if len(roles) == 0 {
		return h.refuse(ctx, req, tenant, id, envelope.ReasonNotAMember)
	}
	return Verdict{Admitted: true, Context: &Context{Tenant: tenant, Identity: id, MembershipRoles: roles}}, nil
}

// refuse audits the refusal with whatever is known so far.
func (h *Hook) refuse(ctx context.Context, req Request, tenant *model.Tenant, id identity.Identity, reason envelope.Reason) (Verdict, error) {
	monitoring.Refusals.WithLabelValues(string(reason)).Inc()

	ev := &model.AuditEvent{
		ActorID:         id.ActorID(),
		EventType:       model.EventTenancyRefusal,
		Reason:          string(reason),
		PartnerAgencyID: id.PartnerAgencyID(),
		Metadata: map[string]any{
			"route":    string(req.Route),
			"host":     NormalizeHost(req.Host),
			"identity": id.Kind.String(),
		},
	}
	if tenant != nil {
		ev.TenantID = &tenant.ID
	}
	if err := h.audit.Emit(ctx, ev); err != nil {
		return Verdict{}, err
	}
	log.Ctx(ctx).Debug().Str("reason", string(reason)).Str("route", string(req.Route)).Msg("Request refused")
	return Verdict{Reason: reason}, nil
}
