// Package httpapi is the public HTTP surface: the middleware chain, the
// per-route admission gate, and the issuance, lookup, audit and admin
// handlers. Every response uses the envelope shape.
package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teresa-solution/voucher-issuance-service/internal/audit"
	"github.com/teresa-solution/voucher-issuance-service/internal/envelope"
	"github.com/teresa-solution/voucher-issuance-service/internal/issuance"
	"github.com/teresa-solution/voucher-issuance-service/internal/service"
	"github.com/teresa-solution/voucher-issuance-service/internal/telemetry"
	"github.com/teresa-solution/voucher-issuance-service/internal/tenancy"
)

const defaultPartnerHeader = "X-Partner-Token"

type Config struct {
	Hook     *tenancy.Hook
	Issuance *issuance.Service
	Admin    *service.TenantService
	// Audit records refusals decided by the admin guard.
	Audit *audit.Emitter
	// Ready backs /healthz. nil means always ready.
	Ready func(ctx context.Context) error

	PartnerHeader  string
	TrustedProxies []string
	AdminAllow     []string
	MaxBodyBytes   int64
	ServiceName    string
}

type Server struct {
	hook          *tenancy.Hook
	issuance      *issuance.Service
	admin         *service.TenantService
	audit         *audit.Emitter
	ready         func(ctx context.Context) error
	partnerHeader string
	trusted       ipMatcher
	adminAllow    ipMatcher
}

// NewRouter builds the public handler.
func NewRouter(cfg Config) (http.Handler, error) {
	trusted, err := parseNetworks(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	allow, err := parseNetworks(cfg.AdminAllow)
	if err != nil {
		return nil, fmt.Errorf("parse admin allowlist: %w", err)
	}
	s := &Server{
		hook:          cfg.Hook,
		issuance:      cfg.Issuance,
		admin:         cfg.Admin,
		audit:         cfg.Audit,
		ready:         cfg.Ready,
		partnerHeader: cfg.PartnerHeader,
		trusted:       trusted,
		adminAllow:    allow,
	}
	if s.partnerHeader == "" {
		s.partnerHeader = defaultPartnerHeader
	}

	r := chi.NewRouter()
	r.Use(withCorrelation)
	r.Use(requestLogger)
	r.Use(recoverer)
	r.Use(securityHeaders)
	r.Use(observeDuration)
	r.Use(telemetry.HTTPMiddleware(cfg.ServiceName))
	r.Use(limitBody(cfg.MaxBodyBytes))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		envelope.Fail(w, r, http.StatusNotFound, envelope.ErrorNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		envelope.Fail(w, r, http.StatusMethodNotAllowed, envelope.ErrorInvalidRequest)
	})
	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.With(s.gate(tenancy.RouteIssuance)).Post("/vouchers", s.handleIssue)
		r.With(s.gate(tenancy.RouteLookup)).Get("/vouchers/{voucherID}", s.handleLookup)
		r.With(s.gate(tenancy.RouteStaff)).Get("/audit-events", s.handleListAudit)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.gate(tenancy.RouteAdmin), s.operatorOnly)
		r.Post("/tenants", s.handleCreateTenant)
		r.Patch("/tenants/{tenantID}", s.handleUpdateTenant)
		r.Put("/tenants/{tenantID}/apps/{appKey}", s.handleSetApp)
		r.Put("/tenants/{tenantID}/members/{actorID}", s.handleSetMembership)
		r.Put("/tenants/{tenantID}/partners/{agencyID}", s.handleConfigurePartner)
		r.Post("/tenants/{tenantID}/partners/{agencyID}/tokens", s.handleIssueToken)
		r.Delete("/tenants/{tenantID}/partners/{agencyID}", s.handleDeletePartner)
	})
	return r, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			envelope.JSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": envelope.ErrorUnavailable})
			return
		}
	}
	envelope.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}
