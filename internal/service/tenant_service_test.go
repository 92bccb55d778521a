package service

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/teresa-solution/voucher-issuance-service/internal/audit"
	"github.com/teresa-solution/voucher-issuance-service/internal/cache"
	"github.com/teresa-solution/voucher-issuance-service/internal/crypto"
	"github.com/teresa-solution/voucher-issuance-service/internal/identity"
	"github.com/teresa-solution/voucher-issuance-service/internal/model"
	"github.com/teresa-solution/voucher-issuance-service/internal/store/memory"
	"github.com/teresa-solution/voucher-issuance-service/internal/tenancy"
)

const appKey = "vouchers"

type harness struct {
	store    *memory.Store
	resolver *tenancy.Resolver
	svc      *TenantService
}

func setupTestService(t *testing.T) *harness {
	t.Helper()
	st := memory.New()
	resolver := tenancy.NewResolver(st, cache.NewMemoryCache(), appKey, time.Minute)
	svc := NewTenantService(st, audit.NewEmitter(st, nil), resolver, appKey)
	return &harness{store: st, resolver: resolver, svc: svc}
}

func (h *harness) events(eventType string) []model.AuditEvent {
	var out []model.AuditEvent
	for _, e := range h.store.AuditEvents() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func assertCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok, "expected status error, got %v", err)
	assert.Equal(t, code, st.Code(), st.Message())
}

func createTenant(t *testing.T, h *harness, host, slug string) *model.Tenant {
	t.Helper()
	tenant, err := h.svc.CreateTenant(context.Background(), "op-1", CreateTenantRequest{
		Name:      "Food Bank",
		Host:      host,
		Slug:      slug,
		EnableApp: true,
	})
	require.NoError(t, err)
	return tenant
}

func TestTenantService_CreateTenant(t *testing.T) {
	h := setupTestService(t)
	ctx := context.Background()

	tenant, err := h.svc.CreateTenant(ctx, "op-1", CreateTenantRequest{
		Name:                " North Food Bank ",
		Host:                "North.Example.org:443",
		Slug:                "north",
		AllowedVoucherTypes: []string{" Food ", "food", "FUEL"},
		EnableApp:           true,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, tenant.ID)
	assert.Equal(t, "North Food Bank", tenant.Name)
	assert.Equal(t, "north.example.org", tenant.Host)
	assert.Equal(t, model.TenantStatusActive, tenant.Status)
	assert.Equal(t, []string{"food", "fuel"}, tenant.AllowedVoucherTypes)

	resolved, err := h.resolver.Resolve(ctx, "north.example.org")
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, tenant.ID, resolved.ID)

	created := h.events(model.EventTenantCreated)
	require.Len(t, created, 1)
	assert.Equal(t, "op-1", created[0].ActorID)
	assert.Equal(t, tenant.ID, *created[0].TenantID)

	_, err = h.svc.CreateTenant(ctx, "op-1", CreateTenantRequest{Name: "Copy", Host: "north.example.org", Slug: "copy"})
	assertCode(t, err, codes.AlreadyExists)
}

func TestTenantService_CreateTenantValidation(t *testing.T) {
	h := setupTestService(t)
	days, tooMany, bogus := 30, 5000, "ignore"

	cases := []struct {
		name string
		req  CreateTenantRequest
	}{
		{"missing name", CreateTenantRequest{Host: "a.example.org", Slug: "a"}},
		{"bad host", CreateTenantRequest{Name: "A", Host: "a_b.example.org", Slug: "a"}},
		{"trailing hyphen slug", CreateTenantRequest{Name: "A", Host: "a.example.org", Slug: "a-"}},
		{"leading hyphen slug", CreateTenantRequest{Name: "A", Host: "a.example.org", Slug: "-a"}},
		{"window too large", CreateTenantRequest{Name: "A", Host: "a.example.org", Slug: "a", DuplicateWindowDays: &tooMany}},
		{"unknown action", CreateTenantRequest{Name: "A", Host: "a.example.org", Slug: "a", DuplicateWindowDays: &days, DuplicateAction: &bogus}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.CreateTenant(context.Background(), "op-1", tc.req)
			assertCode(t, err, codes.InvalidArgument)
		})
	}
	assert.Empty(t, h.events(model.EventTenantCreated))
}

func TestTenantService_UpdateTenantInvalidatesHosts(t *testing.T) {
	h := setupTestService(t)
	ctx := context.Background()
	tenant := createTenant(t, h, "old.example.org", "old")

	cached, err := h.resolver.Resolve(ctx, "old.example.org")
	require.NoError(t, err)
	require.NotNil(t, cached)

	newHost, inactive := "new.example.org", model.TenantStatusInactive
	updated, err := h.svc.UpdateTenant(ctx, "op-1", UpdateTenantRequest{ID: tenant.ID, Host: &newHost})
	require.NoError(t, err)
	assert.Equal(t, "new.example.org", updated.Host)
	assert.Equal(t, "Food Bank", updated.Name)

	old, err := h.resolver.Resolve(ctx, "old.example.org")
	require.NoError(t, err)
	assert.Nil(t, old, "old host must stop resolving immediately")

	_, err = h.svc.UpdateTenant(ctx, "op-1", UpdateTenantRequest{ID: tenant.ID, Status: &inactive})
	require.NoError(t, err)
	gone, err := h.resolver.Resolve(ctx, "new.example.org")
	require.NoError(t, err)
	assert.Nil(t, gone)

	updates := h.events(model.EventTenantUpdated)
	require.Len(t, updates, 2)
	assert.Equal(t, []string{"host"}, updates[0].Metadata["changed"])

	_, err = h.svc.UpdateTenant(ctx, "op-1", UpdateTenantRequest{ID: uuid.New(), Host: &newHost})
	assertCode(t, err, codes.NotFound)
}

func TestTenantService_SetAppEnabled(t *testing.T) {
	h := setupTestService(t)
	ctx := context.Background()
	tenant := createTenant(t, h, "app.example.org", "app")

	_, err := h.resolver.Resolve(ctx, "app.example.org")
	require.NoError(t, err)

	require.NoError(t, h.svc.SetAppEnabled(ctx, "op-1", tenant.ID, appKey, false))
	resolved, err := h.resolver.Resolve(ctx, "app.example.org")
	require.NoError(t, err)
	assert.Nil(t, resolved)

	toggles := h.events(model.EventTenantAppToggled)
	require.Len(t, toggles, 1)
	assert.Equal(t, false, toggles[0].Metadata["enabled"])

	assertCode(t, h.svc.SetAppEnabled(ctx, "op-1", uuid.New(), appKey, true), codes.NotFound)
	assertCode(t, h.svc.SetAppEnabled(ctx, "op-1", tenant.ID, " ", true), codes.InvalidArgument)
}

func TestTenantService_SetMembership(t *testing.T) {
	h := setupTestService(t)
	ctx := context.Background()
	tenant := createTenant(t, h, "m.example.org", "m")

	roles, err := h.svc.SetMembership(ctx, "op-1", tenant.ID, "alice", []string{"Issuer", "intake", "issuer"})
	require.NoError(t, err)
	assert.Equal(t, []model.Role{model.RoleIntake, model.RoleIssuer}, roles)

	stored, err := h.store.ListMembershipRoles(ctx, tenant.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"intake", "issuer"}, stored)

	_, err = h.svc.SetMembership(ctx, "op-1", tenant.ID, "alice", []string{"superuser"})
	assertCode(t, err, codes.InvalidArgument)
	_, err = h.svc.SetMembership(ctx, "op-1", tenant.ID, "alice", []string{"platform_operator"})
	assertCode(t, err, codes.InvalidArgument)

	_, err = h.svc.SetMembership(ctx, "op-1", tenant.ID, "alice", nil)
	require.NoError(t, err)
	stored, err = h.store.ListMembershipRoles(ctx, tenant.ID, "alice")
	require.NoError(t, err)
	assert.Empty(t, stored)

	assert.Len(t, h.events(model.EventMembershipUpdated), 2)
}

func TestTenantService_PartnerLifecycle(t *testing.T) {
	h := setupTestService(t)
	ctx := context.Background()
	tenant := createTenant(t, h, "p.example.org", "p")
	agencyID := uuid.New()

	_, err := h.svc.ConfigurePartner(ctx, "op-1", PartnerRequest{
		TenantID: tenant.ID,
		AgencyID: agencyID,
		Name:     "Shelter",
		FormConfig: model.FormConfig{
			Rules: []model.FormRule{{Name: "broken", Expr: "household_adults >"}},
		},
	})
	assertCode(t, err, codes.InvalidArgument)

	agency, err := h.svc.ConfigurePartner(ctx, "op-1", PartnerRequest{
		TenantID: tenant.ID,
		AgencyID: agencyID,
		Name:     "Shelter",
		FormConfig: model.FormConfig{
			AllowedVoucherTypes: []string{"Food"},
			Rules:               []model.FormRule{{Name: "adults", Expr: "household_adults >= 1"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, model.PartnerStatusActive, agency.Status)
	assert.Equal(t, []string{"food"}, agency.FormConfig.AllowedVoucherTypes)

	issued, err := h.svc.IssuePartnerToken(ctx, "op-1", tenant.ID, agencyID)
	require.NoError(t, err)
	assert.Equal(t, crypto.TokenPrefix(issued.Token), issued.TokenPrefix)

	tok, err := h.store.GetActivePartnerTokenByHash(ctx, crypto.HashToken(issued.Token))
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, agencyID, tok.PartnerAgencyID)
	assert.Equal(t, []string{"food"}, tok.FormConfig.AllowedVoucherTypes)

	tokenEvents := h.events(model.EventPartnerTokenIssued)
	require.Len(t, tokenEvents, 1)
	assert.NotContains(t, tokenEvents[0].Metadata, "token")

	_, err = h.svc.IssuePartnerToken(ctx, "op-1", tenant.ID, uuid.New())
	assertCode(t, err, codes.NotFound)

	require.NoError(t, h.svc.DeletePartner(ctx, "op-1", tenant.ID, agencyID))
	tok, err = h.store.GetActivePartnerTokenByHash(ctx, crypto.HashToken(issued.Token))
	require.NoError(t, err)
	assert.Nil(t, tok)
	assertCode(t, h.svc.DeletePartner(ctx, "op-1", tenant.ID, agencyID), codes.NotFound)
}

func TestTenantService_AuditFailureFailsMutation(t *testing.T) {
	h := setupTestService(t)
	h.store.FailAuditWrites(assert.AnError)

	_, err := h.svc.CreateTenant(context.Background(), "op-1", CreateTenantRequest{Name: "A", Host: "a.example.org", Slug: "a"})
	assertCode(t, err, codes.Internal)
}

func TestIsValidSubdomain(t *testing.T) {
	cases := map[string]bool{
		"a":             true,
		"north-1":       true,
		"9lives":        true,
		"":              false,
		"-north":        false,
		"north-":        false,
		"North":         false,
		"no_underscore": false,
	}
	for in, want := range cases {
		assert.Equal(t, want, isValidSubdomain(in), in)
	}
	long := make([]byte, 64)
	for i := range long {
		long[i] = 'a'
	}
	assert.False(t, isValidSubdomain(string(long)))
	assert.True(t, isValidSubdomain(string(long[:63])))
}

func startAdminServer(t *testing.T, h *harness, builder *identity.Builder) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(OperatorInterceptor(builder)))
	NewAdminServer(h.svc).Register(srv, h.store.Ping)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestAdminServer_OperatorOnly(t *testing.T) {
	h := setupTestService(t)
	builder := identity.NewBuilder([]byte("test-secret"), "", h.store, nil)
	conn := startAdminServer(t, h, builder)

	in, err := structpb.NewStruct(map[string]any{
		"name":       "Grpc Bank",
		"host":       "grpc.example.org",
		"slug":       "grpc",
		"enable_app": true,
	})
	require.NoError(t, err)
	method := "/" + AdminServiceName + "/CreateTenant"

	err = conn.Invoke(context.Background(), method, in, &structpb.Struct{})
	assertCode(t, err, codes.Unauthenticated)

	staff, err := builder.SignActor("alice", "", []string{"tenant_admin"}, time.Hour)
	require.NoError(t, err)
	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+staff)
	err = conn.Invoke(ctx, method, in, &structpb.Struct{})
	assertCode(t, err, codes.PermissionDenied)

	op, err := builder.SignActor("op-1", "", []string{"platform_operator"}, time.Hour)
	require.NoError(t, err)
	ctx = metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+op, "x-correlation-id", "corr-grpc")
	out := &structpb.Struct{}
	require.NoError(t, conn.Invoke(ctx, method, in, out))
	assert.Equal(t, "grpc.example.org", out.Fields["host"].GetStringValue())
	assert.NotEmpty(t, out.Fields["id"].GetStringValue())

	created := h.events(model.EventTenantCreated)
	require.Len(t, created, 1)
	assert.Equal(t, "op-1", created[0].ActorID)
	assert.Equal(t, "corr-grpc", created[0].CorrelationID)

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: AdminServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
