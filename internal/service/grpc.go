package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/teresa-solution/voucher-issuance-service/internal/correlation"
	"github.com/teresa-solution/voucher-issuance-service/internal/identity"
)

// AdminServiceName is the fully qualified gRPC service name.
const AdminServiceName = "voucher.admin.v1.TenantAdmin"

type actorKey struct{}

// ActorParser verifies a raw actor credential.
type ActorParser interface {
	ParseActor(raw string) (*identity.Actor, error)
}

// OperatorInterceptor admits only calls carrying a platform operator
// credential in the authorization metadata. The verified actor is stored on
// the context.
func OperatorInterceptor(parser ActorParser) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		if ids := md.Get("x-correlation-id"); len(ids) > 0 && ids[0] != "" {
			ctx = correlation.WithID(ctx, ids[0])
		} else {
			ctx = correlation.WithID(ctx, correlation.New())
		}
		ctx = log.With().Str("correlation_id", correlation.ID(ctx)).Logger().WithContext(ctx)

		values := md.Get("authorization")
		if len(values) == 0 {
			return nil, status.Error(codes.Unauthenticated, "Missing credentials")
		}
		raw := strings.TrimSpace(values[0])
		if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
			raw = strings.TrimSpace(raw[7:])
		}
		actor, err := parser.ParseActor(raw)
		if err != nil {
			log.Ctx(ctx).Debug().Err(err).Str("method", info.FullMethod).Msg("Rejected admin credential")
			return nil, status.Error(codes.Unauthenticated, "Invalid credentials")
		}
		if !actor.PlatformOperator() {
			return nil, status.Error(codes.PermissionDenied, "Platform operator required")
		}
		return handler(context.WithValue(ctx, actorKey{}, actor.ID), req)
	}
}

func actorFrom(ctx context.Context) string {
	id, _ := ctx.Value(actorKey{}).(string)
	return id
}

// AdminServer exposes TenantService over gRPC. Messages are
// google.protobuf.Struct documents with the same field names as the HTTP
// admin API.
type AdminServer struct {
	svc *TenantService
}

func NewAdminServer(svc *TenantService) *AdminServer {
	return &AdminServer{svc: svc}
}

// Register adds the admin service and a health service to s. The health
// status is SERVING once ready reports no error.
func (a *AdminServer) Register(s *grpc.Server, ready func(context.Context) error) *health.Server {
	s.RegisterService(&adminServiceDesc, a)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ready == nil || ready(context.Background()) == nil {
		st = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus("", st)
	hs.SetServingStatus(AdminServiceName, st)
	return hs
}

type tenantRef struct {
	TenantID uuid.UUID `json:"tenant_id"`
}

type appToggle struct {
	TenantID uuid.UUID `json:"tenant_id"`
	AppKey   string    `json:"app_key"`
	Enabled  bool      `json:"enabled"`
}

type membershipUpdate struct {
	TenantID uuid.UUID `json:"tenant_id"`
	ActorID  string    `json:"actor_id"`
	Roles    []string  `json:"roles"`
}

type partnerRef struct {
	TenantID uuid.UUID `json:"tenant_id"`
	AgencyID uuid.UUID `json:"partner_agency_id"`
}

func (a *AdminServer) CreateTenant(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CreateTenantRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	tenant, err := a.svc.CreateTenant(ctx, actorFrom(ctx), req)
	if err != nil {
		return nil, err
	}
	return encode(tenant)
}

func (a *AdminServer) UpdateTenant(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var ref tenantRef
	var req UpdateTenantRequest
	if err := decode(in, &ref); err != nil {
		return nil, err
	}
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	req.ID = ref.TenantID
	tenant, err := a.svc.UpdateTenant(ctx, actorFrom(ctx), req)
	if err != nil {
		return nil, err
	}
	return encode(tenant)
}

func (a *AdminServer) SetAppEnabled(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req appToggle
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := a.svc.SetAppEnabled(ctx, actorFrom(ctx), req.TenantID, req.AppKey, req.Enabled); err != nil {
		return nil, err
	}
	return encode(req)
}

func (a *AdminServer) SetMembership(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req membershipUpdate
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	roles, err := a.svc.SetMembership(ctx, actorFrom(ctx), req.TenantID, req.ActorID, req.Roles)
	if err != nil {
		return nil, err
	}
	return encode(map[string]any{"tenant_id": req.TenantID, "actor_id": req.ActorID, "roles": roles})
}

func (a *AdminServer) ConfigurePartner(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var ref partnerRef
	var req PartnerRequest
	if err := decode(in, &ref); err != nil {
		return nil, err
	}
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	req.TenantID, req.AgencyID = ref.TenantID, ref.AgencyID
	agency, err := a.svc.ConfigurePartner(ctx, actorFrom(ctx), req)
	if err != nil {
		return nil, err
	}
	return encode(agency)
}

func (a *AdminServer) IssuePartnerToken(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var ref partnerRef
	if err := decode(in, &ref); err != nil {
		return nil, err
	}
	issued, err := a.svc.IssuePartnerToken(ctx, actorFrom(ctx), ref.TenantID, ref.AgencyID)
	if err != nil {
		return nil, err
	}
	return encode(issued)
}

func (a *AdminServer) DeletePartner(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var ref partnerRef
	if err := decode(in, &ref); err != nil {
		return nil, err
	}
	if err := a.svc.DeletePartner(ctx, actorFrom(ctx), ref.TenantID, ref.AgencyID); err != nil {
		return nil, err
	}
	return encode(map[string]any{"deleted": true})
}

func decode(in *structpb.Struct, v any) error {
	raw, err := in.MarshalJSON()
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "Failed to encode response")
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, status.Error(codes.Internal, "Failed to encode response")
	}
	return out, nil
}

type adminMethod func(*AdminServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, m adminMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return m(srv.(*AdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + AdminServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return m(srv.(*AdminServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateTenant", (*AdminServer).CreateTenant),
		unary("UpdateTenant", (*AdminServer).UpdateTenant),
		unary("SetAppEnabled", (*AdminServer).SetAppEnabled),
		unary("SetMembership", (*AdminServer).SetMembership),
		unary("ConfigurePartner", (*AdminServer).ConfigurePartner),
		unary("IssuePartnerToken", (*AdminServer).IssuePartnerToken),
		unary("DeletePartner", (*AdminServer).DeletePartner),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "voucher/admin/v1/admin.proto",
}
