package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/teresa-solution/voucher-issuance-service/internal/envelope"
	"github.com/teresa-solution/voucher-issuance-service/internal/model"
	"github.com/teresa-solution/voucher-issuance-service/internal/monitoring"
	"github.com/teresa-solution/voucher-issuance-service/internal/service"
	"github.com/teresa-solution/voucher-issuance-service/internal/tenancy"
)

// operatorOnly admits platform operators calling from an allowed address.
func (s *Server) operatorOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc, _ := tenancy.FromContext(r.Context())
		var actorID string
		operator := false
		if tc != nil {
			actorID = tc.Identity.ActorID()
			operator = tc.Identity.Actor.PlatformOperator()
		}

		meta := map[string]any{"route": string(tenancy.RouteAdmin), "path": r.URL.Path}
		allowed := operator
		if allowed && len(s.adminAllow) > 0 {
			ip := clientIP(r, s.trusted)
			if !s.adminAllow.contains(ip) {
				allowed = false
				meta["client_ip"] = ip.String()
			}
		}
		if allowed {
			next.ServeHTTP(w, r)
			return
		}

		reason := envelope.ReasonNotAuthorized
		monitoring.Refusals.WithLabelValues(string(reason)).Inc()
		if err := s.audit.Emit(r.Context(), &model.AuditEvent{
			ActorID:   actorID,
			EventType: model.EventTenancyRefusal,
			Reason:    string(reason),
			Metadata:  meta,
		}); err != nil {
			envelope.Fail(w, r, http.StatusInternalServerError, envelope.ErrorInternal)
			return
		}
		envelope.Refuse(w, r, reason, nil)
	})
}

func adminActor(r *http.Request) string {
	tc, _ := tenancy.FromContext(r.Context())
	if tc == nil {
		return ""
	}
	return tc.Identity.ActorID()
}

// adminError maps a status error from the admin service to a response.
func adminError(w http.ResponseWriter, r *http.Request, err error) {
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.InvalidArgument:
		envelope.Fail(w, r, http.StatusBadRequest, envelope.ErrorInvalidRequest)
	case codes.NotFound:
		envelope.Fail(w, r, http.StatusNotFound, envelope.ErrorNotFound)
	case codes.AlreadyExists, codes.FailedPrecondition:
		envelope.Fail(w, r, http.StatusConflict, envelope.ErrorConflict)
	default:
		log.Ctx(r.Context()).Error().Err(err).Msg("Admin operation failed")
		envelope.Fail(w, r, http.StatusInternalServerError, envelope.ErrorInternal)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		envelope.Fail(w, r, http.StatusBadRequest, envelope.ErrorInvalidRequest)
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		envelope.Fail(w, r, http.StatusBadRequest, envelope.ErrorInvalidRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req service.CreateTenantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tenant, err := s.admin.CreateTenant(r.Context(), adminActor(r), req)
	if err != nil {
		adminError(w, r, err)
		return
	}
	envelope.OK(w, r, tenant)
}

func (s *Server) handleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "tenantID")
	if !ok {
		return
	}
	var req service.UpdateTenantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.ID = id
	tenant, err := s.admin.UpdateTenant(r.Context(), adminActor(r), req)
	if err != nil {
		adminError(w, r, err)
		return
	}
	envelope.OK(w, r, tenant)
}

func (s *Server) handleSetApp(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "tenantID")
	if !ok {
		return
	}
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		envelope.Fail(w, r, http.StatusBadRequest, envelope.ErrorInvalidRequest)
		return
	}
	appKey := chi.URLParam(r, "appKey")
	if err := s.admin.SetAppEnabled(r.Context(), adminActor(r), id, appKey, *body.Enabled); err != nil {
		adminError(w, r, err)
		return
	}
	envelope.OK(w, r, map[string]any{"tenant_id": id, "app_key": appKey, "enabled": *body.Enabled})
}

func (s *Server) handleSetMembership(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "tenantID")
	if !ok {
		return
	}
	var body struct {
		Roles []string `json:"roles"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	actorID := chi.URLParam(r, "actorID")
	roles, err := s.admin.SetMembership(r.Context(), adminActor(r), id, actorID, body.Roles)
	if err != nil {
		adminError(w, r, err)
		return
	}
	envelope.OK(w, r, map[string]any{"tenant_id": id, "actor_id": actorID, "roles": roles})
}

func (s *Server) handleConfigurePartner(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathUUID(w, r, "tenantID")
	if !ok {
		return
	}
	agencyID, ok := pathUUID(w, r, "agencyID")
	if !ok {
		return
	}
	var req service.PartnerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.TenantID, req.AgencyID = tenantID, agencyID
	agency, err := s.admin.ConfigurePartner(r.Context(), adminActor(r), req)
	if err != nil {
		adminError(w, r, err)
		return
	}
	envelope.OK(w, r, agency)
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathUUID(w, r, "tenantID")
	if !ok {
		return
	}
	agencyID, ok := pathUUID(w, r, "agencyID")
	if !ok {
		return
	}
	issued, err := s.admin.IssuePartnerToken(r.Context(), adminActor(r), tenantID, agencyID)
	if err != nil {
		adminError(w, r, err)
		return
	}
	envelope.OK(w, r, issued)
}

func (s *Server) handleDeletePartner(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := pathUUID(w, r, "tenantID")
	if !ok {
		return
	}
	agencyID, ok := pathUUID(w, r, "agencyID")
	if !ok {
		return
	}
	if err := s.admin.DeletePartner(r.Context(), adminActor(r), tenantID, agencyID); err != nil {
		adminError(w, r, err)
		return
	}
	envelope.OK(w, r, map[string]any{"deleted": true})
}
