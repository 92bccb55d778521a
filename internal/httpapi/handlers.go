package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/voucher-issuance-service/internal/envelope"
	"github.com/teresa-solution/voucher-issuance-service/internal/issuance"
	"github.com/teresa-solution/voucher-issuance-service/internal/model"
	"github.com/teresa-solution/voucher-issuance-service/internal/tenancy"
)

type issueBody struct {
	VoucherType       string             `json:"voucher_type"`
	FirstName         string             `json:"first_name"`
	LastName          string             `json:"last_name"`
	DateOfBirth       string             `json:"date_of_birth"`
	HouseholdAdults   int                `json:"household_adults"`
	HouseholdChildren int                `json:"household_children"`
	Override          *issuance.Override `json:"override,omitempty"`
}

func (b issueBody) request() (issuance.IssueRequest, error) {
	req := issuance.IssueRequest{
		VoucherType:       b.VoucherType,
		FirstName:         b.FirstName,
		LastName:          b.LastName,
		HouseholdAdults:   b.HouseholdAdults,
		HouseholdChildren: b.HouseholdChildren,
		Override:          b.Override,
	}
	if strings.TrimSpace(b.DateOfBirth) != "" {
		dob, err := issuance.ParseDate(b.DateOfBirth)
		if err != nil {
			return req, err
		}
		req.DateOfBirth = dob
	}
	return req, nil
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	tc, _ := tenancy.FromContext(r.Context())

	var body issueBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		log.Ctx(r.Context()).Debug().Err(err).Msg("Rejected issuance body")
		envelope.Fail(w, r, http.StatusBadRequest, envelope.ErrorInvalidRequest)
		return
	}
	req, err := body.request()
	if err != nil {
		envelope.Fail(w, r, http.StatusBadRequest, envelope.ErrorInvalidRequest)
		return
	}

	res, err := s.issuance.Issue(r.Context(), tc, req)
	switch {
	case errors.Is(err, issuance.ErrInvalidRequest):
		log.Ctx(r.Context()).Debug().Err(err).Msg("Rejected issuance request")
		envelope.Fail(w, r, http.StatusBadRequest, envelope.ErrorInvalidRequest)
	case err != nil:
		log.Ctx(r.Context()).Error().Err(err).Msg("Issuance failed")
		envelope.Fail(w, r, http.StatusInternalServerError, envelope.ErrorInternal)
	case res.Refusal != "":
		envelope.Refuse(w, r, res.Refusal, res.RefusalData)
	default:
		envelope.OK(w, r, res)
	}
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	tc, _ := tenancy.FromContext(r.Context())

	id, err := uuid.Parse(chi.URLParam(r, "voucherID"))
	if err != nil {
		envelope.Fail(w, r, http.StatusBadRequest, envelope.ErrorInvalidRequest)
		return
	}
	view, reason, err := s.issuance.Lookup(r.Context(), tc, id)
	switch {
	case err != nil:
		log.Ctx(r.Context()).Error().Err(err).Msg("Voucher lookup failed")
		envelope.Fail(w, r, http.StatusInternalServerError, envelope.ErrorInternal)
	case reason != "":
		envelope.Refuse(w, r, reason, nil)
	default:
		envelope.OK(w, r, view)
	}
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	tc, _ := tenancy.FromContext(r.Context())

	filter := model.AuditFilter{EventType: strings.TrimSpace(r.URL.Query().Get("event_type"))}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			envelope.Fail(w, r, http.StatusBadRequest, envelope.ErrorInvalidRequest)
			return
		}
		filter.Limit = limit
	}

	events, reason, err := s.issuance.ListAudit(r.Context(), tc, filter)
	switch {
	case err != nil:
		log.Ctx(r.Context()).Error().Err(err).Msg("Listing audit events failed")
		envelope.Fail(w, r, http.StatusInternalServerError, envelope.ErrorInternal)
	case reason != "":
		envelope.Refuse(w, r, reason, nil)
	default:
		if events == nil {
			events = []model.AuditEvent{}
		}
		envelope.OK(w, r, events)
	}
}
