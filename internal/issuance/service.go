package issuance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/voucher-issuance-service/internal/audit"
	"github.com/teresa-solution/voucher-issuance-service/internal/crypto"
	"github.com/teresa-solution/voucher-issuance-service/internal/envelope"
	"github.com/teresa-solution/voucher-issuance-service/internal/identity"
	"github.com/teresa-solution/voucher-issuance-service/internal/model"
	"github.com/teresa-solution/voucher-issuance-service/internal/monitoring"
	"github.com/teresa-solution/voucher-issuance-service/internal/store"
	"github.com/teresa-solution/voucher-issuance-service/internal/tenancy"
)

// ErrInvalidRequest marks a malformed issuance request.
var ErrInvalidRequest = errors.New("invalid issuance request")

type Override struct {
	Reason           string    `json:"reason"`
	MatchedVoucherID uuid.UUID `json:"matched_voucher_id"`
}

type IssueRequest struct {
	VoucherType       string
	FirstName         string
	LastName          string
	DateOfBirth       time.Time
	HouseholdAdults   int
	HouseholdChildren int
	Override          *Override
}

func (r IssueRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.VoucherType) == "" {
		missing = append(missing, "voucher_type")
	}
	if strings.TrimSpace(r.FirstName) == "" {
		missing = append(missing, "first_name")
	}
	if strings.TrimSpace(r.LastName) == "" {
		missing = append(missing, "last_name")
	}
	if r.DateOfBirth.IsZero() {
		missing = append(missing, "date_of_birth")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	if r.HouseholdAdults < 0 || r.HouseholdChildren < 0 {
		return fmt.Errorf("%w: household counts must not be negative", ErrInvalidRequest)
	}
	return nil
}

// WarningData is shown with a duplicate warning to callers allowed to override.
type WarningData struct {
	OverrideEligible bool      `json:"override_eligible"`
	MatchedVoucherID uuid.UUID `json:"matched_voucher_id"`
}

// Result is either a recorded issuance or a refusal.
type Result struct {
	Mode      Mode       `json:"mode"`
	VoucherID *uuid.UUID `json:"voucher_id,omitempty"`
	RequestID *uuid.UUID `json:"request_id,omitempty"`
	Status    string     `json:"status"`

	Refusal     envelope.Reason `json:"-"`
	RefusalData any             `json:"-"`
}

func refused(reason envelope.Reason, data any) *Result {
	return &Result{Refusal: reason, RefusalData: data}
}

// VoucherView is what a lookup returns.
type VoucherView struct {
	ID              uuid.UUID  `json:"id"`
	VoucherType     string     `json:"voucher_type"`
	Status          string     `json:"status"`
	PartnerAgencyID *uuid.UUID `json:"partner_agency_id"`
	CreatedAt       time.Time  `json:"created_at"`
}

type Store interface {
	store.VoucherReader
	store.AuditReader
	Begin(ctx context.Context) (store.Tx, error)
}

type Service struct {
	store    Store
	audit    *audit.Emitter
	recorder *Recorder
	defaults Policy
	now      func() time.Time
}

// NewService returns the issuance service. Audit events of a request are
// written through the request's transaction; emitter's own sink is used only
// for refusals raised before a transaction is opened.
func NewService(st Store, emitter *audit.Emitter, defaults Policy, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    st,
		audit:    emitter,
		recorder: NewRecorder(emitter),
		defaults: defaults,
		now:      now,
	}
}

// Issue runs authorization, the duplicate policy and recording for one
// admitted request. Refusals are returned in Result; errors are hard failures.
func (s *Service) Issue(ctx context.Context, tc *tenancy.Context, req IssueRequest) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	result, err := s.issue(ctx, tc, req)
	if err != nil {
		return nil, err
	}
	switch {
	case result.Refusal != "":
		monitoring.IssuanceOutcomes.WithLabelValues("refused").Inc()
	case result.VoucherID != nil:
		monitoring.IssuanceOutcomes.WithLabelValues("issued").Inc()
	default:
		monitoring.IssuanceOutcomes.WithLabelValues("requested").Inc()
	}
	return result, nil
}

func (s *Service) issue(ctx context.Context, tc *tenancy.Context, req IssueRequest) (*Result, error) {
	tenant := tc.Tenant
	id := tc.Identity
	mode := Authorize(id, tc.MembershipRoles)
	voucherType := NormalizeVoucherType(req.VoucherType)
	now := s.now().UTC()

	base := model.AuditEvent{
		TenantID:        &tenant.ID,
		ActorID:         id.ActorID(),
		PartnerAgencyID: id.PartnerAgencyID(),
	}

	if reason, meta := s.precheck(id, tenant, mode, voucherType, req, now); reason != "" {
		if err := s.refuse(ctx, nil, base, model.EventIssuanceRefusal, reason, meta); err != nil {
			return nil, err
		}
		return refused(reason, nil), nil
	}
	if req.Override != nil && (mode != ModeIssueActive || strings.TrimSpace(req.Override.Reason) == "") {
		meta := map[string]any{"voucher_type": voucherType, "mode": string(mode),
			"matched_voucher_id": req.Override.MatchedVoucherID.String()}
		if err := s.refuse(ctx, nil, base, model.EventIssuanceOverrideReject, envelope.ReasonNotAuthorized, meta); err != nil {
			return nil, err
		}
		return refused(envelope.ReasonNotAuthorized, nil), nil
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin issuance: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				log.Ctx(ctx).Error().Err(err).Msg("Failed to roll back issuance")
			}
		}
	}()

	candidate := Candidate{
		TenantID:    tenant.ID,
		VoucherType: voucherType,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		DateOfBirth: req.DateOfBirth,
	}
	if err := tx.LockIdentity(ctx, crypto.LockKey(tenant.ID.String(), candidate.Key())); err != nil {
		return nil, fmt.Errorf("lock identity: %w", err)
	}
	policy := EffectivePolicy(tenant, s.defaults)
	eval, err := Evaluate(ctx, tx, candidate, policy, now)
	if err != nil {
		return nil, err
	}

	extra := map[string]any{}
	if eval.Outcome != OutcomeNoMatch {
		result, err := s.duplicate(ctx, tx, base, mode, voucherType, req.Override, eval)
		if err != nil {
			return nil, err
		}
		if result != nil {
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("commit duplicate refusal: %w", err)
			}
			committed = true
			return result, nil
		}
		extra["override_of"] = req.Override.MatchedVoucherID.String()
	} else if req.Override != nil {
		extra["override_unneeded"] = true
		extra["override_reason"] = strings.TrimSpace(req.Override.Reason)
		extra["override_matched_voucher_id"] = req.Override.MatchedVoucherID.String()
	}

	result, err := s.recorder.record(ctx, tx, recordInput{
		tenantID: tenant.ID,
		identity: id,
		mode:     mode,
		household: model.Household{
			FirstName:         strings.TrimSpace(req.FirstName),
			LastName:          strings.TrimSpace(req.LastName),
			DateOfBirth:       req.DateOfBirth,
			HouseholdAdults:   req.HouseholdAdults,
			HouseholdChildren: req.HouseholdChildren,
		},
		voucherType: voucherType,
		now:         now,
		metadata:    extra,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit issuance: %w", err)
	}
	committed = true
	return result, nil
}

// precheck applies the voucher type and form rule gates that do not need
// the duplicate history.
func (s *Service) precheck(id identity.Identity, tenant *model.Tenant, mode Mode, voucherType string, req IssueRequest, now time.Time) (envelope.Reason, map[string]any) {
	meta := map[string]any{"voucher_type": voucherType, "mode": string(mode)}
	if mode == ModeNone {
		return envelope.ReasonNotAuthorized, meta
	}
	if mode == ModePartner {
		if !id.Partner.FormConfig.AllowsVoucherType(voucherType) {
			return envelope.ReasonPartnerTokenScope, meta
		}
	}
	if !tenant.AllowsVoucherType(voucherType) {
		return envelope.ReasonNotAuthorized, meta
	}
	if mode == ModePartner {
		failed := FirstFailingRule(id.Partner.FormConfig.Rules, RuleInput{
			VoucherType:       voucherType,
			HouseholdAdults:   req.HouseholdAdults,
			HouseholdChildren: req.HouseholdChildren,
			DateOfBirth:       req.DateOfBirth,
			Now:               now,
		})
		if failed != "" {
			meta["rule"] = failed
			return envelope.ReasonNotAuthorized, meta
		}
	}
	return "", nil
}

// duplicate handles a matching candidate. It returns a nil Result when a
// valid override lets the issuance proceed.
func (s *Service) duplicate(ctx context.Context, tx store.Tx, base model.AuditEvent, mode Mode, voucherType string, override *Override, eval Evaluation) (*Result, error) {
	matched := eval.MatchedVoucherID()
	meta := map[string]any{
		"voucher_type":       voucherType,
		"outcome":            string(eval.Outcome),
		"matched_voucher_id": matched.String(),
	}

	if eval.Outcome == OutcomeRefusal {
		eventType := model.EventIssuanceRefusal
		if override != nil {
			eventType = model.EventIssuanceOverrideReject
		}
		if err := s.refuse(ctx, tx, base, eventType, envelope.ReasonDuplicateInWindow, meta); err != nil {
			return nil, err
		}
		return refused(envelope.ReasonDuplicateInWindow, nil), nil
	}

	var data any
	if mode == ModeIssueActive {
		data = WarningData{OverrideEligible: true, MatchedVoucherID: matched}
	}
	if override == nil {
		if err := s.refuse(ctx, tx, base, model.EventIssuanceRefusal, envelope.ReasonDuplicateRequiresOverride, meta); err != nil {
			return nil, err
		}
		return refused(envelope.ReasonDuplicateRequiresOverride, data), nil
	}
	if !eval.Matched(override.MatchedVoucherID) {
		meta["override_matched_voucher_id"] = override.MatchedVoucherID.String()
		if err := s.refuse(ctx, tx, base, model.EventIssuanceOverrideReject, envelope.ReasonDuplicateRequiresOverride, meta); err != nil {
			return nil, err
		}
		return refused(envelope.ReasonDuplicateRequiresOverride, data), nil
	}

	ev := base
	ev.EventType = model.EventIssuanceOverride
	ev.EntityID = &override.MatchedVoucherID
	meta["override_reason"] = strings.TrimSpace(override.Reason)
	ev.Metadata = meta
	if err := s.audit.EmitTo(ctx, tx, &ev); err != nil {
		return nil, err
	}
	monitoring.IssuanceOutcomes.WithLabelValues("override").Inc()
	return nil, nil
}

// refuse audits a refusal, through tx when one is open.
func (s *Service) refuse(ctx context.Context, tx store.Tx, base model.AuditEvent, eventType string, reason envelope.Reason, meta map[string]any) error {
	monitoring.Refusals.WithLabelValues(string(reason)).Inc()
	ev := base
	ev.EventType = eventType
	ev.Reason = string(reason)
	ev.Metadata = meta
	if tx != nil {
		return s.audit.EmitTo(ctx, tx, &ev)
	}
	return s.audit.Emit(ctx, &ev)
}

// Lookup returns a voucher of the admitted tenant. Partner ownership has
// already been checked by the hook.
func (s *Service) Lookup(ctx context.Context, tc *tenancy.Context, voucherID uuid.UUID) (*VoucherView, envelope.Reason, error) {
	v, err := s.store.GetVoucher(ctx, tc.Tenant.ID, voucherID)
	if err != nil {
		return nil, "", fmt.Errorf("lookup voucher %s: %w", voucherID, err)
	}
	if v == nil {
		base := model.AuditEvent{
			TenantID:        &tc.Tenant.ID,
			ActorID:         tc.Identity.ActorID(),
			PartnerAgencyID: tc.Identity.PartnerAgencyID(),
		}
		meta := map[string]any{"route": "lookup", "voucher_id": voucherID.String()}
		if err := s.refuse(ctx, nil, base, model.EventTenancyRefusal, envelope.ReasonVoucherNotFound, meta); err != nil {
			return nil, "", err
		}
		return nil, envelope.ReasonVoucherNotFound, nil
	}
	return &VoucherView{
		ID:              v.ID,
		VoucherType:     v.VoucherType,
		Status:          v.Status,
		PartnerAgencyID: v.PartnerAgencyID,
		CreatedAt:       v.CreatedAt,
	}, "", nil
}

// ListAudit returns the tenant's audit trail to tenant admins, auditors and
// platform operators.
func (s *Service) ListAudit(ctx context.Context, tc *tenancy.Context, filter model.AuditFilter) ([]model.AuditEvent, envelope.Reason, error) {
	id := tc.Identity
	allowed := id.Actor.PlatformOperator() ||
		model.HasAnyRole(model.NormalizeRoles(tc.MembershipRoles), model.RoleTenantAdmin, model.RoleAuditor)
	if !allowed {
		base := model.AuditEvent{TenantID: &tc.Tenant.ID, ActorID: id.ActorID()}
		if err := s.refuse(ctx, nil, base, model.EventTenancyRefusal, envelope.ReasonNotAuthorized, map[string]any{"route": "audit-events"}); err != nil {
			return nil, "", err
		}
		return nil, envelope.ReasonNotAuthorized, nil
	}
	events, err := s.store.ListAuditEvents(ctx, tc.Tenant.ID, filter)
	if err != nil {
		return nil, "", fmt.Errorf("list audit events: %w", err)
	}
	return events, "", nil
}
