package issuance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teresa-solution/voucher-issuance-service/internal/audit"
	"github.com/teresa-solution/voucher-issuance-service/internal/config"
	"github.com/teresa-solution/voucher-issuance-service/internal/correlation"
	"github.com/teresa-solution/voucher-issuance-service/internal/envelope"
	"github.com/teresa-solution/voucher-issuance-service/internal/identity"
	"github.com/teresa-solution/voucher-issuance-service/internal/model"
	"github.com/teresa-solution/voucher-issuance-service/internal/store/memory"
	"github.com/teresa-solution/voucher-issuance-service/internal/tenancy"
)

var (
	testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	testDOB = time.Date(1980, 1, 2, 0, 0, 0, 0, time.UTC)
)

type harness struct {
	store  *memory.Store
	svc    *Service
	tenant *model.Tenant
}

func newHarness(t *testing.T, action string) *harness {
	t.Helper()
	s := memory.New()
	tenant := &model.Tenant{Name: "Pantry", Host: "pantry.example.org", Slug: "pantry", Status: model.TenantStatusActive}
	require.NoError(t, s.CreateTenant(context.Background(), tenant))
	emitter := audit.NewEmitter(s, func() time.Time { return testNow })
	svc := NewService(s, emitter, Policy{WindowDays: 90, Action: action}, func() time.Time { return testNow })
	return &harness{store: s, svc: svc, tenant: tenant}
}

func (h *harness) staff(actorID string, roles ...string) *tenancy.Context {
	h.store.SetRawMembership(h.tenant.ID, actorID, roles...)
	return &tenancy.Context{
		Tenant:          h.tenant,
		Identity:        actor(actorID),
		MembershipRoles: roles,
	}
}

func (h *harness) partner(cfg model.FormConfig) *tenancy.Context {
	return &tenancy.Context{
		Tenant: h.tenant,
		Identity: identity.Identity{Kind: identity.KindPartner, Partner: &identity.Partner{
			TokenID: uuid.New(), TenantID: h.tenant.ID, PartnerAgencyID: uuid.New(), FormConfig: cfg,
		}},
	}
}

// seedSnapshot commits a prior issuance for the default household.
func (h *harness) seedSnapshot(t *testing.T, tenantID uuid.UUID, createdAt time.Time) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	v := &model.Voucher{ID: uuid.New(), TenantID: tenantID, Status: model.VoucherStatusActive, VoucherType: "food", CreatedAt: createdAt}
	snap := &model.AuthorizationSnapshot{ID: uuid.New(), VoucherID: v.ID, TenantID: tenantID, VoucherType: "food",
		Household:  model.Household{FirstName: "ANA", LastName: "Diaz ", DateOfBirth: testDOB, HouseholdAdults: 1},
		IssuerMode: model.IssuerModeStaff, ActorID: "seed", CreatedAt: createdAt}
	tx, err := h.store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.CreateVoucher(ctx, v, snap))
	require.NoError(t, tx.Commit())
	return v.ID
}

func (h *harness) events(eventType string) []model.AuditEvent {
	var out []model.AuditEvent
	for _, ev := range h.store.AuditEvents() {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func household() IssueRequest {
	return IssueRequest{VoucherType: "Food", FirstName: " ana ", LastName: "DIAZ", DateOfBirth: testDOB, HouseholdAdults: 2, HouseholdChildren: 1}
}

func TestIssueActive(t *testing.T) {
	h := newHarness(t, config.ActionWarning)
	res, err := h.svc.Issue(context.Background(), h.staff("u1", "issuer"), household())
	require.NoError(t, err)
	require.Empty(t, res.Refusal)
	assert.Equal(t, ModeIssueActive, res.Mode)
	require.NotNil(t, res.VoucherID)
	assert.Equal(t, model.VoucherStatusActive, res.Status)

	snap, err := h.store.GetSnapshotByVoucher(context.Background(), *res.VoucherID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "food", snap.VoucherType)
	assert.Equal(t, "ana", snap.FirstName)
	assert.Equal(t, model.IssuerModeStaff, snap.IssuerMode)
	assert.Equal(t, "u1", snap.ActorID)
	assert.Equal(t, testNow, snap.CreatedAt)

	issued := h.events(model.EventVoucherIssued)
	require.Len(t, issued, 1)
	assert.Equal(t, *res.VoucherID, *issued[0].EntityID)
	assert.Equal(t, "food", issued[0].Metadata["voucher_type"])
}

func TestIssueInitiateOnly(t *testing.T) {
	h := newHarness(t, config.ActionWarning)
	res, err := h.svc.Issue(context.Background(), h.staff("u1", "intake"), household())
	require.NoError(t, err)
	assert.Equal(t, ModeInitiateOnly, res.Mode)
	assert.Nil(t, res.VoucherID)
	require.NotNil(t, res.RequestID)
	assert.Equal(t, model.PendingStatusPending, res.Status)

	assert.Empty(t, h.store.ListVouchers(h.tenant.ID))
	assert.Len(t, h.store.ListPendingRequests(h.tenant.ID), 1)
	assert.Len(t, h.events(model.EventVoucherRequested), 1)
}

func TestIssueNotAuthorized(t *testing.T) {
	h := newHarness(t, config.ActionWarning)
	res, err := h.svc.Issue(context.Background(), h.staff("u1", "viewer"), household())
	require.NoError(t, err)
	assert.Equal(t, envelope.ReasonNotAuthorized, res.Refusal)

	refusals := h.events(model.EventIssuanceRefusal)
	require.Len(t, refusals, 1)
	assert.Equal(t, "food", refusals[0].Metadata["voucher_type"])
	assert.Equal(t, string(envelope.ReasonNotAuthorized), refusals[0].Reason)
}

func TestIssueTenantVoucherTypes(t *testing.T) {
	h := newHarness(t, config.ActionWarning)
	h.tenant.AllowedVoucherTypes = []string{"fuel"}
	res, err := h.svc.Issue(context.Background(), h.staff("u1", "issuer"), household())
	require.NoError(t, err)
	assert.Equal(t, envelope.ReasonNotAuthorized, res.Refusal)
}

func TestIssueInvalidRequest(t *testing.T) {
	h := newHarness(t, config.ActionWarning)
	req := household()
	req.LastName = " "
	_, err := h.svc.Issue(context.Background(), h.staff("u1", "issuer"), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req = household()
	req.HouseholdAdults = -1
	_, err = h.svc.Issue(context.Background(), h.staff("u1", "issuer"), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDuplicateWindowBoundary(t *testing.T) {
	windowStart := testNow.Add(-90 * 24 * time.Hour)

	t.Run("exactly at window start is inside", func(t *testing.T) {
		h := newHarness(t, config.ActionRefusal)
		h.seedSnapshot(t, h.tenant.ID, windowStart)
		res, err := h.svc.Issue(context.Background(), h.staff("u1", "issuer"), household())
		require.NoError(t, err)
		assert.Equal(t, envelope.ReasonDuplicateInWindow, res.Refusal)
		assert.Nil(t, res.RefusalData, "matched id stays in the audit trail")
	})
	t.Run("one second earlier is outside", func(t *testing.T) {
		h := newHarness(t, config.ActionRefusal)
		h.seedSnapshot(t, h.tenant.ID, windowStart.Add(-time.Second))
		res, err := h.svc.Issue(context.Background(), h.staff("u1", "issuer"), household())
		require.NoError(t, err)
		assert.Empty(t, res.Refusal)
		assert.NotNil(t, res.VoucherID)
	})
}

func TestDuplicateRefusalAuditsMatchedVoucher(t *testing.T) {
	h := newHarness(t, config.ActionRefusal)
	prior := h.seedSnapshot(t, h.tenant.ID, testNow.Add(-time.Hour))

	res, err := h.svc.Issue(context.Background(), h.staff("u1", "issuer"), household())
	require.NoError(t, err)
	assert.Equal(t, envelope.ReasonDuplicateInWindow, res.Refusal)

	refusals := h.events(model.EventIssuanceRefusal)
	require.Len(t, refusals, 1)
	assert.Equal(t, prior.String(), refusals[0].Metadata["matched_voucher_id"])

	req := household()
	req.Override = &Override{Reason: "household split", MatchedVoucherID: prior}
	res, err = h.svc.Issue(context.Background(), h.staff("u1", "issuer"), req)
	require.NoError(t, err)
	assert.Equal(t, envelope.ReasonDuplicateInWindow, res.Refusal, "refusal policy cannot be overridden")
	assert.Len(t, h.events(model.EventIssuanceOverrideReject), 1)
	assert.Empty(t, h.events(model.EventIssuanceOverride))
}

func TestDuplicateWarningOverride(t *testing.T) {
	h := newHarness(t, config.ActionWarning)
	prior := h.seedSnapshot(t, h.tenant.ID, testNow.Add(-24*time.Hour))
	tc := h.staff("u1", "coordinator")
	ctx := context.Background()

	res, err := h.svc.Issue(ctx, tc, household())
	require.NoError(t, err)
	assert.Equal(t, envelope.ReasonDuplicateRequiresOverride, res.Refusal)
	assert.Equal(t, WarningData{OverrideEligible: true, MatchedVoucherID: prior}, res.RefusalData)

	blank := household()
	blank.Override = &Override{Reason: "   ", MatchedVoucherID: prior}
	res, err = h.svc.Issue(ctx, tc, blank)
	require.NoError(t, err)
	assert.Equal(t, envelope.ReasonNotAuthorized, res.Refusal)

	wrong := household()
	wrong.Override = &Override{Reason: "moved", MatchedVoucherID: uuid.New()}
	res, err = h.svc.Issue(ctx, tc, wrong)
	require.NoError(t, err)
	assert.Equal(t, envelope.ReasonDuplicateRequiresOverride, res.Refusal)

	assert.Len(t, h.events(model.EventIssuanceOverrideReject), 2)
	assert.Empty(t, h.events(model.EventIssuanceOverride))

	good := household()
	good.Override = &Override{Reason: "second household at address", MatchedVoucherID: prior}
	res, err = h.svc.Issue(correlation.WithID(ctx, "corr-override"), tc, good)
	require.NoError(t, err)
	require.Empty(t, res.Refusal)
	require.NotNil(t, res.VoucherID)

	overrides := h.events(model.EventIssuanceOverride)
	require.Len(t, overrides, 1)
	assert.Equal(t, "second household at address", overrides[0].Metadata["override_reason"])
	assert.Equal(t, "corr-override", overrides[0].CorrelationID)
	assert.Equal(t, prior, *overrides[0].EntityID)
	assert.Len(t, h.store.ListVouchers(h.tenant.ID), 2)
}

func TestOverrideWithoutMatchIsRecorded(t *testing.T) {
	h := newHarness(t, config.ActionWarning)
	matched := uuid.New()
	req := household()
	req.Override = &Override{Reason: " family moved in ", MatchedVoucherID: matched}

	res, err := h.svc.Issue(context.Background(), h.staff("u1", "issuer"), req)
	require.NoError(t, err)
	require.Empty(t, res.Refusal)
	require.NotNil(t, res.VoucherID)

	assert.Empty(t, h.events(model.EventIssuanceOverride))
	issued := h.events(model.EventVoucherIssued)
	require.Len(t, issued, 1)
	assert.Equal(t, true, issued[0].Metadata["override_unneeded"])
	assert.Equal(t, "family moved in", issued[0].Metadata["override_reason"])
	assert.Equal(t, matched.String(), issued[0].Metadata["override_matched_voucher_id"])
	assert.NotContains(t, issued[0].Metadata, "override_of")
}

func TestWarningDataHiddenFromInitiateOnly(t *testing.T) {
	h := newHarness(t, config.ActionWarning)
	prior := h.seedSnapshot(t, h.tenant.ID, testNow.Add(-24*time.Hour))

	res, err := h.svc.Issue(context.Background(), h.staff("u2", "volunteer"), household())
	require.NoError(t, err)
	assert.Equal(t, envelope.ReasonDuplicateRequiresOverride, res.Refusal)
	assert.Nil(t, res.RefusalData)

	req := household()
	req.Override = &Override{Reason: "please", MatchedVoucherID: prior}
	res, err = h.svc.Issue(context.Background(), h.staff("u2", "volunteer"), req)
	require.NoError(t, err)
	assert.Equal(t, envelope.ReasonNotAuthorized, res.Refusal)
	assert.Len(t, h.events(model.EventIssuanceOverrideReject), 1)
}

func TestCrossTenantCandidatesIgnored(t *testing.T) {
	h := newHarness(t, config.ActionRefusal)
	other := &model.Tenant{Name: "Other", Host: "other.example.org", Slug: "other", Status: model.TenantStatusActive}
	require.NoError(t, h.store.CreateTenant(context.Background(), other))
	h.seedSnapshot(t, other.ID, testNow.Add(-time.Hour))

	res, err := h.svc.Issue(context.Background(), h.staff("u1", "issuer"), household())
	require.NoError(t, err)
	assert.Empty(t, res.Refusal)
	assert.NotNil(t, res.VoucherID)
}

func TestConcurrentIdenticalIssuance(t *testing.T) {
	for _, action := range []string{config.ActionRefusal, config.ActionWarning} {
		t.Run(action, func(t *testing.T) {
			h := newHarness(t, action)
			tc := h.staff("u1", "issuer")

			var wg sync.WaitGroup
			results := make([]*Result, 2)
			errs := make([]error, 2)
			for i := range results {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					results[i], errs[i] = h.svc.Issue(context.Background(), tc, household())
				}(i)
			}
			wg.Wait()

			issued, refused := 0, 0
			for i, res := range results {
				require.NoError(t, errs[i])
				if res.VoucherID != nil {
					issued++
				}
				if res.Refusal == envelope.ReasonDuplicateInWindow || res.Refusal == envelope.ReasonDuplicateRequiresOverride {
					refused++
				}
			}
			assert.Equal(t, 1, issued)
			assert.Equal(t, 1, refused)
			assert.Len(t, h.store.ListVouchers(h.tenant.ID), 1)
		})
	}
}

func TestAuditFailureFailsIssuance(t *testing.T) {
	h := newHarness(t, config.ActionWarning)
	h.store.FailAuditWrites(errors.New("audit store down"))

	_, err := h.svc.Issue(context.Background(), h.staff("u1", "issuer"), household())
	require.Error(t, err)
	assert.Empty(t, h.store.ListVouchers(h.tenant.ID), "voucher must roll back with its audit event")

	h.store.FailAuditWrites(nil)
	res, err := h.svc.Issue(context.Background(), h.staff("u1", "issuer"), household())
	require.NoError(t, err)
	assert.NotNil(t, res.VoucherID, "the failed attempt left no snapshot behind")
}

func TestPartnerIssuance(t *testing.T) {
	cfg := model.FormConfig{
		AllowedVoucherTypes: []string{"food", "fuel"},
		Rules:               []model.FormRule{{Name: "has adult", Expr: "household_adults >= 1"}},
	}

	t.Run("issued with agency", func(t *testing.T) {
		h := newHarness(t, config.ActionWarning)
		tc := h.partner(cfg)
		res, err := h.svc.Issue(context.Background(), tc, household())
		require.NoError(t, err)
		require.NotNil(t, res.VoucherID)
		assert.Equal(t, ModePartner, res.Mode)

		snap, err := h.store.GetSnapshotByVoucher(context.Background(), *res.VoucherID)
		require.NoError(t, err)
		assert.Equal(t, model.IssuerModePartner, snap.IssuerMode)
		assert.Equal(t, tc.Identity.Partner.PartnerAgencyID, *snap.PartnerAgencyID)
		assert.Empty(t, snap.ActorID)

		issued := h.events(model.EventVoucherIssued)
		require.Len(t, issued, 1)
		assert.Equal(t, tc.Identity.Partner.PartnerAgencyID, *issued[0].PartnerAgencyID)
	})
	t.Run("type outside form config", func(t *testing.T) {
		h := newHarness(t, config.ActionWarning)
		req := household()
		req.VoucherType = "clothing"
		res, err := h.svc.Issue(context.Background(), h.partner(cfg), req)
		require.NoError(t, err)
		assert.Equal(t, envelope.ReasonPartnerTokenScope, res.Refusal)
	})
	t.Run("type outside tenant list", func(t *testing.T) {
		h := newHarness(t, config.ActionWarning)
		h.tenant.AllowedVoucherTypes = []string{"food"}
		req := household()
		req.VoucherType = "fuel"
		res, err := h.svc.Issue(context.Background(), h.partner(cfg), req)
		require.NoError(t, err)
		assert.Equal(t, envelope.ReasonNotAuthorized, res.Refusal)
	})
	t.Run("rule fails", func(t *testing.T) {
		h := newHarness(t, config.ActionWarning)
		req := household()
		req.HouseholdAdults = 0
		res, err := h.svc.Issue(context.Background(), h.partner(cfg), req)
		require.NoError(t, err)
		assert.Equal(t, envelope.ReasonNotAuthorized, res.Refusal)
		refusals := h.events(model.EventIssuanceRefusal)
		require.Len(t, refusals, 1)
		assert.Equal(t, "has adult", refusals[0].Metadata["rule"])
	})
	t.Run("override not allowed", func(t *testing.T) {
		h := newHarness(t, config.ActionWarning)
		req := household()
		req.Override = &Override{Reason: "because", MatchedVoucherID: uuid.New()}
		res, err := h.svc.Issue(context.Background(), h.partner(cfg), req)
		require.NoError(t, err)
		assert.Equal(t, envelope.ReasonNotAuthorized, res.Refusal)
	})
	t.Run("duplicate warning has no data", func(t *testing.T) {
		h := newHarness(t, config.ActionWarning)
		h.seedSnapshot(t, h.tenant.ID, testNow.Add(-time.Hour))
		res, err := h.svc.Issue(context.Background(), h.partner(cfg), household())
		require.NoError(t, err)
		assert.Equal(t, envelope.ReasonDuplicateRequiresOverride, res.Refusal)
		assert.Nil(t, res.RefusalData)
	})
}

func TestLookup(t *testing.T) {
	h := newHarness(t, config.ActionWarning)
	tc := h.staff("u1", "viewer")
	id := h.seedSnapshot(t, h.tenant.ID, testNow)

	view, reason, err := h.svc.Lookup(context.Background(), tc, id)
	require.NoError(t, err)
	require.Empty(t, reason)
	assert.Equal(t, id, view.ID)
	assert.Equal(t, "food", view.VoucherType)

	view, reason, err = h.svc.Lookup(context.Background(), tc, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, view)
	assert.Equal(t, envelope.ReasonVoucherNotFound, reason)
}

func TestListAudit(t *testing.T) {
	h := newHarness(t, config.ActionWarning)
	_, err := h.svc.Issue(context.Background(), h.staff("u1", "issuer"), household())
	require.NoError(t, err)

	_, reason, err := h.svc.ListAudit(context.Background(), h.staff("u2", "issuer"), model.AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, envelope.ReasonNotAuthorized, reason)

	events, reason, err := h.svc.ListAudit(context.Background(), h.staff("u3", "auditor"),
		model.AuditFilter{EventType: model.EventVoucherIssued})
	require.NoError(t, err)
	require.Empty(t, reason)
	require.Len(t, events, 1)
	assert.Equal(t, "u1", events[0].ActorID)
}
