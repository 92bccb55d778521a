package issuance

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teresa-solution/voucher-issuance-service/internal/config"
	"github.com/teresa-solution/voucher-issuance-service/internal/identity"
	"github.com/teresa-solution/voucher-issuance-service/internal/model"
)

func actor(id string, roles ...model.Role) identity.Identity {
	return identity.Identity{Kind: identity.KindActor, Actor: &identity.Actor{ID: id, Roles: roles}}
}

func TestAuthorize(t *testing.T) {
	cases := []struct {
		name  string
		id    identity.Identity
		roles []string
		want  Mode
	}{
		{"operator", actor("op", model.RolePlatformOperator), nil, ModeIssueActive},
		{"tenant admin", actor("a"), []string{"tenant_admin"}, ModeIssueActive},
		{"coordinator", actor("a"), []string{" Coordinator "}, ModeIssueActive},
		{"issuer beats intake", actor("a"), []string{"intake", "issuer"}, ModeIssueActive},
		{"intake", actor("a"), []string{"intake"}, ModeInitiateOnly},
		{"volunteer", actor("a"), []string{"VOLUNTEER"}, ModeInitiateOnly},
		{"viewer", actor("a"), []string{"viewer", "auditor"}, ModeNone},
		{"unknown roles", actor("a"), []string{"superuser"}, ModeNone},
		{"anonymous", identity.Identity{}, []string{"issuer"}, ModeNone},
		{"partner", identity.Identity{Kind: identity.KindPartner, Partner: &identity.Partner{}}, nil, ModePartner},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Authorize(tc.id, tc.roles))
		})
	}
}

func TestIdentityKeyNormalization(t *testing.T) {
	dob := time.Date(1980, 1, 2, 0, 0, 0, 0, time.UTC)
	a := IdentityKey(" Food ", "  ANA   María ", "de la  Cruz", dob)
	b := IdentityKey("food", "ana maría", "DE LA CRUZ", dob)
	assert.Equal(t, a, b)
	assert.Equal(t, "food|ana maría|de la cruz|1980-01-02", a)

	assert.NotEqual(t, a, IdentityKey("fuel", "ana maría", "de la cruz", dob))
	assert.NotEqual(t, a, IdentityKey("food", "ana maría", "de la cruz", dob.AddDate(0, 0, 1)))
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("1980-01-02")
	require.NoError(t, err)
	assert.Equal(t, time.Date(1980, 1, 2, 0, 0, 0, 0, time.UTC), d)

	_, err = ParseDate("02/01/1980")
	assert.Error(t, err)
}

func TestEffectivePolicy(t *testing.T) {
	defaults := Policy{WindowDays: 90, Action: config.ActionWarning}
	assert.Equal(t, defaults, EffectivePolicy(nil, defaults))
	assert.Equal(t, defaults, EffectivePolicy(&model.Tenant{}, Policy{}))

	days, action := 30, config.ActionRefusal
	assert.Equal(t, Policy{WindowDays: 30, Action: config.ActionRefusal},
		EffectivePolicy(&model.Tenant{DuplicateWindowDays: &days, DuplicateAction: &action}, defaults))

	zero, huge, bogus := 0, 100000, "shrug"
	assert.Equal(t, 1, EffectivePolicy(&model.Tenant{DuplicateWindowDays: &zero}, defaults).WindowDays)
	assert.Equal(t, config.MaxWindowDays, EffectivePolicy(&model.Tenant{DuplicateWindowDays: &huge}, defaults).WindowDays)
	assert.Equal(t, config.ActionWarning, EffectivePolicy(&model.Tenant{DuplicateAction: &bogus}, defaults).Action)
}

func TestWindowStart(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(-90*24*time.Hour), Policy{WindowDays: 90}.WindowStart(now))
}

func TestRules(t *testing.T) {
	require.NoError(t, ValidateRules([]model.FormRule{
		{Name: "adults", Expr: "household_adults >= 1"},
		{Name: "size", Expr: "household_size <= 8 && voucher_type == 'food'"},
	}))
	assert.Error(t, ValidateRules([]model.FormRule{{Name: "syntax", Expr: "household_adults >="}}))
	assert.Error(t, ValidateRules([]model.FormRule{{Name: "not bool", Expr: "household_adults + 1"}}))
	assert.Error(t, ValidateRules([]model.FormRule{{Name: "unknown var", Expr: "income < 10"}}))
	assert.Error(t, ValidateRules([]model.FormRule{{Name: " ", Expr: "true"}}))

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	rules := []model.FormRule{
		{Name: "adult", Expr: "age_years >= 18"},
		{Name: "small", Expr: "household_size <= 4"},
	}
	in := RuleInput{VoucherType: "food", HouseholdAdults: 2, HouseholdChildren: 2,
		DateOfBirth: time.Date(2007, 6, 1, 0, 0, 0, 0, time.UTC), Now: now}
	assert.Equal(t, "", FirstFailingRule(rules, in))

	in.HouseholdChildren = 3
	assert.Equal(t, "small", FirstFailingRule(rules, in))

	in.DateOfBirth = time.Date(2007, 6, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "adult", FirstFailingRule(rules, in), "birthday not reached yet")

	assert.Equal(t, "broken", FirstFailingRule([]model.FormRule{{Name: "broken", Expr: "("}}, in))
}

func TestEvaluationMatched(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	e := Evaluation{Outcome: OutcomeWarning, Matches: []uuid.UUID{a, b}}
	assert.Equal(t, a, e.MatchedVoucherID())
	assert.True(t, e.Matched(b))
	assert.False(t, e.Matched(uuid.New()))
	assert.Equal(t, uuid.Nil, Evaluation{}.MatchedVoucherID())
}
