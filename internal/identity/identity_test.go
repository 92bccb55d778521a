package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teresa-solution/voucher-issuance-service/internal/crypto"
	"github.com/teresa-solution/voucher-issuance-service/internal/model"
	"github.com/teresa-solution/voucher-issuance-service/internal/store/memory"
)

var testSecret = []byte("test-secret")

func seedPartnerToken(t *testing.T, s *memory.Store) (string, *model.PartnerToken) {
	t.Helper()
	ctx := context.Background()
	tenant := &model.Tenant{Name: "Pantry", Host: "pantry.example.org", Slug: "pantry", Status: model.TenantStatusActive}
	require.NoError(t, s.CreateTenant(ctx, tenant))
	cfg := model.FormConfig{AllowedVoucherTypes: []string{"food"}}
	agency := &model.PartnerAgency{ID: uuid.New(), TenantID: tenant.ID, Name: "Shelter", Status: model.PartnerStatusActive, FormConfig: cfg}
	require.NoError(t, s.UpsertPartnerAgency(ctx, agency))

	raw, err := crypto.GenerateToken()
	require.NoError(t, err)
	tok := &model.PartnerToken{
		TenantID:        tenant.ID,
		PartnerAgencyID: agency.ID,
		TokenHash:       crypto.HashToken(raw),
		TokenPrefix:     crypto.TokenPrefix(raw),
		Status:          model.TokenStatusActive,
		FormConfig:      cfg,
	}
	require.NoError(t, s.CreatePartnerToken(ctx, tok))
	return raw, tok
}

func TestBuildAnonymous(t *testing.T) {
	b := NewBuilder(testSecret, "", memory.New(), nil)
	id, err := b.Build(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, KindAnonymous, id.Kind)
	assert.Empty(t, id.ActorID())
	assert.Nil(t, id.PartnerAgencyID())
}

func TestBuildActor(t *testing.T) {
	b := NewBuilder(testSecret, "voucher", memory.New(), nil)
	tenantID := uuid.New()
	raw, err := b.SignActor("user-1", tenantID.String(), []string{"Issuer", "viewer", "bogus", "issuer"}, time.Hour)
	require.NoError(t, err)

	id, err := b.Build(context.Background(), "Bearer "+raw, "")
	require.NoError(t, err)
	require.Equal(t, KindActor, id.Kind)
	assert.Equal(t, "user-1", id.ActorID())
	assert.Equal(t, tenantID.String(), id.Actor.TenantClaim)
	assert.Equal(t, []model.Role{model.RoleIssuer, model.RoleViewer}, id.Actor.Roles)
	assert.False(t, id.Actor.PlatformOperator())
}

func TestBuildPlatformOperator(t *testing.T) {
	b := NewBuilder(testSecret, "", memory.New(), nil)
	raw, err := b.SignActor("op-1", "", []string{"platform_operator"}, time.Hour)
	require.NoError(t, err)

	id, err := b.Build(context.Background(), "bearer "+raw, "")
	require.NoError(t, err)
	require.Equal(t, KindActor, id.Kind)
	assert.True(t, id.Actor.PlatformOperator())
}

func TestRejectedActorCredentialIsAnonymous(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBuilder(testSecret, "voucher", memory.New(), func() time.Time { return now })

	expired, err := b.SignActor("user-1", "", nil, -time.Minute)
	require.NoError(t, err)

	other := NewBuilder([]byte("other-secret"), "voucher", memory.New(), func() time.Time { return now })
	wrongKey, err := other.SignActor("user-1", "", nil, time.Hour)
	require.NoError(t, err)

	wrongIssuer, err := NewBuilder(testSecret, "someone-else", memory.New(), func() time.Time { return now }).
		SignActor("user-1", "", nil, time.Hour)
	require.NoError(t, err)

	noSubject, err := b.SignActor("", "", nil, time.Hour)
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", Issuer: "voucher"},
	}).SignedString(testSecret)
	require.NoError(t, err)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", Issuer: "voucher",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := map[string]string{
		"expired":      expired,
		"wrong key":    wrongKey,
		"wrong issuer": wrongIssuer,
		"no subject":   noSubject,
		"no expiry":    noExp,
		"alg none":     noneAlg,
		"garbage":      "not-a-jwt",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			id, err := b.Build(context.Background(), "Bearer "+raw, "")
			require.NoError(t, err)
			assert.Equal(t, KindAnonymous, id.Kind)
		})
	}

	id, err := b.Build(context.Background(), "Basic dXNlcjpwYXNz", "")
	require.NoError(t, err)
	assert.Equal(t, KindAnonymous, id.Kind, "non-bearer schemes are ignored")
}

func TestBuildPartner(t *testing.T) {
	s := memory.New()
	raw, tok := seedPartnerToken(t, s)
	b := NewBuilder(testSecret, "", s, nil)

	id, err := b.Build(context.Background(), "", "  "+raw+" ")
	require.NoError(t, err)
	require.Equal(t, KindPartner, id.Kind)
	assert.Equal(t, tok.ID, id.Partner.TokenID)
	assert.Equal(t, tok.TenantID, id.Partner.TenantID)
	assert.Equal(t, tok.PartnerAgencyID, *id.PartnerAgencyID())
	assert.Equal(t, []string{"food"}, id.Partner.FormConfig.AllowedVoucherTypes)
}

func TestBuildUnknownPartnerToken(t *testing.T) {
	b := NewBuilder(testSecret, "", memory.New(), nil)
	_, err := b.Build(context.Background(), "", "pt_unknown")
	assert.ErrorIs(t, err, ErrPartnerTokenInvalid)
}

func TestBuildBothCredentials(t *testing.T) {
	s := memory.New()
	rawPartner, _ := seedPartnerToken(t, s)
	b := NewBuilder(testSecret, "", s, nil)
	rawJWT, err := b.SignActor("user-1", "", nil, time.Hour)
	require.NoError(t, err)

	_, err = b.Build(context.Background(), "Bearer "+rawJWT, rawPartner)
	assert.ErrorIs(t, err, ErrAmbiguousCredentials)
}
