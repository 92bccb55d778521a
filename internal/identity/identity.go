// Package identity derives exactly one caller identity per request: an
// authenticated actor from a signed credential, a partner agency from a
// bearer token, or nobody.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/voucher-issuance-service/internal/crypto"
	"github.com/teresa-solution/voucher-issuance-service/internal/model"
)

var (
	// ErrPartnerTokenInvalid means a partner token was presented but no
	// active token matches it.
	ErrPartnerTokenInvalid = errors.New("identity: partner token invalid")
	// ErrAmbiguousCredentials means both credential kinds were presented.
	ErrAmbiguousCredentials = errors.New("identity: both actor and partner credentials presented")
)

type Kind int

const (
	KindAnonymous Kind = iota
	KindActor
	KindPartner
)

func (k Kind) String() string {
	switch k {
	case KindActor:
		return "actor"
	case KindPartner:
		return "partner"
	default:
		return "anonymous"
	}
}

type Actor struct {
	ID          string
	TenantClaim string
	Roles       []model.Role
}

// PlatformOperator reports whether the credential carries the operator role.
func (a *Actor) PlatformOperator() bool {
	return a != nil && model.HasAnyRole(a.Roles, model.RolePlatformOperator)
}

type Partner struct {
	TokenID         uuid.UUID
	TenantID        uuid.UUID
	PartnerAgencyID uuid.UUID
	FormConfig      model.FormConfig
}

// Identity holds at most one of Actor and Partner, selected by Kind.
type Identity struct {
	Kind    Kind
	Actor   *Actor
	Partner *Partner
}

// ActorID returns the actor id, or "" for non-actor identities.
func (i Identity) ActorID() string {
	if i.Actor == nil {
		return ""
	}
	return i.Actor.ID
}

// PartnerAgencyID returns the agency of a partner identity.
func (i Identity) PartnerAgencyID() *uuid.UUID {
	if i.Partner == nil {
		return nil
	}
	id := i.Partner.PartnerAgencyID
	return &id
}

// Claims of an actor credential.
type Claims struct {
	Tenant string   `json:"tenant"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

type TokenLookup interface {
	GetActivePartnerTokenByHash(ctx context.Context, tokenHash string) (*model.PartnerToken, error)
}

type Builder struct {
	secret []byte
	issuer string
	tokens TokenLookup
	now    func() time.Time
}

func NewBuilder(secret []byte, issuer string, tokens TokenLookup, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{secret: secret, issuer: issuer, tokens: tokens, now: now}
}

// Build resolves the identity of one request. authorization is the raw
// Authorization header and partnerToken the raw partner header value.
//
// An actor credential that fails verification yields an anonymous identity.
// A partner token that matches nothing yields ErrPartnerTokenInvalid.
func (b *Builder) Build(ctx context.Context, authorization, partnerToken string) (Identity, error) {
	bearer := bearerToken(authorization)
	partnerToken = strings.TrimSpace(partnerToken)

	if bearer != "" && partnerToken != "" {
		return Identity{Kind: KindAnonymous}, ErrAmbiguousCredentials
	}
	if partnerToken != "" {
		return b.partner(ctx, partnerToken)
	}
	if bearer != "" {
		actor, err := b.ParseActor(bearer)
		if err != nil {
			log.Ctx(ctx).Debug().Err(err).Msg("Rejected actor credential")
			return Identity{Kind: KindAnonymous}, nil
		}
		return Identity{Kind: KindActor, Actor: actor}, nil
	}
	return Identity{Kind: KindAnonymous}, nil
}

func (b *Builder) partner(ctx context.Context, raw string) (Identity, error) {
	tok, err := b.tokens.GetActivePartnerTokenByHash(ctx, crypto.HashToken(raw))
	if err != nil {
		return Identity{Kind: KindAnonymous}, fmt.Errorf("lookup partner token: %w", err)
	}
	if tok == nil {
		return Identity{Kind: KindAnonymous}, ErrPartnerTokenInvalid
	}
	return Identity{
		Kind: KindPartner,
		Partner: &Partner{
			TokenID:         tok.ID,
			TenantID:        tok.TenantID,
			PartnerAgencyID: tok.PartnerAgencyID,
			FormConfig:      tok.FormConfig,
		},
	}, nil
}

// ParseActor verifies an HS256 actor credential. exp is required; iss is
// checked when the builder has an issuer configured.
func (b *Builder) ParseActor(raw string) (*Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(b.now),
	}
	if b.issuer != "" {
		opts = append(opts, jwt.WithIssuer(b.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return b.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid actor credential")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return nil, errors.New("actor credential has no subject")
	}
	return &Actor{
		ID:          subject,
		TenantClaim: strings.ToLower(strings.TrimSpace(claims.Tenant)),
		Roles:       model.NormalizeRoles(claims.Roles),
	}, nil
}

// SignActor mints an HS256 actor credential. Used by the token command and tests.
func (b *Builder) SignActor(actorID, tenant string, roles []string, ttl time.Duration) (string, error) {
	now := b.now()
	claims := Claims{
		Tenant: tenant,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			Issuer:    b.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
