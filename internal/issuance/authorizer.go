// Package issuance turns an admitted request into a voucher, a pending
// request, or a refusal: it decides the issuance mode, applies the duplicate
// policy and records the outcome in one transaction.
package issuance

import (
	"github.com/teresa-solution/voucher-issuance-service/internal/identity"
	"github.com/teresa-solution/voucher-issuance-service/internal/model"
)

// Mode is the governance outcome for one caller.
type Mode string

const (
	ModeIssueActive  Mode = "issue_active"
	ModeInitiateOnly Mode = "initiate_only"
	ModeNone         Mode = "none"
	// ModePartner is used for partner tokens, which are governed by their
	// form config instead of roles.
	ModePartner Mode = "partner"
)

// Authorize maps an actor and its stored membership roles to a Mode.
// Platform operators always issue.
func Authorize(id identity.Identity, membershipRoles []string) Mode {
	if id.Kind == identity.KindPartner {
		return ModePartner
	}
	if id.Kind != identity.KindActor {
		return ModeNone
	}
	if id.Actor.PlatformOperator() {
		return ModeIssueActive
	}
	roles := model.NormalizeRoles(membershipRoles)
	switch {
	case model.HasAnyRole(roles, model.FullIssuerRoles...):
		return ModeIssueActive
	case model.HasAnyRole(roles, model.InitiateOnlyRoles...):
		return ModeInitiateOnly
	default:
		return ModeNone
	}
}

// issuerMode is what the snapshot records about the path taken.
func issuerMode(id identity.Identity) model.IssuerMode {
	switch {
	case id.Kind == identity.KindPartner:
		return model.IssuerModePartner
	case id.Actor.PlatformOperator():
		return model.IssuerModeOperator
	default:
		return model.IssuerModeStaff
	}
}
