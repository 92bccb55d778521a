package model

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Role is a closed set. Strings outside it are dropped by NormalizeRoles.
type Role string

const (
	RolePlatformOperator Role = "platform_operator"

	RoleTenantAdmin Role = "tenant_admin"
	RoleCoordinator Role = "coordinator"
	RoleIssuer      Role = "issuer"

	RoleIntake    Role = "intake"
	RoleVolunteer Role = "volunteer"

	RoleViewer  Role = "viewer"
	RoleAuditor Role = "auditor"
)

var knownRoles = map[Role]struct{}{
	RolePlatformOperator: {},
	RoleTenantAdmin:      {},
	RoleCoordinator:      {},
	RoleIssuer:           {},
	RoleIntake:           {},
	RoleVolunteer:        {},
	RoleViewer:           {},
	RoleAuditor:          {},
}

// FullIssuerRoles may issue an active voucher immediately.
var FullIssuerRoles = []Role{RoleTenantAdmin, RoleCoordinator, RoleIssuer}

// InitiateOnlyRoles may only queue a pending voucher request.
var InitiateOnlyRoles = []Role{RoleIntake, RoleVolunteer}

// ParseRole trims and lower-cases raw and reports whether it names a known role.
func ParseRole(raw string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := knownRoles[r]
	return r, ok
}

// NormalizeRoles parses, de-duplicates and sorts raw role strings.
func NormalizeRoles(raw []string) []Role {
	seen := make(map[Role]struct{}, len(raw))
	out := make([]Role, 0, len(raw))
	for _, s := range raw {
		r, ok := ParseRole(s)
		if !ok {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasAnyRole reports whether roles contains at least one of want.
func HasAnyRole(roles []Role, want ...Role) bool {
	for _, r := range roles {
		for _, w := range want {
			if r == w {
				return true
			}
		}
	}
	return false
}

// RoleStrings converts roles back to their storage form.
func RoleStrings(roles []Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

// Membership represents one row of the memberships table
type Membership struct {
	TenantID uuid.UUID `json:"tenant_id"`
	ActorID  string    `json:"actor_id"`
	Role     Role      `json:"role"`
}
