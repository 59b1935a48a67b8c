// Package entitlements defines the member-role hierarchy, workspace
// profile tiers, and the policy table resolving feature flags, caps,
// and budget maxima for a (tier, role) pair.
package entitlements

// Role is a workspace or account member role. Roles form a total
// order; admission checks compare ranks.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// Rank returns the role's position in the hierarchy. Unknown roles
// rank below viewer so they never satisfy an admission check.
func (r Role) Rank() int {
	switch r {
	case RoleOwner:
		return 4
	case RoleAdmin:
		return 3
	case RoleEditor:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r satisfies a minimum-role requirement.
func (r Role) AtLeast(min Role) bool {
	return r.Rank() >= min.Rank()
}

// ParseRole normalizes a raw role value, returning "" for anything
// outside the hierarchy.
func ParseRole(value string) Role {
	switch Role(value) {
	case RoleViewer, RoleEditor, RoleAdmin, RoleOwner:
		return Role(value)
	default:
		return ""
	}
}

// Tier is a workspace profile tier.
type Tier string

const (
	TierFree  Tier = "free"
	TierOne   Tier = "tier1"
	TierTwo   Tier = "tier2"
	TierThree Tier = "tier3"
)

// ParseTier normalizes a raw tier value, returning "" when unknown.
func ParseTier(value string) Tier {
	switch Tier(value) {
	case TierFree, TierOne, TierTwo, TierThree:
		return Tier(value)
	default:
		return ""
	}
}

// HigherTier returns the higher of two tiers.
func HigherTier(a, b Tier) Tier {
	if tierRank(a) >= tierRank(b) {
		return a
	}
	return b
}

func tierRank(t Tier) int {
	switch t {
	case TierThree:
		return 3
	case TierTwo:
		return 2
	case TierOne:
		return 1
	default:
		return 0
	}
}
