package entitlements

// BudgetKey names a metered monthly budget.
type BudgetKey string

const (
	BudgetPublishes    BudgetKey = "publishes"
	BudgetAIGeneration BudgetKey = "ai_generations"
	BudgetAssetBytes   BudgetKey = "asset_bytes"
)

// BudgetKeys lists every metered budget in a stable order.
var BudgetKeys = []BudgetKey{BudgetPublishes, BudgetAIGeneration, BudgetAssetBytes}

// BudgetLimit is a per-tier budget ceiling. Max nil means unmetered.
type BudgetLimit struct {
	Max *int64 `json:"max"`
}

// Policy is the resolved entitlement set for a (tier, role) pair.
type Policy struct {
	Role    Role                      `json:"role"`
	Profile Tier                      `json:"profile"`
	Flags   map[string]bool           `json:"flags"`
	Caps    map[string]int            `json:"caps"`
	Budgets map[BudgetKey]BudgetLimit `json:"budgets"`
}

// CanMutate reports whether the policy's role permits workspace writes.
func (p Policy) CanMutate() bool {
	return p.Role != RoleViewer && p.Role != ""
}

func limit(n int64) BudgetLimit {
	return BudgetLimit{Max: &n}
}

var unmetered = BudgetLimit{}

type tierProfile struct {
	flags   map[string]bool
	caps    map[string]int
	budgets map[BudgetKey]BudgetLimit
}

// The policy table is closed: each tier fully enumerates its flags,
// caps, and budgets so a missing entry reads as a hard zero, not an
// inherited default.
var tierProfiles = map[Tier]tierProfile{
	TierFree: {
		flags: map[string]bool{"customBranding": false, "localization": false, "aiCopilot": false},
		caps:  map[string]int{"workspaces": 1, "instances": 3, "teamMembers": 2},
		budgets: map[BudgetKey]BudgetLimit{
			BudgetPublishes:    limit(10),
			BudgetAIGeneration: limit(0),
			BudgetAssetBytes:   limit(50 << 20),
		},
	},
	TierOne: {
		flags: map[string]bool{"customBranding": true, "localization": false, "aiCopilot": true},
		caps:  map[string]int{"workspaces": 3, "instances": 25, "teamMembers": 5},
		budgets: map[BudgetKey]BudgetLimit{
			BudgetPublishes:    limit(100),
			BudgetAIGeneration: limit(50),
			BudgetAssetBytes:   limit(500 << 20),
		},
	},
	TierTwo: {
		flags: map[string]bool{"customBranding": true, "localization": true, "aiCopilot": true},
		caps:  map[string]int{"workspaces": 10, "instances": 100, "teamMembers": 15},
		budgets: map[BudgetKey]BudgetLimit{
			BudgetPublishes:    limit(1000),
			BudgetAIGeneration: limit(500),
			BudgetAssetBytes:   limit(5 << 30),
		},
	},
	TierThree: {
		flags: map[string]bool{"customBranding": true, "localization": true, "aiCopilot": true},
		caps:  map[string]int{"workspaces": 50, "instances": 1000, "teamMembers": 100},
		budgets: map[BudgetKey]BudgetLimit{
			BudgetPublishes:    unmetered,
			BudgetAIGeneration: unmetered,
			BudgetAssetBytes:   unmetered,
		},
	},
}

// Resolve returns the policy for a tier and role. Unknown tiers
// resolve to the free profile; unknown roles to viewer.
func Resolve(profile Tier, role Role) Policy {
	if ParseTier(string(profile)) == "" {
		profile = TierFree
	}
	if ParseRole(string(role)) == "" {
		role = RoleViewer
	}
	tp := tierProfiles[profile]

	flags := make(map[string]bool, len(tp.flags))
	for key, value := range tp.flags {
		flags[key] = value
	}
	caps := make(map[string]int, len(tp.caps))
	for key, value := range tp.caps {
		caps[key] = value
	}
	budgets := make(map[BudgetKey]BudgetLimit, len(tp.budgets))
	for key, value := range tp.budgets {
		budgets[key] = value
	}

	return Policy{Role: role, Profile: profile, Flags: flags, Caps: caps, Budgets: budgets}
}
