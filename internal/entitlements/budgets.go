package entitlements

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/craftdeck/craftdeck/internal/kv"
)

const budgetCounterTTL = 400 * 24 * time.Hour

// BudgetScope identifies whose budget a counter meters.
type BudgetScope struct {
	Kind string // "account" or "workspace"
	ID   string
}

// AccountScope builds an account budget scope.
func AccountScope(accountID string) BudgetScope {
	return BudgetScope{Kind: "account", ID: accountID}
}

// WorkspaceScope builds a workspace budget scope.
func WorkspaceScope(workspaceID string) BudgetScope {
	return BudgetScope{Kind: "workspace", ID: workspaceID}
}

func (s BudgetScope) key() string {
	if s.Kind == "workspace" {
		return "ws:" + s.ID
	}
	return "acct:" + s.ID
}

// PeriodKey returns the UTC month key budgets are metered under.
func PeriodKey(now time.Time) string {
	utc := now.UTC()
	return fmt.Sprintf("%04d-%02d", utc.Year(), int(utc.Month()))
}

func counterKey(budget BudgetKey, period string, scope BudgetScope) string {
	return "usage.budget.v1." + string(budget) + "." + period + "." + scope.key()
}

// BudgetUsage pairs a ceiling with the metered usage for one budget.
type BudgetUsage struct {
	Max  *int64 `json:"max"`
	Used int64  `json:"used"`
}

// Snapshot is the entitlement view returned with every bootstrap call.
type Snapshot struct {
	Flags   map[string]bool           `json:"flags"`
	Caps    map[string]int            `json:"caps"`
	Budgets map[BudgetKey]BudgetUsage `json:"budgets"`
}

// Meter reads and advances budget counters in the durable KV store.
// Counters are best-effort: metering prefers a slight undercount over
// failing requests, and a missing store reads as zero usage.
type Meter struct {
	store kv.Store
	now   func() time.Time
}

// NewMeter constructs a Meter. store may be nil, in which case all
// reads report zero and consumption is unmetered.
func NewMeter(store kv.Store) *Meter {
	return &Meter{store: store, now: time.Now}
}

// WithNow overrides the meter clock for tests.
func (m *Meter) WithNow(now func() time.Time) *Meter {
	m.now = now
	return m
}

// Used returns the metered usage for one budget in the current period.
func (m *Meter) Used(ctx context.Context, scope BudgetScope, budget BudgetKey) (int64, error) {
	if m.store == nil {
		return 0, nil
	}
	raw, err := m.store.Get(ctx, counterKey(budget, PeriodKey(m.now()), scope))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	value, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || value < 0 {
		return 0, nil
	}
	return value, nil
}

// ErrBudgetExceeded reports a consume attempt over the ceiling.
var ErrBudgetExceeded = errors.New("entitlements: budget exceeded")

// Consume advances a budget counter by amount, enforcing max when it
// is set. The counter write is not atomic; the store's own uniqueness
// guarantees at the mutation target bound the damage of a lost update.
func (m *Meter) Consume(ctx context.Context, scope BudgetScope, budget BudgetKey, max *int64, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("entitlements: consume amount must be positive, got %d", amount)
	}
	used, err := m.Used(ctx, scope, budget)
	if err != nil {
		return used, err
	}
	next := used + amount
	if max != nil && next > *max {
		return used, fmt.Errorf("%w: %s max=%d", ErrBudgetExceeded, budget, *max)
	}
	if m.store == nil {
		return next, nil
	}
	key := counterKey(budget, PeriodKey(m.now()), scope)
	if err := m.store.Put(ctx, key, []byte(strconv.FormatInt(next, 10)), budgetCounterTTL); err != nil {
		return used, err
	}
	return next, nil
}

// SnapshotFor resolves the policy for (profile, role) and joins it with
// metered usage for every budget key.
func (m *Meter) SnapshotFor(ctx context.Context, scope BudgetScope, profile Tier, role Role) (Snapshot, error) {
	policy := Resolve(profile, role)
	budgets := make(map[BudgetKey]BudgetUsage, len(BudgetKeys))
	for _, key := range BudgetKeys {
		used, err := m.Used(ctx, scope, key)
		if err != nil {
			return Snapshot{}, fmt.Errorf("entitlements: read budget %s: %w", key, err)
		}
		budgets[key] = BudgetUsage{Max: policy.Budgets[key].Max, Used: used}
	}
	return Snapshot{Flags: policy.Flags, Caps: policy.Caps, Budgets: budgets}, nil
}
