// Package authz is the role hierarchy gate. Every protected operation
// passes through it with the minimum role the operation demands; the
// gate answers from a presented capsule when one is attached, and falls
// back to a live membership lookup otherwise. A capsule that fails
// verification is a hard deny: the gate never silently downgrades a
// bad capsule to the lookup path.
package authz

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/craftdeck/craftdeck/internal/capsule"
	"github.com/craftdeck/craftdeck/internal/entitlements"
	"github.com/craftdeck/craftdeck/internal/identity"
	"github.com/craftdeck/craftdeck/internal/observability"
	"github.com/craftdeck/craftdeck/internal/platform/httpx"
	"github.com/craftdeck/craftdeck/internal/tenant"
)

// Via records which evidence path produced a grant.
type Via string

const (
	ViaCapsule    Via = "capsule"
	ViaLookup     Via = "lookup"
	ViaService    Via = "service"
	ViaOwnerClaim Via = "owner_claim"
)

// Stable denial reason codes.
const (
	ReasonIdentityRequired   = "identity_required"
	ReasonCapsuleDenied      = "capsule_denied"
	ReasonScopeMismatch      = "scope_mismatch"
	ReasonMembershipRequired = "membership_required"
	ReasonRoleInsufficient   = "role_insufficient"
	ReasonAccountInactive    = "account_inactive"
	ReasonWorkspaceNotFound  = "workspace_not_found"
	ReasonAccountNotFound    = "account_not_found"
)

// Grant is the gate's answer: who the caller is and what they may act
// as in the requested scope.
type Grant struct {
	UserID      string
	AccountID   string
	WorkspaceID string
	Role        entitlements.Role
	Tier        entitlements.Tier
	Via         Via
}

// Gate authorizes requests against workspace and account scopes.
type Gate struct {
	engine  *capsule.Engine
	ids     *identity.Resolver
	dir     *tenant.Directory
	claims  *OwnerClaims
	cache   *roleCache
	group   singleflight.Group
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewGate constructs a Gate.
func NewGate(engine *capsule.Engine, ids *identity.Resolver, dir *tenant.Directory, claims *OwnerClaims, logger *slog.Logger) *Gate {
	return &Gate{
		engine: engine,
		ids:    ids,
		dir:    dir,
		claims: claims,
		cache:  newRoleCache(roleCacheTTL),
		logger: logger,
	}
}

// WithMetrics attaches the capsule denial counter.
func (g *Gate) WithMetrics(metrics *observability.Metrics) *Gate {
	g.metrics = metrics
	return g
}

// InvalidateWorkspaceRole drops a cached membership answer after a
// role mutation so the next request sees the new row.
func (g *Gate) InvalidateWorkspaceRole(workspaceID, userID string) {
	g.cache.invalidate("ws|" + workspaceID + "|" + userID)
}

// ConsumeOwnerClaim clears the account's bootstrap owner claim. Called
// by the workspace creation flow after a claim-authorized create
// succeeds.
func (g *Gate) ConsumeOwnerClaim(ctx context.Context, accountID string) error {
	if g.claims == nil {
		return nil
	}
	return g.claims.Consume(ctx, accountID)
}

func denyAuth(reason string) error {
	return httpx.NewError(httpx.KindAuth, reason, 0)
}

func deny(reason string) error {
	return httpx.NewError(httpx.KindDeny, reason, 0)
}

func (g *Gate) denyCapsule(kind string, reason string) error {
	g.metrics.CountCapsuleDenial(reason)
	return httpx.NewError(kind, reason, 0)
}

// lookupWorkspaceRole resolves a membership role through the TTL cache,
// coalescing concurrent misses for the same pair into one store read.
func (g *Gate) lookupWorkspaceRole(ctx context.Context, workspaceID, userID string) (entitlements.Role, bool, error) {
	key := "ws|" + workspaceID + "|" + userID
	if role, member, ok := g.cache.get(key); ok {
		return role, member, nil
	}
	type answer struct {
		role   entitlements.Role
		member bool
	}
	v, err, _ := g.group.Do(key, func() (any, error) {
		role, err := g.dir.WorkspaceRole(ctx, workspaceID, userID)
		if err != nil {
			return nil, err
		}
		member := role != ""
		g.cache.put(key, role, member)
		return answer{role: role, member: member}, nil
	})
	if err != nil {
		return "", false, err
	}
	a := v.(answer)
	return a.role, a.member, nil
}

// AuthorizeWorkspace gates a workspace-scoped operation at minimum
// role min. Evidence order: trusted service caller, workspace capsule
// bound to the resolved principal, live membership lookup.
func (g *Gate) AuthorizeWorkspace(ctx context.Context, r *http.Request, workspaceID string, min entitlements.Role) (Grant, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return Grant{}, httpx.NewError(httpx.KindValidation, "workspace_id_required", 0)
	}

	if g.ids.IsTrustedService(r) {
		ws, found, err := g.dir.Workspace(ctx, workspaceID)
		if err != nil {
			return Grant{}, err
		}
		if !found {
			return Grant{}, httpx.NewError(httpx.KindNotFound, ReasonWorkspaceNotFound, 0)
		}
		return Grant{
			AccountID:   ws.AccountID,
			WorkspaceID: ws.ID,
			Role:        entitlements.RoleOwner,
			Tier:        ws.Tier,
			Via:         ViaService,
		}, nil
	}

	principal, err := g.ids.Resolve(r)
	if err != nil {
		return Grant{}, denyAuth(ReasonIdentityRequired)
	}

	if token := capsule.FromWorkspaceHeader(r); token != "" {
		payload, err := g.engine.VerifyWorkspace(token)
		if err != nil {
			var verr *capsule.VerifyError
			if errors.As(err, &verr) {
				g.logger.Warn("workspace capsule rejected", slog.String("reason", verr.Reason))
			}
			return Grant{}, g.denyCapsule(httpx.KindAuth, ReasonCapsuleDenied)
		}
		// A capsule only authenticates the user it was minted for.
		if payload.UserID != principal.UserID {
			g.logger.Warn("workspace capsule subject mismatch",
				slog.String("capsule_user", payload.UserID),
				slog.String("principal_user", principal.UserID))
			return Grant{}, g.denyCapsule(httpx.KindAuth, ReasonCapsuleDenied)
		}
		if payload.WorkspaceID != workspaceID {
			return Grant{}, g.denyCapsule(httpx.KindDeny, ReasonScopeMismatch)
		}
		if !payload.Role.AtLeast(min) {
			return Grant{}, g.denyCapsule(httpx.KindDeny, ReasonRoleInsufficient)
		}
		return Grant{
			UserID:      payload.UserID,
			AccountID:   payload.AccountID,
			WorkspaceID: payload.WorkspaceID,
			Role:        payload.Role,
			Tier:        payload.WorkspaceTier,
			Via:         ViaCapsule,
		}, nil
	}

	ws, found, err := g.dir.Workspace(ctx, workspaceID)
	if err != nil {
		return Grant{}, err
	}
	if !found {
		return Grant{}, httpx.NewError(httpx.KindNotFound, ReasonWorkspaceNotFound, 0)
	}

	role, member, err := g.lookupWorkspaceRole(ctx, ws.ID, principal.UserID)
	if err != nil {
		return Grant{}, err
	}
	if !member {
		return Grant{}, deny(ReasonMembershipRequired)
	}
	if !role.AtLeast(min) {
		return Grant{}, deny(ReasonRoleInsufficient)
	}
	return Grant{
		UserID:      principal.UserID,
		AccountID:   ws.AccountID,
		WorkspaceID: ws.ID,
		Role:        role,
		Tier:        ws.Tier,
		Via:         ViaLookup,
	}, nil
}

// AuthorizeAccount gates an account-scoped operation at minimum role
// min. The account is taken from the presented capsule when one is
// attached, otherwise from the caller's membership row.
func (g *Gate) AuthorizeAccount(ctx context.Context, r *http.Request, min entitlements.Role) (Grant, error) {
	return g.authorizeAccount(ctx, r, min, false)
}

// AuthorizeWorkspaceCreate gates the account-scoped workspace creation
// operation. It behaves like AuthorizeAccount at the admin minimum,
// except that the bootstrap owner claim stands in for a missing
// membership row: the account's provisioning user may create the
// first workspace before any membership exists.
func (g *Gate) AuthorizeWorkspaceCreate(ctx context.Context, r *http.Request) (Grant, error) {
	return g.authorizeAccount(ctx, r, entitlements.RoleAdmin, true)
}

func (g *Gate) authorizeAccount(ctx context.Context, r *http.Request, min entitlements.Role, allowClaim bool) (Grant, error) {
	if token := capsule.FromAccountHeader(r); token != "" {
		principal, err := g.ids.Resolve(r)
		if err != nil {
			return Grant{}, denyAuth(ReasonIdentityRequired)
		}
		payload, err := g.engine.VerifyAccount(token)
		if err != nil {
			var verr *capsule.VerifyError
			if errors.As(err, &verr) {
				g.logger.Warn("account capsule rejected", slog.String("reason", verr.Reason))
			}
			return Grant{}, g.denyCapsule(httpx.KindAuth, ReasonCapsuleDenied)
		}
		if payload.UserID != principal.UserID {
			g.logger.Warn("account capsule subject mismatch",
				slog.String("capsule_user", payload.UserID),
				slog.String("principal_user", principal.UserID))
			return Grant{}, g.denyCapsule(httpx.KindAuth, ReasonCapsuleDenied)
		}
		if payload.AccountStatus != "" && payload.AccountStatus != "active" {
			return Grant{}, g.denyCapsule(httpx.KindDeny, ReasonAccountInactive)
		}
		if !payload.Role.AtLeast(min) {
			return Grant{}, g.denyCapsule(httpx.KindDeny, ReasonRoleInsufficient)
		}
		return Grant{
			UserID:    payload.UserID,
			AccountID: payload.AccountID,
			Role:      payload.Role,
			Via:       ViaCapsule,
		}, nil
	}

	principal, err := g.ids.Resolve(r)
	if err != nil {
		return Grant{}, denyAuth(ReasonIdentityRequired)
	}

	accountID, role, err := g.lookupAccountRole(ctx, principal.UserID)
	if err != nil {
		return Grant{}, err
	}
	via := ViaLookup
	if accountID == "" {
		if allowClaim {
			accountID, err = g.claimedAccount(ctx, principal.UserID)
			if err != nil {
				return Grant{}, err
			}
		}
		if accountID == "" {
			return Grant{}, deny(ReasonMembershipRequired)
		}
		role = entitlements.RoleOwner
		via = ViaOwnerClaim
	}

	acct, found, err := g.dir.Account(ctx, accountID)
	if err != nil {
		return Grant{}, err
	}
	if !found {
		return Grant{}, httpx.NewError(httpx.KindNotFound, ReasonAccountNotFound, 0)
	}
	if acct.Status != "" && acct.Status != "active" {
		return Grant{}, deny(ReasonAccountInactive)
	}
	if !role.AtLeast(min) {
		return Grant{}, deny(ReasonRoleInsufficient)
	}
	return Grant{
		UserID:    principal.UserID,
		AccountID: accountID,
		Role:      role,
		Via:       via,
	}, nil
}

func (g *Gate) lookupAccountRole(ctx context.Context, userID string) (string, entitlements.Role, error) {
	key := "acct|" + userID
	type answer struct {
		accountID string
		role      entitlements.Role
	}
	v, err, _ := g.group.Do(key, func() (any, error) {
		accountID, role, err := g.dir.AccountForUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		return answer{accountID: accountID, role: role}, nil
	})
	if err != nil {
		return "", "", err
	}
	a := v.(answer)
	return a.accountID, a.role, nil
}

// claimedAccount consults the bootstrap owner claim when no membership
// row exists yet. The consult never mutates the claim; it stays in
// place until the first workspace creation it authorized succeeds.
func (g *Gate) claimedAccount(ctx context.Context, userID string) (string, error) {
	if g.claims == nil {
		return "", nil
	}
	return g.claims.AccountFor(ctx, userID)
}
