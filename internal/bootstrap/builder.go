package bootstrap

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/craftdeck/craftdeck/internal/authz"
	"github.com/craftdeck/craftdeck/internal/capsule"
	"github.com/craftdeck/craftdeck/internal/entitlements"
	"github.com/craftdeck/craftdeck/internal/observability"
	"github.com/craftdeck/craftdeck/internal/platform/httpx"
	"github.com/craftdeck/craftdeck/internal/recordstore"
	"github.com/craftdeck/craftdeck/internal/tenant"
)

// Builder assembles bootstrap snapshots.
type Builder struct {
	store         recordstore.Store
	dir           *tenant.Directory
	engine        *capsule.Engine
	meter         *entitlements.Meter
	metrics       *observability.Metrics
	logger        *slog.Logger
	curatedWrites bool
	now           func() time.Time
}

// NewBuilder constructs a Builder. metrics may be nil.
func NewBuilder(dir *tenant.Directory, engine *capsule.Engine, meter *entitlements.Meter, metrics *observability.Metrics, logger *slog.Logger) *Builder {
	return &Builder{
		store:   dir.Store(),
		dir:     dir,
		engine:  engine,
		meter:   meter,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// WithCuratedWrites enables delete actions on curated catalog entries
// for mutating roles.
func (b *Builder) WithCuratedWrites(enabled bool) *Builder {
	b.curatedWrites = enabled
	return b
}

// WithNow overrides the builder clock for tests.
func (b *Builder) WithNow(now func() time.Time) *Builder {
	b.now = now
	return b
}

// scope is the shared tenancy resolution every domain loader reads.
// It is computed once per call, before the fan-out starts.
type scope struct {
	account        tenant.Account
	workspaces     []tenant.Workspace
	workspace      tenant.Workspace
	workspaceRole  entitlements.Role
	accountRole    entitlements.Role
	accountProfile entitlements.Tier
}

// resolveScope loads the account and its workspaces and selects the
// active workspace: the requested one when given, otherwise the first
// by name. hasWorkspace is false for accounts with no workspaces yet.
func (b *Builder) resolveScope(ctx context.Context, grant authz.Grant, workspaceID string) (scope, bool, error) {
	acct, found, err := b.dir.Account(ctx, grant.AccountID)
	if err != nil {
		return scope{}, false, httpx.NewError(httpx.KindInternal, "account_read_failed", 0).WithDetail(err.Error())
	}
	if !found {
		return scope{}, false, httpx.NewError(httpx.KindNotFound, "account_not_found", 0)
	}

	workspaces, err := b.dir.AccountWorkspaces(ctx, acct.ID)
	if err != nil {
		return scope{}, false, httpx.NewError(httpx.KindInternal, "workspaces_read_failed", 0).WithDetail(err.Error())
	}

	sc := scope{
		account:        acct,
		workspaces:     workspaces,
		accountRole:    grant.Role,
		accountProfile: grant.Tier,
	}
	if sc.accountProfile == "" {
		sc.accountProfile = inferHighestTier(workspaces)
	}

	var active *tenant.Workspace
	if workspaceID != "" {
		for i := range workspaces {
			if workspaces[i].ID == workspaceID {
				active = &workspaces[i]
				break
			}
		}
		if active == nil {
			return scope{}, false, httpx.NewError(httpx.KindNotFound, "workspace_not_found", 0)
		}
	} else if len(workspaces) > 0 {
		active = &workspaces[0]
	}
	if active == nil {
		return sc, false, nil
	}
	sc.workspace = *active

	role := grant.Role
	if grant.UserID != "" {
		memberRole, err := b.dir.WorkspaceRole(ctx, active.ID, grant.UserID)
		if err != nil {
			return scope{}, false, httpx.NewError(httpx.KindInternal, "membership_read_failed", 0).WithDetail(err.Error())
		}
		if memberRole != "" {
			role = memberRole
		}
	}
	sc.workspaceRole = role
	return sc, true, nil
}

// buildAuthz mints both capsule variants and resolves the entitlement
// snapshot concurrently. Any failure here fails the whole call: the
// studio cannot start without its capability context.
func (b *Builder) buildAuthz(ctx context.Context, grant authz.Grant, sc scope) (Authz, error) {
	wsVersion := "workspace:" + sc.workspace.ID + ":role:" + string(sc.workspaceRole)
	acctVersion := "account:" + sc.account.ID + ":role:" + string(sc.accountRole) + ":profile:" + string(sc.accountProfile)

	var (
		wsToken   string
		wsPayload capsule.WorkspacePayload
		acctToken string
		snapshot  entitlements.Snapshot
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		wsToken, wsPayload, err = b.engine.MintWorkspace(capsule.WorkspacePayload{
			UserID:              grant.UserID,
			AccountID:           sc.account.ID,
			WorkspaceID:         sc.workspace.ID,
			WorkspaceName:       sc.workspace.Name,
			WorkspaceSlug:       sc.workspace.Slug,
			WorkspaceWebsiteURL: sc.workspace.WebsiteURL,
			WorkspaceTier:       sc.workspace.Tier,
			Role:                sc.workspaceRole,
			AuthzVersion:        wsVersion,
		})
		return err
	})
	g.Go(func() error {
		var err error
		acctToken, _, err = b.engine.MintAccount(capsule.AccountPayload{
			UserID:        grant.UserID,
			AccountID:     sc.account.ID,
			AccountStatus: sc.account.Status,
			Profile:       sc.accountProfile,
			Role:          sc.accountRole,
			AuthzVersion:  acctVersion,
		})
		return err
	})
	g.Go(func() error {
		var err error
		snapshot, err = b.meter.SnapshotFor(gctx, entitlements.AccountScope(sc.account.ID), sc.accountProfile, sc.accountRole)
		return err
	})
	if err := g.Wait(); err != nil {
		return Authz{}, httpx.NewError(httpx.KindInternal, "auth_context_unavailable", 0).WithDetail(err.Error())
	}

	issuedAt := time.Unix(wsPayload.Iat, 0).UTC().Format(time.RFC3339)
	expiresAt := time.Unix(wsPayload.Exp, 0).UTC().Format(time.RFC3339)
	return Authz{
		WorkspaceCapsule:    wsToken,
		WorkspaceID:         sc.workspace.ID,
		AccountID:           sc.account.ID,
		Role:                sc.workspaceRole,
		Profile:             sc.workspace.Tier,
		AuthzVersion:        wsVersion,
		IssuedAt:            issuedAt,
		ExpiresAt:           expiresAt,
		AccountCapsule:      acctToken,
		AccountRole:         sc.accountRole,
		AccountProfile:      sc.accountProfile,
		AccountAuthzVersion: acctVersion,
		Entitlements:        &snapshot,
	}, nil
}

// BuildAuthz refreshes the capability block without the domain
// fan-out. Accounts with no workspaces get an empty block.
func (b *Builder) BuildAuthz(ctx context.Context, grant authz.Grant, workspaceID string) (Authz, error) {
	sc, hasWorkspace, err := b.resolveScope(ctx, grant, workspaceID)
	if err != nil {
		return Authz{}, err
	}
	if !hasWorkspace {
		return Authz{}, nil
	}
	return b.buildAuthz(ctx, grant, sc)
}

// Entitlements resolves the standalone entitlement snapshot for the
// granted account.
func (b *Builder) Entitlements(ctx context.Context, grant authz.Grant) (entitlements.Snapshot, error) {
	profile := grant.Tier
	if profile == "" {
		workspaces, err := b.dir.AccountWorkspaces(ctx, grant.AccountID)
		if err != nil {
			return entitlements.Snapshot{}, httpx.NewError(httpx.KindInternal, "workspaces_read_failed", 0).WithDetail(err.Error())
		}
		profile = inferHighestTier(workspaces)
	}
	snapshot, err := b.meter.SnapshotFor(ctx, entitlements.AccountScope(grant.AccountID), profile, grant.Role)
	if err != nil {
		return entitlements.Snapshot{}, httpx.NewError(httpx.KindInternal, "entitlements_unavailable", 0).WithDetail(err.Error())
	}
	return snapshot, nil
}

// Build assembles the full snapshot: capability block first, then the
// seven domains loaded concurrently. Domain failures degrade only the
// failing domain; the envelope itself still succeeds.
func (b *Builder) Build(ctx context.Context, grant authz.Grant, workspaceID string) (Snapshot, error) {
	snap := Snapshot{
		Domains:        map[DomainKey]any{},
		DomainErrors:   map[DomainKey]DomainError{},
		DomainOutcomes: map[DomainKey]DomainOutcome{},
	}

	sc, hasWorkspace, err := b.resolveScope(ctx, grant, workspaceID)
	if err != nil {
		return Snapshot{}, err
	}
	if !hasWorkspace {
		return snap, nil
	}

	authzBlock, err := b.buildAuthz(ctx, grant, sc)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Authz = authzBlock

	loaders := map[DomainKey]func(context.Context) (any, error){
		DomainWidgets:   func(ctx context.Context) (any, error) { return b.widgetsDomain(ctx, sc) },
		DomainTemplates: func(ctx context.Context) (any, error) { return b.templatesDomain(ctx, sc) },
		DomainAssets:    func(ctx context.Context) (any, error) { return b.assetsDomain(ctx, sc) },
		DomainTeam:      func(ctx context.Context) (any, error) { return b.teamDomain(ctx, sc) },
		DomainBilling:   func(ctx context.Context) (any, error) { return b.billingDomain(ctx, sc) },
		DomainUsage:     func(ctx context.Context) (any, error) { return b.usageDomain(ctx, sc) },
		DomainSettings:  func(ctx context.Context) (any, error) { return b.settingsDomain(ctx, sc) },
	}

	type result struct {
		payload any
		err     error
	}
	results := make([]result, len(DomainKeys))

	start := b.now()
	var g errgroup.Group
	for i, key := range DomainKeys {
		load := loaders[key]
		g.Go(func() error {
			payload, err := load(ctx)
			results[i] = result{payload: payload, err: err}
			return nil
		})
	}
	_ = g.Wait()
	elapsed := b.now().Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	snap.FanoutMs = elapsed.Milliseconds()
	b.metrics.ObserveBootstrapFanout(elapsed)

	for i, key := range DomainKeys {
		if results[i].err != nil {
			derr := domainError(key, results[i].err)
			snap.DomainErrors[key] = derr
			snap.DomainOutcomes[key] = DomainOutcome{
				Status:     OutcomeError,
				HTTPStatus: derr.Status,
				ReasonCode: derr.ReasonCode,
			}
			b.metrics.CountDomainOutcome(string(key), OutcomeError)
			b.logger.Warn("bootstrap domain failed",
				slog.String("domain", string(key)),
				slog.String("account_id", sc.account.ID),
				slog.Any("error", results[i].err))
			continue
		}
		snap.Domains[key] = results[i].payload
		snap.DomainOutcomes[key] = DomainOutcome{Status: OutcomeOK, HTTPStatus: 200}
		b.metrics.CountDomainOutcome(string(key), OutcomeOK)
	}
	return snap, nil
}
