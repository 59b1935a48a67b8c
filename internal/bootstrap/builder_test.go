package bootstrap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftdeck/craftdeck/internal/authz"
	"github.com/craftdeck/craftdeck/internal/capsule"
	"github.com/craftdeck/craftdeck/internal/entitlements"
	"github.com/craftdeck/craftdeck/internal/kv"
	"github.com/craftdeck/craftdeck/internal/platform/httpx"
	"github.com/craftdeck/craftdeck/internal/recordstore"
	"github.com/craftdeck/craftdeck/internal/recordstore/recordstoretest"
	"github.com/craftdeck/craftdeck/internal/tenant"
)

const builderCapsuleSecret = "test-capsule-secret"

type builderFixture struct {
	builder *Builder
	store   *recordstoretest.Store
	engine  *capsule.Engine
	dir     *tenant.Directory
}

func newBuilderFixture(t *testing.T) *builderFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := recordstoretest.New()
	store.Seed("accounts", recordstore.Row{"id": "acct-1", "status": "active"})
	store.Seed("workspaces",
		recordstore.Row{
			"id": "ws-1", "account_id": "acct-1", "tier": "tier2",
			"name": "Alpha Studio", "slug": "alpha-studio",
			"created_at": "2026-01-01T00:00:00Z",
		},
		recordstore.Row{
			"id": "ws-2", "account_id": "acct-1", "tier": "free",
			"name": "Blog", "slug": "blog",
			"created_at": "2026-02-01T00:00:00Z",
		})
	store.Seed("workspace_members",
		recordstore.Row{"workspace_id": "ws-1", "user_id": "user-1", "role": "editor"},
		recordstore.Row{"workspace_id": "ws-1", "user_id": "user-2", "role": "viewer"})
	store.Seed("account_members",
		recordstore.Row{"account_id": "acct-1", "user_id": "user-1", "role": "admin"},
		recordstore.Row{"account_id": "acct-1", "user_id": "user-2", "role": "viewer"})
	store.Seed("widgets",
		recordstore.Row{"id": "wid-faq", "type": "faq", "name": "FAQ"},
		recordstore.Row{"id": "wid-timer", "type": "countdown_timer", "name": "Countdown Timer"})
	store.Seed("widget_instances",
		recordstore.Row{
			"workspace_id": "ws-1", "widget_id": "wid-faq",
			"public_id": "wgt_faq_u_1", "display_name": "Help FAQ",
			"status": "published", "created_at": "2026-01-02T00:00:00Z",
		},
		recordstore.Row{
			"workspace_id": "ws-1", "widget_id": "wid-timer",
			"public_id": "wgt_timer_u_2", "display_name": "",
			"status": "draft", "created_at": "2026-01-01T00:00:00Z",
		},
		recordstore.Row{
			"workspace_id": "ws-2", "widget_id": "wid-faq",
			"public_id": "wgt_faq_u_3", "display_name": "Blog FAQ",
			"status": "published", "created_at": "2026-01-03T00:00:00Z",
		})
	store.Seed("curated_widget_instances",
		recordstore.Row{
			"public_id": "tpl_faq_basic", "widget_type": "faq",
			"display_name": "Basic FAQ", "owner_account_id": "acct-1",
			"created_at": "2026-01-03T00:00:00Z",
		},
		recordstore.Row{
			"public_id": "tpl_banner", "widget_type": "banner",
			"display_name": "Launch Banner", "owner_account_id": "acct-9",
			"created_at": "2026-01-01T00:00:00Z",
		})
	store.Seed("account_assets",
		recordstore.Row{
			"account_id": "acct-1", "asset_id": "6a3a9c70-0f68-4a44-9e63-4f5c2d8b1a01",
			"filename": "logo.png", "mime_type": "image/png",
			"size_bytes": int64(1024), "created_at": "2026-01-01T00:00:00Z",
		},
		recordstore.Row{
			"account_id": "acct-1", "asset_id": "6a3a9c70-0f68-4a44-9e63-4f5c2d8b1a02",
			"filename": "hero.jpg", "mime_type": "image/jpeg",
			"size_bytes": int64(2048), "created_at": "2026-01-02T00:00:00Z",
		})

	dir := tenant.NewDirectory(store)
	engine := capsule.NewEngine(builderCapsuleSecret)
	meter := entitlements.NewMeter(kv.NewRedisStore(client, "test"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &builderFixture{
		builder: NewBuilder(dir, engine, meter, nil, logger),
		store:   store,
		engine:  engine,
		dir:     dir,
	}
}

func editorGrant() authz.Grant {
	return authz.Grant{
		UserID:    "user-1",
		AccountID: "acct-1",
		Role:      entitlements.RoleAdmin,
		Via:       authz.ViaLookup,
	}
}

func TestBuildFullSnapshot(t *testing.T) {
	f := newBuilderFixture(t)

	snap, err := f.builder.Build(context.Background(), editorGrant(), "ws-1")
	require.NoError(t, err)

	require.Len(t, snap.Domains, len(DomainKeys))
	assert.Empty(t, snap.DomainErrors)
	for _, key := range DomainKeys {
		assert.Equal(t, DomainOutcome{Status: OutcomeOK, HTTPStatus: 200}, snap.DomainOutcomes[key])
	}
	assert.GreaterOrEqual(t, snap.FanoutMs, int64(0))

	// The workspace capsule must verify and carry the membership role,
	// not the account-level grant role.
	payload, err := f.engine.VerifyWorkspace(snap.Authz.WorkspaceCapsule)
	require.NoError(t, err)
	assert.Equal(t, "user-1", payload.UserID)
	assert.Equal(t, "ws-1", payload.WorkspaceID)
	assert.Equal(t, entitlements.RoleEditor, payload.Role)
	assert.Equal(t, entitlements.TierTwo, payload.WorkspaceTier)
	assert.Equal(t, "workspace:ws-1:role:editor", snap.Authz.AuthzVersion)

	acctPayload, err := f.engine.VerifyAccount(snap.Authz.AccountCapsule)
	require.NoError(t, err)
	assert.Equal(t, entitlements.RoleAdmin, acctPayload.Role)
	assert.Equal(t, entitlements.TierTwo, acctPayload.Profile)
	assert.Equal(t, "account:acct-1:role:admin:profile:tier2", snap.Authz.AccountAuthzVersion)
	assert.NotEmpty(t, snap.Authz.IssuedAt)
	assert.NotEmpty(t, snap.Authz.ExpiresAt)

	require.NotNil(t, snap.Authz.Entitlements)
	assert.Len(t, snap.Authz.Entitlements.Budgets, len(entitlements.BudgetKeys))
}

func TestBuildWidgetsDomainMergesCuratedCatalog(t *testing.T) {
	f := newBuilderFixture(t)

	snap, err := f.builder.Build(context.Background(), editorGrant(), "ws-1")
	require.NoError(t, err)

	widgets, ok := snap.Domains[DomainWidgets].(WidgetsDomain)
	require.True(t, ok)
	assert.Equal(t, "acct-1", widgets.AccountID)
	assert.Equal(t, "ws-1", widgets.WorkspaceID)
	assert.Equal(t, []string{"countdown_timer", "faq"}, widgets.WidgetTypes)

	require.Len(t, widgets.Instances, 3)
	byID := map[string]CatalogInstance{}
	for _, item := range widgets.Instances {
		byID[item.PublicID] = item
	}

	faq := byID["wgt_faq_u_1"]
	assert.Equal(t, "workspace", faq.Source)
	assert.Equal(t, "faq", faq.WidgetType)
	assert.Equal(t, "Help FAQ", faq.DisplayName)
	assert.True(t, faq.Actions.Delete)

	timer := byID["wgt_timer_u_2"]
	assert.Equal(t, "Untitled widget", timer.DisplayName)

	// Curated rows are read-only without curated writes enabled.
	curated := byID["tpl_faq_basic"]
	assert.Equal(t, "curated", curated.Source)
	assert.True(t, curated.Actions.Edit)
	assert.True(t, curated.Actions.Duplicate)
	assert.False(t, curated.Actions.Delete)
}

func TestBuildViewerGetsReadOnlyActions(t *testing.T) {
	f := newBuilderFixture(t)
	grant := authz.Grant{
		UserID:    "user-2",
		AccountID: "acct-1",
		Role:      entitlements.RoleViewer,
		Via:       authz.ViaLookup,
	}

	snap, err := f.builder.Build(context.Background(), grant, "ws-1")
	require.NoError(t, err)

	widgets, ok := snap.Domains[DomainWidgets].(WidgetsDomain)
	require.True(t, ok)
	for _, item := range widgets.Instances {
		assert.True(t, item.Actions.Edit)
		assert.False(t, item.Actions.Duplicate, item.PublicID)
		assert.False(t, item.Actions.Delete, item.PublicID)
	}
}

func TestBuildUsageAndSettingsRollups(t *testing.T) {
	f := newBuilderFixture(t)

	snap, err := f.builder.Build(context.Background(), editorGrant(), "ws-1")
	require.NoError(t, err)

	usage, ok := snap.Domains[DomainUsage].(UsageDomain)
	require.True(t, ok)
	assert.Equal(t, "account_admin", usage.Role)
	assert.Equal(t, 2, usage.Usage.Workspaces)
	assert.Equal(t, InstanceTotals{Total: 3, Published: 2, Unpublished: 1}, usage.Usage.Instances)
	assert.Equal(t, AssetTotals{Total: 2, Active: 2, BytesActive: 3072}, usage.Usage.Assets)

	settings, ok := snap.Domains[DomainSettings].(SettingsDomain)
	require.True(t, ok)
	assert.Equal(t, "acct-1", settings.AccountSummary.AccountID)
	assert.Equal(t, "active", settings.AccountSummary.Status)
	assert.Equal(t, 2, settings.AccountSummary.WorkspaceCount)
	assert.Equal(t, "ws-1", settings.WorkspaceSummary.WorkspaceID)
	assert.Equal(t, entitlements.RoleEditor, settings.WorkspaceSummary.Role)
	require.Len(t, settings.AccountWorkspaces, 2)
	assert.Equal(t, "Alpha Studio", settings.AccountWorkspaces[0].Name)
	assert.Equal(t, "Blog", settings.AccountWorkspaces[1].Name)

	billing, ok := snap.Domains[DomainBilling].(BillingDomain)
	require.True(t, ok)
	assert.Equal(t, "stripe", billing.Provider)
	assert.Equal(t, "not_configured", billing.Status)
	assert.Equal(t, entitlements.TierTwo, billing.Plan.InferredTier)
	assert.Equal(t, 2, billing.Plan.WorkspaceCount)
	assert.False(t, billing.CheckoutAvailable)

	team, ok := snap.Domains[DomainTeam].(TeamDomain)
	require.True(t, ok)
	assert.Equal(t, entitlements.RoleEditor, team.Role)
	assert.Len(t, team.Members, 2)
}

func TestBuildDomainFailureDegradesOnlyThatDomain(t *testing.T) {
	f := newBuilderFixture(t)
	f.store.FailSelect("curated_widget_instances", errors.New("upstream timeout"))

	snap, err := f.builder.Build(context.Background(), editorGrant(), "ws-1")
	require.NoError(t, err)

	// Widgets and templates both read the curated table; everything
	// else still lands.
	for _, key := range []DomainKey{DomainWidgets, DomainTemplates} {
		outcome := snap.DomainOutcomes[key]
		assert.Equal(t, OutcomeError, outcome.Status)
		assert.Equal(t, 502, outcome.HTTPStatus)
		assert.Equal(t, "bootstrap."+string(key)+"_unavailable", outcome.ReasonCode)
		assert.Contains(t, snap.DomainErrors[key].Detail, "upstream timeout")
		assert.NotContains(t, snap.Domains, key)
	}
	for _, key := range []DomainKey{DomainAssets, DomainTeam, DomainBilling, DomainUsage, DomainSettings} {
		assert.Equal(t, OutcomeOK, snap.DomainOutcomes[key].Status, string(key))
		assert.Contains(t, snap.Domains, key)
	}

	// The capability block is unaffected by domain failures.
	assert.NotEmpty(t, snap.Authz.WorkspaceCapsule)
}

func TestBuildMintFailureFailsWholeCall(t *testing.T) {
	f := newBuilderFixture(t)
	f.builder.engine = capsule.NewEngine("")

	_, err := f.builder.Build(context.Background(), editorGrant(), "ws-1")
	var apiErr *httpx.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, httpx.KindInternal, apiErr.Kind)
	assert.Equal(t, "auth_context_unavailable", apiErr.Reason)
}

func TestBuildNoWorkspaces(t *testing.T) {
	f := newBuilderFixture(t)
	f.store.Seed("accounts", recordstore.Row{"id": "acct-empty", "status": "active"})
	grant := authz.Grant{
		UserID:    "user-solo",
		AccountID: "acct-empty",
		Role:      entitlements.RoleOwner,
		Via:       authz.ViaLookup,
	}

	snap, err := f.builder.Build(context.Background(), grant, "")
	require.NoError(t, err)
	assert.Empty(t, snap.Authz.WorkspaceCapsule)
	assert.Empty(t, snap.Domains)
	assert.Empty(t, snap.DomainOutcomes)
}

func TestBuildDefaultsToFirstWorkspaceByName(t *testing.T) {
	f := newBuilderFixture(t)

	snap, err := f.builder.Build(context.Background(), editorGrant(), "")
	require.NoError(t, err)
	assert.Equal(t, "ws-1", snap.Authz.WorkspaceID)
}

func TestBuildUnknownWorkspaceRequested(t *testing.T) {
	f := newBuilderFixture(t)

	_, err := f.builder.Build(context.Background(), editorGrant(), "ws-missing")
	var apiErr *httpx.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, httpx.KindNotFound, apiErr.Kind)
}

func TestBuildAuthzRefreshOnly(t *testing.T) {
	f := newBuilderFixture(t)

	block, err := f.builder.BuildAuthz(context.Background(), editorGrant(), "ws-1")
	require.NoError(t, err)
	assert.NotEmpty(t, block.WorkspaceCapsule)
	assert.NotEmpty(t, block.AccountCapsule)
	require.NotNil(t, block.Entitlements)

	// No catalog tables are touched without the fan-out.
	assert.Zero(t, f.store.SelectCount("widget_instances"))
	assert.Zero(t, f.store.SelectCount("curated_widget_instances"))
	assert.Zero(t, f.store.SelectCount("account_assets"))
}

func TestEntitlementsSnapshot(t *testing.T) {
	f := newBuilderFixture(t)

	snapshot, err := f.builder.Entitlements(context.Background(), editorGrant())
	require.NoError(t, err)
	require.Len(t, snapshot.Budgets, len(entitlements.BudgetKeys))
	for _, key := range entitlements.BudgetKeys {
		assert.Zero(t, snapshot.Budgets[key].Used)
	}
}
