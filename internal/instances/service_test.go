package instances

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftdeck/craftdeck/internal/assetusage"
	"github.com/craftdeck/craftdeck/internal/authz"
	"github.com/craftdeck/craftdeck/internal/entitlements"
	"github.com/craftdeck/craftdeck/internal/kv"
	"github.com/craftdeck/craftdeck/internal/platform/httpx"
	"github.com/craftdeck/craftdeck/internal/recordstore"
	"github.com/craftdeck/craftdeck/internal/recordstore/recordstoretest"
)

const (
	testAccount = "11111111-2222-3333-4444-555555555555"
	testAsset   = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
)

type fixture struct {
	service *Service
	store   *recordstoretest.Store
	grant   authz.Grant
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := recordstoretest.New()
	store.Unique("widget_instances", "public_id")
	store.Unique("widgets", "type")
	store.Seed("widgets", recordstore.Row{"id": "widget-faq", "type": "faq", "name": "FAQ"})
	store.Seed("account_assets", recordstore.Row{"account_id": testAccount, "asset_id": testAsset})
	store.Handle("replace_asset_usage", func(args map[string]any) (any, error) {
		publicID, _ := args["p_public_id"].(string)
		refs, _ := args["p_refs"].([]map[string]any)
		kept := make([]recordstore.Row, 0)
		for _, row := range store.Rows("account_asset_usage") {
			if row.String("public_id") != publicID {
				kept = append(kept, row)
			}
		}
		for _, ref := range refs {
			row := recordstore.Row{}
			for k, v := range ref {
				row[k] = v
			}
			kept = append(kept, row)
		}
		store.Reset("account_asset_usage", kept...)
		return len(refs), nil
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	meter := entitlements.NewMeter(kv.NewRedisStore(client, "test"))
	service := NewService(store, assetusage.NewSyncer(store), meter, logger)

	return &fixture{
		service: service,
		store:   store,
		grant: authz.Grant{
			UserID:      "user-1",
			AccountID:   testAccount,
			WorkspaceID: "ws-1",
			Role:        entitlements.RoleEditor,
			Tier:        entitlements.TierTwo,
			Via:         authz.ViaLookup,
		},
	}
}

func TestNewPublicID(t *testing.T) {
	id := NewPublicID("faq")
	assert.True(t, ValidPublicID(id), "id %q", id)
	assert.NotEqual(t, id, NewPublicID("faq"))

	weird := NewPublicID("My。Widget")
	assert.True(t, ValidPublicID(weird), "id %q", weird)
}

func TestCreateInstance(t *testing.T) {
	f := newFixture(t)
	inst, err := f.service.Create(context.Background(), f.grant, CreateInput{
		WidgetType: "faq",
		Config:     []byte(`{"title": "Help"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "ws-1", inst.WorkspaceID)
	assert.Equal(t, "widget-faq", inst.WidgetID)
	assert.Equal(t, StatusUnpublished, inst.Status)
	assert.Equal(t, defaultDisplayName, inst.DisplayName)
	assert.True(t, ValidPublicID(inst.PublicID))
}

func TestCreateInstanceRegistersNewWidgetType(t *testing.T) {
	f := newFixture(t)
	inst, err := f.service.Create(context.Background(), f.grant, CreateInput{
		WidgetType: "countdown",
		WidgetName: "Countdown Timer",
		Config:     []byte(`{}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, inst.WidgetID)

	widgets := f.store.Rows("widgets")
	require.Len(t, widgets, 2)
	assert.Equal(t, "Countdown Timer", widgets[1].String("name"))
}

func TestCreateInstanceSyncsUsage(t *testing.T) {
	f := newFixture(t)
	inst, err := f.service.Create(context.Background(), f.grant, CreateInput{
		WidgetType: "faq",
		Config:     []byte(`{"logo": "/assets/o/` + testAccount + `/` + testAsset + `/logo.png"}`),
	})
	require.NoError(t, err)

	usage := f.store.Rows("account_asset_usage")
	require.Len(t, usage, 1)
	assert.Equal(t, inst.PublicID, usage[0].String("public_id"))
	assert.Equal(t, "config.logo", usage[0].String("config_path"))
}

func TestCreateInstanceRollsBackWhenSyncFails(t *testing.T) {
	f := newFixture(t)
	// Remove the RPC handler so the post-insert sync fails while the
	// pre-insert validation (a plain select) still passes.
	f.store.Handle("replace_asset_usage", func(args map[string]any) (any, error) {
		return nil, assertErr
	})

	_, err := f.service.Create(context.Background(), f.grant, CreateInput{
		WidgetType: "faq",
		Config:     []byte(`{}`),
	})
	require.Error(t, err)
	assert.Empty(t, f.store.Rows("widget_instances"))
}

var assertErr = &recordstore.UpstreamError{Op: "call replace_asset_usage", Status: 500, Detail: "boom"}

func TestCreateInstanceRejectsCrossAccountAsset(t *testing.T) {
	f := newFixture(t)
	other := "99999999-8888-7777-6666-555555555555"
	_, err := f.service.Create(context.Background(), f.grant, CreateInput{
		WidgetType: "faq",
		Config:     []byte(`{"logo": "/assets/o/` + other + `/` + testAsset + `/logo.png"}`),
	})
	var apiErr *httpx.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, httpx.KindValidation, apiErr.Kind)
	assert.Empty(t, f.store.Rows("widget_instances"))
}

func TestCreateInstanceDuplicatePublicID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	input := CreateInput{
		WidgetType: "faq",
		PublicID:   "wgt_faq_u_abc123",
		Config:     []byte(`{}`),
	}
	_, err := f.service.Create(ctx, f.grant, input)
	require.NoError(t, err)

	_, err = f.service.Create(ctx, f.grant, input)
	var apiErr *httpx.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, httpx.KindConflict, apiErr.Kind)
}

func TestCreateInstanceValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []struct {
		name  string
		input CreateInput
	}{
		{"bad widget type", CreateInput{WidgetType: "FAQ!", Config: []byte(`{}`)}},
		{"bad status", CreateInput{WidgetType: "faq", Status: "archived", Config: []byte(`{}`)}},
		{"bad public id", CreateInput{WidgetType: "faq", PublicID: "wgt_curated_faq", Config: []byte(`{}`)}},
		{"config not object", CreateInput{WidgetType: "faq", Config: []byte(`[1,2]`)}},
		{"config too large", CreateInput{WidgetType: "faq", Config: bigConfig()}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.service.Create(ctx, f.grant, tc.input)
			var apiErr *httpx.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, httpx.KindValidation, apiErr.Kind)
		})
	}
}

func bigConfig() []byte {
	out := []byte(`{"pad": "`)
	for len(out) < maxConfigBytes {
		out = append(out, 'x')
	}
	return append(out, `"}`...)
}

func TestViewerCannotMutate(t *testing.T) {
	f := newFixture(t)
	grant := f.grant
	grant.Role = entitlements.RoleViewer

	_, err := f.service.Create(context.Background(), grant, CreateInput{
		WidgetType: "faq",
		Config:     []byte(`{}`),
	})
	var apiErr *httpx.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, httpx.KindDeny, apiErr.Kind)
}

func TestUpdateInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.service.Create(ctx, f.grant, CreateInput{
		WidgetType: "faq",
		PublicID:   "wgt_faq_u_abc123",
		Config:     []byte(`{"title": "Old"}`),
	})
	require.NoError(t, err)

	name := "Renamed"
	updated, err := f.service.Update(ctx, f.grant, created.PublicID, UpdateInput{
		DisplayName: &name,
		Config:      []byte(`{"logo": "/assets/o/` + testAccount + `/` + testAsset + `/a.png"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.DisplayName)

	usage := f.store.Rows("account_asset_usage")
	require.Len(t, usage, 1)
	assert.Equal(t, "config.logo", usage[0].String("config_path"))
}

func TestUpdateInvalidConfigLeavesRowUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.service.Create(ctx, f.grant, CreateInput{
		WidgetType: "faq",
		PublicID:   "wgt_faq_u_abc123",
		Config:     []byte(`{"title": "Old"}`),
	})
	require.NoError(t, err)

	missing := "00000000-1111-2222-3333-444444444444"
	_, err = f.service.Update(ctx, f.grant, created.PublicID, UpdateInput{
		Config: []byte(`{"logo": "/assets/o/` + testAccount + `/` + missing + `/a.png"}`),
	})
	var apiErr *httpx.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, httpx.KindValidation, apiErr.Kind)

	current, err := f.service.Get(ctx, "ws-1", created.PublicID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title": "Old"}`, string(current.Config))
}

func TestUpdateMissingInstance(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Update(context.Background(), f.grant, "wgt_faq_u_none", UpdateInput{})
	var apiErr *httpx.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, httpx.KindNotFound, apiErr.Kind)
}

func TestDeleteInstanceClearsUsage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.service.Create(ctx, f.grant, CreateInput{
		WidgetType: "faq",
		PublicID:   "wgt_faq_u_abc123",
		Config:     []byte(`{"logo": "/assets/o/` + testAccount + `/` + testAsset + `/a.png"}`),
	})
	require.NoError(t, err)
	require.Len(t, f.store.Rows("account_asset_usage"), 1)

	require.NoError(t, f.service.Delete(ctx, f.grant, created.PublicID))
	assert.Empty(t, f.store.Rows("widget_instances"))
	assert.Empty(t, f.store.Rows("account_asset_usage"))

	err = f.service.Delete(ctx, f.grant, created.PublicID)
	var apiErr *httpx.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, httpx.KindNotFound, apiErr.Kind)
}

func TestPublishConsumesBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	grant := f.grant
	grant.Tier = entitlements.TierFree

	policy := entitlements.Resolve(grant.Tier, grant.Role)
	max := policy.Budgets[entitlements.BudgetPublishes].Max
	require.NotNil(t, max)

	for i := int64(0); i < *max; i++ {
		_, err := f.service.Create(ctx, grant, CreateInput{
			WidgetType: "faq",
			Status:     StatusPublished,
			Config:     []byte(`{}`),
		})
		require.NoError(t, err)
	}

	_, err := f.service.Create(ctx, grant, CreateInput{
		WidgetType: "faq",
		Status:     StatusPublished,
		Config:     []byte(`{}`),
	})
	var apiErr *httpx.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, httpx.KindDeny, apiErr.Kind)
	assert.Equal(t, "publish_budget_exceeded", apiErr.Reason)
}
