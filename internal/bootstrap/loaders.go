package bootstrap

import (
	"context"
	"fmt"
	"sort"

	"github.com/craftdeck/craftdeck/internal/entitlements"
	"github.com/craftdeck/craftdeck/internal/recordstore"
)

const (
	catalogRowLimit = 500
	usageRowLimit   = 5000

	fallbackDisplayName = "Untitled widget"
	unknownWidgetType   = "unknown"
)

// widgetTypesByID resolves widget rows to their type labels in one
// round trip.
func (b *Builder) widgetTypesByID(ctx context.Context, widgetIDs []string) (map[string]string, error) {
	if len(widgetIDs) == 0 {
		return map[string]string{}, nil
	}
	rows, err := b.store.Select(ctx, recordstore.NewQuery("widgets").
		Columns("id", "type").
		Where(recordstore.In("id", widgetIDs...)).
		Take(len(widgetIDs)))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load widget types: %w", err)
	}
	types := make(map[string]string, len(rows))
	for _, row := range rows {
		types[row.String("id")] = row.String("type")
	}
	return types, nil
}

func (b *Builder) loadWorkspaceCatalog(ctx context.Context, workspaceID string) ([]CatalogInstance, error) {
	rows, err := b.store.Select(ctx, recordstore.NewQuery("widget_instances").
		Columns("public_id", "display_name", "workspace_id", "widget_id").
		Where(recordstore.Eq("workspace_id", workspaceID)).
		Order("created_at", true).
		Take(catalogRowLimit))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load workspace instances: %w", err)
	}

	widgetIDs := make([]string, 0, len(rows))
	seen := map[string]struct{}{}
	for _, row := range rows {
		id := row.String("widget_id")
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		widgetIDs = append(widgetIDs, id)
	}
	types, err := b.widgetTypesByID(ctx, widgetIDs)
	if err != nil {
		return nil, err
	}

	out := make([]CatalogInstance, 0, len(rows))
	for _, row := range rows {
		widgetType := types[row.String("widget_id")]
		if widgetType == "" {
			widgetType = unknownWidgetType
		}
		displayName := row.String("display_name")
		if displayName == "" {
			displayName = fallbackDisplayName
		}
		out = append(out, CatalogInstance{
			PublicID:    row.String("public_id"),
			WidgetType:  widgetType,
			DisplayName: displayName,
			WorkspaceID: row.String("workspace_id"),
			Source:      "workspace",
		})
	}
	return out, nil
}

func (b *Builder) loadCuratedCatalog(ctx context.Context, ownerAccountID string) ([]CatalogInstance, error) {
	q := recordstore.NewQuery("curated_widget_instances").
		Columns("public_id", "widget_type", "display_name", "owner_account_id").
		Order("created_at", true).
		Take(catalogRowLimit)
	if ownerAccountID != "" {
		q = q.Where(recordstore.Eq("owner_account_id", ownerAccountID))
	}
	rows, err := b.store.Select(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load curated instances: %w", err)
	}
	out := make([]CatalogInstance, 0, len(rows))
	for _, row := range rows {
		widgetType := row.String("widget_type")
		if widgetType == "" {
			widgetType = unknownWidgetType
		}
		displayName := row.String("display_name")
		if displayName == "" {
			displayName = row.String("public_id")
		}
		out = append(out, CatalogInstance{
			PublicID:    row.String("public_id"),
			WidgetType:  widgetType,
			DisplayName: displayName,
			Source:      "curated",
		})
	}
	return out, nil
}

// mergeCatalogs keeps workspace rows over curated rows on public id
// collisions and preserves order otherwise.
func mergeCatalogs(primary, secondary []CatalogInstance) []CatalogInstance {
	merged := make([]CatalogInstance, 0, len(primary)+len(secondary))
	taken := make(map[string]struct{}, len(primary))
	for _, item := range primary {
		taken[item.PublicID] = struct{}{}
		merged = append(merged, item)
	}
	for _, item := range secondary {
		if _, ok := taken[item.PublicID]; ok {
			continue
		}
		taken[item.PublicID] = struct{}{}
		merged = append(merged, item)
	}
	return merged
}

func catalogTypes(instances []CatalogInstance) []string {
	seen := map[string]struct{}{}
	types := make([]string, 0, len(instances))
	for _, item := range instances {
		if item.WidgetType == unknownWidgetType {
			continue
		}
		if _, ok := seen[item.WidgetType]; ok {
			continue
		}
		seen[item.WidgetType] = struct{}{}
		types = append(types, item.WidgetType)
	}
	sort.Strings(types)
	return types
}

func (b *Builder) widgetsDomain(ctx context.Context, sc scope) (WidgetsDomain, error) {
	workspaceRows, err := b.loadWorkspaceCatalog(ctx, sc.workspace.ID)
	if err != nil {
		return WidgetsDomain{}, err
	}
	curatedRows, err := b.loadCuratedCatalog(ctx, sc.account.ID)
	if err != nil {
		return WidgetsDomain{}, err
	}

	policy := entitlements.Resolve(sc.workspace.Tier, sc.workspaceRole)
	canMutate := policy.CanMutate()
	catalog := mergeCatalogs(workspaceRows, curatedRows)
	for i := range catalog {
		canDelete := canMutate
		if catalog[i].Source == "curated" {
			canDelete = canMutate && b.curatedWrites
		}
		catalog[i].Actions = InstanceActions{
			Edit:      true,
			Duplicate: canMutate,
			Delete:    canDelete,
		}
	}

	return WidgetsDomain{
		AccountID:   sc.account.ID,
		WorkspaceID: sc.workspace.ID,
		WidgetTypes: catalogTypes(catalog),
		Instances:   catalog,
	}, nil
}

func (b *Builder) templatesDomain(ctx context.Context, sc scope) (TemplatesDomain, error) {
	curated, err := b.loadCuratedCatalog(ctx, "")
	if err != nil {
		return TemplatesDomain{}, err
	}
	instances := make([]TemplateInstance, 0, len(curated))
	for _, item := range curated {
		instances = append(instances, TemplateInstance{
			PublicID:    item.PublicID,
			WidgetType:  item.WidgetType,
			DisplayName: item.DisplayName,
		})
	}
	return TemplatesDomain{
		AccountID:   sc.account.ID,
		WorkspaceID: sc.workspace.ID,
		WidgetTypes: catalogTypes(curated),
		Instances:   instances,
	}, nil
}

func (b *Builder) loadAccountAssets(ctx context.Context, accountID string) ([]Asset, error) {
	rows, err := b.store.Select(ctx, recordstore.NewQuery("account_assets").
		Columns("asset_id", "filename", "mime_type", "size_bytes", "created_at").
		Where(recordstore.Eq("account_id", accountID)).
		Order("created_at", true).
		Take(catalogRowLimit))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load account assets: %w", err)
	}
	assets := make([]Asset, 0, len(rows))
	for _, row := range rows {
		assets = append(assets, Asset{
			AssetID:   row.String("asset_id"),
			Filename:  row.String("filename"),
			MimeType:  row.String("mime_type"),
			SizeBytes: row.Int64("size_bytes"),
			CreatedAt: row.String("created_at"),
		})
	}
	return assets, nil
}

func (b *Builder) assetsDomain(ctx context.Context, sc scope) (AssetsDomain, error) {
	assets, err := b.loadAccountAssets(ctx, sc.account.ID)
	if err != nil {
		return AssetsDomain{}, err
	}
	return AssetsDomain{
		AccountID:   sc.account.ID,
		WorkspaceID: sc.workspace.ID,
		Assets:      assets,
	}, nil
}

func (b *Builder) teamDomain(ctx context.Context, sc scope) (TeamDomain, error) {
	members, err := b.dir.WorkspaceMembers(ctx, sc.workspace.ID)
	if err != nil {
		return TeamDomain{}, fmt.Errorf("bootstrap: load workspace members: %w", err)
	}
	return TeamDomain{
		WorkspaceID: sc.workspace.ID,
		Role:        sc.workspaceRole,
		Members:     members,
	}, nil
}

func (b *Builder) billingDomain(_ context.Context, sc scope) (BillingDomain, error) {
	return BillingDomain{
		AccountID:  sc.account.ID,
		Role:       accountRoleLabel(sc.accountRole),
		Provider:   "stripe",
		Status:     "not_configured",
		ReasonCode: "billing_not_configured",
		Plan: BillingPlan{
			InferredTier:   sc.accountProfile,
			WorkspaceCount: len(sc.workspaces),
		},
		CheckoutAvailable: false,
		PortalAvailable:   false,
	}, nil
}

func (b *Builder) usageDomain(ctx context.Context, sc scope) (UsageDomain, error) {
	workspaceIDs := make([]string, 0, len(sc.workspaces))
	for _, ws := range sc.workspaces {
		workspaceIDs = append(workspaceIDs, ws.ID)
	}

	var instances []recordstore.Row
	if len(workspaceIDs) > 0 {
		rows, err := b.store.Select(ctx, recordstore.NewQuery("widget_instances").
			Columns("public_id", "status", "workspace_id").
			Where(recordstore.In("workspace_id", workspaceIDs...)).
			Take(usageRowLimit))
		if err != nil {
			return UsageDomain{}, fmt.Errorf("bootstrap: load account instances: %w", err)
		}
		instances = rows
	}
	published := 0
	for _, row := range instances {
		if row.String("status") == "published" {
			published++
		}
	}

	assets, err := b.loadAccountAssets(ctx, sc.account.ID)
	if err != nil {
		return UsageDomain{}, err
	}
	var assetBytes int64
	for _, asset := range assets {
		if asset.SizeBytes > 0 {
			assetBytes += asset.SizeBytes
		}
	}

	return UsageDomain{
		AccountID: sc.account.ID,
		Role:      accountRoleLabel(sc.accountRole),
		Usage: UsageTotals{
			Workspaces: len(sc.workspaces),
			Instances: InstanceTotals{
				Total:       len(instances),
				Published:   published,
				Unpublished: len(instances) - published,
			},
			Assets: AssetTotals{
				Total:       len(assets),
				Active:      len(assets),
				BytesActive: assetBytes,
			},
		},
	}, nil
}

func (b *Builder) settingsDomain(_ context.Context, sc scope) (SettingsDomain, error) {
	listings := make([]WorkspaceListing, 0, len(sc.workspaces))
	for _, ws := range sc.workspaces {
		listings = append(listings, WorkspaceListing{
			WorkspaceID: ws.ID,
			AccountID:   ws.AccountID,
			Tier:        ws.Tier,
			Name:        ws.Name,
			Slug:        ws.Slug,
			CreatedAt:   ws.CreatedAt,
			UpdatedAt:   ws.UpdatedAt,
		})
	}
	sort.Slice(listings, func(i, j int) bool { return listings[i].Name < listings[j].Name })

	return SettingsDomain{
		AccountSummary: AccountSummary{
			AccountID:      sc.account.ID,
			Status:         sc.account.Status,
			Role:           accountRoleLabel(sc.accountRole),
			WorkspaceCount: len(sc.workspaces),
		},
		WorkspaceSummary: WorkspaceSummary{
			WorkspaceID: sc.workspace.ID,
			AccountID:   sc.workspace.AccountID,
			Tier:        sc.workspace.Tier,
			Name:        sc.workspace.Name,
			Slug:        sc.workspace.Slug,
			Role:        sc.workspaceRole,
		},
		AccountWorkspaces: listings,
	}, nil
}
