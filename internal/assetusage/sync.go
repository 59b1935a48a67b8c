package assetusage

import (
	"context"
	"fmt"
	"strings"

	"github.com/craftdeck/craftdeck/internal/recordstore"
)

// replaceUsageProc atomically swaps an instance's usage rows for a new
// set inside one transaction on the store side.
const replaceUsageProc = "replace_asset_usage"

// ValidationError marks a config that references assets it must not:
// cross-account references or assets that do not exist.
type ValidationError struct {
	ConfigPath string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("asset usage invalid at %s: %s", e.ConfigPath, e.Reason)
}

// Syncer validates and persists asset usage for widget instances.
type Syncer struct {
	store recordstore.Store
}

// NewSyncer constructs a Syncer.
func NewSyncer(store recordstore.Store) *Syncer {
	return &Syncer{store: store}
}

// validate rejects refs pointing outside the owning account and refs
// to assets the account does not hold. Existence is checked with one
// batched query over the distinct asset ids.
func (s *Syncer) validate(ctx context.Context, accountID string, refs []Ref) error {
	for _, ref := range refs {
		if ref.AccountID != accountID {
			return &ValidationError{
				ConfigPath: ref.ConfigPath,
				Reason:     "asset belongs to another account",
			}
		}
	}
	if len(refs) == 0 {
		return nil
	}

	seen := make(map[string]struct{})
	assetIDs := make([]string, 0, len(refs))
	for _, ref := range refs {
		if _, dup := seen[ref.AssetID]; dup {
			continue
		}
		seen[ref.AssetID] = struct{}{}
		assetIDs = append(assetIDs, ref.AssetID)
	}

	rows, err := s.store.Select(ctx, recordstore.NewQuery("account_assets").
		Columns("asset_id").
		Where(recordstore.Eq("account_id", accountID), recordstore.In("asset_id", assetIDs...)).
		Take(len(assetIDs)))
	if err != nil {
		return fmt.Errorf("assetusage: validate refs: %w", err)
	}
	existing := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if id := strings.TrimSpace(row.String("asset_id")); id != "" {
			existing[id] = struct{}{}
		}
	}
	for _, ref := range refs {
		if _, ok := existing[ref.AssetID]; !ok {
			return &ValidationError{
				ConfigPath: ref.ConfigPath,
				Reason:     "asset " + ref.AssetID + " not found",
			}
		}
	}
	return nil
}

// Validate checks a config's refs without touching the usage index.
// Mutations call it before writing the instance row so an invalid
// config never lands in the store.
func (s *Syncer) Validate(ctx context.Context, accountID, publicID string, config any) error {
	return s.validate(ctx, accountID, ExtractRefs(config, publicID))
}

// Sync extracts the refs from config, validates them, and replaces the
// instance's usage rows in one store call. It returns the number of
// rows now indexed for the instance.
func (s *Syncer) Sync(ctx context.Context, accountID, publicID string, config any) (int, error) {
	accountID = strings.TrimSpace(accountID)
	publicID = strings.TrimSpace(publicID)
	if !isCanonicalUUID(accountID) {
		return 0, &ValidationError{ConfigPath: "config", Reason: "invalid account id"}
	}
	if publicID == "" {
		return 0, &ValidationError{ConfigPath: "config", Reason: "empty public id"}
	}

	refs := ExtractRefs(config, publicID)
	if err := s.validate(ctx, accountID, refs); err != nil {
		return 0, err
	}

	rows := make([]map[string]any, 0, len(refs))
	for _, ref := range refs {
		rows = append(rows, map[string]any{
			"account_id":  ref.AccountID,
			"asset_id":    ref.AssetID,
			"public_id":   ref.PublicID,
			"config_path": ref.ConfigPath,
		})
	}
	var count int
	err := s.store.Call(ctx, replaceUsageProc, map[string]any{
		"p_account_id": accountID,
		"p_public_id":  publicID,
		"p_refs":       rows,
	}, &count)
	if err != nil {
		return 0, fmt.Errorf("assetusage: replace usage: %w", err)
	}
	return count, nil
}

// Clear removes every usage row for an instance. Used when an instance
// is deleted and as the compensation step when a create fails after
// its usage rows were written.
func (s *Syncer) Clear(ctx context.Context, accountID, publicID string) error {
	var count int
	err := s.store.Call(ctx, replaceUsageProc, map[string]any{
		"p_account_id": strings.TrimSpace(accountID),
		"p_public_id":  strings.TrimSpace(publicID),
		"p_refs":       []map[string]any{},
	}, &count)
	if err != nil {
		return fmt.Errorf("assetusage: clear usage: %w", err)
	}
	return nil
}

// Usage lists the asset ids currently indexed for an account, mapped
// to the instances referencing them.
func (s *Syncer) Usage(ctx context.Context, accountID string) (map[string][]string, error) {
	rows, err := s.store.Select(ctx, recordstore.NewQuery("account_asset_usage").
		Columns("asset_id", "public_id").
		Where(recordstore.Eq("account_id", accountID)).
		Order("asset_id", false))
	if err != nil {
		return nil, fmt.Errorf("assetusage: list usage: %w", err)
	}
	out := make(map[string][]string)
	for _, row := range rows {
		assetID := row.String("asset_id")
		out[assetID] = append(out[assetID], row.String("public_id"))
	}
	return out, nil
}
