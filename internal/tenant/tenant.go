// Package tenant holds the account/workspace/membership domain rows
// and their record-store loaders shared by the authorization gate and
// every feature package.
package tenant

import (
	"context"
	"strings"

	"github.com/craftdeck/craftdeck/internal/entitlements"
	"github.com/craftdeck/craftdeck/internal/recordstore"
)

// Account is an account row.
type Account struct {
	ID     string
	Status string
}

// Workspace is a workspace row.
type Workspace struct {
	ID         string
	AccountID  string
	Tier       entitlements.Tier
	Name       string
	Slug       string
	WebsiteURL string
	CreatedAt  string
	UpdatedAt  string
}

// Member is a membership row.
type Member struct {
	UserID string            `json:"userId"`
	Role   entitlements.Role `json:"role"`
}

// Directory reads tenancy rows through the record store.
type Directory struct {
	store recordstore.Store
}

// NewDirectory constructs a Directory.
func NewDirectory(store recordstore.Store) *Directory {
	return &Directory{store: store}
}

// Store exposes the underlying record store for callers that need raw
// row access alongside directory lookups.
func (d *Directory) Store() recordstore.Store {
	return d.store
}

func workspaceFromRow(row recordstore.Row) Workspace {
	return Workspace{
		ID:         row.String("id"),
		AccountID:  row.String("account_id"),
		Tier:       entitlements.ParseTier(row.String("tier")),
		Name:       row.String("name"),
		Slug:       row.String("slug"),
		WebsiteURL: row.String("website_url"),
		CreatedAt:  row.String("created_at"),
		UpdatedAt:  row.String("updated_at"),
	}
}

// Workspace loads one workspace by id. Missing rows return found=false
// with a nil error.
func (d *Directory) Workspace(ctx context.Context, workspaceID string) (Workspace, bool, error) {
	rows, err := d.store.Select(ctx, recordstore.NewQuery("workspaces").
		Columns("id", "account_id", "tier", "name", "slug", "website_url", "created_at", "updated_at").
		Where(recordstore.Eq("id", workspaceID)).
		Take(1))
	if err != nil {
		return Workspace{}, false, err
	}
	if len(rows) == 0 {
		return Workspace{}, false, nil
	}
	return workspaceFromRow(rows[0]), true, nil
}

// AccountWorkspaces loads every workspace owned by an account.
func (d *Directory) AccountWorkspaces(ctx context.Context, accountID string) ([]Workspace, error) {
	rows, err := d.store.Select(ctx, recordstore.NewQuery("workspaces").
		Columns("id", "account_id", "tier", "name", "slug", "website_url", "created_at", "updated_at").
		Where(recordstore.Eq("account_id", accountID)).
		Order("name", false))
	if err != nil {
		return nil, err
	}
	out := make([]Workspace, 0, len(rows))
	for _, row := range rows {
		out = append(out, workspaceFromRow(row))
	}
	return out, nil
}

// Account loads one account by id.
func (d *Directory) Account(ctx context.Context, accountID string) (Account, bool, error) {
	rows, err := d.store.Select(ctx, recordstore.NewQuery("accounts").
		Columns("id", "status").
		Where(recordstore.Eq("id", accountID)).
		Take(1))
	if err != nil {
		return Account{}, false, err
	}
	if len(rows) == 0 {
		return Account{}, false, nil
	}
	return Account{ID: rows[0].String("id"), Status: rows[0].String("status")}, true, nil
}

// WorkspaceRole resolves a user's role on a workspace, "" when the
// membership row is absent.
func (d *Directory) WorkspaceRole(ctx context.Context, workspaceID, userID string) (entitlements.Role, error) {
	rows, err := d.store.Select(ctx, recordstore.NewQuery("workspace_members").
		Columns("role").
		Where(recordstore.Eq("workspace_id", workspaceID), recordstore.Eq("user_id", userID)).
		Take(1))
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	return entitlements.ParseRole(strings.TrimSpace(rows[0].String("role"))), nil
}

// AccountRole resolves a user's role on an account, "" when absent.
func (d *Directory) AccountRole(ctx context.Context, accountID, userID string) (entitlements.Role, error) {
	rows, err := d.store.Select(ctx, recordstore.NewQuery("account_members").
		Columns("role").
		Where(recordstore.Eq("account_id", accountID), recordstore.Eq("user_id", userID)).
		Take(1))
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	return entitlements.ParseRole(strings.TrimSpace(rows[0].String("role"))), nil
}

// AccountForUser finds the account a user belongs to along with the
// user's role there. Users hold exactly one account membership; when
// none exists both return values are empty.
func (d *Directory) AccountForUser(ctx context.Context, userID string) (string, entitlements.Role, error) {
	rows, err := d.store.Select(ctx, recordstore.NewQuery("account_members").
		Columns("account_id", "role").
		Where(recordstore.Eq("user_id", userID)).
		Take(1))
	if err != nil {
		return "", "", err
	}
	if len(rows) == 0 {
		return "", "", nil
	}
	return rows[0].String("account_id"), entitlements.ParseRole(rows[0].String("role")), nil
}

// WorkspaceMembers lists the memberships of a workspace.
func (d *Directory) WorkspaceMembers(ctx context.Context, workspaceID string) ([]Member, error) {
	rows, err := d.store.Select(ctx, recordstore.NewQuery("workspace_members").
		Columns("user_id", "role").
		Where(recordstore.Eq("workspace_id", workspaceID)).
		Order("user_id", false))
	if err != nil {
		return nil, err
	}
	out := make([]Member, 0, len(rows))
	for _, row := range rows {
		out = append(out, Member{
			UserID: row.String("user_id"),
			Role:   entitlements.ParseRole(row.String("role")),
		})
	}
	return out, nil
}
