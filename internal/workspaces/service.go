// Package workspaces provisions and lists workspaces for an account.
package workspaces

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/craftdeck/craftdeck/internal/entitlements"
	"github.com/craftdeck/craftdeck/internal/platform/httpx"
	"github.com/craftdeck/craftdeck/internal/recordstore"
	"github.com/craftdeck/craftdeck/internal/tenant"
)

const (
	minNameLen = 2
	maxNameLen = 80

	// slugAttempts bounds how many suffixed slugs are tried before
	// the create is rejected as a conflict.
	slugAttempts = 12
)

// CreateInput is a workspace creation request.
type CreateInput struct {
	Name string `json:"name" validate:"required,max=80"`
	Slug string `json:"slug" validate:"omitempty,max=80"`
}

// Service provisions workspaces.
type Service struct {
	store  recordstore.Store
	dir    *tenant.Directory
	logger *slog.Logger
}

// NewService constructs a Service.
func NewService(store recordstore.Store, dir *tenant.Directory, logger *slog.Logger) *Service {
	return &Service{store: store, dir: dir, logger: logger}
}

// List returns the account's workspaces.
func (s *Service) List(ctx context.Context, accountID string) ([]tenant.Workspace, error) {
	return s.dir.AccountWorkspaces(ctx, accountID)
}

// Create provisions a workspace on the free tier. Slug collisions are
// retried with a numeric suffix; when every candidate is taken the
// create fails with a conflict. The creating user is written as the
// workspace owner.
func (s *Service) Create(ctx context.Context, accountID, userID string, input CreateInput) (tenant.Workspace, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return tenant.Workspace{}, httpx.NewError(httpx.KindValidation, "workspace_name_required", 0)
	}
	if len(name) < minNameLen || len(name) > maxNameLen {
		return tenant.Workspace{}, httpx.NewError(httpx.KindValidation, "workspace_name_invalid", 0)
	}
	base, ok := slugBase(input.Slug, name)
	if !ok {
		return tenant.Workspace{}, httpx.NewError(httpx.KindValidation, "workspace_slug_invalid", 0)
	}

	var created recordstore.Row
	for attempt := 0; attempt < slugAttempts; attempt++ {
		slug := base
		if attempt > 0 {
			slug = fmt.Sprintf("%s-%d", base, attempt+1)
		}
		row, err := s.store.Insert(ctx, "workspaces", recordstore.Row{
			"account_id": accountID,
			"name":       name,
			"slug":       slug,
			"tier":       string(entitlements.TierFree),
		}, true)
		if errors.Is(err, recordstore.ErrConflict) {
			continue
		}
		if err != nil {
			return tenant.Workspace{}, fmt.Errorf("workspaces: insert: %w", err)
		}
		created = row
		break
	}
	if created == nil {
		return tenant.Workspace{}, httpx.NewError(httpx.KindConflict, "workspace_slug_conflict", 0)
	}

	ws := tenant.Workspace{
		ID:         created.String("id"),
		AccountID:  created.String("account_id"),
		Tier:       entitlements.ParseTier(created.String("tier")),
		Name:       created.String("name"),
		Slug:       created.String("slug"),
		WebsiteURL: created.String("website_url"),
		CreatedAt:  created.String("created_at"),
		UpdatedAt:  created.String("updated_at"),
	}

	if userID != "" {
		_, err := s.store.Insert(ctx, "workspace_members", recordstore.Row{
			"workspace_id": ws.ID,
			"user_id":      userID,
			"role":         string(entitlements.RoleOwner),
		}, false)
		if err != nil && !errors.Is(err, recordstore.ErrConflict) {
			return tenant.Workspace{}, fmt.Errorf("workspaces: write owner membership: %w", err)
		}
	}

	s.logger.Info("workspace created",
		slog.String("workspace_id", ws.ID),
		slog.String("account_id", accountID),
		slog.String("slug", ws.Slug))
	return ws, nil
}
