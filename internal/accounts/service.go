// Package accounts provisions accounts for the signup flow. The
// creating user receives a bootstrap owner claim instead of a
// membership row; the claim authorizes their first workspace creation
// and is cleared when it succeeds.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/craftdeck/craftdeck/internal/authz"
	"github.com/craftdeck/craftdeck/internal/platform/httpx"
	"github.com/craftdeck/craftdeck/internal/recordstore"
)

const maxAccountNameLen = 120

// ProvisionInput is an account provisioning request.
type ProvisionInput struct {
	Name   string `json:"name" validate:"required,max=120"`
	UserID string `json:"userId" validate:"required"`
}

// Account is a provisioned account row.
type Account struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// Service provisions accounts.
type Service struct {
	store  recordstore.Store
	claims *authz.OwnerClaims
	logger *slog.Logger
}

// NewService constructs a Service.
func NewService(store recordstore.Store, claims *authz.OwnerClaims, logger *slog.Logger) *Service {
	return &Service{store: store, claims: claims, logger: logger}
}

// Provision inserts an active account and grants the creating user the
// bootstrap owner claim. No membership row is written: the claim
// bridges the gap until the user's first workspace creation.
func (s *Service) Provision(ctx context.Context, input ProvisionInput) (Account, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" || len(name) > maxAccountNameLen {
		return Account{}, httpx.NewError(httpx.KindValidation, "account_name_invalid", 0)
	}
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return Account{}, httpx.NewError(httpx.KindValidation, "user_id_required", 0)
	}

	row, err := s.store.Insert(ctx, "accounts", recordstore.Row{
		"name":   name,
		"status": "active",
	}, true)
	if errors.Is(err, recordstore.ErrConflict) {
		return Account{}, httpx.NewError(httpx.KindConflict, "account_conflict", 0)
	}
	if err != nil {
		return Account{}, fmt.Errorf("accounts: insert: %w", err)
	}

	acct := Account{
		ID:        row.String("id"),
		Name:      row.String("name"),
		Status:    row.String("status"),
		CreatedAt: row.String("created_at"),
	}
	if err := s.claims.Grant(ctx, acct.ID, userID); err != nil {
		return Account{}, fmt.Errorf("accounts: grant owner claim: %w", err)
	}

	s.logger.Info("account provisioned",
		slog.String("account_id", acct.ID),
		slog.String("user_id", userID))
	return acct, nil
}
