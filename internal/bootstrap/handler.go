package bootstrap

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/craftdeck/craftdeck/internal/authz"
	"github.com/craftdeck/craftdeck/internal/entitlements"
	"github.com/craftdeck/craftdeck/internal/platform/httpx"
)

// Handler serves the account bootstrap surface.
type Handler struct {
	logger  *slog.Logger
	builder *Builder
	gate    *authz.Gate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, builder *Builder, gate *authz.Gate) *Handler {
	return &Handler{logger: logger, builder: builder, gate: gate}
}

// MountRoutes registers bootstrap routes under /api/account.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireAccount(entitlements.RoleViewer))
		r.Get("/bootstrap", h.bootstrap)
		r.Get("/token", h.token)
		r.Get("/entitlements", h.entitlements)
	})
}

func (h *Handler) bootstrap(w http.ResponseWriter, r *http.Request) {
	grant, _ := authz.GrantFrom(r.Context())
	snap, err := h.builder.Build(r.Context(), grant, r.URL.Query().Get("workspaceId"))
	if err != nil {
		h.logger.Error("bootstrap failed",
			slog.String("account_id", grant.AccountID),
			slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

func (h *Handler) token(w http.ResponseWriter, r *http.Request) {
	grant, _ := authz.GrantFrom(r.Context())
	block, err := h.builder.BuildAuthz(r.Context(), grant, r.URL.Query().Get("workspaceId"))
	if err != nil {
		h.logger.Error("authz refresh failed",
			slog.String("account_id", grant.AccountID),
			slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"authz": block})
}

func (h *Handler) entitlements(w http.ResponseWriter, r *http.Request) {
	grant, _ := authz.GrantFrom(r.Context())
	snapshot, err := h.builder.Entitlements(r.Context(), grant)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entitlements": snapshot})
}
