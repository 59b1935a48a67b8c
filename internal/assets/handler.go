package assets

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/craftdeck/craftdeck/internal/authz"
	"github.com/craftdeck/craftdeck/internal/entitlements"
	"github.com/craftdeck/craftdeck/internal/platform/httpx"
)

// Enqueuer submits the out-of-band integrity audit for one account.
type Enqueuer interface {
	EnqueueAssetsIntegrity(ctx context.Context, accountID string) (string, error)
}

// Handler serves the asset maintenance surface.
type Handler struct {
	logger   *slog.Logger
	enqueuer Enqueuer
	gate     *authz.Gate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, enqueuer Enqueuer, gate *authz.Gate) *Handler {
	return &Handler{logger: logger, enqueuer: enqueuer, gate: gate}
}

// MountRoutes registers asset routes under /api/account.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireAccount(entitlements.RoleAdmin))
		r.Post("/assets/integrity-audit", h.enqueueIntegrityAudit)
	})
}

func (h *Handler) enqueueIntegrityAudit(w http.ResponseWriter, r *http.Request) {
	grant, _ := authz.GrantFrom(r.Context())
	if h.enqueuer == nil {
		httpx.RespondError(w, httpx.NewError(httpx.KindInternal, "job_queue_unavailable", http.StatusServiceUnavailable))
		return
	}
	taskID, err := h.enqueuer.EnqueueAssetsIntegrity(r.Context(), grant.AccountID)
	if err != nil {
		h.logger.Error("enqueue integrity audit failed",
			slog.String("account_id", grant.AccountID),
			slog.Any("error", err))
		httpx.RespondError(w, httpx.NewError(httpx.KindInternal, "job_enqueue_failed", 0).WithDetail(err.Error()))
		return
	}
	h.logger.Info("integrity audit enqueued",
		slog.String("account_id", grant.AccountID),
		slog.String("task_id", taskID))
	httpx.JSON(w, http.StatusAccepted, map[string]any{
		"accepted": true,
		"taskId":   taskID,
	})
}
