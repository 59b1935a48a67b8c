package instances

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/craftdeck/craftdeck/internal/authz"
	"github.com/craftdeck/craftdeck/internal/entitlements"
	"github.com/craftdeck/craftdeck/internal/idempotency"
	"github.com/craftdeck/craftdeck/internal/platform/httpx"
)

// Handler manages widget instance endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	gate     *authz.Gate
	ledger   *idempotency.Ledger
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, gate *authz.Gate, ledger *idempotency.Ledger) *Handler {
	return &Handler{logger: logger, service: service, gate: gate, ledger: ledger, validate: validator.New()}
}

// validationError maps struct validation failures onto the error
// taxonomy, naming the first offending field in the reason code.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		field := strings.ToLower(fieldErrs[0].Field())
		return httpx.NewError(httpx.KindValidation, field+"_invalid", 0)
	}
	return httpx.NewError(httpx.KindValidation, "payload_invalid", 0)
}

// MountRoutes registers instance routes under
// /api/workspaces/{workspaceID}.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireWorkspace("workspaceID", entitlements.RoleViewer))
		r.Get("/instances", h.list)
		r.Get("/instances/{publicID}", h.get)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireWorkspace("workspaceID", entitlements.RoleEditor))
		r.Post("/instances", h.ledger.Wrap("instances.create", authz.RequestScope, h.create))
		r.Put("/instances/{publicID}", h.ledger.Wrap("instances.update", authz.RequestScope, h.update))
		r.Delete("/instances/{publicID}", h.ledger.Wrap("instances.delete", authz.RequestScope, h.remove))
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	grant, _ := authz.GrantFrom(r.Context())
	rows, err := h.service.List(r.Context(), grant.WorkspaceID)
	if err != nil {
		h.logger.Error("list instances failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"instances": rows})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	grant, _ := authz.GrantFrom(r.Context())
	inst, err := h.service.Get(r.Context(), grant.WorkspaceID, chi.URLParam(r, "publicID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"instance": inst})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	grant, _ := authz.GrantFrom(r.Context())

	var input CreateInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, httpx.NewError(httpx.KindValidation, "payload_invalid", 0))
		return
	}
	if err := h.validate.Struct(input); err != nil {
		httpx.RespondError(w, validationError(err))
		return
	}
	inst, err := h.service.Create(r.Context(), grant, input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"instance": inst})
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	grant, _ := authz.GrantFrom(r.Context())

	var input UpdateInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, httpx.NewError(httpx.KindValidation, "payload_invalid", 0))
		return
	}
	inst, err := h.service.Update(r.Context(), grant, chi.URLParam(r, "publicID"), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"instance": inst})
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	grant, _ := authz.GrantFrom(r.Context())
	if err := h.service.Delete(r.Context(), grant, chi.URLParam(r, "publicID")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"deleted": true})
}
