package workspaces

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
	"github.com/craftdeck/craftdeck/internal/tenant"
)

// Handler manages workspace endpoints.
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

// MountRoutes registers workspace routes under /api/account.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireAccount(entitlements.RoleViewer))
		r.Get("/workspaces", h.list)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireWorkspaceCreate())
		r.Post("/workspaces", h.ledger.Wrap("workspaces.create", authz.RequestScope, h.create))
	})
}

type workspaceResponse struct {
	ID         string `json:"id"`
	AccountID  string `json:"accountId"`
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	Tier       string `json:"tier"`
	WebsiteURL string `json:"websiteUrl,omitempty"`
	CreatedAt  string `json:"createdAt,omitempty"`
	UpdatedAt  string `json:"updatedAt,omitempty"`
}

func toWorkspaceResponse(ws tenant.Workspace) workspaceResponse {
	return workspaceResponse{
		ID:         ws.ID,
		AccountID:  ws.AccountID,
		Name:       ws.Name,
		Slug:       ws.Slug,
		Tier:       string(ws.Tier),
		WebsiteURL: ws.WebsiteURL,
		CreatedAt:  ws.CreatedAt,
		UpdatedAt:  ws.UpdatedAt,
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	grant, _ := authz.GrantFrom(r.Context())
	rows, err := h.service.List(r.Context(), grant.AccountID)
	if err != nil {
		h.logger.Error("list workspaces failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]workspaceResponse, 0, len(rows))
	for _, ws := range rows {
		out = append(out, toWorkspaceResponse(ws))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"workspaces": out})
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

	ws, err := h.service.Create(r.Context(), grant.AccountID, grant.UserID, input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	// A claim-authorized create is the claim's one permitted use; it
	// is cleared only now that the create has succeeded.
	if grant.Via == authz.ViaOwnerClaim {
		if err := h.gate.ConsumeOwnerClaim(r.Context(), grant.AccountID); err != nil {
			h.logger.Warn("owner claim consume failed",
				slog.String("account_id", grant.AccountID),
				slog.Any("error", err))
		}
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"workspace": toWorkspaceResponse(ws)})
}
