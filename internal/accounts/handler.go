package accounts

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/craftdeck/craftdeck/internal/identity"
	"github.com/craftdeck/craftdeck/internal/platform/httpx"
)

// Handler serves account provisioning. The route is reserved for
// trusted first-party services: signup runs in a sibling service that
// calls the control plane with the shared service secret.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	ids      *identity.Resolver
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, ids *identity.Resolver) *Handler {
	return &Handler{logger: logger, service: service, ids: ids, validate: validator.New()}
}

// MountRoutes registers provisioning routes under /api/accounts.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.provision)
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

func (h *Handler) provision(w http.ResponseWriter, r *http.Request) {
	if !h.ids.IsTrustedService(r) {
		httpx.RespondError(w, httpx.NewError(httpx.KindAuth, "service_credentials_required", 0))
		return
	}

	var input ProvisionInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, httpx.NewError(httpx.KindValidation, "payload_invalid", 0))
		return
	}
	if err := h.validate.Struct(input); err != nil {
		httpx.RespondError(w, validationError(err))
		return
	}

	acct, err := h.service.Provision(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"account": acct})
}
