package authz

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/craftdeck/craftdeck/internal/entitlements"
	"github.com/craftdeck/craftdeck/internal/platform/httpx"
)

type grantCtxKey struct{}

// WithGrant attaches a grant to the context.
func WithGrant(ctx context.Context, grant Grant) context.Context {
	return context.WithValue(ctx, grantCtxKey{}, grant)
}

// GrantFrom extracts the grant placed by the gate middleware.
func GrantFrom(ctx context.Context) (Grant, bool) {
	grant, ok := ctx.Value(grantCtxKey{}).(Grant)
	return grant, ok
}

// RequestScope is an idempotency scope derived from the authorized
// caller: the user id, or the account id for service callers.
func RequestScope(r *http.Request) string {
	grant, ok := GrantFrom(r.Context())
	if !ok {
		return ""
	}
	if grant.UserID != "" {
		return grant.UserID
	}
	return grant.AccountID
}

// RequireAccount authorizes account-scoped routes at the given minimum
// role and stores the grant in the request context.
func (g *Gate) RequireAccount(min entitlements.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			grant, err := g.AuthorizeAccount(r.Context(), r, min)
			if err != nil {
				httpx.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithGrant(r.Context(), grant)))
		})
	}
}

// RequireWorkspaceCreate authorizes the workspace creation route,
// accepting the bootstrap owner claim in place of a membership row.
func (g *Gate) RequireWorkspaceCreate() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			grant, err := g.AuthorizeWorkspaceCreate(r.Context(), r)
			if err != nil {
				httpx.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithGrant(r.Context(), grant)))
		})
	}
}

// RequireWorkspace authorizes workspace-scoped routes at the given
// minimum role. The workspace id is read from the named chi URL
// parameter.
func (g *Gate) RequireWorkspace(param string, min entitlements.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			workspaceID := chi.URLParam(r, param)
			grant, err := g.AuthorizeWorkspace(r.Context(), r, workspaceID, min)
			if err != nil {
				httpx.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithGrant(r.Context(), grant)))
		})
	}
}
