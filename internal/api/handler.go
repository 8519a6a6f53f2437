// Package api is the HTTP protocol layer: it wires gorilla/mux routes to
// the catalog, upload manager, manifest engine and auth service, and
// translates their errors into the OCI error envelope (§6, §7).
package api

import (
	"context"
	"net/http"

	"github.com/ocihub/registry/internal/audit"
	"github.com/ocihub/registry/internal/auth"
	"github.com/ocihub/registry/internal/catalog"
	"github.com/ocihub/registry/internal/config"
	"github.com/ocihub/registry/internal/manifest"
	"github.com/ocihub/registry/internal/upload"
	"github.com/ocihub/registry/internal/webhook"
)

// Handler holds every service the router's handlers call into.
type Handler struct {
	Config   *config.Config
	Catalog  *catalog.Store
	Upload   *upload.Manager
	Manifest *manifest.Engine
	Auth     *auth.Service
	Audit    *audit.Service
	Webhook  *webhook.Service
}

func NewHandler(cfg *config.Config, store *catalog.Store, up *upload.Manager, man *manifest.Engine, authSvc *auth.Service, auditSvc *audit.Service, hook *webhook.Service) *Handler {
	return &Handler{
		Config:   cfg,
		Catalog:  store,
		Upload:   up,
		Manifest: man,
		Auth:     authSvc,
		Audit:    auditSvc,
		Webhook:  hook,
	}
}

// accountUser resolves the authenticated subject, if any, to a *catalog.User.
// A bearer token's subject is either "anonymous" or a user's email (§4.6).
func (h *Handler) accountUser(ctx context.Context) *catalog.User {
	subject := auth.SubjectFromContext(ctx)
	if subject == "" || subject == "anonymous" {
		return nil
	}
	u, err := h.Catalog.GetUserByEmail(ctx, subject)
	if err != nil {
		return nil
	}
	return u
}

// repoOrNil resolves a repository by name, returning nil (not an error) if
// it does not exist yet — callers that can create it on demand (push)
// treat nil specially; callers that cannot (pull) turn nil into NAME_UNKNOWN.
func (h *Handler) repoOrNil(ctx context.Context, name string) (*catalog.Repository, error) {
	repo, err := h.Catalog.GetRepositoryByName(ctx, name)
	if err == catalog.ErrNotFound {
		return nil, nil
	}
	return repo, err
}

// authorize checks the request's bearer-token scopes first (fast path, no
// DB hit), falling back to a full CheckScope policy evaluation so a
// same-request Basic-auth'd caller or a public repository still works
// without first round-tripping through /token (§4.6).
func (h *Handler) authorize(r *http.Request, repoName string, repo *catalog.Repository, action catalog.Action) bool {
	if auth.AuthorizedFor(r.Context(), repoName, action) {
		return true
	}
	user := h.accountUser(r.Context())
	allowed, err := h.Auth.CheckScope(r.Context(), user, repo, action)
	return err == nil && allowed
}
