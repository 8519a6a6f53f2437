package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ocihub/registry/internal/auth"
	"github.com/ocihub/registry/internal/ocierr"
)

// BaseCheck implements GET /v2/, the API-version probe every client issues
// before anything else. It returns 200 for an authenticated principal
// (bearer or Basic) and 401 for an anonymous one (§4.7, §6).
func (h *Handler) BaseCheck(w http.ResponseWriter, r *http.Request) {
	if auth.SubjectFromContext(r.Context()) == "" {
		h.Auth.Challenge(w, r, "")
		return
	}
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("{}"))
}

// ListCatalog implements GET /v2/_catalog with n/last pagination (§6).
// Listing is admin-only: it enumerates every repository name, public and
// private, so per-repository scope grants don't apply here the way they
// do on every other endpoint.
func (h *Handler) ListCatalog(w http.ResponseWriter, r *http.Request) {
	user := h.accountUser(r.Context())
	if user == nil || !user.IsAdmin {
		ocierr.Write(w, ocierr.New(ocierr.Denied, "catalog listing requires admin"))
		return
	}

	n := 0
	if raw := r.URL.Query().Get("n"); raw != "" {
		n, _ = strconv.Atoi(raw)
	}
	last := r.URL.Query().Get("last")

	names, err := h.Catalog.ListRepositories(r.Context(), n, last)
	if err != nil {
		ocierr.WriteUnknown(w, err)
		return
	}

	if n > 0 && len(names) == n {
		next := fmt.Sprintf("/v2/_catalog?n=%d&last=%s", n, names[len(names)-1])
		w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="next"`, next))
	}

	resp := struct {
		Repositories []string `json:"repositories"`
	}{Repositories: names}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
