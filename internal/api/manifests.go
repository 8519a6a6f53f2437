package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/ocihub/registry/internal/auth"
	"github.com/ocihub/registry/internal/catalog"
	manifestpkg "github.com/ocihub/registry/internal/manifest"
	"github.com/ocihub/registry/internal/ocierr"
	"github.com/ocihub/registry/internal/webhook"
)

// PutManifest implements PUT /v2/<name>/manifests/<reference> (§4.5, §6).
func (h *Handler) PutManifest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	repoName, reference := vars["name"], vars["reference"]

	repo, err := h.Catalog.CreateRepository(r.Context(), repoName, false)
	if err != nil {
		ocierr.WriteUnknown(w, err)
		return
	}
	if !h.authorize(r, repoName, repo, catalog.ActionPush) {
		ocierr.Write(w, ocierr.New(ocierr.Unauthorized, "push access denied"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, manifestpkg.MaxBodySize+1))
	if err != nil {
		ocierr.WriteUnknown(w, err)
		return
	}
	if len(body) > manifestpkg.MaxBodySize {
		ocierr.Write(w, ocierr.New(ocierr.ManifestInvalid, "manifest body too large"))
		return
	}

	m, err := h.Manifest.Put(r.Context(), repo, reference, r.Header.Get("Content-Type"), body)
	if err != nil {
		writeManifestError(w, err)
		return
	}

	w.Header().Set("Docker-Content-Digest", m.Digest)
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/manifests/%s", repoName, m.Digest))
	w.WriteHeader(http.StatusCreated)

	if h.Webhook != nil {
		go h.Webhook.Notify(context.Background(), webhook.Event{
			Action:     "push",
			Repository: repoName,
			Reference:  reference,
			Digest:     m.Digest,
			Account:    accountNameOrAnonymous(r),
		})
	}
	if h.Audit != nil {
		user := h.accountUser(r.Context())
		var userID *int64
		if user != nil {
			userID = &user.ID
		}
		_ = h.Audit.Log(r.Context(), userID, "push", repoName, map[string]any{"reference": reference, "digest": m.Digest})
	}
}

// GetManifest implements GET/HEAD /v2/<name>/manifests/<reference> (§4.5, §6).
func (h *Handler) GetManifest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	repoName, reference := vars["name"], vars["reference"]

	repo, err := h.repoOrNil(r.Context(), repoName)
	if err != nil {
		ocierr.WriteUnknown(w, err)
		return
	}
	if repo == nil || !h.authorize(r, repoName, repo, catalog.ActionPull) {
		ocierr.Write(w, ocierr.New(ocierr.NameUnknown, "repository not found"))
		return
	}

	m, reader, err := h.Manifest.Get(r.Context(), repo, reference)
	if err != nil {
		writeManifestError(w, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", m.MediaType)
	w.Header().Set("Docker-Content-Digest", m.Digest)
	w.Header().Set("Content-Length", strconv.FormatInt(m.Size, 10))

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	io.Copy(w, reader)
}

// DeleteManifest implements DELETE /v2/<name>/manifests/<reference> (§4.5, §6).
func (h *Handler) DeleteManifest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	repoName, reference := vars["name"], vars["reference"]

	repo, err := h.repoOrNil(r.Context(), repoName)
	if err != nil {
		ocierr.WriteUnknown(w, err)
		return
	}
	if repo == nil || !h.authorize(r, repoName, repo, catalog.ActionDelete) {
		ocierr.Write(w, ocierr.New(ocierr.NameUnknown, "repository not found"))
		return
	}

	if err := h.Manifest.Delete(r.Context(), repo, reference); err != nil {
		writeManifestError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ListTags implements GET /v2/<name>/tags/list, with n/last pagination and
// a Link: rel="next" header when more results remain (§6).
func (h *Handler) ListTags(w http.ResponseWriter, r *http.Request) {
	repoName := mux.Vars(r)["name"]

	repo, err := h.repoOrNil(r.Context(), repoName)
	if err != nil {
		ocierr.WriteUnknown(w, err)
		return
	}
	if repo == nil || !h.authorize(r, repoName, repo, catalog.ActionPull) {
		ocierr.Write(w, ocierr.New(ocierr.NameUnknown, "repository not found"))
		return
	}

	n := 0
	if raw := r.URL.Query().Get("n"); raw != "" {
		n, _ = strconv.Atoi(raw)
	}
	last := r.URL.Query().Get("last")

	tags, err := h.Manifest.ListTags(r.Context(), repo, n, last)
	if err != nil {
		ocierr.WriteUnknown(w, err)
		return
	}

	if n > 0 && len(tags) == n {
		next := fmt.Sprintf("/v2/%s/tags/list?n=%d&last=%s", repoName, n, tags[len(tags)-1])
		w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="next"`, next))
	}

	resp := struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}{Name: repoName, Tags: tags}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// DeleteTag implements DELETE /v2/<name>/tags/<tag>, an extension used by
// the registry's own repository management rather than the bare OCI
// distribution spec (which only deletes manifests by digest).
func (h *Handler) DeleteTag(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	repoName, tag := vars["name"], vars["tag"]

	repo, err := h.repoOrNil(r.Context(), repoName)
	if err != nil {
		ocierr.WriteUnknown(w, err)
		return
	}
	if repo == nil || !h.authorize(r, repoName, repo, catalog.ActionDelete) {
		ocierr.Write(w, ocierr.New(ocierr.NameUnknown, "repository not found"))
		return
	}

	if err := h.Manifest.DeleteTag(r.Context(), repo, tag); err != nil {
		writeManifestError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// GetReferrers implements GET /v2/<name>/referrers/<digest> (§4.5, §6): an
// OCI Image Index listing every manifest in the repository whose "subject"
// descriptor points at digest.
func (h *Handler) GetReferrers(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	repoName, dgst := vars["name"], vars["digest"]

	repo, err := h.repoOrNil(r.Context(), repoName)
	if err != nil {
		ocierr.WriteUnknown(w, err)
		return
	}
	if repo == nil || !h.authorize(r, repoName, repo, catalog.ActionPull) {
		ocierr.Write(w, ocierr.New(ocierr.NameUnknown, "repository not found"))
		return
	}

	index, err := h.Manifest.Referrers(r.Context(), repo, dgst)
	if err != nil {
		ocierr.WriteUnknown(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.oci.image.index.v1+json")
	json.NewEncoder(w).Encode(index)
}

func writeManifestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manifestpkg.ErrNotFound):
		ocierr.Write(w, ocierr.New(ocierr.ManifestUnknown, "manifest not found"))
	case errors.Is(err, manifestpkg.ErrTooLarge):
		ocierr.Write(w, ocierr.New(ocierr.ManifestInvalid, err.Error()))
	case errors.Is(err, manifestpkg.ErrDigestMismatch):
		ocierr.Write(w, ocierr.New(ocierr.DigestInvalid, err.Error()))
	case errors.Is(err, manifestpkg.ErrBadManifest):
		ocierr.Write(w, ocierr.New(ocierr.ManifestInvalid, err.Error()))
	case errors.Is(err, manifestpkg.ErrMissingRef):
		ocierr.Write(w, ocierr.New(ocierr.ManifestBlobUnknown, err.Error()))
	default:
		ocierr.WriteUnknown(w, err)
	}
}

func accountNameOrAnonymous(r *http.Request) string {
	if subject := auth.SubjectFromContext(r.Context()); subject != "" {
		return subject
	}
	return "anonymous"
}
