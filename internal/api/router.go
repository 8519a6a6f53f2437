package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter builds the full protocol router: the OCI Distribution v2 tree
// under /v2, plus the bearer-token endpoint, wrapped in the auth
// middleware and a logging/CORS layer (§6, §4.6).
func NewRouter(h *Handler) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/token", h.Auth.TokenHandler).Methods(http.MethodGet)

	v2 := r.PathPrefix("/v2").Subrouter()
	v2.Use(h.Auth.Middleware)

	v2.HandleFunc("/", h.BaseCheck).Methods(http.MethodGet)
	v2.HandleFunc("/_catalog", h.ListCatalog).Methods(http.MethodGet)

	// Upload routes must be registered before the bare manifests/blobs
	// routes below: gorilla/mux matches in registration order, and
	// {name:.+} is greedy enough to swallow "/blobs/uploads/..." if a less
	// specific pattern were tried first.
	v2.HandleFunc("/{name:.+}/blobs/uploads/", h.StartBlobUpload).Methods(http.MethodPost)
	v2.HandleFunc("/{name:.+}/blobs/uploads/{uuid}", h.PatchBlobUpload).Methods(http.MethodPatch)
	v2.HandleFunc("/{name:.+}/blobs/uploads/{uuid}", h.PutBlobUpload).Methods(http.MethodPut)
	v2.HandleFunc("/{name:.+}/blobs/uploads/{uuid}", h.GetBlobUploadStatus).Methods(http.MethodGet)
	v2.HandleFunc("/{name:.+}/blobs/uploads/{uuid}", h.DeleteBlobUpload).Methods(http.MethodDelete)

	v2.HandleFunc("/{name:.+}/blobs/{digest}", h.HeadBlob).Methods(http.MethodHead)
	v2.HandleFunc("/{name:.+}/blobs/{digest}", h.GetBlob).Methods(http.MethodGet)
	v2.HandleFunc("/{name:.+}/blobs/{digest}", h.DeleteBlob).Methods(http.MethodDelete)

	v2.HandleFunc("/{name:.+}/manifests/{reference}", h.GetManifest).Methods(http.MethodGet, http.MethodHead)
	v2.HandleFunc("/{name:.+}/manifests/{reference}", h.PutManifest).Methods(http.MethodPut)
	v2.HandleFunc("/{name:.+}/manifests/{reference}", h.DeleteManifest).Methods(http.MethodDelete)

	v2.HandleFunc("/{name:.+}/tags/list", h.ListTags).Methods(http.MethodGet)
	v2.HandleFunc("/{name:.+}/tags/{tag}", h.DeleteTag).Methods(http.MethodDelete)
	v2.HandleFunc("/{name:.+}/referrers/{digest}", h.GetReferrers).Methods(http.MethodGet)

	return globalMiddleware(r)
}

// globalMiddleware logs each request and sets the CORS headers a browser-
// based client (e.g. a registry UI) needs, matching the teacher's
// wrap-the-whole-router approach rather than per-route middleware.
func globalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Printf("%s %s\n", r.Method, r.URL.Path)

		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD, PATCH")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Docker-Upload-UUID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
