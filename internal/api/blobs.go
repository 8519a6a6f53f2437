package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/ocihub/registry/internal/catalog"
	"github.com/ocihub/registry/internal/digest"
	"github.com/ocihub/registry/internal/ocierr"
	"github.com/ocihub/registry/internal/storagedriver"
	"github.com/ocihub/registry/internal/upload"
)

// HeadBlob implements HEAD /v2/<name>/blobs/<digest> (§6).
func (h *Handler) HeadBlob(w http.ResponseWriter, r *http.Request) {
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

	blob, err := h.Catalog.FindBlob(r.Context(), repo.ID, dgst)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			ocierr.Write(w, ocierr.New(ocierr.BlobUnknown, "blob not found"))
			return
		}
		ocierr.WriteUnknown(w, err)
		return
	}

	size, err := h.Manifest.Driver().Size(r.Context(), blob.FilePath)
	if err != nil {
		ocierr.WriteUnknown(w, err)
		return
	}

	w.Header().Set("Docker-Content-Digest", dgst)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
	w.WriteHeader(http.StatusOK)
}

// GetBlob implements GET /v2/<name>/blobs/<digest>, honoring an optional
// Range header for partial reads (§6).
func (h *Handler) GetBlob(w http.ResponseWriter, r *http.Request) {
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

	blob, err := h.Catalog.FindBlob(r.Context(), repo.ID, dgst)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			ocierr.Write(w, ocierr.New(ocierr.BlobUnknown, "blob not found"))
			return
		}
		ocierr.WriteUnknown(w, err)
		return
	}

	size, err := h.Manifest.Driver().Size(r.Context(), blob.FilePath)
	if err != nil {
		ocierr.WriteUnknown(w, err)
		return
	}

	var rang *storagedriver.Range
	status := http.StatusOK
	if rh := r.Header.Get("Range"); rh != "" {
		start, end, ok := parseRange(rh, size)
		if !ok {
			ocierr.Write(w, ocierr.New(ocierr.RangeInvalid, "invalid range").WithDetail(rh))
			return
		}
		rang = &storagedriver.Range{Start: start, End: end}
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		size = end - start + 1
	}

	reader, err := h.Manifest.Driver().Reader(r.Context(), blob.FilePath, rang)
	if err != nil {
		ocierr.WriteUnknown(w, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Docker-Content-Digest", dgst)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(status)
	io.Copy(w, reader)
}

// DeleteBlob implements DELETE /v2/<name>/blobs/<digest> (§4.3, §6). A blob
// still named by a manifest's layers is denied rather than silently
// orphaning the manifest's bytes on disk.
func (h *Handler) DeleteBlob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	repoName, dgst := vars["name"], vars["digest"]

	repo, err := h.repoOrNil(r.Context(), repoName)
	if err != nil {
		ocierr.WriteUnknown(w, err)
		return
	}
	if repo == nil || !h.authorize(r, repoName, repo, catalog.ActionDelete) {
		ocierr.Write(w, ocierr.New(ocierr.NameUnknown, "repository not found"))
		return
	}

	blob, err := h.Catalog.FindBlob(r.Context(), repo.ID, dgst)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			ocierr.Write(w, ocierr.New(ocierr.BlobUnknown, "blob not found"))
			return
		}
		ocierr.WriteUnknown(w, err)
		return
	}
	if blob.RefCount > 0 {
		ocierr.Write(w, ocierr.New(ocierr.Denied, "blob is still referenced by a manifest"))
		return
	}

	if err := h.Manifest.Driver().Delete(r.Context(), blob.FilePath); err != nil && !storagedriver.IsNotExist(err) {
		ocierr.WriteUnknown(w, err)
		return
	}
	if err := h.Catalog.DeleteBlob(r.Context(), repo.ID, dgst); err != nil {
		ocierr.WriteUnknown(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// StartBlobUpload implements POST /v2/<name>/blobs/uploads/ (§4.4, §6). It
// supports the cross-repository mount short-circuit via ?mount=&from=.
func (h *Handler) StartBlobUpload(w http.ResponseWriter, r *http.Request) {
	repoName := mux.Vars(r)["name"]

	repo, err := h.Catalog.CreateRepository(r.Context(), repoName, false)
	if err != nil {
		ocierr.WriteUnknown(w, err)
		return
	}
	if !h.authorize(r, repoName, repo, catalog.ActionPush) {
		ocierr.Write(w, ocierr.New(ocierr.Unauthorized, "push access denied"))
		return
	}

	mountDigest := r.URL.Query().Get("mount")
	fromRepo := r.URL.Query().Get("from")

	var sourceID *int64
	if fromRepo != "" {
		if src, err := h.Catalog.GetRepositoryByName(r.Context(), fromRepo); err == nil {
			sourceID = &src.ID
		}
	}

	if mountDigest != "" {
		sess, mounted, err := h.Upload.MountOrStart(r.Context(), repo.ID, mountDigest, sourceID)
		if err != nil {
			ocierr.WriteUnknown(w, err)
			return
		}
		if mounted != "" {
			w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repoName, mounted))
			w.Header().Set("Docker-Content-Digest", mounted)
			w.WriteHeader(http.StatusCreated)
			return
		}
		respondUploadAccepted(w, repoName, sess)
		return
	}

	sess, err := h.Upload.Start(r.Context(), repo.ID)
	if err != nil {
		ocierr.WriteUnknown(w, err)
		return
	}

	// A monolithic single-POST upload: body is present, digest query param
	// given (§4.4's degenerate one-shot case).
	if wantDigest := r.URL.Query().Get("digest"); wantDigest != "" {
		blob, err := h.Upload.Commit(r.Context(), repo.ID, sess.UUID, wantDigest, r.Body)
		if err != nil {
			writeUploadError(w, err)
			return
		}
		w.Header().Set("Docker-Content-Digest", blob.Digest)
		w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repoName, blob.Digest))
		w.WriteHeader(http.StatusCreated)
		return
	}

	respondUploadAccepted(w, repoName, sess)
}

// PatchBlobUpload implements PATCH /v2/<name>/blobs/uploads/<uuid> (§4.4, §6).
func (h *Handler) PatchBlobUpload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	repoName, uuid := vars["name"], vars["uuid"]

	offset := int64(0)
	if cr := r.Header.Get("Content-Range"); cr != "" {
		start, _, ok := parseContentRange(cr)
		if !ok {
			ocierr.Write(w, ocierr.New(ocierr.RangeInvalid, "invalid Content-Range"))
			return
		}
		offset = start
	} else {
		status, err := h.Upload.Status(r.Context(), uuid)
		if err != nil {
			writeUploadError(w, err)
			return
		}
		offset = status.Offset
	}

	sess, err := h.Upload.Chunk(r.Context(), uuid, offset, r.Body)
	if err != nil {
		if errors.Is(err, upload.ErrRangeInvalid) {
			// §4.4/S2: the client needs the actual current offset to resume
			// correctly, not just the rejection.
			if status, statusErr := h.Upload.Status(r.Context(), uuid); statusErr == nil {
				if status.Offset > 0 {
					w.Header().Set("Range", fmt.Sprintf("0-%d", status.Offset-1))
				} else {
					w.Header().Set("Range", "0-0")
				}
			}
		}
		writeUploadError(w, err)
		return
	}
	respondUploadAccepted(w, repoName, sess)
}

// PutBlobUpload implements PUT /v2/<name>/blobs/uploads/<uuid>, committing
// the session (§4.4, §6). A final chunk may optionally be attached.
func (h *Handler) PutBlobUpload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	repoName, uploadUUID := vars["name"], vars["uuid"]
	wantDigest := r.URL.Query().Get("digest")

	if wantDigest == "" {
		ocierr.Write(w, ocierr.New(ocierr.DigestInvalid, "digest query parameter required"))
		return
	}

	repo, err := h.Catalog.GetRepositoryByName(r.Context(), repoName)
	if err != nil {
		ocierr.WriteUnknown(w, err)
		return
	}

	var final io.Reader
	if r.ContentLength > 0 {
		final = r.Body
	}

	blob, err := h.Upload.Commit(r.Context(), repo.ID, uploadUUID, wantDigest, final)
	if err != nil {
		writeUploadError(w, err)
		return
	}

	w.Header().Set("Docker-Content-Digest", blob.Digest)
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repoName, blob.Digest))
	w.WriteHeader(http.StatusCreated)
}

// GetBlobUploadStatus implements GET /v2/<name>/blobs/uploads/<uuid> (§4.4, §6).
func (h *Handler) GetBlobUploadStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	repoName, uploadUUID := vars["name"], vars["uuid"]

	sess, err := h.Upload.Status(r.Context(), uploadUUID)
	if err != nil {
		writeUploadError(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", repoName, uploadUUID))
	w.Header().Set("Docker-Upload-UUID", uploadUUID)
	if sess.Offset > 0 {
		w.Header().Set("Range", fmt.Sprintf("0-%d", sess.Offset-1))
	} else {
		w.Header().Set("Range", "0-0")
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteBlobUpload implements DELETE /v2/<name>/blobs/uploads/<uuid> (§4.4, §6).
func (h *Handler) DeleteBlobUpload(w http.ResponseWriter, r *http.Request) {
	uploadUUID := mux.Vars(r)["uuid"]
	if err := h.Upload.Cancel(r.Context(), uploadUUID); err != nil {
		writeUploadError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func respondUploadAccepted(w http.ResponseWriter, repoName string, sess *upload.Session) {
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", repoName, sess.UUID))
	w.Header().Set("Docker-Upload-UUID", sess.UUID)
	if sess.Offset > 0 {
		w.Header().Set("Range", fmt.Sprintf("0-%d", sess.Offset-1))
	} else {
		w.Header().Set("Range", "0-0")
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, upload.ErrNotFound):
		ocierr.Write(w, ocierr.New(ocierr.BlobUploadUnknown, "upload session not found"))
	case errors.Is(err, upload.ErrRangeInvalid):
		ocierr.Write(w, ocierr.New(ocierr.RangeInvalid, err.Error()))
	case errors.Is(err, upload.ErrDigestWrong):
		ocierr.Write(w, ocierr.New(ocierr.DigestInvalid, err.Error()))
	case errors.Is(err, digest.ErrInvalidDigest):
		ocierr.Write(w, ocierr.New(ocierr.DigestInvalid, err.Error()))
	default:
		ocierr.WriteUnknown(w, err)
	}
}

// parseRange parses a single-range "bytes=start-end" Range header.
func parseRange(header string, size int64) (start, end int64, ok bool) {
	header = strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(header, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if parts[1] == "" {
		end = size - 1
	} else {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, false
		}
	}
	if start < 0 || end < start || end >= size {
		return 0, 0, false
	}
	return start, end, true
}

// parseContentRange parses a PATCH request's "bytes start-end/*" header.
func parseContentRange(header string) (start, end int64, ok bool) {
	header = strings.TrimPrefix(header, "bytes ")
	slash := strings.Index(header, "/")
	if slash >= 0 {
		header = header[:slash]
	}
	parts := strings.SplitN(header, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	end, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, end, true
}
