// Package manifest implements the manifest engine described in §4.5: Put,
// Get, Delete, tag listing and referrers, built on top of internal/catalog
// for metadata and internal/storagedriver for the manifest bytes themselves.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	godigest "github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocihub/registry/internal/catalog"
	"github.com/ocihub/registry/internal/digest"
	"github.com/ocihub/registry/internal/storagedriver"
)

// MaxBodySize caps a manifest PUT body at 4MiB (§4.5, §7) — generous for any
// real manifest, but small enough to keep a malicious or buggy client from
// parking gigabytes of JSON in memory before parsing.
const MaxBodySize = 4 << 20

var (
	ErrTooLarge       = errors.New("manifest: body exceeds maximum size")
	ErrNotFound       = errors.New("manifest: not found")
	ErrDigestMismatch = errors.New("manifest: digest does not match reference")
	ErrBadManifest    = errors.New("manifest: could not parse manifest JSON")
	ErrMissingRef     = errors.New("manifest: references a digest not present in the repository")
)

// descriptor mirrors the OCI/Docker content descriptor shape shared by the
// config and layers fields of schema-2 and OCI manifests.
type descriptor struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// parsed is the subset of a manifest body the engine needs: enough to find
// every digest it references, regardless of schemaVersion.
type parsed struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType"`
	Config        *descriptor  `json:"config"`
	Layers        []descriptor `json:"layers"`
	Manifests     []descriptor `json:"manifests"` // OCI image index / manifest list
	Subject       *descriptor  `json:"subject"`    // points at the manifest this one is a referrer of (§4.5)
}

// Engine wires the catalog and storage driver together behind the manifest
// operations the HTTP layer calls.
type Engine struct {
	store  *catalog.Store
	driver storagedriver.Driver
}

func NewEngine(store *catalog.Store, driver storagedriver.Driver) *Engine {
	return &Engine{store: store, driver: driver}
}

// Driver exposes the underlying storage driver so HTTP handlers that serve
// raw blob bytes (not manifests) can share the same backend without each
// package constructing its own.
func (e *Engine) Driver() storagedriver.Driver {
	return e.driver
}

// Put validates and stores a manifest body under reference (a tag or a
// digest), enforcing §4.5's invariants: every layer/config digest it names
// must already exist as a blob in the repository, and if reference is
// itself a digest it must equal the computed digest of body.
func (e *Engine) Put(ctx context.Context, repo *catalog.Repository, reference, contentType string, body []byte) (*catalog.Manifest, error) {
	if len(body) > MaxBodySize {
		return nil, ErrTooLarge
	}

	h, err := digest.NewHasher(digest.SHA256)
	if err != nil {
		return nil, err
	}
	h.Update(body)
	dgst := h.Finalize()

	if declared, err := digest.Parse(reference); err == nil {
		if declared != dgst {
			return nil, ErrDigestMismatch
		}
	}

	var p parsed
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadManifest, err)
	}

	mediaType := p.MediaType
	if mediaType == "" {
		mediaType = contentType
	}
	if mediaType == "" {
		if len(p.Manifests) > 0 {
			mediaType = ispec.MediaTypeImageIndex
		} else {
			mediaType = ispec.MediaTypeImageManifest
		}
	}

	var layers []catalog.ManifestLayer
	check := func(d descriptor) error {
		if d.Digest == "" {
			return nil
		}
		if _, err := e.store.FindBlob(ctx, repo.ID, d.Digest); err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrMissingRef, d.Digest)
			}
			return err
		}
		layers = append(layers, catalog.ManifestLayer{Digest: d.Digest, Size: d.Size, MediaType: d.MediaType})
		return nil
	}
	if p.Config != nil {
		if err := check(*p.Config); err != nil {
			return nil, err
		}
	}
	for _, l := range p.Layers {
		if err := check(l); err != nil {
			return nil, err
		}
	}
	// A manifest list / image index references sibling manifests, not
	// blobs; it has no config and its members are not checked against the
	// blob store (§4.5 Non-goals: multi-arch indexes are not validated
	// recursively).
	for _, mref := range p.Manifests {
		_ = mref
	}

	finalPath := storagedriver.ManifestPath(repo.Name, dgst)
	if _, err := e.driver.Size(ctx, finalPath); err != nil {
		if !storagedriver.IsNotExist(err) {
			return nil, err
		}
		// Content-addressed path: a size lookup failing with not-exist
		// means this exact digest was never written for this repo before.
		if _, err := e.driver.Write(ctx, finalPath, 0, newBodyReader(body)); err != nil {
			return nil, fmt.Errorf("manifest: writing body: %w", err)
		}
	}

	var subjectDigest *string
	if p.Subject != nil && p.Subject.Digest != "" {
		subjectDigest = &p.Subject.Digest
	}

	m, err := e.store.InsertManifest(ctx, repo.ID, dgst.String(), mediaType, finalPath, int64(len(body)), p.SchemaVersion, subjectDigest, layers)
	if err != nil {
		return nil, err
	}

	if _, err := digest.Parse(reference); err != nil {
		// reference is a tag name, not a digest: point it at this manifest.
		if err := e.store.UpsertTag(ctx, repo.ID, m.ID, reference); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Get resolves reference (tag or digest) to a manifest and opens its bytes.
func (e *Engine) Get(ctx context.Context, repo *catalog.Repository, reference string) (*catalog.Manifest, io.ReadCloser, error) {
	m, err := e.store.ManifestByReference(ctx, repo.ID, reference)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	r, err := e.driver.Reader(ctx, m.FilePath, nil)
	if err != nil {
		return nil, nil, err
	}
	return m, r, nil
}

// Delete removes a manifest by digest, decrementing the ref_count of every
// blob it referenced, and the bytes on disk.
func (e *Engine) Delete(ctx context.Context, repo *catalog.Repository, reference string) error {
	m, err := e.store.ManifestByReference(ctx, repo.ID, reference)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := e.store.DeleteManifest(ctx, repo.ID, m.Digest); err != nil {
		return err
	}
	return e.driver.Delete(ctx, m.FilePath)
}

// DeleteTag removes a tag without affecting the manifest it pointed at
// (§4.5: untag is distinct from manifest deletion).
func (e *Engine) DeleteTag(ctx context.Context, repo *catalog.Repository, tag string) error {
	if err := e.store.DeleteTag(ctx, repo.ID, tag); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// ListTags returns up to n tags for a repository after last, for the
// paginated GET /v2/<name>/tags/list endpoint (§6).
func (e *Engine) ListTags(ctx context.Context, repo *catalog.Repository, n int, last string) ([]string, error) {
	return e.store.ListTags(ctx, repo.ID, n, last)
}

// Referrers returns an OCI Image Index listing every manifest in repo whose
// "subject" descriptor points at subjectDigest (§4.5, §6
// GET /v2/<name>/referrers/<digest>).
func (e *Engine) Referrers(ctx context.Context, repo *catalog.Repository, subjectDigest string) (*ispec.Index, error) {
	manifests, err := e.store.ManifestsBySubject(ctx, repo.ID, subjectDigest)
	if err != nil {
		return nil, err
	}
	descs := make([]ispec.Descriptor, 0, len(manifests))
	for _, m := range manifests {
		descs = append(descs, ispec.Descriptor{
			MediaType: m.MediaType,
			Digest:    godigest.Digest(m.Digest),
			Size:      m.Size,
		})
	}
	return &ispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ispec.MediaTypeImageIndex,
		Manifests: descs,
	}, nil
}

type bodyReader struct {
	b   []byte
	off int
}

func newBodyReader(b []byte) *bodyReader { return &bodyReader{b: b} }

func (r *bodyReader) Read(p []byte) (int, error) {
	if r.off >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.off:])
	r.off += n
	return n, nil
}
