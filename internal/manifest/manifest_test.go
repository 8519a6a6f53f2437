package manifest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ocihub/registry/internal/catalog"
	"github.com/ocihub/registry/internal/digest"
	"github.com/ocihub/registry/internal/storagedriver"
)

func newTestEngine(t *testing.T) (*Engine, *catalog.Store, *catalog.Repository) {
	t.Helper()
	store, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	driver, err := storagedriver.NewLocalDriver(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalDriver: %v", err)
	}

	repo, err := store.CreateRepository(context.Background(), "library/manifest-test", true)
	if err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}

	return NewEngine(store, driver), store, repo
}

func insertLayerBlob(t *testing.T, store *catalog.Store, repoID int64, content []byte) digest.Digest {
	t.Helper()
	dgst, err := digest.NewHasher(digest.SHA256)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	dgst.Update(content)
	d := dgst.Finalize()
	if _, err := store.InsertBlob(context.Background(), repoID, d.String(), "blobs/"+d.Encoded(), 1, nil); err != nil {
		t.Fatalf("InsertBlob: %v", err)
	}
	return d
}

func TestPutAndGetByTag(t *testing.T) {
	e, store, repo := newTestEngine(t)
	ctx := context.Background()

	layerDigest := insertLayerBlob(t, store, repo.ID, []byte("layer bytes"))

	body := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json","layers":[{"mediaType":"application/vnd.oci.image.layer.v1.tar","digest":"` + layerDigest.String() + `","size":11}]}`)

	m, err := e.Put(ctx, repo, "latest", "application/vnd.oci.image.manifest.v1+json", body)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if m.MediaType != "application/vnd.oci.image.manifest.v1+json" {
		t.Fatalf("MediaType = %s", m.MediaType)
	}

	got, r, err := e.Get(ctx, repo, "latest")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer r.Close()
	if got.Digest != m.Digest {
		t.Fatalf("Get returned digest %s, want %s", got.Digest, m.Digest)
	}
}

func TestPutRejectsMissingLayerReference(t *testing.T) {
	e, _, repo := newTestEngine(t)
	ctx := context.Background()

	body := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json","layers":[{"mediaType":"application/vnd.oci.image.layer.v1.tar","digest":"sha256:0000000000000000000000000000000000000000000000000000000000000","size":11}]}`)

	if _, err := e.Put(ctx, repo, "latest", "application/vnd.oci.image.manifest.v1+json", body); !errors.Is(err, ErrMissingRef) {
		t.Fatalf("Put with unknown layer: err = %v, want ErrMissingRef", err)
	}
}

func TestPutRejectsDigestMismatch(t *testing.T) {
	e, _, repo := newTestEngine(t)
	ctx := context.Background()

	body := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json"}`)
	wrongDigest := "sha256:" + strings.Repeat("1", 64)

	if _, err := e.Put(ctx, repo, wrongDigest, "application/vnd.oci.image.manifest.v1+json", body); !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("Put with mismatched digest reference: err = %v, want ErrDigestMismatch", err)
	}
}

func TestPutRejectsOversizedBody(t *testing.T) {
	e, _, repo := newTestEngine(t)
	ctx := context.Background()

	body := make([]byte, MaxBodySize+1)
	if _, err := e.Put(ctx, repo, "latest", "application/vnd.oci.image.manifest.v1+json", body); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Put with oversized body: err = %v, want ErrTooLarge", err)
	}
}

func TestPutIsIdempotentByDigestAndRepushUpdatesTag(t *testing.T) {
	e, store, repo := newTestEngine(t)
	ctx := context.Background()

	layerDigest := insertLayerBlob(t, store, repo.ID, []byte("shared layer"))
	body := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json","layers":[{"mediaType":"application/vnd.oci.image.layer.v1.tar","digest":"` + layerDigest.String() + `","size":12}]}`)

	first, err := e.Put(ctx, repo, "v1", "application/vnd.oci.image.manifest.v1+json", body)
	if err != nil {
		t.Fatalf("Put (v1): %v", err)
	}
	// Re-pushing the same bytes under a different tag must not fail writing
	// the already-finalized content-addressed path.
	second, err := e.Put(ctx, repo, "v2", "application/vnd.oci.image.manifest.v1+json", body)
	if err != nil {
		t.Fatalf("Put (v2): %v", err)
	}
	if first.Digest != second.Digest {
		t.Fatalf("re-pushing identical content produced different digests")
	}

	tags, err := e.ListTags(ctx, repo, 10, "")
	if err != nil {
		t.Fatalf("ListTags: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("ListTags = %v, want 2 tags", tags)
	}

	// The re-push under "v2" resolves to the same manifest row (not a new
	// reference), so the shared layer must still show ref_count 1 (§8
	// property 3, §8 property 6).
	b, err := store.FindBlob(ctx, repo.ID, layerDigest.String())
	if err != nil {
		t.Fatalf("FindBlob: %v", err)
	}
	if b.RefCount != 1 {
		t.Fatalf("layer RefCount after idempotent repush = %d, want 1", b.RefCount)
	}
}

func TestTwoManifestsSharingLayerKeepRefCountUntilBothDeleted(t *testing.T) {
	e, store, repo := newTestEngine(t)
	ctx := context.Background()

	layerDigest := insertLayerBlob(t, store, repo.ID, []byte("shared across manifests"))
	layerField := `{"mediaType":"application/vnd.oci.image.layer.v1.tar","digest":"` + layerDigest.String() + `","size":24}`

	bodyA := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json","layers":[` + layerField + `],"annotations":{"name":"a"}}`)
	bodyB := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json","layers":[` + layerField + `],"annotations":{"name":"b"}}`)

	mA, err := e.Put(ctx, repo, "a", "application/vnd.oci.image.manifest.v1+json", bodyA)
	if err != nil {
		t.Fatalf("Put a: %v", err)
	}
	mB, err := e.Put(ctx, repo, "b", "application/vnd.oci.image.manifest.v1+json", bodyB)
	if err != nil {
		t.Fatalf("Put b: %v", err)
	}
	if mA.Digest == mB.Digest {
		t.Fatalf("test manifests must have distinct digests to exercise two real references")
	}

	b, err := store.FindBlob(ctx, repo.ID, layerDigest.String())
	if err != nil {
		t.Fatalf("FindBlob: %v", err)
	}
	if b.RefCount != 2 {
		t.Fatalf("RefCount with two manifests sharing the layer = %d, want 2", b.RefCount)
	}

	if err := e.Delete(ctx, repo, mA.Digest); err != nil {
		t.Fatalf("Delete a: %v", err)
	}
	b, err = store.FindBlob(ctx, repo.ID, layerDigest.String())
	if err != nil {
		t.Fatalf("FindBlob after deleting manifest a: %v", err)
	}
	if b.RefCount != 1 {
		t.Fatalf("RefCount after deleting one of two manifests = %d, want 1 (still referenced by b)", b.RefCount)
	}

	if err := e.Delete(ctx, repo, mB.Digest); err != nil {
		t.Fatalf("Delete b: %v", err)
	}
	b, err = store.FindBlob(ctx, repo.ID, layerDigest.String())
	if err != nil {
		t.Fatalf("FindBlob after deleting manifest b: %v", err)
	}
	if b.RefCount != 0 {
		t.Fatalf("RefCount after deleting both manifests = %d, want 0", b.RefCount)
	}
}

func TestReferrersListsManifestsWithMatchingSubject(t *testing.T) {
	e, _, repo := newTestEngine(t)
	ctx := context.Background()

	const subjectDigest = "sha256:2222000000000000000000000000000000000000000000000000000000000"

	sigBody := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json","subject":{"mediaType":"application/vnd.oci.image.manifest.v1+json","digest":"` + subjectDigest + `","size":22}}`)
	if _, err := e.Put(ctx, repo, "sig", "application/vnd.oci.image.manifest.v1+json", sigBody); err != nil {
		t.Fatalf("Put referrer: %v", err)
	}

	unrelated := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json"}`)
	if _, err := e.Put(ctx, repo, "unrelated", "application/vnd.oci.image.manifest.v1+json", unrelated); err != nil {
		t.Fatalf("Put unrelated: %v", err)
	}

	index, err := e.Referrers(ctx, repo, subjectDigest)
	if err != nil {
		t.Fatalf("Referrers: %v", err)
	}
	if len(index.Manifests) != 1 {
		t.Fatalf("Referrers = %d manifests, want 1", len(index.Manifests))
	}
	if string(index.Manifests[0].Digest) == "" {
		t.Fatalf("referrer descriptor missing digest")
	}
}

func TestDeleteRemovesManifestAndTag(t *testing.T) {
	e, store, repo := newTestEngine(t)
	ctx := context.Background()

	layerDigest := insertLayerBlob(t, store, repo.ID, []byte("to be deleted"))
	body := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json","layers":[{"mediaType":"application/vnd.oci.image.layer.v1.tar","digest":"` + layerDigest.String() + `","size":13}]}`)

	m, err := e.Put(ctx, repo, "gone", "application/vnd.oci.image.manifest.v1+json", body)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := e.Delete(ctx, repo, m.Digest); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, _, err := e.Get(ctx, repo, "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: err = %v, want ErrNotFound", err)
	}

	b, err := store.FindBlob(ctx, repo.ID, layerDigest.String())
	if err != nil {
		t.Fatalf("FindBlob after manifest delete: %v", err)
	}
	if b.RefCount != 0 {
		t.Fatalf("layer RefCount after delete = %d, want 0", b.RefCount)
	}
}
