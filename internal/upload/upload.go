// Package upload implements the chunked resumable blob upload state machine
// described in §4.4: None -> Open -> (Open)* -> Committed | Cancelled, with
// per-session serialization and strict contiguous byte-range enforcement.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocihub/registry/internal/catalog"
	"github.com/ocihub/registry/internal/digest"
	"github.com/ocihub/registry/internal/storagedriver"
)

// Errors surfaced to the HTTP layer, mapped to ocierr codes there.
var (
	ErrNotFound     = errors.New("upload: session not found")
	ErrRangeInvalid = errors.New("upload: non-contiguous chunk")
	ErrDigestWrong  = errors.New("upload: digest does not match uploaded content")
)

// Session is the in-memory view of an upload returned to callers; UUID and
// Offset are what the HTTP layer needs to build Location/Range headers.
type Session struct {
	UUID   string
	Offset int64 // bytes written so far (exclusive end of the committed range)
}

// Manager serializes operations per upload UUID with one mutex per session
// (§4.4: "a session accepts exactly one in-flight request at a time"), and
// persists session/chunk bookkeeping through the catalog and storagedriver.
type Manager struct {
	store  *catalog.Store
	driver storagedriver.Driver

	mu       sync.Mutex
	sessions map[string]*sync.Mutex
}

// NewManager constructs an upload Manager over the given catalog and driver.
func NewManager(store *catalog.Store, driver storagedriver.Driver) *Manager {
	return &Manager{
		store:    store,
		driver:   driver,
		sessions: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(uploadUUID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.sessions[uploadUUID]
	if !ok {
		lk = &sync.Mutex{}
		m.sessions[uploadUUID] = lk
	}
	return lk
}

func (m *Manager) forget(uploadUUID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, uploadUUID)
}

// Start opens a new upload session for a repository, returning its UUID.
// This is the None -> Open transition.
func (m *Manager) Start(ctx context.Context, repositoryID int64) (*Session, error) {
	id := uuid.New().String()
	staging := storagedriver.StagingPath(id)
	if err := m.store.CreateUpload(ctx, id, repositoryID, staging, string(digest.SHA256)); err != nil {
		return nil, fmt.Errorf("upload: starting session: %w", err)
	}
	return &Session{UUID: id, Offset: 0}, nil
}

// MountOrStart checks whether a blob with fromDigest already exists in the
// repository (or, when sourceRepositoryID is set, mounts it from there). It
// returns (nil, digest, nil) on a mount short-circuit so the caller can
// respond 201 Created without ever opening a session (§4.4 "mount").
func (m *Manager) MountOrStart(ctx context.Context, repositoryID int64, fromDigest string, sourceRepositoryID *int64) (*Session, string, error) {
	if _, err := m.store.FindBlob(ctx, repositoryID, fromDigest); err == nil {
		return nil, fromDigest, nil
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return nil, "", err
	}

	if sourceRepositoryID != nil {
		if _, err := m.store.MountBlob(ctx, *sourceRepositoryID, repositoryID, fromDigest); err == nil {
			return nil, fromDigest, nil
		}
	}

	sess, err := m.Start(ctx, repositoryID)
	return sess, "", err
}

// Chunk appends r to the session's staging file at the given offset,
// enforcing that offset matches the current end of the staged data exactly
// (§4.4, §5 "strict contiguity"). This is an Open -> Open transition.
func (m *Manager) Chunk(ctx context.Context, uploadUUID string, offset int64, r io.Reader) (*Session, error) {
	lk := m.lockFor(uploadUUID)
	lk.Lock()
	defer lk.Unlock()

	up, err := m.store.GetUpload(ctx, uploadUUID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	current, err := m.driver.Size(ctx, up.StagingPath)
	if err != nil && !storagedriver.IsNotExist(err) {
		return nil, err
	}
	if offset != current {
		return nil, fmt.Errorf("%w: offset %d, have %d", ErrRangeInvalid, offset, current)
	}

	n, err := m.driver.Write(ctx, up.StagingPath, offset, r)
	if err != nil {
		return nil, fmt.Errorf("upload: writing chunk: %w", err)
	}

	newSize := offset + n
	if err := m.store.AdvanceUpload(ctx, uploadUUID, up.CurrentChunk+1); err != nil {
		return nil, err
	}
	return &Session{UUID: uploadUUID, Offset: newSize}, nil
}

// Status returns the current offset of a session without writing to it.
func (m *Manager) Status(ctx context.Context, uploadUUID string) (*Session, error) {
	up, err := m.store.GetUpload(ctx, uploadUUID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	size, err := m.driver.Size(ctx, up.StagingPath)
	if err != nil {
		if storagedriver.IsNotExist(err) {
			size = 0
		} else {
			return nil, err
		}
	}
	return &Session{UUID: uploadUUID, Offset: size}, nil
}

// Commit finalizes a session: optionally appends one last chunk (a
// monolithic PUT with a final body does this in one call per §4.4), then
// rehashes the complete staged content against wantDigest before renaming
// it into the content-addressed blob path. Digest mismatch is fatal to the
// session: its staged bytes and catalog row are removed, and the client
// must start a new upload.
func (m *Manager) Commit(ctx context.Context, repositoryID int64, uploadUUID string, wantDigest string, final io.Reader) (*catalog.Blob, error) {
	lk := m.lockFor(uploadUUID)
	lk.Lock()
	defer lk.Unlock()

	up, err := m.store.GetUpload(ctx, uploadUUID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if final != nil {
		current, err := m.driver.Size(ctx, up.StagingPath)
		if err != nil && !storagedriver.IsNotExist(err) {
			return nil, err
		}
		if _, err := m.driver.Write(ctx, up.StagingPath, current, final); err != nil {
			return nil, fmt.Errorf("upload: writing final chunk: %w", err)
		}
	}

	dgst, err := digest.Parse(wantDigest)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	reader, err := m.driver.Reader(ctx, up.StagingPath, nil)
	if err != nil {
		return nil, fmt.Errorf("upload: reading staged content: %w", err)
	}
	actual, err := digest.HashReader(dgst.Algorithm(), reader)
	reader.Close()
	if err != nil {
		return nil, err
	}
	if actual != dgst {
		if err := m.driver.Delete(ctx, up.StagingPath); err != nil && !storagedriver.IsNotExist(err) {
			return nil, err
		}
		if err := m.store.DeleteUpload(ctx, uploadUUID); err != nil {
			return nil, err
		}
		m.forget(uploadUUID)
		return nil, ErrDigestWrong
	}

	finalPath := storagedriver.BlobPath(dgst)
	if _, err := m.driver.Finalize(ctx, up.StagingPath, finalPath); err != nil {
		return nil, fmt.Errorf("upload: finalizing blob: %w", err)
	}

	sessionID := uploadUUID
	blob, err := m.store.InsertBlob(ctx, repositoryID, dgst.String(), finalPath, 0, &sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.store.DeleteUpload(ctx, uploadUUID); err != nil {
		return nil, err
	}
	m.forget(uploadUUID)
	return blob, nil
}

// Cancel discards a session's staged bytes and its catalog row
// unconditionally (Open -> Cancelled).
func (m *Manager) Cancel(ctx context.Context, uploadUUID string) error {
	lk := m.lockFor(uploadUUID)
	lk.Lock()
	defer lk.Unlock()

	up, err := m.store.GetUpload(ctx, uploadUUID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := m.driver.Delete(ctx, up.StagingPath); err != nil && !storagedriver.IsNotExist(err) {
		return err
	}
	if err := m.store.DeleteUpload(ctx, uploadUUID); err != nil {
		return err
	}
	m.forget(uploadUUID)
	return nil
}

// SweepStale deletes upload sessions (and their staging bytes) older than
// horizon. It is the startup janitor named in §7 and §9: uploads abandoned
// mid-flight accumulate staging bytes forever without it.
func (m *Manager) SweepStale(ctx context.Context, horizon time.Duration) (int, error) {
	stale, err := m.store.ListStaleUploads(ctx, int64(horizon.Seconds()))
	if err != nil {
		return 0, err
	}
	for _, su := range stale {
		_ = m.driver.Delete(ctx, su.StagingPath)
		_ = m.store.DeleteUpload(ctx, su.UUID)
	}
	return len(stale), nil
}
