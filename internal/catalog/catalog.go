// Package catalog is the transactional metadata store (§4.3): repositories,
// blobs, manifests, manifest-layers, tags, uploads, users, scopes, clients
// and tokens. It owns these rows exclusively; internal/storagedriver owns
// the bytes they point at (§3 Ownership).
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("catalog: not found")

// Store wraps the SQLite connection pool backing the catalog.
type Store struct {
	db *sql.DB
}

// Open connects to the SQLite file at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("catalog: opening %s: %w", path, err)
	}
	// SQLite allows exactly one writer; cap the pool so concurrent writes
	// serialize through database/sql instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("catalog: pinging %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("catalog: applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw *sql.DB for callers (e.g. internal/audit) that want
// their own small tables in the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// --- Repositories ---

var repoNamePattern = `^[a-z0-9]+([._-][a-z0-9]+)*(/[a-z0-9]+([._-][a-z0-9]+)*)*$`

// CreateRepository creates a repository row, or returns the existing one if
// the name is already taken (repository creation is idempotent from the
// caller's perspective — pushing to an unknown repo creates it on demand).
func (s *Store) CreateRepository(ctx context.Context, name string, isPublic bool) (*Repository, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO repositories (name, is_public) VALUES (?, ?)
		ON CONFLICT(name) DO NOTHING`, name, isPublic)
	if err != nil {
		return nil, fmt.Errorf("catalog: creating repository %s: %w", name, err)
	}
	return s.GetRepositoryByName(ctx, name)
}

// GetRepositoryByName resolves a repository by its unique name.
func (s *Store) GetRepositoryByName(ctx context.Context, name string) (*Repository, error) {
	var r Repository
	var isPublic int
	err := s.db.QueryRowContext(ctx, `SELECT id, name, is_public, created_at FROM repositories WHERE name = ?`, name).
		Scan(&r.ID, &r.Name, &isPublic, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.IsPublic = isPublic != 0
	return &r, nil
}

// ListRepositories returns up to n repository names ordered lexicographically
// starting after last (pagination, §6).
func (s *Store) ListRepositories(ctx context.Context, n int, last string) ([]string, error) {
	query := `SELECT name FROM repositories WHERE name > ? ORDER BY name LIMIT ?`
	limit := n
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, query, last, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeleteRepository removes a repository and, via ON DELETE CASCADE, every
// blob, manifest, tag, upload and scope row that references it (§3).
func (s *Store) DeleteRepository(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE name = ?`, name)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Uploads ---

// CreateUpload allocates an upload session row.
func (s *Store) CreateUpload(ctx context.Context, uuid string, repositoryID int64, stagingPath, algorithm string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uploads (uuid, repository_id, staging_path, algorithm, current_chunk)
		VALUES (?, ?, ?, ?, 0)`, uuid, repositoryID, stagingPath, algorithm)
	return err
}

// GetUpload fetches an upload session by UUID.
func (s *Store) GetUpload(ctx context.Context, uuid string) (*Upload, error) {
	var u Upload
	err := s.db.QueryRowContext(ctx, `
		SELECT uuid, repository_id, staging_path, algorithm, current_chunk, created_at
		FROM uploads WHERE uuid = ?`, uuid).
		Scan(&u.UUID, &u.RepositoryID, &u.StagingPath, &u.Algorithm, &u.CurrentChunk, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// AdvanceUpload bumps current_chunk after a successful contiguous append.
func (s *Store) AdvanceUpload(ctx context.Context, uuid string, newChunk int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE uploads SET current_chunk = ? WHERE uuid = ?`, newChunk, uuid)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUpload removes an upload session row (on commit or cancel).
func (s *Store) DeleteUpload(ctx context.Context, uuid string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE uuid = ?`, uuid)
	return err
}

// ListStaleUploads returns upload UUIDs and staging paths older than the
// given horizon, for the startup sweep (§4.4, §7).
type StaleUpload struct {
	UUID        string
	StagingPath string
}

func (s *Store) ListStaleUploads(ctx context.Context, horizonSeconds int64) ([]StaleUpload, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, staging_path FROM uploads
		WHERE created_at < datetime('now', printf('-%d seconds', ?))`, horizonSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stale []StaleUpload
	for rows.Next() {
		var su StaleUpload
		if err := rows.Scan(&su.UUID, &su.StagingPath); err != nil {
			return nil, err
		}
		stale = append(stale, su)
	}
	return stale, rows.Err()
}

// --- Blobs ---

// FindBlob looks up a blob by repository and digest.
func (s *Store) FindBlob(ctx context.Context, repositoryID int64, digest string) (*Blob, error) {
	var b Blob
	var sessionID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, repository_id, digest, file_path, upload_session_id, ref_count, chunk_count, created_at
		FROM blobs WHERE repository_id = ? AND digest = ?`, repositoryID, digest).
		Scan(&b.ID, &b.RepositoryID, &b.Digest, &b.FilePath, &sessionID, &b.RefCount, &b.ChunkCount, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if sessionID.Valid {
		b.UploadSessionID = &sessionID.String
	}
	return &b, nil
}

// InsertBlob inserts a new blob row with ref_count 0, or — if a blob with
// the same (repository, digest) already exists, i.e. a deduplication hit —
// returns the existing row unchanged. Committing an upload (or mounting a
// blob) only brings the bytes into the catalog; per §3 a blob is not
// "referenced" until a manifest actually names it as a layer or config,
// which InsertManifest accounts for when it stores the layer rows (and
// IncrRef for a mount).
func (s *Store) InsertBlob(ctx context.Context, repositoryID int64, digest, filePath string, chunkCount int, uploadSessionID *string) (*Blob, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (repository_id, digest, file_path, upload_session_id, ref_count, chunk_count)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(repository_id, digest) DO NOTHING`,
		repositoryID, digest, filePath, uploadSessionID, chunkCount)
	if err != nil {
		return nil, fmt.Errorf("catalog: inserting blob %s: %w", digest, err)
	}
	return s.FindBlob(ctx, repositoryID, digest)
}

// IncrRef increments a blob's ref_count: a manifest now names it as a layer
// or config (§3, §4.5), or it was just mounted in preparation for one.
func (s *Store) IncrRef(ctx context.Context, repositoryID int64, digest string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE blobs SET ref_count = ref_count + 1 WHERE repository_id = ? AND digest = ?`, repositoryID, digest)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DecrRef decrements a blob's ref_count, floored at zero. A zero count
// marks the blob eligible for the out-of-scope GC sweeper (§3, §9); the
// core never deletes the row or the bytes itself.
func (s *Store) DecrRef(ctx context.Context, repositoryID int64, digest string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE blobs SET ref_count = MAX(ref_count - 1, 0)
		WHERE repository_id = ? AND digest = ?`, repositoryID, digest)
	return err
}

// MountBlob links an existing blob into another repository by copying its
// catalog row (content-addressed bytes are shared on disk because the
// final path is derived purely from the digest), then incrementing the
// mounted row's ref_count as §4.4 requires of the mount short-circuit.
func (s *Store) MountBlob(ctx context.Context, fromRepoID, toRepoID int64, digest string) (*Blob, error) {
	src, err := s.FindBlob(ctx, fromRepoID, digest)
	if err != nil {
		return nil, err
	}
	if _, err := s.InsertBlob(ctx, toRepoID, digest, src.FilePath, src.ChunkCount, nil); err != nil {
		return nil, err
	}
	if err := s.IncrRef(ctx, toRepoID, digest); err != nil {
		return nil, err
	}
	return s.FindBlob(ctx, toRepoID, digest)
}

// DeleteBlob removes a blob row for the given repository and digest
// (§4.3, §6 DELETE /v2/<name>/blobs/<digest>). The caller is responsible
// for rejecting the request while the blob is still referenced by a
// manifest; DeleteBlob itself only removes the catalog row.
func (s *Store) DeleteBlob(ctx context.Context, repositoryID int64, digest string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE repository_id = ? AND digest = ?`, repositoryID, digest)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
